// Package worker implements the Worker Controller (spec §4.D): the
// per-query state machine that drives path resolution, index pruning
// and file processing over a worker's local files, then streams
// results back to the coordinator (directly, or through the TPUT
// rounds in AGGR+TopN queries).
//
// Grounded on ext/dsort's Manager.start() phase structure (INIT ->
// phase1 -> phase2 -> phase3, one error anywhere abandons the whole
// job) and on xact/xs/lso.go's on-demand xaction lifecycle
// (Start/Run/Stop/Abort), adapted from a single-pass listing xaction
// to this module's RESOLVE/PRUNE/PROCESS/STREAM pipeline.
package worker

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/CESNET/fdistdump/internal/aggmem"
	"github.com/CESNET/fdistdump/internal/bloomprune"
	"github.com/CESNET/fdistdump/internal/cluster"
	"github.com/CESNET/fdistdump/internal/filterexpr"
	"github.com/CESNET/fdistdump/internal/fileproc"
	"github.com/CESNET/fdistdump/internal/nlog"
	"github.com/CESNET/fdistdump/internal/pathresolver"
	"github.com/CESNET/fdistdump/internal/progress"
	"github.com/CESNET/fdistdump/internal/record"
	"github.com/CESNET/fdistdump/internal/stats"
	"github.com/CESNET/fdistdump/internal/task"
	"github.com/CESNET/fdistdump/internal/transport"
	"github.com/CESNET/fdistdump/internal/tput"
	"github.com/CESNET/fdistdump/internal/xerr"
)

// Controller drives one query's INIT->RESOLVE->(PRUNE)->PROCESS->
// (STREAM)->(TPUT_R2)->(TPUT_R3)->DONE state machine for this rank
// (spec §4.D).
type Controller struct {
	Rank        int
	Hostname    string
	Bus         *cluster.Bus
	Coordinator cluster.Node
	NumThreads  int
	Compress    bool
}

// Run executes one full query lifecycle: receive the broadcast task,
// process local files, stream results, report final summaries. A
// failure after the task is received and before the final summary is
// reported to the coordinator with OpAbort before Run returns it; a
// failure to receive the task or to send the final summary is
// returned without that notification.
func (c *Controller) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.watchAbort(ctx, cancel)

	td, err := c.recvTask(ctx)
	if err != nil {
		return err
	}
	nlog.Infof("worker %d: received task %s (mode=%s)", c.Rank, td.UUID, td.Mode)

	filter, err := filterexpr.Compile(td.Filter)
	if err != nil {
		c.abort(ctx, err)
		return err
	}

	layout, keyIdx := record.LayoutForTask(td)

	var mem fileproc.Memory
	var table *aggmem.Table
	var seq *aggmem.Sequence
	switch td.Mode {
	case task.ModeAggr:
		table = aggmem.NewTable(layout, keyIdx)
		mem = table
	case task.ModeList, task.ModeSort:
		seq = aggmem.NewSequence(layout, td.SortKey)
		mem = seq
	default:
		mem = discardMemory{}
	}

	paths, err := c.resolvePaths(td)
	if err != nil {
		c.abort(ctx, err)
		return err
	}

	var plan *bloomprune.Plan
	if td.UseBFIndex {
		plan = bloomprune.Compile(filter)
	} else {
		plan = &bloomprune.Plan{}
	}

	final, err := c.process(ctx, td, filter, plan, layout, mem, paths)
	if err != nil {
		c.abort(ctx, err)
		return err
	}

	if td.Mode != task.ModeMeta {
		if err := c.stream(ctx, td, layout, table, seq); err != nil {
			c.abort(ctx, err)
			return err
		}
	}

	if err := c.sendFinal(ctx, final); err != nil {
		return err
	}
	nlog.Infof("worker %d: done", c.Rank)
	return nil
}

// discardMemory is the Memory used in META mode, which never inserts
// any record (spec §4.C step 2: "if metadata-only mode, go to next
// file").
type discardMemory struct{}

func (discardMemory) Insert(record.Record) {}

func (c *Controller) recvTask(ctx context.Context) (*task.Descriptor, error) {
	select {
	case msg := <-c.Bus.Inbox(cluster.TagTaskBroadcast):
		return task.Unmarshal(msg.Body)
	case <-ctx.Done():
		return nil, xerr.Wrap(xerr.KindTransport, ctx.Err(), "waiting for task broadcast")
	}
}

// watchAbort listens for a coordinator-issued collective abort (spec
// §5 "Cancellation") and cancels the local query context so every
// in-flight step unwinds promptly.
func (c *Controller) watchAbort(ctx context.Context, cancel context.CancelFunc) {
	inbox := c.Bus.Inbox(cluster.TagControl)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-inbox:
			if !ok {
				return
			}
			op, reason, err := cluster.DecodeControl(msg.Body)
			if err != nil {
				continue
			}
			if op == cluster.OpAbort {
				nlog.Warningf("worker %d: received collective abort: %s", c.Rank, reason)
				cancel()
				return
			}
			// An OpStop received here is dropped: streamSequence
			// polls the same TagControl inbox, and a stop hint takes
			// effect only when that loop reads the message first.
		}
	}
}

func (c *Controller) abort(ctx context.Context, err error) {
	reason := err.Error()
	sendCtx, cancel := detachedContext(ctx)
	defer cancel()
	if sendErr := c.Bus.Send(sendCtx, c.Coordinator.Addr, cluster.TagControl, cluster.EncodeControl(cluster.OpAbort, reason)); sendErr != nil {
		nlog.Errorf("worker %d: failed to report abort to coordinator: %v", c.Rank, sendErr)
	}
}

// detachedContext gives abort/final notifications a fresh short
// timeout budget independent of a context that may already be
// canceled (the very thing triggering the notification).
func detachedContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithCancel(context.WithoutCancel(parent))
}

func (c *Controller) resolvePaths(td *task.Descriptor) ([]string, error) {
	resolver := &pathresolver.Resolver{Rank: c.Rank, Hostname: c.Hostname}
	tr := pathresolver.TimeRange{Begin: td.TimeRange.Begin, End: td.TimeRange.End}

	var paths []string
	for _, pattern := range td.PathPatterns {
		p, warnings, err := resolver.ResolveWithInterval(pattern, tr, td.RotationInterval)
		if err != nil {
			nlog.Warningf("worker %d: skipping pattern %q: %v", c.Rank, pattern, err)
			continue
		}
		for _, w := range warnings {
			nlog.Warningf("worker %d: %s: %s", c.Rank, w.Pattern, w.Reason)
		}
		paths = append(paths, p...)
	}
	return paths, nil
}

// process fans RESOLVE's path list out across NumThreads processing
// goroutines (spec §5: "one processing thread per core, merging into
// a shared memory under a monitor"), each running its own
// fileproc.Processor but sharing mem, which is already safe for
// concurrent Insert (aggmem.Table's sharded locks, aggmem.Sequence's
// single mutex).
func (c *Controller) process(ctx context.Context, td *task.Descriptor, filter *filterexpr.Node, plan *bloomprune.Plan, layout *record.Layout, mem fileproc.Memory, paths []string) (stats.Final, error) {
	n := c.NumThreads
	if n < 1 {
		n = 1
	}
	shards := shardPaths(paths, n)

	var (
		progressMu sync.Mutex
		filesDone  int
	)
	filesTotal := len(paths)
	onProgress := func(_, _ int) {
		progressMu.Lock()
		filesDone++
		done := filesDone
		progressMu.Unlock()
		if err := progress.Report(ctx, c.Bus, c.Coordinator.Addr, progress.Event{WorkerID: c.Rank, FilesDone: done, FilesTotal: filesTotal}); err != nil {
			nlog.Warningf("worker %d: reporting progress: %v", c.Rank, err)
		}
	}

	var (
		sumMu     sync.Mutex
		processed stats.ProcessedSummary
		metadata  stats.MetadataSummary
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, shard := range shards {
		shard := shard
		g.Go(func() error {
			proc := &fileproc.Processor{
				Mode:       td.Mode,
				Filter:     filter,
				Plan:       plan,
				Layout:     layout,
				Memory:     mem,
				OnProgress: onProgress,
			}
			err := proc.Run(gctx, shard)
			sumMu.Lock()
			processed.Add(proc.Processed)
			metadata.Add(proc.Metadata)
			sumMu.Unlock()
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return stats.Final{}, err
	}
	return stats.Final{Processed: processed, Metadata: metadata}, nil
}

// shardPaths splits paths into up to n roughly-equal, order-preserving
// shards so per-file ordering within one shard is still the reader's
// order (spec §4.C: "no correctness assumption is made about
// cross-file ordering").
func shardPaths(paths []string, n int) [][]string {
	if n <= 1 || len(paths) == 0 {
		return [][]string{paths}
	}
	if n > len(paths) {
		n = len(paths)
	}
	shards := make([][]string, n)
	for i, p := range paths {
		shards[i%n] = append(shards[i%n], p)
	}
	var out [][]string
	for _, s := range shards {
		if len(s) > 0 {
			out = append(out, s)
		}
	}
	return out
}

func (c *Controller) sendFinal(ctx context.Context, f stats.Final) error {
	sendCtx, cancel := detachedContext(ctx)
	defer cancel()
	body := stats.EncodeFinal(f)
	if err := c.Bus.Send(sendCtx, c.Coordinator.Addr, cluster.TagStats, body); err != nil {
		return xerr.Wrap(xerr.KindTransport, err, "sending final summary")
	}
	return nil
}

func (c *Controller) sendBatch(ctx context.Context, tag cluster.Tag, recSize int, recs []record.Record) error {
	b := record.NewBatch(recSize, recs)
	body, err := record.EncodeBatch(b)
	if err != nil {
		return err
	}
	return c.Bus.Send(ctx, c.Coordinator.Addr, tag, body)
}

// stream enters the mode-appropriate STREAM step (spec §4.D).
func (c *Controller) stream(ctx context.Context, td *task.Descriptor, layout *record.Layout, table *aggmem.Table, seq *aggmem.Sequence) error {
	switch td.Mode {
	case task.ModeList:
		return c.streamSequence(ctx, layout, seq)
	case task.ModeSort:
		seq.Sort()
		return c.streamSequence(ctx, layout, seq)
	case task.ModeAggr:
		if td.UseTPUT && TputEligible(td) {
			return c.runTPUT(ctx, td, layout, table)
		}
		return c.streamTable(ctx, layout, table)
	default:
		return nil
	}
}

// streamSequence sends every record in seq in order via the Record
// Transport, stopping early (but still flushing end-of-stream) if an
// OpStop control message arrives (spec §4.D "STREAM": "sending
// records until either the source is exhausted or the coordinator
// signals enough").
func (c *Controller) streamSequence(ctx context.Context, layout *record.Layout, seq *aggmem.Sequence) error {
	sender := transport.NewSender(c.Bus, c.Coordinator, layout.Size(), c.Compress)
	recs := seq.Records()
	for _, r := range recs {
		select {
		case msg, ok := <-c.Bus.Inbox(cluster.TagControl):
			if ok {
				op, reason, err := cluster.DecodeControl(msg.Body)
				if err == nil && op == cluster.OpAbort {
					return xerr.New(xerr.KindTransport, "collective abort: %s", reason)
				}
				if err == nil && op == cluster.OpStop {
					nlog.Infof("worker: received stop hint, ending stream early")
					goto stop
				}
			}
		default:
		}
		if err := sender.Append(ctx, r); err != nil {
			return err
		}
	}
stop:
	return sender.Close(ctx)
}

// streamTable sends every local aggregation entry, then end-of-stream
// (spec §4.D "AGGR without TPUT").
func (c *Controller) streamTable(ctx context.Context, layout *record.Layout, table *aggmem.Table) error {
	sender := transport.NewSender(c.Bus, c.Coordinator, layout.Size(), c.Compress)
	for _, r := range table.Entries() {
		if err := sender.Append(ctx, r); err != nil {
			return err
		}
	}
	return sender.Close(ctx)
}

// TputEligible mirrors the coordinator's own eligibility predicate
// (spec §4.F/§9): a worker only attempts TPUT rounds when the
// coordinator would have chosen to run them.
func TputEligible(td *task.Descriptor) bool {
	return td.Mode == task.ModeAggr && td.Limit > 0 && td.SortKey != nil && td.SortKey.IsVolumeSUM()
}

// runTPUT participates in the three TPUT rounds (spec §4.F). Each
// (key, value) pair is sent to the coordinator at most once, across
// the union of all three rounds: round 1 sends this worker's local
// top-L; round 2 adds entries >= tau not already sent in round 1;
// round 3 adds entries for keys in T not already sent in rounds 1-2.
// This is what makes the worked example in spec §8 scenario 3 add up
// (see DESIGN.md) -- resending an already-reported key would
// double-count it under aggmem.Table's additive Merge/Insert.
func (c *Controller) runTPUT(ctx context.Context, td *task.Descriptor, layout *record.Layout, table *aggmem.Table) error {
	sortIdx := layout.IndexOf(td.SortKey.Field.ID)
	if sortIdx < 0 {
		return xerr.New(xerr.KindInternal, "tput: sort field %q absent from layout", td.SortKey.Field.ID)
	}
	desc := td.SortKey.Direction == task.Desc
	sent := make(map[string]bool)

	// Round 1: local top-L.
	top := table.TopN(sortIdx, desc, int(td.Limit))
	for _, r := range top {
		sent[string(table.KeyBytes(r))] = true
	}
	if err := c.sendBatch(ctx, cluster.TagTputR1, layout.Size(), top); err != nil {
		return xerr.Wrap(xerr.KindTransport, err, "tput round 1")
	}

	// Round 2: wait for the coordinator's threshold broadcast, then
	// send every not-yet-sent local entry >= tau.
	tau, err := c.recvThreshold(ctx)
	if err != nil {
		return err
	}
	var round2 []record.Record
	for _, r := range table.AtLeast(sortIdx, desc, tau) {
		k := string(table.KeyBytes(r))
		if sent[k] {
			continue
		}
		sent[k] = true
		round2 = append(round2, r)
	}
	if err := c.sendBatch(ctx, cluster.TagTputR2, layout.Size(), round2); err != nil {
		return xerr.Wrap(xerr.KindTransport, err, "tput round 2")
	}

	// Round 3: wait for the coordinator's candidate key set T, then
	// send this worker's value for every key in T not already sent.
	keys, err := c.recvKeySet(ctx)
	if err != nil {
		return err
	}
	var round3 []record.Record
	for _, k := range keys {
		if sent[string(k)] {
			continue
		}
		if r, ok := table.Lookup(k); ok {
			round3 = append(round3, r)
			sent[string(k)] = true
		}
	}
	return c.sendBatch(ctx, cluster.TagTputR3, layout.Size(), round3)
}

func (c *Controller) recvThreshold(ctx context.Context) (uint64, error) {
	select {
	case msg := <-c.Bus.Inbox(cluster.TagTputR2):
		return tput.DecodeThreshold(msg.Body)
	case <-ctx.Done():
		return 0, xerr.Wrap(xerr.KindTransport, ctx.Err(), "waiting for tput threshold")
	}
}

func (c *Controller) recvKeySet(ctx context.Context) ([][]byte, error) {
	select {
	case msg := <-c.Bus.Inbox(cluster.TagTputR3):
		return tput.DecodeKeySet(msg.Body)
	case <-ctx.Done():
		return nil, xerr.Wrap(xerr.KindTransport, ctx.Err(), "waiting for tput key set")
	}
}

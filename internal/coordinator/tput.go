package coordinator

import (
	"context"

	"github.com/CESNET/fdistdump/internal/aggmem"
	"github.com/CESNET/fdistdump/internal/cluster"
	"github.com/CESNET/fdistdump/internal/record"
	"github.com/CESNET/fdistdump/internal/task"
	"github.com/CESNET/fdistdump/internal/tput"
	"github.com/CESNET/fdistdump/internal/xerr"
)

// runTPUT drives the three TPUT rounds (spec §4.F). Every round's
// received entries are inserted into one running global aggmem.Table;
// per DESIGN.md, workers never resend a (key, worker) pair across
// rounds, so every insertion is a genuinely new contribution and plain
// additive Insert never double-counts.
func (co *Coordinator) runTPUT(ctx context.Context, td *task.Descriptor, layout *record.Layout, keyIdx []int) ([]record.Record, error) {
	sortIdx := layout.IndexOf(td.SortKey.Field.ID)
	if sortIdx < 0 {
		return nil, xerr.New(xerr.KindInternal, "tput: sort field %q absent from layout", td.SortKey.Field.ID)
	}
	desc := td.SortKey.Direction == task.Desc
	limit := int(td.Limit)

	global := aggmem.NewTable(layout, keyIdx)

	// Round 1: partial tops. Each worker sends its local top-L; sum
	// per key, pick tau1 (the L-th largest global partial sum), then
	// tau = tau1 / W (spec §4.F round 1).
	round1, err := co.recvFromAllWorkers(ctx, cluster.TagTputR1)
	if err != nil {
		return nil, err
	}
	insertAll(global, round1)
	responded := len(round1)
	if responded == 0 {
		return nil, nil
	}

	top := global.TopN(sortIdx, desc, limit)
	if len(top) == 0 {
		return nil, nil
	}
	tau1 := layout.Uint64(top[len(top)-1], sortIdx)
	tau := tau1 / uint64(responded)

	// Round 2: threshold pull. Broadcast tau; each worker sends every
	// not-yet-sent local entry >= tau (spec §4.F round 2).
	if err := co.Bus.Broadcast(ctx, co.Workers, cluster.TagTputR2, tput.EncodeThreshold(tau)); err != nil {
		return nil, xerr.Wrap(xerr.KindTransport, err, "broadcasting tput threshold")
	}
	round2, err := co.recvFromAllWorkers(ctx, cluster.TagTputR2)
	if err != nil {
		return nil, err
	}
	insertAll(global, round2)

	// Round 3: exact top-up. Broadcast the current top-L key set T;
	// each worker sends its value for every key in T not already sent
	// (spec §4.F round 3).
	candidates := global.TopN(sortIdx, desc, limit)
	keys := make([][]byte, len(candidates))
	for i, r := range candidates {
		keys[i] = global.KeyBytes(r)
	}
	if err := co.Bus.Broadcast(ctx, co.Workers, cluster.TagTputR3, tput.EncodeKeySet(keys)); err != nil {
		return nil, xerr.Wrap(xerr.KindTransport, err, "broadcasting tput key set")
	}
	round3, err := co.recvFromAllWorkers(ctx, cluster.TagTputR3)
	if err != nil {
		return nil, err
	}
	insertAll(global, round3)

	return global.TopN(sortIdx, desc, limit), nil
}

func insertAll(table *aggmem.Table, batches map[int]*record.Batch) {
	for _, b := range batches {
		for i := 0; i < b.Count(); i++ {
			table.Insert(b.At(i))
		}
	}
}

// recvFromAllWorkers blocks until exactly one batch has been received
// from every worker on tag (each TPUT round is a single-shot exchange
// per worker, unlike the continuous Record Transport).
func (co *Coordinator) recvFromAllWorkers(ctx context.Context, tag cluster.Tag) (map[int]*record.Batch, error) {
	inbox := co.Bus.Inbox(tag)
	out := make(map[int]*record.Batch, len(co.Workers))
	for len(out) < len(co.Workers) {
		select {
		case msg := <-inbox:
			b, err := record.DecodeBatch(msg.Body)
			if err != nil {
				return nil, err
			}
			out[msg.From] = b
		case <-ctx.Done():
			return nil, xerr.Wrap(xerr.KindTransport, ctx.Err(), "waiting for %s from all workers", tag)
		}
	}
	return out, nil
}

// Package progress implements the Progress Collector (spec §4.G): a
// counter(worker_id) -> (done, total) table, rendered as none/total/
// per-slave/json, always carrying Prometheus counters regardless of
// rendering mode (ambient observability — spec SPEC_FULL §4.G).
package progress

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/CESNET/fdistdump/internal/cluster"
	"github.com/CESNET/fdistdump/internal/nlog"
)

var js = jsoniter.ConfigFastest

// Mode selects the rendering strategy (spec §4.G).
type Mode int

const (
	ModeNone Mode = iota
	ModeTotal
	ModePerWorker
	ModeJSON
)

// Event is one Progress event (spec §3): a worker's running tally.
type Event struct {
	WorkerID  int
	FilesDone int
	FilesTotal int
}

// Collector maintains counter(worker_id) -> (done, total) and renders
// it in the configured Mode, rate-limited to ~10 Hz for the "total"
// mode (spec §4.G).
type Collector struct {
	mu      sync.Mutex
	counts  map[int]Event
	order   []int
	mode    Mode
	out     io.Writer
	last    time.Time
	minGap  time.Duration

	filesProcessed prometheus.Counter
	filesTotalGa   prometheus.Gauge
}

// New builds a Collector writing Mode-appropriate output to out. Its
// two Prometheus metrics (files processed, files assigned, each summed
// across workers) are registered on reg when reg is non-nil; New
// creates no registry of its own.
func New(mode Mode, out io.Writer, reg prometheus.Registerer) *Collector {
	c := &Collector{
		counts: make(map[int]Event),
		mode:   mode,
		out:    out,
		minGap: 100 * time.Millisecond, // ~10 Hz
		filesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fdistdump_files_processed_total",
			Help: "Total files processed across all workers.",
		}),
		filesTotalGa: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fdistdump_files_total",
			Help: "Total files assigned across all workers.",
		}),
	}
	if reg != nil {
		reg.MustRegister(c.filesProcessed, c.filesTotalGa)
	}
	return c
}

// Update records ev and renders according to Mode.
func (c *Collector) Update(ev Event) {
	c.mu.Lock()
	if _, ok := c.counts[ev.WorkerID]; !ok {
		c.order = append(c.order, ev.WorkerID)
		sort.Ints(c.order)
	}
	prev := c.counts[ev.WorkerID]
	c.counts[ev.WorkerID] = ev
	c.mu.Unlock()

	c.filesProcessed.Add(float64(ev.FilesDone - prev.FilesDone))
	c.filesTotalGa.Set(c.totalOf(func(e Event) int { return e.FilesTotal }))

	c.render()
}

func (c *Collector) totalOf(f func(Event) int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var sum int
	for _, e := range c.counts {
		sum += f(e)
	}
	return float64(sum)
}

func (c *Collector) render() {
	switch c.mode {
	case ModeNone:
		return
	case ModeTotal:
		c.renderTotal()
	case ModePerWorker:
		c.renderPerWorker()
	case ModeJSON:
		c.renderJSON()
	}
}

func (c *Collector) renderTotal() {
	c.mu.Lock()
	now := time.Now()
	if now.Sub(c.last) < c.minGap {
		c.mu.Unlock()
		return
	}
	c.last = now
	var done, total int
	for _, e := range c.counts {
		done += e.FilesDone
		total += e.FilesTotal
	}
	c.mu.Unlock()
	fmt.Fprintf(c.out, "\r%d/%d files", done, total)
}

func (c *Collector) renderPerWorker() {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprint(c.out, "\033[H\033[2J") // redraw in place
	for _, id := range c.order {
		e := c.counts[id]
		fmt.Fprintf(c.out, "worker %d: %d/%d\n", id, e.FilesDone, e.FilesTotal)
	}
}

func (c *Collector) renderJSON() {
	c.mu.Lock()
	snapshot := make([]Event, 0, len(c.counts))
	for _, id := range c.order {
		snapshot = append(snapshot, c.counts[id])
	}
	c.mu.Unlock()

	b, err := js.Marshal(snapshot)
	if err != nil {
		nlog.Warningf("progress: marshaling snapshot: %v", err)
		return
	}
	fmt.Fprintln(c.out, string(b))
}

// Report sends ev from a worker to the coordinator over the cluster
// bus's dedicated TagProgress channel, kept separate from TagData so a
// slow progress render can never stall record transport (spec §4.E).
func Report(ctx context.Context, bus *cluster.Bus, coordinatorAddr string, ev Event) error {
	body, err := js.Marshal(ev)
	if err != nil {
		return fmt.Errorf("progress: marshaling event: %w", err)
	}
	return bus.Send(ctx, coordinatorAddr, cluster.TagProgress, body)
}

// Listen runs the coordinator-side event loop over the shared
// TagProgress inbox, feeding each decoded Event into c, until ctx is
// canceled.
func Listen(ctx context.Context, bus *cluster.Bus, c *Collector) {
	inbox := bus.Inbox(cluster.TagProgress)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-inbox:
			if !ok {
				return
			}
			var ev Event
			if err := js.Unmarshal(msg.Body, &ev); err != nil {
				nlog.Warningf("progress: decoding event from worker %d: %v", msg.From, err)
				continue
			}
			c.Update(ev)
		}
	}
}

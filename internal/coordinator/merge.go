package coordinator

import (
	"context"
	"sync"

	"github.com/CESNET/fdistdump/internal/cluster"
	"github.com/CESNET/fdistdump/internal/debug"
	"github.com/CESNET/fdistdump/internal/record"
	"github.com/CESNET/fdistdump/internal/transport"
)

// dataDemux reads the single shared TagData inbox and fans each batch
// out to a per-rank channel, so SORT's k-way merge can hold one
// peeked record per worker (spec §4.F "SORT") without every merge
// step re-scanning the whole inbox. Order within one rank's channel
// matches arrival order on the shared inbox, which in turn matches
// emission order from that worker (spec §4.E/§5 FIFO guarantee).
type dataDemux struct {
	recv *transport.Receiver

	mu   sync.Mutex
	subs map[int]chan *record.Batch
}

func newDataDemux(bus *cluster.Bus, compress bool, ranks []int) *dataDemux {
	d := &dataDemux{
		recv: transport.NewReceiver(bus, compress),
		subs: make(map[int]chan *record.Batch, len(ranks)),
	}
	for _, r := range ranks {
		d.subs[r] = make(chan *record.Batch, 4)
	}
	return d
}

func (d *dataDemux) Chan(rank int) <-chan *record.Batch { return d.subs[rank] }

func (d *dataDemux) run(ctx context.Context) {
	for {
		from, batch, err := d.recv.Recv(ctx)
		if err != nil {
			d.closeAll()
			return
		}
		d.mu.Lock()
		ch, ok := d.subs[from]
		d.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case ch <- batch:
		case <-ctx.Done():
			d.closeAll()
			return
		}
	}
}

func (d *dataDemux) closeAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ch := range d.subs {
		close(ch)
	}
}

// workerStream flattens one worker's sequence of Batches into
// individual records with a peek/pop API, for the k-way merge.
type workerStream struct {
	ch    <-chan *record.Batch
	cur   *record.Batch
	pos   int
	ended bool
}

// advance ensures the stream has a record ready to peek, pulling the
// next batch(es) off ch as needed. It is a no-op once the stream has
// ended.
func (ws *workerStream) advance(ctx context.Context) error {
	for !ws.ended && (ws.cur == nil || ws.pos >= ws.cur.Count()) {
		select {
		case b, ok := <-ws.ch:
			if !ok || b.EOF() {
				ws.ended = true
				ws.cur = nil
				return nil
			}
			ws.cur = b
			ws.pos = 0
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (ws *workerStream) exhausted() bool { return ws.ended }

func (ws *workerStream) peek() record.Record { return ws.cur.At(ws.pos) }

func (ws *workerStream) pop() record.Record {
	debug.Assert(!ws.ended, "pop on exhausted stream")
	r := ws.cur.At(ws.pos)
	ws.pos++
	return r
}

// mergeHeap orders worker ranks by their currently-peeked record's
// sort-key value, implementing heap.Interface (spec §4.F "SORT": "the
// merge needs only one peeked record per worker").
type mergeHeap struct {
	items   []int
	streams map[int]*workerStream
	layout  *record.Layout
	sortIdx int
	desc    bool
}

func (h *mergeHeap) Len() int { return len(h.items) }

func (h *mergeHeap) Less(i, j int) bool {
	ri := h.streams[h.items[i]].peek()
	rj := h.streams[h.items[j]].peek()
	vi, vj := h.layout.Uint64(ri, h.sortIdx), h.layout.Uint64(rj, h.sortIdx)
	if h.desc {
		return vi > vj
	}
	return vi < vj
}

func (h *mergeHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *mergeHeap) Push(x any) { h.items = append(h.items, x.(int)) }

func (h *mergeHeap) Pop() any {
	n := len(h.items)
	x := h.items[n-1]
	h.items = h.items[:n-1]
	return x
}

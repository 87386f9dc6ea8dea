// Package transport implements the Record Transport (spec §4.E) atop
// internal/cluster: a worker→coordinator channel of length-prefixed
// record batches with double-buffered backpressure, kept strictly
// separate from the progress channel.
//
// The "two send buffers, filler blocks iff both in flight" contract
// (spec §4.E) is realized as a depth-2 channel between the filler
// (Append/Flush, called from the worker's processing goroutines) and
// a single dedicated send goroutine that transmits strictly in the
// order batches were queued — this preserves the required per-worker
// FIFO ordering (spec §4.E/§5) without needing two genuinely
// concurrent in-flight network sends, which could otherwise reorder
// on arrival; see DESIGN.md.
package transport

import (
	"bytes"
	"context"
	"sync"

	"github.com/pierrec/lz4/v3"
	"github.com/tinylib/msgp/msgp"

	"github.com/CESNET/fdistdump/internal/cluster"
	"github.com/CESNET/fdistdump/internal/record"
	"github.com/CESNET/fdistdump/internal/xerr"
)

// DefaultMaxBatchBytes is the ~1 MiB send-buffer size spec §4.E names.
const DefaultMaxBatchBytes = 1 << 20

// Sender is the worker-side half of the Record Transport.
type Sender struct {
	bus      *cluster.Bus
	dest     cluster.Node
	recSize  int
	maxBytes int
	compress bool

	cur      []record.Record
	curBytes int

	pending chan *record.Batch
	wg      sync.WaitGroup

	errMu sync.Mutex
	err   error
}

// NewSender starts the dedicated send goroutine and returns a Sender
// ready for Append/Flush calls from the worker's processing
// goroutines.
func NewSender(bus *cluster.Bus, dest cluster.Node, recSize int, compress bool) *Sender {
	s := &Sender{
		bus:      bus,
		dest:     dest,
		recSize:  recSize,
		maxBytes: DefaultMaxBatchBytes,
		compress: compress,
		pending:  make(chan *record.Batch, 2),
	}
	s.wg.Add(1)
	go s.sendLoop()
	return s
}

// Append buffers one record, flushing the current batch first if
// adding it would exceed the ~1 MiB buffer size.
func (s *Sender) Append(ctx context.Context, r record.Record) error {
	if s.curBytes+s.recSize > s.maxBytes && len(s.cur) > 0 {
		if err := s.Flush(ctx); err != nil {
			return err
		}
	}
	s.cur = append(s.cur, r.Clone())
	s.curBytes += s.recSize
	return nil
}

// Flush queues the currently buffered records as one batch. Blocks
// iff two batches are already queued and not yet sent (spec §4.E
// backpressure).
func (s *Sender) Flush(ctx context.Context) error {
	if len(s.cur) == 0 {
		return nil
	}
	b := record.NewBatch(s.recSize, s.cur)
	s.cur = nil
	s.curBytes = 0
	return s.enqueue(ctx, b)
}

// Close flushes any remaining records, sends the end-of-stream
// sentinel, and waits for the send goroutine to drain. Returns the
// first send error encountered, if any (spec §4.D: an unrecoverable
// transport error terminates the query).
func (s *Sender) Close(ctx context.Context) error {
	if err := s.Flush(ctx); err != nil {
		return err
	}
	if err := s.enqueue(ctx, &record.Batch{}); err != nil {
		return err
	}
	close(s.pending)
	s.wg.Wait()
	return s.firstErr()
}

func (s *Sender) enqueue(ctx context.Context, b *record.Batch) error {
	select {
	case s.pending <- b:
		return nil
	case <-ctx.Done():
		return xerr.Wrap(xerr.KindTransport, ctx.Err(), "queueing batch to %s", s.dest.Addr)
	}
}

func (s *Sender) sendLoop() {
	defer s.wg.Done()
	for b := range s.pending {
		if s.firstErr() != nil {
			continue // drain without sending further, query already failing
		}
		if err := s.sendOne(b); err != nil {
			s.setErr(err)
		}
	}
}

func (s *Sender) sendOne(b *record.Batch) error {
	var buf bytes.Buffer
	w := msgp.NewWriter(&buf)
	if err := b.EncodeMsg(w); err != nil {
		return xerr.Wrap(xerr.KindTransport, err, "encoding batch")
	}
	if err := w.Flush(); err != nil {
		return xerr.Wrap(xerr.KindTransport, err, "flushing encoder")
	}

	payload := buf.Bytes()
	if s.compress {
		var cbuf bytes.Buffer
		zw := lz4.NewWriter(&cbuf)
		if _, err := zw.Write(payload); err != nil {
			return xerr.Wrap(xerr.KindTransport, err, "lz4-compressing batch")
		}
		if err := zw.Close(); err != nil {
			return xerr.Wrap(xerr.KindTransport, err, "closing lz4 writer")
		}
		payload = cbuf.Bytes()
	}

	return s.bus.Send(context.Background(), s.dest.Addr, cluster.TagData, payload)
}

func (s *Sender) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

func (s *Sender) firstErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Receiver is the coordinator-side half: an event loop over the
// shared TagData inbox, demultiplexing by sender rank (spec §5:
// "an event loop polling 2W+1 non-blocking operations" — here
// realized as one shared channel read instead of W dedicated
// goroutines, a legitimate implementer's choice since Go channels
// already serialize concurrent senders without busy-polling).
type Receiver struct {
	bus      *cluster.Bus
	compress bool
}

// NewReceiver returns a Receiver reading the bus's TagData inbox.
func NewReceiver(bus *cluster.Bus, compress bool) *Receiver {
	return &Receiver{bus: bus, compress: compress}
}

// Recv blocks for the next inbound batch from any worker, returning
// its sender rank alongside the decoded batch. ctx cancellation is
// the caller's mechanism for collective abort (spec §5).
func (r *Receiver) Recv(ctx context.Context) (from int, batch *record.Batch, err error) {
	select {
	case msg := <-r.bus.Inbox(cluster.TagData):
		payload := msg.Body
		if r.compress {
			zr := lz4.NewReader(bytes.NewReader(payload))
			var out bytes.Buffer
			if _, err := out.ReadFrom(zr); err != nil {
				return msg.From, nil, xerr.Wrap(xerr.KindTransport, err, "lz4-decompressing batch from rank %d", msg.From)
			}
			payload = out.Bytes()
		}
		var b record.Batch
		rd := msgp.NewReader(bytes.NewReader(payload))
		if err := b.DecodeMsg(rd); err != nil {
			return msg.From, nil, xerr.Wrap(xerr.KindTransport, err, "decoding batch from rank %d", msg.From)
		}
		return msg.From, &b, nil
	case <-ctx.Done():
		return 0, nil, xerr.Wrap(xerr.KindTransport, ctx.Err(), "receiving batch")
	}
}

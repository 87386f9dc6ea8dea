package record

import (
	"bytes"

	"github.com/tinylib/msgp/msgp"

	"github.com/CESNET/fdistdump/internal/xerr"
)

// Batch is the unit the Record Transport (spec §4.E) sends over the
// wire: a length-prefixed run of fixed-width records fitting into one
// ~1 MiB send buffer. A Batch with zero Records and RecSize == 0
// denotes end-of-stream (spec §4.E: "a zero-length message denotes
// end-of-stream").
//
// Encoding is hand-written against tinylib/msgp's low-level
// Writer/Reader primitives, the same calling convention
// xact/xs/lso.go uses for LsoResult (msgp.NewWriterBuf, EncodeMsg,
// Flush) rather than generated (de)serializers, since Batch's layout
// is determined at runtime by the query's field set and can't be
// fixed at codegen time.
type Batch struct {
	RecSize int
	Data    []byte // len(Data) == RecSize * Count(); records back-to-back
}

// EOF reports whether this batch is the end-of-stream sentinel.
func (b *Batch) EOF() bool { return b.RecSize == 0 && len(b.Data) == 0 }

// Count returns the number of records carried.
func (b *Batch) Count() int {
	if b.RecSize == 0 {
		return 0
	}
	return len(b.Data) / b.RecSize
}

// At returns the i'th record as a view into Data (no copy).
func (b *Batch) At(i int) Record {
	return Record(b.Data[i*b.RecSize : (i+1)*b.RecSize])
}

// NewBatch packs records (all assumed to be recSize bytes) into one
// Batch, copying into a single contiguous buffer so the wire encoding
// is one write.
func NewBatch(recSize int, records []Record) *Batch {
	buf := make([]byte, recSize*len(records))
	for i, r := range records {
		copy(buf[i*recSize:], r)
	}
	return &Batch{RecSize: recSize, Data: buf}
}

// EncodeMsg writes b as a 2-element msgp array: [recSize, data-bin].
func (b *Batch) EncodeMsg(w *msgp.Writer) error {
	if err := w.WriteArrayHeader(2); err != nil {
		return err
	}
	if err := w.WriteInt(b.RecSize); err != nil {
		return err
	}
	return w.WriteBytes(b.Data)
}

// DecodeMsg is the symmetric reader side of EncodeMsg.
func (b *Batch) DecodeMsg(r *msgp.Reader) error {
	n, err := r.ReadArrayHeader()
	if err != nil {
		return err
	}
	if n != 2 {
		return xerr.New(xerr.KindTransport, "batch: expected 2-element array, got %d", n)
	}
	recSize, err := r.ReadInt()
	if err != nil {
		return err
	}
	data, err := r.ReadBytes(nil)
	if err != nil {
		return err
	}
	if recSize < 0 {
		return xerr.New(xerr.KindTransport, "batch: negative record size %d", recSize)
	}
	if recSize > 0 && len(data)%recSize != 0 {
		return xerr.New(xerr.KindTransport, "batch: data length %d not a multiple of record size %d", len(data), recSize)
	}
	b.RecSize = recSize
	b.Data = data
	return nil
}

// EncodeBatch serializes b to a standalone byte slice, for the
// one-shot (non-streamed) deliveries the TPUT rounds make over the
// cluster bus's control tags (spec §4.F) — unlike transport.Sender,
// those rounds send at most one batch per round and need no
// double-buffering.
func EncodeBatch(b *Batch) ([]byte, error) {
	var buf bytes.Buffer
	w := msgp.NewWriter(&buf)
	if err := b.EncodeMsg(w); err != nil {
		return nil, xerr.Wrap(xerr.KindTransport, err, "encoding batch")
	}
	if err := w.Flush(); err != nil {
		return nil, xerr.Wrap(xerr.KindTransport, err, "flushing batch encoder")
	}
	return buf.Bytes(), nil
}

// DecodeBatch is the symmetric reader side of EncodeBatch.
func DecodeBatch(data []byte) (*Batch, error) {
	var b Batch
	r := msgp.NewReader(bytes.NewReader(data))
	if err := b.DecodeMsg(r); err != nil {
		return nil, xerr.Wrap(xerr.KindTransport, err, "decoding batch")
	}
	return &b, nil
}

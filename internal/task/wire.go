package task

import (
	"bytes"
	"time"

	"github.com/tinylib/msgp/msgp"

	"github.com/CESNET/fdistdump/internal/xerr"
)

// Wire encoding for Descriptor (spec §3, §9): hand-written against
// tinylib/msgp's low-level Writer/Reader, the same calling convention
// xact/xs/lso.go uses for LsoResult, so the broadcast task descriptor
// can cross the coordinator->worker channel without a codegen step.

func (f Field) EncodeMsg(w *msgp.Writer) error {
	if err := w.WriteArrayHeader(6); err != nil {
		return err
	}
	if err := w.WriteString(f.ID); err != nil {
		return err
	}
	if err := w.WriteInt(int(f.Kind)); err != nil {
		return err
	}
	if err := w.WriteInt(f.ByteSize); err != nil {
		return err
	}
	if err := w.WriteInt(int(f.AggFunc)); err != nil {
		return err
	}
	if err := w.WriteInt(f.NetMask); err != nil {
		return err
	}
	return w.WriteInt64(int64(f.Granularity))
}

func (f *Field) DecodeMsg(r *msgp.Reader) error {
	n, err := r.ReadArrayHeader()
	if err != nil {
		return err
	}
	if n != 6 {
		return xerr.New(xerr.KindTransport, "field: expected 6-element array, got %d", n)
	}
	if f.ID, err = r.ReadString(); err != nil {
		return err
	}
	kind, err := r.ReadInt()
	if err != nil {
		return err
	}
	f.Kind = Kind(kind)
	if f.ByteSize, err = r.ReadInt(); err != nil {
		return err
	}
	agg, err := r.ReadInt()
	if err != nil {
		return err
	}
	f.AggFunc = AggFunc(agg)
	if f.NetMask, err = r.ReadInt(); err != nil {
		return err
	}
	gran, err := r.ReadInt64()
	if err != nil {
		return err
	}
	f.Granularity = time.Duration(gran)
	return nil
}

func writeFieldSlice(w *msgp.Writer, fields []Field) error {
	if err := w.WriteArrayHeader(uint32(len(fields))); err != nil {
		return err
	}
	for i := range fields {
		if err := fields[i].EncodeMsg(w); err != nil {
			return err
		}
	}
	return nil
}

func readFieldSlice(r *msgp.Reader) ([]Field, error) {
	n, err := r.ReadArrayHeader()
	if err != nil {
		return nil, err
	}
	out := make([]Field, n)
	for i := range out {
		if err := out[i].DecodeMsg(r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (sk SortKey) EncodeMsg(w *msgp.Writer) error {
	if err := w.WriteArrayHeader(2); err != nil {
		return err
	}
	if err := sk.Field.EncodeMsg(w); err != nil {
		return err
	}
	return w.WriteInt(int(sk.Direction))
}

func (sk *SortKey) DecodeMsg(r *msgp.Reader) error {
	n, err := r.ReadArrayHeader()
	if err != nil {
		return err
	}
	if n != 2 {
		return xerr.New(xerr.KindTransport, "sortkey: expected 2-element array, got %d", n)
	}
	if err := sk.Field.DecodeMsg(r); err != nil {
		return err
	}
	dir, err := r.ReadInt()
	if err != nil {
		return err
	}
	sk.Direction = Direction(dir)
	return nil
}

func (tr TimeRange) EncodeMsg(w *msgp.Writer) error {
	if err := w.WriteArrayHeader(2); err != nil {
		return err
	}
	if err := w.WriteInt64(tr.Begin.UnixNano()); err != nil {
		return err
	}
	return w.WriteInt64(tr.End.UnixNano())
}

func (tr *TimeRange) DecodeMsg(r *msgp.Reader) error {
	n, err := r.ReadArrayHeader()
	if err != nil {
		return err
	}
	if n != 2 {
		return xerr.New(xerr.KindTransport, "timerange: expected 2-element array, got %d", n)
	}
	begin, err := r.ReadInt64()
	if err != nil {
		return err
	}
	end, err := r.ReadInt64()
	if err != nil {
		return err
	}
	tr.Begin = time.Unix(0, begin).UTC()
	tr.End = time.Unix(0, end).UTC()
	return nil
}

// EncodeMsg writes d as an 11-element msgp array matching Descriptor's
// field order. SortKey is nil-able: a leading bool marks presence.
func (d *Descriptor) EncodeMsg(w *msgp.Writer) error {
	if err := w.WriteArrayHeader(11); err != nil {
		return err
	}
	if err := w.WriteString(d.UUID); err != nil {
		return err
	}
	if err := w.WriteInt(int(d.Mode)); err != nil {
		return err
	}
	if err := writeFieldSlice(w, d.AggKeys); err != nil {
		return err
	}
	if d.SortKey == nil {
		if err := w.WriteBool(false); err != nil {
			return err
		}
	} else {
		if err := w.WriteBool(true); err != nil {
			return err
		}
		if err := d.SortKey.EncodeMsg(w); err != nil {
			return err
		}
	}
	if err := writeFieldSlice(w, d.OutputFields); err != nil {
		return err
	}
	if err := w.WriteString(d.Filter); err != nil {
		return err
	}
	if err := w.WriteUint64(d.Limit); err != nil {
		return err
	}
	if err := d.TimeRange.EncodeMsg(w); err != nil {
		return err
	}
	if err := w.WriteArrayHeader(uint32(len(d.PathPatterns))); err != nil {
		return err
	}
	for _, p := range d.PathPatterns {
		if err := w.WriteString(p); err != nil {
			return err
		}
	}
	if err := w.WriteBool(d.UseTPUT); err != nil {
		return err
	}
	if err := w.WriteBool(d.UseBFIndex); err != nil {
		return err
	}
	return w.WriteInt64(int64(d.RotationInterval))
}

// DecodeMsg is the symmetric reader side of EncodeMsg.
func (d *Descriptor) DecodeMsg(r *msgp.Reader) error {
	n, err := r.ReadArrayHeader()
	if err != nil {
		return err
	}
	if n != 11 {
		return xerr.New(xerr.KindTransport, "descriptor: expected 11-element array, got %d", n)
	}
	if d.UUID, err = r.ReadString(); err != nil {
		return err
	}
	mode, err := r.ReadInt()
	if err != nil {
		return err
	}
	d.Mode = Mode(mode)
	if d.AggKeys, err = readFieldSlice(r); err != nil {
		return err
	}
	hasSortKey, err := r.ReadBool()
	if err != nil {
		return err
	}
	if hasSortKey {
		var sk SortKey
		if err := sk.DecodeMsg(r); err != nil {
			return err
		}
		d.SortKey = &sk
	} else {
		d.SortKey = nil
	}
	if d.OutputFields, err = readFieldSlice(r); err != nil {
		return err
	}
	if d.Filter, err = r.ReadString(); err != nil {
		return err
	}
	if d.Limit, err = r.ReadUint64(); err != nil {
		return err
	}
	if err := d.TimeRange.DecodeMsg(r); err != nil {
		return err
	}
	np, err := r.ReadArrayHeader()
	if err != nil {
		return err
	}
	d.PathPatterns = make([]string, np)
	for i := range d.PathPatterns {
		if d.PathPatterns[i], err = r.ReadString(); err != nil {
			return err
		}
	}
	if d.UseTPUT, err = r.ReadBool(); err != nil {
		return err
	}
	if d.UseBFIndex, err = r.ReadBool(); err != nil {
		return err
	}
	rot, err := r.ReadInt64()
	if err != nil {
		return err
	}
	d.RotationInterval = time.Duration(rot)
	return nil
}

// Marshal serializes d to a standalone byte slice, for the one-shot
// coordinator->worker broadcast (spec §4.D INIT: "receive broadcast
// task").
func (d *Descriptor) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	w := msgp.NewWriter(&buf)
	if err := d.EncodeMsg(w); err != nil {
		return nil, xerr.Wrap(xerr.KindTransport, err, "encoding task descriptor")
	}
	if err := w.Flush(); err != nil {
		return nil, xerr.Wrap(xerr.KindTransport, err, "flushing task descriptor encoder")
	}
	return buf.Bytes(), nil
}

// Unmarshal is the symmetric reader side of Marshal.
func Unmarshal(body []byte) (*Descriptor, error) {
	var d Descriptor
	r := msgp.NewReader(bytes.NewReader(body))
	if err := d.DecodeMsg(r); err != nil {
		return nil, xerr.Wrap(xerr.KindTransport, err, "decoding task descriptor")
	}
	return &d, nil
}

package task

import (
	"bytes"
	"testing"
	"time"

	"github.com/tinylib/msgp/msgp"
)

func TestDescriptorEncodeDecodeRoundTrip(t *testing.T) {
	srcip := Field{ID: "srcip", Kind: KindIPv4, ByteSize: 4, NetMask: -1}
	bytesF := Field{ID: "bytes", Kind: KindNumeric, ByteSize: 8, AggFunc: AggSUM, NetMask: -1}

	d := &Descriptor{
		UUID:    "abc123",
		Mode:    ModeAggr,
		AggKeys: []Field{srcip},
		SortKey: &SortKey{Field: bytesF, Direction: Desc},
		OutputFields: []Field{srcip, bytesF},
		Filter:       "bytes > 100",
		Limit:        10,
		TimeRange: TimeRange{
			Begin: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC),
		},
		PathPatterns:     []string{"/data/%Y/%m/%d/nfcapd.%H%M"},
		UseTPUT:          true,
		UseBFIndex:       true,
		RotationInterval: 300 * time.Second,
	}

	var buf bytes.Buffer
	w := msgp.NewWriter(&buf)
	if err := d.EncodeMsg(w); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	var got Descriptor
	r := msgp.NewReader(bytes.NewReader(buf.Bytes()))
	if err := got.DecodeMsg(r); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got.UUID != d.UUID || got.Mode != d.Mode || got.Filter != d.Filter || got.Limit != d.Limit {
		t.Fatalf("scalar mismatch: got %+v", got)
	}
	if len(got.AggKeys) != 1 || got.AggKeys[0].ID != "srcip" {
		t.Fatalf("aggkeys mismatch: %+v", got.AggKeys)
	}
	if got.SortKey == nil || got.SortKey.Field.ID != "bytes" || got.SortKey.Direction != Desc {
		t.Fatalf("sortkey mismatch: %+v", got.SortKey)
	}
	if !got.TimeRange.Begin.Equal(d.TimeRange.Begin) || !got.TimeRange.End.Equal(d.TimeRange.End) {
		t.Fatalf("timerange mismatch: %+v", got.TimeRange)
	}
	if len(got.PathPatterns) != 1 || got.PathPatterns[0] != d.PathPatterns[0] {
		t.Fatalf("pathpatterns mismatch: %+v", got.PathPatterns)
	}
	if !got.UseTPUT || !got.UseBFIndex {
		t.Fatal("expected UseTPUT/UseBFIndex to round-trip true")
	}
	if got.RotationInterval != d.RotationInterval {
		t.Fatalf("rotation interval mismatch: %v", got.RotationInterval)
	}
}

func TestDescriptorEncodeDecodeNilSortKey(t *testing.T) {
	d := &Descriptor{UUID: "x", Mode: ModeList}

	var buf bytes.Buffer
	w := msgp.NewWriter(&buf)
	if err := d.EncodeMsg(w); err != nil {
		t.Fatalf("encode: %v", err)
	}
	w.Flush()

	var got Descriptor
	r := msgp.NewReader(bytes.NewReader(buf.Bytes()))
	if err := got.DecodeMsg(r); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.SortKey != nil {
		t.Fatalf("expected nil sort key, got %+v", got.SortKey)
	}
}

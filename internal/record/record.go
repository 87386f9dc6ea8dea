// Package record implements the opaque, fixed-width Record buffer from
// spec §3 and its wire encoding for the Record Transport (spec §4.E).
package record

import (
	"encoding/binary"

	"github.com/CESNET/fdistdump/internal/task"
)

// Record is an opaque byte buffer whose size is uniform within one
// query, as determined by the chosen field set (spec §3).
type Record []byte

// Layout maps a field set onto byte offsets within a Record. It is
// derived once per query from the Task descriptor's output fields.
type Layout struct {
	Fields  []task.Field
	offsets []int
	size    int
}

// NewLayout computes a Layout for the given ordered field list.
func NewLayout(fields []task.Field) *Layout {
	l := &Layout{Fields: fields, offsets: make([]int, len(fields))}
	off := 0
	for i, f := range fields {
		l.offsets[i] = off
		off += f.ByteSize
	}
	l.size = off
	return l
}

// Size is the fixed byte width of every Record under this Layout.
func (l *Layout) Size() int { return l.size }

// New allocates a zeroed Record sized for this Layout.
func (l *Layout) New() Record { return make(Record, l.size) }

// Slice returns the byte range for field index i within r.
func (l *Layout) Slice(r Record, i int) []byte {
	return r[l.offsets[i] : l.offsets[i]+l.Fields[i].ByteSize]
}

// PutUint64 and Uint64 are convenience accessors for fixed-width
// numeric fields (bytes/packets/flows counters, most of spec §3's
// traffic-volume fields); IP and other field kinds are addressed via
// Slice directly since their byte width varies (4 vs 16).
func (l *Layout) PutUint64(r Record, i int, v uint64) {
	binary.BigEndian.PutUint64(l.Slice(r, i), v)
}

func (l *Layout) Uint64(r Record, i int) uint64 {
	return binary.BigEndian.Uint64(l.Slice(r, i))
}

// IndexOf returns the field index for id, or -1 if absent.
func (l *Layout) IndexOf(id string) int {
	for i, f := range l.Fields {
		if f.ID == id {
			return i
		}
	}
	return -1
}

// Clone returns an independent copy of r (used when a record crosses
// from worker-owned processing memory into the transport send queue).
func (r Record) Clone() Record {
	c := make(Record, len(r))
	copy(c, r)
	return c
}

// LayoutForTask derives the Layout both worker and coordinator must
// agree on for a given query (spec §3: "a record's size is uniform
// within one query, determined by the chosen field set"). AGGR mode
// lays out aggregation keys first, followed by value fields; every
// mode then appends the sort key's field if it isn't already present,
// so a merge or TPUT round always has a column to read the sort value
// from even when the caller never named it as an output field (in
// fact Validate forbids naming it twice outside the AggKey exception,
// so this append is the only way SORT mode's layout ever gains it).
// The returned keyIdx lists the field indices making up the
// aggregation-key tuple (nil outside AGGR mode).
func LayoutForTask(td *task.Descriptor) (*Layout, []int) {
	if td.Mode != task.ModeAggr {
		fields := append([]task.Field(nil), td.OutputFields...)
		if td.SortKey != nil {
			present := false
			for _, f := range fields {
				if f.ID == td.SortKey.Field.ID {
					present = true
					break
				}
			}
			if !present {
				fields = append(fields, td.SortKey.Field)
			}
		}
		return NewLayout(fields), nil
	}

	seen := make(map[string]bool, len(td.AggKeys))
	for _, f := range td.AggKeys {
		seen[f.ID] = true
	}
	fields := append([]task.Field(nil), td.AggKeys...)
	for _, f := range td.OutputFields {
		if seen[f.ID] {
			continue
		}
		seen[f.ID] = true
		fields = append(fields, f)
	}
	if td.SortKey != nil && !seen[td.SortKey.Field.ID] {
		fields = append(fields, td.SortKey.Field)
	}

	keyIdx := make([]int, len(td.AggKeys))
	for i := range td.AggKeys {
		keyIdx[i] = i
	}
	return NewLayout(fields), keyIdx
}

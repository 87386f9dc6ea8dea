// Package aggmem implements the Local Aggregation Memory (spec §3):
// a hash table for AGGR mode, or an ordered sequence for LIST/SORT
// mode. Concurrent updates are serialized per aggregation-key shard,
// hashed with OneOfOne/xxhash (the same hash the teacher uses for its
// own rendezvous hashing), so one lock never serializes the whole
// worker's processing fan-out (spec §5).
package aggmem

import (
	"sort"
	"sync"

	"github.com/OneOfOne/xxhash"

	"github.com/CESNET/fdistdump/internal/debug"
	"github.com/CESNET/fdistdump/internal/record"
	"github.com/CESNET/fdistdump/internal/task"
)

// shardCount is the number of lock shards in a Table; a fixed power
// of two keeps the shard-selection mask cheap. 64 comfortably covers
// typical per-worker core counts without excessive per-shard overhead
// at small cardinalities.
const shardCount = 64

type shard struct {
	mu sync.Mutex
	m  map[string]record.Record
}

// Table is the hash-table aggregation memory used in AGGR mode: one
// entry per distinct aggregation-key tuple (spec §3 invariant: "the
// number of entries equals the number of distinct aggregation-key
// tuples seen").
type Table struct {
	layout     *record.Layout
	keyIdx     []int
	valueIdx   []int
	fast       *fastOffsets
	shards     [shardCount]*shard
	entryCount int64
	mu         sync.Mutex // guards entryCount only
}

// NewTable builds a Table for layout, treating the fields at keyIdx as
// the aggregation-key tuple; every other field is aggregated per its
// declared AggFunc. When the value fields are exactly the canonical
// fast-aggregation set (spec §3), Insert takes the fast path instead
// of generic per-field dispatch.
func NewTable(layout *record.Layout, keyIdx []int) *Table {
	keySet := make(map[int]bool, len(keyIdx))
	for _, i := range keyIdx {
		keySet[i] = true
	}
	var valueIdx []int
	for i := range layout.Fields {
		if !keySet[i] {
			valueIdx = append(valueIdx, i)
		}
	}
	t := &Table{layout: layout, keyIdx: keyIdx, valueIdx: valueIdx, fast: detectFastPath(layout, valueIdx)}
	for i := range t.shards {
		t.shards[i] = &shard{m: make(map[string]record.Record)}
	}
	return t
}

func (t *Table) keyBytes(r record.Record) []byte {
	var buf []byte
	for _, i := range t.keyIdx {
		buf = append(buf, t.layout.Slice(r, i)...)
	}
	return buf
}

func (t *Table) shardFor(key []byte) *shard {
	h := xxhash.Checksum64(key)
	return t.shards[h&uint64(shardCount-1)]
}

// Insert merges r into the table under its aggregation-key tuple,
// applying each value field's declared aggregation function. Safe for
// concurrent use by multiple processing goroutines (spec §5).
func (t *Table) Insert(r record.Record) {
	debug.Assertf(len(r) == t.layout.Size(), "%d vs %d", len(r), t.layout.Size())
	key := t.keyBytes(r)
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.m[string(key)]
	if !ok {
		s.m[string(key)] = r.Clone()
		t.mu.Lock()
		t.entryCount++
		t.mu.Unlock()
		return
	}
	if t.fast != nil {
		mergeCanonical(t.layout, existing, r, t.fast)
		return
	}
	mergeFields(t.layout, existing, r, t.valueIdx)
}

// mergeFields applies each field's AggFunc to combine src into dst
// in place. KindNumeric and KindTimestamp fields (both 8-byte, e.g.
// "first"/"last") are aggregated via Uint64 accessors, except that SUM
// applies to KindNumeric only; OR combines any field byte-wise, and
// MIN/MAX/SUM leave KindOther/KindIPv4/KindIPv6 value fields unchanged.
func mergeFields(l *record.Layout, dst, src record.Record, idx []int) {
	for _, i := range idx {
		f := l.Fields[i]
		switch f.AggFunc {
		case task.AggMIN:
			if f.Kind == task.KindNumeric || f.Kind == task.KindTimestamp {
				if sv, dv := l.Uint64(src, i), l.Uint64(dst, i); sv < dv {
					l.PutUint64(dst, i, sv)
				}
			}
		case task.AggMAX:
			if f.Kind == task.KindNumeric || f.Kind == task.KindTimestamp {
				if sv, dv := l.Uint64(src, i), l.Uint64(dst, i); sv > dv {
					l.PutUint64(dst, i, sv)
				}
			}
		case task.AggSUM:
			if f.Kind == task.KindNumeric {
				l.PutUint64(dst, i, l.Uint64(dst, i)+l.Uint64(src, i))
			}
		case task.AggOR:
			dstSlice := l.Slice(dst, i)
			srcSlice := l.Slice(src, i)
			for b := range dstSlice {
				dstSlice[b] |= srcSlice[b]
			}
		case task.AggKEY:
			// identity: first writer wins, nothing to merge.
		}
	}
}

// fastOffsets holds the layout indices of the canonical
// first/last/bytes/packets/flows value fields, letting Insert skip
// mergeFields' generic per-field AggFunc switch when the query's value
// field set is exactly the fast-aggregation shortcut (spec §3).
type fastOffsets struct {
	first, last, bytes, packets, flows int
}

// detectFastPath reports whether valueIdx (resolved against layout)
// is exactly CanonicalFields, returning the per-field offsets for the
// shortcut merge if so, or nil otherwise.
func detectFastPath(layout *record.Layout, valueIdx []int) *fastOffsets {
	fields := make([]task.Field, len(valueIdx))
	for k, i := range valueIdx {
		fields[k] = layout.Fields[i]
	}
	if !IsFastAggregationEligible(fields) {
		return nil
	}
	fo := &fastOffsets{}
	for _, i := range valueIdx {
		switch layout.Fields[i].ID {
		case "first":
			fo.first = i
		case "last":
			fo.last = i
		case "bytes":
			fo.bytes = i
		case "packets":
			fo.packets = i
		case "flows":
			fo.flows = i
		}
	}
	return fo
}

// mergeCanonical is the fast-aggregation shortcut (spec §3): first
// MIN, last MAX, octets/packets/aggregated-flows SUM, applied directly
// by known offset instead of mergeFields' generic dispatch.
func mergeCanonical(l *record.Layout, dst, src record.Record, fo *fastOffsets) {
	if sv, dv := l.Uint64(src, fo.first), l.Uint64(dst, fo.first); sv < dv {
		l.PutUint64(dst, fo.first, sv)
	}
	if sv, dv := l.Uint64(src, fo.last), l.Uint64(dst, fo.last); sv > dv {
		l.PutUint64(dst, fo.last, sv)
	}
	l.PutUint64(dst, fo.bytes, l.Uint64(dst, fo.bytes)+l.Uint64(src, fo.bytes))
	l.PutUint64(dst, fo.packets, l.Uint64(dst, fo.packets)+l.Uint64(src, fo.packets))
	l.PutUint64(dst, fo.flows, l.Uint64(dst, fo.flows)+l.Uint64(src, fo.flows))
}

// Len returns the number of distinct aggregation-key tuples currently
// held.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int(t.entryCount)
}

// Entries returns every record currently in the table, in
// unspecified order (AGGR mode makes no ordering promise until a
// final sort, spec §4.F).
func (t *Table) Entries() []record.Record {
	out := make([]record.Record, 0, t.Len())
	for _, s := range t.shards {
		s.mu.Lock()
		for _, r := range s.m {
			out = append(out, r)
		}
		s.mu.Unlock()
	}
	return out
}

// Merge folds other's entries into t, preserving the associativity
// invariant (spec §3: "aggregating two memories with the same key set
// equals aggregating all their inputs").
func (t *Table) Merge(other *Table) {
	for _, r := range other.Entries() {
		t.Insert(r)
	}
}

// KeyBytes exposes the aggregation-key tuple bytes for r, used by the
// TPUT rounds (spec §4.F) to address specific keys across the wire
// without re-deriving key-field indices on the far side.
func (t *Table) KeyBytes(r record.Record) []byte { return t.keyBytes(r) }

// Lookup returns the entry currently stored under key (as produced by
// KeyBytes), used by TPUT round 3 to answer "give me your value for
// this exact key" (spec §4.F round 3).
func (t *Table) Lookup(key []byte) (record.Record, bool) {
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.m[string(key)]
	return r, ok
}

// sortedEntries returns every entry ordered by the field at idx,
// descending iff desc, stable (insertion order isn't meaningful for a
// hash table, so ties break by key-byte order for determinism).
func (t *Table) sortedEntries(idx int, desc bool) []record.Record {
	entries := t.Entries()
	sort.Slice(entries, func(i, j int) bool {
		vi, vj := t.layout.Uint64(entries[i], idx), t.layout.Uint64(entries[j], idx)
		if vi == vj {
			return string(t.keyBytes(entries[i])) < string(t.keyBytes(entries[j]))
		}
		if desc {
			return vi > vj
		}
		return vi < vj
	})
	return entries
}

// TopN returns the n entries with the highest (desc) or lowest (!desc)
// value at field idx — the "local top L records by the sort key" TPUT
// round 1 sends (spec §4.F).
func (t *Table) TopN(idx int, desc bool, n int) []record.Record {
	entries := t.sortedEntries(idx, desc)
	if n >= 0 && n < len(entries) {
		entries = entries[:n]
	}
	return entries
}

// AtLeast returns every entry whose value at field idx is >= threshold
// (desc) or <= threshold (!desc) — TPUT round 2's threshold pull
// (spec §4.F).
func (t *Table) AtLeast(idx int, desc bool, threshold uint64) []record.Record {
	var out []record.Record
	for _, r := range t.Entries() {
		v := t.layout.Uint64(r, idx)
		if (desc && v >= threshold) || (!desc && v <= threshold) {
			out = append(out, r)
		}
	}
	return out
}

// Sequence is the ordered-sequence aggregation memory used in LIST
// and SORT mode: append-only, with an optional final sort on the
// sort key (spec §3).
type Sequence struct {
	mu      sync.Mutex
	layout  *record.Layout
	sortKey *task.SortKey
	sortIdx int
	recs    []record.Record
}

// NewSequence builds a Sequence. sortKey is nil in LIST mode.
func NewSequence(layout *record.Layout, sortKey *task.SortKey) *Sequence {
	idx := -1
	if sortKey != nil {
		idx = layout.IndexOf(sortKey.Field.ID)
	}
	return &Sequence{layout: layout, sortKey: sortKey, sortIdx: idx}
}

// Insert appends r, cloning it so the caller's buffer can be reused.
func (s *Sequence) Insert(r record.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, r.Clone())
}

// Len returns the number of records currently held.
func (s *Sequence) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

// Records returns the sequence's records in insertion order.
func (s *Sequence) Records() []record.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]record.Record, len(s.recs))
	copy(out, s.recs)
	return out
}

// Sort orders the sequence by its sort key, stable so ties break by
// insertion order (spec §4.F: "tie-breaks in sort: by insertion order
// within equal sort-key values"). A no-op in LIST mode (no sort key).
func (s *Sequence) Sort() {
	if s.sortKey == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	asc := s.sortKey.Direction == task.Asc
	sort.SliceStable(s.recs, func(i, j int) bool {
		vi := s.layout.Uint64(s.recs[i], s.sortIdx)
		vj := s.layout.Uint64(s.recs[j], s.sortIdx)
		if asc {
			return vi < vj
		}
		return vi > vj
	})
}

// CanonicalFields is the exact output field set that triggers the
// "fast aggregation" shortcut (spec §3): first MIN, last MAX, octets
// SUM, packets SUM, aggregated-flows SUM.
var CanonicalFields = []string{"first", "last", "bytes", "packets", "flows"}

// IsFastAggregationEligible reports whether fields is exactly the
// canonical set with the canonical aggregation functions, in any
// order — the precondition for the fast-aggregation shortcut.
func IsFastAggregationEligible(fields []task.Field) bool {
	want := map[string]task.AggFunc{
		"first":   task.AggMIN,
		"last":    task.AggMAX,
		"bytes":   task.AggSUM,
		"packets": task.AggSUM,
		"flows":   task.AggSUM,
	}
	if len(fields) != len(want) {
		return false
	}
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		fn, ok := want[f.ID]
		if !ok || fn != f.AggFunc {
			return false
		}
		seen[f.ID] = true
	}
	return len(seen) == len(want)
}

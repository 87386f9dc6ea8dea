package aggmem_test

import (
	"encoding/binary"
	"math/rand"
	"sort"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/CESNET/fdistdump/internal/aggmem"
	"github.com/CESNET/fdistdump/internal/record"
	"github.com/CESNET/fdistdump/internal/task"
)

func testFields() []task.Field {
	return []task.Field{
		{ID: "srcip", Kind: task.KindIPv4, ByteSize: 4, AggFunc: task.AggKEY},
		{ID: "bytes", Kind: task.KindNumeric, ByteSize: 8, AggFunc: task.AggSUM},
		{ID: "packets", Kind: task.KindNumeric, ByteSize: 8, AggFunc: task.AggSUM},
		{ID: "maxv", Kind: task.KindNumeric, ByteSize: 8, AggFunc: task.AggMAX},
		{ID: "minv", Kind: task.KindNumeric, ByteSize: 8, AggFunc: task.AggMIN},
		{ID: "flags", Kind: task.KindOther, ByteSize: 1, AggFunc: task.AggOR},
	}
}

func makeRecord(l *record.Layout, key uint32, bytes, packets, maxv, minv uint64, flags byte) record.Record {
	r := l.New()
	binary.BigEndian.PutUint32(l.Slice(r, 0), key)
	l.PutUint64(r, 1, bytes)
	l.PutUint64(r, 2, packets)
	l.PutUint64(r, 3, maxv)
	l.PutUint64(r, 4, minv)
	l.Slice(r, 5)[0] = flags
	return r
}

func entryByKey(entries []record.Record, l *record.Layout, key uint32) (record.Record, bool) {
	for _, e := range entries {
		if binary.BigEndian.Uint32(l.Slice(e, 0)) == key {
			return e, true
		}
	}
	return nil, false
}

var _ = Describe("Table", func() {
	var l *record.Layout

	BeforeEach(func() {
		l = record.NewLayout(testFields())
	})

	It("has exactly one entry per distinct key tuple", func() {
		tbl := aggmem.NewTable(l, []int{0})
		tbl.Insert(makeRecord(l, 1, 10, 1, 10, 10, 0x1))
		tbl.Insert(makeRecord(l, 1, 20, 1, 5, 5, 0x2))
		tbl.Insert(makeRecord(l, 2, 5, 1, 5, 5, 0x1))
		Expect(tbl.Len()).To(Equal(2))
	})

	It("sums, maxes, mins, and ORs correctly across inserts for one key", func() {
		tbl := aggmem.NewTable(l, []int{0})
		tbl.Insert(makeRecord(l, 1, 10, 1, 10, 10, 0x1))
		tbl.Insert(makeRecord(l, 1, 20, 1, 5, 5, 0x2))

		e, ok := entryByKey(tbl.Entries(), l, 1)
		Expect(ok).To(BeTrue())
		Expect(l.Uint64(e, 1)).To(Equal(uint64(30)))
		Expect(l.Uint64(e, 3)).To(Equal(uint64(10)))
		Expect(l.Uint64(e, 4)).To(Equal(uint64(5)))
		Expect(l.Slice(e, 5)[0]).To(Equal(byte(0x3)))
	})

	It("produces the same result merging two partial tables as inserting everything into one", func() {
		rng := rand.New(rand.NewSource(42))
		const n = 2000
		const keySpace = 50

		recs := make([]record.Record, n)
		for i := 0; i < n; i++ {
			recs[i] = makeRecord(l,
				uint32(rng.Intn(keySpace)),
				uint64(rng.Intn(1000)),
				uint64(rng.Intn(100)),
				uint64(rng.Intn(1000)),
				uint64(rng.Intn(1000)),
				byte(1<<uint(rng.Intn(4))),
			)
		}

		whole := aggmem.NewTable(l, []int{0})
		for _, r := range recs {
			whole.Insert(r)
		}

		split := rng.Intn(n)
		a := aggmem.NewTable(l, []int{0})
		b := aggmem.NewTable(l, []int{0})
		for i, r := range recs {
			if i < split {
				a.Insert(r)
			} else {
				b.Insert(r)
			}
		}
		a.Merge(b)

		Expect(a.Len()).To(Equal(whole.Len()))

		wantEntries := whole.Entries()
		gotEntries := a.Entries()
		Expect(len(gotEntries)).To(Equal(len(wantEntries)))

		for _, want := range wantEntries {
			key := binary.BigEndian.Uint32(l.Slice(want, 0))
			got, ok := entryByKey(gotEntries, l, key)
			Expect(ok).To(BeTrue())
			Expect(l.Uint64(got, 1)).To(Equal(l.Uint64(want, 1)))
			Expect(l.Uint64(got, 3)).To(Equal(l.Uint64(want, 3)))
			Expect(l.Uint64(got, 4)).To(Equal(l.Uint64(want, 4)))
			Expect(l.Slice(got, 5)[0]).To(Equal(l.Slice(want, 5)[0]))
		}
	})
})

var _ = Describe("Sequence", func() {
	It("sorts by the sort key, breaking ties by insertion order", func() {
		l := record.NewLayout(testFields())
		sk := &task.SortKey{Field: testFields()[1], Direction: task.Desc}
		seq := aggmem.NewSequence(l, sk)

		seq.Insert(makeRecord(l, 1, 50, 1, 0, 0, 0))
		seq.Insert(makeRecord(l, 2, 100, 1, 0, 0, 0))
		seq.Insert(makeRecord(l, 3, 100, 1, 0, 0, 0))
		seq.Insert(makeRecord(l, 4, 10, 1, 0, 0, 0))
		seq.Sort()

		got := seq.Records()
		keys := make([]uint32, len(got))
		for i, r := range got {
			keys[i] = binary.BigEndian.Uint32(l.Slice(r, 0))
		}
		Expect(keys).To(Equal([]uint32{2, 3, 1, 4}))
	})

	It("is a no-op when there is no sort key", func() {
		l := record.NewLayout(testFields())
		seq := aggmem.NewSequence(l, nil)
		seq.Insert(makeRecord(l, 1, 1, 1, 0, 0, 0))
		seq.Insert(makeRecord(l, 2, 2, 1, 0, 0, 0))
		before := seq.Records()
		seq.Sort()
		after := seq.Records()
		Expect(after).To(Equal(before))
	})
})

var _ = Describe("IsFastAggregationEligible", func() {
	It("accepts the canonical field set in any order", func() {
		fields := []task.Field{
			{ID: "packets", Kind: task.KindNumeric, AggFunc: task.AggSUM},
			{ID: "flows", Kind: task.KindNumeric, AggFunc: task.AggSUM},
			{ID: "first", Kind: task.KindTimestamp, AggFunc: task.AggMIN},
			{ID: "last", Kind: task.KindTimestamp, AggFunc: task.AggMAX},
			{ID: "bytes", Kind: task.KindNumeric, AggFunc: task.AggSUM},
		}
		sort.Slice(fields, func(i, j int) bool { return fields[i].ID < fields[j].ID })
		Expect(aggmem.IsFastAggregationEligible(fields)).To(BeTrue())
	})

	It("rejects a set missing one canonical field", func() {
		fields := []task.Field{
			{ID: "packets", Kind: task.KindNumeric, AggFunc: task.AggSUM},
			{ID: "first", Kind: task.KindTimestamp, AggFunc: task.AggMIN},
			{ID: "last", Kind: task.KindTimestamp, AggFunc: task.AggMAX},
			{ID: "bytes", Kind: task.KindNumeric, AggFunc: task.AggSUM},
		}
		Expect(aggmem.IsFastAggregationEligible(fields)).To(BeFalse())
	})

	It("rejects the right fields with the wrong aggregation function", func() {
		fields := []task.Field{
			{ID: "packets", Kind: task.KindNumeric, AggFunc: task.AggMAX},
			{ID: "flows", Kind: task.KindNumeric, AggFunc: task.AggSUM},
			{ID: "first", Kind: task.KindTimestamp, AggFunc: task.AggMIN},
			{ID: "last", Kind: task.KindTimestamp, AggFunc: task.AggMAX},
			{ID: "bytes", Kind: task.KindNumeric, AggFunc: task.AggSUM},
		}
		Expect(aggmem.IsFastAggregationEligible(fields)).To(BeFalse())
	})
})

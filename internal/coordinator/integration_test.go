package coordinator_test

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/CESNET/fdistdump/internal/cluster"
	"github.com/CESNET/fdistdump/internal/coordinator"
	"github.com/CESNET/fdistdump/internal/flowfile"
	"github.com/CESNET/fdistdump/internal/stats"
	"github.com/CESNET/fdistdump/internal/task"
	"github.com/CESNET/fdistdump/internal/worker"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// writeFixture writes one flow-capture file with recs, each counted
// as a single TCP flow of the given byte/packet weight, and returns
// its path.
func writeFixture(t *testing.T, dir, name string, recs []flowfile.Record) string {
	t.Helper()
	var sum stats.MetadataSummary
	for _, r := range recs {
		sum.Flows[stats.ProtoTCP]++
		sum.Packets[stats.ProtoTCP] += r.Packets
		sum.Bytes[stats.ProtoTCP] += r.Bytes
	}
	path := filepath.Join(dir, name)
	w, err := flowfile.Create(path, sum)
	if err != nil {
		t.Fatalf("create fixture: %v", err)
	}
	for _, r := range recs {
		if err := w.Append(r); err != nil {
			t.Fatalf("append fixture record: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close fixture: %v", err)
	}
	return path
}

// cluster2 bootstraps one coordinator bus and two worker buses wired
// to each other, returning ready-to-run Coordinator/Controller values.
type cluster2 struct {
	co       *coordinator.Coordinator
	workers  []*worker.Controller
	closeAll func()
}

func newCluster2(t *testing.T) *cluster2 {
	t.Helper()
	coAddr := freeAddr(t)
	w0Addr := freeAddr(t)
	w1Addr := freeAddr(t)

	coBus, err := cluster.NewBus(cluster.Node{Rank: -1, Addr: coAddr})
	if err != nil {
		t.Fatalf("coordinator bus: %v", err)
	}
	w0Bus, err := cluster.NewBus(cluster.Node{Rank: 0, Addr: w0Addr})
	if err != nil {
		t.Fatalf("worker 0 bus: %v", err)
	}
	w1Bus, err := cluster.NewBus(cluster.Node{Rank: 1, Addr: w1Addr})
	if err != nil {
		t.Fatalf("worker 1 bus: %v", err)
	}

	workers := []cluster.Node{{Rank: 0, Addr: w0Addr}, {Rank: 1, Addr: w1Addr}}
	co := &coordinator.Coordinator{Bus: coBus, Workers: workers}

	w0 := &worker.Controller{Rank: 0, Hostname: "w0", Bus: w0Bus, Coordinator: cluster.Node{Addr: coAddr}, NumThreads: 1}
	w1 := &worker.Controller{Rank: 1, Hostname: "w1", Bus: w1Bus, Coordinator: cluster.Node{Addr: coAddr}, NumThreads: 1}

	return &cluster2{
		co:      co,
		workers: []*worker.Controller{w0, w1},
		closeAll: func() {
			coBus.Close()
			w0Bus.Close()
			w1Bus.Close()
		},
	}
}

// runQuery starts both workers and drives the coordinator for td,
// returning its Result.
func runQuery(t *testing.T, cl *cluster2, td *task.Descriptor) *coordinator.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errs := make(chan error, len(cl.workers))
	for _, w := range cl.workers {
		w := w
		go func() { errs <- w.Run(ctx) }()
	}

	result, err := cl.co.Run(ctx, td)
	if err != nil {
		t.Fatalf("coordinator run: %v", err)
	}
	for range cl.workers {
		if err := <-errs; err != nil {
			t.Fatalf("worker run: %v", err)
		}
	}
	return result
}

func ip(s string) net.IP { return net.ParseIP(s) }

func TestEndToEndAggrNoTPUT(t *testing.T) {
	dir := t.TempDir()
	w0 := writeFixture(t, dir, "w0.dat", []flowfile.Record{
		{SrcIP: ip("10.0.0.1"), DstIP: ip("10.0.0.9"), Proto: 6, Bytes: 100, Packets: 1},
		{SrcIP: ip("10.0.0.2"), DstIP: ip("10.0.0.9"), Proto: 6, Bytes: 50, Packets: 1},
	})
	w1 := writeFixture(t, dir, "w1.dat", []flowfile.Record{
		{SrcIP: ip("10.0.0.1"), DstIP: ip("10.0.0.9"), Proto: 6, Bytes: 30, Packets: 1},
	})

	cl := newCluster2(t)
	defer cl.closeAll()

	srcip, _ := task.LookupField("srcip", task.AggKEY)
	bytes, _ := task.LookupField("bytes", task.AggSUM)

	// Rank-pin each fixture to its worker (spec §4.A "%N:" directive):
	// both workers receive the same broadcast PathPatterns, but each
	// skips the other's pinned pattern.
	// bytes is named only as the sort key, not also as an output
	// field -- record.LayoutForTask appends it to the layout anyway
	// (spec §3 invariant: a field appears at most once across
	// aggregation keys/sort key/output fields, except a sort key may
	// coincide with an aggregation key, which bytes is not here).
	td := &task.Descriptor{
		Mode:         task.ModeAggr,
		AggKeys:      []task.Field{srcip},
		SortKey:      &task.SortKey{Field: bytes, Direction: task.Desc},
		PathPatterns: []string{"%0:" + w0, "%1:" + w1},
	}
	result := runQuery(t, cl, td)

	idxIP := result.Layout.IndexOf("srcip")
	idxBytes := result.Layout.IndexOf("bytes")
	totals := map[string]uint64{}
	for _, r := range result.Records {
		totals[net.IP(result.Layout.Slice(r, idxIP)).String()] = result.Layout.Uint64(r, idxBytes)
	}
	if totals["10.0.0.1"] != 130 {
		t.Fatalf("expected srcip 10.0.0.1 to sum to 130 bytes, got %d", totals["10.0.0.1"])
	}
	if totals["10.0.0.2"] != 50 {
		t.Fatalf("expected srcip 10.0.0.2 to sum to 50 bytes, got %d", totals["10.0.0.2"])
	}
	if result.Processed.Flows != 3 {
		t.Fatalf("expected 3 processed flows total, got %d", result.Processed.Flows)
	}
}

// TestEndToEndSort exercises the coordinator's k-way merge (merge.go)
// across two workers, and confirms LayoutForTask gives SORT mode a
// column to read its sort key from even though the key is never named
// as an output field.
func TestEndToEndSort(t *testing.T) {
	dir := t.TempDir()
	w0 := writeFixture(t, dir, "w0.dat", []flowfile.Record{
		{SrcIP: ip("10.0.0.1"), DstIP: ip("10.0.0.9"), Proto: 6, Bytes: 400, Packets: 1},
		{SrcIP: ip("10.0.0.2"), DstIP: ip("10.0.0.9"), Proto: 6, Bytes: 100, Packets: 1},
	})
	w1 := writeFixture(t, dir, "w1.dat", []flowfile.Record{
		{SrcIP: ip("10.0.0.3"), DstIP: ip("10.0.0.9"), Proto: 6, Bytes: 300, Packets: 1},
		{SrcIP: ip("10.0.0.4"), DstIP: ip("10.0.0.9"), Proto: 6, Bytes: 200, Packets: 1},
	})

	cl := newCluster2(t)
	defer cl.closeAll()

	srcip, _ := task.LookupField("srcip", task.AggKEY)
	bytes, _ := task.LookupField("bytes", task.AggKEY)

	td := &task.Descriptor{
		Mode:         task.ModeSort,
		OutputFields: []task.Field{srcip},
		SortKey:      &task.SortKey{Field: bytes, Direction: task.Desc},
		PathPatterns: []string{"%0:" + w0, "%1:" + w1},
	}
	result := runQuery(t, cl, td)

	idxBytes := result.Layout.IndexOf("bytes")
	if idxBytes < 0 {
		t.Fatalf("expected layout to carry the sort key column even though it wasn't an output field")
	}
	if len(result.Records) != 4 {
		t.Fatalf("expected 4 merged records, got %d", len(result.Records))
	}
	var got []uint64
	for _, r := range result.Records {
		got = append(got, result.Layout.Uint64(r, idxBytes))
	}
	want := []uint64{400, 300, 200, 100}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected descending byte order %v, got %v", want, got)
		}
	}
}

// TestEndToEndTPUT reproduces the worked TPUT example: two workers
// each hold partial sums for overlapping keys, and the three-round
// protocol must converge on the exact global top-2 without either
// worker ever resending the same (key, worker) pair twice.
func TestEndToEndTPUT(t *testing.T) {
	dir := t.TempDir()
	// Worker 0 locally aggregates to A=100, B=120, D=70.
	w0 := writeFixture(t, dir, "w0.dat", []flowfile.Record{
		{SrcIP: ip("10.0.0.1"), DstIP: ip("10.0.0.9"), Proto: 6, Bytes: 100, Packets: 1}, // A
		{SrcIP: ip("10.0.0.2"), DstIP: ip("10.0.0.9"), Proto: 6, Bytes: 120, Packets: 1}, // B
		{SrcIP: ip("10.0.0.4"), DstIP: ip("10.0.0.9"), Proto: 6, Bytes: 70, Packets: 1},  // D
	})
	// Worker 1 locally aggregates to A=50 alone, so its local top-2 is
	// just A and reaches the coordinator in round 1 (global A=150,
	// B=120, tau = 120/2 = 60); round 2 then adds worker 0's D=70.
	w1 := writeFixture(t, dir, "w1.dat", []flowfile.Record{
		{SrcIP: ip("10.0.0.1"), DstIP: ip("10.0.0.9"), Proto: 6, Bytes: 50, Packets: 1}, // A
	})

	cl := newCluster2(t)
	defer cl.closeAll()

	srcip, _ := task.LookupField("srcip", task.AggKEY)
	bytes, _ := task.LookupField("bytes", task.AggSUM)

	td := &task.Descriptor{
		Mode:         task.ModeAggr,
		AggKeys:      []task.Field{srcip},
		SortKey:      &task.SortKey{Field: bytes, Direction: task.Desc},
		Limit:        2,
		UseTPUT:      true,
		PathPatterns: []string{"%0:" + w0, "%1:" + w1},
	}
	result := runQuery(t, cl, td)

	idxIP := result.Layout.IndexOf("srcip")
	idxBytes := result.Layout.IndexOf("bytes")
	totals := map[string]uint64{}
	for _, r := range result.Records {
		totals[net.IP(result.Layout.Slice(r, idxIP)).String()] = result.Layout.Uint64(r, idxBytes)
	}
	if len(result.Records) != 2 {
		t.Fatalf("expected top-2 result, got %d records: %v", len(result.Records), totals)
	}
	if totals["10.0.0.1"] != 150 {
		t.Fatalf("expected srcip 10.0.0.1 (A) to sum to 150 bytes, got %d", totals["10.0.0.1"])
	}
	if totals["10.0.0.2"] != 120 {
		t.Fatalf("expected srcip 10.0.0.2 (B) to sum to 120 bytes, got %d", totals["10.0.0.2"])
	}
	if _, present := totals["10.0.0.4"]; present {
		t.Fatalf("D (70 bytes) should not have made the top-2, got %v", totals)
	}
}

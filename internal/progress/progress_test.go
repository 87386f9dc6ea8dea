package progress

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/CESNET/fdistdump/internal/cluster"
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

func TestCollectorJSONRenderEmitsOneLinePerUpdate(t *testing.T) {
	var buf bytes.Buffer
	c := New(ModeJSON, &buf, nil)

	c.Update(Event{WorkerID: 0, FilesDone: 1, FilesTotal: 10})
	c.Update(Event{WorkerID: 1, FilesDone: 2, FilesTotal: 5})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 JSON lines, got %d: %q", len(lines), buf.String())
	}
	var snapshot []Event
	if err := json.Unmarshal([]byte(lines[1]), &snapshot); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if len(snapshot) != 2 {
		t.Fatalf("expected snapshot of both workers, got %+v", snapshot)
	}
}

func TestCollectorTotalRenderRateLimits(t *testing.T) {
	var buf bytes.Buffer
	c := New(ModeTotal, &buf, nil)
	c.minGap = time.Hour // force rate limiting within the test

	c.Update(Event{WorkerID: 0, FilesDone: 1, FilesTotal: 10})
	firstLen := buf.Len()
	c.Update(Event{WorkerID: 0, FilesDone: 2, FilesTotal: 10})
	if buf.Len() != firstLen {
		t.Fatalf("expected second update to be rate-limited, buffer grew from %d to %d", firstLen, buf.Len())
	}
}

func TestListenDispatchesReportedEvents(t *testing.T) {
	workerAddr := freeAddr(t)
	coordAddr := freeAddr(t)

	workerBus, err := cluster.NewBus(cluster.Node{Rank: 1, Addr: workerAddr})
	if err != nil {
		t.Fatalf("new worker bus: %v", err)
	}
	defer workerBus.Close()
	coordBus, err := cluster.NewBus(cluster.Node{Rank: 0, Addr: coordAddr})
	if err != nil {
		t.Fatalf("new coordinator bus: %v", err)
	}
	defer coordBus.Close()

	var buf bytes.Buffer
	c := New(ModeNone, &buf, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go Listen(ctx, coordBus, c)

	if err := Report(ctx, workerBus, coordAddr, Event{WorkerID: 1, FilesDone: 3, FilesTotal: 7}); err != nil {
		t.Fatalf("report: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.totalOf(func(e Event) int { return e.FilesDone }) == 3 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for reported event to be collected")
}

package cluster

import (
	"context"
	"testing"
	"time"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestSendRecvRoundTrip(t *testing.T) {
	addrA := freeAddr(t)
	addrB := freeAddr(t)

	a, err := NewBus(Node{Rank: 0, Addr: addrA})
	if err != nil {
		t.Fatalf("new bus a: %v", err)
	}
	defer a.Close()
	b, err := NewBus(Node{Rank: 1, Addr: addrB})
	if err != nil {
		t.Fatalf("new bus b: %v", err)
	}
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.Send(ctx, addrB, TagData, []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case msg := <-b.Inbox(TagData):
		if string(msg.Body) != "hello" || msg.From != 0 {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for message")
	}
}

func TestBroadcastFailsIfAnyNodeUnreachable(t *testing.T) {
	addrA := freeAddr(t)
	a, err := NewBus(Node{Rank: 0, Addr: addrA})
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	unreachable := Node{Rank: 9, Addr: "127.0.0.1:1"}
	if err := a.Broadcast(ctx, []Node{unreachable}, TagControl, []byte("x")); err == nil {
		t.Fatal("expected broadcast to an unreachable node to fail")
	}
}

func TestTagsAreDemultiplexedSeparately(t *testing.T) {
	addrA := freeAddr(t)
	addrB := freeAddr(t)

	a, err := NewBus(Node{Rank: 0, Addr: addrA})
	if err != nil {
		t.Fatalf("new bus a: %v", err)
	}
	defer a.Close()
	b, err := NewBus(Node{Rank: 1, Addr: addrB})
	if err != nil {
		t.Fatalf("new bus b: %v", err)
	}
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.Send(ctx, addrB, TagProgress, []byte("progress")); err != nil {
		t.Fatalf("send progress: %v", err)
	}
	if err := a.Send(ctx, addrB, TagData, []byte("data")); err != nil {
		t.Fatalf("send data: %v", err)
	}

	select {
	case msg := <-b.Inbox(TagData):
		if string(msg.Body) != "data" {
			t.Fatalf("expected data message on data inbox, got %q", msg.Body)
		}
	case <-ctx.Done():
		t.Fatal("timed out")
	}
	select {
	case msg := <-b.Inbox(TagProgress):
		if string(msg.Body) != "progress" {
			t.Fatalf("expected progress message on progress inbox, got %q", msg.Body)
		}
	case <-ctx.Done():
		t.Fatal("timed out")
	}
}

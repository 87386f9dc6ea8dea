// Package cluster implements the bootstrap/messaging substrate
// spec §6 calls "the bootstrap layer": rank/size discovery and a
// tagged point-to-point send/recv primitive coordinator and workers
// use for everything above it (record batches, progress, control).
//
// Modeled on the teacher's transport package (a persistent send queue
// per destination, fed by a sendLoop goroutine, with a reserved
// "opcode" range for control messages like opcFin) but carried over
// valyala/fasthttp instead of the teacher's own HTTP/2 stream
// machinery, since that machinery is itself built on memsys buffer
// pools this module has no equivalent of.
package cluster

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"github.com/CESNET/fdistdump/internal/nlog"
	"github.com/CESNET/fdistdump/internal/xerr"
)

func listen(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

// Tag identifies the logical channel a Message travels on. Spec §4.E
// requires progress events to never share a logical channel with data
// records; §4.F's TPUT rounds each need their own round-trip.
type Tag uint8

const (
	TagData Tag = iota
	TagStats
	TagProgress
	TagTaskBroadcast
	TagTputR1
	TagTputR2
	TagTputR3
	TagControl // stop hints, collective abort
)

func (t Tag) String() string {
	switch t {
	case TagData:
		return "DATA"
	case TagStats:
		return "STATS"
	case TagProgress:
		return "PROGRESS"
	case TagTaskBroadcast:
		return "TASK"
	case TagTputR1:
		return "TPUT_R1"
	case TagTputR2:
		return "TPUT_R2"
	case TagTputR3:
		return "TPUT_R3"
	case TagControl:
		return "CONTROL"
	default:
		return "UNKNOWN"
	}
}

// Message is one point-to-point delivery: From identifies the sending
// rank, Body is the tag-specific payload (an msgp-encoded
// record.Batch for TagData, a small control code for TagControl, etc).
type Message struct {
	Tag  Tag
	From int
	Body []byte
}

// Node is one cluster member's address, as established at bootstrap
// (spec §5: "membership is fixed for the life of the query").
type Node struct {
	Rank int
	Addr string // host:port
}

const msgPath = "/fdistdump/msg"

// Bus is one node's endpoint onto the fixed membership: it both
// serves inbound messages (fasthttp.Server) and sends outbound ones
// (fasthttp.Client), demultiplexing inbound traffic by Tag into
// per-tag channels so a worker's data goroutine, progress goroutine,
// and control goroutine can each read only their own tag (spec §5).
type Bus struct {
	Self Node

	server *fasthttp.Server
	client *fasthttp.Client

	mu     sync.Mutex
	inbox  map[Tag]chan Message
	closed bool
}

// NewBus starts listening on self.Addr and returns a Bus ready to
// send and receive. The caller is responsible for calling Close.
func NewBus(self Node) (*Bus, error) {
	b := &Bus{
		Self:   self,
		client: &fasthttp.Client{},
		inbox:  make(map[Tag]chan Message),
	}
	b.server = &fasthttp.Server{
		Handler: b.handle,
	}
	ln, err := listen(self.Addr)
	if err != nil {
		return nil, xerr.Wrap(xerr.KindTransport, err, "listening on %s", self.Addr)
	}
	go func() {
		if err := b.server.Serve(ln); err != nil {
			nlog.Warningf("cluster: bus for rank %d stopped serving: %v", self.Rank, err)
		}
	}()
	return b, nil
}

func (b *Bus) handle(ctx *fasthttp.RequestCtx) {
	tagBytes := ctx.Request.Header.Peek("X-Tag")
	if len(tagBytes) == 0 {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		return
	}
	tag := Tag(tagBytes[0])
	from := parseInt(ctx.Request.Header.Peek("X-From"))
	body := append([]byte(nil), ctx.PostBody()...)

	ch := b.inboxFor(tag)
	ch <- Message{Tag: tag, From: from, Body: body}
	ctx.SetStatusCode(fasthttp.StatusOK)
}

func (b *Bus) inboxFor(tag Tag) chan Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.inbox[tag]
	if !ok {
		ch = make(chan Message, 256)
		b.inbox[tag] = ch
	}
	return ch
}

// Inbox returns the channel carrying every inbound Message for tag.
// Safe to call before any message arrives; the channel is created
// lazily and shared by subsequent calls with the same tag.
func (b *Bus) Inbox(tag Tag) <-chan Message {
	return b.inboxFor(tag)
}

// Send delivers body to addr under tag, blocking until the peer
// acknowledges receipt or ctx is done.
func (b *Bus) Send(ctx context.Context, addr string, tag Tag, body []byte) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI("http://" + addr + msgPath)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("X-Tag", string([]byte{byte(tag)}))
	req.Header.Set("X-From", fmt.Sprintf("%d", b.Self.Rank))
	req.SetBody(body)

	done := make(chan error, 1)
	go func() { done <- b.client.Do(req, resp) }()
	select {
	case <-ctx.Done():
		return xerr.Wrap(xerr.KindTransport, ctx.Err(), "sending %s to %s", tag, addr)
	case err := <-done:
		if err != nil {
			return xerr.Wrap(xerr.KindTransport, err, "sending %s to %s", tag, addr)
		}
		if resp.StatusCode() != fasthttp.StatusOK {
			return xerr.New(xerr.KindTransport, "peer %s rejected %s with status %d", addr, tag, resp.StatusCode())
		}
		return nil
	}
}

// Broadcast sends body under tag to every node in nodes concurrently,
// via golang.org/x/sync/errgroup (the same fan-out-then-collect-first-
// error idiom as the teacher's ext/dsort phase implementation), and
// fails the whole broadcast if any one send fails (spec §4.F: "a
// worker that fails ... fails the whole query").
func (b *Bus) Broadcast(ctx context.Context, nodes []Node, tag Tag, body []byte) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, n := range nodes {
		n := n
		g.Go(func() error {
			return b.Send(gctx, n.Addr, tag, body)
		})
	}
	return g.Wait()
}

// Close stops serving new connections. In-flight handlers are allowed
// to finish.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	return b.server.Shutdown()
}

func parseInt(b []byte) int {
	n := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int(c-'0')
	}
	return n
}

package core

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/open-mx/openmx/cmn"
	"github.com/open-mx/openmx/cmn/atomic"
	"github.com/open-mx/openmx/cmn/nlog"
	"github.com/open-mx/openmx/iface"
	"github.com/open-mx/openmx/tracing"
	"github.com/open-mx/openmx/wire"
)

// Context is the single explicit, non-global object wiring together the
// interface registry, every attached board's endpoint table, and shared
// configuration (spec Design Note §9: "no package-level globals; every
// operation takes or is a method on a context object"). The control surface
// in package mx holds exactly one Context per process.
type Context struct {
	cfg *cmn.Config
	reg *iface.Registry

	mu     sync.Mutex
	boards map[uint8]*Board

	sessionCounter atomic.Int64

	// connectSF collapses concurrent ConnectSync calls targeting the same
	// partner into a single in-flight CONNECT round trip (SPEC_FULL.md
	// §1.2: golang.org/x/sync/singleflight).
	connectSF singleflight.Group

	Stats Stats
}

// NextSessionID hands out a session id, unique within this Context, for the next open()
// call (spec §4.5: session ids, not endpoint indices, are what a partner
// uses to notice this side restarted).
func (c *Context) NextSessionID() uint32 {
	return uint32(c.sessionCounter.Inc())
}

// Stats is the set of free-running counters exported by package stats
// (SPEC_FULL.md §1.2 domain stack: prometheus client_golang reads these).
type Stats struct {
	Sent           atomic.Int64
	Received       atomic.Int64
	Retransmits    atomic.Int64
	QueueFull      atomic.Int64
	PullsCompleted atomic.Int64
	ConnectsFailed atomic.Int64
}

func NewContext(cfg *cmn.Config) *Context {
	if cfg == nil {
		cfg = cmn.DefaultConfig()
	}
	ctx := &Context{cfg: cfg, boards: make(map[uint8]*Board)}
	ctx.reg = iface.NewRegistry(ctx, ctx.teardownBoard)
	return ctx
}

// AttachBoard registers a NIC, mirroring omx_init.c's board enumeration
// (SPEC_FULL.md §3.1).
func (c *Context) AttachBoard(name string, backend iface.Backend) (*Board, error) {
	ifc, err := c.reg.Attach(name, backend)
	if err != nil {
		return nil, err
	}
	board := newBoard(ifc, c.cfg)
	c.mu.Lock()
	c.boards[ifc.Index] = board
	c.mu.Unlock()
	return board, nil
}

func (c *Context) DetachBoard(idx uint8) error { return c.reg.Detach(idx) }

// teardownBoard is the iface.TeardownHook: force-close every endpoint on
// the board before its backend is closed (spec §3, §7).
func (c *Context) teardownBoard(idx uint8) {
	c.mu.Lock()
	board := c.boards[idx]
	delete(c.boards, idx)
	c.mu.Unlock()
	if board != nil {
		board.ForceCloseAll()
	}
}

func (c *Context) Board(idx uint8) (*Board, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.boards[idx]
	return b, ok
}

func (c *Context) BoardCount() int { return c.reg.BoardCount() }

// Boards returns a snapshot of every attached board, for the progression
// loop's per-tick scan (spec §4.6).
func (c *Context) Boards() []*Board {
	c.mu.Lock()
	defer c.mu.Unlock()
	boards := make([]*Board, 0, len(c.boards))
	for _, b := range c.boards {
		boards = append(boards, b)
	}
	return boards
}

func (c *Context) BoardID(idx uint8) (iface.BoardID, error) { return c.reg.BoardID(idx) }

func (c *Context) Config() *cmn.Config { return c.cfg }

// Dispatch implements iface.Dispatcher: decode the frame and route it by
// opcode (spec §2: "a single interface receive path decodes an opcode and
// routes"). Any decode error is a silent drop, never a panic or teardown.
func (c *Context) Dispatch(boardIndex uint8, srcMAC [6]byte, raw []byte) {
	f, err := wire.Decode(raw)
	if err != nil {
		nlog.WarningDepth(1, "dispatch: decode:", err)
		return
	}

	_, span := tracing.StartSpan(context.Background(), "openmx.dispatch",
		attribute.Int("board", int(boardIndex)),
		attribute.Int("opcode", int(f.Opcode)),
		attribute.Int("dst_endpoint", int(f.DstEndpoint)),
	)
	defer span.End()

	board, ok := c.Board(boardIndex)
	if !ok {
		return
	}

	switch f.Opcode {
	case wire.OpConnect:
		c.handleConnect(board, srcMAC, f)
		return
	}

	ep, ok := board.Endpoint(f.DstEndpoint)
	if !ok {
		c.sendNack(board, srcMAC, f, cmn.EndpointClosed)
		return
	}
	if err := ep.Acquire(); err != nil {
		c.sendNack(board, srcMAC, f, cmn.AsStatus(err))
		return
	}
	defer ep.Release()

	partner, perr := ep.Partners.Lookup(boardIndex, srcMAC, f.SrcEndpoint)
	if perr != nil {
		return
	}

	switch f.Opcode {
	case wire.OpTiny, wire.OpSmall:
		c.handleTinySmall(ep, partner, f)
	case wire.OpMediumFrag:
		c.handleMediumFrag(ep, partner, f)
	case wire.OpRendezvous:
		c.handleRendezvous(ep, partner, f)
	case wire.OpNotify:
		c.handleNotify(ep, partner, f)
	case wire.OpPullRequest:
		c.handlePullRequest(board, ep, partner, srcMAC, f)
	case wire.OpPullReply:
		c.handlePullReply(ep, partner, f)
	case wire.OpNackLib, wire.OpNackMcp:
		c.handleNack(ep, partner, f)
	case wire.OpTruc:
		c.handleTinySmall(ep, partner, f)
	default:
		nlog.WarningDepth(1, "dispatch: unhandled opcode", f.Opcode)
	}
}

func (c *Context) sendNack(board *Board, dstMAC [6]byte, f *wire.Frame, status cmn.Status) {
	nack := &wire.Frame{
		SrcEndpoint: f.DstEndpoint,
		DstEndpoint: f.SrcEndpoint,
		Opcode:      wire.OpNackLib,
		Nack:        wire.Nack{LibSeqnum: f.Tiny.LibSeqnum, StatusCode: uint8(status)},
	}
	_ = board.Send(wire.Encode(nack))
}

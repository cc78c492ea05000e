// Package mx is the public control surface of Open-MX (spec §6): open and
// close endpoints, register and deregister memory regions, send across the
// five message classes, issue pulls, and introspect board/endpoint/peer
// limits. Every exported function takes or is a method on a *Context -
// there is no package-level state (spec Design Note §9).
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package mx

import (
	"context"
	"time"

	"github.com/open-mx/openmx/cmn"
	"github.com/open-mx/openmx/core"
	"github.com/open-mx/openmx/iface"
	"github.com/open-mx/openmx/wire"
)

// Context owns the interface registry, every attached board's endpoint
// table, and the background progression loop. Create one per process.
type Context struct {
	*core.Context
	cancel context.CancelFunc
}

// NewContext builds a Context around cfg (or cmn.DefaultConfig() if nil).
func NewContext(cfg *cmn.Config) *Context {
	return &Context{Context: core.NewContext(cfg)}
}

// Start launches the progression loop (spec §4.6) in the background. Stop
// tears it down. Safe to call at most once per Context.
func (c *Context) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.Run(ctx) //nolint:errcheck // Run only ever returns ctx.Err() on Stop
}

func (c *Context) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

// AttachBoard registers a NIC under a board index (spec §6, board
// enumeration - SPEC_FULL.md §3.1).
func (c *Context) AttachBoard(name string, backend iface.Backend) (*core.Board, error) {
	return c.Context.AttachBoard(name, backend)
}

func (c *Context) DetachBoard(idx uint8) error { return c.Context.DetachBoard(idx) }

// GetBoardCount / GetBoardID implement the introspection half of spec §6.
func (c *Context) GetBoardCount() int { return c.BoardCount() }

func (c *Context) GetBoardID(idx uint8) (iface.BoardID, error) { return c.BoardID(idx) }

func (c *Context) GetEndpointMax() int { return c.Config().Sizes.EndpointMax }
func (c *Context) GetPeerMax() int     { return c.Config().Sizes.PeerMax }

// Endpoint is a handle to one opened (board, endpoint_index) slot (spec §3,
// §6 open/close).
type Endpoint struct {
	ctx   *Context
	board *core.Board
	ep    *core.Endpoint
}

// Open opens endpointIndex on board, returning a handle good for send/recv/
// pull/connect until Close (spec §6 open(board, endpoint)).
func (c *Context) Open(board *core.Board, endpointIndex uint8, appKey uint32, owner string) (*Endpoint, error) {
	sessionID := c.NextSessionID()
	ep, err := board.OpenEndpoint(endpointIndex, owner, sessionID, appKey)
	if err != nil {
		return nil, err
	}
	return &Endpoint{ctx: c, board: board, ep: ep}, nil
}

func (e *Endpoint) Close() error { return e.board.CloseEndpoint(e.ep.Index) }

func (e *Endpoint) Index() uint8      { return e.ep.Index }
func (e *Endpoint) SessionID() uint32 { return e.ep.SessionID }

// Raw exposes the underlying core.Endpoint for callers that need direct
// access to its partner/region tables (advanced use, and the scenario
// tests in scenarios_test.go that exercise the wire protocol directly).
func (e *Endpoint) Raw() *core.Endpoint { return e.ep }

// Board returns the core.Board this endpoint was opened on.
func (e *Endpoint) Board() *core.Board { return e.board }

// RegisterRegion pins segs for rendezvous/pull use (spec §4.3, §6
// register_region).
func (e *Endpoint) RegisterRegion(segs []core.Segment) (int, error) {
	return e.ep.Regions.Register(segs)
}

// Map is the single-buffer convenience form of RegisterRegion (spec §6
// map): wraps one contiguous []byte as a one-segment region.
func (e *Endpoint) Map(buf []byte) (int, error) {
	return e.RegisterRegion([]core.Segment{{Data: buf}})
}

func (e *Endpoint) DeregisterRegion(id int) error { return e.ep.Regions.Deregister(id) }

func (e *Endpoint) partner(dstMAC [6]byte, remoteEndpoint uint8) (*core.Partner, error) {
	return e.ep.Partners.Lookup(e.board.Index, dstMAC, remoteEndpoint)
}

// SendTiny / SendSmall pick their wire class automatically from len(payload)
// against configured thresholds (spec §6 send_tiny/send_small; SPEC_FULL.md
// §1.2 treats the thresholds as cmn.Config values, not constants).
func (e *Endpoint) SendTiny(dstMAC [6]byte, remoteEndpoint uint8, matchInfo uint64, payload []byte) error {
	p, err := e.partner(dstMAC, remoteEndpoint)
	if err != nil {
		return err
	}
	return e.ctx.SendTinySmall(e.board, e.ep, p, matchInfo, payload)
}

func (e *Endpoint) SendSmall(dstMAC [6]byte, remoteEndpoint uint8, matchInfo uint64, payload []byte) error {
	return e.SendTiny(dstMAC, remoteEndpoint, matchInfo, payload)
}

// SendMedium forces a MEDIUM_FRAG send regardless of length (spec §6
// send_medium).
func (e *Endpoint) SendMedium(dstMAC [6]byte, remoteEndpoint uint8, matchInfo uint64, payload []byte) error {
	p, err := e.partner(dstMAC, remoteEndpoint)
	if err != nil {
		return err
	}
	return e.ctx.SendMedium(e.board, e.ep, p, matchInfo, payload)
}

// SendRendezvous announces a region for the peer to pull from (spec §4,
// §6 send_rendezvous).
func (e *Endpoint) SendRendezvous(dstMAC [6]byte, remoteEndpoint uint8, matchInfo uint64, regionID int, totalLen int64) error {
	p, err := e.partner(dstMAC, remoteEndpoint)
	if err != nil {
		return err
	}
	return e.ctx.SendRendezvous(e.board, e.ep, p, matchInfo, regionID, totalLen)
}

// Pull issues PULL_REQUESTs for every block of a region the peer announced
// via SendRendezvous (spec §4.7, §6 send_pull).
func (e *Endpoint) Pull(dstMAC [6]byte, remoteEndpoint uint8, localRegionID, remoteRegionID int, totalLen int64) (*core.PullHandle, error) {
	p, err := e.partner(dstMAC, remoteEndpoint)
	if err != nil {
		return nil, err
	}
	return e.ctx.IssuePull(e.board, e.ep, p, localRegionID, remoteRegionID, totalLen)
}

// Connect runs the connect FSM's initiating side and blocks up to timeout
// for the reply (spec §4.5, §6 send_connect). Concurrent callers targeting
// the same partner share one underlying CONNECT round trip (core.Context's
// singleflight guard).
func (e *Endpoint) Connect(dstMAC [6]byte, remoteEndpoint uint8, appKey uint32, timeout time.Duration) error {
	return e.ctx.Context.ConnectSync(e.board, e.ep, dstMAC, remoteEndpoint, appKey, timeout)
}

// WaitUnexpected / WaitExpected poll the endpoint's two event queues (spec
// §4.4, §5): unexpected carries TINY/SMALL/MEDIUM/RENDEZVOUS/TRUC
// arrivals the caller has not yet matched (incoming CONNECT requests are
// answered by the core and publish no event); expected carries completions
// (NOTIFY, PULL_DONE, NACK) for operations the caller itself started.
func (e *Endpoint) WaitUnexpected(timeout time.Duration) (*wire.Event, bool) {
	return e.ep.UnexpQ.Wait(timeout)
}

func (e *Endpoint) WaitExpected(timeout time.Duration) (*wire.Event, bool) {
	return e.ep.ExpQ.Wait(timeout)
}

func (e *Endpoint) ReleaseUnexpected() { e.ep.UnexpQ.Release() }
func (e *Endpoint) ReleaseExpected()   { e.ep.ExpQ.Release() }

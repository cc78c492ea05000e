package core

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/open-mx/openmx/cmn"
	"github.com/open-mx/openmx/cmn/nlog"
)

// Run drives the progression loop (spec §4.6): once per Progression.Tick,
// scan every open endpoint's partner table for connect requests due for
// retransmission, and every pull handle for blocks whose reply has not
// arrived within Pull.ResendDelay. It returns when ctx is cancelled - the
// one long-running goroutine package mx starts per opened Context.
func (c *Context) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	ticker := time.NewTicker(c.cfg.Progression.Tick)
	g.Go(func() error {
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				c.tick()
			}
		}
	})
	return g.Wait()
}

func (c *Context) tick() {
	now := time.Now()
	for _, board := range c.Boards() {
		board.ForEachEndpoint(func(ep *Endpoint) {
			c.retransmitConnects(board, ep, now)
			c.retransmitPulls(board, ep)
		})
	}
}

func (c *Context) retransmitConnects(board *Board, ep *Endpoint, now time.Time) {
	ep.Partners.ForEach(func(p *Partner) {
		appKey, connectSeqnum, exhausted, ok := p.PendingRetransmit(now, c.cfg)
		if !ok {
			return
		}
		if exhausted {
			nlog.WarningDepth(1, "endpoint", ep.Index, "partner", p.PeerIndex, "connect retransmits exhausted")
			p.CompleteConnect(cmn.ConnectionFailed)
			return
		}
		c.Stats.Retransmits.Inc()
		_ = c.sendConnectRequest(board, ep, p, appKey, connectSeqnum)
	})
}

func (c *Context) retransmitPulls(board *Board, ep *Endpoint) {
	ep.ForEachPull(func(h *PullHandle) {
		if h.Role != RolePuller {
			return
		}
		due, exhausted := h.DueBlocks(c.cfg.Pull.ResendDelay, c.cfg.Pull.RetransmitsMax)
		if exhausted {
			nlog.WarningDepth(1, "endpoint", ep.Index, "pull", h.ID, "retransmits exhausted")
			ep.ClosePull(h.ID, cmn.Timeout)
			return
		}
		for _, b := range due {
			partner := h.Partner
			c.Stats.Retransmits.Inc()
			c.sendPullRequest(board, ep, partner, h, h.RegionID, h.RemoteRegionID, b)
			h.MarkRequested(b)
		}
	})
}

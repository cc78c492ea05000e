package core

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/open-mx/openmx/cmn"
	"github.com/open-mx/openmx/cmn/cos"
	"github.com/open-mx/openmx/cmn/nlog"
	"github.com/open-mx/openmx/tracing"
	"github.com/open-mx/openmx/wire"
)

// IssuePull opens a puller-side handle against a region the remote peer
// announced via RENDEZVOUS, then sends one PULL_REQUEST per block (spec
// §4.7: receiver-driven, segmented, checksum-verified copy). The
// progression loop (progression.go) resends any block whose reply does not
// arrive within Pull.ResendDelay.
func (c *Context) IssuePull(board *Board, ep *Endpoint, partner *Partner, localRegionID, remoteRegionID int, totalLen int64) (*PullHandle, error) {
	_, span := tracing.StartSpan(context.Background(), "openmx.pull",
		attribute.Int("endpoint", int(ep.Index)),
		attribute.Int64("total_len", totalLen),
	)
	defer span.End()

	blockSize := int64(c.cfg.Sizes.PullReplyMax)
	h, err := ep.OpenPull(RolePuller, partner, localRegionID, blockSize)
	if err != nil {
		return nil, err
	}
	h.TotalLen = totalLen
	h.RemoteRegionID = remoteRegionID

	for b := uint(0); b < h.NumBlocks; b++ {
		c.sendPullRequest(board, ep, partner, h, localRegionID, remoteRegionID, b)
		h.MarkRequested(b)
	}
	return h, nil
}

func (c *Context) sendPullRequest(board *Board, ep *Endpoint, partner *Partner, h *PullHandle, localRegionID, remoteRegionID int, block uint) {
	blockSize := h.BlockSize
	off := int64(block) * blockSize
	length := blockSize
	if off+length > h.TotalLen {
		length = h.TotalLen - off
	}
	f := &wire.Frame{
		SrcEndpoint: ep.Index,
		DstEndpoint: partner.RemoteEndpt,
		Opcode:      wire.OpPullRequest,
		Pull: wire.PullRequest{
			Length:        uint32(length),
			PullerRdmaID:  uint8(localRegionID),
			PullerOffset:  uint32(off),
			PulledRdmaID:  uint8(remoteRegionID),
			PulledOffset:  uint32(off),
			SrcPullHandle: h.ID,
			SrcMagic:      h.Magic(),
		},
	}
	c.Stats.Sent.Inc()
	_ = board.Send(wire.Encode(f))
}

// handlePullRequest serves one block from a locally registered region
// (spec §4.7 pullee side): no lock is held across the user-memory copy in
// ReadAt (spec §5 rule: "no lock held across user-memory copies").
func (c *Context) handlePullRequest(board *Board, ep *Endpoint, partner *Partner, srcMAC [6]byte, f *wire.Frame) {
	region, ok := ep.Regions.Acquire(int(f.Pull.PulledRdmaID))
	if !ok {
		nlog.WarningDepth(1, "endpoint", ep.Index, "pull request for unknown region", f.Pull.PulledRdmaID)
		return
	}
	data := region.ReadAt(int64(f.Pull.PulledOffset), int64(f.Pull.Length))
	ep.Regions.Release(int(f.Pull.PulledRdmaID))

	checksum := cos.ChecksumBytes(data)
	reply := &wire.Frame{
		SrcEndpoint: ep.Index,
		DstEndpoint: partner.RemoteEndpt,
		Opcode:      wire.OpPullReply,
		Reply: wire.PullReply{
			PullerRdmaID: f.Pull.PullerRdmaID,
			PullerOffset: f.Pull.PullerOffset,
			DstHandle:    f.Pull.SrcPullHandle,
			DstMagic:     f.Pull.SrcMagic,
			Length:       uint32(len(data)),
			Checksum:     checksum,
			Payload:      data,
		},
	}
	c.Stats.Sent.Inc()
	_ = board.Send(wire.Encode(reply))
}

// handlePullReply validates the reply's magic and checksum, writes the
// block into the puller's region, and on completion publishes PULL_DONE
// (spec §4.7 release semantics).
func (c *Context) handlePullReply(ep *Endpoint, partner *Partner, f *wire.Frame) {
	c.Stats.Received.Inc()
	h, ok := ep.LookupPull(f.Reply.DstHandle)
	if !ok {
		return
	}
	if !h.ValidateMagic(f.Reply.DstMagic) {
		nlog.WarningDepth(1, "endpoint", ep.Index, "pull reply magic mismatch, dropping")
		return
	}
	block := uint(int64(f.Reply.PullerOffset) / h.BlockSize)
	complete, err := h.OnReply(block, f.Reply.Payload, f.Reply.Checksum)
	if err != nil {
		nlog.WarningDepth(1, "endpoint", ep.Index, "pull reply rejected:", err)
		return
	}
	if !complete {
		return
	}

	c.Stats.PullsCompleted.Inc()
	ep.ClosePull(h.ID, cmn.Success)

	slot, ok := ep.ExpQ.Reserve()
	if !ok {
		c.Stats.QueueFull.Inc()
		return
	}
	slot.SrcEndpoint = f.SrcEndpoint
	slot.Status = uint8(cmn.Success)
	slot.PullHandleID = h.ID
	ep.ExpQ.Publish(slot, wire.EvPullDone)
}

package core

import (
	"bytes"

	"github.com/pierrec/lz4/v3"

	"github.com/open-mx/openmx/cmn"
	"github.com/open-mx/openmx/cmn/nlog"
	"github.com/open-mx/openmx/wire"
)

// classify picks the wire opcode for a payload length, mirroring the
// per-class admission the teacher's transport picks per-stream batching
// policy from (spec §4: TINY/SMALL/MEDIUM_FRAG thresholds are
// configuration, not constants, per SPEC_FULL.md §1.2).
func classify(length int, cfg *cmn.Config) wire.Opcode {
	switch {
	case length <= cfg.Sizes.TinyMax:
		return wire.OpTiny
	case length <= cfg.Sizes.SmallMax:
		return wire.OpSmall
	default:
		return wire.OpMediumFrag
	}
}

// SendTinySmall encodes and transmits a TINY or SMALL frame to partner
// (spec §6 send_tiny/send_small).
func (c *Context) SendTinySmall(board *Board, ep *Endpoint, partner *Partner, matchInfo uint64, payload []byte) error {
	op := classify(len(payload), c.cfg)
	if op == wire.OpMediumFrag {
		return c.SendMedium(board, ep, partner, matchInfo, payload)
	}
	f := &wire.Frame{
		SrcEndpoint: ep.Index,
		DstEndpoint: partner.RemoteEndpt,
		Opcode:      op,
		Tiny: wire.TinySmall{
			Length:    uint16(len(payload)),
			LibSeqnum: uint16(partner.NextSendSeqnum()),
			MatchInfo: matchInfo,
		},
		Payload: payload,
	}
	c.Stats.Sent.Inc()
	return board.Send(wire.Encode(f))
}

func (c *Context) handleTinySmall(ep *Endpoint, partner *Partner, f *wire.Frame) {
	c.Stats.Received.Inc()
	for _, ready := range partner.AcceptSeq(f, uint32(f.Tiny.LibSeqnum)) {
		c.deliverTinySmall(ep, ready)
	}
}

func (c *Context) deliverTinySmall(ep *Endpoint, f *wire.Frame) {
	slot, ok := ep.UnexpQ.Reserve()
	if !ok {
		c.Stats.QueueFull.Inc()
		return
	}
	slot.SrcEndpoint = f.SrcEndpoint
	slot.Status = uint8(cmn.Success)
	slot.Length = int32(f.Tiny.Length)
	slot.MatchInfo = f.Tiny.MatchInfo
	slot.Data = f.Payload
	evt := wire.EvRecvTiny
	if f.Opcode == wire.OpSmall {
		evt = wire.EvRecvSmall
	} else if f.Opcode == wire.OpTruc {
		evt = wire.EvRecvTruc
	}
	ep.UnexpQ.Publish(slot, evt)
}

// SendMedium fragments payload into MEDIUM_FRAG frames sized to
// RecvqEntrySize (spec §4: medium messages are segmented, reassembled by
// match_info at the receiver). Payloads at or above Sizes.CompressMin are
// lz4-compressed as a whole before fragmenting (SPEC_FULL.md §1.2 domain
// stack); MsgLength on the wire always carries the original, uncompressed
// length so the receiver can size its reassembly buffer up front.
func (c *Context) SendMedium(board *Board, ep *Endpoint, partner *Partner, matchInfo uint64, payload []byte) error {
	origLen := len(payload)
	wirePayload := payload
	compressed := false
	if c.cfg.Sizes.CompressMin > 0 && origLen >= c.cfg.Sizes.CompressMin {
		if z, err := lz4Compress(payload); err == nil && len(z) < origLen {
			wirePayload = z
			compressed = true
		}
	}

	fragSize := c.cfg.Sizes.RecvqEntrySize
	total := len(wirePayload)
	pipeline := uint8((total + fragSize - 1) / fragSize)
	if pipeline == 0 {
		pipeline = 1
	}
	seq := partner.NextSendSeqnum()
	for i := uint8(0); i < pipeline; i++ {
		start := int(i) * fragSize
		end := start + fragSize
		if end > total {
			end = total
		}
		f := &wire.Frame{
			SrcEndpoint: ep.Index,
			DstEndpoint: partner.RemoteEndpt,
			Opcode:      wire.OpMediumFrag,
			Frag: wire.MediumFrag{
				TinySmall: wire.TinySmall{
					Length:    uint16(end - start),
					LibSeqnum: uint16(seq),
					MatchInfo: matchInfo,
				},
				MsgLength:    uint32(origLen),
				FragSeqnum:   i,
				FragPipeline: pipeline,
				FragLength:   uint16(end - start),
				Compressed:   compressed,
			},
			Payload: wirePayload[start:end],
		}
		if err := board.Send(wire.Encode(f)); err != nil {
			return err
		}
		c.Stats.Sent.Inc()
	}
	return nil
}

func lz4Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(src); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// handleMediumFrag publishes one event per validated MEDIUM_FRAG fragment
// (spec §4.6 table: "event per frag... each frag copied into its recvq
// slot; reassembly in user space" - matching the driver's
// OMX_EVT_RECV_MEDIUM, one event per arriving fragment, no core-side
// reassembly). A fragment whose frag_length exceeds the receive slot size
// is rejected (spec §8 boundary: "MEDIUM with frag_length > RECVQ_ENTRY_SIZE
// rejected") by silent drop, the same treatment as any other malformed
// receive-path frame (spec §7). Reassembling the fragment sequence back
// into one message - tolerating arbitrary arrival order and undoing any
// lz4 compression - is mx.MediumReassembler's job.
func (c *Context) handleMediumFrag(ep *Endpoint, partner *Partner, f *wire.Frame) {
	c.Stats.Received.Inc()
	if int(f.Frag.FragLength) > ep.cfg.Sizes.RecvqEntrySize {
		nlog.WarningDepth(1, "endpoint", ep.Index, "medium frag_length", f.Frag.FragLength, "exceeds recvq entry size, dropped")
		return
	}

	slot, ok := ep.UnexpQ.Reserve()
	if !ok {
		c.Stats.QueueFull.Inc()
		return
	}
	slot.SrcEndpoint = f.SrcEndpoint
	slot.Status = uint8(cmn.Success)
	slot.Length = int32(f.Frag.FragLength)
	slot.MsgLength = f.Frag.MsgLength
	slot.FragSeqnum = f.Frag.FragSeqnum
	slot.FragPipeline = f.Frag.FragPipeline
	slot.Compressed = f.Frag.Compressed
	slot.MatchInfo = f.Frag.MatchInfo
	slot.Data = f.Payload
	ep.UnexpQ.Publish(slot, wire.EvRecvMedium)
}

// SendRendezvous announces a large message by region id (spec §4
// RENDEZVOUS): the receiver replies with PULL_REQUESTs once it has matched
// the receive and is ready to pull the payload.
func (c *Context) SendRendezvous(board *Board, ep *Endpoint, partner *Partner, matchInfo uint64, regionID int, totalLen int64) error {
	f := &wire.Frame{
		SrcEndpoint: ep.Index,
		DstEndpoint: partner.RemoteEndpt,
		Opcode:      wire.OpRendezvous,
		Tiny: wire.TinySmall{
			Length:    uint16(regionID),
			LibSeqnum: uint16(partner.NextSendSeqnum()),
			MatchInfo: matchInfo,
		},
		Payload: encodeUint64(uint64(totalLen)),
	}
	c.Stats.Sent.Inc()
	return board.Send(wire.Encode(f))
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func decodeUint64(b []byte) uint64 {
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}

func (c *Context) handleRendezvous(ep *Endpoint, partner *Partner, f *wire.Frame) {
	c.Stats.Received.Inc()
	for _, ready := range partner.AcceptSeq(f, uint32(f.Tiny.LibSeqnum)) {
		c.deliverRendezvous(ep, ready)
	}
}

func (c *Context) deliverRendezvous(ep *Endpoint, f *wire.Frame) {
	slot, ok := ep.UnexpQ.Reserve()
	if !ok {
		c.Stats.QueueFull.Inc()
		return
	}
	slot.SrcEndpoint = f.SrcEndpoint
	slot.Status = uint8(cmn.Success)
	slot.MatchInfo = f.Tiny.MatchInfo
	slot.RegionID = uint8(f.Tiny.Length)
	if len(f.Payload) >= 8 {
		slot.MsgLength = uint32(decodeUint64(f.Payload))
	}
	ep.UnexpQ.Publish(slot, wire.EvRecvRndv)
}

func (c *Context) handleNotify(ep *Endpoint, partner *Partner, f *wire.Frame) {
	c.Stats.Received.Inc()
	for _, ready := range partner.AcceptSeq(f, uint32(f.Tiny.LibSeqnum)) {
		c.deliverNotify(ep, ready)
	}
}

func (c *Context) deliverNotify(ep *Endpoint, f *wire.Frame) {
	slot, ok := ep.ExpQ.Reserve()
	if !ok {
		c.Stats.QueueFull.Inc()
		return
	}
	slot.SrcEndpoint = f.SrcEndpoint
	slot.Status = uint8(cmn.Success)
	ep.ExpQ.Publish(slot, wire.EvRecvNotify)
}

func (c *Context) handleNack(ep *Endpoint, partner *Partner, f *wire.Frame) {
	nlog.WarningDepth(1, "endpoint", ep.Index, "received nack status", cmn.Status(f.Nack.StatusCode))
	slot, ok := ep.ExpQ.Reserve()
	if !ok {
		return
	}
	slot.SrcEndpoint = f.SrcEndpoint
	slot.Status = f.Nack.StatusCode
	ep.ExpQ.Publish(slot, wire.EvRecvNackLib)
}

package core

import (
	"fmt"
	"time"

	"github.com/open-mx/openmx/cmn"
	"github.com/open-mx/openmx/cmn/nlog"
	"github.com/open-mx/openmx/wire"
)

// Connect implements the connect FSM's initiating side (spec §4.5, §6
// send_connect): allocate/look up the Partner for (dstMAC, remoteEndpt),
// send a CONNECT request carrying this endpoint's own session id and the
// caller's app_key, and return a channel the caller can wait on for the
// reply (or a locally-detected failure after retransmits are exhausted;
// the progression loop owns retransmission, see progression.go).
func (c *Context) Connect(board *Board, ep *Endpoint, dstMAC [6]byte, remoteEndpt uint8, appKey uint32) (*Partner, <-chan error, error) {
	partner, err := ep.Partners.Lookup(board.Index, dstMAC, remoteEndpt)
	if err != nil {
		return nil, nil, err
	}
	if partner.State() == ConnectEstablished {
		ch := make(chan error, 1)
		ch <- nil
		return partner, ch, nil
	}
	connectSeqnum := partner.NextConnectSeqnum()
	if err := partner.BeginConnect(appKey, connectSeqnum); err != nil {
		return nil, nil, err
	}
	waitCh := partner.AwaitConnect()
	if err := c.sendConnectRequest(board, ep, partner, appKey, connectSeqnum); err != nil {
		return nil, nil, err
	}
	return partner, waitCh, nil
}

// ConnectSync is the blocking control-surface form of Connect (spec §6
// send_connect): it collapses concurrent callers targeting the same
// (board, partner) into one in-flight CONNECT round trip via singleflight,
// rather than each racing to allocate its own connect_seqnum and clobber
// the partner's pending request.
func (c *Context) ConnectSync(board *Board, ep *Endpoint, dstMAC [6]byte, remoteEndpt uint8, appKey uint32, timeout time.Duration) error {
	partner, err := ep.Partners.Lookup(board.Index, dstMAC, remoteEndpt)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%d/%d:%d:%d", ep.Index, board.Index, partner.PeerIndex, partner.RemoteEndpt)
	_, err, _ = c.connectSF.Do(key, func() (any, error) {
		_, waitCh, err := c.Connect(board, ep, dstMAC, remoteEndpt, appKey)
		if err != nil {
			return nil, err
		}
		select {
		case err := <-waitCh:
			return nil, err
		case <-time.After(timeout):
			return nil, cmn.NewStatusError(cmn.Timeout, "connect timed out")
		}
	})
	return err
}

func (c *Context) sendConnectRequest(board *Board, ep *Endpoint, partner *Partner, appKey, connectSeqnum uint32) error {
	f := &wire.Frame{
		SrcEndpoint: ep.Index,
		DstEndpoint: partner.RemoteEndpt,
		Opcode:      wire.OpConnect,
		Conn: wire.Connect{
			// CONNECT does not consume a matched-class lib_seqnum.
			Seqnum:        uint16(connectSeqnum),
			SrcSessionID:  ep.SessionID,
			IsReply:       false,
			AppKey:        appKey,
			ConnectSeqnum: connectSeqnum,
		},
	}
	c.Stats.Sent.Inc()
	return board.Send(wire.Encode(f))
}

// handleConnect answers an incoming CONNECT request, checking its app_key
// against the destination endpoint's own AppKey (chosen by that endpoint's
// opener at open() time, so it is per endpoint rather than a global).
func (c *Context) handleConnect(board *Board, srcMAC [6]byte, f *wire.Frame) {
	conn := f.Conn
	if conn.IsReply {
		c.handleConnectReply(board, srcMAC, f)
		return
	}

	ep, ok := board.Endpoint(f.DstEndpoint)
	if !ok {
		c.sendConnectReply(board, srcMAC, f, cmn.BadEndpoint, 0)
		return
	}
	if err := ep.Acquire(); err != nil {
		c.sendConnectReply(board, srcMAC, f, cmn.AsStatus(err), 0)
		return
	}
	defer ep.Release()

	if ep.Partners.SeenConnectRequest(srcMAC, conn.ConnectSeqnum) {
		// Already processed; the reply we sent earlier may have been lost,
		// so answer again without re-running the partner-state update. The
		// app_key check is repeated so a rejected request stays rejected.
		status := cmn.Success
		if !ep.checkAppKey(conn.AppKey) {
			status = cmn.BadConnectionKey
		}
		c.sendConnectReply(board, srcMAC, f, status, ep.SessionID)
		return
	}

	partner, err := ep.Partners.Lookup(board.Index, srcMAC, f.SrcEndpoint)
	if err != nil {
		c.sendConnectReply(board, srcMAC, f, cmn.AsStatus(err), ep.SessionID)
		return
	}
	if partner.observeSession(conn.SrcSessionID) {
		nlog.Infoln("endpoint", ep.Index, "partner", partner.PeerIndex, "restarted, partner state reset")
	}

	if !ep.checkAppKey(conn.AppKey) {
		c.sendConnectReply(board, srcMAC, f, cmn.BadConnectionKey, ep.SessionID)
		return
	}

	partner.mu.Lock()
	partner.state = ConnectEstablished
	partner.mu.Unlock()

	c.sendConnectReply(board, srcMAC, f, cmn.Success, ep.SessionID)
}

func (c *Context) sendConnectReply(board *Board, dstMAC [6]byte, req *wire.Frame, status cmn.Status, sessionID uint32) {
	reply := &wire.Frame{
		SrcEndpoint: req.DstEndpoint,
		DstEndpoint: req.SrcEndpoint,
		Opcode:      wire.OpConnect,
		Conn: wire.Connect{
			Seqnum:             req.Conn.Seqnum,
			SrcSessionID:       sessionID,
			IsReply:            true,
			TargetSessionID:    req.Conn.SrcSessionID,
			ConnectSeqnum:      req.Conn.ConnectSeqnum,
			TargetRecvSeqStart: 0,
			StatusCode:         uint8(status),
		},
	}
	c.Stats.Sent.Inc()
	_ = board.Send(wire.Encode(reply))
}

// handleConnectReply completes the initiating side's FSM: the reply must
// target this endpoint's own session id and echo the connect_seqnum this
// side sent, or it is a stale/forged reply and is dropped (spec §4.5).
func (c *Context) handleConnectReply(board *Board, srcMAC [6]byte, f *wire.Frame) {
	conn := f.Conn
	ep, ok := board.Endpoint(f.DstEndpoint)
	if !ok {
		return
	}
	if conn.TargetSessionID != ep.SessionID {
		nlog.WarningDepth(1, "endpoint", ep.Index, "dropping connect reply for stale session")
		return
	}
	partner, err := ep.Partners.Lookup(board.Index, srcMAC, f.SrcEndpoint)
	if err != nil {
		return
	}

	partner.mu.Lock()
	matches := partner.pending != nil && partner.pending.connectSeqnum == conn.ConnectSeqnum
	partner.mu.Unlock()
	if !matches {
		return
	}

	status := cmn.Status(conn.StatusCode)
	if status != cmn.Success {
		c.Stats.ConnectsFailed.Inc()
	}
	partner.CompleteConnect(status)
}

package core

import (
	"sync"
	"time"

	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/open-mx/openmx/cmn"
	"github.com/open-mx/openmx/cmn/nlog"
	"github.com/open-mx/openmx/wire"
)

// ConnectState is the per-partner connect FSM (spec §4.5).
type ConnectState int

const (
	ConnectNone ConnectState = iota
	ConnectSent
	ConnectEstablished
)

func (s ConnectState) String() string {
	switch s {
	case ConnectNone:
		return "NONE"
	case ConnectSent:
		return "SENT"
	case ConnectEstablished:
		return "ESTABLISHED"
	default:
		return "UNKNOWN"
	}
}

type partnerKey struct {
	peerIndex    uint32
	remoteEndpt  uint8
}

// pendingConnect tracks an in-flight request awaiting a reply, so the
// progression tick (spec §4.6) can retransmit it.
type pendingConnect struct {
	appKey        uint32
	connectSeqnum uint32
	sentAt        time.Time
	retries       int
	waiters       []chan error
}

// Partner is per-remote-endpoint session state (spec §4.5): sequence
// numbers, the connect FSM, and the session id used to detect a peer that
// restarted without this side noticing.
type Partner struct {
	mu sync.Mutex

	PeerIndex   uint32
	RemoteEndpt uint8
	RemoteMAC   [6]byte
	BoardIndex  uint8

	remoteSessionID uint32
	haveSession     bool

	state   ConnectState
	pending *pendingConnect

	sendSeqnum uint32

	// nextMatchRecvSeq and earlyReceive implement the matched-class
	// ordering guarantee (spec §3, §5: "per-partner next_match_recv_seq and
	// buffering of out-of-order arrivals in an early-receive queue").
	// 0 means "nothing matched yet"; the first accepted lib_seqnum is 1,
	// matching NextSendSeqnum's 1-based counter.
	nextMatchRecvSeq uint32
	earlyReceive     map[uint32]*wire.Frame

	connectSeqCounter uint32
}

// NextConnectSeqnum hands out the connect_seqnum stamped on the next
// CONNECT request this side sends to this partner, so a reply can be
// matched unambiguously even across a retransmitted request (spec §4.5).
func (p *Partner) NextConnectSeqnum() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectSeqCounter++
	return p.connectSeqCounter
}

func (p *Partner) State() ConnectState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// NextSendSeqnum returns the next libSeqnum to stamp on an outgoing frame
// to this partner.
func (p *Partner) NextSendSeqnum() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sendSeqnum++
	return p.sendSeqnum
}

// observeSession implements peer-restart detection (spec §4.5): a session
// id that differs from the one on file means the remote endpoint was
// closed and reopened (or the whole peer rebooted); any FSM/seqnum state
// built on the old session is now invalid and must be dropped.
func (p *Partner) observeSession(remoteSessionID uint32) (restarted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.haveSession {
		p.remoteSessionID = remoteSessionID
		p.haveSession = true
		return false
	}
	if p.remoteSessionID == remoteSessionID {
		return false
	}
	nlog.Warningln("partner", p.PeerIndex, p.RemoteEndpt, "session restart", p.remoteSessionID, "->", remoteSessionID)
	p.remoteSessionID = remoteSessionID
	p.state = ConnectNone
	p.pending = nil
	p.nextMatchRecvSeq = 0
	p.earlyReceive = nil
	return true
}

// AcceptSeq implements the matching path's sequence-acceptance and
// duplicate-filtering step shared by the matched message classes (TINY,
// SMALL, RENDEZVOUS, NOTIFY; spec §4.6: "Sequence-number acceptance,
// duplicate filtering... live in the partner state update run by the
// matching path"). f's lib_seqnum is checked against next_match_recv_seq:
// already-matched seqnums are duplicates and are dropped (spec §8:
// "Duplicate delivery... second occurrence is dropped; receiver state
// unchanged"); a seqnum ahead of turn is buffered in the early-receive
// queue; the next-in-turn seqnum is accepted and next_match_recv_seq
// advances past it and any now-consecutive frames already buffered,
// returning every frame now ready for delivery in sequence order (spec §5:
// "delivered in-order... buffering of out-of-order arrivals in an
// early-receive queue").
func (p *Partner) AcceptSeq(f *wire.Frame, libSeqnum uint32) []*wire.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()

	if libSeqnum <= p.nextMatchRecvSeq {
		return nil
	}
	if libSeqnum > p.nextMatchRecvSeq+1 {
		if p.earlyReceive == nil {
			p.earlyReceive = make(map[uint32]*wire.Frame)
		}
		p.earlyReceive[libSeqnum] = f
		return nil
	}

	ready := []*wire.Frame{f}
	p.nextMatchRecvSeq = libSeqnum
	for {
		next, ok := p.earlyReceive[p.nextMatchRecvSeq+1]
		if !ok {
			break
		}
		delete(p.earlyReceive, p.nextMatchRecvSeq+1)
		p.nextMatchRecvSeq++
		ready = append(ready, next)
	}
	return ready
}

// PartnerTable is the per-endpoint table of remote-endpoint sessions (spec
// §4.5): keyed by (peer_index, remote_endpoint_index), with a local
// MAC-to-peer-index allocator (deliberately NOT a directory/name service -
// that lookup stays out of scope per spec §1) and a cuckoofilter dedup
// pre-filter for duplicate CONNECT requests arriving over an unreliable
// transport.
type PartnerTable struct {
	cfg *cmn.Config

	mu         sync.Mutex
	byKey      map[partnerKey]*Partner
	macToPeer  map[[6]byte]uint32
	nextPeer   uint32

	dedup *cuckoo.Filter
}

func NewPartnerTable(cfg *cmn.Config) *PartnerTable {
	return &PartnerTable{
		cfg:       cfg,
		byKey:     make(map[partnerKey]*Partner, cfg.Sizes.PeerMax),
		macToPeer: make(map[[6]byte]uint32),
		dedup:     cuckoo.NewFilter(uint(cfg.Sizes.PeerMax * 4)),
	}
}

func (pt *PartnerTable) peerIndexFor(mac [6]byte) uint32 {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if idx, ok := pt.macToPeer[mac]; ok {
		return idx
	}
	idx := pt.nextPeer
	pt.nextPeer++
	pt.macToPeer[mac] = idx
	return idx
}

// Lookup returns (creating if necessary) the Partner for (mac, remoteEndpt).
func (pt *PartnerTable) Lookup(board uint8, mac [6]byte, remoteEndpt uint8) (*Partner, error) {
	peerIdx := pt.peerIndexFor(mac)
	key := partnerKey{peerIndex: peerIdx, remoteEndpt: remoteEndpt}

	pt.mu.Lock()
	defer pt.mu.Unlock()
	if p, ok := pt.byKey[key]; ok {
		return p, nil
	}
	if len(pt.byKey) >= pt.cfg.Sizes.PeerMax {
		return nil, cmn.NewStatusError(cmn.NoResources, "partner table full")
	}
	p := &Partner{PeerIndex: peerIdx, RemoteEndpt: remoteEndpt, RemoteMAC: mac, BoardIndex: board}
	pt.byKey[key] = p
	return p, nil
}

// dedupKey packs the fields that make a CONNECT request frame unique on the
// wire, for the cuckoofilter pre-filter (spec: resent requests must not
// re-run acceptance logic twice).
func dedupKey(mac [6]byte, connectSeqnum uint32) []byte {
	b := make([]byte, 10)
	copy(b, mac[:])
	b[6] = byte(connectSeqnum >> 24)
	b[7] = byte(connectSeqnum >> 16)
	b[8] = byte(connectSeqnum >> 8)
	b[9] = byte(connectSeqnum)
	return b
}

// SeenConnectRequest reports whether this (mac, connectSeqnum) pair was
// already processed, inserting it into the filter if not. False positives
// are acceptable (spec: worst case a legitimate retry is treated as a
// duplicate and its reply is simply retransmitted by the next resend tick).
func (pt *PartnerTable) SeenConnectRequest(mac [6]byte, connectSeqnum uint32) bool {
	key := dedupKey(mac, connectSeqnum)
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if pt.dedup.Lookup(key) {
		return true
	}
	pt.dedup.InsertUnique(key)
	return false
}

// BeginConnect moves the partner into the SENT state and records the
// pending request for the progression loop to retransmit. A pending request
// already outstanding is replaced; an ESTABLISHED partner is left as is.
// Always returns nil.
func (p *Partner) BeginConnect(appKey, connectSeqnum uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == ConnectEstablished {
		return nil
	}
	p.state = ConnectSent
	p.pending = &pendingConnect{appKey: appKey, connectSeqnum: connectSeqnum, sentAt: time.Now()}
	return nil
}

// AwaitConnect returns at once with a buffered channel that receives the
// pending connect's result (nil right away if the partner is ESTABLISHED).
func (p *Partner) AwaitConnect() chan error {
	ch := make(chan error, 1)
	p.mu.Lock()
	if p.state == ConnectEstablished {
		p.mu.Unlock()
		ch <- nil
		return ch
	}
	if p.pending != nil {
		p.pending.waiters = append(p.pending.waiters, ch)
	}
	p.mu.Unlock()
	return ch
}

// CompleteConnect resolves a pending connect (success or failure) and wakes
// every waiter, per the reply-matching rule in spec §4.5: the reply must
// carry the same connect_seqnum this side sent, and a target_session_id
// equal to this endpoint's own session id (checked by the caller, which
// knows the local session).
func (p *Partner) CompleteConnect(status cmn.Status) {
	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	if status == cmn.Success {
		p.state = ConnectEstablished
	} else {
		p.state = ConnectNone
	}
	p.mu.Unlock()

	if pending == nil {
		return
	}
	var err error
	if status != cmn.Success {
		err = cmn.NewStatusError(status, "connect failed")
	}
	for _, w := range pending.waiters {
		w <- err
	}
}

// PendingRetransmit returns the pending connect if it is due for resend,
// advancing its retry counter; ok=false if there is nothing pending or it is
// not yet due. When retries are exhausted it returns exhausted=true and
// ok=true (caller should then fail the connect with CONNECTION_FAILED).
func (p *Partner) PendingRetransmit(now time.Time, cfg *cmn.Config) (appKey, connectSeqnum uint32, exhausted, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil || p.state != ConnectSent {
		return 0, 0, false, false
	}
	if now.Sub(p.pending.sentAt) < cfg.Connect.ResendDelay {
		return 0, 0, false, false
	}
	if p.pending.retries >= cfg.Connect.RetransmitsMax {
		return 0, 0, true, true
	}
	p.pending.retries++
	p.pending.sentAt = now
	return p.pending.appKey, p.pending.connectSeqnum, false, true
}

// ForEach calls fn for every partner currently in the table; used by the
// progression loop (spec §4.6) to scan for due retransmits.
func (pt *PartnerTable) ForEach(fn func(*Partner)) {
	pt.mu.Lock()
	partners := make([]*Partner, 0, len(pt.byKey))
	for _, p := range pt.byKey {
		partners = append(partners, p)
	}
	pt.mu.Unlock()
	for _, p := range partners {
		fn(p)
	}
}

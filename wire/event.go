package wire

import "sync/atomic"

// EventType discriminates the fixed-size event-slot union (spec §3, §4.1).
// NONE marks a free slot.
type EventType uint32

const (
	EvNone EventType = iota
	EvRecvTiny
	EvRecvSmall
	EvRecvMedium
	EvRecvRndv
	EvRecvNotify
	EvRecvConnect
	EvSendMediumFragDone
	EvPullDone
	EvRecvTruc
	EvRecvNackLib
)

// Event is one fixed-size slot in an event ring. The producer fills every
// field below `Type` first, then stores Type last with a release fence
// (spec §4.4); the consumer loads Type with an acquire fence and treats
// EvNone as "no event here".
type Event struct {
	typ atomic.Uint32 // EventType; accessed via Type()/Publish()/Clear()

	SrcEndpoint uint8
	Status      uint8 // cmn.Status, stored as a byte for ring compactness
	Length      int32
	MatchInfo   uint64

	// MEDIUM-specific
	MsgLength    uint32
	FragSeqnum   uint8
	FragPipeline uint8
	Compressed   bool // [SUPPLEMENT] this fragment is part of an lz4-compressed message, see SPEC_FULL.md §1.2

	// RENDEZVOUS-specific
	RegionID     uint8
	RegionOffset uint32

	// CONNECT-specific
	ConnectSeqnum uint32
	SessionID     uint32

	// PULL_DONE-specific
	PullHandleID uint32

	// inline payload for TINY frames, and the one small copy-out for
	// SMALL/MEDIUM reads that came through the matching recvq slot.
	Data []byte
}

// Type loads the slot's discriminator with an acquire fence.
func (e *Event) Type() EventType { return EventType(e.typ.Load()) }

// Publish releases the fully-formed event to the consumer: callers must set
// every other field first, then call Publish (spec §4.4 producer contract
// step 3 - "the one point where readers synchronize with writers without
// explicit locking").
func (e *Event) Publish(t EventType) { e.typ.Store(uint32(t)) }

// Clear marks the slot free again (consumer contract step 2).
func (e *Event) Clear() { e.typ.Store(uint32(EvNone)) }

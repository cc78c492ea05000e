// Package core implements the Open-MX endpoint lifecycle, message classes,
// connect FSM, and pull engine (spec §4) - the centerpiece components the
// teacher's transport/bundle package does not have an analog for, built in
// the teacher's idiom (leaf locks, atomics for hot counters, nlog/debug for
// the ambient stack).
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package core

import (
	"sync"
	"time"

	"github.com/open-mx/openmx/wire"
)

// EventQueue is one exp/unexp ring (spec §4.4): a fixed array of wire.Event
// slots, a single release-store publish, and admission control on reserve.
type EventQueue struct {
	slots []wire.Event
	mu    sync.Mutex
	cond  *sync.Cond
	head  uint32
	tail  uint32
}

func NewEventQueue(n int) *EventQueue {
	q := &EventQueue{slots: make([]wire.Event, n)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Reserve returns the next slot to fill, or ok=false if it is still
// occupied - the queue-full admission-control case (spec §4.4, §7): the
// caller drops the frame and relies on sender retransmission.
func (q *EventQueue) Reserve() (*wire.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.head % uint32(len(q.slots))
	slot := &q.slots[idx]
	if slot.Type() != wire.EvNone {
		return nil, false
	}
	q.head++
	return slot, true
}

// Publish releases slot to the consumer and wakes any Wait()ers. Callers
// must have filled every other field of slot before calling this (spec
// §4.4 producer contract).
func (q *EventQueue) Publish(slot *wire.Event, t wire.EventType) {
	slot.Publish(t)
	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Poll returns the oldest unconsumed slot without clearing it.
func (q *EventQueue) Poll() (*wire.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.tail % uint32(len(q.slots))
	slot := &q.slots[idx]
	if slot.Type() == wire.EvNone {
		return nil, false
	}
	return slot, true
}

// Release frees the slot last returned by Poll, letting the producer reuse
// it on its next pass (spec §4.4 consumer contract).
func (q *EventQueue) Release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.tail % uint32(len(q.slots))
	q.slots[idx].Clear()
	q.tail++
}

// Wait blocks until an event is available or timeout elapses - the only
// other blocking call besides close() (spec §5).
func (q *EventQueue) Wait(timeout time.Duration) (*wire.Event, bool) {
	deadline := time.Now().Add(timeout)
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		idx := q.tail % uint32(len(q.slots))
		if q.slots[idx].Type() != wire.EvNone {
			return &q.slots[idx], true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}
		timer := time.AfterFunc(remaining, func() {
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		})
		q.cond.Wait()
		timer.Stop()
	}
}

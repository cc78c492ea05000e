package core

import (
	"testing"
	"time"

	"github.com/open-mx/openmx/wire"
)

func TestEventQueueReserveFullRejects(t *testing.T) {
	q := NewEventQueue(2)
	s1, ok := q.Reserve()
	if !ok {
		t.Fatal("expected first reserve to succeed")
	}
	q.Publish(s1, wire.EvRecvTiny)

	s2, ok := q.Reserve()
	if !ok {
		t.Fatal("expected second reserve to succeed")
	}
	q.Publish(s2, wire.EvRecvTiny)

	if _, ok := q.Reserve(); ok {
		t.Fatal("expected reserve to fail: both slots occupied")
	}
}

func TestEventQueuePollReleaseCycle(t *testing.T) {
	q := NewEventQueue(1)
	s, _ := q.Reserve()
	s.MatchInfo = 42
	q.Publish(s, wire.EvRecvTiny)

	got, ok := q.Poll()
	if !ok || got.MatchInfo != 42 {
		t.Fatalf("unexpected poll result: %+v ok=%v", got, ok)
	}
	q.Release()

	if _, ok := q.Poll(); ok {
		t.Fatal("expected empty queue after release")
	}
	if _, ok := q.Reserve(); !ok {
		t.Fatal("expected slot to be reusable after release")
	}
}

func TestEventQueueWaitTimeout(t *testing.T) {
	q := NewEventQueue(1)
	start := time.Now()
	_, ok := q.Wait(20 * time.Millisecond)
	if ok {
		t.Fatal("expected timeout, no event was published")
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("returned before timeout elapsed")
	}
}

func TestEventQueueWaitWakesOnPublish(t *testing.T) {
	q := NewEventQueue(1)
	go func() {
		time.Sleep(10 * time.Millisecond)
		s, _ := q.Reserve()
		q.Publish(s, wire.EvRecvSmall)
	}()
	evt, ok := q.Wait(time.Second)
	if !ok {
		t.Fatal("expected an event")
	}
	if evt.Type() != wire.EvRecvSmall {
		t.Fatalf("unexpected event type %v", evt.Type())
	}
}

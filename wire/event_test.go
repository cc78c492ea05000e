package wire

import "testing"

func TestEventPublishClear(t *testing.T) {
	var e Event
	if e.Type() != EvNone {
		t.Fatalf("new event should be EvNone, got %v", e.Type())
	}
	e.MatchInfo = 0x42
	e.Publish(EvRecvTiny)
	if e.Type() != EvRecvTiny {
		t.Fatalf("expected EvRecvTiny, got %v", e.Type())
	}
	e.Clear()
	if e.Type() != EvNone {
		t.Fatalf("expected EvNone after Clear, got %v", e.Type())
	}
}

package iface

import (
	"sync"
	"testing"
	"time"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	frames [][]byte
	got    chan struct{}
}

func (d *recordingDispatcher) Dispatch(_ uint8, _ [6]byte, frame []byte) {
	d.mu.Lock()
	d.frames = append(d.frames, frame)
	d.mu.Unlock()
	select {
	case d.got <- struct{}{}:
	default:
	}
}

func TestAttachSendDispatch(t *testing.T) {
	bus := NewBus()
	dispA := &recordingDispatcher{got: make(chan struct{}, 1)}
	regA := NewRegistry(dispA, nil)
	regB := NewRegistry(&recordingDispatcher{got: make(chan struct{}, 1)}, nil)

	macA := [6]byte{0, 1, 2, 3, 4, 5}
	macB := [6]byte{0, 1, 2, 3, 4, 6}
	beA := NewFakeBackend(bus, "ethA", macA, macB)
	beB := NewFakeBackend(bus, "ethB", macB, macA)

	ifA, err := regA.Attach("ethA", beA)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := regB.Attach("ethB", beB); err != nil {
		t.Fatal(err)
	}

	if err := ifA.Send([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	// ifA sent to macB (its fixed dst); regB's dispatcher should see the frame.
	// Swap direction: send from B to A and assert on dispA.
	if err := beB.Send([]byte("world")); err != nil {
		t.Fatal(err)
	}
	select {
	case <-dispA.got:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
	dispA.mu.Lock()
	defer dispA.mu.Unlock()
	if len(dispA.frames) != 1 || string(dispA.frames[0]) != "world" {
		t.Fatalf("unexpected frames: %v", dispA.frames)
	}
}

func TestAttachDuplicateName(t *testing.T) {
	bus := NewBus()
	reg := NewRegistry(&recordingDispatcher{got: make(chan struct{}, 1)}, nil)
	mac1 := [6]byte{1, 1, 1, 1, 1, 1}
	mac2 := [6]byte{2, 2, 2, 2, 2, 2}
	be1 := NewFakeBackend(bus, "eth0", mac1, mac2)
	be2 := NewFakeBackend(bus, "eth0", mac2, mac1)

	if _, err := reg.Attach("eth0", be1); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Attach("eth0", be2); err == nil {
		t.Fatal("expected duplicate-name error")
	}
}

func TestDetachRunsTeardownHook(t *testing.T) {
	bus := NewBus()
	torn := uint8(0xff) // sentinel: board index 0 must be written by the hook
	var mu sync.Mutex
	reg := NewRegistry(&recordingDispatcher{got: make(chan struct{}, 1)}, func(idx uint8) {
		mu.Lock()
		torn = idx
		mu.Unlock()
	})
	mac1 := [6]byte{9, 9, 9, 9, 9, 9}
	be := NewFakeBackend(bus, "eth0", mac1, mac1)
	ifc, err := reg.Attach("eth0", be)
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Detach(ifc.Index); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if torn != ifc.Index {
		t.Fatalf("teardown hook not invoked with %d, got %d", ifc.Index, torn)
	}
	if _, ok := reg.Get(ifc.Index); ok {
		t.Fatal("interface still present after detach")
	}
}

func TestBoardCountAndID(t *testing.T) {
	bus := NewBus()
	reg := NewRegistry(&recordingDispatcher{got: make(chan struct{}, 1)}, nil)
	mac := [6]byte{7, 7, 7, 7, 7, 7}
	be := NewFakeBackend(bus, "eth9", mac, mac)
	ifc, err := reg.Attach("eth9", be)
	if err != nil {
		t.Fatal(err)
	}
	if reg.BoardCount() != 1 {
		t.Fatalf("expected 1 board, got %d", reg.BoardCount())
	}
	bid, err := reg.BoardID(ifc.Index)
	if err != nil {
		t.Fatal(err)
	}
	if bid.Name != "eth9" || bid.MAC != mac {
		t.Fatalf("unexpected board id: %+v", bid)
	}
}

package core

import "testing"

func TestRegionRegisterReadWrite(t *testing.T) {
	rt := NewRegionTable(4)
	id, err := rt.Register([]Segment{{Data: make([]byte, 16)}, {Data: make([]byte, 16)}})
	if err != nil {
		t.Fatal(err)
	}
	e, ok := rt.Acquire(id)
	if !ok {
		t.Fatal("expected region to be found")
	}
	e.WriteAt(8, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})
	got := e.ReadAt(8, 10)
	want := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("mismatch at %d: got %v want %v", i, got, want)
		}
	}
	rt.Release(id)
}

func TestRegionTableFull(t *testing.T) {
	rt := NewRegionTable(1)
	if _, err := rt.Register([]Segment{{Data: make([]byte, 4)}}); err != nil {
		t.Fatal(err)
	}
	if _, err := rt.Register([]Segment{{Data: make([]byte, 4)}}); err == nil {
		t.Fatal("expected NoResources error")
	}
}

func TestRegionDeregisterDrains(t *testing.T) {
	rt := NewRegionTable(2)
	id, _ := rt.Register([]Segment{{Data: make([]byte, 4)}})
	rt.Acquire(id)

	done := make(chan struct{})
	go func() {
		rt.Deregister(id)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("deregister returned before refs dropped to zero")
	default:
	}

	rt.Release(id)
	<-done

	if _, ok := rt.Acquire(id); ok {
		t.Fatal("expected region id to be freed after deregister")
	}
}

func TestRegionDeregisterInvalidID(t *testing.T) {
	rt := NewRegionTable(2)
	if err := rt.Deregister(0); err == nil {
		t.Fatal("expected error deregistering unused slot")
	}
}

package core

import (
	"sync"

	"github.com/open-mx/openmx/cmn"
)

// Segment is one pinned page-run within a registered region.
type Segment struct {
	Data []byte
}

type regionEntry struct {
	segs     []Segment
	totalLen int64
	refs     int32 // pull handles currently reading this region
}

func (e *regionEntry) ReadAt(off, length int64) []byte {
	out := make([]byte, 0, length)
	var cur int64
	for _, s := range e.segs {
		segLen := int64(len(s.Data))
		if cur+segLen <= off {
			cur += segLen
			continue
		}
		start := int64(0)
		if off > cur {
			start = off - cur
		}
		avail := segLen - start
		want := length - int64(len(out))
		if want < avail {
			avail = want
		}
		if avail > 0 {
			out = append(out, s.Data[start:start+avail]...)
		}
		cur += segLen
		if int64(len(out)) >= length {
			break
		}
	}
	return out
}

func (e *regionEntry) WriteAt(off int64, p []byte) {
	var cur int64
	remaining := p
	for _, s := range e.segs {
		if len(remaining) == 0 {
			return
		}
		segLen := int64(len(s.Data))
		if cur+segLen <= off {
			cur += segLen
			continue
		}
		start := int64(0)
		if off > cur {
			start = off - cur
		}
		n := copy(s.Data[start:], remaining)
		remaining = remaining[n:]
		cur += segLen
	}
}

// RegionTable is the per-endpoint user-region table (spec §4.3): O(1) lookup
// by small integer id, registration pins segments immediately, deregistration
// drains until no pull handle still references the id.
type RegionTable struct {
	mu      sync.Mutex
	cond    *sync.Cond
	entries []*regionEntry
}

func NewRegionTable(max int) *RegionTable {
	rt := &RegionTable{entries: make([]*regionEntry, max)}
	rt.cond = sync.NewCond(&rt.mu)
	return rt
}

// Register pins segs as a new region, returning its id. Immutable once
// published (spec §3 User region).
func (rt *RegionTable) Register(segs []Segment) (int, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	var total int64
	for _, s := range segs {
		total += int64(len(s.Data))
	}
	for i, e := range rt.entries {
		if e == nil {
			rt.entries[i] = &regionEntry{segs: segs, totalLen: total}
			return i, nil
		}
	}
	return 0, cmn.NewStatusError(cmn.NoResources, "region table full")
}

// Deregister takes the write side and drains: it blocks until no pull
// handle holds a reference, then frees the id for reuse (spec §4.3, §8
// round-trip: "region-id is reusable; descriptor fields are not observable").
func (rt *RegionTable) Deregister(id int) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if id < 0 || id >= len(rt.entries) || rt.entries[id] == nil {
		return cmn.NewStatusError(cmn.Invalid, "no such region")
	}
	e := rt.entries[id]
	for e.refs > 0 {
		rt.cond.Wait()
	}
	rt.entries[id] = nil
	return nil
}

// Acquire increments the reference count used while a pull is reading this
// region; Release decrements it and wakes any Deregister drain.
func (rt *RegionTable) Acquire(id int) (*regionEntry, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if id < 0 || id >= len(rt.entries) || rt.entries[id] == nil {
		return nil, false
	}
	e := rt.entries[id]
	e.refs++
	return e, true
}

func (rt *RegionTable) Release(id int) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if id < 0 || id >= len(rt.entries) || rt.entries[id] == nil {
		return
	}
	rt.entries[id].refs--
	if rt.entries[id].refs == 0 {
		rt.cond.Broadcast()
	}
}

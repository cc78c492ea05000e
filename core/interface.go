package core

import (
	"sync"

	"github.com/open-mx/openmx/cmn"
	"github.com/open-mx/openmx/iface"
)

// Board wraps one iface.Interface with its fixed-size endpoint-slot table
// (spec §3 Interface, §4.2). slotsMu is the "interface endpoint-slot lock"
// in the lock-ordering rule (spec §5): always taken after the interface
// table lock (iface.Registry's internal mutex) and before any endpoint's
// own status lock.
type Board struct {
	*iface.Interface

	cfg *cmn.Config

	slotsMu sync.Mutex
	slots   []*Endpoint
}

func newBoard(ifc *iface.Interface, cfg *cmn.Config) *Board {
	b := &Board{Interface: ifc, cfg: cfg, slots: make([]*Endpoint, cfg.Sizes.EndpointMax)}
	for i := range b.slots {
		b.slots[i] = newEndpoint(ifc.Index, uint8(i), cfg)
	}
	return b
}

// OpenEndpoint opens the slot at index (spec §6 open(board, endpoint_index)).
func (b *Board) OpenEndpoint(index uint8, owner string, sessionID, appKey uint32) (*Endpoint, error) {
	b.slotsMu.Lock()
	defer b.slotsMu.Unlock()
	if int(index) >= len(b.slots) {
		return nil, cmn.NewStatusError(cmn.BadEndpoint, "endpoint index out of range")
	}
	ep := b.slots[index]
	if err := ep.open(owner, sessionID, appKey); err != nil {
		return nil, err
	}
	return ep, nil
}

func (b *Board) Endpoint(index uint8) (*Endpoint, bool) {
	b.slotsMu.Lock()
	defer b.slotsMu.Unlock()
	if int(index) >= len(b.slots) {
		return nil, false
	}
	ep := b.slots[index]
	if ep.Status() == StatusFree {
		return nil, false
	}
	return ep, true
}

// CloseEndpoint runs the endpoint's own two-phase close (spec §4.2); the
// slot lock is only needed to look the endpoint up, not held across close.
func (b *Board) CloseEndpoint(index uint8) error {
	b.slotsMu.Lock()
	if int(index) >= len(b.slots) {
		b.slotsMu.Unlock()
		return cmn.NewStatusError(cmn.BadEndpoint, "endpoint index out of range")
	}
	ep := b.slots[index]
	b.slotsMu.Unlock()
	return ep.close()
}

// ForEachEndpoint calls fn for every open (non-FREE) endpoint slot; used by
// the progression loop to scan for due retransmits (spec §4.6).
func (b *Board) ForEachEndpoint(fn func(*Endpoint)) {
	b.slotsMu.Lock()
	eps := make([]*Endpoint, 0, len(b.slots))
	for _, ep := range b.slots {
		if ep.Status() != StatusFree {
			eps = append(eps, ep)
		}
	}
	b.slotsMu.Unlock()
	for _, ep := range eps {
		fn(ep)
	}
}

// ForceCloseAll is invoked by the iface.TeardownHook on Detach (spec §3, §7).
func (b *Board) ForceCloseAll() {
	b.slotsMu.Lock()
	defer b.slotsMu.Unlock()
	for _, ep := range b.slots {
		ep.forceClose()
	}
}

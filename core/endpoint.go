package core

import (
	"sync"

	"github.com/open-mx/openmx/cmn"
	"github.com/open-mx/openmx/cmn/atomic"
	"github.com/open-mx/openmx/cmn/debug"
	"github.com/open-mx/openmx/cmn/nlog"
)

// Status is the endpoint FSM state (spec §4.2): FREE -> INITIALIZING -> OK
// -> CLOSING -> FREE, with CLOSED reserved for objects whose storage is
// being reclaimed from the outside (forced interface teardown).
type Status int32

const (
	StatusFree Status = iota
	StatusInitializing
	StatusOK
	StatusClosing
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusFree:
		return "FREE"
	case StatusInitializing:
		return "INITIALIZING"
	case StatusOK:
		return "OK"
	case StatusClosing:
		return "CLOSING"
	case StatusClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Endpoint is the central object of spec §3: a per-process messaging port
// with its own event queues, region table, partner table, and pull handle
// table. Every field except `status` must not be read once status observes
// CLOSED (spec §3 Ownership).
type Endpoint struct {
	BoardIndex uint8
	Index      uint8
	SessionID  uint32
	Owner      string
	AppKey     uint32

	cfg *cmn.Config

	// statusMu is the leaf lock for the FSM (spec §4.2): it never nests any
	// other endpoint lock.
	statusMu sync.Mutex
	status   Status
	refcount atomic.Int32
	closeCond *sync.Cond // signalled by release() when refcount hits 0 during CLOSING

	ExpQ   *EventQueue
	UnexpQ *EventQueue
	Regions *RegionTable

	pullMu      sync.Mutex // pull-table lock; nests individual handle locks (spec §5 rule 2)
	pullHandles map[uint32]*PullHandle
	nextPullID  uint32

	Partners *PartnerTable

	stats struct {
		sent        atomic.Int64
		recv        atomic.Int64
		queueFull   atomic.Int64
		retransmits atomic.Int64
	}
}

// newEndpoint allocates (but does not open) the slot's storage - rings,
// region table, pull handle table - called once per slot from newBoard with
// no lock held; open() later resets the per-session fields.
func newEndpoint(board, index uint8, cfg *cmn.Config) *Endpoint {
	ep := &Endpoint{
		BoardIndex:  board,
		Index:       index,
		cfg:         cfg,
		status:      StatusFree,
		ExpQ:        NewEventQueue(cfg.Sizes.EventqSlots),
		UnexpQ:      NewEventQueue(cfg.Sizes.EventqSlots),
		Regions:     NewRegionTable(cfg.Sizes.UserRegionMax),
		pullHandles: make(map[uint32]*PullHandle),
	}
	ep.Partners = NewPartnerTable(cfg)
	ep.closeCond = sync.NewCond(&ep.statusMu)
	return ep
}

func (ep *Endpoint) Status() Status {
	ep.statusMu.Lock()
	defer ep.statusMu.Unlock()
	return ep.status
}

// acquire is the cheap fast path (spec §4.2): status lock, OK check,
// refcount bump, unlock - no nested locks.
func (ep *Endpoint) acquire() error {
	ep.statusMu.Lock()
	defer ep.statusMu.Unlock()
	if ep.status != StatusOK {
		return cmn.NewStatusError(cmn.Invalid, "endpoint not OK: "+ep.status.String())
	}
	ep.refcount.Inc()
	return nil
}

// Acquire is the public form of acquire(), exported for callers outside
// package core (the iface receive path, the pull engine) that take a
// reference before touching endpoint state.
func (ep *Endpoint) Acquire() error { return ep.acquire() }

// release decrements the refcount; if it reaches zero while CLOSING, it
// wakes close()'s waiter (spec §4.2).
func (ep *Endpoint) release() {
	if n := ep.refcount.Dec(); n == 0 {
		ep.statusMu.Lock()
		if ep.status == StatusClosing {
			ep.closeCond.Broadcast()
		}
		ep.statusMu.Unlock()
	} else {
		debug.Assert(n > 0, "refcount went negative")
	}
}

func (ep *Endpoint) Release() { ep.release() }

// open transitions FREE -> INITIALIZING -> OK, per spec §4.2. Callers hold
// no lock; open takes the status lock itself. Returns BUSY if status is not
// FREE (e.g. the slot is already open).
func (ep *Endpoint) open(owner string, sessionID, appKey uint32) error {
	ep.statusMu.Lock()
	if ep.status != StatusFree {
		ep.statusMu.Unlock()
		return cmn.NewStatusError(cmn.Busy, "endpoint slot not free")
	}
	ep.status = StatusInitializing
	ep.statusMu.Unlock()

	ep.Owner = owner
	ep.SessionID = sessionID
	ep.AppKey = appKey
	ep.Partners = NewPartnerTable(ep.cfg)
	ep.refcount.Store(0)
	ep.refcount.Inc() // the opener's own reference

	ep.statusMu.Lock()
	ep.status = StatusOK
	ep.statusMu.Unlock()
	return nil
}

// close implements the two-phase teardown of spec §4.2: flip status to
// CLOSING (rejecting any acquirer from this point on), drop the opener's
// own reference, then sleep until the refcount observes zero before freeing
// resources and returning the slot to FREE.
func (ep *Endpoint) close() error {
	ep.statusMu.Lock()
	if ep.status != StatusOK {
		ep.statusMu.Unlock()
		return cmn.NewStatusError(cmn.Busy, "endpoint not open")
	}
	ep.status = StatusClosing
	ep.statusMu.Unlock()

	ep.release() // drop the opener's own reference

	ep.statusMu.Lock()
	for ep.refcount.Load() != 0 {
		ep.closeCond.Wait()
	}
	ep.statusMu.Unlock()

	ep.freeResources()

	ep.statusMu.Lock()
	ep.status = StatusFree
	ep.statusMu.Unlock()
	return nil
}

// forceClose is used by interface teardown (spec §3, §7): it marks the
// endpoint CLOSED without waiting for in-flight holders - their next Acquire
// fails with INVALID, as for any status other than OK, rather than blocking
// forever on a NIC that no longer exists. Open pull handles are aborted with
// TIMEOUT.
func (ep *Endpoint) forceClose() {
	ep.statusMu.Lock()
	if ep.status == StatusFree || ep.status == StatusClosed {
		ep.statusMu.Unlock()
		return
	}
	ep.status = StatusClosed
	ep.statusMu.Unlock()
	ep.freeResources()
	nlog.Warningln("endpoint", ep.BoardIndex, ep.Index, "force-closed")
}

// checkAppKey reports whether a connecting peer's app_key matches this
// endpoint's own, the sole admission check in the connect FSM (spec §4.5).
func (ep *Endpoint) checkAppKey(key uint32) bool { return ep.AppKey == key }

func (ep *Endpoint) freeResources() {
	ep.pullMu.Lock()
	for id, h := range ep.pullHandles {
		h.abort(cmn.Timeout)
		delete(ep.pullHandles, id)
	}
	ep.pullMu.Unlock()
}

package core

import (
	"sync"
	"time"

	"github.com/open-mx/openmx/cmn"
	"github.com/open-mx/openmx/cmn/cos"
	"github.com/open-mx/openmx/cmn/nlog"
)

// Pull handle magic encoding (spec §4.7): the magic value stamped on every
// PULL_REPLY lets the puller validate that a reply belongs to a handle it
// actually opened, without a table lookup on the hot path - a forged or
// stale magic is rejected outright.
const (
	pullMagicShift = 24
	pullMagicXor   = 0x5a3c9e17
)

func pullMagic(endpointIndex uint8, handleID uint32) uint32 {
	return (uint32(endpointIndex) << pullMagicShift) ^ handleID ^ pullMagicXor
}

// PullRole distinguishes the side that issued the pull (puller, the
// receiver of the eventual data) from the side serving blocks (pullee).
type PullRole int

const (
	RolePuller PullRole = iota
	RolePullee
)

// PullHandle is the per-pull state machine of spec §4.7: a region divided
// into fixed-size blocks, tracked with two bitmasks - frame_missing (not
// yet received) and frame_transferring (request sent, reply outstanding) -
// so the progression loop can distinguish "never asked" from "asked, no
// answer yet" when deciding what to resend.
type PullHandle struct {
	mu sync.Mutex

	ID         uint32
	Role       PullRole
	Endpoint   *Endpoint
	Partner    *Partner
	RegionID       int
	RemoteRegionID int
	regionRef      *regionEntry
	TotalLen   int64
	BlockSize  int64
	NumBlocks  uint

	missing      uint64 // bit set => block not yet received/acked
	transferring uint64 // bit set => request outstanding for that block

	magic    uint32
	peerMagic uint32

	status  cmn.Status
	done    chan struct{}
	doneOnce sync.Once

	lastSent     time.Time
	blockRetries [64]int // per-block retransmit counter (spec §4.7: "the retry is capped")
}

func newPullHandle(id uint32, role PullRole, ep *Endpoint, partner *Partner, regionID int, region *regionEntry, blockSize int64) *PullHandle {
	total := region.totalLen
	numBlocks := uint((total + blockSize - 1) / blockSize)
	if numBlocks == 0 {
		numBlocks = 1
	}
	h := &PullHandle{
		ID:        id,
		Role:      role,
		Endpoint:  ep,
		Partner:   partner,
		RegionID:  regionID,
		regionRef: region,
		TotalLen:  total,
		BlockSize: blockSize,
		NumBlocks: numBlocks,
		done:      make(chan struct{}),
		magic:     pullMagic(ep.Index, id),
	}
	if numBlocks < 64 {
		h.missing = (uint64(1) << numBlocks) - 1
	} else {
		h.missing = ^uint64(0)
	}
	return h
}

// Magic is the value to stamp on outgoing PULL_REQUEST/PULL_REPLY frames
// that reference this handle.
func (h *PullHandle) Magic() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.magic
}

// ValidateMagic rejects a reply whose magic does not match what this
// handle expects (spec §4.7: forged or stale replies are dropped silently).
func (h *PullHandle) ValidateMagic(got uint32) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return got == h.magic
}

// MarkRequested flips a block from "not yet asked" into "transferring", so
// a concurrent progression tick knows not to re-request it before the
// resend delay elapses.
func (h *PullHandle) MarkRequested(block uint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if block >= h.NumBlocks {
		return
	}
	h.transferring |= 1 << block
	h.lastSent = time.Now()
}

// OnReply validates the checksum and copies payload into the region at the
// block's offset, then clears both bitmask bits for that block. Returns
// true once every block has been received (spec §4.7 release semantics:
// only then is the handle eligible for completion and the PULL_DONE event).
func (h *PullHandle) OnReply(block uint, payload []byte, checksum uint64) (complete bool, err error) {
	if cos.ChecksumBytes(payload) != checksum {
		return false, cmn.NewStatusError(cmn.Invalid, "pull reply checksum mismatch")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if block >= h.NumBlocks {
		return false, cmn.NewStatusError(cmn.Invalid, "pull reply block out of range")
	}
	off := int64(block) * h.BlockSize
	h.regionRef.WriteAt(off, payload)
	bit := uint64(1) << block
	h.missing &^= bit
	h.transferring &^= bit
	return h.missing == 0, nil
}

// DueBlocks returns the blocks still missing that are not currently
// transferring, or whose transferring request is older than resendDelay -
// the set the progression loop should (re)send PULL_REQUESTs for. Any block
// that has already exhausted retransmitsMax is reported separately so the
// caller can time the whole handle out (spec §4.7: "on exhaustion, the
// handle completes with a timeout status").
func (h *PullHandle) DueBlocks(resendDelay time.Duration, retransmitsMax int) (due []uint, exhausted bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	stale := h.transferring != 0 && time.Since(h.lastSent) >= resendDelay
	for b := uint(0); b < h.NumBlocks; b++ {
		bit := uint64(1) << b
		if h.missing&bit == 0 {
			continue
		}
		if h.transferring&bit != 0 && !stale {
			continue
		}
		if h.blockRetries[b] >= retransmitsMax {
			exhausted = true
			continue
		}
		h.blockRetries[b]++
		due = append(due, b)
	}
	return due, exhausted
}

func (h *PullHandle) IsComplete() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.missing == 0
}

// finish signals completion (success or abort) exactly once, releasing the
// region reference and waking any blocked waiter.
func (h *PullHandle) finish(status cmn.Status) {
	h.doneOnce.Do(func() {
		h.mu.Lock()
		h.status = status
		h.mu.Unlock()
		if h.Endpoint != nil && h.Endpoint.Regions != nil {
			h.Endpoint.Regions.Release(h.RegionID)
		}
		close(h.done)
	})
}

func (h *PullHandle) abort(status cmn.Status) {
	nlog.Warningln("pull", h.ID, "aborted:", status)
	h.finish(status)
}

// Wait returns at once with the handle's current status and a channel that
// is closed when the handle completes or aborts.
func (h *PullHandle) Wait() (cmn.Status, <-chan struct{}) {
	h.mu.Lock()
	status := h.status
	h.mu.Unlock()
	return status, h.done
}

// --- endpoint-level pull handle table operations ---

// OpenPull allocates a new pull handle, acquiring the region's reference
// (spec §5: pull-table lock, then handle lock; region lock is independent
// and acquired before the handle lock when the pull uses a region).
func (ep *Endpoint) OpenPull(role PullRole, partner *Partner, regionID int, blockSize int64) (*PullHandle, error) {
	region, ok := ep.Regions.Acquire(regionID)
	if !ok {
		return nil, cmn.NewStatusError(cmn.Invalid, "no such region")
	}
	if blocks := (region.totalLen + blockSize - 1) / blockSize; blocks > 64 {
		ep.Regions.Release(regionID)
		return nil, cmn.NewStatusError(cmn.Invalid, "region spans more than 64 pull blocks")
	}

	ep.pullMu.Lock()
	defer ep.pullMu.Unlock()
	id := ep.nextPullID
	ep.nextPullID++
	h := newPullHandle(id, role, ep, partner, regionID, region, blockSize)
	ep.pullHandles[id] = h
	return h, nil
}

func (ep *Endpoint) LookupPull(id uint32) (*PullHandle, bool) {
	ep.pullMu.Lock()
	defer ep.pullMu.Unlock()
	h, ok := ep.pullHandles[id]
	return h, ok
}

// ClosePull finishes and removes a handle from the table.
func (ep *Endpoint) ClosePull(id uint32, status cmn.Status) {
	ep.pullMu.Lock()
	h, ok := ep.pullHandles[id]
	if ok {
		delete(ep.pullHandles, id)
	}
	ep.pullMu.Unlock()
	if ok {
		h.finish(status)
	}
}

// ForEachPull scans the table for the progression loop (spec §4.6).
func (ep *Endpoint) ForEachPull(fn func(*PullHandle)) {
	ep.pullMu.Lock()
	handles := make([]*PullHandle, 0, len(ep.pullHandles))
	for _, h := range ep.pullHandles {
		handles = append(handles, h)
	}
	ep.pullMu.Unlock()
	for _, h := range handles {
		fn(h)
	}
}

package iface

import (
	"errors"
	"fmt"
	"sync"

	"github.com/teris-io/shortid"

	"github.com/open-mx/openmx/cmn/nlog"
)

var errBackendClosed = errors.New("iface: backend closed")

// Dispatcher receives one raw frame that arrived on interface boardIndex.
// Package core implements this (its Context decodes the wire.Frame and
// routes it to the right message-class handler) - the registry itself
// never looks inside a frame (spec §2: "a single interface receive path
// decodes an opcode and routes").
type Dispatcher interface {
	Dispatch(boardIndex uint8, srcMAC [6]byte, frame []byte)
}

// TeardownHook is invoked synchronously, before a Detach completes, so the
// owner (package core) can forcibly tear down every endpoint on that
// board (spec §3 Interface: "destroyed when detached ... which first
// forcibly tears down its endpoints").
type TeardownHook func(boardIndex uint8)

// Interface is one attached NIC: a board index, its MAC/name, and the
// Backend that moves frames for it. It holds no endpoint state - that is
// core.Board's job.
type Interface struct {
	Index   uint8
	MAC     [6]byte
	name    string
	backend Backend
	loghdr  string
}

func (i *Interface) Name() string   { return i.name }
func (i *Interface) String() string { return i.loghdr }

// Registry maps board indices to attached Interfaces - "Interface table
// lock" in the lock-ordering rule (spec §5: interface table lock before
// interface endpoint-slot lock before endpoint status lock).
type Registry struct {
	mu         sync.Mutex
	byIndex    map[uint8]*Interface
	nextIndex  uint8
	dispatcher Dispatcher
	teardown   TeardownHook
}

func NewRegistry(dispatcher Dispatcher, teardown TeardownHook) *Registry {
	return &Registry{
		byIndex:    make(map[uint8]*Interface),
		dispatcher: dispatcher,
		teardown:   teardown,
	}
}

// Attach registers a new board behind backend and starts its receive path.
// Mirrors omx_init.c's board enumeration (SPEC_FULL.md §3.1).
func (r *Registry) Attach(name string, backend Backend) (*Interface, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ifc := range r.byIndex {
		if ifc.name == name {
			return nil, fmt.Errorf("iface: %q already attached", name)
		}
	}

	idx := r.nextIndex
	r.nextIndex++

	sid, _ := shortid.Generate()
	ifc := &Interface{
		Index:   idx,
		MAC:     backend.MAC(),
		name:    name,
		backend: backend,
		loghdr:  fmt.Sprintf("if[%s:%d/%s]", name, idx, sid),
	}
	r.byIndex[idx] = ifc

	backend.SetRecvHandler(func(srcMAC [6]byte, frame []byte) {
		r.dispatcher.Dispatch(idx, srcMAC, frame)
	})

	nlog.Infoln(ifc.String(), "attached")
	return ifc, nil
}

// Detach forces closure of every endpoint on this board (via TeardownHook),
// then closes the backend and removes the board (spec §3, §7: "Interface
// unregistration forces closure of every endpoint on that interface").
func (r *Registry) Detach(idx uint8) error {
	r.mu.Lock()
	ifc, ok := r.byIndex[idx]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("iface: no board at index %d", idx)
	}
	delete(r.byIndex, idx)
	r.mu.Unlock()

	if r.teardown != nil {
		r.teardown(idx)
	}
	nlog.Infoln(ifc.String(), "detached")
	return ifc.backend.Close()
}

func (r *Registry) Get(idx uint8) (*Interface, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ifc, ok := r.byIndex[idx]
	return ifc, ok
}

func (r *Interface) Send(frame []byte) error { return r.backend.Send(frame) }

// BoardCount and BoardID implement the get_board_count/get_board_id control
// surface (spec §6).
func (r *Registry) BoardCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byIndex)
}

type BoardID struct {
	MAC  [6]byte
	Name string
}

func (r *Registry) BoardID(idx uint8) (BoardID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ifc, ok := r.byIndex[idx]
	if !ok {
		return BoardID{}, fmt.Errorf("iface: no board at index %d", idx)
	}
	return BoardID{MAC: ifc.MAC, Name: ifc.name}, nil
}

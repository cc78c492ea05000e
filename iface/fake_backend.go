package iface

import "sync"

// Bus is an in-memory Ethernet segment connecting FakeBackends by MAC
// address - the test double used throughout core/ and mx/ in place of a
// real NIC (spec §1: per-packet Ethernet framing is out of scope; Bus only
// needs to get bytes from one {src_mac} to one {dst_mac}).
type Bus struct {
	mu    sync.Mutex
	peers map[[6]byte]*FakeBackend
}

func NewBus() *Bus { return &Bus{peers: make(map[[6]byte]*FakeBackend)} }

func (b *Bus) register(fb *FakeBackend) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.peers[fb.mac] = fb
}

func (b *Bus) unregister(fb *FakeBackend) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.peers, fb.mac)
}

// deliver hands frame to dst's receive handler on a fresh goroutine, the way
// a real NIC's interrupt/softirq delivers asynchronously with respect to
// the sender.
func (b *Bus) deliver(src, dst [6]byte, frame []byte) {
	b.mu.Lock()
	peer := b.peers[dst]
	b.mu.Unlock()
	if peer == nil {
		return // no such peer on the segment: dropped, same as an unplugged cable
	}
	peer.mu.Lock()
	handler := peer.handler
	peer.mu.Unlock()
	if handler != nil {
		go handler(src, append([]byte(nil), frame...))
	}
}

// FakeBackend is a Backend bound to one MAC on a Bus, plus a fixed
// destination MAC (every frame sent goes to that one peer - enough to
// model a point-to-point or a broadcast-of-one loopback NIC for tests).
type FakeBackend struct {
	bus     *Bus
	mac     [6]byte
	dstMAC  [6]byte
	name    string
	mu      sync.Mutex
	handler func([6]byte, []byte)
	closed  bool
}

func NewFakeBackend(bus *Bus, name string, mac, dstMAC [6]byte) *FakeBackend {
	fb := &FakeBackend{bus: bus, mac: mac, dstMAC: dstMAC, name: name}
	bus.register(fb)
	return fb
}

func (fb *FakeBackend) MAC() [6]byte { return fb.mac }
func (fb *FakeBackend) Name() string { return fb.name }

func (fb *FakeBackend) Send(frame []byte) error {
	fb.mu.Lock()
	closed := fb.closed
	fb.mu.Unlock()
	if closed {
		return errBackendClosed
	}
	fb.bus.deliver(fb.mac, fb.dstMAC, frame)
	return nil
}

func (fb *FakeBackend) SetRecvHandler(h func([6]byte, []byte)) {
	fb.mu.Lock()
	fb.handler = h
	fb.mu.Unlock()
}

func (fb *FakeBackend) Close() error {
	fb.mu.Lock()
	fb.closed = true
	fb.mu.Unlock()
	fb.bus.unregister(fb)
	return nil
}

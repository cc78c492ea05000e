//go:build linux

package iface

import (
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/open-mx/openmx/cmn/cos"
	"github.com/open-mx/openmx/cmn/nlog"
	"github.com/open-mx/openmx/wire"
)

// RawSocketBackend is a Backend over a Linux AF_PACKET socket bound to a
// real NIC - the production collaborator for Interface.Attach when this
// process runs on the target host rather than under test (SPEC_FULL.md
// §1.2 domain stack: golang.org/x/sys/unix).
type RawSocketBackend struct {
	fd     int
	mac    [6]byte
	name   string
	mu     sync.Mutex
	closed bool
}

// NewRawSocketBackend opens a raw AF_PACKET/SOCK_DGRAM socket on ifname,
// filtered to this protocol's ethertype.
func NewRawSocketBackend(ifname string) (*RawSocketBackend, error) {
	ifi, err := net.InterfaceByName(ifname)
	if err != nil {
		return nil, err
	}
	var mac [6]byte
	copy(mac[:], ifi.HardwareAddr)

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_DGRAM, int(htons(wire.Ethertype)))
	if err != nil {
		return nil, fmt.Errorf("iface: socket: %w", err)
	}
	addr := &unix.SockaddrLinklayer{
		Protocol: htons(wire.Ethertype),
		Ifindex:  ifi.Index,
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("iface: bind %s: %w", ifname, err)
	}
	return &RawSocketBackend{fd: fd, mac: mac, name: ifname}, nil
}

func htons(v uint16) uint16 { return (v << 8) | (v >> 8) }

func (r *RawSocketBackend) MAC() [6]byte { return r.mac }
func (r *RawSocketBackend) Name() string { return r.name }

func (r *RawSocketBackend) Send(frame []byte) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return errBackendClosed
	}
	_, err := unix.Write(r.fd, frame)
	return err
}

func (r *RawSocketBackend) SetRecvHandler(h func(srcMAC [6]byte, frame []byte)) {
	go func() {
		buf := make([]byte, 64*1024)
		for {
			n, from, err := unix.Recvfrom(r.fd, buf, 0)
			if err != nil {
				r.mu.Lock()
				closed := r.closed
				r.mu.Unlock()
				if closed {
					return
				}
				if cos.IsErrTimedOut(err) || cos.IsErrConnectionReset(err) {
					// transient: the wire-level retransmit path covers
					// whatever frame this read would have produced.
					continue
				}
				nlog.WarningDepth(1, "raw recv:", err)
				continue
			}
			var src [6]byte
			if ll, ok := from.(*unix.SockaddrLinklayer); ok {
				copy(src[:], ll.Addr[:6])
			}
			h(src, append([]byte(nil), buf[:n]...))
		}
	}()
}

func (r *RawSocketBackend) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return unix.Close(r.fd)
}

// Package iface maps host NICs to board indices, receives raw frames off
// the wire, and dispatches them by opcode (spec §2 Interface registry, §4
// Interface data model). It knows nothing about endpoints, partners, or
// pull handles - those live in package core, which wraps an iface.Interface
// with its endpoint-slot table (spec Design Note §9: explicit context,
// not a global).
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package iface

// Backend abstracts "how frames move" for one NIC: a fake in-memory bus for
// tests (see fake_backend.go) or a real AF_PACKET socket on Linux (see
// rawsocket_linux.go). Per-packet Ethernet framing below
// {src_mac, dst_mac, ethertype, opcode} is an external collaborator
// (spec §1) - Backend only ever sees/sends the opaque opcode payload.
type Backend interface {
	MAC() [6]byte
	Name() string
	// Send transmits one already-encoded, already-padded frame.
	Send(frame []byte) error
	// SetRecvHandler installs the callback invoked (from the backend's own
	// goroutine) for every frame arriving on this NIC, along with the
	// sender's MAC - core uses it to identify the remote peer (spec §3
	// Partner: "given an acceptable board_addr"); resolving a friendly
	// peer name from that address is the out-of-scope directory lookup
	// (spec §1), not this. Called once, at Attach time.
	SetRecvHandler(func(srcMAC [6]byte, frame []byte))
	Close() error
}

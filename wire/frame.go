package wire

import (
	"encoding/binary"
	"fmt"
)

// Frame is the decoded form of one Ethernet payload. Opcode discriminates
// which of the Tiny/Small/.../Connect fields is populated - a tagged sum,
// not a function-pointer table (spec §9 Dynamic dispatch).
type Frame struct {
	SrcEndpoint uint8
	DstEndpoint uint8
	Opcode      Opcode

	Tiny  TinySmall // also used for OpSmall
	Frag  MediumFrag
	Pull  PullRequest
	Reply PullReply
	Conn  Connect
	Nack  Nack

	Payload []byte // TINY/SMALL/MEDIUM_FRAG/TRUC data; PULL_REPLY data lives in Reply.Payload
}

type TinySmall struct {
	Length    uint16
	LibSeqnum uint16
	MatchInfo uint64
}

type MediumFrag struct {
	TinySmall
	MsgLength    uint32
	FragSeqnum   uint8
	FragPipeline uint8
	FragLength   uint16
	Compressed   bool // set on every fragment when the whole message was lz4-compressed before fragmenting; each fragment carries the next piece of that compressed stream, see SPEC_FULL.md §1.2
}

type PullRequest struct {
	Length        uint32
	PullerRdmaID  uint8
	PullerOffset  uint32
	PulledRdmaID  uint8
	PulledOffset  uint32
	SrcPullHandle uint32
	SrcMagic      uint32
}

type PullReply struct {
	PullerRdmaID uint8
	PullerOffset uint32
	DstHandle    uint32
	DstMagic     uint32
	Length       uint32
	Checksum     uint64 // [SUPPLEMENT] xxhash64 of Payload, see SPEC_FULL.md §4.7
	Payload      []byte
}

type Connect struct {
	Seqnum              uint16
	Length              uint16
	IsReply             bool
	SrcSessionID        uint32
	AppKey              uint32
	ConnectSeqnum       uint32
	TargetSessionID     uint32
	TargetRecvSeqStart  uint32
	StatusCode          uint8
}

// Nack carries NACK_LIB / NACK_MCP payloads: the seqnum being nacked and a
// status code explaining why (spec §7: BAD_ENDPOINT, ENDPOINT_CLOSED, BAD_SESSION).
type Nack struct {
	LibSeqnum  uint16
	StatusCode uint8
}

// ErrShortFrame / ErrLengthMismatch are returned by Decode; receivers treat
// them as silent drops (spec §7), never as cause for endpoint teardown.
var (
	ErrShortFrame     = fmt.Errorf("wire: frame shorter than header")
	ErrLengthMismatch = fmt.Errorf("wire: length field does not match payload")
)

const commonHdrLen = 3 // opcode, src_endpoint, dst_endpoint

// Encode serializes f into a zero-padded, minimum-Ethernet-sized buffer,
// network byte order throughout (spec §4.1, §6).
func Encode(f *Frame) []byte {
	var body []byte
	switch f.Opcode {
	case OpTiny, OpSmall:
		body = encodeTinySmall(&f.Tiny, f.Payload)
	case OpMediumFrag:
		body = encodeMediumFrag(&f.Frag, f.Payload)
	case OpRendezvous:
		body = encodeTinySmall(&f.Tiny, f.Payload)
	case OpNotify:
		body = encodeU16(f.Tiny.LibSeqnum)
	case OpPullRequest:
		body = encodePullRequest(&f.Pull)
	case OpPullReply:
		body = encodePullReply(&f.Reply)
	case OpConnect:
		body = encodeConnect(&f.Conn)
	case OpTruc:
		body = encodeTinySmall(&f.Tiny, f.Payload)
	case OpNackLib, OpNackMcp:
		body = encodeNack(&f.Nack)
	case OpRaw, OpHostQuery, OpHostReply:
		body = append([]byte(nil), f.Payload...)
	}

	out := make([]byte, 0, commonHdrLen+len(body))
	out = append(out, byte(f.Opcode), f.SrcEndpoint, f.DstEndpoint)
	out = append(out, body...)
	if len(out) < MinEthernetFrame {
		pad := make([]byte, MinEthernetFrame-len(out))
		out = append(out, pad...)
	}
	return out
}

// Decode parses a received Ethernet payload into a Frame. Any length
// mismatch or truncation returns an error for the caller to drop silently
// or NACK, per spec §7 - it never panics.
func Decode(buf []byte) (*Frame, error) {
	if len(buf) < commonHdrLen {
		return nil, ErrShortFrame
	}
	f := &Frame{
		Opcode:      Opcode(buf[0]),
		SrcEndpoint: buf[1],
		DstEndpoint: buf[2],
	}
	body := buf[commonHdrLen:]

	var err error
	switch f.Opcode {
	case OpTiny, OpSmall, OpRendezvous, OpTruc:
		err = decodeTinySmall(&f.Tiny, body, &f.Payload)
	case OpMediumFrag:
		err = decodeMediumFrag(&f.Frag, body, &f.Payload)
	case OpNotify:
		if len(body) < 2 {
			return nil, ErrShortFrame
		}
		f.Tiny.LibSeqnum = binary.BigEndian.Uint16(body)
	case OpPullRequest:
		err = decodePullRequest(&f.Pull, body)
	case OpPullReply:
		err = decodePullReply(&f.Reply, body)
	case OpConnect:
		err = decodeConnect(&f.Conn, body)
	case OpNackLib, OpNackMcp:
		err = decodeNack(&f.Nack, body)
	case OpRaw, OpHostQuery, OpHostReply:
		f.Payload = append([]byte(nil), body...)
	default:
		return nil, fmt.Errorf("wire: unknown opcode %d", f.Opcode)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func encodeU16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func encodeTinySmall(ts *TinySmall, payload []byte) []byte {
	b := make([]byte, 12, 12+len(payload))
	binary.BigEndian.PutUint16(b[0:2], ts.Length)
	binary.BigEndian.PutUint16(b[2:4], ts.LibSeqnum)
	binary.BigEndian.PutUint64(b[4:12], ts.MatchInfo)
	return append(b, payload...)
}

func decodeTinySmall(ts *TinySmall, body []byte, payload *[]byte) error {
	if len(body) < 12 {
		return ErrShortFrame
	}
	ts.Length = binary.BigEndian.Uint16(body[0:2])
	ts.LibSeqnum = binary.BigEndian.Uint16(body[2:4])
	ts.MatchInfo = binary.BigEndian.Uint64(body[4:12])
	rest := body[12:]
	if int(ts.Length) > len(rest) {
		return ErrLengthMismatch
	}
	*payload = append([]byte(nil), rest[:ts.Length]...)
	return nil
}

func encodeMediumFrag(mf *MediumFrag, payload []byte) []byte {
	b := encodeTinySmall(&mf.TinySmall, nil)
	tail := make([]byte, 9)
	binary.BigEndian.PutUint32(tail[0:4], mf.MsgLength)
	tail[4] = mf.FragSeqnum
	tail[5] = mf.FragPipeline
	binary.BigEndian.PutUint16(tail[6:8], mf.FragLength)
	if mf.Compressed {
		tail[8] = 1
	}
	b = append(b, tail...)
	return append(b, payload...)
}

func decodeMediumFrag(mf *MediumFrag, body []byte, payload *[]byte) error {
	if len(body) < 21 {
		return ErrShortFrame
	}
	mf.TinySmall.Length = binary.BigEndian.Uint16(body[0:2])
	mf.TinySmall.LibSeqnum = binary.BigEndian.Uint16(body[2:4])
	mf.TinySmall.MatchInfo = binary.BigEndian.Uint64(body[4:12])
	mf.MsgLength = binary.BigEndian.Uint32(body[12:16])
	mf.FragSeqnum = body[16]
	mf.FragPipeline = body[17]
	mf.FragLength = binary.BigEndian.Uint16(body[18:20])
	mf.Compressed = body[20] != 0
	rest := body[21:]
	if int(mf.FragLength) > len(rest) {
		return ErrLengthMismatch
	}
	*payload = append([]byte(nil), rest[:mf.FragLength]...)
	return nil
}

func encodePullRequest(p *PullRequest) []byte {
	b := make([]byte, 4+1+4+1+4+4+4)
	binary.BigEndian.PutUint32(b[0:4], p.Length)
	b[4] = p.PullerRdmaID
	binary.BigEndian.PutUint32(b[5:9], p.PullerOffset)
	b[9] = p.PulledRdmaID
	binary.BigEndian.PutUint32(b[10:14], p.PulledOffset)
	binary.BigEndian.PutUint32(b[14:18], p.SrcPullHandle)
	binary.BigEndian.PutUint32(b[18:22], p.SrcMagic)
	return b
}

func decodePullRequest(p *PullRequest, body []byte) error {
	if len(body) < 22 {
		return ErrShortFrame
	}
	p.Length = binary.BigEndian.Uint32(body[0:4])
	p.PullerRdmaID = body[4]
	p.PullerOffset = binary.BigEndian.Uint32(body[5:9])
	p.PulledRdmaID = body[9]
	p.PulledOffset = binary.BigEndian.Uint32(body[10:14])
	p.SrcPullHandle = binary.BigEndian.Uint32(body[14:18])
	p.SrcMagic = binary.BigEndian.Uint32(body[18:22])
	return nil
}

func encodePullReply(r *PullReply) []byte {
	b := make([]byte, 1+4+4+4+4+8, 25+len(r.Payload))
	b[0] = r.PullerRdmaID
	binary.BigEndian.PutUint32(b[1:5], r.PullerOffset)
	binary.BigEndian.PutUint32(b[5:9], r.DstHandle)
	binary.BigEndian.PutUint32(b[9:13], r.DstMagic)
	binary.BigEndian.PutUint32(b[13:17], r.Length)
	binary.BigEndian.PutUint64(b[17:25], r.Checksum)
	return append(b, r.Payload...)
}

func decodePullReply(r *PullReply, body []byte) error {
	if len(body) < 25 {
		return ErrShortFrame
	}
	r.PullerRdmaID = body[0]
	r.PullerOffset = binary.BigEndian.Uint32(body[1:5])
	r.DstHandle = binary.BigEndian.Uint32(body[5:9])
	r.DstMagic = binary.BigEndian.Uint32(body[9:13])
	r.Length = binary.BigEndian.Uint32(body[13:17])
	r.Checksum = binary.BigEndian.Uint64(body[17:25])
	rest := body[25:]
	if int(r.Length) > len(rest) {
		return ErrLengthMismatch
	}
	r.Payload = append([]byte(nil), rest[:r.Length]...)
	return nil
}

// Connect wire layout: seqnum:u16, length:u16, src_session_id:u32, is_reply:u8,
// then either the request tail {app_key:u32, connect_seqnum:u32} or the
// reply tail {target_session_id:u32, connect_seqnum:u32,
// target_recv_seqnum_start:u32, status_code:u8} (spec §6).
func encodeConnect(c *Connect) []byte {
	const fixed = 2 + 2 + 4 + 1 // seqnum, length, src_session_id, is_reply
	var b []byte
	if c.IsReply {
		b = make([]byte, fixed+4+4+4+1)
	} else {
		b = make([]byte, fixed+4+4)
	}
	binary.BigEndian.PutUint16(b[0:2], c.Seqnum)
	binary.BigEndian.PutUint16(b[2:4], c.Length)
	binary.BigEndian.PutUint32(b[4:8], c.SrcSessionID)
	tail := b[fixed:]
	if c.IsReply {
		b[8] = 1
		binary.BigEndian.PutUint32(tail[0:4], c.TargetSessionID)
		binary.BigEndian.PutUint32(tail[4:8], c.ConnectSeqnum)
		binary.BigEndian.PutUint32(tail[8:12], c.TargetRecvSeqStart)
		tail[12] = c.StatusCode
	} else {
		b[8] = 0
		binary.BigEndian.PutUint32(tail[0:4], c.AppKey)
		binary.BigEndian.PutUint32(tail[4:8], c.ConnectSeqnum)
	}
	return b
}

func decodeConnect(c *Connect, body []byte) error {
	const fixed = 2 + 2 + 4 + 1
	if len(body) < fixed {
		return ErrShortFrame
	}
	c.Seqnum = binary.BigEndian.Uint16(body[0:2])
	c.Length = binary.BigEndian.Uint16(body[2:4])
	c.SrcSessionID = binary.BigEndian.Uint32(body[4:8])
	c.IsReply = body[8] == 1
	tail := body[fixed:]
	if c.IsReply {
		if len(tail) < 13 {
			return ErrShortFrame
		}
		c.TargetSessionID = binary.BigEndian.Uint32(tail[0:4])
		c.ConnectSeqnum = binary.BigEndian.Uint32(tail[4:8])
		c.TargetRecvSeqStart = binary.BigEndian.Uint32(tail[8:12])
		c.StatusCode = tail[12]
	} else {
		if len(tail) < 8 {
			return ErrShortFrame
		}
		c.AppKey = binary.BigEndian.Uint32(tail[0:4])
		c.ConnectSeqnum = binary.BigEndian.Uint32(tail[4:8])
	}
	return nil
}

func encodeNack(n *Nack) []byte {
	b := make([]byte, 3)
	binary.BigEndian.PutUint16(b[0:2], n.LibSeqnum)
	b[2] = n.StatusCode
	return b
}

func decodeNack(n *Nack, body []byte) error {
	if len(body) < 3 {
		return ErrShortFrame
	}
	n.LibSeqnum = binary.BigEndian.Uint16(body[0:2])
	n.StatusCode = body[2]
	return nil
}

package wire

import (
	"bytes"
	"testing"
)

func TestTinyRoundTrip(t *testing.T) {
	f := &Frame{
		SrcEndpoint: 0,
		DstEndpoint: 1,
		Opcode:      OpTiny,
		Tiny: TinySmall{
			Length:    3,
			LibSeqnum: 7,
			MatchInfo: 0x0102030405060708,
		},
		Payload: []byte{0xAA, 0xBB, 0xCC},
	}
	buf := Encode(f)
	if len(buf) < MinEthernetFrame {
		t.Fatalf("frame not padded: %d", len(buf))
	}
	got, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.Opcode != OpTiny || got.SrcEndpoint != 0 || got.DstEndpoint != 1 {
		t.Fatalf("header mismatch: %+v", got)
	}
	if got.Tiny.MatchInfo != f.Tiny.MatchInfo || got.Tiny.LibSeqnum != 7 {
		t.Fatalf("tiny fields mismatch: %+v", got.Tiny)
	}
	if !bytes.Equal(got.Payload, f.Payload) {
		t.Fatalf("payload mismatch: %v vs %v", got.Payload, f.Payload)
	}
}

func TestMediumFragRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0x5A}, 4000)
	f := &Frame{
		SrcEndpoint: 2,
		DstEndpoint: 3,
		Opcode:      OpMediumFrag,
		Frag: MediumFrag{
			TinySmall:    TinySmall{Length: uint16(len(payload)), LibSeqnum: 11},
			MsgLength:    12000,
			FragSeqnum:   1,
			FragPipeline: 0,
			FragLength:   uint16(len(payload)),
		},
		Payload: payload,
	}
	buf := Encode(f)
	got, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.Frag.MsgLength != 12000 || got.Frag.FragSeqnum != 1 {
		t.Fatalf("frag fields mismatch: %+v", got.Frag)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Fatal("medium payload mismatch")
	}
}

func TestPullRequestReplyRoundTrip(t *testing.T) {
	req := &Frame{
		Opcode: OpPullRequest,
		Pull: PullRequest{
			Length:        4096,
			PullerRdmaID:  2,
			PullerOffset:  0,
			PulledRdmaID:  5,
			PulledOffset:  1024,
			SrcPullHandle: 99,
			SrcMagic:      0xDEAD,
		},
	}
	buf := Encode(req)
	got, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.Pull != req.Pull {
		t.Fatalf("pull request mismatch: %+v vs %+v", got.Pull, req.Pull)
	}

	payload := []byte("frame-payload")
	rep := &Frame{
		Opcode: OpPullReply,
		Reply: PullReply{
			PullerRdmaID: 2,
			PullerOffset: 0,
			DstHandle:    99,
			DstMagic:     0xDEAD,
			Length:       uint32(len(payload)),
			Payload:      payload,
		},
	}
	buf = Encode(rep)
	got, err = Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.Reply.DstHandle != 99 || !bytes.Equal(got.Reply.Payload, payload) {
		t.Fatalf("pull reply mismatch: %+v", got.Reply)
	}
}

func TestConnectRequestAndReplyRoundTrip(t *testing.T) {
	req := &Frame{
		Opcode: OpConnect,
		Conn: Connect{
			Seqnum:        4,
			SrcSessionID:  111,
			AppKey:        1,
			ConnectSeqnum: 1,
		},
	}
	buf := Encode(req)
	got, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.Conn.IsReply || got.Conn.AppKey != 1 || got.Conn.SrcSessionID != 111 {
		t.Fatalf("connect request mismatch: %+v", got.Conn)
	}

	rep := &Frame{
		Opcode: OpConnect,
		Conn: Connect{
			Seqnum:             4,
			IsReply:            true,
			SrcSessionID:       222,
			TargetSessionID:    111,
			ConnectSeqnum:      1,
			TargetRecvSeqStart: 0,
			StatusCode:         0,
		},
	}
	buf = Encode(rep)
	got, err = Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Conn.IsReply || got.Conn.TargetSessionID != 111 || got.Conn.SrcSessionID != 222 {
		t.Fatalf("connect reply mismatch: %+v", got.Conn)
	}
}

func TestDecodeShortFrame(t *testing.T) {
	if _, err := Decode([]byte{1, 2}); err != ErrShortFrame {
		t.Fatalf("expected ErrShortFrame, got %v", err)
	}
}

func TestDecodeLengthMismatch(t *testing.T) {
	f := &Frame{Opcode: OpTiny, Tiny: TinySmall{Length: 3}, Payload: []byte{1, 2, 3}}
	buf := Encode(f)
	// corrupt the length field to claim more bytes than are actually present
	buf[3+1] = 0xFF
	if _, err := Decode(buf); err != ErrLengthMismatch {
		t.Fatalf("expected ErrLengthMismatch, got %v", err)
	}
}

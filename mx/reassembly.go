package mx

import (
	"bytes"
	"io"

	"github.com/pierrec/lz4/v3"

	"github.com/open-mx/openmx/wire"
)

// MediumReassembler turns the per-fragment EvRecvMedium events the core
// receive path publishes (spec §4.6: "event per frag... reassembly in user
// space") back into complete messages. The driver does no reassembly at
// all; that is deliberately a library/application concern this package
// supplies on top of the raw per-fragment events (SPEC_FULL.md §4.7-style
// supplement). One reassembler is good for a whole endpoint: it keys
// in-progress messages by (src_endpoint, match_info), so fragments of
// unrelated concurrent MEDIUM sends never mix.
type MediumReassembler struct {
	pending map[mediumKey]*mediumAssembly
}

type mediumKey struct {
	srcEndpoint uint8
	matchInfo   uint64
}

type mediumAssembly struct {
	frags      map[uint8][]byte
	pipeline   uint8
	msgLength  uint32
	compressed bool
}

// NewMediumReassembler returns a reassembler with no in-progress messages.
func NewMediumReassembler() *MediumReassembler {
	return &MediumReassembler{pending: make(map[mediumKey]*mediumAssembly)}
}

// Feed consumes one wire.Event of type EvRecvMedium. It tolerates any
// fragment arrival order (spec §8 scenario 4: "medium reassembly under
// loss"). ok is true once evt completes its message, at which point data is
// the full payload - lz4-decompressed first if the sender compressed it.
func (r *MediumReassembler) Feed(evt *wire.Event) (data []byte, ok bool, err error) {
	key := mediumKey{srcEndpoint: evt.SrcEndpoint, matchInfo: evt.MatchInfo}
	a, exists := r.pending[key]
	if !exists {
		a = &mediumAssembly{
			frags:      make(map[uint8][]byte, evt.FragPipeline),
			pipeline:   evt.FragPipeline,
			msgLength:  evt.MsgLength,
			compressed: evt.Compressed,
		}
		r.pending[key] = a
	}
	a.frags[evt.FragSeqnum] = append([]byte(nil), evt.Data...)
	if a.pipeline == 0 || uint8(len(a.frags)) < a.pipeline {
		return nil, false, nil
	}
	delete(r.pending, key)

	wireBuf := make([]byte, 0, a.msgLength)
	for i := uint8(0); i < a.pipeline; i++ {
		wireBuf = append(wireBuf, a.frags[i]...)
	}
	if !a.compressed {
		return wireBuf, true, nil
	}
	out, err := lz4Decompress(wireBuf, int(a.msgLength))
	if err != nil {
		return nil, true, err
	}
	return out, true, nil
}

func lz4Decompress(src []byte, origLen int) ([]byte, error) {
	zr := lz4.NewReader(bytes.NewReader(src))
	buf := bytes.NewBuffer(make([]byte, 0, origLen))
	if _, err := io.Copy(buf, zr); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

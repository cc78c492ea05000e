package mx_test

import (
	"sync"
	"time"

	"github.com/open-mx/openmx/cmn"
	"github.com/open-mx/openmx/core"
	"github.com/open-mx/openmx/iface"
	"github.com/open-mx/openmx/mx"
	"github.com/open-mx/openmx/wire"
)

// lossyBackend wraps a FakeBackend and silently swallows frames its drop
// predicate accepts, modeling the unreliable Ethernet delivery spec §4.6's
// retransmission logic is built to tolerate.
type lossyBackend struct {
	*iface.FakeBackend
	mu   sync.Mutex
	drop func(frame []byte) bool
}

func (l *lossyBackend) Send(frame []byte) error {
	l.mu.Lock()
	drop := l.drop != nil && l.drop(frame)
	l.mu.Unlock()
	if drop {
		return nil
	}
	return l.FakeBackend.Send(frame)
}

type harness struct {
	bus            *iface.Bus
	ctxA, ctxB     *mx.Context
	boardA, boardB *core.Board
	macA, macB     [6]byte
	cfg            *cmn.Config
}

func newHarness(cfg *cmn.Config) *harness {
	if cfg == nil {
		cfg = cmn.DefaultConfig()
	}
	bus := iface.NewBus()
	macA := [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	macB := [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}

	beA := iface.NewFakeBackend(bus, "ethA", macA, macB)
	beB := iface.NewFakeBackend(bus, "ethB", macB, macA)

	ctxA := mx.NewContext(cfg)
	ctxB := mx.NewContext(cfg)
	boardA, _ := ctxA.AttachBoard("ethA", beA)
	boardB, _ := ctxB.AttachBoard("ethB", beB)
	ctxA.Start()
	ctxB.Start()

	return &harness{bus: bus, ctxA: ctxA, ctxB: ctxB, boardA: boardA, boardB: boardB, macA: macA, macB: macB, cfg: cfg}
}

// newHarnessWithLossB attaches B's backend wrapped in a lossyBackend so
// tests can model frames B sends to A being dropped in flight.
func newHarnessWithLossB(cfg *cmn.Config, drop func(frame []byte) bool) *harness {
	if cfg == nil {
		cfg = cmn.DefaultConfig()
	}
	bus := iface.NewBus()
	macA := [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x03}
	macB := [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x04}

	beA := iface.NewFakeBackend(bus, "ethA", macA, macB)
	rawB := iface.NewFakeBackend(bus, "ethB", macB, macA)
	beB := &lossyBackend{FakeBackend: rawB, drop: drop}

	ctxA := mx.NewContext(cfg)
	ctxB := mx.NewContext(cfg)
	boardA, _ := ctxA.AttachBoard("ethA", beA)
	boardB, _ := ctxB.AttachBoard("ethB", beB)
	ctxA.Start()
	ctxB.Start()

	return &harness{bus: bus, ctxA: ctxA, ctxB: ctxB, boardA: boardA, boardB: boardB, macA: macA, macB: macB, cfg: cfg}
}

// buildMediumFrags encodes payload as a sequence of MEDIUM_FRAG wire
// frames, the same way core.Context.SendMedium does, for tests that need
// to control delivery order directly.
func buildMediumFrags(srcEndpoint, dstEndpoint uint8, partner *core.Partner, matchInfo uint64, payload []byte, fragSize int) [][]byte {
	total := len(payload)
	pipeline := uint8((total + fragSize - 1) / fragSize)
	if pipeline == 0 {
		pipeline = 1
	}
	seq := partner.NextSendSeqnum()
	frames := make([][]byte, 0, pipeline)
	for i := uint8(0); i < pipeline; i++ {
		start := int(i) * fragSize
		end := start + fragSize
		if end > total {
			end = total
		}
		f := &wire.Frame{
			SrcEndpoint: srcEndpoint,
			DstEndpoint: dstEndpoint,
			Opcode:      wire.OpMediumFrag,
			Frag: wire.MediumFrag{
				TinySmall: wire.TinySmall{
					Length:    uint16(end - start),
					LibSeqnum: uint16(seq),
					MatchInfo: matchInfo,
				},
				MsgLength:    uint32(total),
				FragSeqnum:   i,
				FragPipeline: pipeline,
				FragLength:   uint16(end - start),
			},
			Payload: payload[start:end],
		}
		frames = append(frames, wire.Encode(f))
	}
	return frames
}

func (h *harness) stop() {
	h.ctxA.Stop()
	h.ctxB.Stop()
}

func decodeFrame(frame []byte) (*wire.Frame, bool) {
	f, err := wire.Decode(frame)
	if err != nil {
		return nil, false
	}
	return f, true
}

const eventTimeout = 2 * time.Second

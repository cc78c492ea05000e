package cmn

import "time"

// Config carries every tunable duration and size named in spec.md, loaded
// once and passed explicitly (Design Note §9: no package-level global).
type Config struct {
	Sizes      SizeConfig
	Connect    ConnectConfig
	Pull       PullConfig
	Progression ProgressionConfig
}

type SizeConfig struct {
	EndpointMax     int // E: endpoints per interface (default 8)
	PeerMax         int // peer_max: partner table rows
	UserRegionMax   int // OMX_USER_REGION_MAX
	TinyMax         int // TINY_MAX
	SmallMax        int // SMALL_MAX
	RecvqEntrySize  int // RECVQ_ENTRY_SIZE: bound on frag_length
	EventqSlots     int // ring capacity per event queue
	PullReplyMax    int // PULL_REPLY_LENGTH_MAX
	PullReplyPerBlk int // PULL_REPLY_PER_BLOCK

	// CompressMin is the MEDIUM message length at or above which SendMedium lz4-
	// compresses the payload before fragmenting (0 disables compression).
	CompressMin int
}

type ConnectConfig struct {
	ResendDelay     time.Duration
	RetransmitsMax  int
	DefaultTimeout  time.Duration
}

type PullConfig struct {
	ResendDelay    time.Duration
	RetransmitsMax int
}

type ProgressionConfig struct {
	Tick time.Duration
}

// DefaultConfig mirrors the constants named throughout spec.md.
func DefaultConfig() *Config {
	return &Config{
		Sizes: SizeConfig{
			EndpointMax:     8,
			PeerMax:         1024,
			UserRegionMax:   16,
			TinyMax:         32,
			SmallMax:        4096,
			RecvqEntrySize:  32 * 1024,
			EventqSlots:     256,
			PullReplyMax:    32 * 1024,
			PullReplyPerBlk: 8,
			CompressMin:     64 * 1024,
		},
		Connect: ConnectConfig{
			ResendDelay:    200 * time.Millisecond,
			RetransmitsMax: 8,
			DefaultTimeout: 5 * time.Second,
		},
		Pull: PullConfig{
			ResendDelay:    100 * time.Millisecond,
			RetransmitsMax: 16,
		},
		Progression: ProgressionConfig{
			Tick: 20 * time.Millisecond,
		},
	}
}

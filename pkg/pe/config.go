package pe

import (
	"time"

	"github.com/pion/logging"

	"github.com/backkem/midi2ci/pkg/chunk"
	"github.com/backkem/midi2ci/pkg/muid"
	"github.com/backkem/midi2ci/pkg/route"
	"github.com/backkem/midi2ci/pkg/transport"
)

// PeerLookup resolves a peer MUID to the hint the core needs to pick an
// outbound destination and, where known, learn a per-model warm-up
// requirement. Implementations typically wrap a discovery.Registry.
type PeerLookup interface {
	SourceHint(m muid.MUID) transport.Source
	Identity(m muid.MUID) (muid.Identity, bool)
}

// Config configures an Engine. Use NewConfig for a populated default set,
// per the configuration surface enumerated in spec §6.
type Config struct {
	LoggerFactory logging.LoggerFactory

	MaxInflightPerDevice        int
	PETimeout                   time.Duration
	MultiChunkTimeoutMultiplier float64
	RequestIDCooldown           time.Duration
	ChunkAssemblyTimeout        time.Duration
	MaxBodySize                 int
	MaxRetries                  int

	DestinationStrategy route.Strategy
	DestinationCacheTTL time.Duration
	SendStrategy        route.SendStrategy
	WarmUpPolicy        route.WarmUpPolicy
	WarmUpCacheTTL      time.Duration
	WarmUpCacheSize     int
	VendorWarmUpResource route.VendorWarmUpResource

	NotificationBufferSize int

	LocalMUID muid.MUID
	Peers     PeerLookup
}

// NewConfig returns a Config with every field defaulted per spec §6.
func NewConfig() Config {
	return Config{
		LoggerFactory:               logging.NewDefaultLoggerFactory(),
		MaxInflightPerDevice:        2,
		PETimeout:                   5 * time.Second,
		MultiChunkTimeoutMultiplier: 1.5,
		RequestIDCooldown:           chunk.DefaultCooldown,
		ChunkAssemblyTimeout:        chunk.DefaultDeadline,
		MaxBodySize:                 chunk.MaxBodySize,
		MaxRetries:                  2,
		DestinationStrategy:         route.Automatic,
		DestinationCacheTTL:         route.DefaultCacheTTL,
		SendStrategy:                route.Fallback,
		WarmUpPolicy:                route.WarmUpAdaptive,
		WarmUpCacheTTL:              route.DefaultWarmUpCacheTTL,
		WarmUpCacheSize:             route.DefaultWarmUpCacheSize,
		NotificationBufferSize:      100,
	}
}

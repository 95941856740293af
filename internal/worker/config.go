package worker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/roach88/envproc/internal/env"
	"github.com/roach88/envproc/internal/metrics"
	"github.com/roach88/envproc/internal/rendezvous"
	"github.com/roach88/envproc/internal/serde"
	"github.com/roach88/envproc/internal/shm"
	"github.com/roach88/envproc/internal/store"
)

// DefaultBufferSize is the shared-memory data area used when none is set.
const DefaultBufferSize = 1 << 20

// Recorder receives a copy of every frame the worker consumes or publishes.
type Recorder interface {
	Record(ctx context.Context, dir store.Direction, frame []byte) error
}

// Config is everything a worker needs to run one environment.
type Config struct {
	// ProcID identifies the worker. It names the shared-memory link file.
	ProcID string

	// ParentAddr is the coordinator's control-channel address.
	ParentAddr *net.UDPAddr

	// Builder constructs the environment once, after seeding.
	Builder    env.Builder
	EnvOptions env.Options

	// Serde selects one strategy per data kind. It must match the
	// coordinator's configuration exactly.
	Serde serde.TypeConfig

	// Collector, when set, produces state metrics every tick.
	Collector env.MetricsCollector

	// SendState includes the raw environment state in every frame.
	SendState bool

	// FlinksFolder holds the shared-memory link file.
	FlinksFolder string

	// BufferSize is the data-area capacity of the shared-memory region.
	BufferSize int

	// Seed initializes every random source, once.
	Seed int64

	// Render calls the environment's Render hook after every step, then
	// pauses for RenderDelay.
	Render      bool
	RenderDelay time.Duration

	// RecalcAgentIDs re-reads the agent set after every step and sends it
	// with every frame.
	RecalcAgentIDs bool

	// HandshakeTimeout bounds the wait for the coordinator's ack.
	HandshakeTimeout time.Duration

	// Optional collaborators.
	Logger   *slog.Logger
	Recorder Recorder
	Metrics  *metrics.Collector
}

// withDefaults fills zero values.
func (c Config) withDefaults() Config {
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = rendezvous.DefaultTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Serde = c.Serde.WithDefaults()
	return c
}

// validate rejects configurations that cannot work. Everything checked here
// fails before any socket or region exists.
func (c Config) validate() error {
	if err := shm.ValidateIdentity(c.ProcID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.ParentAddr == nil {
		return fmt.Errorf("%w: parent address is required", ErrInvalidConfig)
	}
	if c.Builder == nil {
		return fmt.Errorf("%w: environment builder is required", ErrInvalidConfig)
	}
	if c.FlinksFolder == "" {
		return fmt.Errorf("%w: flinks folder is required", ErrInvalidConfig)
	}
	if c.BufferSize <= shm.FrameOverhead {
		return fmt.Errorf("%w: buffer size %d must exceed %d", ErrInvalidConfig, c.BufferSize, shm.FrameOverhead)
	}
	if c.RenderDelay < 0 {
		return fmt.Errorf("%w: render delay %s is negative", ErrInvalidConfig, c.RenderDelay)
	}
	if c.HandshakeTimeout < 0 {
		return fmt.Errorf("%w: handshake timeout %s is negative", ErrInvalidConfig, c.HandshakeTimeout)
	}
	if c.SendState && c.Serde.State == serde.TypeNone {
		return fmt.Errorf("%w: send_state requires a state strategy other than none", ErrInvalidConfig)
	}
	if c.Collector != nil && c.Serde.StateMetrics == serde.TypeNone {
		return fmt.Errorf("%w: a metrics collector requires a state_metrics strategy other than none", ErrInvalidConfig)
	}
	return nil
}

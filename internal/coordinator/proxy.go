// Package coordinator drives a single worker from the parent side.
//
// A Proxy owns the control socket the worker says hello to, attaches the
// worker's shared-memory region once the worker signals it exists, and then
// exchanges one request and one response per call. Calls must not overlap:
// the transport carries exactly one frame in flight.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/roach88/envproc/internal/ir"
	"github.com/roach88/envproc/internal/protocol"
	"github.com/roach88/envproc/internal/rendezvous"
	"github.com/roach88/envproc/internal/serde"
	"github.com/roach88/envproc/internal/shm"
)

var (
	// ErrNotAttached is returned by calls made before Accept succeeded.
	ErrNotAttached = errors.New("coordinator: worker not attached")

	// ErrStopped is returned by calls made after Stop.
	ErrStopped = errors.New("coordinator: worker stopped")
)

// Config configures one Proxy.
type Config struct {
	// ProcID is the worker's identity; it names the link file.
	ProcID string

	// FlinksFolder is where the worker publishes its link file.
	FlinksFolder string

	// ListenAddr is the control-channel address. Empty binds an ephemeral
	// loopback port; read it back with Addr.
	ListenAddr string

	// Serde must equal the worker's configuration.
	Serde serde.TypeConfig

	// HandshakeTimeout bounds each wait during Accept.
	HandshakeTimeout time.Duration

	Logger *slog.Logger
}

// Proxy is the coordinator's handle on one worker.
type Proxy struct {
	cfg      Config
	log      *slog.Logger
	table    *serde.Table
	listener *rendezvous.Listener

	child   *net.UDPAddr
	region  *shm.Region
	ep      *shm.Endpoint
	agents  []ir.Value
	buf     []byte
	stopped bool
}

// New resolves the serde table and binds the control socket.
func New(cfg Config) (*Proxy, error) {
	if err := shm.ValidateIdentity(cfg.ProcID); err != nil {
		return nil, err
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = rendezvous.DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Serde = cfg.Serde.WithDefaults()

	table, err := serde.Resolve(cfg.Serde)
	if err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}
	l, err := rendezvous.Listen(cfg.ListenAddr)
	if err != nil {
		return nil, err
	}

	return &Proxy{
		cfg:      cfg,
		log:      cfg.Logger.With("proc_id", cfg.ProcID),
		table:    table,
		listener: l,
	}, nil
}

// Addr is the address to hand the worker as its parent.
func (p *Proxy) Addr() *net.UDPAddr {
	return p.listener.Addr()
}

// Agents returns the agent IDs from the most recent frame that carried them.
func (p *Proxy) Agents() []ir.Value {
	return append([]ir.Value(nil), p.agents...)
}

// Accept completes the rendezvous, attaches the region and returns the
// worker's initial observations.
func (p *Proxy) Accept(ctx context.Context) (*protocol.StepRecord, error) {
	child, err := p.listener.Accept(ctx, p.cfg.HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("coordinator: accept: %w", err)
	}
	p.child = child
	p.log.Debug("worker said hello", "addr", child.String())

	if err := p.listener.WaitSync(ctx, child, p.cfg.HandshakeTimeout); err != nil {
		return nil, fmt.Errorf("coordinator: sync: %w", err)
	}

	region, err := shm.Attach(p.cfg.FlinksFolder, p.cfg.ProcID)
	if err != nil {
		return nil, fmt.Errorf("coordinator: attach: %w", err)
	}
	p.region = region
	p.ep = region.Endpoint(shm.RoleCoordinator)

	return p.receive(ctx)
}

// Step sends one action per agent, in Agents order, and returns the result.
func (p *Proxy) Step(ctx context.Context, actions []ir.Value) (*protocol.StepRecord, error) {
	if err := p.send(ctx, protocol.Step(actions...)); err != nil {
		return nil, err
	}
	return p.receive(ctx)
}

// StepByID sends actions keyed by agent ID string. Every current agent must
// have an action.
func (p *Proxy) StepByID(ctx context.Context, actions map[string]ir.Value) (*protocol.StepRecord, error) {
	ordered := make([]ir.Value, len(p.agents))
	for i, id := range p.agents {
		key := AgentKey(id)
		a, ok := actions[key]
		if !ok {
			return nil, fmt.Errorf("%w: no action for agent %s", protocol.ErrAgentCount, key)
		}
		ordered[i] = a
	}
	if len(actions) != len(p.agents) {
		return nil, fmt.Errorf("%w: %d actions for %d agents", protocol.ErrAgentCount, len(actions), len(p.agents))
	}
	return p.Step(ctx, ordered)
}

// Reset restarts the episode and returns the new observations.
func (p *Proxy) Reset(ctx context.Context) (*protocol.StepRecord, error) {
	if err := p.send(ctx, protocol.Reset()); err != nil {
		return nil, err
	}
	return p.receive(ctx)
}

// SetState replaces the environment state and returns the resulting
// observations.
func (p *Proxy) SetState(ctx context.Context, state ir.Value) (*protocol.StepRecord, error) {
	if err := p.send(ctx, protocol.SetState(state)); err != nil {
		return nil, err
	}
	return p.receive(ctx)
}

// Shapes asks the worker for its observation and action spaces.
func (p *Proxy) Shapes(ctx context.Context) (protocol.Shapes, error) {
	if err := p.send(ctx, protocol.ShapesRequest()); err != nil {
		return protocol.Shapes{}, err
	}
	frame, err := p.ep.Consume(ctx)
	if err != nil {
		return protocol.Shapes{}, fmt.Errorf("coordinator: %w", err)
	}
	return protocol.DecodeShapes(p.table, frame)
}

// Stop tells the worker to shut down. The worker sends no response.
func (p *Proxy) Stop(ctx context.Context) error {
	if err := p.send(ctx, protocol.Stop()); err != nil {
		return err
	}
	p.stopped = true
	return nil
}

// Close detaches from the region and releases the control socket.
func (p *Proxy) Close() error {
	var errs []error
	if p.region != nil {
		errs = append(errs, p.region.Close())
	}
	errs = append(errs, p.listener.Close())
	return errors.Join(errs...)
}

func (p *Proxy) send(ctx context.Context, req protocol.Request) error {
	if p.ep == nil {
		return ErrNotAttached
	}
	if p.stopped {
		return ErrStopped
	}
	out, err := protocol.AppendRequest(p.buf[:0], p.table, req)
	if err != nil {
		return fmt.Errorf("coordinator: encode %s: %w", req.Header, err)
	}
	p.buf = out
	if err := p.ep.Publish(ctx, out); err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}
	return nil
}

func (p *Proxy) receive(ctx context.Context) (*protocol.StepRecord, error) {
	frame, err := p.ep.Consume(ctx)
	if err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}
	rec, err := protocol.DecodeStepRecord(p.table, frame, p.agents)
	if err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}
	if rec.IncludeIDs {
		p.agents = rec.AgentIDs()
	}
	return rec, nil
}

// AgentKey renders an agent ID as a map key: strings as-is, everything
// else as canonical JSON with strings left unnormalized.
func AgentKey(id ir.Value) string {
	if s, ok := id.(ir.String); ok {
		return string(s)
	}
	b, err := ir.MarshalExact(id)
	if err != nil {
		return fmt.Sprintf("%v", id)
	}
	return string(b)
}

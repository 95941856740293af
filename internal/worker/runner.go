// Package worker runs one environment inside a worker process.
//
// A Runner performs the rendezvous with its coordinator, seeds the process's
// random sources, builds the environment, resolves the serde table, creates
// the shared-memory region and then loops: consume one request, act on the
// environment, publish one response. The loop is strictly sequential; the
// only suspension points are the handshake and Consume.
//
// Every failure is fatal and returned as a *FatalError. The runner never
// retries.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/roach88/envproc/internal/env"
	"github.com/roach88/envproc/internal/ir"
	"github.com/roach88/envproc/internal/protocol"
	"github.com/roach88/envproc/internal/rendezvous"
	"github.com/roach88/envproc/internal/rng"
	"github.com/roach88/envproc/internal/serde"
	"github.com/roach88/envproc/internal/shm"
	"github.com/roach88/envproc/internal/store"
)

// Runner drives one environment for one coordinator.
// A Runner is single-use: call Run once.
type Runner struct {
	cfg   Config
	log   *slog.Logger
	state atomic.Int32

	conn   *net.UDPConn
	rng    *rng.Context
	env    env.Environment
	table  *serde.Table
	region *shm.Region
	ep     *shm.Endpoint

	agents []ir.Value
	buf    []byte
	ticks  atomic.Int64
}

// New validates cfg and returns a runner in the Uninitialized state.
func New(cfg Config) (*Runner, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	r := &Runner{
		cfg: cfg,
		log: cfg.Logger.With("proc_id", cfg.ProcID),
	}
	r.cfg.Metrics.SetState(StateUninitialized.String())
	return r, nil
}

// State returns the current lifecycle state. Safe to call from any goroutine.
func (r *Runner) State() State {
	return State(r.state.Load())
}

// Ticks returns how many requests the loop has handled.
func (r *Runner) Ticks() int64 {
	return r.ticks.Load()
}

// Run executes the whole lifecycle. It returns nil after a Stop request or
// when ctx is cancelled while waiting for a request, and a *FatalError for
// every other outcome. Resources are released before Run returns.
func (r *Runner) Run(ctx context.Context) error {
	defer r.shutdown()

	r.log.Info("worker starting",
		"parent", r.cfg.ParentAddr.String(),
		"seed", r.cfg.Seed,
		"buffer_size", r.cfg.BufferSize)

	if err := r.handshake(ctx); err != nil {
		return r.fatal(PhaseHandshake, err)
	}

	r.rng = rng.New(r.cfg.Seed)
	if err := r.transition(StateSeeded); err != nil {
		return r.fatal(PhaseBuild, err)
	}

	if err := r.build(); err != nil {
		return r.fatal(PhaseBuild, err)
	}
	if err := r.transition(StateBuilt); err != nil {
		return r.fatal(PhaseBuild, err)
	}

	if err := r.setup(); err != nil {
		return r.fatal(PhaseSetup, err)
	}
	if err := rendezvous.SendByte(r.conn, r.cfg.ParentAddr); err != nil {
		return r.fatal(PhaseSync, err)
	}
	if err := r.transition(StateReady); err != nil {
		return r.fatal(PhaseSetup, err)
	}

	obs, err := r.safeReset()
	if err != nil {
		return r.fatal(PhaseReset, err)
	}
	rec, phase, err := r.observations(obs)
	if err != nil {
		return r.fatal(phase, err)
	}
	if phase, err := r.respond(ctx, rec); err != nil {
		return r.fatal(phase, err)
	}

	r.log.Info("worker ready",
		"agents", len(r.agents),
		"link", r.region.LinkPath(),
		"capacity", r.region.Capacity())

	return r.loop(ctx)
}

func (r *Runner) handshake(ctx context.Context) error {
	conn, err := rendezvous.Bind()
	if err != nil {
		return err
	}
	r.conn = conn
	return rendezvous.Handshake(ctx, conn, r.cfg.ParentAddr, r.cfg.HandshakeTimeout)
}

func (r *Runner) build() (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrBuilderPanic, p)
		}
	}()

	e, err := r.cfg.Builder(r.rng, r.cfg.EnvOptions)
	if err != nil {
		return err
	}
	if e == nil {
		return ErrNilEnvironment
	}
	r.env = e
	return nil
}

func (r *Runner) setup() error {
	table, err := serde.Resolve(r.cfg.Serde)
	if err != nil {
		return err
	}
	r.table = table

	region, err := shm.Create(r.cfg.FlinksFolder, r.cfg.ProcID, r.cfg.BufferSize)
	if err != nil {
		return err
	}
	r.region = region
	r.ep = region.Endpoint(shm.RoleWorker)
	return nil
}

func (r *Runner) loop(ctx context.Context) error {
	for {
		frame, err := r.ep.Consume(ctx)
		if err != nil {
			if ctx.Err() != nil {
				r.log.Info("worker cancelled", "ticks", r.Ticks(), "frames", r.region.Frames())
				return nil
			}
			return r.fatal(PhaseConsume, err)
		}
		r.cfg.Metrics.AddFrame(string(store.DirectionIn), len(frame))
		if err := r.record(ctx, store.DirectionIn, frame); err != nil {
			return r.fatal(PhaseRecord, err)
		}

		req, err := protocol.DecodeRequest(r.table, frame)
		if err != nil {
			return r.fatal(PhaseDecode, err)
		}
		r.ticks.Add(1)

		switch req.Header {
		case protocol.HeaderStop:
			r.cfg.Metrics.IncTick(req.Header.String())
			r.log.Info("worker stopping", "ticks", r.Ticks(), "frames", r.region.Frames())
			return nil
		case protocol.HeaderShapesRequest:
			if phase, err := r.shapes(ctx); err != nil {
				return r.fatal(phase, err)
			}
			r.cfg.Metrics.IncTick(req.Header.String())
		case protocol.HeaderEnvAction:
			start := time.Now()
			if phase, err := r.act(ctx, req.Action); err != nil {
				return r.fatal(phase, err)
			}
			r.cfg.Metrics.IncTick(req.Action.Kind.String())
			r.cfg.Metrics.ObserveStep(req.Action.Kind.String(), time.Since(start))
		}
	}
}

// act handles one EnvAction: Ready -> Stepping -> Ready.
func (r *Runner) act(ctx context.Context, a protocol.EnvAction) (Phase, error) {
	if err := r.transition(StateStepping); err != nil {
		return PhaseStep, err
	}

	var (
		rec   *protocol.StepRecord
		phase Phase
		err   error
	)
	switch a.Kind {
	case protocol.ActionStep:
		rec, phase, err = r.step(a.Actions)
	case protocol.ActionReset:
		var obs []ir.Value
		if obs, err = r.safeReset(); err != nil {
			return PhaseStep, err
		}
		rec, phase, err = r.observations(obs)
	case protocol.ActionSetState:
		setter, ok := r.env.(env.StateSetter)
		if !ok {
			return PhaseStep, ErrSetStateUnsupported
		}
		var obs []ir.Value
		if obs, err = r.safeSetState(setter, a.State); err != nil {
			return PhaseStep, err
		}
		rec, phase, err = r.observations(obs)
	default:
		return PhaseDecode, fmt.Errorf("%w: %s", protocol.ErrUnknownHeader, a.Kind)
	}
	if err != nil {
		return phase, err
	}

	if phase, err := r.respond(ctx, rec); err != nil {
		return phase, err
	}

	if a.Kind == protocol.ActionStep && r.cfg.Render {
		if err := r.render(ctx); err != nil {
			return PhaseStep, err
		}
	}

	if err := r.transition(StateReady); err != nil {
		return PhaseStep, err
	}
	return "", nil
}

func (r *Runner) step(actions []ir.Value) (*protocol.StepRecord, Phase, error) {
	if len(actions) != len(r.agents) {
		return nil, PhaseDecode, fmt.Errorf("%w: %d actions for %d agents", protocol.ErrAgentCount, len(actions), len(r.agents))
	}

	outcomes, err := r.safeStep(actions)
	if err != nil {
		return nil, PhaseStep, err
	}

	if r.cfg.RecalcAgentIDs {
		r.agents = r.env.Agents()
	}
	if len(outcomes) != len(r.agents) {
		return nil, PhaseStep, fmt.Errorf("%w: %d results for %d agents", ErrAgentMismatch, len(outcomes), len(r.agents))
	}

	rec := &protocol.StepRecord{
		Agents:      make([]protocol.AgentData, len(outcomes)),
		IncludeIDs:  r.cfg.RecalcAgentIDs,
		HasStepData: true,
	}
	for i, o := range outcomes {
		rec.Agents[i] = protocol.AgentData{
			ID:         r.agents[i],
			Obs:        o.Obs,
			Reward:     o.Reward,
			Terminated: o.Terminated,
			Truncated:  o.Truncated,
		}
	}

	if r.cfg.Collector != nil || r.cfg.SendState {
		state := r.env.State()
		if r.cfg.Collector != nil {
			rewards := make([]env.AgentReward, len(rec.Agents))
			for i, a := range rec.Agents {
				rewards[i] = env.AgentReward{ID: a.ID, Reward: a.Reward}
			}
			m, err := r.cfg.Collector(state, rewards)
			if err != nil {
				return nil, PhaseCollect, err
			}
			rec.Metrics = m
		}
		if r.cfg.SendState {
			rec.State = state
		}
	}
	return rec, "", nil
}

// observations builds the frame sent after reset or set-state. It always
// carries agent IDs because the agent set may have changed.
func (r *Runner) observations(obs []ir.Value) (*protocol.StepRecord, Phase, error) {
	r.agents = r.env.Agents()
	if len(obs) != len(r.agents) {
		return nil, PhaseReset, fmt.Errorf("%w: %d observations for %d agents", ErrAgentMismatch, len(obs), len(r.agents))
	}

	rec := &protocol.StepRecord{
		Agents:     make([]protocol.AgentData, len(obs)),
		IncludeIDs: true,
	}
	for i := range obs {
		rec.Agents[i] = protocol.AgentData{ID: r.agents[i], Obs: obs[i]}
	}
	if r.cfg.SendState {
		rec.State = r.env.State()
	}
	return rec, "", nil
}

func (r *Runner) shapes(ctx context.Context) (Phase, error) {
	out, err := protocol.AppendShapes(r.buf[:0], r.table, protocol.Shapes{
		ObsSpace:    r.env.ObsSpace(),
		ActionSpace: r.env.ActionSpace(),
	})
	if err != nil {
		return PhaseEncode, err
	}
	r.buf = out
	return r.publish(ctx, out)
}

func (r *Runner) respond(ctx context.Context, rec *protocol.StepRecord) (Phase, error) {
	out, err := protocol.AppendStepRecord(r.buf[:0], r.table, rec)
	if err != nil {
		return PhaseEncode, err
	}
	r.buf = out
	return r.publish(ctx, out)
}

func (r *Runner) publish(ctx context.Context, frame []byte) (Phase, error) {
	if err := r.ep.Publish(ctx, frame); err != nil {
		return PhasePublish, err
	}
	r.cfg.Metrics.AddFrame(string(store.DirectionOut), len(frame))
	if err := r.record(ctx, store.DirectionOut, frame); err != nil {
		return PhaseRecord, err
	}
	return "", nil
}

func (r *Runner) record(ctx context.Context, dir store.Direction, frame []byte) error {
	if r.cfg.Recorder == nil {
		return nil
	}
	return r.cfg.Recorder.Record(ctx, dir, frame)
}

func (r *Runner) render(ctx context.Context) error {
	if rd, ok := r.env.(env.Renderer); ok {
		if err := rd.Render(); err != nil {
			// Rendering is cosmetic.
			r.log.Warn("render failed", "error", err)
		}
	}
	if r.cfg.RenderDelay <= 0 {
		return nil
	}
	t := time.NewTimer(r.cfg.RenderDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (r *Runner) safeReset() (obs []ir.Value, err error) {
	defer recoverEnv(&err)
	return r.env.Reset()
}

func (r *Runner) safeStep(actions []ir.Value) (out []env.Outcome, err error) {
	defer recoverEnv(&err)
	return r.env.Step(actions)
}

func (r *Runner) safeSetState(s env.StateSetter, state ir.Value) (obs []ir.Value, err error) {
	defer recoverEnv(&err)
	return s.SetState(state)
}

func recoverEnv(err *error) {
	if p := recover(); p != nil {
		*err = fmt.Errorf("%w: %v", ErrBuilderPanic, p)
	}
}

func (r *Runner) transition(to State) error {
	from := r.State()
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	r.state.Store(int32(to))
	r.cfg.Metrics.SetState(to.String())
	r.log.Debug("state transition", "from", from.String(), "to", to.String())
	return nil
}

func (r *Runner) fatal(phase Phase, err error) error {
	r.cfg.Metrics.IncFatal(string(phase))
	r.log.Error("worker fatal error", "phase", string(phase), "error", err)
	return &FatalError{Phase: phase, ProcID: r.cfg.ProcID, Err: err}
}

// shutdown releases the region (removing its link file), the control
// socket and the environment. It runs exactly once, from Run.
func (r *Runner) shutdown() {
	var errs []error
	if r.region != nil {
		errs = append(errs, r.region.Close())
	}
	if r.conn != nil {
		errs = append(errs, r.conn.Close())
	}
	if c, ok := r.env.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if err := errors.Join(errs...); err != nil {
		r.log.Warn("worker shutdown", "error", err)
	}

	from := r.State()
	r.state.Store(int32(StateShutdown))
	r.cfg.Metrics.SetState(StateShutdown.String())
	r.log.Debug("state transition", "from", from.String(), "to", StateShutdown.String())
}

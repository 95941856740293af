package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	"github.com/roach88/envproc/internal/coordinator"
	"github.com/roach88/envproc/internal/env"
	"github.com/roach88/envproc/internal/ir"
	"github.com/roach88/envproc/internal/protocol"
	"github.com/roach88/envproc/internal/worker"
)

// procID is the identity every scenario worker uses. Each run gets its own
// flinks folder, so runs never collide.
const procID = "scenario"

// Harness runs scenarios with an in-process worker and coordinator proxy.
type Harness struct {
	registry *env.Registry
	logger   *slog.Logger
	timeout  time.Duration
	recorder worker.Recorder
}

// Option configures a Harness.
type Option func(*Harness)

// WithRegistry resolves environment and collector names against reg.
func WithRegistry(reg *env.Registry) Option {
	return func(h *Harness) { h.registry = reg }
}

// WithLogger sends worker and proxy logs to l.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// WithHandshakeTimeout bounds each rendezvous wait.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(h *Harness) { h.timeout = d }
}

// WithRecorder attaches a frame recorder to the worker.
func WithRecorder(r worker.Recorder) Option {
	return func(h *Harness) { h.recorder = r }
}

// New creates a harness. By default it uses the built-in environments,
// discards logs and waits up to 10s for the rendezvous.
func New(opts ...Option) *Harness {
	h := &Harness{
		registry: env.Default(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		timeout:  10 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run executes a scenario with a default harness.
func Run(ctx context.Context, s *Scenario) (*Result, error) {
	return New().Run(ctx, s)
}

// Run executes a scenario and returns the result.
//
// Execution flow:
// 1. Create a fresh flinks folder and bind the proxy
// 2. Start the worker in a goroutine
// 3. Accept, then send every step, checking expectations
// 4. Stop the worker, or collect its fatal error
// 5. Evaluate assertions and digest the trace
//
// The returned error reports problems with the scenario or the harness
// itself. Worker failures are recorded in Result.Fatal instead.
func (h *Harness) Run(ctx context.Context, s *Scenario) (*Result, error) {
	builder, err := h.registry.Builder(s.Env)
	if err != nil {
		return nil, err
	}
	var collector env.MetricsCollector
	if s.MetricsCollector != "" {
		if collector, err = h.registry.Collector(s.MetricsCollector); err != nil {
			return nil, err
		}
	}
	opts, err := toObject(s.EnvOptions)
	if err != nil {
		return nil, fmt.Errorf("env_options: %w", err)
	}

	folder, err := os.MkdirTemp("", "envproc-scenario-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(folder)

	coordSerde := s.Serde
	if s.CoordinatorSerde != nil {
		coordSerde = *s.CoordinatorSerde
	}
	proxy, err := coordinator.New(coordinator.Config{
		ProcID:           procID,
		FlinksFolder:     folder,
		Serde:            coordSerde,
		HandshakeTimeout: h.timeout,
		Logger:           h.logger,
	})
	if err != nil {
		return nil, err
	}
	defer proxy.Close()

	runner, err := worker.New(worker.Config{
		ProcID:           procID,
		ParentAddr:       proxy.Addr(),
		Builder:          builder,
		EnvOptions:       opts,
		Serde:            s.Serde,
		Collector:        collector,
		SendState:        s.SendState,
		FlinksFolder:     folder,
		BufferSize:       s.BufferSize,
		Seed:             s.Seed,
		RecalcAgentIDs:   s.RecalcAgentIDs,
		HandshakeTimeout: h.timeout,
		Logger:           h.logger,
		Recorder:         h.recorder,
	})
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		err := runner.Run(runCtx)
		// Unblocks a proxy still waiting on a worker that died early.
		cancel()
		done <- err
	}()

	result := NewResult()
	driveErr := h.drive(runCtx, s, proxy, result)
	if driveErr != nil {
		cancel()
	}
	workerErr := <-done

	var fe *worker.FatalError
	switch {
	case errors.As(workerErr, &fe):
		result.Fatal = &Fatal{Phase: string(fe.Phase), Message: fe.Error()}
	case workerErr != nil:
		return nil, workerErr
	case driveErr != nil:
		return nil, fmt.Errorf("harness: %w", driveErr)
	}

	checkFatal(s, result)
	for _, msg := range EvaluateAssertions(result, s.Assertions) {
		result.AddError(msg)
	}

	digest, err := ir.TraceDigest(Snapshot(s, result))
	if err != nil {
		return nil, err
	}
	result.Digest = digest

	h.logger.Info("scenario finished",
		"scenario", s.Name,
		"events", len(result.Trace),
		"pass", result.Pass,
		"digest", digest)
	return result, nil
}

// drive sends every request. It stops at the first transport or protocol
// error; expectation failures are recorded and do not stop the session.
func (h *Harness) drive(ctx context.Context, s *Scenario, proxy *coordinator.Proxy, result *Result) error {
	initial, err := proxy.Accept(ctx)
	if err != nil {
		return err
	}
	result.addRecord(OpInitial, nil, nil, initial)

	for i, step := range s.Steps {
		var rec *protocol.StepRecord
		switch step.op() {
		case OpStep:
			actions, err := toValues(step.Step)
			if err != nil {
				return fmt.Errorf("steps[%d]: %w", i, err)
			}
			n := max(step.Repeat, 1)
			for range n {
				if rec, err = proxy.Step(ctx, actions); err != nil {
					return fmt.Errorf("steps[%d]: %w", i, err)
				}
				result.addRecord(OpStep, actions, nil, rec)
			}
		case OpReset:
			if rec, err = proxy.Reset(ctx); err != nil {
				return fmt.Errorf("steps[%d]: %w", i, err)
			}
			result.addRecord(OpReset, nil, nil, rec)
		case OpSetState:
			state, err := ir.FromGo(step.SetState)
			if err != nil {
				return fmt.Errorf("steps[%d]: set_state: %w", i, err)
			}
			if rec, err = proxy.SetState(ctx, state); err != nil {
				return fmt.Errorf("steps[%d]: %w", i, err)
			}
			result.addRecord(OpSetState, nil, state, rec)
		case OpShapes:
			shapes, err := proxy.Shapes(ctx)
			if err != nil {
				return fmt.Errorf("steps[%d]: %w", i, err)
			}
			result.add(TraceEvent{Op: OpShapes, ObsSpace: shapes.ObsSpace, ActionSpace: shapes.ActionSpace})
		}

		if step.Expect != nil && rec != nil {
			for _, msg := range checkExpect(step.Expect, rec) {
				result.AddError(fmt.Sprintf("steps[%d]: %s", i, msg))
			}
		}
	}

	if err := proxy.Stop(ctx); err != nil {
		return err
	}
	result.add(TraceEvent{Op: OpStop})
	return nil
}

// checkFatal compares the worker's exit with the scenario's expectation.
func checkFatal(s *Scenario, result *Result) {
	want, got := s.ExpectFatal, result.Fatal
	switch {
	case want == nil && got != nil:
		result.AddError(fmt.Sprintf("unexpected fatal error: %s", got.Message))
	case want != nil && got == nil:
		result.AddError(fmt.Sprintf("expected fatal %s error, worker stopped cleanly", want.Phase))
	case want != nil && got != nil:
		if want.Phase != got.Phase {
			result.AddError(fmt.Sprintf("expected fatal %s error, got %s: %s", want.Phase, got.Phase, got.Message))
		}
		if want.Contains != "" && !strings.Contains(got.Message, want.Contains) {
			result.AddError(fmt.Sprintf("fatal error %q does not contain %q", got.Message, want.Contains))
		}
	}
}

// checkExpect returns one message per mismatched field.
func checkExpect(exp *ExpectClause, rec *protocol.StepRecord) []string {
	var errs []string

	compare := func(field string, want []any, get func(protocol.AgentData) ir.Value) {
		if want == nil {
			return
		}
		if len(want) != len(rec.Agents) {
			errs = append(errs, fmt.Sprintf("%s: expected %d values, got %d agents", field, len(want), len(rec.Agents)))
			return
		}
		for i, w := range want {
			wv, err := ir.FromGo(w)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s[%d]: %v", field, i, err))
				continue
			}
			if got := get(rec.Agents[i]); !ir.Equal(wv, got) {
				errs = append(errs, fmt.Sprintf("%s[%d]: expected %s, got %s", field, i, render(wv), render(got)))
			}
		}
	}
	compareBools := func(field string, want []bool, get func(protocol.AgentData) bool) {
		if want == nil {
			return
		}
		vals := make([]any, len(want))
		for i, b := range want {
			vals[i] = b
		}
		compare(field, vals, func(a protocol.AgentData) ir.Value { return ir.Bool(get(a)) })
	}

	compare("agents", exp.Agents, func(a protocol.AgentData) ir.Value { return a.ID })
	compare("obs", exp.Obs, func(a protocol.AgentData) ir.Value { return a.Obs })
	if exp.Rewards != nil || exp.Terminated != nil || exp.Truncated != nil {
		if !rec.HasStepData {
			return append(errs, "rewards and done flags expected, response carries no step data")
		}
	}
	compare("rewards", exp.Rewards, func(a protocol.AgentData) ir.Value { return a.Reward })
	compareBools("terminated", exp.Terminated, func(a protocol.AgentData) bool { return a.Terminated })
	compareBools("truncated", exp.Truncated, func(a protocol.AgentData) bool { return a.Truncated })

	if exp.State != nil {
		want, err := ir.FromGo(exp.State)
		switch {
		case err != nil:
			errs = append(errs, fmt.Sprintf("state: %v", err))
		case rec.State == nil:
			errs = append(errs, "state: response carries no state")
		case !ir.Equal(want, rec.State):
			errs = append(errs, fmt.Sprintf("state: expected %s, got %s", render(want), render(rec.State)))
		}
	}
	return errs
}

func toValues(raw []any) ([]ir.Value, error) {
	out := make([]ir.Value, len(raw))
	for i, r := range raw {
		v, err := ir.FromGo(r)
		if err != nil {
			return nil, fmt.Errorf("action[%d]: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

func toObject(raw map[string]any) (env.Options, error) {
	if len(raw) == 0 {
		return env.Options{}, nil
	}
	v, err := ir.FromGo(raw)
	if err != nil {
		return nil, err
	}
	return v.(ir.Object), nil
}

// render formats a value for messages as canonical JSON.
func render(v ir.Value) string {
	if v == nil {
		return "<none>"
	}
	b, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// numeric extracts a reward as float64.
func numeric(v ir.Value) (float64, bool) {
	switch n := v.(type) {
	case ir.Float:
		return float64(n), true
	case ir.Int:
		return float64(n), true
	}
	return math.NaN(), false
}

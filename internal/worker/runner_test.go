package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/envproc/internal/coordinator"
	"github.com/roach88/envproc/internal/env"
	"github.com/roach88/envproc/internal/ir"
	"github.com/roach88/envproc/internal/protocol"
	"github.com/roach88/envproc/internal/rendezvous"
	"github.com/roach88/envproc/internal/rng"
	"github.com/roach88/envproc/internal/serde"
	"github.com/roach88/envproc/internal/shm"
	"github.com/roach88/envproc/internal/store"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// pair is a worker running in a goroutine plus the proxy driving it.
type pair struct {
	proxy    *coordinator.Proxy
	runner   *Runner
	folder   string
	finished chan struct{}
	err      error
}

// startPair fills in the addressing fields of cfg, starts the worker and
// returns once the proxy is created. Call Accept on the proxy to complete
// startup.
func startPair(t *testing.T, cfg Config, proxySerde serde.TypeConfig) *pair {
	t.Helper()

	if cfg.ProcID == "" {
		cfg.ProcID = "worker-0"
	}
	if cfg.FlinksFolder == "" {
		cfg.FlinksFolder = t.TempDir()
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = quietLogger
	}

	proxy, err := coordinator.New(coordinator.Config{
		ProcID:           cfg.ProcID,
		FlinksFolder:     cfg.FlinksFolder,
		Serde:            proxySerde,
		HandshakeTimeout: 5 * time.Second,
		Logger:           quietLogger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { proxy.Close() })

	cfg.ParentAddr = proxy.Addr()
	runner, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	p := &pair{proxy: proxy, runner: runner, folder: cfg.FlinksFolder, finished: make(chan struct{})}
	go func() {
		p.err = runner.Run(ctx)
		close(p.finished)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-p.finished:
		case <-time.After(5 * time.Second):
		}
	})
	return p
}

func (p *pair) wait(t *testing.T) error {
	t.Helper()
	select {
	case <-p.finished:
		return p.err
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit")
		return nil
	}
}

func TestRunner_StopLogsFrameCount(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	p := startPair(t, Config{Builder: env.NewConstant, Logger: logger}, serde.DefaultTypeConfig())
	ctx := context.Background()

	_, err := p.proxy.Accept(ctx)
	require.NoError(t, err)
	_, err = p.proxy.Step(ctx, []ir.Value{ir.Int(0)})
	require.NoError(t, err)
	require.NoError(t, p.proxy.Stop(ctx))
	require.NoError(t, p.wait(t))

	var stopping map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(logs.Bytes()), []byte("\n")) {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(line, &entry))
		if entry["msg"] == "worker stopping" {
			stopping = entry
		}
	}
	require.NotNil(t, stopping, "no stop log line in %s", logs.String())
	// initial observations, step request, step response, stop
	assert.Equal(t, float64(4), stopping["frames"])
	assert.Equal(t, float64(2), stopping["ticks"])
}

func TestRunner_ConstantEnvEndToEnd(t *testing.T) {
	p := startPair(t, Config{Builder: env.NewConstant, Seed: 42}, serde.DefaultTypeConfig())
	ctx := context.Background()

	initial, err := p.proxy.Accept(ctx)
	require.NoError(t, err)
	assert.True(t, initial.IncludeIDs)
	assert.False(t, initial.HasStepData)
	require.Len(t, initial.Agents, 1)
	assert.True(t, ir.Equal(ir.String("agent_0"), initial.Agents[0].ID))
	assert.True(t, ir.Equal(ir.Int(0), initial.Agents[0].Obs))
	assert.Nil(t, initial.State)
	assert.Equal(t, StateReady, p.runner.State())

	rec, err := p.proxy.StepByID(ctx, map[string]ir.Value{"agent_0": ir.Int(0)})
	require.NoError(t, err)
	assert.False(t, rec.IncludeIDs)
	assert.True(t, rec.HasStepData)
	require.Len(t, rec.Agents, 1)
	a := rec.Agents[0]
	assert.True(t, ir.Equal(ir.String("agent_0"), a.ID))
	assert.True(t, ir.Equal(ir.Int(1), a.Obs))
	assert.True(t, ir.Equal(ir.Float(1.0), a.Reward))
	assert.False(t, a.Terminated)
	assert.False(t, a.Truncated)
	assert.Nil(t, rec.Metrics)
	assert.Nil(t, rec.State)

	link := shm.LinkPath(p.folder, "worker-0")
	assert.FileExists(t, link)

	require.NoError(t, p.proxy.Stop(ctx))
	require.NoError(t, p.wait(t))
	assert.Equal(t, StateShutdown, p.runner.State())
	assert.Equal(t, int64(2), p.runner.Ticks())
	assert.NoFileExists(t, link)

	_, err = p.proxy.Step(ctx, []ir.Value{ir.Int(0)})
	assert.ErrorIs(t, err, coordinator.ErrStopped)
}

func TestRunner_SendStateIncludesPostStepState(t *testing.T) {
	p := startPair(t, Config{Builder: env.NewConstant, Seed: 42, SendState: true}, serde.DefaultTypeConfig())
	ctx := context.Background()

	initial, err := p.proxy.Accept(ctx)
	require.NoError(t, err)
	assert.True(t, ir.Equal(ir.Object{"steps": ir.Int(0)}, initial.State))

	rec, err := p.proxy.Step(ctx, []ir.Value{ir.Int(0)})
	require.NoError(t, err)
	assert.True(t, ir.Equal(ir.Object{"steps": ir.Int(1)}, rec.State))
	assert.True(t, ir.Equal(ir.Float(1.0), rec.Agents[0].Reward))

	require.NoError(t, p.proxy.Stop(ctx))
	require.NoError(t, p.wait(t))
}

func TestRunner_CapacityOverflowOnFirstPublish(t *testing.T) {
	p := startPair(t, Config{Builder: env.NewConstant, Seed: 42, BufferSize: 16}, serde.DefaultTypeConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, acceptErr := p.proxy.Accept(ctx)

	err := p.wait(t)
	require.Error(t, err)
	var fe *FatalError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, PhasePublish, fe.Phase)
	assert.Equal(t, "worker-0", fe.ProcID)
	assert.ErrorIs(t, err, shm.ErrCapacityExceeded)
	assert.True(t, IsProtocolError(err))
	assert.False(t, IsStartupError(err))

	// The coordinator never sees a partial frame.
	assert.Error(t, acceptErr)
	assert.NoFileExists(t, shm.LinkPath(p.folder, "worker-0"))
}

func TestRunner_DeterministicAcrossRuns(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "frames.db"))
	require.NoError(t, err)
	defer db.Close()

	actions := []int64{0, 1, 1, 0, 1, 0, 0, 1, 1, 1}

	run := func(runID string) []ir.Value {
		rec, err := db.BeginRun(context.Background(), store.Run{ID: runID, ProcID: "worker-0", Env: "cartpole", Seed: 7})
		require.NoError(t, err)

		p := startPair(t, Config{Builder: env.NewCartPole, Seed: 7, Recorder: rec}, serde.DefaultTypeConfig())
		ctx := context.Background()

		initial, err := p.proxy.Accept(ctx)
		require.NoError(t, err)
		trace := []ir.Value{initial.Agents[0].Obs}
		for _, a := range actions {
			out, err := p.proxy.Step(ctx, []ir.Value{ir.Int(a)})
			require.NoError(t, err)
			trace = append(trace, out.Agents[0].Obs, out.Agents[0].Reward)
		}
		require.NoError(t, p.proxy.Stop(ctx))
		require.NoError(t, p.wait(t))
		return trace
	}

	a := run("run-a")
	b := run("run-b")
	require.Len(t, b, len(a))
	for i := range a {
		assert.True(t, ir.Equal(a[i], b[i]), "index %d", i)
	}

	frames, err := db.ReadFrames(context.Background(), "run-a")
	require.NoError(t, err)
	// initial + (in, out) per step + stop
	assert.Len(t, frames, 1+2*len(actions)+1)

	d, err := db.CompareRuns(context.Background(), "run-a", "run-b")
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestRunner_DifferentSeedsDiverge(t *testing.T) {
	first := func(seed int64) ir.Value {
		p := startPair(t, Config{Builder: env.NewCartPole, Seed: seed}, serde.DefaultTypeConfig())
		initial, err := p.proxy.Accept(context.Background())
		require.NoError(t, err)
		require.NoError(t, p.proxy.Stop(context.Background()))
		require.NoError(t, p.wait(t))
		return initial.Agents[0].Obs
	}
	assert.False(t, ir.Equal(first(1), first(2)))
}

func TestRunner_ResetSetStateAndShapes(t *testing.T) {
	p := startPair(t, Config{Builder: env.NewConstant, Seed: 1}, serde.DefaultTypeConfig())
	ctx := context.Background()

	_, err := p.proxy.Accept(ctx)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := p.proxy.Step(ctx, []ir.Value{ir.Null{}})
		require.NoError(t, err)
	}

	rec, err := p.proxy.Reset(ctx)
	require.NoError(t, err)
	assert.True(t, rec.IncludeIDs)
	assert.False(t, rec.HasStepData)
	assert.True(t, ir.Equal(ir.Int(0), rec.Agents[0].Obs))

	rec, err = p.proxy.SetState(ctx, ir.Object{"steps": ir.Int(10)})
	require.NoError(t, err)
	assert.True(t, ir.Equal(ir.Int(10), rec.Agents[0].Obs))

	rec, err = p.proxy.Step(ctx, []ir.Value{ir.Null{}})
	require.NoError(t, err)
	assert.True(t, ir.Equal(ir.Int(11), rec.Agents[0].Obs))

	shapes, err := p.proxy.Shapes(ctx)
	require.NoError(t, err)
	assert.True(t, ir.Equal(ir.Object{"type": ir.String("counter")}, shapes.ObsSpace))
	assert.True(t, ir.Equal(ir.Object{"type": ir.String("any")}, shapes.ActionSpace))

	require.NoError(t, p.proxy.Stop(ctx))
	require.NoError(t, p.wait(t))
}

func TestRunner_RecalcAgentIDsSendsIDsEveryFrame(t *testing.T) {
	cfg := Config{
		Builder:        env.NewConstant,
		EnvOptions:     ir.Object{"agents": ir.Int(2)},
		RecalcAgentIDs: true,
	}
	p := startPair(t, cfg, serde.DefaultTypeConfig())
	ctx := context.Background()

	_, err := p.proxy.Accept(ctx)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		rec, err := p.proxy.Step(ctx, []ir.Value{ir.Int(0), ir.Int(1)})
		require.NoError(t, err)
		assert.True(t, rec.IncludeIDs)
		assert.True(t, rec.Flags().Has(protocol.FlagAgentIDs))
		assert.Equal(t, []string{"agent_0", "agent_1"}, keys(rec.AgentIDs()))
	}

	require.NoError(t, p.proxy.Stop(ctx))
	require.NoError(t, p.wait(t))
}

func TestRunner_CollectorAddsMetrics(t *testing.T) {
	cfg := Config{
		Builder:    env.NewConstant,
		EnvOptions: ir.Object{"agents": ir.Int(2), "reward": ir.Float(0.5)},
		Collector:  env.RewardSummary,
		SendState:  true,
	}
	p := startPair(t, cfg, serde.DefaultTypeConfig())
	ctx := context.Background()

	initial, err := p.proxy.Accept(ctx)
	require.NoError(t, err)
	assert.Nil(t, initial.Metrics)

	rec, err := p.proxy.Step(ctx, []ir.Value{ir.Int(0), ir.Int(0)})
	require.NoError(t, err)
	want := ir.Object{
		"count": ir.Int(2),
		"sum":   ir.Float(1),
		"mean":  ir.Float(0.5),
		"min":   ir.Float(0.5),
		"max":   ir.Float(0.5),
	}
	assert.True(t, ir.Equal(want, rec.Metrics), "metrics %v", rec.Metrics)
	assert.True(t, rec.Flags().Has(protocol.FlagMetrics|protocol.FlagState))

	require.NoError(t, p.proxy.Stop(ctx))
	require.NoError(t, p.wait(t))
}

func TestRunner_TypedSerde(t *testing.T) {
	typed := serde.TypeConfig{
		AgentID:      serde.TypeString,
		Action:       serde.TypeInt,
		Obs:          serde.TypeFloatArray,
		Reward:       serde.TypeFloat,
		ObsSpace:     serde.TypeJSON,
		ActionSpace:  serde.TypeJSON,
		State:        serde.TypeNone,
		StateMetrics: serde.TypeNone,
	}
	p := startPair(t, Config{Builder: env.NewCartPole, Seed: 3, Serde: typed}, typed)
	ctx := context.Background()

	initial, err := p.proxy.Accept(ctx)
	require.NoError(t, err)
	obs, ok := initial.Agents[0].Obs.(ir.Array)
	require.True(t, ok)
	assert.Len(t, obs, 4)

	rec, err := p.proxy.Step(ctx, []ir.Value{ir.Int(1)})
	require.NoError(t, err)
	assert.True(t, ir.Equal(ir.Float(1), rec.Agents[0].Reward))

	shapes, err := p.proxy.Shapes(ctx)
	require.NoError(t, err)
	assert.True(t, ir.Equal(ir.Int(2), shapes.ActionSpace.(ir.Object)["n"]))

	require.NoError(t, p.proxy.Stop(ctx))
	require.NoError(t, p.wait(t))
}

func TestRunner_SerdeMismatchIsFatal(t *testing.T) {
	proxySerde := serde.DefaultTypeConfig()
	proxySerde.Action = serde.TypeInt

	p := startPair(t, Config{Builder: env.NewConstant}, proxySerde)
	ctx := context.Background()

	_, err := p.proxy.Accept(ctx)
	require.NoError(t, err)

	_, err = p.proxy.Step(ctx, []ir.Value{ir.Int(0)})
	assert.Error(t, err)

	werr := p.wait(t)
	var fe *FatalError
	require.True(t, errors.As(werr, &fe))
	assert.Equal(t, PhaseDecode, fe.Phase)
	assert.True(t, IsProtocolError(werr))
}

func TestRunner_ActionCountMismatchIsFatal(t *testing.T) {
	p := startPair(t, Config{Builder: env.NewConstant}, serde.DefaultTypeConfig())
	ctx := context.Background()

	_, err := p.proxy.Accept(ctx)
	require.NoError(t, err)

	_, err = p.proxy.Step(ctx, []ir.Value{ir.Int(0), ir.Int(1)})
	assert.ErrorIs(t, err, shm.ErrClosed)

	werr := p.wait(t)
	assert.ErrorIs(t, werr, protocol.ErrAgentCount)
	assert.True(t, IsProtocolError(werr))
}

func TestRunner_SetStateUnsupported(t *testing.T) {
	p := startPair(t, Config{Builder: newStubEnv}, serde.DefaultTypeConfig())
	ctx := context.Background()

	_, err := p.proxy.Accept(ctx)
	require.NoError(t, err)

	_, err = p.proxy.SetState(ctx, ir.Null{})
	assert.Error(t, err)
	assert.ErrorIs(t, p.wait(t), ErrSetStateUnsupported)
}

func TestRunner_StepPanicIsFatal(t *testing.T) {
	p := startPair(t, Config{Builder: newStubEnv}, serde.DefaultTypeConfig())
	ctx := context.Background()

	_, err := p.proxy.Accept(ctx)
	require.NoError(t, err)

	_, err = p.proxy.Step(ctx, []ir.Value{ir.String("panic")})
	assert.Error(t, err)

	werr := p.wait(t)
	assert.ErrorIs(t, werr, ErrBuilderPanic)
	var fe *FatalError
	require.True(t, errors.As(werr, &fe))
	assert.Equal(t, PhaseStep, fe.Phase)
}

func TestRunner_RenderCallsHookAndDelays(t *testing.T) {
	var built *env.Constant
	builder := func(r *rng.Context, opts env.Options) (env.Environment, error) {
		e, err := env.NewConstant(r, opts)
		if err == nil {
			built = e.(*env.Constant)
		}
		return e, err
	}

	delay := 30 * time.Millisecond
	p := startPair(t, Config{Builder: builder, Render: true, RenderDelay: delay}, serde.DefaultTypeConfig())
	ctx := context.Background()

	_, err := p.proxy.Accept(ctx)
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := p.proxy.Step(ctx, []ir.Value{ir.Int(0)})
		require.NoError(t, err)
	}
	require.NoError(t, p.proxy.Stop(ctx))
	require.NoError(t, p.wait(t))

	assert.Equal(t, 3, built.Renders())
	// The third delay overlaps the stop request; the first two are serial.
	assert.GreaterOrEqual(t, time.Since(start), 2*delay)
}

func TestRunner_CancelWhileWaiting(t *testing.T) {
	folder := t.TempDir()
	proxy, err := coordinator.New(coordinator.Config{ProcID: "w", FlinksFolder: folder, Logger: quietLogger})
	require.NoError(t, err)
	defer proxy.Close()

	runner, err := New(Config{
		ProcID:       "w",
		ParentAddr:   proxy.Addr(),
		Builder:      env.NewConstant,
		FlinksFolder: folder,
		Logger:       quietLogger,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	_, err = proxy.Accept(context.Background())
	require.NoError(t, err)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit after cancel")
	}
	assert.Equal(t, StateShutdown, runner.State())
	assert.NoFileExists(t, shm.LinkPath(folder, "w"))
}

func TestRunner_HandshakeTimeoutIsFatal(t *testing.T) {
	// A bound socket that never answers.
	silent, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer silent.Close()

	runner, err := New(Config{
		ProcID:           "w",
		ParentAddr:       silent.LocalAddr().(*net.UDPAddr),
		Builder:          env.NewConstant,
		FlinksFolder:     t.TempDir(),
		HandshakeTimeout: 150 * time.Millisecond,
		Logger:           quietLogger,
	})
	require.NoError(t, err)

	start := time.Now()
	err = runner.Run(context.Background())
	assert.Less(t, time.Since(start), 3*time.Second)

	assert.ErrorIs(t, err, rendezvous.ErrHandshakeTimeout)
	assert.True(t, IsStartupError(err))
	var fe *FatalError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, PhaseHandshake, fe.Phase)
	assert.Equal(t, StateShutdown, runner.State())
}

func TestRunner_BuilderFailuresAreFatal(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name    string
		builder env.Builder
		want    error
	}{
		{"error", func(*rng.Context, env.Options) (env.Environment, error) { return nil, boom }, boom},
		{"panic", func(*rng.Context, env.Options) (env.Environment, error) { panic("kaboom") }, ErrBuilderPanic},
		{"nil", func(*rng.Context, env.Options) (env.Environment, error) { return nil, nil }, ErrNilEnvironment},
		{"bad option", func(r *rng.Context, _ env.Options) (env.Environment, error) {
			return env.NewConstant(r, ir.Object{"agents": ir.Int(-1)})
		}, env.ErrInvalidOption},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := rendezvous.Listen("")
			require.NoError(t, err)
			defer l.Close()

			go func() { _, _ = l.Accept(context.Background(), 5*time.Second) }()

			runner, err := New(Config{
				ProcID:       "w",
				ParentAddr:   l.Addr(),
				Builder:      tt.builder,
				FlinksFolder: t.TempDir(),
				Logger:       quietLogger,
			})
			require.NoError(t, err)

			err = runner.Run(context.Background())
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, IsStartupError(err))
			var fe *FatalError
			require.True(t, errors.As(err, &fe))
			assert.Equal(t, PhaseBuild, fe.Phase)
		})
	}
}

func TestRunner_LinkExistsIsFatal(t *testing.T) {
	folder := t.TempDir()
	require.NoError(t, os.WriteFile(shm.LinkPath(folder, "w"), []byte("/nowhere"), 0o600))

	l, err := rendezvous.Listen("")
	require.NoError(t, err)
	defer l.Close()
	go func() { _, _ = l.Accept(context.Background(), 5*time.Second) }()

	runner, err := New(Config{
		ProcID:       "w",
		ParentAddr:   l.Addr(),
		Builder:      env.NewConstant,
		FlinksFolder: folder,
		Logger:       quietLogger,
	})
	require.NoError(t, err)

	err = runner.Run(context.Background())
	assert.ErrorIs(t, err, shm.ErrLinkExists)
	var fe *FatalError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, PhaseSetup, fe.Phase)
}

func TestNew_InvalidConfig(t *testing.T) {
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}
	valid := func() Config {
		return Config{ProcID: "w", ParentAddr: addr, Builder: env.NewConstant, FlinksFolder: "/tmp"}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty proc id", func(c *Config) { c.ProcID = "" }},
		{"proc id with slash", func(c *Config) { c.ProcID = "a/b" }},
		{"no parent", func(c *Config) { c.ParentAddr = nil }},
		{"no builder", func(c *Config) { c.Builder = nil }},
		{"no folder", func(c *Config) { c.FlinksFolder = "" }},
		{"tiny buffer", func(c *Config) { c.BufferSize = shm.FrameOverhead }},
		{"negative render delay", func(c *Config) { c.RenderDelay = -time.Second }},
		{"negative handshake timeout", func(c *Config) { c.HandshakeTimeout = -time.Second }},
		{"state without codec", func(c *Config) {
			c.SendState = true
			c.Serde = serde.DefaultTypeConfig()
			c.Serde.State = serde.TypeNone
		}},
		{"collector without codec", func(c *Config) {
			c.Collector = env.RewardSummary
			c.Serde = serde.DefaultTypeConfig()
			c.Serde.StateMetrics = serde.TypeNone
		}},
	}

	_, err := New(valid())
	require.NoError(t, err)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			_, err := New(cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateUninitialized, StateSeeded, true},
		{StateUninitialized, StateBuilt, false},
		{StateSeeded, StateBuilt, true},
		{StateBuilt, StateReady, true},
		{StateReady, StateStepping, true},
		{StateStepping, StateReady, true},
		{StateStepping, StateStepping, false},
		{StateReady, StateSeeded, false},
		{StateStepping, StateShutdown, true},
		{StateShutdown, StateReady, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
	assert.Equal(t, "state(42)", State(42).String())
}

func TestFatalError_Format(t *testing.T) {
	err := &FatalError{Phase: PhaseDecode, ProcID: "w7", Err: protocol.ErrTrailingBytes}
	assert.Equal(t, "worker w7: fatal decode error: protocol: trailing bytes in frame", err.Error())
	assert.ErrorIs(t, err, protocol.ErrTrailingBytes)
	assert.False(t, IsStartupError(errors.New("plain")))
	assert.False(t, IsProtocolError(errors.New("plain")))
}

func keys(ids []ir.Value) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = coordinator.AgentKey(id)
	}
	return out
}

// stubEnv has one agent, no StateSetter, and panics on the action "panic".
type stubEnv struct{}

func newStubEnv(*rng.Context, env.Options) (env.Environment, error) { return stubEnv{}, nil }

func (stubEnv) Agents() []ir.Value         { return []ir.Value{ir.Int(0)} }
func (stubEnv) Reset() ([]ir.Value, error) { return []ir.Value{ir.Null{}}, nil }
func (stubEnv) State() ir.Value            { return ir.Null{} }
func (stubEnv) ObsSpace() ir.Value         { return ir.Null{} }
func (stubEnv) ActionSpace() ir.Value      { return ir.Null{} }
func (stubEnv) Step(actions []ir.Value) ([]env.Outcome, error) {
	if ir.Equal(actions[0], ir.String("panic")) {
		panic("stub asked to panic")
	}
	return []env.Outcome{{Obs: ir.Null{}, Reward: ir.Float(0)}}, nil
}

package env

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/envproc/internal/ir"
	"github.com/roach88/envproc/internal/rng"
)

func TestRegistry_Builtins(t *testing.T) {
	r := Default()
	assert.Equal(t, []string{"cartpole", "constant"}, r.Names())
	assert.Equal(t, []string{"reward_summary"}, r.CollectorNames())

	_, err := r.Builder("mountaincar")
	assert.ErrorIs(t, err, ErrUnknownEnv)
	assert.Contains(t, err.Error(), "cartpole")

	_, err = r.Collector("nope")
	assert.ErrorIs(t, err, ErrUnknownCollector)
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()
	r.Register("c", NewConstant)
	b, err := r.Builder("c")
	require.NoError(t, err)

	e, err := b(rng.New(1), nil)
	require.NoError(t, err)
	assert.Len(t, e.Agents(), 1)
}

func TestCartPole_Deterministic(t *testing.T) {
	run := func() []ir.Value {
		e, err := NewCartPole(rng.New(42), nil)
		require.NoError(t, err)
		obs, err := e.Reset()
		require.NoError(t, err)
		trace := append([]ir.Value(nil), obs...)
		for i := 0; i < 20; i++ {
			out, err := e.Step([]ir.Value{ir.Int(int64(i % 2))})
			require.NoError(t, err)
			trace = append(trace, out[0].Obs, out[0].Reward)
		}
		return trace
	}

	a, b := run(), run()
	require.Len(t, b, len(a))
	for i := range a {
		assert.True(t, ir.Equal(a[i], b[i]), "index %d", i)
	}
}

func TestCartPole_ResetWithinBounds(t *testing.T) {
	e, err := NewCartPole(rng.New(3), nil)
	require.NoError(t, err)
	obs, err := e.Reset()
	require.NoError(t, err)

	arr, ok := obs[0].(ir.Array)
	require.True(t, ok)
	require.Len(t, arr, 4)
	for _, v := range arr {
		f := float64(v.(ir.Float))
		assert.GreaterOrEqual(t, f, -0.05)
		assert.Less(t, f, 0.05)
	}
}

func TestCartPole_TerminatesWhenPushedOneWay(t *testing.T) {
	e, err := NewCartPole(rng.New(1), nil)
	require.NoError(t, err)
	_, err = e.Reset()
	require.NoError(t, err)

	var last Outcome
	for i := 0; i < 200; i++ {
		out, err := e.Step([]ir.Value{ir.Int(1)})
		require.NoError(t, err)
		last = out[0]
		if last.Terminated {
			break
		}
	}
	assert.True(t, last.Terminated)
	assert.False(t, last.Truncated)
	assert.True(t, ir.Equal(ir.Float(0), last.Reward))
}

func TestCartPole_TruncatesAtMaxSteps(t *testing.T) {
	e, err := NewCartPole(rng.New(1), ir.Object{"max_steps": ir.Int(2)})
	require.NoError(t, err)
	_, err = e.Reset()
	require.NoError(t, err)

	out, err := e.Step([]ir.Value{ir.Int(0)})
	require.NoError(t, err)
	assert.False(t, out[0].Truncated)

	out, err = e.Step([]ir.Value{ir.Int(1)})
	require.NoError(t, err)
	assert.True(t, out[0].Truncated)
	assert.True(t, ir.Equal(ir.Float(1), out[0].Reward))
}

func TestCartPole_InvalidInput(t *testing.T) {
	e, err := NewCartPole(rng.New(1), nil)
	require.NoError(t, err)
	_, err = e.Reset()
	require.NoError(t, err)

	_, err = e.Step([]ir.Value{ir.Int(2)})
	assert.ErrorIs(t, err, ErrInvalidAction)
	_, err = e.Step([]ir.Value{ir.String("left")})
	assert.ErrorIs(t, err, ErrInvalidAction)
	_, err = e.Step(nil)
	assert.ErrorIs(t, err, ErrActionCount)

	_, err = NewCartPole(rng.New(1), ir.Object{"max_steps": ir.String("x")})
	assert.ErrorIs(t, err, ErrInvalidOption)
	_, err = NewCartPole(rng.New(1), ir.Object{"max_steps": ir.Int(0)})
	assert.ErrorIs(t, err, ErrInvalidOption)
}

func TestCartPole_SetStateRestores(t *testing.T) {
	e, err := NewCartPole(rng.New(5), nil)
	require.NoError(t, err)
	_, err = e.Reset()
	require.NoError(t, err)
	_, err = e.Step([]ir.Value{ir.Int(1)})
	require.NoError(t, err)
	saved := e.State()

	next, err := e.Step([]ir.Value{ir.Int(0)})
	require.NoError(t, err)

	obs, err := e.(StateSetter).SetState(saved)
	require.NoError(t, err)
	assert.True(t, ir.Equal(saved, e.State()))
	assert.Len(t, obs, 1)

	again, err := e.Step([]ir.Value{ir.Int(0)})
	require.NoError(t, err)
	assert.True(t, ir.Equal(next[0].Obs, again[0].Obs))

	_, err = e.(StateSetter).SetState(ir.Int(1))
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestCartPole_Render(t *testing.T) {
	e, err := NewCartPole(rng.New(1), nil)
	require.NoError(t, err)
	_, err = e.Reset()
	require.NoError(t, err)

	var buf bytes.Buffer
	cp := e.(*CartPole)
	cp.Out = &buf
	require.NoError(t, cp.Render())
	assert.Contains(t, buf.String(), "#")
	assert.Contains(t, buf.String(), "step=0")
}

func TestConstant_Step(t *testing.T) {
	e, err := NewConstant(rng.New(42), nil)
	require.NoError(t, err)
	assert.True(t, ir.Equal(ir.String("agent_0"), e.Agents()[0]))

	obs, err := e.Reset()
	require.NoError(t, err)
	assert.True(t, ir.Equal(ir.Int(0), obs[0]))

	out, err := e.Step([]ir.Value{ir.Int(0)})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.True(t, ir.Equal(ir.Int(1), out[0].Obs))
	assert.True(t, ir.Equal(ir.Float(1.0), out[0].Reward))
	assert.False(t, out[0].Terminated)
	assert.False(t, out[0].Truncated)
	assert.True(t, ir.Equal(ir.Object{"steps": ir.Int(1)}, e.State()))
}

func TestConstant_Options(t *testing.T) {
	e, err := NewConstant(nil, ir.Object{
		"agents":  ir.Int(3),
		"reward":  ir.Float(-0.5),
		"horizon": ir.Int(2),
	})
	require.NoError(t, err)
	require.Len(t, e.Agents(), 3)
	assert.True(t, ir.Equal(ir.String("agent_2"), e.Agents()[2]))

	acts := []ir.Value{ir.Null{}, ir.Null{}, ir.Null{}}
	out, err := e.Step(acts)
	require.NoError(t, err)
	assert.False(t, out[0].Truncated)
	assert.True(t, ir.Equal(ir.Float(-0.5), out[1].Reward))

	out, err = e.Step(acts)
	require.NoError(t, err)
	assert.True(t, out[2].Truncated)

	_, err = e.Step(acts[:2])
	assert.ErrorIs(t, err, ErrActionCount)

	_, err = NewConstant(nil, ir.Object{"agents": ir.Int(0)})
	assert.ErrorIs(t, err, ErrInvalidOption)
	_, err = NewConstant(nil, ir.Object{"reward": ir.String("one")})
	assert.ErrorIs(t, err, ErrInvalidOption)
}

func TestConstant_SetState(t *testing.T) {
	e, err := NewConstant(nil, nil)
	require.NoError(t, err)

	obs, err := e.(StateSetter).SetState(ir.Object{"steps": ir.Int(9)})
	require.NoError(t, err)
	assert.True(t, ir.Equal(ir.Int(9), obs[0]))

	_, err = e.(StateSetter).SetState(ir.Object{"steps": ir.Int(-1)})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRewardSummary(t *testing.T) {
	got, err := RewardSummary(ir.Null{}, []AgentReward{
		{ID: ir.String("a"), Reward: ir.Float(1)},
		{ID: ir.String("b"), Reward: ir.Int(3)},
		{ID: ir.String("c"), Reward: ir.Float(-1)},
	})
	require.NoError(t, err)
	want := ir.Object{
		"count": ir.Int(3),
		"sum":   ir.Float(3),
		"mean":  ir.Float(1),
		"min":   ir.Float(-1),
		"max":   ir.Float(3),
	}
	assert.True(t, ir.Equal(want, got), "got %v", got)

	empty, err := RewardSummary(nil, nil)
	require.NoError(t, err)
	assert.True(t, ir.Equal(ir.Object{"count": ir.Int(0)}, empty))

	_, err = RewardSummary(nil, []AgentReward{{ID: ir.String("a"), Reward: ir.String("x")}})
	assert.Error(t, err)
}

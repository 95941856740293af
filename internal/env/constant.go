package env

import (
	"fmt"

	"github.com/roach88/envproc/internal/ir"
	"github.com/roach88/envproc/internal/rng"
)

// Constant is a trivial environment: every agent observes the step count and
// receives a fixed reward. It never terminates and truncates only when a
// horizon is set. Actions are accepted as-is.
//
// Options: agents (default 1), reward (default 1.0), horizon (default 0,
// meaning never truncate).
type Constant struct {
	agents  []ir.Value
	reward  float64
	horizon int64
	steps   int64
	renders int
}

// NewConstant builds a Constant environment.
func NewConstant(_ *rng.Context, opts Options) (Environment, error) {
	n, err := optInt(opts, "agents", 1)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, fmt.Errorf("%w: agents must be positive, got %d", ErrInvalidOption, n)
	}
	reward, err := optFloat(opts, "reward", 1.0)
	if err != nil {
		return nil, err
	}
	horizon, err := optInt(opts, "horizon", 0)
	if err != nil {
		return nil, err
	}

	c := &Constant{reward: reward, horizon: horizon}
	for i := int64(0); i < n; i++ {
		c.agents = append(c.agents, ir.String(fmt.Sprintf("agent_%d", i)))
	}
	return c, nil
}

func (c *Constant) Agents() []ir.Value {
	return append([]ir.Value(nil), c.agents...)
}

func (c *Constant) Reset() ([]ir.Value, error) {
	c.steps = 0
	return c.observe(), nil
}

func (c *Constant) Step(actions []ir.Value) ([]Outcome, error) {
	if err := checkActionCount(actions, len(c.agents)); err != nil {
		return nil, err
	}
	c.steps++
	truncated := c.horizon > 0 && c.steps >= c.horizon

	out := make([]Outcome, len(c.agents))
	for i := range out {
		out[i] = Outcome{
			Obs:       ir.Int(c.steps),
			Reward:    ir.Float(c.reward),
			Truncated: truncated,
		}
	}
	return out, nil
}

func (c *Constant) State() ir.Value {
	return ir.Object{"steps": ir.Int(c.steps)}
}

func (c *Constant) SetState(state ir.Value) ([]ir.Value, error) {
	obj, ok := state.(ir.Object)
	if !ok {
		return nil, fmt.Errorf("%w: constant state must be an object, got %s", ErrInvalidState, ir.TypeName(state))
	}
	steps, ok := obj["steps"].(ir.Int)
	if !ok || steps < 0 {
		return nil, fmt.Errorf("%w: steps must be a non-negative int", ErrInvalidState)
	}
	c.steps = int64(steps)
	return c.observe(), nil
}

func (c *Constant) ObsSpace() ir.Value {
	return ir.Object{"type": ir.String("counter")}
}

func (c *Constant) ActionSpace() ir.Value {
	return ir.Object{"type": ir.String("any")}
}

// Render counts calls; Constant has nothing to draw.
func (c *Constant) Render() error {
	c.renders++
	return nil
}

// Renders returns how many times Render was called.
func (c *Constant) Renders() int {
	return c.renders
}

func (c *Constant) observe() []ir.Value {
	obs := make([]ir.Value, len(c.agents))
	for i := range obs {
		obs[i] = ir.Int(c.steps)
	}
	return obs
}

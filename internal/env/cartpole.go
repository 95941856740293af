package env

import (
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/roach88/envproc/internal/ir"
	"github.com/roach88/envproc/internal/rng"
)

const (
	gravity        = 9.81
	massCart       = 1.0
	massPole       = 0.1
	poleLength     = 0.5
	totalMass      = massCart + massPole
	poleMassLength = massPole * poleLength
	forceMax       = 10.0
	tau            = 0.02

	xThreshold     = 2.4
	thetaThreshold = 12.0 * math.Pi / 180.0

	defaultCartPoleSteps = 500
)

// CartPole is the classic pole-balancing task with a single agent.
//
// Observations are [x, x_dot, theta, theta_dot]; actions are 0 (push left)
// or 1 (push right). The episode terminates when the cart or pole leaves
// its bounds and truncates after max_steps.
type CartPole struct {
	x, xDot, theta, thetaDot float64
	steps                    int64
	maxSteps                 int64

	rng *rng.Context

	// Out receives Render output. Defaults to stderr.
	Out io.Writer
}

var cartPoleAgent = ir.String("agent_0")

// NewCartPole builds a cart-pole environment. Option max_steps overrides the
// truncation horizon.
func NewCartPole(r *rng.Context, opts Options) (Environment, error) {
	maxSteps, err := optInt(opts, "max_steps", defaultCartPoleSteps)
	if err != nil {
		return nil, err
	}
	if maxSteps <= 0 {
		return nil, fmt.Errorf("%w: max_steps must be positive, got %d", ErrInvalidOption, maxSteps)
	}
	return &CartPole{rng: r, maxSteps: maxSteps, Out: os.Stderr}, nil
}

func (c *CartPole) Agents() []ir.Value {
	return []ir.Value{cartPoleAgent}
}

func (c *CartPole) Reset() ([]ir.Value, error) {
	c.x = c.rng.Uniform(-0.05, 0.05)
	c.xDot = c.rng.Uniform(-0.05, 0.05)
	c.theta = c.rng.Uniform(-0.05, 0.05)
	c.thetaDot = c.rng.Uniform(-0.05, 0.05)
	c.steps = 0
	return []ir.Value{c.obs()}, nil
}

func (c *CartPole) Step(actions []ir.Value) ([]Outcome, error) {
	if err := checkActionCount(actions, 1); err != nil {
		return nil, err
	}
	a, ok := actions[0].(ir.Int)
	if !ok || (a != 0 && a != 1) {
		return nil, fmt.Errorf("%w: cartpole wants 0 or 1, got %s", ErrInvalidAction, ir.TypeName(actions[0]))
	}

	force := forceMax
	if a == 0 {
		force = -forceMax
	}

	cosTheta := math.Cos(c.theta)
	sinTheta := math.Sin(c.theta)

	temp := (force + poleMassLength*c.thetaDot*c.thetaDot*sinTheta) / totalMass
	thetaAcc := (gravity*sinTheta - cosTheta*temp) / (poleLength * (4.0/3.0 - massPole*cosTheta*cosTheta/totalMass))
	xAcc := temp - poleMassLength*thetaAcc*cosTheta/totalMass

	c.x += tau * c.xDot
	c.xDot += tau * xAcc
	c.theta += tau * c.thetaDot
	c.thetaDot += tau * thetaAcc
	c.steps++

	terminated := c.x < -xThreshold || c.x > xThreshold ||
		c.theta < -thetaThreshold || c.theta > thetaThreshold
	truncated := !terminated && c.steps >= c.maxSteps

	reward := 1.0
	if terminated {
		reward = 0.0
	}
	return []Outcome{{
		Obs:        c.obs(),
		Reward:     ir.Float(reward),
		Terminated: terminated,
		Truncated:  truncated,
	}}, nil
}

func (c *CartPole) State() ir.Value {
	return ir.Object{
		"x":         ir.Float(c.x),
		"x_dot":     ir.Float(c.xDot),
		"theta":     ir.Float(c.theta),
		"theta_dot": ir.Float(c.thetaDot),
		"steps":     ir.Int(c.steps),
	}
}

// SetState restores a value previously returned by State.
func (c *CartPole) SetState(state ir.Value) ([]ir.Value, error) {
	obj, ok := state.(ir.Object)
	if !ok {
		return nil, fmt.Errorf("%w: cartpole state must be an object, got %s", ErrInvalidState, ir.TypeName(state))
	}
	var vals [4]float64
	for i, key := range []string{"x", "x_dot", "theta", "theta_dot"} {
		f, ok := obj[key].(ir.Float)
		if !ok {
			return nil, fmt.Errorf("%w: cartpole state field %q must be a float", ErrInvalidState, key)
		}
		vals[i] = float64(f)
	}
	steps, err := optInt(obj, "steps", 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	c.x, c.xDot, c.theta, c.thetaDot = vals[0], vals[1], vals[2], vals[3]
	c.steps = steps
	return []ir.Value{c.obs()}, nil
}

func (c *CartPole) ObsSpace() ir.Value {
	return ir.Object{
		"type":  ir.String("box"),
		"shape": ir.Ints(4),
		"low":   ir.Floats(-2*xThreshold, math.MaxFloat64*-1, -2*thetaThreshold, math.MaxFloat64*-1),
		"high":  ir.Floats(2*xThreshold, math.MaxFloat64, 2*thetaThreshold, math.MaxFloat64),
	}
}

func (c *CartPole) ActionSpace() ir.Value {
	return ir.Object{
		"type": ir.String("discrete"),
		"n":    ir.Int(2),
	}
}

// Render draws the cart position on a single text line.
func (c *CartPole) Render() error {
	const width = 41
	pos := int((c.x + xThreshold) / (2 * xThreshold) * (width - 1))
	pos = max(0, min(width-1, pos))
	line := []byte(strings.Repeat(".", width))
	line[pos] = '#'
	_, err := fmt.Fprintf(c.Out, "|%s| step=%d theta=%+.3f\n", line, c.steps, c.theta)
	return err
}

func (c *CartPole) obs() ir.Value {
	return ir.Floats(c.x, c.xDot, c.theta, c.thetaDot)
}

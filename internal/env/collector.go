package env

import (
	"fmt"

	"github.com/roach88/envproc/internal/ir"
)

// AgentReward pairs an agent with its reward for the tick.
type AgentReward struct {
	ID     ir.Value
	Reward ir.Value
}

// MetricsCollector turns the post-step state and rewards into a state
// metrics value. It is called once per tick when configured.
type MetricsCollector func(state ir.Value, rewards []AgentReward) (ir.Value, error)

// RewardSummary reports count, sum, mean, min and max of the numeric
// rewards. Non-numeric rewards are an error.
func RewardSummary(_ ir.Value, rewards []AgentReward) (ir.Value, error) {
	out := ir.Object{"count": ir.Int(len(rewards))}
	if len(rewards) == 0 {
		return out, nil
	}

	var sum, lo, hi float64
	for i, r := range rewards {
		var f float64
		switch v := r.Reward.(type) {
		case ir.Float:
			f = float64(v)
		case ir.Int:
			f = float64(v)
		default:
			return nil, fmt.Errorf("reward_summary: agent %d reward is %s, want a number", i, ir.TypeName(r.Reward))
		}
		if i == 0 || f < lo {
			lo = f
		}
		if i == 0 || f > hi {
			hi = f
		}
		sum += f
	}

	out["sum"] = ir.Float(sum)
	out["mean"] = ir.Float(sum / float64(len(rewards)))
	out["min"] = ir.Float(lo)
	out["max"] = ir.Float(hi)
	return out, nil
}

// Package serde resolves the per-kind serialization strategies used for every
// field exchanged between a worker and its coordinator.
//
// Each of the eight data kinds (agent ID, action, observation, reward,
// observation space, action space, state, state metrics) is configured with a
// strategy name. Resolve turns the configuration into a Table: a fixed array
// of codecs indexed by Kind, built once at startup and never mutated.
//
// Both sides of a worker must resolve identical configurations. Decoding with
// a mismatched strategy yields ErrMalformed, ErrTypeMismatch or
// ErrShortBuffer and is always treated as fatal by callers.
package serde

import (
	"errors"
	"fmt"

	"github.com/roach88/envproc/internal/ir"
)

var (
	// ErrUnknownType is returned when a strategy name is not registered.
	ErrUnknownType = errors.New("serde: unknown strategy")

	// ErrTypeMismatch is returned when a value does not fit its codec.
	ErrTypeMismatch = errors.New("serde: value does not match strategy")

	// ErrShortBuffer is returned when decoding runs past the end of the frame.
	ErrShortBuffer = errors.New("serde: short buffer")

	// ErrMalformed is returned when encoded bytes are not valid for the codec.
	ErrMalformed = errors.New("serde: malformed encoding")

	// ErrDisabled is returned when encoding or decoding a kind configured as none.
	ErrDisabled = errors.New("serde: kind disabled")
)

// Kind identifies one of the eight data kinds carried per tick.
type Kind uint8

const (
	KindAgentID Kind = iota
	KindAction
	KindObs
	KindReward
	KindObsSpace
	KindActionSpace
	KindState
	KindStateMetrics

	numKinds
)

// Kinds lists every kind in table order.
var Kinds = [numKinds]Kind{
	KindAgentID, KindAction, KindObs, KindReward,
	KindObsSpace, KindActionSpace, KindState, KindStateMetrics,
}

var kindNames = [numKinds]string{
	"agent_id", "action", "obs", "reward",
	"obs_space", "action_space", "state", "state_metrics",
}

func (k Kind) String() string {
	if k < numKinds {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// optional reports whether the kind may be configured as none.
func (k Kind) optional() bool {
	return k == KindState || k == KindStateMetrics
}

// Type names a serialization strategy.
type Type string

const (
	// TypeJSON encodes any value (except bytes) as length-prefixed canonical JSON.
	TypeJSON Type = "json"
	// TypeDynamic encodes any value as self-describing tagged binary.
	TypeDynamic Type = "dynamic"
	TypeInt     Type = "int"
	TypeFloat   Type = "float"
	TypeBool    Type = "bool"
	TypeString  Type = "string"
	TypeBytes   Type = "bytes"
	// TypeFloatArray is a u64 count followed by packed float64 values.
	TypeFloatArray Type = "float_array"
	// TypeIntArray is a u64 count followed by packed int64 values.
	TypeIntArray Type = "int_array"
	// TypeNone disables a kind. Only state and state metrics accept it.
	TypeNone Type = "none"
)

// Types lists every registered strategy name.
var Types = []Type{
	TypeJSON, TypeDynamic, TypeInt, TypeFloat, TypeBool,
	TypeString, TypeBytes, TypeFloatArray, TypeIntArray, TypeNone,
}

// ParseType validates a strategy name.
func ParseType(s string) (Type, error) {
	for _, t := range Types {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
}

// Codec is a concrete encode/decode pair for one strategy.
type Codec interface {
	// Type returns the strategy name.
	Type() Type

	// Append encodes v onto buf.
	Append(buf []byte, v ir.Value) ([]byte, error)

	// Retrieve decodes one value starting at off and returns the offset
	// just past it.
	Retrieve(buf []byte, off int) (ir.Value, int, error)
}

// TypeConfig holds one strategy name per data kind.
type TypeConfig struct {
	AgentID      Type `mapstructure:"agent_id" json:"agent_id" yaml:"agent_id"`
	Action       Type `mapstructure:"action" json:"action" yaml:"action"`
	Obs          Type `mapstructure:"obs" json:"obs" yaml:"obs"`
	Reward       Type `mapstructure:"reward" json:"reward" yaml:"reward"`
	ObsSpace     Type `mapstructure:"obs_space" json:"obs_space" yaml:"obs_space"`
	ActionSpace  Type `mapstructure:"action_space" json:"action_space" yaml:"action_space"`
	State        Type `mapstructure:"state" json:"state" yaml:"state"`
	StateMetrics Type `mapstructure:"state_metrics" json:"state_metrics" yaml:"state_metrics"`
}

// DefaultTypeConfig uses the dynamic strategy for every kind.
func DefaultTypeConfig() TypeConfig {
	return TypeConfig{
		AgentID:      TypeDynamic,
		Action:       TypeDynamic,
		Obs:          TypeDynamic,
		Reward:       TypeDynamic,
		ObsSpace:     TypeDynamic,
		ActionSpace:  TypeDynamic,
		State:        TypeDynamic,
		StateMetrics: TypeDynamic,
	}
}

// For returns the strategy configured for k.
func (c TypeConfig) For(k Kind) Type {
	switch k {
	case KindAgentID:
		return c.AgentID
	case KindAction:
		return c.Action
	case KindObs:
		return c.Obs
	case KindReward:
		return c.Reward
	case KindObsSpace:
		return c.ObsSpace
	case KindActionSpace:
		return c.ActionSpace
	case KindState:
		return c.State
	case KindStateMetrics:
		return c.StateMetrics
	}
	return ""
}

// WithDefaults fills empty entries with the dynamic strategy.
func (c TypeConfig) WithDefaults() TypeConfig {
	d := DefaultTypeConfig()
	fill := func(t *Type, def Type) {
		if *t == "" {
			*t = def
		}
	}
	fill(&c.AgentID, d.AgentID)
	fill(&c.Action, d.Action)
	fill(&c.Obs, d.Obs)
	fill(&c.Reward, d.Reward)
	fill(&c.ObsSpace, d.ObsSpace)
	fill(&c.ActionSpace, d.ActionSpace)
	fill(&c.State, d.State)
	fill(&c.StateMetrics, d.StateMetrics)
	return c
}

// Table is the resolved, immutable codec table.
type Table struct {
	config TypeConfig
	codecs [numKinds]Codec // nil for kinds configured as none
}

// Resolve builds the codec table for cfg. Empty entries are an error; call
// WithDefaults first to accept the dynamic strategy for unset kinds.
func Resolve(cfg TypeConfig) (*Table, error) {
	t := &Table{config: cfg}
	for _, k := range Kinds {
		name := cfg.For(k)
		if name == TypeNone {
			if !k.optional() {
				return nil, fmt.Errorf("%s: %w: none is only valid for state and state_metrics", k, ErrUnknownType)
			}
			continue
		}
		codec, err := newCodec(name)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		t.codecs[k] = codec
	}
	return t, nil
}

// MustResolve is like Resolve but panics on error.
// Use only in tests or with configurations known to be valid.
func MustResolve(cfg TypeConfig) *Table {
	t, err := Resolve(cfg)
	if err != nil {
		panic(err)
	}
	return t
}

// Config returns the configuration the table was resolved from.
func (t *Table) Config() TypeConfig {
	return t.config
}

// Enabled reports whether k has a codec.
func (t *Table) Enabled(k Kind) bool {
	return k < numKinds && t.codecs[k] != nil
}

// Codec returns the codec for k, or nil when the kind is disabled.
func (t *Table) Codec(k Kind) Codec {
	if k >= numKinds {
		return nil
	}
	return t.codecs[k]
}

// Append encodes v with the codec for k.
func (t *Table) Append(k Kind, buf []byte, v ir.Value) ([]byte, error) {
	c := t.Codec(k)
	if c == nil {
		return buf, fmt.Errorf("encode %s: %w", k, ErrDisabled)
	}
	out, err := c.Append(buf, v)
	if err != nil {
		return buf, fmt.Errorf("encode %s: %w", k, err)
	}
	return out, nil
}

// Retrieve decodes one value of kind k at off.
func (t *Table) Retrieve(k Kind, buf []byte, off int) (ir.Value, int, error) {
	c := t.Codec(k)
	if c == nil {
		return nil, off, fmt.Errorf("decode %s: %w", k, ErrDisabled)
	}
	v, next, err := c.Retrieve(buf, off)
	if err != nil {
		return nil, off, fmt.Errorf("decode %s: %w", k, err)
	}
	return v, next, nil
}

func newCodec(t Type) (Codec, error) {
	switch t {
	case TypeJSON:
		return jsonCodec{}, nil
	case TypeDynamic:
		return dynamicCodec{}, nil
	case TypeInt:
		return intCodec{}, nil
	case TypeFloat:
		return floatCodec{}, nil
	case TypeBool:
		return boolCodec{}, nil
	case TypeString:
		return stringCodec{}, nil
	case TypeBytes:
		return bytesCodec{}, nil
	case TypeFloatArray:
		return floatArrayCodec{}, nil
	case TypeIntArray:
		return intArrayCodec{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
}

func mismatch(t Type, v ir.Value) error {
	return fmt.Errorf("%w: %s strategy cannot encode %s", ErrTypeMismatch, t, ir.TypeName(v))
}

// Package env defines the environment contract the worker drives and the
// built-in environments and metrics collectors selectable by name.
//
// An environment is built exactly once per worker, from a Builder that
// receives the worker's seeded rng.Context. Environments never read a
// global random source.
package env

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/envproc/internal/ir"
	"github.com/roach88/envproc/internal/rng"
)

var (
	// ErrUnknownEnv is returned when no builder is registered under a name.
	ErrUnknownEnv = errors.New("env: unknown environment")

	// ErrUnknownCollector is returned when no collector is registered under a name.
	ErrUnknownCollector = errors.New("env: unknown metrics collector")

	// ErrActionCount is returned when a step receives the wrong number of actions.
	ErrActionCount = errors.New("env: action count does not match agents")

	// ErrInvalidAction is returned when an action is outside the action space.
	ErrInvalidAction = errors.New("env: invalid action")

	// ErrInvalidState is returned by SetState for a malformed state value.
	ErrInvalidState = errors.New("env: invalid state")

	// ErrInvalidOption is returned when a builder option has the wrong type.
	ErrInvalidOption = errors.New("env: invalid option")
)

// Outcome is one agent's result for a step.
type Outcome struct {
	Obs        ir.Value
	Reward     ir.Value
	Terminated bool
	Truncated  bool
}

// Environment is a stepped simulation with one or more agents.
//
// Agents returns the current agent IDs. Reset and Step return values in the
// same agent order. Step receives exactly one action per agent.
type Environment interface {
	Agents() []ir.Value
	Reset() ([]ir.Value, error)
	Step(actions []ir.Value) ([]Outcome, error)
	State() ir.Value
	ObsSpace() ir.Value
	ActionSpace() ir.Value
}

// Renderer is implemented by environments that can draw themselves.
type Renderer interface {
	Render() error
}

// StateSetter is implemented by environments that accept an external state.
// SetState returns the observations for the new state.
type StateSetter interface {
	SetState(state ir.Value) ([]ir.Value, error)
}

// Options are builder-specific settings, taken from configuration.
type Options = ir.Object

// Builder constructs an environment. It runs once, after seeding.
type Builder func(r *rng.Context, opts Options) (Environment, error)

// Registry maps environment and collector names to their constructors.
type Registry struct {
	mu         sync.RWMutex
	builders   map[string]Builder
	collectors map[string]MetricsCollector
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		builders:   make(map[string]Builder),
		collectors: make(map[string]MetricsCollector),
	}
}

var defaultRegistry = func() *Registry {
	r := NewRegistry()
	r.Register("cartpole", NewCartPole)
	r.Register("constant", NewConstant)
	r.RegisterCollector("reward_summary", RewardSummary)
	return r
}()

// Default returns the registry holding the built-ins.
func Default() *Registry {
	return defaultRegistry
}

// Register adds or replaces a builder.
func (r *Registry) Register(name string, b Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = b
}

// RegisterCollector adds or replaces a metrics collector.
func (r *Registry) RegisterCollector(name string, c MetricsCollector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collectors[name] = c
}

// Builder looks up a builder by name.
func (r *Registry) Builder(name string) (Builder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.builders[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownEnv, name, sortedNames(r.builders))
	}
	return b, nil
}

// Collector looks up a metrics collector by name.
func (r *Registry) Collector(name string) (MetricsCollector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.collectors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownCollector, name, sortedNames(r.collectors))
	}
	return c, nil
}

// Names returns the registered environment names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedNames(r.builders)
}

// CollectorNames returns the registered collector names, sorted.
func (r *Registry) CollectorNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedNames(r.collectors)
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func checkActionCount(actions []ir.Value, agents int) error {
	if len(actions) != agents {
		return fmt.Errorf("%w: got %d, want %d", ErrActionCount, len(actions), agents)
	}
	return nil
}

func optInt(opts Options, key string, def int64) (int64, error) {
	v, ok := opts[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case ir.Int:
		return int64(n), nil
	case ir.Float:
		if float64(n) == float64(int64(n)) {
			return int64(n), nil
		}
	}
	return 0, fmt.Errorf("%w: %s must be an integer, got %s", ErrInvalidOption, key, ir.TypeName(v))
}

func optFloat(opts Options, key string, def float64) (float64, error) {
	v, ok := opts[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case ir.Float:
		return float64(n), nil
	case ir.Int:
		return float64(n), nil
	}
	return 0, fmt.Errorf("%w: %s must be a number, got %s", ErrInvalidOption, key, ir.TypeName(v))
}

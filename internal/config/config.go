// Package config loads worker configuration.
//
// Values come from, in increasing precedence: built-in defaults, a YAML
// file, ENVPROC_* environment variables and bound command-line flags. The
// merged result is validated against an embedded CUE schema before any
// socket or region is created.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/roach88/envproc/internal/env"
	"github.com/roach88/envproc/internal/ir"
	"github.com/roach88/envproc/internal/rendezvous"
	"github.com/roach88/envproc/internal/serde"
	"github.com/roach88/envproc/internal/worker"
)

// EnvPrefix is prepended to every environment override, e.g. ENVPROC_SEED
// or ENVPROC_SERDE_OBS.
const EnvPrefix = "ENVPROC"

// ErrInvalid is returned when a configuration fails validation.
var ErrInvalid = errors.New("config: invalid configuration")

//go:embed schema.cue
var schemaSource []byte

// Config is the on-disk and command-line shape of a worker configuration.
type Config struct {
	ProcID           string           `mapstructure:"proc_id" json:"proc_id" yaml:"proc_id"`
	ParentAddr       string           `mapstructure:"parent_addr" json:"parent_addr" yaml:"parent_addr"`
	Env              string           `mapstructure:"env" json:"env" yaml:"env"`
	EnvOptions       map[string]any   `mapstructure:"env_options" json:"env_options" yaml:"env_options"`
	Serde            serde.TypeConfig `mapstructure:"serde" json:"serde" yaml:"serde"`
	MetricsCollector string           `mapstructure:"metrics_collector" json:"metrics_collector" yaml:"metrics_collector"`
	SendState        bool             `mapstructure:"send_state" json:"send_state" yaml:"send_state"`
	FlinksFolder     string           `mapstructure:"flinks_folder" json:"flinks_folder" yaml:"flinks_folder"`
	ShmBufferSize    int              `mapstructure:"shm_buffer_size" json:"shm_buffer_size" yaml:"shm_buffer_size"`
	Seed             int64            `mapstructure:"seed" json:"seed" yaml:"seed"`
	Render           bool             `mapstructure:"render" json:"render" yaml:"render"`
	RenderDelay      time.Duration    `mapstructure:"render_delay" json:"render_delay" yaml:"render_delay"`
	RecalcAgentIDs   bool             `mapstructure:"recalculate_agent_id_every_step" json:"recalculate_agent_id_every_step" yaml:"recalculate_agent_id_every_step"`
	HandshakeTimeout time.Duration    `mapstructure:"handshake_timeout" json:"handshake_timeout" yaml:"handshake_timeout"`

	// RecordPath enables the sqlite frame recorder when set.
	RecordPath string `mapstructure:"record_path" json:"record_path" yaml:"record_path"`

	// MetricsAddr starts a Prometheus /metrics server when set.
	MetricsAddr string `mapstructure:"metrics_addr" json:"metrics_addr" yaml:"metrics_addr"`
}

// Keys lists every configuration key, nested serde keys dotted.
var Keys = []string{
	"proc_id", "parent_addr", "env", "env_options",
	"serde.agent_id", "serde.action", "serde.obs", "serde.reward",
	"serde.obs_space", "serde.action_space", "serde.state", "serde.state_metrics",
	"metrics_collector", "send_state", "flinks_folder", "shm_buffer_size",
	"seed", "render", "render_delay", "recalculate_agent_id_every_step",
	"handshake_timeout", "record_path", "metrics_addr",
}

// FlagName is the command-line flag bound to a key: "serde.obs" is
// --serde-obs, "proc_id" is --proc-id.
func FlagName(key string) string {
	return strings.NewReplacer(".", "-", "_", "-").Replace(key)
}

// DefaultFlinksFolder is where link files go when no folder is configured.
func DefaultFlinksFolder() string {
	return filepath.Join(os.TempDir(), "envproc-flinks")
}

func setDefaults(v *viper.Viper) {
	d := serde.DefaultTypeConfig()
	v.SetDefault("proc_id", "")
	v.SetDefault("parent_addr", "")
	v.SetDefault("env", "")
	v.SetDefault("env_options", map[string]any{})
	v.SetDefault("serde.agent_id", string(d.AgentID))
	v.SetDefault("serde.action", string(d.Action))
	v.SetDefault("serde.obs", string(d.Obs))
	v.SetDefault("serde.reward", string(d.Reward))
	v.SetDefault("serde.obs_space", string(d.ObsSpace))
	v.SetDefault("serde.action_space", string(d.ActionSpace))
	v.SetDefault("serde.state", string(d.State))
	v.SetDefault("serde.state_metrics", string(d.StateMetrics))
	v.SetDefault("metrics_collector", "")
	v.SetDefault("send_state", false)
	v.SetDefault("flinks_folder", DefaultFlinksFolder())
	v.SetDefault("shm_buffer_size", worker.DefaultBufferSize)
	v.SetDefault("seed", 0)
	v.SetDefault("render", false)
	v.SetDefault("render_delay", time.Duration(0))
	v.SetDefault("recalculate_agent_id_every_step", false)
	v.SetDefault("handshake_timeout", rendezvous.DefaultTimeout)
	v.SetDefault("record_path", "")
	v.SetDefault("metrics_addr", "")
}

// Load merges defaults, the YAML file at path (skipped when empty), the
// environment and any flags in fs whose names match a key. The result is
// validated.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for _, key := range Keys {
			if f := fs.Lookup(FlagName(key)); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("config: bind flag %s: %w", f.Name, err)
				}
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if c.ProcID == "" {
		c.ProcID = "env-" + uuid.NewString()
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// A cue.Context is not safe for concurrent use.
var (
	schemaMu   sync.Mutex
	schemaOnce sync.Once
	schemaCtx  *cue.Context
	schemaDef  cue.Value
	schemaErr  error
)

func compiledSchema() (*cue.Context, cue.Value, error) {
	schemaOnce.Do(func() {
		schemaCtx = cuecontext.New()
		v := schemaCtx.CompileBytes(schemaSource, cue.Filename("schema.cue"))
		if err := v.Err(); err != nil {
			schemaErr = fmt.Errorf("config: compile schema: %w", err)
			return
		}
		schemaDef = v.LookupPath(cue.ParsePath("#Config"))
		schemaErr = schemaDef.Err()
	})
	return schemaCtx, schemaDef, schemaErr
}

// Validate checks c against the schema and the cross-field rules the
// schema does not express.
func (c *Config) Validate() error {
	ctx, def, err := compiledSchema()
	if err != nil {
		return err
	}

	schemaMu.Lock()
	data := ctx.Encode(c.document())
	err = data.Err()
	if err == nil {
		err = def.Unify(data).Validate(cue.Concrete(true))
	}
	schemaMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.TrimSpace(cueerrors.Details(err, nil)))
	}

	if c.SendState && c.Serde.State == serde.TypeNone {
		return fmt.Errorf("%w: send_state requires serde.state other than none", ErrInvalid)
	}
	if c.MetricsCollector != "" && c.Serde.StateMetrics == serde.TypeNone {
		return fmt.Errorf("%w: metrics_collector requires serde.state_metrics other than none", ErrInvalid)
	}
	return nil
}

// document renders c as plain maps and scalars for schema validation.
func (c *Config) document() map[string]any {
	opts := c.EnvOptions
	if opts == nil {
		opts = map[string]any{}
	}
	return map[string]any{
		"proc_id":     c.ProcID,
		"parent_addr": c.ParentAddr,
		"env":         c.Env,
		"env_options": opts,
		"serde": map[string]any{
			"agent_id":      string(c.Serde.AgentID),
			"action":        string(c.Serde.Action),
			"obs":           string(c.Serde.Obs),
			"reward":        string(c.Serde.Reward),
			"obs_space":     string(c.Serde.ObsSpace),
			"action_space":  string(c.Serde.ActionSpace),
			"state":         string(c.Serde.State),
			"state_metrics": string(c.Serde.StateMetrics),
		},
		"metrics_collector":               c.MetricsCollector,
		"send_state":                      c.SendState,
		"flinks_folder":                   c.FlinksFolder,
		"shm_buffer_size":                 c.ShmBufferSize,
		"seed":                            c.Seed,
		"render":                          c.Render,
		"render_delay":                    int64(c.RenderDelay),
		"handshake_timeout":               int64(c.HandshakeTimeout),
		"recalculate_agent_id_every_step": c.RecalcAgentIDs,
		"record_path":                     c.RecordPath,
		"metrics_addr":                    c.MetricsAddr,
	}
}

// WorkerConfig resolves names against reg and returns the runner
// configuration. Logger, Recorder and Metrics are left for the caller.
func (c *Config) WorkerConfig(reg *env.Registry) (worker.Config, error) {
	parent, err := rendezvous.ResolveAddr(c.ParentAddr)
	if err != nil {
		return worker.Config{}, fmt.Errorf("%w: parent_addr: %v", ErrInvalid, err)
	}
	builder, err := reg.Builder(c.Env)
	if err != nil {
		return worker.Config{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	var collector env.MetricsCollector
	if c.MetricsCollector != "" {
		if collector, err = reg.Collector(c.MetricsCollector); err != nil {
			return worker.Config{}, fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	}
	opts, err := Options(c.EnvOptions)
	if err != nil {
		return worker.Config{}, err
	}

	return worker.Config{
		ProcID:           c.ProcID,
		ParentAddr:       parent,
		Builder:          builder,
		EnvOptions:       opts,
		Serde:            c.Serde,
		Collector:        collector,
		SendState:        c.SendState,
		FlinksFolder:     c.FlinksFolder,
		BufferSize:       c.ShmBufferSize,
		Seed:             c.Seed,
		Render:           c.Render,
		RenderDelay:      c.RenderDelay,
		RecalcAgentIDs:   c.RecalcAgentIDs,
		HandshakeTimeout: c.HandshakeTimeout,
	}, nil
}

// Options converts decoded environment options into an ir object.
func Options(raw map[string]any) (env.Options, error) {
	if len(raw) == 0 {
		return env.Options{}, nil
	}
	v, err := ir.FromGo(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: env_options: %v", ErrInvalid, err)
	}
	obj, ok := v.(ir.Object)
	if !ok {
		return nil, fmt.Errorf("%w: env_options must be a mapping", ErrInvalid)
	}
	return obj, nil
}

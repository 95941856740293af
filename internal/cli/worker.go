package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/roach88/envproc/internal/config"
	"github.com/roach88/envproc/internal/env"
	"github.com/roach88/envproc/internal/ir"
	"github.com/roach88/envproc/internal/metrics"
	"github.com/roach88/envproc/internal/serde"
	"github.com/roach88/envproc/internal/store"
	"github.com/roach88/envproc/internal/worker"
)

// WorkerOptions holds flags for the worker command.
type WorkerOptions struct {
	*RootOptions
	ConfigPath string

	// Registry resolves environment names. Defaults to env.Default().
	Registry *env.Registry
}

// NewWorkerCommand creates the worker command.
func NewWorkerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WorkerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run one environment worker",
		Long: `Run one environment worker for a coordinator.

The worker sends a hello to --parent-addr, builds the environment, creates
its shared-memory region under --flinks-folder and serves step, reset,
set-state and shapes requests until it is told to stop.

Settings come from --config (YAML), ENVPROC_* environment variables and
flags, in increasing precedence. env_options can only be set in the file
or through ENVPROC_ENV_OPTIONS.

Exit codes:
  0 - Stopped by the coordinator or a signal
  2 - Invalid configuration
  3 - Fatal error before the worker was ready
  4 - Fatal error while exchanging frames

Examples:
  envproc worker --config worker.yaml
  envproc worker --parent-addr 127.0.0.1:7000 --env cartpole --seed 42
  ENVPROC_SERDE_OBS=float_array envproc worker --config worker.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a YAML worker configuration")
	AddWorkerFlags(cmd.Flags())

	return cmd
}

// AddWorkerFlags registers one flag per configuration key. Unset flags do
// not override the file or the environment.
func AddWorkerFlags(fs *pflag.FlagSet) {
	fs.String(config.FlagName("proc_id"), "", "worker identity, names the link file (default generated)")
	fs.String(config.FlagName("parent_addr"), "", "coordinator control address host:port")
	fs.String(config.FlagName("env"), "", "environment name")
	for _, key := range []string{
		"serde.agent_id", "serde.action", "serde.obs", "serde.reward",
		"serde.obs_space", "serde.action_space", "serde.state", "serde.state_metrics",
	} {
		fs.String(config.FlagName(key), "", fmt.Sprintf("%s strategy", key))
	}
	fs.String(config.FlagName("metrics_collector"), "", "state metrics collector name")
	fs.Bool(config.FlagName("send_state"), false, "send environment state with every frame")
	fs.String(config.FlagName("flinks_folder"), "", "folder for shared-memory link files")
	fs.Int(config.FlagName("shm_buffer_size"), 0, "shared-memory data area in bytes")
	fs.Int64(config.FlagName("seed"), 0, "seed for every random source")
	fs.Bool(config.FlagName("render"), false, "render after every step")
	fs.Duration(config.FlagName("render_delay"), 0, "pause after each render")
	fs.Bool(config.FlagName("recalculate_agent_id_every_step"), false, "send agent IDs with every frame")
	fs.Duration(config.FlagName("handshake_timeout"), 0, "bound on each rendezvous wait")
	fs.String(config.FlagName("record_path"), "", "sqlite file recording frame digests")
	fs.String(config.FlagName("metrics_addr"), "", "serve Prometheus /metrics on this address")
}

func runWorker(opts *WorkerOptions, cmd *cobra.Command) error {
	cfg, err := config.Load(opts.ConfigPath, cmd.Flags())
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	reg := opts.Registry
	if reg == nil {
		reg = env.Default()
	}
	wc, err := cfg.WorkerConfig(reg)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	wc.Logger = slog.Default()
	wc.Metrics = metrics.NewCollector(cfg.ProcID)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.RecordPath != "" {
		st, err := store.Open(cfg.RecordPath)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open record database", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				slog.Error("error closing record database", "error", closeErr)
			}
		}()

		serdeJSON, err := SerdeJSON(cfg.Serde)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid serde configuration", err)
		}
		rec, err := st.BeginRun(ctx, store.Run{
			ProcID: cfg.ProcID,
			Env:    cfg.Env,
			Seed:   cfg.Seed,
			Serde:  serdeJSON,
		})
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to begin run", err)
		}
		wc.Recorder = rec
		slog.Info("recording frames", "path", cfg.RecordPath, "run_id", rec.Run().ID)
	}

	if cfg.MetricsAddr != "" {
		srv := metrics.NewServer(cfg.MetricsAddr)
		srv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Error("error stopping metrics server", "error", err)
			}
			if err := srv.Err(); err != nil {
				slog.Error("metrics server failed", "error", err)
			}
		}()
	}

	runner, err := worker.New(wc)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	return WorkerExitError(runner.Run(ctx))
}

// SerdeJSON renders a serde configuration as canonical JSON for run records.
func SerdeJSON(c serde.TypeConfig) (string, error) {
	c = c.WithDefaults()
	obj := ir.Object{}
	for _, k := range serde.Kinds {
		obj[k.String()] = ir.String(c.For(k))
	}
	data, err := ir.MarshalCanonical(obj)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

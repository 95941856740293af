package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/envproc/internal/config"
	"github.com/roach88/envproc/internal/coordinator"
	"github.com/roach88/envproc/internal/ir"
	"github.com/roach88/envproc/internal/protocol"
	"github.com/roach88/envproc/internal/rendezvous"
	"github.com/roach88/envproc/internal/rng"
)

// SpawnFunc starts one worker with the given worker-command arguments and
// returns a function that waits for it to exit.
type SpawnFunc func(ctx context.Context, args []string) (wait func() error, err error)

// DriveOptions holds flags for the drive command.
type DriveOptions struct {
	*RootOptions
	Workers          int
	Episodes         int
	MaxSteps         int
	Env              string
	Seed             int64
	FlinksFolder     string
	HandshakeTimeout time.Duration

	// Spawn allows overriding how workers are started (for testing).
	// If nil, each worker is a subprocess running this executable's worker
	// command.
	Spawn SpawnFunc
}

// EpisodeReport is the outcome of one worker's episodes.
type EpisodeReport struct {
	ProcID  string    `json:"proc_id"`
	Seed    int64     `json:"seed"`
	Returns []float64 `json:"returns"`
	Steps   []int     `json:"steps"`
	Error   string    `json:"error,omitempty"`
}

// DriveResult holds every worker's report, in worker order.
type DriveResult struct {
	Workers []EpisodeReport `json:"workers"`
}

func (r DriveResult) String() string {
	var b strings.Builder
	for i, w := range r.Workers {
		if i > 0 {
			b.WriteByte('\n')
		}
		if w.Error != "" {
			fmt.Fprintf(&b, "%s failed: %s", w.ProcID, w.Error)
			continue
		}
		for ep, ret := range w.Returns {
			if ep > 0 {
				b.WriteByte('\n')
			}
			fmt.Fprintf(&b, "%s episode %d return %g steps %d", w.ProcID, ep, ret, w.Steps[ep])
		}
	}
	return b.String()
}

// NewDriveCommand creates the drive command.
func NewDriveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DriveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "drive",
		Short: "Spawn workers and step them with random actions",
		Long: `Spawn worker processes and drive them as a coordinator would.

Each worker runs the chosen environment with its own seed (--seed plus the
worker index). Actions are drawn uniformly from a discrete action space;
environments without one receive action 0. An episode ends when every
agent is terminated or truncated, or after --max-steps steps. The return
of each episode, summed over agents, is printed per worker.

Examples:
  envproc drive --env cartpole --workers 4 --episodes 10
  envproc drive --env constant --max-steps 5 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDrive(opts, cmd)
		},
	}

	cmd.Flags().IntVarP(&opts.Workers, "workers", "n", 1, "number of worker processes")
	cmd.Flags().IntVar(&opts.Episodes, "episodes", 1, "episodes per worker")
	cmd.Flags().IntVar(&opts.MaxSteps, "max-steps", 500, "step limit per episode")
	cmd.Flags().StringVar(&opts.Env, "env", "cartpole", "environment name")
	cmd.Flags().Int64Var(&opts.Seed, "seed", 0, "base seed")
	cmd.Flags().StringVar(&opts.FlinksFolder, "flinks-folder", "", "folder for link files (default a fresh temporary folder)")
	cmd.Flags().DurationVar(&opts.HandshakeTimeout, "handshake-timeout", rendezvous.DefaultTimeout, "bound on each rendezvous wait")

	return cmd
}

func runDrive(opts *DriveOptions, cmd *cobra.Command) error {
	if opts.Workers <= 0 || opts.Episodes <= 0 || opts.MaxSteps <= 0 {
		return NewExitError(ExitCommandError, "workers, episodes and max-steps must be positive")
	}

	folder := opts.FlinksFolder
	if folder == "" {
		tmp, err := os.MkdirTemp("", "envproc-drive-")
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to create flinks folder", err)
		}
		defer os.RemoveAll(tmp)
		folder = tmp
	}

	spawn := opts.Spawn
	if spawn == nil {
		exe, err := os.Executable()
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to locate executable", err)
		}
		spawn = subprocessSpawner(exe, opts.RootOptions, cmd)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	reports := make([]EpisodeReport, opts.Workers)
	var wg sync.WaitGroup
	for i := range opts.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[i] = driveWorker(ctx, opts, spawn, folder, i)
		}()
	}
	wg.Wait()

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	if err := formatter.Success(DriveResult{Workers: reports}); err != nil {
		return err
	}

	var errs []error
	for _, r := range reports {
		if r.Error != "" {
			errs = append(errs, fmt.Errorf("%s: %s", r.ProcID, r.Error))
		}
	}
	if len(errs) > 0 {
		return WrapExitError(ExitFailure, "drive failed", errors.Join(errs...))
	}
	return nil
}

// subprocessSpawner runs "exe worker args..." with the parent's log
// settings and stderr.
func subprocessSpawner(exe string, root *RootOptions, cmd *cobra.Command) SpawnFunc {
	return func(ctx context.Context, args []string) (func() error, error) {
		full := []string{"worker", "--log-format", root.LogFormat}
		if root.Verbose {
			full = append(full, "--verbose")
		}
		c := exec.CommandContext(ctx, exe, append(full, args...)...)
		c.Stdout = cmd.ErrOrStderr()
		c.Stderr = cmd.ErrOrStderr()
		if err := c.Start(); err != nil {
			return nil, err
		}
		return c.Wait, nil
	}
}

// driveWorker runs every episode on one worker. Failures are reported, not
// returned, so the other workers finish.
func driveWorker(parent context.Context, opts *DriveOptions, spawn SpawnFunc, folder string, index int) EpisodeReport {
	procID := fmt.Sprintf("drive-%d", index)
	seed := opts.Seed + int64(index)
	report := EpisodeReport{ProcID: procID, Seed: seed, Returns: []float64{}, Steps: []int{}}
	log := slog.Default().With("proc_id", procID)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	proxy, err := coordinator.New(coordinator.Config{
		ProcID:           procID,
		FlinksFolder:     folder,
		HandshakeTimeout: opts.HandshakeTimeout,
		Logger:           slog.Default(),
	})
	if err != nil {
		report.Error = err.Error()
		return report
	}
	defer proxy.Close()

	wait, err := spawn(ctx, []string{
		"--" + config.FlagName("proc_id"), procID,
		"--" + config.FlagName("parent_addr"), proxy.Addr().String(),
		"--" + config.FlagName("env"), opts.Env,
		"--" + config.FlagName("seed"), strconv.FormatInt(seed, 10),
		"--" + config.FlagName("flinks_folder"), folder,
		"--" + config.FlagName("handshake_timeout"), opts.HandshakeTimeout.String(),
	})
	if err != nil {
		report.Error = fmt.Sprintf("spawn: %v", err)
		return report
	}

	// A worker that exits early unblocks the proxy.
	exited := make(chan error, 1)
	go func() {
		err := wait()
		cancel()
		exited <- err
	}()

	driveErr := runEpisodes(ctx, opts, proxy, rng.New(seed), &report)
	if driveErr != nil {
		cancel()
	}
	workerErr := <-exited

	switch {
	case driveErr != nil && workerErr != nil:
		report.Error = fmt.Sprintf("%v (worker: %v)", driveErr, workerErr)
	case driveErr != nil:
		report.Error = driveErr.Error()
	case workerErr != nil:
		report.Error = fmt.Sprintf("worker: %v", workerErr)
	}
	log.Info("worker finished", "episodes", len(report.Returns), "error", report.Error)
	return report
}

func runEpisodes(ctx context.Context, opts *DriveOptions, proxy *coordinator.Proxy, r *rng.Context, report *EpisodeReport) error {
	rec, err := proxy.Accept(ctx)
	if err != nil {
		return err
	}
	shapes, err := proxy.Shapes(ctx)
	if err != nil {
		return err
	}
	n := discreteActions(shapes.ActionSpace)

	for ep := range opts.Episodes {
		if ep > 0 {
			if rec, err = proxy.Reset(ctx); err != nil {
				return err
			}
		}

		var total float64
		steps := 0
		for steps < opts.MaxSteps {
			actions := make([]ir.Value, len(rec.Agents))
			for i := range actions {
				actions[i] = ir.Int(0)
				if n > 0 {
					actions[i] = ir.Int(r.General.Int63n(n))
				}
			}
			if rec, err = proxy.Step(ctx, actions); err != nil {
				return err
			}
			steps++
			for _, a := range rec.Agents {
				total += rewardOf(a.Reward)
			}
			if allDone(rec) {
				break
			}
		}
		report.Returns = append(report.Returns, total)
		report.Steps = append(report.Steps, steps)
	}

	return proxy.Stop(ctx)
}

// discreteActions returns n for a {"type": "discrete", "n": n} space and 0
// for anything else.
func discreteActions(space ir.Value) int64 {
	obj, ok := space.(ir.Object)
	if !ok {
		return 0
	}
	if kind, _ := obj["type"].(ir.String); kind != "discrete" {
		return 0
	}
	n, ok := obj["n"].(ir.Int)
	if !ok || n <= 0 {
		return 0
	}
	return int64(n)
}

func rewardOf(v ir.Value) float64 {
	switch r := v.(type) {
	case ir.Float:
		return float64(r)
	case ir.Int:
		return float64(r)
	}
	return 0
}

func allDone(rec *protocol.StepRecord) bool {
	for _, a := range rec.Agents {
		if !a.Terminated && !a.Truncated {
			return false
		}
	}
	return len(rec.Agents) > 0
}

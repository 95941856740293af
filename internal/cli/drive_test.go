package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/envproc/internal/ir"
)

// inProcessSpawn runs each worker as an in-process worker command.
func inProcessSpawn(ctx context.Context, args []string) (func() error, error) {
	done := make(chan error, 1)
	go func() { done <- runWorkerCmd(ctx, args...) }()
	return func() error { return <-done }, nil
}

func newDriveOpts(t *testing.T, format string) *DriveOptions {
	return &DriveOptions{
		RootOptions:      &RootOptions{Format: format, LogFormat: "text"},
		Workers:          1,
		Episodes:         1,
		MaxSteps:         500,
		Env:              "cartpole",
		FlinksFolder:     t.TempDir(),
		HandshakeTimeout: 10 * time.Second,
		Spawn:            inProcessSpawn,
	}
}

func execDrive(t *testing.T, opts *DriveOptions) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := &cobra.Command{}
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetContext(context.Background())
	err := runDrive(opts, cmd)
	return buf.String(), err
}

func TestDrive_ConstantEpisodes(t *testing.T) {
	opts := newDriveOpts(t, "text")
	opts.Env = "constant"
	opts.Workers = 2
	opts.Episodes = 2
	opts.MaxSteps = 5

	out, err := execDrive(t, opts)
	require.NoError(t, err)
	assert.Equal(t, ""+
		"drive-0 episode 0 return 5 steps 5\n"+
		"drive-0 episode 1 return 5 steps 5\n"+
		"drive-1 episode 0 return 5 steps 5\n"+
		"drive-1 episode 1 return 5 steps 5\n", out)
}

func TestDrive_CartPoleIsDeterministic(t *testing.T) {
	run := func() DriveResult {
		opts := newDriveOpts(t, "json")
		opts.Episodes = 3
		opts.Seed = 11

		out, err := execDrive(t, opts)
		require.NoError(t, err)

		var response struct {
			Status string      `json:"status"`
			Data   DriveResult `json:"data"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &response))
		assert.Equal(t, "ok", response.Status)
		return response.Data
	}

	first, second := run(), run()
	require.Len(t, first.Workers, 1)
	w := first.Workers[0]
	assert.Equal(t, "drive-0", w.ProcID)
	assert.Equal(t, int64(11), w.Seed)
	assert.Empty(t, w.Error)
	require.Len(t, w.Returns, 3)
	for i, ret := range w.Returns {
		// Every step pays 1 except a terminating one.
		steps := float64(w.Steps[i])
		assert.True(t, ret == steps || ret == steps-1, "episode %d: return %g over %d steps", i, ret, w.Steps[i])
	}
	assert.Equal(t, first, second)
}

func TestDrive_WorkerFailureIsReported(t *testing.T) {
	opts := newDriveOpts(t, "text")
	opts.Env = "pendulum"

	out, err := execDrive(t, opts)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "drive-0 failed")
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestDrive_Validation(t *testing.T) {
	opts := newDriveOpts(t, "text")
	opts.Workers = 0

	_, err := execDrive(t, opts)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestDiscreteActions(t *testing.T) {
	tests := []struct {
		name  string
		space ir.Value
		want  int64
	}{
		{"discrete", ir.Object{"type": ir.String("discrete"), "n": ir.Int(2)}, 2},
		{"box", ir.Object{"type": ir.String("box"), "n": ir.Int(2)}, 0},
		{"missing n", ir.Object{"type": ir.String("discrete")}, 0},
		{"not an object", ir.String("discrete"), 0},
		{"nil", nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, discreteActions(tt.space))
		})
	}
}

// Command envproc runs environment worker processes and the tools around
// them.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/envproc/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}

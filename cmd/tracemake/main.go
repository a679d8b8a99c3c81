// Command tracemake is the entry point for the tracemake build engine CLI.
package main

import (
	"fmt"
	"os"

	"github.com/tracemake/tracemake/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}

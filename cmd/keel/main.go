// Command keel compiles and runs queries and loads seed data over tables
// declared in YAML or CUE schema files.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/roach88/keel/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		var exitErr *cli.ExitError
		if !errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(cli.GetExitCode(err))
	}
}

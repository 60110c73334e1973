// Command dotlock drives and serves a shared dot whose position at most one
// client controls at a time.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/dotlock/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}

// cmd/compliance/main.go
//
// Entry point for the compliance CLI. Every subcommand works against the
// .compliance directory of --project (the current directory by default).
//
// Exit codes for commands that report on a run:
//
//	0  run completed
//	1  run failed, or the command itself failed
//	2  run is still in progress

package main

import (
	"errors"
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode prints err and maps it to the process status.
func exitCode(err error) int {
	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			fmt.Fprintln(os.Stderr, exit.err)
		}
		return exit.code
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return 1
}

// Command murmur is the operator CLI for the murmur voice pipeline:
// job inspection, daemon status, candidate review, and maintenance
// commands that act directly on the data directories.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

package main

import (
	"os"

	"vetdesk/internal/cli"
)

// main runs the vetdesk command tree.
// Returns: process exit code 1 when the command fails.
func main() {
	if err := cli.NewRootCmd(cli.DefaultRuntime()).Execute(); err != nil {
		os.Exit(1)
	}
}

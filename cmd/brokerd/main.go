// Command brokerd is the broker-core entry point: builds the cobra
// command tree and executes it, recovering from any panic so a bad
// config or backend failure exits cleanly instead of crashing.
package main

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/broker-core/internal/cli"
)

// Build-time version injection via ldflags, e.g.:
// go build -ldflags "-X main.version=1.0.0"
var (
	version = "1.0.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal error: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := cli.BuildCLI()
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

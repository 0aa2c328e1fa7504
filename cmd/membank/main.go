// Package main is the entry point for the membank CLI.
package main

import (
	"os"

	"github.com/KafClaw/membank/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}

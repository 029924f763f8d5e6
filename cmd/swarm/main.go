// Package main provides the entry point for the swarm CLI.
package main

import (
	"os"

	"github.com/randalmurphal/swarm/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}

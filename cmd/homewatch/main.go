// Package main is the entry point for the homewatch CLI.
package main

import (
	"os"

	"github.com/homewatch/homewatch/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}

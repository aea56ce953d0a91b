// Package main is the entry point for the leapsync CLI.
package main

import (
	"os"

	"github.com/leapstack-labs/leapsync/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}

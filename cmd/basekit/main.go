// Package main is the entry point for basekit, a thin wrapper around the cli
// package.
package main

import (
	"os"

	"github.com/zot/basekit/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}

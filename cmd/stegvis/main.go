// Package main is the entry point for the stegvis wizard server.
package main

import (
	"fmt"
	"os"

	"github.com/stegvis/stegvis/cmd/stegvis/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

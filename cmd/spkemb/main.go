// Package main is the entry point of the spkemb speaker-embedding
// pipeline.
//
// Usage:
//
//	spkemb [flags] <command> [args]
//
// Commands:
//
//	run      - Run pipeline stages (--stage picks the first one)
//	status   - Show the per-stage run journal
//	inspect  - Decode an artifact written by a stage
//	version  - Show version information
package main

import (
	"fmt"
	"os"

	"github.com/haivivi/spkemb/cmd/spkemb/commands"
)

func main() {
	err := commands.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(commands.ExitCode(err))
}

// Package main provides the apsara-live terminal client.
//
// Usage:
//
//	apsara-live [flags] <command>
//
// Commands:
//
//	connect - start a live session against a relay
//	saved   - list or delete server-side saved sessions
package main

import (
	"fmt"
	"os"

	"github.com/apsara-ai/apsara/cmd/apsara-live/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// Command cachectl is the operational CLI for the hybrid cache layer:
// queue status, purge, cache clear, and conflict inspection. It drives
// the same underlying components a client file-access front end would,
// for operator inspection rather than client file access.
package main

import (
	"fmt"
	"os"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

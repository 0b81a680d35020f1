// Command sandbox-client submits scripts to a remote sandbox peer and
// streams their output.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

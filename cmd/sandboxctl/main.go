// Package main is sandboxctl, the command-line client for sandboxd sessions.
//
// sandboxctl works directly on the local registry and adapters, the same
// state the server uses, so sessions created by one are visible to the other.
// Every command prints its result as YAML or JSON.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/isdmx/sandboxd/errdefs"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var exit *exitCodeError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "error: %s: %v\n", errdefs.Code(err), err)
		os.Exit(1)
	}
}

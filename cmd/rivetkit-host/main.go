// Command rivetkit-host is the standalone CLI entry point for the actor
// runtime's host integration surface (§4.I "startRunner()"): `serve` runs
// a process hosting the registered actor definitions behind the §6
// HTTP/WS protocol, `migrate` runs every registered definition's embedded-DB
// migration against a throwaway database as a pre-flight check, and
// `inspect-token` mints a token suitable for RIVETKIT_INSPECTOR_TOKEN.
//
// Exit codes (§6 "Exit codes (host CLI)"): 0 success, 1 generic failure,
// 2 configuration error, 64 a panic while building the registered actor
// definitions (buildDefinitions). Lifecycle hooks such as onCreate/onStart
// do not run at startup and never produce exit 64.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// configError marks a failure in environment/flag interpretation (exit 2),
// distinct from a runtime failure (exit 1) or a handler failure during
// startup (exit 64).
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

// handlerErrorExit marks a panic recovered while building the registered
// actor definitions during startup (exit 64, matching the classic sysexits EX_USAGE code
// the spec borrows for "user-error-in-handler on startup").
type handlerErrorExit struct{ err error }

func (e *handlerErrorExit) Error() string { return e.err.Error() }
func (e *handlerErrorExit) Unwrap() error { return e.err }

func main() {
	root := &cobra.Command{
		Use:           "rivetkit-host",
		Short:         "Run and administer a rivetkit actor runtime host",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newMigrateCmd(), newInspectTokenCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "rivetkit-host:", err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	var cfgErr *configError
	if errors.As(err, &cfgErr) {
		return 2
	}
	var hErr *handlerErrorExit
	if errors.As(err, &hErr) {
		return 64
	}
	return 1
}

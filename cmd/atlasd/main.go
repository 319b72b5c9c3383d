// Command atlasd runs the ATLAS hybrid voice routing core: VAD, Streaming
// Transcriber, Router, Generators, Streaming Synthesizer, Filler Player and
// Cost Ledger wired together by pkg/core.Controller, the way the teacher
// orchestrator's cmd/agent wires its own Orchestrator.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes per spec.md §6.5.
const (
	exitOK            = 0
	exitUsage         = 64
	exitConfigInvalid = 65
	exitUnavailable   = 66
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "atlasd",
		Short:         "ATLAS hybrid voice routing core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newCancelCmd())
	root.AddCommand(newReloadPolicyCmd())
	return root
}

// exitCodeErr lets subcommands control their process exit code without
// main needing to know each command's failure taxonomy.
type exitCodeErr struct {
	code int
	err  error
}

func (e *exitCodeErr) Error() string { return e.err.Error() }
func (e *exitCodeErr) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	if ece, ok := err.(*exitCodeErr); ok {
		return ece.code
	}
	fmt.Fprintln(os.Stderr, "atlasd:", err)
	return exitUnavailable
}

func usageErr(err error) error         { return &exitCodeErr{code: exitUsage, err: err} }
func configInvalidErr(err error) error { return &exitCodeErr{code: exitConfigInvalid, err: err} }
func unavailableErr(err error) error   { return &exitCodeErr{code: exitUnavailable, err: err} }

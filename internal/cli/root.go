// Package cli wires the a2rok command tree: the edge server, its admin
// commands, and the agent commands that expose local services.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Run is the main CLI entry point. It parses args and dispatches to the
// appropriate subcommand, returning a process exit code.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	loadDotEnv(".env")
	return execute(ctx, args, os.Stdout, os.Stderr)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		var uerr usageError
		if errors.As(err, &uerr) {
			return 2
		}
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "a2rok",
		Short: "a2rok - expose local HTTP and websocket services through your own edge",
		Long: `a2rok relays public traffic for <name>.<base-domain> to an agent running
next to a local service.

Quick Start:
  1. a2rok server --base-domain example.com           # start the edge
  2. a2rok user create --email you@example.com         # create a principal, prints a token
  3. a2rok login --server https://example.com --token TOKEN
  4. a2rok http 3000                                   # expose a local HTTP port
     or: a2rok ws ws://127.0.0.1:9000/socket          # relay a local websocket`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})
	root.AddCommand(
		newServerCmd(),
		newUserCmd(),
		newDomainCmd(),
		newLoginCmd(),
		newLogoutCmd(),
		newHTTPCmd(),
		newWebSocketCmd("ws"),
		newWebSocketCmd("wss"),
		newVersionCmd(),
	)
	return root
}

// usageError marks invalid invocations, which exit with status 2.
type usageError struct {
	err error
}

func (e usageError) Error() string { return e.err.Error() }

func (e usageError) Unwrap() error { return e.err }

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

func requireFlag(fs *pflag.FlagSet, name string) error {
	if f := fs.Lookup(name); f == nil || f.Value.String() == "" {
		return usageError{fmt.Errorf("missing --%s", name)}
	}
	return nil
}

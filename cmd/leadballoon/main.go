// Command leadballoon runs a demo HTTP service with graceful draining and
// inspects its configuration.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/froppa/leadballoon/kits/runtimeinfo"
	"github.com/spf13/cobra"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		if writeErr := writeln(root.ErrOrStderr(), err); writeErr != nil {
			_, _ = fmt.Fprintf(os.Stderr, "leadballoon: %v\n", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           runtimeinfo.Name,
		Short:         "HTTP service that drains in-flight requests before it exits",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newConfigCmd())
	root.AddCommand(runtimeinfo.NewVersionCommand())

	return root
}

// exitError carries a process exit code without a message.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func writef(w io.Writer, format string, args ...any) error {
	_, err := fmt.Fprintf(w, format, args...)
	return err
}

func writeln(w io.Writer, args ...any) error {
	_, err := fmt.Fprintln(w, args...)
	return err
}

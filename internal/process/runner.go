// Package process builds the command lines for the target runner (xrun or
// xsim) and the companion host executable, and wraps the xrun adapter report.
package process

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
)

// Runner creates executable commands bound to a coordination port.
// This interface allows the supervisor to be process-agnostic.
type Runner interface {
	// BuildCommand returns a ready-to-start command talking on port.
	// The command should NOT be started yet.
	BuildCommand(ctx context.Context, port int) (*exec.Cmd, error)

	// Name returns a human-readable name for this process type.
	Name() string

	// CommandString returns the command line that would be executed.
	CommandString(port int) string
}

// formatCommand joins a binary and its arguments for display, quoting any
// argument that would not survive a shell round trip.
func formatCommand(binary string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, binary)
	for _, a := range args {
		if a == "" || strings.ContainsAny(a, " \t\"'\\") {
			a = strconv.Quote(a)
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

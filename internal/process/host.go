package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// HostExecutableBase is the file name of the companion host executable,
// without the platform suffix.
const HostExecutableBase = "xscope_host_endpoint"

// ErrHostNotFound is returned when the host executable cannot be located.
var ErrHostNotFound = errors.New("host executable not found; build the host app first")

// HostExecutableName returns the platform file name of the host executable.
func HostExecutableName() string {
	if runtime.GOOS == "windows" {
		return HostExecutableBase + ".exe"
	}
	return HostExecutableBase
}

// HostSearchDirs returns the directories searched for the host executable,
// in order: ./host, <binary dir>/host, <binary dir>/../host.
func HostSearchDirs() []string {
	var dirs []string
	if wd, err := os.Getwd(); err == nil {
		dirs = append(dirs, filepath.Join(wd, "host"))
	}
	if exe, err := os.Executable(); err == nil {
		binDir := filepath.Dir(exe)
		dirs = append(dirs,
			filepath.Join(binDir, "host"),
			filepath.Join(binDir, "..", "host"),
		)
	}
	return dirs
}

// FindHostExecutable resolves the host executable. An explicit path is
// checked and returned as is; otherwise dirs are searched in order.
func FindHostExecutable(explicit string, dirs []string) (string, error) {
	if explicit != "" {
		info, err := os.Stat(explicit)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrHostNotFound, err)
		}
		if info.IsDir() {
			return "", fmt.Errorf("%w: %s is a directory", ErrHostNotFound, explicit)
		}
		return explicit, nil
	}

	name := HostExecutableName()
	for _, dir := range dirs {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return filepath.Clean(candidate), nil
		}
	}

	return "", fmt.Errorf("%w (searched %s)", ErrHostNotFound, strings.Join(dirs, ", "))
}

// HostRunner implements Runner for the companion host executable.
// The host is invoked as: <path> <port>
type HostRunner struct {
	path string
}

// NewHostRunner creates a runner for the host executable at path.
func NewHostRunner(path string) *HostRunner {
	return &HostRunner{path: path}
}

// Name returns "host".
func (r *HostRunner) Name() string {
	return "host"
}

// Path returns the host executable path.
func (r *HostRunner) Path() string {
	return r.path
}

// BuildCommand creates an exec.Cmd for the host.
func (r *HostRunner) BuildCommand(ctx context.Context, port int) (*exec.Cmd, error) {
	if r.path == "" {
		return nil, ErrHostNotFound
	}
	if port <= 0 {
		return nil, fmt.Errorf("invalid port %d", port)
	}
	return exec.CommandContext(ctx, r.path, strconv.Itoa(port)), nil
}

// CommandString returns the command that would be executed (for debugging).
func (r *HostRunner) CommandString(port int) string {
	return formatCommand(r.path, []string{strconv.Itoa(port)})
}

package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

const (
	// MaxLineLength is the maximum length of a single output line before truncation.
	MaxLineLength = 4096

	// MaxBufferedLines is the number of recent lines kept per process.
	MaxBufferedLines = 100
)

// OutputOptions controls how an OutputHandler reports lines.
type OutputOptions struct {
	// Verbose logs every line; otherwise only warning and error lines are logged.
	Verbose bool

	// Echo, if non-nil, receives each line prefixed with the role.
	Echo io.Writer
}

// OutputHandler captures stdout/stderr of a child process.
//
// It implements io.Writer so it can be assigned to exec.Cmd.Stdout and
// Stderr directly. Writes are split into lines; an incomplete trailing line
// is held until the next write or Flush. The most recent lines are kept in a
// ring buffer for failure summaries.
type OutputHandler struct {
	role   string
	logger *slog.Logger
	opts   OutputOptions

	mu      sync.Mutex
	partial []byte
	buffer  []string
	bufIdx  int
	total   int
}

// NewOutputHandler creates an output handler for the process with the given role.
func NewOutputHandler(role string, logger *slog.Logger, opts OutputOptions) *OutputHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &OutputHandler{
		role:   role,
		logger: logger,
		opts:   opts,
		buffer: make([]string, MaxBufferedLines),
	}
}

// Role returns the role label of the process this handler belongs to.
func (h *OutputHandler) Role() string {
	return h.role
}

// Write implements io.Writer.
func (h *OutputHandler) Write(p []byte) (int, error) {
	h.mu.Lock()
	h.partial = append(h.partial, p...)

	var lines []string
	for {
		i := bytes.IndexByte(h.partial, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(h.partial[:i]))
		h.partial = h.partial[i+1:]
	}

	// A runaway line without a newline is cut rather than buffered forever.
	if len(h.partial) > MaxLineLength {
		lines = append(lines, string(h.partial))
		h.partial = nil
	}
	if len(h.partial) == 0 {
		h.partial = nil
	}
	h.mu.Unlock()

	for _, line := range lines {
		h.HandleLine(line)
	}
	return len(p), nil
}

// Flush emits any buffered partial line. Call it after the process exits.
func (h *OutputHandler) Flush() {
	h.mu.Lock()
	rest := h.partial
	h.partial = nil
	h.mu.Unlock()

	if len(rest) > 0 {
		h.HandleLine(string(rest))
	}
}

// HandleLine processes a single line of output.
func (h *OutputHandler) HandleLine(line string) {
	line = strings.TrimRight(line, "\r")
	if len(line) > MaxLineLength {
		line = line[:MaxLineLength] + "...(truncated)"
	}

	h.mu.Lock()
	h.buffer[h.bufIdx] = line
	h.bufIdx = (h.bufIdx + 1) % MaxBufferedLines
	h.total++
	if h.opts.Echo != nil {
		fmt.Fprintf(h.opts.Echo, "[%s] %s\n", h.role, line)
	}
	h.mu.Unlock()

	h.logLine(line)
}

func (h *OutputHandler) logLine(line string) {
	level := classifyLine(line)
	if !h.opts.Verbose && level == slog.LevelDebug {
		return
	}

	h.logger.Log(context.Background(), level, "child_output",
		"role", h.role,
		"line", line,
	)
}

// classifyLine picks a log level from the content of a line. Firmware
// asserts and tool errors are errors; a refused connection is the host
// retrying before the target is up.
func classifyLine(line string) slog.Level {
	lower := strings.ToLower(line)

	switch {
	case strings.Contains(lower, "error"),
		strings.Contains(lower, "fatal"),
		strings.Contains(lower, "assert"),
		strings.Contains(lower, "exception"):
		return slog.LevelError
	case strings.Contains(lower, "warning"),
		strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "timed out"),
		strings.Contains(lower, "timeout"):
		return slog.LevelWarn
	}

	return slog.LevelDebug
}

// RecentLines returns up to n of the most recent lines, oldest first.
func (h *OutputHandler) RecentLines(n int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n > MaxBufferedLines {
		n = MaxBufferedLines
	}
	if n > h.total {
		n = h.total
	}

	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		idx := (h.bufIdx - n + i + MaxBufferedLines) % MaxBufferedLines
		lines = append(lines, h.buffer[idx])
	}
	return lines
}

// LineCount returns the total number of lines seen.
func (h *OutputHandler) LineCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}

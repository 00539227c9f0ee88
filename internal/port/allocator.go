// Package port picks the coordination port for a run and watches for the
// target runner to claim it.
//
// Readiness is inferred from bind failures: while our transient bind on the
// port succeeds, nothing owns it yet. Once the bind fails the target runner
// is assumed to be listening.
//
// Known limitation: the port is released between Allocate and the target
// runner binding it. Another process on the host can take it in that window.
package port

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// DefaultHost is the address the target runner is told to listen on.
const DefaultHost = "localhost"

var (
	// ErrPortAllocation wraps OS errors from Allocate (usually resource exhaustion).
	ErrPortAllocation = errors.New("port allocation failed")

	// ErrStartupTimeout is returned when the port is still free at the deadline.
	ErrStartupTimeout = errors.New("port not claimed before deadline")

	// ErrAborted is returned when the abort channel closes while polling.
	ErrAborted = errors.New("readiness wait aborted")
)

// Allocator hands out ephemeral ports and probes whether they are in use.
// It is stateless apart from the bind host.
type Allocator struct {
	host string
}

// NewAllocator creates an Allocator binding on host. Empty host means DefaultHost.
func NewAllocator(host string) *Allocator {
	if host == "" {
		host = DefaultHost
	}
	return &Allocator{host: host}
}

// Host returns the bind host.
func (a *Allocator) Host() string {
	return a.host
}

// Allocate binds an OS-chosen port, releases it, and returns its number.
func (a *Allocator) Allocate() (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(a.host, "0"))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrPortAllocation, err)
	}
	p := ln.Addr().(*net.TCPAddr).Port
	if err := ln.Close(); err != nil {
		return 0, fmt.Errorf("%w: release: %w", ErrPortAllocation, err)
	}
	return p, nil
}

// IsFree reports whether a transient bind on port succeeds.
func (a *Allocator) IsFree(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(a.host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// Address returns host:port for the given port.
func (a *Allocator) Address(port int) string {
	return net.JoinHostPort(a.host, strconv.Itoa(port))
}

// WaitOptions controls WaitClaimed.
type WaitOptions struct {
	// Interval between probes (default 100ms).
	Interval time.Duration

	// Timeout is the wall-clock budget for the whole wait. Must be positive.
	Timeout time.Duration

	// Abort stops the wait early when closed (e.g. target runner exited).
	Abort <-chan struct{}

	// OnPoll is called after every probe that found the port still free.
	OnPoll func(attempt int)
}

// WaitClaimed polls IsFree until the port is in use.
//
// Returns nil once claimed, ErrStartupTimeout if the deadline passes first,
// ErrAborted if opts.Abort closes, or ctx.Err() if ctx ends. The deadline is
// checked after each sleep, so a timeout is reported within Timeout plus one
// Interval.
func (a *Allocator) WaitClaimed(ctx context.Context, port int, opts WaitOptions) error {
	interval := opts.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if opts.Timeout <= 0 {
		return fmt.Errorf("wait for port %d: timeout must be positive", port)
	}

	deadline := time.Now().Add(opts.Timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	attempt := 0
	for a.IsFree(port) {
		attempt++
		if opts.OnPoll != nil {
			opts.OnPoll(attempt)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-opts.Abort:
			return ErrAborted
		case <-ticker.C:
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: port %d after %s", ErrStartupTimeout, port, opts.Timeout)
		}
	}
	return nil
}

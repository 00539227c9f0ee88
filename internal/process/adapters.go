package process

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Layout of the `xrun -l` report. The column offsets are a contract with the
// tools version; rows that cannot hold them are rejected, not guessed at.
const (
	adapterIDStart  = 26
	adapterIDEnd    = 34
	noDevicesLine   = 4
	firstAdapterRow = 6

	// NoDevicesSentinel is printed by xrun -l when nothing is attached.
	NoDevicesSentinel = "No Available Devices Found"
)

// expectedHeader is the first four lines of every xrun -l report.
var expectedHeader = []string{"", "Available XMOS Devices", "----------------------", ""}

// ErrNoAdapters is returned when xrun reports no attached devices.
var ErrNoAdapters = errors.New("no available devices found")

// AdapterDiscoveryFormatError reports xrun -l output that does not have the
// expected shape.
type AdapterDiscoveryFormatError struct {
	Line   int // zero-based line index, -1 when the output is too short
	Reason string
	Output string
}

func (e *AdapterDiscoveryFormatError) Error() string {
	if e.Line < 0 {
		return fmt.Sprintf("unexpected xrun -l output: %s", e.Reason)
	}
	return fmt.Sprintf("unexpected xrun -l output at line %d: %s", e.Line+1, e.Reason)
}

// Adapter is one row of the xrun -l device table.
type Adapter struct {
	Description string // columns before the adapter ID (index and name)
	ID          string
	Status      string // devices / status column
}

// ParseAdapterList parses the text report produced by `xrun -l`.
// The table ends at the first blank line after a row; anything below it is
// a footer and ignored. A short non-blank line inside the table is a format
// error.
func ParseAdapterList(output string) ([]Adapter, error) {
	lines := strings.Split(output, "\n")
	for i := range lines {
		lines[i] = strings.TrimRight(lines[i], "\r")
	}

	formatErr := func(line int, reason string) error {
		return &AdapterDiscoveryFormatError{Line: line, Reason: reason, Output: output}
	}

	if len(lines) < len(expectedHeader) {
		return nil, formatErr(-1, fmt.Sprintf("want %d header lines, got %d lines", len(expectedHeader), len(lines)))
	}
	for i, want := range expectedHeader {
		if lines[i] != want {
			return nil, formatErr(i, fmt.Sprintf("header mismatch: got %q, want %q", lines[i], want))
		}
	}

	if len(lines) <= noDevicesLine {
		return nil, formatErr(-1, "output ends after header")
	}
	if strings.Contains(lines[noDevicesLine], NoDevicesSentinel) {
		return nil, ErrNoAdapters
	}

	var adapters []Adapter
	for i := firstAdapterRow; i < len(lines); i++ {
		line := lines[i]
		if strings.TrimSpace(line) == "" {
			if len(adapters) > 0 {
				break
			}
			continue
		}
		if len(line) <= adapterIDStart {
			return nil, formatErr(i, fmt.Sprintf("row too short for adapter ID column (%d chars)", len(line)))
		}

		end := min(adapterIDEnd, len(line))
		a := Adapter{
			Description: strings.TrimSpace(line[:adapterIDStart]),
			ID:          strings.TrimSpace(line[adapterIDStart:end]),
		}
		if len(line) > adapterIDEnd {
			a.Status = strings.TrimSpace(line[adapterIDEnd:])
		}
		if a.ID == "" {
			return nil, formatErr(i, "empty adapter ID column")
		}
		adapters = append(adapters, a)
	}

	if len(adapters) == 0 {
		return nil, ErrNoAdapters
	}
	return adapters, nil
}

// ListAdapters runs `<xrunPath> -l` and parses its report.
func ListAdapters(ctx context.Context, xrunPath string) ([]Adapter, error) {
	out, err := exec.CommandContext(ctx, xrunPath, "-l").CombinedOutput()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%s not found; ensure the XMOS tools are activated in your environment: %w", xrunPath, err)
		}
		return nil, fmt.Errorf("%s -l failed: %w: %s", xrunPath, err, strings.TrimSpace(string(out)))
	}
	return ParseAdapterList(string(out))
}

// DiscoverAdapterID returns the ID of the last adapter xrun reports.
func DiscoverAdapterID(ctx context.Context, xrunPath string) (string, error) {
	adapters, err := ListAdapters(ctx, xrunPath)
	if err != nil {
		return "", err
	}
	return adapters[len(adapters)-1].ID, nil
}

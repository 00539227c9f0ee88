// Package preflight provides startup validation checks.
package preflight

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/randomizedcoder/go-xscope-hil/internal/port"
	"github.com/randomizedcoder/go-xscope-hil/internal/process"
)

// portRangeFile is the Linux ephemeral port range.
var portRangeFile = "/proc/sys/net/ipv4/ip_local_port_range"

// minEphemeralPorts is the smallest range that still leaves room for
// repeated runs with ports in TIME_WAIT.
const minEphemeralPorts = 1024

// Check represents the result of a single preflight check.
type Check struct {
	Name     string // Name of the check
	Required int    // Required value (if applicable)
	Actual   int    // Actual value found
	Passed   bool   // Whether the check passed
	Warning  bool   // True if it's a warning (non-fatal)
	Message  string // Additional context
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks []Check
	Passed bool
}

// Options holds what the checks need to know about the run.
type Options struct {
	TargetTool string // xrun or xsim
	Simulate   bool
	HostPath   string   // explicit host executable, or empty to search
	HostDirs   []string // search directories when HostPath is empty
	Firmware   string
	BindHost   string
}

// String returns a human-readable summary of the check.
func (c Check) String() string {
	status := "✓"
	if !c.Passed {
		status = "✗"
	} else if c.Warning {
		status = "⚠"
	}

	if c.Required > 0 {
		return fmt.Sprintf("  %s %s: %d available (need %d)", status, c.Name, c.Actual, c.Required)
	}
	return fmt.Sprintf("  %s %s: %s", status, c.Name, c.Message)
}

// RunAll executes all preflight checks.
func RunAll(opts Options) *Result {
	result := &Result{
		Checks: make([]Check, 0, 5),
		Passed: true,
	}

	add := func(c Check) {
		result.Checks = append(result.Checks, c)
		if !c.Passed {
			result.Passed = false
		}
	}

	add(checkTargetTool(opts.TargetTool, opts.Simulate))
	add(checkHostExecutable(opts.HostPath, opts.HostDirs))
	add(checkFirmware(opts.Firmware))
	add(checkLoopbackBind(opts.BindHost))

	// Warning only
	add(checkEphemeralPorts())

	return result
}

// checkTargetTool verifies xrun or xsim is on PATH (or at the given path).
func checkTargetTool(path string, simulate bool) Check {
	name := "xrun"
	if simulate {
		name = "xsim"
	}

	resolved, err := exec.LookPath(path)
	if err != nil {
		return Check{
			Name:    name,
			Passed:  false,
			Message: fmt.Sprintf("not found at %s: %v", path, err),
		}
	}
	return Check{
		Name:    name,
		Passed:  true,
		Message: fmt.Sprintf("found at %s", resolved),
	}
}

// checkHostExecutable verifies the companion host executable can be located.
func checkHostExecutable(explicit string, dirs []string) Check {
	path, err := process.FindHostExecutable(explicit, dirs)
	if err != nil {
		return Check{
			Name:    "host_executable",
			Passed:  false,
			Message: err.Error(),
		}
	}
	return Check{
		Name:    "host_executable",
		Passed:  true,
		Message: fmt.Sprintf("found at %s", path),
	}
}

// checkFirmware verifies the firmware image exists and is a regular file.
func checkFirmware(path string) Check {
	info, err := os.Stat(path)
	if err != nil {
		return Check{
			Name:    "firmware",
			Passed:  false,
			Message: fmt.Sprintf("cannot stat %s: %v", path, err),
		}
	}
	if !info.Mode().IsRegular() {
		return Check{
			Name:    "firmware",
			Passed:  false,
			Message: fmt.Sprintf("%s is not a regular file", path),
		}
	}
	return Check{
		Name:    "firmware",
		Passed:  true,
		Message: fmt.Sprintf("%s (%d bytes)", path, info.Size()),
	}
}

// checkLoopbackBind verifies a coordination port can be allocated on host.
func checkLoopbackBind(host string) Check {
	a := port.NewAllocator(host)
	p, err := a.Allocate()
	if err != nil {
		return Check{
			Name:    "loopback_bind",
			Passed:  false,
			Message: err.Error(),
		}
	}
	return Check{
		Name:    "loopback_bind",
		Passed:  true,
		Message: fmt.Sprintf("bound %s", a.Address(p)),
	}
}

// checkEphemeralPorts checks the size of the ephemeral port range.
func checkEphemeralPorts() Check {
	data, err := os.ReadFile(portRangeFile)
	if err != nil {
		return Check{
			Name:    "ephemeral_ports",
			Passed:  true,
			Warning: true,
			Message: "unable to read port range (non-Linux?)",
		}
	}

	var low, high int
	if _, err := fmt.Sscanf(strings.TrimSpace(string(data)), "%d %d", &low, &high); err != nil {
		return Check{
			Name:    "ephemeral_ports",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("unable to parse port range %q", strings.TrimSpace(string(data))),
		}
	}
	available := high - low

	return Check{
		Name:     "ephemeral_ports",
		Required: minEphemeralPorts,
		Actual:   available,
		Passed:   true, // Don't fail on this
		Warning:  available < minEphemeralPorts,
		Message:  fmt.Sprintf("%d-%d (%d available)", low, high, available),
	}
}

// PrintResults writes the preflight check results to w.
func PrintResults(w io.Writer, result *Result) {
	fmt.Fprintln(w, "Preflight checks:")
	for _, check := range result.Checks {
		fmt.Fprintln(w, check.String())
		if !check.Passed {
			fmt.Fprintf(w, "    Fix: %s\n", suggestFix(check.Name))
		}
	}
	fmt.Fprintln(w)
}

// suggestFix returns a suggestion for fixing a failed check.
func suggestFix(name string) string {
	switch name {
	case "xrun", "xsim":
		return "activate the XMOS tools (source SetEnv) or pass -xrun / -xsim"
	case "host_executable":
		return "build the host endpoint (make -C host) or pass -host"
	case "firmware":
		return "build the firmware image or check the -firmware path"
	case "loopback_bind":
		return "check that the bind host resolves to a local address"
	default:
		return "see documentation"
	}
}

// Package preflight provides startup validation checks.
package preflight

import (
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
)

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

// Options sizes the checks for one run.
type Options struct {
	Renditions  int
	PartWorkers int

	// Dirs must exist (or be creatable) and accept new files.
	Dirs []string
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
		Checks: make([]Check, 0, 2+len(opts.Dirs)),
		Passed: true,
	}
	add := func(c Check) {
		result.Checks = append(result.Checks, c)
		if !c.Passed {
			result.Passed = false
		}
	}

	add(checkFileDescriptors(opts.Renditions, opts.PartWorkers))

	// Warning only
	add(checkEphemeralPorts(opts.Renditions, opts.PartWorkers))

	for _, dir := range opts.Dirs {
		if dir != "" {
			add(checkWritableDir(dir))
		}
	}
	return result
}

// connsPerRendition is the socket count of one rendition at full load: the
// blocking playlist request plus one per part worker.
func connsPerRendition(partWorkers int) int {
	if partWorkers < 1 {
		partWorkers = 1
	}
	return partWorkers + 1
}

// checkFileDescriptors verifies sufficient file descriptors are available.
func checkFileDescriptors(renditions, partWorkers int) Check {
	var limit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limit); err != nil {
		return Check{
			Name:    "file_descriptors",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("unable to read limit: %v", err),
		}
	}

	// Every connection may also hold an open save file, plus logs and the
	// metrics server.
	required := renditions*connsPerRendition(partWorkers)*2 + 50
	actual := int(limit.Cur)
	if limit.Cur > 1<<30 {
		actual = 1 << 30
	}

	return Check{
		Name:     "file_descriptors",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -n %d (need %d for %d renditions)", actual, required, renditions),
	}
}

// checkEphemeralPorts checks if enough ephemeral ports are available.
func checkEphemeralPorts(renditions, partWorkers int) Check {
	data, err := os.ReadFile("/proc/sys/net/ipv4/ip_local_port_range")
	if err != nil {
		return Check{
			Name:    "ephemeral_ports",
			Passed:  true,
			Warning: true,
			Message: "unable to read port range (non-Linux?)",
		}
	}
	return portRangeCheck(string(data), renditions, partWorkers)
}

func portRangeCheck(portRange string, renditions, partWorkers int) Check {
	var low, high int
	if _, err := fmt.Sscanf(strings.TrimSpace(portRange), "%d %d", &low, &high); err != nil {
		return Check{
			Name:    "ephemeral_ports",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("unparsable port range %q", portRange),
		}
	}
	available := high - low

	// HTTP/1.1 part fetches without keep-alive reuse leave sockets in
	// TIME_WAIT; keep headroom.
	recommended := renditions * connsPerRendition(partWorkers) * 4

	return Check{
		Name:     "ephemeral_ports",
		Required: recommended,
		Actual:   available,
		Passed:   true, // Don't fail on this
		Warning:  available < recommended,
		Message:  fmt.Sprintf("%d-%d (%d available, recommend %d)", low, high, available, recommended),
	}
}

// checkWritableDir creates dir if needed and writes a probe file into it.
func checkWritableDir(dir string) Check {
	name := "writable_dir " + dir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Check{Name: name, Message: err.Error()}
	}
	f, err := os.CreateTemp(dir, ".preflight-*")
	if err != nil {
		return Check{Name: name, Message: err.Error()}
	}
	probe := f.Name()
	_ = f.Close()
	_ = os.Remove(probe)
	return Check{Name: name, Passed: true, Message: "ok"}
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
	switch {
	case name == "file_descriptors":
		return "ulimit -n 8192 (or edit /etc/security/limits.conf), or lower -part-workers"
	case strings.HasPrefix(name, "writable_dir"):
		return "check permissions, or point -log-dir / -save-dir elsewhere"
	default:
		return "see llhls-monitor -h"
	}
}

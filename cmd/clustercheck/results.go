package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
)

// CheckResult represents the outcome of a single scenario.
type CheckResult struct {
	Name    string
	Status  string // "pass", "fail", "skip"
	Message string
}

// Results collects scenario outcomes and prints them as they arrive.
type Results struct {
	Checks  []CheckResult
	Passed  int
	Failed  int
	Skipped int

	out io.Writer
}

func NewResults(out io.Writer) *Results {
	return &Results{out: out}
}

func (r *Results) add(status, mark, name, message string) {
	r.Checks = append(r.Checks, CheckResult{Name: name, Status: status, Message: message})
	fmt.Fprintf(r.out, "  %s %s: %s\n", mark, name, message)
}

// Pass records a passing scenario.
func (r *Results) Pass(name, message string) {
	r.Passed++
	r.add("pass", green("✓"), name, message)
}

// Fail records a failing scenario.
func (r *Results) Fail(name, message string) {
	r.Failed++
	r.add("fail", red("✗"), name, message)
}

// Skip records a scenario that could not run.
func (r *Results) Skip(name, message string) {
	r.Skipped++
	r.add("skip", cyan("-"), name, message)
}

// Print outputs the final summary.
func (r *Results) Print(runID string) {
	fmt.Fprintln(r.out, "==========================================")
	fmt.Fprintf(r.out, "Cluster check summary (run %s)\n", runID)
	fmt.Fprintln(r.out, "==========================================")
	fmt.Fprintln(r.out)
	fmt.Fprintf(r.out, "  %s   %d\n", green("Passed:"), r.Passed)
	fmt.Fprintf(r.out, "  %s   %d\n", red("Failed:"), r.Failed)
	if r.Skipped > 0 {
		fmt.Fprintf(r.out, "  %s  %d\n", cyan("Skipped:"), r.Skipped)
	}
	fmt.Fprintln(r.out)

	switch {
	case r.Failed > 0:
		fmt.Fprintln(r.out, red("Cluster check failed. Check errors above."))
	case r.Skipped > 0:
		fmt.Fprintln(r.out, yellow("Cluster check passed with skipped scenarios."))
	default:
		fmt.Fprintln(r.out, green("All scenarios passed! The cluster is consistent."))
	}
	fmt.Fprintln(r.out)
}

package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"flywheel/internal/logging"
	"flywheel/internal/types"
)

// Gate runs the workspace's full test suite and reports a verdict.
// Zero failures is the only pass; a partially green suite is a failure.
type Gate struct {
	workspace string
	command   string
	timeout   time.Duration
	run       RunCommand
}

// NewGate creates a verification gate for a workspace. An empty command
// auto-detects from the workspace's build files.
func NewGate(workspace, command string, timeout time.Duration) *Gate {
	return &Gate{
		workspace: workspace,
		command:   command,
		timeout:   timeout,
		run:       ExecRunner,
	}
}

// Run executes the verification command and parses the verdict. The
// returned error covers infrastructure failures only; failing tests are
// a non-error result with Passed false.
func (g *Gate) Run(ctx context.Context) (types.VerificationResult, error) {
	command := g.command
	if command == "" {
		command = detectTestCommand(g.workspace)
	}
	isGoTest := strings.HasPrefix(command, "go test")
	if isGoTest && !strings.Contains(command, "-json") {
		command += " -json"
	}
	parts := strings.Fields(command)

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	logging.Verify("Running verification gate: %s", command)
	start := time.Now()
	output, exitCode, err := g.run(ctx, g.workspace, parts[0], parts[1:]...)
	elapsed := time.Since(start)
	if err != nil {
		logging.VerifyError("Verification command failed to run: %v", err)
		return types.VerificationResult{Duration: elapsed, RawOutput: output},
			fmt.Errorf("verification command failed to run: %w", err)
	}

	result := types.VerificationResult{
		Duration:  elapsed,
		RawOutput: output,
	}

	if isGoTest {
		result.PassedCount, result.FailedCount = parseGoTestEvents(output)
		result.Total = result.PassedCount + result.FailedCount
		result.Passed = result.FailedCount == 0 && exitCode == 0
	} else {
		// Generic commands carry their verdict in the exit code.
		result.Total = 1
		if exitCode == 0 {
			result.PassedCount = 1
			result.Passed = true
		} else {
			result.FailedCount = 1
		}
	}

	if result.Success() {
		logging.Verify("Verification passed: %d/%d tests in %s", result.PassedCount, result.Total, elapsed.Round(time.Millisecond))
	} else {
		logging.VerifyWarn("Verification failed: %d passed, %d failed in %s", result.PassedCount, result.FailedCount, elapsed.Round(time.Millisecond))
	}
	return result, nil
}

// parseGoTestEvents counts pass/fail actions in go test -json output.
// A package-level fail event (no Test field) counts as a failure so a
// build error in one package cannot pass the gate.
func parseGoTestEvents(output string) (passed, failed int) {
	type testEvent struct {
		Action string `json:"Action"`
		Test   string `json:"Test"`
	}

	dec := json.NewDecoder(strings.NewReader(output))
	for dec.More() {
		var evt testEvent
		if err := dec.Decode(&evt); err != nil {
			// Fall back to line counting if JSON framing breaks.
			return countTestLines(output)
		}
		switch evt.Action {
		case "pass":
			if evt.Test != "" {
				passed++
			}
		case "fail":
			failed++
		}
	}
	return passed, failed
}

// countTestLines is the fallback parser for non-JSON test output.
func countTestLines(output string) (passed, failed int) {
	for _, line := range strings.Split(output, "\n") {
		lower := strings.ToLower(line)
		if strings.Contains(lower, "--- pass") {
			passed++
		} else if strings.Contains(lower, "--- fail") {
			failed++
		}
	}
	return passed, failed
}

// detectTestCommand picks the test command from the workspace's build
// files.
func detectTestCommand(workspace string) string {
	checks := []struct {
		file    string
		command string
	}{
		{"go.mod", "go test ./..."},
		{"package.json", "npm test"},
		{"Cargo.toml", "cargo test"},
		{"Makefile", "make test"},
	}
	for _, check := range checks {
		if _, err := os.Stat(filepath.Join(workspace, check.file)); err == nil {
			return check.command
		}
	}
	return "go test ./..."
}

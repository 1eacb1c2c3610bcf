package tools

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/RickZee/ai-team/internal/state"
)

var (
	pytestCounts   = regexp.MustCompile(`(\d+) (failed|passed|skipped|error(?:s)?)`)
	coverageTotal  = regexp.MustCompile(`(?m)^TOTAL\s+\d+\s+\d+\s+(\d+)%`)
	coverageLine   = regexp.MustCompile(`(?m)^(\S+\.py)\s+\d+\s+\d+\s+(\d+)%`)
	failedCaseLine = regexp.MustCompile(`(?m)^FAILED (\S+)(?:\s+-\s+(.*))?$`)
)

// ParsePytestOutput deterministically extracts totals, coverage and
// failing cases from a pytest (+coverage) run.
func ParsePytestOutput(output string) *state.TestRun {
	run := &state.TestRun{Output: output}

	for _, m := range pytestCounts.FindAllStringSubmatch(output, -1) {
		n, _ := strconv.Atoi(m[1])
		switch {
		case m[2] == "passed":
			run.Passed = n
		case m[2] == "failed":
			run.Failed = n
		case m[2] == "skipped":
			run.Skipped = n
		case strings.HasPrefix(m[2], "error"):
			run.Errors = n
		}
	}
	run.Total = run.Passed + run.Failed + run.Skipped + run.Errors

	if m := coverageTotal.FindStringSubmatch(output); m != nil {
		pct, _ := strconv.Atoi(m[1])
		run.Coverage = float64(pct) / 100.0
	}
	for _, m := range coverageLine.FindAllStringSubmatch(output, -1) {
		pct, _ := strconv.Atoi(m[2])
		run.PerFile = append(run.PerFile, state.FileCoverage{
			Path:         m[1],
			LineCoverage: float64(pct) / 100.0,
		})
	}
	for _, m := range failedCaseLine.FindAllStringSubmatch(output, -1) {
		run.FailedCases = append(run.FailedCases, state.FailedCase{
			Name:  m[1],
			Trace: m[2],
		})
	}
	return run
}

// PytestRunner runs pytest through the sandbox and parses its output.
type PytestRunner struct {
	sandbox Sandbox
	files   FileStore
	audit   *Audit
	timeout time.Duration
}

// NewPytestRunner wires a runner over the sandbox and file store.
func NewPytestRunner(sandbox Sandbox, files FileStore, audit *Audit) *PytestRunner {
	return &PytestRunner{
		sandbox: sandbox,
		files:   files,
		audit:   audit,
		timeout: 120 * time.Second,
	}
}

// Run executes the tests at testsPath against sourcePath. pytest exit
// code 1 (tests failed) is a valid result; other non-zero exits are
// runner errors.
func (r *PytestRunner) Run(ctx context.Context, testsPath, sourcePath string) (*state.TestRun, error) {
	driver := fmt.Sprintf(`import subprocess, sys
result = subprocess.run(
    [sys.executable, "-m", "pytest", %q, "--cov=%s", "--cov-report=term", "-v", "--tb=short"],
    capture_output=True, text=True, timeout=110,
)
sys.stdout.write(result.stdout)
sys.stderr.write(result.stderr)
sys.exit(result.returncode)
`, testsPath, sourcePath)

	res, err := r.sandbox.Execute(ctx, "python", driver, r.timeout, nil)
	if err != nil {
		r.audit.Record(ctx, "testrunner", "run", err, zap.String("tests", testsPath))
		return nil, fmt.Errorf("run tests: %w", err)
	}
	if res.ExitCode > 1 {
		err := fmt.Errorf("pytest exited %d: %s", res.ExitCode, truncateStr(res.Stderr, 500))
		r.audit.Record(ctx, "testrunner", "run", err, zap.String("tests", testsPath))
		return nil, err
	}
	run := ParsePytestOutput(res.Stdout + "\n" + res.Stderr)
	r.audit.Record(ctx, "testrunner", "run", nil,
		zap.String("tests", testsPath),
		zap.Int("passed", run.Passed),
		zap.Int("failed", run.Failed),
		zap.Float64("coverage", run.Coverage),
	)
	return run, nil
}

func truncateStr(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

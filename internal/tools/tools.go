// Package tools holds the capability-scoped side-effecting operations
// workers may invoke: filesystem, code execution, test running, version
// control. Every invocation goes through the audit logger; paths are
// validated against the configured workspace roots before any I/O.
package tools

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/RickZee/ai-team/internal/logging"
	"github.com/RickZee/ai-team/internal/state"
)

var (
	ErrNotFound = errors.New("file not found")
	ErrDenied   = errors.New("access denied")
	ErrTooLarge = errors.New("file too large")
)

// FileStore reads and writes files under the workspace roots.
type FileStore interface {
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte) error
	List(ctx context.Context, dir string) ([]string, error)
}

// ExecResult is the outcome of a sandboxed execution.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Sandbox executes source code with no network access and bounded
// resources.
type Sandbox interface {
	Execute(ctx context.Context, lang, source string, timeout time.Duration, importAllowlist []string) (*ExecResult, error)
}

// TestRunner executes a test suite against sources and parses the
// outcome deterministically.
type TestRunner interface {
	Run(ctx context.Context, testsPath, sourcePath string) (*state.TestRun, error)
}

// Vcs is the version-control capability.
type Vcs interface {
	Init(ctx context.Context) error
	Add(ctx context.Context, path string) error
	Commit(ctx context.Context, message string) (string, error)
	Branch(ctx context.Context, name string) error
	Status(ctx context.Context) (string, error)
	Diff(ctx context.Context) (string, error)
}

// Audit records every tool invocation. Arguments that look sensitive
// are redacted by the logging layer's field rules.
type Audit struct {
	logger *logging.Logger
}

// NewAudit builds an audit logger; nil falls back to a no-op logger.
func NewAudit(logger *logging.Logger) *Audit {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Audit{logger: logger.Named("tools")}
}

// Record logs one invocation with its outcome.
func (a *Audit) Record(ctx context.Context, tool, op string, err error, fields ...zap.Field) {
	fields = append(fields,
		zap.String("tool", tool),
		zap.String("op", op),
	)
	if err != nil {
		fields = append(fields, zap.Error(err))
		a.logger.Warn(ctx, "tool invocation failed", fields...)
		return
	}
	a.logger.Debug(ctx, "tool invocation", fields...)
}

package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultExecTimeout = 30 * time.Second
	maxOutputBytes     = 256 * 1024
)

// interpreters maps a language to the command that runs a source file.
var interpreters = map[string][]string{
	"python":     {"python3"},
	"javascript": {"node"},
	"bash":       {"bash"},
}

var pyImport = regexp.MustCompile(`(?m)^\s*(?:import\s+([\w.]+)|from\s+([\w.]+)\s+import)`)

// CheckImportAllowlist scans python source for imports outside the
// allowlist. An empty allowlist permits everything.
func CheckImportAllowlist(source string, allowlist []string) error {
	if len(allowlist) == 0 {
		return nil
	}
	allowed := map[string]struct{}{}
	for _, a := range allowlist {
		allowed[a] = struct{}{}
	}
	for _, m := range pyImport.FindAllStringSubmatch(source, -1) {
		mod := m[1]
		if mod == "" {
			mod = m[2]
		}
		top := strings.SplitN(mod, ".", 2)[0]
		if _, ok := allowed[top]; !ok {
			return fmt.Errorf("import %q is not on the allowlist", top)
		}
	}
	return nil
}

// ExecSandbox runs source files through local interpreters inside a
// scratch directory. Network isolation and cgroup limits belong to the
// hosting environment; this type enforces timeouts, output caps, and
// the import allowlist.
type ExecSandbox struct {
	workDir string
	audit   *Audit
}

// NewExecSandbox creates a sandbox writing scratch files under workDir.
func NewExecSandbox(workDir string, audit *Audit) (*ExecSandbox, error) {
	if !filepath.IsAbs(workDir) {
		return nil, fmt.Errorf("sandbox work dir %q is not absolute", workDir)
	}
	if err := os.MkdirAll(workDir, 0o700); err != nil {
		return nil, fmt.Errorf("create sandbox dir: %w", err)
	}
	return &ExecSandbox{workDir: workDir, audit: audit}, nil
}

// Execute writes the source to a scratch file and runs it. A non-zero
// exit is reported in the result, not as an error; errors mean the
// sandbox itself failed.
func (s *ExecSandbox) Execute(ctx context.Context, lang, source string, timeout time.Duration, importAllowlist []string) (*ExecResult, error) {
	cmdline, ok := interpreters[strings.ToLower(lang)]
	if !ok {
		err := fmt.Errorf("unsupported language %q", lang)
		s.audit.Record(ctx, "sandbox", "execute", err, zap.String("lang", lang))
		return nil, err
	}
	if strings.EqualFold(lang, "python") {
		if err := CheckImportAllowlist(source, importAllowlist); err != nil {
			s.audit.Record(ctx, "sandbox", "execute", err, zap.String("lang", lang))
			return nil, err
		}
	}
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}

	scratch, err := os.CreateTemp(s.workDir, "exec-*"+extFor(lang))
	if err != nil {
		return nil, fmt.Errorf("create scratch file: %w", err)
	}
	defer os.Remove(scratch.Name())
	if _, err := scratch.WriteString(source); err != nil {
		scratch.Close()
		return nil, fmt.Errorf("write scratch file: %w", err)
	}
	if err := scratch.Close(); err != nil {
		return nil, fmt.Errorf("close scratch file: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(cmdline[1:], scratch.Name())
	cmd := exec.CommandContext(runCtx, cmdline[0], args...)
	cmd.Dir = s.workDir
	cmd.Env = []string{"PATH=" + os.Getenv("PATH"), "HOME=" + s.workDir}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &capWriter{w: &stdout}
	cmd.Stderr = &capWriter{w: &stderr}

	runErr := cmd.Run()
	result := &ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		err := fmt.Errorf("execution timed out after %s", timeout)
		s.audit.Record(ctx, "sandbox", "execute", err, zap.String("lang", lang))
		return nil, err
	case runErr != nil:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			s.audit.Record(ctx, "sandbox", "execute", runErr, zap.String("lang", lang))
			return nil, fmt.Errorf("run %s: %w", lang, runErr)
		}
	}
	s.audit.Record(ctx, "sandbox", "execute", nil,
		zap.String("lang", lang), zap.Int("exit", result.ExitCode))
	return result, nil
}

// capWriter drops bytes past the output cap so a runaway process can't
// exhaust memory.
type capWriter struct {
	w *bytes.Buffer
}

func (c *capWriter) Write(p []byte) (int, error) {
	if c.w.Len() >= maxOutputBytes {
		return len(p), nil
	}
	if room := maxOutputBytes - c.w.Len(); len(p) > room {
		c.w.Write(p[:room])
		return len(p), nil
	}
	return c.w.Write(p)
}

func extFor(lang string) string {
	switch strings.ToLower(lang) {
	case "python":
		return ".py"
	case "javascript":
		return ".js"
	case "bash":
		return ".sh"
	}
	return ""
}

package guardrail

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/RickZee/ai-team/internal/state"
)

const (
	defaultMaxFileLines     = 500
	defaultMaxFunctionLines = 80
	defaultCoverage         = 0.8
)

// FileLength warns on oversized files and fails on files twice the limit.
type FileLength struct {
	MaxLines int
}

func (FileLength) Name() string { return "file_length" }

func (g FileLength) Check(_ context.Context, in *Input) Verdict {
	max := g.MaxLines
	if max <= 0 {
		max = defaultMaxFileLines
	}
	for _, src := range codeTexts(in) {
		if src.path == "" {
			continue
		}
		lines := strings.Count(src.text, "\n") + 1
		switch {
		case lines > max*2:
			return Failf("quality", SeverityWarning, true,
				"file %s has %d lines, limit %d; split it", src.path, lines, max).
				WithDetail("path", src.path).
				WithDetail("lines", lines)
		case lines > max:
			return Warnf("quality", "file %s has %d lines, limit %d", src.path, lines, max).
				WithDetail("path", src.path).
				WithDetail("lines", lines)
		}
	}
	return Pass("quality")
}

// functionStart matches function/method definitions across the languages
// the developers emit.
var functionStart = regexp.MustCompile(`(?m)^\s*(?:func\s+(?:\([^)]*\)\s*)?\w+|def\s+\w+|(?:async\s+)?function\s+\w+|(?:public|private|protected)\s+[\w<>\[\]]+\s+\w+\s*\()`)

// FunctionLength warns when any single function body exceeds the limit.
// The measure is the gap between consecutive definition starts, which
// over-counts blank space but needs no per-language parser.
type FunctionLength struct {
	MaxLines int
}

func (FunctionLength) Name() string { return "function_length" }

func (g FunctionLength) Check(_ context.Context, in *Input) Verdict {
	max := g.MaxLines
	if max <= 0 {
		max = defaultMaxFunctionLines
	}
	for _, src := range codeTexts(in) {
		lines := strings.Split(src.text, "\n")
		starts := []int{}
		for i, line := range lines {
			if functionStart.MatchString(line) {
				starts = append(starts, i)
			}
		}
		for i, start := range starts {
			end := len(lines)
			if i+1 < len(starts) {
				end = starts[i+1]
			}
			if n := end - start; n > max {
				return Warnf("quality", "function at %s:%d spans ~%d lines, limit %d",
					src.path, start+1, n, max).
					WithDetail("path", src.path).
					WithDetail("line", start+1)
			}
		}
	}
	return Pass("quality")
}

var (
	pyPublicDef   = regexp.MustCompile(`(?m)^def\s+([a-z]\w*)\s*\(([^)]*)\)(\s*->\s*[^:]+)?:`)
	pyDocstring   = regexp.MustCompile(`(?m)^def\s+\w+[^:]*:\s*\n\s+(?:"""|''')`)
	goExportedDef = regexp.MustCompile(`(?m)^func\s+(?:\([^)]*\)\s*)?([A-Z]\w*)\s*\(`)
)

// Docstrings warns when public functions lack documentation or type
// signatures. Python files are checked for docstrings and annotations;
// Go files for doc comments on exported functions.
type Docstrings struct{}

func (Docstrings) Name() string { return "docstrings" }

func (Docstrings) Check(_ context.Context, in *Input) Verdict {
	var missing []string
	for _, src := range codeTexts(in) {
		switch {
		case strings.HasSuffix(src.path, ".py"):
			missing = append(missing, pythonDocIssues(src)...)
		case strings.HasSuffix(src.path, ".go"):
			missing = append(missing, goDocIssues(src)...)
		}
	}
	if len(missing) == 0 {
		return Pass("quality")
	}
	return Warnf("quality", "public functions missing docs or signatures: %s",
		strings.Join(missing, ", ")).
		WithDetail("missing", missing)
}

func pythonDocIssues(src sourceText) []string {
	var issues []string
	lines := strings.Split(src.text, "\n")
	for i, line := range lines {
		m := pyPublicDef.FindStringSubmatch(line)
		if m == nil || strings.HasPrefix(m[1], "_") {
			continue
		}
		if i+1 < len(lines) {
			next := strings.TrimSpace(lines[i+1])
			if !strings.HasPrefix(next, `"""`) && !strings.HasPrefix(next, "'''") {
				issues = append(issues, fmt.Sprintf("%s:%s (docstring)", src.path, m[1]))
			}
		}
		params := strings.TrimSpace(m[2])
		if params != "" && params != "self" && !strings.Contains(params, ":") {
			issues = append(issues, fmt.Sprintf("%s:%s (type hints)", src.path, m[1]))
		}
	}
	return issues
}

func goDocIssues(src sourceText) []string {
	var issues []string
	lines := strings.Split(src.text, "\n")
	for i, line := range lines {
		m := goExportedDef.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		documented := i > 0 && strings.HasPrefix(strings.TrimSpace(lines[i-1]), "//")
		if !documented {
			issues = append(issues, fmt.Sprintf("%s:%s (doc comment)", src.path, m[1]))
		}
	}
	return issues
}

// Coverage fails a test-run artifact whose coverage sits strictly below
// the threshold. Exactly at threshold passes.
type Coverage struct {
	Threshold float64
}

func (Coverage) Name() string { return "coverage" }

func (g Coverage) Check(_ context.Context, in *Input) Verdict {
	threshold := g.Threshold
	if threshold <= 0 {
		threshold = defaultCoverage
	}
	run, ok := in.Artifact.(*state.TestRun)
	if !ok || run == nil {
		return Pass("quality")
	}
	if run.Coverage < threshold {
		return Failf("quality", SeverityWarning, true,
			"coverage %.2f is below the %.2f threshold", run.Coverage, threshold).
			WithDetail("coverage", run.Coverage).
			WithDetail("threshold", threshold)
	}
	return Pass("quality")
}

// Documentation warns when a file batch contains source but no doc files
// and no README-style content.
type Documentation struct{}

func (Documentation) Name() string { return "documentation" }

func (Documentation) Check(_ context.Context, in *Input) Verdict {
	files, ok := in.Artifact.([]state.CodeFile)
	if !ok || len(files) == 0 {
		return Pass("quality")
	}
	var hasSource, hasDoc bool
	for _, f := range files {
		switch f.Kind {
		case state.FileKindSource:
			hasSource = true
		case state.FileKindDoc:
			hasDoc = true
		}
		if strings.EqualFold(path.Base(f.Path), "readme.md") {
			hasDoc = true
		}
	}
	if hasSource && !hasDoc {
		return Warnf("quality", "generated sources ship without documentation")
	}
	return Pass("quality")
}

// manifestNames are dependency manifests the policy inspects.
var manifestNames = map[string]struct{}{
	"requirements.txt": {}, "package.json": {}, "go.mod": {},
	"pyproject.toml": {}, "gemfile": {}, "cargo.toml": {},
}

var (
	unpinnedReq  = regexp.MustCompile(`(?m)^\s*([A-Za-z0-9._-]+)\s*$`)
	latestPin    = regexp.MustCompile(`(?i)[:=]\s*["']?(?:latest|\*)["']?`)
	reqNameSplit = regexp.MustCompile(`[=<>!~\[ ]`)
)

// DependencyPolicy rejects pinned-to-latest dependencies and packages on
// the configured blocklist.
type DependencyPolicy struct {
	Blocklist []string
}

func (DependencyPolicy) Name() string { return "dependency_policy" }

func (g DependencyPolicy) Check(_ context.Context, in *Input) Verdict {
	blocked := map[string]struct{}{}
	for _, b := range g.Blocklist {
		blocked[strings.ToLower(b)] = struct{}{}
	}
	for _, src := range codeTexts(in) {
		if _, manifest := manifestNames[strings.ToLower(path.Base(src.path))]; !manifest {
			continue
		}
		for name := range blocked {
			for _, line := range strings.Split(strings.ToLower(src.text), "\n") {
				pkg := strings.TrimSpace(reqNameSplit.Split(line, 2)[0])
				pkg = strings.Trim(pkg, `"',`)
				if pkg == name {
					return Failf("quality", SeverityWarning, true,
						"dependency %q is blocklisted", name).
						WithDetail("package", name).
						WithDetail("path", src.path)
				}
			}
		}
		if latestPin.MatchString(src.text) {
			return Failf("quality", SeverityWarning, true,
				"manifest %s pins a dependency to latest", src.path).
				WithDetail("path", src.path)
		}
		if strings.HasSuffix(strings.ToLower(src.path), "requirements.txt") {
			for _, line := range strings.Split(src.text, "\n") {
				line = strings.TrimSpace(line)
				if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
					continue
				}
				if unpinnedReq.MatchString(line) {
					return Warnf("quality", "dependency %q in %s has no version pin", line, src.path).
						WithDetail("package", line)
				}
			}
		}
	}
	return Pass("quality")
}

// ArchitectureCompliance checks that each generated source file's top
// directory maps to a component named in the architecture.
type ArchitectureCompliance struct{}

func (ArchitectureCompliance) Name() string { return "architecture_compliance" }

// commonRoots are conventional directories that need no matching
// component.
var commonRoots = map[string]struct{}{
	"tests": {}, "test": {}, "docs": {}, "scripts": {}, ".": {},
	"config": {}, "deploy": {}, "infra": {},
}

func (ArchitectureCompliance) Check(_ context.Context, in *Input) Verdict {
	if in.State == nil || in.State.Architecture == nil {
		return Pass("quality")
	}
	arch := in.State.Architecture
	for _, src := range codeTexts(in) {
		if src.path == "" {
			continue
		}
		top := strings.SplitN(src.path, "/", 2)[0]
		if len(strings.SplitN(src.path, "/", 2)) == 1 {
			// Root-level files (manifests, READMEs) are exempt.
			continue
		}
		if _, common := commonRoots[strings.ToLower(top)]; common {
			continue
		}
		if !arch.HasComponent(top) {
			return Warnf("quality", "file %s is outside any declared component", src.path).
				WithDetail("path", src.path).
				WithDetail("directory", top)
		}
	}
	return Pass("quality")
}

// QualityScore fails review artifacts whose self-reported score sits
// below the configured minimum on a 0-10 scale.
type QualityScore struct {
	Minimum float64
}

func (QualityScore) Name() string { return "quality_score" }

// Scored is implemented by review artifacts carrying a 0-10 score.
type Scored interface {
	QualityScore() float64
}

func (g QualityScore) Check(_ context.Context, in *Input) Verdict {
	min := g.Minimum
	if min <= 0 {
		min = 7.0
	}
	scored, ok := in.Artifact.(Scored)
	if !ok {
		return Pass("quality")
	}
	if score := scored.QualityScore(); score < min {
		return Failf("quality", SeverityWarning, true,
			"review score %.1f is below the %.1f minimum", score, min).
			WithDetail("score", score)
	}
	return Pass("quality")
}

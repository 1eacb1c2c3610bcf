package guardrail

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/RickZee/ai-team/internal/sanitize"
	"github.com/RickZee/ai-team/internal/state"
)

// DangerousPattern is one compiled code-safety rule.
type DangerousPattern struct {
	ID          string
	Description string
	Pattern     *regexp.Regexp
	Severity    Severity
}

// DefaultDangerousPatterns returns the built-in code-safety rules:
// code-eval primitives, shell invocation with untrusted input,
// deserialization of untrusted data, dynamic imports, insecure YAML
// loaders. Callers may replace the set via options.
func DefaultDangerousPatterns() []DangerousPattern {
	mk := func(id, desc, expr string, sev Severity) DangerousPattern {
		return DangerousPattern{ID: id, Description: desc, Pattern: regexp.MustCompile(expr), Severity: sev}
	}
	return []DangerousPattern{
		mk("eval-call", "code evaluation primitive", `\beval\s*\(`, SeverityCritical),
		mk("exec-call", "dynamic code execution", `\bexec\s*\(`, SeverityCritical),
		mk("os-system", "shell invocation", `\bos\.system\s*\(`, SeverityCritical),
		mk("subprocess-shell", "shell=True subprocess", `subprocess\.\w+\([^)]*shell\s*=\s*True`, SeverityCritical),
		mk("shell-interp", "shell invocation with interpolated input", "(?:os\\.system|subprocess\\.\\w+|exec\\.Command)\\s*\\([^)]*(?:\\+\\s*\\w|%s|\\{\\w+\\}|\\$\\{|`)", SeverityCritical),
		mk("dynamic-import", "dynamic module import", `\b__import__\s*\(`, SeverityCritical),
		mk("compile-call", "runtime code compilation", `\bcompile\s*\(`, SeverityWarning),
		mk("pickle-load", "unsafe deserialization", `\bpickle\.loads?\s*\(`, SeverityCritical),
		mk("marshal-load", "unsafe deserialization", `\bmarshal\.loads?\s*\(`, SeverityCritical),
		mk("yaml-unsafe", "YAML load without safe loader", `yaml\.load\s*\((?:[^)]*)?\)`, SeverityCritical),
		mk("rm-rf", "recursive filesystem delete", `\brm\s+-rf\s+/`, SeverityCritical),
		mk("chmod-777", "world-writable permissions", `chmod\s+(?:-R\s+)?0?777`, SeverityWarning),
		mk("sql-truncate", "destructive SQL statement", `(?i)\b(?:TRUNCATE|DROP)\s+TABLE\b`, SeverityWarning),
	}
}

// CompileDangerousPatterns builds rules from user-supplied expressions,
// all treated as critical.
func CompileDangerousPatterns(exprs []string) ([]DangerousPattern, error) {
	patterns := make([]DangerousPattern, 0, len(exprs))
	for i, expr := range exprs {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("dangerous pattern %d %q: %w", i, expr, err)
		}
		patterns = append(patterns, DangerousPattern{
			ID:          fmt.Sprintf("custom-%d", i),
			Description: "configured dangerous pattern",
			Pattern:     re,
			Severity:    SeverityCritical,
		})
	}
	return patterns, nil
}

type sourceText struct {
	path string
	text string
}

// codeTexts pulls scannable text out of the input: typed code files when
// present, the raw output text otherwise.
func codeTexts(in *Input) []sourceText {
	switch a := in.Artifact.(type) {
	case *state.CodeFile:
		if a != nil {
			return []sourceText{{path: a.Path, text: a.Content}}
		}
	case state.CodeFile:
		return []sourceText{{path: a.Path, text: a.Content}}
	case []state.CodeFile:
		out := make([]sourceText, 0, len(a))
		for _, f := range a {
			out = append(out, sourceText{path: f.Path, text: f.Content})
		}
		return out
	}
	return []sourceText{{text: in.Text}}
}

// CodeSafety scans generated code for dangerous constructs.
type CodeSafety struct {
	Patterns []DangerousPattern
}

func NewCodeSafety(patterns []DangerousPattern) *CodeSafety {
	if len(patterns) == 0 {
		patterns = DefaultDangerousPatterns()
	}
	return &CodeSafety{Patterns: patterns}
}

func (g *CodeSafety) Name() string { return "code_safety" }

func (g *CodeSafety) Check(_ context.Context, in *Input) Verdict {
	var warnings []string
	for _, src := range codeTexts(in) {
		for _, p := range g.Patterns {
			if !p.Pattern.MatchString(src.text) {
				continue
			}
			where := src.path
			if where == "" {
				where = "output"
			}
			if p.Severity == SeverityCritical {
				return Failf("security", SeverityCritical, true,
					"dangerous pattern %s (%s) in %s", p.ID, p.Description, where).
					WithDetail("pattern_id", p.ID).
					WithDetail("path", where)
			}
			warnings = append(warnings, fmt.Sprintf("%s in %s", p.ID, where))
		}
	}
	if len(warnings) > 0 {
		return Warnf("security", "risky constructs: %s", strings.Join(warnings, "; ")).
			WithDetail("findings", warnings)
	}
	return Pass("security")
}

var secretPatterns = []struct {
	kind string
	re   *regexp.Regexp
}{
	{"aws_access_key", regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{"aws_secret_key", regexp.MustCompile(`(?i)aws_secret[\w]*\s*[:=]\s*['"][A-Za-z0-9/+=]{40}['"]`)},
	{"github_token", regexp.MustCompile(`\bghp_[A-Za-z0-9]{36}\b`)},
	{"openai_key", regexp.MustCompile(`\bsk-[A-Za-z0-9]{20,}\b`)},
	{"jwt", regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\b`)},
	{"private_key", regexp.MustCompile(`-----BEGIN (?:RSA |EC |OPENSSH )?PRIVATE KEY-----`)},
	{"connection_string", regexp.MustCompile(`(?i)\b(?:postgres|mysql|mongodb|redis|amqp)://\S+:\S+@`)},
	{"generic_assignment", regexp.MustCompile(`(?i)\b(?:api_?key|secret|password|token|credential)s?\s*[:=]\s*['"][^'"]{8,}['"]`)},
}

// entropyAssignment matches quoted values bound by assignment; the value
// is then entropy-checked.
var entropyAssignment = regexp.MustCompile(`(?i)\b\w+\s*[:=]\s*['"]([A-Za-z0-9+/_=-]{24,})['"]`)

func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	freq := map[rune]float64{}
	for _, r := range s {
		freq[r]++
	}
	n := float64(len(s))
	var h float64
	for _, c := range freq {
		p := c / n
		h -= p * math.Log2(p)
	}
	return h
}

// SecretDetection fails when generated content embeds credentials.
type SecretDetection struct{}

func (SecretDetection) Name() string { return "secret_detection" }

func (SecretDetection) Check(_ context.Context, in *Input) Verdict {
	for _, src := range codeTexts(in) {
		for _, sp := range secretPatterns {
			if sp.re.MatchString(src.text) {
				return Failf("security", SeverityCritical, true,
					"embedded secret (%s) detected", sp.kind).
					WithDetail("kind", sp.kind).
					WithDetail("path", src.path)
			}
		}
		for _, m := range entropyAssignment.FindAllStringSubmatch(src.text, -1) {
			if shannonEntropy(m[1]) > 4.5 {
				return Failf("security", SeverityCritical, true,
					"high-entropy value bound by assignment").
					WithDetail("kind", "high_entropy").
					WithDetail("path", src.path)
			}
		}
	}
	return Pass("security")
}

type piiPattern struct {
	kind string
	re   *regexp.Regexp
	// verify rejects false positives after the regex match.
	verify func(string) bool
}

var piiPatterns = []piiPattern{
	{kind: "EMAIL", re: regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
	{kind: "PHONE", re: regexp.MustCompile(`\b(?:\+?1[-. ]?)?\(?\d{3}\)?[-. ]\d{3}[-. ]\d{4}\b`)},
	{kind: "SSN", re: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{kind: "CREDIT_CARD", re: regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`), verify: luhnValid},
	{kind: "IP_ADDRESS", re: regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)},
}

func luhnValid(s string) bool {
	var digits []int
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum, double := 0, false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

type span struct {
	start, end int
	kind       string
}

// PIIRedaction warns on detected PII and returns the redacted text in
// the verdict details.
type PIIRedaction struct{}

func (PIIRedaction) Name() string { return "pii_redaction" }

func (PIIRedaction) Check(_ context.Context, in *Input) Verdict {
	text := in.Text
	var spans []span
	for _, p := range piiPatterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			match := text[loc[0]:loc[1]]
			if p.verify != nil && !p.verify(match) {
				continue
			}
			spans = append(spans, span{start: loc[0], end: loc[1], kind: p.kind})
		}
	}
	if len(spans) == 0 {
		return Pass("security")
	}
	kinds := map[string]int{}
	for _, s := range spans {
		kinds[s.kind]++
	}
	return Warnf("security", "PII detected: %s", summarizeKinds(kinds)).
		WithDetail("redacted", redactSpans(text, spans)).
		WithDetail("findings", kinds)
}

// redactSpans replaces matched spans with kind-tagged placeholders.
// Overlapping spans are merged; replacement runs back to front so
// earlier offsets stay valid.
func redactSpans(text string, spans []span) string {
	if len(spans) == 0 {
		return text
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	merged := []span{spans[0]}
	for _, s := range spans[1:] {
		last := &merged[len(merged)-1]
		if s.start <= last.end {
			if s.end > last.end {
				last.end = s.end
			}
			continue
		}
		merged = append(merged, s)
	}
	for i := len(merged) - 1; i >= 0; i-- {
		s := merged[i]
		text = text[:s.start] + "[REDACTED:" + s.kind + "]" + text[s.end:]
	}
	return text
}

func summarizeKinds(kinds map[string]int) string {
	keys := make([]string, 0, len(kinds))
	for k := range kinds {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s x%d", k, kinds[k])
	}
	return strings.Join(parts, ", ")
}

var (
	injectionHigh = []*regexp.Regexp{
		regexp.MustCompile(`(?i)ignore\s+(?:all\s+)?(?:previous|prior|above)\s+instructions`),
		regexp.MustCompile(`(?i)disregard\s+(?:your|the|all)\s+(?:instructions|rules|guidelines)`),
		regexp.MustCompile(`(?i)you\s+are\s+now\s+(?:a|an|in)\b`),
		regexp.MustCompile(`(?i)reveal\s+(?:your|the)\s+system\s+prompt`),
		regexp.MustCompile(`(?i)\bjailbreak\b`),
		regexp.MustCompile(`(?i)\bdo\s+anything\s+now\b`),
	}
	injectionMedium = []*regexp.Regexp{
		regexp.MustCompile(`(?i)pretend\s+(?:to\s+be|you\s+are)`),
		regexp.MustCompile(`(?i)act\s+as\s+(?:if|though|a|an)\b`),
		regexp.MustCompile(`(?i)new\s+instructions\s*:`),
		regexp.MustCompile(`(?i)override\s+(?:your|the)\s+(?:rules|settings)`),
	}
	base64Payload = regexp.MustCompile(`[A-Za-z0-9+/]{100,}={0,2}`)
	spacedIgnore  = regexp.MustCompile(`(?i)i\s+g\s+n\s+o\s+r\s+e`)
)

// PromptInjection detects instruction-override attempts in external
// text. High-tier matches are critical and not retryable: the input is
// hostile, a retry won't fix it.
type PromptInjection struct{}

func (PromptInjection) Name() string { return "prompt_injection" }

func (PromptInjection) Check(_ context.Context, in *Input) Verdict {
	text := in.Text
	for _, re := range injectionHigh {
		if re.MatchString(text) {
			return Failf("security", SeverityCritical, false,
				"prompt injection attempt detected").
				WithDetail("tier", "high")
		}
	}
	if spacedIgnore.MatchString(text) || hasFullwidth(text) {
		return Failf("security", SeverityCritical, false,
			"encoded prompt injection attempt detected").
			WithDetail("tier", "encoding")
	}
	if m := base64Payload.FindString(text); m != "" {
		return Failf("security", SeverityCritical, false,
			"oversized encoded payload in input").
			WithDetail("tier", "base64").
			WithDetail("length", len(m))
	}
	for _, re := range injectionMedium {
		if re.MatchString(text) {
			return Warnf("security", "possible prompt-injection phrasing").
				WithDetail("tier", "medium")
		}
	}
	return Pass("security")
}

func hasFullwidth(s string) bool {
	for _, r := range s {
		if r >= 0xFF01 && r <= 0xFF5E {
			return true
		}
	}
	return false
}

// systemSegments are directory names whose presence as the first path
// segment points a generated file at a system location.
var systemSegments = map[string]struct{}{
	"etc": {}, "usr": {}, "bin": {}, "sbin": {}, "root": {},
	"boot": {}, "sys": {}, "proc": {}, "dev": {}, "var": {},
}

// PathSecurity validates every generated file path: relative,
// traversal-free, outside system locations.
type PathSecurity struct{}

func (PathSecurity) Name() string { return "path_security" }

func (PathSecurity) Check(_ context.Context, in *Input) Verdict {
	for _, src := range codeTexts(in) {
		if src.path == "" {
			continue
		}
		if err := sanitize.ValidateRelPath(src.path); err != nil {
			return Failf("security", SeverityWarning, true,
				"unsafe file path %q: %v", src.path, err).
				WithDetail("path", src.path)
		}
		first := strings.ToLower(strings.SplitN(strings.TrimPrefix(src.path, "./"), "/", 2)[0])
		if _, bad := systemSegments[first]; bad {
			return Failf("security", SeverityWarning, true,
				"file path %q targets a system location", src.path).
				WithDetail("path", src.path)
		}
	}
	return Pass("security")
}

package guardrail

import (
	"context"
	"regexp"
	"strings"

	"github.com/RickZee/ai-team/internal/state"
)

// roleRestriction forbids a role from producing a class of content.
type roleRestriction struct {
	pattern *regexp.Regexp
	label   string
}

// roleRestrictions keeps each role inside its lane. The table mirrors
// the delivery roles: QA reviews and tests, the product owner writes
// requirements, architects design, developers implement.
var roleRestrictions = map[string][]roleRestriction{
	"qa_engineer": {
		{regexp.MustCompile(`(?i)\bimplement(?:ing|ed)?\s+(?:the\s+)?(?:feature|endpoint|service)\b`), "feature implementation"},
		{regexp.MustCompile(`(?i)\bdeploy(?:ing|ed)?\s+to\s+production\b`), "production deployment"},
	},
	"product_owner": {
		{regexp.MustCompile("```(?:go|python|javascript|typescript|java)"), "code blocks"},
		{regexp.MustCompile(`(?i)\b(?:func|def|class)\s+\w+\s*\(`), "source code"},
	},
	"architect": {
		{regexp.MustCompile(`(?i)\bmerge(?:d|ing)?\s+to\s+(?:main|master)\b`), "direct merges"},
	},
	"backend_developer": {
		{regexp.MustCompile(`(?i)\bredefin(?:e|ing)\s+(?:the\s+)?requirements\b`), "requirements changes"},
	},
	"frontend_developer": {
		{regexp.MustCompile(`(?i)\bdatabase\s+migration\b`), "database migrations"},
	},
	"manager": {
		{regexp.MustCompile("```(?:go|python|javascript|typescript|java)"), "code blocks"},
	},
}

// allowedDelegators are the coordinator roles permitted to hand tasks to
// other workers.
var allowedDelegators = map[string]struct{}{
	"manager":             {},
	"architect":           {},
	"tech_lead":           {},
	"engineering_manager": {},
}

// RoleAdherence fails when a worker's output strays into another role's
// territory.
type RoleAdherence struct{}

func (RoleAdherence) Name() string { return "role_adherence" }

func (RoleAdherence) Check(_ context.Context, in *Input) Verdict {
	restrictions, known := roleRestrictions[strings.ToLower(in.Role)]
	if !known {
		return Pass("behavioral")
	}
	for _, r := range restrictions {
		if r.pattern.MatchString(in.Text) {
			return Failf("behavioral", SeverityWarning, true,
				"role %s must not produce %s", in.Role, r.label).
				WithDetail("role", in.Role).
				WithDetail("restriction", r.label)
		}
	}
	return Pass("behavioral")
}

// ScopeControl measures keyword overlap between the output and the
// current requirements/architecture. Low relevance fails; mild drift
// warns.
type ScopeControl struct {
	MinRelevance float64
}

func (ScopeControl) Name() string { return "scope_control" }

func (g ScopeControl) Check(_ context.Context, in *Input) Verdict {
	min := g.MinRelevance
	if min <= 0 {
		min = 0.5
	}
	scope := scopeKeywords(in.State)
	if len(scope) == 0 {
		return Pass("behavioral")
	}
	words := significantWords(in.Text)
	if len(words) == 0 {
		return Pass("behavioral")
	}
	var hits int
	for w := range words {
		if _, ok := scope[w]; ok {
			hits++
		}
	}
	ratio := float64(hits) / float64(len(words))
	switch {
	case ratio < min/2:
		return Failf("behavioral", SeverityWarning, true,
			"output relevance %.2f is below %.2f; stay within the declared scope", ratio, min/2).
			WithDetail("relevance", ratio)
	case ratio < min:
		return Warnf("behavioral", "output drifts from declared scope (relevance %.2f)", ratio).
			WithDetail("relevance", ratio)
	}
	return Pass("behavioral")
}

func scopeKeywords(s *state.ProjectState) map[string]struct{} {
	if s == nil {
		return nil
	}
	var b strings.Builder
	b.WriteString(s.Description)
	if s.Requirements != nil {
		b.WriteString(" " + s.Requirements.ProjectName + " " + s.Requirements.Description)
		for _, us := range s.Requirements.UserStories {
			b.WriteString(" " + us.IWant + " " + us.SoThat)
		}
	}
	if s.Architecture != nil {
		b.WriteString(" " + s.Architecture.SystemOverview)
		for _, c := range s.Architecture.Components {
			b.WriteString(" " + c.Name + " " + c.Responsibility)
		}
		for _, tc := range s.Architecture.TechnologyStack {
			b.WriteString(" " + tc.Name)
		}
	}
	return significantWords(b.String())
}

var wordPattern = regexp.MustCompile(`[a-zA-Z]{4,}`)

// significantWords lowercases and keeps words of four letters or more;
// shorter tokens are too noisy for overlap scoring.
func significantWords(text string) map[string]struct{} {
	words := map[string]struct{}{}
	for _, w := range wordPattern.FindAllString(strings.ToLower(text), -1) {
		words[w] = struct{}{}
	}
	return words
}

// Delegation enforces who may delegate and refuses circular chains.
type Delegation struct{}

func (Delegation) Name() string { return "delegation" }

func (Delegation) Check(_ context.Context, in *Input) Verdict {
	chain := in.DelegationChain
	if len(chain) < 2 {
		return Pass("behavioral")
	}
	delegator := strings.ToLower(chain[len(chain)-2])
	if _, ok := allowedDelegators[delegator]; !ok {
		return Failf("behavioral", SeverityWarning, false,
			"role %s is not permitted to delegate", delegator).
			WithDetail("chain", strings.Join(chain, " -> "))
	}
	seen := map[string]struct{}{}
	for _, role := range chain {
		key := strings.ToLower(role)
		if _, dup := seen[key]; dup {
			return Failf("behavioral", SeverityWarning, false,
				"circular delegation involving %s", role).
				WithDetail("chain", strings.Join(chain, " -> "))
		}
		seen[key] = struct{}{}
	}
	return Pass("behavioral")
}

// OutputShape fails when the worker output did not coerce into the
// task's declared artifact type. The crew records the parse diagnostic
// in ShapeErr before running the chain.
type OutputShape struct{}

func (OutputShape) Name() string { return "output_shape" }

func (OutputShape) Check(_ context.Context, in *Input) Verdict {
	if in.ShapeErr != nil {
		return Failf("shape", SeverityWarning, true,
			"output does not parse as the declared artifact: %v", in.ShapeErr).
			WithDetail("diagnostic", in.ShapeErr.Error())
	}
	if in.Artifact == nil {
		return Failf("shape", SeverityWarning, true, "no artifact produced")
	}
	return Pass("shape")
}

// IterationLimit warns at 80% of the worker's inner iteration cap and
// fails, without retry, at the cap.
type IterationLimit struct{}

func (IterationLimit) Name() string { return "iteration_limit" }

func (IterationLimit) Check(_ context.Context, in *Input) Verdict {
	if in.MaxIterations <= 0 {
		return Pass("behavioral")
	}
	used := float64(in.Iteration) / float64(in.MaxIterations)
	switch {
	case used >= 1.0:
		return Failf("behavioral", SeverityWarning, false,
			"iteration cap reached (%d/%d)", in.Iteration, in.MaxIterations)
	case used >= 0.8:
		return Warnf("behavioral", "nearing iteration cap (%d/%d)", in.Iteration, in.MaxIterations)
	}
	return Pass("behavioral")
}

// MinUserStories fails the requirements artifact when it has fewer than
// the minimum number of user stories.
type MinUserStories struct {
	Min int
}

func (MinUserStories) Name() string { return "min_user_stories" }

func (g MinUserStories) Check(_ context.Context, in *Input) Verdict {
	min := g.Min
	if min <= 0 {
		min = 3
	}
	req, ok := in.Artifact.(*state.Requirements)
	if !ok || req == nil {
		return Pass("behavioral")
	}
	if len(req.UserStories) < min {
		return Failf("behavioral", SeverityWarning, true,
			"requirements need at least %d user stories, got %d", min, len(req.UserStories)).
			WithDetail("user_stories", len(req.UserStories))
	}
	return Pass("behavioral")
}

// MinReasoning warns when an output carries no visible reasoning.
type MinReasoning struct {
	MinLength int
}

var reasoningIndicators = regexp.MustCompile(`(?i)\b(?:because|therefore|so that|in order to|given that|which means)\b`)

func (MinReasoning) Name() string { return "min_reasoning" }

func (g MinReasoning) Check(_ context.Context, in *Input) Verdict {
	min := g.MinLength
	if min <= 0 {
		min = 80
	}
	if len(in.Text) >= min && reasoningIndicators.MatchString(in.Text) {
		return Pass("behavioral")
	}
	if len(in.Text) < min {
		return Warnf("behavioral", "output is too short to show reasoning (%d chars)", len(in.Text))
	}
	return Warnf("behavioral", "output states conclusions without reasoning")
}

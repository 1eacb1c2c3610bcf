package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/RickZee/ai-team/internal/crew"
	"github.com/RickZee/ai-team/internal/guardrail"
	"github.com/RickZee/ai-team/internal/state"
	"github.com/RickZee/ai-team/internal/store"
)

// minIntakeWords is the vagueness cutoff: shorter descriptions cannot
// be planned and need clarification.
const minIntakeWords = 5

// suspendablePhases may park in AWAITING_HUMAN on budget exhaustion;
// the rest go to ERROR.
var suspendablePhases = map[state.Phase]bool{
	state.PhaseIntake:   true,
	state.PhasePlanning: true,
	state.PhaseTesting:  true,
}

// runIntake validates the description and either advances to planning,
// suspends for clarification, or fails the run.
func (f *Flow) runIntake(ctx context.Context, st *state.ProjectState) error {
	desc := strings.TrimSpace(st.Description)
	if desc == "" {
		return f.fail(ctx, st, KindConfiguration, "project description is empty", nil)
	}
	if len(desc) > f.opts.DescriptionMaxLen {
		return f.fail(ctx, st, KindConfiguration,
			fmt.Sprintf("project description is %d chars, cap is %d", len(desc), f.opts.DescriptionMaxLen), nil)
	}

	verdict := guardrail.PromptInjection{}.Check(ctx, &guardrail.Input{Text: desc})
	if verdict.Blocking() {
		report := &store.FailureReport{LastVerdicts: []any{verdict}, LastOutput: desc}
		return f.fail(ctx, st, KindGuardrailHard, verdict.Message, report)
	}

	if len(strings.Fields(desc)) < minIntakeWords {
		return f.suspend(ctx, st,
			fmt.Sprintf("The description %q is too vague to plan. What should the system do, for whom, and with which interfaces?", desc),
			nil)
	}

	f.breaker.Success(state.PhaseIntake)
	return f.transition(ctx, st, state.PhasePlanning, "intake validated")
}

// runPlanning produces requirements and architecture, suspending when
// the product owner reports low confidence.
func (f *Flow) runPlanning(ctx context.Context, st *state.ProjectState) error {
	c, err := f.builder.Planning()
	if err != nil {
		return f.fail(ctx, st, KindConfiguration, err.Error(), nil)
	}
	started := time.Now()
	out, err := c.Kickoff(ctx, st.Snapshot())
	f.flushPhaseMetrics(ctx, st, state.PhasePlanning, out, started, err)
	if err != nil {
		return f.handlePhaseError(ctx, st, state.PhasePlanning, err)
	}

	req, ok := out.Artifact("requirements").(*state.Requirements)
	if !ok || req == nil {
		return f.suspend(ctx, st, "Planning produced no requirements document. How should the brief be refined?", nil)
	}
	arch, ok := out.Artifact("architecture").(*state.Architecture)
	if !ok || arch == nil {
		return f.suspend(ctx, st, "Planning produced no architecture. How should the brief be refined?", nil)
	}

	st.Requirements = req
	st.Architecture = arch

	if req.NeedsClarity || req.Confidence < f.opts.ConfidenceThreshold {
		question := req.ClarifyingNote
		if question == "" {
			question = fmt.Sprintf("Planning confidence %.2f is below %.2f. Please clarify the requirements.",
				req.Confidence, f.opts.ConfidenceThreshold)
		}
		return f.suspend(ctx, st, question, nil)
	}

	f.remember(ctx, st, "planning", fmt.Sprintf("%s: %d user stories, %d components",
		req.ProjectName, len(req.UserStories), len(arch.Components)))
	f.breaker.Success(state.PhasePlanning)
	return f.transition(ctx, st, state.PhaseDevelopment,
		fmt.Sprintf("requirements confidence %.2f", req.Confidence))
}

// runDevelopment generates the code base, replacing any output from a
// rolled-back earlier attempt.
func (f *Flow) runDevelopment(ctx context.Context, st *state.ProjectState) error {
	feedback := metaString(st, metaTestingFeedback)
	c, err := f.builder.Development(st.Snapshot(), feedback)
	if err != nil {
		return f.fail(ctx, st, KindConfiguration, err.Error(), nil)
	}
	started := time.Now()
	out, err := c.Kickoff(ctx, st.Snapshot())
	f.flushPhaseMetrics(ctx, st, state.PhaseDevelopment, out, started, err)
	if err != nil {
		return f.handlePhaseError(ctx, st, state.PhaseDevelopment, err)
	}

	files := out.Files(c.TaskOrder())
	if len(files) == 0 {
		return f.fail(ctx, st, KindShape, "development committed no files", nil)
	}
	if err := st.ReplaceFiles(files); err != nil {
		return f.fail(ctx, st, KindInvariant, err.Error(), nil)
	}
	f.materialize(ctx, st, files)
	st.SetMeta(metaTestingFeedback, nil)

	f.remember(ctx, st, "development", fmt.Sprintf("generated %d files for %s",
		len(files), projectName(st)))
	f.breaker.Success(state.PhaseDevelopment)
	return f.transition(ctx, st, state.PhaseTesting,
		fmt.Sprintf("%d files generated", len(files)))
}

// runTesting generates and executes the suite and reviews the code.
// Failures with budget left route back to development with structured
// feedback; exhaustion suspends.
func (f *Flow) runTesting(ctx context.Context, st *state.ProjectState) error {
	c, err := f.builder.Testing(st.Snapshot())
	if err != nil {
		return f.fail(ctx, st, KindConfiguration, err.Error(), nil)
	}
	started := time.Now()
	out, err := c.Kickoff(ctx, st.Snapshot())
	f.flushPhaseMetrics(ctx, st, state.PhaseTesting, out, started, err)
	if err != nil {
		kind := Classify(err)
		switch kind {
		case KindConfiguration, KindGuardrailHard, KindInvariant:
			return f.fail(ctx, st, kind, err.Error(), failureReportFrom(err))
		case KindTransient:
			return f.retryPhase(ctx, st, state.PhaseTesting, err)
		default:
			// The suite or its quality gates failed; that is a testing
			// outcome, not an infrastructure fault.
			return f.routeTestingFailure(ctx, st, kind, feedbackFromError(err))
		}
	}

	testRun, _ := out.Artifact("execute_tests").(*state.TestRun)
	review, _ := out.Artifact("review").(*crew.CodeReview)
	if tests, ok := out.Artifact("generate_tests").([]state.CodeFile); ok {
		if err := f.upsertFiles(ctx, st, tests); err != nil {
			return f.fail(ctx, st, KindInvariant, err.Error(), nil)
		}
	}
	st.TestResults = testRun

	if testRun == nil || !testRun.Success() {
		return f.routeTestingFailure(ctx, st, KindGuardrailSoft, feedbackFromRun(testRun, review))
	}

	f.remember(ctx, st, "testing", fmt.Sprintf("suite passed: %d tests, coverage %.2f",
		testRun.Total, testRun.Coverage))
	f.breaker.Success(state.PhaseTesting)
	return f.transition(ctx, st, state.PhaseDeployment,
		fmt.Sprintf("%d tests passed, coverage %.2f", testRun.Passed, testRun.Coverage))
}

// routeTestingFailure consumes one unit of the testing budget and sends
// the run back to development, or suspends when the budget is gone.
func (f *Flow) routeTestingFailure(ctx context.Context, st *state.ProjectState, kind Kind, fb *TestingFeedback) error {
	if err := f.recordError(st, state.PhaseTesting, kind, fb.Message); err != nil {
		return err
	}
	if !st.CanRetry(state.PhaseTesting) {
		return f.suspend(ctx, st,
			fmt.Sprintf("Testing failed %d times: %s. Retry with a fresh budget or abort?",
				st.RetryCount(state.PhaseTesting)+1, fb.Message),
			[]string{"retry", "abort"})
	}
	if err := st.IncrementRetry(state.PhaseTesting); err != nil {
		return f.fail(ctx, st, KindInvariant, err.Error(), nil)
	}
	st.SetMeta(metaTestingFeedback, fb.Render())

	// Roll back the failed attempt's test files; development will
	// regenerate the tree.
	if err := st.ReplaceFiles(filterNonTest(st.Snapshot().Files)); err != nil {
		return f.fail(ctx, st, KindInvariant, err.Error(), nil)
	}

	f.logger.Info(ctx, "routing test failures back to development",
		zap.String("project_id", st.ProjectID),
		zap.Int("retry", st.RetryCount(state.PhaseTesting)),
		zap.String("reason", fb.Message),
	)
	return f.transition(ctx, st, state.PhaseDevelopment, "test failures: "+fb.Message)
}

// runDeployment produces the final bundle and completes the run.
func (f *Flow) runDeployment(ctx context.Context, st *state.ProjectState) error {
	c, err := f.builder.Deployment(st.Snapshot())
	if err != nil {
		return f.fail(ctx, st, KindConfiguration, err.Error(), nil)
	}
	started := time.Now()
	out, err := c.Kickoff(ctx, st.Snapshot())
	f.flushPhaseMetrics(ctx, st, state.PhaseDeployment, out, started, err)
	if err != nil {
		return f.handlePhaseError(ctx, st, state.PhaseDeployment, err)
	}

	bundle, ok := out.Artifact("infrastructure").(*state.DeploymentBundle)
	if !ok || bundle == nil {
		return f.fail(ctx, st, KindShape, "deployment produced no bundle", nil)
	}
	st.Deployment = bundle
	if files := out.Files(c.TaskOrder()); len(files) > 0 {
		if err := f.upsertFiles(ctx, st, files); err != nil {
			return f.fail(ctx, st, KindInvariant, err.Error(), nil)
		}
	}

	f.breaker.Success(state.PhaseDeployment)
	return f.transition(ctx, st, state.PhaseComplete, "deployment bundle produced")
}

// handlePhaseError is the shared routing for planning, development and
// deployment crew failures.
func (f *Flow) handlePhaseError(ctx context.Context, st *state.ProjectState, phase state.Phase, err error) error {
	kind := Classify(err)
	switch kind {
	case KindConfiguration, KindGuardrailHard, KindInvariant:
		return f.fail(ctx, st, kind, err.Error(), failureReportFrom(err))
	case KindTransient:
		return f.retryPhase(ctx, st, phase, err)
	default:
		if rerr := f.recordError(st, phase, kind, err.Error()); rerr != nil {
			return rerr
		}
		return f.suspendOrFail(ctx, st, phase, kind, err.Error())
	}
}

// retryPhase consumes phase retry budget for a transient fault and lets
// the drive loop rerun the phase. The breaker stops endless loops.
func (f *Flow) retryPhase(ctx context.Context, st *state.ProjectState, phase state.Phase, cause error) error {
	if err := f.recordError(st, phase, KindTransient, cause.Error()); err != nil {
		return err
	}
	if f.breaker.Failure(phase) {
		return f.suspendOrFail(ctx, st, phase, KindTransient,
			fmt.Sprintf("circuit breaker open after %d consecutive failures: %v", f.breaker.Count(phase), cause))
	}
	if !st.CanRetry(phase) {
		return f.suspendOrFail(ctx, st, phase, KindBudgetExhausted,
			fmt.Sprintf("retry budget exhausted: %v", cause))
	}
	if err := st.IncrementRetry(phase); err != nil {
		return f.fail(ctx, st, KindInvariant, err.Error(), nil)
	}
	f.logger.Warn(ctx, "transient failure, retrying phase",
		zap.String("project_id", st.ProjectID),
		zap.String("phase", phase.String()),
		zap.Int("retry", st.RetryCount(phase)),
		zap.Error(cause),
	)
	return f.persist(st)
}

// suspendOrFail parks phases that support human feedback and fails the
// rest.
func (f *Flow) suspendOrFail(ctx context.Context, st *state.ProjectState, phase state.Phase, kind Kind, reason string) error {
	if suspendablePhases[phase] {
		return f.suspend(ctx, st,
			fmt.Sprintf("Phase %s cannot continue automatically (%s). Retry or abort?", phase, reason),
			[]string{"retry", "abort"})
	}
	return f.fail(ctx, st, kind, reason, nil)
}

// materialize writes committed files into the workspace. Failures are
// logged, not fatal: state remains the source of truth.
func (f *Flow) materialize(ctx context.Context, st *state.ProjectState, files []state.CodeFile) {
	if f.files == nil {
		return
	}
	for _, file := range files {
		if err := f.files.Write(ctx, file.Path, []byte(file.Content)); err != nil {
			f.logger.Warn(ctx, "workspace write failed",
				zap.String("project_id", st.ProjectID),
				zap.String("path", file.Path),
				zap.Error(err),
			)
		}
	}
}

// upsertFiles merges incoming files into state, replacing same-path
// entries, and materializes them.
func (f *Flow) upsertFiles(ctx context.Context, st *state.ProjectState, incoming []state.CodeFile) error {
	existing := st.Snapshot().Files
	index := map[string]int{}
	for i, file := range existing {
		index[file.Path] = i
	}
	for _, file := range incoming {
		if i, ok := index[file.Path]; ok {
			existing[i] = file
		} else {
			index[file.Path] = len(existing)
			existing = append(existing, file)
		}
	}
	if err := st.ReplaceFiles(existing); err != nil {
		return err
	}
	f.materialize(ctx, st, incoming)
	return nil
}

// remember stores a phase summary in the run's associative memory.
func (f *Flow) remember(ctx context.Context, st *state.ProjectState, phase, content string) {
	scope := st.ProjectID + "/" + phase
	if err := f.mem.Remember(ctx, scope, content, nil); err != nil {
		f.logger.Warn(ctx, "memory write failed", zap.Error(err))
	}
}

func filterNonTest(files []state.CodeFile) []state.CodeFile {
	kept := files[:0:0]
	for _, f := range files {
		if f.Kind != state.FileKindTest {
			kept = append(kept, f)
		}
	}
	return kept
}

func metaString(st *state.ProjectState, key string) string {
	v, ok := st.Meta(key)
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

func projectName(st *state.ProjectState) string {
	if st.Requirements != nil && st.Requirements.ProjectName != "" {
		return st.Requirements.ProjectName
	}
	return st.ProjectID
}

// failureReportFrom extracts verdict context from a crew error for the
// failure report.
func failureReportFrom(err error) *store.FailureReport {
	var crewErr *crew.Error
	if errors.As(err, &crewErr) && crewErr.Verdict != nil {
		return &store.FailureReport{
			LastVerdicts: []any{crewErr.Verdict},
			Details:      map[string]any{"task_id": crewErr.TaskID, "crew": crewErr.Crew},
		}
	}
	return nil
}

// TestingFeedback is the structured object routed back into the next
// development attempt after a failed testing phase.
type TestingFeedback struct {
	Message           string               `json:"message"`
	Failed            int                  `json:"failed"`
	Errors            int                  `json:"errors"`
	CoverageShortfall float64              `json:"coverage_shortfall,omitempty"`
	FailedCases       []state.FailedCase   `json:"failed_cases,omitempty"`
	Findings          []crew.ReviewFinding `json:"findings,omitempty"`
	Output            string               `json:"output,omitempty"`
}

const feedbackOutputCap = 2000

// Render formats the feedback for a worker prompt.
func (fb *TestingFeedback) Render() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\n", fb.Message)
	if fb.Failed > 0 || fb.Errors > 0 {
		fmt.Fprintf(&sb, "Failed: %d, errors: %d\n", fb.Failed, fb.Errors)
	}
	if fb.CoverageShortfall > 0 {
		fmt.Fprintf(&sb, "Coverage is %.2f below the threshold.\n", fb.CoverageShortfall)
	}
	for _, c := range fb.FailedCases {
		fmt.Fprintf(&sb, "- %s", c.Name)
		if c.Trace != "" {
			fmt.Fprintf(&sb, ": %s", c.Trace)
		}
		sb.WriteString("\n")
	}
	for _, finding := range fb.Findings {
		fmt.Fprintf(&sb, "- [%s] %s: %s\n", finding.Severity, finding.Path, finding.Message)
	}
	if fb.Output != "" {
		fmt.Fprintf(&sb, "Test output:\n%s\n", fb.Output)
	}
	return sb.String()
}

// feedbackFromRun builds structured feedback from a failed test run and
// the review's serious findings.
func feedbackFromRun(run *state.TestRun, review *crew.CodeReview) *TestingFeedback {
	fb := &TestingFeedback{Message: "test suite failed"}
	if run != nil {
		fb.Failed = run.Failed
		fb.Errors = run.Errors
		fb.FailedCases = run.FailedCases
		fb.Output = run.Output
		if len(fb.Output) > feedbackOutputCap {
			fb.Output = fb.Output[:feedbackOutputCap] + "\n... (truncated)"
		}
		fb.Message = fmt.Sprintf("test suite failed: %d failed, %d errors out of %d", run.Failed, run.Errors, run.Total)
	}
	if review != nil {
		fb.Findings = review.CriticalFindings()
	}
	return fb
}

// feedbackFromError builds feedback from a crew failure (coverage gate,
// review gate, shape exhaustion).
func feedbackFromError(err error) *TestingFeedback {
	fb := &TestingFeedback{Message: err.Error()}
	var crewErr *crew.Error
	if errors.As(err, &crewErr) && crewErr.Verdict != nil {
		fb.Message = crewErr.Verdict.Message
		if shortfall, ok := crewErr.Verdict.Details["threshold"].(float64); ok {
			if cov, ok := crewErr.Verdict.Details["coverage"].(float64); ok && shortfall > cov {
				fb.CoverageShortfall = shortfall - cov
			}
		}
	}
	return fb
}

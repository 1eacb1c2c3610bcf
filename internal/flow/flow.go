// Package flow drives a delivery run through the phase state machine:
// intake validation, planning, development, testing, deployment. It
// owns the project state exclusively, classifies every failure into the
// error taxonomy, persists a snapshot after each transition and error,
// and suspends for human feedback where the phase policy allows it.
package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/RickZee/ai-team/internal/crew"
	"github.com/RickZee/ai-team/internal/logging"
	"github.com/RickZee/ai-team/internal/memory"
	"github.com/RickZee/ai-team/internal/state"
	"github.com/RickZee/ai-team/internal/store"
	"github.com/RickZee/ai-team/internal/tools"
)

// Metadata keys owned by the flow.
const (
	metaFeedbackRequest = "feedback_request"
	metaTestingFeedback = "testing_feedback"
	metaTerminalKind    = "terminal_kind"
	metaCancelled       = "cancelled"
)

// Config wires a Flow.
type Config struct {
	Options Options
	Store   *store.Store
	Memory  *memory.Service
	Builder *crew.Builder
	// Files materializes committed artifacts into the workspace; nil
	// keeps them in state only.
	Files tools.FileStore
	// Broker answers human-feedback requests; nil means a suspension
	// terminates the run as awaiting-human.
	Broker *Broker
	Logger *logging.Logger
}

// Flow is the top-level orchestrator for one or more runs.
type Flow struct {
	opts    Options
	store   *store.Store
	mem     *memory.Service
	builder *crew.Builder
	files   tools.FileStore
	broker  *Broker
	breaker *Breaker
	logger  *logging.Logger

	// Cursors into the state's transition and error slices marking what
	// has already been appended to the logs.
	savedTransitions int
	savedErrors      int
}

// New validates the options and builds a Flow.
func New(cfg Config) (*Flow, error) {
	cfg.Options.applyDefaults()
	if err := cfg.Options.Validate(); err != nil {
		return nil, fmt.Errorf("flow options: %w", err)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("flow: store is required")
	}
	if cfg.Builder == nil {
		return nil, fmt.Errorf("flow: crew builder is required")
	}
	mem := cfg.Memory
	if mem == nil {
		mem = memory.Noop()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Flow{
		opts:    cfg.Options,
		store:   cfg.Store,
		mem:     mem,
		builder: cfg.Builder,
		files:   cfg.Files,
		broker:  cfg.Broker,
		breaker: NewBreaker(cfg.Options.BreakerThreshold),
		logger:  logger.Named("flow"),
	}, nil
}

// RunOutcome is the terminal result of a run.
type RunOutcome struct {
	ProjectID string
	Phase     state.Phase
	// Kind is the error taxonomy kind when the run ended in ERROR.
	Kind      Kind
	Cancelled bool
	Files     int
	Errors    int
	Duration  time.Duration
	// Request is the open feedback request when the run suspended.
	Request *FeedbackRequest
}

// ExitCode maps the outcome onto the CLI contract.
func (o *RunOutcome) ExitCode() int {
	switch o.Phase {
	case state.PhaseComplete:
		return 0
	case state.PhaseAwaitingHuman:
		return 2
	}
	if o.Cancelled {
		return 4
	}
	if o.Kind == KindConfiguration {
		return 5
	}
	return 3
}

// Run starts a fresh run from a project description and drives it to a
// terminal or suspended phase.
func (f *Flow) Run(ctx context.Context, description string) (*RunOutcome, error) {
	st := state.New(description)
	st.MaxRetries = f.opts.MaxRetries
	f.savedTransitions, f.savedErrors = 0, 0
	if err := f.persist(st); err != nil {
		return nil, err
	}
	f.logger.Info(ctx, "run started",
		zap.String("project_id", st.ProjectID),
		zap.Int("description_len", len(description)),
	)
	return f.drive(ctx, st)
}

// Resume loads the last snapshot and continues from the last committed
// phase boundary.
func (f *Flow) Resume(ctx context.Context, projectID string) (*RunOutcome, error) {
	st, err := f.store.Load(projectID)
	if err != nil {
		return nil, err
	}
	f.savedTransitions, f.savedErrors = len(st.Transitions), len(st.Errors)
	f.logger.Info(ctx, "run resumed",
		zap.String("project_id", st.ProjectID),
		zap.String("phase", st.Phase.String()),
	)
	return f.drive(ctx, st)
}

// Respond applies a human response to a suspended run and continues it.
func (f *Flow) Respond(ctx context.Context, projectID, response string) (*RunOutcome, error) {
	st, err := f.store.Load(projectID)
	if err != nil {
		return nil, err
	}
	if st.Phase != state.PhaseAwaitingHuman {
		return nil, fmt.Errorf("project %s is in %s, not awaiting feedback", projectID, st.Phase)
	}
	f.savedTransitions, f.savedErrors = len(st.Transitions), len(st.Errors)
	req := f.pendingRequest(st)
	if err := f.applyResponse(ctx, st, req, response); err != nil {
		return nil, err
	}
	return f.drive(ctx, st)
}

// drive loops the state machine until a terminal phase or an
// unanswerable suspension.
func (f *Flow) drive(ctx context.Context, st *state.ProjectState) (*RunOutcome, error) {
	// Workers recall and remember under the run's scope.
	for _, w := range f.builder.Workers {
		w.SetMemoryScope(st.ProjectID)
	}
	for {
		if ctx.Err() != nil {
			if err := f.cancel(ctx, st); err != nil {
				return nil, err
			}
			return f.outcome(st), nil
		}

		var err error
		switch st.Phase {
		case state.PhaseComplete, state.PhaseError:
			f.finish(ctx, st)
			return f.outcome(st), nil
		case state.PhaseAwaitingHuman:
			var parked bool
			parked, err = f.awaitHuman(ctx, st)
			if parked {
				f.finish(ctx, st)
				return f.outcome(st), nil
			}
		case state.PhaseIntake:
			err = f.runIntake(ctx, st)
		case state.PhasePlanning:
			err = f.runPlanning(ctx, st)
		case state.PhaseDevelopment:
			err = f.runDevelopment(ctx, st)
		case state.PhaseTesting:
			err = f.runTesting(ctx, st)
		case state.PhaseDeployment:
			err = f.runDeployment(ctx, st)
		default:
			err = fmt.Errorf("unknown phase %q", st.Phase)
		}
		if err != nil {
			return nil, err
		}
	}
}

// transition takes one edge and persists. Invariant violations are
// escalated to ERROR.
func (f *Flow) transition(ctx context.Context, st *state.ProjectState, to state.Phase, reason string) error {
	if err := st.Transition(to, reason); err != nil {
		f.logger.Error(ctx, "illegal transition",
			zap.String("project_id", st.ProjectID),
			zap.String("to", to.String()),
			zap.Error(err),
		)
		return f.fail(ctx, st, KindInvariant, err.Error(), nil)
	}
	f.logger.Info(ctx, "phase transition",
		zap.String("project_id", st.ProjectID),
		zap.String("to", to.String()),
		zap.String("reason", reason),
	)
	return f.persist(st)
}

// recordError appends a classified error and persists.
func (f *Flow) recordError(st *state.ProjectState, phase state.Phase, kind Kind, message string) error {
	st.AddError(phase, string(kind), message, kind.Recoverable())
	return f.persist(st)
}

// fail moves the run to ERROR, preserving state and writing the failure
// report. report may be nil.
func (f *Flow) fail(ctx context.Context, st *state.ProjectState, kind Kind, message string, report *store.FailureReport) error {
	phase := st.Phase
	if err := f.recordError(st, phase, kind, message); err != nil {
		return err
	}
	st.SetMeta(metaTerminalKind, string(kind))

	if report == nil {
		report = &store.FailureReport{}
	}
	report.ProjectID = st.ProjectID
	report.Phase = phase
	report.Kind = string(kind)
	report.Message = message
	if err := f.store.WriteFailureReport(*report); err != nil {
		f.logger.Warn(ctx, "failure report write failed", zap.Error(err))
	}

	// A suspended run has no direct ERROR edge; step back to the
	// suspended-from phase first.
	if st.Phase == state.PhaseAwaitingHuman {
		if err := st.Transition(st.SuspendedFrom, "failing: "+message); err != nil {
			return f.persist(st)
		}
	}
	if err := st.Transition(state.PhaseError, message); err != nil {
		f.logger.Error(ctx, "could not reach ERROR", zap.Error(err))
	}
	return f.persist(st)
}

// cancel handles run-wide cancellation: record, persist, ERROR.
func (f *Flow) cancel(ctx context.Context, st *state.ProjectState) error {
	if st.Phase.Terminal() {
		return nil
	}
	st.SetMeta(metaCancelled, true)
	f.logger.Warn(context.WithoutCancel(ctx), "run cancelled",
		zap.String("project_id", st.ProjectID),
		zap.String("phase", st.Phase.String()),
	)
	return f.fail(context.WithoutCancel(ctx), st, KindTransient, "cancelled", nil)
}

// suspend parks the run in AWAITING_HUMAN with a structured request.
func (f *Flow) suspend(ctx context.Context, st *state.ProjectState, question string, options []string) error {
	req := NewRequest(question, options, f.digest(st), f.opts.FeedbackTimeout, f.opts.FeedbackDefault)
	st.SetMeta(metaFeedbackRequest, req)
	f.logger.Info(ctx, "suspending for human feedback",
		zap.String("project_id", st.ProjectID),
		zap.String("request_id", req.ID),
		zap.String("question", question),
	)
	return f.transition(ctx, st, state.PhaseAwaitingHuman, question)
}

// awaitHuman asks the broker for a response. Without a broker the run
// stays parked and the outcome is awaiting-human.
func (f *Flow) awaitHuman(ctx context.Context, st *state.ProjectState) (parked bool, err error) {
	if f.broker == nil {
		return true, nil
	}
	req := f.pendingRequest(st)
	response, timedOut, askErr := f.broker.Ask(ctx, req)
	if askErr != nil {
		// Cancellation; the drive loop handles it.
		return false, nil
	}
	if timedOut {
		f.logger.Warn(ctx, "feedback deadline passed, taking default action",
			zap.String("request_id", req.ID),
			zap.String("default", req.DefaultAction),
		)
	}
	return false, f.applyResponse(ctx, st, req, response)
}

// applyResponse parses the human response, attaches it to state, and
// routes back to the suspended-from phase (or aborts).
func (f *Flow) applyResponse(ctx context.Context, st *state.ProjectState, req *FeedbackRequest, response string) error {
	parsed := ParseResponse(req, response)
	from := st.SuspendedFrom
	f.logger.Info(ctx, "human feedback received",
		zap.String("project_id", st.ProjectID),
		zap.String("decision", string(parsed.Decision)),
		zap.String("resume_phase", from.String()),
	)

	if parsed.Decision == DecisionAbort {
		return f.fail(ctx, st, KindBudgetExhausted, "aborted by human feedback", nil)
	}

	st.HumanFeedback = parsed.Text
	st.SetMeta(metaFeedbackRequest, nil)
	if parsed.Decision == DecisionAnswer && parsed.Text != "" {
		// A free-form answer refines the brief for the resumed phase.
		st.Description = st.Description + "\n\nClarification: " + parsed.Text
	}
	// The resumed phase gets a fresh budget; the human explicitly chose
	// to continue.
	st.ResetRetries(from)
	f.breaker.Success(from)
	return f.transition(ctx, st, from, "human feedback: "+string(parsed.Decision))
}

// pendingRequest reconstructs the open feedback request from metadata.
// Metadata survives snapshots as generic JSON, so it is re-decoded.
func (f *Flow) pendingRequest(st *state.ProjectState) *FeedbackRequest {
	raw, ok := st.Meta(metaFeedbackRequest)
	if !ok || raw == nil {
		return NewRequest("Run suspended; continue?", []string{"proceed", "abort"},
			f.digest(st), f.opts.FeedbackTimeout, f.opts.FeedbackDefault)
	}
	if req, ok := raw.(*FeedbackRequest); ok {
		return req
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return NewRequest("Run suspended; continue?", nil, "", f.opts.FeedbackTimeout, f.opts.FeedbackDefault)
	}
	var req FeedbackRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return NewRequest("Run suspended; continue?", nil, "", f.opts.FeedbackTimeout, f.opts.FeedbackDefault)
	}
	return &req
}

// digest summarizes the run for a feedback request.
func (f *Flow) digest(st *state.ProjectState) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "project=%s phase=%s files=%d errors=%d",
		st.ProjectID, st.Phase, len(st.Files), len(st.Errors))
	if st.TestResults != nil {
		fmt.Fprintf(&sb, " tests=%d/%d coverage=%.2f",
			st.TestResults.Passed, st.TestResults.Total, st.TestResults.Coverage)
	}
	return sb.String()
}

// persist writes the snapshot and appends any new transition and error
// records.
func (f *Flow) persist(st *state.ProjectState) error {
	if err := f.store.SaveSnapshot(st); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	for ; f.savedTransitions < len(st.Transitions); f.savedTransitions++ {
		if err := f.store.AppendTransition(st.ProjectID, st.Transitions[f.savedTransitions]); err != nil {
			return fmt.Errorf("persist transition: %w", err)
		}
	}
	for ; f.savedErrors < len(st.Errors); f.savedErrors++ {
		if err := f.store.AppendError(st.ProjectID, st.Errors[f.savedErrors]); err != nil {
			return fmt.Errorf("persist error: %w", err)
		}
	}
	f.store.LogSaved(st.ProjectID, st.Phase)
	return nil
}

// outcome assembles the terminal result.
func (f *Flow) outcome(st *state.ProjectState) *RunOutcome {
	out := &RunOutcome{
		ProjectID: st.ProjectID,
		Phase:     st.Phase,
		Files:     len(st.Files),
		Errors:    len(st.Errors),
		Duration:  time.Since(st.StartedAt),
	}
	if st.CompletedAt != nil {
		out.Duration = st.CompletedAt.Sub(st.StartedAt)
	}
	if kind, ok := st.Meta(metaTerminalKind); ok {
		if s, ok := kind.(string); ok {
			out.Kind = Kind(s)
		}
	}
	if cancelled, ok := st.Meta(metaCancelled); ok {
		if b, ok := cancelled.(bool); ok && b {
			out.Cancelled = b
		}
	}
	if st.Phase == state.PhaseAwaitingHuman {
		out.Request = f.pendingRequest(st)
	}
	return out
}

// finish flushes cross-run metrics and, on completion, purges the
// run's associative memory.
func (f *Flow) finish(ctx context.Context, st *state.ProjectState) {
	if st.Phase == state.PhaseComplete {
		if err := f.mem.Purge(ctx, st.ProjectID); err != nil {
			f.logger.Warn(ctx, "memory purge failed", zap.Error(err))
		}
	}
	if f.mem.Relational == nil {
		return
	}
	ended := time.Now().UTC()
	if st.CompletedAt != nil {
		ended = *st.CompletedAt
	}
	if err := f.mem.Relational.RecordRun(ctx, memory.RunRecord{
		RunID:      st.ProjectID,
		StartedAt:  st.StartedAt,
		EndedAt:    ended,
		FinalPhase: st.Phase,
	}); err != nil {
		f.logger.Warn(ctx, "run metrics flush failed", zap.Error(err))
	}
	for _, w := range f.builder.Workers {
		tokens, invocations, failures := w.Usage()
		if invocations == 0 && failures == 0 {
			continue
		}
		if err := f.mem.Relational.RecordRole(ctx, memory.RoleMetric{
			Role:        w.Role().Name,
			ModelID:     w.ModelID(),
			Invocations: invocations,
			TokensIn:    tokens.In,
			TokensOut:   tokens.Out,
			Failures:    failures,
		}); err != nil {
			f.logger.Warn(ctx, "role metrics flush failed", zap.Error(err))
		}
	}
}

// flushPhaseMetrics records one phase execution in the relational store.
func (f *Flow) flushPhaseMetrics(ctx context.Context, st *state.ProjectState, phase state.Phase, out *crew.Output, started time.Time, runErr error) {
	if f.mem.Relational == nil {
		return
	}
	metric := memory.PhaseMetric{
		RunID:    st.ProjectID,
		Phase:    phase,
		Duration: time.Since(started),
		Retries:  st.RetryCount(phase),
		Outcome:  "ok",
	}
	if out != nil {
		metric.TokensIn = out.Tokens.In
		metric.TokensOut = out.Tokens.Out
	}
	if runErr != nil {
		metric.Outcome = "failed"
	}
	if err := f.mem.Relational.RecordPhase(ctx, metric); err != nil {
		f.logger.Warn(ctx, "phase metrics flush failed", zap.Error(err))
	}
}

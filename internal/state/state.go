// Package state holds the authoritative record for one delivery run:
// the project state, its phase machine, and the typed artifacts the
// crews produce. All mutation goes through invariant-checked methods.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/RickZee/ai-team/internal/sanitize"
)

const DefaultMaxRetries = 3

var (
	ErrInvalidTransition    = errors.New("invalid phase transition")
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
	ErrDuplicateFilePath    = errors.New("duplicate file path")
	ErrRunTerminated        = errors.New("run already terminated")
	ErrNotSuspended         = errors.New("run is not suspended")
)

// ProjectState is the single authoritative record for one run. The flow
// owns it exclusively; crews and guardrails receive snapshots.
type ProjectState struct {
	mu sync.Mutex

	ProjectID     string            `json:"project_id"`
	Description   string            `json:"description"`
	Phase         Phase             `json:"phase"`
	Requirements  *Requirements     `json:"requirements,omitempty"`
	Architecture  *Architecture     `json:"architecture,omitempty"`
	Files         []CodeFile        `json:"files,omitempty"`
	TestResults   *TestRun          `json:"test_results,omitempty"`
	Deployment    *DeploymentBundle `json:"deployment,omitempty"`
	Transitions   []Transition      `json:"transitions"`
	Errors        []ErrorRecord     `json:"errors,omitempty"`
	Retries       map[string]int    `json:"retries"`
	MaxRetries    int               `json:"max_retries"`
	StartedAt     time.Time         `json:"started_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
	SuspendedFrom Phase             `json:"suspended_from,omitempty"`
	HumanFeedback string            `json:"human_feedback,omitempty"`

	// Unknown carries fields from newer snapshot formats so they
	// survive a load/save cycle.
	Unknown map[string]json.RawMessage `json:"-"`
}

// New creates a fresh run in INTAKE.
func New(description string) *ProjectState {
	return &ProjectState{
		ProjectID:   uuid.New().String(),
		Description: description,
		Phase:       PhaseIntake,
		Retries:     map[string]int{},
		MaxRetries:  DefaultMaxRetries,
		StartedAt:   time.Now().UTC(),
		Metadata:    map[string]any{},
	}
}

// Transition moves the run to the given phase. The edge must exist in
// the machine; leaving AWAITING_HUMAN is only valid toward the phase the
// run was suspended from. Terminal phases set CompletedAt.
func (s *ProjectState) Transition(to Phase, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Phase.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrRunTerminated, s.Phase)
	}
	if !to.Valid() {
		return fmt.Errorf("%w: unknown phase %q", ErrInvalidTransition, to)
	}
	if s.Phase == PhaseAwaitingHuman {
		if s.SuspendedFrom == "" {
			return fmt.Errorf("%w: no suspended-from phase recorded", ErrNotSuspended)
		}
		if to != s.SuspendedFrom {
			return fmt.Errorf("%w: %s -> %s (suspended from %s)",
				ErrInvalidTransition, s.Phase, to, s.SuspendedFrom)
		}
	} else if !CanTransition(s.Phase, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Phase, to)
	}

	ts := time.Now().UTC()
	if n := len(s.Transitions); n > 0 && ts.Before(s.Transitions[n-1].Timestamp) {
		ts = s.Transitions[n-1].Timestamp
	}

	from := s.Phase
	if to == PhaseAwaitingHuman {
		s.SuspendedFrom = from
	} else if from == PhaseAwaitingHuman {
		s.SuspendedFrom = ""
	}
	s.Phase = to
	s.Transitions = append(s.Transitions, Transition{
		From: from, To: to, Timestamp: ts, Reason: reason,
	})
	if to.Terminal() {
		done := ts
		s.CompletedAt = &done
	}
	return nil
}

// AddError appends a classified error. It never changes the phase.
func (s *ProjectState) AddError(phase Phase, kind, message string, recoverable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Errors = append(s.Errors, ErrorRecord{
		Phase:       phase,
		Kind:        kind,
		Message:     message,
		Timestamp:   time.Now().UTC(),
		Recoverable: recoverable,
	})
}

// CanRetry reports whether the phase has retry budget remaining.
func (s *ProjectState) CanRetry(phase Phase) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Retries[string(phase)] < s.MaxRetries
}

// IncrementRetry bumps the phase retry counter, refusing to exceed the
// budget.
func (s *ProjectState) IncrementRetry(phase Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Retries == nil {
		s.Retries = map[string]int{}
	}
	if s.Retries[string(phase)] >= s.MaxRetries {
		return fmt.Errorf("%w: phase %s at %d/%d",
			ErrRetryBudgetExhausted, phase, s.Retries[string(phase)], s.MaxRetries)
	}
	s.Retries[string(phase)]++
	return nil
}

// ResetRetries clears the retry counter for a phase. Used when a human
// resumes a budget-exhausted phase.
func (s *ProjectState) ResetRetries(phase Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Retries != nil {
		delete(s.Retries, string(phase))
	}
}

// RetryCount returns the retry counter for a phase.
func (s *ProjectState) RetryCount(phase Phase) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Retries[string(phase)]
}

// AddFile appends a generated file. Paths must be unique, relative, and
// traversal-free.
func (s *ProjectState) AddFile(f CodeFile) error {
	if err := sanitize.ValidateRelPath(f.Path); err != nil {
		return fmt.Errorf("file path %q: %w", f.Path, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.Files {
		if existing.Path == f.Path {
			return fmt.Errorf("%w: %s", ErrDuplicateFilePath, f.Path)
		}
	}
	s.Files = append(s.Files, f)
	return nil
}

// ReplaceFiles drops all files written by a rolled-back phase attempt and
// installs the given set. Each path is re-validated.
func (s *ProjectState) ReplaceFiles(files []CodeFile) error {
	seen := map[string]struct{}{}
	for _, f := range files {
		if err := sanitize.ValidateRelPath(f.Path); err != nil {
			return fmt.Errorf("file path %q: %w", f.Path, err)
		}
		if _, dup := seen[f.Path]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateFilePath, f.Path)
		}
		seen[f.Path] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Files = files
	return nil
}

// SetMeta stores a metadata value.
func (s *ProjectState) SetMeta(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Metadata == nil {
		s.Metadata = map[string]any{}
	}
	s.Metadata[key] = value
}

// Meta reads a metadata value.
func (s *ProjectState) Meta(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.Metadata[key]
	return v, ok
}

// Snapshot returns a deep copy safe to hand to crews and guardrails.
func (s *ProjectState) Snapshot() *ProjectState {
	s.mu.Lock()
	data, err := json.Marshal(s)
	s.mu.Unlock()
	if err != nil {
		// Marshal of the state types cannot fail; treat as a bug.
		panic(fmt.Sprintf("state snapshot: %v", err))
	}
	var copy ProjectState
	if err := json.Unmarshal(data, &copy); err != nil {
		panic(fmt.Sprintf("state snapshot: %v", err))
	}
	return &copy
}

// Summary returns a compact view for status output and logs.
func (s *ProjectState) Summary() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := map[string]any{
		"project_id":  s.ProjectID,
		"phase":       string(s.Phase),
		"files":       len(s.Files),
		"errors":      len(s.Errors),
		"transitions": len(s.Transitions),
		"retries":     s.Retries,
		"started_at":  s.StartedAt,
	}
	if s.CompletedAt != nil {
		sum["completed_at"] = *s.CompletedAt
		sum["duration"] = s.CompletedAt.Sub(s.StartedAt).String()
	}
	if s.Phase == PhaseAwaitingHuman {
		sum["suspended_from"] = string(s.SuspendedFrom)
	}
	return sum
}

// stateKnownKeys lists the JSON keys owned by this version of the
// snapshot format. Anything else round-trips through Unknown.
var stateKnownKeys = []string{
	"project_id", "description", "phase", "requirements", "architecture",
	"files", "test_results", "deployment", "transitions", "errors",
	"retries", "max_retries", "started_at", "completed_at", "metadata",
	"suspended_from", "human_feedback",
}

type projectStateAlias ProjectState

// MarshalJSON emits known fields plus any preserved unknown fields.
func (s *ProjectState) MarshalJSON() ([]byte, error) {
	b, err := json.Marshal((*projectStateAlias)(s))
	if err != nil || len(s.Unknown) == 0 {
		return b, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	for k, v := range s.Unknown {
		if _, taken := m[k]; !taken {
			m[k] = v
		}
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes known fields and preserves the rest.
func (s *ProjectState) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, (*projectStateAlias)(s)); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, k := range stateKnownKeys {
		delete(raw, k)
	}
	if len(raw) > 0 {
		s.Unknown = raw
	}
	return nil
}

func hasFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

// Package memory provides the two semantic stores the orchestrator can
// use: an embedding-backed associative store scoped to one run, and a
// relational store that keeps transition and role metrics across runs.
// Both are optional; the Noop service keeps the flow correct with
// memory disabled.
package memory

import (
	"context"
	"time"

	"github.com/RickZee/ai-team/internal/state"
)

// Record is one recalled memory with its composite score.
type Record struct {
	Content  string
	Score    float64
	Metadata map[string]string
}

// Associative is the session-scoped similarity store.
type Associative interface {
	// Remember stores content under a scope path. Metadata may carry an
	// explicit "importance" in [0,1]; absent, a neutral default is used.
	Remember(ctx context.Context, scope, content string, metadata map[string]string) error
	// Recall returns up to k records ranked by similarity, recency and
	// importance. Writes issued before the recall in the same scope are
	// visible to it.
	Recall(ctx context.Context, scope, query string, k int) ([]Record, error)
	// Purge drops everything stored for the project.
	Purge(ctx context.Context, projectID string) error
}

// RunRecord summarizes one completed run for the relational store.
type RunRecord struct {
	RunID      string
	StartedAt  time.Time
	EndedAt    time.Time
	FinalPhase state.Phase
}

// PhaseMetric is one phase execution within a run.
type PhaseMetric struct {
	RunID     string
	Phase     state.Phase
	Duration  time.Duration
	Retries   int
	TokensIn  int
	TokensOut int
	Outcome   string
}

// RoleMetric aggregates a role/model pair across invocations.
type RoleMetric struct {
	Role        string
	ModelID     string
	Invocations int
	TokensIn    int
	TokensOut   int
	Failures    int
}

// Relational is the cross-session metrics store. It is written only by
// the flow thread and never read on the control path.
type Relational interface {
	RecordRun(ctx context.Context, run RunRecord) error
	RecordPhase(ctx context.Context, metric PhaseMetric) error
	RecordRole(ctx context.Context, metric RoleMetric) error
	RoleMetrics(ctx context.Context) ([]RoleMetric, error)
	Close() error
}

// Service bundles both stores behind one handle.
type Service struct {
	Associative Associative
	Relational  Relational
}

// Enabled reports whether associative recall is available.
func (s *Service) Enabled() bool {
	return s != nil && s.Associative != nil
}

// Remember is a nil-safe write to the associative store.
func (s *Service) Remember(ctx context.Context, scope, content string, metadata map[string]string) error {
	if !s.Enabled() {
		return nil
	}
	return s.Associative.Remember(ctx, scope, content, metadata)
}

// Recall is a nil-safe read; disabled memory recalls nothing.
func (s *Service) Recall(ctx context.Context, scope, query string, k int) ([]Record, error) {
	if !s.Enabled() {
		return nil, nil
	}
	return s.Associative.Recall(ctx, scope, query, k)
}

// Purge is a nil-safe purge.
func (s *Service) Purge(ctx context.Context, projectID string) error {
	if !s.Enabled() {
		return nil
	}
	return s.Associative.Purge(ctx, projectID)
}

// Noop returns a disabled memory service.
func Noop() *Service { return &Service{} }

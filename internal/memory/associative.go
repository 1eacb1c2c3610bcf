package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"

	"github.com/RickZee/ai-team/internal/logging"
)

const (
	defaultHalfLife   = 30 * time.Minute
	defaultImportance = 0.5

	// Composite score weights: similarity dominates, recency and
	// importance break ties.
	weightSimilarity = 0.6
	weightRecency    = 0.2
	weightImportance = 0.2
)

// ChromemStore is the associative store over an in-process chromem
// database. Collections are partitioned per scope path; a per-scope
// lock orders every recall after the writes that precede it.
type ChromemStore struct {
	db       *chromem.DB
	embedder Embedder
	halfLife time.Duration
	logger   *logging.Logger

	mu     sync.Mutex
	scopes map[string]*sync.Mutex

	now func() time.Time
}

// NewChromemStore builds a session-scoped in-memory store.
func NewChromemStore(embedder Embedder, halfLife time.Duration, logger *logging.Logger) *ChromemStore {
	if halfLife <= 0 {
		halfLife = defaultHalfLife
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &ChromemStore{
		db:       chromem.NewDB(),
		embedder: embedder,
		halfLife: halfLife,
		logger:   logger.Named("memory"),
		scopes:   map[string]*sync.Mutex{},
		now:      time.Now,
	}
}

func (s *ChromemStore) scopeLock(scope string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.scopes[scope]
	if !ok {
		l = &sync.Mutex{}
		s.scopes[scope] = l
	}
	return l
}

// collectionName flattens a scope path into a chromem collection name.
func collectionName(scope string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, scope)
	if name == "" {
		name = "default"
	}
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}

func (s *ChromemStore) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return s.embedder.Embed(ctx, text)
	}
}

// Remember stores content in the scope's collection with its write time
// and importance in the document metadata.
func (s *ChromemStore) Remember(ctx context.Context, scope, content string, metadata map[string]string) error {
	if content == "" {
		return fmt.Errorf("empty content")
	}
	lock := s.scopeLock(scope)
	lock.Lock()
	defer lock.Unlock()

	col, err := s.db.GetOrCreateCollection(collectionName(scope), nil, s.embeddingFunc())
	if err != nil {
		return fmt.Errorf("collection for scope %s: %w", scope, err)
	}

	meta := map[string]string{
		"scope":      scope,
		"created_at": strconv.FormatInt(s.now().UnixNano(), 10),
		"importance": strconv.FormatFloat(importanceOf(metadata), 'f', 3, 64),
	}
	for k, v := range metadata {
		if _, owned := meta[k]; !owned {
			meta[k] = v
		}
	}

	err = col.AddDocument(ctx, chromem.Document{
		ID:       uuid.New().String(),
		Content:  content,
		Metadata: meta,
	})
	if err != nil {
		return fmt.Errorf("remember in scope %s: %w", scope, err)
	}
	return nil
}

// Recall ranks stored content by the composite of semantic similarity,
// exponential recency decay, and importance.
func (s *ChromemStore) Recall(ctx context.Context, scope, query string, k int) ([]Record, error) {
	if k <= 0 {
		k = 5
	}
	lock := s.scopeLock(scope)
	lock.Lock()
	defer lock.Unlock()

	col := s.db.GetCollection(collectionName(scope), s.embeddingFunc())
	if col == nil || col.Count() == 0 {
		return nil, nil
	}
	// Over-fetch so re-ranking by recency and importance has candidates
	// beyond the top-k most similar.
	n := k * 3
	if count := col.Count(); n > count {
		n = count
	}
	results, err := col.Query(ctx, query, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("recall in scope %s: %w", scope, err)
	}

	now := s.now()
	records := make([]Record, 0, len(results))
	for _, r := range results {
		records = append(records, Record{
			Content:  r.Content,
			Score:    s.compositeScore(float64(r.Similarity), r.Metadata, now),
			Metadata: r.Metadata,
		})
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].Score > records[j].Score })
	if len(records) > k {
		records = records[:k]
	}
	return records, nil
}

func (s *ChromemStore) compositeScore(similarity float64, meta map[string]string, now time.Time) float64 {
	recency := 1.0
	if raw, ok := meta["created_at"]; ok {
		if ns, err := strconv.ParseInt(raw, 10, 64); err == nil {
			age := now.Sub(time.Unix(0, ns))
			if age > 0 {
				recency = math.Exp2(-age.Seconds() / s.halfLife.Seconds())
			}
		}
	}
	importance := defaultImportance
	if raw, ok := meta["importance"]; ok {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			importance = clamp01(v)
		}
	}
	return weightSimilarity*clamp01(similarity) + weightRecency*recency + weightImportance*importance
}

// Purge drops every collection belonging to the project. Scope paths
// start with the project id, so the prefix identifies them.
func (s *ChromemStore) Purge(_ context.Context, projectID string) error {
	prefix := collectionName(projectID)
	for name := range s.db.ListCollections() {
		if strings.HasPrefix(name, prefix) {
			if err := s.db.DeleteCollection(name); err != nil {
				return fmt.Errorf("purge collection %s: %w", name, err)
			}
		}
	}
	return nil
}

func importanceOf(metadata map[string]string) float64 {
	if raw, ok := metadata["importance"]; ok {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			return clamp01(v)
		}
	}
	return defaultImportance
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Package recall finds historical records similar to a query.
//
// Records live in named collections (past tasks, past interventions). A
// query embeds its text, applies an optional exact-match metadata filter and
// returns the k nearest records by cosine similarity. An empty collection
// yields an empty result, never an error.
package recall

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Collections used by the workflow stages.
const (
	CollectionTasks         = "tasks"
	CollectionInterventions = "interventions"
)

// Embedder turns texts into vectors, one per input, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// Searcher is the read side of an Index, as used by workflow stages.
type Searcher interface {
	Query(ctx context.Context, collection, text string, k int, filter map[string]string) ([]Match, error)
}

// Record is one stored item.
type Record struct {
	ID         string            `json:"id"`
	Collection string            `json:"collection"`
	Text       string            `json:"text"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	StoredAt   time.Time         `json:"stored_at"`
}

// Match is a query result.
type Match struct {
	Record
	Score float64 `json:"score"`
}

type entry struct {
	record Record
	vector []float64
}

// Index is an in-memory similarity index safe for concurrent use.
type Index struct {
	embedder Embedder
	logger   *zap.Logger
	now      func() time.Time

	mu          sync.RWMutex
	collections map[string]map[string]entry
}

// Option configures an Index.
type Option func(*Index)

// WithLogger sets the component logger.
func WithLogger(logger *zap.Logger) Option {
	return func(ix *Index) {
		if logger != nil {
			ix.logger = logger
		}
	}
}

// WithClock stamps stored records. Defaults to time.Now.
func WithClock(now func() time.Time) Option {
	return func(ix *Index) { ix.now = now }
}

// NewIndex creates an empty index using embedder.
func NewIndex(embedder Embedder, opts ...Option) *Index {
	ix := &Index{
		embedder:    embedder,
		logger:      zap.NewNop(),
		now:         time.Now,
		collections: make(map[string]map[string]entry),
	}
	for _, opt := range opts {
		opt(ix)
	}
	ix.logger = ix.logger.With(zap.String("component", "recall"))
	return ix
}

// Upsert stores text under id in collection, replacing an earlier record
// with the same id.
func (ix *Index) Upsert(ctx context.Context, collection, id, text string, metadata map[string]string) error {
	if collection == "" || id == "" {
		return errors.New("recall: collection and id are required")
	}

	vectors, err := ix.embedder.Embed(ctx, []string{text})
	if err != nil {
		return fmt.Errorf("recall: embed %s/%s: %w", collection, id, err)
	}
	if len(vectors) != 1 {
		return fmt.Errorf("recall: embedder returned %d vectors for 1 text", len(vectors))
	}

	rec := Record{
		ID:         id,
		Collection: collection,
		Text:       text,
		Metadata:   cloneMetadata(metadata),
		StoredAt:   ix.now(),
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	col, ok := ix.collections[collection]
	if !ok {
		col = make(map[string]entry)
		ix.collections[collection] = col
	}
	col[id] = entry{record: rec, vector: vectors[0]}
	ix.logger.Debug("record stored", zap.String("collection", collection), zap.String("id", id))
	return nil
}

// Query returns up to k records of collection nearest to text whose
// metadata contains every key/value in filter. Ties are broken by id.
func (ix *Index) Query(ctx context.Context, collection, text string, k int, filter map[string]string) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}

	ix.mu.RLock()
	empty := len(ix.collections[collection]) == 0
	ix.mu.RUnlock()
	if empty {
		return nil, nil
	}

	vectors, err := ix.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("recall: embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("recall: embedder returned %d vectors for 1 text", len(vectors))
	}
	query := vectors[0]

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var matches []Match
	for _, e := range ix.collections[collection] {
		if !matchesFilter(e.record.Metadata, filter) {
			continue
		}
		rec := e.record
		rec.Metadata = cloneMetadata(rec.Metadata)
		matches = append(matches, Match{Record: rec, Score: cosine(query, e.vector)})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Count returns the number of records in collection.
func (ix *Index) Count(collection string) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.collections[collection])
}

// Delete removes a record. Deleting a missing record is not an error.
func (ix *Index) Delete(collection, id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.collections[collection], id)
}

func matchesFilter(metadata, filter map[string]string) bool {
	for k, v := range filter {
		if mv, ok := metadata[k]; !ok || mv != v {
			return false
		}
	}
	return true
}

func cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func cloneMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

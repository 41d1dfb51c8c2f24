package index

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/nextlevelbuilder/recall/internal/embedding"
	"github.com/nextlevelbuilder/recall/internal/hnsw"
)

// halfLife is the age at which a time-weighted score has decayed halfway.
const halfLife = 30 * 24 * time.Hour

// overfetchFactor widens candidate retrieval before time-weighted reranking.
const overfetchFactor = 3

// SearchResult is one ranked hit.
type SearchResult struct {
	Path      string    `json:"path"`
	Score     float64   `json:"score"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Stats summarizes the index.
type Stats struct {
	IndexedFiles int `json:"indexed_files"`
	IndexSize    int `json:"index_size"`
}

// Service is the single writer over the HNSW graph and the embedding rows.
// Embeddings are computed before the lock is taken; only graph and row
// mutation is serialized.
type Service struct {
	embedder embedding.Embedder
	store    EmbeddingStore

	mu        sync.Mutex
	graph     *hnsw.Index
	updatedAt map[string]time.Time
	warmed    bool

	now func() time.Time
}

// NewService creates an index service. The graph is rebuilt lazily from
// stored rows on first use.
func NewService(embedder embedding.Embedder, store EmbeddingStore) *Service {
	return &Service{
		embedder:  embedder,
		store:     store,
		graph:     hnsw.New(embedder.Dimensions()),
		updatedAt: make(map[string]time.Time),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// warmLocked rebuilds the graph from persisted rows. Caller holds mu.
// Bad rows are logged and skipped so one corrupt row cannot block startup.
func (s *Service) warmLocked(ctx context.Context) error {
	if s.warmed {
		return nil
	}
	start := time.Now()
	rows, err := s.store.All(ctx)
	if err != nil {
		return fmt.Errorf("index: load rows: %w", err)
	}
	loaded := 0
	for _, row := range rows {
		if err := s.graph.Insert(row.Path, row.Embedding); err != nil {
			slog.Warn("index.rebuild_skip_row", "path", row.Path, "error", err)
			continue
		}
		s.updatedAt[row.Path] = row.UpdatedAt
		loaded++
	}
	s.warmed = true
	slog.Info("index.rebuild", "documents", loaded, "skipped", len(rows)-loaded, "duration", time.Since(start))
	return nil
}

// Update embeds content and upserts it under id.
func (s *Service) Update(ctx context.Context, id, content string) error {
	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return fmt.Errorf("index: embed %s: %w", id, err)
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.warmLocked(ctx); err != nil {
		return err
	}
	if err := s.store.Upsert(ctx, Row{Path: id, Embedding: vec, UpdatedAt: now}); err != nil {
		return err
	}
	if err := s.graph.Insert(id, vec); err != nil {
		return fmt.Errorf("index: insert %s: %w", id, err)
	}
	s.updatedAt[id] = now
	return nil
}

// Delete removes id from the rows and the graph. Missing ids are no-ops.
func (s *Service) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.warmLocked(ctx); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.graph.Delete(id)
	delete(s.updatedAt, id)
	return nil
}

// Search returns the top k hits for query. With timeWeight, similarity is
// blended with a 30-day half-life recency decay: candidates are overfetched,
// rescored, and the top k kept.
func (s *Service) Search(ctx context.Context, query string, k int, timeWeight bool) ([]SearchResult, error) {
	if k <= 0 {
		k = 10
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("index: embed query: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.warmLocked(ctx); err != nil {
		return nil, err
	}

	fetch := k
	if timeWeight {
		fetch = k * overfetchFactor
	}
	hits, err := s.graph.Search(vec, fetch, 0)
	if err != nil {
		return nil, fmt.Errorf("index: search: %w", err)
	}

	now := s.now()
	results := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		r := SearchResult{Path: h.ID, Score: h.Score, UpdatedAt: s.updatedAt[h.ID]}
		if timeWeight {
			// Missing updated_at counts as fresh, not ancient.
			age := time.Duration(0)
			if !r.UpdatedAt.IsZero() {
				age = now.Sub(r.UpdatedAt)
			}
			if age < 0 {
				age = 0
			}
			decay := math.Pow(0.5, age.Hours()/halfLife.Hours())
			r.Score = h.Score * (0.3 + 0.7*decay)
		}
		results = append(results, r)
	}
	if timeWeight {
		// Rerank by adjusted score, then trim back to k.
		for i := 1; i < len(results); i++ {
			for j := i; j > 0 && results[j].Score > results[j-1].Score; j-- {
				results[j], results[j-1] = results[j-1], results[j]
			}
		}
		if len(results) > k {
			results = results[:k]
		}
	}
	return results, nil
}

// Stats reports how many files are stored and how many nodes the graph holds.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.warmLocked(ctx); err != nil {
		return Stats{}, err
	}
	files, err := s.store.Count(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("index: count rows: %w", err)
	}
	return Stats{IndexedFiles: files, IndexSize: s.graph.Size()}, nil
}

package index

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"path/filepath"
	"testing"
	"time"
)

// fakeEmbedder derives a deterministic unit vector from the text.
type fakeEmbedder struct {
	dim int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	h.Write([]byte(text))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))
	v := make([]float32, f.dim)
	var norm float64
	for i := range v {
		v[i] = float32(rng.NormFloat64())
		norm += float64(v[i]) * float64(v[i])
	}
	norm = math.Sqrt(norm)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v, nil
}

func (f *fakeEmbedder) Dimensions() int { return f.dim }

func newTestService(t *testing.T) (*Service, *SQLiteStore) {
	t.Helper()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "embeddings.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return NewService(&fakeEmbedder{dim: 16}, store), store
}

func TestUpdateThenSearch(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	docs := map[string]string{
		"memory/go.md":     "notes about golang development",
		"memory/python.md": "python scripting tips",
		"memory/infra.md":  "kubernetes deployment checklist",
	}
	for path, content := range docs {
		if err := svc.Update(ctx, path, content); err != nil {
			t.Fatal(err)
		}
	}

	res, err := svc.Search(ctx, "notes about golang development", 3, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) == 0 || res[0].Path != "memory/go.md" {
		t.Fatalf("search results = %+v", res)
	}
	if res[0].Score < 0.999 {
		t.Errorf("exact-content score = %f", res[0].Score)
	}
}

func TestTimeWeightTreatsUnknownUpdatedAtAsFresh(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.Update(ctx, "memory/a.md", "etcd compaction settings"); err != nil {
		t.Fatal(err)
	}
	svc.mu.Lock()
	delete(svc.updatedAt, "memory/a.md")
	svc.mu.Unlock()

	res, err := svc.Search(ctx, "etcd compaction settings", 1, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 1 {
		t.Fatalf("results = %+v", res)
	}
	// Age zero means no decay: the adjusted score stays at the raw score.
	if res[0].Score < 0.999 {
		t.Errorf("score = %f, decay applied to unknown timestamp", res[0].Score)
	}
}

func TestSearchEmptyIndex(t *testing.T) {
	svc, _ := newTestService(t)
	res, err := svc.Search(context.Background(), "anything", 5, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 0 {
		t.Errorf("results = %+v", res)
	}
}

func TestDeleteRemovesFromSearch(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	if err := svc.Update(ctx, "doc.md", "some content"); err != nil {
		t.Fatal(err)
	}
	if err := svc.Delete(ctx, "doc.md"); err != nil {
		t.Fatal(err)
	}

	res, err := svc.Search(ctx, "some content", 5, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 0 {
		t.Errorf("deleted doc still returned: %+v", res)
	}
	n, err := store.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("row count after delete = %d", n)
	}

	// Deleting again is a no-op.
	if err := svc.Delete(ctx, "doc.md"); err != nil {
		t.Fatal(err)
	}
}

func TestWarmRebuildFromRows(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "embeddings.db")
	store, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	emb := &fakeEmbedder{dim: 16}
	svc := NewService(emb, store)
	ctx := context.Background()

	if err := svc.Update(ctx, "a.md", "first document"); err != nil {
		t.Fatal(err)
	}
	if err := svc.Update(ctx, "b.md", "second document"); err != nil {
		t.Fatal(err)
	}
	store.Close()

	// Fresh service over the same database must rebuild the graph.
	store2, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer store2.Close()
	svc2 := NewService(emb, store2)

	res, err := svc2.Search(ctx, "first document", 2, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 2 || res[0].Path != "a.md" {
		t.Fatalf("rebuilt search = %+v", res)
	}
	stats, err := svc2.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.IndexedFiles != 2 || stats.IndexSize != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestWarmRebuildSkipsBadRows(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "embeddings.db")
	store, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()

	emb := &fakeEmbedder{dim: 16}
	good, _ := emb.Embed(ctx, "good doc")
	if err := store.Upsert(ctx, Row{Path: "good.md", Embedding: good, UpdatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	// Wrong dimensionality: must be skipped, not fatal.
	if err := store.Upsert(ctx, Row{Path: "bad.md", Embedding: []float32{1, 2}, UpdatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	svc := NewService(emb, store)
	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// The bad row stays in the table but never enters the graph.
	if stats.IndexSize != 1 {
		t.Errorf("index size = %d, want 1", stats.IndexSize)
	}
	if stats.IndexedFiles != 2 {
		t.Errorf("indexed files = %d, want 2", stats.IndexedFiles)
	}
}

func TestTimeWeightedSearchPrefersRecent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return t0 }
	if err := svc.Update(ctx, "old.md", "shared topic text"); err != nil {
		t.Fatal(err)
	}

	t1 := t0.Add(60 * 24 * time.Hour)
	svc.now = func() time.Time { return t1 }
	if err := svc.Update(ctx, "new.md", "shared topic text "); err != nil {
		t.Fatal(err)
	}

	res, err := svc.Search(ctx, "shared topic text", 2, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 2 {
		t.Fatalf("results = %+v", res)
	}
	var oldScore, newScore float64
	for _, r := range res {
		switch r.Path {
		case "old.md":
			oldScore = r.Score
		case "new.md":
			newScore = r.Score
		}
	}
	// At 60 days with a 30-day half-life the decay factor is 0.25, so even
	// a perfect similarity match caps at 0.475.
	if oldScore > 0.48 {
		t.Errorf("old doc score = %f, decay not applied", oldScore)
	}
	_ = newScore
	if res[0].Path == "old.md" && res[0].Score <= res[1].Score {
		t.Errorf("results not sorted by adjusted score: %+v", res)
	}
}

func TestVectorCodecRoundTrip(t *testing.T) {
	in := []float32{0.5, -1.25, 3.75, 0}
	out, err := DecodeVector(EncodeVector(in))
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != len(in) {
		t.Fatalf("len = %d", len(out))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("component %d: %f != %f", i, in[i], out[i])
		}
	}

	if _, err := DecodeVector([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated blob")
	}
}

package conversations

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/recall/internal/embedding"
	"github.com/nextlevelbuilder/recall/internal/index"
	"github.com/nextlevelbuilder/recall/internal/objstore"
)

// echoEmbedder maps distinct texts to distinct fixed unit vectors.
type echoEmbedder struct {
	seen map[string]int
	dim  int
}

func (e *echoEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.seen == nil {
		e.seen = make(map[string]int)
	}
	slot, ok := e.seen[text]
	if !ok {
		slot = len(e.seen) % e.dim
		e.seen[text] = slot
	}
	v := make([]float32, e.dim)
	v[slot] = 1
	return v, nil
}

func (e *echoEmbedder) Dimensions() int { return e.dim }

var _ embedding.Embedder = (*echoEmbedder)(nil)

func newTestIndexer(t *testing.T) (*Indexer, objstore.Store) {
	t.Helper()
	store, err := objstore.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	rows, err := index.OpenSQLite(filepath.Join(t.TempDir(), "emb.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rows.Close() })
	svc := index.NewService(&echoEmbedder{dim: 64}, rows)
	return NewIndexer(store, svc), store
}

func sessionJSON(t *testing.T, id string, prompts ...string) json.RawMessage {
	t.Helper()
	var msgs []map[string]interface{}
	for _, p := range prompts {
		msgs = append(msgs,
			map[string]interface{}{"role": "user", "content": p},
			map[string]interface{}{"role": "assistant", "content": "response to: " + p},
		)
	}
	data, err := json.Marshal(map[string]interface{}{
		"id":       id,
		"project":  "demo",
		"messages": msgs,
	})
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestIndexSessionsCounts(t *testing.T) {
	ix, _ := newTestIndexer(t)
	ctx := context.Background()

	s1 := sessionJSON(t, "s1", "first question about caching")
	s2 := sessionJSON(t, "s2", "second question about testing")

	counts, err := ix.IndexSessions(ctx, []json.RawMessage{s1, s2})
	if err != nil {
		t.Fatal(err)
	}
	if counts.Added != 2 || counts.Updated != 0 || counts.Unchanged != 0 {
		t.Fatalf("counts = %+v", counts)
	}

	// Identical payloads are unchanged.
	counts, err = ix.IndexSessions(ctx, []json.RawMessage{s1, s2})
	if err != nil {
		t.Fatal(err)
	}
	if counts.Unchanged != 2 || counts.Added != 0 || counts.Updated != 0 {
		t.Fatalf("second pass counts = %+v", counts)
	}

	// A changed session is updated.
	s1b := sessionJSON(t, "s1", "first question about caching", "followup about eviction")
	counts, err = ix.IndexSessions(ctx, []json.RawMessage{s1b, s2})
	if err != nil {
		t.Fatal(err)
	}
	if counts.Updated != 1 || counts.Unchanged != 1 {
		t.Fatalf("third pass counts = %+v", counts)
	}

	stats, err := ix.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Sessions != 2 || stats.Exchanges != 3 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestIndexSessionsPersistsArtifacts(t *testing.T) {
	ix, store := newTestIndexer(t)
	ctx := context.Background()

	if _, err := ix.IndexSessions(ctx, []json.RawMessage{sessionJSON(t, "s1", "a question worth keeping")}); err != nil {
		t.Fatal(err)
	}

	raw, err := store.Read(ctx, "conversations/sessions/s1.json")
	if err != nil {
		t.Fatal(err)
	}
	if raw == nil {
		t.Fatal("raw session not persisted")
	}

	exch, err := store.Read(ctx, "conversations/exchanges/s1-0.txt")
	if err != nil {
		t.Fatal(err)
	}
	if exch == nil {
		t.Fatal("exchange text not persisted")
	}
	want := "[demo] a question worth keeping\n\nResponse: response to: a question worth keeping"
	if exch.Content != want {
		t.Errorf("exchange text = %q", exch.Content)
	}
}

func TestSearchConversations(t *testing.T) {
	ix, _ := newTestIndexer(t)
	ctx := context.Background()

	if _, err := ix.IndexSessions(ctx, []json.RawMessage{
		sessionJSON(t, "s1", "deploying with docker compose"),
		sessionJSON(t, "s2", "debugging a flaky test"),
	}); err != nil {
		t.Fatal(err)
	}

	hits, err := ix.Search(ctx, "[demo] deploying with docker compose\n\nResponse: response to: deploying with docker compose", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) == 0 || hits[0].SessionID != "s1" {
		t.Fatalf("hits = %+v", hits)
	}
}

func TestExpandWindow(t *testing.T) {
	ix, _ := newTestIndexer(t)
	ctx := context.Background()

	prompts := make([]string, 7)
	for i := range prompts {
		prompts[i] = fmt.Sprintf("question number %d in sequence", i)
	}
	if _, err := ix.IndexSessions(ctx, []json.RawMessage{sessionJSON(t, "s1", prompts...)}); err != nil {
		t.Fatal(err)
	}

	all, err := ix.Expand(ctx, "s1", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 7 {
		t.Fatalf("all = %d exchanges", len(all))
	}

	// Exchange ids follow user message indexes: 0, 2, 4, ...
	window, err := ix.Expand(ctx, "s1", all[3].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(window) != 5 {
		t.Fatalf("window = %d exchanges", len(window))
	}
	if window[2].ID != all[3].ID {
		t.Errorf("window center = %s, want %s", window[2].ID, all[3].ID)
	}

	// At the boundary the window is clipped.
	window, err = ix.Expand(ctx, "s1", all[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(window) != 3 {
		t.Fatalf("boundary window = %d exchanges", len(window))
	}
}

func TestExpandFallsBackToIndex(t *testing.T) {
	ix, store := newTestIndexer(t)
	ctx := context.Background()

	if _, err := ix.IndexSessions(ctx, []json.RawMessage{sessionJSON(t, "s1", "a question worth keeping")}); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(ctx, "conversations/sessions/s1.json"); err != nil {
		t.Fatal(err)
	}

	ex, err := ix.Expand(ctx, "s1", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(ex) != 1 || ex[0].UserPrompt != "a question worth keeping" {
		t.Fatalf("fallback exchanges = %+v", ex)
	}
}

func TestExpandUnknownExchange(t *testing.T) {
	ix, _ := newTestIndexer(t)
	ctx := context.Background()

	if _, err := ix.IndexSessions(ctx, []json.RawMessage{sessionJSON(t, "s1", "a question worth keeping")}); err != nil {
		t.Fatal(err)
	}
	if _, err := ix.Expand(ctx, "s1", "s1-99"); err == nil {
		t.Error("expected error for unknown exchange id")
	}
}

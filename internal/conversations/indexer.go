package conversations

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/recall/internal/index"
	"github.com/nextlevelbuilder/recall/internal/objstore"
)

const (
	indexBlobPath  = "conversations/index.json"
	sessionPrefix  = "conversations/sessions/"
	exchangePrefix = "conversations/exchanges/"
)

// expandWindow is the number of exchanges returned on each side of the
// requested exchange.
const expandWindow = 2

// Counts summarizes one indexing pass.
type Counts struct {
	Added     int `json:"added"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
}

// Stats reports index totals.
type Stats struct {
	Sessions  int `json:"sessions"`
	Exchanges int `json:"exchanges"`
}

// indexState is the persisted conversation index blob.
type indexState struct {
	SessionHashes map[string]uint32     `json:"sessionHashes"`
	Exchanges     map[string][]Exchange `json:"exchanges"` // sessionID -> exchanges
}

// Indexer maintains the conversation index: session change detection,
// exchange extraction, and semantic indexing of exchange texts. All mutation
// serializes on its mutex.
type Indexer struct {
	store objstore.Store
	idx   *index.Service

	mu  sync.Mutex
	now func() time.Time
}

func NewIndexer(store objstore.Store, idx *index.Service) *Indexer {
	return &Indexer{
		store: store,
		idx:   idx,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (ix *Indexer) loadState(ctx context.Context) (*indexState, error) {
	obj, err := ix.store.Read(ctx, indexBlobPath)
	if err != nil {
		return nil, fmt.Errorf("conversations: load index: %w", err)
	}
	state := &indexState{
		SessionHashes: make(map[string]uint32),
		Exchanges:     make(map[string][]Exchange),
	}
	if obj == nil {
		return state, nil
	}
	if err := json.Unmarshal([]byte(obj.Content), state); err != nil {
		return nil, fmt.Errorf("conversations: parse index: %w", err)
	}
	if state.SessionHashes == nil {
		state.SessionHashes = make(map[string]uint32)
	}
	if state.Exchanges == nil {
		state.Exchanges = make(map[string][]Exchange)
	}
	return state, nil
}

func (ix *Indexer) saveState(ctx context.Context, state *indexState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("conversations: marshal index: %w", err)
	}
	if _, err := ix.store.Write(ctx, indexBlobPath, string(data)); err != nil {
		return fmt.Errorf("conversations: save index: %w", err)
	}
	return nil
}

// exchangeText is the document embedded for semantic search.
func exchangeText(e Exchange) string {
	return fmt.Sprintf("[%s] %s\n\nResponse: %s", e.Project, e.UserPrompt, e.AssistantResponse)
}

func exchangePath(id string) string { return exchangePrefix + id + ".txt" }
func sessionPath(id string) string  { return sessionPrefix + id + ".json" }

// IndexSessions indexes the given raw session payloads incrementally.
// Sessions whose payload hash is unchanged are skipped; changed sessions have
// their old exchanges removed and the new ones added.
func (ix *Indexer) IndexSessions(ctx context.Context, rawSessions []json.RawMessage) (Counts, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	state, err := ix.loadState(ctx)
	if err != nil {
		return Counts{}, err
	}

	var counts Counts
	dirty := false

	for _, raw := range rawSessions {
		var session Session
		if err := json.Unmarshal(raw, &session); err != nil {
			return counts, fmt.Errorf("conversations: parse session: %w", err)
		}
		if session.ID == "" {
			return counts, fmt.Errorf("conversations: session missing id")
		}

		h := HashSession(raw)
		prev, known := state.SessionHashes[session.ID]
		if known && prev == h {
			counts.Unchanged++
			continue
		}

		// Drop the previous exchanges before re-adding.
		for _, old := range state.Exchanges[session.ID] {
			if err := ix.idx.Delete(ctx, exchangePath(old.ID)); err != nil {
				return counts, err
			}
			if err := ix.store.Delete(ctx, exchangePath(old.ID)); err != nil {
				return counts, err
			}
		}

		exchanges := ParseExchanges(session, ix.now())
		for _, e := range exchanges {
			text := exchangeText(e)
			if _, err := ix.store.Write(ctx, exchangePath(e.ID), text); err != nil {
				return counts, err
			}
			if err := ix.idx.Update(ctx, exchangePath(e.ID), text); err != nil {
				return counts, err
			}
		}

		// Raw session kept for later expansion.
		if _, err := ix.store.Write(ctx, sessionPath(session.ID), string(raw)); err != nil {
			return counts, err
		}

		state.SessionHashes[session.ID] = h
		state.Exchanges[session.ID] = exchanges
		dirty = true
		if known {
			counts.Updated++
		} else {
			counts.Added++
		}
		slog.Debug("conversations.indexed", "session", session.ID, "exchanges", len(exchanges))
	}

	if dirty {
		if err := ix.saveState(ctx, state); err != nil {
			return counts, err
		}
	}
	return counts, nil
}

// Expand returns exchanges for a session. With an exchangeID it returns a
// window of two exchanges on each side; otherwise all exchanges. When the raw
// session is gone the indexed exchanges serve as fallback.
func (ix *Indexer) Expand(ctx context.Context, sessionID, exchangeID string) ([]Exchange, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var exchanges []Exchange
	obj, err := ix.store.Read(ctx, sessionPath(sessionID))
	if err != nil {
		return nil, err
	}
	if obj != nil {
		var session Session
		if err := json.Unmarshal([]byte(obj.Content), &session); err != nil {
			return nil, fmt.Errorf("conversations: parse stored session %s: %w", sessionID, err)
		}
		exchanges = ParseExchanges(session, ix.now())
	} else {
		state, err := ix.loadState(ctx)
		if err != nil {
			return nil, err
		}
		exchanges = state.Exchanges[sessionID]
	}

	if exchangeID == "" {
		return exchanges, nil
	}
	for i, e := range exchanges {
		if e.ID == exchangeID {
			lo := i - expandWindow
			if lo < 0 {
				lo = 0
			}
			hi := i + expandWindow + 1
			if hi > len(exchanges) {
				hi = len(exchanges)
			}
			return exchanges[lo:hi], nil
		}
	}
	return nil, fmt.Errorf("conversations: exchange %s not found in session %s", exchangeID, sessionID)
}

// Stats reports how many sessions and exchanges are indexed.
func (ix *Indexer) Stats(ctx context.Context) (Stats, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	state, err := ix.loadState(ctx)
	if err != nil {
		return Stats{}, err
	}
	total := 0
	for _, ex := range state.Exchanges {
		total += len(ex)
	}
	return Stats{Sessions: len(state.SessionHashes), Exchanges: total}, nil
}

// Search runs a semantic query over indexed exchanges and resolves hits back
// to exchange records, most similar first.
func (ix *Indexer) Search(ctx context.Context, query string, limit int) ([]Exchange, error) {
	if limit <= 0 {
		limit = 10
	}
	results, err := ix.idx.Search(ctx, query, limit*2, false)
	if err != nil {
		return nil, err
	}

	ix.mu.Lock()
	state, err := ix.loadState(ctx)
	ix.mu.Unlock()
	if err != nil {
		return nil, err
	}

	byPath := make(map[string]Exchange)
	for _, exchanges := range state.Exchanges {
		for _, e := range exchanges {
			byPath[exchangePath(e.ID)] = e
		}
	}

	var out []Exchange
	for _, r := range results {
		if e, ok := byPath[r.Path]; ok {
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

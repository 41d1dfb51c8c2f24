// Package reminders implements poll-driven one-shot and cron reminders.
//
// Reminders fire from check calls, not from a background timer, so minutes
// during which nobody polls are not made up later. A cron reminder fires at
// most once per matching UTC minute; the guard is the persisted lastFired
// timestamp, so it holds across restarts.
package reminders

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/recall/internal/objstore"
)

const blobPath = "reminders/index.json"

// Reminder types.
const (
	TypeOnce = "once"
	TypeCron = "cron"
)

// Reminder is one scheduled notification.
type Reminder struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"` // "once" or "cron"
	Expression  string     `json:"expression"`
	Description string     `json:"description,omitempty"`
	Payload     string     `json:"payload,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastFired   *time.Time `json:"lastFired,omitempty"`
}

// Scheduler owns the reminder blob. All mutations serialize on its mutex.
type Scheduler struct {
	store objstore.Store
	gron  *gronx.Gronx

	mu  sync.Mutex
	now func() time.Time
}

func NewScheduler(store objstore.Store) *Scheduler {
	return &Scheduler{
		store: store,
		gron:  gronx.New(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *Scheduler) load(ctx context.Context) ([]Reminder, error) {
	obj, err := s.store.Read(ctx, blobPath)
	if err != nil {
		return nil, fmt.Errorf("reminders: load: %w", err)
	}
	if obj == nil {
		return []Reminder{}, nil
	}
	var list []Reminder
	if err := json.Unmarshal([]byte(obj.Content), &list); err != nil {
		return nil, fmt.Errorf("reminders: parse blob: %w", err)
	}
	return list, nil
}

func (s *Scheduler) save(ctx context.Context, list []Reminder) error {
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("reminders: marshal: %w", err)
	}
	if _, err := s.store.Write(ctx, blobPath, string(data)); err != nil {
		return fmt.Errorf("reminders: save: %w", err)
	}
	return nil
}

// List returns all reminders in stored order.
func (s *Scheduler) List(ctx context.Context) ([]Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

// Get returns the reminder with the given id, or nil.
func (s *Scheduler) Get(ctx context.Context, id string) (*Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].ID == id {
			return &list[i], nil
		}
	}
	return nil, nil
}

// Schedule upserts a reminder by id.
func (s *Scheduler) Schedule(ctx context.Context, r Reminder) error {
	if r.ID == "" {
		return fmt.Errorf("reminders: id is required")
	}
	switch r.Type {
	case TypeOnce:
		if _, err := time.Parse(time.RFC3339, r.Expression); err != nil {
			return fmt.Errorf("reminders: once expression must be RFC3339: %w", err)
		}
	case TypeCron:
		// Invalid cron expressions are accepted but never match (check
		// treats them as a silent no-match).
	default:
		return fmt.Errorf("reminders: unknown type %q", r.Type)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.load(ctx)
	if err != nil {
		return err
	}
	replaced := false
	for i := range list {
		if list[i].ID == r.ID {
			list[i] = r
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, r)
	}
	return s.save(ctx, list)
}

// Remove deletes a reminder by id. Returns whether it existed.
func (s *Scheduler) Remove(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.load(ctx)
	if err != nil {
		return false, err
	}
	kept := list[:0]
	removed := false
	for _, r := range list {
		if r.ID == id {
			removed = true
			continue
		}
		kept = append(kept, r)
	}
	if !removed {
		return false, nil
	}
	return true, s.save(ctx, kept)
}

// Check evaluates all reminders against the current UTC time and returns the
// ones that fired. One-shots are removed after firing; cron reminders record
// lastFired. The blob is rewritten only when something fired or was removed.
func (s *Scheduler) Check(ctx context.Context) ([]Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()

	var fired []Reminder
	kept := make([]Reminder, 0, len(list))
	dirty := false

	for _, r := range list {
		switch r.Type {
		case TypeOnce:
			at, err := time.Parse(time.RFC3339, r.Expression)
			if err != nil {
				// Unparseable one-shot can never fire; keep it visible.
				kept = append(kept, r)
				continue
			}
			if !at.After(now) {
				fired = append(fired, r)
				dirty = true
				continue // removed
			}
			kept = append(kept, r)

		case TypeCron:
			due, err := s.gron.IsDue(r.Expression, now)
			if err != nil || !due {
				if err != nil {
					slog.Debug("reminders.invalid_cron", "id", r.ID, "expression", r.Expression)
				}
				kept = append(kept, r)
				continue
			}
			if r.LastFired != nil && sameMinute(*r.LastFired, now) {
				kept = append(kept, r)
				continue
			}
			t := now
			r.LastFired = &t
			fired = append(fired, r)
			dirty = true
			kept = append(kept, r)

		default:
			kept = append(kept, r)
		}
	}

	if dirty {
		if err := s.save(ctx, kept); err != nil {
			return nil, err
		}
	}
	return fired, nil
}

func sameMinute(a, b time.Time) bool {
	a, b = a.UTC(), b.UTC()
	return a.Year() == b.Year() && a.Month() == b.Month() && a.Day() == b.Day() &&
		a.Hour() == b.Hour() && a.Minute() == b.Minute()
}

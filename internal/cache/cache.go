// Package cache persists scripts that completed a step so later runs can
// replay them without asking the generator again.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Record is one successful step. Records are append-only; the newest record
// for a key wins.
type Record struct {
	ID         int64     `json:"id"`
	BaseDomain string    `json:"base_domain"`
	PageURL    string    `json:"page_url"`
	Goal       string    `json:"goal"`
	Script     string    `json:"script"`
	Summary    string    `json:"summary"`
	Tags       []string  `json:"tags"`
	Success    bool      `json:"success"`
	CreatedAt  time.Time `json:"created_at"`
}

// Key identifies the step a record answers.
type Key struct {
	BaseDomain string
	PageURL    string
	Goal       string
}

// Key returns the lookup key of r.
func (r Record) Key() Key {
	return Key{BaseDomain: r.BaseDomain, PageURL: r.PageURL, Goal: r.Goal}
}

// Store is the persistent step cache. Implementations are safe for concurrent use.
type Store interface {
	// Store appends rec and returns it with ID and CreatedAt assigned.
	Store(ctx context.Context, rec Record) (Record, error)
	// Lookup returns the newest record matching key exactly, or nil on a miss.
	Lookup(ctx context.Context, key Key) (*Record, error)
	// Recent returns up to limit records for domain, newest first. An empty
	// pageURL covers the whole domain; limit <= 0 means no limit.
	Recent(ctx context.Context, domain, pageURL string, limit int) ([]Record, error)
	Close() error
}

// Matcher decides which stored record answers a key.
type Matcher interface {
	Match(ctx context.Context, store Store, key Key) (*Record, error)
}

// Exact matches domain, page URL and goal byte for byte.
type Exact struct{}

func (Exact) Match(ctx context.Context, store Store, key Key) (*Record, error) {
	return store.Lookup(ctx, key)
}

// Normalized matches the goal ignoring case and runs of whitespace.
// Domain and page URL still match exactly.
type Normalized struct{}

func (Normalized) Match(ctx context.Context, store Store, key Key) (*Record, error) {
	if rec, err := store.Lookup(ctx, key); err != nil || rec != nil {
		return rec, err
	}
	records, err := store.Recent(ctx, key.BaseDomain, key.PageURL, 0)
	if err != nil {
		return nil, err
	}
	want := normalizeGoal(key.Goal)
	for i := range records {
		if records[i].PageURL == key.PageURL && normalizeGoal(records[i].Goal) == want {
			return &records[i], nil
		}
	}
	return nil, nil
}

// NewMatcher returns the matcher registered under name.
func NewMatcher(name string) (Matcher, error) {
	switch strings.ToLower(name) {
	case "", "exact":
		return Exact{}, nil
	case "normalized":
		return Normalized{}, nil
	default:
		return nil, fmt.Errorf("unknown cache matcher: %s (supported: exact, normalized)", name)
	}
}

// Find looks key up through m, defaulting to exact matching.
func Find(ctx context.Context, store Store, m Matcher, key Key) (*Record, error) {
	if m == nil {
		m = Exact{}
	}
	return m.Match(ctx, store, key)
}

// Relevant returns the newest record whose goal contains required,
// ignoring case. records must be ordered newest first.
func Relevant(records []Record, required string) *Record {
	needle := strings.ToLower(strings.TrimSpace(required))
	if needle == "" {
		return nil
	}
	for i := range records {
		if strings.Contains(strings.ToLower(records[i].Goal), needle) {
			return &records[i]
		}
	}
	return nil
}

func normalizeGoal(goal string) string {
	return strings.Join(strings.Fields(strings.ToLower(goal)), " ")
}

func joinTags(tags []string) string {
	return strings.Join(tags, ",")
}

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

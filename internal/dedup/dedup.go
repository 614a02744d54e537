// Package dedup tracks which listings each subscriber has already been sent.
package dedup

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// FirstRunPolicy decides what happens to the results of a subscription's
// very first check.
type FirstRunPolicy string

// First-run policies.
const (
	// PolicySeed marks the initial results seen without notifying.
	PolicySeed FirstRunPolicy = "seed"
	// PolicyNotify treats the initial results as new.
	PolicyNotify FirstRunPolicy = "notify"
)

// ParsePolicy parses a policy name, case-insensitively.
func ParsePolicy(s string) (FirstRunPolicy, error) {
	switch p := FirstRunPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicySeed, PolicyNotify:
		return p, nil
	case "":
		return PolicySeed, nil
	default:
		return "", fmt.Errorf("unknown first run policy %q", s)
	}
}

// Store is the persistence the Deduplicator needs.
type Store interface {
	SeenIDs(ctx context.Context, subscriberID int64, listingIDs []string) (map[string]bool, error)
	InsertSeen(ctx context.Context, subscriberID int64, listingIDs []string, at time.Time) error
}

// Deduplicator filters out listings a subscriber has already been notified
// about. Seen state is keyed by subscriber, so two subscriptions of the same
// subscriber never notify the same listing twice.
type Deduplicator struct {
	store Store
	now   func() time.Time

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// New creates a Deduplicator. A nil now uses time.Now.
func New(store Store, now func() time.Time) *Deduplicator {
	if now == nil {
		now = time.Now
	}
	return &Deduplicator{store: store, now: now, locks: make(map[int64]*sync.Mutex)}
}

// FilterUnseen returns the ids with no seen record for the subscriber,
// preserving input order and dropping repeats.
func (d *Deduplicator) FilterUnseen(ctx context.Context, subscriberID int64, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	seen, err := d.store.SeenIDs(ctx, subscriberID, ids)
	if err != nil {
		return nil, fmt.Errorf("load seen: %w", err)
	}

	unseen := make([]string, 0, len(ids))
	emitted := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] || emitted[id] {
			continue
		}
		emitted[id] = true
		unseen = append(unseen, id)
	}
	return unseen, nil
}

// MarkSeen records ids as seen. Marking an id twice is a no-op.
func (d *Deduplicator) MarkSeen(ctx context.Context, subscriberID int64, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := d.store.InsertSeen(ctx, subscriberID, ids, d.now()); err != nil {
		return fmt.Errorf("mark seen: %w", err)
	}
	return nil
}

// Lock serializes work on one subscriber's seen state. Different
// subscribers never contend. The returned func releases the lock.
func (d *Deduplicator) Lock(subscriberID int64) (unlock func()) {
	d.mu.Lock()
	m, ok := d.locks[subscriberID]
	if !ok {
		m = &sync.Mutex{}
		d.locks[subscriberID] = m
	}
	d.mu.Unlock()

	m.Lock()
	return m.Unlock
}

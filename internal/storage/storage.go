// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"listing_bot/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// EventQuery selects events for ListEvents. Zero fields do not filter.
type EventQuery struct {
	SubscriberID *int64
	Type         model.EventType
	Limit        int
}

// Storage is the interface for all persistence operations.
type Storage interface {
	// EnsureSubscriber returns the subscriber for chatID, creating it on first
	// contact and reactivating it if it had been deactivated. created reports
	// whether a new row was inserted.
	EnsureSubscriber(ctx context.Context, chatID int64, username string, now time.Time) (sub *model.Subscriber, created bool, err error)
	GetSubscriber(ctx context.Context, id int64) (*model.Subscriber, error)
	GetSubscriberByChat(ctx context.Context, chatID int64) (*model.Subscriber, error)
	UpdateSubscriber(ctx context.Context, sub *model.Subscriber) error
	SetSubscriberFailures(ctx context.Context, id int64, failures int) error
	DeactivateSubscriber(ctx context.Context, id int64) error

	CreateSubscription(ctx context.Context, sub *model.Subscription) error
	GetSubscription(ctx context.Context, id int64) (*model.Subscription, error)
	ListSubscriptions(ctx context.Context, subscriberID int64) ([]model.Subscription, error)
	CountSubscriptions(ctx context.Context, subscriberID int64) (int, error)
	ListDueSubscriptions(ctx context.Context, now time.Time) ([]model.Subscription, error)
	TouchSubscription(ctx context.Context, id int64, checkedAt time.Time, fetched bool) error
	RemoveSubscription(ctx context.Context, id int64, now time.Time) error

	CreateFilter(ctx context.Context, f *model.Filter) error
	ListFilters(ctx context.Context, subscriptionID int64) ([]model.Filter, error)
	GetFilter(ctx context.Context, id int64) (*model.Filter, error)
	DeleteFilter(ctx context.Context, id int64) error

	SeenIDs(ctx context.Context, subscriberID int64, listingIDs []string) (map[string]bool, error)
	InsertSeen(ctx context.Context, subscriberID int64, listingIDs []string, at time.Time) error
	CountSeen(ctx context.Context, subscriberID int64) (int, error)
	DeleteSeenBefore(ctx context.Context, cutoff time.Time) (int64, error)

	AppendEvent(ctx context.Context, ev *model.Event) error
	ListEvents(ctx context.Context, q EventQuery) ([]model.Event, error)
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// AcquireCycleLock takes the global cycle lock for owner until now+ttl.
	// It reports false when another owner holds an unexpired lock.
	AcquireCycleLock(ctx context.Context, owner string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseCycleLock(ctx context.Context, owner string) error

	Close() error
}

// Package model defines the domain types used across the application.
package model

import "time"

// Subscriber is a chat that receives listing notifications.
type Subscriber struct {
	ID                  int64
	ChatID              int64
	Username            string
	IsActive            bool
	IntervalMinutes     int
	ConsecutiveFailures int
	LastActivityAt      time.Time
	CreatedAt           time.Time
}

// Subscription is a saved search belonging to a subscriber.
type Subscription struct {
	ID            int64
	SubscriberID  int64
	Name          string
	SearchURL     string
	IsActive      bool
	LastCheckedAt *time.Time
	RemovedAt     *time.Time
	CreatedAt     time.Time

	// FirstFetchedAt is set by the first successful fetch. Until then the
	// subscription is on its first run.
	FirstFetchedAt *time.Time
}

// FilterKind defines the type of filter rule.
type FilterKind string

// Supported filter kinds.
const (
	FilterInclude   FilterKind = "include"
	FilterExclude   FilterKind = "exclude"
	FilterIncludeRe FilterKind = "include_re"
	FilterExcludeRe FilterKind = "exclude_re"
)

// FilterScope defines which part of a listing a filter matches against.
type FilterScope string

// Supported filter scopes.
const (
	ScopeTitle   FilterScope = "title"
	ScopeContent FilterScope = "content"
	ScopeAll     FilterScope = "all"
)

// Filter narrows the results of a saved search.
type Filter struct {
	ID             int64
	SubscriptionID int64
	Kind           FilterKind
	Scope          FilterScope
	Value          string
	CreatedAt      time.Time
}

// Criteria is everything a fetcher needs to run a saved search.
type Criteria struct {
	SearchURL string
	Filters   []Filter
}

// Listing is a single search result. Only ID and Title are required.
type Listing struct {
	ID          string
	Title       string
	URL         string
	Description string
	Price       string
	Location    string
	ImageURL    string
	PublishedAt *time.Time
}

// SeenRecord records that a listing was already sent to a subscriber.
type SeenRecord struct {
	SubscriberID int64
	ListingID    string
	SeenAt       time.Time
}

// EventType classifies audit events.
type EventType string

// Audit event types.
const (
	EventSubscriberCreated     EventType = "subscriber_created"
	EventSubscriptionAdded     EventType = "subscription_added"
	EventSubscriptionRemoved   EventType = "subscription_removed"
	EventSubscriptionSeeded    EventType = "subscription_seeded"
	EventCheckCompleted        EventType = "check_completed"
	EventFetchError            EventType = "fetch_error"
	EventDeliveryFailed        EventType = "delivery_failed"
	EventDeliveryInconclusive  EventType = "delivery_inconclusive"
	EventSubscriberDeactivated EventType = "subscriber_deactivated"
	EventPersistenceError      EventType = "persistence_error"
	EventCycleCompleted        EventType = "cycle_completed"
	EventCycleFatal            EventType = "cycle_fatal"
	EventCleanupFailed         EventType = "cleanup_failed"
)

// Event is an append-only audit record. SubscriberID and SubscriptionID are
// nil for system-wide events. Payload holds a JSON object.
type Event struct {
	ID             int64
	SubscriberID   *int64
	SubscriptionID *int64
	Type           EventType
	Payload        string
	CreatedAt      time.Time
}

// Package scheduler runs the periodic monitoring cycle: fetch every due saved
// search, drop listings the subscriber has already seen, batch the rest and
// deliver them.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"listing_bot/internal/batcher"
	"listing_bot/internal/dedup"
	"listing_bot/internal/model"
	"listing_bot/internal/notifier"
	"listing_bot/internal/retry"
)

// ErrCycleInProgress is returned when a cycle is already running, in this
// process or in another one sharing the database.
var ErrCycleInProgress = errors.New("cycle already in progress")

// ErrNotCheckable is returned by CheckSubscription for removed or inactive
// subscriptions.
var ErrNotCheckable = errors.New("subscription is not active")

// Fetcher runs a saved search.
type Fetcher interface {
	Fetch(ctx context.Context, c model.Criteria) ([]model.Listing, error)
}

// Notifier delivers one rendered message to a chat.
type Notifier interface {
	Deliver(ctx context.Context, chatID int64, text string) error
}

// Deduper tracks seen listings per subscriber.
type Deduper interface {
	FilterUnseen(ctx context.Context, subscriberID int64, ids []string) ([]string, error)
	MarkSeen(ctx context.Context, subscriberID int64, ids []string) error
	Lock(subscriberID int64) (unlock func())
}

// Store is the persistence the scheduler needs.
type Store interface {
	ListDueSubscriptions(ctx context.Context, now time.Time) ([]model.Subscription, error)
	GetSubscription(ctx context.Context, id int64) (*model.Subscription, error)
	GetSubscriber(ctx context.Context, id int64) (*model.Subscriber, error)
	SetSubscriberFailures(ctx context.Context, id int64, failures int) error
	DeactivateSubscriber(ctx context.Context, id int64) error
	ListFilters(ctx context.Context, subscriptionID int64) ([]model.Filter, error)
	TouchSubscription(ctx context.Context, id int64, checkedAt time.Time, fetched bool) error
	AppendEvent(ctx context.Context, ev *model.Event) error
	AcquireCycleLock(ctx context.Context, owner string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseCycleLock(ctx context.Context, owner string) error
}

// Metrics receives cycle instrumentation.
type Metrics interface {
	CycleStarted()
	CycleFinished(outcome string, elapsed time.Duration)
	ListingsFound(n int)
	FetchFailed()
	BatchDispatched(outcome string)
}

// Batch dispatch outcomes reported to Metrics.
const (
	OutcomeDelivered    = "delivered"
	OutcomeInconclusive = "inconclusive"
	OutcomeFailed       = "failed"
)

// Options configures a Scheduler. Zero values fall back to defaults.
type Options struct {
	TickInterval           time.Duration
	CycleTimeout           time.Duration
	Workers                int
	MaxListings            int
	Limits                 batcher.Limits
	BatchPause             time.Duration
	FirstRun               dedup.FirstRunPolicy
	MaxConsecutiveFailures int
	FetchRetry             retry.Policy
	DeliveryRetry          retry.Policy

	// Now is the clock; Pause is the wait between batches.
	Now     func() time.Time
	Pause   func(time.Duration)
	Metrics Metrics
}

func (o *Options) setDefaults() {
	if o.TickInterval <= 0 {
		o.TickInterval = time.Minute
	}
	if o.CycleTimeout <= 0 {
		o.CycleTimeout = 10 * time.Minute
	}
	if o.Workers < 1 {
		o.Workers = 4
	}
	if o.MaxListings < 1 {
		o.MaxListings = 100
	}
	if o.Limits.MaxItems < 1 {
		o.Limits.MaxItems = 10
	}
	if o.Limits.MaxChars < 1 {
		o.Limits.MaxChars = 4096
	}
	if o.FirstRun == "" {
		o.FirstRun = dedup.PolicySeed
	}
	if o.MaxConsecutiveFailures < 1 {
		o.MaxConsecutiveFailures = 3
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Pause == nil {
		o.Pause = time.Sleep
	}
	if o.Metrics == nil {
		o.Metrics = nopMetrics{}
	}
}

// Stats summarizes one cycle.
type Stats struct {
	Subscriptions     int // checked
	Skipped           int // left stale by the deadline or shutdown
	ListingsFound     int
	NewListings       int
	NotificationsSent int // batches delivered
	Errors            int
}

func (s *Stats) add(o Stats) {
	s.Subscriptions += o.Subscriptions
	s.Skipped += o.Skipped
	s.ListingsFound += o.ListingsFound
	s.NewListings += o.NewListings
	s.NotificationsSent += o.NotificationsSent
	s.Errors += o.Errors
}

// CheckResult describes one subscription check.
type CheckResult struct {
	Found     int
	New       int
	Sent      int // batches delivered
	Uncertain int // batches with an inconclusive outcome
	Failed    int // batches that hard-failed
	Seeded    bool
}

// Scheduler periodically checks saved searches and sends notifications.
type Scheduler struct {
	store    Store
	fetcher  Fetcher
	notifier Notifier
	dedup    Deduper
	opts     Options
	log      *slog.Logger

	running atomic.Bool
}

// New creates a Scheduler.
func New(store Store, f Fetcher, n Notifier, d Deduper, opts Options, log *slog.Logger) *Scheduler {
	opts.setDefaults()
	return &Scheduler{
		store:    store,
		fetcher:  f,
		notifier: n,
		dedup:    d,
		opts:     opts,
		log:      log,
	}
}

// Run runs a cycle immediately and then on every tick, blocking until ctx
// is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	s.runOnce(ctx)
	s.Loop(ctx, ticker.C)
}

// Loop runs a cycle for every value received from ticks until ctx is
// cancelled or ticks is closed.
func (s *Scheduler) Loop(ctx context.Context, ticks <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ticks:
			if !ok {
				return
			}
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.RunCycle(ctx); err != nil {
		if errors.Is(err, ErrCycleInProgress) {
			s.log.Warn("cycle skipped", "reason", err)
			return
		}
		s.log.Error("cycle failed", "error", err)
	}
}

// RunCycle performs one full monitoring cycle.
func (s *Scheduler) RunCycle(ctx context.Context) (Stats, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Stats{}, ErrCycleInProgress
	}
	defer s.running.Store(false)

	cycleID := uuid.NewString()
	start := s.opts.Now()
	persist := context.WithoutCancel(ctx)

	acquired, err := s.store.AcquireCycleLock(ctx, cycleID, start, s.opts.CycleTimeout+time.Minute)
	if err != nil {
		return Stats{}, fmt.Errorf("acquire cycle lock: %w", err)
	}
	if !acquired {
		return Stats{}, ErrCycleInProgress
	}
	defer func() {
		if err := s.store.ReleaseCycleLock(persist, cycleID); err != nil {
			s.log.Error("release cycle lock", "cycle_id", cycleID, "error", err)
		}
	}()

	log := s.log.With("cycle_id", cycleID)
	s.opts.Metrics.CycleStarted()

	cycleCtx, cancel := context.WithTimeout(ctx, s.opts.CycleTimeout)
	defer cancel()

	due, err := s.store.ListDueSubscriptions(cycleCtx, start)
	if err != nil {
		log.Error("list due subscriptions", "error", err)
		s.appendEvent(persist, nil, nil, model.EventCycleFatal, map[string]any{
			"cycle_id": cycleID,
			"error":    err.Error(),
		})
		s.opts.Metrics.CycleFinished("fatal", s.opts.Now().Sub(start))
		return Stats{}, fmt.Errorf("list due subscriptions: %w", err)
	}

	var (
		mu    sync.Mutex
		stats Stats
		g     errgroup.Group
	)
	g.SetLimit(s.opts.Workers)
	for _, group := range groupBySubscriber(due) {
		g.Go(func() error {
			st := s.processSubscriber(cycleCtx, log, group)
			mu.Lock()
			stats.add(st)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	elapsed := s.opts.Now().Sub(start)
	outcome := "completed"
	if cycleCtx.Err() != nil && stats.Skipped > 0 {
		outcome = "partial"
	}
	s.appendEvent(persist, nil, nil, model.EventCycleCompleted, map[string]any{
		"cycle_id":           cycleID,
		"outcome":            outcome,
		"subscriptions":      stats.Subscriptions,
		"skipped":            stats.Skipped,
		"listings_found":     stats.ListingsFound,
		"new_listings":       stats.NewListings,
		"notifications_sent": stats.NotificationsSent,
		"errors":             stats.Errors,
		"duration_ms":        elapsed.Milliseconds(),
	})
	s.opts.Metrics.CycleFinished(outcome, elapsed)

	log.Info("cycle finished",
		"outcome", outcome,
		"subscriptions", stats.Subscriptions,
		"skipped", stats.Skipped,
		"new_listings", stats.NewListings,
		"sent", stats.NotificationsSent,
		"errors", stats.Errors,
		"duration", elapsed,
	)
	return stats, nil
}

// CheckSubscription checks one subscription on demand. The first-run seed
// policy does not apply: whatever is unseen is sent.
func (s *Scheduler) CheckSubscription(ctx context.Context, subscriptionID int64) (CheckResult, error) {
	sub, err := s.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return CheckResult{}, fmt.Errorf("get subscription: %w", err)
	}
	if !sub.IsActive || sub.RemovedAt != nil {
		return CheckResult{}, ErrNotCheckable
	}

	// Read the subscriber under the lock; a cycle may be updating its
	// failure count.
	unlock := s.dedup.Lock(sub.SubscriberID)
	defer unlock()

	subscriber, err := s.store.GetSubscriber(ctx, sub.SubscriberID)
	if err != nil {
		return CheckResult{}, fmt.Errorf("get subscriber: %w", err)
	}

	log := s.log.With("check", "manual")
	o := s.check(ctx, log, subscriber, *sub, dedup.PolicyNotify)
	if o.err != nil {
		return o.result, o.err
	}
	s.settleFailures(context.WithoutCancel(ctx), log, subscriber, o.result.Sent > 0, o.permanent)
	return o.result, nil
}

// outcome is the internal result of checking one subscription.
type outcome struct {
	result    CheckResult
	skipped   bool
	permanent bool // a batch failed permanently
	err       error
}

func (s *Scheduler) processSubscriber(ctx context.Context, log *slog.Logger, subs []model.Subscription) Stats {
	var st Stats
	subscriberID := subs[0].SubscriberID
	log = log.With("subscriber_id", subscriberID)

	unlock := s.dedup.Lock(subscriberID)
	defer unlock()

	if ctx.Err() != nil {
		st.Skipped = len(subs)
		return st
	}

	subscriber, err := s.store.GetSubscriber(ctx, subscriberID)
	if err != nil {
		if ctx.Err() != nil {
			st.Skipped = len(subs)
			return st
		}
		log.Error("get subscriber", "error", err)
		s.persistenceError(context.WithoutCancel(ctx), &subscriberID, nil, "get subscriber", err)
		st.Errors++
		st.Skipped = len(subs)
		return st
	}

	var delivered, permanent bool
	for _, sub := range subs {
		if ctx.Err() != nil {
			st.Skipped++
			continue
		}
		o := s.check(ctx, log, subscriber, sub, s.opts.FirstRun)
		if o.skipped {
			st.Skipped++
			continue
		}
		st.Subscriptions++
		st.ListingsFound += o.result.Found
		st.NewListings += o.result.New
		st.NotificationsSent += o.result.Sent
		st.Errors += o.result.Failed
		if o.err != nil {
			st.Errors++
		}
		delivered = delivered || o.result.Sent > 0
		permanent = permanent || o.permanent
	}

	s.settleFailures(context.WithoutCancel(ctx), log, subscriber, delivered, permanent)
	return st
}

// settleFailures tracks consecutive cycles that ended in permanent delivery
// failure and deactivates the subscriber when the limit is reached.
func (s *Scheduler) settleFailures(ctx context.Context, log *slog.Logger, subscriber *model.Subscriber, delivered, permanent bool) {
	switch {
	case delivered:
		if subscriber.ConsecutiveFailures == 0 {
			return
		}
		subscriber.ConsecutiveFailures = 0
	case permanent:
		subscriber.ConsecutiveFailures++
	default:
		return
	}

	if subscriber.ConsecutiveFailures >= s.opts.MaxConsecutiveFailures {
		if err := s.store.DeactivateSubscriber(ctx, subscriber.ID); err != nil {
			log.Error("deactivate subscriber", "error", err)
			s.persistenceError(ctx, &subscriber.ID, nil, "deactivate subscriber", err)
			return
		}
		subscriber.IsActive = false
		log.Warn("subscriber deactivated", "chat_id", subscriber.ChatID, "failures", subscriber.ConsecutiveFailures)
		s.appendEvent(ctx, &subscriber.ID, nil, model.EventSubscriberDeactivated, map[string]any{
			"chat_id":  subscriber.ChatID,
			"failures": subscriber.ConsecutiveFailures,
		})
	}
	if err := s.store.SetSubscriberFailures(ctx, subscriber.ID, subscriber.ConsecutiveFailures); err != nil {
		log.Error("update subscriber failures", "error", err)
		s.persistenceError(ctx, &subscriber.ID, nil, "update subscriber failures", err)
	}
}

// check runs fetch, dedup, batch, dispatch and bookkeeping for one
// subscription. Once the fetch has succeeded the remaining steps ignore
// cancellation, so listings are never marked seen without a delivery attempt
// and a started dispatch always finishes.
func (s *Scheduler) check(ctx context.Context, log *slog.Logger, subscriber *model.Subscriber, sub model.Subscription, policy dedup.FirstRunPolicy) outcome {
	var o outcome
	log = log.With("subscription_id", sub.ID)
	persist := context.WithoutCancel(ctx)
	subscriberID, subscriptionID := sub.SubscriberID, sub.ID

	filters, err := s.store.ListFilters(ctx, sub.ID)
	if err != nil {
		if ctx.Err() != nil {
			o.skipped = true
			return o
		}
		log.Error("list filters", "error", err)
		s.persistenceError(persist, &subscriberID, &subscriptionID, "list filters", err)
		o.err = fmt.Errorf("list filters: %w", err)
		return o
	}

	// Fetching.
	var listings []model.Listing
	err = s.opts.FetchRetry.Do(ctx, func(ctx context.Context) error {
		var err error
		listings, err = s.fetcher.Fetch(ctx, model.Criteria{SearchURL: sub.SearchURL, Filters: filters})
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			log.Debug("check skipped", "reason", ctx.Err())
			o.skipped = true
			return o
		}
		log.Error("fetch listings", "url", sub.SearchURL, "error", err)
		s.opts.Metrics.FetchFailed()
		s.appendEvent(persist, &subscriberID, &subscriptionID, model.EventFetchError, map[string]any{
			"url":   sub.SearchURL,
			"error": err.Error(),
		})
		s.touch(persist, log, sub, false)
		o.err = fmt.Errorf("fetch: %w", err)
		return o
	}

	listings = capListings(listings, s.opts.MaxListings)
	o.result.Found = len(listings)
	s.opts.Metrics.ListingsFound(len(listings))

	ids := make([]string, len(listings))
	for i, l := range listings {
		ids[i] = l.ID
	}

	// A subscription stays on its first run until a fetch succeeds.
	if sub.FirstFetchedAt == nil && policy == dedup.PolicySeed {
		if err := s.dedup.MarkSeen(persist, subscriberID, ids); err != nil {
			log.Error("seed seen listings", "error", err)
			s.persistenceError(persist, &subscriberID, &subscriptionID, "seed seen listings", err)
			o.err = err
			return o
		}
		s.touch(persist, log, sub, true)
		s.appendEvent(persist, &subscriberID, &subscriptionID, model.EventSubscriptionSeeded, map[string]any{
			"listings": len(ids),
		})
		log.Debug("subscription seeded", "listings", len(ids))
		o.result.Seeded = true
		return o
	}

	// Deduping.
	unseenIDs, err := s.dedup.FilterUnseen(persist, subscriberID, ids)
	if err != nil {
		log.Error("filter unseen", "error", err)
		s.persistenceError(persist, &subscriberID, &subscriptionID, "filter unseen", err)
		o.err = err
		return o
	}
	o.result.New = len(unseenIDs)

	if len(unseenIDs) > 0 {
		unseen := pick(listings, unseenIDs)

		// Batching and dispatching.
		batches := batcher.MakeBatches(unseen, func(l model.Listing) string {
			return notifier.FormatListing(sub.Name, l)
		}, s.opts.Limits)

		var toMark []string
		for i, b := range batches {
			if i > 0 {
				s.opts.Pause(s.opts.BatchPause)
			}
			err := s.opts.DeliveryRetry.Do(persist, func(ctx context.Context) error {
				return s.notifier.Deliver(ctx, subscriber.ChatID, b.Text)
			})

			switch {
			case err == nil:
				o.result.Sent++
				toMark = appendIDs(toMark, b.Items)
				s.opts.Metrics.BatchDispatched(OutcomeDelivered)
			case notifier.KindOf(err) == notifier.Inconclusive:
				// Possibly delivered: mark seen rather than risk a duplicate.
				o.result.Uncertain++
				toMark = appendIDs(toMark, b.Items)
				s.opts.Metrics.BatchDispatched(OutcomeInconclusive)
				log.Warn("delivery inconclusive", "batch", b.Index, "error", err)
				s.appendEvent(persist, &subscriberID, &subscriptionID, model.EventDeliveryInconclusive, map[string]any{
					"batch": b.Index, "total": b.Total, "listings": len(b.Items), "error": err.Error(),
				})
			default:
				kind := notifier.KindOf(err)
				o.result.Failed++
				o.permanent = o.permanent || kind == notifier.Permanent
				s.opts.Metrics.BatchDispatched(OutcomeFailed)
				log.Error("delivery failed", "batch", b.Index, "kind", kind.String(), "error", err)
				s.appendEvent(persist, &subscriberID, &subscriptionID, model.EventDeliveryFailed, map[string]any{
					"batch": b.Index, "total": b.Total, "listings": len(b.Items), "kind": kind.String(), "error": err.Error(),
				})
			}
		}

		if err := s.dedup.MarkSeen(persist, subscriberID, toMark); err != nil {
			log.Error("mark seen", "error", err)
			s.persistenceError(persist, &subscriberID, &subscriptionID, "mark seen", err)
			o.err = err
			return o
		}
	}

	// Updating.
	s.touch(persist, log, sub, true)
	s.appendEvent(persist, &subscriberID, &subscriptionID, model.EventCheckCompleted, map[string]any{
		"found":        o.result.Found,
		"new":          o.result.New,
		"sent":         o.result.Sent,
		"inconclusive": o.result.Uncertain,
		"failed":       o.result.Failed,
	})
	if o.result.Sent > 0 {
		log.Info("sent notifications", "name", sub.Name, "new", o.result.New, "batches", o.result.Sent)
	} else {
		log.Debug("subscription checked", "found", o.result.Found, "new", o.result.New)
	}
	return o
}

func (s *Scheduler) touch(ctx context.Context, log *slog.Logger, sub model.Subscription, fetched bool) {
	if err := s.store.TouchSubscription(ctx, sub.ID, s.opts.Now(), fetched); err != nil {
		log.Error("update last check", "error", err)
		s.persistenceError(ctx, &sub.SubscriberID, &sub.ID, "update last check", err)
	}
}

func (s *Scheduler) persistenceError(ctx context.Context, subscriberID, subscriptionID *int64, op string, err error) {
	s.appendEvent(ctx, subscriberID, subscriptionID, model.EventPersistenceError, map[string]any{
		"op":    op,
		"error": err.Error(),
	})
}

// appendEvent records an audit event. Failures are logged and dropped.
func (s *Scheduler) appendEvent(ctx context.Context, subscriberID, subscriptionID *int64, typ model.EventType, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}
	ev := &model.Event{
		SubscriberID:   subscriberID,
		SubscriptionID: subscriptionID,
		Type:           typ,
		Payload:        string(data),
		CreatedAt:      s.opts.Now(),
	}
	if err := s.store.AppendEvent(ctx, ev); err != nil {
		s.log.Error("append event", "type", string(typ), "error", err)
	}
}

// groupBySubscriber splits subscriptions ordered by subscriber into
// per-subscriber runs.
func groupBySubscriber(subs []model.Subscription) [][]model.Subscription {
	var (
		groups [][]model.Subscription
		index  = make(map[int64]int)
	)
	for _, sub := range subs {
		i, ok := index[sub.SubscriberID]
		if !ok {
			i = len(groups)
			index[sub.SubscriberID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], sub)
	}
	return groups
}

// capListings keeps the first limit listings in fetch order, dropping
// listings without an ID and repeated IDs.
func capListings(listings []model.Listing, limit int) []model.Listing {
	out := make([]model.Listing, 0, min(len(listings), limit))
	seen := make(map[string]bool, len(listings))
	for _, l := range listings {
		if len(out) == limit {
			break
		}
		if l.ID == "" || seen[l.ID] {
			continue
		}
		seen[l.ID] = true
		out = append(out, l)
	}
	return out
}

func pick(listings []model.Listing, ids []string) []model.Listing {
	byID := make(map[string]model.Listing, len(listings))
	for _, l := range listings {
		byID[l.ID] = l
	}
	out := make([]model.Listing, 0, len(ids))
	for _, id := range ids {
		out = append(out, byID[id])
	}
	return out
}

func appendIDs(ids []string, listings []model.Listing) []string {
	for _, l := range listings {
		ids = append(ids, l.ID)
	}
	return ids
}

type nopMetrics struct{}

func (nopMetrics) CycleStarted()                       {}
func (nopMetrics) CycleFinished(string, time.Duration) {}
func (nopMetrics) ListingsFound(int)                   {}
func (nopMetrics) FetchFailed()                        {}
func (nopMetrics) BatchDispatched(string)              {}

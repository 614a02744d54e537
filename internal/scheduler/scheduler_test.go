package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"listing_bot/internal/batcher"
	"listing_bot/internal/dedup"
	"listing_bot/internal/model"
	"listing_bot/internal/notifier"
	"listing_bot/internal/storage"
)

type sentMessage struct {
	ChatID int64
	Text   string
}

type mockNotifier struct {
	mu       sync.Mutex
	messages []sentMessage
	calls    int
	// fail returns the error for the n-th call (0-based), nil to deliver.
	fail func(n int) error
}

func (m *mockNotifier) Deliver(_ context.Context, chatID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.calls
	m.calls++
	if m.fail != nil {
		if err := m.fail(n); err != nil {
			return err
		}
	}
	m.messages = append(m.messages, sentMessage{ChatID: chatID, Text: text})
	return nil
}

func (m *mockNotifier) getMessages() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]sentMessage, len(m.messages))
	copy(cp, m.messages)
	return cp
}

func (m *mockNotifier) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockFetcher struct {
	mu      sync.Mutex
	results map[string][]model.Listing
	errs    map[string]error
	calls   map[string]int
	// block, when set, runs before every fetch.
	block func(ctx context.Context) error
}

func newMockFetcher() *mockFetcher {
	return &mockFetcher{
		results: make(map[string][]model.Listing),
		errs:    make(map[string]error),
		calls:   make(map[string]int),
	}
}

func (m *mockFetcher) set(url string, listings []model.Listing) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[url] = listings
}

func (m *mockFetcher) Fetch(ctx context.Context, c model.Criteria) ([]model.Listing, error) {
	m.mu.Lock()
	m.calls[c.SearchURL]++
	block := m.block
	m.mu.Unlock()

	if block != nil {
		if err := block(ctx); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs[c.SearchURL]; err != nil {
		return nil, err
	}
	return m.results[c.SearchURL], nil
}

func (m *mockFetcher) callCount(url string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[url]
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEnv struct {
	store    *storage.SQLite
	fetcher  *mockFetcher
	notifier *mockNotifier
	clock    *clock
	pauses   []time.Duration
	sched    *Scheduler
}

func newTestStore(t *testing.T) *storage.SQLite {
	t.Helper()
	s, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    newTestStore(t),
		fetcher:  newMockFetcher(),
		notifier: &mockNotifier{},
		clock:    &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	if opts.FirstRun == "" {
		opts.FirstRun = dedup.PolicyNotify
	}
	opts.Now = env.clock.Now
	opts.Pause = func(d time.Duration) { env.pauses = append(env.pauses, d) }
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	env.sched = New(env.store, env.fetcher, env.notifier, dedup.New(env.store, env.clock.Now), opts, log)
	return env
}

func (e *testEnv) addSubscription(t *testing.T, chatID int64, name, url string) model.Subscription {
	t.Helper()
	ctx := context.Background()
	subscriber, _, err := e.store.EnsureSubscriber(ctx, chatID, "user", e.clock.Now())
	if err != nil {
		t.Fatalf("ensure subscriber: %v", err)
	}
	sub := model.Subscription{SubscriberID: subscriber.ID, Name: name, SearchURL: url, IsActive: true}
	if err := e.store.CreateSubscription(ctx, &sub); err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	return sub
}

func (e *testEnv) runCycle(t *testing.T) Stats {
	t.Helper()
	stats, err := e.sched.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	return stats
}

func (e *testEnv) eventTypes(t *testing.T, typ model.EventType) int {
	t.Helper()
	events, err := e.store.ListEvents(context.Background(), storage.EventQuery{Type: typ})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	return len(events)
}

func makeListings(prefix string, n int) []model.Listing {
	out := make([]model.Listing, n)
	for i := range out {
		out[i] = model.Listing{
			ID:    fmt.Sprintf("%s-%d", prefix, i+1),
			Title: fmt.Sprintf("%s listing %d", prefix, i+1),
			URL:   fmt.Sprintf("https://market.example/%s/%d", prefix, i+1),
		}
	}
	return out
}

const interval = 16 * time.Minute

func TestRunCycleDeliversNewListings(t *testing.T) {
	env := newTestEnv(t, Options{})
	sub := env.addSubscription(t, 100, "Bikes", "https://market.example/bikes")
	env.fetcher.set(sub.SearchURL, makeListings("bike", 3))

	stats := env.runCycle(t)

	want := Stats{Subscriptions: 1, ListingsFound: 3, NewListings: 3, NotificationsSent: 1}
	if diff := cmp.Diff(want, stats); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}

	msgs := env.notifier.getMessages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if diff := cmp.Diff(int64(100), msgs[0].ChatID); diff != "" {
		t.Errorf("chatID mismatch (-want +got):\n%s", diff)
	}
	wantText := "[Bikes] bike listing 1\nhttps://market.example/bike/1\n\n" +
		"[Bikes] bike listing 2\nhttps://market.example/bike/2\n\n" +
		"[Bikes] bike listing 3\nhttps://market.example/bike/3"
	if diff := cmp.Diff(wantText, msgs[0].Text); diff != "" {
		t.Errorf("message text mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(1, env.eventTypes(t, model.EventCheckCompleted)); diff != "" {
		t.Errorf("check_completed events mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(1, env.eventTypes(t, model.EventCycleCompleted)); diff != "" {
		t.Errorf("cycle_completed events mismatch (-want +got):\n%s", diff)
	}
}

func TestRunCycleNothingUnseen(t *testing.T) {
	env := newTestEnv(t, Options{})
	sub := env.addSubscription(t, 100, "Bikes", "https://market.example/bikes")
	env.fetcher.set(sub.SearchURL, makeListings("bike", 3))

	env.runCycle(t)
	env.clock.Advance(interval)
	stats := env.runCycle(t)

	if diff := cmp.Diff(Stats{Subscriptions: 1, ListingsFound: 3}, stats); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(1, env.notifier.callCount()); diff != "" {
		t.Errorf("notifier must not be called without unseen listings (-want +got):\n%s", diff)
	}

	got, err := env.store.GetSubscription(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if got.LastCheckedAt == nil || !got.LastCheckedAt.Equal(env.clock.Now()) {
		t.Errorf("LastCheckedAt = %v, want %v", got.LastCheckedAt, env.clock.Now())
	}
}

func TestRunCycleSkipsSubscriptionsNotDue(t *testing.T) {
	env := newTestEnv(t, Options{})
	sub := env.addSubscription(t, 100, "Bikes", "https://market.example/bikes")
	env.fetcher.set(sub.SearchURL, makeListings("bike", 1))

	env.runCycle(t)
	env.clock.Advance(5 * time.Minute)
	stats := env.runCycle(t)

	if diff := cmp.Diff(Stats{}, stats); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(1, env.fetcher.callCount(sub.SearchURL)); diff != "" {
		t.Errorf("fetch count mismatch (-want +got):\n%s", diff)
	}
}

func TestRunCycleBatches(t *testing.T) {
	tests := []struct {
		name        string
		n           int
		wantBatches int
		wantHeaders bool
	}{
		{name: "exactly max items", n: 10, wantBatches: 1},
		{name: "max items plus one", n: 11, wantBatches: 2, wantHeaders: true},
		{name: "thirty items", n: 30, wantBatches: 3, wantHeaders: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Options{
				Limits:     batcher.Limits{MaxItems: 10, MaxChars: 4096},
				BatchPause: 250 * time.Millisecond,
			})
			sub := env.addSubscription(t, 1, "Flats", "https://flats.example/rss")
			env.fetcher.set(sub.SearchURL, makeListings("flat", tt.n))

			stats := env.runCycle(t)

			msgs := env.notifier.getMessages()
			if diff := cmp.Diff(tt.wantBatches, len(msgs)); diff != "" {
				t.Fatalf("batch count mismatch (-want +got):\n%s", diff)
			}
			for i, m := range msgs {
				header := fmt.Sprintf("Batch %d of %d\n\n", i+1, tt.wantBatches)
				if got := strings.HasPrefix(m.Text, header); got != tt.wantHeaders {
					t.Errorf("batch %d header present = %v, want %v", i+1, got, tt.wantHeaders)
				}
				if len([]rune(m.Text)) > 4096 {
					t.Errorf("batch %d exceeds size limit", i+1)
				}
			}
			if diff := cmp.Diff(tt.wantBatches, stats.NotificationsSent); diff != "" {
				t.Errorf("sent mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantBatches-1, len(env.pauses)); diff != "" {
				t.Errorf("pause count mismatch (-want +got):\n%s", diff)
			}
			for _, p := range env.pauses {
				if p != 250*time.Millisecond {
					t.Errorf("pause = %s, want 250ms", p)
				}
			}
		})
	}
}

func TestRunCycleIsolatesFetchFailures(t *testing.T) {
	env := newTestEnv(t, Options{})
	broken := env.addSubscription(t, 1, "Broken", "https://broken.example/rss")
	ok := env.addSubscription(t, 2, "Bikes", "https://market.example/bikes")
	env.fetcher.errs[broken.SearchURL] = errors.New("connection reset")
	env.fetcher.set(ok.SearchURL, makeListings("bike", 2))

	stats := env.runCycle(t)

	if diff := cmp.Diff(Stats{Subscriptions: 2, ListingsFound: 2, NewListings: 2, NotificationsSent: 1, Errors: 1}, stats); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
	msgs := env.notifier.getMessages()
	if len(msgs) != 1 || msgs[0].ChatID != 2 {
		t.Fatalf("expected one message to chat 2, got %+v", msgs)
	}
	if diff := cmp.Diff(1, env.eventTypes(t, model.EventFetchError)); diff != "" {
		t.Errorf("fetch_error events mismatch (-want +got):\n%s", diff)
	}

	got, err := env.store.GetSubscription(context.Background(), broken.ID)
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if got.LastCheckedAt == nil {
		t.Error("expected LastCheckedAt to be updated after a fetch error")
	}
}

func TestRunCycleSharesSeenStateAcrossSubscriptions(t *testing.T) {
	env := newTestEnv(t, Options{})
	a := env.addSubscription(t, 1, "A", "https://a.example/rss")
	b := env.addSubscription(t, 1, "B", "https://b.example/rss")
	same := makeListings("x", 2)
	env.fetcher.set(a.SearchURL, same)
	env.fetcher.set(b.SearchURL, same)

	env.runCycle(t)

	if diff := cmp.Diff(1, len(env.notifier.getMessages())); diff != "" {
		t.Errorf("a listing must reach a subscriber once (-want +got):\n%s", diff)
	}
}

func TestFirstRunPolicy(t *testing.T) {
	t.Run("seed", func(t *testing.T) {
		env := newTestEnv(t, Options{FirstRun: dedup.PolicySeed})
		sub := env.addSubscription(t, 1, "Bikes", "https://market.example/bikes")
		env.fetcher.set(sub.SearchURL, makeListings("bike", 5))

		env.runCycle(t)
		if diff := cmp.Diff(0, env.notifier.callCount()); diff != "" {
			t.Fatalf("seed must not notify (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff(1, env.eventTypes(t, model.EventSubscriptionSeeded)); diff != "" {
			t.Errorf("seeded events mismatch (-want +got):\n%s", diff)
		}

		fresh := model.Listing{ID: "bike-new", Title: "fresh bike"}
		env.fetcher.set(sub.SearchURL, append([]model.Listing{fresh}, makeListings("bike", 5)...))
		env.clock.Advance(interval)
		env.runCycle(t)

		msgs := env.notifier.getMessages()
		if len(msgs) != 1 {
			t.Fatalf("expected 1 message, got %d", len(msgs))
		}
		if diff := cmp.Diff("[Bikes] fresh bike", msgs[0].Text); diff != "" {
			t.Errorf("message mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("seed after failed first fetch", func(t *testing.T) {
		env := newTestEnv(t, Options{FirstRun: dedup.PolicySeed})
		sub := env.addSubscription(t, 1, "Bikes", "https://market.example/bikes")
		env.fetcher.errs[sub.SearchURL] = errors.New("unexpected status 503")

		env.runCycle(t)

		delete(env.fetcher.errs, sub.SearchURL)
		env.fetcher.set(sub.SearchURL, makeListings("bike", 25))
		env.clock.Advance(interval)
		stats := env.runCycle(t)

		if diff := cmp.Diff(0, stats.NewListings); diff != "" {
			t.Errorf("new listings mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff(0, env.notifier.callCount()); diff != "" {
			t.Fatalf("first successful fetch must seed, not notify (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff(1, env.eventTypes(t, model.EventSubscriptionSeeded)); diff != "" {
			t.Errorf("seeded events mismatch (-want +got):\n%s", diff)
		}

		fresh := model.Listing{ID: "bike-new", Title: "fresh bike"}
		env.fetcher.set(sub.SearchURL, append([]model.Listing{fresh}, makeListings("bike", 25)...))
		env.clock.Advance(interval)
		env.runCycle(t)

		msgs := env.notifier.getMessages()
		if len(msgs) != 1 {
			t.Fatalf("expected 1 message, got %d", len(msgs))
		}
		if diff := cmp.Diff("[Bikes] fresh bike", msgs[0].Text); diff != "" {
			t.Errorf("message mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("notify", func(t *testing.T) {
		env := newTestEnv(t, Options{FirstRun: dedup.PolicyNotify})
		sub := env.addSubscription(t, 1, "Bikes", "https://market.example/bikes")
		env.fetcher.set(sub.SearchURL, makeListings("bike", 5))

		stats := env.runCycle(t)
		if diff := cmp.Diff(5, stats.NewListings); diff != "" {
			t.Errorf("new listings mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff(1, env.notifier.callCount()); diff != "" {
			t.Errorf("notify count mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestAtMostOnceDelivery(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantResent   bool
		wantEvent    model.EventType
		wantFailures int
	}{
		{
			name:      "inconclusive marks seen",
			err:       &notifier.DeliveryError{ChatID: 1, Kind: notifier.Inconclusive, Err: errors.New("read timeout")},
			wantEvent: model.EventDeliveryInconclusive,
		},
		{
			name:         "permanent failure is retried next cycle",
			err:          &notifier.DeliveryError{ChatID: 1, Kind: notifier.Permanent, Err: errors.New("forbidden")},
			wantResent:   true,
			wantEvent:    model.EventDeliveryFailed,
			wantFailures: 1,
		},
		{
			name:       "rejected message does not count against the subscriber",
			err:        &notifier.DeliveryError{ChatID: 1, Kind: notifier.Rejected, Err: errors.New("message is too long")},
			wantResent: true,
			wantEvent:  model.EventDeliveryFailed,
		},
		{
			name:       "exhausted transient failure is retried next cycle",
			err:        &notifier.DeliveryError{ChatID: 1, Kind: notifier.Transient, Err: errors.New("502")},
			wantResent: true,
			wantEvent:  model.EventDeliveryFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Options{})
			sub := env.addSubscription(t, 1, "Bikes", "https://market.example/bikes")
			env.fetcher.set(sub.SearchURL, makeListings("bike", 2))
			env.notifier.fail = func(n int) error {
				if n == 0 {
					return tt.err
				}
				return nil
			}

			env.runCycle(t)
			if diff := cmp.Diff(1, env.eventTypes(t, tt.wantEvent)); diff != "" {
				t.Errorf("%s events mismatch (-want +got):\n%s", tt.wantEvent, diff)
			}
			subscriber, err := env.store.GetSubscriber(context.Background(), sub.SubscriberID)
			if err != nil {
				t.Fatalf("get subscriber: %v", err)
			}
			if diff := cmp.Diff(tt.wantFailures, subscriber.ConsecutiveFailures); diff != "" {
				t.Errorf("consecutive failures mismatch (-want +got):\n%s", diff)
			}

			env.clock.Advance(interval)
			env.runCycle(t)

			resent := len(env.notifier.getMessages()) == 1
			if diff := cmp.Diff(tt.wantResent, resent); diff != "" {
				t.Errorf("resent mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTransientDeliveryRetried(t *testing.T) {
	env := newTestEnv(t, Options{DeliveryRetry: notifier.RetryPolicy(3, time.Millisecond)})
	sub := env.addSubscription(t, 1, "Bikes", "https://market.example/bikes")
	env.fetcher.set(sub.SearchURL, makeListings("bike", 1))
	env.notifier.fail = func(n int) error {
		if n < 2 {
			return &notifier.DeliveryError{Kind: notifier.Transient, Err: errors.New("429")}
		}
		return nil
	}

	stats := env.runCycle(t)

	if diff := cmp.Diff(1, stats.NotificationsSent); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(3, env.notifier.callCount()); diff != "" {
		t.Errorf("deliver attempts mismatch (-want +got):\n%s", diff)
	}
}

func TestDeactivationAfterConsecutiveFailures(t *testing.T) {
	env := newTestEnv(t, Options{MaxConsecutiveFailures: 3})
	sub := env.addSubscription(t, 1, "Bikes", "https://market.example/bikes")
	env.fetcher.set(sub.SearchURL, makeListings("bike", 1))
	env.notifier.fail = func(int) error {
		return &notifier.DeliveryError{Kind: notifier.Permanent, Err: errors.New("bot was blocked by the user")}
	}

	ctx := context.Background()
	for cycle := 1; cycle <= 3; cycle++ {
		env.runCycle(t)
		env.clock.Advance(interval)

		subscriber, err := env.store.GetSubscriber(ctx, sub.SubscriberID)
		if err != nil {
			t.Fatalf("get subscriber: %v", err)
		}
		if diff := cmp.Diff(cycle, subscriber.ConsecutiveFailures); diff != "" {
			t.Errorf("cycle %d: failures mismatch (-want +got):\n%s", cycle, diff)
		}
		if diff := cmp.Diff(cycle < 3, subscriber.IsActive); diff != "" {
			t.Errorf("cycle %d: active mismatch (-want +got):\n%s", cycle, diff)
		}
	}

	if diff := cmp.Diff(1, env.eventTypes(t, model.EventSubscriberDeactivated)); diff != "" {
		t.Errorf("deactivated events mismatch (-want +got):\n%s", diff)
	}
	got, err := env.store.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if got.IsActive {
		t.Error("expected subscription to be deactivated with its subscriber")
	}

	env.runCycle(t)
	if diff := cmp.Diff(3, env.fetcher.callCount(sub.SearchURL)); diff != "" {
		t.Errorf("deactivated subscriber must not be checked (-want +got):\n%s", diff)
	}
}

func TestDeliveryResetsFailureCount(t *testing.T) {
	env := newTestEnv(t, Options{})
	sub := env.addSubscription(t, 1, "Bikes", "https://market.example/bikes")
	env.fetcher.set(sub.SearchURL, makeListings("bike", 1))
	env.notifier.fail = func(n int) error {
		if n == 0 {
			return &notifier.DeliveryError{Kind: notifier.Permanent, Err: errors.New("chat not found")}
		}
		return nil
	}

	ctx := context.Background()
	env.runCycle(t)
	env.clock.Advance(interval)
	env.runCycle(t)

	subscriber, err := env.store.GetSubscriber(ctx, sub.SubscriberID)
	if err != nil {
		t.Fatalf("get subscriber: %v", err)
	}
	if diff := cmp.Diff(0, subscriber.ConsecutiveFailures); diff != "" {
		t.Errorf("failures mismatch (-want +got):\n%s", diff)
	}
}

func TestRunCycleCapsListings(t *testing.T) {
	env := newTestEnv(t, Options{
		MaxListings: 100,
		Limits:      batcher.Limits{MaxItems: 1000, MaxChars: 1 << 20},
	})
	sub := env.addSubscription(t, 1, "Bikes", "https://market.example/bikes")
	all := makeListings("bike", 150)
	// A repeated ID within one result is counted once.
	all = append(all[:1], append([]model.Listing{all[0]}, all[1:]...)...)
	env.fetcher.set(sub.SearchURL, all)

	stats := env.runCycle(t)

	if diff := cmp.Diff(100, stats.NewListings); diff != "" {
		t.Errorf("new listings mismatch (-want +got):\n%s", diff)
	}
	msgs := env.notifier.getMessages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if !strings.Contains(msgs[0].Text, "bike listing 100\n") || strings.Contains(msgs[0].Text, "bike listing 101\n") {
		t.Error("expected exactly the first 100 listings")
	}

	n, err := env.store.CountSeen(context.Background(), sub.SubscriberID)
	if err != nil {
		t.Fatalf("count seen: %v", err)
	}
	if diff := cmp.Diff(100, n); diff != "" {
		t.Errorf("seen count mismatch (-want +got):\n%s", diff)
	}
}

func TestRunCycleSingleFlight(t *testing.T) {
	env := newTestEnv(t, Options{})
	sub := env.addSubscription(t, 1, "Bikes", "https://market.example/bikes")
	env.fetcher.set(sub.SearchURL, makeListings("bike", 1))

	entered := make(chan struct{})
	release := make(chan struct{})
	env.fetcher.block = func(context.Context) error {
		close(entered)
		<-release
		return nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := env.sched.RunCycle(context.Background())
		done <- err
	}()
	<-entered

	if _, err := env.sched.RunCycle(context.Background()); !errors.Is(err, ErrCycleInProgress) {
		t.Errorf("concurrent RunCycle error = %v, want ErrCycleInProgress", err)
	}

	// A second scheduler sharing the database sees the persisted lock.
	other := New(env.store, env.fetcher, env.notifier, dedup.New(env.store, nil),
		Options{Now: env.clock.Now}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := other.RunCycle(context.Background()); !errors.Is(err, ErrCycleInProgress) {
		t.Errorf("RunCycle from another scheduler error = %v, want ErrCycleInProgress", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first cycle: %v", err)
	}

	env.clock.Advance(interval)
	env.fetcher.block = nil
	if _, err := env.sched.RunCycle(context.Background()); err != nil {
		t.Errorf("cycle after release: %v", err)
	}
}

func TestRunCycleDeadlineLeavesSubscriptionsStale(t *testing.T) {
	env := newTestEnv(t, Options{CycleTimeout: 50 * time.Millisecond, Workers: 1})
	a := env.addSubscription(t, 1, "A", "https://a.example/rss")
	b := env.addSubscription(t, 1, "B", "https://b.example/rss")
	env.fetcher.set(a.SearchURL, makeListings("a", 1))
	env.fetcher.set(b.SearchURL, makeListings("b", 1))
	env.fetcher.block = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}

	stats := env.runCycle(t)

	if diff := cmp.Diff(Stats{Skipped: 2}, stats); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(0, env.notifier.callCount()); diff != "" {
		t.Errorf("notifier calls mismatch (-want +got):\n%s", diff)
	}
	for _, id := range []int64{a.ID, b.ID} {
		got, err := env.store.GetSubscription(context.Background(), id)
		if err != nil {
			t.Fatalf("get subscription: %v", err)
		}
		if got.LastCheckedAt != nil {
			t.Errorf("subscription %d: expected LastCheckedAt to stay unset", id)
		}
	}
}

// failingSeenStore fails seen-state reads or writes for one subscriber.
type failingSeenStore struct {
	dedup.Store
	subscriberID int64
	failReads    bool
	failWrites   bool
}

func (f failingSeenStore) SeenIDs(ctx context.Context, subscriberID int64, ids []string) (map[string]bool, error) {
	if f.failReads && subscriberID == f.subscriberID {
		return nil, errors.New("disk I/O error")
	}
	return f.Store.SeenIDs(ctx, subscriberID, ids)
}

func (f failingSeenStore) InsertSeen(ctx context.Context, subscriberID int64, ids []string, at time.Time) error {
	if f.failWrites && subscriberID == f.subscriberID {
		return errors.New("disk I/O error")
	}
	return f.Store.InsertSeen(ctx, subscriberID, ids, at)
}

func TestRunCyclePersistenceErrorAbandonsSubscription(t *testing.T) {
	tests := []struct {
		name         string
		failReads    bool
		failWrites   bool
		wantOp       string
		wantMessages []int64
	}{
		{name: "seen lookup fails", failReads: true, wantOp: "filter unseen", wantMessages: []int64{2}},
		{name: "mark seen fails", failWrites: true, wantOp: "mark seen", wantMessages: []int64{1, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			env := newTestEnv(t, Options{Workers: 1})
			broken := env.addSubscription(t, 1, "Bikes", "https://market.example/bikes")
			healthy := env.addSubscription(t, 2, "Flats", "https://flats.example/rss")
			env.fetcher.set(broken.SearchURL, makeListings("bike", 2))
			env.fetcher.set(healthy.SearchURL, makeListings("flat", 2))

			seen := failingSeenStore{Store: env.store, subscriberID: broken.SubscriberID, failReads: tt.failReads, failWrites: tt.failWrites}
			env.sched = New(env.store, env.fetcher, env.notifier, dedup.New(seen, env.clock.Now), env.sched.opts,
				slog.New(slog.NewTextHandler(io.Discard, nil)))

			stats := env.runCycle(t)

			if diff := cmp.Diff(1, stats.Errors); diff != "" {
				t.Errorf("errors mismatch (-want +got):\n%s", diff)
			}
			var chats []int64
			for _, m := range env.notifier.getMessages() {
				chats = append(chats, m.ChatID)
			}
			if diff := cmp.Diff(tt.wantMessages, chats); diff != "" {
				t.Errorf("notified chats mismatch (-want +got):\n%s", diff)
			}

			events, err := env.store.ListEvents(ctx, storage.EventQuery{Type: model.EventPersistenceError})
			if err != nil {
				t.Fatalf("list events: %v", err)
			}
			if len(events) != 1 {
				t.Fatalf("expected 1 persistence_error event, got %d", len(events))
			}
			if !strings.Contains(events[0].Payload, `"op":"`+tt.wantOp+`"`) {
				t.Errorf("unexpected event payload: %s", events[0].Payload)
			}

			for _, c := range []struct {
				subscriberID int64
				want         int
			}{{broken.SubscriberID, 0}, {healthy.SubscriberID, 2}} {
				n, err := env.store.CountSeen(ctx, c.subscriberID)
				if err != nil {
					t.Fatalf("count seen: %v", err)
				}
				if diff := cmp.Diff(c.want, n); diff != "" {
					t.Errorf("subscriber %d seen count mismatch (-want +got):\n%s", c.subscriberID, diff)
				}
			}

			got, err := env.store.GetSubscription(ctx, broken.ID)
			if err != nil {
				t.Fatalf("get subscription: %v", err)
			}
			if got.LastCheckedAt != nil {
				t.Error("abandoned subscription must stay due")
			}
		})
	}
}

// lockWatcher reports every per-subscriber lock request before taking it.
type lockWatcher struct {
	Deduper
	requests chan int64
}

func (w *lockWatcher) Lock(subscriberID int64) func() {
	w.requests <- subscriberID
	return w.Deduper.Lock(subscriberID)
}

func TestCheckSubscriptionWaitsForCycleFailureCount(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Options{MaxConsecutiveFailures: 5})
	sub := env.addSubscription(t, 1, "Bikes", "https://market.example/bikes")
	env.fetcher.set(sub.SearchURL, makeListings("bike", 1))
	env.notifier.fail = func(int) error {
		return &notifier.DeliveryError{Kind: notifier.Permanent, Err: errors.New("bot was blocked by the user")}
	}

	watcher := &lockWatcher{Deduper: dedup.New(env.store, env.clock.Now), requests: make(chan int64, 4)}
	env.sched = New(env.store, env.fetcher, env.notifier, watcher, env.sched.opts,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	var fetches atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	env.fetcher.block = func(context.Context) error {
		if fetches.Add(1) == 1 {
			close(entered)
			<-release
		}
		return nil
	}

	cycleDone := make(chan error, 1)
	go func() {
		_, err := env.sched.RunCycle(ctx)
		cycleDone <- err
	}()
	<-watcher.requests
	<-entered

	checkDone := make(chan error, 1)
	go func() {
		_, err := env.sched.CheckSubscription(ctx, sub.ID)
		checkDone <- err
	}()
	<-watcher.requests

	close(release)
	if err := <-cycleDone; err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if err := <-checkDone; err != nil {
		t.Fatalf("check: %v", err)
	}

	subscriber, err := env.store.GetSubscriber(ctx, sub.SubscriberID)
	if err != nil {
		t.Fatalf("get subscriber: %v", err)
	}
	if diff := cmp.Diff(2, subscriber.ConsecutiveFailures); diff != "" {
		t.Errorf("failures mismatch (-want +got):\n%s", diff)
	}
}

type failingDueStore struct {
	*storage.SQLite
}

func (failingDueStore) ListDueSubscriptions(context.Context, time.Time) ([]model.Subscription, error) {
	return nil, errors.New("database is locked")
}

func TestRunCycleFatalOnLoadFailure(t *testing.T) {
	store := newTestStore(t)
	sched := New(failingDueStore{store}, newMockFetcher(), &mockNotifier{}, dedup.New(store, nil),
		Options{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if _, err := sched.RunCycle(context.Background()); err == nil {
		t.Fatal("expected error, got nil")
	}

	events, err := store.ListEvents(context.Background(), storage.EventQuery{Type: model.EventCycleFatal})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if diff := cmp.Diff(1, len(events)); diff != "" {
		t.Errorf("cycle_fatal events mismatch (-want +got):\n%s", diff)
	}

	// The lock is released, so the next cycle can start.
	ok, err := store.AcquireCycleLock(context.Background(), "next-cycle", time.Now(), time.Minute)
	if err != nil || !ok {
		t.Errorf("expected cycle lock to be free, got %v, %v", ok, err)
	}
}

func TestLoopRunsCycleOnTick(t *testing.T) {
	env := newTestEnv(t, Options{})
	sub := env.addSubscription(t, 1, "Bikes", "https://market.example/bikes")
	env.fetcher.set(sub.SearchURL, makeListings("bike", 1))

	ticks := make(chan time.Time, 2)
	ticks <- env.clock.Now()
	ticks <- env.clock.Now()
	close(ticks)

	env.sched.Loop(context.Background(), ticks)

	if diff := cmp.Diff(1, env.fetcher.callCount(sub.SearchURL)); diff != "" {
		t.Errorf("fetch count mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(1, len(env.notifier.getMessages())); diff != "" {
		t.Errorf("message count mismatch (-want +got):\n%s", diff)
	}
}

func TestLoopStopsOnCancel(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		env.sched.Loop(ctx, make(chan time.Time))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Loop did not return after cancellation")
	}
}

func TestCheckSubscription(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Options{FirstRun: dedup.PolicySeed})
	sub := env.addSubscription(t, 1, "Bikes", "https://market.example/bikes")
	env.fetcher.set(sub.SearchURL, makeListings("bike", 2))

	res, err := env.sched.CheckSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if diff := cmp.Diff(CheckResult{Found: 2, New: 2, Sent: 1}, res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}

	res, err = env.sched.CheckSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("second check: %v", err)
	}
	if diff := cmp.Diff(CheckResult{Found: 2}, res); diff != "" {
		t.Errorf("second result mismatch (-want +got):\n%s", diff)
	}

	if err := env.store.RemoveSubscription(ctx, sub.ID, env.clock.Now()); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := env.sched.CheckSubscription(ctx, sub.ID); !errors.Is(err, ErrNotCheckable) {
		t.Errorf("check removed error = %v, want ErrNotCheckable", err)
	}
}

func TestCheckSubscriptionFetchError(t *testing.T) {
	env := newTestEnv(t, Options{})
	sub := env.addSubscription(t, 1, "Bikes", "https://market.example/bikes")
	env.fetcher.errs[sub.SearchURL] = errors.New("unexpected status 404")

	if _, err := env.sched.CheckSubscription(context.Background(), sub.ID); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestCapListings(t *testing.T) {
	in := []model.Listing{{ID: "a"}, {ID: ""}, {ID: "b"}, {ID: "a"}, {ID: "c"}, {ID: "d"}}
	var ids []string
	for _, l := range capListings(in, 3) {
		ids = append(ids, l.ID)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, ids); diff != "" {
		t.Errorf("capListings() mismatch (-want +got):\n%s", diff)
	}
}

func TestGroupBySubscriber(t *testing.T) {
	subs := []model.Subscription{
		{ID: 1, SubscriberID: 10}, {ID: 2, SubscriberID: 10}, {ID: 3, SubscriberID: 20}, {ID: 4, SubscriberID: 10},
	}
	var got [][]int64
	for _, g := range groupBySubscriber(subs) {
		var ids []int64
		for _, s := range g {
			ids = append(ids, s.ID)
		}
		got = append(got, ids)
	}
	if diff := cmp.Diff([][]int64{{1, 2, 4}, {3}}, got); diff != "" {
		t.Errorf("groupBySubscriber() mismatch (-want +got):\n%s", diff)
	}
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"listing_bot/internal/model"
	"listing_bot/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// seenChunk bounds the number of bound parameters per seen_listings query.
const seenChunk = 500

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers and keeps ":memory:" databases whole.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := migrations.Run(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// EnsureSubscriber implements Storage.
func (s *SQLite) EnsureSubscriber(ctx context.Context, chatID int64, username string, now time.Time) (*model.Subscriber, bool, error) {
	ts := formatTime(now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sub, err := scanSubscriber(tx.QueryRowContext(ctx, subscriberSelect+` WHERE chat_id = ?`, chatID))
	created := false
	switch {
	case errors.Is(err, ErrNotFound):
		res, err := tx.ExecContext(ctx,
			`INSERT INTO subscribers (chat_id, username, is_active, interval_minutes, last_activity_at, created_at)
			 VALUES (?, ?, 1, 15, ?, ?)`,
			chatID, username, ts, ts,
		)
		if err != nil {
			return nil, false, fmt.Errorf("insert subscriber: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, false, fmt.Errorf("last insert id: %w", err)
		}
		created = true
		sub = &model.Subscriber{ID: id, ChatID: chatID, Username: username, IsActive: true, IntervalMinutes: 15}
		sub.CreatedAt = parseTime(ts)
	case err != nil:
		return nil, false, err
	default:
		if !sub.IsActive {
			// Contact from the chat proves the destination is valid again.
			if _, err := tx.ExecContext(ctx,
				`UPDATE subscriptions SET is_active = 1 WHERE subscriber_id = ? AND removed_at IS NULL`, sub.ID,
			); err != nil {
				return nil, false, fmt.Errorf("reactivate subscriptions: %w", err)
			}
			sub.IsActive = true
			sub.ConsecutiveFailures = 0
		}
		if username != "" {
			sub.Username = username
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE subscribers SET username = ?, is_active = 1, consecutive_failures = ?, last_activity_at = ? WHERE id = ?`,
			sub.Username, sub.ConsecutiveFailures, ts, sub.ID,
		); err != nil {
			return nil, false, fmt.Errorf("touch subscriber: %w", err)
		}
	}
	sub.LastActivityAt = parseTime(ts)

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return sub, created, nil
}

// GetSubscriber returns a subscriber by its ID.
func (s *SQLite) GetSubscriber(ctx context.Context, id int64) (*model.Subscriber, error) {
	return scanSubscriber(s.db.QueryRowContext(ctx, subscriberSelect+` WHERE id = ?`, id))
}

// GetSubscriberByChat returns the subscriber bound to a Telegram chat.
func (s *SQLite) GetSubscriberByChat(ctx context.Context, chatID int64) (*model.Subscriber, error) {
	return scanSubscriber(s.db.QueryRowContext(ctx, subscriberSelect+` WHERE chat_id = ?`, chatID))
}

// UpdateSubscriber persists the user-editable settings of a subscriber.
// Activity and failure tracking have their own methods.
func (s *SQLite) UpdateSubscriber(ctx context.Context, sub *model.Subscriber) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscribers SET username = ?, interval_minutes = ? WHERE id = ?`,
		sub.Username, sub.IntervalMinutes, sub.ID,
	)
	if err != nil {
		return fmt.Errorf("update subscriber: %w", err)
	}
	return nil
}

// SetSubscriberFailures stores the consecutive delivery failure count
// without touching the subscriber's other settings.
func (s *SQLite) SetSubscriberFailures(ctx context.Context, id int64, failures int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE subscribers SET consecutive_failures = ? WHERE id = ?`, failures, id)
	if err != nil {
		return fmt.Errorf("set subscriber failures: %w", err)
	}
	return nil
}

// DeactivateSubscriber turns off a subscriber and all of its subscriptions.
// Removed subscriptions keep their removed_at marker.
func (s *SQLite) DeactivateSubscriber(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE subscribers SET is_active = 0 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deactivate subscriber: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE subscriptions SET is_active = 0 WHERE subscriber_id = ?`, id); err != nil {
		return fmt.Errorf("deactivate subscriptions: %w", err)
	}
	return tx.Commit()
}

// CreateSubscription inserts a new subscription and populates its ID and CreatedAt.
func (s *SQLite) CreateSubscription(ctx context.Context, sub *model.Subscription) error {
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (subscriber_id, name, search_url, is_active, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		sub.SubscriberID, sub.Name, sub.SearchURL, boolToInt(sub.IsActive), now,
	)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	sub.ID = id
	sub.CreatedAt = parseTime(now)
	return nil
}

// GetSubscription returns a single subscription by its ID, removed or not.
func (s *SQLite) GetSubscription(ctx context.Context, id int64) (*model.Subscription, error) {
	return scanSubscription(s.db.QueryRowContext(ctx, subscriptionSelect+` WHERE s.id = ?`, id))
}

// ListSubscriptions returns the subscriber's subscriptions that were not removed.
func (s *SQLite) ListSubscriptions(ctx context.Context, subscriberID int64) ([]model.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		subscriptionSelect+` WHERE s.subscriber_id = ? AND s.removed_at IS NULL ORDER BY s.id`, subscriberID,
	)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanSubscriptions(rows)
}

// CountSubscriptions counts the subscriber's subscriptions that were not removed.
func (s *SQLite) CountSubscriptions(ctx context.Context, subscriberID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subscriptions WHERE subscriber_id = ? AND removed_at IS NULL`, subscriberID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count subscriptions: %w", err)
	}
	return n, nil
}

// ListDueSubscriptions returns the active subscriptions of active subscribers
// whose check interval has elapsed, ordered by subscriber.
func (s *SQLite) ListDueSubscriptions(ctx context.Context, now time.Time) ([]model.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		subscriptionSelect+`
		 JOIN subscribers u ON u.id = s.subscriber_id
		 WHERE s.is_active = 1
		   AND s.removed_at IS NULL
		   AND u.is_active = 1
		   AND (s.last_checked_at IS NULL
		        OR datetime(s.last_checked_at, '+' || u.interval_minutes || ' minutes') <= datetime(?))
		 ORDER BY s.subscriber_id, s.id`,
		formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("query due subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanSubscriptions(rows)
}

// TouchSubscription records a check attempt. When fetched is true the
// attempt fetched successfully, which ends the subscription's first run.
func (s *SQLite) TouchSubscription(ctx context.Context, id int64, checkedAt time.Time, fetched bool) error {
	var firstFetch sql.NullString
	if fetched {
		firstFetch = sql.NullString{String: formatTime(checkedAt), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET last_checked_at = ?, first_fetched_at = COALESCE(first_fetched_at, ?)
		 WHERE id = ?`,
		formatTime(checkedAt), firstFetch, id,
	)
	if err != nil {
		return fmt.Errorf("touch subscription: %w", err)
	}
	return nil
}

// RemoveSubscription soft-deletes a subscription.
func (s *SQLite) RemoveSubscription(ctx context.Context, id int64, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET is_active = 0, removed_at = ? WHERE id = ?`, formatTime(now), id,
	)
	if err != nil {
		return fmt.Errorf("remove subscription: %w", err)
	}
	return nil
}

// CreateFilter inserts a new filter and populates its ID and CreatedAt.
func (s *SQLite) CreateFilter(ctx context.Context, f *model.Filter) error {
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO filters (subscription_id, kind, scope, value, created_at) VALUES (?, ?, ?, ?, ?)`,
		f.SubscriptionID, string(f.Kind), string(f.Scope), f.Value, now,
	)
	if err != nil {
		return fmt.Errorf("insert filter: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	f.ID = id
	f.CreatedAt = parseTime(now)
	return nil
}

// ListFilters returns all filters for the given subscription.
func (s *SQLite) ListFilters(ctx context.Context, subscriptionID int64) ([]model.Filter, error) {
	rows, err := s.db.QueryContext(ctx, filterSelect+` WHERE subscription_id = ? ORDER BY id`, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("query filters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var filters []model.Filter
	for rows.Next() {
		f, err := scanFilter(rows)
		if err != nil {
			return nil, err
		}
		filters = append(filters, *f)
	}
	return filters, rows.Err()
}

// GetFilter returns a single filter by its ID.
func (s *SQLite) GetFilter(ctx context.Context, id int64) (*model.Filter, error) {
	return scanFilter(s.db.QueryRowContext(ctx, filterSelect+` WHERE id = ?`, id))
}

// DeleteFilter removes a filter by its ID.
func (s *SQLite) DeleteFilter(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM filters WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete filter: %w", err)
	}
	return nil
}

// SeenIDs reports which of listingIDs already have a seen record for the subscriber.
func (s *SQLite) SeenIDs(ctx context.Context, subscriberID int64, listingIDs []string) (map[string]bool, error) {
	seen := make(map[string]bool)
	for _, chunk := range chunks(listingIDs, seenChunk) {
		args := make([]any, 0, len(chunk)+1)
		args = append(args, subscriberID)
		for _, id := range chunk {
			args = append(args, id)
		}
		rows, err := s.db.QueryContext(ctx,
			`SELECT listing_id FROM seen_listings WHERE subscriber_id = ? AND listing_id IN (`+placeholders(len(chunk))+`)`,
			args...,
		)
		if err != nil {
			return nil, fmt.Errorf("query seen: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("scan seen: %w", err)
			}
			seen[id] = true
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, fmt.Errorf("iterate seen: %w", err)
		}
	}
	return seen, nil
}

// InsertSeen records listings as seen. Existing records are left untouched.
func (s *SQLite) InsertSeen(ctx context.Context, subscriberID int64, listingIDs []string, at time.Time) error {
	if len(listingIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO seen_listings (subscriber_id, listing_id, seen_at) VALUES (?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("prepare mark seen: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	ts := formatTime(at)
	for _, id := range listingIDs {
		if _, err := stmt.ExecContext(ctx, subscriberID, id, ts); err != nil {
			return fmt.Errorf("mark seen: %w", err)
		}
	}
	return tx.Commit()
}

// CountSeen returns the number of seen records held for a subscriber.
func (s *SQLite) CountSeen(ctx context.Context, subscriberID int64) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM seen_listings WHERE subscriber_id = ?`, subscriberID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count seen: %w", err)
	}
	return n, nil
}

// DeleteSeenBefore prunes seen records older than cutoff.
func (s *SQLite) DeleteSeenBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM seen_listings WHERE seen_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete seen: %w", err)
	}
	return res.RowsAffected()
}

// AppendEvent inserts an audit event and populates its ID. A zero CreatedAt
// is replaced with the current time and an empty payload with "{}".
func (s *SQLite) AppendEvent(ctx context.Context, ev *model.Event) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	if ev.Payload == "" {
		ev.Payload = "{}"
	}
	ts := formatTime(ev.CreatedAt)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (subscriber_id, subscription_id, type, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		ev.SubscriberID, ev.SubscriptionID, string(ev.Type), ev.Payload, ts,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	ev.ID = id
	ev.CreatedAt = parseTime(ts)
	return nil
}

// ListEvents returns events newest first.
func (s *SQLite) ListEvents(ctx context.Context, q EventQuery) ([]model.Event, error) {
	var (
		where []string
		args  []any
	)
	if q.SubscriberID != nil {
		where = append(where, "subscriber_id = ?")
		args = append(args, *q.SubscriberID)
	}
	if q.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(q.Type))
	}
	query := `SELECT id, subscriber_id, subscription_id, type, payload, created_at FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []model.Event
	for rows.Next() {
		var (
			ev               model.Event
			subscriberID     sql.NullInt64
			subscriptionID   sql.NullInt64
			typ, payload, ts string
		)
		if err := rows.Scan(&ev.ID, &subscriberID, &subscriptionID, &typ, &payload, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if subscriberID.Valid {
			ev.SubscriberID = &subscriberID.Int64
		}
		if subscriptionID.Valid {
			ev.SubscriptionID = &subscriptionID.Int64
		}
		ev.Type = model.EventType(typ)
		ev.Payload = payload
		ev.CreatedAt = parseTime(ts)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// DeleteEventsBefore prunes events older than cutoff.
func (s *SQLite) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	return res.RowsAffected()
}

// AcquireCycleLock implements Storage. The lock row is replaced only when it
// has expired, so an abandoned lock frees itself after ttl.
func (s *SQLite) AcquireCycleLock(ctx context.Context, owner string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO cycle_lock (id, owner, expires_at) VALUES (1, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		 WHERE cycle_lock.expires_at <= ?`,
		owner, formatTime(now.Add(ttl)), formatTime(now),
	)
	if err != nil {
		return false, fmt.Errorf("acquire cycle lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// ReleaseCycleLock drops the cycle lock if owner still holds it.
func (s *SQLite) ReleaseCycleLock(ctx context.Context, owner string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cycle_lock WHERE owner = ?`, owner); err != nil {
		return fmt.Errorf("release cycle lock: %w", err)
	}
	return nil
}

const (
	subscriberSelect = `SELECT id, chat_id, username, is_active, interval_minutes, consecutive_failures,
		last_activity_at, created_at FROM subscribers`
	subscriptionSelect = `SELECT s.id, s.subscriber_id, s.name, s.search_url, s.is_active,
		s.last_checked_at, s.first_fetched_at, s.removed_at, s.created_at FROM subscriptions s`
	filterSelect = `SELECT id, subscription_id, kind, scope, value, created_at FROM filters`
)

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func chunks(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}

type scannable interface {
	Scan(dest ...any) error
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("scan %s: %w", what, err)
}

func scanSubscriber(row scannable) (*model.Subscriber, error) {
	var (
		sub               model.Subscriber
		isActive          int
		activity, created string
	)
	err := row.Scan(&sub.ID, &sub.ChatID, &sub.Username, &isActive, &sub.IntervalMinutes,
		&sub.ConsecutiveFailures, &activity, &created)
	if err != nil {
		return nil, notFound(err, "subscriber")
	}
	sub.IsActive = isActive == 1
	sub.LastActivityAt = parseTime(activity)
	sub.CreatedAt = parseTime(created)
	return &sub, nil
}

func scanSubscription(row scannable) (*model.Subscription, error) {
	var (
		sub                            model.Subscription
		isActive                       int
		lastCheck, firstFetch, removed sql.NullString
		created                        string
	)
	err := row.Scan(&sub.ID, &sub.SubscriberID, &sub.Name, &sub.SearchURL, &isActive,
		&lastCheck, &firstFetch, &removed, &created)
	if err != nil {
		return nil, notFound(err, "subscription")
	}
	sub.IsActive = isActive == 1
	sub.LastCheckedAt = parseNullTime(lastCheck)
	sub.FirstFetchedAt = parseNullTime(firstFetch)
	sub.RemovedAt = parseNullTime(removed)
	sub.CreatedAt = parseTime(created)
	return &sub, nil
}

func scanSubscriptions(rows *sql.Rows) ([]model.Subscription, error) {
	var subs []model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

func scanFilter(row scannable) (*model.Filter, error) {
	var (
		f                    model.Filter
		kind, scope, created string
	)
	if err := row.Scan(&f.ID, &f.SubscriptionID, &kind, &scope, &f.Value, &created); err != nil {
		return nil, notFound(err, "filter")
	}
	f.Kind = model.FilterKind(kind)
	f.Scope = model.FilterScope(scope)
	f.CreatedAt = parseTime(created)
	return &f, nil
}

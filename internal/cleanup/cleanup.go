// Package cleanup prunes old seen records and audit events.
package cleanup

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"listing_bot/internal/model"
)

// Store is the persistence the cleanup job needs.
type Store interface {
	DeleteSeenBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	AppendEvent(ctx context.Context, ev *model.Event) error
}

// Job deletes seen records and events older than their retention. A zero
// retention keeps that kind of record forever.
type Job struct {
	store          Store
	seenRetention  time.Duration
	eventRetention time.Duration
	now            func() time.Time
	log            *slog.Logger
}

// New creates a cleanup Job.
func New(store Store, seenRetention, eventRetention time.Duration, now func() time.Time, log *slog.Logger) *Job {
	if now == nil {
		now = time.Now
	}
	return &Job{
		store:          store,
		seenRetention:  seenRetention,
		eventRetention: eventRetention,
		now:            now,
		log:            log,
	}
}

// Run performs one cleanup pass. Failures are logged and recorded as
// events; they never stop the service.
func (j *Job) Run(ctx context.Context) {
	now := j.now()

	if j.seenRetention > 0 {
		n, err := j.store.DeleteSeenBefore(ctx, now.Add(-j.seenRetention))
		if err != nil {
			j.failed(ctx, "seen_listings", err)
		} else {
			j.log.Info("pruned seen listings", "deleted", n, "retention", j.seenRetention)
		}
	}

	if j.eventRetention > 0 {
		n, err := j.store.DeleteEventsBefore(ctx, now.Add(-j.eventRetention))
		if err != nil {
			j.failed(ctx, "events", err)
		} else {
			j.log.Info("pruned events", "deleted", n, "retention", j.eventRetention)
		}
	}
}

func (j *Job) failed(ctx context.Context, table string, err error) {
	j.log.Warn("cleanup failed", "table", table, "error", err)

	payload, _ := json.Marshal(map[string]string{"table": table, "error": err.Error()})
	ev := &model.Event{Type: model.EventCleanupFailed, Payload: string(payload), CreatedAt: j.now()}
	if err := j.store.AppendEvent(context.WithoutCancel(ctx), ev); err != nil {
		j.log.Error("append event", "type", string(ev.Type), "error", err)
	}
}

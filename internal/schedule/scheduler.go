// ABOUTME: Durable job scheduler firing reminders and periodic wakes onto the bus
// ABOUTME: Jobs live in the store; missed fires are caught up on startup

package schedule

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hearthd/hearth-gateway/internal/bus"
	"github.com/hearthd/hearth-gateway/internal/store"
)

// recheckInterval caps how long the loop sleeps with no due jobs, so jobs
// added directly to the store by another process are still picked up.
const recheckInterval = 30 * time.Second

// wakeJobID is the fixed ID of the periodic wake job, so restarts reuse it.
const wakeJobID = "periodic-wake"

// Publisher is the slice of the message bus the scheduler needs.
type Publisher interface {
	Publish(env *bus.Envelope) error
	KeyBusy(key string) bool
}

// Scheduler fires durable jobs as system envelopes on the bus.
type Scheduler struct {
	store  store.Store
	bus    Publisher
	logger *slog.Logger
	kick   chan struct{}
}

// New creates a scheduler backed by the given store and bus.
func New(s store.Store, p Publisher, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:  s,
		bus:    p,
		logger: logger.With("component", "scheduler"),
		kick:   make(chan struct{}, 1),
	}
}

// EnsureWake installs the recurring wake job for the owner conversation.
// A zero interval removes any existing wake job instead.
func (s *Scheduler) EnsureWake(ctx context.Context, interval time.Duration, connectorID, conversationKey string) error {
	existing, err := s.store.GetJob(ctx, wakeJobID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if interval <= 0 {
		if existing != nil {
			return s.store.DeleteJob(ctx, wakeJobID)
		}
		return nil
	}

	if existing != nil {
		// Keep the persisted fire time unless the interval changed.
		if existing.Every == interval {
			return nil
		}
		if err := s.store.DeleteJob(ctx, wakeJobID); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	job := &store.Job{
		ID:              wakeJobID,
		Kind:            store.JobKindWake,
		ConversationKey: conversationKey,
		ConnectorID:     connectorID,
		Payload:         "Periodic wake: review reminders and pending work, reach out if something needs attention.",
		FireAt:          now.Add(interval),
		Every:           interval,
		CreatedAt:       now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return err
	}
	s.logger.Info("periodic wake installed", "interval", interval)
	return s.Kick()
}

// Add persists a job and wakes the loop so a sooner fire time takes effect.
func (s *Scheduler) Add(ctx context.Context, job *store.Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return err
	}
	s.logger.Info("job scheduled", "id", job.ID, "kind", job.Kind, "fire_at", job.FireAt)
	return s.Kick()
}

// Remove deletes a job.
func (s *Scheduler) Remove(ctx context.Context, id string) error {
	if err := s.store.DeleteJob(ctx, id); err != nil {
		return err
	}
	s.logger.Info("job removed", "id", id)
	return s.Kick()
}

// Jobs lists all scheduled jobs.
func (s *Scheduler) Jobs(ctx context.Context) ([]*store.Job, error) {
	return s.store.ListJobs(ctx)
}

// Kick wakes the run loop early. Safe to call from any goroutine.
func (s *Scheduler) Kick() error {
	select {
	case s.kick <- struct{}{}:
	default:
	}
	return nil
}

// Run drives the scheduler until ctx is cancelled. Jobs that came due while
// the gateway was down fire immediately on the first pass.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started")
	for {
		next, err := s.fireDue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("scheduler pass failed", "error", err)
			next = time.Now().Add(time.Second)
		}

		sleep := recheckInterval
		if !next.IsZero() {
			if d := time.Until(next); d < sleep {
				sleep = d
			}
		}
		if sleep < 0 {
			sleep = 0
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-s.kick:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// fireDue publishes every due job and returns the next upcoming fire time
// (zero if none are scheduled).
func (s *Scheduler) fireDue(ctx context.Context) (time.Time, error) {
	now := time.Now().UTC()

	due, err := s.store.DueJobs(ctx, now)
	if err != nil {
		return time.Time{}, err
	}

	for _, job := range due {
		s.fire(ctx, job, now)
	}

	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return time.Time{}, err
	}
	var next time.Time
	for _, job := range jobs {
		if job.FireAt.After(now) && (next.IsZero() || job.FireAt.Before(next)) {
			next = job.FireAt
		}
	}
	return next, nil
}

// fire publishes one job and reschedules or deletes it.
func (s *Scheduler) fire(ctx context.Context, job *store.Job, now time.Time) {
	skip := job.Kind == store.JobKindWake && s.bus.KeyBusy(job.ConversationKey)
	if skip {
		s.logger.Debug("wake skipped, conversation busy", "id", job.ID, "conversation", job.ConversationKey)
	} else {
		env := bus.New(bus.KindSystem, bus.Origin{
			ConnectorID:     job.ConnectorID,
			ConversationKey: job.ConversationKey,
			ParticipantID:   job.ParticipantID,
		}, bus.Payload{
			Text: job.Payload,
			Metadata: map[string]any{
				"job_id":   job.ID,
				"job_kind": job.Kind,
			},
		})
		if err := s.bus.Publish(env); err != nil {
			// Leave the job due; the next pass retries once the inbox drains.
			s.logger.Warn("job publish failed", "id", job.ID, "error", err)
			return
		}
		s.logger.Info("job fired", "id", job.ID, "kind", job.Kind)
	}

	if job.Every > 0 {
		next := job.FireAt.Add(job.Every)
		// Skip catch-up storms after long downtime.
		for !next.After(now) {
			next = next.Add(job.Every)
		}
		if err := s.store.RescheduleJob(ctx, job.ID, next); err != nil {
			s.logger.Error("job reschedule failed", "id", job.ID, "error", err)
		}
		return
	}

	if err := s.store.DeleteJob(ctx, job.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("job delete failed", "id", job.ID, "error", err)
	}
}

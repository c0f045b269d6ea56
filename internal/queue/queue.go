// Package queue is the durable offline event queue. Heartbeats that could
// not be delivered are stored here and replayed in order once connectivity
// returns. Delivery is at-least-once; the server deduplicates by device id
// and timestamp.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"loanlock/internal/loanlock"
	"loanlock/internal/store"
)

const (
	eventPrefix = "queue/"

	// DefaultMaxAttempts is how many drain passes an event survives before
	// it is parked as FAILED.
	DefaultMaxAttempts = 10
	// DefaultDrainInterval is how often the drainer checks for pending
	// events.
	DefaultDrainInterval = 5 * time.Minute
)

// Queue persists undelivered events in insertion order.
type Queue struct {
	db          *store.DB
	clk         clock.Clock
	maxAttempts int
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxAttempts overrides how many delivery attempts an event gets.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) { q.maxAttempts = n }
}

// New builds a Queue on the given store.
func New(db *store.DB, clk clock.Clock, opts ...Option) *Queue {
	q := &Queue{db: db, clk: clk, maxAttempts: DefaultMaxAttempts}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue stores one event for later delivery.
func (q *Queue) Enqueue(eventType string, payload any) (loanlock.OfflineEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return loanlock.OfflineEvent{}, fmt.Errorf("queue: marshal payload: %w", err)
	}
	ev := loanlock.OfflineEvent{
		ID:        uuid.NewString(),
		EventType: eventType,
		Payload:   raw,
		State:     loanlock.EventPending,
		CreatedAt: q.clk.Now(),
	}
	if err := q.db.SetJSON(q.key(ev), ev); err != nil {
		return loanlock.OfflineEvent{}, fmt.Errorf("queue: enqueue: %w", err)
	}
	log.Debug().Str("event_id", ev.ID).Str("type", eventType).Msg("event queued")
	return ev, nil
}

// Pending returns undelivered events, oldest first. Events parked as FAILED
// are excluded.
func (q *Queue) Pending() ([]loanlock.OfflineEvent, error) {
	var events []loanlock.OfflineEvent
	err := q.db.IterPrefix(eventPrefix, func(_ string, val []byte) error {
		var ev loanlock.OfflineEvent
		if err := json.Unmarshal(val, &ev); err != nil {
			return err
		}
		if ev.State == loanlock.EventPending {
			events = append(events, ev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue: list pending: %w", err)
	}
	return events, nil
}

// Depth returns the number of stored events in any state.
func (q *Queue) Depth() (int, error) {
	keys, err := q.db.KeysWithPrefix(eventPrefix)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// MarkSynced removes a delivered event.
func (q *Queue) MarkSynced(ev loanlock.OfflineEvent) error {
	if err := q.db.Delete(q.key(ev)); err != nil {
		return fmt.Errorf("queue: mark synced: %w", err)
	}
	return nil
}

// MarkFailed counts one failed delivery attempt. Past the attempt limit the
// event is parked as FAILED so it no longer blocks the queue.
func (q *Queue) MarkFailed(ev loanlock.OfflineEvent) error {
	ev.Attempts++
	if ev.Attempts >= q.maxAttempts {
		ev.State = loanlock.EventFailed
		log.Warn().Str("event_id", ev.ID).Int("attempts", ev.Attempts).Msg("event parked after repeated delivery failures")
	}
	if err := q.db.SetJSON(q.key(ev), ev); err != nil {
		return fmt.Errorf("queue: mark failed: %w", err)
	}
	return nil
}

// key orders events by creation time; the id suffix keeps same-nanosecond
// events distinct.
func (q *Queue) key(ev loanlock.OfflineEvent) string {
	return fmt.Sprintf("%s%020d-%s", eventPrefix, ev.CreatedAt.UnixNano(), ev.ID)
}

// Sender delivers one replayed heartbeat payload.
type Sender interface {
	SendHeartbeat(ctx context.Context, deviceID string, req *loanlock.HeartbeatRequest) (*loanlock.HeartbeatResponse, error)
}

// Drainer replays queued events when connectivity returns. Responses to
// replayed heartbeats are historical and are not interpreted; only the live
// cycle drives lock decisions.
type Drainer struct {
	queue    *Queue
	sender   Sender
	online   func() bool
	deviceID string
	interval time.Duration
}

// NewDrainer builds a Drainer. online gates drain passes; it should be cheap
// since it runs every interval.
func NewDrainer(q *Queue, sender Sender, online func() bool, deviceID string, interval time.Duration) *Drainer {
	if interval <= 0 {
		interval = DefaultDrainInterval
	}
	return &Drainer{queue: q, sender: sender, online: online, deviceID: deviceID, interval: interval}
}

// Run drains on a fixed interval until the context is cancelled.
func (d *Drainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !d.online() {
				continue
			}
			if err := d.Drain(ctx); err != nil {
				log.Warn().Err(err).Msg("queue drain incomplete")
			}
		}
	}
}

// Drain replays all pending events in order. Each event gets a short
// exponential-backoff retry; an event that still fails is counted and the
// drain moves on so one bad payload cannot wedge the queue.
func (d *Drainer) Drain(ctx context.Context) error {
	events, err := d.queue.Pending()
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.deliver(ctx, ev); err != nil {
			log.Warn().Err(err).Str("event_id", ev.ID).Msg("event delivery failed")
			if err := d.queue.MarkFailed(ev); err != nil {
				return err
			}
			continue
		}
		if err := d.queue.MarkSynced(ev); err != nil {
			return err
		}
		log.Info().Str("event_id", ev.ID).Str("type", ev.EventType).Msg("queued event delivered")
	}
	return nil
}

func (d *Drainer) deliver(ctx context.Context, ev loanlock.OfflineEvent) error {
	var req loanlock.HeartbeatRequest
	if err := json.Unmarshal(ev.Payload, &req); err != nil {
		return fmt.Errorf("queue: decode event payload: %w", err)
	}

	op := func() error {
		_, err := d.sender.SendHeartbeat(ctx, d.deviceID, &req)
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(op, bo)
}

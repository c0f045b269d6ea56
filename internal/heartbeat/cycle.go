// Package heartbeat drives the periodic report-and-enforce cycle. Each cycle
// collects a snapshot, records it, sends it, and applies exactly one lock
// directive decided from either the server response or the offline
// comparison.
package heartbeat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/codeGROOVE-dev/retry"
	"github.com/rs/zerolog/log"

	"loanlock/internal/api"
	"loanlock/internal/baseline"
	"loanlock/internal/collector"
	"loanlock/internal/compare"
	"loanlock/internal/interpret"
	"loanlock/internal/loanlock"
	"loanlock/internal/lockstate"
	"loanlock/internal/queue"
	"loanlock/internal/synclog"
)

const (
	// DefaultInterval is the cycle period.
	DefaultInterval = 30 * time.Second
	// DefaultDriftTolerance is how much a cycle may overrun its slot before
	// the overrun is logged.
	DefaultDriftTolerance = time.Minute

	defaultMaxRetries     = 3
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 30 * time.Second

	// deactivatedAck tells the server the hand-back finished.
	deactivatedAck = "DEACTIVATED"
)

// Params wires a Cycle.
type Params struct {
	DeviceID    string
	Collector   collector.Collector
	API         api.Client
	Baselines   *baseline.Store
	Queue       *queue.Queue
	SyncLog     *synclog.Log
	Interpreter *interpret.Interpreter
	Controller  *lockstate.Controller
	Clock       clock.Clock

	Interval       time.Duration
	DriftTolerance time.Duration
	MaxRetries     uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Cycle is the heartbeat driver. Runs are coalesced: a trigger while a cycle
// is in flight is dropped, not queued.
type Cycle struct {
	p  Params
	mu sync.Mutex
}

// New builds a Cycle, filling unset timing parameters with defaults.
func New(p Params) *Cycle {
	if p.Interval <= 0 {
		p.Interval = DefaultInterval
	}
	if p.DriftTolerance <= 0 {
		p.DriftTolerance = DefaultDriftTolerance
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = defaultMaxRetries
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = defaultInitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = defaultMaxBackoff
	}
	return &Cycle{p: p}
}

// Run executes cycles until the context is cancelled. The first cycle starts
// immediately; later cycles self-correct so slow cycles do not push the
// schedule back.
func (c *Cycle) Run(ctx context.Context) error {
	for {
		start := c.p.Clock.Now()
		c.RunOnce(ctx)

		elapsed := c.p.Clock.Now().Sub(start)
		delay := c.p.Interval - elapsed
		if delay < 0 {
			if -delay > c.p.DriftTolerance {
				log.Warn().Dur("elapsed", elapsed).Dur("interval", c.p.Interval).Msg("cycle overran its interval")
			}
			delay = 0
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.p.Clock.After(delay):
		}
	}
}

// RunOnce executes a single cycle. Safe to call from outside the Run loop
// for an immediate heartbeat; overlapping calls are dropped.
func (c *Cycle) RunOnce(ctx context.Context) {
	if !c.mu.TryLock() {
		log.Debug().Msg("cycle already in flight, trigger dropped")
		return
	}
	defer c.mu.Unlock()

	snapshot, err := c.p.Collector.Collect(ctx)
	if err != nil {
		log.Error().Err(err).Msg("snapshot collection failed")
		return
	}

	deviceID := c.p.DeviceID
	if deviceID == "" {
		deviceID = snapshot.DeviceID
	}
	if loanlock.IsPlaceholderDeviceID(deviceID) {
		log.Warn().Str("device_id", deviceID).Msg("device not registered yet, skipping cycle")
		return
	}
	snapshot.DeviceID = deviceID

	// Record the attempt before sending so the history survives a crash
	// mid-send. The record is overwritten in place with the outcome.
	rec := synclog.Record{Timestamp: snapshot.Timestamp, Request: *snapshot}
	if err := c.p.SyncLog.Append(rec); err != nil {
		log.Error().Err(err).Msg("record heartbeat attempt")
	}

	resp, sendErr := c.send(ctx, deviceID, snapshot)

	var d loanlock.Directive
	if sendErr != nil {
		rec.Error = sendErr.Error()
		d = c.offline(snapshot, sendErr)
	} else {
		rec.Delivered = true
		d = c.online(snapshot, resp)
	}
	rec.Directive = d.Kind
	if err := c.p.SyncLog.Append(rec); err != nil {
		log.Error().Err(err).Msg("record heartbeat outcome")
	}

	c.apply(ctx, d)

	if sendErr == nil && d.Kind == loanlock.DirectiveDeactivate {
		c.ackDeactivation(ctx, deviceID)
	}

	if err := c.p.Controller.PruneAudit(); err != nil {
		log.Error().Err(err).Msg("prune audit trail")
	}
}

func (c *Cycle) send(ctx context.Context, deviceID string, snapshot *loanlock.HeartbeatRequest) (*loanlock.HeartbeatResponse, error) {
	var resp *loanlock.HeartbeatResponse
	err := retry.Do(func() error {
		var err error
		resp, err = c.p.API.SendHeartbeat(ctx, deviceID, snapshot)
		return err
	}, retry.Attempts(c.p.MaxRetries), retry.Delay(c.p.InitialBackoff), retry.MaxDelay(c.p.MaxBackoff))
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// online handles a delivered heartbeat: the server's verdict is truth, the
// snapshot becomes the new baseline, and the payment record is refreshed.
func (c *Cycle) online(snapshot *loanlock.HeartbeatRequest, resp *loanlock.HeartbeatResponse) loanlock.Directive {
	c.p.Controller.MarkVerified()
	c.p.Interpreter.CachePayment(resp)

	// A snapshot the server flagged with a high-severity mismatch must not
	// become the new trusted baseline.
	if resp.Success && snapshot.HasData() && !hasHighMismatch(resp) {
		if err := c.p.Baselines.Save(snapshot.DeviceFingerprint, c.p.Clock.Now()); err != nil {
			log.Error().Err(err).Msg("refresh baseline")
		}
	}

	return c.p.Interpreter.Online(c.p.Controller.Current(), resp)
}

// offline handles an undelivered heartbeat: the snapshot is queued for
// replay and compared against the trusted baseline for tampering.
func (c *Cycle) offline(snapshot *loanlock.HeartbeatRequest, sendErr error) loanlock.Directive {
	log.Warn().Err(sendErr).Msg("heartbeat undelivered, evaluating offline")

	if _, err := c.p.Queue.Enqueue(loanlock.EventTypeHeartbeat, snapshot); err != nil {
		log.Error().Err(err).Msg("queue undelivered heartbeat")
	}

	cmp := compare.Compare(c.p.Baselines.Get(), snapshot.DeviceFingerprint)
	for _, w := range cmp.Warnings {
		log.Warn().Str("warning", w).Msg("baseline comparison warning")
	}
	if len(cmp.Mismatches) > 0 {
		log.Warn().Int("high", cmp.HighCount).Int("medium", cmp.MediumCount).Msg("baseline mismatches detected")
	}
	if cmp.ShouldAutoLock {
		if _, err := c.p.Queue.Enqueue(loanlock.EventTypeTamper, snapshot); err != nil {
			log.Error().Err(err).Msg("queue tamper event")
		}
	}

	return c.p.Interpreter.Offline(c.p.Controller.Current(), cmp)
}

func (c *Cycle) apply(ctx context.Context, d loanlock.Directive) {
	err := c.p.Controller.Apply(ctx, d)
	switch {
	case err == nil:
		if d.Kind == loanlock.DirectiveSoftLock {
			c.p.Interpreter.NoteReminderShown()
		}
	case errors.Is(err, lockstate.ErrBusy):
		log.Warn().Str("directive", d.Kind).Msg("directive dropped, lock handler busy")
	default:
		log.Error().Err(err).Str("directive", d.Kind).Msg("directive failed")
	}
}

func hasHighMismatch(resp *loanlock.HeartbeatResponse) bool {
	for _, m := range resp.Mismatches {
		if m.Severity == loanlock.SeverityHigh {
			return true
		}
	}
	return false
}

// ackDeactivation confirms the hand-back once the controller reports the
// device released.
func (c *Cycle) ackDeactivation(ctx context.Context, deviceID string) {
	if c.p.Controller.Current().State != loanlock.StateDeactivated {
		return
	}
	if err := c.p.API.SendDeviceManagementCommand(ctx, deviceID, deactivatedAck); err != nil {
		log.Warn().Err(err).Msg("deactivation ack undelivered")
	}
}

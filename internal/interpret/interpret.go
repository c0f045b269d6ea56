// Package interpret turns server responses and offline comparison verdicts
// into lock directives. It owns the priority order: deactivation beats hard
// lock beats unlock beats payment reminders. Exactly one directive comes out
// of each cycle.
package interpret

import (
	"time"

	"github.com/WatchBeam/clock"
	"github.com/rs/zerolog/log"

	"loanlock/internal/loanlock"
	"loanlock/internal/store"
)

const (
	paymentKey  = "payment/next"
	softSeenKey = "softlock/last"

	// DefaultSoftLockThrottle spaces out re-raised payment reminders after
	// the user dismissed one.
	DefaultSoftLockThrottle = 4 * time.Hour
	// DefaultReminderWindow is how long before a due date the payment
	// reminder starts.
	DefaultReminderWindow = 24 * time.Hour
)

// Option configures an Interpreter.
type Option func(*Interpreter)

// WithSoftLockThrottle overrides the reminder re-raise interval.
func WithSoftLockThrottle(d time.Duration) Option {
	return func(it *Interpreter) { it.throttle = d }
}

// WithReminderWindow overrides how early the payment reminder starts.
func WithReminderWindow(d time.Duration) Option {
	return func(it *Interpreter) { it.window = d }
}

// Interpreter decides the single lock directive for a cycle. It keeps the
// cached next-payment record and the reminder throttle timestamp in the
// store so both survive restarts.
type Interpreter struct {
	db       *store.DB
	clk      clock.Clock
	throttle time.Duration
	window   time.Duration
}

// New builds an Interpreter with the default throttle and reminder window.
func New(db *store.DB, clk clock.Clock, opts ...Option) *Interpreter {
	it := &Interpreter{
		db:       db,
		clk:      clk,
		throttle: DefaultSoftLockThrottle,
		window:   DefaultReminderWindow,
	}
	for _, opt := range opts {
		opt(it)
	}
	return it
}

// Online decides the directive for a successful server response. Priority:
// deactivation, then hard lock, then hard-lock release, then payment
// reminder, then reminder release.
func (it *Interpreter) Online(cur loanlock.LockState, resp *loanlock.HeartbeatResponse) loanlock.Directive {
	if resp == nil {
		return none()
	}

	if resp.Deactivation.Requested() {
		reason := resp.Deactivation.Reason
		if reason == "" {
			reason = "deactivation requested"
		}
		return loanlock.Directive{
			Kind:   loanlock.DirectiveDeactivate,
			Reason: reason,
			Source: loanlock.SourceBackend,
		}
	}

	if resp.Content.IsLocked {
		reason := resp.Content.Reason
		if reason == "" {
			reason = "Locked by server"
		}
		return loanlock.Directive{
			Kind:     loanlock.DirectiveHardLock,
			Reason:   reason,
			LockType: loanlock.ClassifyLockReason(reason),
			Source:   loanlock.SourceBackend,
		}
	}

	if cur.State == loanlock.StateHard {
		return loanlock.Directive{Kind: loanlock.DirectiveUnlock, Source: loanlock.SourceBackend}
	}

	if cur.State == loanlock.StateDeactivated {
		// DEACTIVATED is terminal until the server reverses it. An explicit
		// deactivation block reporting "none" on an unlocked device is that
		// reversal; a response that omits the block leaves the device
		// released.
		if resp.Deactivation != nil && !resp.Content.IsLocked {
			return loanlock.Directive{
				Kind:   loanlock.DirectiveUnlock,
				Reason: "deactivation withdrawn by server",
				Source: loanlock.SourceBackend,
			}
		}
		return none()
	}

	msg, wanted := it.onlineReminder(resp)
	return it.reminderDirective(cur, msg, wanted, loanlock.SourceBackend)
}

// Offline decides the directive when the server is unreachable, from the
// tamper comparison and the cached payment record. An offline hard lock only
// ever comes from the comparator; an overdue payment offline stays a
// reminder until the server confirms it.
func (it *Interpreter) Offline(cur loanlock.LockState, cmp loanlock.ComparisonResult) loanlock.Directive {
	if cmp.ShouldAutoLock {
		return loanlock.Directive{
			Kind:     loanlock.DirectiveHardLock,
			Reason:   cmp.LockReason,
			LockType: loanlock.LockTypeSecurity,
			Source:   loanlock.SourceLocal,
		}
	}

	// A hard lock is only released by the server.
	if cur.State == loanlock.StateHard {
		return none()
	}

	msg, wanted := "", false
	if info, ok := it.Payment(); ok {
		msg, wanted = it.paymentReminder(info.NextPaymentAt)
	}
	return it.reminderDirective(cur, msg, wanted, loanlock.SourceLocal)
}

func (it *Interpreter) reminderDirective(cur loanlock.LockState, msg string, wanted bool, source string) loanlock.Directive {
	if !wanted {
		if cur.State == loanlock.StateSoft {
			return loanlock.Directive{Kind: loanlock.DirectiveUnlock, Source: source}
		}
		return none()
	}

	switch cur.State {
	case loanlock.StateDeactivated:
		return none()
	case loanlock.StateSoft:
		if msg != cur.Reason {
			return loanlock.Directive{Kind: loanlock.DirectiveSoftLock, Reason: msg, Source: source}
		}
		return none()
	}

	if it.throttled() {
		log.Debug().Msg("payment reminder throttled")
		return none()
	}
	return loanlock.Directive{Kind: loanlock.DirectiveSoftLock, Reason: msg, Source: source}
}

func (it *Interpreter) onlineReminder(resp *loanlock.HeartbeatResponse) (string, bool) {
	if resp.SoftLock != nil && resp.SoftLock.Requested {
		msg := resp.SoftLock.Message
		if msg == "" {
			msg = "Payment due soon"
		}
		return msg, true
	}
	if resp.NextPayment != nil {
		return it.paymentReminder(resp.NextPayment.DateTime)
	}
	return "", false
}

func (it *Interpreter) paymentReminder(due time.Time) (string, bool) {
	if due.IsZero() {
		return "", false
	}
	now := it.clk.Now()
	if now.Before(due.Add(-it.window)) {
		return "", false
	}
	if now.After(due) {
		return "Payment overdue since " + due.Format("Jan 2, 2006"), true
	}
	return "Payment due " + due.Format("Jan 2, 2006"), true
}

// throttled reports whether a reminder was raised within the throttle
// window. A missing or unreadable record allows the reminder.
func (it *Interpreter) throttled() bool {
	var last time.Time
	if err := it.db.GetJSON(softSeenKey, &last); err != nil {
		return false
	}
	return it.clk.Now().Sub(last) < it.throttle
}

// NoteReminderShown starts the throttle window. Callers invoke it only after
// the reminder was actually applied; a decided-but-dropped reminder must not
// consume the window.
func (it *Interpreter) NoteReminderShown() {
	if err := it.db.SetJSON(softSeenKey, it.clk.Now()); err != nil {
		log.Error().Err(err).Msg("persist reminder timestamp")
	}
}

// CachePayment stores the next-payment record from a response so offline
// cycles keep the reminder schedule.
func (it *Interpreter) CachePayment(resp *loanlock.HeartbeatResponse) {
	if resp == nil || resp.NextPayment == nil || resp.NextPayment.DateTime.IsZero() {
		return
	}
	info := loanlock.PaymentInfo{
		NextPaymentAt:  resp.NextPayment.DateTime,
		UnlockPassword: resp.NextPayment.UnlockPassword,
		CachedAt:       it.clk.Now(),
	}
	if err := it.db.SetJSON(paymentKey, info); err != nil {
		log.Error().Err(err).Msg("cache payment info")
	}
}

// Payment returns the cached next-payment record, if any.
func (it *Interpreter) Payment() (loanlock.PaymentInfo, bool) {
	var info loanlock.PaymentInfo
	if err := it.db.GetJSON(paymentKey, &info); err != nil {
		return loanlock.PaymentInfo{}, false
	}
	return info, true
}

func none() loanlock.Directive {
	return loanlock.Directive{Kind: loanlock.DirectiveNone}
}

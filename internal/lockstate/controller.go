// Package lockstate applies lock directives against the device-admin
// capability and keeps the durable current state plus an audit trail of every
// transition. The state machine is UNLOCKED <-> SOFT <-> HARD -> DEACTIVATED;
// compound moves (HARD to SOFT, locked to DEACTIVATED) always pass through
// UNLOCKED so overlays and admin restrictions never stack.
package lockstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog/log"

	"loanlock/internal/admin"
	"loanlock/internal/loanlock"
	"loanlock/internal/store"
)

const (
	stateKey    = "lockstate/current"
	auditPrefix = "audit/"

	// DefaultBusyTimeout bounds how long a directive waits for a concurrent
	// handler before giving up. The next cycle retries.
	DefaultBusyTimeout = 30 * time.Second
	// DefaultAuditRetention is how long transition records are kept.
	DefaultAuditRetention = 30 * 24 * time.Hour
)

// ErrBusy is returned when another directive is still being applied and the
// busy timeout elapsed. The caller drops the directive; a newer one wins on
// the next cycle.
var ErrBusy = errors.New("lockstate: handler busy")

// Audit trail actions.
const (
	ActionApplyHard  = "APPLY_HARD_LOCK"
	ActionApplySoft  = "APPLY_SOFT_LOCK"
	ActionUnlock     = "UNLOCK"
	ActionDeactivate = "DEACTIVATE"
	ActionReactivate = "REACTIVATE"
	ActionUpdateInfo = "UPDATE_REASON"
	ActionNoChange   = "NO_CHANGE"
)

// AuditEntry records one observable controller decision so support staff can
// reconstruct why a device is in its current state.
type AuditEntry struct {
	From       string    `json:"from"`
	To         string    `json:"to"`
	Action     string    `json:"action"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	AdminError string    `json:"admin_error,omitempty"`
}

// Option configures a Controller.
type Option func(*Controller)

// WithBusyTimeout overrides the directive busy timeout.
func WithBusyTimeout(d time.Duration) Option {
	return func(c *Controller) { c.busyTimeout = d }
}

// WithAuditRetention overrides how long audit entries are kept.
func WithAuditRetention(d time.Duration) Option {
	return func(c *Controller) { c.retention = d }
}

// WithKioskPackages sets the packages pinned during a hard lock.
func WithKioskPackages(pkgs []string) Option {
	return func(c *Controller) { c.kioskPackages = pkgs }
}

// Controller is the idempotent lock-state machine. All directive application
// goes through Apply, which is serialized with a timeout so a wedged handler
// cannot permanently block lock logic.
type Controller struct {
	db        *store.DB
	admin     admin.DeviceAdmin
	presenter admin.Presenter
	clk       clock.Clock

	machine       *fsm.FSM
	sem           chan struct{}
	busyTimeout   time.Duration
	retention     time.Duration
	kioskPackages []string

	state    loanlock.LockState
	adminErr string // collected during the current Apply
	auditSeq uint64
}

// New loads the persisted lock state (a corrupt record degrades to UNLOCKED
// but unverified, to be confirmed by the next server response) and builds the
// controller around it.
func New(db *store.DB, da admin.DeviceAdmin, pr admin.Presenter, clk clock.Clock, opts ...Option) *Controller {
	c := &Controller{
		db:          db,
		admin:       da,
		presenter:   pr,
		clk:         clk,
		sem:         make(chan struct{}, 1),
		busyTimeout: DefaultBusyTimeout,
		retention:   DefaultAuditRetention,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.state = c.loadState()
	c.machine = fsm.NewFSM(
		c.state.State,
		fsm.Events{
			{Name: "soft_lock", Src: []string{loanlock.StateUnlocked}, Dst: loanlock.StateSoft},
			{Name: "hard_lock", Src: []string{loanlock.StateUnlocked}, Dst: loanlock.StateHard},
			{Name: "unlock", Src: []string{loanlock.StateSoft, loanlock.StateHard}, Dst: loanlock.StateUnlocked},
			{Name: "deactivate", Src: []string{loanlock.StateUnlocked}, Dst: loanlock.StateDeactivated},
			{Name: "reactivate", Src: []string{loanlock.StateDeactivated}, Dst: loanlock.StateUnlocked},
		},
		fsm.Callbacks{
			"enter_" + loanlock.StateHard:        c.enterHard,
			"enter_" + loanlock.StateSoft:        c.enterSoft,
			"enter_" + loanlock.StateUnlocked:    c.enterUnlocked,
			"enter_" + loanlock.StateDeactivated: c.enterDeactivated,
		},
	)
	return c
}

func (c *Controller) loadState() loanlock.LockState {
	var st loanlock.LockState
	err := c.db.GetJSON(stateKey, &st)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return loanlock.LockState{State: loanlock.StateUnlocked, Timestamp: c.clk.Now(), Verified: true}
	case err != nil:
		// Fail open: unknown state, keep the device usable but flag it so the
		// next server response re-establishes truth. Admin restrictions are
		// not touched here.
		log.Error().Err(err).Msg("lock state record unreadable, awaiting server verification")
		return loanlock.LockState{State: loanlock.StateUnlocked, Timestamp: c.clk.Now(), Verified: false}
	}
	if st.State == "" {
		st.State = loanlock.StateUnlocked
	}
	return st
}

// Current returns a copy of the persisted-equivalent current state.
func (c *Controller) Current() loanlock.LockState {
	return c.state
}

// MarkVerified records that the server confirmed the current state.
func (c *Controller) MarkVerified() {
	if c.state.Verified {
		return
	}
	c.state.Verified = true
	if err := c.db.SetJSON(stateKey, c.state); err != nil {
		log.Error().Err(err).Msg("persist verified lock state")
	}
}

// Apply carries out one directive. It is idempotent: repeating a directive
// with an unchanged reason produces no externally observable side effect
// beyond a NO_CHANGE audit entry.
func (c *Controller) Apply(ctx context.Context, d loanlock.Directive) error {
	if d.Kind == loanlock.DirectiveNone {
		return nil
	}

	select {
	case c.sem <- struct{}{}:
	case <-c.clk.After(c.busyTimeout):
		return ErrBusy
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.sem }()

	c.adminErr = ""

	switch d.Kind {
	case loanlock.DirectiveDeactivate:
		return c.applyDeactivate(ctx, d)
	case loanlock.DirectiveHardLock:
		return c.applyHard(ctx, d)
	case loanlock.DirectiveSoftLock:
		return c.applySoft(ctx, d)
	case loanlock.DirectiveUnlock:
		return c.applyUnlock(ctx, d)
	default:
		return fmt.Errorf("lockstate: unknown directive %q", d.Kind)
	}
}

func (c *Controller) applyDeactivate(ctx context.Context, d loanlock.Directive) error {
	if c.machine.Is(loanlock.StateDeactivated) {
		c.audit(ActionNoChange, c.state.State, c.state.State, d)
		return nil
	}
	// Deactivation overrides any lock: release restrictions first, then
	// hand back ownership.
	if c.machine.Is(loanlock.StateSoft) || c.machine.Is(loanlock.StateHard) {
		if err := c.fire(ctx, "unlock", ActionUnlock, d); err != nil {
			return err
		}
	}
	return c.fire(ctx, "deactivate", ActionDeactivate, d)
}

func (c *Controller) applyHard(ctx context.Context, d loanlock.Directive) error {
	switch {
	case c.machine.Is(loanlock.StateDeactivated):
		log.Warn().Str("reason", d.Reason).Msg("hard lock ignored, device deactivated")
		c.audit(ActionNoChange, c.state.State, c.state.State, d)
		return nil
	case c.machine.Is(loanlock.StateHard):
		if c.state.Reason == d.Reason {
			log.Debug().Msg("hard lock unchanged, no action")
			c.audit(ActionNoChange, c.state.State, c.state.State, d)
			return nil
		}
		// Reason changed: update in place, no re-lock cycle.
		c.state.Reason = d.Reason
		c.state.LockType = d.LockType
		c.state.Source = d.Source
		c.state.Timestamp = c.clk.Now()
		c.presenter.ShowHardLock(d.Reason)
		if err := c.persist(); err != nil {
			return err
		}
		c.audit(ActionUpdateInfo, loanlock.StateHard, loanlock.StateHard, d)
		return nil
	case c.machine.Is(loanlock.StateSoft):
		if err := c.fire(ctx, "unlock", ActionUnlock, d); err != nil {
			return err
		}
	}
	return c.fire(ctx, "hard_lock", ActionApplyHard, d)
}

func (c *Controller) applySoft(ctx context.Context, d loanlock.Directive) error {
	switch {
	case c.machine.Is(loanlock.StateDeactivated):
		c.audit(ActionNoChange, c.state.State, c.state.State, d)
		return nil
	case c.machine.Is(loanlock.StateSoft):
		if c.state.Reason == d.Reason {
			c.audit(ActionNoChange, c.state.State, c.state.State, d)
			return nil
		}
		c.state.Reason = d.Reason
		c.state.Source = d.Source
		c.state.Timestamp = c.clk.Now()
		c.presenter.ShowSoftReminder(d.Reason)
		if err := c.persist(); err != nil {
			return err
		}
		c.audit(ActionUpdateInfo, loanlock.StateSoft, loanlock.StateSoft, d)
		return nil
	case c.machine.Is(loanlock.StateHard):
		if err := c.fire(ctx, "unlock", ActionUnlock, d); err != nil {
			return err
		}
	}
	return c.fire(ctx, "soft_lock", ActionApplySoft, d)
}

func (c *Controller) applyUnlock(ctx context.Context, d loanlock.Directive) error {
	switch {
	case c.machine.Is(loanlock.StateUnlocked):
		log.Info().Msg("unlock directive with no change")
		c.audit(ActionNoChange, c.state.State, c.state.State, d)
		return nil
	case c.machine.Is(loanlock.StateDeactivated):
		// Terminal until the server reverses it.
		if d.Source != loanlock.SourceBackend {
			c.audit(ActionNoChange, c.state.State, c.state.State, d)
			return nil
		}
		return c.fire(ctx, "reactivate", ActionReactivate, d)
	}
	return c.fire(ctx, "unlock", ActionUnlock, d)
}

// fire runs one state-machine event, persists the resulting state and writes
// the audit record. Admin failures inside callbacks do not fail the
// transition: the intended state is persisted so the next cycle retries the
// capability call.
func (c *Controller) fire(ctx context.Context, event, action string, d loanlock.Directive) error {
	from := c.machine.Current()
	if err := c.machine.Event(ctx, event, d); err != nil {
		return fmt.Errorf("lockstate: %s from %s: %w", event, from, err)
	}
	to := c.machine.Current()

	c.state = loanlock.LockState{
		State:     to,
		Source:    d.Source,
		Timestamp: c.clk.Now(),
		Verified:  c.state.Verified,
	}
	if to == loanlock.StateSoft || to == loanlock.StateHard || to == loanlock.StateDeactivated {
		c.state.Reason = d.Reason
		c.state.LockType = d.LockType
	}
	if err := c.persist(); err != nil {
		return err
	}
	c.audit(action, from, to, d)
	return nil
}

func (c *Controller) persist() error {
	if err := c.db.SetJSON(stateKey, c.state); err != nil {
		return fmt.Errorf("lockstate: persist: %w", err)
	}
	return nil
}

func (c *Controller) audit(action, from, to string, d loanlock.Directive) {
	e := AuditEntry{
		From:       from,
		To:         to,
		Action:     action,
		Reason:     d.Reason,
		Timestamp:  c.clk.Now(),
		AdminError: c.adminErr,
	}
	c.adminErr = ""
	// The sequence suffix keeps same-timestamp entries distinct and ordered:
	// a compound move writes several entries within one clock reading.
	c.auditSeq++
	key := fmt.Sprintf("%s%020d-%06d", auditPrefix, e.Timestamp.UnixNano(), c.auditSeq)
	if err := c.db.SetJSON(key, e); err != nil {
		log.Error().Err(err).Msg("write audit entry")
	}
}

// AuditEntries returns the stored transition records, oldest first.
func (c *Controller) AuditEntries() ([]AuditEntry, error) {
	var entries []AuditEntry
	err := c.db.IterPrefix(auditPrefix, func(_ string, val []byte) error {
		var e AuditEntry
		if err := json.Unmarshal(val, &e); err != nil {
			return err
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// PruneAudit deletes audit entries older than the retention window.
func (c *Controller) PruneAudit() error {
	cutoff := fmt.Sprintf("%s%020d", auditPrefix, c.clk.Now().Add(-c.retention).UnixNano())
	keys, err := c.db.KeysWithPrefix(auditPrefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if key >= cutoff {
			break
		}
		if err := c.db.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) capability(name string, err error) {
	if err == nil {
		return
	}
	log.Error().Err(err).Str("capability", name).Msg("device admin call failed, state persisted for retry")
	c.adminErr = fmt.Sprintf("%s: %v", name, err)
}

func (c *Controller) enterHard(_ context.Context, e *fsm.Event) {
	d := directiveArg(e)
	c.capability("setLockTaskPackages", c.admin.SetLockTaskPackages(c.kioskPackages))
	c.capability("setStatusBarDisabled", c.admin.SetStatusBarDisabled(true))
	c.capability("setKeyguardDisabled", c.admin.SetKeyguardDisabled(true))
	c.capability("lockNow", c.admin.LockNow())
	c.presenter.ShowHardLock(d.Reason)
}

func (c *Controller) enterSoft(_ context.Context, e *fsm.Event) {
	d := directiveArg(e)
	// Soft lock is a dismissible overlay only; no admin restrictions.
	c.presenter.ShowSoftReminder(d.Reason)
}

func (c *Controller) enterUnlocked(_ context.Context, e *fsm.Event) {
	if e.Src == loanlock.StateDeactivated {
		c.presenter.Dismiss()
		return
	}
	if e.Src == loanlock.StateHard {
		c.capability("setLockTaskPackages", c.admin.SetLockTaskPackages(nil))
		c.capability("setStatusBarDisabled", c.admin.SetStatusBarDisabled(false))
		c.capability("setKeyguardDisabled", c.admin.SetKeyguardDisabled(false))
	}
	c.presenter.Dismiss()
}

func (c *Controller) enterDeactivated(_ context.Context, _ *fsm.Event) {
	c.capability("terminateDeviceOwnership", c.admin.TerminateDeviceOwnership())
}

func directiveArg(e *fsm.Event) loanlock.Directive {
	if len(e.Args) > 0 {
		if d, ok := e.Args[0].(loanlock.Directive); ok {
			return d
		}
	}
	return loanlock.Directive{}
}

package heartbeat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loanlock/internal/baseline"
	"loanlock/internal/interpret"
	"loanlock/internal/loanlock"
	"loanlock/internal/lockstate"
	"loanlock/internal/queue"
	"loanlock/internal/store"
	"loanlock/internal/synclog"
)

type fakeCollector struct {
	req loanlock.HeartbeatRequest
	err error
}

func (f *fakeCollector) Collect(context.Context) (*loanlock.HeartbeatRequest, error) {
	if f.err != nil {
		return nil, f.err
	}
	req := f.req
	return &req, nil
}

type fakeAPI struct {
	mu         sync.Mutex
	resp       loanlock.HeartbeatResponse
	err        error
	heartbeats int
	commands   []string

	block       chan struct{}
	blockedOnce sync.Once
	blocked     chan struct{}
}

func (f *fakeAPI) SendHeartbeat(context.Context, string, *loanlock.HeartbeatRequest) (*loanlock.HeartbeatResponse, error) {
	if f.block != nil {
		f.blockedOnce.Do(func() { close(f.blocked) })
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	if f.err != nil {
		return nil, f.err
	}
	resp := f.resp
	return &resp, nil
}

func (f *fakeAPI) SendDeviceManagementCommand(_ context.Context, _ string, command string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, command)
	return nil
}

func (f *fakeAPI) heartbeatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heartbeats
}

type nopAdmin struct{}

func (nopAdmin) LockNow() error                     { return nil }
func (nopAdmin) SetLockTaskPackages([]string) error { return nil }
func (nopAdmin) SetStatusBarDisabled(bool) error    { return nil }
func (nopAdmin) SetKeyguardDisabled(bool) error     { return nil }
func (nopAdmin) TerminateDeviceOwnership() error    { return nil }

type nopPresenter struct{}

func (nopPresenter) ShowHardLock(string)     {}
func (nopPresenter) ShowSoftReminder(string) {}
func (nopPresenter) Dismiss()                {}

type harness struct {
	cycle     *Cycle
	api       *fakeAPI
	collector *fakeCollector
	baselines *baseline.Store
	queue     *queue.Queue
	synclog   *synclog.Log
	ctrl      *lockstate.Controller
	interp    *interpret.Interpreter
	db        *store.DB
}

func snapshot() loanlock.HeartbeatRequest {
	rooted := false
	return loanlock.HeartbeatRequest{
		DeviceFingerprint: loanlock.DeviceFingerprint{
			IMEIs:        loanlock.StringList{"111111111111111"},
			SerialNumber: "ABC123",
			Rooted:       &rooted,
		},
		DeviceID:  "dev-1",
		Timestamp: time.Now().UTC().Truncate(time.Second),
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clk := clock.C
	h := &harness{
		api:       &fakeAPI{resp: loanlock.HeartbeatResponse{Success: true}},
		collector: &fakeCollector{req: snapshot()},
		baselines: baseline.New(db),
		queue:     queue.New(db, clk),
		synclog:   synclog.New(db, 10),
		ctrl:      lockstate.New(db, nopAdmin{}, nopPresenter{}, clk),
		interp:    interpret.New(db, clk),
		db:        db,
	}
	h.cycle = New(Params{
		DeviceID:       "dev-1",
		Collector:      h.collector,
		API:            h.api,
		Baselines:      h.baselines,
		Queue:          h.queue,
		SyncLog:        h.synclog,
		Interpreter:    h.interp,
		Controller:     h.ctrl,
		Clock:          clk,
		Interval:       10 * time.Millisecond,
		MaxRetries:     1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	})
	return h
}

func TestOnlineCycleAppliesServerLock(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.api.resp = loanlock.HeartbeatResponse{
		Success: true,
		Content: loanlock.LockContent{IsLocked: true, Reason: "Payment overdue"},
		NextPayment: &loanlock.NextPayment{
			DateTime:       time.Now().Add(72 * time.Hour),
			UnlockPassword: "9241",
		},
	}

	h.cycle.RunOnce(context.Background())

	st := h.ctrl.Current()
	assert.Equal(t, loanlock.StateHard, st.State)
	assert.Equal(t, "Payment overdue", st.Reason)
	assert.Equal(t, loanlock.SourceBackend, st.Source)

	// The accepted snapshot became the trusted baseline.
	b := h.baselines.Get()
	require.NotNil(t, b)
	assert.Equal(t, "ABC123", b.Fingerprint.SerialNumber)

	// Payment info is cached for offline cycles.
	info, ok := h.interp.Payment()
	require.True(t, ok)
	assert.Equal(t, "9241", info.UnlockPassword)

	records, err := h.synclog.Recent(1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Delivered)
	assert.Equal(t, loanlock.DirectiveHardLock, records[0].Directive)
}

func TestFlaggedSnapshotDoesNotBecomeBaseline(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.api.resp = loanlock.HeartbeatResponse{
		Success: true,
		Mismatches: []loanlock.Mismatch{
			{Field: loanlock.FieldSerialNumber, Severity: loanlock.SeverityHigh, Reason: "Serial number mismatch detected"},
		},
	}

	h.cycle.RunOnce(context.Background())

	assert.Nil(t, h.baselines.Get())
}

func TestOfflineTamperLocksAndQueues(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.NoError(t, h.baselines.Save(snapshot().DeviceFingerprint, time.Now()))

	h.api.err = errors.New("connection refused")
	tampered := snapshot()
	tampered.SerialNumber = "XYZ999"
	h.collector.req = tampered

	h.cycle.RunOnce(context.Background())

	st := h.ctrl.Current()
	assert.Equal(t, loanlock.StateHard, st.State)
	assert.Equal(t, loanlock.SourceLocal, st.Source)
	assert.Equal(t, loanlock.LockTypeSecurity, st.LockType)
	assert.Contains(t, st.Reason, "serial_number")

	events, err := h.queue.Pending()
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, loanlock.EventTypeHeartbeat, events[0].EventType)
	assert.Equal(t, loanlock.EventTypeTamper, events[1].EventType)

	records, err := h.synclog.Recent(1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.False(t, records[0].Delivered)
	assert.NotEmpty(t, records[0].Error)
}

func TestOfflineWithoutBaselineNeverLocks(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.api.err = errors.New("connection refused")
	tampered := snapshot()
	tampered.SerialNumber = "XYZ999"
	h.collector.req = tampered

	h.cycle.RunOnce(context.Background())

	assert.Equal(t, loanlock.StateUnlocked, h.ctrl.Current().State)
}

func TestPlaceholderDeviceIDSkipsCycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.cycle.p.DeviceID = ""
	h.collector.req.DeviceID = "unregistered"

	h.cycle.RunOnce(context.Background())

	assert.Equal(t, 0, h.api.heartbeatCount())
	records, err := h.synclog.Recent(0)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestDeactivationIsAcked(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.api.resp = loanlock.HeartbeatResponse{
		Success:      true,
		Deactivation: &loanlock.Deactivation{Status: "requested", Reason: "loan_completed"},
	}

	h.cycle.RunOnce(context.Background())

	assert.Equal(t, loanlock.StateDeactivated, h.ctrl.Current().State)
	h.api.mu.Lock()
	commands := append([]string(nil), h.api.commands...)
	h.api.mu.Unlock()
	assert.Equal(t, []string{"DEACTIVATED"}, commands)
}

func TestAppliedReminderStartsThrottleWindow(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	soft := loanlock.HeartbeatResponse{
		Success:  true,
		SoftLock: &loanlock.SoftLockRequest{Requested: true, Message: "Pay by June 1"},
	}

	h.api.resp = soft
	h.cycle.RunOnce(context.Background())
	require.Equal(t, loanlock.StateSoft, h.ctrl.Current().State)

	// Reminder condition clears, the overlay comes down.
	h.api.resp = loanlock.HeartbeatResponse{Success: true}
	h.cycle.RunOnce(context.Background())
	require.Equal(t, loanlock.StateUnlocked, h.ctrl.Current().State)

	// The same reminder re-raised within the throttle window stays down.
	h.api.resp = soft
	h.cycle.RunOnce(context.Background())
	assert.Equal(t, loanlock.StateUnlocked, h.ctrl.Current().State)
}

func TestOverlappingTriggersAreDropped(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.api.block = make(chan struct{})
	h.api.blocked = make(chan struct{})

	done := make(chan struct{})
	go func() {
		h.cycle.RunOnce(context.Background())
		close(done)
	}()

	// Wait for the first cycle to reach the blocked send, then trigger again.
	select {
	case <-h.api.blocked:
	case <-time.After(5 * time.Second):
		t.Fatal("first cycle never reached the send")
	}
	h.cycle.RunOnce(context.Background())

	close(h.api.block)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cycle did not finish")
	}
	assert.Equal(t, 1, h.api.heartbeatCount())
}

func TestRunRepeatsOnInterval(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	err := h.cycle.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, h.api.heartbeatCount(), 2)
}

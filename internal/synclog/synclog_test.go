package synclog

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loanlock/internal/loanlock"
	"loanlock/internal/store"
)

func newLog(t *testing.T, max int) *Log {
	t.Helper()
	db, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, max)
}

func TestRecentNewestFirst(t *testing.T) {
	t.Parallel()

	l := newLog(t, 10)
	base := time.Now()
	for i := 0; i < 3; i++ {
		err := l.Append(Record{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Request:   loanlock.HeartbeatRequest{DeviceID: fmt.Sprintf("dev-%d", i)},
			Delivered: true,
		})
		require.NoError(t, err)
	}

	records, err := l.Recent(2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "dev-2", records[0].Request.DeviceID)
	assert.Equal(t, "dev-1", records[1].Request.DeviceID)
}

func TestCapDropsOldest(t *testing.T) {
	t.Parallel()

	l := newLog(t, 5)
	base := time.Now()
	for i := 0; i < 8; i++ {
		err := l.Append(Record{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Request:   loanlock.HeartbeatRequest{DeviceID: fmt.Sprintf("dev-%d", i)},
		})
		require.NoError(t, err)
	}

	records, err := l.Recent(0)
	require.NoError(t, err)
	require.Len(t, records, 5)
	assert.Equal(t, "dev-7", records[0].Request.DeviceID)
	assert.Equal(t, "dev-3", records[4].Request.DeviceID)
}

func TestFailedAttemptKeepsError(t *testing.T) {
	t.Parallel()

	l := newLog(t, 10)
	err := l.Append(Record{
		Timestamp: time.Now(),
		Request:   loanlock.HeartbeatRequest{DeviceID: "dev-1"},
		Delivered: false,
		Error:     "connection refused",
		Directive: loanlock.DirectiveNone,
	})
	require.NoError(t, err)

	records, err := l.Recent(1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.False(t, records[0].Delivered)
	assert.Equal(t, "connection refused", records[0].Error)
}

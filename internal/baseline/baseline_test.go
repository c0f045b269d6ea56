package baseline

import (
	"testing"
	"time"

	"github.com/dgraph-io/badger/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loanlock/internal/loanlock"
	"loanlock/internal/store"
)

func openDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func boolp(b bool) *bool { return &b }

func TestSaveAndGet(t *testing.T) {
	t.Parallel()

	db := openDB(t)
	s := New(db)

	assert.Nil(t, s.Get())
	assert.False(t, s.HasBaseline())

	savedAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	fp := loanlock.DeviceFingerprint{
		IMEIs:        loanlock.StringList{"111", " ", "222"},
		SerialNumber: "ABC123",
		Rooted:       boolp(false),
	}
	require.NoError(t, s.Save(fp, savedAt))

	b := s.Get()
	require.NotNil(t, b)
	assert.Equal(t, loanlock.StringList{"111", "222"}, b.Fingerprint.IMEIs)
	assert.Equal(t, "ABC123", b.Fingerprint.SerialNumber)
	assert.True(t, savedAt.Equal(b.SavedAt))
	assert.True(t, s.HasBaseline())
}

func TestSaveOverwrites(t *testing.T) {
	t.Parallel()

	db := openDB(t)
	s := New(db)

	require.NoError(t, s.Save(loanlock.DeviceFingerprint{SerialNumber: "OLD"}, time.Now()))
	require.NoError(t, s.Save(loanlock.DeviceFingerprint{SerialNumber: "NEW"}, time.Now()))

	b := s.Get()
	require.NotNil(t, b)
	assert.Equal(t, "NEW", b.Fingerprint.SerialNumber)
}

func TestEmptyBaselineIsNotUsable(t *testing.T) {
	t.Parallel()

	db := openDB(t)
	s := New(db)

	require.NoError(t, s.Save(loanlock.DeviceFingerprint{}, time.Now()))
	assert.NotNil(t, s.Get())
	assert.False(t, s.HasBaseline())
}

func TestCorruptRecordTreatedAsAbsent(t *testing.T) {
	t.Parallel()

	db := openDB(t)
	err := db.Update(func(tx *badger.Txn) error {
		return tx.Set([]byte("baseline/current"), []byte("{not json"))
	})
	require.NoError(t, err)

	s := New(db)
	assert.Nil(t, s.Get())
	assert.False(t, s.HasBaseline())
}

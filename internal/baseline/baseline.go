// Package baseline persists the expected device fingerprint set at
// registration and refreshed after verified heartbeats. It is the reference
// the offline comparator judges against.
package baseline

import (
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"loanlock/internal/loanlock"
	"loanlock/internal/store"
)

const baselineKey = "baseline/current"

// Store reads and writes the single current baseline.
type Store struct {
	db *store.DB
}

// New returns a baseline store backed by db.
func New(db *store.DB) *Store {
	return &Store{db: db}
}

// Save overwrites the current baseline with fp, stamped with now. Empty
// values are filtered out so absence stays absence.
func (s *Store) Save(fp loanlock.DeviceFingerprint, now time.Time) error {
	b := loanlock.Baseline{
		Fingerprint: filterEmpty(fp),
		SavedAt:     now,
	}
	return s.db.SetJSON(baselineKey, b)
}

// Get returns the last saved baseline, or nil if none was ever saved. A
// corrupt record is treated as "no baseline": the comparator must fail open
// to "cannot compare", never to "assume mismatch".
func (s *Store) Get() *loanlock.Baseline {
	var b loanlock.Baseline
	err := s.db.GetJSON(baselineKey, &b)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		log.Warn().Err(err).Msg("baseline record unreadable, treating as absent")
		return nil
	}
	return &b
}

// HasBaseline reports whether a usable baseline exists: one was saved and it
// carries at least one field with a value.
func (s *Store) HasBaseline() bool {
	b := s.Get()
	return b != nil && b.Fingerprint.HasData()
}

func filterEmpty(fp loanlock.DeviceFingerprint) loanlock.DeviceFingerprint {
	var imeis loanlock.StringList
	for _, imei := range fp.IMEIs {
		if strings.TrimSpace(imei) != "" {
			imeis = append(imeis, imei)
		}
	}
	fp.IMEIs = imeis
	return fp
}

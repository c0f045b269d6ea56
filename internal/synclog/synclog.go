// Package synclog keeps a capped history of heartbeat attempts for support
// diagnostics. The newest records win; the log never grows past its cap.
package synclog

import (
	"encoding/json"
	"fmt"
	"time"

	"loanlock/internal/loanlock"
	"loanlock/internal/store"
)

const (
	recordPrefix = "synclog/"

	// DefaultCap is the number of records kept.
	DefaultCap = 100
)

// Record is one heartbeat attempt and its outcome.
type Record struct {
	Timestamp time.Time                 `json:"timestamp"`
	Request   loanlock.HeartbeatRequest `json:"request"`
	Delivered bool                      `json:"delivered"`
	Error     string                    `json:"error,omitempty"`
	Directive string                    `json:"directive,omitempty"`
}

// Log is the capped on-disk attempt history.
type Log struct {
	db  *store.DB
	max int
}

// New builds a Log. A non-positive cap falls back to the default.
func New(db *store.DB, max int) *Log {
	if max <= 0 {
		max = DefaultCap
	}
	return &Log{db: db, max: max}
}

// Append stores one record and drops the oldest records past the cap.
func (l *Log) Append(rec Record) error {
	key := fmt.Sprintf("%s%020d", recordPrefix, rec.Timestamp.UnixNano())
	if err := l.db.SetJSON(key, rec); err != nil {
		return fmt.Errorf("synclog: append: %w", err)
	}
	return l.prune()
}

func (l *Log) prune() error {
	keys, err := l.db.KeysWithPrefix(recordPrefix)
	if err != nil {
		return err
	}
	for len(keys) > l.max {
		if err := l.db.Delete(keys[0]); err != nil {
			return err
		}
		keys = keys[1:]
	}
	return nil
}

// Recent returns up to n records, newest first.
func (l *Log) Recent(n int) ([]Record, error) {
	var records []Record
	err := l.db.IterPrefix(recordPrefix, func(_ string, val []byte) error {
		var rec Record
		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("synclog: list: %w", err)
	}
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	if n > 0 && len(records) > n {
		records = records[:n]
	}
	return records, nil
}

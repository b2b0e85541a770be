// Package quota implements attempt accounting for submissions. The Ledger is
// the authoritative, concurrency-safe count of attempts consumed per
// (identity, competition) pair; the SubmissionStore persists accepted
// archives.
package quota

import (
	"sync"
	"time"
)

// Key identifies one attempt record. Using a struct key instead of a
// concatenated string avoids escaping and collision edge cases.
type Key struct {
	Identity      string
	CompetitionID string
}

// entry is one attempt record. Each entry owns its own mutex so that
// unrelated (identity, competition) pairs never contend with each other.
type entry struct {
	mu             sync.Mutex
	attemptsUsed   int
	lastSubmission time.Time
}

// Ledger tracks attempts consumed per (identity, competition). Entries are
// created lazily on first access and persist for the process lifetime; there
// is no external durability.
type Ledger struct {
	mu      sync.RWMutex
	entries map[Key]*entry
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{entries: make(map[Key]*entry)}
}

// entryFor returns the record for a key, creating it if needed. The outer
// lock only guards map access; per-record state is guarded by the entry's
// own mutex.
func (l *Ledger) entryFor(k Key) *entry {
	l.mu.RLock()
	e, ok := l.entries[k]
	l.mu.RUnlock()
	if ok {
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[k]; ok {
		return e
	}
	e = &entry{}
	l.entries[k] = e
	return e
}

// Remaining returns max(0, maxAttempts - attemptsUsed) for a key.
func (l *Ledger) Remaining(k Key, maxAttempts int) int {
	e := l.entryFor(k)
	e.mu.Lock()
	defer e.mu.Unlock()
	return remaining(e.attemptsUsed, maxAttempts)
}

// Record atomically consumes one attempt if any remain. It returns the
// attempts remaining after the increment and whether the attempt was
// recorded. When no attempts remain it returns (0, false) without mutating
// state: under concurrent calls for the same key with exactly one attempt
// left, exactly one caller succeeds.
func (l *Ledger) Record(k Key, maxAttempts int) (int, bool) {
	e := l.entryFor(k)
	e.mu.Lock()
	defer e.mu.Unlock()

	if remaining(e.attemptsUsed, maxAttempts) <= 0 {
		return 0, false
	}
	e.attemptsUsed++
	return remaining(e.attemptsUsed, maxAttempts), true
}

// Rollback releases one recorded attempt. It is called when persistence
// fails after Record succeeded: an accepted-but-unstored submission must not
// consume quota. Rolling back an untouched record is a no-op.
func (l *Ledger) Rollback(k Key) {
	e := l.entryFor(k)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.attemptsUsed > 0 {
		e.attemptsUsed--
	}
}

// Touch updates the last-submission timestamp for a key.
func (l *Ledger) Touch(k Key, t time.Time) {
	e := l.entryFor(k)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastSubmission = t
}

// LastSubmission returns the last-submission timestamp for a key, if any.
func (l *Ledger) LastSubmission(k Key) (time.Time, bool) {
	e := l.entryFor(k)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSubmission, !e.lastSubmission.IsZero()
}

func remaining(used, maxAttempts int) int {
	r := maxAttempts - used
	if r < 0 {
		return 0
	}
	return r
}

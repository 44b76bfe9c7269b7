// Package conflict implements a durable, queryable record of paths where a
// stale-but-undeletable local file was retained instead of overwritten by a
// remote change. The policy is fixed: local always wins, retaining the file
// and recording an entry here rather than offering a resolution strategy.
package conflict

import (
	"sync"
	"time"
)

// Record is one entry in the ledger: a path where HybridTree retained the
// local copy over a remote change because the local copy had unsynced
// modifications.
type Record struct {
	Path      string
	Reason    string
	DetectedAt time.Time
}

// Ledger is an in-memory, queryable record of open conflicts, keyed by
// path. A later clean list or resolution clears the entry.
type Ledger struct {
	mu      sync.Mutex
	records map[string]Record
}

// New creates an empty Ledger.
func New() *Ledger {
	return &Ledger{records: make(map[string]Record)}
}

// Record adds or refreshes a conflict entry for path.
func (l *Ledger) Record(path, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records[path] = Record{Path: path, Reason: reason, DetectedAt: time.Now()}
}

// Clear removes the conflict entry for path, if any — called when a
// subsequent list or clearCache pass finds the path clean (canDelete true,
// or the local copy was finally synced).
func (l *Ledger) Clear(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.records, path)
}

// List returns every open conflict, order unspecified.
func (l *Ledger) List() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Record, 0, len(l.records))
	for _, r := range l.records {
		out = append(out, r)
	}

	return out
}

// Has reports whether path currently has an open conflict.
func (l *Ledger) Has(path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.records[path]

	return ok
}

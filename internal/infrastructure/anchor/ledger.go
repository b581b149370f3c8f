// Package anchor implements the seal/anchoring collaborator: a replicated
// append-once ledger of document links. The bank treats sealing as
// fire-and-forget; the ledger provides the durability behind it.
package anchor

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// SealEntry is one anchored document link.
type SealEntry struct {
	Link     string    `json:"link"`
	Source   string    `json:"source,omitempty"` // bank identity that requested the seal
	SealedAt time.Time `json:"sealedAt"`
}

// Ledger is the deterministic anchoring state machine. Applying the same
// link twice is a no-op, which makes log replay and client retries safe.
type Ledger struct {
	mu      sync.RWMutex
	entries map[string]SealEntry
}

func NewLedger() *Ledger {
	return &Ledger{entries: map[string]SealEntry{}}
}

// Apply records one seal. Returns whether the entry was new.
func (l *Ledger) Apply(entry SealEntry) (bool, error) {
	entry.Link = strings.TrimSpace(entry.Link)
	if entry.Link == "" {
		return false, errors.New("seal link is required")
	}
	if entry.SealedAt.IsZero() {
		return false, errors.New("seal timestamp is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[entry.Link]; ok {
		return false, nil
	}
	l.entries[entry.Link] = entry
	return true, nil
}

// Get returns the entry for a link.
func (l *Ledger) Get(link string) (SealEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[strings.TrimSpace(link)]
	return e, ok
}

// Count returns the number of sealed links.
func (l *Ledger) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// List returns entries ordered by link.
func (l *Ledger) List(limit int) []SealEntry {
	l.mu.RLock()
	out := make([]SealEntry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Link < out[j].Link })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Marshal serializes the ledger snapshot.
func (l *Ledger) Marshal() ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return json.Marshal(l.entries)
}

// Unmarshal replaces the ledger contents from a snapshot.
func (l *Ledger) Unmarshal(data []byte) error {
	entries := map[string]SealEntry{}
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = entries
	return nil
}

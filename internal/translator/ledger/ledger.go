// Package ledger maps tool-invocation ids to their continuation tokens so a
// signature survives a turn where the client does not echo it back.
package ledger

import (
	"sync"
	"time"
)

const (
	defaultTTL        = 2 * time.Hour
	defaultMaxEntries = 10000
)

type entry struct {
	sig     []byte
	touched time.Time
}

// Ledger is a process-wide signature store. Entries expire on a last-touched
// TTL and the table is capped, since clients are not guaranteed to ever echo
// a signature back for deletion.
type Ledger struct {
	mu         sync.Mutex
	entries    map[string]entry
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

func New() *Ledger {
	return &Ledger{
		entries:    make(map[string]entry),
		ttl:        defaultTTL,
		maxEntries: defaultMaxEntries,
		now:        time.Now,
	}
}

// Put records the signature observed on a tool invocation.
func (l *Ledger) Put(toolCallID string, sig []byte) {
	if toolCallID == "" || len(sig) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) >= l.maxEntries {
		l.evictLocked()
	}
	l.entries[toolCallID] = entry{sig: sig, touched: l.now()}
}

// Lookup returns the stored signature for a replayed invocation, refreshing
// its TTL.
func (l *Ledger) Lookup(toolCallID string) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[toolCallID]
	if !ok {
		return nil, false
	}
	if l.now().Sub(e.touched) > l.ttl {
		delete(l.entries, toolCallID)
		return nil, false
	}
	e.touched = l.now()
	l.entries[toolCallID] = e
	return e.sig, true
}

// Delete removes an entry once the client echoes signatures itself.
// Idempotent.
func (l *Ledger) Delete(toolCallID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, toolCallID)
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// evictLocked drops expired entries first, then the oldest-touched until the
// table is under its cap.
func (l *Ledger) evictLocked() {
	cutoff := l.now().Add(-l.ttl)
	for id, e := range l.entries {
		if e.touched.Before(cutoff) {
			delete(l.entries, id)
		}
	}
	for len(l.entries) >= l.maxEntries {
		oldestID := ""
		var oldest time.Time
		for id, e := range l.entries {
			if oldestID == "" || e.touched.Before(oldest) {
				oldestID, oldest = id, e.touched
			}
		}
		delete(l.entries, oldestID)
	}
}

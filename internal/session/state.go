// Package session tracks per-conversation model routing state across turns
// and drives the bridge switch-retry workflow.
package session

import (
	"strings"
	"sync"
	"time"
)

// Family classifies a model by its protocol lineage. Exactly one family can
// execute bridged tools natively.
type Family int

const (
	// FamilyParts is the parts/candidates lineage (primary).
	FamilyParts Family = iota
	// FamilyMessages is the message-block lineage (substitute).
	FamilyMessages
)

// FamilyOf classifies a resolved model identifier.
func FamilyOf(model string) Family {
	if strings.HasPrefix(model, "claude") {
		return FamilyMessages
	}
	return FamilyParts
}

const (
	sessionTTL  = 2 * time.Hour
	maxSessions = 10000
)

// Snapshot is the routing state of one session at the start of a turn.
type Snapshot struct {
	Family Family
	// SegmentStart is the message index where the open substitute segment
	// began, or -1 when no segment is open.
	SegmentStart int
}

type sessionState struct {
	family       Family
	segmentStart int
	touched      time.Time
}

// Manager holds per-session routing state. Entries expire by idle time and
// the map is capped, evicting the oldest sessions first.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
	now      func() time.Time
}

func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*sessionState), now: time.Now}
}

// Get returns the session snapshot, creating a fresh primary-family entry
// on first sight.
func (m *Manager) Get(id string) Snapshot {
	if id == "" {
		return Snapshot{Family: FamilyParts, SegmentStart: -1}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sessions[id]
	if !ok || m.now().Sub(st.touched) > sessionTTL {
		st = &sessionState{family: FamilyParts, segmentStart: -1}
		m.evictLocked()
		m.sessions[id] = st
	}
	st.touched = m.now()
	return Snapshot{Family: st.family, SegmentStart: st.segmentStart}
}

// CommitSwitch records that the session moved to the substitute family with
// a segment starting at the given message index.
func (m *Manager) CommitSwitch(id string, segmentStart int) {
	if id == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sessions[id]
	if !ok {
		st = &sessionState{}
		m.evictLocked()
		m.sessions[id] = st
	}
	st.family = FamilyMessages
	st.segmentStart = segmentStart
	st.touched = m.now()
}

// CloseSegment folds the session back to the primary family.
func (m *Manager) CloseSegment(id string) {
	if id == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.sessions[id]; ok {
		st.family = FamilyParts
		st.segmentStart = -1
		st.touched = m.now()
	}
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) evictLocked() {
	if len(m.sessions) < maxSessions {
		return
	}
	for id, st := range m.sessions {
		if m.now().Sub(st.touched) > sessionTTL {
			delete(m.sessions, id)
		}
	}
	for len(m.sessions) >= maxSessions {
		oldestID := ""
		var oldest time.Time
		for id, st := range m.sessions {
			if oldestID == "" || st.touched.Before(oldest) {
				oldestID, oldest = id, st.touched
			}
		}
		delete(m.sessions, oldestID)
	}
}

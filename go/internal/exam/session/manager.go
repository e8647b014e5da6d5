package session

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// DefaultRetention is how long a terminal or abandoned room stays in memory
// before eviction. Retention is a tunable, not a correctness requirement:
// durable records live in the external store.
const DefaultRetention = 10 * time.Minute

// Manager owns the room map. Each room has its own exclusive section so
// unrelated sessions never contend; rooms are created lazily on first
// reference and evicted a bounded idle period after reaching a terminal
// status or being abandoned.
type Manager struct {
	mu    sync.RWMutex
	rooms map[string]*roomEntry

	clock     clockwork.Clock
	retention time.Duration
}

type roomEntry struct {
	mu   sync.Mutex
	room *Room
}

// NewManager creates a room manager with the given eviction retention.
// A non-positive retention falls back to DefaultRetention.
func NewManager(clock clockwork.Clock, retention time.Duration) *Manager {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Manager{
		rooms:     make(map[string]*roomEntry),
		clock:     clock,
		retention: retention,
	}
}

// WithRoom runs fn while holding the session's exclusive section, creating
// the room lazily if this is the first reference. All room mutation goes
// through here; fn must not block on I/O.
func (m *Manager) WithRoom(sessionID string, fn func(*Room) error) error {
	entry := m.getOrCreate(sessionID)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return fn(entry.room)
}

// WithExistingRoom is WithRoom without lazy creation: it fails with
// ErrSessionNotFound when the session has never been referenced.
func (m *Manager) WithExistingRoom(sessionID string, fn func(*Room) error) error {
	m.mu.RLock()
	entry, ok := m.rooms[sessionID]
	m.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return fn(entry.room)
}

// Snapshot returns the room's aggregate status, or ErrSessionNotFound.
func (m *Manager) Snapshot(sessionID string) (Snapshot, error) {
	var snap Snapshot
	err := m.WithExistingRoom(sessionID, func(r *Room) error {
		snap = r.Snapshot(m.clock.Now())
		return nil
	})
	return snap, err
}

func (m *Manager) getOrCreate(sessionID string) *roomEntry {
	m.mu.RLock()
	entry, ok := m.rooms[sessionID]
	m.mu.RUnlock()
	if ok {
		return entry
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok = m.rooms[sessionID]; ok {
		return entry
	}
	entry = &roomEntry{room: NewRoom(sessionID, m.clock.Now())}
	m.rooms[sessionID] = entry

	log.Info().Str("session_id", sessionID).Msg("room created")
	return entry
}

// Remove evicts a room from memory.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, sessionID)
}

// Len returns the number of rooms currently held in memory.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// RunEviction periodically sweeps rooms whose retention elapsed: terminal
// rooms past retention since completion, and rooms idle past retention with
// no teacher present and no members.
func (m *Manager) RunEviction(ctx context.Context) {
	ticker := m.clock.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	now := m.clock.Now()

	m.mu.RLock()
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.mu.RLock()
		entry, ok := m.rooms[id]
		m.mu.RUnlock()
		if !ok {
			continue
		}

		entry.mu.Lock()
		room := entry.room
		evict := false
		switch {
		case room.Status == StatusCompleted && now.Sub(room.CompletedAt) > m.retention:
			evict = true
		case len(room.members) == 0 && now.Sub(room.lastActivity) > m.retention:
			evict = true
		}
		entry.mu.Unlock()

		if evict {
			m.Remove(id)
			log.Info().Str("session_id", id).Msg("room evicted")
		}
	}
}

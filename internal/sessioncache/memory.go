package sessioncache

import (
	"context"
	"sync"
	"time"
)

// entry pairs a session with its expiry deadline.
type entry struct {
	session   *Session
	expiresAt time.Time
}

// Memory is an in-process Cache for development and testing. Expired
// records are dropped lazily on Get and swept by a background loop.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	stopSweep chan struct{}
	stopOnce  sync.Once
}

var _ Cache = (*Memory)(nil)

// NewMemory creates an in-process session cache.
func NewMemory() *Memory {
	m := &Memory{
		sessions:  make(map[string]*entry),
		stopSweep: make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Put saves a session record, refreshing its TTL.
func (m *Memory) Put(ctx context.Context, session *Session, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	cp := *session

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[Key(session.ID, session.UserID)] = &entry{
		session:   &cp,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Get retrieves a live session record.
func (m *Memory) Get(ctx context.Context, sessionID, userID string) (*Session, error) {
	key := Key(sessionID, userID)

	m.mu.RLock()
	e, ok := m.sessions[key]
	m.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	if time.Now().After(e.expiresAt) {
		m.mu.Lock()
		delete(m.sessions, key)
		m.mu.Unlock()
		return nil, ErrNotFound
	}

	cp := *e.session
	return &cp, nil
}

// Delete removes a session record.
func (m *Memory) Delete(ctx context.Context, sessionID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, Key(sessionID, userID))
	return nil
}

// Close stops the background sweep.
func (m *Memory) Close() error {
	m.stopOnce.Do(func() {
		close(m.stopSweep)
	})
	return nil
}

func (m *Memory) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for key, e := range m.sessions {
				if now.After(e.expiresAt) {
					delete(m.sessions, key)
				}
			}
			m.mu.Unlock()
		case <-m.stopSweep:
			return
		}
	}
}

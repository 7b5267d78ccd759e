package session

import (
	"log/slog"
	"sync"
)

// Manager holds the in-memory sessions, keyed by conversation id. Distinct
// conversations run in parallel; each session serializes its own runs.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
}

// NewManager creates a session manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// GetOrCreate returns the session for a conversation, creating an idle one
// on first use.
func (m *Manager) GetOrCreate(conversationID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[conversationID]; ok {
		return s
	}
	s := NewSession(conversationID, m.logger)
	m.sessions[conversationID] = s
	return s
}

// Get returns the session for a conversation, or nil.
func (m *Manager) Get(conversationID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[conversationID]
}

// Remove drops a session from the manager.
func (m *Manager) Remove(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, conversationID)
}

// AbortAll aborts every active run. Used on client disconnect and shutdown.
func (m *Manager) AbortAll(reason string) {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		s.Abort(reason)
	}
}

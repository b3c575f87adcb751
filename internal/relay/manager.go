package relay

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/SpiNNakerManchester/spinnaker-udp-proxy/internal/boardaddr"
	"github.com/SpiNNakerManchester/spinnaker-udp-proxy/internal/metrics"
)

// SessionManager tracks every live Session, enforces the process-wide
// concurrent-session cap, and removes sessions from its registry once they
// close.
type SessionManager struct {
	cfg    Config
	m      *metrics.Registry
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewSessionManager(cfg Config, m *metrics.Registry, logger zerolog.Logger) *SessionManager {
	if m == nil {
		m = metrics.New()
	}
	return &SessionManager{
		cfg:      cfg,
		m:        m,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

func (sm *SessionManager) Metrics() *metrics.Registry { return sm.m }

// ActiveSessions returns the current number of live sessions. Intended for
// tests and observability; callers should not rely on it for synchronization.
func (sm *SessionManager) ActiveSessions() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// CreateSession allocates a new Session for jobID, bound to conn and
// authorized against table. It starts the session's WebSocket Sender and
// registers a removal hook so the manager forgets the session once it
// closes.
func (sm *SessionManager) CreateSession(jobID string, conn *websocket.Conn, table *boardaddr.Table) (*Session, error) {
	for attempt := 0; attempt < 3; attempt++ {
		id, err := newSessionID()
		if err != nil {
			return nil, err
		}

		sm.mu.Lock()
		if sm.cfg.MaxSessions > 0 && len(sm.sessions) >= sm.cfg.MaxSessions {
			sm.mu.Unlock()
			return nil, ErrTooManySessions
		}
		if _, inUse := sm.sessions[id]; inUse {
			// Extremely unlikely (122 bits of UUIDv4 entropy). Try again.
			sm.mu.Unlock()
			continue
		}

		session := newSession(id, jobID, conn, table, sm.cfg, sm.logger, sm.m)
		sm.sessions[id] = session
		sm.mu.Unlock()

		sm.m.Inc(metrics.SessionsOpenedTotal)
		go sm.awaitClose(id, session)
		return session, nil
	}

	return nil, errors.New("relay: failed to allocate unique session id")
}

func (sm *SessionManager) awaitClose(id string, session *Session) {
	<-session.Done()
	sm.mu.Lock()
	delete(sm.sessions, id)
	sm.mu.Unlock()
	sm.m.Inc(metrics.SessionsClosedTotal)
}

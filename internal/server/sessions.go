package server

import (
	"sync"

	"github.com/MarcoPoloResearchLab/edithistory/internal/history"
	"github.com/prometheus/client_golang/prometheus"
)

// SessionCoordinator tracks the open history views of every message and dismisses
// them when their engine reports the session has ended.
type SessionCoordinator struct {
	mu       sync.Mutex
	sessions map[history.SessionKey]map[int64]*trackedSession
	nextID   int64
	active   prometheus.Gauge
}

type trackedSession struct {
	id        int64
	key       history.SessionKey
	dismissed chan struct{}
	once      sync.Once
}

func (s *trackedSession) dismiss() {
	s.once.Do(func() { close(s.dismissed) })
}

// SessionHandle is one registered view.
type SessionHandle struct {
	coordinator *SessionCoordinator
	session     *trackedSession
}

// NewSessionCoordinator returns an empty coordinator. The gauge may be nil.
func NewSessionCoordinator(active prometheus.Gauge) *SessionCoordinator {
	return &SessionCoordinator{
		sessions: make(map[history.SessionKey]map[int64]*trackedSession),
		active:   active,
	}
}

// Open registers a view of key.
func (c *SessionCoordinator) Open(key history.SessionKey) *SessionHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	session := &trackedSession{id: c.nextID, key: key, dismissed: make(chan struct{})}
	if _, ok := c.sessions[key]; !ok {
		c.sessions[key] = make(map[int64]*trackedSession)
	}
	c.sessions[key][session.id] = session
	if c.active != nil {
		c.active.Inc()
	}
	return &SessionHandle{coordinator: c, session: session}
}

// SessionEnded dismisses every open view of key.
func (c *SessionCoordinator) SessionEnded(key history.SessionKey) {
	c.mu.Lock()
	sessions := c.sessions[key]
	delete(c.sessions, key)
	c.mu.Unlock()
	for _, session := range sessions {
		c.release(session)
	}
}

// Count returns the number of open views of key.
func (c *SessionCoordinator) Count(key history.SessionKey) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions[key])
}

func (c *SessionCoordinator) remove(session *trackedSession) {
	c.mu.Lock()
	sessions := c.sessions[session.key]
	_, present := sessions[session.id]
	if present {
		delete(sessions, session.id)
		if len(sessions) == 0 {
			delete(c.sessions, session.key)
		}
	}
	c.mu.Unlock()
	if present {
		c.release(session)
	}
}

func (c *SessionCoordinator) release(session *trackedSession) {
	session.dismiss()
	if c.active != nil {
		c.active.Dec()
	}
}

// SessionEnded dismisses only this view; it lets a handle stand in as the engine's coordinator.
func (h *SessionHandle) SessionEnded(history.SessionKey) {
	h.coordinator.remove(h.session)
}

// Dismissed is closed once the view has been dismissed.
func (h *SessionHandle) Dismissed() <-chan struct{} {
	return h.session.dismissed
}

// Release dismisses the view if it is still open.
func (h *SessionHandle) Release() {
	h.coordinator.remove(h.session)
}

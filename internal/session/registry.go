package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"claude-bridge/internal/control"
)

var (
	ErrNotFound  = errors.New("session not found")
	ErrNoChannel = errors.New("session has no live connection")
	ErrExists    = errors.New("session already exists")
)

// Registry is the in-memory table of sessions. One mutex guards the whole
// table, including every field of every session.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	order    []string
	activeID string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Create registers a new session in the starting state. The first session
// registered while none is active becomes the active one.
func (r *Registry) Create(id, workDir string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; ok {
		return Session{}, fmt.Errorf("%w: %s", ErrExists, id)
	}

	s := &Session{
		ID:        id,
		Status:    Status{State: StateStarting},
		WorkDir:   workDir,
		CreatedAt: time.Now().UTC(),
		pending:   control.NewTable(),
	}
	r.sessions[id] = s
	r.order = append(r.order, id)
	if r.activeID == "" {
		r.activeID = id
	}
	return s.snapshot(r.activeID), nil
}

// Get returns a snapshot of a session.
func (r *Registry) Get(id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.snapshot(r.activeID), nil
}

// List returns snapshots of all sessions in registration order.
func (r *Registry) List() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]Session, 0, len(r.order))
	for _, id := range r.order {
		result = append(result, r.sessions[id].snapshot(r.activeID))
	}
	return result
}

// SetActive makes id the routing target.
func (r *Registry) SetActive(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.activeID = id
	return nil
}

// Active returns the active session, if any.
func (r *Registry) Active() (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[r.activeID]
	if !ok {
		return Session{}, false
	}
	return s.snapshot(r.activeID), true
}

// Remove deletes a session and rejects whatever is still pending on it.
// If it was active, the oldest remaining session is promoted. Removing an
// unknown id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		for i, oid := range r.order {
			if oid == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
		if r.activeID == id {
			r.activeID = ""
			if len(r.order) > 0 {
				r.activeID = r.order[0]
			}
		}
	}
	r.mu.Unlock()

	if ok {
		s.pending.RejectAll(control.ErrSessionTerminated)
	}
}

// Update applies fn to the live session record under the registry lock.
// fn must not call back into the registry.
func (r *Registry) Update(id string, fn func(*Session)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	fn(s)
	enforceChannelInvariant(s)
	return nil
}

// SetStatus sets a session's status. Moving to a state without a live
// socket drops the outbound channel.
func (r *Registry) SetStatus(id string, status Status) error {
	return r.Update(id, func(s *Session) {
		s.Status = status
	})
}

// Bind associates ch as the session's outbound channel and returns the
// channel it replaced, if any. A starting or disconnected session becomes
// connected.
func (r *Registry) Bind(id string, ch Channel) (Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	prev := s.channel
	if prev != nil && prev.Generation() == ch.Generation() {
		prev = nil
	}
	s.channel = ch
	if s.Status.Is(StateStarting, StateDisconnected) {
		s.Status = Status{State: StateConnected}
	}
	return prev, nil
}

// Unbind clears the outbound channel if it is still the association with the
// given generation, marks the session disconnected and returns true. A
// superseded association is ignored.
func (r *Registry) Unbind(id string, generation uint64) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok || s.channel == nil || s.channel.Generation() != generation {
		r.mu.Unlock()
		return false
	}
	s.channel = nil
	if !s.Status.Is(StateTerminated, StateError) {
		s.Status = Status{State: StateDisconnected}
	}
	pending := s.pending
	r.mu.Unlock()

	pending.RejectAll(control.ErrConnectionClosed)
	return true
}

// Detach clears and returns the session's outbound channel without changing
// its status. The caller owns closing the returned channel.
func (r *Registry) Detach(id string) Channel {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	ch := s.channel
	s.channel = nil
	return ch
}

// Send writes frame to the session's outbound channel.
func (r *Registry) Send(id string, frame []byte) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	var ch Channel
	if ok {
		ch = s.channel
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if ch == nil {
		return fmt.Errorf("%w: %s", ErrNoChannel, id)
	}
	return ch.Send(frame)
}

// Pending returns the session's control-request table.
func (r *Registry) Pending(id string) (*control.Table, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.pending, nil
}

// FindLive returns the active session if it has a live channel, otherwise
// the oldest session that has one.
func (r *Registry) FindLive() (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[r.activeID]; ok && s.channel != nil {
		return s.snapshot(r.activeID), true
	}
	for _, id := range r.order {
		if s := r.sessions[id]; s.channel != nil {
			return s.snapshot(r.activeID), true
		}
	}
	return Session{}, false
}

// AppendHistory appends an entry to the session's replay history.
func (r *Registry) AppendHistory(id string, entry HistoryEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	return r.Update(id, func(s *Session) {
		s.history = append(s.history, entry)
	})
}

// History returns a copy of the session's replay history.
func (r *Registry) History(id string) ([]HistoryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return append([]HistoryEntry(nil), s.history...), nil
}

func enforceChannelInvariant(s *Session) {
	if s.Status.Is(StateStarting, StateDisconnected, StateTerminated, StateError) {
		s.channel = nil
	}
}

package term

import (
	"fmt"
	"sync"
)

// Registry is the concurrency-safe session table. The lock guards only the
// map itself; session I/O (write, resize, kill) happens on the session's own
// handle outside the lock, so a blocked session never stalls operations on
// the others.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Create spawns a new session under the given ID. Spawn failures (PTY
// allocation, missing executable) are returned synchronously; everything
// that happens later is reported through the session's event channel.
func (r *Registry) Create(id string, opts Options) (Handle, int, error) {
	r.mu.RLock()
	_, exists := r.sessions[id]
	r.mu.RUnlock()
	if exists {
		return nil, 0, fmt.Errorf("session %s already exists", id)
	}

	sess, err := spawn(id, opts)
	if err != nil {
		return nil, 0, err
	}

	// Re-check under the write lock: a racing Create for the same ID may
	// have inserted between the check above and the spawn.
	r.mu.Lock()
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		sess.Close()
		return nil, 0, fmt.Errorf("session %s already exists", id)
	}
	r.sessions[id] = sess
	r.mu.Unlock()

	return sess, sess.PID(), nil
}

// Get returns the session handle, or nil if the ID is unknown.
func (r *Registry) Get(id string) Handle {
	sess := r.lookup(id)
	if sess == nil {
		return nil
	}
	return sess
}

// Write forwards input to the session's stdin.
func (r *Registry) Write(id string, data []byte) error {
	sess := r.lookup(id)
	if sess == nil {
		return ErrUnknownSession
	}
	_, err := sess.Write(data)
	return err
}

// Resize updates the session's PTY window size.
func (r *Registry) Resize(id string, cols, rows uint16) error {
	sess := r.lookup(id)
	if sess == nil {
		return ErrUnknownSession
	}
	return sess.Resize(cols, rows)
}

// Close kills the session, removes it, and waits until no further events
// for the ID will be delivered. Closing an unknown or already-closed ID is
// a no-op.
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return sess.Close()
}

// CloseAll kills and joins every outstanding session. Used at shutdown so
// the process does not exit while children are still attached to their PTYs.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Close()
		}(sess)
	}
	wg.Wait()
}

// List returns the IDs of all live sessions.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) lookup(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Compile-time interface check.
var _ Manager = (*Registry)(nil)

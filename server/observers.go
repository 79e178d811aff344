package server

import (
	"runtime"
	"sync"
)

// ObserverRegistry tracks sessions interested in list-changed fan-out. A
// session is (re-)added whenever it performs a */list call on a capability
// that advertises list_changed.
type ObserverRegistry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewObserverRegistry creates an empty observer registry.
func NewObserverRegistry() *ObserverRegistry {
	return &ObserverRegistry{sessions: make(map[string]*Session)}
}

// Observe records the session as a list-changed observer.
func (r *ObserverRegistry) Observe(sess *Session) {
	if sess == nil || sess.Closed() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sess.ID()] = sess
}

// Remove drops the session from the observer set.
func (r *ObserverRegistry) Remove(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sess.ID())
}

// Contains reports whether the session is currently observed.
func (r *ObserverRegistry) Contains(sess *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[sess.ID()]
	return ok
}

// Len returns the number of observed sessions.
func (r *ObserverRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Broadcast delivers a list-changed notification to every observed session.
// The set is snapshotted first; failed and closed sessions are discarded
// after the sweep. The loop yields between deliveries so a large fan-out
// cannot starve other goroutines.
func (r *ObserverRegistry) Broadcast(method string) {
	r.mu.Lock()
	snapshot := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		snapshot = append(snapshot, sess)
	}
	r.mu.Unlock()

	var stale []*Session
	for _, sess := range snapshot {
		if err := sess.SendNotification(method, nil); err != nil {
			stale = append(stale, sess)
		}
		runtime.Gosched()
	}

	if len(stale) > 0 {
		r.mu.Lock()
		for _, sess := range stale {
			delete(r.sessions, sess.ID())
		}
		r.mu.Unlock()
	}
}

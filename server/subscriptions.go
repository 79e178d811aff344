package server

import (
	"sync"

	"github.com/dedalus-labs/openmcp-go/protocol"
)

// SubscribeRequest is the resources/subscribe request payload.
type SubscribeRequest struct {
	URI string `json:"uri"`
}

// UnsubscribeRequest is the resources/unsubscribe request payload.
type UnsubscribeRequest struct {
	URI string `json:"uri"`
}

// ResourceUpdatedNotification is sent when a subscribed resource changes.
type ResourceUpdatedNotification struct {
	URI string `json:"uri"`
}

// SubscriptionRegistry is a bidirectional index between resource URIs and
// subscribed sessions. Both indices are updated atomically under one mutex;
// no transport I/O happens while the lock is held.
type SubscriptionRegistry struct {
	mu        sync.Mutex
	byURI     map[string]map[string]*Session
	bySession map[string]map[string]struct{}
}

// NewSubscriptionRegistry creates an empty subscription registry.
func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{
		byURI:     make(map[string]map[string]*Session),
		bySession: make(map[string]map[string]struct{}),
	}
}

// Subscribe records the session's interest in a URI. Subscribing twice is a
// no-op.
func (r *SubscriptionRegistry) Subscribe(sess *Session, uri string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byURI[uri] == nil {
		r.byURI[uri] = make(map[string]*Session)
	}
	r.byURI[uri][sess.ID()] = sess

	if r.bySession[sess.ID()] == nil {
		r.bySession[sess.ID()] = make(map[string]struct{})
	}
	r.bySession[sess.ID()][uri] = struct{}{}
}

// Unsubscribe removes the session's interest in a URI. Unsubscribing twice
// is a no-op; empty entries are pruned.
func (r *SubscriptionRegistry) Unsubscribe(sess *Session, uri string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(sess.ID(), uri)
}

// removeLocked updates both indices. Caller holds the mutex.
func (r *SubscriptionRegistry) removeLocked(sessionID, uri string) {
	if sessions, ok := r.byURI[uri]; ok {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(r.byURI, uri)
		}
	}
	if uris, ok := r.bySession[sessionID]; ok {
		delete(uris, uri)
		if len(uris) == 0 {
			delete(r.bySession, sessionID)
		}
	}
}

// PruneSession removes the session from every URI it subscribed to in one
// critical section.
func (r *SubscriptionRegistry) PruneSession(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	uris, ok := r.bySession[sess.ID()]
	if !ok {
		return
	}
	for uri := range uris {
		if sessions, ok := r.byURI[uri]; ok {
			delete(sessions, sess.ID())
			if len(sessions) == 0 {
				delete(r.byURI, uri)
			}
		}
	}
	delete(r.bySession, sess.ID())
}

// IsSubscribed reports whether the session is subscribed to the URI.
func (r *SubscriptionRegistry) IsSubscribed(sess *Session, uri string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	uris, ok := r.bySession[sess.ID()]
	if !ok {
		return false
	}
	_, subscribed := uris[uri]
	return subscribed
}

// SessionURIs returns the URIs the session is subscribed to.
func (r *SubscriptionRegistry) SessionURIs(sess *Session) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	uris := make([]string, 0, len(r.bySession[sess.ID()]))
	for uri := range r.bySession[sess.ID()] {
		uris = append(uris, uri)
	}
	return uris
}

// Len returns the total number of (session, URI) subscriptions.
func (r *SubscriptionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, uris := range r.bySession {
		count += len(uris)
	}
	return count
}

// NotifyUpdated broadcasts resources/updated to every subscriber of the URI.
// The subscriber set is snapshotted, the lock released, and delivery
// failures pruned afterwards.
func (r *SubscriptionRegistry) NotifyUpdated(uri string) {
	r.mu.Lock()
	subscribers := make([]*Session, 0, len(r.byURI[uri]))
	for _, sess := range r.byURI[uri] {
		subscribers = append(subscribers, sess)
	}
	r.mu.Unlock()

	var stale []*Session
	for _, sess := range subscribers {
		err := sess.SendNotification(protocol.MethodResourceUpdated, ResourceUpdatedNotification{URI: uri})
		if err != nil {
			stale = append(stale, sess)
		}
	}

	for _, sess := range stale {
		r.PruneSession(sess)
	}
}

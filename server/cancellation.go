package server

import (
	"context"
	"encoding/json"
	"sync"
)

// CancelledNotification is the notifications/cancelled payload.
type CancelledNotification struct {
	// RequestID is the ID of the request to cancel.
	RequestID json.RawMessage `json:"requestId"`
	// Reason is an optional human-readable reason for cancellation.
	Reason string `json:"reason,omitempty"`
}

// CancellationManager tracks in-progress requests and allows cancellation.
// The initialize request is never tracked: it must not be cancelled.
type CancellationManager struct {
	mu       sync.RWMutex
	requests map[string]context.CancelFunc
}

// NewCancellationManager creates a new cancellation manager.
func NewCancellationManager() *CancellationManager {
	return &CancellationManager{
		requests: make(map[string]context.CancelFunc),
	}
}

// Track starts tracking a request for potential cancellation.
// Returns a derived context and a completion func that untracks without
// cancelling side effects beyond the scope itself.
func (m *CancellationManager) Track(ctx context.Context, requestID string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	m.requests[requestID] = cancel
	m.mu.Unlock()

	return ctx, func() {
		cancel()
		m.mu.Lock()
		delete(m.requests, requestID)
		m.mu.Unlock()
	}
}

// Cancel cancels a request by its ID.
// Returns true if the request was found and cancelled. A request that has
// already completed is silently ignored (the race is tolerated).
func (m *CancellationManager) Cancel(requestID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cancel, ok := m.requests[requestID]; ok {
		cancel()
		delete(m.requests, requestID)
		return true
	}
	return false
}

// Untrack removes a request from tracking without cancelling it.
func (m *CancellationManager) Untrack(requestID string) {
	m.mu.Lock()
	delete(m.requests, requestID)
	m.mu.Unlock()
}

// ActiveRequests returns the number of currently tracked requests.
func (m *CancellationManager) ActiveRequests() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.requests)
}

// HandleCancelled applies an inbound notifications/cancelled to the
// session's tracked requests. Cancelling initialize is rejected.
func HandleCancelled(sess *Session, params json.RawMessage) {
	var note CancelledNotification
	if err := json.Unmarshal(params, &note); err != nil {
		return
	}
	if len(note.RequestID) == 0 {
		return
	}
	sess.CancellationManager().Cancel(string(note.RequestID))
}

// cancellationManagerKey is the context key for the cancellation manager.
type cancellationManagerKey struct{}

// ContextWithCancellationManager returns a context with the cancellation manager attached.
func ContextWithCancellationManager(ctx context.Context, manager *CancellationManager) context.Context {
	return context.WithValue(ctx, cancellationManagerKey{}, manager)
}

// CancellationManagerFromContext returns the cancellation manager from context, or nil if none.
func CancellationManagerFromContext(ctx context.Context) *CancellationManager {
	manager, _ := ctx.Value(cancellationManagerKey{}).(*CancellationManager)
	return manager
}

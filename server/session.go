package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dedalus-labs/openmcp-go/protocol"
)

// SessionState tracks the lifecycle of a session.
type SessionState int32

const (
	StateUninitialized SessionState = iota
	StateInitialized
	StateClosed
)

// Conn is the transport half of a session: it pushes frames to the peer.
// Implementations serialize writes; SendFrame accepts requests, responses,
// and notifications.
type Conn interface {
	SendNotification(method string, params any) error
	SendFrame(frame any) error
}

// ClientCapabilities describes what features the connected client supports.
type ClientCapabilities struct {
	Sampling    *struct{}               `json:"sampling,omitempty"`
	Elicitation *struct{}               `json:"elicitation,omitempty"`
	Roots       *RootsCapability        `json:"roots,omitempty"`
	Logging     *struct{}               `json:"logging,omitempty"`
	Experimental map[string]json.RawMessage `json:"experimental,omitempty"`
}

// RootsCapability describes the client's roots support.
type RootsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// PeerInfo identifies the remote implementation.
type PeerInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithRootsDebounce sets the quiet period applied to roots/list_changed
// notifications before the cache is refreshed.
func WithRootsDebounce(d time.Duration) SessionOption {
	return func(s *Session) {
		s.rootsDebounce = d
	}
}

// WithSamplingConfig overrides the sampling gate parameters.
func WithSamplingConfig(cfg SamplingConfig) SessionOption {
	return func(s *Session) {
		s.sampling = newSamplingGate(cfg)
	}
}

// WithElicitationTimeout overrides the elicitation request timeout.
func WithElicitationTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		s.elicitTimeout = d
	}
}

// Session represents one live bidirectional MCP association over a transport.
// It owns the outbound request-ID space, the pending-response table, the
// per-session logging threshold, and the roots cache.
type Session struct {
	id    string
	conn  Conn
	state atomic.Int32

	mu              sync.RWMutex
	clientInfo      PeerInfo
	clientCaps      ClientCapabilities
	protocolVersion string
	logLevel        LogLevel

	requestID atomic.Int64
	pendingMu sync.Mutex
	pending   map[string]chan *protocol.Response

	cancellation *CancellationManager

	roots         *rootsState
	rootsDebounce time.Duration

	sampling      *samplingGate
	elicitTimeout time.Duration
}

// NewSession creates a session bound to a transport connection.
func NewSession(id string, conn Conn, opts ...SessionOption) *Session {
	s := &Session{
		id:            id,
		conn:          conn,
		logLevel:      LogLevelInfo,
		pending:       make(map[string]chan *protocol.Response),
		cancellation:  NewCancellationManager(),
		rootsDebounce: DefaultRootsDebounce,
		elicitTimeout: DefaultElicitationTimeout,
	}
	s.roots = newRootsState(s)

	for _, opt := range opts {
		opt(s)
	}
	if s.sampling == nil {
		s.sampling = newSamplingGate(DefaultSamplingConfig())
	}
	return s
}

// ID returns the session ID.
func (s *Session) ID() string {
	return s.id
}

// State returns the session lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// MarkInitialized transitions the session into the initialized state.
// Returns false if the session is closed or already initialized.
func (s *Session) MarkInitialized() bool {
	return s.state.CompareAndSwap(int32(StateUninitialized), int32(StateInitialized))
}

// Close transitions the session to closed and fails every pending outbound
// request. A closed session never receives further notifications.
func (s *Session) Close() {
	if s.state.Swap(int32(StateClosed)) == int32(StateClosed) {
		return
	}
	s.roots.stop()
	s.pendingMu.Lock()
	for key, ch := range s.pending {
		close(ch)
		delete(s.pending, key)
	}
	s.pendingMu.Unlock()
}

// Closed reports whether the session has been closed.
func (s *Session) Closed() bool {
	return s.State() == StateClosed
}

// SetHandshake records the peer identity and negotiated protocol version.
func (s *Session) SetHandshake(info PeerInfo, caps ClientCapabilities, version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientInfo = info
	s.clientCaps = caps
	s.protocolVersion = version
}

// ClientInfo returns the peer's identifying information.
func (s *Session) ClientInfo() PeerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientInfo
}

// ClientCapabilities returns the peer's advertised capabilities.
func (s *Session) ClientCapabilities() ClientCapabilities {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientCaps
}

// ProtocolVersion returns the negotiated protocol version.
func (s *Session) ProtocolVersion() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.protocolVersion
}

// SupportsSampling reports whether the client advertised sampling.
func (s *Session) SupportsSampling() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientCaps.Sampling != nil
}

// SupportsElicitation reports whether the client advertised elicitation.
func (s *Session) SupportsElicitation() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientCaps.Elicitation != nil
}

// SupportsRoots reports whether the client advertised roots.
func (s *Session) SupportsRoots() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientCaps.Roots != nil
}

// CancellationManager returns the session's cancellation manager.
func (s *Session) CancellationManager() *CancellationManager {
	return s.cancellation
}

// SendNotification sends a notification to the peer. Closed sessions drop
// silently with an error so broadcasters can prune.
func (s *Session) SendNotification(method string, params any) error {
	if s.Closed() {
		return fmt.Errorf("session %s closed", s.id)
	}
	return s.conn.SendNotification(method, params)
}

// Request issues an outbound request to the peer and waits for the matching
// response. Response correlation is by exact request-ID equality.
func (s *Session) Request(ctx context.Context, method string, params any) (*protocol.Response, error) {
	if s.Closed() {
		return nil, fmt.Errorf("session %s closed", s.id)
	}

	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		raw = data
	}

	id := s.requestID.Add(1)
	idRaw, err := json.Marshal(id)
	if err != nil {
		return nil, fmt.Errorf("marshal request ID: %w", err)
	}
	key := string(idRaw)

	ch := make(chan *protocol.Response, 1)
	s.pendingMu.Lock()
	s.pending[key] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, key)
		s.pendingMu.Unlock()
	}()

	req := &protocol.Request{
		JSONRPC: protocol.JSONRPCVersion,
		ID:      idRaw,
		Method:  method,
		Params:  raw,
	}
	if err := s.conn.SendFrame(req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("session %s closed", s.id)
		}
		return resp, nil
	}
}

// HandleResponse routes a response from the peer to the pending request
// with the same ID. Unmatched responses are dropped (cancellation race).
func (s *Session) HandleResponse(resp *protocol.Response) {
	key := string(resp.ID)
	s.pendingMu.Lock()
	ch, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
	}
	s.pendingMu.Unlock()
	if ok {
		ch <- resp
	}
}

// PendingRequests returns the number of in-flight outbound requests.
func (s *Session) PendingRequests() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}

// SetLogLevel records the minimum severity this session wants to receive.
func (s *Session) SetLogLevel(level LogLevel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logLevel = level
}

// LogLevel returns the session's minimum log level.
func (s *Session) LogLevel() LogLevel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logLevel
}

// LogAllows reports whether a record at the given level passes the session
// threshold.
func (s *Session) LogAllows(level LogLevel) bool {
	return ShouldLog(level, s.LogLevel())
}

// SendLoggingMessage pushes a notifications/message record to the peer.
func (s *Session) SendLoggingMessage(level LogLevel, logger string, data any) error {
	return s.SendNotification(protocol.MethodLoggingMessage, LoggingMessage{
		Level:  level,
		Logger: logger,
		Data:   data,
	})
}

// Cancel sends a cancellation notification for an outbound request.
func (s *Session) Cancel(requestID json.RawMessage, reason string) error {
	return s.SendNotification(protocol.MethodCancelled, CancelledNotification{
		RequestID: requestID,
		Reason:    reason,
	})
}

// SessionRegistry tracks live sessions by ID.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionRegistry creates an empty session registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*Session)}
}

// Add registers a session.
func (r *SessionRegistry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID()] = s
}

// Get returns the session with the given ID.
func (r *SessionRegistry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove drops the session with the given ID.
func (r *SessionRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Snapshot returns the live sessions at this instant.
func (r *SessionRegistry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		result = append(result, s)
	}
	return result
}

// Len returns the number of live sessions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// sessionKey is the context key for the session.
type sessionKey struct{}

// ContextWithSession returns a context with the session attached.
func ContextWithSession(ctx context.Context, session *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, session)
}

// SessionFromContext returns the session from context, or nil if none.
func SessionFromContext(ctx context.Context) *Session {
	session, _ := ctx.Value(sessionKey{}).(*Session)
	return session
}

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dedalus-labs/openmcp-go/protocol"
)

// Streamable HTTP header names.
const (
	SessionIDHeader       = "Mcp-Session-Id"
	ProtocolVersionHeader = "MCP-Protocol-Version"
)

// DefaultEndpointPath is the conventional MCP endpoint.
const DefaultEndpointPath = "/mcp"

// defaultStreamBuffer bounds the per-session SSE queue. A session that
// cannot keep up is declared stale and pruned.
const defaultStreamBuffer = 64

// Streamable implements the Streamable HTTP transport: POST delivers client
// frames, an optional GET opens a long-lived SSE stream for
// server-initiated traffic, DELETE terminates the session.
type Streamable struct {
	addr         string
	endpointPath string
	stateless    bool
	streamBuffer int

	readTimeout  time.Duration
	writeTimeout time.Duration

	guard *HostGuard
	authz *Authorization
	cors  *CORSConfig

	shutdown *ShutdownManager

	mu         sync.RWMutex
	listenAddr string
	server     *http.Server
	peers      map[string]*streamPeer
}

// StreamableOption configures the transport.
type StreamableOption func(*Streamable)

// WithEndpointPath overrides the endpoint path (default /mcp).
func WithEndpointPath(path string) StreamableOption {
	return func(s *Streamable) {
		s.endpointPath = path
	}
}

// WithStateless makes every POST a complete session: no session table, no
// session header, no GET stream.
func WithStateless() StreamableOption {
	return func(s *Streamable) {
		s.stateless = true
	}
}

// WithHostGuard replaces the default loopback-only DNS-rebinding guard.
func WithHostGuard(guard *HostGuard) StreamableOption {
	return func(s *Streamable) {
		s.guard = guard
	}
}

// WithoutHostGuard disables DNS-rebinding protection. Only safe behind a
// trusted reverse proxy.
func WithoutHostGuard() StreamableOption {
	return func(s *Streamable) {
		s.guard = &HostGuard{disabled: true}
	}
}

// WithAuthorization enables bearer-token enforcement and protected-resource
// metadata.
func WithAuthorization(authz *Authorization) StreamableOption {
	return func(s *Streamable) {
		s.authz = authz
	}
}

// WithCORS enables CORS handling with the given configuration. Browser
// clients also need their origin admitted by the host guard.
func WithCORS(config CORSConfig) StreamableOption {
	return func(s *Streamable) {
		s.cors = &config
	}
}

// WithStreamBuffer sets the per-session SSE queue depth.
func WithStreamBuffer(n int) StreamableOption {
	return func(s *Streamable) {
		if n > 0 {
			s.streamBuffer = n
		}
	}
}

// WithStreamableReadTimeout sets the HTTP read timeout.
func WithStreamableReadTimeout(d time.Duration) StreamableOption {
	return func(s *Streamable) {
		s.readTimeout = d
	}
}

// WithStreamableWriteTimeout sets the HTTP write timeout. It must exceed the
// expected lifetime of SSE streams; zero disables it.
func WithStreamableWriteTimeout(d time.Duration) StreamableOption {
	return func(s *Streamable) {
		s.writeTimeout = d
	}
}

// NewStreamable creates a streamable HTTP transport listening on addr.
func NewStreamable(addr string, opts ...StreamableOption) *Streamable {
	s := &Streamable{
		addr:         addr,
		endpointPath: DefaultEndpointPath,
		streamBuffer: defaultStreamBuffer,
		readTimeout:  30 * time.Second,
		guard:        NewHostGuard(nil, nil),
		shutdown:     NewShutdownManager(DefaultShutdownConfig()),
		peers:        make(map[string]*streamPeer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Addr returns the configured address.
func (s *Streamable) Addr() string {
	return s.addr
}

// ListenAddr returns the actual address the server is listening on.
func (s *Streamable) ListenAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listenAddr
}

// Serve starts the HTTP server and blocks until ctx is cancelled.
func (s *Streamable) Serve(ctx context.Context, handler Handler) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.mu.Lock()
	s.listenAddr = listener.Addr().String()
	s.server = &http.Server{
		Handler:      s.httpHandler(handler),
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
	}
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		_ = s.shutdown.Shutdown(context.Background())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.closeAllPeers(handler)
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handler exposes the transport as an http.Handler for embedding into an
// existing mux.
func (s *Streamable) Handler(handler Handler) http.Handler {
	return s.httpHandler(handler)
}

func (s *Streamable) httpHandler(handler Handler) http.Handler {
	mux := http.NewServeMux()

	endpoint := http.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			s.handlePost(w, r, handler)
		case http.MethodGet:
			s.handleGet(w, r)
		case http.MethodDelete:
			s.handleDelete(w, r, handler)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	if s.authz != nil {
		endpoint = s.authz.Wrap(endpoint)
		mux.HandleFunc(s.authz.metadataPath(), s.authz.ServeMetadata)
	}
	mux.Handle(s.endpointPath, endpoint)

	var root http.Handler = mux
	if s.cors != nil {
		root = CORSHandler(*s.cors, root)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.guard.Check(r) {
			http.Error(w, "forbidden host or origin", http.StatusForbidden)
			return
		}
		root.ServeHTTP(w, r)
	})
}

// handlePost processes one client frame.
func (s *Streamable) handlePost(w http.ResponseWriter, r *http.Request, handler Handler) {
	if !s.shutdown.TrackRequest() {
		http.Error(w, "server draining", http.StatusServiceUnavailable)
		return
	}
	defer s.shutdown.CompleteRequest()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	frame, kind, perr := protocol.DecodeFrame(body)
	if perr != nil {
		var id json.RawMessage
		if frame != nil {
			id = frame.ID
		}
		writeJSON(w, http.StatusOK, protocol.NewErrorResponse(id, perr))
		return
	}

	peer, errStatus, errMsg := s.resolvePeer(r, frame, kind)
	if peer == nil {
		http.Error(w, errMsg, errStatus)
		return
	}

	ctx := ContextWithPeer(r.Context(), peer)
	ctx = protocol.ContextWithRequestMeta(ctx, headerMeta(r))

	if !s.stateless {
		w.Header().Set(SessionIDHeader, peer.SessionID())
	}
	if v := r.Header.Get(ProtocolVersionHeader); v != "" {
		w.Header().Set(ProtocolVersionHeader, v)
	}

	switch kind {
	case protocol.FrameResponse:
		handler.HandleResponse(ctx, frame.Response())
		w.WriteHeader(http.StatusAccepted)
	case protocol.FrameNotification:
		_, _ = handler.HandleRequest(ctx, frame.Request())
		w.WriteHeader(http.StatusAccepted)
	case protocol.FrameRequest:
		req := frame.Request()
		resp, err := handler.HandleRequest(ctx, req)
		if err != nil {
			var mcpErr *protocol.Error
			if errors.As(err, &mcpErr) {
				resp = protocol.NewErrorResponse(req.ID, mcpErr)
			} else {
				resp = protocol.NewErrorResponse(req.ID, protocol.NewInternalError(err.Error()))
			}
		}
		if s.stateless {
			defer func() {
				handler.HandleClose(peer.SessionID())
				s.removePeer(peer.SessionID())
			}()
		}
		if resp == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// resolvePeer binds the request to a session peer, creating one for
// initialize (or any stateless POST).
func (s *Streamable) resolvePeer(r *http.Request, frame *protocol.Frame, kind protocol.FrameKind) (*streamPeer, int, string) {
	if s.stateless {
		return s.newPeer(uuid.NewString(), true), 0, ""
	}

	sessionID := r.Header.Get(SessionIDHeader)
	isInitialize := kind == protocol.FrameRequest && frame.Method == protocol.MethodInitialize

	if isInitialize {
		if sessionID != "" {
			if peer, ok := s.getPeer(sessionID); ok {
				return peer, 0, ""
			}
		}
		return s.newPeer(uuid.NewString(), false), 0, ""
	}

	if sessionID == "" {
		return nil, http.StatusBadRequest, "missing " + SessionIDHeader + " header"
	}
	peer, ok := s.getPeer(sessionID)
	if !ok {
		return nil, http.StatusNotFound, "unknown session"
	}
	return peer, 0, ""
}

// handleGet opens the session's SSE stream for server-initiated traffic.
func (s *Streamable) handleGet(w http.ResponseWriter, r *http.Request) {
	if s.stateless {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sessionID := r.Header.Get(SessionIDHeader)
	if sessionID == "" {
		http.Error(w, "missing "+SessionIDHeader+" header", http.StatusBadRequest)
		return
	}
	peer, ok := s.getPeer(sessionID)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(SessionIDHeader, sessionID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-peer.stream:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

// handleDelete terminates the session.
func (s *Streamable) handleDelete(w http.ResponseWriter, r *http.Request, handler Handler) {
	if s.stateless {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sessionID := r.Header.Get(SessionIDHeader)
	if sessionID == "" {
		http.Error(w, "missing "+SessionIDHeader+" header", http.StatusBadRequest)
		return
	}
	if _, ok := s.getPeer(sessionID); !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	handler.HandleClose(sessionID)
	s.removePeer(sessionID)
	w.WriteHeader(http.StatusNoContent)
}

// newPeer creates and registers a session peer. Stateless peers are not
// entered into the table.
func (s *Streamable) newPeer(id string, ephemeral bool) *streamPeer {
	peer := &streamPeer{
		id:        id,
		ephemeral: ephemeral,
		stream:    make(chan []byte, s.streamBuffer),
	}
	if !ephemeral {
		s.mu.Lock()
		s.peers[id] = peer
		s.mu.Unlock()
	}
	return peer
}

func (s *Streamable) getPeer(id string) (*streamPeer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	peer, ok := s.peers[id]
	return peer, ok
}

func (s *Streamable) removePeer(id string) {
	s.mu.Lock()
	peer, ok := s.peers[id]
	delete(s.peers, id)
	s.mu.Unlock()
	if ok {
		peer.closeStream()
	}
}

func (s *Streamable) closeAllPeers(handler Handler) {
	s.mu.Lock()
	peers := make([]*streamPeer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.peers = make(map[string]*streamPeer)
	s.mu.Unlock()
	for _, p := range peers {
		handler.HandleClose(p.id)
		p.closeStream()
	}
}

// streamPeer is the per-session write half: server-initiated frames are
// queued onto the bounded SSE stream.
type streamPeer struct {
	id        string
	ephemeral bool

	mu     sync.Mutex
	closed bool
	stream chan []byte
}

// SessionID returns the session ID.
func (p *streamPeer) SessionID() string {
	return p.id
}

// Ephemeral reports whether the peer belongs to a stateless round.
func (p *streamPeer) Ephemeral() bool {
	return p.ephemeral
}

// SendNotification queues a notification frame onto the SSE stream.
func (p *streamPeer) SendNotification(method string, params any) error {
	notif, err := buildNotification(method, params)
	if err != nil {
		return err
	}
	return p.SendFrame(notif)
}

// SendFrame queues a frame onto the SSE stream. A full buffer means the
// session cannot keep up: the send fails so the caller can prune.
func (p *streamPeer) SendFrame(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("session %s stream closed", p.id)
	}
	select {
	case p.stream <- data:
		return nil
	default:
		return fmt.Errorf("session %s stream backlogged", p.id)
	}
}

func (p *streamPeer) closeStream() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.stream)
	}
}

// writeJSON writes a JSON body with status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// headerMeta projects request headers into request metadata.
func headerMeta(r *http.Request) protocol.RequestMeta {
	meta := make(protocol.RequestMeta, len(r.Header))
	for k := range r.Header {
		meta[k] = r.Header.Get(k)
	}
	return meta
}

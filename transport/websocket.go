package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dedalus-labs/openmcp-go/protocol"
)

// WebSocket implements MCP transport over WebSocket connections. Each
// connection is one session.
type WebSocket struct {
	addr     string
	upgrader websocket.Upgrader
	server   *http.Server

	readTimeout  time.Duration
	writeTimeout time.Duration

	mu      sync.RWMutex
	clients map[*wsPeer]struct{}
}

// WebSocketOption configures a WebSocket transport.
type WebSocketOption func(*WebSocket)

// WithWebSocketReadTimeout sets the read timeout for WebSocket messages.
func WithWebSocketReadTimeout(d time.Duration) WebSocketOption {
	return func(ws *WebSocket) {
		ws.readTimeout = d
	}
}

// WithWebSocketWriteTimeout sets the write timeout for WebSocket messages.
func WithWebSocketWriteTimeout(d time.Duration) WebSocketOption {
	return func(ws *WebSocket) {
		ws.writeTimeout = d
	}
}

// WithWebSocketCheckOrigin sets the origin check function for upgrades.
func WithWebSocketCheckOrigin(fn func(r *http.Request) bool) WebSocketOption {
	return func(ws *WebSocket) {
		ws.upgrader.CheckOrigin = fn
	}
}

// NewWebSocket creates a new WebSocket transport.
func NewWebSocket(addr string, opts ...WebSocketOption) *WebSocket {
	ws := &WebSocket{
		addr: addr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return NewHostGuard(nil, nil).Check(r)
			},
		},
		readTimeout:  60 * time.Second,
		writeTimeout: 10 * time.Second,
		clients:      make(map[*wsPeer]struct{}),
	}

	for _, opt := range opts {
		opt(ws)
	}

	return ws
}

// Addr returns the transport address.
func (ws *WebSocket) Addr() string {
	return ws.addr
}

// Serve starts the WebSocket server.
func (ws *WebSocket) Serve(ctx context.Context, handler Handler) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		ws.handleConnection(ctx, w, r, handler)
	})

	ws.server = &http.Server{
		Addr:        ws.addr,
		Handler:     mux,
		ReadTimeout: ws.readTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := ws.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ws.closeAllClients()
		return ws.server.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}

func (ws *WebSocket) handleConnection(ctx context.Context, w http.ResponseWriter, r *http.Request, handler Handler) {
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	peer := &wsPeer{
		id:           uuid.NewString(),
		conn:         conn,
		writeTimeout: ws.writeTimeout,
	}

	ws.mu.Lock()
	ws.clients[peer] = struct{}{}
	ws.mu.Unlock()

	defer func() {
		ws.mu.Lock()
		delete(ws.clients, peer)
		ws.mu.Unlock()
		handler.HandleClose(peer.id)
		_ = conn.Close()
	}()

	reqCtx := ContextWithPeer(ctx, peer)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if ws.readTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(ws.readTimeout))
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			// Close errors are normal: the client disconnected.
			return
		}

		frame, kind, perr := protocol.DecodeFrame(message)
		if perr != nil {
			var id json.RawMessage
			if frame != nil {
				id = frame.ID
			}
			_ = peer.SendFrame(protocol.NewErrorResponse(id, perr))
			continue
		}

		switch kind {
		case protocol.FrameResponse:
			handler.HandleResponse(reqCtx, frame.Response())
		case protocol.FrameRequest, protocol.FrameNotification:
			req := frame.Request()
			resp, err := handler.HandleRequest(reqCtx, req)

			if req.IsNotification() {
				continue
			}
			if err != nil {
				var mcpErr *protocol.Error
				if errors.As(err, &mcpErr) {
					resp = protocol.NewErrorResponse(req.ID, mcpErr)
				} else {
					resp = protocol.NewErrorResponse(req.ID, protocol.NewInternalError(err.Error()))
				}
			}
			if resp != nil {
				_ = peer.SendFrame(resp)
			}
		}
	}
}

func (ws *WebSocket) closeAllClients() {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	for peer := range ws.clients {
		peer.close()
	}
}

// wsPeer is the per-connection session peer.
type wsPeer struct {
	id           string
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

// SessionID returns the connection's session ID.
func (p *wsPeer) SessionID() string {
	return p.id
}

// SendNotification sends a notification frame to the client.
func (p *wsPeer) SendNotification(method string, params any) error {
	notif, err := buildNotification(method, params)
	if err != nil {
		return err
	}
	return p.SendFrame(notif)
}

// SendFrame writes one frame to the connection. Writes are serialized.
func (p *wsPeer) SendFrame(frame any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeTimeout > 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	}
	return p.conn.WriteJSON(frame)
}

func (p *wsPeer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = p.conn.Close()
}

package transport

import (
	"context"
	"encoding/json"

	"github.com/dedalus-labs/openmcp-go/protocol"
)

// Handler processes frames delivered by a transport. Requests and
// notifications flow through HandleRequest; responses to server-initiated
// requests flow through HandleResponse; HandleClose fires when a session's
// transport goes away.
type Handler interface {
	HandleRequest(ctx context.Context, req *protocol.Request) (*protocol.Response, error)
	HandleResponse(ctx context.Context, resp *protocol.Response)
	HandleClose(sessionID string)
}

// Transport defines the communication layer interface.
type Transport interface {
	// Serve starts the transport, blocking until ctx is canceled or an error occurs.
	Serve(ctx context.Context, handler Handler) error

	// Addr returns the transport's address description.
	Addr() string
}

// Peer is the session-scoped write half a transport exposes to the
// dispatcher: it identifies the session and pushes frames to the remote
// side. Implementations serialize writes.
type Peer interface {
	SessionID() string
	SendNotification(method string, params any) error
	SendFrame(frame any) error
}

// EphemeralPeer marks peers whose session lives for a single request round
// (stateless streamable HTTP). The dispatcher skips initialization gating
// for them.
type EphemeralPeer interface {
	Ephemeral() bool
}

// peerKey is the context key for the peer.
type peerKey struct{}

// ContextWithPeer returns a context with the peer attached.
func ContextWithPeer(ctx context.Context, peer Peer) context.Context {
	return context.WithValue(ctx, peerKey{}, peer)
}

// PeerFromContext returns the peer from context, or nil if none.
func PeerFromContext(ctx context.Context) Peer {
	peer, _ := ctx.Value(peerKey{}).(Peer)
	return peer
}

// Notification represents a JSON-RPC notification frame on the wire.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// buildNotification marshals params into a wire notification.
func buildNotification(method string, params any) (*Notification, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Notification{
		JSONRPC: protocol.JSONRPCVersion,
		Method:  method,
		Params:  raw,
	}, nil
}

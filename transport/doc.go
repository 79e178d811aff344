// Package transport provides MCP transport implementations.
//
// This package implements the communication layer for MCP servers,
// supporting stdio, streamable HTTP, and WebSocket transports.
//
// # Stdio Transport
//
// The stdio transport communicates via newline-delimited JSON on
// stdin/stdout, suitable for local tools and CLI integrations. Diagnostics
// go to stderr only:
//
//	t := transport.NewStdio()
//	err := t.Serve(ctx, handler)
//
// # Streamable HTTP Transport
//
// The streamable HTTP transport serves one endpoint (default /mcp): POST
// delivers client frames, GET opens a per-session SSE stream for
// server-initiated traffic, DELETE terminates the session. Sessions are
// bound with the Mcp-Session-Id header:
//
//	t := transport.NewStreamable(":8080",
//	    transport.WithStreamableReadTimeout(30*time.Second),
//	)
//	err := t.Serve(ctx, handler)
//
// DNS-rebinding protection is on by default and admits loopback hosts only;
// configure it with WithHostGuard or disable it behind a trusted proxy with
// WithoutHostGuard. WithAuthorization adds RFC 9728 protected-resource
// metadata and bearer-token enforcement. WithStateless turns every POST
// into a complete session with no session table.
//
// # Handler Interface
//
// All transports deliver frames to a Handler:
//
//	type Handler interface {
//	    HandleRequest(ctx context.Context, req *protocol.Request) (*protocol.Response, error)
//	    HandleResponse(ctx context.Context, resp *protocol.Response)
//	    HandleClose(sessionID string)
//	}
//
// The context carries a Peer, the session-scoped write half used for
// notifications and server-initiated requests.
//
// # Usage with the openmcp Package
//
// Most users should use the openmcp package's convenience functions:
//
//	openmcp.ServeStdio(ctx, srv)
//	openmcp.ServeStreamableHTTP(ctx, srv, ":8080", nil)
package transport

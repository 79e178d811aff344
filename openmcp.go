// Package openmcp provides a framework for building MCP (Model Context
// Protocol) servers and clients targeting protocol revision 2025-06-18.
//
// Servers register tools, resources, prompts, and completion providers with
// builder-style registration, then serve over stdio, streamable HTTP, or
// WebSocket transports. Each transport connection is one Session; the
// dispatcher enforces the initialize handshake, routes capability methods,
// and carries cross-cutting subsystems: pagination, progress coalescing,
// subscriptions, list-changed fan-out, heartbeat failure detection, and
// cancellation.
//
// # Handler Signatures
//
// Tool handlers: func(input T) (R, error) or func(ctx, input T) (R, error).
// Resource handlers receive the URI and template params:
//
//	func(ctx context.Context, uri string, params map[string]string) (any, error)
//
// Prompt handlers: func(ctx, args map[string]string) (any, error) returning
// a *PromptResult or []PromptMessage.
//
// # Progress Reporting
//
// Use ProgressFromContext (or Report) in long-running handlers. Updates are
// coalesced and monotonic; the final value is flushed when the request ends.
//
// # Error Handling
//
// Return errors from handlers. Use protocol.NewInvalidParams,
// protocol.NewResourceNotFound, etc. for specific codes. Tool handler
// failures that are not protocol errors are rendered as isError results.
package openmcp

import (
	"context"
	"time"

	"github.com/dedalus-labs/openmcp-go/middleware"
	"github.com/dedalus-labs/openmcp-go/server"
	"github.com/dedalus-labs/openmcp-go/transport"
)

// Core server types.
type ServerInfo = server.Info
type Capabilities = server.Capabilities
type Server = server.Server
type Option = server.Option

// Session types for bidirectional communication.
type Session = server.Session
type SessionOption = server.SessionOption
type ClientCapabilities = server.ClientCapabilities
type RootsCapability = server.RootsCapability
type PeerInfo = server.PeerInfo

// Content and result types.
type ContentBlock = server.ContentBlock
type ToolResult = server.ToolResult
type StructuredPair = server.StructuredPair
type ResourceContents = server.ResourceContents
type ReadResult = server.ReadResult
type PromptResult = server.PromptResult
type PromptMessage = server.PromptMessage
type PromptArgument = server.PromptArgument

// Content constructors.
var (
	TextBlock         = server.TextBlock
	ImageBlock        = server.ImageBlock
	AudioBlock        = server.AudioBlock
	ResourceBlock     = server.ResourceBlock
	ResourceLinkBlock = server.ResourceLinkBlock
	UserText          = server.UserText
	AssistantText     = server.AssistantText
)

// Annotation types.
type ToolAnnotations = server.ToolAnnotations
type ResourceAnnotations = server.ResourceAnnotations
type PromptAnnotations = server.PromptAnnotations

var (
	Bool  = server.Bool
	Float = server.Float
)

// Sampling types for server-initiated LLM completions.
type SamplingMessage = server.SamplingMessage
type Role = server.Role
type CreateMessageRequest = server.CreateMessageRequest
type CreateMessageResult = server.CreateMessageResult
type ModelPreferences = server.ModelPreferences
type ModelHint = server.ModelHint
type SamplingConfig = server.SamplingConfig

const (
	RoleUser      = server.RoleUser
	RoleAssistant = server.RoleAssistant
)

// Elicitation types for server-initiated user input.
type ElicitRequest = server.ElicitRequest
type ElicitResult = server.ElicitResult
type ElicitAction = server.ElicitAction

const (
	ElicitAccept  = server.ElicitAccept
	ElicitDecline = server.ElicitDecline
	ElicitCancel  = server.ElicitCancel
)

// Roots types for client-advertised filesystem boundaries.
type Root = server.Root
type RootGuard = server.RootGuard

var NewRootGuard = server.NewRootGuard

// Logging types.
type LogLevel = server.LogLevel
type LoggingMessage = server.LoggingMessage
type SetLevelRequest = server.SetLevelRequest

const (
	LogLevelDebug     = server.LogLevelDebug
	LogLevelInfo      = server.LogLevelInfo
	LogLevelNotice    = server.LogLevelNotice
	LogLevelWarning   = server.LogLevelWarning
	LogLevelError     = server.LogLevelError
	LogLevelCritical  = server.LogLevelCritical
	LogLevelAlert     = server.LogLevelAlert
	LogLevelEmergency = server.LogLevelEmergency
)

var ShouldLog = server.ShouldLog

// Cancellation types.
type CancelledNotification = server.CancelledNotification
type CancellationManager = server.CancellationManager

var NewCancellationManager = server.NewCancellationManager

// Subscription types.
type SubscribeRequest = server.SubscribeRequest
type UnsubscribeRequest = server.UnsubscribeRequest
type ResourceUpdatedNotification = server.ResourceUpdatedNotification
type SubscriptionRegistry = server.SubscriptionRegistry
type ObserverRegistry = server.ObserverRegistry

// Completion types.
type CompletionRef = server.CompletionRef
type CompletionArgument = server.CompletionArgument
type CompletionResult = server.CompletionResult
type CompletionHandler = server.CompletionHandler

// Progress types.
type ProgressToken = server.ProgressToken
type Tracker = server.Tracker
type ProgressTelemetry = server.ProgressTelemetry

var (
	ProgressFromContext = server.ProgressFromContext
	Report              = server.Report
	NewTracker          = server.NewTracker
)

// Heartbeat types.
type Heartbeat = server.Heartbeat
type HeartbeatOption = server.HeartbeatOption

// Session context helpers.
var (
	ContextWithSession = server.ContextWithSession
	SessionFromContext = server.SessionFromContext
)

// Server constructors and options.
var (
	NewServer               = server.New
	WithInstructions        = server.WithInstructions
	WithDynamicCapabilities = server.WithDynamicCapabilities
	WithPageSize            = server.WithPageSize
)

// ExtractParams extracts URI template parameters into a typed struct.
func ExtractParams[T any](params map[string]string) (T, error) {
	return server.ExtractParams[T](params)
}

// Middleware re-exports.
type Middleware = middleware.Middleware
type Logger = middleware.Logger
type LogField = middleware.Field

var (
	Chain              = middleware.Chain
	Recover            = middleware.Recover
	RequestID          = middleware.RequestID
	Logging            = middleware.Logging
	Timeout            = middleware.Timeout
	RateLimit          = middleware.RateLimit
	SizeLimit          = middleware.SizeLimit
	OTel               = middleware.OTel
	DefaultMiddleware  = middleware.DefaultStack
	EnvLogger          = middleware.EnvLogger
	LogF               = middleware.F
)

// Transport re-exports.
type StreamableOption = transport.StreamableOption
type WebSocketOption = transport.WebSocketOption
type StdioOption = transport.StdioOption
type HostGuard = transport.HostGuard
type Authorization = transport.Authorization
type TokenProvider = transport.TokenProvider
type TokenInfo = transport.TokenInfo
type CORSConfig = transport.CORSConfig

var (
	NewHostGuard      = transport.NewHostGuard
	WithStateless     = transport.WithStateless
	WithHostGuard     = transport.WithHostGuard
	WithAuthorization = transport.WithAuthorization
	WithEndpointPath  = transport.WithEndpointPath
	WithCORS          = transport.WithCORS
	DefaultCORSConfig = transport.DefaultCORSConfig
)

// ServeOption configures how the server is run.
type ServeOption func(*serveOptions)

type serveOptions struct {
	middleware []Middleware
	logger     Logger
}

// WithMiddleware adds middleware to the request handling chain.
func WithMiddleware(m ...Middleware) ServeOption {
	return func(o *serveOptions) {
		o.middleware = append(o.middleware, m...)
	}
}

// WithLogger records a logger in the serve options. NewDispatcher does not
// read it and installs no default middleware stack; only middleware added
// with WithMiddleware wraps the handler.
func WithLogger(l Logger) ServeOption {
	return func(o *serveOptions) {
		o.logger = l
	}
}

// ServeStdio runs the server over stdio.
// This blocks until the context is canceled or stdin reaches EOF.
func ServeStdio(ctx context.Context, srv *Server, opts ...ServeOption) error {
	return serveWith(ctx, srv, transport.NewStdio(), opts...)
}

// ServeStreamableHTTP runs the server over the Streamable HTTP transport.
// This blocks until the context is canceled or an error occurs.
func ServeStreamableHTTP(ctx context.Context, srv *Server, addr string, httpOpts []StreamableOption, opts ...ServeOption) error {
	return serveWith(ctx, srv, transport.NewStreamable(addr, httpOpts...), opts...)
}

// ServeWebSocket runs the server over WebSocket.
// This blocks until the context is canceled or an error occurs.
func ServeWebSocket(ctx context.Context, srv *Server, addr string, wsOpts []WebSocketOption, opts ...ServeOption) error {
	return serveWith(ctx, srv, transport.NewWebSocket(addr, wsOpts...), opts...)
}

// serveWith wires the dispatcher and heartbeat to a transport.
func serveWith(ctx context.Context, srv *Server, t transport.Transport, opts ...ServeOption) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dispatcher := NewDispatcher(srv, opts...)
	go srv.Heartbeat().Run(ctx)
	return t.Serve(ctx, dispatcher)
}

// WithReadTimeout sets the read timeout for streamable HTTP requests.
func WithReadTimeout(d time.Duration) StreamableOption {
	return transport.WithStreamableReadTimeout(d)
}

// WithWriteTimeout sets the write timeout for streamable HTTP responses.
func WithWriteTimeout(d time.Duration) StreamableOption {
	return transport.WithStreamableWriteTimeout(d)
}

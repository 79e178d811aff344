// Package client provides an MCP client for connecting to MCP servers.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dedalus-labs/openmcp-go/protocol"
)

// Transport is the client-side transport contract. Send correlates one
// request with its response; SendFrame pushes responses and notifications;
// inbound server-initiated frames arrive through the receiver installed
// with SetReceiver.
type Transport interface {
	Send(ctx context.Context, req *protocol.Request) (*protocol.Response, error)
	SendFrame(frame any) error
	SetReceiver(fn func(frame *protocol.Frame, kind protocol.FrameKind))
	Close() error
}

// ServerInfo contains information about the connected server.
type ServerInfo struct {
	Name            string
	Version         string
	ProtocolVersion string
	Instructions    string
	Capabilities    Capabilities
}

// Capabilities describes what features the server supports.
type Capabilities struct {
	Tools       bool
	Resources   bool
	Subscribe   bool
	Prompts     bool
	Completions bool
	Logging     bool
}

// Tool represents a tool exposed by the server.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema any    `json:"inputSchema"`
}

// ContentItem represents a content block in a result.
type ContentItem struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// ToolResult is the result of calling a tool.
type ToolResult struct {
	Content           []ContentItem   `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
}

// Resource represents a resource exposed by the server.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourceContent is one entry of a read resource.
type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// Prompt represents a prompt exposed by the server.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument describes an argument for a prompt.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
}

// PromptMessage is a message in a prompt result.
type PromptMessage struct {
	Role    string      `json:"role"`
	Content ContentItem `json:"content"`
}

// PromptResult is the result of getting a prompt.
type PromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// Root is a filesystem boundary advertised to the server.
type Root struct {
	URI  string `json:"uri"`
	Name string `json:"name,omitempty"`
}

// SamplingHandler answers sampling/createMessage requests from the server.
// The params and result are the raw JSON payloads so hosts can bridge to
// any LLM SDK.
type SamplingHandler func(ctx context.Context, params json.RawMessage) (any, error)

// ElicitationHandler answers elicitation/create requests from the server.
type ElicitationHandler func(ctx context.Context, params json.RawMessage) (any, error)

// NotificationHandler observes a server notification.
type NotificationHandler func(params json.RawMessage)

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	timeout     time.Duration
	clientName  string
	clientVer   string
	protocolVer string
	roots       []Root
	sampling    SamplingHandler
	elicitation ElicitationHandler
}

// WithTimeout sets the default timeout for requests.
func WithTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.timeout = d
	}
}

// WithClientInfo sets the client name and version for initialization.
func WithClientInfo(name, version string) Option {
	return func(o *clientOptions) {
		o.clientName = name
		o.clientVer = version
	}
}

// WithRoots advertises the roots capability with an initial root set.
func WithRoots(roots ...Root) Option {
	return func(o *clientOptions) {
		o.roots = roots
	}
}

// WithSamplingHandler advertises the sampling capability.
func WithSamplingHandler(fn SamplingHandler) Option {
	return func(o *clientOptions) {
		o.sampling = fn
	}
}

// WithElicitationHandler advertises the elicitation capability.
func WithElicitationHandler(fn ElicitationHandler) Option {
	return func(o *clientOptions) {
		o.elicitation = fn
	}
}

// Client is an MCP client that communicates with an MCP server.
type Client struct {
	transport Transport
	opts      clientOptions

	mu            sync.RWMutex
	serverInfo    *ServerInfo
	roots         []Root
	notifications map[string][]NotificationHandler
	requestID     atomic.Int64
}

// New creates a new MCP client with the given transport.
func New(transport Transport, opts ...Option) *Client {
	options := clientOptions{
		timeout:     30 * time.Second,
		clientName:  "openmcp-go-client",
		clientVer:   "1.0.0",
		protocolVer: protocol.MCPVersion,
	}

	for _, opt := range opts {
		opt(&options)
	}

	c := &Client{
		transport:     transport,
		opts:          options,
		roots:         options.roots,
		notifications: make(map[string][]NotificationHandler),
	}
	transport.SetReceiver(c.receive)
	return c
}

// OnNotification registers a handler for a server notification method.
func (c *Client) OnNotification(method string, fn NotificationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifications[method] = append(c.notifications[method], fn)
}

// Initialize performs the MCP handshake and sends notifications/initialized.
func (c *Client) Initialize(ctx context.Context) (*ServerInfo, error) {
	caps := map[string]any{}
	if c.opts.roots != nil {
		caps["roots"] = map[string]any{"listChanged": true}
	}
	if c.opts.sampling != nil {
		caps["sampling"] = map[string]any{}
	}
	if c.opts.elicitation != nil {
		caps["elicitation"] = map[string]any{}
	}

	params := map[string]any{
		"protocolVersion": c.opts.protocolVer,
		"clientInfo": map[string]any{
			"name":    c.opts.clientName,
			"version": c.opts.clientVer,
		},
		"capabilities": caps,
	}

	resp, err := c.call(ctx, protocol.MethodInitialize, params)
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
		Instructions    string `json:"instructions"`
		ServerInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
		Capabilities map[string]json.RawMessage `json:"capabilities"`
	}
	if err := decodeResult(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	info := &ServerInfo{
		Name:            result.ServerInfo.Name,
		Version:         result.ServerInfo.Version,
		ProtocolVersion: result.ProtocolVersion,
		Instructions:    result.Instructions,
	}
	if raw, ok := result.Capabilities["tools"]; ok && len(raw) > 0 {
		info.Capabilities.Tools = true
	}
	if raw, ok := result.Capabilities["resources"]; ok && len(raw) > 0 {
		info.Capabilities.Resources = true
		var sub struct {
			Subscribe bool `json:"subscribe"`
		}
		if json.Unmarshal(raw, &sub) == nil {
			info.Capabilities.Subscribe = sub.Subscribe
		}
	}
	if _, ok := result.Capabilities["prompts"]; ok {
		info.Capabilities.Prompts = true
	}
	if _, ok := result.Capabilities["completions"]; ok {
		info.Capabilities.Completions = true
	}
	if _, ok := result.Capabilities["logging"]; ok {
		info.Capabilities.Logging = true
	}

	c.mu.Lock()
	c.serverInfo = info
	c.mu.Unlock()

	if err := c.notify(protocol.MethodInitialized, nil); err != nil {
		return nil, fmt.Errorf("initialized notification: %w", err)
	}

	return info, nil
}

// ListTools returns one page of tools. An empty cursor starts from the
// beginning; an empty next cursor means the list is exhausted.
func (c *Client) ListTools(ctx context.Context, cursor string) ([]Tool, string, error) {
	resp, err := c.call(ctx, protocol.MethodToolsList, cursorParams(cursor))
	if err != nil {
		return nil, "", fmt.Errorf("list tools: %w", err)
	}

	var result struct {
		Tools      []Tool `json:"tools"`
		NextCursor string `json:"nextCursor"`
	}
	if err := decodeResult(resp.Result, &result); err != nil {
		return nil, "", fmt.Errorf("list tools: %w", err)
	}
	return result.Tools, result.NextCursor, nil
}

// AllTools iterates the cursor chain until exhaustion.
func (c *Client) AllTools(ctx context.Context) ([]Tool, error) {
	var all []Tool
	cursor := ""
	for {
		page, next, err := c.ListTools(ctx, cursor)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if next == "" {
			return all, nil
		}
		cursor = next
	}
}

// CallTool calls a tool on the server with the given arguments.
func (c *Client) CallTool(ctx context.Context, name string, arguments any) (*ToolResult, error) {
	params := map[string]any{"name": name}
	if arguments != nil {
		params["arguments"] = arguments
	}

	resp, err := c.call(ctx, protocol.MethodToolsCall, params)
	if err != nil {
		return nil, fmt.Errorf("call tool %q: %w", name, err)
	}

	var result ToolResult
	if err := decodeResult(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("call tool %q: %w", name, err)
	}
	return &result, nil
}

// ListResources returns one page of resources.
func (c *Client) ListResources(ctx context.Context, cursor string) ([]Resource, string, error) {
	resp, err := c.call(ctx, protocol.MethodResourcesList, cursorParams(cursor))
	if err != nil {
		return nil, "", fmt.Errorf("list resources: %w", err)
	}

	var result struct {
		Resources  []Resource `json:"resources"`
		NextCursor string     `json:"nextCursor"`
	}
	if err := decodeResult(resp.Result, &result); err != nil {
		return nil, "", fmt.Errorf("list resources: %w", err)
	}
	return result.Resources, result.NextCursor, nil
}

// ReadResource reads a resource from the server.
func (c *Client) ReadResource(ctx context.Context, uri string) ([]ResourceContent, error) {
	resp, err := c.call(ctx, protocol.MethodResourcesRead, map[string]any{"uri": uri})
	if err != nil {
		return nil, fmt.Errorf("read resource %q: %w", uri, err)
	}

	var result struct {
		Contents []ResourceContent `json:"contents"`
	}
	if err := decodeResult(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("read resource %q: %w", uri, err)
	}
	return result.Contents, nil
}

// Subscribe subscribes to updates for a resource URI.
func (c *Client) Subscribe(ctx context.Context, uri string) error {
	_, err := c.call(ctx, protocol.MethodResourcesSubscribe, map[string]any{"uri": uri})
	if err != nil {
		return fmt.Errorf("subscribe %q: %w", uri, err)
	}
	return nil
}

// Unsubscribe cancels a resource subscription.
func (c *Client) Unsubscribe(ctx context.Context, uri string) error {
	_, err := c.call(ctx, protocol.MethodResourcesUnsubscribe, map[string]any{"uri": uri})
	if err != nil {
		return fmt.Errorf("unsubscribe %q: %w", uri, err)
	}
	return nil
}

// ListPrompts returns one page of prompts.
func (c *Client) ListPrompts(ctx context.Context, cursor string) ([]Prompt, string, error) {
	resp, err := c.call(ctx, protocol.MethodPromptsList, cursorParams(cursor))
	if err != nil {
		return nil, "", fmt.Errorf("list prompts: %w", err)
	}

	var result struct {
		Prompts    []Prompt `json:"prompts"`
		NextCursor string   `json:"nextCursor"`
	}
	if err := decodeResult(resp.Result, &result); err != nil {
		return nil, "", fmt.Errorf("list prompts: %w", err)
	}
	return result.Prompts, result.NextCursor, nil
}

// GetPrompt gets a prompt with the given arguments.
func (c *Client) GetPrompt(ctx context.Context, name string, arguments map[string]string) (*PromptResult, error) {
	params := map[string]any{"name": name}
	if arguments != nil {
		params["arguments"] = arguments
	}

	resp, err := c.call(ctx, protocol.MethodPromptsGet, params)
	if err != nil {
		return nil, fmt.Errorf("get prompt %q: %w", name, err)
	}

	var result PromptResult
	if err := decodeResult(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("get prompt %q: %w", name, err)
	}
	return &result, nil
}

// Complete requests argument completion for a prompt or resource template.
func (c *Client) Complete(ctx context.Context, ref map[string]any, argName, argValue string, prior map[string]string) ([]string, bool, error) {
	params := map[string]any{
		"ref":      ref,
		"argument": map[string]any{"name": argName, "value": argValue},
	}
	if prior != nil {
		params["context"] = map[string]any{"arguments": prior}
	}

	resp, err := c.call(ctx, protocol.MethodCompletionComplete, params)
	if err != nil {
		return nil, false, fmt.Errorf("complete: %w", err)
	}

	var result struct {
		Completion struct {
			Values  []string `json:"values"`
			HasMore bool     `json:"hasMore"`
		} `json:"completion"`
	}
	if err := decodeResult(resp.Result, &result); err != nil {
		return nil, false, fmt.Errorf("complete: %w", err)
	}
	return result.Completion.Values, result.Completion.HasMore, nil
}

// SetLogLevel sets the server's minimum severity for this session.
func (c *Client) SetLogLevel(ctx context.Context, level string) error {
	_, err := c.call(ctx, protocol.MethodLoggingSetLevel, map[string]any{"level": level})
	if err != nil {
		return fmt.Errorf("set log level: %w", err)
	}
	return nil
}

// Ping sends a ping to the server.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, protocol.MethodPing, nil)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// Cancel sends a cancellation notification for an in-flight request ID.
func (c *Client) Cancel(requestID json.RawMessage, reason string) error {
	return c.notify(protocol.MethodCancelled, map[string]any{
		"requestId": requestID,
		"reason":    reason,
	})
}

// SetRoots replaces the advertised roots and notifies the server.
func (c *Client) SetRoots(roots []Root) error {
	c.mu.Lock()
	c.roots = roots
	c.mu.Unlock()
	return c.notify(protocol.MethodRootsListChanged, nil)
}

// ServerInfo returns the cached server info from initialization.
func (c *Client) ServerInfo() *ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// Close closes the client connection.
func (c *Client) Close() error {
	return c.transport.Close()
}

// receive handles server-initiated frames.
func (c *Client) receive(frame *protocol.Frame, kind protocol.FrameKind) {
	switch kind {
	case protocol.FrameNotification:
		c.mu.RLock()
		handlers := c.notifications[frame.Method]
		c.mu.RUnlock()
		for _, fn := range handlers {
			fn(frame.Params)
		}
	case protocol.FrameRequest:
		go c.answer(frame)
	}
}

// answer serves one server-initiated request.
func (c *Client) answer(frame *protocol.Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.timeout)
	defer cancel()

	var (
		result any
		perr   *protocol.Error
	)
	switch frame.Method {
	case protocol.MethodPing:
		result = map[string]any{}
	case protocol.MethodRootsList:
		c.mu.RLock()
		roots := c.roots
		c.mu.RUnlock()
		result = map[string]any{"roots": roots}
	case protocol.MethodSamplingCreateMessage:
		if c.opts.sampling == nil {
			perr = protocol.NewMethodNotFound(frame.Method)
			break
		}
		r, err := c.opts.sampling(ctx, frame.Params)
		if err != nil {
			perr = protocol.NewInternalError(err.Error())
			break
		}
		result = r
	case protocol.MethodElicitationCreate:
		if c.opts.elicitation == nil {
			perr = protocol.NewMethodNotFound(frame.Method)
			break
		}
		r, err := c.opts.elicitation(ctx, frame.Params)
		if err != nil {
			perr = protocol.NewInternalError(err.Error())
			break
		}
		result = r
	default:
		perr = protocol.NewMethodNotFound(frame.Method)
	}

	var resp *protocol.Response
	if perr != nil {
		resp = protocol.NewErrorResponse(frame.ID, perr)
	} else {
		resp = protocol.NewResponse(frame.ID, result)
	}
	_ = c.transport.SendFrame(resp)
}

// call makes a JSON-RPC call to the server.
func (c *Client) call(ctx context.Context, method string, params any) (*protocol.Response, error) {
	id := c.requestID.Add(1)

	var paramsRaw json.RawMessage
	if params != nil {
		var err error
		paramsRaw, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
	}

	idRaw, err := json.Marshal(id)
	if err != nil {
		return nil, fmt.Errorf("marshal request ID: %w", err)
	}
	req := &protocol.Request{
		JSONRPC: protocol.JSONRPCVersion,
		ID:      idRaw,
		Method:  method,
		Params:  paramsRaw,
	}

	if c.opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.timeout)
		defer cancel()
	}

	resp, err := c.transport.Send(ctx, req)
	if err != nil {
		return nil, err
	}

	if resp.Error != nil {
		return nil, resp.Error
	}

	return resp, nil
}

// notify sends a notification frame.
func (c *Client) notify(method string, params any) error {
	notif, err := protocol.NewNotification(method, params)
	if err != nil {
		return err
	}
	return c.transport.SendFrame(notif)
}

// cursorParams builds */list params.
func cursorParams(cursor string) map[string]any {
	if cursor == "" {
		return map[string]any{}
	}
	return map[string]any{"cursor": cursor}
}

// decodeResult re-marshals a response result into out.
func decodeResult(v any, out any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

package openmcp

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dedalus-labs/openmcp-go/middleware"
	"github.com/dedalus-labs/openmcp-go/protocol"
	"github.com/dedalus-labs/openmcp-go/server"
	"github.com/dedalus-labs/openmcp-go/transport"
)

// Dispatcher adapts a Server to the transport handler contract: it binds
// transport peers to sessions, enforces initialization gating and request
// direction, and maps method names to capability services.
type Dispatcher struct {
	srv        *server.Server
	handleFunc middleware.HandlerFunc
}

// NewDispatcher builds the request pipeline for a server.
func NewDispatcher(srv *server.Server, opts ...ServeOption) *Dispatcher {
	options := &serveOptions{}
	for _, opt := range opts {
		opt(options)
	}

	d := &Dispatcher{srv: srv}

	base := middleware.HandlerFunc(d.handle)
	if len(options.middleware) > 0 {
		d.handleFunc = middleware.Chain(options.middleware...)(base)
	} else {
		d.handleFunc = base
	}

	srv.MarkServing()
	return d
}

// HandleRequest processes one inbound request or notification.
func (d *Dispatcher) HandleRequest(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	return d.handleFunc(ctx, req)
}

// HandleResponse routes a response from the peer to the session that issued
// the matching request.
func (d *Dispatcher) HandleResponse(ctx context.Context, resp *protocol.Response) {
	sess := d.sessionFor(ctx)
	if sess != nil {
		sess.HandleResponse(resp)
	}
}

// HandleClose tears down the session bound to a transport session ID.
func (d *Dispatcher) HandleClose(sessionID string) {
	if sess, ok := d.srv.Sessions().Get(sessionID); ok {
		d.srv.DropSession(sess)
	}
}

// sessionFor resolves (or creates) the session bound to the context's peer.
func (d *Dispatcher) sessionFor(ctx context.Context) *server.Session {
	peer := transport.PeerFromContext(ctx)
	if peer == nil {
		return nil
	}
	if sess, ok := d.srv.Sessions().Get(peer.SessionID()); ok {
		return sess
	}
	sess := server.NewSession(peer.SessionID(), peer)
	if ep, ok := peer.(transport.EphemeralPeer); ok && ep.Ephemeral() {
		// Stateless rounds skip the handshake gate.
		sess.MarkInitialized()
	}
	d.srv.Sessions().Add(sess)
	return sess
}

// lifecycleMethod reports whether the method is legal before initialized.
func lifecycleMethod(method string) bool {
	switch method {
	case protocol.MethodInitialize, protocol.MethodInitialized, protocol.MethodPing, protocol.MethodCancelled:
		return true
	default:
		return false
	}
}

// clientSideMethod reports whether the method may only be sent by the server
// to the client.
func clientSideMethod(method string) bool {
	switch method {
	case protocol.MethodSamplingCreateMessage, protocol.MethodElicitationCreate, protocol.MethodRootsList:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) handle(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	sess := d.sessionFor(ctx)
	if sess == nil {
		return nil, protocol.NewInternalError("no transport peer bound to request")
	}
	d.srv.Heartbeat().Touch(sess)
	ctx = server.ContextWithSession(ctx, sess)

	if clientSideMethod(req.Method) {
		return nil, protocol.NewMethodNotFound("method is server-initiated: " + req.Method)
	}

	if !lifecycleMethod(req.Method) && sess.State() != server.StateInitialized {
		return nil, protocol.NewNotInitialized(req.Method)
	}

	// Notifications never yield a response.
	if req.IsNotification() {
		d.handleNotification(ctx, sess, req)
		return nil, nil
	}

	// Every request except initialize runs in a cancel scope addressable by
	// notifications/cancelled.
	if req.Method != protocol.MethodInitialize {
		var done context.CancelFunc
		ctx, done = sess.CancellationManager().Track(ctx, string(req.ID))
		defer done()
	}

	// Attach a progress tracker when the caller supplied a token.
	if token := server.ExtractProgressToken(req.Params); len(token) > 0 {
		tracker := server.NewTracker(token, sess)
		ctx = server.ContextWithProgress(ctx, tracker)
		defer tracker.Close()
	}

	resp, err := d.dispatch(ctx, sess, req)

	// A request cancelled mid-flight yields no response at all.
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil, nil
	}
	return resp, err
}

// handleNotification routes inbound notifications.
func (d *Dispatcher) handleNotification(ctx context.Context, sess *server.Session, req *protocol.Request) {
	switch req.Method {
	case protocol.MethodInitialized:
		sess.MarkInitialized()
	case protocol.MethodCancelled:
		server.HandleCancelled(sess, req.Params)
	case protocol.MethodRootsListChanged:
		sess.HandleRootsListChanged()
	case protocol.MethodProgress:
		// Progress for server-initiated requests; nothing to correlate yet.
	}
}

// capabilityAdvertised reports whether the server advertises the capability
// owning the method. Lifecycle methods are always owned.
func (d *Dispatcher) capabilityAdvertised(method string) bool {
	caps := d.srv.Info().Capabilities
	switch method {
	case protocol.MethodToolsList, protocol.MethodToolsCall:
		return caps.Tools
	case protocol.MethodResourcesList, protocol.MethodResourcesRead,
		protocol.MethodResourcesTemplatesList,
		protocol.MethodResourcesSubscribe, protocol.MethodResourcesUnsubscribe:
		return caps.Resources
	case protocol.MethodPromptsList, protocol.MethodPromptsGet:
		return caps.Prompts
	case protocol.MethodCompletionComplete:
		return caps.Completions
	case protocol.MethodLoggingSetLevel:
		return caps.Logging
	default:
		return true
	}
}

// dispatch maps a request method to its capability service.
func (d *Dispatcher) dispatch(ctx context.Context, sess *server.Session, req *protocol.Request) (*protocol.Response, error) {
	if !d.capabilityAdvertised(req.Method) {
		return nil, protocol.NewMethodNotFound("capability not advertised: " + req.Method)
	}
	switch req.Method {
	case protocol.MethodInitialize:
		return d.handleInitialize(sess, req)
	case protocol.MethodPing:
		return protocol.NewResponse(req.ID, map[string]any{}), nil
	case protocol.MethodToolsList:
		return d.handleToolsList(sess, req)
	case protocol.MethodToolsCall:
		return d.handleToolsCall(ctx, sess, req)
	case protocol.MethodResourcesList:
		return d.handleResourcesList(sess, req)
	case protocol.MethodResourcesTemplatesList:
		return d.handleTemplatesList(sess, req)
	case protocol.MethodResourcesRead:
		return d.handleResourcesRead(ctx, req)
	case protocol.MethodResourcesSubscribe:
		return d.handleSubscribe(sess, req)
	case protocol.MethodResourcesUnsubscribe:
		return d.handleUnsubscribe(sess, req)
	case protocol.MethodPromptsList:
		return d.handlePromptsList(sess, req)
	case protocol.MethodPromptsGet:
		return d.handlePromptsGet(ctx, req)
	case protocol.MethodCompletionComplete:
		return d.handleComplete(ctx, req)
	case protocol.MethodLoggingSetLevel:
		return d.handleSetLevel(sess, req)
	default:
		return nil, protocol.NewMethodNotFound(req.Method)
	}
}

func (d *Dispatcher) handleInitialize(sess *server.Session, req *protocol.Request) (*protocol.Response, error) {
	var params struct {
		ProtocolVersion string                    `json:"protocolVersion"`
		Capabilities    server.ClientCapabilities `json:"capabilities"`
		ClientInfo      server.PeerInfo           `json:"clientInfo"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, protocol.NewInvalidParams(err.Error())
		}
	}

	// Answer with the revision we speak; a client proposing something else
	// decides for itself whether to proceed or disconnect.
	version := protocol.MCPVersion
	sess.SetHandshake(params.ClientInfo, params.Capabilities, version)

	info := d.srv.Info()
	serverInfo := map[string]any{
		"name":    info.Name,
		"version": info.Version,
	}
	if info.Title != "" {
		serverInfo["title"] = info.Title
	}

	result := map[string]any{
		"protocolVersion": version,
		"serverInfo":      serverInfo,
		"capabilities":    info.Capabilities.Wire(),
	}
	if instructions := d.srv.Instructions(); instructions != "" {
		result["instructions"] = instructions
	}

	return protocol.NewResponse(req.ID, result), nil
}

// listParams is the shared */list request shape.
type listParams struct {
	Cursor string `json:"cursor,omitempty"`
}

func decodeListParams(raw json.RawMessage) (listParams, *protocol.Error) {
	var params listParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return params, protocol.NewInvalidParams(err.Error())
		}
	}
	return params, nil
}

func (d *Dispatcher) handleToolsList(sess *server.Session, req *protocol.Request) (*protocol.Response, error) {
	params, perr := decodeListParams(req.Params)
	if perr != nil {
		return nil, perr
	}
	if d.srv.Info().Capabilities.ToolsListChanged {
		d.srv.Observers().Observe(sess)
	}

	tools := d.srv.VisibleTools(server.RuntimeContext{Session: sess})
	page, next, perr := server.Paginate(tools, params.Cursor, d.srv.PageSize())
	if perr != nil {
		return nil, perr
	}

	items := make([]map[string]any, 0, len(page))
	for _, t := range page {
		items = append(items, t.WireTool())
	}
	result := map[string]any{"tools": items}
	if next != "" {
		result["nextCursor"] = next
	}
	return protocol.NewResponse(req.ID, result), nil
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, sess *server.Session, req *protocol.Request) (*protocol.Response, error) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, protocol.NewInvalidParams(err.Error())
	}

	tool, ok := d.srv.VisibleTool(params.Name, server.RuntimeContext{Session: sess})
	if !ok {
		return nil, protocol.NewInvalidParams("unknown tool: "+params.Name).WithData(map[string]any{
			"tool": params.Name,
		})
	}

	result, perr := tool.Call(ctx, params.Arguments)
	if perr != nil {
		return nil, perr
	}
	return protocol.NewResponse(req.ID, result), nil
}

func (d *Dispatcher) handleResourcesList(sess *server.Session, req *protocol.Request) (*protocol.Response, error) {
	params, perr := decodeListParams(req.Params)
	if perr != nil {
		return nil, perr
	}
	if d.srv.Info().Capabilities.ResourcesListChanged {
		d.srv.Observers().Observe(sess)
	}

	page, next, perr := server.Paginate(d.srv.ListResources(), params.Cursor, d.srv.PageSize())
	if perr != nil {
		return nil, perr
	}

	items := make([]map[string]any, 0, len(page))
	for _, r := range page {
		items = append(items, r.WireResource())
	}
	result := map[string]any{"resources": items}
	if next != "" {
		result["nextCursor"] = next
	}
	return protocol.NewResponse(req.ID, result), nil
}

func (d *Dispatcher) handleTemplatesList(sess *server.Session, req *protocol.Request) (*protocol.Response, error) {
	params, perr := decodeListParams(req.Params)
	if perr != nil {
		return nil, perr
	}
	if d.srv.Info().Capabilities.ResourcesListChanged {
		d.srv.Observers().Observe(sess)
	}

	page, next, perr := server.Paginate(d.srv.ListTemplates(), params.Cursor, d.srv.PageSize())
	if perr != nil {
		return nil, perr
	}

	items := make([]map[string]any, 0, len(page))
	for _, t := range page {
		items = append(items, t.WireTemplate())
	}
	result := map[string]any{"resourceTemplates": items}
	if next != "" {
		result["nextCursor"] = next
	}
	return protocol.NewResponse(req.ID, result), nil
}

func (d *Dispatcher) handleResourcesRead(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	var params struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, protocol.NewInvalidParams(err.Error())
	}

	res, tmpl, tmplParams, ok := d.srv.FindResourceForURI(params.URI)
	if !ok {
		return nil, protocol.NewResourceNotFound("resource not found: " + params.URI)
	}

	var (
		contents *server.ReadResult
		err      error
	)
	if res != nil {
		contents, err = res.Read(ctx, params.URI)
	} else {
		contents, err = tmpl.Read(ctx, params.URI, tmplParams)
	}
	if err != nil {
		var mcpErr *protocol.Error
		if errors.As(err, &mcpErr) {
			return nil, mcpErr
		}
		return nil, protocol.NewInternalError(err.Error())
	}

	return protocol.NewResponse(req.ID, contents), nil
}

func (d *Dispatcher) handleSubscribe(sess *server.Session, req *protocol.Request) (*protocol.Response, error) {
	var params server.SubscribeRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, protocol.NewInvalidParams(err.Error())
	}
	if params.URI == "" {
		return nil, protocol.NewInvalidParams("uri is required")
	}
	d.srv.Subscriptions().Subscribe(sess, params.URI)
	return protocol.NewResponse(req.ID, map[string]any{}), nil
}

func (d *Dispatcher) handleUnsubscribe(sess *server.Session, req *protocol.Request) (*protocol.Response, error) {
	var params server.UnsubscribeRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, protocol.NewInvalidParams(err.Error())
	}
	if params.URI == "" {
		return nil, protocol.NewInvalidParams("uri is required")
	}
	d.srv.Subscriptions().Unsubscribe(sess, params.URI)
	return protocol.NewResponse(req.ID, map[string]any{}), nil
}

func (d *Dispatcher) handlePromptsList(sess *server.Session, req *protocol.Request) (*protocol.Response, error) {
	params, perr := decodeListParams(req.Params)
	if perr != nil {
		return nil, perr
	}
	if d.srv.Info().Capabilities.PromptsListChanged {
		d.srv.Observers().Observe(sess)
	}

	page, next, perr := server.Paginate(d.srv.ListPrompts(), params.Cursor, d.srv.PageSize())
	if perr != nil {
		return nil, perr
	}

	items := make([]map[string]any, 0, len(page))
	for _, p := range page {
		items = append(items, p.WirePrompt())
	}
	result := map[string]any{"prompts": items}
	if next != "" {
		result["nextCursor"] = next
	}
	return protocol.NewResponse(req.ID, result), nil
}

func (d *Dispatcher) handlePromptsGet(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	var params struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, protocol.NewInvalidParams(err.Error())
	}

	prompt, ok := d.srv.GetPrompt(params.Name)
	if !ok {
		return nil, protocol.NewInvalidParams("unknown prompt: " + params.Name)
	}

	result, perr := prompt.Get(ctx, params.Arguments)
	if perr != nil {
		return nil, perr
	}
	return protocol.NewResponse(req.ID, result), nil
}

func (d *Dispatcher) handleComplete(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	var params server.CompletionRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, protocol.NewInvalidParams(err.Error())
	}
	if params.Ref.Type != "ref/prompt" && params.Ref.Type != "ref/resource" {
		return nil, protocol.NewInvalidParams("ref.type must be ref/prompt or ref/resource")
	}

	result, err := d.srv.Completions().Handle(ctx, params)
	if err != nil {
		var mcpErr *protocol.Error
		if errors.As(err, &mcpErr) {
			return nil, mcpErr
		}
		return nil, protocol.NewInternalError(err.Error())
	}
	return protocol.NewResponse(req.ID, server.CompletionResponse{Completion: *result}), nil
}

func (d *Dispatcher) handleSetLevel(sess *server.Session, req *protocol.Request) (*protocol.Response, error) {
	var params server.SetLevelRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, protocol.NewInvalidParams(err.Error())
	}
	if !server.ValidLogLevel(params.Level) {
		return nil, protocol.NewInvalidParams("unknown log level: " + string(params.Level)).WithData(map[string]any{
			"level": params.Level,
		})
	}
	sess.SetLogLevel(params.Level)
	return protocol.NewResponse(req.ID, map[string]any{}), nil
}

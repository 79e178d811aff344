package server

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dedalus-labs/openmcp-go/protocol"
)

// Info contains server metadata exposed to clients.
type Info struct {
	Name         string
	Title        string
	Version      string
	Capabilities Capabilities
}

// Capabilities declares what features the server supports, including the
// optional sub-flags advertised during the handshake.
type Capabilities struct {
	Tools       bool
	Resources   bool
	Prompts     bool
	Completions bool
	Logging     bool

	// ListChanged sub-flags are implied by dynamic mode but may be set
	// explicitly for servers that emit list_changed from collaborators.
	ToolsListChanged     bool
	ResourcesListChanged bool
	PromptsListChanged   bool

	// ResourcesSubscribe advertises resources/subscribe support.
	ResourcesSubscribe bool
}

// Wire renders the capabilities into the handshake shape.
func (c Capabilities) Wire() map[string]any {
	caps := make(map[string]any)
	if c.Tools {
		t := map[string]any{}
		if c.ToolsListChanged {
			t["listChanged"] = true
		}
		caps["tools"] = t
	}
	if c.Resources {
		r := map[string]any{}
		if c.ResourcesListChanged {
			r["listChanged"] = true
		}
		if c.ResourcesSubscribe {
			r["subscribe"] = true
		}
		caps["resources"] = r
	}
	if c.Prompts {
		p := map[string]any{}
		if c.PromptsListChanged {
			p["listChanged"] = true
		}
		caps["prompts"] = p
	}
	if c.Completions {
		caps["completions"] = map[string]any{}
	}
	if c.Logging {
		caps["logging"] = map[string]any{}
	}
	return caps
}

// Option configures a Server.
type Option func(*Server)

// WithInstructions sets the server instructions returned from initialize.
func WithInstructions(instructions string) Option {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithDynamicCapabilities allows registry mutation after serving starts.
// Every mutation then broadcasts the matching list_changed notification.
func WithDynamicCapabilities() Option {
	return func(s *Server) {
		s.dynamic = true
		s.info.Capabilities.ToolsListChanged = true
		s.info.Capabilities.ResourcesListChanged = true
		s.info.Capabilities.PromptsListChanged = true
	}
}

// WithPageSize sets the page size used by all list operations.
func WithPageSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// Server is the MCP server instance. It owns the capability registries and
// the cross-session registries (sessions, observers, subscriptions).
type Server struct {
	mu sync.RWMutex

	info         Info
	instructions string
	dynamic      bool
	pageSize     int
	serving      atomic.Bool

	tools     map[string]*Tool
	resources map[string]*Resource
	templates map[string]*ResourceTemplate
	prompts   map[string]*Prompt

	toolAllowList map[string]struct{} // nil means all tools allowed

	completions   *completionRegistry
	sessions      *SessionRegistry
	observers     *ObserverRegistry
	subscriptions *SubscriptionRegistry
	heartbeat     *Heartbeat
}

// New creates a new MCP server with the given info and options.
func New(info Info, opts ...Option) *Server {
	s := &Server{
		info:          info,
		pageSize:      DefaultPageSize,
		tools:         make(map[string]*Tool),
		resources:     make(map[string]*Resource),
		templates:     make(map[string]*ResourceTemplate),
		prompts:       make(map[string]*Prompt),
		completions:   newCompletionRegistry(),
		sessions:      NewSessionRegistry(),
		observers:     NewObserverRegistry(),
		subscriptions: NewSubscriptionRegistry(),
	}
	s.heartbeat = NewHeartbeat(s.sessions)

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Info returns the server info.
func (s *Server) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info
}

// Instructions returns the server instructions.
func (s *Server) Instructions() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.instructions
}

// PageSize returns the page size used by list operations.
func (s *Server) PageSize() int {
	return s.pageSize
}

// Dynamic reports whether registries may be mutated while serving.
func (s *Server) Dynamic() bool {
	return s.dynamic
}

// MarkServing seals the registries in static mode. Called by the dispatcher
// when a transport starts.
func (s *Server) MarkServing() {
	s.serving.Store(true)
}

// Serving reports whether a transport has started.
func (s *Server) Serving() bool {
	return s.serving.Load()
}

// Sessions returns the session registry.
func (s *Server) Sessions() *SessionRegistry {
	return s.sessions
}

// Observers returns the list-changed observer registry.
func (s *Server) Observers() *ObserverRegistry {
	return s.observers
}

// Subscriptions returns the resource subscription registry.
func (s *Server) Subscriptions() *SubscriptionRegistry {
	return s.subscriptions
}

// Heartbeat returns the ping scheduler.
func (s *Server) Heartbeat() *Heartbeat {
	return s.heartbeat
}

// checkMutable reports whether a registry mutation is currently legal.
func (s *Server) checkMutable(kind string) error {
	if s.serving.Load() && !s.dynamic {
		return fmt.Errorf("cannot register %s after serving started: enable dynamic capabilities", kind)
	}
	return nil
}

// notifyListChanged broadcasts a list_changed notification when serving in
// dynamic mode. Registration before serve is silent.
func (s *Server) notifyListChanged(method string) {
	if s.serving.Load() && s.dynamic {
		s.observers.Broadcast(method)
	}
}

// SetToolAllowList restricts tools/list and tools/call to the named tools.
// A nil list removes the restriction.
func (s *Server) SetToolAllowList(names []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if names == nil {
		s.toolAllowList = nil
		return
	}
	s.toolAllowList = make(map[string]struct{}, len(names))
	for _, n := range names {
		s.toolAllowList[n] = struct{}{}
	}
}

// toolAllowed reports whether the allow-list admits the named tool.
// Caller holds at least the read lock.
func (s *Server) toolAllowed(name string) bool {
	if s.toolAllowList == nil {
		return true
	}
	_, ok := s.toolAllowList[name]
	return ok
}

// Tool starts building a new tool with the given name.
func (s *Server) Tool(name string) *ToolBuilder {
	return &ToolBuilder{
		tool:   &Tool{name: name},
		server: s,
	}
}

// registerTool adds a tool to the server. Duplicate names replace the prior
// entry.
func (s *Server) registerTool(t *Tool) error {
	if err := s.checkMutable("tool"); err != nil {
		return err
	}
	s.mu.Lock()
	s.tools[t.name] = t
	s.mu.Unlock()
	s.notifyListChanged(protocol.MethodToolListChanged)
	return nil
}

// RemoveTool removes a tool by name. Only legal in dynamic mode once serving.
func (s *Server) RemoveTool(name string) error {
	if err := s.checkMutable("tool"); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.tools, name)
	s.mu.Unlock()
	s.notifyListChanged(protocol.MethodToolListChanged)
	return nil
}

// getTool retrieves a tool by name.
func (s *Server) getTool(name string) (*Tool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tools[name]
	return t, ok
}

// GetTool retrieves a tool by name (public).
func (s *Server) GetTool(name string) (*Tool, bool) {
	return s.getTool(name)
}

// VisibleTool resolves a tool for dispatch: it must be registered, enabled,
// and admitted by the allow-list.
func (s *Server) VisibleTool(name string, rc RuntimeContext) (*Tool, bool) {
	s.mu.RLock()
	t, ok := s.tools[name]
	allowed := s.toolAllowed(name)
	s.mu.RUnlock()
	if !ok || !allowed || !t.Enabled(rc) {
		return nil, false
	}
	return t, true
}

// VisibleTools returns the tools admitted by the allow-list and enabled
// predicates, sorted by name for stable pagination.
func (s *Server) VisibleTools(rc RuntimeContext) []*Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Tool, 0, len(s.tools))
	for name, t := range s.tools {
		if !s.toolAllowed(name) || !t.Enabled(rc) {
			continue
		}
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].name < result[j].name })
	return result
}

// Resource starts building a new static resource with the given URI.
func (s *Server) Resource(uri string) *ResourceBuilder {
	return &ResourceBuilder{
		resource: &Resource{uri: uri},
		server:   s,
	}
}

// ResourceTemplate starts building a templated resource from an RFC 6570
// URI template.
func (s *Server) ResourceTemplate(uriTemplate string) *ResourceTemplateBuilder {
	return &ResourceTemplateBuilder{
		template: &ResourceTemplate{uriTemplate: uriTemplate},
		server:   s,
	}
}

// registerResource adds a static resource.
func (s *Server) registerResource(r *Resource) error {
	if err := s.checkMutable("resource"); err != nil {
		return err
	}
	s.mu.Lock()
	s.resources[r.uri] = r
	s.mu.Unlock()
	s.notifyListChanged(protocol.MethodResourceListChanged)
	return nil
}

// registerTemplate adds a resource template.
func (s *Server) registerTemplate(t *ResourceTemplate) error {
	if err := s.checkMutable("resource template"); err != nil {
		return err
	}
	s.mu.Lock()
	s.templates[t.uriTemplate] = t
	s.mu.Unlock()
	s.notifyListChanged(protocol.MethodResourceListChanged)
	return nil
}

// RemoveResource removes a static resource by URI.
func (s *Server) RemoveResource(uri string) error {
	if err := s.checkMutable("resource"); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.resources, uri)
	s.mu.Unlock()
	s.notifyListChanged(protocol.MethodResourceListChanged)
	return nil
}

// GetResource retrieves a static resource by URI.
func (s *Server) GetResource(uri string) (*Resource, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.resources[uri]
	return r, ok
}

// ListResources returns static resources sorted by URI.
func (s *Server) ListResources() []*Resource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Resource, 0, len(s.resources))
	for _, r := range s.resources {
		result = append(result, r)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].uri < result[j].uri })
	return result
}

// ListTemplates returns resource templates sorted by raw template.
func (s *Server) ListTemplates() []*ResourceTemplate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*ResourceTemplate, 0, len(s.templates))
	for _, t := range s.templates {
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].uriTemplate < result[j].uriTemplate })
	return result
}

// FindResourceForURI resolves a read target: static resources win, then
// templates are matched in sorted order.
func (s *Server) FindResourceForURI(uri string) (*Resource, *ResourceTemplate, map[string]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.resources[uri]; ok {
		return r, nil, nil, true
	}

	templates := make([]*ResourceTemplate, 0, len(s.templates))
	for _, t := range s.templates {
		templates = append(templates, t)
	}
	sort.Slice(templates, func(i, j int) bool { return templates[i].uriTemplate < templates[j].uriTemplate })
	for _, t := range templates {
		if params, ok := t.Match(uri); ok {
			return nil, t, params, true
		}
	}
	return nil, nil, nil, false
}

// Prompt starts building a new prompt with the given name.
func (s *Server) Prompt(name string) *PromptBuilder {
	return &PromptBuilder{
		prompt: &Prompt{name: name},
		server: s,
	}
}

// registerPrompt adds a prompt to the server.
func (s *Server) registerPrompt(p *Prompt) error {
	if err := s.checkMutable("prompt"); err != nil {
		return err
	}
	s.mu.Lock()
	s.prompts[p.name] = p
	s.mu.Unlock()
	s.notifyListChanged(protocol.MethodPromptListChanged)
	return nil
}

// RemovePrompt removes a prompt by name.
func (s *Server) RemovePrompt(name string) error {
	if err := s.checkMutable("prompt"); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.prompts, name)
	s.mu.Unlock()
	s.notifyListChanged(protocol.MethodPromptListChanged)
	return nil
}

// GetPrompt retrieves a prompt by name.
func (s *Server) GetPrompt(name string) (*Prompt, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prompts[name]
	return p, ok
}

// ListPrompts returns prompts sorted by name.
func (s *Server) ListPrompts() []*Prompt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Prompt, 0, len(s.prompts))
	for _, p := range s.prompts {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].name < result[j].name })
	return result
}

// Completions returns the completion registry.
func (s *Server) Completions() *completionRegistry {
	return s.completions
}

// CompletePrompt registers a completion provider bound to a prompt name.
func (s *Server) CompletePrompt(name string) *PromptCompletionBuilder {
	return &PromptCompletionBuilder{name: name, server: s}
}

// CompleteResource registers a completion provider bound to a resource
// template URI.
func (s *Server) CompleteResource(uriTemplate string) *ResourceCompletionBuilder {
	return &ResourceCompletionBuilder{uriTemplate: uriTemplate, server: s}
}

// NotifyResourceUpdated broadcasts resources/updated to every session
// subscribed to the URI. Collaborators call this when underlying data
// changes.
func (s *Server) NotifyResourceUpdated(uri string) {
	s.subscriptions.NotifyUpdated(uri)
}

// Log fans a structured record out to every session whose logging threshold
// admits the severity.
func (s *Server) Log(level LogLevel, logger string, data any) {
	var stale []*Session
	for _, sess := range s.sessions.Snapshot() {
		if !sess.LogAllows(level) {
			continue
		}
		if err := sess.SendLoggingMessage(level, logger, data); err != nil {
			stale = append(stale, sess)
		}
	}
	for _, sess := range stale {
		s.DropSession(sess)
	}
}

// DropSession closes a session and removes it from every cross-session
// registry.
func (s *Server) DropSession(sess *Session) {
	sess.Close()
	s.sessions.Remove(sess.ID())
	s.observers.Remove(sess)
	s.subscriptions.PruneSession(sess)
	s.heartbeat.Forget(sess)
}

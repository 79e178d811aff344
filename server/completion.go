package server

import (
	"context"
	"sync"
)

// maxCompletionValues is the protocol cap on returned completion values.
const maxCompletionValues = 100

// CompletionRef identifies the prompt or resource template being completed.
type CompletionRef struct {
	Type string `json:"type"`           // "ref/prompt" or "ref/resource"
	Name string `json:"name,omitempty"` // prompt references
	URI  string `json:"uri,omitempty"`  // resource template references
}

// CompletionArgument is the argument being completed.
type CompletionArgument struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CompletionContext carries previously resolved arguments for
// multi-argument completion.
type CompletionContext struct {
	Arguments map[string]string `json:"arguments,omitempty"`
}

// CompletionResult contains completion suggestions.
type CompletionResult struct {
	Values  []string `json:"values"`
	Total   int      `json:"total,omitempty"`
	HasMore bool     `json:"hasMore,omitempty"`
}

// CompletionRequest is the completion/complete request payload.
type CompletionRequest struct {
	Ref      CompletionRef      `json:"ref"`
	Argument CompletionArgument `json:"argument"`
	Context  *CompletionContext `json:"context,omitempty"`
}

// CompletionResponse is the completion/complete result payload.
type CompletionResponse struct {
	Completion CompletionResult `json:"completion"`
}

// CompletionHandler produces suggestions for one argument of a prompt or
// resource template.
type CompletionHandler func(ctx context.Context, arg CompletionArgument, prior map[string]string) (*CompletionResult, error)

// completionRegistry binds providers to prompt names and template URIs.
type completionRegistry struct {
	mu               sync.RWMutex
	promptHandlers   map[string]CompletionHandler
	resourceHandlers map[string]CompletionHandler
}

// newCompletionRegistry creates an empty completion registry.
func newCompletionRegistry() *completionRegistry {
	return &completionRegistry{
		promptHandlers:   make(map[string]CompletionHandler),
		resourceHandlers: make(map[string]CompletionHandler),
	}
}

// RegisterPrompt binds a provider to a prompt name.
func (r *completionRegistry) RegisterPrompt(name string, handler CompletionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.promptHandlers[name] = handler
}

// RegisterResource binds a provider to a resource template URI.
func (r *completionRegistry) RegisterResource(uriTemplate string, handler CompletionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resourceHandlers[uriTemplate] = handler
}

// resolve finds the provider for a reference, or nil.
func (r *completionRegistry) resolve(ref CompletionRef) CompletionHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch ref.Type {
	case "ref/prompt":
		return r.promptHandlers[ref.Name]
	case "ref/resource":
		return r.resourceHandlers[ref.URI]
	default:
		return nil
	}
}

// Handle processes a completion request. A missing provider yields an empty
// result; values beyond the protocol cap are truncated with hasMore set.
func (r *completionRegistry) Handle(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	handler := r.resolve(req.Ref)
	if handler == nil {
		return &CompletionResult{Values: []string{}, Total: 0, HasMore: false}, nil
	}

	var prior map[string]string
	if req.Context != nil {
		prior = req.Context.Arguments
	}

	result, err := handler(ctx, req.Argument, prior)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return &CompletionResult{Values: []string{}}, nil
	}

	if len(result.Values) > maxCompletionValues {
		result.Values = result.Values[:maxCompletionValues]
		result.HasMore = true
	}
	return result, nil
}

// PromptCompletionBuilder binds a completion provider to a prompt.
type PromptCompletionBuilder struct {
	name   string
	server *Server
}

// Handler installs the provider.
func (b *PromptCompletionBuilder) Handler(fn CompletionHandler) {
	b.server.completions.RegisterPrompt(b.name, fn)
}

// ResourceCompletionBuilder binds a completion provider to a resource
// template.
type ResourceCompletionBuilder struct {
	uriTemplate string
	server      *Server
}

// Handler installs the provider.
func (b *ResourceCompletionBuilder) Handler(fn CompletionHandler) {
	b.server.completions.RegisterResource(b.uriTemplate, fn)
}

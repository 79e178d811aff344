package server

import (
	"context"
	"fmt"

	"github.com/dedalus-labs/openmcp-go/protocol"
)

// PromptMessage is one (role, content) pair in a rendered prompt.
type PromptMessage struct {
	Role    string       `json:"role"` // "user" or "assistant"
	Content ContentBlock `json:"content"`
}

// PromptResult is the result of rendering a prompt.
type PromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// PromptArgument describes an argument for a prompt.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// PromptHandler renders a prompt. The return value may be a *PromptResult,
// a []PromptMessage, or an ordered list of (role, text) pairs built with
// UserText / AssistantText.
type PromptHandler func(ctx context.Context, args map[string]string) (any, error)

// UserText builds a user message holding plain text.
func UserText(text string) PromptMessage {
	return PromptMessage{Role: "user", Content: TextBlock(text)}
}

// AssistantText builds an assistant message holding plain text.
func AssistantText(text string) PromptMessage {
	return PromptMessage{Role: "assistant", Content: TextBlock(text)}
}

// Prompt represents a prompt template exposed via MCP.
type Prompt struct {
	name        string
	description string
	arguments   []PromptArgument
	handler     PromptHandler
	annotations *PromptAnnotations
}

// Name returns the prompt name.
func (p *Prompt) Name() string { return p.name }

// Arguments returns the declared argument list.
func (p *Prompt) Arguments() []PromptArgument { return p.arguments }

// PromptBuilder provides a fluent API for building prompts.
type PromptBuilder struct {
	prompt *Prompt
	server *Server
	err    error
}

// Description sets the prompt description.
func (b *PromptBuilder) Description(desc string) *PromptBuilder {
	if b.err != nil {
		return b
	}
	b.prompt.description = desc
	return b
}

// Argument adds an argument to the prompt.
func (b *PromptBuilder) Argument(name, description string, required bool) *PromptBuilder {
	if b.err != nil {
		return b
	}
	b.prompt.arguments = append(b.prompt.arguments, PromptArgument{
		Name:        name,
		Description: description,
		Required:    required,
	})
	return b
}

// Err returns the first error the builder encountered.
func (b *PromptBuilder) Err() error {
	return b.err
}

// Handler sets the prompt renderer and completes registration.
func (b *PromptBuilder) Handler(fn PromptHandler) *PromptBuilder {
	if b.err != nil {
		return b
	}
	b.prompt.handler = fn
	b.err = b.server.registerPrompt(b.prompt)
	return b
}

// Get validates required arguments, invokes the renderer, and coerces the
// output into a PromptResult.
func (p *Prompt) Get(ctx context.Context, args map[string]string) (*PromptResult, *protocol.Error) {
	for _, arg := range p.arguments {
		if arg.Required {
			if args == nil || args[arg.Name] == "" {
				return nil, protocol.NewInvalidParams(fmt.Sprintf("missing required argument: %s", arg.Name)).WithData(map[string]any{
					"argument": arg.Name,
				})
			}
		}
	}

	rendered, err := p.handler(ctx, args)
	if err != nil {
		var mcpErr *protocol.Error
		if asProtocolError(err, &mcpErr) {
			return nil, mcpErr
		}
		return nil, protocol.NewInternalError(err.Error())
	}

	result, cerr := coercePromptResult(rendered)
	if cerr != nil {
		return nil, cerr
	}
	if result.Description == "" {
		result.Description = p.description
	}
	return result, nil
}

// coercePromptResult accepts the renderer output shapes.
func coercePromptResult(v any) (*PromptResult, *protocol.Error) {
	switch tv := v.(type) {
	case *PromptResult:
		if tv == nil {
			return nil, protocol.NewInternalError("prompt renderer returned nil result")
		}
		return tv, validatePromptMessages(tv.Messages)
	case PromptResult:
		return &tv, validatePromptMessages(tv.Messages)
	case []PromptMessage:
		return &PromptResult{Messages: tv}, validatePromptMessages(tv)
	case PromptMessage:
		return &PromptResult{Messages: []PromptMessage{tv}}, validatePromptMessages([]PromptMessage{tv})
	default:
		return nil, protocol.NewInternalError(fmt.Sprintf("unsupported prompt renderer output %T", v))
	}
}

// validatePromptMessages rejects content the protocol does not define.
func validatePromptMessages(messages []PromptMessage) *protocol.Error {
	for i, msg := range messages {
		if msg.Role != "user" && msg.Role != "assistant" {
			return protocol.NewInternalError(fmt.Sprintf("message %d: invalid role %q", i, msg.Role))
		}
		switch msg.Content.Type {
		case "text", "image", "audio", "resource", "resource_link":
		default:
			return protocol.NewInternalError(fmt.Sprintf("message %d: unsupported content type %q", i, msg.Content.Type))
		}
	}
	return nil
}

// WirePrompt renders the prompt for prompts/list.
func (p *Prompt) WirePrompt() map[string]any {
	item := map[string]any{
		"name": p.name,
	}
	if p.description != "" {
		item["description"] = p.description
	}
	if len(p.arguments) > 0 {
		item["arguments"] = p.arguments
	}
	if p.annotations != nil {
		item["annotations"] = p.annotations
	}
	return item
}

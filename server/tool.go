package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/dedalus-labs/openmcp-go/protocol"
	"github.com/dedalus-labs/openmcp-go/schema"
)

// RuntimeContext carries the per-call state that enabled predicates and
// allow-lists are evaluated against.
type RuntimeContext struct {
	Session *Session
}

// EnabledFunc decides at call time whether a tool is visible and callable.
type EnabledFunc func(rc RuntimeContext) bool

// RawToolHandler is the untyped handler signature: it receives the raw
// arguments and returns any value NormalizeToolResult accepts.
type RawToolHandler func(ctx context.Context, args json.RawMessage) (any, error)

// Tool represents a callable function exposed via MCP.
type Tool struct {
	name         string
	description  string
	inputType    reflect.Type
	inputSchema  any
	outputSchema any
	validatable  *schema.Schema
	handler      any
	rawHandler   RawToolHandler
	hasContext   bool
	enabled      EnabledFunc
	annotations  *ToolAnnotations
}

// Name returns the tool name.
func (t *Tool) Name() string { return t.name }

// Description returns the tool description.
func (t *Tool) Description() string { return t.description }

// InputSchema returns the declared or generated input schema.
func (t *Tool) InputSchema() any { return t.inputSchema }

// OutputSchema returns the declared output schema, or nil.
func (t *Tool) OutputSchema() any { return t.outputSchema }

// Annotations returns the tool's display metadata, or nil.
func (t *Tool) Annotations() *ToolAnnotations { return t.annotations }

// Enabled evaluates the tool's enabled predicate. Tools without a predicate
// are always enabled.
func (t *Tool) Enabled(rc RuntimeContext) bool {
	if t.enabled == nil {
		return true
	}
	return t.enabled(rc)
}

// ToolBuilder provides a fluent API for building tools.
type ToolBuilder struct {
	tool   *Tool
	server *Server
	err    error
}

// Description sets the tool description.
func (b *ToolBuilder) Description(desc string) *ToolBuilder {
	if b.err != nil {
		return b
	}
	b.tool.description = desc
	return b
}

// InputSchema sets an explicit input schema, overriding generation. Without
// it, RawHandler advertises a bare object schema and does not validate
// arguments.
func (b *ToolBuilder) InputSchema(s *schema.Schema) *ToolBuilder {
	if b.err != nil {
		return b
	}
	b.tool.inputSchema = s
	b.tool.validatable = s
	return b
}

// OutputSchema declares the schema of the tool's structured content.
func (b *ToolBuilder) OutputSchema(s *schema.Schema) *ToolBuilder {
	if b.err != nil {
		return b
	}
	b.tool.outputSchema = s
	return b
}

// Enabled installs a runtime predicate. Disabled tools stay registered but
// are hidden from tools/list and rejected by tools/call.
func (b *ToolBuilder) Enabled(fn EnabledFunc) *ToolBuilder {
	if b.err != nil {
		return b
	}
	b.tool.enabled = fn
	return b
}

// Err returns the first error the builder encountered.
func (b *ToolBuilder) Err() error {
	return b.err
}

// RawHandler registers an untyped handler and completes the tool.
func (b *ToolBuilder) RawHandler(fn RawToolHandler) *ToolBuilder {
	if b.err != nil {
		return b
	}
	b.tool.rawHandler = fn
	if b.tool.inputSchema == nil {
		b.tool.inputSchema = &schema.Schema{Type: "object"}
	}
	b.err = b.server.registerTool(b.tool)
	return b
}

// Handler sets a typed tool handler function and completes the tool.
// Handler signature must be one of:
//   - func(input T) (R, error)
//   - func(ctx context.Context, input T) (R, error)
func (b *ToolBuilder) Handler(fn any) *ToolBuilder {
	if b.err != nil {
		return b
	}

	if err := b.validateHandler(fn); err != nil {
		b.err = err
		return b
	}

	b.tool.handler = fn
	b.err = b.server.registerTool(b.tool)
	return b
}

// validateHandler validates the handler function signature and derives the
// input schema.
func (b *ToolBuilder) validateHandler(fn any) error {
	fnType := reflect.TypeOf(fn)

	if fnType == nil || fnType.Kind() != reflect.Func {
		return fmt.Errorf("handler must be a function, got %v", fnType)
	}

	numIn := fnType.NumIn()
	if numIn < 1 || numIn > 2 {
		return fmt.Errorf("handler must have 1 or 2 parameters, got %d", numIn)
	}

	var inputParamIdx int
	if numIn == 2 {
		if !fnType.In(0).Implements(reflect.TypeOf((*context.Context)(nil)).Elem()) {
			return fmt.Errorf("first parameter must be context.Context when using 2 parameters")
		}
		b.tool.hasContext = true
		inputParamIdx = 1
	}

	inputType := fnType.In(inputParamIdx)
	if inputType.Kind() == reflect.Ptr {
		inputType = inputType.Elem()
	}
	b.tool.inputType = inputType

	if b.tool.inputSchema == nil {
		inputSchema, err := schema.GenerateFromType(inputType)
		if err != nil {
			return fmt.Errorf("failed to generate input schema: %w", err)
		}
		b.tool.inputSchema = inputSchema
		b.tool.validatable = inputSchema
	}

	if fnType.NumOut() != 2 {
		return fmt.Errorf("handler must return (result, error), got %d return values", fnType.NumOut())
	}

	errType := reflect.TypeOf((*error)(nil)).Elem()
	if !fnType.Out(1).Implements(errType) {
		return fmt.Errorf("second return value must be error")
	}

	return nil
}

// Call validates arguments, invokes the handler, and normalizes the result.
// Structural failures surface as JSON-RPC errors; handler failures become a
// tool result with isError set.
func (t *Tool) Call(ctx context.Context, args json.RawMessage) (*ToolResult, *protocol.Error) {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	if t.validatable != nil {
		if err := t.validatable.Validate(args); err != nil {
			return nil, protocol.NewInvalidParams(fmt.Sprintf("tool %q: %v", t.name, err)).WithData(map[string]any{
				"tool": t.name,
			})
		}
	}

	result, err := t.invoke(ctx, args)
	if err != nil {
		var mcpErr *protocol.Error
		if errors.As(err, &mcpErr) {
			return nil, mcpErr
		}
		// Application failure: render inside the result, not as a wire error.
		return &ToolResult{
			Content: []ContentBlock{TextBlock(err.Error())},
			IsError: true,
		}, nil
	}

	normalized, nerr := NormalizeToolResult(result)
	if nerr != nil {
		return nil, protocol.NewInternalError(fmt.Sprintf("tool %q: %v", t.name, nerr))
	}
	return normalized, nil
}

// invoke runs either the raw or the reflective handler.
func (t *Tool) invoke(ctx context.Context, args json.RawMessage) (any, error) {
	if t.rawHandler != nil {
		return t.rawHandler(ctx, args)
	}

	inputPtr := reflect.New(t.inputType)
	if err := json.Unmarshal(args, inputPtr.Interface()); err != nil {
		return nil, protocol.NewInvalidParams(fmt.Sprintf("failed to parse input: %v", err))
	}

	fnVal := reflect.ValueOf(t.handler)
	var in []reflect.Value
	if t.hasContext {
		in = append(in, reflect.ValueOf(ctx))
	}
	in = append(in, inputPtr.Elem())

	out := fnVal.Call(in)
	if errVal := out[1].Interface(); errVal != nil {
		return nil, errVal.(error)
	}
	return out[0].Interface(), nil
}

// WireTool renders the tool for tools/list.
func (t *Tool) WireTool() map[string]any {
	item := map[string]any{
		"name":        t.name,
		"description": t.description,
		"inputSchema": t.inputSchema,
	}
	if t.outputSchema != nil {
		item["outputSchema"] = t.outputSchema
	}
	if t.annotations != nil {
		item["annotations"] = t.annotations
	}
	return item
}

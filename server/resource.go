package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/yosida95/uritemplate/v3"

	"github.com/dedalus-labs/openmcp-go/protocol"
)

// Default MIME types applied when neither the spec nor the handler declares
// one.
const (
	defaultTextMime = "text/plain"
	defaultBlobMime = "application/octet-stream"
)

// ResourceContents is one entry of a resources/read result.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"` // base64 encoded binary data
}

// ReadResult is the resources/read result payload.
type ReadResult struct {
	Contents []ResourceContents `json:"contents"`
}

// ResourceHandler produces the payload for a resource read. The return value
// is normalized by NormalizeResourcePayload.
type ResourceHandler func(ctx context.Context, uri string, params map[string]string) (any, error)

// Resource represents a readable resource with a fixed URI.
type Resource struct {
	uri         string
	name        string
	description string
	mimeType    string
	handler     ResourceHandler
	annotations *ResourceAnnotations
}

// URI returns the resource URI.
func (r *Resource) URI() string { return r.uri }

// Name returns the friendly name.
func (r *Resource) Name() string { return r.name }

// MimeType returns the declared MIME type, or "".
func (r *Resource) MimeType() string { return r.mimeType }

// Read invokes the handler and normalizes its payload.
func (r *Resource) Read(ctx context.Context, uri string) (*ReadResult, error) {
	payload, err := r.handler(ctx, uri, nil)
	if err != nil {
		return nil, err
	}
	return NormalizeResourcePayload(uri, r.mimeType, payload)
}

// WireResource renders the resource for resources/list.
func (r *Resource) WireResource() map[string]any {
	item := map[string]any{
		"uri":  r.uri,
		"name": r.name,
	}
	if r.description != "" {
		item["description"] = r.description
	}
	if r.mimeType != "" {
		item["mimeType"] = r.mimeType
	}
	if r.annotations != nil {
		item["annotations"] = r.annotations
	}
	return item
}

// ResourceBuilder provides a fluent API for building resources.
type ResourceBuilder struct {
	resource *Resource
	server   *Server
	err      error
}

// Name sets an optional human-readable name for the resource.
func (b *ResourceBuilder) Name(name string) *ResourceBuilder {
	if b.err != nil {
		return b
	}
	b.resource.name = name
	return b
}

// Description sets the resource description.
func (b *ResourceBuilder) Description(desc string) *ResourceBuilder {
	if b.err != nil {
		return b
	}
	b.resource.description = desc
	return b
}

// MimeType sets the MIME type of the resource content.
func (b *ResourceBuilder) MimeType(mimeType string) *ResourceBuilder {
	if b.err != nil {
		return b
	}
	b.resource.mimeType = mimeType
	return b
}

// Err returns the first error the builder encountered.
func (b *ResourceBuilder) Err() error {
	return b.err
}

// Handler sets the resource handler and completes registration.
func (b *ResourceBuilder) Handler(fn ResourceHandler) *ResourceBuilder {
	if b.err != nil {
		return b
	}
	b.resource.handler = fn
	b.err = b.server.registerResource(b.resource)
	return b
}

// ResourceTemplate represents a templated resource addressed by an RFC 6570
// URI template.
type ResourceTemplate struct {
	uriTemplate string
	name        string
	description string
	mimeType    string
	handler     ResourceHandler
	annotations *ResourceAnnotations
	compiled    *uritemplate.Template
}

// URITemplate returns the raw template.
func (t *ResourceTemplate) URITemplate() string { return t.uriTemplate }

// MimeType returns the declared MIME type, or "".
func (t *ResourceTemplate) MimeType() string { return t.mimeType }

// Match reports whether the URI matches the template and extracts the
// template variables.
func (t *ResourceTemplate) Match(uri string) (map[string]string, bool) {
	if t.compiled == nil {
		return nil, false
	}
	values := t.compiled.Match(uri)
	if values == nil {
		return nil, false
	}
	params := make(map[string]string, len(values))
	for name, value := range values {
		params[name] = value.String()
	}
	return params, true
}

// Read invokes the handler with the extracted template variables.
func (t *ResourceTemplate) Read(ctx context.Context, uri string, params map[string]string) (*ReadResult, error) {
	payload, err := t.handler(ctx, uri, params)
	if err != nil {
		return nil, err
	}
	return NormalizeResourcePayload(uri, t.mimeType, payload)
}

// WireTemplate renders the template for resources/templates/list.
func (t *ResourceTemplate) WireTemplate() map[string]any {
	item := map[string]any{
		"uriTemplate": t.uriTemplate,
		"name":        t.name,
	}
	if t.description != "" {
		item["description"] = t.description
	}
	if t.mimeType != "" {
		item["mimeType"] = t.mimeType
	}
	if t.annotations != nil {
		item["annotations"] = t.annotations
	}
	return item
}

// ResourceTemplateBuilder provides a fluent API for building templates.
type ResourceTemplateBuilder struct {
	template *ResourceTemplate
	server   *Server
	err      error
}

// Name sets an optional human-readable name for the template.
func (b *ResourceTemplateBuilder) Name(name string) *ResourceTemplateBuilder {
	if b.err != nil {
		return b
	}
	b.template.name = name
	return b
}

// Description sets the template description.
func (b *ResourceTemplateBuilder) Description(desc string) *ResourceTemplateBuilder {
	if b.err != nil {
		return b
	}
	b.template.description = desc
	return b
}

// MimeType sets the MIME type produced by the template's handler.
func (b *ResourceTemplateBuilder) MimeType(mimeType string) *ResourceTemplateBuilder {
	if b.err != nil {
		return b
	}
	b.template.mimeType = mimeType
	return b
}

// Err returns the first error the builder encountered.
func (b *ResourceTemplateBuilder) Err() error {
	return b.err
}

// Handler compiles the template, sets the handler, and completes
// registration.
func (b *ResourceTemplateBuilder) Handler(fn ResourceHandler) *ResourceTemplateBuilder {
	if b.err != nil {
		return b
	}
	compiled, err := uritemplate.New(b.template.uriTemplate)
	if err != nil {
		b.err = fmt.Errorf("invalid URI template %q: %w", b.template.uriTemplate, err)
		return b
	}
	b.template.compiled = compiled
	b.template.handler = fn
	b.err = b.server.registerTemplate(b.template)
	return b
}

// NormalizeResourcePayload converts a handler return value into a read
// result. Acceptance rules:
//
//   - *ReadResult / ReadResult: passthrough (idempotent)
//   - ResourceContents / []ResourceContents: wrapped, URI and MIME defaulted
//   - map[string]any shaped like contents: validated and wrapped
//   - []byte: base64 blob, default application/octet-stream
//   - string: text, default text/plain
//   - anything else JSON-serializable: JSON text
//
// An explicit MIME from the spec overrides defaults but never an explicit
// MIME from the handler.
func NormalizeResourcePayload(uri, mimeType string, v any) (*ReadResult, error) {
	switch tv := v.(type) {
	case nil:
		return &ReadResult{Contents: []ResourceContents{}}, nil
	case *ReadResult:
		if tv == nil {
			return &ReadResult{Contents: []ResourceContents{}}, nil
		}
		return tv, nil
	case ReadResult:
		return &tv, nil
	case ResourceContents:
		return &ReadResult{Contents: []ResourceContents{fillContents(uri, mimeType, tv)}}, nil
	case *ResourceContents:
		if tv == nil {
			return &ReadResult{Contents: []ResourceContents{}}, nil
		}
		return &ReadResult{Contents: []ResourceContents{fillContents(uri, mimeType, *tv)}}, nil
	case []ResourceContents:
		contents := make([]ResourceContents, len(tv))
		for i, c := range tv {
			contents[i] = fillContents(uri, mimeType, c)
		}
		return &ReadResult{Contents: contents}, nil
	case []byte:
		return &ReadResult{Contents: []ResourceContents{{
			URI:      uri,
			MimeType: orDefault(mimeType, defaultBlobMime),
			Blob:     base64.StdEncoding.EncodeToString(tv),
		}}}, nil
	case string:
		return &ReadResult{Contents: []ResourceContents{{
			URI:      uri,
			MimeType: orDefault(mimeType, defaultTextMime),
			Text:     tv,
		}}}, nil
	case map[string]any:
		if c, ok := contentsFromMapping(uri, mimeType, tv); ok {
			return &ReadResult{Contents: []ResourceContents{c}}, nil
		}
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, protocol.NewInternalError(fmt.Sprintf("resource %q: payload is not serializable: %v", uri, err))
	}
	return &ReadResult{Contents: []ResourceContents{{
		URI:      uri,
		MimeType: orDefault(mimeType, "application/json"),
		Text:     string(data),
	}}}, nil
}

// fillContents defaults the URI and MIME of a handler-built contents entry.
func fillContents(uri, mimeType string, c ResourceContents) ResourceContents {
	if c.URI == "" {
		c.URI = uri
	}
	if c.MimeType == "" {
		if c.Blob != "" {
			c.MimeType = orDefault(mimeType, defaultBlobMime)
		} else {
			c.MimeType = orDefault(mimeType, defaultTextMime)
		}
	}
	return c
}

// contentsFromMapping validates a map as a text or blob contents entry under
// the known URI.
func contentsFromMapping(uri, mimeType string, m map[string]any) (ResourceContents, bool) {
	data, err := json.Marshal(m)
	if err != nil {
		return ResourceContents{}, false
	}
	var c ResourceContents
	if err := json.Unmarshal(data, &c); err != nil {
		return ResourceContents{}, false
	}
	if c.Text == "" && c.Blob == "" {
		return ResourceContents{}, false
	}
	return fillContents(uri, mimeType, c), true
}

func orDefault(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

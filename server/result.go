package server

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// ContentBlock is one element of a tool or prompt result's content array.
type ContentBlock struct {
	Type     string            `json:"type"`
	Text     string            `json:"text,omitempty"`
	Data     string            `json:"data,omitempty"` // base64 payload for image/audio
	MimeType string            `json:"mimeType,omitempty"`
	Resource *ResourceContents `json:"resource,omitempty"` // embedded resource
	URI      string            `json:"uri,omitempty"`      // resource link
	Name     string            `json:"name,omitempty"`     // resource link
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// ImageBlock builds an image content block from base64 data.
func ImageBlock(mimeType, data string) ContentBlock {
	return ContentBlock{Type: "image", MimeType: mimeType, Data: data}
}

// AudioBlock builds an audio content block from base64 data.
func AudioBlock(mimeType, data string) ContentBlock {
	return ContentBlock{Type: "audio", MimeType: mimeType, Data: data}
}

// ResourceBlock embeds resource contents in a result.
func ResourceBlock(contents ResourceContents) ContentBlock {
	return ContentBlock{Type: "resource", Resource: &contents}
}

// ResourceLinkBlock references a resource by URI without embedding it.
func ResourceLinkBlock(uri, name string) ContentBlock {
	return ContentBlock{Type: "resource_link", URI: uri, Name: name}
}

// ToolResult is the structured tools/call result.
type ToolResult struct {
	Content           []ContentBlock `json:"content"`
	StructuredContent any            `json:"structuredContent,omitempty"`
	IsError           bool           `json:"isError,omitempty"`
}

// StructuredPair pairs a displayable payload with explicit structured
// content. Tool handlers return it when the two differ.
type StructuredPair struct {
	Payload    any
	Structured any
}

// NormalizeToolResult converts any handler return value into a ToolResult
// following the acceptance rules:
//
//   - *ToolResult / ToolResult: passthrough (normalization is idempotent)
//   - ContentBlock / []ContentBlock: wrapped as content
//   - StructuredPair: payload normalized, structured attached
//   - []byte: one text block holding the base64 form
//   - nil: empty content
//   - []any: each element normalized, contents concatenated
//   - JSON object values: JSON text block plus structuredContent
//   - other JSON-serializable values: text block plus {"result": value}
func NormalizeToolResult(v any) (*ToolResult, error) {
	switch tv := v.(type) {
	case nil:
		return &ToolResult{Content: []ContentBlock{}}, nil
	case *ToolResult:
		if tv == nil {
			return &ToolResult{Content: []ContentBlock{}}, nil
		}
		if tv.Content == nil {
			tv.Content = []ContentBlock{}
		}
		return tv, nil
	case ToolResult:
		if tv.Content == nil {
			tv.Content = []ContentBlock{}
		}
		return &tv, nil
	case ContentBlock:
		return &ToolResult{Content: []ContentBlock{tv}}, nil
	case []ContentBlock:
		return &ToolResult{Content: tv}, nil
	case StructuredPair:
		inner, err := NormalizeToolResult(tv.Payload)
		if err != nil {
			return nil, err
		}
		inner.StructuredContent = tv.Structured
		return inner, nil
	case []byte:
		return &ToolResult{
			Content: []ContentBlock{TextBlock(base64.StdEncoding.EncodeToString(tv))},
		}, nil
	case []any:
		merged := &ToolResult{Content: []ContentBlock{}}
		for _, item := range tv {
			inner, err := NormalizeToolResult(item)
			if err != nil {
				return nil, err
			}
			merged.Content = append(merged.Content, inner.Content...)
			if inner.StructuredContent != nil && merged.StructuredContent == nil {
				merged.StructuredContent = inner.StructuredContent
			}
			merged.IsError = merged.IsError || inner.IsError
		}
		return merged, nil
	case error:
		return &ToolResult{
			Content: []ContentBlock{TextBlock(tv.Error())},
			IsError: true,
		}, nil
	case string:
		return &ToolResult{
			Content:           []ContentBlock{TextBlock(tv)},
			StructuredContent: map[string]any{"result": tv},
		}, nil
	}

	if mapped, ok := toolResultFromMapping(v); ok {
		return mapped, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("tool result is not JSON-serializable: %w", err)
	}

	if len(data) > 0 && data[0] == '{' {
		return &ToolResult{
			Content:           []ContentBlock{TextBlock(string(data))},
			StructuredContent: v,
		}, nil
	}

	return &ToolResult{
		Content:           []ContentBlock{TextBlock(string(data))},
		StructuredContent: map[string]any{"result": v},
	}, nil
}

// toolResultFromMapping detects mappings already shaped like a tools/call
// result and passes them through.
func toolResultFromMapping(v any) (*ToolResult, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	if _, ok := m["content"]; !ok {
		return nil, false
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, false
	}
	var result ToolResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, false
	}
	if result.Content == nil {
		result.Content = []ContentBlock{}
	}
	return &result, true
}

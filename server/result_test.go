package server

import (
	"encoding/base64"
	"errors"
	"reflect"
	"testing"
)

func TestNormalizeToolResult(t *testing.T) {
	t.Run("scalar becomes text plus wrapped structured content", func(t *testing.T) {
		result, err := NormalizeToolResult(5)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(result.Content) != 1 || result.Content[0].Text != "5" {
			t.Fatalf("content = %+v, want one text block %q", result.Content, "5")
		}
		want := map[string]any{"result": 5}
		if !reflect.DeepEqual(result.StructuredContent, want) {
			t.Fatalf("structuredContent = %v, want %v", result.StructuredContent, want)
		}
		if result.IsError {
			t.Error("IsError = true, want false")
		}
	})

	t.Run("string becomes bare text", func(t *testing.T) {
		result, err := NormalizeToolResult("hello")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Content[0].Text != "hello" {
			t.Fatalf("text = %q, want %q", result.Content[0].Text, "hello")
		}
	})

	t.Run("object value becomes JSON text and structured content", func(t *testing.T) {
		type out struct {
			Sum int `json:"sum"`
		}
		result, err := NormalizeToolResult(out{Sum: 8})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Content[0].Text != `{"sum":8}` {
			t.Fatalf("text = %q", result.Content[0].Text)
		}
		if result.StructuredContent == nil {
			t.Fatal("structuredContent missing")
		}
	})

	t.Run("bytes become base64 text", func(t *testing.T) {
		data := []byte{0x01, 0x02, 0x03}
		result, err := NormalizeToolResult(data)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Content[0].Text != base64.StdEncoding.EncodeToString(data) {
			t.Fatalf("text = %q", result.Content[0].Text)
		}
	})

	t.Run("nil becomes empty content", func(t *testing.T) {
		result, err := NormalizeToolResult(nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Content == nil || len(result.Content) != 0 {
			t.Fatalf("content = %v, want empty slice", result.Content)
		}
	})

	t.Run("errors render as isError", func(t *testing.T) {
		result, err := NormalizeToolResult(errors.New("boom"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !result.IsError || result.Content[0].Text != "boom" {
			t.Fatalf("got %+v, want isError with text boom", result)
		}
	})

	t.Run("pair attaches structured content", func(t *testing.T) {
		result, err := NormalizeToolResult(StructuredPair{
			Payload:    "done",
			Structured: map[string]any{"state": "ok"},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Content[0].Text != "done" {
			t.Fatalf("text = %q", result.Content[0].Text)
		}
		if result.StructuredContent.(map[string]any)["state"] != "ok" {
			t.Fatalf("structuredContent = %v", result.StructuredContent)
		}
	})

	t.Run("iterable flattens recursively", func(t *testing.T) {
		result, err := NormalizeToolResult([]any{
			TextBlock("a"),
			[]byte("b"),
			"c",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(result.Content) != 3 {
			t.Fatalf("content len = %d, want 3", len(result.Content))
		}
	})

	t.Run("normalization is idempotent", func(t *testing.T) {
		first, err := NormalizeToolResult(map[string]any{"answer": 42})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		second, err := NormalizeToolResult(first)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !reflect.DeepEqual(first, second) {
			t.Fatalf("normalize(normalize(x)) != normalize(x): %+v vs %+v", first, second)
		}
	})
}

func TestNormalizeResourcePayload(t *testing.T) {
	const uri = "resource://demo/value"

	t.Run("string defaults to text/plain", func(t *testing.T) {
		result, err := NormalizeResourcePayload(uri, "", "initial")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		c := result.Contents[0]
		if c.Text != "initial" || c.MimeType != "text/plain" || c.URI != uri {
			t.Fatalf("contents = %+v", c)
		}
	})

	t.Run("bytes default to octet-stream blob", func(t *testing.T) {
		result, err := NormalizeResourcePayload(uri, "", []byte{0xde, 0xad})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		c := result.Contents[0]
		if c.Blob == "" || c.MimeType != "application/octet-stream" {
			t.Fatalf("contents = %+v", c)
		}
	})

	t.Run("spec MIME overrides defaults", func(t *testing.T) {
		result, err := NormalizeResourcePayload(uri, "text/markdown", "# hi")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Contents[0].MimeType != "text/markdown" {
			t.Fatalf("mime = %q", result.Contents[0].MimeType)
		}
	})

	t.Run("handler MIME wins over spec MIME", func(t *testing.T) {
		result, err := NormalizeResourcePayload(uri, "text/plain", ResourceContents{
			Text:     "x",
			MimeType: "text/csv",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Contents[0].MimeType != "text/csv" {
			t.Fatalf("mime = %q", result.Contents[0].MimeType)
		}
	})

	t.Run("other values serialize to JSON text", func(t *testing.T) {
		result, err := NormalizeResourcePayload(uri, "", map[string]int{"n": 1})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Contents[0].Text != `{"n":1}` {
			t.Fatalf("text = %q", result.Contents[0].Text)
		}
	})

	t.Run("normalization is idempotent", func(t *testing.T) {
		first, err := NormalizeResourcePayload(uri, "", "stable")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		second, err := NormalizeResourcePayload(uri, "", first)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !reflect.DeepEqual(first, second) {
			t.Fatalf("normalize on own output changed: %+v vs %+v", first, second)
		}
	})
}

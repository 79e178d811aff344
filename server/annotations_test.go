package server

import (
	"context"
	"testing"
)

func TestToolAnnotationBuilders(t *testing.T) {
	type Input struct{}
	register := func(t *testing.T, build func(*ToolBuilder) *ToolBuilder) *Tool {
		t.Helper()
		srv := New(Info{Name: "test", Version: "1.0.0"})
		b := build(srv.Tool("annotated")).Handler(func(Input) (string, error) { return "", nil })
		if b.Err() != nil {
			t.Fatalf("register: %v", b.Err())
		}
		tool, _ := srv.GetTool("annotated")
		return tool
	}

	t.Run("ReadOnly sets read-only and clears destructive", func(t *testing.T) {
		tool := register(t, func(b *ToolBuilder) *ToolBuilder { return b.ReadOnly() })
		ann := tool.Annotations()
		if ann == nil || ann.ReadOnlyHint == nil || !*ann.ReadOnlyHint {
			t.Fatalf("annotations = %+v, want readOnlyHint true", ann)
		}
		if ann.DestructiveHint == nil || *ann.DestructiveHint {
			t.Fatalf("destructiveHint = %v, want false", ann.DestructiveHint)
		}
	})

	t.Run("Destructive sets the destructive hint", func(t *testing.T) {
		tool := register(t, func(b *ToolBuilder) *ToolBuilder { return b.Destructive() })
		ann := tool.Annotations()
		if ann == nil || ann.DestructiveHint == nil || !*ann.DestructiveHint {
			t.Fatalf("annotations = %+v, want destructiveHint true", ann)
		}
	})

	t.Run("Idempotent and OpenWorld compose with Title", func(t *testing.T) {
		tool := register(t, func(b *ToolBuilder) *ToolBuilder {
			return b.Title("Annotated Tool").Idempotent().OpenWorld()
		})
		ann := tool.Annotations()
		if ann == nil {
			t.Fatal("annotations missing")
		}
		if ann.Title != "Annotated Tool" {
			t.Errorf("Title = %q", ann.Title)
		}
		if ann.IdempotentHint == nil || !*ann.IdempotentHint {
			t.Error("idempotentHint not set")
		}
		if ann.OpenWorldHint == nil || !*ann.OpenWorldHint {
			t.Error("openWorldHint not set")
		}
	})

	t.Run("Annotations replaces the whole set", func(t *testing.T) {
		tool := register(t, func(b *ToolBuilder) *ToolBuilder {
			return b.ReadOnly().Annotations(ToolAnnotations{Title: "Fresh"})
		})
		ann := tool.Annotations()
		if ann.Title != "Fresh" || ann.ReadOnlyHint != nil {
			t.Fatalf("annotations = %+v, want only title", ann)
		}
	})

	t.Run("annotations surface in tools/list items", func(t *testing.T) {
		tool := register(t, func(b *ToolBuilder) *ToolBuilder { return b.ReadOnly() })
		item := tool.WireTool()
		if item["annotations"] == nil {
			t.Fatal("annotations missing from wire form")
		}
	})

	t.Run("unannotated tools omit the field", func(t *testing.T) {
		tool := register(t, func(b *ToolBuilder) *ToolBuilder { return b })
		if _, present := tool.WireTool()["annotations"]; present {
			t.Fatal("annotations present on unannotated tool")
		}
	})
}

func TestResourceAnnotationBuilders(t *testing.T) {
	t.Run("Audience and Priority reach the wire form", func(t *testing.T) {
		srv := New(Info{Name: "test", Version: "1.0.0"})
		b := srv.Resource("config://app").
			Audience("assistant").
			Priority(0.8).
			Handler(func(ctx context.Context, uri string, params map[string]string) (any, error) {
				return "x", nil
			})
		if b.Err() != nil {
			t.Fatalf("register: %v", b.Err())
		}

		res, _ := srv.GetResource("config://app")
		item := res.WireResource()
		ann, ok := item["annotations"].(*ResourceAnnotations)
		if !ok {
			t.Fatalf("annotations = %T", item["annotations"])
		}
		if len(ann.Audience) != 1 || ann.Audience[0] != "assistant" {
			t.Errorf("Audience = %v", ann.Audience)
		}
		if ann.Priority == nil || *ann.Priority != 0.8 {
			t.Errorf("Priority = %v", ann.Priority)
		}
	})
}

func TestPromptAnnotationBuilders(t *testing.T) {
	t.Run("Audience and Priority reach the wire form", func(t *testing.T) {
		srv := New(Info{Name: "test", Version: "1.0.0"})
		b := srv.Prompt("review").
			Audience("user").
			Priority(0.5).
			Handler(func(ctx context.Context, args map[string]string) (any, error) {
				return []PromptMessage{UserText("hi")}, nil
			})
		if b.Err() != nil {
			t.Fatalf("register: %v", b.Err())
		}

		p, _ := srv.GetPrompt("review")
		item := p.WirePrompt()
		ann, ok := item["annotations"].(*PromptAnnotations)
		if !ok {
			t.Fatalf("annotations = %T", item["annotations"])
		}
		if len(ann.Audience) != 1 || ann.Audience[0] != "user" {
			t.Errorf("Audience = %v", ann.Audience)
		}
		if ann.Priority == nil || *ann.Priority != 0.5 {
			t.Errorf("Priority = %v", ann.Priority)
		}
	})
}

func TestAnnotationHelpers(t *testing.T) {
	if b := Bool(true); b == nil || !*b {
		t.Error("Bool(true) broken")
	}
	if f := Float(0.3); f == nil || *f != 0.3 {
		t.Error("Float(0.3) broken")
	}
}

package server

import (
	"context"
	"testing"

	"github.com/dedalus-labs/openmcp-go/protocol"
)

func TestPromptGet(t *testing.T) {
	newPrompt := func(t *testing.T) *Prompt {
		t.Helper()
		srv := New(Info{Name: "test", Version: "1.0.0"})
		b := srv.Prompt("review").
			Description("Code review prompt").
			Argument("language", "programming language", true).
			Argument("style", "review style", false).
			Handler(func(ctx context.Context, args map[string]string) (any, error) {
				return []PromptMessage{
					UserText("Review this " + args["language"] + " code"),
				}, nil
			})
		if b.Err() != nil {
			t.Fatalf("register: %v", b.Err())
		}
		p, _ := srv.GetPrompt("review")
		return p
	}

	t.Run("renders with arguments", func(t *testing.T) {
		p := newPrompt(t)
		result, perr := p.Get(context.Background(), map[string]string{"language": "go"})
		if perr != nil {
			t.Fatalf("Get: %v", perr)
		}
		if len(result.Messages) != 1 {
			t.Fatalf("messages = %d, want 1", len(result.Messages))
		}
		if result.Messages[0].Content.Text != "Review this go code" {
			t.Errorf("text = %q", result.Messages[0].Content.Text)
		}
		if result.Description != "Code review prompt" {
			t.Errorf("description = %q", result.Description)
		}
	})

	t.Run("missing required argument is invalid params", func(t *testing.T) {
		p := newPrompt(t)
		_, perr := p.Get(context.Background(), map[string]string{"style": "strict"})
		if perr == nil || perr.Code != protocol.CodeInvalidParams {
			t.Fatalf("perr = %v, want invalid params", perr)
		}
	})

	t.Run("unsupported content type is internal error", func(t *testing.T) {
		srv := New(Info{Name: "test", Version: "1.0.0"})
		srv.Prompt("weird").Handler(func(ctx context.Context, args map[string]string) (any, error) {
			return []PromptMessage{{Role: "user", Content: ContentBlock{Type: "video"}}}, nil
		})
		p, _ := srv.GetPrompt("weird")

		_, perr := p.Get(context.Background(), nil)
		if perr == nil || perr.Code != protocol.CodeInternalError {
			t.Fatalf("perr = %v, want internal error", perr)
		}
	})

	t.Run("accepts the full content block set", func(t *testing.T) {
		srv := New(Info{Name: "test", Version: "1.0.0"})
		srv.Prompt("rich").Handler(func(ctx context.Context, args map[string]string) (any, error) {
			return &PromptResult{Messages: []PromptMessage{
				{Role: "user", Content: TextBlock("t")},
				{Role: "user", Content: ImageBlock("image/png", "aGk=")},
				{Role: "user", Content: AudioBlock("audio/wav", "aGk=")},
				{Role: "assistant", Content: ResourceBlock(ResourceContents{URI: "resource://x", Text: "x"})},
				{Role: "assistant", Content: ResourceLinkBlock("resource://y", "y")},
			}}, nil
		})
		p, _ := srv.GetPrompt("rich")

		result, perr := p.Get(context.Background(), nil)
		if perr != nil {
			t.Fatalf("Get: %v", perr)
		}
		if len(result.Messages) != 5 {
			t.Fatalf("messages = %d, want 5", len(result.Messages))
		}
	})
}

func TestCompletionRegistry(t *testing.T) {
	t.Run("prompt-bound provider completes", func(t *testing.T) {
		srv := New(Info{Name: "test", Version: "1.0.0"})
		srv.CompletePrompt("review").Handler(func(ctx context.Context, arg CompletionArgument, prior map[string]string) (*CompletionResult, error) {
			return &CompletionResult{Values: []string{"go", "rust"}, Total: 2}, nil
		})

		result, err := srv.Completions().Handle(context.Background(), CompletionRequest{
			Ref:      CompletionRef{Type: "ref/prompt", Name: "review"},
			Argument: CompletionArgument{Name: "language", Value: "g"},
		})
		if err != nil {
			t.Fatalf("Handle: %v", err)
		}
		if len(result.Values) != 2 || result.Values[0] != "go" {
			t.Fatalf("values = %v", result.Values)
		}
	})

	t.Run("missing provider yields empty result", func(t *testing.T) {
		srv := New(Info{Name: "test", Version: "1.0.0"})
		result, err := srv.Completions().Handle(context.Background(), CompletionRequest{
			Ref:      CompletionRef{Type: "ref/prompt", Name: "nope"},
			Argument: CompletionArgument{Name: "x", Value: ""},
		})
		if err != nil {
			t.Fatalf("Handle: %v", err)
		}
		if len(result.Values) != 0 || result.Total != 0 || result.HasMore {
			t.Fatalf("result = %+v, want empty", result)
		}
	})

	t.Run("values beyond 100 are truncated with hasMore", func(t *testing.T) {
		srv := New(Info{Name: "test", Version: "1.0.0"})
		srv.CompleteResource("users://{id}").Handler(func(ctx context.Context, arg CompletionArgument, prior map[string]string) (*CompletionResult, error) {
			values := make([]string, 150)
			for i := range values {
				values[i] = "v"
			}
			return &CompletionResult{Values: values}, nil
		})

		result, err := srv.Completions().Handle(context.Background(), CompletionRequest{
			Ref:      CompletionRef{Type: "ref/resource", URI: "users://{id}"},
			Argument: CompletionArgument{Name: "id", Value: ""},
		})
		if err != nil {
			t.Fatalf("Handle: %v", err)
		}
		if len(result.Values) != 100 || !result.HasMore {
			t.Fatalf("len = %d hasMore = %v", len(result.Values), result.HasMore)
		}
	})

	t.Run("context arguments reach the provider", func(t *testing.T) {
		srv := New(Info{Name: "test", Version: "1.0.0"})
		var gotPrior map[string]string
		srv.CompletePrompt("multi").Handler(func(ctx context.Context, arg CompletionArgument, prior map[string]string) (*CompletionResult, error) {
			gotPrior = prior
			return &CompletionResult{Values: nil}, nil
		})

		_, err := srv.Completions().Handle(context.Background(), CompletionRequest{
			Ref:      CompletionRef{Type: "ref/prompt", Name: "multi"},
			Argument: CompletionArgument{Name: "b", Value: ""},
			Context:  &CompletionContext{Arguments: map[string]string{"a": "chosen"}},
		})
		if err != nil {
			t.Fatalf("Handle: %v", err)
		}
		if gotPrior["a"] != "chosen" {
			t.Fatalf("prior = %v", gotPrior)
		}
	})
}

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/dedalus-labs/openmcp-go/protocol"
)

// recordingHandler echoes requests and records responses and closes.
type recordingHandler struct {
	mu        sync.Mutex
	requests  []string
	responses []*protocol.Response
	closed    int
}

func (h *recordingHandler) HandleRequest(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	h.mu.Lock()
	h.requests = append(h.requests, req.Method)
	h.mu.Unlock()
	if req.IsNotification() {
		return nil, nil
	}
	return protocol.NewResponse(req.ID, map[string]any{"ok": true}), nil
}

func (h *recordingHandler) HandleResponse(ctx context.Context, resp *protocol.Response) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.responses = append(h.responses, resp)
}

func (h *recordingHandler) HandleClose(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed++
}

func runStdio(t *testing.T, input string) (*recordingHandler, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var out, errOut bytes.Buffer
	s := NewStdio(
		WithStdin(strings.NewReader(input)),
		WithStdout(&out),
		WithStderr(&errOut),
	)
	h := &recordingHandler{}
	if err := s.Serve(context.Background(), h); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	return h, &out, &errOut
}

func TestStdioServe(t *testing.T) {
	t.Run("request frames get newline-terminated responses", func(t *testing.T) {
		h, out, errOut := runStdio(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`+"\n")

		lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
		if len(lines) != 1 {
			t.Fatalf("output lines = %d, want 1", len(lines))
		}
		var resp protocol.Response
		if err := json.Unmarshal([]byte(lines[0]), &resp); err != nil {
			t.Fatalf("response not JSON: %v", err)
		}
		if string(resp.ID) != "1" {
			t.Fatalf("response ID = %s", resp.ID)
		}
		if len(h.requests) != 1 || h.requests[0] != "ping" {
			t.Fatalf("requests = %v", h.requests)
		}
		if errOut.Len() != 0 {
			t.Fatalf("stderr = %q, want empty", errOut.String())
		}
	})

	t.Run("notifications produce no output", func(t *testing.T) {
		_, out, _ := runStdio(t, `{"jsonrpc":"2.0","method":"notifications/initialized"}`+"\n")
		if out.Len() != 0 {
			t.Fatalf("stdout = %q, want empty", out.String())
		}
	})

	t.Run("responses route to HandleResponse", func(t *testing.T) {
		h, out, _ := runStdio(t, `{"jsonrpc":"2.0","id":7,"result":{}}`+"\n")
		if len(h.responses) != 1 {
			t.Fatalf("responses = %d, want 1", len(h.responses))
		}
		if out.Len() != 0 {
			t.Fatalf("stdout = %q, want empty", out.String())
		}
	})

	t.Run("parse errors answer in-band", func(t *testing.T) {
		_, out, _ := runStdio(t, "{broken\n")
		var resp protocol.Response
		if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp); err != nil {
			t.Fatalf("error response not JSON: %v", err)
		}
		if resp.Error == nil || resp.Error.Code != protocol.CodeParseError {
			t.Fatalf("error = %+v, want -32700", resp.Error)
		}
	})

	t.Run("EOF closes the session", func(t *testing.T) {
		h, _, _ := runStdio(t, "")
		if h.closed != 1 {
			t.Fatalf("closed = %d, want 1", h.closed)
		}
	})

	t.Run("writes serialize across goroutines", func(t *testing.T) {
		var out bytes.Buffer
		s := NewStdio(WithStdin(strings.NewReader("")), WithStdout(&out))

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				_ = s.SendNotification(protocol.MethodLoggingMessage, map[string]any{"n": n})
			}(i)
		}
		wg.Wait()

		lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
		if len(lines) != 20 {
			t.Fatalf("lines = %d, want 20", len(lines))
		}
		for _, line := range lines {
			var n Notification
			if err := json.Unmarshal([]byte(line), &n); err != nil {
				t.Fatalf("interleaved write produced invalid JSON: %v", err)
			}
		}
	})
}

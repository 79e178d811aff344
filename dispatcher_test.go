package openmcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dedalus-labs/openmcp-go/protocol"
	"github.com/dedalus-labs/openmcp-go/server"
	"github.com/dedalus-labs/openmcp-go/transport"
)

// testPeer is an in-memory transport peer for dispatcher tests.
type testPeer struct {
	id string

	mu            sync.Mutex
	notifications []string
	frames        []any
}

func (p *testPeer) SessionID() string { return p.id }

func (p *testPeer) SendNotification(method string, params any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifications = append(p.notifications, method)
	return nil
}

func (p *testPeer) SendFrame(frame any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, frame)
	return nil
}

// harness bundles a dispatcher with a bound peer context.
type harness struct {
	d    *Dispatcher
	peer *testPeer
	ctx  context.Context
	next int
}

func newHarness(t *testing.T, srv *Server) *harness {
	t.Helper()
	peer := &testPeer{id: "peer-1"}
	return &harness{
		d:    NewDispatcher(srv),
		peer: peer,
		ctx:  transport.ContextWithPeer(context.Background(), peer),
	}
}

// call sends one request and returns the response.
func (h *harness) call(t *testing.T, method string, params any) (*protocol.Response, error) {
	t.Helper()
	h.next++
	idRaw, _ := json.Marshal(h.next)
	var paramsRaw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		paramsRaw = data
	}
	return h.d.HandleRequest(h.ctx, &protocol.Request{
		JSONRPC: protocol.JSONRPCVersion,
		ID:      idRaw,
		Method:  method,
		Params:  paramsRaw,
	})
}

// notify sends one notification.
func (h *harness) notify(t *testing.T, method string, params any) {
	t.Helper()
	var paramsRaw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		paramsRaw = data
	}
	resp, err := h.d.HandleRequest(h.ctx, &protocol.Request{
		JSONRPC: protocol.JSONRPCVersion,
		Method:  method,
		Params:  paramsRaw,
	})
	if resp != nil || err != nil {
		t.Fatalf("notification yielded resp=%v err=%v", resp, err)
	}
}

// handshake runs initialize + initialized.
func (h *harness) handshake(t *testing.T) {
	t.Helper()
	resp, err := h.call(t, protocol.MethodInitialize, map[string]any{
		"protocolVersion": protocol.MCPVersion,
		"clientInfo":      map[string]any{"name": "test", "version": "0.0.1"},
		"capabilities":    map[string]any{},
	})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	result := resp.Result.(map[string]any)
	if result["protocolVersion"] != protocol.MCPVersion {
		t.Fatalf("protocolVersion = %v", result["protocolVersion"])
	}
	h.notify(t, protocol.MethodInitialized, nil)
}

func wireCode(t *testing.T, err error) int {
	t.Helper()
	perr, ok := err.(*protocol.Error)
	if !ok {
		t.Fatalf("err = %T(%v), want *protocol.Error", err, err)
	}
	return perr.Code
}

func TestInitializationGating(t *testing.T) {
	t.Run("non-lifecycle requests are rejected before initialized", func(t *testing.T) {
		srv := NewServer(ServerInfo{Name: "t", Version: "1", Capabilities: Capabilities{Tools: true}})
		h := newHarness(t, srv)

		_, err := h.call(t, protocol.MethodToolsList, nil)
		if wireCode(t, err) != protocol.CodeResourceNotFound {
			t.Fatalf("code = %d, want -32002", wireCode(t, err))
		}
	})

	t.Run("ping is legal before initialized", func(t *testing.T) {
		srv := NewServer(ServerInfo{Name: "t", Version: "1"})
		h := newHarness(t, srv)

		resp, err := h.call(t, protocol.MethodPing, nil)
		if err != nil || resp == nil {
			t.Fatalf("ping: resp=%v err=%v", resp, err)
		}
	})

	t.Run("requests flow after the handshake", func(t *testing.T) {
		srv := NewServer(ServerInfo{Name: "t", Version: "1", Capabilities: Capabilities{Tools: true}})
		h := newHarness(t, srv)
		h.handshake(t)

		if _, err := h.call(t, protocol.MethodToolsList, nil); err != nil {
			t.Fatalf("tools/list after handshake: %v", err)
		}
	})

	t.Run("client-side methods are rejected in this direction", func(t *testing.T) {
		srv := NewServer(ServerInfo{Name: "t", Version: "1"})
		h := newHarness(t, srv)
		h.handshake(t)

		for _, method := range []string{
			protocol.MethodRootsList,
			protocol.MethodSamplingCreateMessage,
			protocol.MethodElicitationCreate,
		} {
			_, err := h.call(t, method, map[string]any{})
			if wireCode(t, err) != protocol.CodeMethodNotFound {
				t.Errorf("%s: code = %d, want -32601", method, wireCode(t, err))
			}
		}
	})

	t.Run("unknown methods are -32601", func(t *testing.T) {
		srv := NewServer(ServerInfo{Name: "t", Version: "1"})
		h := newHarness(t, srv)
		h.handshake(t)

		_, err := h.call(t, "tools/destroy", nil)
		if wireCode(t, err) != protocol.CodeMethodNotFound {
			t.Fatalf("code = %d, want -32601", wireCode(t, err))
		}
	})
}

func TestToolsCallFlow(t *testing.T) {
	type AddInput struct {
		A int `json:"a"`
		B int `json:"b"`
	}

	newAddServer := func(t *testing.T) *Server {
		t.Helper()
		srv := NewServer(ServerInfo{Name: "calc", Version: "1", Capabilities: Capabilities{Tools: true}})
		b := srv.Tool("add").Handler(func(in AddInput) (int, error) { return in.A + in.B, nil })
		if b.Err() != nil {
			t.Fatalf("register: %v", b.Err())
		}
		return srv
	}

	t.Run("happy path returns text and structured content", func(t *testing.T) {
		h := newHarness(t, newAddServer(t))
		h.handshake(t)

		resp, err := h.call(t, protocol.MethodToolsCall, map[string]any{
			"name":      "add",
			"arguments": map[string]any{"a": 2, "b": 3},
		})
		if err != nil {
			t.Fatalf("tools/call: %v", err)
		}
		result := resp.Result.(*server.ToolResult)
		if result.IsError {
			t.Fatal("IsError = true")
		}
		if result.Content[0].Text != "5" {
			t.Errorf("text = %q, want %q", result.Content[0].Text, "5")
		}
	})

	t.Run("unknown tool is -32602", func(t *testing.T) {
		h := newHarness(t, newAddServer(t))
		h.handshake(t)

		_, err := h.call(t, protocol.MethodToolsCall, map[string]any{
			"name":      "missing",
			"arguments": map[string]any{},
		})
		if wireCode(t, err) != protocol.CodeInvalidParams {
			t.Fatalf("code = %d, want -32602", wireCode(t, err))
		}
	})
}

func TestListPagination(t *testing.T) {
	type In struct{}

	srv := NewServer(ServerInfo{Name: "t", Version: "1", Capabilities: Capabilities{Tools: true}}, WithPageSize(10))
	for i := 0; i < 25; i++ {
		srv.Tool(fmt.Sprintf("t%02d", i)).Handler(func(In) (string, error) { return "", nil })
	}
	h := newHarness(t, srv)
	h.handshake(t)

	listOnce := func(cursor string) (int, string) {
		params := map[string]any{}
		if cursor != "" {
			params["cursor"] = cursor
		}
		resp, err := h.call(t, protocol.MethodToolsList, params)
		if err != nil {
			t.Fatalf("tools/list(%q): %v", cursor, err)
		}
		result := resp.Result.(map[string]any)
		tools := result["tools"].([]map[string]any)
		next, _ := result["nextCursor"].(string)
		return len(tools), next
	}

	n, next := listOnce("")
	if n != 10 || next != "10" {
		t.Fatalf("page 1: n=%d next=%q", n, next)
	}
	n, next = listOnce(next)
	if n != 10 || next != "20" {
		t.Fatalf("page 2: n=%d next=%q", n, next)
	}
	n, next = listOnce(next)
	if n != 5 || next != "" {
		t.Fatalf("page 3: n=%d next=%q", n, next)
	}

	n, next = listOnce("1000")
	if n != 0 || next != "" {
		t.Fatalf("past-end: n=%d next=%q", n, next)
	}

	_, err := h.call(t, protocol.MethodToolsList, map[string]any{"cursor": "not-a-number"})
	if wireCode(t, err) != protocol.CodeInvalidParams {
		t.Fatalf("bad cursor code = %d, want -32602", wireCode(t, err))
	}
}

func TestSubscriptionFlow(t *testing.T) {
	const uri = "resource://demo/value"

	srv := NewServer(ServerInfo{Name: "t", Version: "1", Capabilities: Capabilities{Resources: true, ResourcesSubscribe: true}})
	srv.Resource(uri).Handler(func(ctx context.Context, u string, params map[string]string) (any, error) {
		return "initial", nil
	})
	h := newHarness(t, srv)
	h.handshake(t)

	if _, err := h.call(t, protocol.MethodResourcesSubscribe, map[string]any{"uri": uri}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	srv.NotifyResourceUpdated(uri)
	h.peer.mu.Lock()
	got := len(h.peer.notifications)
	h.peer.mu.Unlock()
	if got != 1 {
		t.Fatalf("notifications = %d, want 1", got)
	}

	if _, err := h.call(t, protocol.MethodResourcesUnsubscribe, map[string]any{"uri": uri}); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	srv.NotifyResourceUpdated(uri)
	h.peer.mu.Lock()
	got = len(h.peer.notifications)
	h.peer.mu.Unlock()
	if got != 1 {
		t.Fatalf("notifications = %d after unsubscribe, want still 1", got)
	}
}

func TestResourcesReadFlow(t *testing.T) {
	srv := NewServer(ServerInfo{Name: "t", Version: "1", Capabilities: Capabilities{Resources: true}})
	srv.Resource("resource://demo/value").
		MimeType("text/plain").
		Handler(func(ctx context.Context, uri string, params map[string]string) (any, error) {
			return "initial", nil
		})
	h := newHarness(t, srv)
	h.handshake(t)

	t.Run("reads known URI", func(t *testing.T) {
		resp, err := h.call(t, protocol.MethodResourcesRead, map[string]any{"uri": "resource://demo/value"})
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		result := resp.Result.(*server.ReadResult)
		if result.Contents[0].Text != "initial" {
			t.Fatalf("contents = %+v", result.Contents)
		}
	})

	t.Run("unknown URI is -32002", func(t *testing.T) {
		_, err := h.call(t, protocol.MethodResourcesRead, map[string]any{"uri": "resource://nope"})
		if wireCode(t, err) != protocol.CodeResourceNotFound {
			t.Fatalf("code = %d, want -32002", wireCode(t, err))
		}
	})
}

func TestLoggingSetLevel(t *testing.T) {
	srv := NewServer(ServerInfo{Name: "t", Version: "1", Capabilities: Capabilities{Logging: true}})
	h := newHarness(t, srv)
	h.handshake(t)

	if _, err := h.call(t, protocol.MethodLoggingSetLevel, map[string]any{"level": "error"}); err != nil {
		t.Fatalf("setLevel: %v", err)
	}
	sess, _ := srv.Sessions().Get("peer-1")
	if sess.LogLevel() != server.LogLevelError {
		t.Fatalf("level = %q", sess.LogLevel())
	}

	_, err := h.call(t, protocol.MethodLoggingSetLevel, map[string]any{"level": "loud"})
	if wireCode(t, err) != protocol.CodeInvalidParams {
		t.Fatalf("code = %d, want -32602", wireCode(t, err))
	}
}

func TestCancellationFlow(t *testing.T) {
	srv := NewServer(ServerInfo{Name: "t", Version: "1", Capabilities: Capabilities{Tools: true}})
	started := make(chan struct{})
	srv.Tool("slow").RawHandler(func(ctx context.Context, args json.RawMessage) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := newHarness(t, srv)
	h.handshake(t)

	type outcome struct {
		resp *protocol.Response
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		idRaw, _ := json.Marshal(99)
		params, _ := json.Marshal(map[string]any{"name": "slow", "arguments": map[string]any{}})
		resp, err := h.d.HandleRequest(h.ctx, &protocol.Request{
			JSONRPC: protocol.JSONRPCVersion,
			ID:      idRaw,
			Method:  protocol.MethodToolsCall,
			Params:  params,
		})
		done <- outcome{resp, err}
	}()

	<-started
	h.notify(t, protocol.MethodCancelled, map[string]any{"requestId": 99, "reason": "user"})

	select {
	case out := <-done:
		// Cancellation yields no response and no error: zero messages on the wire.
		if out.resp != nil || out.err != nil {
			t.Fatalf("cancelled request: resp=%v err=%v, want nothing", out.resp, out.err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled handler never returned")
	}
}

func TestStatelessPeerSkipsGate(t *testing.T) {
	type In struct{}
	srv := NewServer(ServerInfo{Name: "t", Version: "1", Capabilities: Capabilities{Tools: true}})
	srv.Tool("echo").Handler(func(In) (string, error) { return "ok", nil })

	d := NewDispatcher(srv)
	peer := &ephemeralPeer{testPeer{id: "round-1"}}
	ctx := transport.ContextWithPeer(context.Background(), peer)

	idRaw, _ := json.Marshal(1)
	params, _ := json.Marshal(map[string]any{"name": "echo", "arguments": map[string]any{}})
	resp, err := d.HandleRequest(ctx, &protocol.Request{
		JSONRPC: protocol.JSONRPCVersion,
		ID:      idRaw,
		Method:  protocol.MethodToolsCall,
		Params:  params,
	})
	if err != nil {
		t.Fatalf("stateless call: %v", err)
	}
	if resp == nil {
		t.Fatal("no response")
	}
}

// ephemeralPeer marks a testPeer as a stateless round.
type ephemeralPeer struct {
	testPeer
}

func (p *ephemeralPeer) Ephemeral() bool { return true }

package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dedalus-labs/openmcp-go/protocol"
)

// sentNotification records one notification pushed through a fake conn.
type sentNotification struct {
	Method string
	Params any
}

// fakeConn is an in-memory Conn for session tests. When respond is set,
// outbound requests are answered asynchronously through the session.
type fakeConn struct {
	mu            sync.Mutex
	notifications []sentNotification
	frames        []any
	failSends     bool

	sess    *Session
	respond func(req *protocol.Request) *protocol.Response
}

func (c *fakeConn) SendNotification(method string, params any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSends {
		return errors.New("send failed")
	}
	c.notifications = append(c.notifications, sentNotification{Method: method, Params: params})
	return nil
}

func (c *fakeConn) SendFrame(frame any) error {
	c.mu.Lock()
	if c.failSends {
		c.mu.Unlock()
		return errors.New("send failed")
	}
	c.frames = append(c.frames, frame)
	respond := c.respond
	sess := c.sess
	c.mu.Unlock()

	if req, ok := frame.(*protocol.Request); ok && respond != nil && sess != nil {
		go sess.HandleResponse(respond(req))
	}
	return nil
}

func (c *fakeConn) sent(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, n := range c.notifications {
		if n.Method == method {
			count++
		}
	}
	return count
}

func newTestSession(t *testing.T, opts ...SessionOption) (*Session, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	sess := NewSession("sess-test", conn, opts...)
	conn.sess = sess
	return sess, conn
}

func TestSessionLifecycle(t *testing.T) {
	t.Run("starts uninitialized", func(t *testing.T) {
		sess, _ := newTestSession(t)
		if sess.State() != StateUninitialized {
			t.Fatalf("State() = %v, want StateUninitialized", sess.State())
		}
	})

	t.Run("initializes exactly once", func(t *testing.T) {
		sess, _ := newTestSession(t)
		if !sess.MarkInitialized() {
			t.Fatal("first MarkInitialized returned false")
		}
		if sess.MarkInitialized() {
			t.Fatal("second MarkInitialized returned true")
		}
		if sess.State() != StateInitialized {
			t.Fatalf("State() = %v, want StateInitialized", sess.State())
		}
	})

	t.Run("closed session rejects notifications", func(t *testing.T) {
		sess, conn := newTestSession(t)
		sess.Close()
		if err := sess.SendNotification(protocol.MethodLoggingMessage, nil); err == nil {
			t.Fatal("expected error sending to closed session")
		}
		if len(conn.notifications) != 0 {
			t.Fatalf("closed session delivered %d notifications", len(conn.notifications))
		}
	})
}

func TestSessionRequest(t *testing.T) {
	t.Run("correlates response by exact ID", func(t *testing.T) {
		sess, conn := newTestSession(t)
		conn.respond = func(req *protocol.Request) *protocol.Response {
			return protocol.NewResponse(req.ID, map[string]any{"ok": true})
		}

		resp, err := sess.Request(context.Background(), protocol.MethodPing, nil)
		if err != nil {
			t.Fatalf("Request: %v", err)
		}
		if resp.Error != nil {
			t.Fatalf("unexpected error: %v", resp.Error)
		}
	})

	t.Run("unmatched response is dropped", func(t *testing.T) {
		sess, _ := newTestSession(t)
		// No pending request: must not panic or block.
		sess.HandleResponse(protocol.NewResponse(json.RawMessage(`99`), nil))
	})

	t.Run("context cancellation unblocks", func(t *testing.T) {
		sess, _ := newTestSession(t)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := sess.Request(ctx, protocol.MethodPing, nil)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("err = %v, want deadline exceeded", err)
		}
		if sess.PendingRequests() != 0 {
			t.Fatalf("PendingRequests() = %d, want 0", sess.PendingRequests())
		}
	})

	t.Run("close fails pending requests", func(t *testing.T) {
		sess, _ := newTestSession(t)
		errCh := make(chan error, 1)
		go func() {
			_, err := sess.Request(context.Background(), protocol.MethodPing, nil)
			errCh <- err
		}()

		// Wait for the request to register before closing.
		deadline := time.After(time.Second)
		for sess.PendingRequests() == 0 {
			select {
			case <-deadline:
				t.Fatal("request never registered")
			default:
				time.Sleep(time.Millisecond)
			}
		}
		sess.Close()

		if err := <-errCh; err == nil {
			t.Fatal("expected error after close")
		}
	})
}

func TestSessionLogging(t *testing.T) {
	t.Run("threshold filters records", func(t *testing.T) {
		sess, _ := newTestSession(t)
		sess.SetLogLevel(LogLevelWarning)

		if sess.LogAllows(LogLevelInfo) {
			t.Error("info should not pass warning threshold")
		}
		if !sess.LogAllows(LogLevelError) {
			t.Error("error should pass warning threshold")
		}
	})

	t.Run("fan-out prunes stale sessions", func(t *testing.T) {
		srv := New(Info{Name: "test", Version: "1.0.0"})
		srv.Sessions().Add(NewSession("healthy", &fakeConn{}))
		srv.Sessions().Add(NewSession("broken", &fakeConn{failSends: true}))

		srv.Log(LogLevelError, "test", "boom")

		if _, ok := srv.Sessions().Get("broken"); ok {
			t.Error("stale session still registered after failed delivery")
		}
		if _, ok := srv.Sessions().Get("healthy"); !ok {
			t.Error("healthy session was pruned")
		}
	})
}

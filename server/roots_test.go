package server

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dedalus-labs/openmcp-go/protocol"
)

// rootsSession builds a session advertising roots, with the client side
// simulated by the fake conn serving pages from the given root set.
func rootsSession(t *testing.T, roots *[]Root, debounce time.Duration) (*Session, *fakeConn) {
	t.Helper()
	sess, conn := newTestSession(t, WithRootsDebounce(debounce))
	sess.SetHandshake(PeerInfo{Name: "test-client"}, ClientCapabilities{Roots: &RootsCapability{ListChanged: true}}, protocol.MCPVersion)
	conn.respond = func(r *protocol.Request) *protocol.Response {
		if r.Method != protocol.MethodRootsList {
			return protocol.NewErrorResponse(r.ID, protocol.NewMethodNotFound(r.Method))
		}
		return protocol.NewResponse(r.ID, ListRootsResult{Roots: *roots})
	}
	return sess, conn
}

func makeRoots(n int) []Root {
	roots := make([]Root, n)
	for i := range roots {
		roots[i] = Root{URI: fmt.Sprintf("file:///ws/project%d", i)}
	}
	return roots
}

func TestRootsList(t *testing.T) {
	t.Run("fetches and caches on first use", func(t *testing.T) {
		clientRoots := makeRoots(3)
		sess, _ := rootsSession(t, &clientRoots, DefaultRootsDebounce)

		page, next, err := sess.RootsList(context.Background(), "")
		if err != nil {
			t.Fatalf("RootsList: %v", err)
		}
		if len(page) != 3 || next != "" {
			t.Fatalf("page = %d next = %q", len(page), next)
		}
		if sess.RootsVersion() != 1 {
			t.Fatalf("version = %d, want 1", sess.RootsVersion())
		}
	})

	t.Run("paginates with versioned cursors", func(t *testing.T) {
		clientRoots := makeRoots(DefaultPageSize + 10)
		sess, _ := rootsSession(t, &clientRoots, DefaultRootsDebounce)

		page, next, err := sess.RootsList(context.Background(), "")
		if err != nil {
			t.Fatalf("RootsList: %v", err)
		}
		if len(page) != DefaultPageSize || next == "" {
			t.Fatalf("page = %d next = %q", len(page), next)
		}

		rest, next2, err := sess.RootsList(context.Background(), next)
		if err != nil {
			t.Fatalf("RootsList page 2: %v", err)
		}
		if len(rest) != 10 || next2 != "" {
			t.Fatalf("page 2 = %d next = %q", len(rest), next2)
		}
	})

	t.Run("stale cursor is rejected after refresh", func(t *testing.T) {
		clientRoots := makeRoots(DefaultPageSize + 1)
		sess, _ := rootsSession(t, &clientRoots, time.Millisecond)

		_, cursor, err := sess.RootsList(context.Background(), "")
		if err != nil {
			t.Fatalf("RootsList: %v", err)
		}

		// Client mutates its roots and notifies; the debounce fires a refresh.
		clientRoots = makeRoots(2)
		sess.HandleRootsListChanged()
		waitFor(t, time.Second, func() bool { return sess.RootsVersion() == 2 })

		_, _, err = sess.RootsList(context.Background(), cursor)
		perr, ok := err.(*protocol.Error)
		if !ok || perr.Code != protocol.CodeInvalidParams {
			t.Fatalf("err = %v, want invalid params for stale cursor", err)
		}
	})

	t.Run("burst of change notifications coalesces into one refresh", func(t *testing.T) {
		clientRoots := makeRoots(1)
		sess, _ := rootsSession(t, &clientRoots, 30*time.Millisecond)

		if _, _, err := sess.RootsList(context.Background(), ""); err != nil {
			t.Fatalf("prime cache: %v", err)
		}

		for i := 0; i < 5; i++ {
			sess.HandleRootsListChanged()
			time.Sleep(2 * time.Millisecond)
		}
		waitFor(t, time.Second, func() bool { return sess.RootsVersion() == 2 })

		// Allow a would-be second refresh to land, then confirm it did not.
		time.Sleep(80 * time.Millisecond)
		if v := sess.RootsVersion(); v != 2 {
			t.Fatalf("version = %d, want exactly 2 (one coalesced refresh)", v)
		}
	})

	t.Run("snapshot deduplicates preserving order", func(t *testing.T) {
		clientRoots := []Root{
			{URI: "file:///ws/a"},
			{URI: "file:///ws/b"},
			{URI: "file:///ws/a"},
		}
		sess, _ := rootsSession(t, &clientRoots, DefaultRootsDebounce)

		page, _, err := sess.RootsList(context.Background(), "")
		if err != nil {
			t.Fatalf("RootsList: %v", err)
		}
		if len(page) != 2 || page[0].URI != "file:///ws/a" || page[1].URI != "file:///ws/b" {
			t.Fatalf("page = %+v", page)
		}
	})
}

func TestRootsGuardIntegration(t *testing.T) {
	dir := t.TempDir()
	clientRoots := []Root{{URI: "file://" + dir}}
	sess, _ := rootsSession(t, &clientRoots, DefaultRootsDebounce)

	guard, err := sess.RootGuard(context.Background())
	if err != nil {
		t.Fatalf("RootGuard: %v", err)
	}
	if !guard.Within(dir + "/file.txt") {
		t.Fatal("guard rejected path inside advertised root")
	}
	if guard.Within("/definitely/elsewhere") {
		t.Fatal("guard accepted path outside advertised root")
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

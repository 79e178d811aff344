package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dedalus-labs/openmcp-go/protocol"
)

// DefaultRootsDebounce is the quiet period applied to roots/list_changed
// before the cache refreshes.
const DefaultRootsDebounce = 250 * time.Millisecond

// Root represents a filesystem boundary advertised by the client.
type Root struct {
	// URI is the root URI (a file:// URI).
	URI string `json:"uri"`
	// Name is an optional human-readable name for the root.
	Name string `json:"name,omitempty"`
}

// ListRootsResult is the roots/list response payload.
type ListRootsResult struct {
	Roots      []Root `json:"roots"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// rootsState is the per-session roots cache: a frozen (version, snapshot,
// guard) triple recreated on refresh, plus the debounced refresh timer.
type rootsState struct {
	sess *Session

	mu       sync.Mutex
	loaded   bool
	version  int
	snapshot []Root
	guard    *RootGuard
	timer    *time.Timer
}

func newRootsState(sess *Session) *rootsState {
	return &rootsState{sess: sess}
}

// stop cancels a pending debounced refresh.
func (rs *rootsState) stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.timer != nil {
		rs.timer.Stop()
		rs.timer = nil
	}
}

// ensure loads the cache on first use.
func (rs *rootsState) ensure(ctx context.Context) error {
	rs.mu.Lock()
	loaded := rs.loaded
	rs.mu.Unlock()
	if loaded {
		return nil
	}
	return rs.refresh(ctx)
}

// refresh re-fetches the client's roots and installs a new frozen cache
// entry with a bumped version. The fetch follows the client's pagination
// until exhaustion, deduplicating while preserving order.
func (rs *rootsState) refresh(ctx context.Context) error {
	var (
		roots  []Root
		seen   = make(map[string]struct{})
		cursor string
	)
	for {
		params := map[string]any{}
		if cursor != "" {
			params["cursor"] = cursor
		}
		resp, err := rs.sess.Request(ctx, protocol.MethodRootsList, params)
		if err != nil {
			return fmt.Errorf("roots/list: %w", err)
		}
		if resp.Error != nil {
			return fmt.Errorf("roots/list: %w", resp.Error)
		}
		page, err := decodeResult[ListRootsResult](resp.Result)
		if err != nil {
			return fmt.Errorf("decode roots/list result: %w", err)
		}
		for _, r := range page.Roots {
			if _, dup := seen[r.URI]; dup {
				continue
			}
			seen[r.URI] = struct{}{}
			roots = append(roots, r)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	guard := NewRootGuard(roots)

	rs.mu.Lock()
	rs.version++
	rs.snapshot = roots
	rs.guard = guard
	rs.loaded = true
	rs.mu.Unlock()
	return nil
}

// scheduleRefresh starts or extends the debounce window.
func (rs *rootsState) scheduleRefresh(debounce time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.timer != nil {
		rs.timer.Stop()
	}
	rs.timer = time.AfterFunc(debounce, func() {
		if rs.sess.Closed() {
			return
		}
		_ = rs.refresh(context.Background())
	})
}

// RootsList returns one page of the cached roots snapshot. Cursors embed the
// snapshot version; a cursor minted before a refresh is rejected so the
// caller restarts iteration.
func (s *Session) RootsList(ctx context.Context, cursor string) ([]Root, string, error) {
	if !s.SupportsRoots() {
		return nil, "", protocol.NewMethodNotFound("client does not support roots")
	}
	if err := s.roots.ensure(ctx); err != nil {
		return nil, "", err
	}

	s.roots.mu.Lock()
	version := s.roots.version
	snapshot := s.roots.snapshot
	s.roots.mu.Unlock()

	offset := 0
	if cursor != "" {
		vc, perr := decodeVersionedCursor(cursor)
		if perr != nil {
			return nil, "", perr
		}
		if vc.Version != version {
			return nil, "", protocol.NewInvalidParams("stale roots cursor: list changed").WithData(map[string]any{
				"cursorVersion":  vc.Version,
				"currentVersion": version,
			})
		}
		offset = vc.Offset
	}

	if offset >= len(snapshot) {
		return []Root{}, "", nil
	}
	end := offset + DefaultPageSize
	if end > len(snapshot) {
		end = len(snapshot)
	}
	next := ""
	if end < len(snapshot) {
		next = encodeVersionedCursor(version, end)
	}
	return snapshot[offset:end], next, nil
}

// RootGuard returns the reference monitor for the current cache entry,
// fetching the roots on first use.
func (s *Session) RootGuard(ctx context.Context) (*RootGuard, error) {
	if !s.SupportsRoots() {
		return NewRootGuard(nil), nil
	}
	if err := s.roots.ensure(ctx); err != nil {
		return nil, err
	}
	s.roots.mu.Lock()
	defer s.roots.mu.Unlock()
	return s.roots.guard, nil
}

// RootsVersion returns the current cache version (0 before first load).
func (s *Session) RootsVersion() int {
	s.roots.mu.Lock()
	defer s.roots.mu.Unlock()
	return s.roots.version
}

// HandleRootsListChanged reacts to notifications/roots/list_changed from the
// client: repeated notifications inside the debounce window coalesce into
// one refresh.
func (s *Session) HandleRootsListChanged() {
	if s.Closed() {
		return
	}
	s.roots.scheduleRefresh(s.rootsDebounce)
}

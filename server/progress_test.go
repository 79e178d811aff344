package server

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func trackerToken() ProgressToken {
	return ProgressToken(json.RawMessage(`"tok-1"`))
}

func TestTrackerMonotonicity(t *testing.T) {
	conn := &fakeConn{}
	tracker := NewTracker(trackerToken(), conn)
	defer tracker.Close()

	if err := tracker.Set(1, nil, ""); err != nil {
		t.Fatalf("Set(1): %v", err)
	}
	if err := tracker.Set(2, nil, ""); err != nil {
		t.Fatalf("Set(2): %v", err)
	}
	if err := tracker.Set(2, nil, ""); !errors.Is(err, ErrProgressRegression) {
		t.Fatalf("equal value: err = %v, want regression", err)
	}
	if err := tracker.Set(1.5, nil, ""); !errors.Is(err, ErrProgressRegression) {
		t.Fatalf("lower value: err = %v, want regression", err)
	}
	if tracker.Last() != 2 {
		t.Fatalf("Last() = %f, want 2", tracker.Last())
	}
}

func TestTrackerCoalescing(t *testing.T) {
	t.Run("burst collapses to few sends with final value flushed", func(t *testing.T) {
		conn := &fakeConn{}
		tracker := NewTracker(trackerToken(), conn, WithProgressRate(8))

		for i := 1; i <= 100; i++ {
			if err := tracker.Set(float64(i), nil, ""); err != nil {
				t.Fatalf("Set(%d): %v", i, err)
			}
		}
		tracker.Close()

		conn.mu.Lock()
		sends := len(conn.notifications)
		var last map[string]any
		if sends > 0 {
			last = conn.notifications[sends-1].Params.(map[string]any)
		}
		conn.mu.Unlock()

		if sends == 0 {
			t.Fatal("no progress notifications sent")
		}
		if sends >= 100 {
			t.Fatalf("sends = %d, want far fewer than 100", sends)
		}
		if last["progress"] != float64(100) {
			t.Fatalf("final progress = %v, want 100", last["progress"])
		}
	})

	t.Run("close without updates sends nothing", func(t *testing.T) {
		conn := &fakeConn{}
		tracker := NewTracker(trackerToken(), conn)
		tracker.Close()
		if got := len(conn.notifications); got != 0 {
			t.Fatalf("sends = %d, want 0", got)
		}
	})

	t.Run("set after close fails", func(t *testing.T) {
		conn := &fakeConn{}
		tracker := NewTracker(trackerToken(), conn)
		tracker.Close()
		if err := tracker.Set(1, nil, ""); err == nil {
			t.Fatal("expected error after close")
		}
	})
}

func TestTrackerTelemetry(t *testing.T) {
	conn := &fakeConn{}
	var started, emitted, closed bool
	var final float64

	tracker := NewTracker(trackerToken(), conn,
		WithProgressRate(50),
		WithProgressTelemetry(ProgressTelemetry{
			OnStart: func(token ProgressToken) { started = true },
			OnEmit:  func(token ProgressToken, p float64) { emitted = true },
			OnClose: func(token ProgressToken, f float64) { closed = true; final = f },
		}),
	)

	if err := tracker.Set(7, nil, "working"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	tracker.Close()

	if !started || !emitted || !closed {
		t.Fatalf("hooks: start=%v emit=%v close=%v, want all true", started, emitted, closed)
	}
	if final != 7 {
		t.Fatalf("final = %f, want 7", final)
	}
}

func TestExtractProgressToken(t *testing.T) {
	t.Run("reads string tokens", func(t *testing.T) {
		params := json.RawMessage(`{"_meta":{"progressToken":"abc"}}`)
		if got := ExtractProgressToken(params); string(got) != `"abc"` {
			t.Fatalf("token = %s", got)
		}
	})

	t.Run("reads integer tokens", func(t *testing.T) {
		params := json.RawMessage(`{"_meta":{"progressToken":7}}`)
		if got := ExtractProgressToken(params); string(got) != `7` {
			t.Fatalf("token = %s", got)
		}
	})

	t.Run("absent token yields nil", func(t *testing.T) {
		if got := ExtractProgressToken(json.RawMessage(`{"name":"x"}`)); got != nil {
			t.Fatalf("token = %s, want nil", got)
		}
	})
}

package server

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/dedalus-labs/openmcp-go/protocol"
)

// ProgressToken is the opaque value from the request's _meta; it is echoed
// back verbatim on every notifications/progress.
type ProgressToken = json.RawMessage

// Progress tracker defaults.
const (
	DefaultProgressRate     = 8 // emissions per second
	DefaultProgressRetries  = 3
	DefaultProgressRetryMin = 50 * time.Millisecond
	DefaultProgressRetryMax = 250 * time.Millisecond
)

// ErrProgressRegression is returned when a progress value does not increase.
var ErrProgressRegression = errors.New("progress value must be strictly increasing")

// ProgressTelemetry carries optional observer hooks for tracker events.
type ProgressTelemetry struct {
	OnStart func(token ProgressToken)
	OnEmit  func(token ProgressToken, progress float64)
	OnClose func(token ProgressToken, final float64)
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithProgressRate sets the coalescing rate in emissions per second.
func WithProgressRate(perSecond int) TrackerOption {
	return func(t *Tracker) {
		if perSecond > 0 {
			t.tick = time.Second / time.Duration(perSecond)
		}
	}
}

// WithProgressRetryBand sets the jittered retry band for failed sends.
func WithProgressRetryBand(min, max time.Duration) TrackerOption {
	return func(t *Tracker) {
		if min > 0 && max > min {
			t.retryMin, t.retryMax = min, max
		}
	}
}

// WithProgressTelemetry installs observer hooks.
func WithProgressTelemetry(tel ProgressTelemetry) TrackerOption {
	return func(t *Tracker) {
		t.telemetry = tel
	}
}

// Tracker emits coalesced, monotonic progress notifications for one token.
// Bursts of Set calls collapse to at most one send per tick; the last value
// is flushed on Close with best-effort jittered retries.
type Tracker struct {
	token  ProgressToken
	sender Conn
	tick   time.Duration

	retryMin, retryMax time.Duration
	retries            int
	telemetry          ProgressTelemetry

	mu      sync.Mutex
	last    float64
	total   *float64
	message string
	dirty   bool
	started bool
	closed  bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewTracker creates a tracker for the given token, bound to the session's
// transport connection.
func NewTracker(token ProgressToken, sender Conn, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		token:    token,
		sender:   sender,
		tick:     time.Second / DefaultProgressRate,
		retryMin: DefaultProgressRetryMin,
		retryMax: DefaultProgressRetryMax,
		retries:  DefaultProgressRetries,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	go t.run()
	return t
}

// Token returns the tracker's progress token.
func (t *Tracker) Token() ProgressToken {
	return t.token
}

// Set records a progress update. The value must be strictly greater than the
// previous one; regressions return ErrProgressRegression without touching
// the pending state.
func (t *Tracker) Set(progress float64, total *float64, message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("progress tracker closed")
	}
	if t.started && progress <= t.last {
		return ErrProgressRegression
	}
	if !t.started {
		t.started = true
		if t.telemetry.OnStart != nil {
			t.telemetry.OnStart(t.token)
		}
	}
	t.last = progress
	t.total = total
	t.message = message
	t.dirty = true
	return nil
}

// Last returns the most recent value passed to Set.
func (t *Tracker) Last() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Close flushes the final value and stops the emission loop. It is safe to
// call once; subsequent Sets fail.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	final := t.last
	started := t.started
	t.mu.Unlock()

	close(t.stopCh)
	<-t.doneCh

	// At-least-once final value.
	t.flush()
	if started && t.telemetry.OnClose != nil {
		t.telemetry.OnClose(t.token, final)
	}
}

// run is the coalescing loop: one send per tick at most.
func (t *Tracker) run() {
	defer close(t.doneCh)
	ticker := time.NewTicker(t.tick)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.flush()
		}
	}
}

// flush emits the pending value, if any, retrying transient failures with a
// jittered backoff before giving up.
func (t *Tracker) flush() {
	t.mu.Lock()
	if !t.dirty {
		t.mu.Unlock()
		return
	}
	t.dirty = false
	params := map[string]any{
		"progressToken": t.token,
		"progress":      t.last,
	}
	if t.total != nil {
		params["total"] = *t.total
	}
	if t.message != "" {
		params["message"] = t.message
	}
	progress := t.last
	t.mu.Unlock()

	for attempt := 0; ; attempt++ {
		err := t.sender.SendNotification(protocol.MethodProgress, params)
		if err == nil {
			if t.telemetry.OnEmit != nil {
				t.telemetry.OnEmit(t.token, progress)
			}
			return
		}
		if attempt >= t.retries {
			return // transport permanently failing: drop
		}
		time.Sleep(jitterBetween(t.retryMin, t.retryMax))
	}
}

// jitterBetween draws a duration uniformly from [min, max) using a
// cryptographic source.
func jitterBetween(min, max time.Duration) time.Duration {
	span := int64(max - min)
	if span <= 0 {
		return min
	}
	n, err := rand.Int(rand.Reader, big.NewInt(span))
	if err != nil {
		return min
	}
	return min + time.Duration(n.Int64())
}

// progressContextKey is the context key for the tracker.
type progressContextKey struct{}

// ContextWithProgress returns a context with the tracker attached.
func ContextWithProgress(ctx context.Context, tracker *Tracker) context.Context {
	return context.WithValue(ctx, progressContextKey{}, tracker)
}

// ProgressFromContext returns the tracker from context, or nil when the
// request carried no progress token. Callers must nil-check or use Report.
func ProgressFromContext(ctx context.Context) *Tracker {
	tracker, _ := ctx.Value(progressContextKey{}).(*Tracker)
	return tracker
}

// Report is a convenience for handlers: it sets progress when a tracker is
// present and is a no-op otherwise.
func Report(ctx context.Context, progress float64, total *float64) {
	if t := ProgressFromContext(ctx); t != nil {
		_ = t.Set(progress, total, "")
	}
}

// ExtractProgressToken extracts the progress token from request params.
// Returns nil when the request carries none.
func ExtractProgressToken(params json.RawMessage) ProgressToken {
	if len(params) == 0 {
		return nil
	}
	var meta struct {
		Meta struct {
			ProgressToken json.RawMessage `json:"progressToken"`
		} `json:"_meta"`
	}
	if err := json.Unmarshal(params, &meta); err != nil {
		return nil
	}
	return ProgressToken(meta.Meta.ProgressToken)
}

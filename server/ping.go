package server

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/dedalus-labs/openmcp-go/protocol"
)

// Heartbeat defaults.
const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultHeartbeatJitter   = 0.2
	DefaultPingTimeout       = 2 * time.Second
	DefaultIntervalWindow    = 32
	DefaultEWMAAlpha         = 0.2
	DefaultPhiThreshold      = 3.0
	DefaultFailureBudget     = 3
)

// HeartbeatOption configures the heartbeat scheduler.
type HeartbeatOption func(*Heartbeat)

// WithHeartbeatInterval sets the base ping interval.
func WithHeartbeatInterval(d time.Duration) HeartbeatOption {
	return func(h *Heartbeat) { h.interval = d }
}

// WithPingTimeout bounds one ping round trip.
func WithPingTimeout(d time.Duration) HeartbeatOption {
	return func(h *Heartbeat) { h.timeout = d }
}

// WithPhiThreshold sets the suspicion threshold.
func WithPhiThreshold(phi float64) HeartbeatOption {
	return func(h *Heartbeat) { h.phiThreshold = phi }
}

// WithFailureBudget sets how many consecutive failures are tolerated; a
// session is declared down once its failure count exceeds the budget.
func WithFailureBudget(n int) HeartbeatOption {
	return func(h *Heartbeat) { h.failureBudget = n }
}

// WithOnSuspect installs the suspect callback.
func WithOnSuspect(fn func(sess *Session, phi float64)) HeartbeatOption {
	return func(h *Heartbeat) { h.onSuspect = fn }
}

// WithOnDown installs the down callback.
func WithOnDown(fn func(sess *Session)) HeartbeatOption {
	return func(h *Heartbeat) { h.onDown = fn }
}

// sessionHealth is the per-session failure-detector state: a ring buffer of
// inter-arrival intervals, an EWMA round-trip time, and the consecutive
// failure counter.
type sessionHealth struct {
	intervals []time.Duration // ring buffer
	next      int
	count     int
	lastOK    time.Time
	ewmaRTT   time.Duration
	failures  int
}

func newSessionHealth(window int, now time.Time) *sessionHealth {
	return &sessionHealth{
		intervals: make([]time.Duration, window),
		lastOK:    now,
	}
}

// push records a successful round trip.
func (sh *sessionHealth) push(interval, rtt time.Duration, alpha float64, now time.Time) {
	sh.intervals[sh.next] = interval
	sh.next = (sh.next + 1) % len(sh.intervals)
	if sh.count < len(sh.intervals) {
		sh.count++
	}
	if sh.ewmaRTT == 0 {
		sh.ewmaRTT = rtt
	} else {
		sh.ewmaRTT = time.Duration(alpha*float64(rtt) + (1-alpha)*float64(sh.ewmaRTT))
	}
	sh.failures = 0
	sh.lastOK = now
}

// meanInterval returns the mean of the recorded inter-arrival intervals.
func (sh *sessionHealth) meanInterval() time.Duration {
	if sh.count == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < sh.count; i++ {
		sum += sh.intervals[i]
	}
	return sum / time.Duration(sh.count)
}

// phi computes the accrual suspicion score at time now, treating
// inter-arrivals as exponential with rate 1/mean.
func (sh *sessionHealth) phi(now time.Time) float64 {
	mean := sh.meanInterval()
	if mean <= 0 {
		return 0
	}
	t := now.Sub(sh.lastOK)
	if t <= 0 {
		return 0
	}
	p := 1 - math.Exp(-float64(t)/float64(mean))
	if p >= 1 {
		return math.Inf(1)
	}
	return -math.Log10(1 - p)
}

// HealthVerdict classifies a session's liveness.
type HealthVerdict int

const (
	Healthy HealthVerdict = iota
	Suspect
	Down
)

// Heartbeat periodically pings every active session and classifies liveness
// with a phi-accrual failure detector.
type Heartbeat struct {
	sessions *SessionRegistry

	interval      time.Duration
	jitter        float64
	timeout       time.Duration
	window        int
	alpha         float64
	phiThreshold  float64
	failureBudget int

	onSuspect func(sess *Session, phi float64)
	onDown    func(sess *Session)

	mu     sync.Mutex
	health map[string]*sessionHealth
	rng    *rand.Rand
}

// NewHeartbeat creates a heartbeat scheduler over the session registry.
func NewHeartbeat(sessions *SessionRegistry, opts ...HeartbeatOption) *Heartbeat {
	h := &Heartbeat{
		sessions:      sessions,
		interval:      DefaultHeartbeatInterval,
		jitter:        DefaultHeartbeatJitter,
		timeout:       DefaultPingTimeout,
		window:        DefaultIntervalWindow,
		alpha:         DefaultEWMAAlpha,
		phiThreshold:  DefaultPhiThreshold,
		failureBudget: DefaultFailureBudget,
		health:        make(map[string]*sessionHealth),
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run drives the heartbeat loop until the context is cancelled.
func (h *Heartbeat) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(h.jitteredInterval()):
			h.Sweep(ctx)
		}
	}
}

// jitteredInterval returns interval +/- jitter.
func (h *Heartbeat) jitteredInterval() time.Duration {
	h.mu.Lock()
	f := 1 + h.jitter*(2*h.rng.Float64()-1)
	h.mu.Unlock()
	return time.Duration(float64(h.interval) * f)
}

// Sweep pings every live session once and applies the failure detector.
func (h *Heartbeat) Sweep(ctx context.Context) {
	for _, sess := range h.sessions.Snapshot() {
		if sess.Closed() {
			h.Forget(sess)
			continue
		}
		h.pingOne(ctx, sess)
	}
}

// pingOne sends one ping, records the outcome, and classifies the session.
func (h *Heartbeat) pingOne(ctx context.Context, sess *Session) {
	now := time.Now()
	sh := h.healthFor(sess, now)

	pingCtx, cancel := context.WithTimeout(ctx, h.timeout)
	resp, err := sess.Request(pingCtx, protocol.MethodPing, map[string]any{})
	cancel()

	done := time.Now()
	h.mu.Lock()
	if err == nil && resp.Error == nil {
		sh.push(done.Sub(sh.lastOK), done.Sub(now), h.alpha, done)
		h.mu.Unlock()
		return
	}
	sh.failures++
	failures := sh.failures
	phi := sh.phi(done)
	h.mu.Unlock()

	switch h.classify(phi, failures) {
	case Down:
		if h.onDown != nil {
			h.onDown(sess)
		}
		h.Forget(sess)
		h.sessions.Remove(sess.ID())
	case Suspect:
		if h.onSuspect != nil {
			h.onSuspect(sess, phi)
		}
	}
}

// classify applies the detector thresholds.
func (h *Heartbeat) classify(phi float64, failures int) HealthVerdict {
	if failures > h.failureBudget {
		return Down
	}
	if phi > h.phiThreshold {
		return Suspect
	}
	return Healthy
}

// healthFor returns (creating if needed) the session's detector state.
func (h *Heartbeat) healthFor(sess *Session, now time.Time) *sessionHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	sh, ok := h.health[sess.ID()]
	if !ok {
		sh = newSessionHealth(h.window, now)
		h.health[sess.ID()] = sh
	}
	return sh
}

// Touch resets the suspicion clock without sending a ping. Call it when
// ordinary traffic from the session arrives.
func (h *Heartbeat) Touch(sess *Session) {
	now := time.Now()
	h.mu.Lock()
	defer h.mu.Unlock()
	sh, ok := h.health[sess.ID()]
	if !ok {
		h.health[sess.ID()] = newSessionHealth(h.window, now)
		return
	}
	sh.lastOK = now
	sh.failures = 0
}

// Forget discards the detector state for a session.
func (h *Heartbeat) Forget(sess *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.health, sess.ID())
}

// Phi returns the current suspicion score for a session (0 if untracked).
func (h *Heartbeat) Phi(sess *Session) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	sh, ok := h.health[sess.ID()]
	if !ok {
		return 0
	}
	return sh.phi(time.Now())
}

// EWMARTT returns the smoothed round-trip time for a session.
func (h *Heartbeat) EWMARTT(sess *Session) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	sh, ok := h.health[sess.ID()]
	if !ok {
		return 0
	}
	return sh.ewmaRTT
}

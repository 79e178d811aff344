package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dedalus-labs/openmcp-go/protocol"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// SamplingMessage represents a message in a sampling request.
type SamplingMessage struct {
	Role    Role         `json:"role"`
	Content ContentBlock `json:"content"`
}

// CreateMessageRequest asks the client to invoke its LLM.
type CreateMessageRequest struct {
	Messages         []SamplingMessage `json:"messages"`
	MaxTokens        int               `json:"maxTokens"`
	StopSequences    []string          `json:"stopSequences,omitempty"`
	Temperature      *float64          `json:"temperature,omitempty"`
	SystemPrompt     string            `json:"systemPrompt,omitempty"`
	IncludeContext   string            `json:"includeContext,omitempty"` // "none", "thisServer", "allServers"
	ModelPreferences *ModelPreferences `json:"modelPreferences,omitempty"`
	Metadata         map[string]any    `json:"metadata,omitempty"`
}

// ModelPreferences expresses preferences for model selection.
type ModelPreferences struct {
	Hints                []ModelHint `json:"hints,omitempty"`
	CostPriority         *float64    `json:"costPriority,omitempty"`
	SpeedPriority        *float64    `json:"speedPriority,omitempty"`
	IntelligencePriority *float64    `json:"intelligencePriority,omitempty"`
}

// ModelHint hints at a model the client should use.
type ModelHint struct {
	Name string `json:"name,omitempty"`
}

// CreateMessageResult is the response from a sampling request.
type CreateMessageResult struct {
	Role       Role         `json:"role"`
	Content    ContentBlock `json:"content"`
	Model      string       `json:"model"`
	StopReason string       `json:"stopReason,omitempty"` // "endTurn", "stopSequence", "maxTokens"
}

// SamplingConfig holds the per-session gate parameters.
type SamplingConfig struct {
	// Concurrency caps in-flight sampling requests per session.
	Concurrency int
	// Timeout bounds one sampling round trip.
	Timeout time.Duration
	// BreakerThreshold is the consecutive-failure count that opens the
	// circuit.
	BreakerThreshold int
	// BreakerCooldown is how long the circuit stays open.
	BreakerCooldown time.Duration
}

// DefaultSamplingConfig returns the spec defaults.
func DefaultSamplingConfig() SamplingConfig {
	return SamplingConfig{
		Concurrency:      4,
		Timeout:          60 * time.Second,
		BreakerThreshold: 3,
		BreakerCooldown:  30 * time.Second,
	}
}

// samplingGate combines the per-session semaphore and circuit breaker that
// guard sampling/createMessage.
type samplingGate struct {
	cfg SamplingConfig
	sem chan struct{}

	mu       sync.Mutex
	failures int
	openedAt time.Time
	open     bool
	// probing marks the half-open state: exactly one call is admitted after
	// cooldown to test the client.
	probing bool
}

func newSamplingGate(cfg SamplingConfig) *samplingGate {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = 3
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	return &samplingGate{
		cfg: cfg,
		sem: make(chan struct{}, cfg.Concurrency),
	}
}

// admit decides whether a call may proceed given the breaker state.
func (g *samplingGate) admit(now time.Time) *protocol.Error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.open {
		return nil
	}
	if now.Sub(g.openedAt) < g.cfg.BreakerCooldown {
		return protocol.NewServiceUnavailable("sampling circuit open")
	}
	if g.probing {
		// Another call already holds the half-open probe.
		return protocol.NewServiceUnavailable("sampling circuit half-open")
	}
	g.probing = true
	return nil
}

// recordSuccess closes the breaker and resets the failure counter.
func (g *samplingGate) recordSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures = 0
	g.open = false
	g.probing = false
}

// recordFailure counts one failure; crossing the threshold opens the
// breaker. A failed half-open probe re-opens it for a fresh cooldown.
func (g *samplingGate) recordFailure(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures++
	g.probing = false
	if g.failures >= g.cfg.BreakerThreshold {
		g.open = true
		g.openedAt = now
	}
}

// Failures returns the current consecutive-failure count.
func (g *samplingGate) Failures() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failures
}

// Open reports whether the breaker is currently open.
func (g *samplingGate) Open() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

// CreateMessage sends a sampling request to the client through the session
// gate: semaphore, circuit breaker, and request-scoped timeout.
func (s *Session) CreateMessage(ctx context.Context, req *CreateMessageRequest) (*CreateMessageResult, error) {
	if !s.SupportsSampling() {
		return nil, protocol.NewMethodNotFound("client does not support sampling")
	}

	g := s.sampling
	if err := g.admit(time.Now()); err != nil {
		return nil, err
	}

	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		g.recordFailure(time.Now())
		return nil, ctx.Err()
	}
	defer func() { <-g.sem }()

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	resp, err := s.Request(callCtx, protocol.MethodSamplingCreateMessage, req)
	if err != nil {
		g.recordFailure(time.Now())
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, protocol.NewServiceUnavailable("sampling request timed out")
		}
		return nil, err
	}
	if resp.Error != nil {
		g.recordFailure(time.Now())
		return nil, resp.Error
	}

	result, err := decodeResult[CreateMessageResult](resp.Result)
	if err != nil {
		g.recordFailure(time.Now())
		return nil, fmt.Errorf("decode sampling result: %w", err)
	}

	g.recordSuccess()
	return result, nil
}

// SamplingBreakerOpen reports the session's breaker state; exposed for
// telemetry.
func (s *Session) SamplingBreakerOpen() bool {
	return s.sampling.Open()
}

// decodeResult re-marshals a response result into a typed struct.
func decodeResult[T any](v any) (*T, error) {
	var data []byte
	switch tv := v.(type) {
	case json.RawMessage:
		data = tv
	case []byte:
		data = tv
	default:
		var err error
		data, err = json.Marshal(v)
		if err != nil {
			return nil, err
		}
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

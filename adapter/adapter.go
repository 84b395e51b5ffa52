// Package adapter defines the uniform contract the mediation core consumes
// from every backend adapter (§4.1 of the provider-router spec). Per-provider
// request framing lives outside this module; adapter only describes the
// shape a provider implementation must satisfy.
package adapter

import (
	"context"
	"time"

	"github.com/llmcore/mediator/types"
)

// Capability is a feature a provider/model may declare support for.
type Capability string

const (
	CapChat          Capability = "chat"
	CapVision        Capability = "vision"
	CapTools         Capability = "tools"
	CapThinking      Capability = "thinking"
	CapJSON          Capability = "json"
	CapCaching       Capability = "caching"
	CapGrounding     Capability = "grounding"
	CapRealtimeData  Capability = "realtime-data"
)

// ModelSpec describes one model a provider exposes, including its pricing
// descriptor (§3 Provider Record).
type ModelSpec struct {
	ID           string
	MaxTokens    int
	Capabilities map[Capability]struct{}
	Pricing      Pricing
}

// Pricing is the per-model pricing descriptor from §3. All prices are in the
// accounting unit per token (e.g. USD per token, not per-1K).
type Pricing struct {
	InputPrice        float64
	OutputPrice       float64
	CachedInputPrice  *float64
	ReasoningPrice    *float64
	MultimodalPrice   *float64
}

// Describe is the pure, cacheable static description of a provider.
type Describe struct {
	Name         string
	Models       map[string]ModelSpec
	Capabilities map[Capability]struct{}
}

// HasCapability reports whether the provider declares cap across any model,
// or globally if cap is declared at the provider level.
func (d Describe) HasCapability(cap Capability) bool {
	if _, ok := d.Capabilities[cap]; ok {
		return true
	}
	for _, m := range d.Models {
		if _, ok := m.Capabilities[cap]; ok {
			return true
		}
	}
	return false
}

// Request carries everything an adapter needs to execute one completion.
type Request struct {
	Model             string
	Messages          []types.Message
	Temperature       float32
	MaxOutputTokens   int
	Tools             []types.ToolSchema
	RequireTools      bool
	RequireVision     bool
	RequireGrounding  bool
	RequireJSON       bool
	EstimatedInputTokens int
	Timeout           time.Duration
}

// Usage reports token consumption for one completed call, broken down the
// way §3's Usage Row requires.
type Usage struct {
	InputTokens       int
	OutputTokens      int
	ReasoningTokens   int
	CachedInputTokens int
}

// Total returns the sum of all counted token categories.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens + u.ReasoningTokens
}

// Response is the result of a completed (blocking or assembled-streaming) call.
type Response struct {
	Content      string
	Message      types.Message
	Usage        Usage
	FinishReason string
	// NativeCost, when non-nil, is the provider-reported cost for this call
	// and is preferred over the ledger's formula (§4.3).
	NativeCost *float64
}

// FragmentKind enumerates the kinds of incremental streaming fragments an
// adapter may push to a Sink.
type FragmentKind string

const (
	FragmentText     FragmentKind = "text"
	FragmentReasoning FragmentKind = "reasoning"
	FragmentToolCall FragmentKind = "tool-call"
	FragmentFinish   FragmentKind = "finish"
)

// Fragment is one incremental piece of a streaming response.
type Fragment struct {
	Kind     FragmentKind
	Text     string
	ToolCall *types.ToolCall
}

// Sink receives streaming fragments as an adapter produces them. Push
// returns an error if the caller can no longer accept fragments (e.g. the
// caller cancelled); an adapter should treat that as a hard stop.
type Sink interface {
	Push(ctx context.Context, frag Fragment) error
}

// HealthStatus is the result of a lightweight liveness probe.
type HealthStatus struct {
	Healthy bool
	Latency time.Duration
	Detail  string
}

// ErrorClass classifies an adapter error for dispatcher decision-making
// (§4.1). Only Retryable classes are retried by the dispatcher.
type ErrorClass string

const (
	ClassRateLimited ErrorClass = "RateLimited"
	ClassTransient   ErrorClass = "Transient"
	ClassAuthFailure ErrorClass = "AuthFailure"
	ClassBadRequest  ErrorClass = "BadRequest"
	ClassUnavailable ErrorClass = "Unavailable"
	ClassCancelled   ErrorClass = "Cancelled"
)

// Retryable classes per §4.1: only these three may be retried by the dispatcher.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassRateLimited, ClassTransient, ClassUnavailable:
		return true
	default:
		return false
	}
}

// Error wraps an adapter-reported failure with its classification.
type Error struct {
	Class   ErrorClass
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Provider is the fixed contract the dispatcher calls through (§4.1).
type Provider interface {
	// Describe returns the provider's static capabilities and model catalog.
	// Implementations should cache this; it is called on every selection pass.
	Describe() Describe

	// ExecuteBlocking performs a synchronous completion.
	ExecuteBlocking(ctx context.Context, req Request) (Response, error)

	// ExecuteStreaming performs a completion, pushing fragments to sink as
	// they arrive. The returned Response carries the assembled content and
	// aggregated usage once the stream completes.
	ExecuteStreaming(ctx context.Context, req Request, sink Sink) (Response, error)

	// Health performs a lightweight liveness probe.
	Health(ctx context.Context) (HealthStatus, error)

	// Name is the provider's logical identifier, used as the routing key.
	Name() string
}

package adapter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/llmcore/mediator/types"
)

// TestDouble is an in-repo Provider implementation used by the router,
// cache and ledger test suites. Real per-provider adapters live outside
// this module; TestDouble stands in for one behind the same contract.
type TestDouble struct {
	name   string
	models map[string]ModelSpec
	caps   map[Capability]struct{}

	mu         sync.Mutex
	failNext   int
	failClass  ErrorClass
	latency    time.Duration
	healthy    atomic.Bool
	callCount  atomic.Int64
	responder  func(Request) (Response, error)
}

// NewTestDouble creates a healthy test-double provider named name, exposing
// model with the given pricing.
func NewTestDouble(name string, model ModelSpec) *TestDouble {
	td := &TestDouble{
		name: name,
		models: map[string]ModelSpec{
			model.ID: model,
		},
		caps: map[Capability]struct{}{CapChat: {}},
	}
	td.healthy.Store(true)
	return td
}

// WithCapability adds cap to the provider-level capability set.
func (t *TestDouble) WithCapability(cap Capability) *TestDouble {
	t.caps[cap] = struct{}{}
	return t
}

// FailNext arranges for the next n calls to ExecuteBlocking/ExecuteStreaming
// to fail with class.
func (t *TestDouble) FailNext(n int, class ErrorClass) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failNext = n
	t.failClass = class
}

// SetHealthy toggles the result Health() reports.
func (t *TestDouble) SetHealthy(healthy bool) {
	t.healthy.Store(healthy)
}

// SetLatency makes every call sleep for d before returning (respects ctx
// cancellation).
func (t *TestDouble) SetLatency(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latency = d
}

// SetResponder overrides the default echo response with a custom function.
func (t *TestDouble) SetResponder(fn func(Request) (Response, error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.responder = fn
}

// CallCount returns how many times ExecuteBlocking/ExecuteStreaming have run.
func (t *TestDouble) CallCount() int64 { return t.callCount.Load() }

func (t *TestDouble) Name() string { return t.name }

func (t *TestDouble) Describe() Describe {
	return Describe{
		Name:         t.name,
		Models:       t.models,
		Capabilities: t.caps,
	}
}

func (t *TestDouble) Health(ctx context.Context) (HealthStatus, error) {
	if !t.healthy.Load() {
		return HealthStatus{Healthy: false, Detail: "test-double marked unhealthy"}, nil
	}
	return HealthStatus{Healthy: true, Latency: time.Millisecond, Detail: "ok"}, nil
}

func (t *TestDouble) maybeFail() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failNext <= 0 {
		return nil
	}
	t.failNext--
	return &Error{Class: t.failClass, Message: fmt.Sprintf("%s: injected %s failure", t.name, t.failClass)}
}

func (t *TestDouble) sleep(ctx context.Context) error {
	t.mu.Lock()
	d := t.latency
	t.mu.Unlock()
	if d == 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return &Error{Class: ClassCancelled, Message: "context cancelled during call", Cause: ctx.Err()}
	}
}

func (t *TestDouble) ExecuteBlocking(ctx context.Context, req Request) (Response, error) {
	t.callCount.Add(1)
	if err := t.sleep(ctx); err != nil {
		return Response{}, err
	}
	if err := t.maybeFail(); err != nil {
		return Response{}, err
	}

	t.mu.Lock()
	responder := t.responder
	t.mu.Unlock()
	if responder != nil {
		return responder(req)
	}

	content := "echo: " + lastUserContent(req.Messages)
	return Response{
		Content:      content,
		Message:      types.NewAssistantMessage(content),
		FinishReason: "stop",
		Usage: Usage{
			InputTokens:  estimateTokens(req),
			OutputTokens: len(content) / 4,
		},
	}, nil
}

func (t *TestDouble) ExecuteStreaming(ctx context.Context, req Request, sink Sink) (Response, error) {
	resp, err := t.ExecuteBlocking(ctx, req)
	if err != nil {
		return Response{}, err
	}
	if err := sink.Push(ctx, Fragment{Kind: FragmentText, Text: resp.Content}); err != nil {
		return Response{}, &Error{Class: ClassCancelled, Message: "sink rejected fragment", Cause: err}
	}
	if err := sink.Push(ctx, Fragment{Kind: FragmentFinish}); err != nil {
		return Response{}, &Error{Class: ClassCancelled, Message: "sink rejected finish", Cause: err}
	}
	return resp, nil
}

func lastUserContent(msgs []types.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == types.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}

func estimateTokens(req Request) int {
	if req.EstimatedInputTokens > 0 {
		return req.EstimatedInputTokens
	}
	total := 0
	for _, m := range req.Messages {
		total += len(m.Content) / 4
	}
	return total
}

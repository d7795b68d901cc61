// Package invoker calls external providers. Synchronous models are looked up
// in a Registry by model id; workflows are dispatched with WebhookClient.
package invoker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pixelforge/backend/internal/metrics"
)

var (
	// ErrUnsupportedModel is returned for a model id with no registered adapter.
	ErrUnsupportedModel = errors.New("unsupported model")
	// ErrProviderFailure wraps every failed provider round trip: transport
	// errors, timeouts, non-2xx responses and empty outputs.
	ErrProviderFailure = errors.New("provider call failed")
	// ErrInvalidParameters means the request could not be mapped onto the model.
	ErrInvalidParameters = errors.New("invalid parameters")
)

// Result is the outcome of one provider call.
type Result struct {
	Success   bool     `json:"success"`
	OutputURL string   `json:"outputUrl,omitempty"`
	Outputs   []string `json:"outputs,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// Adapter maps generic parameters onto one model's request and extracts its output.
type Adapter interface {
	Invoke(ctx context.Context, params map[string]any) (Result, error)
}

// AdapterFunc lets a plain function serve as an Adapter.
type AdapterFunc func(ctx context.Context, params map[string]any) (Result, error)

func (f AdapterFunc) Invoke(ctx context.Context, params map[string]any) (Result, error) {
	return f(ctx, params)
}

type entry struct {
	adapter Adapter
	timeout time.Duration
}

// Registry maps model ids to adapters. Adding a provider is a Register call.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register binds modelID to a. A positive timeout bounds each call.
func (r *Registry) Register(modelID string, a Adapter, timeout time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[modelID] = entry{adapter: a, timeout: timeout}
}

func (r *Registry) Supports(modelID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[modelID]
	return ok
}

func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Invoke performs a single blocking call with no retry. Any failure comes back
// as a Result with Success false and an error wrapping ErrProviderFailure,
// ErrInvalidParameters or ErrUnsupportedModel.
func (r *Registry) Invoke(ctx context.Context, modelID string, params map[string]any) (Result, error) {
	r.mu.RLock()
	e, ok := r.entries[modelID]
	r.mu.RUnlock()
	if !ok {
		return Result{Error: "unsupported model " + modelID}, fmt.Errorf("%w: %s", ErrUnsupportedModel, modelID)
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := e.adapter.Invoke(ctx, params)
	metrics.InvocationDuration.WithLabelValues(modelID).Observe(time.Since(start).Seconds())

	if err == nil && (!res.Success || res.OutputURL == "") {
		msg := res.Error
		if msg == "" {
			msg = "provider returned no output"
		}
		err = fmt.Errorf("%w: %s", ErrProviderFailure, msg)
	}
	if err != nil {
		if !errors.Is(err, ErrInvalidParameters) && !errors.Is(err, ErrProviderFailure) {
			err = fmt.Errorf("%w: %v", ErrProviderFailure, err)
		}
		metrics.Invocations.WithLabelValues(modelID, "failure").Inc()
		return Result{Success: false, Error: err.Error()}, err
	}
	metrics.Invocations.WithLabelValues(modelID, "success").Inc()
	return res, nil
}

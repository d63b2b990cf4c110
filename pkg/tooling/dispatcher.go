package tooling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultTimeout bounds a tool invocation when the descriptor sets none.
const DefaultTimeout = 30 * time.Second

var (
	// ErrRateLimited reports a dispatch rejected by the tool's limiter.
	ErrRateLimited = errors.New("tooling: rate limited")
	// ErrNoHandler reports a descriptor whose handler id is not wired.
	ErrNoHandler = errors.New("tooling: no handler")
)

// Handler executes one tool call and returns its raw textual output.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Dispatcher validates, rate-limits, and runs tool calls against registered
// handlers. Safe for concurrent use.
type Dispatcher struct {
	registry       *Registry
	handlers       map[string]Handler
	log            *slog.Logger
	defaultTimeout time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// Option adjusts dispatcher construction.
type Option func(*Dispatcher)

// WithDefaultTimeout replaces the fallback invocation timeout for descriptors
// that set none of their own.
func WithDefaultTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.defaultTimeout = d
		}
	}
}

// NewDispatcher wires a registry to a handler set keyed by handler id.
func NewDispatcher(registry *Registry, handlers map[string]Handler, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:       registry,
		handlers:       handlers,
		log:            slog.Default().With("component", "tooling"),
		defaultTimeout: DefaultTimeout,
		limiters:       make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Invoke runs one tool call. Arguments are validated against the tool's
// schema, the per-tool limiter is consulted without blocking, and the
// handler runs under the descriptor's timeout.
func (d *Dispatcher) Invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	desc, ok := d.registry.Lookup(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if err := d.registry.ValidateArgs(name, args); err != nil {
		return "", err
	}

	if desc.RateRPS > 0 && !d.limiter(desc).Allow() {
		return "", fmt.Errorf("%w: %s", ErrRateLimited, name)
	}

	handler, ok := d.handlers[desc.HandlerID]
	if !ok {
		return "", fmt.Errorf("%w: %s (handler %q)", ErrNoHandler, name, desc.HandlerID)
	}

	timeout := d.defaultTimeout
	if desc.TimeoutSeconds > 0 {
		timeout = time.Duration(desc.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	out, err := handler(ctx, args)
	d.log.Debug("tool invoked",
		"tool", name, "duration_ms", time.Since(started).Milliseconds(), "error", err != nil)
	if err != nil {
		return "", fmt.Errorf("tooling: %s: %w", name, err)
	}
	return out, nil
}

func (d *Dispatcher) limiter(desc Descriptor) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[desc.Name]
	if !ok {
		burst := int(desc.RateRPS)
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(desc.RateRPS), burst)
		d.limiters[desc.Name] = l
	}
	return l
}

// marshalSchema and jsonRoundTrip shuttle schema documents and argument maps
// through encoding/json so the validator sees plain generic values.

func marshalSchema(schema map[string]any) ([]byte, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return raw, nil
}

func jsonRoundTrip(args map[string]any) any {
	if args == nil {
		return map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return args
	}
	return doc
}

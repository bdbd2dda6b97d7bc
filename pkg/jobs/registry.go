// Package jobs implements the durable job core: producers enqueue through Queue, a Pool of
// workers claims, executes, retries and dead-letters jobs held by a persistence.JobStore.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dukex/sellerops/pkg/models"
	"github.com/xeipuuv/gojsonschema"
)

// DefaultTimeout bounds handlers registered without an explicit timeout and job types
// without a handler.
const DefaultTimeout = 5 * time.Minute

// Handler executes one attempt of a job. It must honour ctx cancellation, which signals a
// timeout, a cancellation or a forced shutdown, and must be idempotent: an abandoned attempt
// may be retried.
type Handler func(ctx context.Context, job *models.Job) error

// TypedHandler decodes the payload into T before calling fn. Undecodable payloads fail
// permanently.
func TypedHandler[T any](fn func(ctx context.Context, payload T, job *models.Job) error) Handler {
	return func(ctx context.Context, job *models.Job) error {
		var payload T

		if len(job.Payload) > 0 {
			if err := json.Unmarshal(job.Payload, &payload); err != nil {
				return Permanent(fmt.Errorf("%w: %w", ErrInvalidPayload, err))
			}
		}

		return fn(ctx, payload, job)
	}
}

type registration struct {
	handler     Handler
	timeout     time.Duration
	maxAttempts int
	schema      *gojsonschema.Schema
}

// HandlerOption configures a registration.
type HandlerOption func(*registration) error

// WithTimeout overrides the default handler timeout.
func WithTimeout(d time.Duration) HandlerOption {
	return func(r *registration) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %s", d)
		}

		r.timeout = d

		return nil
	}
}

// WithMaxAttempts sets the default attempt budget of jobs of this type.
func WithMaxAttempts(n int) HandlerOption {
	return func(r *registration) error {
		if n < 1 {
			return fmt.Errorf("max attempts must be at least 1, got %d", n)
		}

		r.maxAttempts = n

		return nil
	}
}

// WithSchema validates payloads against a JSON schema on enqueue and before execution.
func WithSchema(schema string) HandlerOption {
	return func(r *registration) error {
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
		if err != nil {
			return fmt.Errorf("failed to compile payload schema: %w", err)
		}

		r.schema = compiled

		return nil
	}
}

// Registry maps job types to handlers. It is safe for concurrent use.
type Registry struct {
	mu             sync.RWMutex
	handlers       map[string]*registration
	defaultTimeout time.Duration
}

func NewRegistry() *Registry {
	return &Registry{
		handlers:       make(map[string]*registration),
		defaultTimeout: DefaultTimeout,
	}
}

// SetDefaultTimeout changes the timeout used when a type has none.
func (r *Registry) SetDefaultTimeout(d time.Duration) {
	if d <= 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.defaultTimeout = d
}

// SetTimeout overrides the timeout of a registered type.
func (r *Registry) SetTimeout(jobType string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", d)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.handlers[jobType]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoHandler, jobType)
	}

	reg.timeout = d

	return nil
}

// Register adds a handler for jobType, replacing any previous one.
func (r *Registry) Register(jobType string, handler Handler, opts ...HandlerOption) error {
	if jobType == "" {
		return fmt.Errorf("job type is required")
	}

	if handler == nil {
		return fmt.Errorf("handler for %q is nil", jobType)
	}

	reg := &registration{handler: handler}

	for _, opt := range opts {
		if err := opt(reg); err != nil {
			return fmt.Errorf("failed to register %q: %w", jobType, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[jobType] = reg

	return nil
}

// MustRegister is Register for static wiring; it panics on an invalid option.
func (r *Registry) MustRegister(jobType string, handler Handler, opts ...HandlerOption) {
	if err := r.Register(jobType, handler, opts...); err != nil {
		panic(err)
	}
}

// Lookup returns the handler for jobType.
func (r *Registry) Lookup(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.handlers[jobType]
	if !ok {
		return nil, false
	}

	return reg.handler, true
}

// Timeout returns the timeout for jobType, or the default for unknown types.
func (r *Registry) Timeout(jobType string) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if reg, ok := r.handlers[jobType]; ok && reg.timeout > 0 {
		return reg.timeout
	}

	return r.defaultTimeout
}

// MaxTimeout is the largest timeout of any registered type, used to size the stale sweep.
func (r *Registry) MaxTimeout() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	longest := r.defaultTimeout

	for _, reg := range r.handlers {
		if reg.timeout > longest {
			longest = reg.timeout
		}
	}

	return longest
}

// MaxAttempts returns the registered attempt budget for jobType, or 0 when none was set.
func (r *Registry) MaxAttempts(jobType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if reg, ok := r.handlers[jobType]; ok {
		return reg.maxAttempts
	}

	return 0
}

// Validate checks payload against the schema registered for jobType, if any.
func (r *Registry) Validate(jobType string, payload json.RawMessage) error {
	r.mu.RLock()
	reg, ok := r.handlers[jobType]
	r.mu.RUnlock()

	if !ok || reg.schema == nil {
		return nil
	}

	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	result, err := reg.schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	if !result.Valid() {
		messages := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			messages = append(messages, desc.String())
		}

		return fmt.Errorf("%w: %s", ErrInvalidPayload, strings.Join(messages, "; "))
	}

	return nil
}

// Types returns the registered job types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for jobType := range r.handlers {
		types = append(types, jobType)
	}

	sort.Strings(types)

	return types
}

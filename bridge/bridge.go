// Package bridge implements the promise-timeout protocol described in
// spec.md §4.D and §6: it lets a request awaiting a foreign (possibly
// host-language, possibly async) handler suspend without polling, and
// guarantees that a late completion arriving after the deadline has
// expired is discarded rather than reaching the client.
//
// The package is deliberately independent of the root rnode package — the
// envelope types here are the wire shape of the "JSON message containing
// the request envelope and a numeric deadline-ms" spec.md §6 describes, not
// Go-native Request/Response values. The root package owns translating
// between the two (see bridge_adapter.go), the same separation the spec's
// §9 design note calls for: "the pipeline depends only on the trait."
package bridge

import (
	"context"
	"errors"
	"time"
)

// Kind identifies whether an invocation is for a middleware ("gas") step or
// the terminal route handler, per spec.md §4.D.
type Kind string

// Invocation kinds.
const (
	KindMiddleware Kind = "middleware"
	KindHandler    Kind = "handler"
)

// CookieSpec is the wire shape of a single Set-Cookie instruction returned
// by a host handler, per spec.md §6's response envelope `cookies` field.
type CookieSpec struct {
	Name     string
	Value    string
	HTTPOnly bool
	Secure   bool
	SameSite string // "Strict" | "Lax" | "None" | ""
	MaxAge   int
	Expires  time.Time
	Path     string
	Domain   string
}

// RequestEnvelope is the JSON-shaped request the bridge hands to a host
// callback, per spec.md §6.
type RequestEnvelope struct {
	Method     string
	Path       string
	PathParams map[string]string
	Query      map[string][]string
	Headers    map[string][]string
	Cookies    map[string]string
	BodyKind   string
	Body       []byte
	ClientIP   string
	Custom     map[string]any
	DeadlineMS int64
}

// ResponseEnvelope is the JSON-shaped response a host callback settles
// with, per spec.md §6: status, content, contentType, headers, cookies,
// customParams, and an optional error.
type ResponseEnvelope struct {
	Status       int
	Content      any
	ContentType  string
	Headers      map[string][]string
	Cookies      []CookieSpec
	CustomParams map[string]any
	Error        string

	// NextCalled and NextError model the middleware continuation
	// capability of spec.md §4.D: NextCalled false with no error means
	// the gas wrote a response and terminated the chain implicitly;
	// NextError non-nil means `next(err)` was invoked.
	NextCalled bool
	NextError  string
}

// AsyncResult is delivered on the channel an `AsyncHandler` returns once
// the host-side work settles.
type AsyncResult struct {
	Response *ResponseEnvelope
	Err      error
}

// AsyncHandler starts host-side work for req and returns a channel that
// will receive exactly one `AsyncResult` once it settles. Implementations
// MUST observe ctx.Done() and make a best effort to cancel the underlying
// work; they are not required to guarantee the channel is ever written to
// after cancellation (the bridge stops reading it either way).
type AsyncHandler func(ctx context.Context, req *RequestEnvelope) <-chan AsyncResult

// ErrNotRegistered is returned when no handler or gas is registered under
// the requested id.
var ErrNotRegistered = errors.New("rnode/bridge: no handler registered for id")

// ErrTimeout is returned as-is (not wrapped) when ctx is done before the
// host settles, whether through deadline expiry or cancellation.
var ErrTimeout = errors.New("rnode/bridge: deadline exceeded awaiting host handler")

// Invoker is the contract to invoke a user handler — possibly foreign,
// possibly async — and await its settlement, per spec.md §4.D. The
// pipeline depends only on this interface; the default implementation
// below wraps a registry of Go-native `AsyncHandler` functions, but a host
// embedding a scripting runtime can supply its own.
type Invoker interface {
	// Invoke dispatches to the handler/gas registered under id and awaits
	// its settlement without busy-polling. On ctx cancellation (deadline
	// expiry), Invoke returns promptly with ErrTimeout; any later
	// write to the handler's result channel is never observed.
	Invoke(ctx context.Context, kind Kind, id string, req *RequestEnvelope) (*ResponseEnvelope, error)
}

// Registry is the default `Invoker`: a concurrency-safe map of ids to
// `AsyncHandler` functions, suitable for a pure-Go embedding (no foreign
// scripting runtime) or as the innermost layer of one that does marshal
// across an FFI boundary.
type Registry struct {
	handlers chan map[string]AsyncHandler // guarded via a 1-buffered channel acting as a mutex
}

// NewRegistry returns a new, empty `Registry`.
func NewRegistry() *Registry {
	r := &Registry{handlers: make(chan map[string]AsyncHandler, 1)}
	r.handlers <- map[string]AsyncHandler{}

	return r
}

// Register binds id to fn. Safe to call concurrently with `Invoke`.
func (r *Registry) Register(id string, fn AsyncHandler) {
	m := <-r.handlers
	m[id] = fn
	r.handlers <- m
}

// Invoke implements `Invoker`.
func (r *Registry) Invoke(ctx context.Context, kind Kind, id string, req *RequestEnvelope) (*ResponseEnvelope, error) {
	m := <-r.handlers
	fn, ok := m[id]
	r.handlers <- m

	if !ok {
		return nil, ErrNotRegistered
	}

	resultCh := fn(ctx, req)

	select {
	case res := <-resultCh:
		return res.Response, res.Err
	case <-ctx.Done():
		// The deadline token has fired. We stop awaiting; whatever the
		// host eventually writes to resultCh is abandoned — nobody ever
		// reads it again, satisfying "late completions ... MUST be
		// discarded."
		return nil, ErrTimeout
	}
}

// Sync wraps a plain synchronous function as an `AsyncHandler`, for the
// common case where the registered handler does not itself need to
// observe cancellation (it simply runs to completion on its own
// goroutine and the bridge's ctx.Done() race still applies around it).
func Sync(fn func(req *RequestEnvelope) (*ResponseEnvelope, error)) AsyncHandler {
	return func(ctx context.Context, req *RequestEnvelope) <-chan AsyncResult {
		ch := make(chan AsyncResult, 1)

		go func() {
			resp, err := fn(req)
			ch <- AsyncResult{Response: resp, Err: err}
		}()

		return ch
	}
}

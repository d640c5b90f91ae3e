// Package reqctx carries the inbound transport request (headers, URL,
// method) to code that runs without an explicit request parameter.
//
// The preferred form is explicit: the outermost adapter stores the request
// in the context.Context (With, Middleware) and inner code reads it back
// (From). Registry covers the remaining seams where a third-party callback
// only hands over a correlation key: the adapter binds the request under
// that key for the lifetime of one inbound request and releases it in a
// deferred call.
package reqctx

import (
	"context"
	"net/http"
	"strings"
	"sync"
)

// Request is the ambient view of one inbound transport request
type Request struct {
	Headers http.Header
	URL     string
	Method  string
}

type contextKey struct{}

// With returns a copy of ctx carrying req
func With(ctx context.Context, req Request) context.Context {
	return context.WithValue(ctx, contextKey{}, req)
}

// From returns the request stored in ctx, if any
func From(ctx context.Context) (Request, bool) {
	if ctx == nil {
		return Request{}, false
	}
	req, ok := ctx.Value(contextKey{}).(Request)
	return req, ok
}

// FromHTTP builds the ambient view of r with an absolute URL
func FromHTTP(r *http.Request) Request {
	return Request{
		Headers: r.Header.Clone(),
		URL:     AbsoluteURL(r),
		Method:  r.Method,
	}
}

// AbsoluteURL reconstructs the URL the client requested. X-Forwarded-Proto
// and X-Forwarded-Host win over the connection when a proxy sits in front.
func AbsoluteURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.TrimSpace(strings.Split(proto, ",")[0])
	}

	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		host = strings.TrimSpace(strings.Split(fwd, ",")[0])
	}

	return scheme + "://" + host + r.URL.RequestURI()
}

// Middleware stores the inbound request in the request context before
// dispatching to next. The value is scoped to the request's context and
// disappears with it.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(With(r.Context(), FromHTTP(r))))
	})
}

// Registry is a keyed ambient store for callback seams that cannot receive
// a context. Keys must be unique per in-flight request.
type Registry struct {
	mu       sync.RWMutex
	requests map[string]*binding
}

type binding struct {
	req Request
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{requests: make(map[string]*binding)}
}

// Bind stores req under key and returns the function that clears it.
// Callers defer the release so the binding never outlives the request.
// A release only clears its own binding: once key has been bound again,
// releasing the older binding is a no-op.
func (r *Registry) Bind(key string, req Request) (release func()) {
	b := &binding{req: req}
	r.mu.Lock()
	r.requests[key] = b
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if r.requests[key] == b {
				delete(r.requests, key)
			}
			r.mu.Unlock()
		})
	}
}

// Lookup returns the request bound to key
func (r *Registry) Lookup(key string) (Request, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.requests[key]
	if !ok {
		return Request{}, false
	}
	return b.req, true
}

// Len returns the number of live bindings
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.requests)
}

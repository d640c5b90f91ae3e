package reqctx

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func TestWithFrom(t *testing.T) {
	ctx := context.Background()
	if _, ok := From(ctx); ok {
		t.Error("Expected no request in empty context")
	}

	req := Request{Headers: http.Header{"Authorization": {"Bearer abc"}}, URL: "https://api.example.com/x", Method: "GET"}
	got, ok := From(With(ctx, req))
	if !ok {
		t.Fatal("Expected request in context")
	}
	if got.URL != req.URL || got.Method != "GET" || got.Headers.Get("Authorization") != "Bearer abc" {
		t.Errorf("Unexpected request: %+v", got)
	}
}

func TestMiddleware(t *testing.T) {
	var seen Request
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = From(r.Context())
	}))

	req := httptest.NewRequest("POST", "/mcp?x=1", nil)
	req.Host = "agent.example.com"
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("Authorization", "Bearer tok")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if seen.URL != "https://agent.example.com/mcp?x=1" {
		t.Errorf("Unexpected URL: %s", seen.URL)
	}
	if seen.Method != "POST" {
		t.Errorf("Unexpected method: %s", seen.Method)
	}
	if seen.Headers.Get("Authorization") != "Bearer tok" {
		t.Errorf("Expected headers to be propagated")
	}
}

func TestRegistry_BindRelease(t *testing.T) {
	registry := NewRegistry()
	release := registry.Bind("rpc-1", Request{URL: "https://a"})

	if got, ok := registry.Lookup("rpc-1"); !ok || got.URL != "https://a" {
		t.Errorf("Expected bound request, got %+v %v", got, ok)
	}

	release()
	release()

	if _, ok := registry.Lookup("rpc-1"); ok {
		t.Error("Expected binding to be released")
	}
	if registry.Len() != 0 {
		t.Errorf("Expected empty registry, got %d", registry.Len())
	}
}

func TestRegistry_ConcurrentIsolation(t *testing.T) {
	registry := NewRegistry()
	var wg sync.WaitGroup
	errs := make(chan error, 50)

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("req-%d", i)
			url := fmt.Sprintf("https://api/%d", i)
			release := registry.Bind(key, Request{URL: url})
			defer release()

			got, ok := registry.Lookup(key)
			if !ok || got.URL != url {
				errs <- fmt.Errorf("request %d saw %+v", i, got)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	if registry.Len() != 0 {
		t.Errorf("Expected all bindings released, got %d", registry.Len())
	}
}

func TestRegistry_StaleReleaseKeepsNewerBinding(t *testing.T) {
	registry := NewRegistry()
	releaseOld := registry.Bind("session", Request{URL: "https://a.example.com/old"})
	releaseNew := registry.Bind("session", Request{URL: "https://a.example.com/new"})

	releaseOld()
	req, ok := registry.Lookup("session")
	if !ok || req.URL != "https://a.example.com/new" {
		t.Fatalf("Expected newer binding to survive, got %+v (ok=%v)", req, ok)
	}

	releaseNew()
	if _, ok := registry.Lookup("session"); ok {
		t.Error("Expected binding cleared after its own release")
	}
}

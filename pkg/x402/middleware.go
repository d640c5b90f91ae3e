package x402

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/siddimore/x402-credits-paywall/pkg/paywall"
	"github.com/siddimore/x402-credits-paywall/pkg/reqctx"
)

// RouteConfig configures the protection of an upstream handler
type RouteConfig struct {
	// Credits is the cost of a successful upstream response. Dynamic costs
	// receive the query parameters as Args and an *Upstream as Result.
	Credits paywall.Credits

	// ExemptPaths lists path prefixes that bypass the paywall
	ExemptPaths []string

	Document DocumentConfig
}

// Upstream is the buffered response of a protected handler
type Upstream struct {
	Status int
	Header http.Header
	Body   []byte
}

// upstreamFailed carries a >= 400 upstream response past the paywall
// without billing it.
type upstreamFailed struct {
	upstream *Upstream
}

func (e *upstreamFailed) Error() string {
	return fmt.Sprintf("x402: upstream responded %d", e.upstream.Status)
}

type requestKey struct{}

// Middleware creates a middleware that implements HTTP 402 Payment Required
// on top of the paywall. The upstream response is buffered and only billed
// when its status is below 400; the outcome is sent in the payment-response
// header.
func Middleware(next http.Handler, pw *paywall.Paywall, config RouteConfig) http.Handler {
	endpoint := pw.Wrap(paywall.Route{
		Kind:        paywall.KindEndpoint,
		Credits:     config.Credits,
		Description: config.Document.Description,
	}, func(ctx context.Context, call paywall.Call, pc paywall.Context) (*paywall.Response, error) {
		r := ctx.Value(requestKey{}).(*http.Request)
		rec := newBufferedResponse()
		next.ServeHTTP(rec, r.WithContext(ctx))

		upstream := rec.upstream()
		if upstream.Status >= http.StatusBadRequest {
			return nil, &upstreamFailed{upstream: upstream}
		}
		return &paywall.Response{Value: upstream}, nil
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isExemptPath(r.URL.Path, config.ExemptPaths) {
			next.ServeHTTP(w, r)
			return
		}

		info := reqctx.FromHTTP(r)
		ctx := reqctx.With(r.Context(), info)
		ctx = context.WithValue(ctx, requestKey{}, r)

		resp, err := endpoint(ctx, paywall.Call{
			Kind:    paywall.KindEndpoint,
			Args:    queryArgs(r),
			Request: &info,
		})

		var failed *upstreamFailed
		switch {
		case errors.As(err, &failed):
			writeUpstream(w, failed.upstream)
			return
		case err != nil:
			WriteError(w, r, pw, config.Document, err)
			return
		}

		outcome, _ := resp.Outcome()
		setPaymentResponse(w, outcome)
		writeUpstream(w, resp.Value.(*Upstream))
	})
}

// isExemptPath checks if the requested path is exempt from payment
func isExemptPath(path string, exemptPaths []string) bool {
	for _, exemptPath := range exemptPaths {
		if exemptPath != "" && strings.HasPrefix(path, exemptPath) {
			return true
		}
	}
	return false
}

func queryArgs(r *http.Request) map[string]any {
	query := r.URL.Query()
	if len(query) == 0 {
		return nil
	}
	args := make(map[string]any, len(query))
	for k, v := range query {
		if len(v) > 0 {
			args[k] = v[0]
		}
	}
	return args
}

// bufferedResponse captures an upstream response so billing can be decided
// before anything reaches the client.
type bufferedResponse struct {
	header     http.Header
	body       bytes.Buffer
	statusCode int
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{header: make(http.Header)}
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(code int) {
	if b.statusCode == 0 {
		b.statusCode = code
	}
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	if b.statusCode == 0 {
		b.statusCode = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedResponse) upstream() *Upstream {
	status := b.statusCode
	if status == 0 {
		status = http.StatusOK
	}
	return &Upstream{Status: status, Header: b.header, Body: b.body.Bytes()}
}

func writeUpstream(w http.ResponseWriter, u *Upstream) {
	dst := w.Header()
	for k, v := range u.Header {
		dst[k] = v
	}
	w.WriteHeader(u.Status)
	_, _ = w.Write(u.Body)
}

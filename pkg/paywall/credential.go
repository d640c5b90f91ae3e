package paywall

import (
	"context"
	"net/http"
	"strings"

	"github.com/siddimore/x402-credits-paywall/pkg/reqctx"
)

// RequestInfo is the explicit header bag a transport adapter hands to a call
type RequestInfo = reqctx.Request

// Credential headers in lookup order
const (
	HeaderAuthorization    = "Authorization"
	HeaderPaymentSignature = "Payment-Signature"
)

var credentialHeaders = []string{HeaderAuthorization, HeaderPaymentSignature}

const bearerPrefix = "Bearer "

// ExtractCredential returns the caller's bearer credential. The explicit
// request info is consulted first, then the request carried by ctx. No
// other source (query string, body, environment) is ever read.
func ExtractCredential(ctx context.Context, info *RequestInfo) (string, bool) {
	if info != nil {
		if credential, ok := credentialFrom(info.Headers); ok {
			return credential, true
		}
	}
	if ambient, ok := reqctx.From(ctx); ok {
		return credentialFrom(ambient.Headers)
	}
	return "", false
}

func credentialFrom(headers http.Header) (string, bool) {
	for _, name := range credentialHeaders {
		value, ok := headerValue(headers, name)
		if !ok {
			continue
		}
		value = strings.TrimPrefix(value, bearerPrefix)
		if value == "" {
			continue
		}
		return value, true
	}
	return "", false
}

// headerValue looks name up case-insensitively and returns the first value.
// Canonical keys are tried first; raw maps built outside net/http may carry
// any casing.
func headerValue(headers http.Header, name string) (string, bool) {
	if len(headers) == 0 {
		return "", false
	}
	if values := headers[http.CanonicalHeaderKey(name)]; len(values) > 0 {
		return values[0], true
	}
	for key, values := range headers {
		if strings.EqualFold(key, name) && len(values) > 0 {
			return values[0], true
		}
	}
	return "", false
}

// requestFor returns the transport request a call came from: explicit info
// first, then the ambient request.
func requestFor(ctx context.Context, info *RequestInfo) (RequestInfo, bool) {
	if info != nil && (info.URL != "" || info.Method != "" || len(info.Headers) > 0) {
		return *info, true
	}
	return reqctx.From(ctx)
}

package paywall

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Kind is the shape of a paid call, declared when a handler is registered
type Kind string

const (
	KindTool     Kind = "tool"
	KindResource Kind = "resource"
	KindPrompt   Kind = "prompt"
	KindEndpoint Kind = "endpoint"
)

// DerivedNamePlaceholder is the derived name of identifiers that are not
// protocol paths, such as plain HTTP endpoints.
const DerivedNamePlaceholder = "request"

const logicalScheme = "mcp"

// LogicalResource is the protocol-level thing being paid for
type LogicalResource struct {
	Kind   Kind
	Server string

	// Name is the tool or prompt name, the resource URI, or the absolute
	// URL of an endpoint.
	Name string

	Args map[string]any
}

// ID returns the canonical identifier sent to the ledger:
//
//	mcp://{server}/tools/{name}?a=1&b=x
//	mcp://{server}/resources/{escaped uri}
//	https://api.example.com/v1/weather?city=paris&units=c   (endpoint)
//
// Query keys are sorted so equal calls produce equal identifiers. Endpoint
// identifiers are the request URL with its own query sorted; Args are not
// added since they are either that query or a request body.
func (r LogicalResource) ID() string {
	if r.Kind == KindEndpoint {
		return CanonicalURL(r.Name)
	}

	var b strings.Builder
	b.WriteString(logicalScheme)
	b.WriteString("://")
	b.WriteString(r.Server)
	b.WriteString("/")
	b.WriteString(string(r.Kind))
	b.WriteString("s/")
	b.WriteString(url.PathEscape(r.Name))

	if query := encodeArgs(r.Args); query != "" {
		b.WriteString("?")
		b.WriteString(query)
	}
	return b.String()
}

// CanonicalURL sorts the query keys of raw. Values of a repeated key keep
// their order. Unparseable input is returned unchanged.
func CanonicalURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.RawQuery == "" {
		return raw
	}
	query, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return raw
	}
	u.RawQuery = query.Encode()
	return u.String()
}

func encodeArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(argString(args[k])))
	}
	return strings.Join(parts, "&")
}

func argString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}

// DerivedName returns the last non-empty path segment of a logical
// identifier, or DerivedNamePlaceholder when id is not a protocol path.
func DerivedName(id string) string {
	u, err := url.Parse(id)
	if err != nil || u.Scheme != logicalScheme {
		return DerivedNamePlaceholder
	}
	segments := strings.Split(u.EscapedPath(), "/")
	for i := len(segments) - 1; i >= 0; i-- {
		if segments[i] == "" {
			continue
		}
		if name, err := url.PathUnescape(segments[i]); err == nil {
			return name
		}
		return segments[i]
	}
	return DerivedNamePlaceholder
}

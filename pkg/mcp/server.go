// Package mcp is a Model Context Protocol server whose tools, resources and
// prompts are paid for with ledger credits.
//
// Every handler registered with AddTool, AddResource or AddPrompt is wrapped
// by the paywall: the caller is authenticated before the handler runs and
// credits are redeemed after it returns. The settlement outcome travels in
// the result's _meta.payment. Payment-required failures surface as JSON-RPC
// error -32003; paywall misconfiguration and propagated settlement failures
// as -32002.
//
// Usage:
//
//	pw := paywall.New(paywall.Config{ResourceID: "res_weather", ServerName: "weather", Ledger: l})
//	server := mcp.NewServer(mcp.ServerConfig{Name: "weather", Paywall: pw})
//	server.AddTool(mcp.Tool{Name: "forecast"}, paywall.Fixed(2), forecast)
//
//	http.Handle("/mcp", server) // HTTP transport
//	// or
//	server.ListenStdio(ctx) // stdio transport
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/siddimore/x402-credits-paywall/pkg/jsonrpc"
	"github.com/siddimore/x402-credits-paywall/pkg/paywall"
	"github.com/siddimore/x402-credits-paywall/pkg/reqctx"
	"github.com/siddimore/x402-credits-paywall/pkg/x402"
)

// ServerConfig configures the MCP server
type ServerConfig struct {
	Name    string
	Version string

	// Paywall gates every registered handler. A nil paywall fails every
	// paid call as misconfigured.
	Paywall *paywall.Paywall

	// Document shapes the payment-required header of HTTP 402 responses
	Document x402.DocumentConfig

	Logger *zerolog.Logger
}

type toolEntry struct {
	tool     Tool
	endpoint paywall.Endpoint
}

type resourceEntry struct {
	resource Resource
	template *uriTemplate
	endpoint paywall.Endpoint
}

type promptEntry struct {
	prompt   Prompt
	endpoint paywall.Endpoint
}

// Server is the MCP server
type Server struct {
	config  ServerConfig
	paywall *paywall.Paywall
	logger  zerolog.Logger

	mu        sync.RWMutex
	tools     []*toolEntry
	resources []*resourceEntry
	prompts   []*promptEntry

	sessions *reqctx.Registry
}

// NewServer creates a new MCP server
func NewServer(config ServerConfig) *Server {
	if config.Name == "" {
		config.Name = "x402-mcp-server"
	}
	if config.Version == "" {
		config.Version = "1.0.0"
	}
	pw := config.Paywall
	if pw == nil {
		pw = paywall.New(paywall.Config{})
	}

	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = config.Logger.With().Str("component", "mcp").Logger()
	}

	return &Server{
		config:   config,
		paywall:  pw,
		logger:   logger,
		sessions: reqctx.NewRegistry(),
	}
}

// AddTool registers a paid tool. The handler receives the call arguments
// in Call.Args and returns a *ToolResult, a string, content blocks or any
// JSON value; streamed items become content blocks.
func (s *Server) AddTool(tool Tool, credits paywall.Credits, h paywall.Handler) {
	if tool.InputSchema.Type == "" {
		tool.InputSchema.Type = "object"
	}
	endpoint := s.paywall.Wrap(paywall.Route{
		Kind:        paywall.KindTool,
		Name:        tool.Name,
		Credits:     credits,
		Description: tool.Description,
	}, h)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools = append(s.tools, &toolEntry{tool: tool, endpoint: endpoint})
}

// AddResource registers a paid resource. Template variables are passed in
// Call.Variables.
func (s *Server) AddResource(resource Resource, credits paywall.Credits, h paywall.Handler) {
	endpoint := s.paywall.Wrap(paywall.Route{
		Kind:        paywall.KindResource,
		Name:        resource.URI,
		Credits:     credits,
		Description: resource.Description,
	}, h)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources = append(s.resources, &resourceEntry{
		resource: resource,
		template: compileTemplate(resource.URI),
		endpoint: endpoint,
	})
}

// AddPrompt registers a paid prompt. Prompt arguments are passed in
// Call.Args as strings.
func (s *Server) AddPrompt(prompt Prompt, credits paywall.Credits, h paywall.Handler) {
	endpoint := s.paywall.Wrap(paywall.Route{
		Kind:        paywall.KindPrompt,
		Name:        prompt.Name,
		Credits:     credits,
		Description: prompt.Description,
	}, h)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, &promptEntry{prompt: prompt, endpoint: endpoint})
}

// Tools returns the registered tools in registration order
func (s *Server) Tools() []Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Tool, 0, len(s.tools))
	for _, e := range s.tools {
		out = append(out, e.tool)
	}
	return out
}

// BindSession binds an ambient request to a transport session. Stdio calls
// have no header bag of their own and authenticate with the request bound
// under StdioSession.
func (s *Server) BindSession(key string, req reqctx.Request) (release func()) {
	return s.sessions.Bind(key, req)
}

// Handle dispatches one JSON-RPC request. Notifications get no response.
func (s *Server) Handle(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	if req.JSONRPC != jsonrpc.Version || req.Method == "" {
		resp := jsonrpc.Failure(req.ID, jsonrpc.InvalidRequest, "Invalid request")
		return &resp
	}
	if req.ID == nil && isNotification(req.Method) {
		return nil
	}

	s.logger.Debug().Str("method", req.Method).Msg("mcp request")

	result, err := s.dispatch(ctx, req)
	if err != nil {
		s.logFailure(req.Method, err)
		resp := jsonrpc.ErrorResponse(req.ID, err)
		return &resp
	}
	resp := jsonrpc.Result(req.ID, result)
	return &resp
}

func isNotification(method string) bool {
	return strings.HasPrefix(method, "notifications/")
}

func (s *Server) logFailure(method string, err error) {
	switch paywall.KindOf(err) {
	case paywall.KindPaymentRequired:
		s.logger.Debug().Err(err).Str("method", method).Msg("payment required")
	case "":
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			return
		}
		s.logger.Error().Err(err).Str("method", method).Msg("mcp handler failed")
	default:
		s.logger.Error().Err(err).Str("method", method).Msg("paywall failure")
	}
}

func (s *Server) dispatch(ctx context.Context, req *jsonrpc.Request) (any, error) {
	switch req.Method {
	case "initialize":
		return s.initialize(), nil
	case "ping":
		return struct{}{}, nil
	case "tools/list":
		return map[string]any{"tools": s.Tools()}, nil
	case "tools/call":
		return s.callTool(ctx, req.Params)
	case "resources/list":
		return map[string]any{"resources": s.listResources(false)}, nil
	case "resources/templates/list":
		return map[string]any{"resourceTemplates": s.listResources(true)}, nil
	case "resources/read":
		return s.readResource(ctx, req.Params)
	case "prompts/list":
		return map[string]any{"prompts": s.listPrompts()}, nil
	case "prompts/get":
		return s.getPrompt(ctx, req.Params)
	default:
		return nil, jsonrpc.MethodNotFoundError(req.Method)
	}
}

func (s *Server) initialize() map[string]any {
	return map[string]any{
		"protocolVersion": ProtocolVersion,
		"serverInfo": map[string]string{
			"name":    s.config.Name,
			"version": s.config.Version,
		},
		"capabilities": map[string]any{
			"tools":     map[string]bool{"listChanged": false},
			"resources": map[string]bool{"subscribe": false, "listChanged": false},
			"prompts":   map[string]bool{"listChanged": false},
		},
	}
}

func (s *Server) callTool(ctx context.Context, raw json.RawMessage) (*ToolResult, error) {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := decodeParams(raw, &params); err != nil || params.Name == "" {
		return nil, jsonrpc.InvalidParamsError("Invalid params")
	}

	entry := s.tool(params.Name)
	if entry == nil {
		return nil, jsonrpc.InvalidParamsError("Unknown tool: " + params.Name)
	}

	resp, err := entry.endpoint(ctx, paywall.Call{
		Kind: paywall.KindTool,
		Name: params.Name,
		Args: params.Arguments,
	})
	if err != nil {
		return nil, err
	}

	value, meta, err := collect(ctx, resp)
	if err != nil {
		return nil, err
	}
	result := toToolResult(value)
	result.Meta = mergeMeta(result.Meta, meta)
	return result, nil
}

func (s *Server) readResource(ctx context.Context, raw json.RawMessage) (*ReadResourceResult, error) {
	var params struct {
		URI string `json:"uri"`
	}
	if err := decodeParams(raw, &params); err != nil || params.URI == "" {
		return nil, jsonrpc.InvalidParamsError("Invalid params")
	}

	entry, vars := s.resource(params.URI)
	if entry == nil {
		return nil, jsonrpc.InvalidParamsError("Unknown resource: " + params.URI)
	}

	resp, err := entry.endpoint(ctx, paywall.Call{
		Kind:      paywall.KindResource,
		URI:       params.URI,
		Variables: vars,
	})
	if err != nil {
		return nil, err
	}

	value, meta, err := collect(ctx, resp)
	if err != nil {
		return nil, err
	}
	result := toReadResult(params.URI, entry.resource.MimeType, value)
	result.Meta = mergeMeta(result.Meta, meta)
	return result, nil
}

func (s *Server) getPrompt(ctx context.Context, raw json.RawMessage) (*GetPromptResult, error) {
	var params struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments"`
	}
	if err := decodeParams(raw, &params); err != nil || params.Name == "" {
		return nil, jsonrpc.InvalidParamsError("Invalid params")
	}

	entry := s.prompt(params.Name)
	if entry == nil {
		return nil, jsonrpc.InvalidParamsError("Unknown prompt: " + params.Name)
	}
	for _, arg := range entry.prompt.Arguments {
		if _, ok := params.Arguments[arg.Name]; arg.Required && !ok {
			return nil, jsonrpc.InvalidParamsError("Missing required argument: " + arg.Name)
		}
	}

	var args map[string]any
	if len(params.Arguments) > 0 {
		args = make(map[string]any, len(params.Arguments))
		for k, v := range params.Arguments {
			args[k] = v
		}
	}

	resp, err := entry.endpoint(ctx, paywall.Call{
		Kind: paywall.KindPrompt,
		Name: params.Name,
		Args: args,
	})
	if err != nil {
		return nil, err
	}

	value, meta, err := collect(ctx, resp)
	if err != nil {
		return nil, err
	}
	result := toPromptResult(entry.prompt.Description, value)
	result.Meta = mergeMeta(result.Meta, meta)
	return result, nil
}

func (s *Server) tool(name string) *toolEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.tools {
		if e.tool.Name == name {
			return e
		}
	}
	return nil
}

// resource prefers exact URIs over templates
func (s *Server) resource(uri string) (*resourceEntry, map[string]string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.resources {
		if e.template == nil && e.resource.URI == uri {
			return e, nil
		}
	}
	for _, e := range s.resources {
		if e.template == nil {
			continue
		}
		if vars, ok := e.template.match(uri); ok {
			return e, vars
		}
	}
	return nil, nil
}

func (s *Server) prompt(name string) *promptEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.prompts {
		if e.prompt.Name == name {
			return e
		}
	}
	return nil
}

func (s *Server) listResources(templates bool) []any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]any, 0, len(s.resources))
	for _, e := range s.resources {
		if (e.template != nil) != templates {
			continue
		}
		if templates {
			out = append(out, resourceTemplate{
				URITemplate: e.resource.URI,
				Name:        e.resource.Name,
				Description: e.resource.Description,
				MimeType:    e.resource.MimeType,
			})
			continue
		}
		out = append(out, e.resource)
	}
	return out
}

func (s *Server) listPrompts() []Prompt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Prompt, 0, len(s.prompts))
	for _, e := range s.prompts {
		out = append(out, e.prompt)
	}
	return out
}

func decodeParams(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// collect drains a streamed response into its items. The payment outcome
// comes from the trailer item, or the settlement future when streams are
// configured without one.
func collect(ctx context.Context, resp *paywall.Response) (any, map[string]any, error) {
	if resp.Stream == nil {
		return resp.Value, resp.Meta, nil
	}

	var items []any
	var outcome *paywall.Outcome
	for item, err := range resp.Stream {
		if err != nil {
			return nil, nil, err
		}
		if trailer, ok := paywall.AsTrailer(item); ok {
			payment := trailer.Payment
			outcome = &payment
			continue
		}
		items = append(items, item)
	}
	if outcome == nil && resp.Settlement != nil {
		if o, err := resp.Settlement.Wait(ctx); err == nil {
			outcome = &o
		}
	}

	meta := maps.Clone(resp.Meta)
	if outcome != nil {
		if meta == nil {
			meta = make(map[string]any, 1)
		}
		meta[MetaKeyPayment] = *outcome
	}
	return items, meta, nil
}

func mergeMeta(dst, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		return maps.Clone(src)
	}
	maps.Copy(dst, src)
	return dst
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

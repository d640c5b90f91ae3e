package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"

	"github.com/siddimore/x402-credits-paywall/pkg/jsonrpc"
	"github.com/siddimore/x402-credits-paywall/pkg/reqctx"
	"github.com/siddimore/x402-credits-paywall/pkg/x402"
)

// StdioSession is the session key of the stdio transport
const StdioSession = "stdio"

const maxMessageSize = 4 << 20

// ListenStdio starts the server on stdin/stdout (standard MCP transport)
func (s *Server) ListenStdio(ctx context.Context) error {
	return s.ServeStdio(ctx, os.Stdin, os.Stdout)
}

// ServeStdio serves newline-delimited JSON-RPC messages from in until EOF
// or ctx is done.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)
	encoder := json.NewEncoder(out)

	for {
		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			if resp := s.serveMessage(s.sessionContext(ctx, StdioSession), line); resp != nil {
				if encErr := encoder.Encode(resp); encErr != nil {
					return encErr
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// sessionContext binds the session's request unless one is already ambient
func (s *Server) sessionContext(ctx context.Context, key string) context.Context {
	if _, ok := reqctx.From(ctx); ok {
		return ctx
	}
	if req, ok := s.sessions.Lookup(key); ok {
		return reqctx.With(ctx, req)
	}
	return ctx
}

func (s *Server) serveMessage(ctx context.Context, raw []byte) *jsonrpc.Response {
	var req jsonrpc.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		resp := jsonrpc.Failure(nil, jsonrpc.ParseError, "Parse error")
		return &resp
	}
	return s.Handle(ctx, &req)
}

// ServeHTTP implements the HTTP transport: one JSON-RPC message per POST.
// The inbound request is bound for the paywall; payment-required errors are
// answered with HTTP 402 and the payment-required header.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, jsonrpc.Failure(nil, jsonrpc.ParseError, "Parse error"))
		return
	}

	ctx := reqctx.With(r.Context(), reqctx.FromHTTP(r))
	resp := s.serveMessage(ctx, raw)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	status := http.StatusOK
	if resp.Error != nil && resp.Error.Code == jsonrpc.PaymentRequired {
		status = http.StatusPaymentRequired
		doc := x402.NewPaymentRequiredDocument(reqctx.AbsoluteURL(r), s.paywall.Config().ResourceID, s.config.Document, resp.Error.Message)
		w.Header().Set(x402.HeaderPaymentRequired, doc.Header())
		w.Header().Add("Access-Control-Expose-Headers", x402.HeaderPaymentRequired)
	}
	writeJSON(w, status, resp)
}

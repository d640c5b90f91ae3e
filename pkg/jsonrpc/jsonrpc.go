// Package jsonrpc holds the JSON-RPC 2.0 envelope shared by the MCP and A2A
// bindings, and maps paywall errors onto it.
package jsonrpc

import (
	"encoding/json"
	"errors"

	"github.com/siddimore/x402-credits-paywall/pkg/paywall"
)

// Version is the only protocol version spoken
const Version = "2.0"

// Request is a JSON-RPC 2.0 request
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response
type Response struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id,omitempty"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// Standard error codes, plus the codes reserved by the paywall
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603

	Misconfiguration = paywall.CodeMisconfiguration
	PaymentRequired  = paywall.CodePaymentRequired
)

// Result builds a success response
func Result(id, result any) Response {
	return Response{JSONRPC: Version, ID: id, Result: result}
}

// Failure builds an error response
func Failure(id any, code int, message string) Response {
	return Response{JSONRPC: Version, ID: id, Error: &Error{Code: code, Message: message}}
}

// FromError maps err to a JSON-RPC error. Paywall errors keep their reserved
// code and carry reason and suggestions in data; anything else becomes an
// internal error whose message does not leak.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	mapped := paywall.MapError(err)
	out := &Error{
		Code:    paywall.JSONRPCCode(err),
		Message: mapped.Message,
	}

	pe, ok := paywall.AsError(err)
	if !ok {
		return out
	}
	data := map[string]any{
		"textCode": mapped.TextCode,
		"kind":     string(pe.Kind),
	}
	if pe.Reason != "" {
		data["reason"] = string(pe.Reason)
	}
	if pe.Resource != "" {
		data["resource"] = pe.Resource
	}
	if len(pe.Suggestions) > 0 {
		data["suggestions"] = pe.Suggestions
	}
	out.Data = data
	return out
}

// ErrorResponse builds an error response for err
func ErrorResponse(id any, err error) Response {
	return Response{JSONRPC: Version, ID: id, Error: FromError(err)}
}

// InvalidParamsError reports malformed params
func InvalidParamsError(message string) *Error {
	return &Error{Code: InvalidParams, Message: message}
}

// MethodNotFoundError reports an unknown method
func MethodNotFoundError(method string) *Error {
	return &Error{Code: MethodNotFound, Message: "Method not found: " + method}
}

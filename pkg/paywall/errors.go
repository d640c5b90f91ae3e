package paywall

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"

	"github.com/siddimore/x402-credits-paywall/pkg/ledger"
)

// ErrorKind is one of the paywall's domain error kinds
type ErrorKind string

const (
	// KindPaymentRequired: credential missing, invalid or out of balance.
	// Always recoverable by the caller obtaining access.
	KindPaymentRequired ErrorKind = "payment_required"

	// KindMisconfiguration: the owning resource is not configured. Operator error.
	KindMisconfiguration ErrorKind = "misconfiguration"

	// KindSettlementFailed: the ledger rejected or failed a redemption.
	// Only surfaced under the propagate redemption policy.
	KindSettlementFailed ErrorKind = "settlement_failed"
)

// Reason qualifies a payment-required failure
type Reason string

const (
	ReasonMissing Reason = "missing"
	ReasonInvalid Reason = "invalid"
)

// Text codes of the service error envelope
const (
	TextCodePaymentRequired  = "PAYMENT_REQUIRED"
	TextCodeMisconfiguration = "PAYWALL_MISCONFIGURED"
	TextCodeSettlementFailed = "SETTLEMENT_FAILED"
	TextCodeInternal         = "INTERNAL_ERROR"
)

// JSON-RPC error codes reserved by the paywall
const (
	CodeMisconfiguration = -32002
	CodePaymentRequired  = -32003
	CodeInternal         = -32603
)

// ErrConfigLocked is returned by Configure once the first call was accepted
var ErrConfigLocked = errors.New("paywall: configuration is locked after the first accepted call")

// Error is the paywall's domain error
type Error struct {
	Kind        ErrorKind
	Reason      Reason
	Message     string
	Resource    string
	Suggestions []ledger.Grant
	Cause       error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Cause != nil {
		return fmt.Sprintf("paywall: %s: %v", msg, e.Cause)
	}
	return "paywall: " + msg
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus returns the transport status for the error kind
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindPaymentRequired:
		return http.StatusPaymentRequired
	case KindSettlementFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// JSONRPCCode returns the reserved JSON-RPC code for the error kind.
// Settlement failures share the misconfiguration code: the wire format only
// reserves two codes and both describe a server-side fault.
func (e *Error) JSONRPCCode() int {
	if e.Kind == KindPaymentRequired {
		return CodePaymentRequired
	}
	return CodeMisconfiguration
}

// ToServiceError converts the error into the service error envelope
func (e *Error) ToServiceError() *goerrors.Error {
	metadata := map[string]any{
		"kind": string(e.Kind),
	}
	if e.Reason != "" {
		metadata["reason"] = string(e.Reason)
	}
	if e.Resource != "" {
		metadata["resource"] = e.Resource
	}
	if len(e.Suggestions) > 0 {
		metadata["suggestions"] = e.Suggestions
	}

	var out *goerrors.Error
	switch e.Kind {
	case KindPaymentRequired:
		out = goerrors.New(e.publicMessage(), goerrors.CategoryAuth).
			WithTextCode(TextCodePaymentRequired)
	case KindSettlementFailed:
		out = goerrors.New(e.publicMessage(), goerrors.CategoryExternal).
			WithTextCode(TextCodeSettlementFailed)
	default:
		out = goerrors.New(e.publicMessage(), goerrors.CategoryInternal).
			WithTextCode(TextCodeMisconfiguration)
	}
	return out.WithCode(e.HTTPStatus()).WithMetadata(metadata)
}

// publicMessage is the message shown to callers; causes stay in the logs.
func (e *Error) publicMessage() string {
	if e.Message != "" {
		return e.Message
	}
	return strings.ReplaceAll(string(e.Kind), "_", " ")
}

// PaymentRequired builds a payment-required error
func PaymentRequired(reason Reason, resource, message string, cause error) *Error {
	return &Error{
		Kind:     KindPaymentRequired,
		Reason:   reason,
		Message:  message,
		Resource: resource,
		Cause:    cause,
	}
}

// Misconfiguration builds a misconfiguration error
func Misconfiguration(message string) *Error {
	return &Error{Kind: KindMisconfiguration, Message: message}
}

// SettlementFailed builds a settlement failure
func SettlementFailed(resource string, cause error) *Error {
	return &Error{
		Kind:     KindSettlementFailed,
		Message:  "failed to redeem credits",
		Resource: resource,
		Cause:    cause,
	}
}

// AsError extracts a paywall error from err's chain
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// KindOf returns the paywall error kind of err, or "" for foreign errors
func KindOf(err error) ErrorKind {
	if pe, ok := AsError(err); ok {
		return pe.Kind
	}
	return ""
}

// IsPaymentRequired reports whether err is a payment-required error
func IsPaymentRequired(err error) bool { return KindOf(err) == KindPaymentRequired }

// MapError converts any error into the service error envelope. Paywall
// errors keep their kind; go-errors envelopes pass through; everything else
// becomes an internal error without leaking its message.
func MapError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if pe, ok := AsError(err); ok {
		return pe.ToServiceError()
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		if richErr.Code == 0 {
			richErr.Code = http.StatusInternalServerError
		}
		if strings.TrimSpace(richErr.TextCode) == "" {
			richErr.TextCode = TextCodeInternal
		}
		return richErr
	}

	return goerrors.New("An unexpected error occurred", goerrors.CategoryInternal).
		WithCode(http.StatusInternalServerError).
		WithTextCode(TextCodeInternal)
}

// JSONRPCCode maps err to a JSON-RPC error code
func JSONRPCCode(err error) int {
	if pe, ok := AsError(err); ok {
		return pe.JSONRPCCode()
	}
	return CodeInternal
}

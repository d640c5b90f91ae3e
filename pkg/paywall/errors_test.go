package paywall

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	goerrors "github.com/goliatone/go-errors"
)

func TestError_ToServiceError(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		status   int
		textCode string
		rpcCode  int
	}{
		{"payment required", PaymentRequired(ReasonMissing, "mcp://w/tools/x", "Authorization required", nil), http.StatusPaymentRequired, TextCodePaymentRequired, CodePaymentRequired},
		{"misconfiguration", Misconfiguration("owning resource identifier is not configured"), http.StatusInternalServerError, TextCodeMisconfiguration, CodeMisconfiguration},
		{"settlement failed", SettlementFailed("mcp://w/tools/x", errors.New("boom")), http.StatusBadGateway, TextCodeSettlementFailed, CodeMisconfiguration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mapped := tt.err.ToServiceError()
			if mapped == nil {
				t.Fatal("expected mapped error")
			}
			if mapped.Code != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, mapped.Code)
			}
			if mapped.TextCode != tt.textCode {
				t.Errorf("expected text code %q, got %q", tt.textCode, mapped.TextCode)
			}
			if got := JSONRPCCode(tt.err); got != tt.rpcCode {
				t.Errorf("expected JSON-RPC code %d, got %d", tt.rpcCode, got)
			}
		})
	}
}

func TestError_CauseNotLeaked(t *testing.T) {
	err := SettlementFailed("mcp://w/tools/x", errors.New("ledger password=hunter2"))
	mapped := err.ToServiceError()
	if mapped.Message != "failed to redeem credits" {
		t.Errorf("unexpected public message %q", mapped.Message)
	}
	if !errors.Is(err, err.Cause) {
		t.Error("expected cause to be reachable through Unwrap")
	}
}

func TestMapError(t *testing.T) {
	wrapped := fmt.Errorf("handler: %w", PaymentRequired(ReasonInvalid, "id", "Payment required for id", nil))
	if got := MapError(wrapped); got.Code != http.StatusPaymentRequired {
		t.Errorf("expected wrapped paywall error to keep 402, got %d", got.Code)
	}

	unknown := MapError(errors.New("secret internals"))
	if unknown.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", unknown.Code)
	}
	if unknown.TextCode != TextCodeInternal {
		t.Errorf("expected %q, got %q", TextCodeInternal, unknown.TextCode)
	}
	if unknown.Message == "secret internals" {
		t.Error("foreign error message must not cross the boundary")
	}

	rich := goerrors.New("bad input", goerrors.CategoryBadInput).WithCode(http.StatusBadRequest).WithTextCode("BAD_INPUT")
	if got := MapError(rich); got.Code != http.StatusBadRequest || got.TextCode != "BAD_INPUT" {
		t.Errorf("expected go-errors envelope to pass through, got %d %q", got.Code, got.TextCode)
	}

	if MapError(nil) != nil {
		t.Error("expected nil for nil error")
	}
	if JSONRPCCode(errors.New("x")) != CodeInternal {
		t.Error("expected internal JSON-RPC code for foreign errors")
	}
}

func TestKindOf(t *testing.T) {
	if KindOf(errors.New("x")) != "" {
		t.Error("expected empty kind for foreign error")
	}
	if !IsPaymentRequired(PaymentRequired(ReasonMissing, "", "", nil)) {
		t.Error("expected payment required")
	}
}

package ledger

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestServer(t *testing.T, apiKey string) (*Memory, *HTTPClient) {
	t.Helper()

	m := newTestMemory()
	m.AddGrant("agent-1", Grant{ID: "plan_basic", Name: "Basic"})
	m.AddGrant("agent-1", Grant{ID: "plan_pro", Name: "Pro"})

	server := httptest.NewServer(NewHTTPHandler(m, apiKey))
	t.Cleanup(server.Close)

	client := NewHTTPClient(ClientConfig{
		Endpoint: server.URL,
		APIKey:   apiKey,
		Timeout:  2 * time.Second,
	})
	return m, client
}

func TestHTTPClient_StartAndRedeem(t *testing.T) {
	m, client := newTestServer(t, "secret")
	ctx := context.Background()

	result, err := client.StartRequest(ctx, "agent-1", "valid_token", "mcp://weather/tools/forecast", "POST")
	if err != nil {
		t.Fatalf("StartRequest failed: %v", err)
	}
	if !result.IsSubscriber || result.Balance.Credits != 10 {
		t.Errorf("Unexpected start result: %+v", result)
	}

	receipt, err := client.Redeem(ctx, result.RequestID, "valid_token", 2)
	if err != nil {
		t.Fatalf("Redeem failed: %v", err)
	}
	if !receipt.Success || receipt.CreditsRedeemed != 2 {
		t.Errorf("Unexpected receipt: %+v", receipt)
	}
	if m.Credits("valid_token") != 8 {
		t.Errorf("Expected 8 credits left, got %d", m.Credits("valid_token"))
	}
}

func TestHTTPClient_ErrorMapping(t *testing.T) {
	_, client := newTestServer(t, "")
	ctx := context.Background()

	_, err := client.StartRequest(ctx, "agent-1", "unknown", "mcp://x/tools/y", "POST")
	if !errors.Is(err, ErrUnknownCredential) {
		t.Errorf("Expected ErrUnknownCredential, got %v", err)
	}

	_, err = client.Redeem(ctx, "req_missing", "valid_token", 1)
	if !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("Expected ErrUnknownRequest, got %v", err)
	}

	result, _ := client.StartRequest(ctx, "agent-1", "valid_token", "mcp://x/tools/y", "POST")
	_, err = client.Redeem(ctx, result.RequestID, "valid_token", 100)
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Errorf("Expected ErrInsufficientCredits, got %v", err)
	}
}

func TestHTTPClient_WrongAPIKey(t *testing.T) {
	m, _ := newTestServer(t, "secret")
	server := httptest.NewServer(NewHTTPHandler(m, "secret"))
	defer server.Close()

	client := NewHTTPClient(ClientConfig{Endpoint: server.URL, APIKey: "wrong"})
	_, err := client.StartRequest(context.Background(), "agent-1", "valid_token", "mcp://x/tools/y", "POST")
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized, got %v", err)
	}
}

func TestHTTPClient_VerifyAndSettle(t *testing.T) {
	m, client := newTestServer(t, "")
	ctx := context.Background()

	receipt, err := client.VerifyAndSettle(ctx, SettleRequest{
		ResourceID:        "agent-1",
		Credits:           3,
		Credential:        "valid_token",
		SubscriberAddress: "0xSubscriber",
	})
	if err != nil {
		t.Fatalf("VerifyAndSettle failed: %v", err)
	}
	if receipt.CreditsRedeemed != 3 {
		t.Errorf("Expected 3 credits, got %d", receipt.CreditsRedeemed)
	}
	if m.Credits("valid_token") != 7 {
		t.Errorf("Expected 7 credits left, got %d", m.Credits("valid_token"))
	}

	_, err = client.VerifyAndSettle(ctx, SettleRequest{
		ResourceID:        "agent-1",
		Credits:           3,
		Credential:        "valid_token",
		SubscriberAddress: "0xOther",
	})
	if !errors.Is(err, ErrVerificationFailed) {
		t.Errorf("Expected ErrVerificationFailed, got %v", err)
	}
	if m.Credits("valid_token") != 7 {
		t.Errorf("Settle must not run after failed verification, balance %d", m.Credits("valid_token"))
	}
}

func TestHTTPClient_ListAlternativeGrants(t *testing.T) {
	_, client := newTestServer(t, "")

	grants, err := client.ListAlternativeGrants(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("ListAlternativeGrants failed: %v", err)
	}
	if len(grants) != 2 || grants[0].ID != "plan_basic" {
		t.Errorf("Unexpected grants: %+v", grants)
	}
}

func TestWithTracing_PassesThrough(t *testing.T) {
	m := newTestMemory()
	traced := WithTracing(m, nil)
	ctx := context.Background()

	result, err := traced.StartRequest(ctx, "agent-1", "valid_token", "mcp://x/tools/y", "POST")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, err := traced.Redeem(ctx, result.RequestID, "valid_token", 1); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, err := traced.Redeem(ctx, result.RequestID, "valid_token", 1); !errors.Is(err, ErrRequestAlreadyRedeemed) {
		t.Errorf("Expected errors to pass through, got %v", err)
	}

	calls := m.Calls()
	if calls.StartRequest != 1 || calls.Redeem != 2 {
		t.Errorf("Unexpected calls: %+v", calls)
	}
}

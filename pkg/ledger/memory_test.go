package ledger

import (
	"context"
	"errors"
	"testing"
)

func newTestMemory() *Memory {
	m := NewMemory()
	m.AddAccount(Account{
		Credential:        "valid_token",
		SubscriberAddress: "0xSubscriber",
		PlanID:            "plan_basic",
		Credits:           10,
	})
	m.AddAccount(Account{
		Credential: "http_only",
		Credits:    5,
		Resources:  []string{"https://api.example.com/"},
	})
	return m
}

func TestMemory_StartRequestDoesNotDebit(t *testing.T) {
	m := newTestMemory()
	ctx := context.Background()

	result, err := m.StartRequest(ctx, "agent-1", "valid_token", "mcp://weather/tools/forecast", "POST")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !result.IsSubscriber {
		t.Error("Expected subscriber")
	}
	if result.RequestID == "" {
		t.Error("Expected request id")
	}
	if m.Credits("valid_token") != 10 {
		t.Errorf("Expected balance untouched, got %d", m.Credits("valid_token"))
	}
}

func TestMemory_StartRequestUnknownCredential(t *testing.T) {
	m := newTestMemory()

	_, err := m.StartRequest(context.Background(), "agent-1", "nope", "mcp://x/tools/y", "POST")
	if !errors.Is(err, ErrUnknownCredential) {
		t.Errorf("Expected ErrUnknownCredential, got %v", err)
	}
}

func TestMemory_ResourceRestriction(t *testing.T) {
	m := newTestMemory()
	ctx := context.Background()

	result, err := m.StartRequest(ctx, "agent-1", "http_only", "mcp://weather/tools/forecast", "POST")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if result.IsSubscriber {
		t.Error("Expected non-subscriber for logical id")
	}

	result, err = m.StartRequest(ctx, "agent-1", "http_only", "https://api.example.com/mcp", "POST")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !result.IsSubscriber {
		t.Error("Expected subscriber for endpoint url")
	}
}

func TestMemory_RedeemOnce(t *testing.T) {
	m := newTestMemory()
	ctx := context.Background()

	result, _ := m.StartRequest(ctx, "agent-1", "valid_token", "mcp://weather/tools/forecast", "POST")

	receipt, err := m.Redeem(ctx, result.RequestID, "valid_token", 3)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !receipt.Success || receipt.CreditsRedeemed != 3 || receipt.TransactionRef == "" {
		t.Errorf("Unexpected receipt: %+v", receipt)
	}
	if m.Credits("valid_token") != 7 {
		t.Errorf("Expected 7 credits left, got %d", m.Credits("valid_token"))
	}

	if _, err := m.Redeem(ctx, result.RequestID, "valid_token", 3); !errors.Is(err, ErrRequestAlreadyRedeemed) {
		t.Errorf("Expected ErrRequestAlreadyRedeemed, got %v", err)
	}
}

func TestMemory_RedeemInsufficient(t *testing.T) {
	m := newTestMemory()
	ctx := context.Background()

	result, _ := m.StartRequest(ctx, "agent-1", "valid_token", "mcp://weather/tools/forecast", "POST")
	if _, err := m.Redeem(ctx, result.RequestID, "valid_token", 11); !errors.Is(err, ErrInsufficientCredits) {
		t.Errorf("Expected ErrInsufficientCredits, got %v", err)
	}
	if m.Credits("valid_token") != 10 {
		t.Errorf("Expected balance untouched, got %d", m.Credits("valid_token"))
	}
}

func TestMemory_VerifyAndSettle(t *testing.T) {
	m := newTestMemory()
	ctx := context.Background()

	receipt, err := m.VerifyAndSettle(ctx, SettleRequest{
		ResourceID:        "agent-1",
		Credits:           4,
		Credential:        "valid_token",
		SubscriberAddress: "0xsubscriber",
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if receipt.CreditsRedeemed != 4 {
		t.Errorf("Expected 4 credits, got %d", receipt.CreditsRedeemed)
	}
	if m.Credits("valid_token") != 6 {
		t.Errorf("Expected 6 credits left, got %d", m.Credits("valid_token"))
	}

	_, err = m.VerifyAndSettle(ctx, SettleRequest{
		ResourceID:        "agent-1",
		Credits:           1,
		Credential:        "valid_token",
		SubscriberAddress: "0xSomeoneElse",
	})
	if !errors.Is(err, ErrVerificationFailed) {
		t.Errorf("Expected ErrVerificationFailed, got %v", err)
	}
	if m.Calls().VerifyAndSettle != 2 {
		t.Errorf("Expected 2 calls, got %d", m.Calls().VerifyAndSettle)
	}
}

func TestMemory_BatchFlush(t *testing.T) {
	m := newTestMemory()
	m.SetBatchSize(2)
	ctx := context.Background()

	req := SettleRequest{ResourceID: "agent-1", Credits: 1, Credential: "valid_token", SubscriberAddress: "0xSubscriber", Batch: true}

	first, err := m.VerifyAndSettle(ctx, req)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if m.Pending() != 1 {
		t.Errorf("Expected 1 pending, got %d", m.Pending())
	}

	second, err := m.VerifyAndSettle(ctx, req)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if first.TransactionRef != second.TransactionRef {
		t.Errorf("Expected shared batch ref, got %s and %s", first.TransactionRef, second.TransactionRef)
	}
	if m.Pending() != 0 {
		t.Errorf("Expected batch flushed, got %d pending", m.Pending())
	}
	if flushed := m.Flushed(); len(flushed) != 1 || flushed[0] != first.TransactionRef {
		t.Errorf("Unexpected flushed batches: %v", flushed)
	}
}

func TestMemory_FailNext(t *testing.T) {
	m := newTestMemory()
	boom := errors.New("boom")
	m.FailNext(OpListGrants, boom)

	if _, err := m.ListAlternativeGrants(context.Background(), "agent-1"); !errors.Is(err, boom) {
		t.Errorf("Expected injected error, got %v", err)
	}
	if _, err := m.ListAlternativeGrants(context.Background(), "agent-1"); err != nil {
		t.Errorf("Expected failure to be consumed, got %v", err)
	}
}

func TestMemory_RequestsForgottenAfterRedeem(t *testing.T) {
	m := newTestMemory()
	ctx := context.Background()

	result, _ := m.StartRequest(ctx, "agent-1", "valid_token", "mcp://weather/tools/forecast", "POST")
	if m.OpenRequests() != 1 {
		t.Fatalf("Expected 1 open request, got %d", m.OpenRequests())
	}
	if _, err := m.Redeem(ctx, result.RequestID, "valid_token", 1); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if m.OpenRequests() != 0 {
		t.Errorf("Expected no open requests after redeem, got %d", m.OpenRequests())
	}
	if _, err := m.Redeem(ctx, result.RequestID, "valid_token", 1); !errors.Is(err, ErrRequestAlreadyRedeemed) {
		t.Errorf("Expected ErrRequestAlreadyRedeemed, got %v", err)
	}
}

func TestMemory_RequestLimit(t *testing.T) {
	m := newTestMemory()
	m.SetRequestLimit(2)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		result, err := m.StartRequest(ctx, "agent-1", "valid_token", "mcp://weather/tools/forecast", "POST")
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		ids = append(ids, result.RequestID)
	}
	if m.OpenRequests() != 2 {
		t.Errorf("Expected 2 open requests, got %d", m.OpenRequests())
	}
	if _, err := m.Redeem(ctx, ids[0], "valid_token", 1); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("Expected oldest request evicted, got %v", err)
	}
	for _, id := range ids[1:] {
		if _, err := m.Redeem(ctx, id, "valid_token", 1); err != nil {
			t.Errorf("Expected %s to redeem, got %v", id, err)
		}
	}

	// Redeemed ids are bounded the same way
	result, _ := m.StartRequest(ctx, "agent-1", "valid_token", "mcp://weather/tools/forecast", "POST")
	if _, err := m.Redeem(ctx, result.RequestID, "valid_token", 1); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, err := m.Redeem(ctx, ids[1], "valid_token", 1); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("Expected oldest redeemed id forgotten, got %v", err)
	}
}

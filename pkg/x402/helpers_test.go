package x402

import (
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/siddimore/x402-credits-paywall/pkg/ledger"
	"github.com/siddimore/x402-credits-paywall/pkg/paywall"
)

const (
	testResourceID = "res_api"
	validToken     = "valid_token123"
)

func newTestLedger() *ledger.Memory {
	m := ledger.NewMemory()
	m.AddAccount(ledger.Account{
		Credential:        validToken,
		SubscriberAddress: "0xSubscriber",
		PlanID:            "plan_basic",
		Credits:           10,
	})
	m.AddAccount(ledger.Account{Credential: "broke", PlanID: "plan_basic"})
	m.AddGrant(testResourceID, ledger.Grant{ID: "plan_basic", Name: "Basic"})
	return m
}

func newTestPaywall(l ledger.Ledger, recorder paywall.Recorder) *paywall.Paywall {
	return paywall.New(paywall.Config{
		ResourceID: testResourceID,
		ServerName: "api",
		Ledger:     l,
		Recorder:   recorder,
	})
}

func createTestHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"message": "success"}`))
	})
}

func decodeJSON(t *testing.T, r io.Reader, out any) {
	t.Helper()
	if err := json.NewDecoder(r).Decode(out); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

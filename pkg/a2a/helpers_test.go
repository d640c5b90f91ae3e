package a2a

import (
	"encoding/base64"
	"encoding/json"

	"github.com/siddimore/x402-credits-paywall/pkg/ledger"
	"github.com/siddimore/x402-credits-paywall/pkg/paywall"
)

const (
	testResourceID = "res_agent"
	testSubscriber = "0xSubscriber"
)

func x402Token(subscriber string) string {
	raw, _ := json.Marshal(map[string]any{
		"x402Version": 2,
		"payload": map[string]any{
			"authorization": map[string]any{"from": subscriber},
		},
	})
	return base64.StdEncoding.EncodeToString(raw)
}

var validToken = x402Token(testSubscriber)

func newTestLedger() *ledger.Memory {
	m := ledger.NewMemory()
	m.AddAccount(ledger.Account{
		Credential:        validToken,
		SubscriberAddress: testSubscriber,
		PlanID:            "plan_agent",
		Credits:           20,
	})
	return m
}

func newTestPaywall(l ledger.Ledger) *paywall.Paywall {
	return paywall.New(paywall.Config{
		ResourceID: testResourceID,
		ServerName: "agent",
		Ledger:     l,
	})
}

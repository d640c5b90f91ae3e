package paywall

import (
	"context"
	"iter"
	"net/http"

	"github.com/siddimore/x402-credits-paywall/pkg/ledger"
)

const (
	testResourceID = "res_weather"
	testServer     = "weather"
	validToken     = "valid_token"
)

func newTestLedger() *ledger.Memory {
	m := ledger.NewMemory()
	m.AddAccount(ledger.Account{
		Credential:        validToken,
		SubscriberAddress: "0xSubscriber",
		PlanID:            "plan_basic",
		Credits:           10,
	})
	m.AddAccount(ledger.Account{
		Credential: "http_only",
		PlanID:     "plan_http",
		Credits:    10,
		Resources:  []string{"https://api.example.com/"},
	})
	m.AddAccount(ledger.Account{
		Credential: "broke",
		PlanID:     "plan_basic",
		Credits:    0,
	})
	return m
}

func bearer(token string) *RequestInfo {
	return &RequestInfo{
		Headers: http.Header{"Authorization": []string{"Bearer " + token}},
		Method:  http.MethodPost,
	}
}

func newTestPaywall(l ledger.Ledger) *Paywall {
	return New(Config{
		ResourceID: testResourceID,
		ServerName: testServer,
		Ledger:     l,
	})
}

func valueHandler(v any) Handler {
	return func(ctx context.Context, call Call, pc Context) (*Response, error) {
		return &Response{Value: v}, nil
	}
}

func streamOf(items ...any) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		for _, item := range items {
			if !yield(item, nil) {
				return
			}
		}
	}
}

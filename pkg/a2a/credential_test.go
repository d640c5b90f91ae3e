package a2a

import (
	"encoding/base64"
	"testing"
)

func TestDecodeCredential(t *testing.T) {
	jwtPayload := base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"0xJWT","planId":"plan_jwt"}`))

	tests := []struct {
		name       string
		credential string
		subscriber string
		plan       string
		wantErr    bool
	}{
		{"x402 payload", x402Token("0xABC"), "0xABC", "", false},
		{"bearer prefix", "Bearer " + x402Token("0xABC"), "0xABC", "", false},
		{"subscriber field", base64.StdEncoding.EncodeToString([]byte(`{"subscriber":"0xSUB","planId":"p1"}`)), "0xSUB", "p1", false},
		{"jwt", "eyJhbGciOiJub25lIn0." + jwtPayload + ".sig", "0xJWT", "plan_jwt", false},
		{"no subscriber", base64.StdEncoding.EncodeToString([]byte(`{"x402Version":2}`)), "", "", true},
		{"not base64", "%%%", "", "", true},
		{"empty", "", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := DecodeCredential(tt.credential)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", claims)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if claims.SubscriberAddress != tt.subscriber {
				t.Errorf("expected subscriber %q, got %q", tt.subscriber, claims.SubscriberAddress)
			}
			if claims.PlanID != tt.plan {
				t.Errorf("expected plan %q, got %q", tt.plan, claims.PlanID)
			}
		})
	}
}

func TestCreditsUsed(t *testing.T) {
	tests := []struct {
		meta map[string]any
		want int64
		ok   bool
	}{
		{nil, 0, false},
		{map[string]any{"other": 1}, 0, false},
		{map[string]any{MetaCreditsUsed: 3}, 3, true},
		{map[string]any{MetaCreditsUsed: float64(4)}, 4, true},
		{map[string]any{MetaCreditsUsed: "5"}, 5, true},
		{map[string]any{MetaCreditsUsed: "five"}, 0, false},
	}
	for _, tt := range tests {
		got, ok := CreditsUsed(tt.meta)
		if got != tt.want || ok != tt.ok {
			t.Errorf("CreditsUsed(%v) = %d, %v; want %d, %v", tt.meta, got, ok, tt.want, tt.ok)
		}
	}
}

package x402

import (
	"encoding/base64"
	"encoding/json"
	"testing"
)

func TestPaymentRequiredDocument_Header(t *testing.T) {
	doc := NewPaymentRequiredDocument("https://api.example.com/a", testResourceID, DocumentConfig{
		Description: "Premium data",
		Extra:       map[string]any{"plan": "basic"},
	}, "Payment required")

	parsed, err := ParsePaymentRequiredHeader(doc.Header())
	if err != nil {
		t.Fatalf("ParsePaymentRequiredHeader failed: %v", err)
	}
	if parsed.Version != X402Version || parsed.Error != "Payment required" {
		t.Errorf("Unexpected document: %+v", parsed)
	}
	if parsed.Resource.Description != "Premium data" {
		t.Errorf("Expected description, got %q", parsed.Resource.Description)
	}
	accept := parsed.Accepts[0]
	if accept.Scheme != SchemeCredits || accept.Network != NetworkBaseSepolia {
		t.Errorf("Expected default scheme and network, got %+v", accept)
	}
	if accept.Extra["plan"] != "basic" {
		t.Errorf("Expected extra to survive, got %v", accept.Extra)
	}
}

func TestParsePaymentRequiredHeader_Invalid(t *testing.T) {
	if _, err := ParsePaymentRequiredHeader("%%%"); err == nil {
		t.Error("Expected an error for a non-base64 header")
	}
}

func TestPaymentRequiredDocument_WireFields(t *testing.T) {
	doc := NewPaymentRequiredDocument("https://api.example.com/a", testResourceID, DocumentConfig{}, "")
	raw, err := base64.StdEncoding.DecodeString(doc.Header())
	if err != nil {
		t.Fatalf("Header is not base64: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("Header is not JSON: %v", err)
	}
	for _, key := range []string{"version", "resource", "accepts"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("Expected %q in document, got %v", key, fields)
		}
	}
	if fields["version"] != float64(X402Version) {
		t.Errorf("Expected version %d, got %v", X402Version, fields["version"])
	}
}

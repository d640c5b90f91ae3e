package a2a

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
)

// ErrUndecodableCredential is returned when no subscriber can be read from a credential
var ErrUndecodableCredential = errors.New("a2a: credential carries no subscriber")

// Claims are the fields the task flow needs from a credential
type Claims struct {
	SubscriberAddress string
	PlanID            string
}

type credentialPayload struct {
	Subscriber string `json:"subscriber"`
	Sub        string `json:"sub"`
	PlanID     string `json:"planId"`
	Payload    struct {
		PlanID        string `json:"planId"`
		Authorization struct {
			From string `json:"from"`
		} `json:"authorization"`
	} `json:"payload"`
}

// DecodeCredential reads the subscriber out of an x402 access token. Both
// base64 JSON tokens and JWTs (payload segment only) are understood.
// Signatures are not checked; the ledger verifies the credential when it
// settles.
func DecodeCredential(credential string) (Claims, error) {
	credential = strings.TrimSpace(strings.TrimPrefix(credential, "Bearer "))
	if credential == "" {
		return Claims{}, ErrUndecodableCredential
	}

	segment := credential
	if parts := strings.Split(credential, "."); len(parts) == 3 {
		segment = parts[1]
	}

	raw, err := decodeSegment(segment)
	if err != nil {
		return Claims{}, ErrUndecodableCredential
	}

	var p credentialPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Claims{}, ErrUndecodableCredential
	}

	claims := Claims{PlanID: firstNonEmpty(p.PlanID, p.Payload.PlanID)}
	claims.SubscriberAddress = firstNonEmpty(p.Payload.Authorization.From, p.Subscriber, p.Sub)
	if claims.SubscriberAddress == "" {
		return Claims{}, ErrUndecodableCredential
	}
	return claims, nil
}

func decodeSegment(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{base64.RawURLEncoding, base64.URLEncoding, base64.StdEncoding, base64.RawStdEncoding} {
		if raw, err := enc.DecodeString(s); err == nil {
			return raw, nil
		}
	}
	return nil, ErrUndecodableCredential
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

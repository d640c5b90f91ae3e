package x402

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/siddimore/x402-credits-paywall/pkg/ledger"
	"github.com/siddimore/x402-credits-paywall/pkg/paywall"
	"github.com/siddimore/x402-credits-paywall/pkg/reqctx"
)

// X402Version is the protocol version of the payment-required document
const X402Version = 2

// Protocol headers
const (
	HeaderPaymentRequired = "Payment-Required"
	HeaderPaymentResponse = "Payment-Response"
)

// SchemeType is the payment scheme advertised to callers
type SchemeType string

const (
	// SchemeCredits: prepaid ledger credits redeemed per call
	SchemeCredits SchemeType = "credits"
	SchemeExact   SchemeType = "exact"
	SchemeUpto    SchemeType = "upto"
)

// NetworkType is a CAIP-2 network identifier
type NetworkType string

const (
	NetworkEthereumMainnet NetworkType = "eip155:1"
	NetworkBaseMainnet     NetworkType = "eip155:8453"
	NetworkBaseSepolia     NetworkType = "eip155:84532"
	NetworkOptimism        NetworkType = "eip155:10"
	NetworkArbitrum        NetworkType = "eip155:42161"
	NetworkPolygon         NetworkType = "eip155:137"
)

// DocumentConfig describes how a protected resource is paid for
type DocumentConfig struct {
	Scheme      SchemeType
	Network     NetworkType
	Description string
	Extra       map[string]any
}

func (c DocumentConfig) withDefaults() DocumentConfig {
	if c.Scheme == "" {
		c.Scheme = SchemeCredits
	}
	if c.Network == "" {
		c.Network = NetworkBaseSepolia
	}
	return c
}

// Resource is the resource a payment-required document refers to
type Resource struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
}

// Accept is one way of paying for a resource
type Accept struct {
	Scheme     SchemeType     `json:"scheme"`
	Network    NetworkType    `json:"network"`
	ResourceID string         `json:"resourceId"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// PaymentRequiredDocument is sent (base64 JSON) with every 402 response
type PaymentRequiredDocument struct {
	Version  int      `json:"version"`
	Error    string   `json:"error,omitempty"`
	Resource Resource `json:"resource"`
	Accepts  []Accept `json:"accepts"`
}

// NewPaymentRequiredDocument builds the document for a resource
func NewPaymentRequiredDocument(resourceURL, resourceID string, cfg DocumentConfig, message string) PaymentRequiredDocument {
	cfg = cfg.withDefaults()
	return PaymentRequiredDocument{
		Version:  X402Version,
		Error:    message,
		Resource: Resource{URL: resourceURL, Description: cfg.Description},
		Accepts: []Accept{{
			Scheme:     cfg.Scheme,
			Network:    cfg.Network,
			ResourceID: resourceID,
			Extra:      cfg.Extra,
		}},
	}
}

// Header encodes the document for the payment-required header
func (d PaymentRequiredDocument) Header() string {
	raw, _ := json.Marshal(d)
	return base64.StdEncoding.EncodeToString(raw)
}

// ParsePaymentRequiredHeader decodes a payment-required header value
func ParsePaymentRequiredHeader(value string) (PaymentRequiredDocument, error) {
	var d PaymentRequiredDocument
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return d, err
	}
	err = json.Unmarshal(raw, &d)
	return d, err
}

// ErrorBody is the JSON body of every paywall error response
type ErrorBody struct {
	Error       string         `json:"error"`
	Code        string         `json:"code"`
	Reason      string         `json:"reason,omitempty"`
	Suggestions []ledger.Grant `json:"suggestions,omitempty"`
}

// WriteError maps err to its HTTP shape. Payment-required errors carry the
// payment-required document; nothing else about internal errors leaks.
func WriteError(w http.ResponseWriter, r *http.Request, pw *paywall.Paywall, cfg DocumentConfig, err error) {
	mapped := paywall.MapError(err)
	body := ErrorBody{Error: mapped.Message, Code: mapped.TextCode}

	if pe, ok := paywall.AsError(err); ok {
		body.Reason = string(pe.Reason)
		body.Suggestions = pe.Suggestions
	}

	if mapped.Code == http.StatusPaymentRequired {
		doc := NewPaymentRequiredDocument(reqctx.AbsoluteURL(r), pw.Config().ResourceID, cfg, mapped.Message)
		w.Header().Set(HeaderPaymentRequired, doc.Header())
		w.Header().Add("Access-Control-Expose-Headers", HeaderPaymentRequired)
	} else {
		logger := pw.Logger()
		logger.Error().Err(err).Str("path", r.URL.Path).Int("status", mapped.Code).Msg("paywall error")
	}

	writeJSON(w, mapped.Code, body)
}

func setPaymentResponse(w http.ResponseWriter, outcome paywall.Outcome) {
	w.Header().Set(HeaderPaymentResponse, outcome.Header())
	w.Header().Add("Access-Control-Expose-Headers", HeaderPaymentResponse)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

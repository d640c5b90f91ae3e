package paywall

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/siddimore/x402-credits-paywall/pkg/ledger"
)

// MaxSuggestions caps the alternative grants listed in a payment-required error
const MaxSuggestions = 3

var errNotSubscriber = errors.New("caller is not a subscriber of this resource")

// AuthorizationRecord is the immutable result of a successful authentication.
// Holders must not mutate it.
type AuthorizationRecord struct {
	RequestID         string
	Credential        string
	LogicalResourceID string
	IsSubscriber      bool
	Balance           ledger.Balance
}

// Authenticator checks credentials against the ledger
type Authenticator struct {
	ledger     ledger.Ledger
	resourceID string
	logger     zerolog.Logger
}

// NewAuthenticator creates an authenticator for the resource owned by resourceID
func NewAuthenticator(l ledger.Ledger, resourceID string, logger *zerolog.Logger) *Authenticator {
	log := zerolog.Nop()
	if logger != nil {
		log = *logger
	}
	return &Authenticator{
		ledger:     l,
		resourceID: resourceID,
		logger:     log,
	}
}

// Authenticate opens a metered request for res. When the ledger refuses the
// logical identifier, one retry is made with the transport URL so callers
// who were granted the HTTP endpoint are still admitted. Failures are
// payment-required errors listing up to MaxSuggestions grants that unlock
// the resource.
func (a *Authenticator) Authenticate(ctx context.Context, info *RequestInfo, res LogicalResource) (*AuthorizationRecord, error) {
	logicalID := res.ID()

	credential, ok := ExtractCredential(ctx, info)
	if !ok {
		return nil, PaymentRequired(ReasonMissing, logicalID, "Authorization required", nil)
	}

	method := http.MethodPost
	transport, hasTransport := requestFor(ctx, info)
	if hasTransport && transport.Method != "" {
		method = strings.ToUpper(transport.Method)
	}

	record, err := a.start(ctx, credential, logicalID, method)
	if err == nil {
		return record, nil
	}
	cause := err

	if fallback := CanonicalURL(transport.URL); hasTransport && fallback != "" && fallback != logicalID {
		a.logger.Debug().
			Str("resource", logicalID).
			Str("fallback", fallback).
			Msg("retrying authentication with transport url")

		record, err = a.start(ctx, credential, fallback, method)
		if err == nil {
			return record, nil
		}
		cause = err
	}

	a.logger.Debug().Err(cause).Str("resource", logicalID).Msg("authentication failed")

	pe := PaymentRequired(ReasonInvalid, logicalID, "Payment required for "+logicalID, cause)
	pe.Suggestions = a.suggestions(ctx)
	if len(pe.Suggestions) > 0 {
		pe.Message += ". Available plans: " + formatGrants(pe.Suggestions)
	}
	return nil, pe
}

func (a *Authenticator) start(ctx context.Context, credential, logicalID, method string) (*AuthorizationRecord, error) {
	result, err := a.ledger.StartRequest(ctx, a.resourceID, credential, logicalID, method)
	if err != nil {
		return nil, err
	}
	if result == nil || !result.IsSubscriber {
		return nil, errNotSubscriber
	}
	return &AuthorizationRecord{
		RequestID:         result.RequestID,
		Credential:        credential,
		LogicalResourceID: logicalID,
		IsSubscriber:      true,
		Balance:           result.Balance,
	}, nil
}

// suggestions is best effort; ledger failures only cost the hint.
func (a *Authenticator) suggestions(ctx context.Context) []ledger.Grant {
	grants, err := a.ledger.ListAlternativeGrants(ctx, a.resourceID)
	if err != nil {
		a.logger.Debug().Err(err).Msg("listing alternative grants")
		return nil
	}
	if len(grants) > MaxSuggestions {
		grants = grants[:MaxSuggestions]
	}
	return grants
}

func formatGrants(grants []ledger.Grant) string {
	parts := make([]string, 0, len(grants))
	for _, g := range grants {
		if g.Name == "" {
			parts = append(parts, g.ID)
			continue
		}
		parts = append(parts, fmt.Sprintf("%s (%s)", g.Name, g.ID))
	}
	return strings.Join(parts, ", ")
}

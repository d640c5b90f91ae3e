// Package ledger defines the remote credit ledger the paywall consumes.
//
// The ledger is the service of record for plans, balances and credit
// mutations. The paywall never computes balances itself: it opens a metered
// request (StartRequest), burns credits once the work is done (Redeem), and
// for deferred task flows verifies and settles in one step (VerifyAndSettle).
//
// Three implementations ship with the package:
//
//   - HTTPClient talks to a remote ledger over JSON/HTTP.
//   - Memory is an in-process ledger for development and tests.
//   - WithTracing decorates any Ledger with OpenTelemetry spans.
//
// NewHTTPHandler exposes a Memory ledger with the wire format HTTPClient speaks.
package ledger

import (
	"context"
	"errors"
)

// Sentinel errors reported by ledger implementations.
var (
	ErrUnknownCredential      = errors.New("ledger: unknown credential")
	ErrInsufficientCredits    = errors.New("ledger: insufficient credits")
	ErrUnknownRequest         = errors.New("ledger: unknown request")
	ErrRequestAlreadyRedeemed = errors.New("ledger: request already redeemed")
	ErrVerificationFailed     = errors.New("ledger: verification failed")
	ErrUnauthorized           = errors.New("ledger: unauthorized")
)

// Ledger is the narrow interface the paywall core consumes.
type Ledger interface {
	// StartRequest opens a metered request for a logical resource. It is a
	// read/lock-style check and never debits the balance.
	StartRequest(ctx context.Context, resourceID, credential, logicalID, method string) (*StartResult, error)

	// Redeem burns credits for a request previously opened with StartRequest.
	Redeem(ctx context.Context, requestID, credential string, credits int64) (*Receipt, error)

	// VerifyAndSettle verifies the subscriber's permission and settles the
	// credits in one step. Used by deferred (task based) flows.
	VerifyAndSettle(ctx context.Context, req SettleRequest) (*Receipt, error)

	// ListAlternativeGrants lists access grants (plans) that unlock a resource.
	ListAlternativeGrants(ctx context.Context, resourceID string) ([]Grant, error)
}

// Balance is the raw balance snapshot returned when a request is opened.
type Balance struct {
	PlanID       string `json:"planId,omitempty"`
	Credits      int64  `json:"credits"`
	IsSubscriber bool   `json:"isSubscriber"`
}

// StartResult is the ledger's answer to StartRequest.
type StartResult struct {
	RequestID    string  `json:"requestId"`
	IsSubscriber bool    `json:"isSubscriber"`
	Balance      Balance `json:"balance"`
}

// Receipt describes a credit mutation performed by the ledger.
type Receipt struct {
	Success         bool   `json:"success"`
	TransactionRef  string `json:"transactionRef"`
	CreditsRedeemed int64  `json:"creditsRedeemed"`
}

// SettleRequest is the payload of VerifyAndSettle.
type SettleRequest struct {
	ResourceID        string `json:"resourceId"`
	Endpoint          string `json:"endpoint,omitempty"`
	Credits           int64  `json:"credits"`
	Credential        string `json:"credential"`
	SubscriberAddress string `json:"subscriberAddress"`

	// Batch asks the ledger to accumulate this settlement with others and
	// flush them together. The batching policy itself is ledger side.
	Batch bool `json:"batch,omitempty"`
}

// Grant is an access grant (plan) that unlocks a resource.
type Grant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

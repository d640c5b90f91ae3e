package paywall

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/siddimore/x402-credits-paywall/pkg/ledger"
)

// PolicyMode selects what happens when the ledger fails a redemption
type PolicyMode string

const (
	// PolicyIgnore logs the failure and keeps the call successful
	PolicyIgnore PolicyMode = "ignore"

	// PolicyPropagate fails the call with a settlement error
	PolicyPropagate PolicyMode = "propagate"
)

// RedemptionPolicy governs settlement failures. The zero value ignores them.
type RedemptionPolicy struct {
	Mode PolicyMode
}

func (p RedemptionPolicy) propagate() bool { return p.Mode == PolicyPropagate }

// DefaultMarginPercent is used when a margin is requested without a percentage
const DefaultMarginPercent = 10.0

// RedemptionConfig tunes task settlements
type RedemptionConfig struct {
	UseBatch      bool     `json:"useBatch" yaml:"use_batch"`
	UseMargin     bool     `json:"useMargin" yaml:"use_margin"`
	MarginPercent *float64 `json:"marginPercent,omitempty" yaml:"margin_percent,omitempty"`
}

// Apply returns credits inflated by the margin, rounded up
func (c RedemptionConfig) Apply(credits int64) int64 {
	if !c.UseMargin || credits <= 0 {
		return credits
	}
	pct := DefaultMarginPercent
	if c.MarginPercent != nil && *c.MarginPercent >= 0 {
		pct = *c.MarginPercent
	}
	return int64(math.Ceil(float64(credits) * (1 + pct/100)))
}

// Outcome is the settlement result attached to every paid response
type Outcome struct {
	Success         bool   `json:"success"`
	TransactionRef  string `json:"transactionRef"`
	CreditsRedeemed int64  `json:"creditsRedeemed,string"`
	RequestID       string `json:"requestId,omitempty"`
}

// Header encodes the outcome for the payment-response header
func (o Outcome) Header() string {
	raw, _ := json.Marshal(o)
	return base64.StdEncoding.EncodeToString(raw)
}

// ParseOutcomeHeader decodes a payment-response header value
func ParseOutcomeHeader(value string) (Outcome, error) {
	var o Outcome
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return o, err
	}
	err = json.Unmarshal(raw, &o)
	return o, err
}

// Flow names the path a settlement took
type Flow string

const (
	FlowSync   Flow = "sync"
	FlowStream Flow = "stream"
	FlowTask   Flow = "task"
)

// SettlementRecord is reported to the Recorder after every settlement
type SettlementRecord struct {
	Outcome    Outcome
	Flow       Flow
	Resource   string
	Credential string
	Err        error
	At         time.Time
}

// Recorder observes settlements. Implementations must be safe for
// concurrent use and must not block.
type Recorder interface {
	RecordSettlement(ctx context.Context, rec SettlementRecord)
}

// RecorderFunc adapts a function to Recorder
type RecorderFunc func(ctx context.Context, rec SettlementRecord)

func (f RecorderFunc) RecordSettlement(ctx context.Context, rec SettlementRecord) { f(ctx, rec) }

// TaskSettlement is a deferred settlement resolved from a decoded credential
type TaskSettlement struct {
	ResourceID        string
	Endpoint          string
	Credits           int64
	Credential        string
	SubscriberAddress string
	TaskID            string
}

// Settler redeems credits with the ledger
type Settler struct {
	ledger   ledger.Ledger
	policy   RedemptionPolicy
	logger   zerolog.Logger
	recorder Recorder
}

// NewSettler creates a settler
func NewSettler(l ledger.Ledger, policy RedemptionPolicy, logger *zerolog.Logger, recorder Recorder) *Settler {
	log := zerolog.Nop()
	if logger != nil {
		log = *logger
	}
	return &Settler{ledger: l, policy: policy, logger: log, recorder: recorder}
}

// Settle redeems credits for an authenticated request. Free calls never
// reach the ledger. A ledger failure returns an error only under
// PolicyPropagate; otherwise the outcome reports success=false with the
// intended credits.
func (s *Settler) Settle(ctx context.Context, auth *AuthorizationRecord, credits int64) (Outcome, error) {
	return s.settle(ctx, auth, credits, FlowSync)
}

func (s *Settler) settle(ctx context.Context, auth *AuthorizationRecord, credits int64, flow Flow) (Outcome, error) {
	outcome := Outcome{Success: true, RequestID: auth.RequestID}
	if credits <= 0 {
		s.record(ctx, flow, auth.LogicalResourceID, auth.Credential, outcome, nil)
		return outcome, nil
	}

	receipt, err := s.ledger.Redeem(ctx, auth.RequestID, auth.Credential, credits)
	if err == nil && (receipt == nil || !receipt.Success) {
		err = errors.New("ledger reported an unsuccessful redemption")
	}
	if err != nil {
		outcome = Outcome{Success: false, CreditsRedeemed: credits, RequestID: auth.RequestID}
		s.record(ctx, flow, auth.LogicalResourceID, auth.Credential, outcome, err)
		if s.policy.propagate() {
			return outcome, SettlementFailed(auth.LogicalResourceID, err)
		}
		s.logger.Warn().
			Err(err).
			Str("request_id", auth.RequestID).
			Str("resource", auth.LogicalResourceID).
			Int64("credits", credits).
			Msg("credit redemption failed, serving result anyway")
		return outcome, nil
	}

	outcome.TransactionRef = receipt.TransactionRef
	outcome.CreditsRedeemed = receipt.CreditsRedeemed
	s.logger.Debug().
		Str("request_id", auth.RequestID).
		Str("transaction_ref", outcome.TransactionRef).
		Int64("credits", outcome.CreditsRedeemed).
		Msg("credits redeemed")
	s.record(ctx, flow, auth.LogicalResourceID, auth.Credential, outcome, nil)
	return outcome, nil
}

// SettleTask verifies and settles a deferred task settlement with the
// margin and batching of cfg. Unlike Settle it always reports ledger
// failures; task finalizers decide whether to swallow them.
func (s *Settler) SettleTask(ctx context.Context, req TaskSettlement, cfg RedemptionConfig) (Outcome, error) {
	outcome := Outcome{Success: true}
	resource := req.Endpoint
	if resource == "" {
		resource = req.ResourceID
	}
	if req.Credits <= 0 {
		s.record(ctx, FlowTask, resource, req.Credential, outcome, nil)
		return outcome, nil
	}

	credits := cfg.Apply(req.Credits)
	receipt, err := s.ledger.VerifyAndSettle(ctx, ledger.SettleRequest{
		ResourceID:        req.ResourceID,
		Endpoint:          req.Endpoint,
		Credits:           credits,
		Credential:        req.Credential,
		SubscriberAddress: req.SubscriberAddress,
		Batch:             cfg.UseBatch,
	})
	if err == nil && (receipt == nil || !receipt.Success) {
		err = errors.New("ledger reported an unsuccessful settlement")
	}
	if err != nil {
		outcome = Outcome{Success: false, CreditsRedeemed: credits}
		s.record(ctx, FlowTask, resource, req.Credential, outcome, err)
		return outcome, SettlementFailed(resource, err)
	}

	outcome.TransactionRef = receipt.TransactionRef
	outcome.CreditsRedeemed = receipt.CreditsRedeemed
	s.logger.Debug().
		Str("task_id", req.TaskID).
		Str("transaction_ref", outcome.TransactionRef).
		Int64("credits", outcome.CreditsRedeemed).
		Bool("batch", cfg.UseBatch).
		Msg("task credits settled")
	s.record(ctx, FlowTask, resource, req.Credential, outcome, nil)
	return outcome, nil
}

func (s *Settler) record(ctx context.Context, flow Flow, resource, credential string, outcome Outcome, err error) {
	if s.recorder == nil {
		return
	}
	s.recorder.RecordSettlement(ctx, SettlementRecord{
		Outcome:    outcome,
		Flow:       flow,
		Resource:   resource,
		Credential: credential,
		Err:        err,
		At:         time.Now(),
	})
}

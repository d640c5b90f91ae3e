package a2a

import (
	"context"
	"maps"

	"github.com/rs/zerolog"

	"github.com/siddimore/x402-credits-paywall/pkg/paywall"
)

// Finalizer settles tasks when their terminal event reports creditsUsed
type Finalizer struct {
	settler    *paywall.Settler
	resourceID string
	configs    RedemptionConfigSource
	results    ResultManager
	logger     zerolog.Logger
}

// FinalizerConfig configures a Finalizer
type FinalizerConfig struct {
	Settler    *paywall.Settler
	ResourceID string
	Configs    RedemptionConfigSource
	Results    ResultManager
	Logger     *zerolog.Logger
}

// NewFinalizer creates a finalizer
func NewFinalizer(cfg FinalizerConfig) *Finalizer {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "a2a-finalizer").Logger()
	}
	configs := cfg.Configs
	if configs == nil {
		configs = StaticRedemptionConfigs(nil)
	}
	return &Finalizer{
		settler:    cfg.Settler,
		resourceID: cfg.ResourceID,
		configs:    configs,
		results:    cfg.Results,
		logger:     logger,
	}
}

// Finalize settles the credits reported by a terminal event. Events without
// creditsUsed are free and never reach the ledger. Ledger failures are
// logged and swallowed: the task already completed and stays completed.
// On success the transaction reference is written into the metadata of
// both event and task and the result manager is notified. It returns the
// outcome, or nil when nothing was settled.
func (f *Finalizer) Finalize(ctx context.Context, entry Entry, event *TaskStatusUpdateEvent, task *Task) *paywall.Outcome {
	if event == nil {
		return nil
	}
	credits, ok := CreditsUsed(event.Metadata)
	if !ok {
		return nil
	}

	log := f.logger.With().Str("task_id", event.TaskID).Int64("credits", credits).Logger()

	claims, err := DecodeCredential(entry.Credential)
	if err != nil {
		log.Warn().Err(err).Msg("cannot settle task")
		return nil
	}

	cfg, err := f.configs.RedemptionConfig(ctx, f.resourceID)
	if err != nil {
		log.Debug().Err(err).Msg("redemption config lookup failed, using defaults")
		cfg = paywall.RedemptionConfig{}
	}

	outcome, err := f.settler.SettleTask(ctx, paywall.TaskSettlement{
		ResourceID:        f.resourceID,
		Endpoint:          entry.URL,
		Credits:           credits,
		Credential:        entry.Credential,
		SubscriberAddress: claims.SubscriberAddress,
		TaskID:            event.TaskID,
	}, cfg)
	if err != nil {
		log.Error().Err(err).Msg("task settlement failed")
		return nil
	}

	charged := map[string]any{
		MetaCreditsCharged: outcome.CreditsRedeemed,
	}
	if outcome.TransactionRef != "" {
		charged[MetaTransactionRef] = outcome.TransactionRef
	}
	event.Metadata = merge(event.Metadata, charged)
	if task != nil {
		task.Metadata = merge(task.Metadata, charged)
		if f.results != nil {
			f.results.TaskChanged(ctx, task)
		}
	}

	log.Info().
		Str("transaction_ref", outcome.TransactionRef).
		Int64("credits_charged", outcome.CreditsRedeemed).
		Msg("task settled")
	return &outcome
}

func merge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	maps.Copy(dst, src)
	return dst
}

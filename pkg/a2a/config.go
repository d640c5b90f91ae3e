package a2a

import (
	"context"

	"github.com/siddimore/x402-credits-paywall/pkg/paywall"
)

// RedemptionConfigSource resolves how a resource's task settlements are redeemed
type RedemptionConfigSource interface {
	RedemptionConfig(ctx context.Context, resourceID string) (paywall.RedemptionConfig, error)
}

// StaticRedemptionConfigs is a RedemptionConfigSource backed by a map.
// Unknown resources get the zero config.
type StaticRedemptionConfigs map[string]paywall.RedemptionConfig

func (s StaticRedemptionConfigs) RedemptionConfig(_ context.Context, resourceID string) (paywall.RedemptionConfig, error) {
	return s[resourceID], nil
}

package domain

import (
	"fmt"
	"strings"
)

const (
	TierUser    = "user"
	TierPremium = "premium"
	TierAdmin   = "admin"
)

const gib = int64(1) << 30

// DefaultTierAllowances seeds the Quota.Tiers configuration default.
var DefaultTierAllowances = map[string]int64{
	TierUser:    5 * gib,
	TierPremium: 15 * gib,
	TierAdmin:   20 * gib,
}

// ProvisioningPolicy maps an account tier to the allowance a new ledger entry
// starts with. Tier names are case-insensitive.
type ProvisioningPolicy struct {
	allowances  map[string]int64
	defaultTier string
}

func NewProvisioningPolicy(allowances map[string]int64, defaultTier string) (*ProvisioningPolicy, error) {
	if len(allowances) == 0 {
		return nil, fmt.Errorf("provisioning policy needs at least one tier")
	}

	table := make(map[string]int64, len(allowances))
	for tier, allowance := range allowances {
		if allowance < 0 {
			return nil, fmt.Errorf("allowance for tier %q cannot be negative", tier)
		}
		table[normalizeTier(tier)] = allowance
	}

	defaultTier = normalizeTier(defaultTier)
	if _, ok := table[defaultTier]; !ok {
		return nil, fmt.Errorf("default tier %q is not in the allowance table", defaultTier)
	}

	return &ProvisioningPolicy{allowances: table, defaultTier: defaultTier}, nil
}

// Allowance returns the total allowance for tier. Unknown tiers get the default
// tier's allowance.
func (p *ProvisioningPolicy) Allowance(tier string) int64 {
	if allowance, ok := p.allowances[normalizeTier(tier)]; ok {
		return allowance
	}
	return p.allowances[p.defaultTier]
}

func normalizeTier(tier string) string {
	return strings.ToLower(strings.TrimSpace(tier))
}

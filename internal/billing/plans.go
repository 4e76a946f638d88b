// Package billing provides plan management and billing domain logic.
package billing

import "streamdrop/internal/types"

// PlanRegistry defines the authoritative monthly drop limits for each tier.
// This is the single source of truth for what each plan allows.
type PlanRegistry interface {
	// GetLimits returns the drop quotas for the given plan tier.
	// For unknown tiers, returns the most restrictive (Free) limits
	// to fail safely.
	GetLimits(tier types.PlanTier) types.PlanLimits
}

// staticPlanRegistry is a compile-time plan registry backed by an in-memory map.
// It implements PlanRegistry and is the standard implementation for production use.
type staticPlanRegistry struct {
	limits map[types.PlanTier]types.PlanLimits
}

// planDefaults defines the hardcoded monthly quotas per tier:
//
//	| Plan    | Viewer drops/mo | Global drops/mo |
//	|---------|-----------------|-----------------|
//	| Free    | 0               | 0               |
//	| Pro     | 500             | 30              |
//	| Creator | 3,000           | unlimited       |
//
// Free issues nothing; it exists so a streamer can connect and configure
// before subscribing.
var planDefaults = map[types.PlanTier]types.PlanLimits{
	types.PlanFree: {
		ViewerDropsPerMonth: 0,
		GlobalDropsPerMonth: 0,
	},
	types.PlanPro: {
		ViewerDropsPerMonth: 500,
		GlobalDropsPerMonth: 30,
	},
	types.PlanCreator: {
		ViewerDropsPerMonth: 3000,
		GlobalDropsPerMonth: types.Unlimited,
	},
}

// freeLimits is cached to avoid map lookups on the fallback path.
var freeLimits = planDefaults[types.PlanFree]

// NewStaticPlanRegistry returns a PlanRegistry backed by the hardcoded plan
// quotas. This is the standard production implementation; no database or
// external service is required.
func NewStaticPlanRegistry() PlanRegistry {
	// Copy the defaults into a new map so callers cannot mutate the package-level variable.
	m := make(map[types.PlanTier]types.PlanLimits, len(planDefaults))
	for k, v := range planDefaults {
		m[k] = v
	}
	return &staticPlanRegistry{limits: m}
}

// GetLimits returns the drop quotas for the given plan tier.
// If the tier is unknown, it returns the Free tier limits as a safe default.
func (r *staticPlanRegistry) GetLimits(tier types.PlanTier) types.PlanLimits {
	if limits, ok := r.limits[tier]; ok {
		return limits
	}
	return freeLimits
}

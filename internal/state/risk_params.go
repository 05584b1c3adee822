package state

import (
	"fmt"
	"sort"
)

// RiskParams defines capacity limits for a strategy
type RiskParams struct {
	StrategyName        string
	MaxCover            int64 // Global capacity across all strategies
	MaxCoverPerStrategy int64 // Capacity for this strategy
	EffectiveSeq        int64 // Sequence at which params take effect
}

// RiskManager tracks capacity limits and mirrors the aggregate active
// cover limit per strategy. Every policy mutation flows through
// UpdateActiveCoverLimit so the mirror stays synchronized with the
// policy table.
type RiskManager struct {
	params      map[string]*RiskParams
	activeCover map[string]int64
	maxCover    int64 // Global cap; the largest MaxCover across updates
}

func NewRiskManager(maxCover int64) *RiskManager {
	return &RiskManager{
		params:      make(map[string]*RiskParams),
		activeCover: make(map[string]int64),
		maxCover:    maxCover,
	}
}

// MaxCover returns the global capacity cap
func (rm *RiskManager) MaxCover() int64 {
	return rm.maxCover
}

// MaxCoverPerStrategy returns the configured cap for a strategy.
// Strategies without explicit params inherit the global cap.
func (rm *RiskManager) MaxCoverPerStrategy(strategy string) int64 {
	if p, ok := rm.params[strategy]; ok {
		return p.MaxCoverPerStrategy
	}
	return rm.maxCover
}

// ActiveCoverLimit returns the mirrored aggregate for a strategy
func (rm *RiskManager) ActiveCoverLimit(strategy string) int64 {
	return rm.activeCover[strategy]
}

// TotalActiveCover sums active cover across all strategies
func (rm *RiskManager) TotalActiveCover() int64 {
	var total int64
	for _, v := range rm.activeCover {
		total += v
	}
	return total
}

// AvailableCoverCapacity returns the remaining admission headroom for a
// strategy: maxCoverPerStrategy − activeCoverLimit, floored at zero.
func (rm *RiskManager) AvailableCoverCapacity(strategy string) int64 {
	capacity := rm.MaxCoverPerStrategy(strategy) - rm.activeCover[strategy]
	if capacity < 0 {
		return 0
	}
	return capacity
}

// CanAcceptCover admission-checks a cover delta against both the
// strategy cap and the global cap. delta may be negative (shrinking).
func (rm *RiskManager) CanAcceptCover(strategy string, delta int64) bool {
	if delta <= 0 {
		return true
	}
	if rm.activeCover[strategy]+delta > rm.MaxCoverPerStrategy(strategy) {
		return false
	}
	return rm.TotalActiveCover()+delta <= rm.maxCover
}

// UpdateActiveCoverLimit applies a delta to the strategy mirror and
// returns (old, new) for the ActiveCoverLimitUpdated event.
func (rm *RiskManager) UpdateActiveCoverLimit(strategy string, delta int64) (int64, int64) {
	old := rm.activeCover[strategy]
	rm.activeCover[strategy] = old + delta
	return old, old + delta
}

// ValidateRiskParams checks that capacity parameters are within valid
// ranges: both caps non-negative, strategy cap not above the global cap.
func ValidateRiskParams(params *RiskParams) error {
	if params.MaxCover < 0 {
		return fmt.Errorf("max_cover must be >= 0, got %d", params.MaxCover)
	}
	if params.MaxCoverPerStrategy < 0 {
		return fmt.Errorf("max_cover_per_strategy must be >= 0, got %d", params.MaxCoverPerStrategy)
	}
	if params.MaxCoverPerStrategy > params.MaxCover {
		return fmt.Errorf("max_cover_per_strategy (%d) must be <= max_cover (%d)",
			params.MaxCoverPerStrategy, params.MaxCover)
	}
	return nil
}

// UpdateRiskParams installs new capacity limits for a strategy.
// Lowering a cap below current active cover is allowed; it only blocks
// new admissions.
func (rm *RiskManager) UpdateRiskParams(params *RiskParams) error {
	if err := ValidateRiskParams(params); err != nil {
		return fmt.Errorf("invalid risk params for %s: %w", params.StrategyName, err)
	}
	rm.params[params.StrategyName] = params
	rm.maxCover = params.MaxCover
	return nil
}

// GetRiskParams returns the installed params for a strategy
func (rm *RiskManager) GetRiskParams(strategy string) (*RiskParams, bool) {
	params, ok := rm.params[strategy]
	return params, ok
}

// Strategies returns configured strategy names sorted for deterministic
// iteration (snapshots and hashing).
func (rm *RiskManager) Strategies() []string {
	seen := make(map[string]struct{}, len(rm.params))
	for s := range rm.params {
		seen[s] = struct{}{}
	}
	for s := range rm.activeCover {
		seen[s] = struct{}{}
	}

	strategies := make([]string, 0, len(seen))
	for s := range seen {
		strategies = append(strategies, s)
	}
	sort.Strings(strategies)
	return strategies
}

// RestoreActiveCover directly sets a strategy mirror (snapshot restore)
func (rm *RiskManager) RestoreActiveCover(strategy string, value int64) {
	rm.activeCover[strategy] = value
}

// RestoreParams directly sets strategy params (snapshot restore)
func (rm *RiskManager) RestoreParams(params *RiskParams) {
	rm.params[params.StrategyName] = params
}

// RestoreMaxCover directly sets the global cap (snapshot restore)
func (rm *RiskManager) RestoreMaxCover(maxCover int64) {
	rm.maxCover = maxCover
}

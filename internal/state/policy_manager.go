package state

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// PolicyManager owns the policy table: one record per holder address,
// minted with a sequential permanent ID on first activation.
type PolicyManager struct {
	byHolder     map[common.Address]*Policy
	byID         map[int64]*Policy
	nextPolicyID int64
}

func NewPolicyManager() *PolicyManager {
	return &PolicyManager{
		byHolder:     make(map[common.Address]*Policy),
		byID:         make(map[int64]*Policy),
		nextPolicyID: 1,
	}
}

// GetPolicy returns the holder's policy or nil
func (pm *PolicyManager) GetPolicy(holder common.Address) *Policy {
	return pm.byHolder[holder]
}

// GetPolicyByID returns a policy by its permanent ID or nil
func (pm *PolicyManager) GetPolicyByID(policyID int64) *Policy {
	return pm.byID[policyID]
}

// HasActivePolicy reports whether the holder currently backs cover
func (pm *PolicyManager) HasActivePolicy(holder common.Address) bool {
	pol := pm.byHolder[holder]
	return pol != nil && pol.IsActive()
}

// Activate mints a new policy or reactivates the holder's existing one.
// Returns the policy and whether a new ID was minted. Fails if the
// holder already has an active policy.
func (pm *PolicyManager) Activate(holder common.Address, strategy string, coverLimit int64) (*Policy, bool, error) {
	pol := pm.byHolder[holder]

	if pol == nil {
		pol = &Policy{
			PolicyID:     pm.nextPolicyID,
			Holder:       holder,
			StrategyName: strategy,
			CoverLimit:   coverLimit,
			Status:       PolicyStatusActive,
			Version:      1,
		}
		pm.nextPolicyID++
		pm.byHolder[holder] = pol
		pm.byID[pol.PolicyID] = pol
		return pol, true, nil
	}

	if pol.IsActive() {
		return nil, false, fmt.Errorf("policy %d for %s is already active", pol.PolicyID, holder.Hex())
	}

	if !pol.Status.CanTransitionTo(PolicyStatusActive) {
		return nil, false, fmt.Errorf("policy %d cannot transition %s -> Active", pol.PolicyID, pol.Status)
	}

	pol.Status = PolicyStatusActive
	pol.StrategyName = strategy
	pol.CoverLimit = coverLimit
	pol.Version++

	return pol, false, nil
}

// UpdateCoverLimit changes an active policy's cover limit.
// Returns the previous limit.
func (pm *PolicyManager) UpdateCoverLimit(holder common.Address, newCoverLimit int64) (int64, error) {
	pol := pm.byHolder[holder]
	if pol == nil || !pol.IsActive() {
		return 0, fmt.Errorf("no active policy for %s", holder.Hex())
	}

	old := pol.CoverLimit
	pol.CoverLimit = newCoverLimit
	pol.Version++

	return old, nil
}

// Deactivate flips an active policy to inactive and returns the vacated
// cover limit.
func (pm *PolicyManager) Deactivate(holder common.Address) (*Policy, int64, error) {
	pol := pm.byHolder[holder]
	if pol == nil || !pol.IsActive() {
		return nil, 0, fmt.Errorf("no active policy for %s", holder.Hex())
	}

	if !pol.Status.CanTransitionTo(PolicyStatusInactive) {
		return nil, 0, fmt.Errorf("policy %d cannot transition %s -> Inactive", pol.PolicyID, pol.Status)
	}

	vacated := pol.CoverLimit
	pol.CoverLimit = 0
	pol.Status = PolicyStatusInactive
	pol.Version++

	return pol, vacated, nil
}

// ActiveCoverSum recomputes the aggregate active cover for a strategy
// from first principles. Used by invariant checks against the mirrored
// RiskManager value.
func (pm *PolicyManager) ActiveCoverSum(strategy string) int64 {
	var sum int64
	for _, pol := range pm.byHolder {
		if pol.IsActive() && pol.StrategyName == strategy {
			sum += pol.CoverLimit
		}
	}
	return sum
}

// ActiveStrategies returns the strategies with at least one policy record,
// sorted for deterministic iteration.
func (pm *PolicyManager) ActiveStrategies() []string {
	seen := make(map[string]struct{})
	for _, pol := range pm.byHolder {
		if pol.StrategyName != "" {
			seen[pol.StrategyName] = struct{}{}
		}
	}

	strategies := make([]string, 0, len(seen))
	for s := range seen {
		strategies = append(strategies, s)
	}
	sort.Strings(strategies)
	return strategies
}

// PolicyCount returns the total number of minted policies
func (pm *PolicyManager) PolicyCount() int {
	return len(pm.byID)
}

// NextPolicyID returns the next ID to be minted (for snapshots)
func (pm *PolicyManager) NextPolicyID() int64 {
	return pm.nextPolicyID
}

// SetPolicy directly sets a policy (used for snapshot restore)
func (pm *PolicyManager) SetPolicy(pol *Policy) {
	pm.byHolder[pol.Holder] = pol
	pm.byID[pol.PolicyID] = pol
}

// RestoreNextPolicyID directly sets the ID counter (used for snapshot restore)
func (pm *PolicyManager) RestoreNextPolicyID(next int64) {
	pm.nextPolicyID = next
}

// GetAllPolicies returns all policies sorted by ID (for snapshots and hashing)
func (pm *PolicyManager) GetAllPolicies() []*Policy {
	result := make([]*Policy, 0, len(pm.byID))
	for _, pol := range pm.byID {
		result = append(result, pol)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].PolicyID < result[j].PolicyID
	})
	return result
}

package state

import (
	"github.com/ethereum/go-ethereum/common"
)

// PolicyStatus tracks the lifecycle of a cover policy
type PolicyStatus int32

const (
	PolicyStatusNonExistent PolicyStatus = iota
	PolicyStatusActive
	PolicyStatusInactive
)

// Policy represents a holder's cover policy. Policy IDs are sequential
// and permanent: reactivation by the same holder reuses the minted ID.
// Policies are identity-bound records; there is no transfer operation.
type Policy struct {
	PolicyID     int64
	Holder       common.Address
	StrategyName string
	CoverLimit   int64 // Fixed-point: settlement units; 0 while inactive
	Status       PolicyStatus
	Version      int64 // Optimistic concurrency control
}

func (ps PolicyStatus) String() string {
	switch ps {
	case PolicyStatusNonExistent:
		return "NonExistent"
	case PolicyStatusActive:
		return "Active"
	case PolicyStatusInactive:
		return "Inactive"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates status transitions
func (ps PolicyStatus) CanTransitionTo(next PolicyStatus) bool {
	validTransitions := map[PolicyStatus][]PolicyStatus{
		PolicyStatusNonExistent: {
			PolicyStatusActive,
		},
		PolicyStatusActive: {
			PolicyStatusInactive,
		},
		PolicyStatusInactive: {
			PolicyStatusActive, // Reactivation reuses the policy ID
		},
	}

	allowed, ok := validTransitions[ps]
	if !ok {
		return false
	}

	for _, allowedStatus := range allowed {
		if next == allowedStatus {
			return true
		}
	}

	return false
}

// IsActive returns true if the policy currently backs cover
func (p *Policy) IsActive() bool {
	return p.Status == PolicyStatusActive
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Policy) CanonicalBytes() []byte {
	buf := make([]byte, 0, 64)

	// policy_id (8 bytes LE)
	buf = appendInt64LE(buf, p.PolicyID)

	// holder (20 bytes)
	buf = append(buf, p.Holder[:]...)

	// strategy (length-prefixed)
	buf = append(buf, byte(len(p.StrategyName)))
	buf = append(buf, []byte(p.StrategyName)...)

	// cover_limit (8 bytes LE)
	buf = appendInt64LE(buf, p.CoverLimit)

	// status (1 byte)
	buf = append(buf, byte(p.Status))

	return buf
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

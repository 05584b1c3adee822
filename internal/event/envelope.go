package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota

	// Commands
	EventTypePolicyActivate
	EventTypePolicyUpdate
	EventTypePolicyDeactivate
	EventTypeDeposit
	EventTypeWithdraw
	EventTypePremiumBatch
	EventTypeRiskParamUpdate
	EventTypeGovernanceNominate
	EventTypeGovernanceAccept
	EventTypePauseSet
	EventTypePremiumCollectorSet
	EventTypeRateParamsSet
	EventTypeReferralParamsSet

	// Derived events (emitted by the core with their own sequence)
	EventTypePolicyCreated
	EventTypePolicyUpdated
	EventTypePolicyDeactivated
	EventTypeDepositMade
	EventTypeWithdrawMade
	EventTypePremiumCharged
	EventTypePremiumPartiallyCharged
	EventTypeReferralRewardsEarned
	EventTypeActiveCoverLimitUpdated
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Strategy context (nullable for global events)
	Strategy *string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Strategy returns the risk-strategy context (nil for global events)
	Strategy() *string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypePolicyActivate:
		return "PolicyActivate"
	case EventTypePolicyUpdate:
		return "PolicyUpdate"
	case EventTypePolicyDeactivate:
		return "PolicyDeactivate"
	case EventTypeDeposit:
		return "Deposit"
	case EventTypeWithdraw:
		return "Withdraw"
	case EventTypePremiumBatch:
		return "PremiumBatch"
	case EventTypeRiskParamUpdate:
		return "RiskParamUpdate"
	case EventTypeGovernanceNominate:
		return "GovernanceNominate"
	case EventTypeGovernanceAccept:
		return "GovernanceAccept"
	case EventTypePauseSet:
		return "PauseSet"
	case EventTypePremiumCollectorSet:
		return "PremiumCollectorSet"
	case EventTypeRateParamsSet:
		return "RateParamsSet"
	case EventTypeReferralParamsSet:
		return "ReferralParamsSet"
	case EventTypePolicyCreated:
		return "PolicyCreated"
	case EventTypePolicyUpdated:
		return "PolicyUpdated"
	case EventTypePolicyDeactivated:
		return "PolicyDeactivated"
	case EventTypeDepositMade:
		return "DepositMade"
	case EventTypeWithdrawMade:
		return "WithdrawMade"
	case EventTypePremiumCharged:
		return "PremiumCharged"
	case EventTypePremiumPartiallyCharged:
		return "PremiumPartiallyCharged"
	case EventTypeReferralRewardsEarned:
		return "ReferralRewardsEarned"
	case EventTypeActiveCoverLimitUpdated:
		return "ActiveCoverLimitUpdated"
	default:
		return "Unknown"
	}
}

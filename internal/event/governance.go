package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// GovernanceNominate starts the two-step governance handoff.
type GovernanceNominate struct {
	RequestID uuid.UUID
	Caller    common.Address
	Pending   common.Address
	Sequence  int64
	Timestamp int64
}

func (g *GovernanceNominate) IdempotencyKey() string { return g.RequestID.String() }
func (g *GovernanceNominate) EventType() EventType   { return EventTypeGovernanceNominate }
func (g *GovernanceNominate) Strategy() *string      { return nil }
func (g *GovernanceNominate) SourceSequence() int64  { return g.Sequence }

// GovernanceAccept completes the handoff; only the nominee may accept.
type GovernanceAccept struct {
	RequestID uuid.UUID
	Caller    common.Address
	Sequence  int64
	Timestamp int64
}

func (g *GovernanceAccept) IdempotencyKey() string { return g.RequestID.String() }
func (g *GovernanceAccept) EventType() EventType   { return EventTypeGovernanceAccept }
func (g *GovernanceAccept) Strategy() *string      { return nil }
func (g *GovernanceAccept) SourceSequence() int64  { return g.Sequence }

// PauseSet flips the paused flag gating deposits, activations, updates
// and withdrawals.
type PauseSet struct {
	RequestID uuid.UUID
	Caller    common.Address
	Paused    bool
	Sequence  int64
	Timestamp int64
}

func (p *PauseSet) IdempotencyKey() string { return p.RequestID.String() }
func (p *PauseSet) EventType() EventType   { return EventTypePauseSet }
func (p *PauseSet) Strategy() *string      { return nil }
func (p *PauseSet) SourceSequence() int64  { return p.Sequence }

// PremiumCollectorSet changes the role allowed to submit premium batches.
type PremiumCollectorSet struct {
	RequestID uuid.UUID
	Caller    common.Address
	Collector common.Address
	Sequence  int64
	Timestamp int64
}

func (p *PremiumCollectorSet) IdempotencyKey() string { return p.RequestID.String() }
func (p *PremiumCollectorSet) EventType() EventType   { return EventTypePremiumCollectorSet }
func (p *PremiumCollectorSet) Strategy() *string      { return nil }
func (p *PremiumCollectorSet) SourceSequence() int64  { return p.Sequence }

// RateParamsSet changes the premium rate cap and cycle lengths.
type RateParamsSet struct {
	RequestID      uuid.UUID
	Caller         common.Address
	MaxRateNum     int64
	MaxRateDenom   int64
	ChargeCycle    int64 // Seconds
	CooldownPeriod int64 // Seconds
	Sequence       int64
	Timestamp      int64
}

func (r *RateParamsSet) IdempotencyKey() string { return r.RequestID.String() }
func (r *RateParamsSet) EventType() EventType   { return EventTypeRateParamsSet }
func (r *RateParamsSet) Strategy() *string      { return nil }
func (r *RateParamsSet) SourceSequence() int64  { return r.Sequence }

// ReferralParamsSet changes the referral reward, threshold and enable flag.
type ReferralParamsSet struct {
	RequestID uuid.UUID
	Caller    common.Address
	Reward    int64
	Threshold int64 // Min cumulative premiums paid before a code applies
	Enabled   bool
	Sequence  int64
	Timestamp int64
}

func (r *ReferralParamsSet) IdempotencyKey() string { return r.RequestID.String() }
func (r *ReferralParamsSet) EventType() EventType   { return EventTypeReferralParamsSet }
func (r *ReferralParamsSet) Strategy() *string      { return nil }
func (r *ReferralParamsSet) SourceSequence() int64  { return r.Sequence }

package event

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// PremiumBatch charges one billing cycle's premiums for a batch of
// holders. Structural violations (length mismatch, batch size, rate cap)
// reject the whole batch; per-holder insufficiency is handled inside.
type PremiumBatch struct {
	RequestID uuid.UUID
	Collector common.Address
	Holders   []common.Address
	Premiums  []int64
	Sequence  int64
	Timestamp int64
}

func (p *PremiumBatch) IdempotencyKey() string {
	return p.RequestID.String()
}

func (p *PremiumBatch) EventType() EventType {
	return EventTypePremiumBatch
}

func (p *PremiumBatch) Strategy() *string {
	return nil
}

func (p *PremiumBatch) SourceSequence() int64 {
	return p.Sequence
}

// PremiumCharged records a fully-collected premium for one holder.
type PremiumCharged struct {
	ParentKey string
	Holder    common.Address
	Premium   int64
	Sequence  int64
	Timestamp int64
}

func (p *PremiumCharged) IdempotencyKey() string {
	return fmt.Sprintf("%s:charged:%s", p.ParentKey, p.Holder.Hex())
}

func (p *PremiumCharged) EventType() EventType {
	return EventTypePremiumCharged
}

func (p *PremiumCharged) Strategy() *string {
	return nil
}

func (p *PremiumCharged) SourceSequence() int64 {
	return p.Sequence
}

// PremiumPartiallyCharged records an insufficient-funds charge: the
// holder's reward points and funds were both drained (Charged < Premium)
// and the policy was force-deactivated.
type PremiumPartiallyCharged struct {
	ParentKey string
	Holder    common.Address
	Premium   int64 // Requested amount
	Charged   int64 // Amount actually collected
	Sequence  int64
	Timestamp int64
}

func (p *PremiumPartiallyCharged) IdempotencyKey() string {
	return fmt.Sprintf("%s:partial:%s", p.ParentKey, p.Holder.Hex())
}

func (p *PremiumPartiallyCharged) EventType() EventType {
	return EventTypePremiumPartiallyCharged
}

func (p *PremiumPartiallyCharged) Strategy() *string {
	return nil
}

func (p *PremiumPartiallyCharged) SourceSequence() int64 {
	return p.Sequence
}

// ReferralRewardsEarned is emitted once per rewarded party when a
// referral code is consumed.
type ReferralRewardsEarned struct {
	ParentKey string
	Earner    common.Address
	Referrer  common.Address
	Referee   common.Address
	Reward    int64
	Sequence  int64
	Timestamp int64
}

func (r *ReferralRewardsEarned) IdempotencyKey() string {
	return fmt.Sprintf("%s:referral:%s", r.ParentKey, r.Earner.Hex())
}

func (r *ReferralRewardsEarned) EventType() EventType {
	return EventTypeReferralRewardsEarned
}

func (r *ReferralRewardsEarned) Strategy() *string {
	return nil
}

func (r *ReferralRewardsEarned) SourceSequence() int64 {
	return r.Sequence
}

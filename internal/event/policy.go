package event

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// PolicyActivate requests activation (or reactivation) of a policy.
type PolicyActivate struct {
	RequestID    uuid.UUID
	Holder       common.Address
	StrategyName string
	CoverLimit   int64          // Fixed-point settlement units
	Deposit      int64          // Funds credited alongside activation (may be 0)
	ReferralCode []byte         // 65-byte ECDSA signature, empty when absent
	Referrer     common.Address // Address embedded in the referral code
	Sequence     int64
	Timestamp    int64 // Epoch seconds (versioned input)
}

func (p *PolicyActivate) IdempotencyKey() string {
	return p.RequestID.String()
}

func (p *PolicyActivate) EventType() EventType {
	return EventTypePolicyActivate
}

func (p *PolicyActivate) Strategy() *string {
	s := p.StrategyName
	return &s
}

func (p *PolicyActivate) SourceSequence() int64 {
	return p.Sequence
}

// PolicyUpdate requests a cover-limit change for an existing active policy.
// Caller is either the holder or governance (when policy management by
// governance is enabled).
type PolicyUpdate struct {
	RequestID     uuid.UUID
	Caller        common.Address
	Holder        common.Address
	NewCoverLimit int64
	ReferralCode  []byte
	Referrer      common.Address
	Sequence      int64
	Timestamp     int64
}

func (p *PolicyUpdate) IdempotencyKey() string {
	return p.RequestID.String()
}

func (p *PolicyUpdate) EventType() EventType {
	return EventTypePolicyUpdate
}

func (p *PolicyUpdate) Strategy() *string {
	return nil // Resolved from the holder's policy
}

func (p *PolicyUpdate) SourceSequence() int64 {
	return p.Sequence
}

// PolicyDeactivate requests voluntary deactivation.
type PolicyDeactivate struct {
	RequestID uuid.UUID
	Caller    common.Address
	Holder    common.Address
	Sequence  int64
	Timestamp int64
}

func (p *PolicyDeactivate) IdempotencyKey() string {
	return p.RequestID.String()
}

func (p *PolicyDeactivate) EventType() EventType {
	return EventTypePolicyDeactivate
}

func (p *PolicyDeactivate) Strategy() *string {
	return nil
}

func (p *PolicyDeactivate) SourceSequence() int64 {
	return p.Sequence
}

// === Derived events ===

// PolicyCreated is emitted when a policy is minted or reactivated.
type PolicyCreated struct {
	ParentKey    string
	PolicyID     int64
	Holder       common.Address
	StrategyName string
	CoverLimit   int64
	Sequence     int64
	Timestamp    int64
}

func (p *PolicyCreated) IdempotencyKey() string {
	return fmt.Sprintf("%s:created", p.ParentKey)
}

func (p *PolicyCreated) EventType() EventType {
	return EventTypePolicyCreated
}

func (p *PolicyCreated) Strategy() *string {
	s := p.StrategyName
	return &s
}

func (p *PolicyCreated) SourceSequence() int64 {
	return p.Sequence
}

// PolicyUpdated is emitted when a policy's cover limit changes.
type PolicyUpdated struct {
	ParentKey     string
	PolicyID      int64
	Holder        common.Address
	StrategyName  string
	OldCoverLimit int64
	NewCoverLimit int64
	Sequence      int64
	Timestamp     int64
}

func (p *PolicyUpdated) IdempotencyKey() string {
	return fmt.Sprintf("%s:updated", p.ParentKey)
}

func (p *PolicyUpdated) EventType() EventType {
	return EventTypePolicyUpdated
}

func (p *PolicyUpdated) Strategy() *string {
	s := p.StrategyName
	return &s
}

func (p *PolicyUpdated) SourceSequence() int64 {
	return p.Sequence
}

// PolicyDeactivated is emitted for both voluntary deactivation and the
// forced variant during premium charging. Forced deactivations do not
// start a cooldown.
type PolicyDeactivated struct {
	ParentKey    string
	PolicyID     int64
	Holder       common.Address
	StrategyName string
	VacatedCover int64
	Forced       bool
	Sequence     int64
	Timestamp    int64
}

func (p *PolicyDeactivated) IdempotencyKey() string {
	return fmt.Sprintf("%s:deactivated:%d", p.ParentKey, p.PolicyID)
}

func (p *PolicyDeactivated) EventType() EventType {
	return EventTypePolicyDeactivated
}

func (p *PolicyDeactivated) Strategy() *string {
	s := p.StrategyName
	return &s
}

func (p *PolicyDeactivated) SourceSequence() int64 {
	return p.Sequence
}

// ActiveCoverLimitUpdated mirrors every change of a strategy's aggregate
// active cover into the event stream.
type ActiveCoverLimitUpdated struct {
	ParentKey    string
	StrategyName string
	OldValue     int64
	NewValue     int64
	Sequence     int64
	Timestamp    int64
}

func (a *ActiveCoverLimitUpdated) IdempotencyKey() string {
	return fmt.Sprintf("%s:acl:%s:%d", a.ParentKey, a.StrategyName, a.NewValue)
}

func (a *ActiveCoverLimitUpdated) EventType() EventType {
	return EventTypeActiveCoverLimitUpdated
}

func (a *ActiveCoverLimitUpdated) Strategy() *string {
	s := a.StrategyName
	return &s
}

func (a *ActiveCoverLimitUpdated) SourceSequence() int64 {
	return a.Sequence
}

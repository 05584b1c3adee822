package event

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// RiskParamUpdate adjusts capacity limits for a strategy. Lowering a
// limit below the current active cover is allowed; it only blocks new
// admissions, existing policies are untouched.
type RiskParamUpdate struct {
	Caller              common.Address
	StrategyName        string
	MaxCover            int64 // Global capacity across strategies
	MaxCoverPerStrategy int64 // Capacity for this strategy
	EffectiveSeq        int64 // Sequence at which params take effect
	Sequence            int64 // Source sequence
	Timestamp           int64 // Epoch seconds (versioned input)
}

func (r *RiskParamUpdate) IdempotencyKey() string {
	return fmt.Sprintf("risk_param:%s:%d", r.StrategyName, r.EffectiveSeq)
}

func (r *RiskParamUpdate) EventType() EventType {
	return EventTypeRiskParamUpdate
}

func (r *RiskParamUpdate) Strategy() *string {
	s := r.StrategyName
	return &s
}

func (r *RiskParamUpdate) SourceSequence() int64 {
	return r.Sequence
}

package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateHolderNonNegative checks both holder balances are >= 0
func (v *InvariantValidator) ValidateHolderNonNegative(holder common.Address, assetID AssetID) error {
	if err := v.tracker.ValidateFundsNonNegative(holder, assetID); err != nil {
		return err
	}
	return v.tracker.ValidateRewardsNonNegative(holder, assetID)
}

// ValidatePremiumPoolNonNegative checks the premium pool never goes negative
func (v *InvariantValidator) ValidatePremiumPoolNonNegative(assetID AssetID) error {
	key := NewSystemAccountKey(SubTypeSystemPremiumPool, assetID)
	return v.tracker.ValidateNonNegative(key)
}

// ValidateGlobalBalance verifies system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if total != 0 {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %d", assetName, total)
		}
	}

	return nil
}

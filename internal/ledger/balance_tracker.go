package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// SetBalance directly sets an account balance (used for snapshot restore)
func (bt *BalanceTracker) SetBalance(key AccountKey, balance int64) {
	bt.balances[key] = balance
}

// GetHolderFunds returns a holder's withdrawable deposit balance
func (bt *BalanceTracker) GetHolderFunds(holder common.Address, assetID AssetID) int64 {
	return bt.GetBalance(NewHolderAccountKey(holder, SubTypeFunds, assetID))
}

// GetHolderRewards returns a holder's non-withdrawable reward points
func (bt *BalanceTracker) GetHolderRewards(holder common.Address, assetID AssetID) int64 {
	return bt.GetBalance(NewHolderAccountKey(holder, SubTypeRewards, assetID))
}

// GetPremiumPool returns the accumulated premium pool balance
func (bt *BalanceTracker) GetPremiumPool(assetID AssetID) int64 {
	return bt.GetBalance(NewSystemAccountKey(SubTypeSystemPremiumPool, assetID))
}

// ValidateFundsNonNegative checks holder funds >= 0
func (bt *BalanceTracker) ValidateFundsNonNegative(holder common.Address, assetID AssetID) error {
	funds := bt.GetHolderFunds(holder, assetID)
	if funds < 0 {
		return fmt.Errorf("holder %s has negative funds balance for asset %d: %d",
			holder.Hex(), assetID, funds)
	}
	return nil
}

// ValidateRewardsNonNegative checks holder reward points >= 0
func (bt *BalanceTracker) ValidateRewardsNonNegative(holder common.Address, assetID AssetID) error {
	rewards := bt.GetHolderRewards(holder, assetID)
	if rewards < 0 {
		return fmt.Errorf("holder %s has negative reward balance for asset %d: %d",
			holder.Hex(), assetID, rewards)
	}
	return nil
}

// ValidateSufficientFunds checks if a holder has enough withdrawable funds
func (bt *BalanceTracker) ValidateSufficientFunds(holder common.Address, assetID AssetID, required int64) error {
	funds := bt.GetHolderFunds(holder, assetID)
	if funds < required {
		return fmt.Errorf("insufficient funds balance: have=%d, need=%d", funds, required)
	}
	return nil
}

// ValidateSufficientRewards checks if a holder has enough reward points
func (bt *BalanceTracker) ValidateSufficientRewards(holder common.Address, assetID AssetID, required int64) error {
	rewards := bt.GetHolderRewards(holder, assetID)
	if rewards < required {
		return fmt.Errorf("insufficient reward balance: have=%d, need=%d", rewards, required)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]int64 {
	totals := make(map[AssetID]int64)

	for key, balance := range bt.balances {
		totals[key.AssetID] += balance
	}

	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

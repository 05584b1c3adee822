package state

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// AccountMeta holds the non-ledger bookkeeping for a policyholder.
// Fund and reward balances live in the ledger; this record carries the
// counters and flags that gate lifecycle rules.
type AccountMeta struct {
	Holder        common.Address
	PremiumsPaid  int64 // Cumulative amount actually charged
	CooldownStart int64 // Epoch seconds; 0 = not cooling down
	ReferralUsed  bool  // A referee may consume at most one code
	Version       int64
}

// CanonicalBytes returns deterministic serialization for hashing
func (a *AccountMeta) CanonicalBytes() []byte {
	buf := make([]byte, 0, 48)

	buf = append(buf, a.Holder[:]...)
	buf = appendInt64LE(buf, a.PremiumsPaid)
	buf = appendInt64LE(buf, a.CooldownStart)

	if a.ReferralUsed {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}

	return buf
}

// AccountManager manages per-holder metadata
type AccountManager struct {
	accounts map[common.Address]*AccountMeta
}

func NewAccountManager() *AccountManager {
	return &AccountManager{
		accounts: make(map[common.Address]*AccountMeta),
	}
}

// GetAccount returns existing metadata or nil
func (am *AccountManager) GetAccount(holder common.Address) *AccountMeta {
	return am.accounts[holder]
}

// GetOrCreateAccount returns existing or creates zeroed metadata
func (am *AccountManager) GetOrCreateAccount(holder common.Address) *AccountMeta {
	acct := am.accounts[holder]
	if acct == nil {
		acct = &AccountMeta{Holder: holder}
		am.accounts[holder] = acct
	}
	return acct
}

// AddPremiumsPaid bumps the cumulative counter by the amount actually
// collected (not the requested premium).
func (am *AccountManager) AddPremiumsPaid(holder common.Address, amount int64) {
	acct := am.GetOrCreateAccount(holder)
	acct.PremiumsPaid += amount
	acct.Version++
}

// PremiumsPaid returns the cumulative counter for a holder
func (am *AccountManager) PremiumsPaid(holder common.Address) int64 {
	acct := am.accounts[holder]
	if acct == nil {
		return 0
	}
	return acct.PremiumsPaid
}

// StartCooldown records the deactivation timestamp
func (am *AccountManager) StartCooldown(holder common.Address, timestamp int64) {
	acct := am.GetOrCreateAccount(holder)
	acct.CooldownStart = timestamp
	acct.Version++
}

// ClearCooldown resets the cooldown; called on any cover-increasing action
func (am *AccountManager) ClearCooldown(holder common.Address) {
	acct := am.accounts[holder]
	if acct == nil || acct.CooldownStart == 0 {
		return
	}
	acct.CooldownStart = 0
	acct.Version++
}

// CooldownElapsed reports whether the holder has waited out the full
// cooldown period since deactivation.
func (am *AccountManager) CooldownElapsed(holder common.Address, now int64, cooldownSeconds int64) bool {
	acct := am.accounts[holder]
	if acct == nil || acct.CooldownStart == 0 {
		return false
	}
	return now >= acct.CooldownStart+cooldownSeconds
}

// ReferralUsed reports whether the holder has already consumed a code
func (am *AccountManager) ReferralUsed(holder common.Address) bool {
	acct := am.accounts[holder]
	return acct != nil && acct.ReferralUsed
}

// MarkReferralUsed consumes the holder's one-time referral allowance
func (am *AccountManager) MarkReferralUsed(holder common.Address) {
	acct := am.GetOrCreateAccount(holder)
	acct.ReferralUsed = true
	acct.Version++
}

// SetAccount directly sets metadata (used for snapshot restore)
func (am *AccountManager) SetAccount(acct *AccountMeta) {
	am.accounts[acct.Holder] = acct
}

// GetAllAccounts returns all metadata sorted by holder (for snapshots and hashing)
func (am *AccountManager) GetAllAccounts() []*AccountMeta {
	result := make([]*AccountMeta, 0, len(am.accounts))
	for _, acct := range am.accounts {
		result = append(result, acct)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Holder.Hex() < result[j].Holder.Hex()
	})
	return result
}

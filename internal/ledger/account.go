package ledger

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeHolder AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// Holder sub-types
	SubTypeFunds AccountSubType = iota
	SubTypeRewards

	// System sub-types
	SubTypeSystemPremiumPool

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
	SubTypeExternalRewards
)

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint16

const (
	AssetUSDC AssetID = 1
	AssetDAI  AssetID = 2
	AssetFRAX AssetID = 3
	AssetUSDT AssetID = 4
)

var (
	assetToID = map[string]AssetID{
		"USDC": 1,
		"DAI":  2,
		"FRAX": 3,
		"USDT": 4,
	}
	idToAsset = map[AssetID]string{
		1: "USDC",
		2: "DAI",
		3: "FRAX",
		4: "USDT",
	}
)

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

// AccountKey is the in-memory key for balance tracking (25 bytes, cache-friendly)
type AccountKey struct {
	Scope    AccountScope
	EntityID [20]byte // holder address; zero for system/external accounts
	SubType  AccountSubType
	AssetID  AssetID
}

// NewHolderAccountKey creates a key for policyholder accounts
func NewHolderAccountKey(holder common.Address, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeHolder,
		EntityID: holder,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewSystemAccountKey creates a key for system accounts
func NewSystemAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: subType,
		AssetID: assetID,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeHolder:
		addr := common.Address(k.EntityID)
		return fmt.Sprintf("holder:%s:%s:%s", addr.Hex(), k.subTypeName(), assetName)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

// ParseAccountPath is the inverse of AccountPath. Used when restoring
// balance state from a snapshot. Unknown paths return the zero key.
func ParseAccountPath(path string) AccountKey {
	parts := strings.Split(path, ":")

	switch {
	case len(parts) == 4 && parts[0] == "holder":
		assetID, _ := GetAssetID(parts[3])
		subType := SubTypeFunds
		if parts[2] == "rewards" {
			subType = SubTypeRewards
		}
		return NewHolderAccountKey(common.HexToAddress(parts[1]), subType, assetID)

	case len(parts) == 3 && parts[0] == "system":
		assetID, _ := GetAssetID(parts[2])
		return NewSystemAccountKey(SubTypeSystemPremiumPool, assetID)

	case len(parts) == 3 && parts[0] == "external":
		assetID, _ := GetAssetID(parts[2])
		var subType AccountSubType
		switch parts[1] {
		case "deposits":
			subType = SubTypeExternalDeposits
		case "withdrawals":
			subType = SubTypeExternalWithdrawals
		case "rewards":
			subType = SubTypeExternalRewards
		}
		return NewExternalAccountKey(subType, assetID)
	}

	return AccountKey{}
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeFunds:
		return "funds"
	case SubTypeRewards:
		return "rewards"
	case SubTypeSystemPremiumPool:
		return "premium_pool"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	case SubTypeExternalRewards:
		return "rewards"
	default:
		return "unknown"
	}
}

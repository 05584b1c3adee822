package query

// AccountResponse represents a holder's ledger state for API queries.
type AccountResponse struct {
	Holder string `json:"holder"`
	Asset  string `json:"asset"`

	// Ledger balances (from journal entries)
	Funds        int64 `json:"funds"`         // withdrawable collateral (cooldown permitting)
	RewardPoints int64 `json:"reward_points"` // non-withdrawable, consumed first by premiums

	// Derived values (computed at query time, NOT ledger balances)
	ProjectedAnnualPremium int64 `json:"projected_annual_premium"` // from the active policy's cover limit

	// Metadata
	AsOfSequence int64 `json:"as_of_sequence"` // last applied event sequence
}

// PoolResponse represents system premium pool state for API queries.
type PoolResponse struct {
	Asset        string `json:"asset"`
	Balance      int64  `json:"balance"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

package query

// PolicyResponse represents a policy for API queries.
type PolicyResponse struct {
	PolicyID     int64  `json:"policy_id"`
	Holder       string `json:"holder"`
	Strategy     string `json:"strategy"`
	CoverLimit   int64  `json:"cover_limit"`
	Status       string `json:"status"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// PremiumHistoryResponse represents one premium charge for API queries.
type PremiumHistoryResponse struct {
	Holder       string `json:"holder"`
	Sequence     int64  `json:"sequence"`
	Requested    int64  `json:"requested"`
	Charged      int64  `json:"charged"`
	Partial      bool   `json:"partial"`
	Timestamp    int64  `json:"timestamp"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       uint16 `json:"asset_id"`
	Amount        int64  `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset represents an asset with non-zero global balance sum.
type UnbalancedAsset struct {
	AssetID   uint16 `json:"asset_id"`
	Imbalance int64  `json:"imbalance"`
}

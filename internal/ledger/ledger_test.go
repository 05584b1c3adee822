package ledger_test

import (
	"strings"
	"testing"

	"CoverLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

var testHolder = common.HexToAddress("0x1111111111111111111111111111111111111111")

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_HolderPath(t *testing.T) {
	key := ledger.NewHolderAccountKey(testHolder, ledger.SubTypeFunds, ledger.AssetUSDC)

	path := key.AccountPath()
	expected := "holder:" + testHolder.Hex() + ":funds:USDC"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}

	rewards := ledger.NewHolderAccountKey(testHolder, ledger.SubTypeRewards, ledger.AssetUSDC)
	if !strings.HasSuffix(rewards.AccountPath(), ":rewards:USDC") {
		t.Errorf("got %q, want rewards suffix", rewards.AccountPath())
	}
}

func TestAccountKey_SystemPath(t *testing.T) {
	key := ledger.NewSystemAccountKey(ledger.SubTypeSystemPremiumPool, ledger.AssetUSDC)

	if path := key.AccountPath(); path != "system:premium_pool:USDC" {
		t.Errorf("got %q, want %q", path, "system:premium_pool:USDC")
	}
}

func TestAccountKey_ExternalPaths(t *testing.T) {
	cases := []struct {
		subType ledger.AccountSubType
		want    string
	}{
		{ledger.SubTypeExternalDeposits, "external:deposits:USDC"},
		{ledger.SubTypeExternalWithdrawals, "external:withdrawals:USDC"},
		{ledger.SubTypeExternalRewards, "external:rewards:USDC"},
	}

	for _, tc := range cases {
		key := ledger.NewExternalAccountKey(tc.subType, ledger.AssetUSDC)
		if path := key.AccountPath(); path != tc.want {
			t.Errorf("got %q, want %q", path, tc.want)
		}
	}
}

func TestParseAccountPath_RoundTrip(t *testing.T) {
	keys := []ledger.AccountKey{
		ledger.NewHolderAccountKey(testHolder, ledger.SubTypeFunds, ledger.AssetUSDC),
		ledger.NewHolderAccountKey(testHolder, ledger.SubTypeRewards, ledger.AssetUSDC),
		ledger.NewSystemAccountKey(ledger.SubTypeSystemPremiumPool, ledger.AssetUSDC),
		ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, ledger.AssetUSDC),
		ledger.NewExternalAccountKey(ledger.SubTypeExternalWithdrawals, ledger.AssetUSDC),
		ledger.NewExternalAccountKey(ledger.SubTypeExternalRewards, ledger.AssetUSDC),
	}

	for _, key := range keys {
		parsed := ledger.ParseAccountPath(key.AccountPath())
		if parsed != key {
			t.Errorf("round trip failed for %q: got %+v", key.AccountPath(), parsed)
		}
	}
}

func TestParseAccountPath_Unknown(t *testing.T) {
	if got := ledger.ParseAccountPath("garbage"); got != (ledger.AccountKey{}) {
		t.Errorf("unknown path should parse to the zero key, got %+v", got)
	}
}

func TestGetAssetID(t *testing.T) {
	id, ok := ledger.GetAssetID("USDC")
	if !ok || id != ledger.AssetUSDC {
		t.Errorf("USDC lookup: got id=%d ok=%v", id, ok)
	}

	if _, ok := ledger.GetAssetID("DOGE"); ok {
		t.Error("DOGE should not be a known asset")
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func depositJournal(holder common.Address, amount int64) ledger.Journal {
	return ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.NewHolderAccountKey(holder, ledger.SubTypeFunds, ledger.AssetUSDC),
		CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, ledger.AssetUSDC),
		AssetID:       ledger.AssetUSDC,
		Amount:        amount,
		JournalType:   ledger.JournalTypeDeposit,
	}
}

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	if got := bt.GetHolderFunds(testHolder, ledger.AssetUSDC); got != 0 {
		t.Errorf("initial funds should be 0, got %d", got)
	}
	if got := bt.GetHolderRewards(testHolder, ledger.AssetUSDC); got != 0 {
		t.Errorf("initial rewards should be 0, got %d", got)
	}
}

func TestBalanceTracker_ApplyJournal(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	bt.ApplyJournal(depositJournal(testHolder, 1_000_000))

	if got := bt.GetHolderFunds(testHolder, ledger.AssetUSDC); got != 1_000_000 {
		t.Errorf("funds: got %d, want 1_000_000", got)
	}
	// The external boundary account went negative by the same amount.
	external := ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, ledger.AssetUSDC)
	if got := bt.GetBalance(external); got != -1_000_000 {
		t.Errorf("external deposits: got %d, want -1_000_000", got)
	}
}

func TestBalanceTracker_GlobalBalanceZeroSum(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	bt.ApplyJournal(depositJournal(testHolder, 1_000_000))

	// Premium charge: system:premium_pool debited, holder:funds credited.
	bt.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.NewSystemAccountKey(ledger.SubTypeSystemPremiumPool, ledger.AssetUSDC),
		CreditAccount: ledger.NewHolderAccountKey(testHolder, ledger.SubTypeFunds, ledger.AssetUSDC),
		AssetID:       ledger.AssetUSDC,
		Amount:        300_000,
		JournalType:   ledger.JournalTypePremiumFromFunds,
	})

	for assetID, total := range bt.ComputeGlobalBalance() {
		if total != 0 {
			t.Errorf("asset %d has non-zero global balance: %d", assetID, total)
		}
	}
	if got := bt.GetPremiumPool(ledger.AssetUSDC); got != 300_000 {
		t.Errorf("premium pool: got %d, want 300_000", got)
	}
	if got := bt.GetHolderFunds(testHolder, ledger.AssetUSDC); got != 700_000 {
		t.Errorf("funds: got %d, want 700_000", got)
	}
}

func TestBalanceTracker_ValidateSufficientFunds(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	if err := bt.ValidateSufficientFunds(testHolder, ledger.AssetUSDC, 100); err == nil {
		t.Error("expected error for insufficient funds")
	}

	bt.ApplyJournal(depositJournal(testHolder, 1_000))

	if err := bt.ValidateSufficientFunds(testHolder, ledger.AssetUSDC, 1_000); err != nil {
		t.Errorf("exact balance should pass: %v", err)
	}
	if err := bt.ValidateSufficientFunds(testHolder, ledger.AssetUSDC, 1_001); err == nil {
		t.Error("expected error for 1_001 > 1_000")
	}
}

func TestBalanceTracker_Snapshot(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	bt.ApplyJournal(depositJournal(testHolder, 999))

	snap := bt.Snapshot()
	if len(snap) == 0 {
		t.Fatal("snapshot should not be empty")
	}

	// Mutating the snapshot must not affect the tracker.
	for k := range snap {
		snap[k] = 0
	}
	if got := bt.GetHolderFunds(testHolder, ledger.AssetUSDC); got != 999 {
		t.Errorf("tracker affected by snapshot mutation: got %d", got)
	}
}

// ============================================================================
// Test: JournalGenerator
// ============================================================================

func TestGenerateDeposit(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(7, bt)

	batch, err := jg.GenerateDeposit(testHolder, "evt-1", 50_000, ledger.AssetUSDC, 1_700_000_000)
	if err != nil {
		t.Fatalf("GenerateDeposit failed: %v", err)
	}
	if len(batch.Journals) != 1 {
		t.Fatalf("expected 1 journal, got %d", len(batch.Journals))
	}

	j := batch.Journals[0]
	if j.JournalType != ledger.JournalTypeDeposit {
		t.Errorf("expected deposit type, got %s", j.JournalType)
	}
	if j.DebitAccount != ledger.NewHolderAccountKey(testHolder, ledger.SubTypeFunds, ledger.AssetUSDC) {
		t.Error("deposit must debit holder funds")
	}
	if j.CreditAccount != ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, ledger.AssetUSDC) {
		t.Error("deposit must credit external deposits")
	}
	if j.Sequence != 7 || batch.Sequence != 7 {
		t.Errorf("expected sequence 7, got journal=%d batch=%d", j.Sequence, batch.Sequence)
	}
	if j.EventRef != "evt-1" {
		t.Errorf("expected event ref evt-1, got %q", j.EventRef)
	}
}

func TestGenerateWithdrawal_InsufficientFunds(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(0, bt)

	if _, err := jg.GenerateWithdrawal(testHolder, "evt-1", 100, ledger.AssetUSDC, 0); err == nil {
		t.Error("expected pre-check failure on empty account")
	}

	bt.ApplyJournal(depositJournal(testHolder, 500))

	batch, err := jg.GenerateWithdrawal(testHolder, "evt-2", 500, ledger.AssetUSDC, 0)
	if err != nil {
		t.Fatalf("GenerateWithdrawal failed: %v", err)
	}
	j := batch.Journals[0]
	if j.JournalType != ledger.JournalTypeWithdrawal {
		t.Errorf("expected withdrawal type, got %s", j.JournalType)
	}
	if j.CreditAccount != ledger.NewHolderAccountKey(testHolder, ledger.SubTypeFunds, ledger.AssetUSDC) {
		t.Error("withdrawal must credit holder funds")
	}
}

func TestGeneratePremiumCharge_TwoLegs(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(0, bt)

	// Seed 300 reward points and 1_000 funds.
	bt.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.NewHolderAccountKey(testHolder, ledger.SubTypeRewards, ledger.AssetUSDC),
		CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalRewards, ledger.AssetUSDC),
		AssetID:       ledger.AssetUSDC,
		Amount:        300,
		JournalType:   ledger.JournalTypeReferralReward,
	})
	bt.ApplyJournal(depositJournal(testHolder, 1_000))

	batch, err := jg.GeneratePremiumCharge(testHolder, "evt-1", 300, 700, ledger.AssetUSDC, 0)
	if err != nil {
		t.Fatalf("GeneratePremiumCharge failed: %v", err)
	}
	if len(batch.Journals) != 2 {
		t.Fatalf("expected 2 journals, got %d", len(batch.Journals))
	}
	if batch.Journals[0].JournalType != ledger.JournalTypePremiumFromRewards {
		t.Error("rewards leg must come first")
	}
	if batch.Journals[1].JournalType != ledger.JournalTypePremiumFromFunds {
		t.Error("funds leg must come second")
	}
	for _, j := range batch.Journals {
		if j.DebitAccount != ledger.NewSystemAccountKey(ledger.SubTypeSystemPremiumPool, ledger.AssetUSDC) {
			t.Error("premium legs must debit the premium pool")
		}
	}
}

func TestGeneratePremiumCharge_SingleLegAndErrors(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(0, bt)
	bt.ApplyJournal(depositJournal(testHolder, 1_000))

	batch, err := jg.GeneratePremiumCharge(testHolder, "evt-1", 0, 400, ledger.AssetUSDC, 0)
	if err != nil {
		t.Fatalf("funds-only charge failed: %v", err)
	}
	if len(batch.Journals) != 1 {
		t.Fatalf("expected 1 journal, got %d", len(batch.Journals))
	}

	if _, err := jg.GeneratePremiumCharge(testHolder, "evt-2", 0, 0, ledger.AssetUSDC, 0); err == nil {
		t.Error("zero-amount charge should fail")
	}
	if _, err := jg.GeneratePremiumCharge(testHolder, "evt-3", 100, 0, ledger.AssetUSDC, 0); err == nil {
		t.Error("charge exceeding reward balance should fail the pre-check")
	}
}

func TestGenerateReferralRewards(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(0, bt)
	referrer := common.HexToAddress("0x2222222222222222222222222222222222222222")

	batch, err := jg.GenerateReferralRewards(referrer, testHolder, "evt-1", 500, ledger.AssetUSDC, 0)
	if err != nil {
		t.Fatalf("GenerateReferralRewards failed: %v", err)
	}
	if len(batch.Journals) != 2 {
		t.Fatalf("expected 2 journals, got %d", len(batch.Journals))
	}
	for _, j := range batch.Journals {
		if j.JournalType != ledger.JournalTypeReferralReward || j.Amount != 500 {
			t.Errorf("expected referral reward of 500, got type=%s amount=%d", j.JournalType, j.Amount)
		}
	}

	if _, err := jg.GenerateReferralRewards(referrer, testHolder, "evt-2", 0, ledger.AssetUSDC, 0); err == nil {
		t.Error("zero reward should fail")
	}
	if _, err := jg.GenerateReferralRewards(testHolder, testHolder, "evt-3", 500, ledger.AssetUSDC, 0); err == nil {
		t.Error("identical parties should fail")
	}
}

// ============================================================================
// Test: Batch Validation
// ============================================================================

func TestBatchValidate_EmptyBatch_Fails(t *testing.T) {
	batch := &ledger.Batch{BatchID: uuid.New()}
	if err := batch.Validate(); err == nil {
		t.Error("empty batch should fail validation")
	}
}

func TestBatchValidate_NonPositiveAmount_Fails(t *testing.T) {
	for _, amount := range []int64{0, -100} {
		batchID := uuid.New()
		batch := &ledger.Batch{
			BatchID: batchID,
			Journals: []ledger.Journal{
				{
					JournalID:     uuid.New(),
					BatchID:       batchID,
					DebitAccount:  ledger.NewHolderAccountKey(testHolder, ledger.SubTypeFunds, ledger.AssetUSDC),
					CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, ledger.AssetUSDC),
					AssetID:       ledger.AssetUSDC,
					Amount:        amount,
				},
			},
		}
		if err := batch.Validate(); err == nil {
			t.Errorf("amount %d should fail validation", amount)
		}
	}
}

func TestBatchValidate_SelfTransfer_Fails(t *testing.T) {
	batchID := uuid.New()
	same := ledger.NewHolderAccountKey(testHolder, ledger.SubTypeFunds, ledger.AssetUSDC)

	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				DebitAccount:  same,
				CreditAccount: same,
				AssetID:       ledger.AssetUSDC,
				Amount:        100,
			},
		},
	}
	if err := batch.Validate(); err == nil {
		t.Error("self-transfer should fail validation")
	}
}

func TestBatchValidate_MismatchedBatchID_Fails(t *testing.T) {
	batch := &ledger.Batch{
		BatchID: uuid.New(),
		Journals: []ledger.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       uuid.New(),
				DebitAccount:  ledger.NewHolderAccountKey(testHolder, ledger.SubTypeFunds, ledger.AssetUSDC),
				CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, ledger.AssetUSDC),
				AssetID:       ledger.AssetUSDC,
				Amount:        100,
			},
		},
	}
	if err := batch.Validate(); err == nil {
		t.Error("mismatched batch ID should fail validation")
	}
}

// ============================================================================
// Test: InvariantValidator
// ============================================================================

func TestInvariantValidator_GlobalBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)

	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("empty ledger should have zero global balance: %v", err)
	}

	bt.ApplyJournal(depositJournal(testHolder, 1_000_000))

	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("balanced ledger should have zero global balance: %v", err)
	}
}

func TestInvariantValidator_HolderNonNegative(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)

	if err := v.ValidateHolderNonNegative(testHolder, ledger.AssetUSDC); err != nil {
		t.Errorf("zero balances should pass: %v", err)
	}

	// Force a negative funds balance via SetBalance.
	key := ledger.NewHolderAccountKey(testHolder, ledger.SubTypeFunds, ledger.AssetUSDC)
	bt.SetBalance(key, -1)
	if err := v.ValidateHolderNonNegative(testHolder, ledger.AssetUSDC); err == nil {
		t.Error("negative funds should fail")
	}
}

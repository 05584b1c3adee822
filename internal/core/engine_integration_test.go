package core_test

import (
	"encoding/json"
	"errors"
	"testing"

	"CoverLedger/internal/core"
	"CoverLedger/internal/event"
	"CoverLedger/internal/ledger"
	covermath "CoverLedger/internal/math"
	"CoverLedger/internal/referral"
	"CoverLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// --- Test helpers ---

const baseTime = int64(1_700_000_000)

var govAddr = addr(0xA1)

func addr(b byte) common.Address {
	var a common.Address
	a[19] = b
	return a
}

// newTestEngine creates a CoverEngine with buffered channels, no DB
// checker, and the default rate parameters.
func newTestEngine() (*core.CoverEngine, chan core.CoreOutput, chan core.CoreOutput) {
	return newTestEngineCfg(core.EngineConfig{})
}

func newTestEngineCfg(cfg core.EngineConfig) (*core.CoverEngine, chan core.CoreOutput, chan core.CoreOutput) {
	if cfg.Governor == (common.Address{}) {
		cfg.Governor = govAddr
	}
	if cfg.MaxCover == 0 {
		cfg.MaxCover = 10_000_000
	}
	persistChan := make(chan core.CoreOutput, 1024)
	projChan := make(chan core.CoreOutput, 1024)
	c := core.NewCoverEngine(cfg, persistChan, projChan, nil, nil)
	return c, persistChan, projChan
}

func mustActivate(holder common.Address, strategy string, coverLimit, deposit, seq int64) *event.PolicyActivate {
	return &event.PolicyActivate{
		RequestID:    uuid.New(),
		Holder:       holder,
		StrategyName: strategy,
		CoverLimit:   coverLimit,
		Deposit:      deposit,
		Sequence:     seq,
		Timestamp:    baseTime + seq,
	}
}

func mustActivateReferred(holder common.Address, strategy string, coverLimit, deposit int64, code []byte, referrer common.Address, seq int64) *event.PolicyActivate {
	e := mustActivate(holder, strategy, coverLimit, deposit, seq)
	e.ReferralCode = code
	e.Referrer = referrer
	return e
}

func mustUpdate(caller, holder common.Address, newCoverLimit, seq int64) *event.PolicyUpdate {
	return &event.PolicyUpdate{
		RequestID:     uuid.New(),
		Caller:        caller,
		Holder:        holder,
		NewCoverLimit: newCoverLimit,
		Sequence:      seq,
		Timestamp:     baseTime + seq,
	}
}

func mustDeactivate(holder common.Address, seq int64) *event.PolicyDeactivate {
	return &event.PolicyDeactivate{
		RequestID: uuid.New(),
		Caller:    holder,
		Holder:    holder,
		Sequence:  seq,
		Timestamp: baseTime + seq,
	}
}

func mustDeposit(holder common.Address, amount, seq int64) *event.Deposit {
	return &event.Deposit{
		RequestID: uuid.New(),
		From:      holder,
		Holder:    holder,
		Asset:     "USDC",
		Amount:    amount,
		Sequence:  seq,
		Timestamp: baseTime + seq,
	}
}

func mustWithdraw(holder common.Address, amount, seq int64) *event.Withdraw {
	return &event.Withdraw{
		RequestID: uuid.New(),
		Holder:    holder,
		Amount:    amount,
		Sequence:  seq,
		Timestamp: baseTime + seq,
	}
}

func mustPremiumBatch(collector common.Address, holders []common.Address, premiums []int64, seq int64) *event.PremiumBatch {
	return &event.PremiumBatch{
		RequestID: uuid.New(),
		Collector: collector,
		Holders:   holders,
		Premiums:  premiums,
		Sequence:  seq,
		Timestamp: baseTime + seq,
	}
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

func findEnvelopes(outputs []core.CoreOutput, et event.EventType) []*event.EventEnvelope {
	var found []*event.EventEnvelope
	for _, o := range outputs {
		if o.Envelope.EventType == et {
			found = append(found, o.Envelope)
		}
	}
	return found
}

// minRequired computes the deposit floor under the default rate params.
func minRequired(coverLimit int64) int64 {
	rp := state.DefaultRateParams()
	return covermath.MinRequiredBalance(rp.MaxRateNum, rp.MaxRateDenom, rp.ChargeCycle, coverLimit)
}

// ============================================================================
// Test: Policy Activation
// ============================================================================

func TestActivatePolicy_MintsPolicyAndCreditsDeposit(t *testing.T) {
	c, persistCh, _ := newTestEngine()
	holder := addr(0x01)

	err := c.ProcessEvent(mustActivate(holder, "aave", 1_000_000, 50_000, 0))
	if err != nil {
		t.Fatalf("activate failed: %v", err)
	}

	pol := c.PolicyOf(holder)
	if pol == nil || !pol.IsActive() {
		t.Fatal("expected an active policy")
	}
	if pol.PolicyID != 1 {
		t.Errorf("expected policy ID 1, got %d", pol.PolicyID)
	}
	if pol.CoverLimit != 1_000_000 {
		t.Errorf("expected cover limit 1_000_000, got %d", pol.CoverLimit)
	}
	if got := c.AccountBalanceOf(holder); got != 50_000 {
		t.Errorf("expected funds 50_000, got %d", got)
	}
	if got := c.ActiveCoverLimit("aave"); got != 1_000_000 {
		t.Errorf("expected active cover 1_000_000, got %d", got)
	}

	// Deposit batch + DepositMade + PolicyCreated + ActiveCoverLimitUpdated.
	outputs := drainOutputs(persistCh)
	if len(outputs) != 4 {
		t.Fatalf("expected 4 outputs, got %d", len(outputs))
	}
	if len(findEnvelopes(outputs, event.EventTypePolicyCreated)) != 1 {
		t.Error("expected a PolicyCreated envelope")
	}
	if len(findEnvelopes(outputs, event.EventTypeActiveCoverLimitUpdated)) != 1 {
		t.Error("expected an ActiveCoverLimitUpdated envelope")
	}
	if len(findEnvelopes(outputs, event.EventTypeDepositMade)) != 1 {
		t.Error("expected a DepositMade envelope")
	}
}

func TestActivatePolicy_SequentialPolicyIDs(t *testing.T) {
	c, _, _ := newTestEngine()

	if err := c.ProcessEvent(mustActivate(addr(0x01), "aave", 1_000_000, 50_000, 0)); err != nil {
		t.Fatalf("first activate failed: %v", err)
	}
	if err := c.ProcessEvent(mustActivate(addr(0x02), "aave", 1_000_000, 50_000, 1)); err != nil {
		t.Fatalf("second activate failed: %v", err)
	}

	if got := c.PolicyOf(addr(0x01)).PolicyID; got != 1 {
		t.Errorf("expected first policy ID 1, got %d", got)
	}
	if got := c.PolicyOf(addr(0x02)).PolicyID; got != 2 {
		t.Errorf("expected second policy ID 2, got %d", got)
	}
	if got := c.PolicyCount(); got != 2 {
		t.Errorf("expected 2 policies, got %d", got)
	}
}

func TestActivatePolicy_AlreadyActive_Fails(t *testing.T) {
	c, _, _ := newTestEngine()
	holder := addr(0x01)

	if err := c.ProcessEvent(mustActivate(holder, "aave", 1_000_000, 50_000, 0)); err != nil {
		t.Fatalf("activate failed: %v", err)
	}

	err := c.ProcessEvent(mustActivate(holder, "aave", 2_000_000, 50_000, 1))
	if !errors.Is(err, core.ErrPolicyAlreadyActive) {
		t.Fatalf("expected ErrPolicyAlreadyActive, got %v", err)
	}
}

func TestActivatePolicy_InsufficientCapacity_Fails(t *testing.T) {
	c, _, _ := newTestEngineCfg(core.EngineConfig{MaxCover: 1_000_000})

	err := c.ProcessEvent(mustActivate(addr(0x01), "aave", 2_000_000, 50_000, 0))
	if !errors.Is(err, core.ErrInsufficientCapacity) {
		t.Fatalf("expected ErrInsufficientCapacity, got %v", err)
	}
	if got := c.ActiveCoverLimit("aave"); got != 0 {
		t.Errorf("rejected activation must not move active cover, got %d", got)
	}
}

func TestActivatePolicy_InsufficientDeposit_Fails(t *testing.T) {
	c, _, _ := newTestEngine()

	floor := minRequired(1_000_000)
	err := c.ProcessEvent(mustActivate(addr(0x01), "aave", 1_000_000, floor-1, 0))
	if !errors.Is(err, core.ErrInsufficientDeposit) {
		t.Fatalf("expected ErrInsufficientDeposit, got %v", err)
	}

	// Exactly the floor is accepted. The rejected command still consumed
	// its source sequence.
	if err := c.ProcessEvent(mustActivate(addr(0x01), "aave", 1_000_000, floor, 1)); err != nil {
		t.Fatalf("activation at the exact floor failed: %v", err)
	}
}

func TestActivatePolicy_ZeroInputs_Fail(t *testing.T) {
	c, _, _ := newTestEngine()

	err := c.ProcessEvent(mustActivate(common.Address{}, "aave", 1_000_000, 50_000, 0))
	if !errors.Is(err, core.ErrZeroAddress) {
		t.Fatalf("expected ErrZeroAddress, got %v", err)
	}

	err = c.ProcessEvent(mustActivate(addr(0x01), "aave", 0, 50_000, 1))
	if !errors.Is(err, core.ErrZeroCoverLimit) {
		t.Fatalf("expected ErrZeroCoverLimit, got %v", err)
	}
}

func TestReactivation_ReusesPolicyID(t *testing.T) {
	c, _, _ := newTestEngine()
	holder := addr(0x01)

	if err := c.ProcessEvent(mustActivate(holder, "aave", 1_000_000, 50_000, 0)); err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	firstID := c.PolicyOf(holder).PolicyID

	if err := c.ProcessEvent(mustDeactivate(holder, 0)); err != nil {
		t.Fatalf("deactivate failed: %v", err)
	}
	if got := c.CooldownStartOf(holder); got == 0 {
		t.Error("deactivation should start the cooldown")
	}

	// The compound strategy partition starts its own dense sequence.
	if err := c.ProcessEvent(mustActivate(holder, "compound", 500_000, 0, 0)); err != nil {
		t.Fatalf("reactivate failed: %v", err)
	}

	pol := c.PolicyOf(holder)
	if pol.PolicyID != firstID {
		t.Errorf("reactivation must reuse permanent ID %d, got %d", firstID, pol.PolicyID)
	}
	if !pol.IsActive() || pol.StrategyName != "compound" {
		t.Errorf("expected active policy on compound, got %+v", pol)
	}
	if got := c.CooldownStartOf(holder); got != 0 {
		t.Errorf("reactivation must clear the cooldown, got %d", got)
	}
	if got := c.PolicyCount(); got != 1 {
		t.Errorf("expected 1 minted policy, got %d", got)
	}
}

// ============================================================================
// Test: Cover Limit Updates
// ============================================================================

func TestUpdateCoverLimit_AdjustsActiveCoverByDelta(t *testing.T) {
	c, persistCh, _ := newTestEngine()
	holder := addr(0x01)

	if err := c.ProcessEvent(mustActivate(holder, "aave", 1_000_000, 50_000, 0)); err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	drainOutputs(persistCh)

	if err := c.ProcessEvent(mustUpdate(holder, holder, 1_500_000, 0)); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if got := c.ActiveCoverLimit("aave"); got != 1_500_000 {
		t.Errorf("expected active cover 1_500_000, got %d", got)
	}

	outputs := drainOutputs(persistCh)
	if len(findEnvelopes(outputs, event.EventTypePolicyUpdated)) != 1 {
		t.Error("expected a PolicyUpdated envelope")
	}

	// Shrinking vacates capacity.
	if err := c.ProcessEvent(mustUpdate(holder, holder, 400_000, 1)); err != nil {
		t.Fatalf("shrink failed: %v", err)
	}
	if got := c.ActiveCoverLimit("aave"); got != 400_000 {
		t.Errorf("expected active cover 400_000, got %d", got)
	}
	if got := c.PolicyOf(holder).CoverLimit; got != 400_000 {
		t.Errorf("expected cover limit 400_000, got %d", got)
	}
}

func TestUpdateCoverLimit_BelowMinBalance_Fails(t *testing.T) {
	c, _, _ := newTestEngine()
	holder := addr(0x01)

	// Deposit exactly the floor for the initial limit.
	if err := c.ProcessEvent(mustActivate(holder, "aave", 1_000_000, minRequired(1_000_000), 0)); err != nil {
		t.Fatalf("activate failed: %v", err)
	}

	err := c.ProcessEvent(mustUpdate(holder, holder, 5_000_000, 0))
	if !errors.Is(err, core.ErrInsufficientDeposit) {
		t.Fatalf("expected ErrInsufficientDeposit, got %v", err)
	}
}

func TestUpdateCoverLimit_Authorization(t *testing.T) {
	c, _, _ := newTestEngine()
	holder := addr(0x01)

	if err := c.ProcessEvent(mustActivate(holder, "aave", 1_000_000, 50_000, 0)); err != nil {
		t.Fatalf("activate failed: %v", err)
	}

	err := c.ProcessEvent(mustUpdate(addr(0x99), holder, 500_000, 0))
	if !errors.Is(err, core.ErrNotPolicyOwner) {
		t.Fatalf("expected ErrNotPolicyOwner, got %v", err)
	}

	// Governance may act on any policy only when explicitly enabled.
	err = c.ProcessEvent(mustUpdate(govAddr, holder, 500_000, 1))
	if !errors.Is(err, core.ErrNotPolicyOwner) {
		t.Fatalf("expected ErrNotPolicyOwner for governance, got %v", err)
	}

	managed, _, _ := newTestEngineCfg(core.EngineConfig{GovernanceManagesPolicies: true})
	if err := managed.ProcessEvent(mustActivate(holder, "aave", 1_000_000, 50_000, 0)); err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	if err := managed.ProcessEvent(mustUpdate(govAddr, holder, 500_000, 0)); err != nil {
		t.Fatalf("governance update should succeed when enabled: %v", err)
	}
}

// ============================================================================
// Test: Deactivation
// ============================================================================

func TestDeactivatePolicy_VacatesCoverAndStartsCooldown(t *testing.T) {
	c, persistCh, _ := newTestEngine()
	holder := addr(0x01)

	if err := c.ProcessEvent(mustActivate(holder, "aave", 1_000_000, 50_000, 0)); err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	drainOutputs(persistCh)

	deact := mustDeactivate(holder, 0)
	if err := c.ProcessEvent(deact); err != nil {
		t.Fatalf("deactivate failed: %v", err)
	}

	pol := c.PolicyOf(holder)
	if pol.IsActive() || pol.CoverLimit != 0 {
		t.Errorf("expected inactive zero-cover policy, got %+v", pol)
	}
	if got := c.ActiveCoverLimit("aave"); got != 0 {
		t.Errorf("expected active cover 0, got %d", got)
	}
	if got := c.CooldownStartOf(holder); got != deact.Timestamp {
		t.Errorf("expected cooldown start %d, got %d", deact.Timestamp, got)
	}
	if got := c.AccountBalanceOf(holder); got != 50_000 {
		t.Errorf("deactivation must not touch funds, got %d", got)
	}

	// Empty command batch + PolicyDeactivated + ActiveCoverLimitUpdated.
	outputs := drainOutputs(persistCh)
	if len(outputs) != 3 {
		t.Fatalf("expected 3 outputs, got %d", len(outputs))
	}
	envs := findEnvelopes(outputs, event.EventTypePolicyDeactivated)
	if len(envs) != 1 {
		t.Fatal("expected a PolicyDeactivated envelope")
	}
	var d event.PolicyDeactivated
	if err := json.Unmarshal(envs[0].Payload, &d); err != nil {
		t.Fatalf("decode PolicyDeactivated: %v", err)
	}
	if d.Forced {
		t.Error("voluntary deactivation must not be marked forced")
	}
	if d.VacatedCover != 1_000_000 {
		t.Errorf("expected vacated cover 1_000_000, got %d", d.VacatedCover)
	}

	err := c.ProcessEvent(mustDeactivate(holder, 1))
	if !errors.Is(err, core.ErrInvalidPolicy) {
		t.Fatalf("expected ErrInvalidPolicy on double deactivation, got %v", err)
	}
}

// ============================================================================
// Test: Deposits & Withdrawals
// ============================================================================

func TestDeposit_CreditsFunds(t *testing.T) {
	c, persistCh, _ := newTestEngine()
	holder := addr(0x01)

	if err := c.ProcessEvent(mustDeposit(holder, 25_000, 0)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if got := c.AccountBalanceOf(holder); got != 25_000 {
		t.Errorf("expected funds 25_000, got %d", got)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 2 {
		t.Fatalf("expected 2 outputs, got %d", len(outputs))
	}
	j := outputs[0].Batch.Journals[0]
	if j.JournalType != ledger.JournalTypeDeposit {
		t.Errorf("expected JournalTypeDeposit, got %d", j.JournalType)
	}
	if j.Amount != 25_000 {
		t.Errorf("expected amount 25_000, got %d", j.Amount)
	}
}

func TestWithdraw_NoBalance_Fails(t *testing.T) {
	c, _, _ := newTestEngine()

	err := c.ProcessEvent(mustWithdraw(addr(0x01), 100, 0))
	if !errors.Is(err, core.ErrNoBalance) {
		t.Fatalf("expected ErrNoBalance, got %v", err)
	}
}

func TestWithdraw_MoreThanBalance_Fails(t *testing.T) {
	c, _, _ := newTestEngine()
	holder := addr(0x01)

	if err := c.ProcessEvent(mustDeposit(holder, 1_000, 0)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	err := c.ProcessEvent(mustWithdraw(holder, 2_000, 1))
	if !errors.Is(err, core.ErrOverWithdraw) {
		t.Fatalf("expected ErrOverWithdraw, got %v", err)
	}
}

func TestWithdraw_NoPolicy_FullBalance(t *testing.T) {
	c, persistCh, _ := newTestEngine()
	holder := addr(0x01)

	if err := c.ProcessEvent(mustDeposit(holder, 10_000, 0)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	drainOutputs(persistCh)

	// Amount 0 means "withdraw the maximum"; with no policy there is no floor.
	if err := c.ProcessEvent(mustWithdraw(holder, 0, 1)); err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	if got := c.AccountBalanceOf(holder); got != 0 {
		t.Errorf("expected funds 0, got %d", got)
	}

	outputs := drainOutputs(persistCh)
	j := outputs[0].Batch.Journals[0]
	if j.JournalType != ledger.JournalTypeWithdrawal || j.Amount != 10_000 {
		t.Errorf("expected withdrawal of 10_000, got type=%d amount=%d", j.JournalType, j.Amount)
	}
}

func TestWithdraw_ActivePolicy_CappedAtFloor(t *testing.T) {
	c, persistCh, _ := newTestEngine()
	holder := addr(0x01)
	floor := minRequired(1_000_000)

	if err := c.ProcessEvent(mustActivate(holder, "aave", 1_000_000, 1_000_000, 0)); err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	drainOutputs(persistCh)

	// Requesting more than the headroom above the floor is rejected.
	err := c.ProcessEvent(mustWithdraw(holder, 1_000_000-floor+1, 0))
	if !errors.Is(err, core.ErrOverWithdraw) {
		t.Fatalf("expected ErrOverWithdraw, got %v", err)
	}

	// Max withdrawal drains down to the floor, never below.
	if err := c.ProcessEvent(mustWithdraw(holder, 0, 1)); err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	if got := c.AccountBalanceOf(holder); got != floor {
		t.Errorf("expected funds at floor %d, got %d", floor, got)
	}

	// Balance now sits exactly on the floor: nothing left to withdraw.
	err = c.ProcessEvent(mustWithdraw(holder, 0, 2))
	if !errors.Is(err, core.ErrNoBalance) {
		t.Fatalf("expected ErrNoBalance at the floor, got %v", err)
	}
}

func TestWithdraw_AfterDeactivation_FloorLifted(t *testing.T) {
	c, _, _ := newTestEngine()
	holder := addr(0x01)

	if err := c.ProcessEvent(mustActivate(holder, "aave", 1_000_000, 1_000_000, 0)); err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	if err := c.ProcessEvent(mustDeactivate(holder, 0)); err != nil {
		t.Fatalf("deactivate failed: %v", err)
	}

	// The vacated policy leaves no cover limit, so no floor applies.
	if err := c.ProcessEvent(mustWithdraw(holder, 0, 1)); err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	if got := c.AccountBalanceOf(holder); got != 0 {
		t.Errorf("expected full balance withdrawn, got %d", got)
	}
}

// ============================================================================
// Test: Premium Charging
// ============================================================================

func TestPremiumBatch_FullCharge(t *testing.T) {
	c, persistCh, _ := newTestEngine()
	holder := addr(0x01)

	if err := c.ProcessEvent(mustActivate(holder, "aave", 1_000_000, 100_000, 0)); err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	drainOutputs(persistCh)

	if err := c.ProcessEvent(mustPremiumBatch(govAddr, []common.Address{holder}, []int64{1_000}, 0)); err != nil {
		t.Fatalf("premium batch failed: %v", err)
	}

	if got := c.AccountBalanceOf(holder); got != 99_000 {
		t.Errorf("expected funds 99_000, got %d", got)
	}
	if got := c.PremiumPoolBalance(); got != 1_000 {
		t.Errorf("expected premium pool 1_000, got %d", got)
	}
	if got := c.PremiumsPaidOf(holder); got != 1_000 {
		t.Errorf("expected premiums paid 1_000, got %d", got)
	}
	if !c.PolicyOf(holder).IsActive() {
		t.Error("a fully charged policy must stay active")
	}

	outputs := drainOutputs(persistCh)
	if len(findEnvelopes(outputs, event.EventTypePremiumCharged)) != 1 {
		t.Error("expected a PremiumCharged envelope")
	}
	j := outputs[0].Batch.Journals[0]
	if j.JournalType != ledger.JournalTypePremiumFromFunds || j.Amount != 1_000 {
		t.Errorf("expected funds-leg of 1_000, got type=%d amount=%d", j.JournalType, j.Amount)
	}
}

func TestPremiumBatch_RewardPointsDrainFirst(t *testing.T) {
	c, persistCh, _ := newTestEngine()
	refKey, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	referrer := ethcrypto.PubkeyToAddress(refKey.PublicKey)
	referee := addr(0x02)

	if err := c.ProcessEvent(&event.ReferralParamsSet{
		RequestID: uuid.New(), Caller: govAddr,
		Reward: 500, Threshold: 0, Enabled: true,
		Sequence: 1, Timestamp: baseTime,
	}); err != nil {
		t.Fatalf("set referral params: %v", err)
	}

	if err := c.ProcessEvent(mustActivate(referrer, "aave", 1_000_000, 100_000, 0)); err != nil {
		t.Fatalf("referrer activate failed: %v", err)
	}

	code, err := referral.SignCode("aave", refKey)
	if err != nil {
		t.Fatalf("sign code: %v", err)
	}
	if err := c.ProcessEvent(mustActivateReferred(referee, "aave", 1_000_000, 100_000, code, referrer, 1)); err != nil {
		t.Fatalf("referee activate failed: %v", err)
	}
	if got := c.RewardPointsOf(referee); got != 500 {
		t.Fatalf("expected 500 reward points, got %d", got)
	}
	drainOutputs(persistCh)

	// Premium 800: 500 from reward points, 300 from funds.
	if err := c.ProcessEvent(mustPremiumBatch(govAddr, []common.Address{referee}, []int64{800}, 0)); err != nil {
		t.Fatalf("premium batch failed: %v", err)
	}

	if got := c.RewardPointsOf(referee); got != 0 {
		t.Errorf("expected reward points drained, got %d", got)
	}
	if got := c.AccountBalanceOf(referee); got != 99_700 {
		t.Errorf("expected funds 99_700, got %d", got)
	}
	if got := c.PremiumPoolBalance(); got != 800 {
		t.Errorf("expected premium pool 800, got %d", got)
	}

	outputs := drainOutputs(persistCh)
	journals := outputs[0].Batch.Journals
	if len(journals) != 2 {
		t.Fatalf("expected 2 journal legs, got %d", len(journals))
	}
	if journals[0].JournalType != ledger.JournalTypePremiumFromRewards || journals[0].Amount != 500 {
		t.Errorf("expected rewards leg of 500, got type=%d amount=%d", journals[0].JournalType, journals[0].Amount)
	}
	if journals[1].JournalType != ledger.JournalTypePremiumFromFunds || journals[1].Amount != 300 {
		t.Errorf("expected funds leg of 300, got type=%d amount=%d", journals[1].JournalType, journals[1].Amount)
	}
}

func TestPremiumBatch_PartialCharge_ForceDeactivates(t *testing.T) {
	c, persistCh, _ := newTestEngine()
	holder := addr(0x01)
	floor := minRequired(1_000_000)

	if err := c.ProcessEvent(mustActivate(holder, "aave", 1_000_000, floor, 0)); err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	drainOutputs(persistCh)

	// First cycle drains most of the account.
	if err := c.ProcessEvent(mustPremiumBatch(govAddr, []common.Address{holder}, []int64{floor - 10}, 0)); err != nil {
		t.Fatalf("first premium batch failed: %v", err)
	}
	drainOutputs(persistCh)

	// Second cycle cannot be covered: drain the remainder and force-deactivate.
	if err := c.ProcessEvent(mustPremiumBatch(govAddr, []common.Address{holder}, []int64{floor - 10}, 1)); err != nil {
		t.Fatalf("second premium batch failed: %v", err)
	}

	if got := c.AccountBalanceOf(holder); got != 0 {
		t.Errorf("expected funds drained to 0, got %d", got)
	}
	if c.PolicyOf(holder).IsActive() {
		t.Error("expected forced deactivation")
	}
	if got := c.ActiveCoverLimit("aave"); got != 0 {
		t.Errorf("expected active cover 0, got %d", got)
	}
	if got := c.CooldownStartOf(holder); got != 0 {
		t.Errorf("forced deactivation must not start a cooldown, got %d", got)
	}
	if got := c.PremiumsPaidOf(holder); got != floor {
		t.Errorf("expected premiums paid %d, got %d", floor, got)
	}

	outputs := drainOutputs(persistCh)
	envs := findEnvelopes(outputs, event.EventTypePremiumPartiallyCharged)
	if len(envs) != 1 {
		t.Fatal("expected a PremiumPartiallyCharged envelope")
	}
	var partial event.PremiumPartiallyCharged
	if err := json.Unmarshal(envs[0].Payload, &partial); err != nil {
		t.Fatalf("decode PremiumPartiallyCharged: %v", err)
	}
	if partial.Premium != floor-10 || partial.Charged != 10 {
		t.Errorf("expected premium=%d charged=10, got premium=%d charged=%d",
			floor-10, partial.Premium, partial.Charged)
	}

	deactEnvs := findEnvelopes(outputs, event.EventTypePolicyDeactivated)
	if len(deactEnvs) != 1 {
		t.Fatal("expected a PolicyDeactivated envelope")
	}
	var d event.PolicyDeactivated
	if err := json.Unmarshal(deactEnvs[0].Payload, &d); err != nil {
		t.Fatalf("decode PolicyDeactivated: %v", err)
	}
	if !d.Forced {
		t.Error("premium-driven deactivation must be marked forced")
	}
}

func TestPremiumBatch_SameHolderTwice(t *testing.T) {
	c, _, _ := newTestEngine()
	holder := addr(0x01)

	if err := c.ProcessEvent(mustActivate(holder, "aave", 1_000_000, 2_000, 0)); err != nil {
		t.Fatalf("activate failed: %v", err)
	}

	// 1_500 + 1_500 against a 2_000 balance: the second charge sees only
	// the 500 remaining and partially charges.
	holders := []common.Address{holder, holder}
	if err := c.ProcessEvent(mustPremiumBatch(govAddr, holders, []int64{1_500, 1_500}, 0)); err != nil {
		t.Fatalf("premium batch failed: %v", err)
	}

	if got := c.AccountBalanceOf(holder); got != 0 {
		t.Errorf("expected funds 0, got %d", got)
	}
	if got := c.PremiumsPaidOf(holder); got != 2_000 {
		t.Errorf("expected premiums paid 2_000, got %d", got)
	}
	if got := c.PremiumPoolBalance(); got != 2_000 {
		t.Errorf("expected premium pool 2_000, got %d", got)
	}
	if c.PolicyOf(holder).IsActive() {
		t.Error("expected forced deactivation on the second charge")
	}
}

func TestPremiumBatch_RateCapRejectsWholeBatch(t *testing.T) {
	c, _, _ := newTestEngine()
	h1, h2 := addr(0x01), addr(0x02)
	maxPremium := minRequired(1_000_000)

	if err := c.ProcessEvent(mustActivate(h1, "aave", 1_000_000, 100_000, 0)); err != nil {
		t.Fatalf("activate h1 failed: %v", err)
	}
	if err := c.ProcessEvent(mustActivate(h2, "aave", 1_000_000, 100_000, 1)); err != nil {
		t.Fatalf("activate h2 failed: %v", err)
	}

	err := c.ProcessEvent(mustPremiumBatch(govAddr,
		[]common.Address{h1, h2}, []int64{1_000, maxPremium + 1}, 0))
	if !errors.Is(err, core.ErrRateExceedsMax) {
		t.Fatalf("expected ErrRateExceedsMax, got %v", err)
	}

	// Structural revert: the first holder must not have been charged.
	if got := c.AccountBalanceOf(h1); got != 100_000 {
		t.Errorf("expected h1 funds untouched at 100_000, got %d", got)
	}
	if got := c.PremiumPoolBalance(); got != 0 {
		t.Errorf("expected premium pool 0, got %d", got)
	}
}

func TestPremiumBatch_StructuralValidation(t *testing.T) {
	c, _, _ := newTestEngineCfg(core.EngineConfig{MaxPoliciesPerBatch: 2})
	holder := addr(0x01)

	err := c.ProcessEvent(mustPremiumBatch(addr(0x99), []common.Address{holder}, []int64{100}, 0))
	if !errors.Is(err, core.ErrNotPremiumCollector) {
		t.Fatalf("expected ErrNotPremiumCollector, got %v", err)
	}

	err = c.ProcessEvent(mustPremiumBatch(govAddr, []common.Address{holder}, []int64{100, 200}, 1))
	if !errors.Is(err, core.ErrLengthMismatch) {
		t.Fatalf("expected ErrLengthMismatch, got %v", err)
	}

	err = c.ProcessEvent(mustPremiumBatch(govAddr,
		[]common.Address{addr(0x01), addr(0x02), addr(0x03)}, []int64{1, 2, 3}, 2))
	if !errors.Is(err, core.ErrPolicyCountExceeded) {
		t.Fatalf("expected ErrPolicyCountExceeded, got %v", err)
	}
}

func TestPremiumBatch_SkipsHoldersWithoutActivePolicy(t *testing.T) {
	c, persistCh, _ := newTestEngine()
	holder := addr(0x01)

	// Funds but no policy: charging silently skips.
	if err := c.ProcessEvent(mustDeposit(holder, 10_000, 0)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	drainOutputs(persistCh)

	if err := c.ProcessEvent(mustPremiumBatch(govAddr, []common.Address{holder}, []int64{1_000}, 1)); err != nil {
		t.Fatalf("premium batch failed: %v", err)
	}

	if got := c.AccountBalanceOf(holder); got != 10_000 {
		t.Errorf("expected funds untouched at 10_000, got %d", got)
	}
	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected only the command envelope, got %d outputs", len(outputs))
	}
	if len(outputs[0].Batch.Journals) != 0 {
		t.Error("expected no journals for a skipped holder")
	}
}

// ============================================================================
// Test: Referral Subsystem
// ============================================================================

func TestReferral_RewardsBothParties(t *testing.T) {
	c, _, _ := newTestEngine()
	refKey, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	referrer := ethcrypto.PubkeyToAddress(refKey.PublicKey)
	referee := addr(0x02)

	if err := c.ProcessEvent(&event.ReferralParamsSet{
		RequestID: uuid.New(), Caller: govAddr,
		Reward: 750, Threshold: 0, Enabled: true,
		Sequence: 1, Timestamp: baseTime,
	}); err != nil {
		t.Fatalf("set referral params: %v", err)
	}

	if err := c.ProcessEvent(mustActivate(referrer, "aave", 1_000_000, 100_000, 0)); err != nil {
		t.Fatalf("referrer activate failed: %v", err)
	}

	code, err := referral.SignCode("aave", refKey)
	if err != nil {
		t.Fatalf("sign code: %v", err)
	}
	if err := c.ProcessEvent(mustActivateReferred(referee, "aave", 1_000_000, 100_000, code, referrer, 1)); err != nil {
		t.Fatalf("referee activate failed: %v", err)
	}

	if got := c.RewardPointsOf(referrer); got != 750 {
		t.Errorf("expected referrer reward points 750, got %d", got)
	}
	if got := c.RewardPointsOf(referee); got != 750 {
		t.Errorf("expected referee reward points 750, got %d", got)
	}
	if !c.ReferralUsedBy(referee) {
		t.Error("referee's one-time allowance must be consumed")
	}
	if c.ReferralUsedBy(referrer) {
		t.Error("referring must not consume the referrer's own allowance")
	}
}

func TestReferral_SecondUse_Fails(t *testing.T) {
	c, _, _ := newTestEngine()
	refKey, _ := ethcrypto.GenerateKey()
	referrer := ethcrypto.PubkeyToAddress(refKey.PublicKey)
	referee := addr(0x02)

	if err := c.ProcessEvent(mustActivate(referrer, "aave", 1_000_000, 100_000, 0)); err != nil {
		t.Fatalf("referrer activate failed: %v", err)
	}
	code, _ := referral.SignCode("aave", refKey)
	if err := c.ProcessEvent(mustActivateReferred(referee, "aave", 1_000_000, 100_000, code, referrer, 1)); err != nil {
		t.Fatalf("referee activate failed: %v", err)
	}

	// Reusing any code on a later update fails, same referrer or not.
	upd := mustUpdate(referee, referee, 2_000_000, 0)
	upd.ReferralCode = code
	upd.Referrer = referrer
	err := c.ProcessEvent(upd)
	if !errors.Is(err, core.ErrReferralCodeUsed) {
		t.Fatalf("expected ErrReferralCodeUsed, got %v", err)
	}
}

func TestReferral_SelfReferral_Fails(t *testing.T) {
	c, _, _ := newTestEngine()
	key, _ := ethcrypto.GenerateKey()
	holder := ethcrypto.PubkeyToAddress(key.PublicKey)

	code, _ := referral.SignCode("aave", key)
	err := c.ProcessEvent(mustActivateReferred(holder, "aave", 1_000_000, 100_000, code, holder, 0))
	if !errors.Is(err, core.ErrSelfReferral) {
		t.Fatalf("expected ErrSelfReferral, got %v", err)
	}
}

func TestReferral_ReferrerNotActive_Fails(t *testing.T) {
	c, _, _ := newTestEngine()
	refKey, _ := ethcrypto.GenerateKey()
	referrer := ethcrypto.PubkeyToAddress(refKey.PublicKey)

	code, _ := referral.SignCode("aave", refKey)
	err := c.ProcessEvent(mustActivateReferred(addr(0x02), "aave", 1_000_000, 100_000, code, referrer, 0))
	if !errors.Is(err, core.ErrReferrerNotActive) {
		t.Fatalf("expected ErrReferrerNotActive, got %v", err)
	}
}

func TestReferral_ThresholdNotMet_Fails(t *testing.T) {
	c, _, _ := newTestEngine()
	refKey, _ := ethcrypto.GenerateKey()
	referrer := ethcrypto.PubkeyToAddress(refKey.PublicKey)

	if err := c.ProcessEvent(&event.ReferralParamsSet{
		RequestID: uuid.New(), Caller: govAddr,
		Reward: 500, Threshold: 10_000, Enabled: true,
		Sequence: 1, Timestamp: baseTime,
	}); err != nil {
		t.Fatalf("set referral params: %v", err)
	}
	if err := c.ProcessEvent(mustActivate(referrer, "aave", 1_000_000, 100_000, 0)); err != nil {
		t.Fatalf("referrer activate failed: %v", err)
	}

	// The referee has never paid a premium.
	code, _ := referral.SignCode("aave", refKey)
	err := c.ProcessEvent(mustActivateReferred(addr(0x02), "aave", 1_000_000, 100_000, code, referrer, 1))
	if !errors.Is(err, core.ErrReferralThreshold) {
		t.Fatalf("expected ErrReferralThreshold, got %v", err)
	}
}

func TestReferral_WrongSigner_Fails(t *testing.T) {
	c, _, _ := newTestEngine()
	refKey, _ := ethcrypto.GenerateKey()
	otherKey, _ := ethcrypto.GenerateKey()
	referrer := ethcrypto.PubkeyToAddress(refKey.PublicKey)

	if err := c.ProcessEvent(mustActivate(referrer, "aave", 1_000_000, 100_000, 0)); err != nil {
		t.Fatalf("referrer activate failed: %v", err)
	}

	// Code signed by a different key than the claimed referrer.
	code, _ := referral.SignCode("aave", otherKey)
	err := c.ProcessEvent(mustActivateReferred(addr(0x02), "aave", 1_000_000, 100_000, code, referrer, 1))
	if !errors.Is(err, core.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestReferral_Disabled_CodeIgnored(t *testing.T) {
	c, _, _ := newTestEngine()
	refKey, _ := ethcrypto.GenerateKey()
	referrer := ethcrypto.PubkeyToAddress(refKey.PublicKey)
	referee := addr(0x02)

	if err := c.ProcessEvent(&event.ReferralParamsSet{
		RequestID: uuid.New(), Caller: govAddr,
		Reward: 500, Threshold: 0, Enabled: false,
		Sequence: 1, Timestamp: baseTime,
	}); err != nil {
		t.Fatalf("disable referral program: %v", err)
	}
	if err := c.ProcessEvent(mustActivate(referrer, "aave", 1_000_000, 100_000, 0)); err != nil {
		t.Fatalf("referrer activate failed: %v", err)
	}

	code, _ := referral.SignCode("aave", refKey)
	if err := c.ProcessEvent(mustActivateReferred(referee, "aave", 1_000_000, 100_000, code, referrer, 1)); err != nil {
		t.Fatalf("activation with code while disabled must succeed: %v", err)
	}
	if got := c.RewardPointsOf(referee); got != 0 {
		t.Errorf("expected no reward while disabled, got %d", got)
	}
	if c.ReferralUsedBy(referee) {
		t.Error("a disabled program must not consume the allowance")
	}
}

// ============================================================================
// Test: Governance
// ============================================================================

func TestGovernance_TwoStepHandoff(t *testing.T) {
	c, _, _ := newTestEngine()
	nominee := addr(0xB2)

	err := c.ProcessEvent(&event.GovernanceNominate{
		RequestID: uuid.New(), Caller: addr(0x99), Pending: nominee,
		Sequence: 1, Timestamp: baseTime,
	})
	if !errors.Is(err, core.ErrNotGovernance) {
		t.Fatalf("expected ErrNotGovernance, got %v", err)
	}

	if err := c.ProcessEvent(&event.GovernanceNominate{
		RequestID: uuid.New(), Caller: govAddr, Pending: nominee,
		Sequence: 2, Timestamp: baseTime,
	}); err != nil {
		t.Fatalf("nominate failed: %v", err)
	}
	if got := c.PendingGovernor(); got != nominee {
		t.Errorf("expected pending governor %s, got %s", nominee.Hex(), got.Hex())
	}
	if got := c.Governor(); got != govAddr {
		t.Errorf("nomination alone must not change the governor, got %s", got.Hex())
	}

	err = c.ProcessEvent(&event.GovernanceAccept{
		RequestID: uuid.New(), Caller: addr(0x77),
		Sequence: 3, Timestamp: baseTime,
	})
	if err == nil {
		t.Fatal("expected error when a non-nominee accepts")
	}

	if err := c.ProcessEvent(&event.GovernanceAccept{
		RequestID: uuid.New(), Caller: nominee,
		Sequence: 4, Timestamp: baseTime,
	}); err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if got := c.Governor(); got != nominee {
		t.Errorf("expected governor %s, got %s", nominee.Hex(), got.Hex())
	}
	if got := c.PendingGovernor(); got != (common.Address{}) {
		t.Errorf("expected pending governor cleared, got %s", got.Hex())
	}

	// The old governor lost its powers.
	err = c.ProcessEvent(&event.PauseSet{
		RequestID: uuid.New(), Caller: govAddr, Paused: true,
		Sequence: 5, Timestamp: baseTime,
	})
	if !errors.Is(err, core.ErrNotGovernance) {
		t.Fatalf("expected ErrNotGovernance for the old governor, got %v", err)
	}
}

func TestPause_GatesMutationsButNotExit(t *testing.T) {
	c, _, _ := newTestEngine()
	holder := addr(0x01)

	if err := c.ProcessEvent(mustActivate(holder, "aave", 1_000_000, 100_000, 0)); err != nil {
		t.Fatalf("activate failed: %v", err)
	}

	if err := c.ProcessEvent(&event.PauseSet{
		RequestID: uuid.New(), Caller: govAddr, Paused: true,
		Sequence: 1, Timestamp: baseTime,
	}); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	if !c.Paused() {
		t.Fatal("expected paused state")
	}

	if err := c.ProcessEvent(mustDeposit(addr(0x02), 1_000, 0)); !errors.Is(err, core.ErrPaused) {
		t.Fatalf("expected ErrPaused for deposit, got %v", err)
	}
	if err := c.ProcessEvent(mustActivate(addr(0x02), "aave", 1_000_000, 100_000, 1)); !errors.Is(err, core.ErrPaused) {
		t.Fatalf("expected ErrPaused for activation, got %v", err)
	}
	if err := c.ProcessEvent(mustWithdraw(holder, 100, 1)); !errors.Is(err, core.ErrPaused) {
		t.Fatalf("expected ErrPaused for withdrawal, got %v", err)
	}

	// Holders can always exit their policy.
	if err := c.ProcessEvent(mustDeactivate(holder, 2)); err != nil {
		t.Fatalf("deactivation while paused must succeed: %v", err)
	}
}

func TestPremiumCollectorSet_RotatesRole(t *testing.T) {
	c, _, _ := newTestEngine()
	holder := addr(0x01)
	collector := addr(0xC0)

	if err := c.ProcessEvent(mustActivate(holder, "aave", 1_000_000, 100_000, 0)); err != nil {
		t.Fatalf("activate failed: %v", err)
	}

	if err := c.ProcessEvent(&event.PremiumCollectorSet{
		RequestID: uuid.New(), Caller: govAddr, Collector: collector,
		Sequence: 1, Timestamp: baseTime,
	}); err != nil {
		t.Fatalf("set collector failed: %v", err)
	}
	if got := c.PremiumCollector(); got != collector {
		t.Errorf("expected collector %s, got %s", collector.Hex(), got.Hex())
	}

	// The governor no longer collects by default.
	err := c.ProcessEvent(mustPremiumBatch(govAddr, []common.Address{holder}, []int64{100}, 0))
	if !errors.Is(err, core.ErrNotPremiumCollector) {
		t.Fatalf("expected ErrNotPremiumCollector, got %v", err)
	}
	if err := c.ProcessEvent(mustPremiumBatch(collector, []common.Address{holder}, []int64{100}, 1)); err != nil {
		t.Fatalf("premium batch by new collector failed: %v", err)
	}
}

func TestRateParamsSet_ChangesFloor(t *testing.T) {
	c, _, _ := newTestEngine()

	// Cover limit equal to the denominator keeps the division exact.
	before := c.MinRequiredAccountBalance(315_360_000)
	if before != 604_800 {
		t.Fatalf("expected floor 604_800 under default params, got %d", before)
	}

	if err := c.ProcessEvent(&event.RateParamsSet{
		RequestID: uuid.New(), Caller: govAddr,
		MaxRateNum: 2, MaxRateDenom: 315_360_000,
		ChargeCycle: 604_800, CooldownPeriod: 604_800,
		Sequence: 1, Timestamp: baseTime,
	}); err != nil {
		t.Fatalf("set rate params failed: %v", err)
	}

	if after := c.MinRequiredAccountBalance(315_360_000); after != 2*before {
		t.Errorf("doubling the rate must double the floor: before=%d after=%d", before, after)
	}
	if got := c.RateParams().MaxRateNum; got != 2 {
		t.Errorf("expected MaxRateNum 2, got %d", got)
	}
}

func TestRiskParamUpdate_CapsStrategy(t *testing.T) {
	c, _, _ := newTestEngine()

	err := c.ProcessEvent(&event.RiskParamUpdate{
		Caller: addr(0x99), StrategyName: "aave",
		MaxCover: 10_000_000, MaxCoverPerStrategy: 500_000,
		EffectiveSeq: 1, Sequence: 1, Timestamp: baseTime,
	})
	if !errors.Is(err, core.ErrNotGovernance) {
		t.Fatalf("expected ErrNotGovernance, got %v", err)
	}

	if err := c.ProcessEvent(&event.RiskParamUpdate{
		Caller: govAddr, StrategyName: "aave",
		MaxCover: 10_000_000, MaxCoverPerStrategy: 500_000,
		EffectiveSeq: 1, Sequence: 1, Timestamp: baseTime,
	}); err != nil {
		t.Fatalf("risk param update failed: %v", err)
	}

	err = c.ProcessEvent(mustActivate(addr(0x01), "aave", 600_000, 50_000, 0))
	if !errors.Is(err, core.ErrInsufficientCapacity) {
		t.Fatalf("expected ErrInsufficientCapacity above the strategy cap, got %v", err)
	}
	if err := c.ProcessEvent(mustActivate(addr(0x01), "aave", 400_000, 50_000, 1)); err != nil {
		t.Fatalf("activation under the cap failed: %v", err)
	}
	if got := c.AvailableCoverCapacity("aave"); got != 100_000 {
		t.Errorf("expected capacity 100_000, got %d", got)
	}
}

// ============================================================================
// Test: Idempotency & Sequencing
// ============================================================================

func TestIdempotency_DuplicateRequestIgnored(t *testing.T) {
	c, persistCh, _ := newTestEngine()
	holder := addr(0x01)

	deposit := mustDeposit(holder, 10_000, 0)
	if err := c.ProcessEvent(deposit); err != nil {
		t.Fatalf("first deposit failed: %v", err)
	}
	drainOutputs(persistCh)

	if err := c.ProcessEvent(deposit); err != nil {
		t.Fatalf("duplicate deposit should not error: %v", err)
	}
	if got := c.AccountBalanceOf(holder); got != 10_000 {
		t.Errorf("duplicate must not double-credit, got %d", got)
	}
	if outputs := drainOutputs(persistCh); len(outputs) != 0 {
		t.Errorf("expected 0 outputs for duplicate, got %d", len(outputs))
	}
}

func TestSequenceValidation_GapRejected(t *testing.T) {
	c, _, _ := newTestEngine()
	holder := addr(0x01)

	if err := c.ProcessEvent(mustDeposit(holder, 1_000, 0)); err != nil {
		t.Fatalf("seq 0 failed: %v", err)
	}

	err := c.ProcessEvent(mustDeposit(holder, 1_000, 2))
	if err == nil {
		t.Fatal("expected sequence gap error, got nil")
	}
}

func TestSequenceValidation_PerStrategyPartitions(t *testing.T) {
	c, _, _ := newTestEngine()

	// Each strategy carries its own dense sequence, independent of the
	// global partition used by deposits.
	if err := c.ProcessEvent(mustActivate(addr(0x01), "aave", 1_000_000, 50_000, 0)); err != nil {
		t.Fatalf("aave seq 0 failed: %v", err)
	}
	if err := c.ProcessEvent(mustActivate(addr(0x02), "compound", 1_000_000, 50_000, 0)); err != nil {
		t.Fatalf("compound seq 0 failed: %v", err)
	}
	if err := c.ProcessEvent(mustDeposit(addr(0x03), 1_000, 0)); err != nil {
		t.Fatalf("global seq 0 failed: %v", err)
	}
}

// ============================================================================
// Test: Hash Chain
// ============================================================================

func TestHashChain_LinksEveryEnvelope(t *testing.T) {
	c, persistCh, _ := newTestEngine()
	holder := addr(0x01)

	if err := c.ProcessEvent(mustActivate(holder, "aave", 1_000_000, 50_000, 0)); err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	if err := c.ProcessEvent(mustDeposit(holder, 1_000, 0)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) < 2 {
		t.Fatalf("expected multiple outputs, got %d", len(outputs))
	}
	for i, o := range outputs {
		if o.Envelope.Sequence != int64(i) {
			t.Errorf("output %d: expected sequence %d, got %d", i, i, o.Envelope.Sequence)
		}
		if i == 0 {
			continue
		}
		if o.Envelope.PrevHash != outputs[i-1].Envelope.StateHash {
			t.Errorf("output %d: prev hash does not chain to output %d", i, i-1)
		}
	}
	if got := c.GetStateHash(); got != outputs[len(outputs)-1].Envelope.StateHash {
		t.Error("engine state hash must equal the last envelope's state hash")
	}
}

func TestHashChain_Deterministic(t *testing.T) {
	holder := addr(0x01)
	requestID := uuid.New()

	run := func() [32]byte {
		c, persistCh, _ := newTestEngine()
		evt := mustActivate(holder, "aave", 1_000_000, 50_000, 0)
		evt.RequestID = requestID
		if err := c.ProcessEvent(evt); err != nil {
			t.Fatalf("activate failed: %v", err)
		}
		drainOutputs(persistCh)
		return c.GetStateHash()
	}

	if h1, h2 := run(), run(); h1 != h2 {
		t.Errorf("identical inputs must produce identical hashes: %x vs %x", h1, h2)
	}
}

// ============================================================================
// Test: Snapshot & Restore
// ============================================================================

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	c, persistCh, _ := newTestEngine()
	holder := addr(0x01)

	if err := c.ProcessEvent(mustActivate(holder, "aave", 1_000_000, 50_000, 0)); err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	if err := c.ProcessEvent(mustDeposit(holder, 5_000, 0)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	drainOutputs(persistCh)

	snap := c.CreateSnapshotState()

	restored, restoredPersist, _ := newTestEngine()
	restored.RestoreFromSnapshot(snap)

	if restored.GetSequence() != c.GetSequence() {
		t.Errorf("sequence mismatch: %d vs %d", restored.GetSequence(), c.GetSequence())
	}
	if restored.GetStateHash() != c.GetStateHash() {
		t.Error("state hash mismatch after restore")
	}
	if got := restored.AccountBalanceOf(holder); got != 55_000 {
		t.Errorf("expected funds 55_000, got %d", got)
	}
	pol := restored.PolicyOf(holder)
	if pol == nil || !pol.IsActive() || pol.CoverLimit != 1_000_000 {
		t.Fatalf("policy not restored: %+v", pol)
	}
	if got := restored.ActiveCoverLimit("aave"); got != 1_000_000 {
		t.Errorf("expected active cover 1_000_000, got %d", got)
	}

	// Both engines process the same next command and stay in lockstep.
	next := mustDeposit(holder, 2_500, 1)
	if err := c.ProcessEvent(next); err != nil {
		t.Fatalf("original engine deposit failed: %v", err)
	}
	if err := restored.ProcessEvent(next); err != nil {
		t.Fatalf("restored engine deposit failed: %v", err)
	}
	drainOutputs(persistCh)
	drainOutputs(restoredPersist)

	if restored.GetStateHash() != c.GetStateHash() {
		t.Error("state hashes diverged after post-restore processing")
	}
}

// ============================================================================
// Test: Replay Mode
// ============================================================================

func TestReplayMode_AppliesStateWithoutEmitting(t *testing.T) {
	c, persistCh, projCh := newTestEngine()
	holder := addr(0x01)

	c.SetReplayMode(true)
	deposit := mustDeposit(holder, 10_000, 0)
	if err := c.ProcessEvent(deposit); err != nil {
		t.Fatalf("replayed deposit failed: %v", err)
	}
	c.SetReplayMode(false)

	if got := c.AccountBalanceOf(holder); got != 10_000 {
		t.Errorf("replay must apply state, got funds %d", got)
	}
	if outputs := drainOutputs(persistCh); len(outputs) != 0 {
		t.Errorf("replay must not emit persist outputs, got %d", len(outputs))
	}
	if outputs := drainOutputs(projCh); len(outputs) != 0 {
		t.Errorf("replay must not emit projection outputs, got %d", len(outputs))
	}

	// Replayed keys land in the LRU: redelivery after replay is a no-op.
	if err := c.ProcessEvent(deposit); err != nil {
		t.Fatalf("post-replay duplicate should not error: %v", err)
	}
	if got := c.AccountBalanceOf(holder); got != 10_000 {
		t.Errorf("post-replay duplicate must not double-credit, got %d", got)
	}
}

// ============================================================================
// Test: Projection Channel (non-blocking drop)
// ============================================================================

func TestProjectionChannel_DropsOnFull(t *testing.T) {
	persistCh := make(chan core.CoreOutput, 1024)
	projCh := make(chan core.CoreOutput, 1)
	c := core.NewCoverEngine(core.EngineConfig{Governor: govAddr, MaxCover: 10_000_000}, persistCh, projCh, nil, nil)
	holder := addr(0x01)

	for i := int64(0); i < 5; i++ {
		if err := c.ProcessEvent(mustDeposit(holder, 1_000, i)); err != nil {
			t.Fatalf("deposit %d failed: %v", i, err)
		}
	}

	// Every command still persists; projection drops are silent.
	persistOutputs := drainOutputs(persistCh)
	if len(persistOutputs) != 10 {
		t.Errorf("expected 10 persist outputs, got %d", len(persistOutputs))
	}
}

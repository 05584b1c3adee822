package core

import (
	"CoverLedger/internal/event"
	"CoverLedger/internal/ledger"
	covermath "CoverLedger/internal/math"
	"CoverLedger/internal/observability"
	"CoverLedger/internal/referral"
	"CoverLedger/internal/state"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// CoverEngine is the single-threaded command processor. All policy,
// account and governance state lives here; commands enter through
// ProcessEvent and leave as hash-chained envelopes plus journal batches.
type CoverEngine struct {
	sequence          int64
	hasher            *StateHasher
	balanceTracker    *ledger.BalanceTracker
	journalGen        *ledger.JournalGenerator
	validator         *ledger.InvariantValidator
	policyManager     *state.PolicyManager
	accountManager    *state.AccountManager
	riskManager       *state.RiskManager
	governance        *state.Governance
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics

	assetID             ledger.AssetID
	maxPoliciesPerBatch int
	replaying           bool

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Batch      *ledger.Batch
	StateDelta []byte
}

// EngineConfig carries the construction-time knobs.
type EngineConfig struct {
	StartSequence int64
	Governor      common.Address
	MaxCover      int64
	AssetID       ledger.AssetID

	// When true, governance may update or deactivate any holder's policy.
	GovernanceManagesPolicies bool

	// Max holders per premium batch; 0 means the default of 100.
	MaxPoliciesPerBatch int

	// Idempotency LRU capacity; 0 means the default of 1M entries.
	IdempotencyCapacity int
}

func NewCoverEngine(
	cfg EngineConfig,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *CoverEngine {
	balanceTracker := ledger.NewBalanceTracker()
	validator := ledger.NewInvariantValidator(balanceTracker)
	journalGen := ledger.NewJournalGenerator(cfg.StartSequence, balanceTracker)

	capacity := cfg.IdempotencyCapacity
	if capacity == 0 {
		capacity = 1_000_000
	}

	maxBatch := cfg.MaxPoliciesPerBatch
	if maxBatch == 0 {
		maxBatch = 100
	}

	assetID := cfg.AssetID
	if assetID == 0 {
		assetID = ledger.AssetUSDC
	}

	return &CoverEngine{
		sequence:            cfg.StartSequence,
		hasher:              NewStateHasher(),
		balanceTracker:      balanceTracker,
		journalGen:          journalGen,
		validator:           validator,
		policyManager:       state.NewPolicyManager(),
		accountManager:      state.NewAccountManager(),
		riskManager:         state.NewRiskManager(cfg.MaxCover),
		governance:          state.NewGovernance(cfg.Governor, cfg.GovernanceManagesPolicies),
		idempotency:         NewIdempotencyChecker(capacity, dbChecker),
		sequenceValidator:   NewSequenceValidator(),
		metrics:             metrics,
		assetID:             assetID,
		maxPoliciesPerBatch: maxBatch,
		persistChan:         persistChan,
		projectionChan:      projectionChan,
	}
}

// ProcessEvent is the main processing pipeline
func (c *CoverEngine) ProcessEvent(evt event.Event) error {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check (two-tier). Skipped during replay: the
	// events being replayed are by definition already in the log.
	isDuplicate := false
	if !c.replaying {
		isDuplicate = c.idempotency.IsDuplicate(eventType, idempotencyKey)
	}

	// Step 2: Sequence validation. Governance/operator commands are
	// hand-submitted and sparse, so gaps are tolerated for them.
	partition := c.getPartition(evt)
	sourceSequence := evt.SourceSequence()

	if isAdminCommand(evt) {
		if err := c.sequenceValidator.ValidateAdminSequence(partition, sourceSequence); err != nil {
			return err
		}
	} else {
		if err := c.sequenceValidator.ValidateSequence(partition, sourceSequence, idempotencyKey, isDuplicate); err != nil {
			return fmt.Errorf("sequence validation failed: %w", err)
		}
	}

	// If duplicate, skip processing
	if isDuplicate {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "duplicate").Inc()
		}
		return nil
	}

	// Keep the journal generator's sequence in lockstep: derived events
	// advance the event sequence without generating journals.
	c.journalGen.SetSequence(c.sequence)

	// Step 3: Event dispatch
	batches, derived, err := c.dispatchEvent(evt)
	if err != nil {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "rejected").Inc()
		}
		return fmt.Errorf("dispatch failed: %w", err)
	}

	// State-only commands (governance, deactivation without referral)
	// produce no journals but still need an envelope in the event log.
	if len(batches) == 0 {
		batches = []*ledger.Batch{c.emptyBatch(idempotencyKey, evt)}
	}

	payload := mustMarshal(evt)

	// Step 4-8: Validate, apply, hash and envelope each batch
	outputs := make([]CoreOutput, 0, len(batches)+len(derived))

	for _, batch := range batches {
		if len(batch.Journals) > 0 {
			if err := c.validator.ValidateBatchBalance(batch); err != nil {
				panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
			}

			if err := c.balanceTracker.ApplyBatch(batch); err != nil {
				return fmt.Errorf("apply batch failed: %w", err)
			}

			if c.metrics != nil {
				for _, j := range batch.Journals {
					c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
				}
			}
		}

		stateDigest := c.computeStateDigest(batch)
		prevHash := c.hasher.GetPrevHash()
		stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)

		envelope := &event.EventEnvelope{
			Sequence:       c.sequence,
			IdempotencyKey: idempotencyKey,
			EventType:      evt.EventType(),
			Strategy:       evt.Strategy(),
			Timestamp:      c.getEventTimestamp(evt),
			SourceSequence: sourceSequence,
			Payload:        payload,
			StateHash:      stateHash,
			PrevHash:       prevHash,
		}

		outputs = append(outputs, CoreOutput{
			Envelope:   envelope,
			Batch:      batch,
			StateDelta: stateDigest,
		})
		c.sequence++
	}

	// Step 9: Derived events each allocate their own sequence. They carry
	// no journals; the balance movement is already on the command batches.
	for _, d := range derived {
		outputs = append(outputs, c.emitDerived(d))
	}

	c.journalGen.SetSequence(c.sequence)

	// Step 10: Post-checks
	if err := c.postCheckInvariants(evt); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Step 11: Emit outputs. Persist channel uses BLOCKING send
	// (backpressure), projection channel uses NON-BLOCKING send with
	// silent drop — projections rebuild from the event log. Replay emits
	// nothing: the outputs are already persisted.
	if !c.replaying {
		for _, output := range outputs {
			c.persistChan <- output

			select {
			case c.projectionChan <- output:
			default:
			}
		}
	}

	// Step 12: Mark as processed (add to LRU)
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	if c.metrics != nil {
		c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
	}

	return nil
}

// SetReplayMode toggles log-replay processing. While replaying, the
// duplicate check is bypassed and outputs are not re-emitted downstream;
// processed keys still land in the LRU so post-replay dedup works.
func (c *CoverEngine) SetReplayMode(on bool) {
	c.replaying = on
}

// getPartition determines partition key for sequence validation
func (c *CoverEngine) getPartition(evt event.Event) string {
	if strategy := evt.Strategy(); strategy != nil {
		return fmt.Sprintf("strategy:%s", *strategy)
	}
	return "global"
}

func isAdminCommand(evt event.Event) bool {
	switch evt.(type) {
	case *event.RiskParamUpdate,
		*event.GovernanceNominate,
		*event.GovernanceAccept,
		*event.PauseSet,
		*event.PremiumCollectorSet,
		*event.RateParamsSet,
		*event.ReferralParamsSet:
		return true
	}
	return false
}

// getEventTimestamp extracts the versioned timestamp from the event.
// The core never calls time.Now() for state; all timestamps are inputs.
func (c *CoverEngine) getEventTimestamp(evt event.Event) time.Time {
	switch e := evt.(type) {
	case *event.PolicyActivate:
		return time.Unix(e.Timestamp, 0).UTC()
	case *event.PolicyUpdate:
		return time.Unix(e.Timestamp, 0).UTC()
	case *event.PolicyDeactivate:
		return time.Unix(e.Timestamp, 0).UTC()
	case *event.Deposit:
		return time.Unix(e.Timestamp, 0).UTC()
	case *event.Withdraw:
		return time.Unix(e.Timestamp, 0).UTC()
	case *event.PremiumBatch:
		return time.Unix(e.Timestamp, 0).UTC()
	case *event.RiskParamUpdate:
		return time.Unix(e.Timestamp, 0).UTC()
	case *event.GovernanceNominate:
		return time.Unix(e.Timestamp, 0).UTC()
	case *event.GovernanceAccept:
		return time.Unix(e.Timestamp, 0).UTC()
	case *event.PauseSet:
		return time.Unix(e.Timestamp, 0).UTC()
	case *event.PremiumCollectorSet:
		return time.Unix(e.Timestamp, 0).UTC()
	case *event.RateParamsSet:
		return time.Unix(e.Timestamp, 0).UTC()
	case *event.ReferralParamsSet:
		return time.Unix(e.Timestamp, 0).UTC()
	case *event.PolicyCreated:
		return time.Unix(e.Timestamp, 0).UTC()
	case *event.PolicyUpdated:
		return time.Unix(e.Timestamp, 0).UTC()
	case *event.PolicyDeactivated:
		return time.Unix(e.Timestamp, 0).UTC()
	case *event.DepositMade:
		return time.Unix(e.Timestamp, 0).UTC()
	case *event.WithdrawMade:
		return time.Unix(e.Timestamp, 0).UTC()
	case *event.PremiumCharged:
		return time.Unix(e.Timestamp, 0).UTC()
	case *event.PremiumPartiallyCharged:
		return time.Unix(e.Timestamp, 0).UTC()
	case *event.ReferralRewardsEarned:
		return time.Unix(e.Timestamp, 0).UTC()
	case *event.ActiveCoverLimitUpdated:
		return time.Unix(e.Timestamp, 0).UTC()
	default:
		panic(fmt.Sprintf("FATAL: no versioned timestamp for event type %s", evt.EventType()))
	}
}

// dispatchEvent routes a command to its handler. Handlers validate every
// precondition BEFORE the first state mutation so a rejection leaves no
// trace; returned batches are applied by the pipeline afterwards.
func (c *CoverEngine) dispatchEvent(evt event.Event) ([]*ledger.Batch, []event.Event, error) {
	switch e := evt.(type) {
	case *event.PolicyActivate:
		return c.handlePolicyActivate(e)
	case *event.PolicyUpdate:
		return c.handlePolicyUpdate(e)
	case *event.PolicyDeactivate:
		return c.handlePolicyDeactivate(e)
	case *event.Deposit:
		return c.handleDeposit(e)
	case *event.Withdraw:
		return c.handleWithdraw(e)
	case *event.PremiumBatch:
		return c.handlePremiumBatch(e)
	case *event.RiskParamUpdate:
		return c.handleRiskParamUpdate(e)
	case *event.GovernanceNominate:
		return c.handleGovernanceNominate(e)
	case *event.GovernanceAccept:
		return c.handleGovernanceAccept(e)
	case *event.PauseSet:
		return c.handlePauseSet(e)
	case *event.PremiumCollectorSet:
		return c.handlePremiumCollectorSet(e)
	case *event.RateParamsSet:
		return c.handleRateParamsSet(e)
	case *event.ReferralParamsSet:
		return c.handleReferralParamsSet(e)
	default:
		return nil, nil, fmt.Errorf("unknown event type: %T", evt)
	}
}

// === Policy lifecycle ===

func (c *CoverEngine) handlePolicyActivate(e *event.PolicyActivate) ([]*ledger.Batch, []event.Event, error) {
	if c.governance.Paused() {
		return nil, nil, ErrPaused
	}
	if e.Holder == (common.Address{}) {
		return nil, nil, ErrZeroAddress
	}
	if e.CoverLimit <= 0 {
		return nil, nil, ErrZeroCoverLimit
	}
	if e.Deposit < 0 {
		return nil, nil, fmt.Errorf("%w: negative deposit %d", ErrInvalidPolicy, e.Deposit)
	}
	if c.policyManager.HasActivePolicy(e.Holder) {
		return nil, nil, ErrPolicyAlreadyActive
	}
	if !c.riskManager.CanAcceptCover(e.StrategyName, e.CoverLimit) {
		return nil, nil, fmt.Errorf("%w: strategy=%s requested=%d available=%d",
			ErrInsufficientCapacity, e.StrategyName, e.CoverLimit,
			c.riskManager.AvailableCoverCapacity(e.StrategyName))
	}

	rp := c.governance.RateParams()
	minReq := covermath.MinRequiredBalance(rp.MaxRateNum, rp.MaxRateDenom, rp.ChargeCycle, e.CoverLimit)
	funds := c.balanceTracker.GetHolderFunds(e.Holder, c.assetID)
	if funds+e.Deposit < minReq {
		return nil, nil, fmt.Errorf("%w: have=%d need=%d", ErrInsufficientDeposit, funds+e.Deposit, minReq)
	}

	applyReferral, err := c.validateReferral(e.Holder, e.StrategyName, e.ReferralCode, e.Referrer)
	if err != nil {
		return nil, nil, err
	}

	// All preconditions hold; mutate.
	key := e.IdempotencyKey()

	var batches []*ledger.Batch
	var derived []event.Event

	if e.Deposit > 0 {
		batch, err := c.journalGen.GenerateDeposit(e.Holder, key, e.Deposit, c.assetID, e.Timestamp)
		if err != nil {
			return nil, nil, err
		}
		batches = append(batches, batch)
		derived = append(derived, &event.DepositMade{
			ParentKey: key,
			Holder:    e.Holder,
			Amount:    e.Deposit,
			Sequence:  e.Sequence,
			Timestamp: e.Timestamp,
		})
	}

	pol, _, err := c.policyManager.Activate(e.Holder, e.StrategyName, e.CoverLimit)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrPolicyAlreadyActive, err)
	}

	oldCover, newCover := c.riskManager.UpdateActiveCoverLimit(e.StrategyName, e.CoverLimit)
	c.accountManager.GetOrCreateAccount(e.Holder)
	c.accountManager.ClearCooldown(e.Holder)

	derived = append(derived,
		&event.PolicyCreated{
			ParentKey:    key,
			PolicyID:     pol.PolicyID,
			Holder:       e.Holder,
			StrategyName: e.StrategyName,
			CoverLimit:   e.CoverLimit,
			Sequence:     e.Sequence,
			Timestamp:    e.Timestamp,
		},
		&event.ActiveCoverLimitUpdated{
			ParentKey:    key,
			StrategyName: e.StrategyName,
			OldValue:     oldCover,
			NewValue:     newCover,
			Sequence:     e.Sequence,
			Timestamp:    e.Timestamp,
		},
	)

	if applyReferral {
		refBatch, refDerived, err := c.consumeReferral(e.Referrer, e.Holder, key, e.Sequence, e.Timestamp)
		if err != nil {
			return nil, nil, err
		}
		if refBatch != nil {
			batches = append(batches, refBatch)
		}
		derived = append(derived, refDerived...)
	}

	return batches, derived, nil
}

func (c *CoverEngine) handlePolicyUpdate(e *event.PolicyUpdate) ([]*ledger.Batch, []event.Event, error) {
	if c.governance.Paused() {
		return nil, nil, ErrPaused
	}
	if err := c.authorizePolicyAction(e.Caller, e.Holder); err != nil {
		return nil, nil, err
	}

	pol := c.policyManager.GetPolicy(e.Holder)
	if pol == nil || !pol.IsActive() {
		return nil, nil, fmt.Errorf("%w: no active policy for %s", ErrInvalidPolicy, e.Holder.Hex())
	}
	if e.NewCoverLimit <= 0 {
		return nil, nil, ErrZeroCoverLimit
	}

	delta := e.NewCoverLimit - pol.CoverLimit
	if delta > 0 && !c.riskManager.CanAcceptCover(pol.StrategyName, delta) {
		return nil, nil, fmt.Errorf("%w: strategy=%s requested=%d available=%d",
			ErrInsufficientCapacity, pol.StrategyName, delta,
			c.riskManager.AvailableCoverCapacity(pol.StrategyName))
	}

	rp := c.governance.RateParams()
	minReq := covermath.MinRequiredBalance(rp.MaxRateNum, rp.MaxRateDenom, rp.ChargeCycle, e.NewCoverLimit)
	funds := c.balanceTracker.GetHolderFunds(e.Holder, c.assetID)
	if funds < minReq {
		return nil, nil, fmt.Errorf("%w: have=%d need=%d", ErrInsufficientDeposit, funds, minReq)
	}

	applyReferral, err := c.validateReferral(e.Holder, pol.StrategyName, e.ReferralCode, e.Referrer)
	if err != nil {
		return nil, nil, err
	}

	key := e.IdempotencyKey()

	oldLimit, err := c.policyManager.UpdateCoverLimit(e.Holder, e.NewCoverLimit)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}

	oldCover, newCover := c.riskManager.UpdateActiveCoverLimit(pol.StrategyName, delta)
	if delta > 0 {
		c.accountManager.ClearCooldown(e.Holder)
	}

	derived := []event.Event{
		&event.PolicyUpdated{
			ParentKey:     key,
			PolicyID:      pol.PolicyID,
			Holder:        e.Holder,
			StrategyName:  pol.StrategyName,
			OldCoverLimit: oldLimit,
			NewCoverLimit: e.NewCoverLimit,
			Sequence:      e.Sequence,
			Timestamp:     e.Timestamp,
		},
		&event.ActiveCoverLimitUpdated{
			ParentKey:    key,
			StrategyName: pol.StrategyName,
			OldValue:     oldCover,
			NewValue:     newCover,
			Sequence:     e.Sequence,
			Timestamp:    e.Timestamp,
		},
	}

	var batches []*ledger.Batch
	if applyReferral {
		refBatch, refDerived, err := c.consumeReferral(e.Referrer, e.Holder, key, e.Sequence, e.Timestamp)
		if err != nil {
			return nil, nil, err
		}
		if refBatch != nil {
			batches = append(batches, refBatch)
		}
		derived = append(derived, refDerived...)
	}

	return batches, derived, nil
}

func (c *CoverEngine) handlePolicyDeactivate(e *event.PolicyDeactivate) ([]*ledger.Batch, []event.Event, error) {
	// Deactivation stays open while paused: holders can always exit.
	if err := c.authorizePolicyAction(e.Caller, e.Holder); err != nil {
		return nil, nil, err
	}

	pol, vacated, err := c.policyManager.Deactivate(e.Holder)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}

	key := e.IdempotencyKey()

	oldCover, newCover := c.riskManager.UpdateActiveCoverLimit(pol.StrategyName, -vacated)
	c.accountManager.StartCooldown(e.Holder, e.Timestamp)

	derived := []event.Event{
		&event.PolicyDeactivated{
			ParentKey:    key,
			PolicyID:     pol.PolicyID,
			Holder:       e.Holder,
			StrategyName: pol.StrategyName,
			VacatedCover: vacated,
			Forced:       false,
			Sequence:     e.Sequence,
			Timestamp:    e.Timestamp,
		},
		&event.ActiveCoverLimitUpdated{
			ParentKey:    key,
			StrategyName: pol.StrategyName,
			OldValue:     oldCover,
			NewValue:     newCover,
			Sequence:     e.Sequence,
			Timestamp:    e.Timestamp,
		},
	}

	return nil, derived, nil
}

// authorizePolicyAction allows the holder themselves, or governance when
// policy management by governance is enabled.
func (c *CoverEngine) authorizePolicyAction(caller, holder common.Address) error {
	if caller == holder {
		return nil
	}
	if c.governance.IsGovernance(caller) && c.governance.ManagesPolicies() {
		return nil
	}
	return ErrNotPolicyOwner
}

// === Account funding ===

func (c *CoverEngine) handleDeposit(e *event.Deposit) ([]*ledger.Batch, []event.Event, error) {
	if c.governance.Paused() {
		return nil, nil, ErrPaused
	}
	if e.Holder == (common.Address{}) {
		return nil, nil, ErrZeroAddress
	}
	if e.Amount <= 0 {
		return nil, nil, fmt.Errorf("deposit amount must be positive: %d", e.Amount)
	}

	key := e.IdempotencyKey()

	batch, err := c.journalGen.GenerateDeposit(e.Holder, key, e.Amount, c.assetID, e.Timestamp)
	if err != nil {
		return nil, nil, err
	}

	c.accountManager.GetOrCreateAccount(e.Holder)

	derived := []event.Event{
		&event.DepositMade{
			ParentKey: key,
			Holder:    e.Holder,
			Amount:    e.Amount,
			Sequence:  e.Sequence,
			Timestamp: e.Timestamp,
		},
	}

	return []*ledger.Batch{batch}, derived, nil
}

func (c *CoverEngine) handleWithdraw(e *event.Withdraw) ([]*ledger.Batch, []event.Event, error) {
	if c.governance.Paused() {
		return nil, nil, ErrPaused
	}
	if e.Amount < 0 {
		return nil, nil, fmt.Errorf("withdraw amount must be >= 0: %d", e.Amount)
	}

	funds := c.balanceTracker.GetHolderFunds(e.Holder, c.assetID)
	if funds <= 0 {
		return nil, nil, ErrNoBalance
	}
	if e.Amount > funds {
		return nil, nil, fmt.Errorf("%w: requested=%d balance=%d", ErrOverWithdraw, e.Amount, funds)
	}

	withdrawable := c.withdrawableAmount(e.Holder, funds, e.Timestamp)
	if withdrawable <= 0 {
		return nil, nil, fmt.Errorf("%w: balance %d is at the minimum required floor", ErrNoBalance, funds)
	}

	// Amount 0 means "withdraw the maximum currently allowed".
	amount := e.Amount
	if amount == 0 {
		amount = withdrawable
	}
	if amount > withdrawable {
		return nil, nil, fmt.Errorf("%w: requested=%d withdrawable=%d", ErrOverWithdraw, amount, withdrawable)
	}

	key := e.IdempotencyKey()

	batch, err := c.journalGen.GenerateWithdrawal(e.Holder, key, amount, c.assetID, e.Timestamp)
	if err != nil {
		return nil, nil, err
	}

	derived := []event.Event{
		&event.WithdrawMade{
			ParentKey: key,
			Holder:    e.Holder,
			Amount:    amount,
			Sequence:  e.Sequence,
			Timestamp: e.Timestamp,
		},
	}

	return []*ledger.Batch{batch}, derived, nil
}

// withdrawableAmount computes how much of the funds balance may leave.
// After the full cooldown the whole balance is withdrawable; before
// that, only down to the minimum-required-balance floor of the active
// policy (holders without an active policy have no floor).
func (c *CoverEngine) withdrawableAmount(holder common.Address, funds int64, now int64) int64 {
	rp := c.governance.RateParams()

	if c.accountManager.CooldownElapsed(holder, now, rp.CooldownPeriod) {
		return funds
	}

	var floor int64
	if pol := c.policyManager.GetPolicy(holder); pol != nil && pol.IsActive() {
		floor = covermath.MinRequiredBalance(rp.MaxRateNum, rp.MaxRateDenom, rp.ChargeCycle, pol.CoverLimit)
	}

	withdrawable := funds - floor
	if withdrawable < 0 {
		return 0
	}
	return withdrawable
}

// === Premium charging ===

func (c *CoverEngine) handlePremiumBatch(e *event.PremiumBatch) ([]*ledger.Batch, []event.Event, error) {
	if !c.governance.IsPremiumCollector(e.Collector) {
		return nil, nil, ErrNotPremiumCollector
	}
	if len(e.Holders) != len(e.Premiums) {
		return nil, nil, fmt.Errorf("%w: holders=%d premiums=%d", ErrLengthMismatch, len(e.Holders), len(e.Premiums))
	}
	if len(e.Holders) > c.maxPoliciesPerBatch {
		return nil, nil, fmt.Errorf("%w: %d > %d", ErrPolicyCountExceeded, len(e.Holders), c.maxPoliciesPerBatch)
	}

	rp := c.governance.RateParams()

	// PRE-CHECK: structural violations reject the whole batch before any
	// holder is charged. The rate cap applies per active policy.
	for i, holder := range e.Holders {
		premium := e.Premiums[i]
		if premium < 0 {
			return nil, nil, fmt.Errorf("negative premium %d for %s", premium, holder.Hex())
		}

		pol := c.policyManager.GetPolicy(holder)
		if pol == nil || !pol.IsActive() {
			continue
		}

		maxPremium := covermath.MaxPremium(rp.MaxRateNum, rp.MaxRateDenom, rp.ChargeCycle, pol.CoverLimit)
		if premium > maxPremium {
			return nil, nil, fmt.Errorf("%w: holder=%s premium=%d max=%d",
				ErrRateExceedsMax, holder.Hex(), premium, maxPremium)
		}
	}

	key := e.IdempotencyKey()

	var batches []*ledger.Batch
	var derived []event.Event

	// Batches are applied after dispatch returns, so charges already
	// queued in this batch must be subtracted when the same holder
	// appears twice.
	pendingRewards := make(map[common.Address]int64)
	pendingFunds := make(map[common.Address]int64)

	for i, holder := range e.Holders {
		premium := e.Premiums[i]

		pol := c.policyManager.GetPolicy(holder)
		if pol == nil || !pol.IsActive() {
			// Deactivated since the collector assembled the batch.
			continue
		}
		if premium == 0 {
			continue
		}

		rewards := c.balanceTracker.GetHolderRewards(holder, c.assetID) - pendingRewards[holder]
		funds := c.balanceTracker.GetHolderFunds(holder, c.assetID) - pendingFunds[holder]
		available := rewards + funds

		if available >= premium {
			// Full charge: reward points drain first, then funds.
			fromRewards := premium
			if fromRewards > rewards {
				fromRewards = rewards
			}
			fromFunds := premium - fromRewards

			batch, err := c.journalGen.GeneratePremiumCharge(holder, key, fromRewards, fromFunds, c.assetID, e.Timestamp)
			if err != nil {
				return nil, nil, err
			}
			batches = append(batches, batch)

			pendingRewards[holder] += fromRewards
			pendingFunds[holder] += fromFunds
			c.accountManager.AddPremiumsPaid(holder, premium)

			derived = append(derived, &event.PremiumCharged{
				ParentKey: key,
				Holder:    holder,
				Premium:   premium,
				Sequence:  e.Sequence,
				Timestamp: e.Timestamp,
			})
			continue
		}

		// Partial charge: drain both balances, force-deactivate.
		if available > 0 {
			batch, err := c.journalGen.GeneratePremiumCharge(holder, key, rewards, funds, c.assetID, e.Timestamp)
			if err != nil {
				return nil, nil, err
			}
			batches = append(batches, batch)

			pendingRewards[holder] += rewards
			pendingFunds[holder] += funds
			c.accountManager.AddPremiumsPaid(holder, available)
		}

		deactivated, vacated, err := c.policyManager.Deactivate(holder)
		if err != nil {
			return nil, nil, fmt.Errorf("force deactivation failed for %s: %w", holder.Hex(), err)
		}

		oldCover, newCover := c.riskManager.UpdateActiveCoverLimit(deactivated.StrategyName, -vacated)

		// Forced deactivations do not start a cooldown: the account is
		// already empty, there is nothing left to gate.
		derived = append(derived,
			&event.PremiumPartiallyCharged{
				ParentKey: key,
				Holder:    holder,
				Premium:   premium,
				Charged:   available,
				Sequence:  e.Sequence,
				Timestamp: e.Timestamp,
			},
			&event.PolicyDeactivated{
				ParentKey:    key,
				PolicyID:     deactivated.PolicyID,
				Holder:       holder,
				StrategyName: deactivated.StrategyName,
				VacatedCover: vacated,
				Forced:       true,
				Sequence:     e.Sequence,
				Timestamp:    e.Timestamp,
			},
			&event.ActiveCoverLimitUpdated{
				ParentKey:    key,
				StrategyName: deactivated.StrategyName,
				OldValue:     oldCover,
				NewValue:     newCover,
				Sequence:     e.Sequence,
				Timestamp:    e.Timestamp,
			},
		)
	}

	return batches, derived, nil
}

// === Referral ===

// validateReferral checks every referral precondition without mutating
// state. Returns false when no code was supplied or the program is
// disabled; any violation rejects the enclosing command.
func (c *CoverEngine) validateReferral(referee common.Address, strategy string, code []byte, referrer common.Address) (bool, error) {
	if len(code) == 0 {
		return false, nil
	}

	params := c.governance.ReferralParams()
	if !params.Enabled {
		return false, nil
	}

	if referrer == referee {
		return false, ErrSelfReferral
	}
	if c.accountManager.ReferralUsed(referee) {
		return false, ErrReferralCodeUsed
	}
	if !c.policyManager.HasActivePolicy(referrer) {
		return false, ErrReferrerNotActive
	}
	if c.accountManager.PremiumsPaid(referee) < params.Threshold {
		return false, fmt.Errorf("%w: paid=%d threshold=%d",
			ErrReferralThreshold, c.accountManager.PremiumsPaid(referee), params.Threshold)
	}

	if _, err := referral.RecoverReferrer(strategy, referrer, code); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	return true, nil
}

// consumeReferral burns the referee's one-time allowance and credits the
// flat reward to both parties' reward points.
func (c *CoverEngine) consumeReferral(referrer, referee common.Address, parentKey string, sourceSeq, timestamp int64) (*ledger.Batch, []event.Event, error) {
	params := c.governance.ReferralParams()

	c.accountManager.MarkReferralUsed(referee)

	if params.Reward <= 0 {
		return nil, nil, nil
	}

	batch, err := c.journalGen.GenerateReferralRewards(referrer, referee, parentKey, params.Reward, c.assetID, timestamp)
	if err != nil {
		return nil, nil, err
	}

	derived := make([]event.Event, 0, 2)
	for _, earner := range []common.Address{referrer, referee} {
		derived = append(derived, &event.ReferralRewardsEarned{
			ParentKey: parentKey,
			Earner:    earner,
			Referrer:  referrer,
			Referee:   referee,
			Reward:    params.Reward,
			Sequence:  sourceSeq,
			Timestamp: timestamp,
		})
	}

	return batch, derived, nil
}

// === Governance ===

func (c *CoverEngine) handleRiskParamUpdate(e *event.RiskParamUpdate) ([]*ledger.Batch, []event.Event, error) {
	if !c.governance.IsGovernance(e.Caller) {
		return nil, nil, ErrNotGovernance
	}

	params := &state.RiskParams{
		StrategyName:        e.StrategyName,
		MaxCover:            e.MaxCover,
		MaxCoverPerStrategy: e.MaxCoverPerStrategy,
		EffectiveSeq:        e.EffectiveSeq,
	}

	if err := c.riskManager.UpdateRiskParams(params); err != nil {
		return nil, nil, err
	}

	return nil, nil, nil
}

func (c *CoverEngine) handleGovernanceNominate(e *event.GovernanceNominate) ([]*ledger.Batch, []event.Event, error) {
	if !c.governance.IsGovernance(e.Caller) {
		return nil, nil, ErrNotGovernance
	}
	if e.Pending == (common.Address{}) {
		return nil, nil, ErrZeroAddress
	}
	if err := c.governance.Nominate(e.Caller, e.Pending); err != nil {
		return nil, nil, err
	}
	return nil, nil, nil
}

func (c *CoverEngine) handleGovernanceAccept(e *event.GovernanceAccept) ([]*ledger.Batch, []event.Event, error) {
	if err := c.governance.Accept(e.Caller); err != nil {
		return nil, nil, fmt.Errorf("governance accept: %w", err)
	}
	return nil, nil, nil
}

func (c *CoverEngine) handlePauseSet(e *event.PauseSet) ([]*ledger.Batch, []event.Event, error) {
	if !c.governance.IsGovernance(e.Caller) {
		return nil, nil, ErrNotGovernance
	}
	if err := c.governance.SetPaused(e.Caller, e.Paused); err != nil {
		return nil, nil, err
	}
	return nil, nil, nil
}

func (c *CoverEngine) handlePremiumCollectorSet(e *event.PremiumCollectorSet) ([]*ledger.Batch, []event.Event, error) {
	if !c.governance.IsGovernance(e.Caller) {
		return nil, nil, ErrNotGovernance
	}
	if e.Collector == (common.Address{}) {
		return nil, nil, ErrZeroAddress
	}
	if err := c.governance.SetPremiumCollector(e.Caller, e.Collector); err != nil {
		return nil, nil, err
	}
	return nil, nil, nil
}

func (c *CoverEngine) handleRateParamsSet(e *event.RateParamsSet) ([]*ledger.Batch, []event.Event, error) {
	if !c.governance.IsGovernance(e.Caller) {
		return nil, nil, ErrNotGovernance
	}
	params := state.RateParams{
		MaxRateNum:     e.MaxRateNum,
		MaxRateDenom:   e.MaxRateDenom,
		ChargeCycle:    e.ChargeCycle,
		CooldownPeriod: e.CooldownPeriod,
	}
	if err := c.governance.SetRateParams(e.Caller, params); err != nil {
		return nil, nil, err
	}
	return nil, nil, nil
}

func (c *CoverEngine) handleReferralParamsSet(e *event.ReferralParamsSet) ([]*ledger.Batch, []event.Event, error) {
	if !c.governance.IsGovernance(e.Caller) {
		return nil, nil, ErrNotGovernance
	}
	params := state.ReferralParams{
		Reward:    e.Reward,
		Threshold: e.Threshold,
		Enabled:   e.Enabled,
	}
	if err := c.governance.SetReferralParams(e.Caller, params); err != nil {
		return nil, nil, err
	}
	return nil, nil, nil
}

// === Digest, derived emission, invariants ===

// emptyBatch envelopes a state-only command (no journals).
func (c *CoverEngine) emptyBatch(eventRef string, evt event.Event) *ledger.Batch {
	return &ledger.Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Sequence:  c.sequence,
		Timestamp: c.getEventTimestamp(evt).Unix(),
	}
}

// emitDerived envelopes a derived event with its own sequence.
func (c *CoverEngine) emitDerived(d event.Event) CoreOutput {
	stateDigest := c.computeStateDigest(nil)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: d.IdempotencyKey(),
		EventType:      d.EventType(),
		Strategy:       d.Strategy(),
		Timestamp:      c.getEventTimestamp(d),
		SourceSequence: d.SourceSequence(),
		Payload:        mustMarshal(d),
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	output := CoreOutput{
		Envelope:   envelope,
		Batch:      &ledger.Batch{BatchID: uuid.New(), EventRef: d.IdempotencyKey(), Sequence: c.sequence},
		StateDelta: stateDigest,
	}
	c.sequence++

	return output
}

// computeStateDigest serializes the accounts affected by a batch:
// sorted by account path, each as length-prefixed path plus balance.
func (c *CoverEngine) computeStateDigest(batch *ledger.Batch) []byte {
	affected := make(map[ledger.AccountKey]struct{})
	if batch != nil {
		for _, j := range batch.Journals {
			affected[j.DebitAccount] = struct{}{}
			affected[j.CreditAccount] = struct{}{}
		}
	}

	keys := make([]ledger.AccountKey, 0, len(affected))
	for k := range affected {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].AccountPath() < keys[j].AccountPath()
	})

	digest := make([]byte, 0, len(keys)*64)
	for _, k := range keys {
		path := k.AccountPath()
		digest = appendUint32LE(digest, uint32(len(path)))
		digest = append(digest, path...)
		digest = appendInt64LEDigest(digest, c.balanceTracker.GetBalance(k))
	}

	return digest
}

func appendUint32LE(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func appendInt64LEDigest(buf []byte, v int64) []byte {
	u := uint64(v)
	return append(buf,
		byte(u), byte(u>>8), byte(u>>16), byte(u>>24),
		byte(u>>32), byte(u>>40), byte(u>>48), byte(u>>56))
}

// postCheckInvariants panics on violation: a broken invariant means the
// in-memory state can no longer be trusted and the process must restart
// from the journal.
func (c *CoverEngine) postCheckInvariants(evt event.Event) error {
	for _, holder := range c.affectedHolders(evt) {
		if err := c.validator.ValidateHolderNonNegative(holder, c.assetID); err != nil {
			return err
		}
	}

	if err := c.validator.ValidatePremiumPoolNonNegative(c.assetID); err != nil {
		return err
	}

	// The risk manager's per-strategy mirror must equal the sum of
	// active cover limits recomputed from the policy table.
	for _, strategy := range c.riskManager.Strategies() {
		mirror := c.riskManager.ActiveCoverLimit(strategy)
		actual := c.policyManager.ActiveCoverSum(strategy)
		if mirror != actual {
			return fmt.Errorf("active cover mirror diverged for %s: mirror=%d actual=%d",
				strategy, mirror, actual)
		}
	}

	// Full zero-sum sweep is O(accounts); run it periodically.
	if c.sequence%1000 == 0 {
		if err := c.validator.ValidateGlobalBalance(); err != nil {
			return err
		}
	}

	return nil
}

// affectedHolders lists the holder addresses whose balances a command
// can move, for targeted non-negative checks.
func (c *CoverEngine) affectedHolders(evt event.Event) []common.Address {
	switch e := evt.(type) {
	case *event.PolicyActivate:
		if e.Referrer != (common.Address{}) {
			return []common.Address{e.Holder, e.Referrer}
		}
		return []common.Address{e.Holder}
	case *event.PolicyUpdate:
		if e.Referrer != (common.Address{}) {
			return []common.Address{e.Holder, e.Referrer}
		}
		return []common.Address{e.Holder}
	case *event.Deposit:
		return []common.Address{e.Holder}
	case *event.Withdraw:
		return []common.Address{e.Holder}
	case *event.PremiumBatch:
		return e.Holders
	default:
		return nil
	}
}

func mustMarshal(evt event.Event) []byte {
	payload, err := json.Marshal(evt)
	if err != nil {
		panic(fmt.Sprintf("FATAL: cannot marshal %s payload: %v", evt.EventType(), err))
	}
	return payload
}

// === Read accessors (query service and tests) ===

func (c *CoverEngine) GetSequence() int64 {
	return c.sequence
}

func (c *CoverEngine) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

func (c *CoverEngine) PolicyOf(holder common.Address) *state.Policy {
	return c.policyManager.GetPolicy(holder)
}

func (c *CoverEngine) PolicyByID(policyID int64) *state.Policy {
	return c.policyManager.GetPolicyByID(policyID)
}

func (c *CoverEngine) PolicyCount() int {
	return c.policyManager.PolicyCount()
}

func (c *CoverEngine) AccountBalanceOf(holder common.Address) int64 {
	return c.balanceTracker.GetHolderFunds(holder, c.assetID)
}

func (c *CoverEngine) RewardPointsOf(holder common.Address) int64 {
	return c.balanceTracker.GetHolderRewards(holder, c.assetID)
}

func (c *CoverEngine) PremiumsPaidOf(holder common.Address) int64 {
	return c.accountManager.PremiumsPaid(holder)
}

func (c *CoverEngine) CooldownStartOf(holder common.Address) int64 {
	acct := c.accountManager.GetAccount(holder)
	if acct == nil {
		return 0
	}
	return acct.CooldownStart
}

func (c *CoverEngine) ReferralUsedBy(holder common.Address) bool {
	return c.accountManager.ReferralUsed(holder)
}

func (c *CoverEngine) PremiumPoolBalance() int64 {
	return c.balanceTracker.GetPremiumPool(c.assetID)
}

func (c *CoverEngine) ActiveCoverLimit(strategy string) int64 {
	return c.riskManager.ActiveCoverLimit(strategy)
}

func (c *CoverEngine) AvailableCoverCapacity(strategy string) int64 {
	return c.riskManager.AvailableCoverCapacity(strategy)
}

func (c *CoverEngine) MaxCover() int64 {
	return c.riskManager.MaxCover()
}

// MinRequiredAccountBalance reports the deposit floor for a cover limit
// under the current rate parameters.
func (c *CoverEngine) MinRequiredAccountBalance(coverLimit int64) int64 {
	rp := c.governance.RateParams()
	return covermath.MinRequiredBalance(rp.MaxRateNum, rp.MaxRateDenom, rp.ChargeCycle, coverLimit)
}

func (c *CoverEngine) Governor() common.Address {
	return c.governance.Governor()
}

func (c *CoverEngine) PendingGovernor() common.Address {
	return c.governance.PendingGovernor()
}

func (c *CoverEngine) PremiumCollector() common.Address {
	return c.governance.PremiumCollector()
}

func (c *CoverEngine) Paused() bool {
	return c.governance.Paused()
}

func (c *CoverEngine) RateParams() state.RateParams {
	return c.governance.RateParams()
}

func (c *CoverEngine) ReferralParams() state.ReferralParams {
	return c.governance.ReferralParams()
}

// === Snapshot & restore ===

// SnapshotState captures everything needed to resume without replaying
// the full event log.
type SnapshotState struct {
	Sequence  int64
	StateHash [32]byte

	Balances map[ledger.AccountKey]int64

	Policies     []*state.Policy
	NextPolicyID int64
	Accounts     []*state.AccountMeta

	ActiveCover map[string]int64
	RiskParams  []*state.RiskParams
	MaxCover    int64

	Governor         common.Address
	PendingGovernor  common.Address
	PremiumCollector common.Address
	Paused           bool
	RateParams       state.RateParams
	ReferralParams   state.ReferralParams

	SequenceState map[string]int64

	// Recent idempotency keys for LRU warming; filled by the
	// persistence layer from Postgres, not by CreateSnapshotState.
	IdempotencyKeys []string
}

// CreateSnapshotState captures the current engine state.
func (c *CoverEngine) CreateSnapshotState() *SnapshotState {
	rm := c.riskManager

	activeCover := make(map[string]int64)
	riskParams := make([]*state.RiskParams, 0)
	for _, strategy := range rm.Strategies() {
		activeCover[strategy] = rm.ActiveCoverLimit(strategy)
		if params, ok := rm.GetRiskParams(strategy); ok {
			riskParams = append(riskParams, params)
		}
	}

	return &SnapshotState{
		Sequence:         c.sequence - 1,
		StateHash:        c.hasher.GetPrevHash(),
		Balances:         c.balanceTracker.Snapshot(),
		Policies:         c.policyManager.GetAllPolicies(),
		NextPolicyID:     c.policyManager.NextPolicyID(),
		Accounts:         c.accountManager.GetAllAccounts(),
		ActiveCover:      activeCover,
		RiskParams:       riskParams,
		MaxCover:         rm.MaxCover(),
		Governor:         c.governance.Governor(),
		PendingGovernor:  c.governance.PendingGovernor(),
		PremiumCollector: c.governance.PremiumCollector(),
		Paused:           c.governance.Paused(),
		RateParams:       c.governance.RateParams(),
		ReferralParams:   c.governance.ReferralParams(),
		SequenceState:    c.sequenceValidator.GetAllPartitions(),
	}
}

// RestoreFromSnapshot loads engine state; the next event gets
// snapshot sequence + 1.
func (c *CoverEngine) RestoreFromSnapshot(snap *SnapshotState) {
	c.sequence = snap.Sequence + 1
	c.hasher.SetPrevHash(snap.StateHash)
	c.journalGen.SetSequence(c.sequence)

	for key, balance := range snap.Balances {
		c.balanceTracker.SetBalance(key, balance)
	}

	for _, pol := range snap.Policies {
		c.policyManager.SetPolicy(pol)
	}
	c.policyManager.RestoreNextPolicyID(snap.NextPolicyID)

	for _, acct := range snap.Accounts {
		c.accountManager.SetAccount(acct)
	}

	for strategy, value := range snap.ActiveCover {
		c.riskManager.RestoreActiveCover(strategy, value)
	}
	for _, params := range snap.RiskParams {
		c.riskManager.RestoreParams(params)
	}
	c.riskManager.RestoreMaxCover(snap.MaxCover)

	c.governance.Restore(
		snap.Governor, snap.PendingGovernor, snap.PremiumCollector,
		snap.Paused, snap.RateParams, snap.ReferralParams,
	)

	for partition, seq := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, seq)
	}

	if len(snap.IdempotencyKeys) > 0 {
		c.idempotency.WarmLRU(snap.IdempotencyKeys)
	}
}

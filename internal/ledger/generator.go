package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// JournalGenerator creates balanced journal batches from events
type JournalGenerator struct {
	sequence       int64
	balanceTracker *BalanceTracker // Add reference for pre-checks
}

func NewJournalGenerator(startSequence int64, tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{
		sequence:       startSequence,
		balanceTracker: tracker,
	}
}

// SetSequence aligns the generator with the engine's event sequence
func (jg *JournalGenerator) SetSequence(seq int64) {
	jg.sequence = seq
}

// GenerateDeposit creates journals for a holder deposit.
// Moves funds: external:deposits → holder:funds
func (jg *JournalGenerator) GenerateDeposit(
	holder common.Address,
	eventRef string,
	amount int64,
	assetID AssetID,
	timestamp int64,
) (*Batch, error) {
	batchID := uuid.New()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 1),
	}

	journal := Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		EventRef:      eventRef,
		Sequence:      jg.sequence,
		DebitAccount:  NewHolderAccountKey(holder, SubTypeFunds, assetID),
		CreditAccount: NewExternalAccountKey(SubTypeExternalDeposits, assetID),
		AssetID:       assetID,
		Amount:        amount,
		JournalType:   JournalTypeDeposit,
		Timestamp:     timestamp,
	}

	batch.Journals = append(batch.Journals, journal)
	jg.sequence++

	return batch, nil
}

// GenerateWithdrawal creates journals for a holder withdrawal.
// Pre-check: holder must have sufficient funds.
// Moves funds: holder:funds → external:withdrawals
func (jg *JournalGenerator) GenerateWithdrawal(
	holder common.Address,
	eventRef string,
	amount int64,
	assetID AssetID,
	timestamp int64,
) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientFunds(holder, assetID, amount); err != nil {
		return nil, fmt.Errorf("withdrawal pre-check failed: %w", err)
	}

	batchID := uuid.New()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 1),
	}

	journal := Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		EventRef:      eventRef,
		Sequence:      jg.sequence,
		DebitAccount:  NewExternalAccountKey(SubTypeExternalWithdrawals, assetID),
		CreditAccount: NewHolderAccountKey(holder, SubTypeFunds, assetID),
		AssetID:       assetID,
		Amount:        amount,
		JournalType:   JournalTypeWithdrawal,
		Timestamp:     timestamp,
	}

	batch.Journals = append(batch.Journals, journal)
	jg.sequence++

	return batch, nil
}

// GeneratePremiumCharge creates journals for one holder's premium deduction.
// Two-phase: reward points are drained first, then funds. Either leg may be
// zero; the batch carries only the non-zero legs.
// Moves funds: holder:rewards → system:premium_pool, holder:funds → system:premium_pool
func (jg *JournalGenerator) GeneratePremiumCharge(
	holder common.Address,
	eventRef string,
	fromRewards int64,
	fromFunds int64,
	assetID AssetID,
	timestamp int64,
) (*Batch, error) {
	if fromRewards == 0 && fromFunds == 0 {
		return nil, fmt.Errorf("premium charge for %s has no amount", holder.Hex())
	}

	if fromRewards > 0 {
		if err := jg.balanceTracker.ValidateSufficientRewards(holder, assetID, fromRewards); err != nil {
			return nil, fmt.Errorf("premium pre-check failed: %w", err)
		}
	}
	if fromFunds > 0 {
		if err := jg.balanceTracker.ValidateSufficientFunds(holder, assetID, fromFunds); err != nil {
			return nil, fmt.Errorf("premium pre-check failed: %w", err)
		}
	}

	batchID := uuid.New()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 2),
	}

	if fromRewards > 0 {
		batch.Journals = append(batch.Journals, Journal{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			EventRef:      eventRef,
			Sequence:      jg.sequence,
			DebitAccount:  NewSystemAccountKey(SubTypeSystemPremiumPool, assetID),
			CreditAccount: NewHolderAccountKey(holder, SubTypeRewards, assetID),
			AssetID:       assetID,
			Amount:        fromRewards,
			JournalType:   JournalTypePremiumFromRewards,
			Timestamp:     timestamp,
		})
	}

	if fromFunds > 0 {
		batch.Journals = append(batch.Journals, Journal{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			EventRef:      eventRef,
			Sequence:      jg.sequence,
			DebitAccount:  NewSystemAccountKey(SubTypeSystemPremiumPool, assetID),
			CreditAccount: NewHolderAccountKey(holder, SubTypeFunds, assetID),
			AssetID:       assetID,
			Amount:        fromFunds,
			JournalType:   JournalTypePremiumFromFunds,
			Timestamp:     timestamp,
		})
	}

	jg.sequence++
	return batch, nil
}

// GenerateReferralRewards credits both parties of a consumed referral code.
// Moves funds: external:rewards → holder:rewards (×2)
func (jg *JournalGenerator) GenerateReferralRewards(
	referrer common.Address,
	referee common.Address,
	eventRef string,
	reward int64,
	assetID AssetID,
	timestamp int64,
) (*Batch, error) {
	if reward <= 0 {
		return nil, fmt.Errorf("referral reward must be positive: %d", reward)
	}
	if referrer == referee {
		return nil, fmt.Errorf("referral reward with identical parties: %s", referrer.Hex())
	}

	batchID := uuid.New()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 2),
	}

	for _, party := range []common.Address{referrer, referee} {
		batch.Journals = append(batch.Journals, Journal{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			EventRef:      eventRef,
			Sequence:      jg.sequence,
			DebitAccount:  NewHolderAccountKey(party, SubTypeRewards, assetID),
			CreditAccount: NewExternalAccountKey(SubTypeExternalRewards, assetID),
			AssetID:       assetID,
			Amount:        reward,
			JournalType:   JournalTypeReferralReward,
			Timestamp:     timestamp,
		})
	}

	jg.sequence++
	return batch, nil
}

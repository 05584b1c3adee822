package ingestion

import (
	"CoverLedger/internal/event"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into
// a typed event.Event. The ingestion shell validates, parses, and
// converts raw commands before sending to the core.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "PolicyActivate":
		return parsePolicyActivate(raw.Data)
	case "PolicyUpdate":
		return parsePolicyUpdate(raw.Data)
	case "PolicyDeactivate":
		return parsePolicyDeactivate(raw.Data)
	case "Deposit":
		return parseDeposit(raw.Data)
	case "Withdraw":
		return parseWithdraw(raw.Data)
	case "PremiumBatch":
		return parsePremiumBatch(raw.Data)
	case "RiskParamUpdate":
		return parseRiskParamUpdate(raw.Data)
	case "GovernanceNominate":
		return parseGovernanceNominate(raw.Data)
	case "GovernanceAccept":
		return parseGovernanceAccept(raw.Data)
	case "PauseSet":
		return parsePauseSet(raw.Data)
	case "PremiumCollectorSet":
		return parsePremiumCollectorSet(raw.Data)
	case "RateParamsSet":
		return parseRateParamsSet(raw.Data)
	case "ReferralParamsSet":
		return parseReferralParamsSet(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers. Addresses are
// 0x-prefixed hex; amounts are fixed-point integers; timestamps are
// epoch seconds.

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("parse %s: not a hex address: %q", field, s)
	}
	return common.HexToAddress(s), nil
}

func parseRequestID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("parse request_id: %w", err)
	}
	return id, nil
}

type policyActivateJSON struct {
	RequestID    string `json:"request_id"`
	Holder       string `json:"holder"`
	Strategy     string `json:"strategy"`
	CoverLimit   int64  `json:"cover_limit"`
	Deposit      int64  `json:"deposit"`
	ReferralCode string `json:"referral_code,omitempty"`
	Referrer     string `json:"referrer,omitempty"`
	Sequence     int64  `json:"sequence"`
	Timestamp    int64  `json:"timestamp"`
}

func parsePolicyActivate(data []byte) (*event.PolicyActivate, error) {
	var j policyActivateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PolicyActivate: %w", err)
	}

	requestID, err := parseRequestID(j.RequestID)
	if err != nil {
		return nil, err
	}
	holder, err := parseAddress("holder", j.Holder)
	if err != nil {
		return nil, err
	}

	var code []byte
	var referrer common.Address
	if j.ReferralCode != "" {
		code, err = hexutil.Decode(j.ReferralCode)
		if err != nil {
			return nil, fmt.Errorf("parse referral_code: %w", err)
		}
		referrer, err = parseAddress("referrer", j.Referrer)
		if err != nil {
			return nil, err
		}
	}

	return &event.PolicyActivate{
		RequestID:    requestID,
		Holder:       holder,
		StrategyName: j.Strategy,
		CoverLimit:   j.CoverLimit,
		Deposit:      j.Deposit,
		ReferralCode: code,
		Referrer:     referrer,
		Sequence:     j.Sequence,
		Timestamp:    j.Timestamp,
	}, nil
}

type policyUpdateJSON struct {
	RequestID    string `json:"request_id"`
	Caller       string `json:"caller"`
	Holder       string `json:"holder"`
	CoverLimit   int64  `json:"cover_limit"`
	ReferralCode string `json:"referral_code,omitempty"`
	Referrer     string `json:"referrer,omitempty"`
	Sequence     int64  `json:"sequence"`
	Timestamp    int64  `json:"timestamp"`
}

func parsePolicyUpdate(data []byte) (*event.PolicyUpdate, error) {
	var j policyUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PolicyUpdate: %w", err)
	}

	requestID, err := parseRequestID(j.RequestID)
	if err != nil {
		return nil, err
	}
	caller, err := parseAddress("caller", j.Caller)
	if err != nil {
		return nil, err
	}
	holder, err := parseAddress("holder", j.Holder)
	if err != nil {
		return nil, err
	}

	var code []byte
	var referrer common.Address
	if j.ReferralCode != "" {
		code, err = hexutil.Decode(j.ReferralCode)
		if err != nil {
			return nil, fmt.Errorf("parse referral_code: %w", err)
		}
		referrer, err = parseAddress("referrer", j.Referrer)
		if err != nil {
			return nil, err
		}
	}

	return &event.PolicyUpdate{
		RequestID:     requestID,
		Caller:        caller,
		Holder:        holder,
		NewCoverLimit: j.CoverLimit,
		ReferralCode:  code,
		Referrer:      referrer,
		Sequence:      j.Sequence,
		Timestamp:     j.Timestamp,
	}, nil
}

type policyDeactivateJSON struct {
	RequestID string `json:"request_id"`
	Caller    string `json:"caller"`
	Holder    string `json:"holder"`
	Sequence  int64  `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
}

func parsePolicyDeactivate(data []byte) (*event.PolicyDeactivate, error) {
	var j policyDeactivateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PolicyDeactivate: %w", err)
	}

	requestID, err := parseRequestID(j.RequestID)
	if err != nil {
		return nil, err
	}
	caller, err := parseAddress("caller", j.Caller)
	if err != nil {
		return nil, err
	}
	holder, err := parseAddress("holder", j.Holder)
	if err != nil {
		return nil, err
	}

	return &event.PolicyDeactivate{
		RequestID: requestID,
		Caller:    caller,
		Holder:    holder,
		Sequence:  j.Sequence,
		Timestamp: j.Timestamp,
	}, nil
}

type depositJSON struct {
	RequestID string `json:"request_id"`
	From      string `json:"from"`
	Holder    string `json:"holder"`
	Asset     string `json:"asset"`
	Amount    int64  `json:"amount"`
	Sequence  int64  `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
}

func parseDeposit(data []byte) (*event.Deposit, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Deposit: %w", err)
	}

	requestID, err := parseRequestID(j.RequestID)
	if err != nil {
		return nil, err
	}
	holder, err := parseAddress("holder", j.Holder)
	if err != nil {
		return nil, err
	}

	// Depositing on behalf of another address is allowed; from defaults
	// to the holder when absent.
	from := holder
	if j.From != "" {
		from, err = parseAddress("from", j.From)
		if err != nil {
			return nil, err
		}
	}

	return &event.Deposit{
		RequestID: requestID,
		From:      from,
		Holder:    holder,
		Asset:     j.Asset,
		Amount:    j.Amount,
		Sequence:  j.Sequence,
		Timestamp: j.Timestamp,
	}, nil
}

type withdrawJSON struct {
	RequestID string `json:"request_id"`
	Holder    string `json:"holder"`
	Amount    int64  `json:"amount"`
	Sequence  int64  `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
}

func parseWithdraw(data []byte) (*event.Withdraw, error) {
	var j withdrawJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Withdraw: %w", err)
	}

	requestID, err := parseRequestID(j.RequestID)
	if err != nil {
		return nil, err
	}
	holder, err := parseAddress("holder", j.Holder)
	if err != nil {
		return nil, err
	}

	return &event.Withdraw{
		RequestID: requestID,
		Holder:    holder,
		Amount:    j.Amount,
		Sequence:  j.Sequence,
		Timestamp: j.Timestamp,
	}, nil
}

type premiumBatchJSON struct {
	RequestID string   `json:"request_id"`
	Collector string   `json:"collector"`
	Holders   []string `json:"holders"`
	Premiums  []int64  `json:"premiums"`
	Sequence  int64    `json:"sequence"`
	Timestamp int64    `json:"timestamp"`
}

func parsePremiumBatch(data []byte) (*event.PremiumBatch, error) {
	var j premiumBatchJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PremiumBatch: %w", err)
	}

	requestID, err := parseRequestID(j.RequestID)
	if err != nil {
		return nil, err
	}
	collector, err := parseAddress("collector", j.Collector)
	if err != nil {
		return nil, err
	}

	holders := make([]common.Address, len(j.Holders))
	for i, h := range j.Holders {
		holders[i], err = parseAddress(fmt.Sprintf("holders[%d]", i), h)
		if err != nil {
			return nil, err
		}
	}

	return &event.PremiumBatch{
		RequestID: requestID,
		Collector: collector,
		Holders:   holders,
		Premiums:  j.Premiums,
		Sequence:  j.Sequence,
		Timestamp: j.Timestamp,
	}, nil
}

type riskParamUpdateJSON struct {
	Caller              string `json:"caller"`
	Strategy            string `json:"strategy"`
	MaxCover            int64  `json:"max_cover"`
	MaxCoverPerStrategy int64  `json:"max_cover_per_strategy"`
	EffectiveSeq        int64  `json:"effective_seq"`
	Sequence            int64  `json:"sequence"`
	Timestamp           int64  `json:"timestamp"`
}

func parseRiskParamUpdate(data []byte) (*event.RiskParamUpdate, error) {
	var j riskParamUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse RiskParamUpdate: %w", err)
	}

	caller, err := parseAddress("caller", j.Caller)
	if err != nil {
		return nil, err
	}

	return &event.RiskParamUpdate{
		Caller:              caller,
		StrategyName:        j.Strategy,
		MaxCover:            j.MaxCover,
		MaxCoverPerStrategy: j.MaxCoverPerStrategy,
		EffectiveSeq:        j.EffectiveSeq,
		Sequence:            j.Sequence,
		Timestamp:           j.Timestamp,
	}, nil
}

type governanceNominateJSON struct {
	RequestID string `json:"request_id"`
	Caller    string `json:"caller"`
	Pending   string `json:"pending"`
	Sequence  int64  `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
}

func parseGovernanceNominate(data []byte) (*event.GovernanceNominate, error) {
	var j governanceNominateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse GovernanceNominate: %w", err)
	}

	requestID, err := parseRequestID(j.RequestID)
	if err != nil {
		return nil, err
	}
	caller, err := parseAddress("caller", j.Caller)
	if err != nil {
		return nil, err
	}
	pending, err := parseAddress("pending", j.Pending)
	if err != nil {
		return nil, err
	}

	return &event.GovernanceNominate{
		RequestID: requestID,
		Caller:    caller,
		Pending:   pending,
		Sequence:  j.Sequence,
		Timestamp: j.Timestamp,
	}, nil
}

type governanceAcceptJSON struct {
	RequestID string `json:"request_id"`
	Caller    string `json:"caller"`
	Sequence  int64  `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
}

func parseGovernanceAccept(data []byte) (*event.GovernanceAccept, error) {
	var j governanceAcceptJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse GovernanceAccept: %w", err)
	}

	requestID, err := parseRequestID(j.RequestID)
	if err != nil {
		return nil, err
	}
	caller, err := parseAddress("caller", j.Caller)
	if err != nil {
		return nil, err
	}

	return &event.GovernanceAccept{
		RequestID: requestID,
		Caller:    caller,
		Sequence:  j.Sequence,
		Timestamp: j.Timestamp,
	}, nil
}

type pauseSetJSON struct {
	RequestID string `json:"request_id"`
	Caller    string `json:"caller"`
	Paused    bool   `json:"paused"`
	Sequence  int64  `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
}

func parsePauseSet(data []byte) (*event.PauseSet, error) {
	var j pauseSetJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PauseSet: %w", err)
	}

	requestID, err := parseRequestID(j.RequestID)
	if err != nil {
		return nil, err
	}
	caller, err := parseAddress("caller", j.Caller)
	if err != nil {
		return nil, err
	}

	return &event.PauseSet{
		RequestID: requestID,
		Caller:    caller,
		Paused:    j.Paused,
		Sequence:  j.Sequence,
		Timestamp: j.Timestamp,
	}, nil
}

type premiumCollectorSetJSON struct {
	RequestID string `json:"request_id"`
	Caller    string `json:"caller"`
	Collector string `json:"collector"`
	Sequence  int64  `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
}

func parsePremiumCollectorSet(data []byte) (*event.PremiumCollectorSet, error) {
	var j premiumCollectorSetJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PremiumCollectorSet: %w", err)
	}

	requestID, err := parseRequestID(j.RequestID)
	if err != nil {
		return nil, err
	}
	caller, err := parseAddress("caller", j.Caller)
	if err != nil {
		return nil, err
	}
	collector, err := parseAddress("collector", j.Collector)
	if err != nil {
		return nil, err
	}

	return &event.PremiumCollectorSet{
		RequestID: requestID,
		Caller:    caller,
		Collector: collector,
		Sequence:  j.Sequence,
		Timestamp: j.Timestamp,
	}, nil
}

type rateParamsSetJSON struct {
	RequestID      string `json:"request_id"`
	Caller         string `json:"caller"`
	MaxRateNum     int64  `json:"max_rate_num"`
	MaxRateDenom   int64  `json:"max_rate_denom"`
	ChargeCycle    int64  `json:"charge_cycle"`
	CooldownPeriod int64  `json:"cooldown_period"`
	Sequence       int64  `json:"sequence"`
	Timestamp      int64  `json:"timestamp"`
}

func parseRateParamsSet(data []byte) (*event.RateParamsSet, error) {
	var j rateParamsSetJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse RateParamsSet: %w", err)
	}

	requestID, err := parseRequestID(j.RequestID)
	if err != nil {
		return nil, err
	}
	caller, err := parseAddress("caller", j.Caller)
	if err != nil {
		return nil, err
	}

	return &event.RateParamsSet{
		RequestID:      requestID,
		Caller:         caller,
		MaxRateNum:     j.MaxRateNum,
		MaxRateDenom:   j.MaxRateDenom,
		ChargeCycle:    j.ChargeCycle,
		CooldownPeriod: j.CooldownPeriod,
		Sequence:       j.Sequence,
		Timestamp:      j.Timestamp,
	}, nil
}

type referralParamsSetJSON struct {
	RequestID string `json:"request_id"`
	Caller    string `json:"caller"`
	Reward    int64  `json:"reward"`
	Threshold int64  `json:"threshold"`
	Enabled   bool   `json:"enabled"`
	Sequence  int64  `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
}

func parseReferralParamsSet(data []byte) (*event.ReferralParamsSet, error) {
	var j referralParamsSetJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ReferralParamsSet: %w", err)
	}

	requestID, err := parseRequestID(j.RequestID)
	if err != nil {
		return nil, err
	}
	caller, err := parseAddress("caller", j.Caller)
	if err != nil {
		return nil, err
	}

	return &event.ReferralParamsSet{
		RequestID: requestID,
		Caller:    caller,
		Reward:    j.Reward,
		Threshold: j.Threshold,
		Enabled:   j.Enabled,
		Sequence:  j.Sequence,
		Timestamp: j.Timestamp,
	}, nil
}

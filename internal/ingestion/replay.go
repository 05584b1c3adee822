package ingestion

import (
	"CoverLedger/internal/event"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrDerivedEvent marks event-log rows that are outputs of command
// processing (PolicyCreated, PremiumCharged, ...). Replay skips them:
// re-processing the originating command regenerates them.
var ErrDerivedEvent = errors.New("derived event, not replayable")

// ParseStoredEvent decodes an event-log payload back into its typed
// command. Stored payloads are json.Marshal of the event structs, so
// this is a plain round-trip, unlike ParseRawEvent which decodes the
// external wire format.
func ParseStoredEvent(eventType string, payload []byte) (event.Event, error) {
	var evt event.Event

	switch eventType {
	case "PolicyActivate":
		evt = &event.PolicyActivate{}
	case "PolicyUpdate":
		evt = &event.PolicyUpdate{}
	case "PolicyDeactivate":
		evt = &event.PolicyDeactivate{}
	case "Deposit":
		evt = &event.Deposit{}
	case "Withdraw":
		evt = &event.Withdraw{}
	case "PremiumBatch":
		evt = &event.PremiumBatch{}
	case "RiskParamUpdate":
		evt = &event.RiskParamUpdate{}
	case "GovernanceNominate":
		evt = &event.GovernanceNominate{}
	case "GovernanceAccept":
		evt = &event.GovernanceAccept{}
	case "PauseSet":
		evt = &event.PauseSet{}
	case "PremiumCollectorSet":
		evt = &event.PremiumCollectorSet{}
	case "RateParamsSet":
		evt = &event.RateParamsSet{}
	case "ReferralParamsSet":
		evt = &event.ReferralParamsSet{}

	case "PolicyCreated", "PolicyUpdated", "PolicyDeactivated",
		"DepositMade", "WithdrawMade",
		"PremiumCharged", "PremiumPartiallyCharged",
		"ReferralRewardsEarned", "ActiveCoverLimitUpdated":
		return nil, ErrDerivedEvent

	default:
		return nil, fmt.Errorf("unknown stored event type: %s", eventType)
	}

	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode stored %s: %w", eventType, err)
	}

	return evt, nil
}

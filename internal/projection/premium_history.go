package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PremiumHistoryProjection maintains a queryable per-holder premium
// charge history in projections.premium_history.
type PremiumHistoryProjection struct {
	db *sql.DB
}

func NewPremiumHistoryProjection(db *sql.DB) *PremiumHistoryProjection {
	return &PremiumHistoryProjection{db: db}
}

// premiumChargePayload covers both PremiumCharged and
// PremiumPartiallyCharged payloads; Charged is absent on full charges.
type premiumChargePayload struct {
	Holder  string `json:"Holder"`
	Premium int64  `json:"Premium"`
	Charged int64  `json:"Charged"`
}

// Apply records a premium charge row if the event is a charge event.
// Other event types are ignored.
func (p *PremiumHistoryProjection) Apply(ctx context.Context, tx *sql.Tx, output ProjectionOutput) error {
	var partial bool
	switch output.EventType {
	case "PremiumCharged":
		partial = false
	case "PremiumPartiallyCharged":
		partial = true
	default:
		return nil
	}

	var payload premiumChargePayload
	if err := json.Unmarshal(output.Payload, &payload); err != nil {
		return fmt.Errorf("decode premium payload: %w", err)
	}

	charged := payload.Premium
	if partial {
		charged = payload.Charged
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.premium_history
			(sequence, holder, requested, charged, partial, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (sequence) DO NOTHING
	`, output.Sequence, payload.Holder, payload.Premium, charged, partial,
		time.Unix(output.Timestamp, 0).UTC())

	return err
}

// RebuildPremiumHistory repopulates premium history from the event log.
func RebuildPremiumHistory(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.premium_history
			(sequence, holder, requested, charged, partial, timestamp)
		SELECT
			sequence,
			payload->>'Holder',
			(payload->>'Premium')::BIGINT,
			CASE WHEN event_type = 'PremiumPartiallyCharged'
			     THEN (payload->>'Charged')::BIGINT
			     ELSE (payload->>'Premium')::BIGINT END,
			event_type = 'PremiumPartiallyCharged',
			timestamp
		FROM event_log.events
		WHERE event_type IN ('PremiumCharged', 'PremiumPartiallyCharged')
		ON CONFLICT (sequence) DO NOTHING
	`)
	return err
}

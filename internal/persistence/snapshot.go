package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotManager handles creating and loading state snapshots for
// recovery. Snapshots contain balances, policies, account metadata,
// risk/governance state, sequence counters, and the last state hash.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData contains the full in-memory state at a point in time.
type SnapshotData struct {
	Sequence  int64  `json:"sequence"`
	StateHash []byte `json:"state_hash"`

	Balances map[string]int64 `json:"balances"` // AccountPath -> balance

	Policies     []PolicySnapshot  `json:"policies"`
	NextPolicyID int64             `json:"next_policy_id"`
	Accounts     []AccountSnapshot `json:"accounts"`

	ActiveCover map[string]int64       `json:"active_cover"` // strategy -> aggregate cover
	RiskParams  []RiskParamsSnapshot   `json:"risk_params"`
	MaxCover    int64                  `json:"max_cover"`
	Governance  GovernanceSnapshot     `json:"governance"`

	SequenceState   map[string]int64 `json:"sequence_state"`   // partition -> next expected seq
	IdempotencyKeys []string         `json:"idempotency_keys"` // Recent keys for LRU warming
	CreatedAt       time.Time        `json:"created_at"`
}

// PolicySnapshot is a serializable policy.
type PolicySnapshot struct {
	PolicyID   int64  `json:"policy_id"`
	Holder     string `json:"holder"`
	Strategy   string `json:"strategy"`
	CoverLimit int64  `json:"cover_limit"`
	Status     int32  `json:"status"`
	Version    int64  `json:"version"`
}

// AccountSnapshot is serializable per-holder metadata.
type AccountSnapshot struct {
	Holder        string `json:"holder"`
	PremiumsPaid  int64  `json:"premiums_paid"`
	CooldownStart int64  `json:"cooldown_start"`
	ReferralUsed  bool   `json:"referral_used"`
	Version       int64  `json:"version"`
}

// RiskParamsSnapshot is serializable strategy capacity config.
type RiskParamsSnapshot struct {
	Strategy            string `json:"strategy"`
	MaxCover            int64  `json:"max_cover"`
	MaxCoverPerStrategy int64  `json:"max_cover_per_strategy"`
	EffectiveSeq        int64  `json:"effective_seq"`
}

// GovernanceSnapshot is serializable administrative state.
type GovernanceSnapshot struct {
	Governor         string `json:"governor"`
	PendingGovernor  string `json:"pending_governor"`
	PremiumCollector string `json:"premium_collector"`
	Paused           bool   `json:"paused"`
	MaxRateNum       int64  `json:"max_rate_num"`
	MaxRateDenom     int64  `json:"max_rate_denom"`
	ChargeCycle      int64  `json:"charge_cycle"`
	CooldownPeriod   int64  `json:"cooldown_period"`
	ReferralReward   int64  `json:"referral_reward"`
	ReferralThresh   int64  `json:"referral_threshold"`
	ReferralEnabled  bool   `json:"referral_enabled"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot to Postgres. Snapshots are taken
// periodically and verified by replaying events from the snapshot
// sequence forward.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	sizeBytes := len(data)
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, snap.Sequence, data, snap.StateHash, formatVersion, sizeBytes, snap.CreatedAt)

	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot. On warm
// restart, load latest snapshot then replay events from sequence+1.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // No snapshot — cold start
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads events from a given sequence for replay. Used
// for warm restart (replay from snapshot) and cold restart (replay all).
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, strategy, payload,
		       state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.Strategy,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil // Empty event log
	}
	return seq.Int64, nil
}

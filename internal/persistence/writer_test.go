package persistence_test

import (
	"context"
	"testing"
	"time"

	"CoverLedger/internal/persistence"
	"CoverLedger/internal/testutil"

	"github.com/google/uuid"
)

// Integration tests against the docker-compose.test.yml Postgres.
// Skipped unless INTEGRATION_TEST=1 and the database is reachable.

func TestWriteEventBatch_Idempotent(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	w := persistence.NewEventLogWriter(db, 100, time.Second)
	ctx := context.Background()

	events := []persistence.EventRow{
		{
			Sequence:       0,
			EventType:      "Deposit",
			IdempotencyKey: uuid.NewString(),
			Payload:        []byte(`{"Amount":1000}`),
			StateHash:      make([]byte, 32),
			PrevHash:       make([]byte, 32),
			Timestamp:      time.Unix(1_700_000_000, 0).UTC(),
			SourceSequence: 0,
		},
	}

	if err := w.WriteEventBatch(ctx, db, events); err != nil {
		t.Fatalf("first write failed: %v", err)
	}

	// ON CONFLICT (sequence) DO NOTHING: rewriting the same sequence is a
	// no-op, not an error.
	if err := w.WriteEventBatch(ctx, db, events); err != nil {
		t.Fatalf("duplicate write failed: %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM event_log.events WHERE sequence = 0`).Scan(&count); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 row for sequence 0, got %d", count)
	}
}

func TestWriteJournalBatch_Idempotent(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	w := persistence.NewEventLogWriter(db, 100, time.Second)
	ctx := context.Background()

	journalID := uuid.NewString()
	journals := []persistence.JournalRow{
		{
			JournalID:     journalID,
			BatchID:       uuid.NewString(),
			EventRef:      "evt-1",
			Sequence:      0,
			DebitAccount:  "holder:0x1111111111111111111111111111111111111111:funds:USDC",
			CreditAccount: "external:deposits:USDC",
			AssetID:       1,
			Amount:        1_000,
			JournalType:   0,
			Timestamp:     1_700_000_000,
		},
	}

	if err := w.WriteJournalBatch(ctx, db, journals); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := w.WriteJournalBatch(ctx, db, journals); err != nil {
		t.Fatalf("duplicate write failed: %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM event_log.journal WHERE journal_id = $1`, journalID).Scan(&count); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 row for journal %s, got %d", journalID, count)
	}
}

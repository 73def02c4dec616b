package persistence_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"GridClear/internal/persistence"
	"GridClear/internal/testutil"
)

func TestEventLogRoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	writer := persistence.NewEventLogWriter(db, 100, time.Second)

	epoch := int64(1_700_000_000)
	events := []persistence.EventRow{
		{
			Sequence:       0,
			EventType:      "Initialize",
			IdempotencyKey: "init-1",
			Payload:        []byte(`{"sequence":0}`),
			StateHash:      []byte{0x01, 0x02},
			PrevHash:       []byte{},
			Timestamp:      1_700_000_000,
			SourceSequence: 0,
		},
		{
			Sequence:       1,
			EventType:      "OpenTimeslot",
			IdempotencyKey: "open-1",
			EpochTS:        &epoch,
			Payload:        []byte(`{"sequence":0,"epoch":1700000000}`),
			StateHash:      []byte{0x03, 0x04},
			PrevHash:       []byte{0x01, 0x02},
			Timestamp:      1_700_000_001,
			SourceSequence: 0,
		},
	}

	if err := writer.WriteEventBatch(ctx, db, events); err != nil {
		t.Fatalf("write event batch: %v", err)
	}

	// Replaying the same batch must be a no-op.
	if err := writer.WriteEventBatch(ctx, db, events); err != nil {
		t.Fatalf("rewrite event batch: %v", err)
	}

	snapMgr := persistence.NewSnapshotManager(db)
	got, err := snapMgr.LoadEventsFrom(ctx, 0, 10)
	if err != nil {
		t.Fatalf("load events: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("loaded %d events, want 2", len(got))
	}
	if got[0].EventType != "Initialize" || got[1].EventType != "OpenTimeslot" {
		t.Errorf("event types = %s, %s; want Initialize, OpenTimeslot", got[0].EventType, got[1].EventType)
	}
	if got[0].EpochTS != nil {
		t.Errorf("global event has epoch_ts %d, want NULL", *got[0].EpochTS)
	}
	if got[1].EpochTS == nil || *got[1].EpochTS != epoch {
		t.Errorf("timeslot event epoch_ts = %v, want %d", got[1].EpochTS, epoch)
	}
	if !bytes.Equal(got[1].PrevHash, got[0].StateHash) {
		t.Errorf("hash chain broken: prev %x != state %x", got[1].PrevHash, got[0].StateHash)
	}

	lastSeq, err := snapMgr.GetLatestSequence(ctx)
	if err != nil {
		t.Fatalf("get latest sequence: %v", err)
	}
	if lastSeq != 1 {
		t.Errorf("latest sequence = %d, want 1", lastSeq)
	}
}

func TestJournalWrite(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	writer := persistence.NewEventLogWriter(db, 100, time.Second)

	journals := []persistence.JournalRow{
		{
			JournalID:     uuid.New().String(),
			BatchID:       uuid.New().String(),
			EventRef:      "deposit-1",
			Sequence:      0,
			DebitAccount:  "participant:Alice11111111111111111111111111111:wallet:USDC",
			CreditAccount: "external:bridge:USDC",
			AssetID:       1,
			Amount:        5_000,
			JournalType:   0,
			Timestamp:     1_700_000_000,
		},
	}

	if err := writer.WriteJournalBatch(ctx, db, journals); err != nil {
		t.Fatalf("write journal batch: %v", err)
	}
	if err := writer.WriteJournalBatch(ctx, db, journals); err != nil {
		t.Fatalf("rewrite journal batch: %v", err)
	}

	var count int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM event_log.journal`,
	).Scan(&count); err != nil {
		t.Fatalf("count journals: %v", err)
	}
	if count != 1 {
		t.Errorf("journal rows = %d, want 1 (duplicate write must be a no-op)", count)
	}
}

func TestSnapshotVerifyGate(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	snapMgr := persistence.NewSnapshotManager(db)

	snap := &persistence.SnapshotData{
		Sequence:  42,
		StateHash: []byte{0xaa, 0xbb},
		Emergency: persistence.EmergencySnap{Paused: false},
		SequenceState: map[string]int64{
			"global": 3,
		},
		CreatedAt: time.Now().UTC(),
	}
	size, err := snapMgr.SaveSnapshot(ctx, snap)
	if err != nil {
		t.Fatalf("save snapshot: %v", err)
	}
	if size <= 0 {
		t.Errorf("snapshot size = %d, want > 0", size)
	}

	// Unverified snapshots must not be restore candidates.
	loaded, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if loaded != nil {
		t.Fatalf("loaded unverified snapshot at sequence %d", loaded.Sequence)
	}

	if err := snapMgr.MarkVerified(ctx, 42); err != nil {
		t.Fatalf("mark verified: %v", err)
	}

	loaded, err = snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if loaded == nil {
		t.Fatal("verified snapshot not loaded")
	}
	if loaded.Sequence != 42 {
		t.Errorf("sequence = %d, want 42", loaded.Sequence)
	}
	if !bytes.Equal(loaded.StateHash, snap.StateHash) {
		t.Errorf("state hash = %x, want %x", loaded.StateHash, snap.StateHash)
	}
	if loaded.SequenceState["global"] != 3 {
		t.Errorf("global cursor = %d, want 3", loaded.SequenceState["global"])
	}
}

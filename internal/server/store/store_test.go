package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/pocketledger/fieldsync/internal/record"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testRecord(owner string, kind record.Kind, updatedAt time.Time) *record.Record {
	return &record.Record{
		ID:        record.NewID(),
		OwnerID:   owner,
		Kind:      kind,
		Fields:    json.RawMessage(`{"v":1}`),
		UpdatedAt: updatedAt,
	}
}

func TestUpsertAndGet(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := testRecord("emp-1", record.KindMileageEntry, time.Now().UTC())
	if err := store.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := store.Get(ctx, record.KindMileageEntry, rec.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.OwnerID != rec.OwnerID || !got.UpdatedAt.Equal(rec.UpdatedAt) {
		t.Errorf("got %+v, want stored record", got)
	}
}

func TestUpsertRejectsInvalid(t *testing.T) {
	store := openTestStore(t)

	rec := testRecord("", record.KindReceipt, time.Now().UTC())
	if err := store.Upsert(context.Background(), rec); err == nil {
		t.Fatal("Upsert accepted a record without an owner")
	}
}

func TestUpsertRedeliveryIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := testRecord("emp-1", record.KindTimeEntry, time.Now().UTC())
	for i := 0; i < 3; i++ {
		if err := store.Upsert(ctx, rec); err != nil {
			t.Fatalf("delivery %d failed: %v", i, err)
		}
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("got %d records, want 1", count)
	}

	got, _ := store.Get(ctx, record.KindTimeEntry, rec.ID)
	if !got.UpdatedAt.Equal(rec.UpdatedAt) {
		t.Errorf("redelivery moved updated_at: %v vs %v", got.UpdatedAt, rec.UpdatedAt)
	}
}

func TestUpsertOlderRevisionIgnored(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	rec := testRecord("emp-1", record.KindReceipt, now)
	rec.Fields = json.RawMessage(`{"v":2}`)
	if err := store.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	older := *rec
	older.Fields = json.RawMessage(`{"v":1}`)
	older.UpdatedAt = now.Add(-time.Minute)
	if err := store.Upsert(ctx, &older); err != nil {
		t.Fatalf("Upsert of older revision failed: %v", err)
	}

	got, _ := store.Get(ctx, record.KindReceipt, rec.ID)
	if string(got.Fields) != `{"v":2}` {
		t.Errorf("older revision overwrote newer state: %s", got.Fields)
	}
}

func TestGetNotFound(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.Get(context.Background(), record.KindEmployee, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get = %v, want ErrNotFound", err)
	}
}

func TestListSince(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	old := testRecord("emp-1", record.KindMileageEntry, base.Add(-time.Hour))
	mid := testRecord("emp-1", record.KindMileageEntry, base.Add(-time.Minute))
	recent := testRecord("emp-1", record.KindMileageEntry, base)
	other := testRecord("emp-2", record.KindMileageEntry, base)
	wrongKind := testRecord("emp-1", record.KindReceipt, base)

	for _, rec := range []*record.Record{old, mid, recent, other, wrongKind} {
		if err := store.Upsert(ctx, rec); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	recs, err := store.ListSince(ctx, record.KindMileageEntry, "emp-1", base.Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("ListSince failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	// Ascending by updated_at so the caller's cursor can follow along.
	if recs[0].ID != mid.ID || recs[1].ID != recent.ID {
		t.Errorf("wrong order: %s, %s", recs[0].ID, recs[1].ID)
	}
}

func TestListSinceBoundaryIsExclusive(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	at := time.Now().UTC()
	rec := testRecord("emp-1", record.KindTimeEntry, at)
	if err := store.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	// A record exactly at the cursor was already seen by the pull that set
	// the cursor; returning it again would make every pull re-fetch it.
	recs, err := store.ListSince(ctx, record.KindTimeEntry, "emp-1", at)
	if err != nil {
		t.Fatalf("ListSince failed: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("got %d records at the cursor boundary, want 0", len(recs))
	}
}

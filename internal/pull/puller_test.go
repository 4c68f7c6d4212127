package pull

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/pocketledger/fieldsync/internal/broadcast"
	"github.com/pocketledger/fieldsync/internal/config"
	"github.com/pocketledger/fieldsync/internal/dispatch"
	"github.com/pocketledger/fieldsync/internal/localstore"
	"github.com/pocketledger/fieldsync/internal/record"
	"github.com/pocketledger/fieldsync/internal/server"
	serverstore "github.com/pocketledger/fieldsync/internal/server/store"
)

func startBackend(t *testing.T) (string, *serverstore.Store) {
	t.Helper()

	st, err := serverstore.Open(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("Failed to open server store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	srv := server.New(&server.Config{Addr: "127.0.0.1:0"}, st, broadcast.NewHub(0, nil))
	if err := srv.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	return "http://" + srv.Addr(), st
}

func openLocal(t *testing.T, name string) *localstore.Store {
	t.Helper()
	store, err := localstore.Open(filepath.Join(t.TempDir(), name))
	if err != nil {
		t.Fatalf("Failed to open local store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func seedServer(t *testing.T, st *serverstore.Store, owner string, kind record.Kind, updatedAt time.Time) *record.Record {
	t.Helper()
	rec := &record.Record{
		ID:        record.NewID(),
		OwnerID:   owner,
		Kind:      kind,
		Fields:    json.RawMessage(`{"km":7}`),
		UpdatedAt: updatedAt,
	}
	if err := st.Upsert(context.Background(), rec); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	return rec
}

func testSession() config.Session {
	return config.Session{OwnerID: "emp-1", DeviceID: "test-device"}
}

func TestPullMergesAndAdvancesCursor(t *testing.T) {
	baseURL, st := startBackend(t)
	local := openLocal(t, "local.db")
	ctx := context.Background()

	now := time.Now().UTC()
	mileage := seedServer(t, st, "emp-1", record.KindMileageEntry, now.Add(-time.Minute))
	receipt := seedServer(t, st, "emp-1", record.KindReceipt, now)

	p := New(local, baseURL, testSession(), nil)
	res, err := p.Pull(ctx)
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if res.Fetched != 2 || res.Applied != 2 {
		t.Errorf("fetched=%d applied=%d, want 2 and 2", res.Fetched, res.Applied)
	}
	if !res.Cursor.Equal(receipt.UpdatedAt) {
		t.Errorf("cursor = %v, want newest observed %v", res.Cursor, receipt.UpdatedAt)
	}

	if _, err := local.Get(ctx, record.KindMileageEntry, mileage.ID); err != nil {
		t.Errorf("pulled record missing locally: %v", err)
	}

	// The next pass starts from the cursor and finds nothing new.
	res, err = p.Pull(ctx)
	if err != nil {
		t.Fatalf("second Pull failed: %v", err)
	}
	if res.Fetched != 0 {
		t.Errorf("second pull fetched %d records, want 0", res.Fetched)
	}

	cursor, err := local.Cursor(ctx)
	if err != nil {
		t.Fatalf("Cursor failed: %v", err)
	}
	if !cursor.Equal(receipt.UpdatedAt) {
		t.Errorf("persisted cursor = %v, want %v", cursor, receipt.UpdatedAt)
	}
}

func TestPullDoesNotClobberNewerLocalEdit(t *testing.T) {
	baseURL, st := startBackend(t)
	local := openLocal(t, "local.db")
	ctx := context.Background()

	// The local edit is newer than the copy the server holds - typical
	// while the edit is still queued for dispatch.
	localRec := &record.Record{
		ID:        record.NewID(),
		OwnerID:   "emp-1",
		Kind:      record.KindTimeEntry,
		Fields:    json.RawMessage(`{"hours":8}`),
		UpdatedAt: time.Now().UTC(),
	}
	if _, err := local.Write(ctx, localRec, record.ActionCreate); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	stale := *localRec
	stale.Fields = json.RawMessage(`{"hours":4}`)
	stale.UpdatedAt = localRec.UpdatedAt.Add(-time.Hour)
	if err := st.Upsert(ctx, &stale); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	p := New(local, baseURL, testSession(), nil)
	res, err := p.Pull(ctx)
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if res.Fetched != 1 || res.Applied != 0 {
		t.Errorf("fetched=%d applied=%d, want fetched but not applied", res.Fetched, res.Applied)
	}

	got, err := local.Get(ctx, record.KindTimeEntry, localRec.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got.Fields) != `{"hours":8}` {
		t.Errorf("stale pull clobbered local edit: %s", got.Fields)
	}
}

func TestPullScopedToOwner(t *testing.T) {
	baseURL, st := startBackend(t)
	local := openLocal(t, "local.db")

	seedServer(t, st, "emp-2", record.KindMileageEntry, time.Now().UTC())

	p := New(local, baseURL, testSession(), nil)
	res, err := p.Pull(context.Background())
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if res.Fetched != 0 {
		t.Errorf("pull fetched %d record(s) belonging to another owner", res.Fetched)
	}
}

func TestPullAgainstUnreachableBackendFails(t *testing.T) {
	local := openLocal(t, "local.db")

	p := New(local, "http://127.0.0.1:1", testSession(), nil)
	if _, err := p.Pull(context.Background()); err == nil {
		t.Fatal("Pull against unreachable backend succeeded")
	}

	cursor, err := local.Cursor(context.Background())
	if err != nil {
		t.Fatalf("Cursor failed: %v", err)
	}
	if !cursor.IsZero() {
		t.Errorf("failed pull moved the cursor to %v", cursor)
	}
}

func TestListenerAppliesLiveEvents(t *testing.T) {
	baseURL, _ := startBackend(t)
	local := openLocal(t, "local.db")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := testSession()
	puller := New(local, baseURL, session, nil)
	listener := NewListener(local, puller, baseURL, session, nil)
	listener.ReconnectDelay = 50 * time.Millisecond

	go listener.Run(ctx)

	// Wait for the listener's socket before pushing a change through, so
	// the hub has someone to tell.
	waitFor(t, func() bool { return subscriberCount(t, baseURL) > 0 })

	// A second device records a trip offline and drains it; this device
	// must learn about it over the live channel without pulling.
	otherDevice := openLocal(t, "other.db")
	rec := writeAndDrain(t, otherDevice, baseURL, record.KindMileageEntry)

	waitFor(t, func() bool {
		got, err := local.Get(ctx, record.KindMileageEntry, rec.ID)
		return err == nil && string(got.Fields) == string(rec.Fields)
	})
}

func TestTwoClientsConverge(t *testing.T) {
	baseURL, _ := startBackend(t)
	ctx := context.Background()

	clientA := openLocal(t, "a.db")
	clientB := openLocal(t, "b.db")

	recA := writeAndDrain(t, clientA, baseURL, record.KindMileageEntry)
	recB := writeAndDrain(t, clientB, baseURL, record.KindReceipt)

	// After a reconciliation pass each device holds the other's record.
	for _, local := range []*localstore.Store{clientA, clientB} {
		p := New(local, baseURL, testSession(), nil)
		if _, err := p.Pull(ctx); err != nil {
			t.Fatalf("Pull failed: %v", err)
		}
	}

	if _, err := clientA.Get(ctx, record.KindReceipt, recB.ID); err != nil {
		t.Errorf("client A missing client B's record: %v", err)
	}
	if _, err := clientB.Get(ctx, record.KindMileageEntry, recA.ID); err != nil {
		t.Errorf("client B missing client A's record: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached in time")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// subscriberCount reads the live subscriber total from the health endpoint.
func subscriberCount(t *testing.T, baseURL string) int {
	t.Helper()
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Subscribers int `json:"subscribers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode health body: %v", err)
	}
	return body.Subscribers
}

// writeAndDrain records a local mutation and delivers it to the backend.
func writeAndDrain(t *testing.T, local *localstore.Store, baseURL string, kind record.Kind) *record.Record {
	t.Helper()

	rec := &record.Record{
		ID:        record.NewID(),
		OwnerID:   "emp-1",
		Kind:      kind,
		Fields:    json.RawMessage(`{"km":3}`),
		UpdatedAt: time.Now().UTC(),
	}
	if _, err := local.Write(context.Background(), rec, record.ActionCreate); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	d := dispatch.New(local, dispatch.NewClient(baseURL), testSession(), nil)
	res, err := d.DrainOnce(context.Background())
	if err != nil {
		t.Fatalf("DrainOnce failed: %v", err)
	}
	if res.Succeeded != 1 {
		t.Fatalf("drain result %+v, want one success", res)
	}
	return rec
}

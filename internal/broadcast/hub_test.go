package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/pocketledger/fieldsync/internal/record"
	"github.com/pocketledger/fieldsync/internal/wire"
)

// startHub exposes a hub behind a plain websocket endpoint so tests can
// connect real subscribers.
func startHub(t *testing.T) (*Hub, string) {
	t.Helper()

	hub := NewHub(0, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			return
		}
		<-hub.Subscribe(conn, r.URL.Query().Get("ownerId"))
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Shutdown)

	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialSubscriber(t *testing.T, ctx context.Context, url, ownerID string) *websocket.Conn {
	t.Helper()
	if ownerID != "" {
		url += "?ownerId=" + ownerID
	}
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readEvent(t *testing.T, ctx context.Context, conn *websocket.Conn) wire.Event {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("websocket read failed: %v", err)
	}
	var ev wire.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("failed to decode event: %v", err)
	}
	return ev
}

func testEvent(owner, id string) wire.Event {
	return wire.Event{
		Kind: record.KindMileageEntry,
		ID:   id,
		State: record.Record{
			ID:        id,
			OwnerID:   owner,
			Kind:      record.KindMileageEntry,
			Fields:    json.RawMessage(`{"km":5}`),
			UpdatedAt: time.Now().UTC(),
		},
	}
}

func waitForSubscribers(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for hub.SubscriberCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber count stuck at %d, want %d", hub.SubscriberCount(), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPublishReachesOwnerSubscriber(t *testing.T) {
	hub, url := startHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialSubscriber(t, ctx, url, "emp-1")
	waitForSubscribers(t, hub, 1)

	hub.Publish(testEvent("emp-1", "m1"))

	ev := readEvent(t, ctx, conn)
	if ev.ID != "m1" {
		t.Errorf("got event %q, want m1", ev.ID)
	}
	if ev.Timestamp.IsZero() {
		t.Error("published event has no timestamp")
	}
}

func TestPublishScopesByOwner(t *testing.T) {
	hub, url := startHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	other := dialSubscriber(t, ctx, url, "emp-2")
	waitForSubscribers(t, hub, 1)

	// emp-2 must not see emp-1's change; the first message it receives is
	// its own.
	hub.Publish(testEvent("emp-1", "theirs"))
	hub.Publish(testEvent("emp-2", "mine"))

	ev := readEvent(t, ctx, other)
	if ev.ID != "mine" {
		t.Errorf("subscriber received another owner's event %q", ev.ID)
	}
}

func TestFirehoseReceivesAllOwners(t *testing.T) {
	hub, url := startHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	firehose := dialSubscriber(t, ctx, url, "")
	waitForSubscribers(t, hub, 1)

	hub.Publish(testEvent("emp-1", "a"))
	hub.Publish(testEvent("emp-2", "b"))

	if ev := readEvent(t, ctx, firehose); ev.ID != "a" {
		t.Errorf("first event = %q, want a", ev.ID)
	}
	if ev := readEvent(t, ctx, firehose); ev.ID != "b" {
		t.Errorf("second event = %q, want b", ev.ID)
	}
}

func TestShutdownClosesSubscribers(t *testing.T) {
	hub, url := startHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialSubscriber(t, ctx, url, "emp-1")
	waitForSubscribers(t, hub, 1)

	hub.Shutdown()

	if _, _, err := conn.Read(ctx); err == nil {
		t.Error("read succeeded after shutdown, want closed connection")
	}
	if n := hub.SubscriberCount(); n != 0 {
		t.Errorf("subscriber count after shutdown = %d, want 0", n)
	}
}

func TestDeadSubscriberRemoved(t *testing.T) {
	hub, url := startHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialSubscriber(t, ctx, url, "emp-1")
	waitForSubscribers(t, hub, 1)
	conn.Close(websocket.StatusNormalClosure, "")

	// Publishing into the dead connection eventually fails the writer and
	// detaches the subscriber.
	deadline := time.Now().Add(5 * time.Second)
	for hub.SubscriberCount() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("dead subscriber never removed")
		}
		hub.Publish(testEvent("emp-1", "ping"))
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	hub, url := startHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// A subscriber that never reads must not stall ingestion: publishes
	// keep returning and the laggard is dropped once its buffer fills.
	dialSubscriber(t, ctx, url, "emp-1")
	waitForSubscribers(t, hub, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < DefaultSendBuffer*100; i++ {
			hub.Publish(testEvent("emp-1", "flood"))
		}
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

// Package broadcast provides the real-time change broadcaster.
//
// After the ingestion endpoint accepts a mutation, the hub pushes the new
// entity state to every live websocket subscriber scoped to the record's
// owner. Delivery is best-effort, at-most-once: each subscriber has a
// bounded send buffer drained by its own writer goroutine, and a subscriber
// that cannot keep up is dropped rather than allowed to block ingestion.
// Clients that miss a push heal through the reconciliation puller.
package broadcast

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/pocketledger/fieldsync/internal/wire"
)

// DefaultSendBuffer is the per-subscriber send buffer size used when the
// config does not override it.
const DefaultSendBuffer = 32

// subscriber is one live websocket connection.
type subscriber struct {
	conn *websocket.Conn

	// ownerID scopes which events this subscriber receives.
	// Empty means all owners (ops tooling firehose).
	ownerID string

	send chan []byte
	once sync.Once
	done chan struct{}
}

func (sub *subscriber) close(code websocket.StatusCode, reason string) {
	sub.once.Do(func() {
		close(sub.done)
		_ = sub.conn.Close(code, reason)
	})
}

// Hub manages subscribers and fans out accepted changes.
type Hub struct {
	sendBuffer   int
	writeTimeout time.Duration
	logger       *log.Logger

	mu   sync.RWMutex
	subs map[*subscriber]bool
}

// NewHub creates a broadcaster hub.
//
// sendBuffer bounds each subscriber's queue of undelivered messages; zero
// selects DefaultSendBuffer. If logger is nil, a default logger writing to
// stderr is used.
func NewHub(sendBuffer int, logger *log.Logger) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[hub] ", log.LstdFlags)
	}
	return &Hub{
		sendBuffer:   sendBuffer,
		writeTimeout: 5 * time.Second,
		logger:       logger,
		subs:         make(map[*subscriber]bool),
	}
}

// Subscribe registers a websocket connection scoped to ownerID and starts
// its writer goroutine. The connection is managed by the hub from this point
// on; the caller should block on the returned channel, which closes when the
// subscriber is dropped or the hub shuts down.
func (h *Hub) Subscribe(conn *websocket.Conn, ownerID string) <-chan struct{} {
	sub := &subscriber{
		conn:    conn,
		ownerID: ownerID,
		send:    make(chan []byte, h.sendBuffer),
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	h.subs[sub] = true
	total := len(h.subs)
	h.mu.Unlock()

	h.logger.Printf("Subscriber connected owner=%q (total: %d)", ownerID, total)

	go h.writeLoop(sub)
	return sub.done
}

// writeLoop drains the subscriber's send buffer to the socket.
func (h *Hub) writeLoop(sub *subscriber) {
	defer h.remove(sub, websocket.StatusNormalClosure, "")

	for {
		select {
		case <-sub.done:
			return
		case data, ok := <-sub.send:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), h.writeTimeout)
			err := sub.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				h.logger.Printf("Write to subscriber failed, dropping: %v", err)
				return
			}
		}
	}
}

// Publish fans an accepted change out to every subscriber scoped to the
// event's owner. Publishing never blocks: a subscriber whose buffer is full
// is dropped on the spot.
func (h *Hub) Publish(ev wire.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Printf("Failed to marshal event: %v", err)
		return
	}

	h.mu.RLock()
	targets := make([]*subscriber, 0, len(h.subs))
	for sub := range h.subs {
		if sub.ownerID == "" || sub.ownerID == ev.State.OwnerID {
			targets = append(targets, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.send <- data:
		default:
			h.logger.Printf("Subscriber owner=%q cannot keep up, dropping", sub.ownerID)
			h.remove(sub, websocket.StatusPolicyViolation, "send buffer overflow")
		}
	}
}

// remove detaches and closes a subscriber.
func (h *Hub) remove(sub *subscriber, code websocket.StatusCode, reason string) {
	h.mu.Lock()
	if _, exists := h.subs[sub]; !exists {
		h.mu.Unlock()
		return
	}
	delete(h.subs, sub)
	total := len(h.subs)
	h.mu.Unlock()

	sub.close(code, reason)
	h.logger.Printf("Subscriber disconnected (total: %d)", total)
}

// SubscriberCount returns the current number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Shutdown closes every subscriber.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = make(map[*subscriber]bool)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close(websocket.StatusGoingAway, "server shutting down")
	}
}

// Package wire defines the HTTP and websocket message shapes shared by the
// dispatcher, the ingestion server, the broadcaster, and the puller.
package wire

import (
	"time"

	"github.com/pocketledger/fieldsync/internal/record"
)

// BatchRequest is the body of POST /entities/{kind}.
// Items are applied in order; each item is an independent idempotent upsert.
type BatchRequest struct {
	Items []record.Record `json:"items"`
}

// Rejection describes a single item the server refused permanently.
type Rejection struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// BatchResponse is the per-item outcome of an ingestion batch.
// Every submitted id appears in exactly one of the two lists; an id in
// neither is an ambiguous outcome and the dispatcher treats it as retriable.
type BatchResponse struct {
	Accepted []string    `json:"accepted"`
	Rejected []Rejection `json:"rejected"`
}

// PullResponse is the body of GET /entities/{kind}?ownerId=...&since=...
type PullResponse struct {
	Records []record.Record `json:"records"`
}

// ErrorResponse is the body of a non-2xx ingestion or pull response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Event is one broadcast message pushed to live subscribers after an
// accepted ingestion. Delivery is best-effort; clients that miss one heal
// through the reconciliation pull.
type Event struct {
	Kind      record.Kind   `json:"kind"`
	ID        string        `json:"id"`
	State     record.Record `json:"state"`
	Timestamp time.Time     `json:"timestamp"`
}

// SinceFormat is the timestamp layout used by pull cursors on the wire.
const SinceFormat = time.RFC3339Nano

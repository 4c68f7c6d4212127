package record

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Record is the snapshot of a domain entity that moves between the local
// store and the backend. The domain fields themselves are opaque to the sync
// engine; only the identity, ownership, kind, and timestamp matter for
// routing and conflict resolution.
type Record struct {
	// ID is client-assigned at creation and never changes. It is the
	// idempotency key for every later operation on this entity.
	ID string `json:"id"`

	// OwnerID is the user/employee the record belongs to. Broadcast scoping
	// and pull filtering key off this field.
	OwnerID string `json:"owner_id"`

	// Kind identifies the entity collection.
	Kind Kind `json:"kind"`

	// Fields holds the domain field snapshot as a JSON object.
	Fields json.RawMessage `json:"fields"`

	// UpdatedAt is set at the moment of the mutation and is the
	// last-writer-wins comparison point.
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks that the record is structurally sound.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if r.OwnerID == "" {
		return fmt.Errorf("owner_id is required")
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownKind, int(r.Kind))
	}
	if r.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	if len(r.Fields) > 0 && !json.Valid(r.Fields) {
		return fmt.Errorf("fields is not valid JSON")
	}
	return nil
}

// Touch sets UpdatedAt to the current time. Call on every local mutation.
func (r *Record) Touch() {
	r.UpdatedAt = time.Now().UTC()
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a fresh ULID string. ULIDs are globally unique and
// lexicographically ordered by creation time, which keeps ids stable across
// sync and makes operation logs easy to scan.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Package pull provides the reconciliation puller and the live change
// listener: the two paths by which server-originated state reaches the
// local store.
//
// The puller is the source of truth for catch-up: it walks every entity
// kind since the persisted cursor and merges with last-writer-wins, so a
// stale pull can never clobber a newer not-yet-synced local edit. The
// listener is the low-latency path; whenever its socket drops it re-dials
// and runs a pull to cover the gap.
package pull

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/pocketledger/fieldsync/internal/config"
	"github.com/pocketledger/fieldsync/internal/localstore"
	"github.com/pocketledger/fieldsync/internal/record"
	"github.com/pocketledger/fieldsync/internal/wire"
)

// PullResult summarizes one reconciliation pass.
type PullResult struct {
	// Fetched is how many records the server returned.
	Fetched int

	// Applied is how many of those overwrote or created a local row;
	// the rest lost the last-writer-wins comparison.
	Applied int

	// Cursor is the reconciliation cursor after the pass.
	Cursor time.Time
}

// Puller fetches authoritative state and merges it into the local store.
type Puller struct {
	store   *localstore.Store
	baseURL string
	session config.Session
	http    *http.Client
	logger  *log.Logger
}

// New creates a Puller for the given session against the backend at baseURL.
// If logger is nil, a default logger writing to stderr is used.
func New(store *localstore.Store, baseURL string, session config.Session, logger *log.Logger) *Puller {
	if logger == nil {
		logger = log.New(os.Stderr, "[pull] ", log.LstdFlags)
	}
	return &Puller{
		store:   store,
		baseURL: baseURL,
		session: session,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// Pull fetches every kind changed since the persisted cursor and merges the
// results. The cursor advances only after the whole pass succeeds, and only
// to the newest UpdatedAt actually observed - a partially failed pass
// leaves the cursor where it was so the next pull re-covers the gap.
func (p *Puller) Pull(ctx context.Context) (PullResult, error) {
	var res PullResult

	since, err := p.store.Cursor(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to read cursor: %w", err)
	}
	newest := since

	for _, kind := range record.Kinds() {
		recs, err := p.fetch(ctx, kind, since)
		if err != nil {
			return res, fmt.Errorf("pull of %s failed: %w", kind, err)
		}

		for i := range recs {
			rec := &recs[i]
			applied, err := p.store.ApplyRemote(ctx, rec)
			if err != nil {
				return res, fmt.Errorf("failed to apply %s/%s: %w", kind, rec.ID, err)
			}
			res.Fetched++
			if applied {
				res.Applied++
			}
			if rec.UpdatedAt.After(newest) {
				newest = rec.UpdatedAt
			}
		}
	}

	if newest.After(since) {
		if err := p.store.SetCursor(ctx, newest); err != nil {
			return res, fmt.Errorf("failed to advance cursor: %w", err)
		}
	}
	res.Cursor = newest

	p.logger.Printf("Pull complete: fetched=%d applied=%d cursor=%s",
		res.Fetched, res.Applied, newest.Format(wire.SinceFormat))
	return res, nil
}

// fetch retrieves one kind's records changed after since.
func (p *Puller) fetch(ctx context.Context, kind record.Kind, since time.Time) ([]record.Record, error) {
	q := url.Values{}
	q.Set("ownerId", p.session.OwnerID)
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(wire.SinceFormat))
	}

	u := fmt.Sprintf("%s/entities/%s?%s", p.baseURL, kind.Route(), q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pull request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e wire.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return nil, fmt.Errorf("backend returned %d: %s", resp.StatusCode, e.Error)
	}

	var body wire.PullResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode pull response: %w", err)
	}
	return body.Records, nil
}

package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/pocketledger/fieldsync/internal/record"
	"github.com/pocketledger/fieldsync/internal/wire"
)

// Ingestor delivers a batch of mutations for one entity kind to the backend.
//
// A nil error with a response means the backend answered 2xx and the
// per-item outcome is in the response. A PermanentError means the backend
// rejected the whole batch as invalid (4xx); any other error is transient
// and the batch should be retried.
type Ingestor interface {
	SendBatch(ctx context.Context, kind record.Kind, items []record.Record) (*wire.BatchResponse, error)
}

// PermanentError is a whole-batch validation rejection from the backend.
type PermanentError struct {
	Status int
	Reason string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("backend rejected batch (%d): %s", e.Status, e.Reason)
}

// IsPermanent reports whether err is a whole-batch validation rejection.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Client is the HTTP Ingestor against the fieldsync ingestion API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates an ingestion client for the given base URL,
// e.g. "http://sync.example.com:8080".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// SendBatch implements Ingestor by POSTing to /entities/{kind}.
func (c *Client) SendBatch(ctx context.Context, kind record.Kind, items []record.Record) (*wire.BatchResponse, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %d", record.ErrUnknownKind, int(kind))
	}

	body, err := json.Marshal(wire.BatchRequest{Items: items})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch: %w", err)
	}

	url := fmt.Sprintf("%s/entities/%s", c.baseURL, kind.Route())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ingestion request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var batch wire.BatchResponse
		if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
			// 2xx with an unreadable body is ambiguous, so transient.
			return nil, fmt.Errorf("failed to decode batch response: %w", err)
		}
		return &batch, nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		var e wire.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return nil, &PermanentError{Status: resp.StatusCode, Reason: e.Error}

	default:
		return nil, fmt.Errorf("backend returned %s", resp.Status)
	}
}

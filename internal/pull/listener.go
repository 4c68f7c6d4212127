package pull

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/pocketledger/fieldsync/internal/config"
	"github.com/pocketledger/fieldsync/internal/localstore"
	"github.com/pocketledger/fieldsync/internal/wire"
)

// Listener maintains the live websocket to the backend and applies pushed
// changes to the local store.
//
// The broadcast channel is best-effort, so the listener never trusts it for
// completeness: every (re)connect triggers a reconciliation pull to cover
// whatever was missed while disconnected.
type Listener struct {
	store   *localstore.Store
	puller  *Puller
	baseURL string
	session config.Session
	logger  *log.Logger

	// ReconnectDelay is the pause between dial attempts after a drop.
	ReconnectDelay time.Duration
}

// NewListener creates a Listener. If logger is nil, a default logger
// writing to stderr is used.
func NewListener(store *localstore.Store, puller *Puller, baseURL string, session config.Session, logger *log.Logger) *Listener {
	if logger == nil {
		logger = log.New(os.Stderr, "[listen] ", log.LstdFlags)
	}
	return &Listener{
		store:          store,
		puller:         puller,
		baseURL:        baseURL,
		session:        session,
		logger:         logger,
		ReconnectDelay: 5 * time.Second,
	}
}

// wsURL converts the HTTP base URL into the subscribe endpoint.
func (l *Listener) wsURL() string {
	base := l.baseURL
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	q := url.Values{}
	q.Set("ownerId", l.session.OwnerID)
	return fmt.Sprintf("%s/ws?%s", base, q.Encode())
}

// Run dials, listens, and reconnects until ctx is cancelled. Each successful
// connect is followed by a pull to close the gap since the last session.
func (l *Listener) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := l.connectAndListen(ctx); err != nil && !errors.Is(err, context.Canceled) {
			l.logger.Printf("Live channel dropped: %v", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.ReconnectDelay):
		}
	}
}

// connectAndListen handles one socket session.
func (l *Listener) connectAndListen(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, l.wsURL(), nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	l.logger.Printf("Live channel connected for owner=%s", l.session.OwnerID)

	// Cover the window we were offline before trusting the live feed.
	if _, err := l.puller.Pull(ctx); err != nil {
		return fmt.Errorf("catch-up pull failed: %w", err)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}

		var ev wire.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			l.logger.Printf("Ignoring malformed event: %v", err)
			continue
		}

		applied, err := l.store.ApplyRemote(ctx, &ev.State)
		if err != nil {
			l.logger.Printf("Failed to apply event %s/%s: %v", ev.Kind, ev.ID, err)
			continue
		}
		if applied {
			l.logger.Printf("Applied live update %s/%s", ev.Kind, ev.ID)
		}
	}
}

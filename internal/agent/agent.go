// Package agent provides the client-side sync daemon.
//
// The agent ties the client components together for one session:
//  1. An initial reconciliation pull on startup
//  2. The dispatcher's timer-driven drain loop
//  3. The live change listener (with reconnect-triggered pulls)
//  4. The import spool: a watched directory where record producers drop
//     entity JSON files to be written into the local store (and thereby
//     queued for sync)
//
// Spool events are debounced so a producer still writing a file is not read
// half-finished; files that fail validation are moved aside to
// spool/rejected instead of being retried forever.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pocketledger/fieldsync/internal/config"
	"github.com/pocketledger/fieldsync/internal/dispatch"
	"github.com/pocketledger/fieldsync/internal/localstore"
	"github.com/pocketledger/fieldsync/internal/pull"
	"github.com/pocketledger/fieldsync/internal/record"
)

// rejectedDirName is the subdirectory of the spool that collects files the
// agent refused to import.
const rejectedDirName = "rejected"

// Config holds agent configuration.
type Config struct {
	// SpoolDir is the watched import directory. Empty disables the spool.
	SpoolDir string

	// DebounceInterval is how long a spool file must sit quiet before it
	// is imported. Batches rapid rewrites together.
	DebounceInterval time.Duration

	// Logger for agent activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 200 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[agent] ", log.LstdFlags),
	}
}

// Agent orchestrates the client-side sync daemon for one session.
type Agent struct {
	store      *localstore.Store
	dispatcher *dispatch.Dispatcher
	puller     *pull.Puller
	listener   *pull.Listener
	session    config.Session
	cfg        *Config
	logger     *log.Logger

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // spool path -> last event time
	changeQueueMu sync.Mutex

	wg sync.WaitGroup
}

// New creates an Agent. The dispatcher, puller, and listener must be built
// for the same store and session.
func New(store *localstore.Store, dispatcher *dispatch.Dispatcher, puller *pull.Puller, listener *pull.Listener, session config.Session, cfg *Config) (*Agent, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher cannot be nil")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[agent] ", log.LstdFlags)
	}
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = 200 * time.Millisecond
	}

	return &Agent{
		store:       store,
		dispatcher:  dispatcher,
		puller:      puller,
		listener:    listener,
		session:     session,
		cfg:         cfg,
		logger:      cfg.Logger,
		changeQueue: make(map[string]time.Time),
	}, nil
}

// Run starts the agent and blocks until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Printf("Starting agent for owner=%s device=%s", a.session.OwnerID, a.session.DeviceID)

	// Catch up with the backend before anything else; offline is fine.
	if a.puller != nil {
		if _, err := a.puller.Pull(ctx); err != nil {
			a.logger.Printf("Startup pull failed (continuing offline): %v", err)
		}
	}

	if a.cfg.SpoolDir != "" {
		if err := a.startSpool(ctx); err != nil {
			return err
		}
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Printf("Dispatcher stopped: %v", err)
		}
	}()

	if a.listener != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Printf("Listener stopped: %v", err)
			}
		}()
	}

	<-ctx.Done()

	if a.watcher != nil {
		if err := a.watcher.Close(); err != nil {
			a.logger.Printf("Error closing watcher: %v", err)
		}
	}
	a.wg.Wait()

	a.logger.Println("Agent stopped")
	return ctx.Err()
}

// startSpool prepares the spool directory, sweeps files already present,
// and starts the watch and debounce loops.
func (a *Agent) startSpool(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Join(a.cfg.SpoolDir, rejectedDirName), 0755); err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(a.cfg.SpoolDir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch spool directory: %w", err)
	}
	a.watcher = watcher
	a.logger.Printf("Watching spool: %s", a.cfg.SpoolDir)

	// Files dropped while the agent was down.
	a.sweepSpool(ctx)

	a.wg.Add(2)
	go a.watchSpoolEvents(ctx)
	go a.processChangeQueue(ctx)
	return nil
}

// sweepSpool queues every JSON file already sitting in the spool.
func (a *Agent) sweepSpool(ctx context.Context) {
	entries, err := os.ReadDir(a.cfg.SpoolDir)
	if err != nil {
		a.logger.Printf("Failed to sweep spool: %v", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		a.queueChange(filepath.Join(a.cfg.SpoolDir, entry.Name()))
	}
}

// watchSpoolEvents monitors filesystem events and queues changes.
func (a *Agent) watchSpoolEvents(ctx context.Context) {
	defer a.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-a.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			if filepath.Dir(event.Name) != filepath.Clean(a.cfg.SpoolDir) {
				continue
			}
			a.queueChange(event.Name)

		case err, ok := <-a.watcher.Errors:
			if !ok {
				return
			}
			a.logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange adds a spool file to the change queue with debouncing.
func (a *Agent) queueChange(path string) {
	a.changeQueueMu.Lock()
	defer a.changeQueueMu.Unlock()
	a.changeQueue[path] = time.Now()
}

// processChangeQueue imports spool files once they have sat quiet for the
// debounce interval.
func (a *Agent) processChangeQueue(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.processPendingChanges(ctx)
		}
	}
}

// processPendingChanges imports every queued file whose debounce elapsed.
func (a *Agent) processPendingChanges(ctx context.Context) {
	a.changeQueueMu.Lock()
	now := time.Now()
	var due []string
	for path, queuedAt := range a.changeQueue {
		if now.Sub(queuedAt) < a.cfg.DebounceInterval {
			continue
		}
		due = append(due, path)
		delete(a.changeQueue, path)
	}
	a.changeQueueMu.Unlock()

	for _, path := range due {
		if err := a.importSpoolFile(ctx, path); err != nil {
			a.logger.Printf("Rejecting spool file %s: %v", filepath.Base(path), err)
			a.rejectSpoolFile(path)
		}
	}
}

// importSpoolFile reads one record file, writes it through the local store
// (which also enqueues it for sync), and removes the file on success.
func (a *Agent) importSpoolFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil // already consumed or removed by the producer
	}
	if err != nil {
		return fmt.Errorf("failed to read: %w", err)
	}

	var rec record.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("failed to parse: %w", err)
	}

	// Producers may omit the bookkeeping fields the forms don't know about.
	action := record.ActionUpdate
	if rec.ID == "" {
		rec.ID = record.NewID()
		action = record.ActionCreate
	} else if _, err := a.store.Get(ctx, rec.Kind, rec.ID); errors.Is(err, localstore.ErrNotFound) {
		action = record.ActionCreate
	}
	if rec.OwnerID == "" {
		rec.OwnerID = a.session.OwnerID
	}
	if rec.UpdatedAt.IsZero() {
		rec.Touch()
	}

	if _, err := a.store.Write(ctx, &rec, action); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		a.logger.Printf("Warning: imported but could not remove %s: %v", path, err)
	}

	a.logger.Printf("Imported %s %s/%s from spool", action, rec.Kind, rec.ID)
	return nil
}

// rejectSpoolFile moves an unimportable file into spool/rejected so it is
// preserved for inspection without being retried.
func (a *Agent) rejectSpoolFile(path string) {
	dest := filepath.Join(a.cfg.SpoolDir, rejectedDirName, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil && !os.IsNotExist(err) {
		a.logger.Printf("Failed to move rejected file %s: %v", path, err)
	}
}

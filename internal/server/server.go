// Package server provides the backend ingestion and pull HTTP API plus the
// websocket subscribe endpoint.
//
// Routes:
//
//	POST /entities/{kind}   batched idempotent ingestion
//	GET  /entities/{kind}   cursor-based pull (ownerId, since)
//	GET  /ws                websocket subscribe (ownerId)
//	GET  /health            liveness + subscriber count
//
// The {kind} path segment must name one of the closed set of entity kinds;
// anything else is a hard 400, never a silently accepted no-op. That is the
// server-side half of the unmapped-kind guarantee: a client can never be
// told "success" for data the backend did not recognize.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/pocketledger/fieldsync/internal/broadcast"
	"github.com/pocketledger/fieldsync/internal/record"
	"github.com/pocketledger/fieldsync/internal/server/store"
	"github.com/pocketledger/fieldsync/internal/wire"
)

// Config holds server configuration.
type Config struct {
	// Addr to listen on, e.g. ":8080". ":0" picks a random port.
	Addr string

	// MaxBatchItems caps how many items one ingestion request may carry.
	MaxBatchItems int

	// Logger for server activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:          ":8080",
		MaxBatchItems: 500,
		Logger:        log.New(os.Stderr, "[server] ", log.LstdFlags),
	}
}

// Server serves the ingestion, pull, and subscribe endpoints.
type Server struct {
	cfg   *Config
	store *store.Store
	hub   *broadcast.Hub

	listener net.Listener
	server   *http.Server
	wg       sync.WaitGroup
	logger   *log.Logger
}

// New creates a Server over the authoritative store and broadcaster hub.
func New(cfg *Config, st *store.Store, hub *broadcast.Hub) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[server] ", log.LstdFlags)
	}
	if cfg.MaxBatchItems <= 0 {
		cfg.MaxBatchItems = 500
	}
	return &Server{
		cfg:    cfg,
		store:  st,
		hub:    hub,
		logger: cfg.Logger,
	}
}

// Start begins listening and serving. Non-blocking; use Stop to shut down.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("POST /entities/{kind}", s.handleIngest)
	mux.HandleFunc("GET /entities/{kind}", s.handlePull)
	mux.HandleFunc("GET /ws", s.handleSubscribe)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server and drops all subscribers.
func (s *Server) Stop() error {
	s.logger.Println("Stopping server")

	s.hub.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	s.logger.Println("Server stopped")
	return nil
}

// Addr returns the server's listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// handleIngest applies a batch of mutations for one entity kind.
//
// Items are applied in request order. Each item is an independent idempotent
// upsert; the response lists every item id as accepted or rejected. A
// storage fault aborts with 500 so the client retries the whole batch -
// a partially reported batch is never presented as success.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	kind, err := record.ParseKindRoute(r.PathValue("kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req wire.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		// Includes unknown kind names inside item payloads, which fail
		// wire decoding by construction.
		writeError(w, http.StatusBadRequest, fmt.Sprintf("malformed batch: %v", err))
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "batch has no items")
		return
	}
	if len(req.Items) > s.cfg.MaxBatchItems {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("batch exceeds %d items", s.cfg.MaxBatchItems))
		return
	}

	resp := wire.BatchResponse{Accepted: []string{}, Rejected: []wire.Rejection{}}
	for i := range req.Items {
		item := &req.Items[i]

		if item.Kind != kind {
			resp.Rejected = append(resp.Rejected, wire.Rejection{
				ID:     item.ID,
				Reason: fmt.Sprintf("item kind %s does not match route %s", item.Kind, kind),
			})
			continue
		}
		if err := item.Validate(); err != nil {
			resp.Rejected = append(resp.Rejected, wire.Rejection{
				ID:     item.ID,
				Reason: err.Error(),
			})
			continue
		}

		if err := s.store.Upsert(r.Context(), item); err != nil {
			// Storage faults are transient from the client's point of
			// view: abort so the dispatcher retries the batch.
			s.logger.Printf("Upsert failed for %s/%s: %v", kind, item.ID, err)
			writeError(w, http.StatusInternalServerError, "storage failure")
			return
		}

		resp.Accepted = append(resp.Accepted, item.ID)

		// Broadcast the state now held by the authoritative store, not the
		// raw submission - a stale redelivery must not push stale state.
		current, err := s.store.Get(r.Context(), kind, item.ID)
		if err != nil {
			s.logger.Printf("Post-upsert read failed for %s/%s: %v", kind, item.ID, err)
			continue
		}
		s.hub.Publish(wire.Event{
			Kind:  kind,
			ID:    item.ID,
			State: *current,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// handlePull returns an owner's records of a kind changed after the cursor.
func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	kind, err := record.ParseKindRoute(r.PathValue("kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ownerID := r.URL.Query().Get("ownerId")
	if ownerID == "" {
		writeError(w, http.StatusBadRequest, "ownerId is required")
		return
	}

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err = time.Parse(wire.SinceFormat, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid since cursor: %v", err))
			return
		}
	}

	recs, err := s.store.ListSince(r.Context(), kind, ownerID, since)
	if err != nil {
		s.logger.Printf("Pull failed for %s owner=%s: %v", kind, ownerID, err)
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}

	resp := wire.PullResponse{Records: []record.Record{}}
	for _, rec := range recs {
		resp.Records = append(resp.Records, *rec)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSubscribe upgrades the connection and hands it to the hub.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("ownerId")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	done := s.hub.Subscribe(conn, ownerID)

	// Read loop: we don't process client messages, but reading services
	// control frames and detects disconnects.
	readCtx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		<-done
		cancel()
	}()

	for {
		if _, _, err := conn.Read(readCtx); err != nil {
			return
		}
	}
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	count, err := s.store.Count(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"records":     count,
		"subscribers": s.hub.SubscriberCount(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, wire.ErrorResponse{Error: msg})
}

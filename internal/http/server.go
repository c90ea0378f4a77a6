// Package http exposes the engine to operators over a small JSON API.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"strata/pkg/config"
	"strata/pkg/dberrors"
	"strata/pkg/engine"
	"strata/pkg/keys"
	"strata/pkg/snapshot"
	"strata/pkg/types"
)

const (
	contentTypeJSON        = "application/json"
	defaultShutdownTimeout = time.Second * 5
	defaultScanLimit       = 1000
)

type iEngine interface {
	Put(key types.Key, value types.Value) (types.SeqN, error)
	Delete(key types.Key) (types.SeqN, error)
	Get(key types.Key, snap *snapshot.Snapshot) (types.Value, bool, error)
	Scan(r keys.Range, snap *snapshot.Snapshot) (*engine.Iterator, error)
	Snapshot() (*snapshot.Snapshot, error)
	Release(snap *snapshot.Snapshot)
	Flush() error
	Compact(ctx context.Context) error
	Stats() (engine.Stats, error)
}

// Server serves the key/value, snapshot and admin endpoints.
type Server struct {
	eng        iEngine
	cfg        config.ServerConfig
	logger     *slog.Logger
	httpServer *http.Server

	// snapshots opened over HTTP, released by DELETE or Stop
	mu    sync.Mutex
	snaps map[uuid.UUID]*snapshot.Snapshot
}

// NewServer creates a new server instance
func NewServer(eng iEngine, cfg config.ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		eng:    eng,
		cfg:    cfg,
		logger: logger.With("component", "http"),
		snaps:  make(map[uuid.UUID]*snapshot.Snapshot),
	}
}

// Start listens on the configured port and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(s.cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	s.logger.Info("HTTP server started", "addr", ln.Addr().String())
	return nil
}

// Stop shuts the listener down and releases snapshots still held by clients.
func (s *Server) Stop() error {
	var err error
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		if serr := s.httpServer.Shutdown(ctx); serr != nil {
			err = fmt.Errorf("failed to shutdown HTTP server: %w", serr)
		}
	}

	s.mu.Lock()
	for id, snap := range s.snaps {
		s.eng.Release(snap)
		delete(s.snaps, id)
	}
	s.mu.Unlock()
	return err
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Route("/api", func(r chi.Router) {
		r.Put("/kv", s.handlePut)
		r.Get("/kv", s.handleGet)
		r.Delete("/kv", s.handleDelete)
		r.Get("/scan", s.handleScan)

		r.Post("/snapshots", s.handleOpenSnapshot)
		r.Delete("/snapshots/{id}", s.handleReleaseSnapshot)

		r.Post("/admin/flush", s.handleFlush)
		r.Post("/admin/compact", s.handleCompact)
		r.Get("/admin/stats", s.handleStats)
	})

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Error encoding response", "error", err)
	}
}

// writeError maps engine errors onto status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, dberrors.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, dberrors.ErrNotOpen), errors.Is(err, dberrors.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, dberrors.ErrCompactionRunning):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, NewErrorResponse(err.Error()))
}

// snapshotParam resolves the optional snapshot query parameter.
func (s *Server) snapshotParam(r *http.Request) (*snapshot.Snapshot, bool) {
	raw := r.URL.Query().Get("snapshot")
	if raw == "" {
		return nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[id]
	return snap, ok
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to parse form"))
		return
	}

	key := r.FormValue("key")
	value, ok := r.Form["value"]
	if key == "" || !ok {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key or value"))
		return
	}

	seq, err := s.eng.Put([]byte(key), []byte(value[0]))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSeqResponse(seq))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}
	snap, ok := s.snapshotParam(r)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Unknown snapshot"))
		return
	}

	value, found, err := s.eng.Get([]byte(key), snap)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !found {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Key not found"))
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(string(value)))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	seq, err := s.eng.Delete([]byte(key))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSeqResponse(seq))
}

// handleScan serves GET /api/scan?prefix=|start=&end=&limit=&snapshot=.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var rng keys.Range
	if p := q.Get("prefix"); p != "" {
		rng = keys.Prefix([]byte(p))
	} else {
		if v := q.Get("start"); v != "" {
			rng.Start = []byte(v)
		}
		if v := q.Get("end"); v != "" {
			rng.End = []byte(v)
		}
	}

	limit := defaultScanLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid limit"))
			return
		}
		limit = n
	}

	snap, ok := s.snapshotParam(r)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Unknown snapshot"))
		return
	}

	it, err := s.eng.Scan(rng, snap)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer it.Close()

	resp := NewSuccessResponse()
	resp.Seq = it.Seq()
	resp.Items = []Item{}
	for it.First(); it.Valid() && len(resp.Items) < limit; it.Next() {
		resp.Items = append(resp.Items, Item{Key: string(it.Key()), Value: string(it.Value())})
	}
	if err := it.Err(); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOpenSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.eng.Snapshot()
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.mu.Lock()
	s.snaps[snap.ID()] = snap
	s.mu.Unlock()

	resp := NewSeqResponse(snap.Seq())
	resp.Snapshot = snap.ID().String()
	s.writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleReleaseSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid snapshot id"))
		return
	}

	s.mu.Lock()
	snap, ok := s.snaps[id]
	delete(s.snaps, id)
	s.mu.Unlock()

	if !ok {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Unknown snapshot"))
		return
	}
	s.eng.Release(snap)
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.Flush(); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.Compact(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.eng.Stats()
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := NewSuccessResponse()
	resp.Stats = &stats
	s.writeJSON(w, http.StatusOK, resp)
}

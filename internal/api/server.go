// Package api provides the HTTP server and handlers.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/kitbash/meshview/internal/hub"
	"github.com/kitbash/meshview/internal/logging"
	"github.com/kitbash/meshview/internal/metrics"
	"github.com/kitbash/meshview/internal/registry"
	"github.com/kitbash/meshview/pkg/protocol"
)

// Server is the HTTP server for the sync surface.
type Server struct {
	reg      *registry.Registry
	hub      *hub.Hub
	sceneDir string
	onQuit   func()

	mu       sync.Mutex
	draining bool
}

// NewServer creates a server. onQuit is invoked once when a client
// requests graceful shutdown.
func NewServer(reg *registry.Registry, h *hub.Hub, sceneDir string, onQuit func()) *Server {
	return &Server{
		reg:      reg,
		hub:      h,
		sceneDir: sceneDir,
		onQuit:   onQuit,
	}
}

// Handler returns the HTTP handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/files", s.handleFiles)
	mux.HandleFunc("GET /content/{name}", s.handleContent)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("POST /events", s.handleControl)

	return metrics.Middleware(logging.Middleware(mux))
}

// Draining reports whether a quit request has been accepted.
func (s *Server) Draining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining
}

// Drain puts the server into draining mode so new event subscribers
// are refused during shutdown. Used for signal-initiated shutdown; a
// quit control message sets it on its own.
func (s *Server) Drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draining = true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// ─── File listing ───────────────────────────────────────────────────────────

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	resp := protocol.FileListResponse{Files: s.reg.SnapshotInfos()}
	if resp.Files == nil {
		resp.Files = []protocol.FileInfo{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// ─── Content ────────────────────────────────────────────────────────────────

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" || strings.ContainsAny(name, "/\\") || name == ".." {
		s.sendError(w, http.StatusBadRequest, "invalid file name")
		return
	}
	if !s.reg.Has(name) {
		metrics.RecordContentRequest(0, false)
		s.sendError(w, http.StatusNotFound, fmt.Sprintf("no such file: %s", name))
		return
	}

	f, err := os.Open(filepath.Join(s.sceneDir, name))
	if err != nil {
		// Registry and disk can briefly disagree while a removal
		// settles; treat it as not found.
		metrics.RecordContentRequest(0, false)
		s.sendError(w, http.StatusNotFound, fmt.Sprintf("no such file: %s", name))
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		metrics.RecordContentRequest(0, false)
		s.sendError(w, http.StatusInternalServerError, "stat failed")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, name, info.ModTime(), f)
	metrics.RecordContentRequest(info.Size(), true)
}

// ─── Event stream ───────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	if s.Draining() {
		s.sendError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.hub.Subscribe()
	defer s.hub.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	var msg protocol.ControlMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		s.sendError(w, http.StatusBadRequest, "malformed control message")
		return
	}

	switch msg.Type {
	case protocol.ControlPing:
		w.WriteHeader(http.StatusNoContent)
	case protocol.ControlQuit:
		s.mu.Lock()
		first := !s.draining
		s.draining = true
		s.mu.Unlock()

		w.WriteHeader(http.StatusAccepted)
		if first {
			logging.Info("quit requested, draining")
			if s.onQuit != nil {
				go s.onQuit()
			}
		}
	default:
		s.sendError(w, http.StatusBadRequest, fmt.Sprintf("unknown control type: %q", msg.Type))
	}
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func (s *Server) sendError(w http.ResponseWriter, code int, msg string) {
	logging.L().Debug("request error", zap.Int("code", code), zap.String("error", msg))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(protocol.ErrorResponse{Error: msg, Code: code})
}

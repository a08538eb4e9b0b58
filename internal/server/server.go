// Package server exposes the pool over HTTP: job submission, version
// listing, status introspection, and worker registration.
package server

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ChuLiYu/playpool/internal/pool"
	"github.com/ChuLiYu/playpool/pkg/types"
)

var log = slog.Default()

// Server wires the public HTTP surface to a pool.
type Server struct {
	pool *pool.Pool
}

// NewServer creates an HTTP server facade over p.
func NewServer(p *pool.Pool) *Server {
	return &Server{pool: p}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /job", s.handleSubmit)
	mux.HandleFunc("GET /versions", s.handleVersions)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /workers", s.handleAddWorker)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// handleSubmit admits a job and streams back its response. A capacity
// rejection maps to 503 so clients and load balancers retry.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req types.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid run request: "+err.Error())
		return
	}

	resp, err := s.pool.SubmitJob(r.Context(), &req)
	switch {
	case errors.Is(err, pool.ErrAtCapacity):
		writeError(w, http.StatusServiceUnavailable, "pool at capacity, try again later")
	case errors.Is(err, pool.ErrPoolClosed):
		writeError(w, http.StatusServiceUnavailable, "pool is shutting down")
	case err != nil:
		// Context cancellation: the client went away, nothing to write.
		log.Debug("Submit aborted", "error", err)
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]types.Version{
		"versions": s.pool.AvailableVersions(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.pool.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "status unavailable: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// addWorkerRequest is the body of POST /workers.
type addWorkerRequest struct {
	Host      string `json:"host"`
	PublicKey string `json:"public_key"`
}

func (s *Server) handleAddWorker(w http.ResponseWriter, r *http.Request) {
	var req addWorkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid worker registration: "+err.Error())
		return
	}

	key, err := hex.DecodeString(req.PublicKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid public key encoding")
		return
	}

	if err := s.pool.AddWorker(req.Host, ed25519.PublicKey(key)); err != nil {
		if errors.Is(err, pool.ErrInvalidHost) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	log.Info("Worker registration accepted", "host", req.Host)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/fentz26/myme/internal/errs"
	"github.com/fentz26/myme/internal/logging"
	"github.com/fentz26/myme/internal/models"
	"github.com/fentz26/myme/internal/scheduler"
	"github.com/rs/zerolog"
)

// Bridge is the command surface the server exposes.
type Bridge interface {
	Submit(op scheduler.Operation) (scheduler.Handle, error)
	Drain(owner string) []scheduler.Outcome
	Cancel(id uint64) bool
	CheckAuth(provider string) models.AuthSession
	Authenticate(owner, provider string) (scheduler.Handle, error)
	SignOut(provider string) models.AuthSession
	Stats() map[string]interface{}
}

// Pinger reports database health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server provides the loopback HTTP API for the daemon.
type Server struct {
	bridge  Bridge
	service *Service
	db      Pinger
	addr    string
	version string
	server  *http.Server
	logger  zerolog.Logger
}

// NewServer creates a new HTTP server.
func NewServer(bridge Bridge, service *Service, db Pinger, addr, version string) *Server {
	return &Server{
		bridge:  bridge,
		service: service,
		db:      db,
		addr:    addr,
		version: version,
		logger:  logging.Component("server"),
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Operations
	mux.HandleFunc("POST /ops", s.submit)
	mux.HandleFunc("POST /ops/{id}/cancel", s.cancel)
	mux.HandleFunc("GET /outcomes", s.outcomes)

	// Auth
	mux.HandleFunc("GET /auth/{provider}", s.checkAuth)
	mux.HandleFunc("POST /auth/{provider}/signin", s.signIn)
	mux.HandleFunc("POST /auth/{provider}/signout", s.signOut)

	// Reads
	mux.HandleFunc("GET /projects", s.listProjects)
	mux.HandleFunc("GET /tasks", s.listTasks)
	mux.HandleFunc("GET /stats", s.stats)
	mux.HandleFunc("/health", s.handleHealth)

	return mux
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("starting myme daemon")
	err := s.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// SubmitRequest is the body of POST /ops.
type SubmitRequest struct {
	Kind    scheduler.Kind  `json:"kind"`
	Owner   string          `json:"owner"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Kind    errs.Kind `json:"kind"`
	Message string    `json:"message"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Invalid("submit", "invalid json"))
		return
	}

	handle, err := s.bridge.Submit(scheduler.Operation{Kind: req.Kind, Owner: req.Owner, Payload: req.Payload})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, handle)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, errs.Invalid("cancel", "invalid operation id %q", r.PathValue("id")))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operation_id": id, "cancelled": s.bridge.Cancel(id)})
}

func (s *Server) outcomes(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		writeError(w, errs.Invalid("outcomes", "owner is required"))
		return
	}
	writeJSON(w, http.StatusOK, s.bridge.Drain(owner))
}

func (s *Server) checkAuth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.bridge.CheckAuth(r.PathValue("provider")))
}

func (s *Server) signIn(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		owner = "cli"
	}
	handle, err := s.bridge.Authenticate(owner, r.PathValue("provider"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, handle)
}

func (s *Server) signOut(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.bridge.SignOut(r.PathValue("provider")))
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.service.ListProjects(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	if project == "" {
		writeError(w, errs.Invalid("tasks", "project is required"))
		return
	}
	tasks, err := s.service.ListTasks(r.Context(), project)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.bridge.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	health := HealthResponse{
		OK:      true,
		DB:      "ok",
		Version: s.version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.db.Ping(ctx); err != nil {
		health.OK = false
		health.DB = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps an error kind to a status code.
func writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case errs.KindValidation:
		status = http.StatusBadRequest
	case errs.KindUnauthorized:
		status = http.StatusUnauthorized
	case errs.KindConflict:
		status = http.StatusConflict
	case errs.KindNetworkTransient:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, ErrorResponse{Kind: kind, Message: errs.Message(err)})
}

// Package httpapi exposes the effective task view and the sync status surface
// to the web and mobile clients. Rendering concerns stay on the client; this
// server only answers reads and accepts optimistic mutations.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/plannerdesk/tasksync/internal/tasksync"
)

type ServerConfig struct {
	Token string
}

type Server struct {
	session *tasksync.Session
	cfg     ServerConfig
	mux     *http.ServeMux
}

func NewServer(session *tasksync.Session, cfg ServerConfig) *Server {
	s := &Server{session: session, cfg: cfg, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /v1/tasks", s.handleListTasks)
	s.mux.HandleFunc("GET /v1/todos", s.handleListTodos)
	s.mux.HandleFunc("GET /v1/tasks/{id}", s.handleGetTask)
	s.mux.HandleFunc("POST /v1/tasks/{id}/toggle", s.handleToggle)
	s.mux.HandleFunc("PATCH /v1/tasks/{id}", s.handlePatch)
	s.mux.HandleFunc("GET /v1/sync/status", s.handleSyncStatus)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/healthz" && !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	return header == "Bearer "+s.cfg.Token
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, taskListResponse{Items: s.session.EffectiveList(tasksync.KindTask)})
}

func (s *Server) handleListTodos(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, taskListResponse{Items: s.session.EffectiveList(tasksync.KindQuickTodo)})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.session.EffectiveTask(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no such task")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.session.Toggle(id); err != nil {
		writeSessionError(w, err)
		return
	}
	task, _ := s.session.EffectiveTask(id)
	writeJSON(w, http.StatusAccepted, task)
}

type patchRequest struct {
	Status       *tasksync.Status `json:"status"`
	DueDate      *time.Time       `json:"due_date"`
	ClearDueDate bool             `json:"clear_due_date"`
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	var req patchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	id := r.PathValue("id")
	patch := tasksync.Patch{
		Status:       req.Status,
		DueDate:      req.DueDate,
		ClearDueDate: req.ClearDueDate,
	}
	if err := s.session.Mutate(id, patch); err != nil {
		writeSessionError(w, err)
		return
	}
	task, _ := s.session.EffectiveTask(id)
	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Status())
}

type taskListResponse struct {
	Items []tasksync.Task `json:"items"`
}

func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tasksync.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "no such task")
	case errors.Is(err, tasksync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, tasksync.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "closed", "session is shutting down")
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}

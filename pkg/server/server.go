// Package server is the HTTP intake for operator sessions. Handlers never
// wait for an agent run; they queue work on the session and return.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"agent_runtime/internal/service/queue"
	"agent_runtime/internal/service/session"
	"agent_runtime/pkg/allowlist"
	"agent_runtime/pkg/events"
	"agent_runtime/pkg/logging"
	"agent_runtime/pkg/pending"
)

// maxBodyBytes bounds request bodies, uploads included.
const maxBodyBytes = 32 << 20

// Server handles operator requests.
type Server struct {
	sessions  *session.Manager
	allowlist allowlist.Allowlist
	logger    *logging.Logger
}

// New creates a server instance.
func New(sessions *session.Manager, allowlist allowlist.Allowlist) *Server {
	return &Server{sessions: sessions, allowlist: allowlist, logger: logging.Default()}
}

// WithLogger sets the request logger.
func (s *Server) WithLogger(l *logging.Logger) *Server {
	s.logger = l
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /sessions", s.handleCreate)
	api.HandleFunc("GET /sessions", s.handleList)
	api.HandleFunc("GET /sessions/{id}", s.handleStatus)
	api.HandleFunc("DELETE /sessions/{id}", s.handleClose)
	api.HandleFunc("POST /sessions/{id}/query", s.handleQuery)
	api.HandleFunc("POST /sessions/{id}/cancel", s.handleCancel)
	api.HandleFunc("POST /sessions/{id}/edit", s.handleEdit)
	api.HandleFunc("POST /sessions/{id}/reset", s.handleReset)
	api.HandleFunc("POST /sessions/{id}/files", s.handleUpload)
	api.HandleFunc("POST /sessions/{id}/operator/{command_id}", s.handleOperator)
	api.HandleFunc("GET /sessions/{id}/events", s.handleEvents)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("/", s.allowlist.Guard(s.logger, api))
	return mux
}

// CreateRequest is the body of POST /sessions.
type CreateRequest struct {
	DeviceID string `json:"device_id,omitempty"`
}

// SessionResponse describes a session.
type SessionResponse struct {
	SessionID    string    `json:"session_id"`
	WorkspaceDir string    `json:"workspace_dir"`
	CreatedAt    time.Time `json:"created_at"`
	State        string    `json:"state"`
	Busy         bool      `json:"busy"`
}

// QueryRequest is the body of the query and edit endpoints.
type QueryRequest struct {
	Text   string   `json:"text"`
	Files  []string `json:"files,omitempty"`
	Resume bool     `json:"resume,omitempty"`
}

// UploadRequest is the body of POST /sessions/{id}/files.
type UploadRequest struct {
	FileName string `json:"file_name"`
	Content  string `json:"content"`
}

// UploadResponse carries the workspace-relative path of an uploaded file.
type UploadResponse struct {
	Path string `json:"path"`
}

// StatusResponse acknowledges accepted requests.
type StatusResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is returned for failed requests.
type ErrorResponse struct {
	Error string `json:"error"`
}

// EventsResponse lists stored events in order.
type EventsResponse struct {
	Events []events.Event `json:"events"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	log := s.logger.With("path", r.URL.Path)

	var req CreateRequest
	if r.ContentLength != 0 {
		if !s.decode(w, r, &req) {
			return
		}
	}
	sess, err := s.sessions.Create(r.Context(), req.DeviceID)
	if err != nil {
		log.Error("session create failed", "error", err)
		s.writeError(w, err)
		return
	}
	log.Info("session created", "session", sess.ID)
	writeJSON(w, http.StatusCreated, describe(sess))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	list := s.sessions.List()
	out := make([]SessionResponse, 0, len(list))
	for _, sess := range list {
		out = append(out, describe(sess))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, describe(sess))
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Close(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	log := s.logger.With("path", r.URL.Path, "session", id)

	var req QueryRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Text == "" && !req.Resume {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "text is required"})
		return
	}

	var err error
	if req.Text == "" {
		err = s.sessions.Resume(id)
	} else {
		err = s.sessions.Submit(id, req.Text, req.Files, req.Resume)
	}
	if err != nil {
		log.Warn("query rejected", "error", err)
		s.writeError(w, err)
		return
	}
	log.Info("query accepted", "text_length", len(req.Text), "files", len(req.Files), "resume", req.Resume)
	writeJSON(w, http.StatusAccepted, StatusResponse{Status: "accepted"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Cancel(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, StatusResponse{Status: "cancelling"})
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req QueryRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Text == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "text is required"})
		return
	}
	if err := s.sessions.Edit(id, req.Text, req.Files); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("edit accepted", "session", id)
	writeJSON(w, http.StatusAccepted, StatusResponse{Status: "accepted"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Reset(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "reset"})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var req UploadRequest
	if !s.decode(w, r, &req) {
		return
	}
	path, err := s.sessions.UploadFile(r.PathValue("id"), req.FileName, req.Content)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, UploadResponse{Path: path})
}

func (s *Server) handleOperator(w http.ResponseWriter, r *http.Request) {
	var res pending.Result
	if !s.decode(w, r, &res) {
		return
	}
	if err := s.sessions.ResolveOperator(r.PathValue("id"), r.PathValue("command_id"), res); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "resolved"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	list, err := s.sessions.Events(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if list == nil {
		list = []events.Event{}
	}
	writeJSON(w, http.StatusOK, EventsResponse{Events: list})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.logger.Warn("request parse error", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON request"})
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), ErrorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, pending.ErrUnknown):
		return http.StatusNotFound
	case errors.Is(err, session.ErrBusy), errors.Is(err, session.ErrNothingToResume):
		return http.StatusConflict
	case errors.Is(err, session.ErrInvalidUpload):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrFull), errors.Is(err, queue.ErrStopped), errors.Is(err, session.ErrNoStore):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func describe(sess *session.Session) SessionResponse {
	return SessionResponse{
		SessionID:    sess.ID,
		WorkspaceDir: sess.WorkspaceDir,
		CreatedAt:    sess.CreatedAt,
		State:        sess.State().String(),
		Busy:         sess.Busy(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Package web serves a read-only view of deskloop sessions.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"

	"github.com/metalagman/deskloop/internal/model"
	"github.com/metalagman/deskloop/internal/session"
	"github.com/rs/zerolog/log"
)

// Source is the session data the server reads.
type Source interface {
	Load(ctx context.Context, sessionID string) (model.AgentState, error)
	List(ctx context.Context) ([]session.Summary, error)
	Events(ctx context.Context, sessionID string) ([]session.Event, error)
}

// Server provides the web UI handlers.
type Server struct {
	source Source
	pages  *template.Template
}

//go:embed templates/*.html
var templatesFS embed.FS

// NewServer parses the embedded templates.
func NewServer(source Source) (*Server, error) {
	pages, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, err
	}
	return &Server{source: source, pages: pages}, nil
}

// Routes returns the router for the web UI.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /sessions/{id}", s.handleSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleSessionJSON)
	return mux
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	items, err := s.source.List(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.render(w, "index.html", items)
}

type sessionPage struct {
	State  model.AgentState
	Events []session.Event
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	st, ok := s.load(w, r)
	if !ok {
		return
	}
	events, err := s.source.Events(r.Context(), st.SessionID)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.render(w, "session.html", sessionPage{State: st, Events: events})
}

func (s *Server) handleSessionJSON(w http.ResponseWriter, r *http.Request) {
	st, ok := s.load(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(StripImages(st)); err != nil {
		log.Warn().Err(err).Msg("web: encode session")
	}
}

func (s *Server) load(w http.ResponseWriter, r *http.Request) (model.AgentState, bool) {
	st, err := s.source.Load(r.Context(), r.PathValue("id"))
	if errors.Is(err, session.ErrNotFound) {
		http.NotFound(w, r)
		return st, false
	}
	if err != nil {
		s.fail(w, err)
		return st, false
	}
	return st, true
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.pages.ExecuteTemplate(w, name, data); err != nil {
		s.fail(w, err)
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	log.Error().Err(err).Msg("web: request failed")
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// StripImages drops image payloads so a state can be shown or exported
// without the raw frames.
func StripImages(st model.AgentState) model.AgentState {
	if st.Observation != nil {
		obs := *st.Observation
		obs.Image = nil
		st.Observation = &obs
	}
	history := make([]model.Message, len(st.ReflectionHistory))
	for i, m := range st.ReflectionHistory {
		m.Image = nil
		history[i] = m
	}
	st.ReflectionHistory = history
	return st
}

package session

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/mylb/messaging/internal/export"
	"github.com/mylb/messaging/internal/transport"
	"github.com/mylb/messaging/internal/verification"
	"github.com/mylb/messaging/internal/wire"
)

// Transport is the slice of the broker the HTTP surface needs for the
// connection status panel and the manual retry button.
type Transport interface {
	State() transport.State
	Reconnect() error
}

// Server exposes the admin messaging session over local HTTP for the
// console frontend.
type Server struct {
	session   *Session
	transport Transport
}

// NewHTTPServer wraps a session for serving.
func NewHTTPServer(session *Session, tr Transport) *Server {
	return &Server{session: session, transport: tr}
}

// Routes registers all endpoints on the given mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /conversations", s.handleConversations)
	mux.HandleFunc("GET /conversations/export", s.handleExport)
	mux.HandleFunc("GET /thread", s.handleThread)
	mux.HandleFunc("POST /select", s.handleSelect)
	mux.HandleFunc("POST /deselect", s.handleDeselect)
	mux.HandleFunc("POST /send", s.handleSend)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /reconnect", s.handleReconnect)
	mux.HandleFunc("GET /clients/{clientId}/verification", s.handleVerification)
	mux.HandleFunc("GET /health", s.handleHealth)
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.session.Conversations())
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", `attachment; filename="`+format.Filename(time.Now())+`"`)
	if err := export.Write(w, format, s.session.Conversations()); err != nil {
		log.Printf("[admind] export: %v", err)
	}
}

func (s *Server) handleThread(w http.ResponseWriter, r *http.Request) {
	msgs := s.session.Thread()
	if msgs == nil {
		msgs = []wire.Message{}
	}
	writeJSON(w, struct {
		PeerID   int64          `json:"peerId"`
		Messages []wire.Message `json:"messages"`
	}{
		PeerID:   s.session.Selected(),
		Messages: msgs,
	})
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PeerID int64 `json:"peerId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.session.Select(r.Context(), req.PeerID); err != nil {
		log.Printf("[admind] select peer=%d: %v", req.PeerID, err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeselect(w http.ResponseWriter, r *http.Request) {
	s.session.Deselect()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	msg, err := s.session.Send(r.Context(), req.Content)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrNotConnected) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, msg)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	state := s.transport.State()
	writeJSON(w, struct {
		Connected bool   `json:"connected"`
		State     string `json:"state"`
		Selected  int64  `json:"selected"`
	}{
		Connected: state == transport.StateConnected,
		State:     state.String(),
		Selected:  s.session.Selected(),
	})
}

// handleReconnect triggers a manual retry after the transport has exhausted
// its automatic reconnect attempts.
func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.transport.Reconnect(); err != nil {
		log.Printf("[admind] manual reconnect: %v", err)
		http.Error(w, "reconnect failed", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVerification(w http.ResponseWriter, r *http.Request) {
	clientID, err := strconv.ParseInt(r.PathValue("clientId"), 10, 64)
	if err != nil || clientID <= 0 {
		http.Error(w, "invalid client id", http.StatusBadRequest)
		return
	}

	user, found, err := s.session.dir.Lookup(r.Context(), clientID)
	if err != nil {
		log.Printf("[admind] verification lookup client=%d: %v", clientID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "unknown client", http.StatusNotFound)
		return
	}

	steps := verification.StepsFor(user)
	writeJSON(w, struct {
		ClientID int64               `json:"clientId"`
		Complete bool                `json:"complete"`
		Steps    []verification.Step `json:"steps"`
	}{
		ClientID: clientID,
		Complete: verification.Complete(steps),
		Steps:    steps,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[admind] encode response: %v", err)
	}
}

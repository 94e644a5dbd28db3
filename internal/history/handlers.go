package history

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/mylb/messaging/internal/directory"
	"github.com/mylb/messaging/internal/wire"
)

// Backend is the storage surface the HTTP handlers need. *Store implements it.
type Backend interface {
	Conversation(ctx context.Context, adminID, peerID int64) ([]wire.Message, error)
	MarkConversationRead(ctx context.Context, adminID, peerID int64) error
	Previews(ctx context.Context, adminID int64) ([]wire.Preview, error)
	Users(ctx context.Context) ([]directory.User, error)
}

// record is the documented wire format of a history row: the field names
// older MyLB clients expect. Normalization on the consumer side maps it back
// to the canonical type.
type record struct {
	ID        int64  `json:"id"`
	Ref       string `json:"ref,omitempty"`
	SenderID  int64  `json:"senderId"`
	SendTo    int64  `json:"sendTo"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	Read      bool   `json:"read"`
}

func toRecord(m wire.Message) record {
	return record{
		ID:        m.ID,
		Ref:       m.Ref,
		SenderID:  m.From,
		SendTo:    m.To,
		Content:   m.Text,
		Timestamp: m.SentAt.Format(time.RFC3339),
		Read:      m.Read,
	}
}

// Server exposes the history and directory REST endpoints.
type Server struct {
	backend Backend
	adminID int64
}

// NewServer creates a Server for one admin identity.
func NewServer(backend Backend, adminID int64) *Server {
	return &Server{backend: backend, adminID: adminID}
}

// Routes registers all endpoints on the given mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /conversation/admin", s.handlePreviews)
	mux.HandleFunc("GET /conversation/admin/{peerId}", s.handleConversation)
	mux.HandleFunc("POST /conversation/admin/{peerId}/read", s.handleMarkRead)
	mux.HandleFunc("GET /users", s.handleUsers)
	mux.HandleFunc("GET /health", s.handleHealth)
}

func peerID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("peerId"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	peer, ok := peerID(r)
	if !ok {
		http.Error(w, "invalid peer id", http.StatusBadRequest)
		return
	}

	msgs, err := s.backend.Conversation(r.Context(), s.adminID, peer)
	if err != nil {
		log.Printf("[history] conversation peer=%d: %v", peer, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	records := make([]record, 0, len(msgs))
	for _, m := range msgs {
		records = append(records, toRecord(m))
	}
	writeJSON(w, records)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	peer, ok := peerID(r)
	if !ok {
		http.Error(w, "invalid peer id", http.StatusBadRequest)
		return
	}

	if err := s.backend.MarkConversationRead(r.Context(), s.adminID, peer); err != nil {
		log.Printf("[history] mark read peer=%d: %v", peer, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePreviews(w http.ResponseWriter, r *http.Request) {
	previews, err := s.backend.Previews(r.Context(), s.adminID)
	if err != nil {
		log.Printf("[history] previews: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if previews == nil {
		previews = []wire.Preview{}
	}
	writeJSON(w, previews)
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.backend.Users(r.Context())
	if err != nil {
		log.Printf("[history] users: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if users == nil {
		users = []directory.User{}
	}
	writeJSON(w, users)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[history] encode response: %v", err)
	}
}

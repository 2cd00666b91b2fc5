package message

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/tandem/social-app/internal/identity"
)

// Storage is the store surface the HTTP layer needs. *Store implements it;
// tests substitute an in-memory version.
type Storage interface {
	Insert(ctx context.Context, channelID, senderID, content string) (Message, error)
	History(ctx context.Context, channelID, beforeID string, limit int) ([]Message, error)
}

// Handler serves the durable message path:
//
//	GET  /api/channels/{channel}/messages?before=<id>&limit=<n>
//	POST /api/channels/{channel}/messages   {content, clientTempId?}
//
// POST returns the authoritative record including the server-assigned id and
// timestamp, echoing clientTempId so the sender can reconcile its optimistic
// entry.
type Handler struct {
	store    Storage
	resolver identity.Resolver
}

// NewHandler creates a Handler backed by the given storage and identity
// resolver.
func NewHandler(store Storage, resolver identity.Resolver) *Handler {
	return &Handler{store: store, resolver: resolver}
}

// RegisterRoutes attaches the durable-path routes to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/channels/{channel}/messages", h.handleHistory)
	mux.HandleFunc("POST /api/channels/{channel}/messages", h.handlePost)
}

type postMessageBody struct {
	Content      string `json:"content"`
	ClientTempID string `json:"clientTempId,omitempty"`
}

type historyResponse struct {
	Messages []Message `json:"messages"`
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	if _, err := h.resolver.Resolve(r.Context(), r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	channelID := r.PathValue("channel")
	beforeID := r.URL.Query().Get("before")

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "limit must be an integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	msgs, err := h.store.History(r.Context(), channelID, beforeID, limit)
	if err != nil {
		log.Printf("message: history channel=%s: %v", channelID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []Message{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(historyResponse{Messages: msgs}); err != nil {
		log.Printf("message: encode history: %v", err)
	}
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	senderID, err := h.resolver.Resolve(r.Context(), r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	channelID := r.PathValue("channel")

	var body postMessageBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if body.Content == "" {
		http.Error(w, "content is required", http.StatusBadRequest)
		return
	}

	msg, err := h.store.Insert(r.Context(), channelID, senderID, body.Content)
	if err != nil {
		log.Printf("message: insert channel=%s sender=%s: %v", channelID, senderID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	msg.ClientTempID = body.ClientTempID

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(msg); err != nil {
		log.Printf("message: encode message: %v", err)
	}
}

package signal

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/tandem/social-app/internal/identity"
	"github.com/tandem/social-app/internal/metrics"
	"github.com/tandem/social-app/internal/ratelimit"
)

// Handler serves the relay's HTTP contract:
//
//	POST /signal          {room_id, target_user_id?, signal_type, signal_data}
//	GET  /signal?room_id=&since=   -> {signals: [...], timestamp}
//
// The returned timestamp is the caller's next watermark.
type Handler struct {
	store    *Store
	resolver identity.Resolver
	limiter  *ratelimit.Limiter
}

// NewHandler creates a Handler backed by the given store and identity
// resolver.
func NewHandler(store *Store, resolver identity.Resolver) *Handler {
	return &Handler{store: store, resolver: resolver}
}

// SetLimiter enables per-identity append throttling. ICE candidate exchanges
// are bursty, so the signal rule is deliberately generous.
func (h *Handler) SetLimiter(l *ratelimit.Limiter) {
	h.limiter = l
}

// postBody is the POST /signal request payload.
type postBody struct {
	RoomID     string          `json:"room_id"`
	TargetID   string          `json:"target_user_id,omitempty"`
	SignalType string          `json:"signal_type"`
	SignalData json.RawMessage `json:"signal_data,omitempty"`
}

// getResponse is the GET /signal response payload.
type getResponse struct {
	Signals   []Record `json:"signals"`
	Timestamp int64    `json:"timestamp"`
}

var validSignalTypes = map[string]bool{
	TypeJoin:         true,
	TypeLeave:        true,
	TypeOffer:        true,
	TypeAnswer:       true,
	TypeICECandidate: true,
}

// ServeHTTP dispatches on method.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleGet(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	senderID, err := h.resolver.Resolve(r.Context(), r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if h.limiter != nil {
		if ok, _ := h.limiter.Allow(r.Context(), senderID, ratelimit.RuleSignal); !ok {
			http.Error(w, "signal rate exceeded", http.StatusTooManyRequests)
			return
		}
	}

	var body postBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if body.RoomID == "" || !validSignalTypes[body.SignalType] {
		http.Error(w, "room_id and a valid signal_type are required", http.StatusBadRequest)
		return
	}

	rec := h.store.Append(body.RoomID, Record{
		SenderID:   senderID,
		TargetID:   body.TargetID,
		SignalType: body.SignalType,
		SignalData: body.SignalData,
	})
	metrics.SignalsTotal.WithLabelValues(body.SignalType).Inc()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(rec); err != nil {
		log.Printf("signal: encode response: %v", err)
	}
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	if _, err := h.resolver.Resolve(r.Context(), r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	roomID := r.URL.Query().Get("room_id")
	if roomID == "" {
		http.Error(w, "room_id is required", http.StatusBadRequest)
		return
	}

	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "since must be an integer timestamp", http.StatusBadRequest)
			return
		}
		since = parsed
	}

	records := h.store.Since(roomID, since)

	// The next watermark: highest timestamp seen, or the caller's own if
	// nothing new arrived.
	next := since
	if n := len(records); n > 0 {
		next = records[n-1].CreatedAt
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(getResponse{Signals: records, Timestamp: next}); err != nil {
		log.Printf("signal: encode response: %v", err)
	}
}

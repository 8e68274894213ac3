package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"mailrelay/internal/domain"
	"mailrelay/internal/observability"
	"mailrelay/internal/store"
	"mailrelay/internal/util"
)

// bounceEvent is one element of the provider's batched webhook payload.
type bounceEvent struct {
	Email     string `json:"email"`
	Event     string `json:"event"`
	Category  string `json:"category,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type unsubscribeRequest struct {
	Email    string `json:"email"`
	Campaign string `json:"campaign"`
}

type Webhook struct {
	Store store.SuppressionWriter
	// Token, when set, must match the X-Webhook-Token request header.
	Token string
}

func (wh *Webhook) Register(r *mux.Router) {
	r.HandleFunc("/v1/webhooks/bounce", wh.handleBounce).Methods(http.MethodPost)
	r.HandleFunc("/v1/unsubscribes", wh.handleUnsubscribe).Methods(http.MethodPost)
}

func (wh *Webhook) authorized(r *http.Request) bool {
	return wh.Token == "" || r.Header.Get("X-Webhook-Token") == wh.Token
}

// handleBounce appends suppression rows from a batched provider payload.
// Only events that actually trigger suppression are kept; the rest are
// counted and dropped.
func (wh *Webhook) handleBounce(w http.ResponseWriter, r *http.Request) {
	if !wh.authorized(r) {
		http.Error(w, ErrUnauthorized, http.StatusUnauthorized)
		return
	}
	var events []bounceEvent
	if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}

	now := util.NowUTC()
	var entries []domain.SuppressionEntry
	for _, ev := range events {
		observability.WebhookEvents.WithLabelValues(ev.Event).Inc()
		if ev.Email == "" || !suppressionEvent(ev.Event) {
			continue
		}
		entries = append(entries, domain.SuppressionEntry{
			Email:     ev.Email,
			Event:     ev.Event,
			Category:  ev.Category,
			Reason:    ev.Reason,
			EventAt:   time.Unix(ev.Timestamp, 0).UTC(),
			CreatedAt: now,
		})
	}

	if len(entries) > 0 {
		if err := wh.Store.InsertBounces(r.Context(), entries); err != nil {
			slog.Error("bounce ingestion failed", "err", err, "count", len(entries))
			http.Error(w, ErrDependency, http.StatusInternalServerError)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (wh *Webhook) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if !wh.authorized(r) {
		http.Error(w, ErrUnauthorized, http.StatusUnauthorized)
		return
	}
	var req unsubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if req.Email == "" || req.Campaign == "" {
		http.Error(w, "email and campaign required", http.StatusBadRequest)
		return
	}
	if err := wh.Store.InsertUnsubscribe(r.Context(), req.Email, req.Campaign, util.NowUTC()); err != nil {
		slog.Error("unsubscribe insert failed", "err", err, "campaign", req.Campaign)
		http.Error(w, ErrDependency, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func suppressionEvent(event string) bool {
	for _, e := range domain.BounceEvents {
		if e == event {
			return true
		}
	}
	return false
}

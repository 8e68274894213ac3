package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"mailrelay/internal/domain"
	"mailrelay/internal/observability"
)

type Dispatcher interface {
	Send(ctx context.Context, msg domain.Message) (int, error)
}

type RecordReader interface {
	GetDeliveryRecord(ctx context.Context, id string) (domain.DeliveryRecord, bool, error)
}

// BackendWriter is the operator-side write path; validation happens behind it.
type BackendWriter interface {
	UpsertBackend(ctx context.Context, b domain.BackendConfig) error
}

type API struct {
	Dispatcher Dispatcher
	Records    RecordReader
	Backends   BackendWriter
}

type sendResponse struct {
	Records int `json:"records"`
}

func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/v1/email/messages", a.handleSend).Methods(http.MethodPost)
	r.HandleFunc("/v1/records/{id}", a.handleGetRecord).Methods(http.MethodGet)
	r.HandleFunc("/v1/backends/{id}", a.handleUpsertBackend).Methods(http.MethodPut)
}

func (a *API) handleSend(w http.ResponseWriter, r *http.Request) {
	var msg domain.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		observability.APIRequests.WithLabelValues("/v1/email/messages", "400").Inc()
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}

	count, err := a.Dispatcher.Send(r.Context(), msg)
	if err != nil {
		status := statusForDispatchError(err)
		observability.APIRequests.WithLabelValues("/v1/email/messages", strconv.Itoa(status)).Inc()
		slog.Error("dispatch failed",
			"err", err,
			"subject", msg.Subject,
			"recipients", len(msg.To),
			"campaign", msg.Campaign,
		)
		http.Error(w, err.Error(), status)
		return
	}

	observability.APIRequests.WithLabelValues("/v1/email/messages", "202").Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(sendResponse{Records: count})
}

func (a *API) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}
	rec, found, err := a.Records.GetDeliveryRecord(r.Context(), id)
	if err != nil {
		slog.Error("get record failed", "err", err, "id", id)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if !found {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rec)
}

func (a *API) handleUpsertBackend(w http.ResponseWriter, r *http.Request) {
	var b domain.BackendConfig
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	b.ID = mux.Vars(r)["id"]
	if err := a.Backends.UpsertBackend(r.Context(), b); err != nil {
		if domain.IsConfigurationError(err) {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		slog.Error("backend upsert failed", "err", err, "id", b.ID)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Caller mistakes (bad message shape, unresolvable routing) map to 4xx;
// anything else is a dependency failure.
func statusForDispatchError(err error) int {
	var nsb *domain.NoSuitableBackendError
	switch {
	case errors.Is(err, domain.ErrMissingFields),
		errors.Is(err, domain.ErrUnsubscribeConflict):
		return http.StatusBadRequest
	case errors.As(err, &nsb), domain.IsConfigurationError(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

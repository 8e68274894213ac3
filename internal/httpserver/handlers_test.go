package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"

	"mailrelay/internal/domain"
)

type fakeDispatcher struct {
	count int
	err   error
	got   domain.Message
}

func (d *fakeDispatcher) Send(_ context.Context, msg domain.Message) (int, error) {
	d.got = msg
	return d.count, d.err
}

type fakeRecordReader struct {
	rec   domain.DeliveryRecord
	found bool
	err   error
}

func (r *fakeRecordReader) GetDeliveryRecord(context.Context, string) (domain.DeliveryRecord, bool, error) {
	return r.rec, r.found, r.err
}

// fakeBackendWriter validates like the store's upsert path before accepting.
type fakeBackendWriter struct {
	saved []domain.BackendConfig
}

func (f *fakeBackendWriter) UpsertBackend(_ context.Context, b domain.BackendConfig) error {
	if err := b.Validate(); err != nil {
		return err
	}
	f.saved = append(f.saved, b)
	return nil
}

func newTestAPI(d *fakeDispatcher, rr *fakeRecordReader) *mux.Router {
	r := mux.NewRouter()
	(&API{Dispatcher: d, Records: rr, Backends: &fakeBackendWriter{}}).Register(r)
	return r
}

func TestHandleSendAccepted(t *testing.T) {
	d := &fakeDispatcher{count: 3}
	router := newTestAPI(d, &fakeRecordReader{})

	body := `{"subject":"hi","body":"b","to":["a@x.com"],"campaign":"c1"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/email/messages", strings.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("got %d: %s", w.Code, w.Body.String())
	}
	var resp sendResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Records != 3 {
		t.Fatalf("got %d records", resp.Records)
	}
	if d.got.Subject != "hi" || d.got.Campaign != "c1" {
		t.Fatalf("message not passed through: %+v", d.got)
	}
}

func TestHandleSendErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"missing fields", domain.ErrMissingFields, http.StatusBadRequest},
		{"unsubscribe conflict", domain.ErrUnsubscribeConflict, http.StatusBadRequest},
		{"no suitable backend", &domain.NoSuitableBackendError{Address: "a@x.com"}, http.StatusUnprocessableEntity},
		{"configuration", &domain.ConfigurationError{Reason: "bad"}, http.StatusUnprocessableEntity},
		{"dependency", errors.New("db down"), http.StatusBadGateway},
	}
	for _, tc := range cases {
		router := newTestAPI(&fakeDispatcher{err: tc.err}, &fakeRecordReader{})
		req := httptest.NewRequest(http.MethodPost, "/v1/email/messages", strings.NewReader(`{"to":["a@x.com"]}`))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != tc.want {
			t.Errorf("%s: got %d, want %d", tc.name, w.Code, tc.want)
		}
	}
}

func TestHandleSendRejectsBadJSON(t *testing.T) {
	router := newTestAPI(&fakeDispatcher{}, &fakeRecordReader{})
	req := httptest.NewRequest(http.MethodPost, "/v1/email/messages", strings.NewReader("{"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("got %d", w.Code)
	}
}

func TestHandleGetRecord(t *testing.T) {
	rr := &fakeRecordReader{
		rec:   domain.DeliveryRecord{ID: "eml_1", Status: domain.StatusDelivered},
		found: true,
	}
	router := newTestAPI(&fakeDispatcher{}, rr)
	req := httptest.NewRequest(http.MethodGet, "/v1/records/eml_1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("got %d", w.Code)
	}
	var rec domain.DeliveryRecord
	if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.ID != "eml_1" || rec.Status != domain.StatusDelivered {
		t.Fatalf("got %+v", rec)
	}
}

func TestHandleUpsertBackend(t *testing.T) {
	bw := &fakeBackendWriter{}
	r := mux.NewRouter()
	(&API{Dispatcher: &fakeDispatcher{}, Records: &fakeRecordReader{}, Backends: bw}).Register(r)

	body := `{"sendingMethod":"smtp","host":"mail.example.com","port":587,"defaultFrom":"news@example.com","main":true,"isActive":true}`
	req := httptest.NewRequest(http.MethodPut, "/v1/backends/primary", strings.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("got %d: %s", w.Code, w.Body.String())
	}
	if len(bw.saved) != 1 || bw.saved[0].ID != "primary" {
		t.Fatalf("id should come from the path: %+v", bw.saved)
	}

	// A main active backend scoped to a site must be rejected before any write.
	body = `{"sendingMethod":"smtp","host":"h","port":25,"defaultFrom":"f@x.com","main":true,"isActive":true,"sites":[1]}`
	req = httptest.NewRequest(http.MethodPut, "/v1/backends/bad", strings.NewReader(body))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("got %d: %s", w.Code, w.Body.String())
	}
	if len(bw.saved) != 1 {
		t.Fatalf("invalid backend must not persist")
	}
}

func TestHandleGetRecordNotFound(t *testing.T) {
	router := newTestAPI(&fakeDispatcher{}, &fakeRecordReader{})
	req := httptest.NewRequest(http.MethodGet, "/v1/records/eml_missing", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("got %d", w.Code)
	}
}

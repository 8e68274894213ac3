package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"mailrelay/internal/domain"
	"mailrelay/internal/providers/unisender"
	sqsqueue "mailrelay/internal/queue/sqs"
	"mailrelay/internal/store"
)

type fakeWorkerStore struct {
	records  map[string]domain.DeliveryRecord
	backends map[string]domain.BackendConfig
	updates  []store.RecordStatusUpdate
}

func (s *fakeWorkerStore) GetDeliveryRecord(_ context.Context, id string) (domain.DeliveryRecord, bool, error) {
	r, ok := s.records[id]
	return r, ok, nil
}

func (s *fakeWorkerStore) GetBackend(_ context.Context, id string) (domain.BackendConfig, bool, error) {
	b, ok := s.backends[id]
	return b, ok, nil
}

func (s *fakeWorkerStore) UpdateRecordStatus(_ context.Context, in store.RecordStatusUpdate) error {
	s.updates = append(s.updates, in)
	r := s.records[in.ID]
	r.Status = in.Status
	r.StatusFingerprint = domain.Fingerprint(in.Status)
	if in.RemoteID != "" {
		r.RemoteID = in.RemoteID
	}
	s.records[in.ID] = r
	return nil
}

type fakeRetryQueue struct {
	retries []struct {
		job   sqsqueue.DeliveryJob
		delay time.Duration
	}
}

func (q *fakeRetryQueue) Retry(_ context.Context, job sqsqueue.DeliveryJob, delay time.Duration) error {
	q.retries = append(q.retries, struct {
		job   sqsqueue.DeliveryJob
		delay time.Duration
	}{job, delay})
	return nil
}

type fakeSMTP struct {
	calls int
	err   error
}

func (s *fakeSMTP) Send(context.Context, domain.BackendConfig, domain.Message) error {
	s.calls++
	return s.err
}

type fakeAPI struct {
	calls     int
	responses []apiResult
}

type apiResult struct {
	resp       unisender.SendResponse
	httpStatus int
	raw        []byte
	err        error
}

func (a *fakeAPI) Send(context.Context, unisender.SendRequest) (unisender.SendResponse, int, []byte, error) {
	r := a.responses[a.calls]
	a.calls++
	return r.resp, r.httpStatus, r.raw, r.err
}

func smtpBackend() domain.BackendConfig {
	return domain.BackendConfig{
		ID: "b-smtp", SendingMethod: domain.MethodSMTP,
		Host: "mail.example.com", Port: 25, DefaultFrom: "relay@example.com",
		IsActive: true,
	}
}

func apiBackend() domain.BackendConfig {
	return domain.BackendConfig{
		ID: "b-api", SendingMethod: domain.MethodTransactionalAPI,
		APIKey: "k", APIUsername: "u", APIFromEmail: "api@example.com",
		IsActive: true,
	}
}

func newStore(backend domain.BackendConfig) *fakeWorkerStore {
	return &fakeWorkerStore{
		records: map[string]domain.DeliveryRecord{
			"eml_1": {ID: "eml_1", Status: domain.StatusQueued,
				StatusFingerprint: domain.Fingerprint(domain.StatusQueued)},
		},
		backends: map[string]domain.BackendConfig{backend.ID: backend},
	}
}

func job(backendID string, attempt int) sqsqueue.DeliveryJob {
	return sqsqueue.DeliveryJob{
		RecordID:  "eml_1",
		BackendID: backendID,
		Attempt:   attempt,
		Message: domain.Message{
			Subject: "hello", Body: "hi", Sender: "relay@example.com",
			To: []string{"a@x.com"},
		},
	}
}

func TestProcessSMTPSuccessMarksDelivered(t *testing.T) {
	st := newStore(smtpBackend())
	smtp := &fakeSMTP{}
	p := &Processor{Store: st, Queue: &fakeRetryQueue{}, SMTP: smtp}

	if err := p.Process(context.Background(), job("b-smtp", 1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if smtp.calls != 1 {
		t.Fatalf("expected one send, got %d", smtp.calls)
	}
	if got := st.records["eml_1"].Status; got != domain.StatusDelivered {
		t.Fatalf("got status %q", got)
	}
}

func TestProcessAPIStoresRawResponseAndRemoteID(t *testing.T) {
	st := newStore(apiBackend())
	raw := []byte(`{"status":"success","job_id":"1.abc"}`)
	api := &fakeAPI{responses: []apiResult{
		{resp: unisender.SendResponse{JobID: "1.abc", Status: "success"}, httpStatus: 200, raw: raw},
	}}
	p := &Processor{Store: st, Queue: &fakeRetryQueue{}, API: api}

	if err := p.Process(context.Background(), job("b-api", 1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec := st.records["eml_1"]
	if rec.Status != string(raw) {
		t.Fatalf("record should keep the provider's raw response, got %q", rec.Status)
	}
	if rec.RemoteID != "1.abc" {
		t.Fatalf("got remote id %q", rec.RemoteID)
	}
}

func TestProcessTransientErrorRetriesWithBackoff(t *testing.T) {
	st := newStore(apiBackend())
	api := &fakeAPI{responses: []apiResult{
		{httpStatus: 503, err: errors.New("upstream unavailable")},
	}}
	q := &fakeRetryQueue{}
	p := &Processor{Store: st, Queue: q, API: api}

	if err := p.Process(context.Background(), job("b-api", 1)); err != nil {
		t.Fatalf("a scheduled retry consumes the message: %v", err)
	}
	if len(q.retries) != 1 {
		t.Fatalf("expected 1 retry, got %d", len(q.retries))
	}
	if q.retries[0].job.Attempt != 2 {
		t.Fatalf("attempt should increment, got %d", q.retries[0].job.Attempt)
	}
	if q.retries[0].delay != RetryBase {
		t.Fatalf("first retry delay should be %v, got %v", RetryBase, q.retries[0].delay)
	}
	// The audit record carries the latest error while retries continue.
	if got := st.records["eml_1"].Status; !strings.Contains(got, "upstream unavailable") {
		t.Fatalf("got status %q", got)
	}

	// Attempt 3 backs off proportionally.
	api.responses = append(api.responses, apiResult{httpStatus: 503, err: errors.New("upstream unavailable")})
	if err := p.Process(context.Background(), job("b-api", 3)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.retries[1].delay != 3*RetryBase {
		t.Fatalf("third attempt delay should be %v, got %v", 3*RetryBase, q.retries[1].delay)
	}
}

func TestProcessRetryThenSuccess(t *testing.T) {
	st := newStore(apiBackend())
	okRaw := []byte(`{"status":"success","job_id":"1.ok"}`)
	api := &fakeAPI{responses: []apiResult{
		{httpStatus: 500, err: errors.New("boom")},
		{httpStatus: 500, err: errors.New("boom")},
		{resp: unisender.SendResponse{JobID: "1.ok"}, httpStatus: 200, raw: okRaw},
	}}
	q := &fakeRetryQueue{}
	p := &Processor{Store: st, Queue: q, API: api}

	for attempt := 1; attempt <= 3; attempt++ {
		if err := p.Process(context.Background(), job("b-api", attempt)); err != nil {
			t.Fatalf("attempt %d: %v", attempt, err)
		}
	}
	if api.calls != 3 {
		t.Fatalf("expected 3 provider calls, got %d", api.calls)
	}
	if len(q.retries) != 2 {
		t.Fatalf("expected 2 retries, got %d", len(q.retries))
	}
	if got := st.records["eml_1"].RemoteID; got != "1.ok" {
		t.Fatalf("got remote id %q", got)
	}
}

func TestProcessConfigurationErrorIsTerminal(t *testing.T) {
	st := newStore(apiBackend())
	api := &fakeAPI{responses: []apiResult{
		{err: &domain.ConfigurationError{Reason: "transactional api base url is not configured"}},
	}}
	q := &fakeRetryQueue{}
	p := &Processor{Store: st, Queue: q, API: api}

	if err := p.Process(context.Background(), job("b-api", 1)); err != nil {
		t.Fatalf("terminal failure still consumes the message: %v", err)
	}
	if len(q.retries) != 0 {
		t.Fatalf("configuration errors must not retry, got %d retries", len(q.retries))
	}
	if got := st.records["eml_1"].Status; !strings.Contains(got, "base url") {
		t.Fatalf("got status %q", got)
	}
}

func TestProcessRetryExhaustion(t *testing.T) {
	st := newStore(apiBackend())
	api := &fakeAPI{responses: []apiResult{
		{httpStatus: 503, err: errors.New("still down")},
		{httpStatus: 503, err: errors.New("still down")},
	}}
	q := &fakeRetryQueue{}
	p := &Processor{Store: st, Queue: q, API: api}

	// Attempt MaxRetries still schedules the last retry.
	if err := p.Process(context.Background(), job("b-api", MaxRetries)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(q.retries) != 1 {
		t.Fatalf("attempt %d should schedule the final retry, got %d", MaxRetries, len(q.retries))
	}
	if q.retries[0].job.Attempt != MaxRetries+1 {
		t.Fatalf("got attempt %d", q.retries[0].job.Attempt)
	}

	// Attempt MaxRetries+1 is terminal: MaxRetries retries in total.
	if err := p.Process(context.Background(), job("b-api", MaxRetries+1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(q.retries) != 1 {
		t.Fatalf("attempt %d must not retry again, got %d retries", MaxRetries+1, len(q.retries))
	}
	if got := st.records["eml_1"].Status; !strings.Contains(got, "still down") {
		t.Fatalf("record should keep the final error, got %q", got)
	}
}

func TestProcessNotBeforeStillAheadReEnqueues(t *testing.T) {
	st := newStore(apiBackend())
	api := &fakeAPI{}
	q := &fakeRetryQueue{}
	p := &Processor{Store: st, Queue: q, API: api}

	notBefore := time.Now().Add(2 * time.Hour)
	j := job("b-api", 1)
	j.Message.NotBefore = &notBefore

	if err := p.Process(context.Background(), j); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if api.calls != 0 {
		t.Fatalf("provider must not be called before the not-before horizon")
	}
	if len(q.retries) != 1 {
		t.Fatalf("expected one re-enqueue, got %d", len(q.retries))
	}
	if q.retries[0].job.Attempt != 1 {
		t.Fatalf("waiting must not consume the attempt counter, got %d", q.retries[0].job.Attempt)
	}
	if d := q.retries[0].delay; d < time.Hour || d > 2*time.Hour {
		t.Fatalf("re-enqueue delay should cover the remaining horizon, got %v", d)
	}
	if len(st.updates) != 0 {
		t.Fatalf("no status writes while waiting, got %d", len(st.updates))
	}
}

func TestProcessNotBeforeInPastDeliversNormally(t *testing.T) {
	st := newStore(apiBackend())
	raw := []byte(`{"status":"success","job_id":"1.due"}`)
	api := &fakeAPI{responses: []apiResult{
		{resp: unisender.SendResponse{JobID: "1.due"}, httpStatus: 200, raw: raw},
	}}
	p := &Processor{Store: st, Queue: &fakeRetryQueue{}, API: api}

	past := time.Now().Add(-time.Minute)
	j := job("b-api", 1)
	j.Message.NotBefore = &past

	if err := p.Process(context.Background(), j); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if api.calls != 1 {
		t.Fatalf("an elapsed not-before must not block delivery")
	}
}

func TestProcessSkipsAlreadyDeliveredRecord(t *testing.T) {
	st := newStore(apiBackend())
	rec := st.records["eml_1"]
	rec.RemoteID = "1.done"
	st.records["eml_1"] = rec
	api := &fakeAPI{}
	p := &Processor{Store: st, Queue: &fakeRetryQueue{}, API: api}

	if err := p.Process(context.Background(), job("b-api", 2)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if api.calls != 0 {
		t.Fatalf("a record with a remote id must not be re-sent")
	}
	if len(st.updates) != 0 {
		t.Fatalf("no status writes on skip, got %d", len(st.updates))
	}
}

func TestProcessMissingRecordDropsJob(t *testing.T) {
	st := newStore(apiBackend())
	p := &Processor{Store: st, Queue: &fakeRetryQueue{}, API: &fakeAPI{}}

	j := job("b-api", 1)
	j.RecordID = "eml_missing"
	if err := p.Process(context.Background(), j); err != nil {
		t.Fatalf("missing record should drop the job, not error: %v", err)
	}
}

func TestProcessMissingBackendFailsTerminally(t *testing.T) {
	st := newStore(apiBackend())
	q := &fakeRetryQueue{}
	p := &Processor{Store: st, Queue: q, API: &fakeAPI{}}

	if err := p.Process(context.Background(), job("b-ghost", 1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(q.retries) != 0 {
		t.Fatalf("missing backend must not retry")
	}
	if got := st.records["eml_1"].Status; !strings.Contains(got, "backend configuration missing") {
		t.Fatalf("got status %q", got)
	}
}

func TestProcessSMTPTransientErrorRetries(t *testing.T) {
	st := newStore(smtpBackend())
	smtp := &fakeSMTP{err: errors.New("connection reset")}
	q := &fakeRetryQueue{}
	p := &Processor{Store: st, Queue: q, SMTP: smtp}

	if err := p.Process(context.Background(), job("b-smtp", 1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(q.retries) != 1 {
		t.Fatalf("smtp transport errors are transient, expected a retry")
	}
}

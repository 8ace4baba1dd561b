package receipt

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"notifyd/internal/callback"
	"notifyd/internal/domain"
	"notifyd/internal/provider"
	"notifyd/internal/provider/ses"
	sqsqueue "notifyd/internal/queue/sqs"
	"notifyd/internal/store"
)

type fakeStore struct {
	byReference   map[string]domain.Notification
	registrations map[string]domain.CallbackRegistration

	applied    []store.ReceiptUpdate
	applyOK    bool
	complaints []domain.Complaint
	stale      []domain.Notification
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		byReference:   map[string]domain.Notification{},
		registrations: map[string]domain.CallbackRegistration{},
		applyOK:       true,
	}
}

func (s *fakeStore) GetNotificationByReference(ctx context.Context, reference string) (domain.Notification, bool, error) {
	n, ok := s.byReference[reference]
	return n, ok, nil
}

func (s *fakeStore) ApplyReceipt(ctx context.Context, in store.ReceiptUpdate) (bool, error) {
	if !s.applyOK {
		return false, nil
	}
	s.applied = append(s.applied, in)
	return true, nil
}

func (s *fakeStore) GetCallbackRegistration(ctx context.Context, serviceID string, callbackType domain.CallbackType) (domain.CallbackRegistration, bool, error) {
	reg, ok := s.registrations[serviceID+"|"+string(callbackType)]
	return reg, ok, nil
}

func (s *fakeStore) InsertComplaint(ctx context.Context, c domain.Complaint) error {
	s.complaints = append(s.complaints, c)
	return nil
}

type fakeQueue struct {
	tasks []sqsqueue.CallbackTask
	err   error
}

func (q *fakeQueue) Enqueue(ctx context.Context, task sqsqueue.CallbackTask) error {
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, task)
	return nil
}

type fakeBreaker struct {
	failing bool
}

func (b *fakeBreaker) IsFailing(ctx context.Context, serviceID string) (bool, error) {
	return b.failing, nil
}

type fakeParser struct {
	receipt provider.Receipt
	err     error
}

func (p *fakeParser) ParseReceipt(req provider.ReceiptRequest) (provider.Receipt, error) {
	return p.receipt, p.err
}

var testStatuses = provider.StatusMap{
	"DELIVERED": domain.StatusDelivered,
	"FAILED":    domain.StatusPermanentFailure,
}

func inFlightNotification(reference string) domain.Notification {
	sentAt := time.Now().Add(-30 * time.Second)
	return domain.Notification{
		ID:           "ntf_1",
		ServiceID:    "svc-1",
		Channel:      domain.ChannelSMS,
		To:           "0400 123 123",
		NormalisedTo: "+61400123123",
		Status:       domain.StatusSending,
		Reference:    reference,
		SentBy:       "twilio",
		CreatedAt:    time.Now().Add(-time.Minute),
		SentAt:       &sentAt,
	}
}

func newProcessor(st *fakeStore, q *fakeQueue, br callback.FailingChecker, parser provider.ReceiptParser) *Processor {
	p := NewProcessor(st, q, br)
	p.RegisterProvider("twilio", parser, testStatuses)
	return p
}

func TestIngestAppliesStatusAndForwards(t *testing.T) {
	st := newFakeStore()
	st.byReference["ntf_1"] = inFlightNotification("ntf_1")
	st.registrations["svc-1|delivery_status"] = domain.CallbackRegistration{
		ServiceID: "svc-1", URL: "https://svc.example.com/cb", BearerToken: "tok",
	}
	q := &fakeQueue{}
	p := newProcessor(st, q, &fakeBreaker{}, &fakeParser{receipt: provider.Receipt{Reference: "ntf_1", VendorStatus: "DELIVERED"}})

	if err := p.Ingest(context.Background(), "twilio", provider.ReceiptRequest{}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(st.applied) != 1 || st.applied[0].Status != domain.StatusDelivered {
		t.Fatalf("applied = %+v", st.applied)
	}
	if len(q.tasks) != 1 {
		t.Fatalf("tasks = %+v, want one callback task", q.tasks)
	}
	task := q.tasks[0]
	if task.URL != "https://svc.example.com/cb" || task.BearerToken != "tok" || task.CallbackType != domain.CallbackTypeDeliveryStatus {
		t.Fatalf("task = %+v", task)
	}
	var payload map[string]any
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload["status"] != "delivered" || payload["id"] != "ntf_1" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestIngestPerNotificationCallbackOverride(t *testing.T) {
	st := newFakeStore()
	n := inFlightNotification("ntf_1")
	n.StatusCallbackURL = "https://override.example.com/cb"
	n.StatusCallbackBearerToken = "override-tok"
	st.byReference["ntf_1"] = n
	st.registrations["svc-1|delivery_status"] = domain.CallbackRegistration{
		ServiceID: "svc-1", URL: "https://svc.example.com/cb", BearerToken: "tok",
	}
	q := &fakeQueue{}
	p := newProcessor(st, q, &fakeBreaker{}, &fakeParser{receipt: provider.Receipt{Reference: "ntf_1", VendorStatus: "DELIVERED"}})

	if err := p.Ingest(context.Background(), "twilio", provider.ReceiptRequest{}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(q.tasks) != 1 || q.tasks[0].URL != "https://override.example.com/cb" || q.tasks[0].BearerToken != "override-tok" {
		t.Fatalf("tasks = %+v, want the per-notification override", q.tasks)
	}
}

func TestIngestNoRegistrationNoForward(t *testing.T) {
	st := newFakeStore()
	st.byReference["ntf_1"] = inFlightNotification("ntf_1")
	q := &fakeQueue{}
	p := newProcessor(st, q, &fakeBreaker{}, &fakeParser{receipt: provider.Receipt{Reference: "ntf_1", VendorStatus: "DELIVERED"}})

	if err := p.Ingest(context.Background(), "twilio", provider.ReceiptRequest{}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(st.applied) != 1 {
		t.Fatalf("expected status still applied")
	}
	if len(q.tasks) != 0 {
		t.Fatalf("tasks = %+v, want none", q.tasks)
	}
}

func TestIngestBreakerSuppressesForward(t *testing.T) {
	st := newFakeStore()
	st.byReference["ntf_1"] = inFlightNotification("ntf_1")
	st.registrations["svc-1|delivery_status"] = domain.CallbackRegistration{ServiceID: "svc-1", URL: "https://svc.example.com/cb"}
	q := &fakeQueue{}
	p := newProcessor(st, q, &fakeBreaker{failing: true}, &fakeParser{receipt: provider.Receipt{Reference: "ntf_1", VendorStatus: "DELIVERED"}})

	if err := p.Ingest(context.Background(), "twilio", provider.ReceiptRequest{}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(st.applied) != 1 {
		t.Fatalf("expected status still applied")
	}
	if len(q.tasks) != 0 {
		t.Fatalf("tasks = %+v, want suppressed", q.tasks)
	}
}

func TestIngestDuplicateReceiptIsNoOp(t *testing.T) {
	st := newFakeStore()
	n := inFlightNotification("ntf_1")
	n.Status = domain.StatusDelivered
	st.byReference["ntf_1"] = n
	st.registrations["svc-1|delivery_status"] = domain.CallbackRegistration{ServiceID: "svc-1", URL: "https://svc.example.com/cb"}
	q := &fakeQueue{}
	p := newProcessor(st, q, &fakeBreaker{}, &fakeParser{receipt: provider.Receipt{Reference: "ntf_1", VendorStatus: "DELIVERED"}})

	if err := p.Ingest(context.Background(), "twilio", provider.ReceiptRequest{}); err != nil {
		t.Fatalf("expected success on duplicate, got %v", err)
	}
	if len(st.applied) != 0 {
		t.Fatalf("applied = %+v, want none", st.applied)
	}
	if len(q.tasks) != 0 {
		t.Fatalf("tasks = %+v, want no second forward", q.tasks)
	}
}

func TestIngestUnknownStatusDoesNotMutate(t *testing.T) {
	st := newFakeStore()
	st.byReference["ntf_1"] = inFlightNotification("ntf_1")
	p := newProcessor(st, &fakeQueue{}, &fakeBreaker{}, &fakeParser{receipt: provider.Receipt{Reference: "ntf_1", VendorStatus: "MYSTERY"}})

	err := p.Ingest(context.Background(), "twilio", provider.ReceiptRequest{})
	if !errors.Is(err, domain.ErrUnknownProviderStatus) {
		t.Fatalf("expected ErrUnknownProviderStatus, got %v", err)
	}
	if len(st.applied) != 0 {
		t.Fatalf("applied = %+v, want none", st.applied)
	}
}

func TestIngestUnknownReferenceWithinGraceRetries(t *testing.T) {
	st := newFakeStore()
	occurred := time.Now().Add(-time.Minute)
	p := newProcessor(st, &fakeQueue{}, &fakeBreaker{}, &fakeParser{
		receipt: provider.Receipt{Reference: "missing", VendorStatus: "DELIVERED", OccurredAt: &occurred},
	})

	err := p.Ingest(context.Background(), "twilio", provider.ReceiptRequest{})
	if !errors.Is(err, domain.ErrReceiptRace) {
		t.Fatalf("expected ErrReceiptRace inside grace window, got %v", err)
	}
}

func TestIngestUnknownReferenceOutsideGraceSucceeds(t *testing.T) {
	st := newFakeStore()
	occurred := time.Now().Add(-time.Hour)
	p := newProcessor(st, &fakeQueue{}, &fakeBreaker{}, &fakeParser{
		receipt: provider.Receipt{Reference: "missing", VendorStatus: "DELIVERED", OccurredAt: &occurred},
	})

	if err := p.Ingest(context.Background(), "twilio", provider.ReceiptRequest{}); err != nil {
		t.Fatalf("expected success for purged notification, got %v", err)
	}
}

func TestIngestUnknownProvider(t *testing.T) {
	p := NewProcessor(newFakeStore(), &fakeQueue{}, &fakeBreaker{})
	err := p.Ingest(context.Background(), "pigeon", provider.ReceiptRequest{})
	if !errors.Is(err, domain.ErrBadCallbackPayload) {
		t.Fatalf("expected ErrBadCallbackPayload, got %v", err)
	}
}

func sesComplaintBody(t *testing.T, reference string) []byte {
	t.Helper()
	inner, err := json.Marshal(map[string]any{
		"notificationType": "Complaint",
		"mail":             map[string]string{"messageId": reference, "timestamp": "2026-08-30T10:00:00Z"},
		"complaint": map[string]string{
			"feedbackId":            "fb-1",
			"complaintFeedbackType": "abuse",
			"timestamp":             "2026-08-30T10:00:00Z",
		},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	body, err := json.Marshal(map[string]string{"Type": "Notification", "Message": string(inner)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return body
}

func TestIngestComplaintRecordsAndForwards(t *testing.T) {
	st := newFakeStore()
	n := inFlightNotification("msg-1")
	n.Channel = domain.ChannelEmail
	n.Status = domain.StatusDelivered // complaints arrive after delivery
	st.byReference["msg-1"] = n
	st.registrations["svc-1|complaint"] = domain.CallbackRegistration{
		ServiceID: "svc-1", URL: "https://svc.example.com/complaints", BearerToken: "tok",
		CallbackType: domain.CallbackTypeComplaint,
	}

	q := &fakeQueue{}
	p := NewProcessor(st, q, &fakeBreaker{})
	p.RegisterProvider("ses", &ses.Client{}, ses.StatusMap())

	if err := p.Ingest(context.Background(), "ses", provider.ReceiptRequest{Body: sesComplaintBody(t, "msg-1")}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(st.complaints) != 1 {
		t.Fatalf("complaints = %+v", st.complaints)
	}
	c := st.complaints[0]
	if c.NotificationID != "ntf_1" || c.FeedbackID != "fb-1" || c.ComplaintType != "abuse" {
		t.Fatalf("complaint = %+v", c)
	}
	if len(st.applied) != 0 {
		t.Fatalf("complaints must not mutate notification status, applied = %+v", st.applied)
	}
	if len(q.tasks) != 1 || q.tasks[0].CallbackType != domain.CallbackTypeComplaint {
		t.Fatalf("tasks = %+v, want one complaint callback", q.tasks)
	}
}

func TestIngestConcurrentReceiptLosesQuietly(t *testing.T) {
	st := newFakeStore()
	st.byReference["ntf_1"] = inFlightNotification("ntf_1")
	st.registrations["svc-1|delivery_status"] = domain.CallbackRegistration{ServiceID: "svc-1", URL: "https://svc.example.com/cb"}
	st.applyOK = false // another worker settled the row first
	q := &fakeQueue{}
	p := newProcessor(st, q, &fakeBreaker{}, &fakeParser{receipt: provider.Receipt{Reference: "ntf_1", VendorStatus: "DELIVERED"}})

	if err := p.Ingest(context.Background(), "twilio", provider.ReceiptRequest{}); err != nil {
		t.Fatalf("expected quiet success, got %v", err)
	}
	if len(q.tasks) != 0 {
		t.Fatalf("tasks = %+v, the winning receipt forwards", q.tasks)
	}
}

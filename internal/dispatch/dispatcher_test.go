package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"notifyd/internal/domain"
	"notifyd/internal/provider"
	"notifyd/internal/store"
)

type fakeStore struct {
	notifications map[string]domain.Notification
	services      map[string]domain.Service

	claims   []string
	released []string
	sent     []store.SentUpdate
	statuses map[string]domain.Status

	claimOK bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		notifications: map[string]domain.Notification{},
		services:      map[string]domain.Service{},
		statuses:      map[string]domain.Status{},
		claimOK:       true,
	}
}

func (s *fakeStore) GetNotification(ctx context.Context, id string) (domain.Notification, bool, error) {
	n, ok := s.notifications[id]
	return n, ok, nil
}

func (s *fakeStore) GetService(ctx context.Context, id string) (domain.Service, bool, error) {
	svc, ok := s.services[id]
	return svc, ok, nil
}

func (s *fakeStore) ClaimForSending(ctx context.Context, id, reference string, now time.Time) (bool, error) {
	if !s.claimOK {
		return false, nil
	}
	s.claims = append(s.claims, id+"|"+reference)
	s.statuses[id] = domain.StatusSending
	return true, nil
}

func (s *fakeStore) ReleaseClaim(ctx context.Context, id string, now time.Time) (bool, error) {
	if s.statuses[id] != domain.StatusSending {
		return false, nil
	}
	s.released = append(s.released, id)
	s.statuses[id] = domain.StatusCreated
	return true, nil
}

func (s *fakeStore) MarkSent(ctx context.Context, in store.SentUpdate) error {
	s.sent = append(s.sent, in)
	s.statuses[in.ID] = in.Status
	return nil
}

func (s *fakeStore) MarkStatus(ctx context.Context, id string, status domain.Status, now time.Time) error {
	s.statuses[id] = status
	return nil
}

type sendClient struct {
	id      string
	channel domain.Channel
	sendFn  func(ctx context.Context, in provider.SendInput) (provider.SendResult, error)
	sends   int
}

func (c *sendClient) Identifier() string      { return c.id }
func (c *sendClient) Channel() domain.Channel { return c.channel }
func (c *sendClient) Send(ctx context.Context, in provider.SendInput) (provider.SendResult, error) {
	c.sends++
	if c.sendFn != nil {
		return c.sendFn(ctx, in)
	}
	return provider.SendResult{Reference: in.Reference, Status: domain.StatusSending}, nil
}

type fakeSelector struct {
	client    provider.Client
	selectErr error
	disabled  []string
}

func (s *fakeSelector) Select(ctx context.Context, channel domain.Channel, international bool) (provider.Client, error) {
	if s.selectErr != nil {
		return nil, s.selectErr
	}
	return s.client, nil
}

func (s *fakeSelector) Disable(ctx context.Context, identifier string) error {
	s.disabled = append(s.disabled, identifier)
	return nil
}

type fakeSink struct {
	calls []string
	err   error
}

func (s *fakeSink) Ingest(ctx context.Context, providerID string, req provider.ReceiptRequest) error {
	s.calls = append(s.calls, providerID)
	return s.err
}

func smsNotification(id string) domain.Notification {
	return domain.Notification{
		ID:           id,
		ServiceID:    "svc-1",
		Channel:      domain.ChannelSMS,
		To:           "0400 123 123",
		NormalisedTo: "+61400123123",
		Body:         "hello",
		Status:       domain.StatusCreated,
		KeyType:      domain.KeyTypeNormal,
		CreatedAt:    time.Now().Add(-2 * time.Second),
	}
}

func TestDispatchReplayIsNoOp(t *testing.T) {
	st := newFakeStore()
	n := smsNotification("ntf_1")
	n.Status = domain.StatusSending
	st.notifications[n.ID] = n
	st.services["svc-1"] = domain.Service{ID: "svc-1", Active: true}

	client := &sendClient{id: "twilio", channel: domain.ChannelSMS}
	d := NewDispatcher(st, &fakeSelector{client: client}, nil)

	if err := d.Dispatch(context.Background(), "ntf_1"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if client.sends != 0 {
		t.Fatalf("expected no provider call for non-created notification")
	}
	if len(st.claims) != 0 || len(st.sent) != 0 {
		t.Fatalf("expected no writes, got claims=%v sent=%v", st.claims, st.sent)
	}
}

func TestDispatchInactiveServiceIsFatal(t *testing.T) {
	st := newFakeStore()
	st.notifications["ntf_1"] = smsNotification("ntf_1")
	st.services["svc-1"] = domain.Service{ID: "svc-1", Active: false}

	client := &sendClient{id: "twilio", channel: domain.ChannelSMS}
	d := NewDispatcher(st, &fakeSelector{client: client}, nil)

	if err := d.Dispatch(context.Background(), "ntf_1"); err != nil {
		t.Fatalf("expected nil (no retry), got %v", err)
	}
	if st.statuses["ntf_1"] != domain.StatusTechnicalFailure {
		t.Fatalf("status = %s, want technical-failure", st.statuses["ntf_1"])
	}
	if client.sends != 0 {
		t.Fatalf("expected no provider call")
	}
}

func TestDispatchNoActiveProviderIsFatal(t *testing.T) {
	st := newFakeStore()
	st.notifications["ntf_1"] = smsNotification("ntf_1")
	st.services["svc-1"] = domain.Service{ID: "svc-1", Active: true}

	d := NewDispatcher(st, &fakeSelector{selectErr: domain.ErrNoActiveProvider}, nil)

	if err := d.Dispatch(context.Background(), "ntf_1"); err != nil {
		t.Fatalf("expected nil (no retry), got %v", err)
	}
	if st.statuses["ntf_1"] != domain.StatusTechnicalFailure {
		t.Fatalf("status = %s, want technical-failure", st.statuses["ntf_1"])
	}
}

func TestDispatchSuccessRecordsBillableUnits(t *testing.T) {
	st := newFakeStore()
	n := smsNotification("ntf_1")
	n.Body = string(make([]byte, 200)) // two fragments
	st.notifications[n.ID] = n
	st.services["svc-1"] = domain.Service{ID: "svc-1", Active: true}

	client := &sendClient{id: "twilio", channel: domain.ChannelSMS}
	d := NewDispatcher(st, &fakeSelector{client: client}, nil)

	if err := d.Dispatch(context.Background(), "ntf_1"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(st.claims) != 1 || st.claims[0] != "ntf_1|ntf_1" {
		t.Fatalf("claims = %v, want sms claim with own id as reference", st.claims)
	}
	if len(st.sent) != 1 {
		t.Fatalf("sent = %v", st.sent)
	}
	got := st.sent[0]
	if got.SentBy != "twilio" || got.Reference != "ntf_1" || got.BillableUnits != 2 || got.Status != domain.StatusSending {
		t.Fatalf("sent update = %+v", got)
	}
}

func TestDispatchNormalizesRecipientFallback(t *testing.T) {
	st := newFakeStore()
	n := smsNotification("ntf_1")
	n.NormalisedTo = ""
	st.notifications[n.ID] = n
	st.services["svc-1"] = domain.Service{ID: "svc-1", Active: true}

	var sentTo string
	client := &sendClient{
		id:      "twilio",
		channel: domain.ChannelSMS,
		sendFn: func(ctx context.Context, in provider.SendInput) (provider.SendResult, error) {
			sentTo = in.To
			return provider.SendResult{Reference: in.Reference, Status: domain.StatusSending}, nil
		},
	}
	d := NewDispatcher(st, &fakeSelector{client: client}, nil)
	d.LocalPhonePrefix = "+61"

	if err := d.Dispatch(context.Background(), "ntf_1"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if sentTo != "+61400123123" {
		t.Fatalf("sent to %q, want normalized +61400123123", sentTo)
	}
}

func TestDispatchInternationalSMSIsTerminal(t *testing.T) {
	st := newFakeStore()
	n := smsNotification("ntf_1")
	n.International = true
	st.notifications[n.ID] = n
	st.services["svc-1"] = domain.Service{ID: "svc-1", Active: true}

	client := &sendClient{id: "twilio", channel: domain.ChannelSMS}
	d := NewDispatcher(st, &fakeSelector{client: client}, nil)

	if err := d.Dispatch(context.Background(), "ntf_1"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if st.sent[0].Status != domain.StatusSent {
		t.Fatalf("status = %s, want sent (no receipt follows)", st.sent[0].Status)
	}
}

func TestDispatchProviderErrorDisablesAndReleases(t *testing.T) {
	st := newFakeStore()
	st.notifications["ntf_1"] = smsNotification("ntf_1")
	st.services["svc-1"] = domain.Service{ID: "svc-1", Active: true}

	sendErr := errors.New("twilio 500")
	client := &sendClient{
		id:      "twilio",
		channel: domain.ChannelSMS,
		sendFn: func(ctx context.Context, in provider.SendInput) (provider.SendResult, error) {
			return provider.SendResult{}, sendErr
		},
	}
	sel := &fakeSelector{client: client}
	d := NewDispatcher(st, sel, nil)

	err := d.Dispatch(context.Background(), "ntf_1")
	if !errors.Is(err, sendErr) {
		t.Fatalf("expected send error to propagate for redrive, got %v", err)
	}
	if len(sel.disabled) != 1 || sel.disabled[0] != "twilio" {
		t.Fatalf("disabled = %v, want [twilio]", sel.disabled)
	}
	if len(st.released) != 1 || st.released[0] != "ntf_1" {
		t.Fatalf("released = %v, want [ntf_1]", st.released)
	}
	if len(st.sent) != 0 {
		t.Fatalf("expected no sent update on failure")
	}
}

func TestDispatchFailedSendDoesNotRollBackSettledStatus(t *testing.T) {
	st := newFakeStore()
	st.notifications["ntf_1"] = smsNotification("ntf_1")
	st.services["svc-1"] = domain.Service{ID: "svc-1", Active: true}

	// The SMS reference is visible from claim time, so a delivery receipt
	// can settle the row while the send's HTTP call is still timing out.
	client := &sendClient{
		id:      "twilio",
		channel: domain.ChannelSMS,
		sendFn: func(ctx context.Context, in provider.SendInput) (provider.SendResult, error) {
			st.statuses["ntf_1"] = domain.StatusDelivered
			return provider.SendResult{}, errors.New("timeout awaiting response")
		},
	}
	d := NewDispatcher(st, &fakeSelector{client: client}, nil)

	if err := d.Dispatch(context.Background(), "ntf_1"); err != nil {
		t.Fatalf("expected nil (no redrive for a settled notification), got %v", err)
	}
	if st.statuses["ntf_1"] != domain.StatusDelivered {
		t.Fatalf("status = %s, want delivered to stand", st.statuses["ntf_1"])
	}
	if len(st.released) != 0 {
		t.Fatalf("released = %v, want none", st.released)
	}
}

func TestDispatchLostClaimIsNoOp(t *testing.T) {
	st := newFakeStore()
	st.notifications["ntf_1"] = smsNotification("ntf_1")
	st.services["svc-1"] = domain.Service{ID: "svc-1", Active: true}
	st.claimOK = false

	client := &sendClient{id: "twilio", channel: domain.ChannelSMS}
	d := NewDispatcher(st, &fakeSelector{client: client}, nil)

	if err := d.Dispatch(context.Background(), "ntf_1"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if client.sends != 0 {
		t.Fatalf("expected no provider call after losing the claim")
	}
}

func TestDispatchTestKeySimulates(t *testing.T) {
	st := newFakeStore()
	n := smsNotification("ntf_1")
	n.KeyType = domain.KeyTypeTest
	n.Body = string(make([]byte, 500))
	st.notifications[n.ID] = n
	st.services["svc-1"] = domain.Service{ID: "svc-1", Active: true}

	client := &sendClient{id: "twilio", channel: domain.ChannelSMS}
	sink := &fakeSink{}
	d := NewDispatcher(st, &fakeSelector{client: client}, NewSimulator(sink))

	if err := d.Dispatch(context.Background(), "ntf_1"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if client.sends != 0 {
		t.Fatalf("test key must not reach the real provider")
	}
	if len(st.sent) != 1 || st.sent[0].BillableUnits != 0 {
		t.Fatalf("sent = %+v, want zero billable units", st.sent)
	}
	if len(sink.calls) != 1 || sink.calls[0] != "twilio" {
		t.Fatalf("sink calls = %v, want one twilio receipt", sink.calls)
	}
}

func TestDispatchResearchModeSimulates(t *testing.T) {
	st := newFakeStore()
	st.notifications["ntf_1"] = smsNotification("ntf_1")
	st.services["svc-1"] = domain.Service{ID: "svc-1", Active: true, ResearchMode: true}

	client := &sendClient{id: "twilio", channel: domain.ChannelSMS}
	sink := &fakeSink{}
	d := NewDispatcher(st, &fakeSelector{client: client}, NewSimulator(sink))

	if err := d.Dispatch(context.Background(), "ntf_1"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if client.sends != 0 || len(sink.calls) != 1 {
		t.Fatalf("sends=%d sink=%v, want simulated only", client.sends, sink.calls)
	}
}

func TestDispatchSimulationFailureReleasesClaim(t *testing.T) {
	st := newFakeStore()
	n := smsNotification("ntf_1")
	n.KeyType = domain.KeyTypeTest
	st.notifications[n.ID] = n
	st.services["svc-1"] = domain.Service{ID: "svc-1", Active: true}

	client := &sendClient{id: "twilio", channel: domain.ChannelSMS}
	sinkErr := errors.New("db down")
	d := NewDispatcher(st, &fakeSelector{client: client}, NewSimulator(&fakeSink{err: sinkErr}))

	err := d.Dispatch(context.Background(), "ntf_1")
	if !errors.Is(err, sinkErr) {
		t.Fatalf("expected simulation error to propagate, got %v", err)
	}
	if len(st.released) != 1 || st.released[0] != "ntf_1" {
		t.Fatalf("released = %v, want [ntf_1]", st.released)
	}
}

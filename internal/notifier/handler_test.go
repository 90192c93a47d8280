package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/joao-fontenele/order-notifications/internal/domain"
)

type recordingSender struct {
	userIDs  []int64
	messages []string
	failures int
	err      error
}

func (s *recordingSender) Send(_ context.Context, userID int64, message string) error {
	if s.failures > 0 {
		s.failures--
		return s.err
	}
	s.userIDs = append(s.userIDs, userID)
	s.messages = append(s.messages, message)
	return nil
}

func newTestHandler(t *testing.T, email, sms Sender) *Handler {
	t.Helper()
	h, err := NewHandler(email, sms, slog.Default(),
		WithRetryInterval(time.Millisecond, 5*time.Millisecond))
	if err != nil {
		t.Fatalf("failed to create handler: %v", err)
	}
	return h
}

func eventPayload(t *testing.T, event domain.OrderCreatedEvent) []byte {
	t.Helper()
	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("failed to marshal event: %v", err)
	}
	return data
}

func TestHandleDispatchesEmailAndSMS(t *testing.T) {
	email := &recordingSender{}
	sms := &recordingSender{}
	handler := newTestHandler(t, email, sms)

	event := domain.OrderCreatedEvent{
		OrderID:     7,
		UserID:      42,
		OrderNumber: "ORD-0b38b4a2-2a14-4c7b-9d52-5a1fd84d7a11",
		Status:      domain.OrderStatusCreated,
		CreatedAt:   time.Now().UTC(),
	}

	if err := handler.Handle(context.Background(), eventPayload(t, event)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	for name, sender := range map[string]*recordingSender{"email": email, "sms": sms} {
		if len(sender.userIDs) != 1 || sender.userIDs[0] != 42 {
			t.Fatalf("%s: expected one send to user 42, got %v", name, sender.userIDs)
		}
		want := "Your order ORD-0b38b4a2-2a14-4c7b-9d52-5a1fd84d7a11 has been created! Order ID: 7"
		if sender.messages[0] != want {
			t.Fatalf("%s: unexpected message %q", name, sender.messages[0])
		}
	}
}

func TestHandleDropsMalformedPayload(t *testing.T) {
	email := &recordingSender{}
	sms := &recordingSender{}
	handler := newTestHandler(t, email, sms)

	if err := handler.Handle(context.Background(), []byte("{not json")); err != nil {
		t.Fatalf("malformed payload must not fail the consumer, got %v", err)
	}
	if len(email.userIDs) != 0 || len(sms.userIDs) != 0 {
		t.Fatal("no notifications expected for a malformed payload")
	}
}

func TestHandleDropsInvalidUserID(t *testing.T) {
	email := &recordingSender{}
	sms := &recordingSender{}
	handler := newTestHandler(t, email, sms)

	event := domain.OrderCreatedEvent{OrderID: 7, UserID: 0, OrderNumber: "ORD-x"}

	if err := handler.Handle(context.Background(), eventPayload(t, event)); err != nil {
		t.Fatalf("invalid event must not fail the consumer, got %v", err)
	}
	if len(email.userIDs) != 0 || len(sms.userIDs) != 0 {
		t.Fatal("no notifications expected for an invalid user id")
	}
}

func TestHandleRetriesSends(t *testing.T) {
	email := &recordingSender{failures: 2, err: errors.New("smtp relay down")}
	sms := &recordingSender{}
	handler := newTestHandler(t, email, sms)

	event := domain.OrderCreatedEvent{OrderID: 7, UserID: 42, OrderNumber: "ORD-y"}

	if err := handler.Handle(context.Background(), eventPayload(t, event)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(email.userIDs) != 1 {
		t.Fatalf("expected the retried email send to succeed, got %v", email.userIDs)
	}
}

func TestHandleSendFailureDoesNotStopConsumer(t *testing.T) {
	email := &recordingSender{failures: 3, err: errors.New("smtp relay down")}
	sms := &recordingSender{}
	handler := newTestHandler(t, email, sms)

	event := domain.OrderCreatedEvent{OrderID: 7, UserID: 42, OrderNumber: "ORD-z"}

	if err := handler.Handle(context.Background(), eventPayload(t, event)); err != nil {
		t.Fatalf("exhausted retries must not fail the consumer, got %v", err)
	}
	// SMS still goes out even when email delivery is down.
	if len(sms.userIDs) != 1 {
		t.Fatalf("expected sms send despite email failure, got %v", sms.userIDs)
	}
}

func TestEmailSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/send" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender := NewEmailSender(srv.URL, srv.Client())
	if err := sender.Send(context.Background(), 42, "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}

	if got["to"] != "user-42@example.com" {
		t.Fatalf("unexpected recipient %q", got["to"])
	}
	if !strings.Contains(got["body"], "hello") {
		t.Fatalf("unexpected body %q", got["body"])
	}
}

func TestEmailSenderNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sender := NewEmailSender(srv.URL, srv.Client())
	if err := sender.Send(context.Background(), 42, "hello"); err == nil {
		t.Fatal("expected error for non-OK status")
	}
}

package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/joao-fontenele/order-notifications/internal/domain"
)

type stubService struct {
	order  *domain.Order
	orders []domain.Order
	err    error

	createCalls int
}

func (s *stubService) CreateOrder(_ context.Context, userID int64, idempotencyKey string) (*domain.Order, error) {
	s.createCalls++
	if userID <= 0 || strings.TrimSpace(idempotencyKey) == "" {
		return nil, fmt.Errorf("%w: bad request", ErrInvalidArgument)
	}
	return s.order, s.err
}

func (s *stubService) GetOrder(context.Context, int64) (*domain.Order, error) {
	return s.order, s.err
}

func (s *stubService) GetOrderByNumber(context.Context, string) (*domain.Order, error) {
	return s.order, s.err
}

func (s *stubService) ListOrders(context.Context, int64) ([]domain.Order, error) {
	return s.orders, s.err
}

func (s *stubService) UpdateStatus(context.Context, int64, domain.OrderStatus) (*domain.Order, error) {
	return s.order, s.err
}

func testOrder() *domain.Order {
	return &domain.Order{
		ID:          7,
		UserID:      42,
		OrderNumber: "ORD-0b38b4a2-2a14-4c7b-9d52-5a1fd84d7a11",
		Status:      domain.OrderStatusCreated,
		CreatedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		UpdatedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestHandleCreateReturnsCreated(t *testing.T) {
	handler := NewHandler(&stubService{order: testOrder()}, slog.Default())

	req := httptest.NewRequest(http.MethodPost, "/orders",
		strings.NewReader(`{"user_id": 42, "idempotency_key": "key-A"}`))
	rec := httptest.NewRecorder()

	handler.HandleCreate(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status %d, got %d: %s", http.StatusCreated, rec.Code, rec.Body.String())
	}

	var resp orderResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.ID != 7 || resp.UserID != 42 || resp.Status != domain.OrderStatusCreated {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestHandleCreateRejectsInvalidBody(t *testing.T) {
	svc := &stubService{order: testOrder()}
	handler := NewHandler(svc, slog.Default())

	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(`{`))
	rec := httptest.NewRecorder()

	handler.HandleCreate(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
	if svc.createCalls != 0 {
		t.Fatal("service must not be called for a malformed body")
	}
}

func TestHandleCreateRejectsInvalidArgument(t *testing.T) {
	handler := NewHandler(&stubService{}, slog.Default())

	req := httptest.NewRequest(http.MethodPost, "/orders",
		strings.NewReader(`{"user_id": 0, "idempotency_key": "key-A"}`))
	rec := httptest.NewRecorder()

	handler.HandleCreate(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestHandleCreateMapsCreationFailure(t *testing.T) {
	svc := &stubService{err: fmt.Errorf("%w: insert order: connection reset", ErrCreationFailed)}
	handler := NewHandler(svc, slog.Default())

	req := httptest.NewRequest(http.MethodPost, "/orders",
		strings.NewReader(`{"user_id": 42, "idempotency_key": "key-A"}`))
	rec := httptest.NewRecorder()

	handler.HandleCreate(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}
}

func TestHandleGetNotFound(t *testing.T) {
	handler := NewHandler(&stubService{}, slog.Default())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /orders/{id}", handler.HandleGet)

	req := httptest.NewRequest(http.MethodGet, "/orders/99", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
	}
}

func TestHandleGetInvalidID(t *testing.T) {
	handler := NewHandler(&stubService{order: testOrder()}, slog.Default())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /orders/{id}", handler.HandleGet)

	req := httptest.NewRequest(http.MethodGet, "/orders/not-a-number", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestHandleListRequiresUserID(t *testing.T) {
	handler := NewHandler(&stubService{}, slog.Default())

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	rec := httptest.NewRecorder()

	handler.HandleList(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestHandleUpdateStatus(t *testing.T) {
	order := testOrder()
	order.Status = domain.OrderStatusShipped
	handler := NewHandler(&stubService{order: order}, slog.Default())

	mux := http.NewServeMux()
	mux.HandleFunc("PATCH /orders/{id}/status", handler.HandleUpdateStatus)

	req := httptest.NewRequest(http.MethodPatch, "/orders/7/status",
		strings.NewReader(`{"status": "SHIPPED"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
	}

	var got domain.Order
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if got.Status != domain.OrderStatusShipped {
		t.Fatalf("expected status SHIPPED, got %s", got.Status)
	}
}

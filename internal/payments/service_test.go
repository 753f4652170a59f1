package payments

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	apperrors "github.com/paygate/idempotency-gateway/pkg/errors"
	"github.com/paygate/idempotency-gateway/pkg/logger"
)

func newTestService() (*Service, *SandboxProvider) {
	provider := NewSandboxProvider()
	return NewService(provider, logger.New("test", nil)), provider
}

func TestCreatePaymentCaptures(t *testing.T) {
	svc, provider := newTestService()

	payment, err := svc.CreatePayment(context.Background(), "key-1", CreatePaymentRequest{
		Amount:   1000,
		Currency: "USD",
		Merchant: "m-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payment.Status != "CAPTURED" {
		t.Fatalf("unexpected status: %s", payment.Status)
	}
	if _, ok := provider.Captured("key-1"); !ok {
		t.Fatal("provider must track the effect by key")
	}
}

func TestCreatePaymentValidation(t *testing.T) {
	svc, _ := newTestService()

	cases := []struct {
		name string
		req  CreatePaymentRequest
	}{
		{"zero amount", CreatePaymentRequest{Currency: "USD", Merchant: "m-1"}},
		{"bad currency", CreatePaymentRequest{Amount: 100, Currency: "XXX", Merchant: "m-1"}},
		{"missing merchant", CreatePaymentRequest{Amount: 100, Currency: "USD"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreatePayment(context.Background(), "key-1", tc.req)
			var appErr *apperrors.Error
			if !errors.As(err, &appErr) || appErr.Code != apperrors.CodeInvalidRequest {
				t.Fatalf("expected invalid request, got %v", err)
			}
		})
	}
}

func TestCreatePaymentDeclinedOverThreshold(t *testing.T) {
	svc, provider := newTestService()

	_, err := svc.CreatePayment(context.Background(), "key-1", CreatePaymentRequest{
		Amount:   declineThreshold + 1,
		Currency: "USD",
		Merchant: "m-1",
	})
	var appErr *apperrors.Error
	if !errors.As(err, &appErr) || appErr.Code != apperrors.CodeInsufficientFunds {
		t.Fatalf("expected decline, got %v", err)
	}
	if appErr.HTTPStatus() < 400 || appErr.HTTPStatus() > 499 {
		t.Fatalf("decline must map to a 4xx, got %d", appErr.HTTPStatus())
	}
	if _, ok := provider.Captured("key-1"); ok {
		t.Fatal("declined payment must not be captured")
	}
}

func TestCreatePaymentProviderOutage(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.CreatePayment(context.Background(), "key-1", CreatePaymentRequest{
		Amount:   outageAmount,
		Currency: "USD",
		Merchant: "m-1",
	})
	var appErr *apperrors.Error
	if !errors.As(err, &appErr) || appErr.Code != apperrors.CodeUpstreamFailure {
		t.Fatalf("expected upstream failure, got %v", err)
	}
	if appErr.HTTPStatus() < 500 {
		t.Fatalf("outage must map to a 5xx, got %d", appErr.HTTPStatus())
	}
}

func TestReverseIsRepeatable(t *testing.T) {
	svc, provider := newTestService()

	if _, err := svc.CreatePayment(context.Background(), "key-1", CreatePaymentRequest{
		Amount: 1000, Currency: "USD", Merchant: "m-1",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	handler := NewPaymentReversal(provider, logger.New("test", nil))
	for i := 0; i < 3; i++ {
		if err := handler.Handle(context.Background(), "key-1"); err != nil {
			t.Fatalf("reversal %d: %v", i+1, err)
		}
	}
	if _, ok := provider.Captured("key-1"); ok {
		t.Fatal("effect must be gone after reversal")
	}
}

func TestHandlerCreatePayment(t *testing.T) {
	svc, _ := newTestService()
	mux := http.NewServeMux()
	NewHandler(svc, logger.New("test", nil)).Register(mux)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments",
		strings.NewReader(`{"amount":1000,"currency":"USD","merchant":"m-1"}`))
	req.Header.Set(headerRequestID, "key-1")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var payment Payment
	if err := json.Unmarshal(rr.Body.Bytes(), &payment); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if payment.PaymentID == "" {
		t.Fatal("expected a payment id")
	}
}

func TestHandlerRejectsNonPost(t *testing.T) {
	svc, _ := newTestService()
	mux := http.NewServeMux()
	NewHandler(svc, logger.New("test", nil)).Register(mux)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/payments", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

// Package payments is the gateway's protected downstream: a payment
// service whose side effects the idempotency protocol guards, plus the
// compensation handlers that undo them.
package payments

import (
	"context"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	apperrors "github.com/paygate/idempotency-gateway/pkg/errors"
	"github.com/paygate/idempotency-gateway/pkg/logger"
)

// CreatePaymentRequest is the inbound payment payload.
type CreatePaymentRequest struct {
	Amount    int64  `json:"amount" validate:"required,gt=0"`
	Currency  string `json:"currency" validate:"required,oneof=USD EUR GBP"`
	Merchant  string `json:"merchant" validate:"required"`
	Reference string `json:"reference" validate:"omitempty,max=128"`
}

// CreateRefundRequest asks for a (partial) refund of a captured payment.
type CreateRefundRequest struct {
	PaymentID string `json:"paymentId" validate:"required,uuid4"`
	Amount    int64  `json:"amount" validate:"required,gt=0"`
}

// Payment is the captured side effect.
type Payment struct {
	PaymentID string `json:"paymentId"`
	Status    string `json:"status"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
}

// Refund mirrors Payment for the refund flow.
type Refund struct {
	RefundID  string `json:"refundId"`
	PaymentID string `json:"paymentId"`
	Status    string `json:"status"`
	Amount    int64  `json:"amount"`
}

// Provider is the acquiring side: it applies and reverses monetary effects.
// Reverse is keyed by the idempotency key under which the effect was made,
// so compensation needs no access to the captured response.
type Provider interface {
	Authorize(ctx context.Context, key string, req CreatePaymentRequest) (*Payment, error)
	Refund(ctx context.Context, key string, req CreateRefundRequest) (*Refund, error)
	Reverse(ctx context.Context, key string) error
}

// Service validates requests and drives the provider.
type Service struct {
	provider Provider
	validate *validatorv10.Validate
	log      *logger.Logger
}

func NewService(provider Provider, log *logger.Logger) *Service {
	return &Service{
		provider: provider,
		validate: validatorv10.New(),
		log:      log,
	}
}

func (s *Service) CreatePayment(ctx context.Context, key string, req CreatePaymentRequest) (*Payment, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, apperrors.Newf(apperrors.CodeInvalidRequest, "invalid payment request: %v", err)
	}
	payment, err := s.provider.Authorize(ctx, key, req)
	if err != nil {
		return nil, err
	}
	s.log.WithContext(ctx).Infof("payment authorized", map[string]interface{}{
		"payment_id": payment.PaymentID,
		"amount":     payment.Amount,
		"currency":   payment.Currency,
	})
	return payment, nil
}

func (s *Service) CreateRefund(ctx context.Context, key string, req CreateRefundRequest) (*Refund, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, apperrors.Newf(apperrors.CodeInvalidRequest, "invalid refund request: %v", err)
	}
	refund, err := s.provider.Refund(ctx, key, req)
	if err != nil {
		return nil, err
	}
	s.log.WithContext(ctx).Infof("refund issued", map[string]interface{}{
		"refund_id":  refund.RefundID,
		"payment_id": refund.PaymentID,
	})
	return refund, nil
}

func newID() string { return uuid.NewString() }

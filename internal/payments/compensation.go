package payments

import (
	"context"

	"github.com/paygate/idempotency-gateway/internal/record"
	"github.com/paygate/idempotency-gateway/pkg/logger"
)

// PaymentReversal undoes a payment that ended in a client error: whatever
// the provider captured under the idempotency key is reversed.
type PaymentReversal struct {
	provider Provider
	log      *logger.Logger
}

func NewPaymentReversal(provider Provider, log *logger.Logger) *PaymentReversal {
	return &PaymentReversal{provider: provider, log: log}
}

func (h *PaymentReversal) SupportedAction() record.Action { return record.ActionPayment }

func (h *PaymentReversal) Handle(ctx context.Context, key string) error {
	if err := h.provider.Reverse(ctx, key); err != nil {
		return err
	}
	h.log.Infof("payment reversed", map[string]interface{}{
		"idempotency_key": key,
	})
	return nil
}

// RefundReversal is the compensating action for failed refunds.
type RefundReversal struct {
	provider Provider
	log      *logger.Logger
}

func NewRefundReversal(provider Provider, log *logger.Logger) *RefundReversal {
	return &RefundReversal{provider: provider, log: log}
}

func (h *RefundReversal) SupportedAction() record.Action { return record.ActionRefund }

func (h *RefundReversal) Handle(ctx context.Context, key string) error {
	if err := h.provider.Reverse(ctx, key); err != nil {
		return err
	}
	h.log.Infof("refund reversed", map[string]interface{}{
		"idempotency_key": key,
	})
	return nil
}

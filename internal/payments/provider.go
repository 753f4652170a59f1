package payments

import (
	"context"
	"sync"

	apperrors "github.com/paygate/idempotency-gateway/pkg/errors"
)

// Declines and outages are driven by the amount so integration tests and
// demos can provoke every branch of the state machine deterministically.
const (
	declineThreshold = 1_000_000 // minor units; larger amounts are declined
	outageAmount     = 503_00    // exactly this amount simulates a provider outage
)

// SandboxProvider is an in-memory acquirer. Effects are tracked per
// idempotency key so Reverse can undo them without the original payload.
type SandboxProvider struct {
	mu       sync.Mutex
	payments map[string]*Payment
	refunds  map[string]*Refund
	reversed map[string]bool
}

func NewSandboxProvider() *SandboxProvider {
	return &SandboxProvider{
		payments: make(map[string]*Payment),
		refunds:  make(map[string]*Refund),
		reversed: make(map[string]bool),
	}
}

func (p *SandboxProvider) Authorize(ctx context.Context, key string, req CreatePaymentRequest) (*Payment, error) {
	if req.Amount == outageAmount {
		return nil, apperrors.New(apperrors.CodeUpstreamFailure, "acquirer unavailable")
	}
	if req.Amount > declineThreshold {
		return nil, apperrors.Newf(apperrors.CodeInsufficientFunds,
			"amount %d exceeds available funds", req.Amount)
	}

	payment := &Payment{
		PaymentID: newID(),
		Status:    "CAPTURED",
		Amount:    req.Amount,
		Currency:  req.Currency,
	}
	p.mu.Lock()
	p.payments[key] = payment
	p.mu.Unlock()
	return payment, nil
}

func (p *SandboxProvider) Refund(ctx context.Context, key string, req CreateRefundRequest) (*Refund, error) {
	if req.Amount == outageAmount {
		return nil, apperrors.New(apperrors.CodeUpstreamFailure, "acquirer unavailable")
	}

	refund := &Refund{
		RefundID:  newID(),
		PaymentID: req.PaymentID,
		Status:    "REFUNDED",
		Amount:    req.Amount,
	}
	p.mu.Lock()
	p.refunds[key] = refund
	p.mu.Unlock()
	return refund, nil
}

// Reverse undoes whatever effect was recorded under key. Reversing a key
// with no recorded effect, or one already reversed, is a no-op: the
// compensation contract requires it to be safe to invoke more than once.
func (p *SandboxProvider) Reverse(ctx context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reversed[key] {
		return nil
	}
	p.reversed[key] = true
	delete(p.payments, key)
	delete(p.refunds, key)
	return nil
}

// Captured reports the payment recorded under key, if any. Test hook.
func (p *SandboxProvider) Captured(key string) (*Payment, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	payment, ok := p.payments[key]
	return payment, ok
}

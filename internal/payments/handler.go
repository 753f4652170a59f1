package payments

import (
	"encoding/json"
	"errors"
	"net/http"

	apperrors "github.com/paygate/idempotency-gateway/pkg/errors"
	"github.com/paygate/idempotency-gateway/pkg/logger"
)

const headerRequestID = "X-Request-Id"

// Handler exposes the payment endpoints the gateway protects.
type Handler struct {
	svc *Service
	log *logger.Logger
}

func NewHandler(svc *Service, log *logger.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

// Register mounts the payment routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/payments", h.createPayment)
	mux.HandleFunc("/api/v1/refunds", h.createRefund)
}

func (h *Handler) createPayment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req CreatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.New(apperrors.CodeInvalidRequest, "invalid request body"))
		return
	}

	payment, err := h.svc.CreatePayment(r.Context(), r.Header.Get(headerRequestID), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, payment)
}

func (h *Handler) createRefund(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req CreateRefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.New(apperrors.CodeInvalidRequest, "invalid request body"))
		return
	}

	refund, err := h.svc.CreateRefund(r.Context(), r.Header.Get(headerRequestID), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, refund)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var appErr *apperrors.Error
	if !errors.As(err, &appErr) {
		appErr = apperrors.New(apperrors.CodeInternal, "internal error")
	}
	writeJSON(w, appErr.HTTPStatus(), appErr)
}

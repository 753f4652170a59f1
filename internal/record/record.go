// Package record holds the idempotency record model shared by the store,
// coordinator, reaper and dispatcher.
package record

import (
	"net/http"
	"time"
)

// Status of an idempotency record. Transitions are driven exclusively by the
// coordinator, the reaper and the dispatcher; see the state table in
// ClassifyStatus and the repository.
type Status string

const (
	StatusInProgress          Status = "IN_PROGRESS"
	StatusUndefined           Status = "UNDEFINED"
	StatusSuccess             Status = "SUCCESS"
	StatusFailure             Status = "FAILURE"
	StatusPendingCompensation Status = "PENDING_COMPENSATION"
	StatusInCompensation      Status = "IN_COMPENSATION"
)

// Action identifies the kind of side effect a record guards. The set is
// open: services register their own actions at startup.
type Action string

const (
	ActionPayment Action = "PAYMENT"
	ActionRefund  Action = "REFUND"
)

// IdempotencyRecord is one row of idempotency_records, one per distinct key.
type IdempotencyRecord struct {
	Key           string
	CorrelationID string
	Action        Action
	Status        Status
	// Version is an optimistic conflict token, incremented by the store on
	// every mutation. A write that does not observe the current version is
	// rejected so a superseded attempt cannot clobber a fresher one.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
	// ExpiresAt is the retention horizon; past it the record may be purged.
	ExpiresAt time.Time
	// LockDeadline is the instant past which an IN_PROGRESS record counts
	// as abandoned and may be reclaimed.
	LockDeadline time.Time

	RequestHash     string
	ResponseCode    int
	ResponseBody    []byte
	ResponseHeaders http.Header

	// CompensationAttempts counts failed compensation runs so the
	// dispatcher can bound its retries.
	CompensationAttempts int
}

// HasResponse reports whether a captured response can be replayed.
func (r *IdempotencyRecord) HasResponse() bool {
	switch r.Status {
	case StatusSuccess, StatusFailure, StatusPendingCompensation, StatusInCompensation:
		return true
	default:
		return false
	}
}

// ClassifyStatus derives the record status from the response code of a
// completed attempt:
//
//	2xx -> SUCCESS
//	4xx -> PENDING_COMPENSATION   (effect may have partially applied)
//	else -> UNDEFINED             (outcome indeterminate, retryable)
func ClassifyStatus(responseCode int) Status {
	switch {
	case responseCode >= 200 && responseCode < 300:
		return StatusSuccess
	case responseCode >= 400 && responseCode < 500:
		return StatusPendingCompensation
	default:
		return StatusUndefined
	}
}

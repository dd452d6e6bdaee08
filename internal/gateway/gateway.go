package gateway

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable covers transport failures: the gateway could not be
	// reached or timed out, the operation may be retried.
	ErrUnavailable = errors.New("payment gateway unavailable")
	// ErrRejected covers well-formed non-2xx gateway responses; the raw
	// status payload is attached by wrapping for diagnostics.
	ErrRejected = errors.New("payment gateway rejected request")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusCanceled  Status = "canceled"
	StatusUnknown   Status = "unknown"
)

type Payment struct {
	ID              string
	ConfirmationURL string
	Status          Status
}

// Gateway abstracts the remote payment provider.
type Gateway interface {
	// CreatePayment registers a payment and returns its id and the URL the
	// buyer follows to pay. Implementations attach a fresh idempotency
	// token per call so a network retry can never double-charge.
	CreatePayment(ctx context.Context, amountMinor int64, currency, description string) (Payment, error)
	// CheckStatus is a pure read, safe to call any number of times.
	CheckStatus(ctx context.Context, paymentID string) (Status, error)
	// CancelPayment is best effort; a false result is reported, not retried.
	CancelPayment(ctx context.Context, paymentID string) (bool, error)
}

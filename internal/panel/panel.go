package panel

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable covers transport failures talking to the panel.
	ErrUnavailable = errors.New("vpn panel unavailable")
	// ErrRejected covers well-formed panel failures, e.g. exhausted quota
	// or a malformed identity.
	ErrRejected = errors.New("vpn panel rejected request")
)

// Panel provisions VPN access on a remote panel.
//
// CreateAccess is NOT idempotent: every call creates a fresh credential on
// the panel and consumes quota. Implementations generate a new internal
// client identifier and secret per call on purpose; the purchase workflow
// is responsible for calling it at most once per successful payment.
type Panel interface {
	CreateAccess(ctx context.Context, buyerID int64) (string, error)
}

package enums

type SessionState string

const (
	SessionStateCreated     SessionState = "created"
	SessionStatePending     SessionState = "pending"
	SessionStateSucceeded   SessionState = "succeeded"
	SessionStateProvisioned SessionState = "provisioned"
	SessionStateCanceled    SessionState = "canceled"
	SessionStateExpired     SessionState = "expired"
	SessionStateFailed      SessionState = "failed"
)

// Terminal reports whether the state is a sink: sessions never leave it.
func (s SessionState) Terminal() bool {
	switch s {
	case SessionStateProvisioned, SessionStateCanceled, SessionStateExpired, SessionStateFailed:
		return true
	default:
		return false
	}
}

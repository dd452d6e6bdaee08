package registry

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ivankudzin/vpnshop/internal/domain/enums"
	"github.com/ivankudzin/vpnshop/internal/domain/model"
)

var (
	ErrValidation         = errors.New("validation error")
	ErrDuplicateSession   = errors.New("session already exists for payment id")
	ErrConcurrentPurchase = errors.New("buyer already has an active purchase session")
	ErrSessionNotFound    = errors.New("purchase session not found")
	ErrStateConflict      = errors.New("session is not in the expected state")
)

// Registry is the in-memory store of in-flight purchase sessions.
//
// It is the only shared mutable state of the purchase workflow. All
// operations are read-modify-write over the maps under one mutex and never
// perform I/O, so the critical sections stay short; state transitions are
// compare-and-swap, which gives a total order of transitions per payment id
// without holding any lock across adapter calls.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]model.PurchaseSession
	byBuyer  map[int64]string

	now func() time.Time
}

func New() *Registry {
	return &Registry{
		sessions: make(map[string]model.PurchaseSession),
		byBuyer:  make(map[int64]string),
		now:      time.Now,
	}
}

// Create registers a new session in the CREATED state. A buyer may hold at
// most one non-terminal session at a time; the secondary buyer index is
// updated atomically with the session map.
func (r *Registry) Create(paymentID string, buyerID, chatID int64) (model.PurchaseSession, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" || buyerID <= 0 {
		return model.PurchaseSession{}, ErrValidation
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[paymentID]; exists {
		return model.PurchaseSession{}, ErrDuplicateSession
	}
	if activeID, exists := r.byBuyer[buyerID]; exists {
		if active, ok := r.sessions[activeID]; ok && !active.State.Terminal() {
			return model.PurchaseSession{}, ErrConcurrentPurchase
		}
	}

	now := r.now().UTC()
	session := model.PurchaseSession{
		PaymentID: paymentID,
		BuyerID:   buyerID,
		ChatID:    chatID,
		State:     enums.SessionStateCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.sessions[paymentID] = session
	r.byBuyer[buyerID] = paymentID

	return session, nil
}

func (r *Registry) Get(paymentID string) (model.PurchaseSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[strings.TrimSpace(paymentID)]
	if !ok {
		return model.PurchaseSession{}, ErrSessionNotFound
	}
	return session, nil
}

// ActiveForBuyer returns the buyer's current non-terminal session, if any.
func (r *Registry) ActiveForBuyer(buyerID int64) (model.PurchaseSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	paymentID, ok := r.byBuyer[buyerID]
	if !ok {
		return model.PurchaseSession{}, false
	}
	session, ok := r.sessions[paymentID]
	if !ok || session.State.Terminal() {
		return model.PurchaseSession{}, false
	}
	return session, true
}

// Transition moves a session from the expected state to the next one.
// It fails with ErrStateConflict when the session is not currently in the
// expected state, which is how a stale check racing a cancellation or a
// duplicate "succeeded" observation loses the race. Reaching a terminal
// state releases the buyer index in the same critical section.
func (r *Registry) Transition(paymentID string, from, to enums.SessionState) (model.PurchaseSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[strings.TrimSpace(paymentID)]
	if !ok {
		return model.PurchaseSession{}, ErrSessionNotFound
	}
	if session.State != from {
		return model.PurchaseSession{}, ErrStateConflict
	}

	session.State = to
	session.UpdatedAt = r.now().UTC()
	r.sessions[session.PaymentID] = session

	if to.Terminal() {
		r.releaseBuyerLocked(session)
	}

	return session, nil
}

// SweepExpired moves CREATED and PENDING sessions older than ttl to EXPIRED
// and returns them. Each eligible session is returned by exactly one sweep:
// once expired it is terminal and no longer eligible.
func (r *Registry) SweepExpired(ttl time.Duration) []model.PurchaseSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	cutoff := now.Add(-ttl)

	var expired []model.PurchaseSession
	for paymentID, session := range r.sessions {
		switch session.State {
		case enums.SessionStateCreated, enums.SessionStatePending:
		default:
			continue
		}
		if !session.CreatedAt.Before(cutoff) {
			continue
		}

		session.State = enums.SessionStateExpired
		session.UpdatedAt = now
		r.sessions[paymentID] = session
		r.releaseBuyerLocked(session)
		expired = append(expired, session)
	}

	return expired
}

// PurgeRetired drops terminal sessions older than the retention window and
// returns how many were removed. Terminal sessions are kept around for a
// while so a late "check payment" tap reports the final state instead of
// an unknown payment id.
func (r *Registry) PurgeRetired(retention time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().UTC().Add(-retention)

	purged := 0
	for paymentID, session := range r.sessions {
		if !session.State.Terminal() {
			continue
		}
		if !session.UpdatedAt.Before(cutoff) {
			continue
		}
		delete(r.sessions, paymentID)
		purged++
	}

	return purged
}

func (r *Registry) releaseBuyerLocked(session model.PurchaseSession) {
	if activeID, ok := r.byBuyer[session.BuyerID]; ok && activeID == session.PaymentID {
		delete(r.byBuyer, session.BuyerID)
	}
}

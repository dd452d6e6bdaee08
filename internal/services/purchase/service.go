package purchase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ivankudzin/vpnshop/internal/domain/enums"
	"github.com/ivankudzin/vpnshop/internal/domain/model"
	"github.com/ivankudzin/vpnshop/internal/gateway"
	"github.com/ivankudzin/vpnshop/internal/registry"
)

var (
	ErrValidation         = errors.New("validation error")
	ErrPurchaseInProgress = errors.New("buyer already has a purchase in progress")
	ErrUnknownPayment     = errors.New("unknown payment id")
	ErrSessionExpired     = errors.New("purchase session expired")
	ErrProvisioningFailed = errors.New("provisioning failed after successful payment")
	ErrCredentialNotFound = errors.New("credential not found")
)

type Gateway interface {
	CreatePayment(ctx context.Context, amountMinor int64, currency, description string) (gateway.Payment, error)
	CheckStatus(ctx context.Context, paymentID string) (gateway.Status, error)
	CancelPayment(ctx context.Context, paymentID string) (bool, error)
}

type Panel interface {
	CreateAccess(ctx context.Context, buyerID int64) (string, error)
}

type CredentialStore interface {
	Put(ctx context.Context, buyerID int64, accessLink string, issuedAt time.Time) error
	Get(ctx context.Context, buyerID int64) (model.Credential, error)
}

type Metrics interface {
	RecordPaymentCreated()
	RecordPaymentSucceeded()
	RecordPaymentCanceled()
	RecordKeyProvisioned()
	RecordProvisionFailed()
}

// Service drives a purchase session through its state machine. All shared
// state lives in the registry; the service itself keeps no session copies,
// so concurrent buyer actions serialize on the registry's CAS transitions
// and provisioning happens at most once per successful payment.
type Service struct {
	registry    *registry.Registry
	gateway     Gateway
	panel       Panel
	credentials CredentialStore
	metrics     Metrics

	amountMinor int64
	currency    string

	now    func() time.Time
	logger *zap.Logger
}

type Dependencies struct {
	Registry    *registry.Registry
	Gateway     Gateway
	Panel       Panel
	Credentials CredentialStore
	AmountMinor int64
	Currency    string
	Logger      *zap.Logger
}

type StartResult struct {
	PaymentID       string
	ConfirmationURL string
}

type CheckResult struct {
	State enums.SessionState
	// AccessLink is set when the session is provisioned: freshly created
	// or re-read from the credential store on a duplicate check.
	AccessLink string
}

type CancelResult struct {
	State           enums.SessionState
	GatewayCanceled bool
}

func NewService(deps Dependencies) (*Service, error) {
	if deps.Registry == nil || deps.Gateway == nil || deps.Panel == nil || deps.Credentials == nil {
		return nil, fmt.Errorf("purchase service dependencies are not configured")
	}
	if deps.AmountMinor <= 0 {
		return nil, fmt.Errorf("purchase amount must be positive")
	}

	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = "RUB"
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		registry:    deps.Registry,
		gateway:     deps.Gateway,
		panel:       deps.Panel,
		credentials: deps.Credentials,
		amountMinor: deps.AmountMinor,
		currency:    currency,
		now:         time.Now,
		logger:      logger,
	}, nil
}

func (s *Service) AttachMetrics(metrics Metrics) {
	s.metrics = metrics
}

// Start creates a payment at the gateway and registers a session for it.
// No session is registered unless the gateway returned a payment id, so a
// timed-out create leaves nothing behind. A buyer with an active session
// gets ErrPurchaseInProgress and the existing payment id.
func (s *Service) Start(ctx context.Context, buyerID, chatID int64) (StartResult, error) {
	if buyerID <= 0 {
		return StartResult{}, ErrValidation
	}

	if existing, ok := s.registry.ActiveForBuyer(buyerID); ok {
		return StartResult{PaymentID: existing.PaymentID}, ErrPurchaseInProgress
	}

	description := fmt.Sprintf("Оплата VPN ключа для пользователя %d", buyerID)
	payment, err := s.gateway.CreatePayment(ctx, s.amountMinor, s.currency, description)
	if err != nil {
		return StartResult{}, fmt.Errorf("create payment: %w", err)
	}

	if _, err := s.registry.Create(payment.ID, buyerID, chatID); err != nil {
		if errors.Is(err, registry.ErrConcurrentPurchase) {
			// Lost a race against another start by the same buyer: the
			// fresh payment has no session, cancel it best effort.
			if _, cancelErr := s.gateway.CancelPayment(ctx, payment.ID); cancelErr != nil {
				s.logger.Warn("cancel orphaned payment",
					zap.String("payment_id", payment.ID),
					zap.Error(cancelErr))
			}
			existing, _ := s.registry.ActiveForBuyer(buyerID)
			return StartResult{PaymentID: existing.PaymentID}, ErrPurchaseInProgress
		}
		return StartResult{}, err
	}

	if _, err := s.registry.Transition(payment.ID, enums.SessionStateCreated, enums.SessionStatePending); err != nil {
		s.logger.Warn("session left created state before pending transition",
			zap.String("payment_id", payment.ID),
			zap.Error(err))
	}

	if s.metrics != nil {
		s.metrics.RecordPaymentCreated()
	}
	s.logger.Info("purchase started",
		zap.Int64("buyer_id", buyerID),
		zap.String("payment_id", payment.ID))

	return StartResult{
		PaymentID:       payment.ID,
		ConfirmationURL: payment.ConfirmationURL,
	}, nil
}

// Check asks the gateway for the payment status and advances the session.
// The PENDING -> SUCCEEDED transition is a CAS: of any number of
// concurrent checks that observe a succeeded payment exactly one wins it
// and provisions; the rest re-read and report the current state without a
// second provisioning call.
func (s *Service) Check(ctx context.Context, paymentID string) (CheckResult, error) {
	session, err := s.registry.Get(paymentID)
	if err != nil {
		return CheckResult{}, ErrUnknownPayment
	}

	switch session.State {
	case enums.SessionStateExpired:
		return CheckResult{State: session.State}, ErrSessionExpired
	case enums.SessionStateCanceled, enums.SessionStateFailed:
		return CheckResult{State: session.State}, nil
	case enums.SessionStateSucceeded, enums.SessionStateProvisioned:
		return s.reportCurrent(ctx, session.PaymentID)
	case enums.SessionStateCreated:
		if moved, err := s.registry.Transition(session.PaymentID, enums.SessionStateCreated, enums.SessionStatePending); err == nil {
			session = moved
		} else {
			return s.reportCurrent(ctx, session.PaymentID)
		}
	}

	status, err := s.gateway.CheckStatus(ctx, session.PaymentID)
	if err != nil {
		// Transport failure leaves the session untouched, safe to retry.
		return CheckResult{State: session.State}, fmt.Errorf("check payment status: %w", err)
	}

	switch status {
	case gateway.StatusPending:
		return CheckResult{State: enums.SessionStatePending}, nil
	case gateway.StatusSucceeded:
		return s.provision(ctx, session)
	default:
		if _, err := s.registry.Transition(session.PaymentID, enums.SessionStatePending, enums.SessionStateFailed); err != nil {
			return s.reportCurrent(ctx, session.PaymentID)
		}
		s.logger.Info("payment did not complete",
			zap.String("payment_id", session.PaymentID),
			zap.String("gateway_status", string(status)))
		return CheckResult{State: enums.SessionStateFailed}, nil
	}
}

func (s *Service) provision(ctx context.Context, session model.PurchaseSession) (CheckResult, error) {
	if _, err := s.registry.Transition(session.PaymentID, enums.SessionStatePending, enums.SessionStateSucceeded); err != nil {
		// Another check already advanced the session; never provision twice.
		return s.reportCurrent(ctx, session.PaymentID)
	}
	if s.metrics != nil {
		s.metrics.RecordPaymentSucceeded()
	}

	accessLink, err := s.panel.CreateAccess(ctx, session.BuyerID)
	if err != nil {
		if _, trErr := s.registry.Transition(session.PaymentID, enums.SessionStateSucceeded, enums.SessionStateFailed); trErr != nil {
			s.logger.Warn("mark session failed", zap.String("payment_id", session.PaymentID), zap.Error(trErr))
		}
		if s.metrics != nil {
			s.metrics.RecordProvisionFailed()
		}
		s.logger.Error("provisioning failed after successful payment",
			zap.String("payment_id", session.PaymentID),
			zap.Int64("buyer_id", session.BuyerID),
			zap.Error(err))
		return CheckResult{State: enums.SessionStateFailed}, fmt.Errorf("%w: %v", ErrProvisioningFailed, err)
	}

	if err := s.credentials.Put(ctx, session.BuyerID, accessLink, s.now().UTC()); err != nil {
		// The key already exists on the panel, hand it to the buyer anyway.
		s.logger.Error("store credential",
			zap.Int64("buyer_id", session.BuyerID),
			zap.Error(err))
	}

	if _, err := s.registry.Transition(session.PaymentID, enums.SessionStateSucceeded, enums.SessionStateProvisioned); err != nil {
		s.logger.Warn("mark session provisioned", zap.String("payment_id", session.PaymentID), zap.Error(err))
	}
	if s.metrics != nil {
		s.metrics.RecordKeyProvisioned()
	}
	s.logger.Info("vpn key provisioned",
		zap.String("payment_id", session.PaymentID),
		zap.Int64("buyer_id", session.BuyerID))

	return CheckResult{State: enums.SessionStateProvisioned, AccessLink: accessLink}, nil
}

func (s *Service) reportCurrent(ctx context.Context, paymentID string) (CheckResult, error) {
	session, err := s.registry.Get(paymentID)
	if err != nil {
		return CheckResult{}, ErrUnknownPayment
	}

	result := CheckResult{State: session.State}
	switch session.State {
	case enums.SessionStateSucceeded, enums.SessionStateProvisioned:
		if cred, err := s.credentials.Get(ctx, session.BuyerID); err == nil {
			result.AccessLink = cred.AccessLink
		}
	case enums.SessionStateExpired:
		return result, ErrSessionExpired
	}

	return result, nil
}

// Cancel attempts a remote cancel and marks the session CANCELED even when
// the gateway refuses, logging the refusal for manual reconciliation. A
// transport failure leaves the session unchanged so the buyer can retry.
func (s *Service) Cancel(ctx context.Context, paymentID string) (CancelResult, error) {
	session, err := s.registry.Get(paymentID)
	if err != nil {
		return CancelResult{}, ErrUnknownPayment
	}
	if session.State.Terminal() {
		return CancelResult{State: session.State}, nil
	}

	canceled, err := s.gateway.CancelPayment(ctx, session.PaymentID)
	if err != nil {
		return CancelResult{State: session.State}, fmt.Errorf("cancel payment: %w", err)
	}
	if !canceled {
		s.logger.Warn("gateway refused to cancel payment, marking session canceled for reconciliation",
			zap.String("payment_id", session.PaymentID))
	}

	if _, err := s.registry.Transition(session.PaymentID, session.State, enums.SessionStateCanceled); err != nil {
		// Another action resolved the session first, report what it did.
		current, getErr := s.registry.Get(session.PaymentID)
		if getErr != nil {
			return CancelResult{}, ErrUnknownPayment
		}
		return CancelResult{State: current.State, GatewayCanceled: canceled}, nil
	}

	if s.metrics != nil {
		s.metrics.RecordPaymentCanceled()
	}
	s.logger.Info("purchase canceled",
		zap.String("payment_id", session.PaymentID),
		zap.Bool("gateway_canceled", canceled))

	return CancelResult{State: enums.SessionStateCanceled, GatewayCanceled: canceled}, nil
}

// ActiveSession returns the buyer's in-flight session for the chat layer
// to offer check/cancel affordances.
func (s *Service) ActiveSession(buyerID int64) (model.PurchaseSession, bool) {
	return s.registry.ActiveForBuyer(buyerID)
}

// OwnedCredential returns the buyer's stored key, if any.
func (s *Service) OwnedCredential(ctx context.Context, buyerID int64) (model.Credential, error) {
	if buyerID <= 0 {
		return model.Credential{}, ErrValidation
	}
	cred, err := s.credentials.Get(ctx, buyerID)
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			return model.Credential{}, ErrCredentialNotFound
		}
		return model.Credential{}, fmt.Errorf("load credential: %w", err)
	}
	return cred, nil
}

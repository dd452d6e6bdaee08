package purchase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ivankudzin/vpnshop/internal/domain/enums"
	"github.com/ivankudzin/vpnshop/internal/domain/model"
	"github.com/ivankudzin/vpnshop/internal/gateway"
	"github.com/ivankudzin/vpnshop/internal/registry"
)

type fakeGateway struct {
	mu sync.Mutex

	createCalls int
	checkCalls  int
	cancelCalls []string

	nextPaymentID string
	createErr     error
	onCreate      func()

	status    gateway.Status
	statusErr error

	cancelOK  bool
	cancelErr error

	lastDescription string
}

func (g *fakeGateway) CreatePayment(_ context.Context, _ int64, _, description string) (gateway.Payment, error) {
	g.mu.Lock()
	g.createCalls++
	g.lastDescription = description
	g.mu.Unlock()

	if g.onCreate != nil {
		g.onCreate()
	}
	if g.createErr != nil {
		return gateway.Payment{}, g.createErr
	}
	id := g.nextPaymentID
	if id == "" {
		id = "pay-1"
	}
	return gateway.Payment{ID: id, ConfirmationURL: "https://pay.test/confirm/" + id, Status: gateway.StatusPending}, nil
}

func (g *fakeGateway) CheckStatus(_ context.Context, _ string) (gateway.Status, error) {
	g.mu.Lock()
	g.checkCalls++
	g.mu.Unlock()

	if g.statusErr != nil {
		return gateway.StatusUnknown, g.statusErr
	}
	return g.status, nil
}

func (g *fakeGateway) CancelPayment(_ context.Context, paymentID string) (bool, error) {
	g.mu.Lock()
	g.cancelCalls = append(g.cancelCalls, paymentID)
	g.mu.Unlock()

	if g.cancelErr != nil {
		return false, g.cancelErr
	}
	return g.cancelOK, nil
}

type fakePanel struct {
	mu    sync.Mutex
	calls int
	link  string
	err   error
}

func (p *fakePanel) CreateAccess(_ context.Context, _ int64) (string, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()

	if p.err != nil {
		return "", p.err
	}
	return p.link, nil
}

func (p *fakePanel) createCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type memCredentialStore struct {
	mu    sync.Mutex
	creds map[int64]model.Credential
}

func newMemCredentialStore() *memCredentialStore {
	return &memCredentialStore{creds: make(map[int64]model.Credential)}
}

func (s *memCredentialStore) Put(_ context.Context, buyerID int64, accessLink string, issuedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[buyerID] = model.Credential{BuyerID: buyerID, AccessLink: accessLink, IssuedAt: issuedAt}
	return nil
}

func (s *memCredentialStore) Get(_ context.Context, buyerID int64) (model.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.creds[buyerID]
	if !ok {
		return model.Credential{}, ErrCredentialNotFound
	}
	return cred, nil
}

type fixture struct {
	service  *Service
	registry *registry.Registry
	gateway  *fakeGateway
	panel    *fakePanel
	store    *memCredentialStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	reg := registry.New()
	gw := &fakeGateway{status: gateway.StatusPending, cancelOK: true}
	panel := &fakePanel{link: "https://panel.test/sub/key-1"}
	store := newMemCredentialStore()

	svc, err := NewService(Dependencies{
		Registry:    reg,
		Gateway:     gw,
		Panel:       panel,
		Credentials: store,
		AmountMinor: 10000,
		Currency:    "rub",
	})
	if err != nil {
		t.Fatalf("create service: %v", err)
	}

	return &fixture{service: svc, registry: reg, gateway: gw, panel: panel, store: store}
}

func TestStartCreatesPaymentAndPendingSession(t *testing.T) {
	f := newFixture(t)

	result, err := f.service.Start(context.Background(), 42, 1042)
	if err != nil {
		t.Fatalf("start purchase: %v", err)
	}
	if result.PaymentID != "pay-1" || result.ConfirmationURL == "" {
		t.Fatalf("unexpected start result: %+v", result)
	}
	if !strings.Contains(f.gateway.lastDescription, "42") {
		t.Fatalf("payment description should name the buyer, got %q", f.gateway.lastDescription)
	}

	session, err := f.registry.Get("pay-1")
	if err != nil {
		t.Fatalf("session not registered: %v", err)
	}
	if session.State != enums.SessionStatePending {
		t.Fatalf("expected pending session, got %s", session.State)
	}
	if session.BuyerID != 42 || session.ChatID != 1042 {
		t.Fatalf("unexpected session owner: %+v", session)
	}
}

func TestStartRejectsSecondActivePurchase(t *testing.T) {
	f := newFixture(t)

	if _, err := f.service.Start(context.Background(), 42, 1042); err != nil {
		t.Fatalf("first start: %v", err)
	}

	result, err := f.service.Start(context.Background(), 42, 1042)
	if !errors.Is(err, ErrPurchaseInProgress) {
		t.Fatalf("expected ErrPurchaseInProgress, got %v", err)
	}
	if result.PaymentID != "pay-1" {
		t.Fatalf("expected existing payment id, got %q", result.PaymentID)
	}
	if f.gateway.createCalls != 1 {
		t.Fatalf("expected single gateway create, got %d", f.gateway.createCalls)
	}
}

func TestStartGatewayFailureRegistersNothing(t *testing.T) {
	f := newFixture(t)
	f.gateway.createErr = gateway.ErrUnavailable

	if _, err := f.service.Start(context.Background(), 42, 1042); !errors.Is(err, gateway.ErrUnavailable) {
		t.Fatalf("expected gateway error, got %v", err)
	}
	if _, ok := f.registry.ActiveForBuyer(42); ok {
		t.Fatalf("no session should exist after gateway failure")
	}
}

func TestStartRaceCancelsOrphanedPayment(t *testing.T) {
	f := newFixture(t)
	f.gateway.nextPaymentID = "pay-late"

	// A concurrent start wins the registry while the gateway call is in
	// flight: the fresh payment must be canceled, not registered.
	f.gateway.onCreate = func() {
		if _, err := f.registry.Create("pay-early", 42, 1042); err != nil {
			t.Fatalf("register racing session: %v", err)
		}
	}

	result, err := f.service.Start(context.Background(), 42, 1042)
	if !errors.Is(err, ErrPurchaseInProgress) {
		t.Fatalf("expected ErrPurchaseInProgress, got %v", err)
	}
	if result.PaymentID != "pay-early" {
		t.Fatalf("expected the winning payment id, got %q", result.PaymentID)
	}
	if len(f.gateway.cancelCalls) != 1 || f.gateway.cancelCalls[0] != "pay-late" {
		t.Fatalf("expected orphaned payment cancel, got %v", f.gateway.cancelCalls)
	}
	if _, err := f.registry.Get("pay-late"); !errors.Is(err, registry.ErrSessionNotFound) {
		t.Fatalf("orphaned payment must not be registered")
	}
}

func TestCheckPendingPaymentStaysPending(t *testing.T) {
	f := newFixture(t)
	start, _ := f.service.Start(context.Background(), 42, 1042)

	result, err := f.service.Check(context.Background(), start.PaymentID)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if result.State != enums.SessionStatePending {
		t.Fatalf("expected pending, got %s", result.State)
	}
}

func TestCheckSucceededProvisionsExactlyOnce(t *testing.T) {
	f := newFixture(t)
	start, _ := f.service.Start(context.Background(), 42, 1042)
	f.gateway.status = gateway.StatusSucceeded

	result, err := f.service.Check(context.Background(), start.PaymentID)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if result.State != enums.SessionStateProvisioned {
		t.Fatalf("expected provisioned, got %s", result.State)
	}
	if result.AccessLink != "https://panel.test/sub/key-1" {
		t.Fatalf("unexpected access link %q", result.AccessLink)
	}

	// A duplicate check re-reads the stored key without touching the panel.
	again, err := f.service.Check(context.Background(), start.PaymentID)
	if err != nil {
		t.Fatalf("repeat check: %v", err)
	}
	if again.State != enums.SessionStateProvisioned || again.AccessLink != result.AccessLink {
		t.Fatalf("unexpected repeat result: %+v", again)
	}
	if f.panel.createCalls() != 1 {
		t.Fatalf("expected exactly one provisioning call, got %d", f.panel.createCalls())
	}

	cred, err := f.service.OwnedCredential(context.Background(), 42)
	if err != nil {
		t.Fatalf("owned credential: %v", err)
	}
	if cred.AccessLink != result.AccessLink {
		t.Fatalf("credential not stored: %+v", cred)
	}
}

func TestCheckProvisioningFailureMarksSessionFailed(t *testing.T) {
	f := newFixture(t)
	start, _ := f.service.Start(context.Background(), 42, 1042)
	f.gateway.status = gateway.StatusSucceeded
	f.panel.err = errors.New("panel is down")

	result, err := f.service.Check(context.Background(), start.PaymentID)
	if !errors.Is(err, ErrProvisioningFailed) {
		t.Fatalf("expected ErrProvisioningFailed, got %v", err)
	}
	if result.State != enums.SessionStateFailed {
		t.Fatalf("expected failed, got %s", result.State)
	}

	// The payment stays consumed: a retry never provisions again.
	again, err := f.service.Check(context.Background(), start.PaymentID)
	if err != nil {
		t.Fatalf("repeat check: %v", err)
	}
	if again.State != enums.SessionStateFailed {
		t.Fatalf("expected failed on repeat, got %s", again.State)
	}
	if f.panel.createCalls() != 1 {
		t.Fatalf("expected single provisioning attempt, got %d", f.panel.createCalls())
	}
}

func TestCheckCanceledAtGatewayFailsSession(t *testing.T) {
	f := newFixture(t)
	start, _ := f.service.Start(context.Background(), 42, 1042)
	f.gateway.status = gateway.StatusCanceled

	result, err := f.service.Check(context.Background(), start.PaymentID)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if result.State != enums.SessionStateFailed {
		t.Fatalf("expected failed, got %s", result.State)
	}
	if _, ok := f.registry.ActiveForBuyer(42); ok {
		t.Fatalf("failed session must release the buyer")
	}
}

func TestCheckTransportFailureLeavesSessionPending(t *testing.T) {
	f := newFixture(t)
	start, _ := f.service.Start(context.Background(), 42, 1042)
	f.gateway.statusErr = gateway.ErrUnavailable

	if _, err := f.service.Check(context.Background(), start.PaymentID); !errors.Is(err, gateway.ErrUnavailable) {
		t.Fatalf("expected gateway error, got %v", err)
	}

	session, _ := f.registry.Get(start.PaymentID)
	if session.State != enums.SessionStatePending {
		t.Fatalf("transport failure must not advance the session, got %s", session.State)
	}
}

func TestCheckUnknownPayment(t *testing.T) {
	f := newFixture(t)

	if _, err := f.service.Check(context.Background(), "no-such-payment"); !errors.Is(err, ErrUnknownPayment) {
		t.Fatalf("expected ErrUnknownPayment, got %v", err)
	}
}

func TestCheckExpiredSession(t *testing.T) {
	f := newFixture(t)
	start, _ := f.service.Start(context.Background(), 42, 1042)

	if _, err := f.registry.Transition(start.PaymentID, enums.SessionStatePending, enums.SessionStateExpired); err != nil {
		t.Fatalf("expire session: %v", err)
	}

	result, err := f.service.Check(context.Background(), start.PaymentID)
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if result.State != enums.SessionStateExpired {
		t.Fatalf("expected expired, got %s", result.State)
	}
}

func TestCancelMarksSessionCanceledEvenWhenGatewayRefuses(t *testing.T) {
	f := newFixture(t)
	start, _ := f.service.Start(context.Background(), 42, 1042)
	f.gateway.cancelOK = false

	result, err := f.service.Cancel(context.Background(), start.PaymentID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if result.State != enums.SessionStateCanceled || result.GatewayCanceled {
		t.Fatalf("unexpected cancel result: %+v", result)
	}
	if _, ok := f.registry.ActiveForBuyer(42); ok {
		t.Fatalf("canceled session must release the buyer")
	}
}

func TestCancelTransportFailureLeavesSessionUnchanged(t *testing.T) {
	f := newFixture(t)
	start, _ := f.service.Start(context.Background(), 42, 1042)
	f.gateway.cancelErr = gateway.ErrUnavailable

	if _, err := f.service.Cancel(context.Background(), start.PaymentID); !errors.Is(err, gateway.ErrUnavailable) {
		t.Fatalf("expected gateway error, got %v", err)
	}

	session, _ := f.registry.Get(start.PaymentID)
	if session.State != enums.SessionStatePending {
		t.Fatalf("expected session still pending, got %s", session.State)
	}
}

func TestCancelTerminalSessionIsNoop(t *testing.T) {
	f := newFixture(t)
	start, _ := f.service.Start(context.Background(), 42, 1042)
	f.gateway.status = gateway.StatusSucceeded

	if _, err := f.service.Check(context.Background(), start.PaymentID); err != nil {
		t.Fatalf("check: %v", err)
	}

	result, err := f.service.Cancel(context.Background(), start.PaymentID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if result.State != enums.SessionStateProvisioned {
		t.Fatalf("cancel of a terminal session must report it untouched, got %s", result.State)
	}
	if len(f.gateway.cancelCalls) != 0 {
		t.Fatalf("no remote cancel expected, got %v", f.gateway.cancelCalls)
	}
}

func TestOwnedCredentialMissing(t *testing.T) {
	f := newFixture(t)

	if _, err := f.service.OwnedCredential(context.Background(), 42); !errors.Is(err, ErrCredentialNotFound) {
		t.Fatalf("expected ErrCredentialNotFound, got %v", err)
	}
}

func TestConcurrentChecksProvisionExactlyOnce(t *testing.T) {
	f := newFixture(t)
	start, _ := f.service.Start(context.Background(), 42, 1042)
	f.gateway.status = gateway.StatusSucceeded

	const checkers = 16

	var wg sync.WaitGroup
	results := make([]CheckResult, checkers)
	errs := make([]error, checkers)

	for i := 0; i < checkers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.service.Check(context.Background(), start.PaymentID)
		}(i)
	}
	wg.Wait()

	if f.panel.createCalls() != 1 {
		t.Fatalf("expected exactly one provisioning call, got %d", f.panel.createCalls())
	}

	provisioned := 0
	for i := 0; i < checkers; i++ {
		if errs[i] != nil {
			t.Fatalf("check %d failed: %v", i, errs[i])
		}
		switch results[i].State {
		case enums.SessionStateProvisioned:
			provisioned++
		case enums.SessionStateSucceeded:
			// Loser observed the winner mid-provisioning, acceptable.
		default:
			t.Fatalf("check %d saw unexpected state %s", i, results[i].State)
		}
	}
	if provisioned == 0 {
		t.Fatalf("at least one check must report the provisioned key")
	}

	session, _ := f.registry.Get(start.PaymentID)
	if session.State != enums.SessionStateProvisioned {
		t.Fatalf("expected final state provisioned, got %s", session.State)
	}
}

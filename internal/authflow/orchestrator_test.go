package authflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/matheuscscp/open-finance-portal/internal/config"
	"github.com/matheuscscp/open-finance-portal/internal/consent"
	"github.com/matheuscscp/open-finance-portal/internal/gateway"
	"github.com/matheuscscp/open-finance-portal/internal/kv"
	"github.com/matheuscscp/open-finance-portal/internal/notify"
	"github.com/matheuscscp/open-finance-portal/internal/popup"
	"github.com/matheuscscp/open-finance-portal/internal/relay"
	"github.com/matheuscscp/open-finance-portal/internal/session"
)

type fakeAPI struct {
	consentCalls  atomic.Int32
	exchangeCalls atomic.Int32

	consentErr   error
	exchangeErr  error
	exchangeResp *gateway.TokenResponse
	consentGate  chan struct{}
	exchangeGate chan struct{}

	mu          sync.Mutex
	gotIDs      []string
	gotCode     string
	gotVerifier string
}

func (f *fakeAPI) CreateConsent(ctx context.Context, ids []string) (*gateway.ConsentCreateResponse, error) {
	f.consentCalls.Add(1)
	f.mu.Lock()
	f.gotIDs = ids
	f.mu.Unlock()
	if f.consentGate != nil {
		<-f.consentGate
	}
	if f.consentErr != nil {
		return nil, f.consentErr
	}
	return &gateway.ConsentCreateResponse{
		Redirect:     "https://bank.example.com/auth",
		ConsentID:    "consent-1",
		CodeVerifier: "verifier-1",
	}, nil
}

func (f *fakeAPI) ExchangeToken(ctx context.Context, code, codeVerifier string) (*gateway.TokenResponse, error) {
	f.exchangeCalls.Add(1)
	f.mu.Lock()
	f.gotCode, f.gotVerifier = code, codeVerifier
	f.mu.Unlock()
	if f.exchangeGate != nil {
		<-f.exchangeGate
	}
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	if f.exchangeResp != nil {
		return f.exchangeResp, nil
	}
	return &gateway.TokenResponse{
		AccessToken:  "access",
		RefreshToken: "refresh",
		TokenType:    "Bearer",
		ExpiresIn:    3600,
		Scope:        "accounts",
	}, nil
}

type fakeWindow struct {
	closed atomic.Bool
}

func (w *fakeWindow) ID() string   { return "window-1" }
func (w *fakeWindow) URL() string  { return "https://bank.example.com/auth" }
func (w *fakeWindow) Closed() bool { return w.closed.Load() }
func (w *fakeWindow) Close()       { w.closed.Store(true) }

type fakeOpener struct {
	opened atomic.Int32
	err    error
	window *fakeWindow
}

func (f *fakeOpener) Open(ctx context.Context, url string) (popup.Window, error) {
	f.opened.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.window, nil
}

type fixture struct {
	api      *fakeAPI
	opener   *fakeOpener
	store    kv.Store
	state    *session.State
	modal    *consent.Modal
	port     *relay.Port
	notifier *notify.Notifier
	outcomes *prometheus.CounterVec
	o        *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		api:      &fakeAPI{},
		opener:   &fakeOpener{window: &fakeWindow{}},
		store:    kv.NewMemoryStore(),
		port:     relay.NewPort(func(string) bool { return true }),
		notifier: notify.New(),
		outcomes: NewOutcomeCounter(prometheus.NewRegistry()),
	}
	f.state = session.NewState(session.NewPersistence(f.store))
	f.modal = consent.NewModal(consent.Catalog{
		"bankDataSharing": &config.ServiceConfig{
			BaseConsentID: "BaseConsentId",
			SubServices: []config.SubServiceConfig{
				{ID: "balances", ConsentIDs: []string{"ReadBalances"}},
				{ID: "accounts", ConsentIDs: []string{"ReadAccountsBasic"}},
			},
		},
	}, &consent.Selection{})
	if err := f.modal.Open("bankDataSharing"); err != nil {
		t.Fatal(err)
	}
	f.o = New(Options{
		API:          f.api,
		State:        f.state,
		Modal:        f.modal,
		Opener:       f.opener,
		Port:         f.port,
		Notifier:     f.notifier,
		PollInterval: 5 * time.Millisecond,
		Outcomes:     f.outcomes,
	})
	return f
}

func (f *fixture) listen(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go f.o.Listen(ctx)
}

func (f *fixture) post(t *testing.T, msg relay.Message) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg.Type = "oauth_callback"
	if err := f.port.Post(ctx, "https://portal.example.com", msg); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) count(outcome Outcome) float64 {
	return testutil.ToFloat64(f.outcomes.WithLabelValues(string(outcome)))
}

func (f *fixture) titles() []string {
	var titles []string
	for _, n := range f.notifier.Peek() {
		titles = append(titles, n.Title)
	}
	return titles
}

func waitResult(g *WithT, attempt *Attempt) Result {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r, err := attempt.Wait(ctx)
	g.Expect(err).ToNot(HaveOccurred())
	return r
}

func TestAuthorize_Preconditions(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t)

	_, err := f.o.Authorize(context.Background(), AuthorizeRequest{})
	g.Expect(err).To(MatchError(ErrTermsNotAccepted))

	f.modal.Selection().SetSelectedConsents(nil)
	_, err = f.o.Authorize(context.Background(), AuthorizeRequest{AgreedToTerms: true})
	g.Expect(err).To(MatchError(ErrNoConsentsSelected))

	g.Expect(f.api.consentCalls.Load()).To(BeZero())
	g.Expect(f.o.Status().Authorizing).To(BeFalse())
	g.Expect(f.titles()).To(Equal([]string{"Agreement Required", "No permissions selected"}))
}

func TestAuthorize_FullScenario(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t)
	f.listen(t)

	attempt, err := f.o.Authorize(context.Background(), AuthorizeRequest{AgreedToTerms: true})
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(f.o.Status().Phase).To(Equal(PhaseAwaitingUserAuthorization))
	g.Expect(f.o.Flow()).To(Equal(&FlowContext{CodeVerifier: "verifier-1", ConsentID: "consent-1"}))
	g.Expect(f.api.gotIDs).To(Equal([]string{"BaseConsentId", "ReadBalances", "ReadAccountsBasic"}))

	f.post(t, relay.Message{Success: true, Code: "abc"})

	r := waitResult(g, attempt)
	g.Expect(r.Outcome).To(Equal(OutcomeAuthorized))
	g.Expect(r.Err).ToNot(HaveOccurred())
	g.Expect(r.RedirectTo).To(Equal("/bankDataSharing"))

	g.Expect(f.api.gotCode).To(Equal("abc"))
	g.Expect(f.api.gotVerifier).To(Equal("verifier-1"))
	g.Expect(f.opener.opened.Load()).To(Equal(int32(1)))
	g.Expect(f.opener.window.Closed()).To(BeTrue())
	g.Expect(f.o.Flow()).To(BeNil())
	g.Expect(f.modal.IsOpen()).To(BeFalse())

	status := f.o.Status()
	g.Expect(status.Phase).To(Equal(PhaseAuthorized))
	g.Expect(status.Authorizing).To(BeFalse())
	g.Expect(status.Processing).To(BeFalse())

	snap := f.state.Snapshot()
	g.Expect(snap.IsLoggedIn).To(BeTrue())
	g.Expect(snap.GrantedConsents).To(ConsistOf("BaseConsentId", "ReadBalances", "ReadAccountsBasic"))
	g.Expect(*snap.ConsentID).To(Equal("consent-1"))

	rec, err := session.NewPersistence(f.store).LoadSession(context.Background())
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(rec.AccessToken).To(Equal("access"))
	g.Expect(rec.GrantedConsents.IDs()).To(ConsistOf("BaseConsentId", "ReadBalances", "ReadAccountsBasic"))

	g.Expect(f.count(OutcomeAuthorized)).To(Equal(1.0))
	g.Expect(f.titles()).To(Equal([]string{"Opening Authorization", "Exchanging Token", "Authorization Successful"}))
}

func TestAuthorize_MessageCarriesVerifier(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t)
	f.listen(t)

	attempt, err := f.o.Authorize(context.Background(), AuthorizeRequest{AgreedToTerms: true})
	g.Expect(err).ToNot(HaveOccurred())

	f.post(t, relay.Message{Success: true, Code: "abc", CodeVerifier: "state-verifier", ConsentID: "state-consent"})

	g.Expect(waitResult(g, attempt).Outcome).To(Equal(OutcomeAuthorized))
	g.Expect(f.api.gotVerifier).To(Equal("state-verifier"))
	g.Expect(*f.state.Snapshot().ConsentID).To(Equal("state-consent"))
}

func TestAuthorize_DoubleInvocation(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t)
	f.api.consentGate = make(chan struct{})

	type authorizeResult struct {
		attempt *Attempt
		err     error
	}
	first := make(chan authorizeResult, 1)
	go func() {
		a, err := f.o.Authorize(context.Background(), AuthorizeRequest{AgreedToTerms: true})
		first <- authorizeResult{a, err}
	}()
	g.Eventually(f.api.consentCalls.Load).Should(Equal(int32(1)))

	_, err := f.o.Authorize(context.Background(), AuthorizeRequest{AgreedToTerms: true})
	g.Expect(err).To(MatchError(ErrAuthorizationInProgress))

	close(f.api.consentGate)
	var res authorizeResult
	g.Eventually(first).Should(Receive(&res))
	g.Expect(res.err).ToNot(HaveOccurred())

	g.Expect(f.api.consentCalls.Load()).To(Equal(int32(1)))
	g.Expect(f.opener.opened.Load()).To(Equal(int32(1)))
}

func TestAuthorize_AccessDenied(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t)
	f.listen(t)

	attempt, err := f.o.Authorize(context.Background(), AuthorizeRequest{AgreedToTerms: true})
	g.Expect(err).ToNot(HaveOccurred())

	f.post(t, relay.Message{Error: "access_denied", ErrorDescription: "User denied access"})

	r := waitResult(g, attempt)
	g.Expect(r.Outcome).To(Equal(OutcomeCallbackError))
	var denied *AuthorizationDeniedError
	g.Expect(errors.As(r.Err, &denied)).To(BeTrue())
	g.Expect(denied.Code).To(Equal("access_denied"))
	g.Expect(denied.Description).To(Equal("User denied access"))

	g.Expect(f.api.exchangeCalls.Load()).To(BeZero())
	g.Expect(f.opener.window.Closed()).To(BeTrue())
	g.Expect(f.o.Status().Authorizing).To(BeFalse())
	g.Expect(f.o.Status().LastOutcome).To(Equal(OutcomeCallbackError))
	g.Expect(f.state.IsLoggedIn()).To(BeFalse())
	_, ok, _ := f.store.Get(context.Background(), "auth_session")
	g.Expect(ok).To(BeFalse())
	g.Expect(f.notifier.Peek()[len(f.notifier.Peek())-1].Description).To(Equal("User denied access"))

	// The guard is released: a new attempt may start.
	f.opener.window = &fakeWindow{}
	_, err = f.o.Authorize(context.Background(), AuthorizeRequest{AgreedToTerms: true})
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(f.api.consentCalls.Load()).To(Equal(int32(2)))
}

func TestAuthorize_PopupClosedByUser(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t)

	attempt, err := f.o.Authorize(context.Background(), AuthorizeRequest{AgreedToTerms: true})
	g.Expect(err).ToNot(HaveOccurred())

	f.opener.window.Close()

	r := waitResult(g, attempt)
	g.Expect(r.Outcome).To(Equal(OutcomeUserCancelled))
	g.Expect(r.Err).To(MatchError(ErrUserCancelled))
	g.Expect(f.o.Status().Authorizing).To(BeFalse())
	g.Expect(f.count(OutcomeUserCancelled)).To(Equal(1.0))
}

func TestAuthorize_SuccessAndCloseRace(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t)
	f.api.exchangeGate = make(chan struct{})
	f.listen(t)

	attempt, err := f.o.Authorize(context.Background(), AuthorizeRequest{AgreedToTerms: true})
	g.Expect(err).ToNot(HaveOccurred())

	f.post(t, relay.Message{Success: true, Code: "abc"})
	g.Eventually(f.api.exchangeCalls.Load).Should(Equal(int32(1)))

	// The window closes while the exchange is in flight.
	f.opener.window.Close()
	time.Sleep(30 * time.Millisecond)
	g.Expect(f.o.Status().Processing).To(BeTrue())
	g.Expect(attempt.Done()).ToNot(BeClosed())

	close(f.api.exchangeGate)

	r := waitResult(g, attempt)
	g.Expect(r.Outcome).To(Equal(OutcomeAuthorized))
	g.Expect(f.count(OutcomeAuthorized)).To(Equal(1.0))
	g.Expect(f.count(OutcomeUserCancelled)).To(BeZero())
	g.Expect(f.state.IsLoggedIn()).To(BeTrue())
}

func TestAuthorize_ConsentCreationFailed(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t)
	f.api.consentErr = &gateway.APIError{Op: "create consent", StatusCode: 400, Message: "invalid permissions"}

	attempt, err := f.o.Authorize(context.Background(), AuthorizeRequest{AgreedToTerms: true})

	var cerr *ConsentCreationError
	g.Expect(errors.As(err, &cerr)).To(BeTrue())
	r := waitResult(g, attempt)
	g.Expect(r.Outcome).To(Equal(OutcomeConsentCreationFailed))
	g.Expect(f.opener.opened.Load()).To(BeZero())
	g.Expect(f.o.Status().Authorizing).To(BeFalse())
	g.Expect(f.o.Status().Phase).To(Equal(PhaseIdle))
	g.Expect(f.notifier.Peek()).To(HaveLen(1))
	g.Expect(f.notifier.Peek()[0].Description).To(Equal("invalid permissions"))
}

func TestAuthorize_PopupBlocked(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t)
	f.opener.err = popup.ErrBlocked

	attempt, err := f.o.Authorize(context.Background(), AuthorizeRequest{AgreedToTerms: true})

	var perr *PopupBlockedError
	g.Expect(errors.As(err, &perr)).To(BeTrue())
	g.Expect(err).To(MatchError(popup.ErrBlocked))
	g.Expect(waitResult(g, attempt).Outcome).To(Equal(OutcomePopupBlocked))
	g.Expect(f.o.Status().Authorizing).To(BeFalse())
	g.Expect(f.count(OutcomePopupBlocked)).To(Equal(1.0))
	g.Expect(f.titles()).To(Equal([]string{"Opening Authorization", "Authorization Failed"}))
}

func TestAuthorize_TokenExchangeFailed(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t)
	f.api.exchangeErr = &gateway.APIError{Op: "exchange token", StatusCode: 400, Message: "invalid_grant"}
	f.listen(t)

	attempt, err := f.o.Authorize(context.Background(), AuthorizeRequest{AgreedToTerms: true})
	g.Expect(err).ToNot(HaveOccurred())
	f.post(t, relay.Message{Success: true, Code: "abc"})

	r := waitResult(g, attempt)
	g.Expect(r.Outcome).To(Equal(OutcomeTokenExchangeFailed))
	var terr *TokenExchangeError
	g.Expect(errors.As(r.Err, &terr)).To(BeTrue())
	g.Expect(f.state.IsLoggedIn()).To(BeFalse())
	g.Expect(f.state.GrantedConsents()).To(BeEmpty())
	g.Expect(f.opener.window.Closed()).To(BeTrue())
	last := f.notifier.Peek()[len(f.notifier.Peek())-1]
	g.Expect(last.Title).To(Equal("Token Exchange Failed"))
	g.Expect(last.Description).To(Equal("invalid_grant"))
}

func TestAuthorize_TokenResponseWithoutAccessToken(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t)
	f.api.exchangeResp = &gateway.TokenResponse{TokenType: "Bearer"}
	f.listen(t)

	attempt, err := f.o.Authorize(context.Background(), AuthorizeRequest{AgreedToTerms: true})
	g.Expect(err).ToNot(HaveOccurred())
	f.post(t, relay.Message{Success: true, Code: "abc"})

	r := waitResult(g, attempt)
	g.Expect(r.Outcome).To(Equal(OutcomeTokenExchangeFailed))
	g.Expect(errors.Is(r.Err, session.ErrMissingAccessToken)).To(BeTrue())
	g.Expect(f.state.IsLoggedIn()).To(BeFalse())
	g.Expect(f.state.GrantedConsents()).To(BeEmpty())
	_, ok, err := f.store.Get(context.Background(), "auth_session")
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(ok).To(BeFalse())
	g.Expect(f.count(OutcomeAuthorized)).To(BeZero())
	g.Expect(f.count(OutcomeTokenExchangeFailed)).To(Equal(1.0))
}

func TestCloseModal_IgnoresInFlightExchange(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t)
	f.api.exchangeGate = make(chan struct{})
	f.listen(t)

	attempt, err := f.o.Authorize(context.Background(), AuthorizeRequest{AgreedToTerms: true})
	g.Expect(err).ToNot(HaveOccurred())
	f.post(t, relay.Message{Success: true, Code: "abc"})
	g.Eventually(f.api.exchangeCalls.Load).Should(Equal(int32(1)))

	f.o.CloseModal()

	r := waitResult(g, attempt)
	g.Expect(r.Outcome).To(Equal(OutcomeUserCancelled))
	g.Expect(f.o.Flow()).To(BeNil())
	g.Expect(f.modal.IsOpen()).To(BeFalse())
	g.Expect(f.opener.window.Closed()).To(BeTrue())

	close(f.api.exchangeGate)
	g.Consistently(f.state.IsLoggedIn, 50*time.Millisecond).Should(BeFalse())
	g.Expect(f.count(OutcomeAuthorized)).To(BeZero())
}

func TestCloseModal_DuringConsentCreation(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t)
	f.api.consentGate = make(chan struct{})

	done := make(chan *Attempt, 1)
	go func() {
		a, _ := f.o.Authorize(context.Background(), AuthorizeRequest{AgreedToTerms: true})
		done <- a
	}()
	g.Eventually(f.api.consentCalls.Load).Should(Equal(int32(1)))

	f.o.CloseModal()
	close(f.api.consentGate)

	var attempt *Attempt
	g.Eventually(done).Should(Receive(&attempt))
	g.Expect(waitResult(g, attempt).Outcome).To(Equal(OutcomeUserCancelled))
	g.Expect(f.opener.opened.Load()).To(BeZero())
	g.Expect(f.o.Flow()).To(BeNil())
}

func TestListen_IgnoresMessagesOutsideAttempt(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t)
	f.listen(t)

	f.post(t, relay.Message{Success: true, Code: "abc"})

	g.Consistently(f.api.exchangeCalls.Load, 30*time.Millisecond).Should(BeZero())
	g.Expect(f.o.Status().Phase).To(Equal(PhaseIdle))
}

func TestReset(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t)
	f.listen(t)

	attempt, err := f.o.Authorize(context.Background(), AuthorizeRequest{AgreedToTerms: true})
	g.Expect(err).ToNot(HaveOccurred())
	f.post(t, relay.Message{Success: true, Code: "abc"})
	waitResult(g, attempt)

	f.o.Reset()

	g.Expect(f.o.Status()).To(Equal(Status{Phase: PhaseIdle}))
	g.Expect(f.o.Attempt()).To(BeNil())
}

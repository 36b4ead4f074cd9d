package authflow

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/matheuscscp/open-finance-portal/internal/consent"
	"github.com/matheuscscp/open-finance-portal/internal/gateway"
	"github.com/matheuscscp/open-finance-portal/internal/logging"
	"github.com/matheuscscp/open-finance-portal/internal/notify"
	"github.com/matheuscscp/open-finance-portal/internal/popup"
	"github.com/matheuscscp/open-finance-portal/internal/relay"
	"github.com/matheuscscp/open-finance-portal/internal/session"
)

const defaultPollInterval = 500 * time.Millisecond

type Phase string

const (
	PhaseIdle                      Phase = "Idle"
	PhaseCreatingConsent           Phase = "CreatingConsent"
	PhaseAwaitingUserAuthorization Phase = "AwaitingUserAuthorization"
	PhaseExchangingToken           Phase = "ExchangingToken"
	PhaseAuthorized                Phase = "Authorized"
)

type Outcome string

const (
	OutcomeAuthorized            Outcome = "Authorized"
	OutcomeConsentCreationFailed Outcome = "ConsentCreationFailed"
	OutcomePopupBlocked          Outcome = "PopupBlocked"
	OutcomeUserCancelled         Outcome = "UserCancelled"
	OutcomeCallbackError         Outcome = "CallbackError"
	OutcomeTokenExchangeFailed   Outcome = "TokenExchangeFailed"
)

// API is the part of the gateway the flow needs.
type API interface {
	CreateConsent(ctx context.Context, ids []string) (*gateway.ConsentCreateResponse, error)
	ExchangeToken(ctx context.Context, code, codeVerifier string) (*gateway.TokenResponse, error)
}

// FlowContext is generated at consent creation and needed at token
// exchange.
type FlowContext struct {
	CodeVerifier string
	ConsentID    string
}

type AuthorizeRequest struct {
	AgreedToTerms bool
}

// Status is a read-only view of the orchestrator.
type Status struct {
	Phase       Phase   `json:"phase"`
	Authorizing bool    `json:"authorizing"`
	Processing  bool    `json:"processing"`
	LastOutcome Outcome `json:"lastOutcome,omitempty"`
	LastError   string  `json:"lastError,omitempty"`
	RedirectTo  string  `json:"redirectTo,omitempty"`
}

type Options struct {
	API          API
	State        *session.State
	Modal        *consent.Modal
	Opener       popup.Opener
	Port         *relay.Port
	Notifier     *notify.Notifier
	PollInterval time.Duration
	Outcomes     *prometheus.CounterVec
	Logger       logrus.FieldLogger
}

// Orchestrator drives one authorization attempt at a time: consent
// creation, the authorization window, the callback message and the token
// exchange. Results of network calls that complete after the attempt ended
// are ignored.
type Orchestrator struct {
	api          API
	state        *session.State
	modal        *consent.Modal
	opener       popup.Opener
	port         *relay.Port
	notifier     *notify.Notifier
	pollInterval time.Duration
	outcomes     *prometheus.CounterVec
	logger       logrus.FieldLogger

	mu           sync.Mutex
	phase        Phase
	authorizing  bool
	processing   bool
	generation   uint64
	flow         *FlowContext
	window       popup.Window
	selected     []string
	serviceKey   string
	attempt      *Attempt
	stopWatchdog context.CancelFunc
	lastOutcome  Outcome
	lastError    string
	redirectTo   string
}

func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		api:          opts.API,
		state:        opts.State,
		modal:        opts.Modal,
		opener:       opts.Opener,
		port:         opts.Port,
		notifier:     opts.Notifier,
		pollInterval: opts.PollInterval,
		outcomes:     opts.Outcomes,
		logger:       opts.Logger,
		phase:        PhaseIdle,
	}
	if o.pollInterval <= 0 {
		o.pollInterval = defaultPollInterval
	}
	if o.logger == nil {
		o.logger = logrus.StandardLogger()
	}
	return o
}

// Authorize creates a consent for the selected permissions and opens the
// authorization window. The returned attempt resolves when the flow ends.
func (o *Orchestrator) Authorize(ctx context.Context, req AuthorizeRequest) (*Attempt, error) {
	o.mu.Lock()
	if o.authorizing {
		o.mu.Unlock()
		return nil, ErrAuthorizationInProgress
	}
	if !req.AgreedToTerms {
		o.mu.Unlock()
		o.notifier.Error("Agreement Required", "Please agree to the terms and conditions to continue.")
		return nil, ErrTermsNotAccepted
	}
	ids := o.modal.Selection().Selected()
	if len(ids) == 0 {
		o.mu.Unlock()
		o.notifier.Error("No permissions selected", "Please select at least one permission to authorize.")
		return nil, ErrNoConsentsSelected
	}
	o.authorizing = true
	o.processing = false
	o.generation++
	gen := o.generation
	o.phase = PhaseCreatingConsent
	o.selected = ids
	o.serviceKey = o.modal.ServiceKey()
	o.redirectTo = ""
	attempt := newAttempt()
	o.attempt = attempt
	o.mu.Unlock()

	l := logging.FromContext(ctx).WithField("attempt", gen)

	resp, err := o.api.CreateConsent(context.WithoutCancel(ctx), ids)

	o.mu.Lock()
	if gen != o.generation {
		o.mu.Unlock()
		l.Debug("ignoring consent created for an abandoned attempt")
		return attempt, nil
	}
	if err != nil {
		message := gateway.Message(err)
		err = &ConsentCreationError{Err: err}
		o.finishLocked(OutcomeConsentCreationFailed, err)
		o.mu.Unlock()
		l.WithError(err).Error("failed to create consent")
		o.notifier.Error("Authorization Failed", message)
		return attempt, err
	}
	o.flow = &FlowContext{
		CodeVerifier: resp.CodeVerifier,
		ConsentID:    resp.ConsentID,
	}
	o.mu.Unlock()

	o.notifier.Info("Opening Authorization", "Please complete the authentication in the new window.")
	win, err := o.opener.Open(ctx, resp.Redirect)

	o.mu.Lock()
	defer o.mu.Unlock()
	if gen != o.generation {
		if win != nil {
			win.Close()
		}
		return attempt, nil
	}
	if err != nil {
		err = &PopupBlockedError{Err: err}
		o.finishLocked(OutcomePopupBlocked, err)
		l.WithError(err).Warn("authorization window blocked")
		o.notifier.Error("Authorization Failed", "Popup was blocked. Please allow popups for this site.")
		return attempt, err
	}
	o.window = win
	o.phase = PhaseAwaitingUserAuthorization
	wctx, cancel := context.WithCancel(context.Background())
	o.stopWatchdog = cancel
	go o.watch(wctx, gen, win)

	l.WithField("consentId", resp.ConsentID).Info("authorization window opened")
	return attempt, nil
}

// watch ends the attempt as cancelled when the window closes before a
// callback message is taken.
func (o *Orchestrator) watch(ctx context.Context, gen uint64, win popup.Window) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !win.Closed() {
			continue
		}

		o.mu.Lock()
		if gen == o.generation && !o.processing {
			o.finishLocked(OutcomeUserCancelled, ErrUserCancelled)
			o.logger.WithField("attempt", gen).Info("authorization window closed")
		}
		o.mu.Unlock()
		return
	}
}

// Listen consumes callback messages until ctx ends. Only one listener may
// run per orchestrator.
func (o *Orchestrator) Listen(ctx context.Context) error {
	for {
		msg, err := o.port.Receive(ctx)
		if err != nil {
			return err
		}
		o.handleMessage(ctx, msg)
	}
}

func (o *Orchestrator) handleMessage(ctx context.Context, msg relay.Message) {
	l := logging.FromContext(ctx)

	o.mu.Lock()
	if o.phase != PhaseAwaitingUserAuthorization || o.processing {
		o.mu.Unlock()
		l.Info("ignoring callback message outside of an authorization attempt")
		return
	}
	o.processing = true
	o.stopWatchdogLocked()
	gen := o.generation
	l = l.WithField("attempt", gen)

	if !msg.Success {
		desc := msg.ErrorDescription
		if desc == "" {
			desc = "Failed to authorize access"
		}
		o.finishLocked(OutcomeCallbackError, &AuthorizationDeniedError{Code: msg.Error, Description: desc})
		o.mu.Unlock()
		l.WithField("error", msg.Error).Warn("authorization denied")
		o.notifier.Error("Authorization Failed", desc)
		return
	}

	o.phase = PhaseExchangingToken
	codeVerifier, consentID := msg.CodeVerifier, msg.ConsentID
	if o.flow != nil {
		if codeVerifier == "" {
			codeVerifier = o.flow.CodeVerifier
		}
		if consentID == "" {
			consentID = o.flow.ConsentID
		}
	}
	ids := o.selected
	o.mu.Unlock()

	o.notifier.Info("Exchanging Token", "Completing authorization...")
	resp, err := o.api.ExchangeToken(context.WithoutCancel(ctx), msg.Code, codeVerifier)

	o.mu.Lock()
	defer o.mu.Unlock()
	if gen != o.generation {
		l.Debug("ignoring token exchanged for an abandoned attempt")
		return
	}
	message := gateway.Message(err)
	if err == nil {
		token := session.Token{
			AccessToken:  resp.AccessToken,
			RefreshToken: resp.RefreshToken,
			TokenType:    resp.TokenType,
			ExpiresIn:    resp.ExpiresIn,
			Scope:        resp.Scope,
		}
		err = o.state.CompleteAuthorization(ctx, token, consentID, ids)
		message = "Failed to complete authorization"
	}
	if err != nil {
		err = &TokenExchangeError{Err: err}
		o.finishLocked(OutcomeTokenExchangeFailed, err)
		l.WithError(err).Error("token exchange failed")
		o.notifier.Error("Token Exchange Failed", message)
		return
	}

	o.flow = nil
	o.modal.Close()
	o.redirectTo = "/" + o.serviceKey
	o.finishLocked(OutcomeAuthorized, nil)
	l.WithField("consentId", consentID).Info("authorization completed")
	o.notifier.Info("Authorization Successful", "Session established. Consent ID: "+consentID)
}

// CloseModal abandons any attempt in flight. Network calls already started
// are not aborted, their results are ignored.
func (o *Orchestrator) CloseModal() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.modal.Close()
	o.flow = nil
	if o.attempt != nil {
		o.finishLocked(OutcomeUserCancelled, ErrUserCancelled)
	}
}

// Reset abandons any attempt and forgets the last outcome.
func (o *Orchestrator) Reset() {
	o.CloseModal()

	o.mu.Lock()
	o.phase = PhaseIdle
	o.lastOutcome = ""
	o.lastError = ""
	o.redirectTo = ""
	o.mu.Unlock()
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	return Status{
		Phase:       o.phase,
		Authorizing: o.authorizing,
		Processing:  o.processing,
		LastOutcome: o.lastOutcome,
		LastError:   o.lastError,
		RedirectTo:  o.redirectTo,
	}
}

// Flow returns a copy of the current flow context, if any.
func (o *Orchestrator) Flow() *FlowContext {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.flow == nil {
		return nil
	}
	f := *o.flow
	return &f
}

// Attempt returns the attempt in flight, if any.
func (o *Orchestrator) Attempt() *Attempt {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.attempt
}

// finishLocked moves the attempt to its terminal outcome and releases
// every resource held for it. o.mu must be held.
func (o *Orchestrator) finishLocked(outcome Outcome, err error) {
	o.stopWatchdogLocked()
	if o.window != nil {
		o.window.Close()
		o.window = nil
	}
	o.authorizing = false
	o.processing = false
	o.generation++
	o.phase = PhaseIdle
	if outcome == OutcomeAuthorized {
		o.phase = PhaseAuthorized
	}
	o.lastOutcome = outcome
	o.lastError = ""
	if err != nil {
		o.lastError = err.Error()
	}
	if o.outcomes != nil {
		o.outcomes.WithLabelValues(string(outcome)).Inc()
	}
	if o.attempt != nil {
		o.attempt.finish(Result{Outcome: outcome, Err: err, RedirectTo: o.redirectTo})
		o.attempt = nil
	}
}

func (o *Orchestrator) stopWatchdogLocked() {
	if o.stopWatchdog != nil {
		o.stopWatchdog()
		o.stopWatchdog = nil
	}
}

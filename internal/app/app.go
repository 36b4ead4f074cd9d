package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/matheuscscp/open-finance-portal/internal/authflow"
	"github.com/matheuscscp/open-finance-portal/internal/config"
	"github.com/matheuscscp/open-finance-portal/internal/consent"
	"github.com/matheuscscp/open-finance-portal/internal/constants"
	"github.com/matheuscscp/open-finance-portal/internal/kv"
	"github.com/matheuscscp/open-finance-portal/internal/logging"
	"github.com/matheuscscp/open-finance-portal/internal/notify"
	"github.com/matheuscscp/open-finance-portal/internal/popup"
	"github.com/matheuscscp/open-finance-portal/internal/relay"
	"github.com/matheuscscp/open-finance-portal/internal/session"
)

// Deps are shared by the applications of every browser session.
type Deps struct {
	Config   *config.Config
	API      authflow.API
	Stores   *kv.Factory
	Outcomes *prometheus.CounterVec

	// NewOpener overrides how authorization windows are opened. By default
	// it follows portal.popupMode.
	NewOpener func() popup.Opener
}

// App is the application state of one browser session.
type App struct {
	ID           string
	Jar          *kv.CookieJar
	State        *session.State
	Modal        *consent.Modal
	Orchestrator *authflow.Orchestrator
	Port         *relay.Port
	Notifier     *notify.Notifier

	// Windows is nil unless authorization windows are opened by the page.
	Windows *popup.Tracker

	logger   logrus.FieldLogger
	cancel   context.CancelFunc
	done     chan struct{}
	lastSeen time.Time
	mu       sync.Mutex
}

func newApp(id string, deps *Deps, logger logrus.FieldLogger) *App {
	conf := deps.Config
	jar := kv.NewCookieJar(conf.Portal.SecureCookies())
	state := session.NewState(session.NewPersistence(deps.Stores.ForBrowser(id, jar)))
	modal := consent.NewModal(consent.Catalog(conf.Catalog), &consent.Selection{})
	port := relay.NewPort(conf.Portal.AcceptsOrigin)
	notifier := notify.New()

	a := &App{
		ID:       id,
		Jar:      jar,
		State:    state,
		Modal:    modal,
		Port:     port,
		Notifier: notifier,
		logger:   logger,
	}

	var opener popup.Opener
	switch {
	case deps.NewOpener != nil:
		opener = deps.NewOpener()
	case conf.Portal.PopupMode == config.PopupModeBrowser:
		opener = popup.NewBrowserOpener(conf.Portal.ValidateRedirectURL, conf.Portal.PopupTimeout)
	default:
		a.Windows = popup.NewTracker(conf.Portal.ValidateRedirectURL, conf.Portal.PopupTimeout)
		opener = a.Windows
	}

	a.Orchestrator = authflow.New(authflow.Options{
		API:          deps.API,
		State:        state,
		Modal:        modal,
		Opener:       opener,
		Port:         port,
		Notifier:     notifier,
		PollInterval: conf.Portal.PollInterval,
		Outcomes:     deps.Outcomes,
		Logger:       logger,
	})
	return a
}

// Init hydrates the session from its persisted record and starts the
// listener of callback messages. The cookie jar must be synced first.
func (a *App) Init(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cancel != nil {
		return
	}
	a.State.InitializeSession(ctx)

	lctx, cancel := context.WithCancel(logging.IntoContext(context.Background(), a.logger))
	a.cancel = cancel
	a.done = make(chan struct{})
	go func() {
		defer close(a.done)
		if err := a.Orchestrator.Listen(lctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.WithError(err).Error("callback listener stopped")
		}
	}()
	a.logger.WithField("loggedIn", a.State.IsLoggedIn()).Debug("browser session initialized")
}

// Logout abandons any authorization attempt, destroys the session record
// and expires every cookie the browser sent except the browser session
// cookie.
func (a *App) Logout(ctx context.Context) {
	a.Reset(ctx)
	for _, name := range a.Jar.Names() {
		if name == constants.BrowserSessionCookieName {
			continue
		}
		if err := a.Jar.Delete(ctx, name); err != nil {
			logging.FromContext(ctx).WithError(err).WithField("cookie", name).Error("failed to delete cookie")
		}
	}
	logging.FromContext(ctx).Info("logged out")
}

// Reset returns every component to its initial state. The listener keeps
// running.
func (a *App) Reset(ctx context.Context) {
	a.Orchestrator.Reset()
	a.Modal.Close()
	a.Modal.Selection().SetSelectedConsents(nil)
	a.State.Reset(ctx)
	a.Notifier.Reset()
	if a.Windows != nil {
		a.Windows.Reset()
	}
}

// Close abandons any attempt and stops the listener.
func (a *App) Close() {
	a.Orchestrator.CloseModal()

	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (a *App) touch(now time.Time) {
	a.mu.Lock()
	a.lastSeen = now
	a.mu.Unlock()
}

func (a *App) idleSince() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastSeen
}

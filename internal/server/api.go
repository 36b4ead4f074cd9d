package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"

	"github.com/matheuscscp/open-finance-portal/internal/ai"
	"github.com/matheuscscp/open-finance-portal/internal/app"
	"github.com/matheuscscp/open-finance-portal/internal/authflow"
	"github.com/matheuscscp/open-finance-portal/internal/config"
	"github.com/matheuscscp/open-finance-portal/internal/consent"
	"github.com/matheuscscp/open-finance-portal/internal/gateway"
	"github.com/matheuscscp/open-finance-portal/internal/issuer"
	"github.com/matheuscscp/open-finance-portal/internal/logging"
	"github.com/matheuscscp/open-finance-portal/internal/popup"
	"github.com/matheuscscp/open-finance-portal/internal/relay"
	"github.com/matheuscscp/open-finance-portal/internal/session"
)

const (
	pathAuthCallback   = "/auth/callback"
	pathClientCallback = "/client/callback"

	maxAuthorizeWait = 30 * time.Second
)

type api struct {
	conf     *config.Config
	issuer   issuer.Issuer
	registry *app.Registry
	gateway  *gateway.Client
	ai       *ai.Client
	nowFunc  func() time.Time
}

type modalView struct {
	Open          bool     `json:"open"`
	ServiceKey    string   `json:"serviceKey,omitempty"`
	Title         string   `json:"title,omitempty"`
	Selected      []string `json:"selected"`
	AllConsentIDs []string `json:"allConsentIds"`
	AllSelected   bool     `json:"allSelected"`
}

type sessionResponse struct {
	session.Snapshot
	TimeRemaining int64              `json:"timeRemaining"`
	Authorization authflow.Status    `json:"authorization"`
	Modal         modalView          `json:"modal"`
	Windows       []popup.WindowInfo `json:"windows"`
}

type authorizeResponse struct {
	Authorization authflow.Status    `json:"authorization"`
	Windows       []popup.WindowInfo `json:"windows"`
}

func (a *api) handler() http.Handler {
	rh := relay.NewHandler(a.resolvePort, a.conf.Portal.TrustsProxy)

	r := chi.NewRouter()
	r.Get(pathAuthCallback, rh.AuthCallback)
	r.Get(pathClientCallback, rh.ClientCallback)

	r.Route("/api", func(r chi.Router) {
		r.Use(a.browserSession)

		r.Get("/catalog", a.getCatalog)
		r.Get("/session", a.getSession)
		r.Post("/logout", a.logout)
		r.Get("/notifications", a.getNotifications)

		r.Route("/consent-modal", func(r chi.Router) {
			r.Post("/", a.openConsentModal)
			r.Delete("/", a.closeConsentModal)
			r.Put("/selection", a.setSelection)
			r.Post("/selection/toggle", a.toggleSelection)
			r.Post("/selection/toggle-all", a.toggleAll)
			r.Post("/selection/toggle-group", a.toggleGroup)
		})

		r.Post("/authorize", a.authorize)
		r.Get("/authorize", a.getAuthorization)
		r.Post("/windows/{windowID}/closed", a.windowClosed)
		r.Post("/consents/revoke", a.revokeConsents)

		r.Get("/accounts", a.getAccounts)
		r.Put("/accounts/selected", a.selectAccount)
		r.Get("/accounts/{accountID}/balances", a.getBalances)
		r.Get("/accounts/{accountID}/beneficiaries", a.getBeneficiaries)
		r.Get("/accounts/{accountID}/transactions", a.getTransactions)

		r.Route("/ai", func(r chi.Router) {
			r.Post("/query", a.aiQuery)
			r.Get("/suggestions", a.aiSuggestions)
			r.Get("/recommendations", a.aiRecommendations)
			r.Get("/pfm-dashboard", a.aiPFMDashboard)
			r.Get("/health", a.aiHealth)
		})
	})

	return r
}

func (a *api) getCatalog(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, r, http.StatusOK, a.conf.Catalog)
}

func (a *api) getSession(w http.ResponseWriter, r *http.Request) {
	application := appFrom(r)
	application.State.EnsureValid(r.Context())

	respondJSON(w, r, http.StatusOK, sessionResponse{
		Snapshot:      application.State.Snapshot(),
		TimeRemaining: int64(application.State.TimeRemaining(r.Context()).Seconds()),
		Authorization: application.Orchestrator.Status(),
		Modal:         viewModal(application.Modal),
		Windows:       windowsOf(application),
	})
}

func (a *api) logout(w http.ResponseWriter, r *http.Request) {
	appFrom(r).Logout(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) getNotifications(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, r, http.StatusOK, appFrom(r).Notifier.Drain())
}

func (a *api) openConsentModal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ServiceKey string `json:"serviceKey"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	modal := appFrom(r).Modal
	if err := modal.Open(req.ServiceKey); err != nil {
		respondError(w, r, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, r, http.StatusOK, viewModal(modal))
}

func (a *api) closeConsentModal(w http.ResponseWriter, r *http.Request) {
	appFrom(r).Orchestrator.CloseModal()
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) setSelection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	a.withOpenModal(w, r, func(m *consent.Modal) bool {
		m.Selection().SetSelectedConsents(req.IDs)
		return true
	})
}

func (a *api) toggleSelection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ID == "" {
		respondError(w, r, http.StatusBadRequest, "id must be set")
		return
	}
	a.withOpenModal(w, r, func(m *consent.Modal) bool {
		m.Selection().ToggleSelectedConsent(req.ID)
		return true
	})
}

func (a *api) toggleAll(w http.ResponseWriter, r *http.Request) {
	a.withOpenModal(w, r, func(m *consent.Modal) bool {
		m.Selection().ToggleAll(m.AllConsentIDs())
		return true
	})
}

func (a *api) toggleGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SubServiceID string `json:"subServiceId"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	a.withOpenModal(w, r, func(m *consent.Modal) bool {
		ids, ok := m.Catalog().SubServiceConsentIDs(m.ServiceKey(), req.SubServiceID)
		if !ok {
			respondError(w, r, http.StatusNotFound, "unknown sub-service '"+req.SubServiceID+"'")
			return false
		}
		m.Selection().ToggleGroup(ids)
		return true
	})
}

// withOpenModal runs f against the open consent modal and responds with
// the resulting modal view when f reports success.
func (a *api) withOpenModal(w http.ResponseWriter, r *http.Request, f func(m *consent.Modal) bool) {
	modal := appFrom(r).Modal
	if !modal.IsOpen() {
		respondError(w, r, http.StatusConflict, "Consent modal is not open")
		return
	}
	if f(modal) {
		respondJSON(w, r, http.StatusOK, viewModal(modal))
	}
}

func (a *api) authorize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgreedToTerms bool `json:"agreedToTerms"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	application := appFrom(r)

	_, err := application.Orchestrator.Authorize(r.Context(), authflow.AuthorizeRequest{AgreedToTerms: req.AgreedToTerms})
	if err != nil {
		message := err.Error()
		var consentErr *authflow.ConsentCreationError
		if errors.As(err, &consentErr) {
			message = gateway.Message(err)
		}
		respondError(w, r, authorizeErrorStatus(err), message)
		return
	}

	respondJSON(w, r, http.StatusAccepted, authorizeResponse{
		Authorization: application.Orchestrator.Status(),
		Windows:       windowsOf(application),
	})
}

// getAuthorization reports the flow status. With ?wait=<duration> it waits
// for the attempt in flight to end first.
func (a *api) getAuthorization(w http.ResponseWriter, r *http.Request) {
	application := appFrom(r)

	if s := r.URL.Query().Get("wait"); s != "" {
		wait, err := time.ParseDuration(s)
		if err != nil || wait < 0 {
			respondError(w, r, http.StatusBadRequest, "Invalid wait duration")
			return
		}
		if attempt := application.Orchestrator.Attempt(); attempt != nil && wait > 0 {
			ctx, cancel := context.WithTimeout(r.Context(), min(wait, maxAuthorizeWait))
			_, err := attempt.Wait(ctx)
			cancel()
			if err != nil && !errors.Is(err, context.DeadlineExceeded) {
				logging.FromRequest(r).WithError(err).Debug("stopped waiting for authorization")
			}
		}
	}

	respondJSON(w, r, http.StatusOK, authorizeResponse{
		Authorization: application.Orchestrator.Status(),
		Windows:       windowsOf(application),
	})
}

func (a *api) windowClosed(w http.ResponseWriter, r *http.Request) {
	windows := appFrom(r).Windows
	if windows == nil || !windows.MarkClosed(chi.URLParam(r, "windowID")) {
		respondError(w, r, http.StatusNotFound, "Unknown window")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) revokeConsents(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	state := appFrom(r).State
	state.RevokeConsents(r.Context(), req.IDs...)
	respondJSON(w, r, http.StatusOK, state.Snapshot())
}

func (a *api) getAccounts(w http.ResponseWriter, r *http.Request) {
	state, ok := a.loggedInState(w, r)
	if !ok {
		return
	}
	raw, err := a.gateway.GetAccounts(r.Context(), state.OAuth2Token())
	if err != nil {
		respondGatewayError(w, r, err)
		return
	}

	accounts := gjson.GetBytes(raw, "Data.Account")
	list := json.RawMessage("[]")
	if accounts.IsArray() {
		list = json.RawMessage(accounts.Raw)
	}
	state.SetAccounts(list)
	if state.Snapshot().SelectedAccountID == "" {
		if id := gjson.GetBytes(list, "0.AccountId").String(); id != "" {
			state.SetSelectedAccountID(id)
		}
	}

	snap := state.Snapshot()
	respondJSON(w, r, http.StatusOK, map[string]any{
		"accounts":          snap.Accounts,
		"selectedAccountId": snap.SelectedAccountID,
	})
}

func (a *api) selectAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID string `json:"accountId"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AccountID == "" {
		respondError(w, r, http.StatusBadRequest, "accountId must be set")
		return
	}
	state := appFrom(r).State
	state.SetSelectedAccountID(req.AccountID)
	respondJSON(w, r, http.StatusOK, map[string]string{"selectedAccountId": req.AccountID})
}

type accountResource struct {
	get   func(c *gateway.Client, ctx context.Context, s *session.State, accountID string) (json.RawMessage, error)
	store func(s *session.State, data json.RawMessage)
}

func (a *api) getBalances(w http.ResponseWriter, r *http.Request) {
	a.getAccountResource(w, r, accountResource{
		get: func(c *gateway.Client, ctx context.Context, s *session.State, id string) (json.RawMessage, error) {
			return c.GetAccountBalances(ctx, s.OAuth2Token(), id)
		},
		store: (*session.State).SetBalances,
	})
}

func (a *api) getBeneficiaries(w http.ResponseWriter, r *http.Request) {
	a.getAccountResource(w, r, accountResource{
		get: func(c *gateway.Client, ctx context.Context, s *session.State, id string) (json.RawMessage, error) {
			return c.GetAccountBeneficiaries(ctx, s.OAuth2Token(), id)
		},
		store: (*session.State).SetBeneficiaries,
	})
}

func (a *api) getTransactions(w http.ResponseWriter, r *http.Request) {
	a.getAccountResource(w, r, accountResource{
		get: func(c *gateway.Client, ctx context.Context, s *session.State, id string) (json.RawMessage, error) {
			return c.GetAccountTransactions(ctx, s.OAuth2Token(), id)
		},
		store: (*session.State).SetTransactions,
	})
}

func (a *api) getAccountResource(w http.ResponseWriter, r *http.Request, res accountResource) {
	state, ok := a.loggedInState(w, r)
	if !ok {
		return
	}
	raw, err := res.get(a.gateway, r.Context(), state, chi.URLParam(r, "accountID"))
	if err != nil {
		respondGatewayError(w, r, err)
		return
	}
	data := json.RawMessage(dataOf(raw, "Data"))
	res.store(state, data)
	respondJSON(w, r, http.StatusOK, data)
}

func (a *api) aiQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Description string `json:"description"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Description == "" {
		respondError(w, r, http.StatusBadRequest, "description must be set")
		return
	}
	a.respondAI(w, r)(a.ai.Query(r.Context(), req.Description))
}

// aiSuggestions asks for suggestions on the ?balance=<amount> given, or on
// the running balance of the fetched transactions.
func (a *api) aiSuggestions(w http.ResponseWriter, r *http.Request) {
	balance := ai.CurrentBalance(appFrom(r).State.Transactions())
	if s := r.URL.Query().Get("balance"); s != "" {
		b, err := strconv.ParseFloat(s, 64)
		if err != nil {
			respondError(w, r, http.StatusBadRequest, "Invalid balance")
			return
		}
		balance = b
	}
	a.respondAI(w, r)(a.ai.BalanceSuggestions(r.Context(), balance))
}

func (a *api) aiRecommendations(w http.ResponseWriter, r *http.Request) {
	txs := ai.TransactionsOf(appFrom(r).State.Transactions())
	a.respondAI(w, r)(a.ai.CreditCardRecommendations(r.Context(), txs))
}

func (a *api) aiPFMDashboard(w http.ResponseWriter, r *http.Request) {
	txs := ai.TransactionsOf(appFrom(r).State.Transactions())
	a.respondAI(w, r)(a.ai.PFMDashboardImage(r.Context(), txs))
}

func (a *api) aiHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, r, http.StatusOK, map[string]bool{"healthy": a.ai.Healthy(r.Context())})
}

func (a *api) respondAI(w http.ResponseWriter, r *http.Request) func(json.RawMessage, error) {
	return func(resp json.RawMessage, err error) {
		if err != nil {
			logging.FromRequest(r).WithError(err).Error("AI request failed")
			respondError(w, r, http.StatusBadGateway, err.Error())
			return
		}
		respondJSON(w, r, http.StatusOK, resp)
	}
}

// loggedInState returns the session state for protected reads, responding
// 401 when the session is gone or expired.
func (a *api) loggedInState(w http.ResponseWriter, r *http.Request) (*session.State, bool) {
	state := appFrom(r).State
	if !state.EnsureValid(r.Context()) {
		respondError(w, r, http.StatusUnauthorized, "Session expired. Please authorize again.")
		return nil, false
	}
	return state, true
}

func viewModal(m *consent.Modal) modalView {
	all := m.AllConsentIDs()
	sel := m.Selection()
	v := modalView{
		Open:          m.IsOpen(),
		ServiceKey:    m.ServiceKey(),
		Selected:      sel.Selected(),
		AllConsentIDs: all,
		AllSelected:   sel.IsAllSelected(all),
	}
	if v.ServiceKey != "" {
		v.Title = m.Catalog().Title(v.ServiceKey)
	}
	if v.Selected == nil {
		v.Selected = []string{}
	}
	if v.AllConsentIDs == nil {
		v.AllConsentIDs = []string{}
	}
	return v
}

func windowsOf(application *app.App) []popup.WindowInfo {
	if application.Windows == nil {
		return []popup.WindowInfo{}
	}
	return application.Windows.Windows()
}

package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/matheuscscp/open-finance-portal/internal/consent"
	"github.com/matheuscscp/open-finance-portal/internal/logging"
)

// Token is the credential tuple returned by the token exchange.
type Token struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    int64
	Scope        string
}

// State is the session state of one browser: login status, token,
// granted consents and the provider data fetched with the token.
// Persistence failures are logged and treated as no session.
type State struct {
	persistence *Persistence

	loggedIn  bool
	token     Token
	granted   consent.Set
	consentID *string

	accounts          json.RawMessage
	selectedAccountID string
	balances          json.RawMessage
	beneficiaries     json.RawMessage
	transactions      json.RawMessage

	mu sync.RWMutex
}

// Snapshot is a read-only view of State. It never carries the tokens.
type Snapshot struct {
	IsLoggedIn        bool            `json:"isLoggedIn"`
	TokenType         string          `json:"tokenType,omitempty"`
	TokenExpiresIn    int64           `json:"tokenExpiresIn,omitempty"`
	TokenScope        string          `json:"tokenScope,omitempty"`
	GrantedConsents   []string        `json:"grantedConsents"`
	ConsentID         *string         `json:"consentId"`
	SelectedAccountID string          `json:"selectedAccountId,omitempty"`
	Accounts          json.RawMessage `json:"accounts,omitempty"`
	Balances          json.RawMessage `json:"balances,omitempty"`
	Beneficiaries     json.RawMessage `json:"beneficiaries,omitempty"`
	Transactions      json.RawMessage `json:"transactions,omitempty"`
}

func NewState(persistence *Persistence) *State {
	return &State{
		persistence: persistence,
		granted:     consent.Set{},
	}
}

// SetTokenData stores the token and writes a fresh session record.
func (s *State) SetTokenData(ctx context.Context, t Token) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = t
	s.loggedIn = true
	s.save(ctx, "failed to save session after setting token data")
}

// ClearTokenData deletes the session record and forgets the token.
func (s *State) ClearTokenData(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearTokenData(ctx)
}

func (s *State) clearTokenData(ctx context.Context) {
	if err := s.persistence.ClearSession(ctx); err != nil {
		logging.FromContext(ctx).WithError(err).Error("failed to clear session")
	}
	s.token = Token{}
	s.loggedIn = false
}

func (s *State) GrantConsents(ctx context.Context, ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.granted = s.granted.Union(ids...)
	if s.token.AccessToken != "" {
		s.save(ctx, "failed to save session after granting consents")
	}
}

func (s *State) RevokeConsents(ctx context.Context, ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.granted = s.granted.Difference(ids...)
	if s.token.AccessToken != "" {
		s.save(ctx, "failed to save session after revoking consents")
	}
}

// InitializeSession hydrates the state from a valid persisted record.
// Without one the state is left untouched.
func (s *State) InitializeSession(ctx context.Context) {
	r, err := s.persistence.LoadSession(ctx)
	if err != nil {
		logging.FromContext(ctx).WithError(err).Error("failed to load session")
		return
	}
	if r == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = Token{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		TokenType:    r.TokenType,
		ExpiresIn:    r.TokenExpiresIn,
		Scope:        r.TokenScope,
	}
	s.granted = r.GrantedConsents.Clone()
	s.consentID = r.ConsentID
	s.loggedIn = true
}

var ErrMissingAccessToken = errors.New("token response has no access token")

// CompleteAuthorization stores the token, the consent id and the granted
// permissions with a single write. Nothing changes in memory if the write
// fails.
func (s *State) CompleteAuthorization(ctx context.Context, t Token, consentID string, ids []string) error {
	if t.AccessToken == "" {
		return ErrMissingAccessToken
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	granted := s.granted.Union(ids...)
	var cid *string
	if consentID != "" {
		cid = &consentID
	}
	if err := s.persistence.SaveSession(ctx, recordOf(t, granted, cid)); err != nil {
		return err
	}

	s.token = t
	s.granted = granted
	s.consentID = cid
	s.loggedIn = true
	return nil
}

// EnsureValid logs the user out when the persisted session is gone or
// expired. It reports whether the user is still logged in.
func (s *State) EnsureValid(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loggedIn {
		return false
	}
	r, err := s.persistence.LoadSession(ctx)
	if err != nil {
		logging.FromContext(ctx).WithError(err).Error("failed to load session")
	}
	if r == nil {
		s.clearTokenData(ctx)
		return false
	}
	return true
}

// Reset returns the state to logged out with nothing granted or fetched.
func (s *State) Reset(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clearTokenData(ctx)
	s.granted = consent.Set{}
	s.consentID = nil
	s.accounts = nil
	s.selectedAccountID = ""
	s.balances = nil
	s.beneficiaries = nil
	s.transactions = nil
}

func (s *State) TimeRemaining(ctx context.Context) time.Duration {
	d, err := s.persistence.TimeRemaining(ctx)
	if err != nil {
		logging.FromContext(ctx).WithError(err).Error("failed to load session")
	}
	return d
}

func (s *State) IsLoggedIn() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loggedIn
}

// OAuth2Token returns the bearer token for resource reads, or nil when
// logged out.
func (s *State) OAuth2Token() *oauth2.Token {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.token.AccessToken == "" {
		return nil
	}
	return &oauth2.Token{
		AccessToken:  s.token.AccessToken,
		RefreshToken: s.token.RefreshToken,
		TokenType:    s.token.TokenType,
		ExpiresIn:    s.token.ExpiresIn,
	}
}

func (s *State) GrantedConsents() consent.Set {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.granted.Clone()
}

func (s *State) SetAccounts(raw json.RawMessage) {
	s.mu.Lock()
	s.accounts = raw
	s.mu.Unlock()
}

func (s *State) SetSelectedAccountID(id string) {
	s.mu.Lock()
	s.selectedAccountID = id
	s.mu.Unlock()
}

func (s *State) SetBalances(raw json.RawMessage) {
	s.mu.Lock()
	s.balances = raw
	s.mu.Unlock()
}

func (s *State) SetBeneficiaries(raw json.RawMessage) {
	s.mu.Lock()
	s.beneficiaries = raw
	s.mu.Unlock()
}

func (s *State) SetTransactions(raw json.RawMessage) {
	s.mu.Lock()
	s.transactions = raw
	s.mu.Unlock()
}

func (s *State) Transactions() json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transactions
}

func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		IsLoggedIn:        s.loggedIn,
		GrantedConsents:   s.granted.IDs(),
		ConsentID:         s.consentID,
		SelectedAccountID: s.selectedAccountID,
		Accounts:          s.accounts,
		Balances:          s.balances,
		Beneficiaries:     s.beneficiaries,
		Transactions:      s.transactions,
	}
	if s.loggedIn {
		snap.TokenType = s.token.TokenType
		snap.TokenExpiresIn = s.token.ExpiresIn
		snap.TokenScope = s.token.Scope
	}
	return snap
}

func (s *State) save(ctx context.Context, msg string) {
	if err := s.persistence.SaveSession(ctx, recordOf(s.token, s.granted, s.consentID)); err != nil {
		logging.FromContext(ctx).WithError(err).Error(msg)
	}
}

func recordOf(t Token, granted consent.Set, consentID *string) Record {
	return Record{
		AccessToken:     t.AccessToken,
		RefreshToken:    t.RefreshToken,
		TokenType:       t.TokenType,
		TokenExpiresIn:  t.ExpiresIn,
		TokenScope:      t.Scope,
		GrantedConsents: granted.Clone(),
		ConsentID:       consentID,
	}
}

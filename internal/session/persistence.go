package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheuscscp/open-finance-portal/internal/consent"
	"github.com/matheuscscp/open-finance-portal/internal/constants"
	"github.com/matheuscscp/open-finance-portal/internal/kv"
	"github.com/matheuscscp/open-finance-portal/internal/logging"
)

// Record is the persisted session. ExpiresAt is in epoch milliseconds.
type Record struct {
	AccessToken     string      `json:"accessToken"`
	RefreshToken    string      `json:"refreshToken"`
	TokenType       string      `json:"tokenType"`
	TokenExpiresIn  int64       `json:"tokenExpiresIn"`
	TokenScope      string      `json:"tokenScope"`
	GrantedConsents consent.Set `json:"grantedConsents"`
	ConsentID       *string     `json:"consentId"`
	ExpiresAt       int64       `json:"expiresAt"`
}

// Persistence saves one session record in a key-value store with a fixed
// lifetime that does not depend on the token expiry.
type Persistence struct {
	store kv.Store
	key   string
	ttl   time.Duration

	nowFunc func() time.Time
}

func NewPersistence(store kv.Store) *Persistence {
	return &Persistence{
		store:   store,
		key:     constants.SessionCookieName,
		ttl:     constants.SessionTTL,
		nowFunc: time.Now,
	}
}

func (p *Persistence) SaveSession(ctx context.Context, r Record) error {
	r.ExpiresAt = p.nowFunc().Add(p.ttl).UnixMilli()
	if r.GrantedConsents == nil {
		r.GrantedConsents = consent.Set{}
	}
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal session record: %w", err)
	}
	if err := p.store.Put(ctx, p.key, b, p.ttl); err != nil {
		return fmt.Errorf("failed to store session record: %w", err)
	}
	return nil
}

// LoadSession returns nil when there is no usable record. Expired and
// malformed records are deleted.
func (p *Persistence) LoadSession(ctx context.Context) (*Record, error) {
	b, ok, err := p.store.Get(ctx, p.key)
	if err != nil {
		return nil, fmt.Errorf("failed to read session record: %w", err)
	}
	if !ok || len(b) == 0 {
		return nil, nil
	}

	l := logging.FromContext(ctx)

	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		l.WithError(err).Warn("discarding unparseable session record")
		return nil, p.ClearSession(ctx)
	}
	if r.AccessToken == "" {
		l.Warn("discarding session record without access token")
		return nil, p.ClearSession(ctx)
	}
	if p.nowFunc().UnixMilli() > r.ExpiresAt {
		l.Debug("session record expired")
		return nil, p.ClearSession(ctx)
	}
	if r.GrantedConsents == nil {
		r.GrantedConsents = consent.Set{}
	}
	return &r, nil
}

func (p *Persistence) ClearSession(ctx context.Context) error {
	if err := p.store.Delete(ctx, p.key); err != nil {
		return fmt.Errorf("failed to delete session record: %w", err)
	}
	return nil
}

// TimeRemaining returns how long the persisted session is still valid.
func (p *Persistence) TimeRemaining(ctx context.Context) (time.Duration, error) {
	r, err := p.LoadSession(ctx)
	if err != nil || r == nil {
		return 0, err
	}
	d := time.UnixMilli(r.ExpiresAt).Sub(p.nowFunc())
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

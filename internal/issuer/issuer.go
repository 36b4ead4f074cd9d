package issuer

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jwt"
	"github.com/sirupsen/logrus"

	"github.com/matheuscscp/open-finance-portal/internal/constants"
)

const (
	tokenDuration = 12 * time.Hour
)

func Algorithm() jwa.SignatureAlgorithm { return jwa.RS256() }

// Claims are the verified contents of a browser-session token.
type Claims struct {
	SessionID string
	IssuedAt  time.Time
	Expiry    time.Time
}

// NeedsRenewal reports whether the token passed half of its lifetime.
func (c *Claims) NeedsRenewal(now time.Time) bool {
	return !now.Before(c.IssuedAt.Add(tokenDuration / 2))
}

// Issuer signs and verifies the identifiers of browser sessions.
type Issuer interface {
	NewSessionID() string
	Issue(sessionID string, now time.Time) (string, time.Time, error)
	Verify(token string, now time.Time) (*Claims, bool)
}

type sessionIssuer struct {
	privateKeySource
	audience string
}

// New returns an issuer whose tokens are only valid for the given audience
// (the portal origin).
func New(audience string) Issuer {
	return &sessionIssuer{
		privateKeySource: &automaticPrivateKeySource{},
		audience:         audience,
	}
}

func (s *sessionIssuer) NewSessionID() string {
	return uuid.NewString()
}

func (s *sessionIssuer) Issue(sessionID string, now time.Time) (string, time.Time, error) {
	cur, err := s.current(now)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to get current private key: %w", err)
	}
	keyID, ok := cur.KeyID()
	if !ok {
		return "", time.Time{}, fmt.Errorf("private key has no key ID")
	}

	exp := now.Add(tokenDuration)
	tok, err := jwt.NewBuilder().
		Issuer(constants.OpenFinancePortal).
		Subject(sessionID).
		Audience([]string{s.audience}).
		Expiration(exp).
		NotBefore(now).
		IssuedAt(now).
		JwtID(uuid.NewString()).
		Build()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to build token: %w", err)
	}

	b, err := jwt.Sign(tok, jwt.WithKey(Algorithm(), cur))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		jwk.KeyIDKey:     keyID,
		"browserSession": sessionID,
		"expiresAt":      exp,
	}).Debug("browser session token issued")

	return string(b), exp, nil
}

func (s *sessionIssuer) Verify(token string, now time.Time) (*Claims, bool) {
	for _, key := range s.publicKeys(now) {
		tok, err := jwt.ParseString(token,
			jwt.WithKey(Algorithm(), key),
			jwt.WithIssuer(constants.OpenFinancePortal),
			jwt.WithAudience(s.audience))
		if err != nil {
			continue
		}

		exp, ok := tok.Expiration()
		if !ok || now.After(exp) {
			continue
		}
		iat, _ := tok.IssuedAt()
		sub, ok := tok.Subject()
		if !ok || sub == "" {
			continue
		}

		return &Claims{SessionID: sub, IssuedAt: iat, Expiry: exp}, true
	}
	return nil, false
}

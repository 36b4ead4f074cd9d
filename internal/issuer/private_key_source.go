package issuer

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/sirupsen/logrus"
)

type privateKeySource interface {
	current(now time.Time) (jwk.Key, error)
	publicKeys(now time.Time) []jwk.Key
}

// keyPair signs tokens until issueUntil and verifies them for one more
// token lifetime after that.
type keyPair struct {
	keyID      string
	private    jwk.Key
	public     jwk.Key
	issueUntil time.Time
}

func (k *keyPair) canIssue(now time.Time) bool {
	return k != nil && !k.issueUntil.Before(now)
}

func (k *keyPair) canVerify(now time.Time) bool {
	return k != nil && !k.issueUntil.Add(tokenDuration).Before(now)
}

type automaticPrivateKeySource struct {
	cur  *keyPair
	prev *keyPair
	mu   sync.RWMutex

	generate func(now time.Time) (*keyPair, error)
}

func (a *automaticPrivateKeySource) current(now time.Time) (jwk.Key, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.cur.canIssue(now) {
		generate := generateKeyPair
		if a.generate != nil {
			generate = a.generate
		}
		cur, err := generate(now)
		if err != nil {
			return nil, err
		}
		a.prev = a.cur
		a.cur = cur
	}

	return a.cur.private, nil
}

func (a *automaticPrivateKeySource) publicKeys(now time.Time) []jwk.Key {
	a.mu.RLock()
	cur, prev := a.cur, a.prev
	a.mu.RUnlock()

	var keys []jwk.Key
	for _, k := range []*keyPair{cur, prev} {
		if k.canVerify(now) {
			keys = append(keys, k.public)
		}
	}
	return keys
}

func generateKeyPair(now time.Time) (*keyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate rsa key: %w", err)
	}

	private, err := jwk.Import(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to convert rsa key to jwk: %w", err)
	}

	public, err := private.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get public key from jwk: %w", err)
	}

	thumbprint, err := public.Thumbprint(crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("failed to get thumbprint from public key: %w", err)
	}

	keyID := fmt.Sprintf("%x", thumbprint)
	if err := private.Set(jwk.KeyIDKey, keyID); err != nil {
		return nil, fmt.Errorf("failed to set key ID: %w", err)
	}
	if err := public.Set(jwk.KeyIDKey, keyID); err != nil {
		return nil, fmt.Errorf("failed to set key ID: %w", err)
	}

	issueUntil := now.Add(tokenDuration)
	logrus.WithFields(logrus.Fields{
		jwk.KeyIDKey: keyID,
		"issueUntil": issueUntil,
	}).Info("browser session signing key generated")

	return &keyPair{
		keyID:      keyID,
		private:    private,
		public:     public,
		issueUntil: issueUntil,
	}, nil
}

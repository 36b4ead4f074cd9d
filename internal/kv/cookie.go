package kv

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"
)

type cookieValue struct {
	value     []byte
	expiresAt time.Time // zero when the browser did not tell us
}

// CookieJar mirrors the cookies of one browser. Sync folds in the cookies of
// an incoming request and Flush emits the writes made since the last flush
// as Set-Cookie headers.
type CookieJar struct {
	secure  bool
	values  map[string]cookieValue
	pending map[string]*http.Cookie
	mu      sync.Mutex

	nowFunc func() time.Time
}

func NewCookieJar(secure bool) *CookieJar {
	return &CookieJar{
		secure:  secure,
		values:  make(map[string]cookieValue),
		pending: make(map[string]*http.Cookie),
		nowFunc: time.Now,
	}
}

// Sync replaces the jar contents with the cookies sent by the browser.
// Writes not yet flushed take precedence.
func (c *CookieJar) Sync(r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sent := make(map[string]struct{})
	for _, ck := range r.Cookies() {
		sent[ck.Name] = struct{}{}
		if _, ok := c.pending[ck.Name]; ok {
			continue
		}
		v, err := url.QueryUnescape(ck.Value)
		if err != nil {
			v = ck.Value
		}
		prev := c.values[ck.Name]
		c.values[ck.Name] = cookieValue{value: []byte(v), expiresAt: prev.expiresAt}
	}
	for name := range c.values {
		if _, ok := sent[name]; ok {
			continue
		}
		if _, ok := c.pending[name]; ok {
			continue
		}
		delete(c.values, name)
	}
}

// Flush writes pending cookie changes to the response. It must be called
// before the response header is written.
func (c *CookieJar) Flush(w http.ResponseWriter) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for name, ck := range c.pending {
		http.SetCookie(w, ck)
		delete(c.pending, name)
	}
}

// Names lists the cookies currently known for the browser.
func (c *CookieJar) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.values))
	for name := range c.values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *CookieJar) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.values[key] = cookieValue{
		value:     append([]byte(nil), value...),
		expiresAt: c.nowFunc().Add(ttl),
	}
	c.pending[key] = &http.Cookie{
		Name:     key,
		Value:    url.QueryEscape(string(value)),
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	}
	return nil
}

func (c *CookieJar) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.values[key]
	if !ok {
		return nil, false, nil
	}
	if !v.expiresAt.IsZero() && !c.nowFunc().Before(v.expiresAt) {
		return nil, false, nil
	}
	return append([]byte(nil), v.value...), true, nil
}

func (c *CookieJar) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.values, key)
	c.pending[key] = &http.Cookie{
		Name:     key,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	}
	return nil
}

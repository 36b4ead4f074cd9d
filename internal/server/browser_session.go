package server

import (
	"context"
	"net/http"

	"github.com/matheuscscp/open-finance-portal/internal/app"
	"github.com/matheuscscp/open-finance-portal/internal/constants"
	"github.com/matheuscscp/open-finance-portal/internal/logging"
	"github.com/matheuscscp/open-finance-portal/internal/relay"
)

type contextKeyApp struct{}

func appFrom(r *http.Request) *app.App {
	return r.Context().Value(contextKeyApp{}).(*app.App)
}

// browserSession binds the request to the application of its browser
// session, starting a new session when the cookie is missing or invalid.
// The session cookie is renewed past half of its lifetime.
func (a *api) browserSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l := logging.FromRequest(r)
		now := a.nowFunc()

		var sid string
		renew := true
		if c, err := r.Cookie(constants.BrowserSessionCookieName); err == nil {
			if claims, ok := a.issuer.Verify(c.Value, now); ok {
				sid = claims.SessionID
				renew = claims.NeedsRenewal(now)
			}
		}
		if sid == "" {
			sid = a.issuer.NewSessionID()
		}

		if renew {
			token, exp, err := a.issuer.Issue(sid, now)
			if err != nil {
				l.WithError(err).Error("failed to issue browser session token")
				respondError(w, r, http.StatusInternalServerError, "Failed to start browser session")
				return
			}
			http.SetCookie(w, &http.Cookie{
				Name:     constants.BrowserSessionCookieName,
				Value:    token,
				Path:     "/",
				Expires:  exp,
				HttpOnly: true,
				Secure:   a.conf.Portal.SecureCookies(),
				SameSite: http.SameSiteLaxMode,
			})
		}

		ctx := logging.WithField(r.Context(), "browserSession", sid)

		application, created := a.registry.Get(ctx, sid)
		application.Jar.Sync(r)
		if created {
			application.Init(ctx)
		}

		ctx = context.WithValue(ctx, contextKeyApp{}, application)
		next.ServeHTTP(&cookieWriter{ResponseWriter: w, jar: application.Jar}, r.WithContext(ctx))
	})
}

// resolvePort finds the port of the browser session that opened the
// callback window. Callback windows share the browser session cookie.
func (a *api) resolvePort(r *http.Request) (*relay.Port, bool) {
	c, err := r.Cookie(constants.BrowserSessionCookieName)
	if err != nil {
		return nil, false
	}
	claims, ok := a.issuer.Verify(c.Value, a.nowFunc())
	if !ok {
		return nil, false
	}
	application, ok := a.registry.Lookup(claims.SessionID)
	if !ok {
		return nil, false
	}
	return application.Port, true
}

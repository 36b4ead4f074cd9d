package relay

import (
	"context"
	_ "embed"
	"html/template"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/matheuscscp/open-finance-portal/internal/constants"
	"github.com/matheuscscp/open-finance-portal/internal/logging"
)

const defaultPostTimeout = 5 * time.Second

var (
	//go:embed callback.html
	callbackHTML string
	callbackPage = template.Must(template.New("callback").Parse(callbackHTML))
)

// PortResolver finds the port of the browser session that opened the
// callback window.
type PortResolver func(r *http.Request) (*Port, bool)

// ProxyTrust reports whether forwarding headers sent by the peer at
// remoteAddr are honored.
type ProxyTrust func(remoteAddr string) bool

// Handler serves the pages the bank redirects the authorization window to.
type Handler struct {
	resolve     PortResolver
	trustsProxy ProxyTrust
	postTimeout time.Duration
}

// NewHandler builds a Handler. A nil trustsProxy ignores X-Forwarded-*
// headers.
func NewHandler(resolve PortResolver, trustsProxy ProxyTrust) *Handler {
	if trustsProxy == nil {
		trustsProxy = func(string) bool { return false }
	}
	return &Handler{
		resolve:     resolve,
		trustsProxy: trustsProxy,
		postTimeout: defaultPostTimeout,
	}
}

// AuthCallback relays the result and leaves the code verifier and consent
// id to the flow context of the listener.
func (h *Handler) AuthCallback(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, false)
}

// ClientCallback also relays the code verifier and consent id carried in
// the state parameter.
func (h *Handler) ClientCallback(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, true)
}

type page struct {
	Title   string
	Message string
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, decodeState bool) {
	l := logging.FromRequest(r)

	msg, pg := buildMessage(r, decodeState)
	port, ok := h.resolve(r)
	if !ok {
		if msg.Success {
			http.Redirect(w, r, "/", http.StatusFound)
			return
		}
		writePage(w, pg)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.postTimeout)
	defer cancel()
	if err := port.Post(ctx, requestOrigin(r, h.trustsProxy(r.RemoteAddr)), msg); err != nil {
		l.WithError(err).Warn("failed to deliver callback message")
		if msg.Success {
			http.Redirect(w, r, "/", http.StatusFound)
			return
		}
	}
	writePage(w, pg)
}

func buildMessage(r *http.Request, decodeState bool) (Message, page) {
	l := logging.FromRequest(r)

	query, err := url.ParseQuery(r.URL.RawQuery)
	if err != nil {
		l.WithError(err).Error("failed to parse callback query")
		return errorMessage(constants.CallbackErrorProcessing, ""),
			page{Title: "Authorization Failed", Message: "An unexpected error occurred"}
	}

	if e := query.Get(constants.QueryParamError); e != "" {
		desc := query.Get(constants.QueryParamErrorDescription)
		text := desc
		if text == "" {
			text = "Authorization failed: " + e
		}
		return errorMessage(e, desc), page{Title: "Authorization Failed", Message: text}
	}

	code := query.Get(constants.QueryParamAuthorizationCode)
	if code == "" {
		return errorMessage(constants.CallbackErrorNoCode, ""),
			page{Title: "Authorization Failed", Message: "No authorization code received"}
	}

	var codeVerifier, consentID string
	if s := query.Get(constants.QueryParamState); decodeState && s != "" {
		st, err := DecodeState(s)
		if err != nil {
			l.WithError(err).Warn("failed to decode state parameter")
		} else {
			codeVerifier, consentID = st.CodeVerifier, st.ConsentID
		}
	}

	return successMessage(code, codeVerifier, consentID),
		page{Title: "Authorization Successful", Message: "You can close this window."}
}

func requestOrigin(r *http.Request, behindProxy bool) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	host := r.Host
	if !behindProxy {
		return strings.ToLower(scheme + "://" + host)
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(p, ",")[0]))
	}
	if h := r.Header.Get("X-Forwarded-Host"); h != "" {
		host = strings.TrimSpace(strings.Split(h, ",")[0])
	}
	return strings.ToLower(scheme + "://" + host)
}

func writePage(w http.ResponseWriter, pg page) {
	setSecurityHeaders(w)
	w.WriteHeader(http.StatusOK)
	_ = callbackPage.Execute(w, pg)
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; script-src 'none'; object-src 'none';")
}

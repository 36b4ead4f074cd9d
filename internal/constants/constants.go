package constants

import "time"

const (
	OpenFinancePortal = "open-finance-portal"

	QueryParamAuthorizationCode = "code"
	QueryParamError             = "error"
	QueryParamErrorDescription  = "error_description"
	QueryParamState             = "state"

	// SessionTTL is the fixed lifetime of a persisted session, regardless of
	// the expiry reported by the token provider.
	SessionTTL = 600 * time.Second

	SessionCookieName        = "auth_session"
	BrowserSessionCookieName = "portal_sid"

	MessageTypeOAuthCallback = "oauth_callback"

	CallbackErrorNoCode     = "no_code"
	CallbackErrorProcessing = "processing_error"

	// Permission ids that select UI groups but are not accepted by the
	// consent creation endpoint.
	PermissionBaseConsentID = "BaseConsentId"
	PermissionReadProduct   = "ReadProduct"
)

package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/render"
	"github.com/tidwall/gjson"

	"github.com/matheuscscp/open-finance-portal/internal/authflow"
	"github.com/matheuscscp/open-finance-portal/internal/gateway"
	"github.com/matheuscscp/open-finance-portal/internal/logging"
)

type errorResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	render.Status(r, status)
	render.JSON(w, r, payload)
}

func respondError(w http.ResponseWriter, r *http.Request, status int, message string) {
	respondJSON(w, r, status, errorResponse{Status: status, Message: message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := render.DecodeJSON(r.Body, v); err != nil {
		logging.FromRequest(r).WithError(err).Debug("failed to parse request body as JSON")
		respondError(w, r, http.StatusBadRequest, "Failed to parse request body as JSON")
		return false
	}
	return true
}

// respondGatewayError forwards the user-visible message of a failed
// gateway call.
func respondGatewayError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusBadGateway
	var apiErr *gateway.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
		status = http.StatusUnauthorized
	}
	logging.FromRequest(r).WithError(err).Error("gateway request failed")
	respondError(w, r, status, gateway.Message(err))
}

func authorizeErrorStatus(err error) int {
	var consentErr *authflow.ConsentCreationError
	var blockedErr *authflow.PopupBlockedError
	switch {
	case errors.Is(err, authflow.ErrAuthorizationInProgress):
		return http.StatusConflict
	case errors.Is(err, authflow.ErrTermsNotAccepted), errors.Is(err, authflow.ErrNoConsentsSelected):
		return http.StatusBadRequest
	case errors.As(err, &consentErr):
		return http.StatusBadGateway
	case errors.As(err, &blockedErr):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// dataOf unwraps the Data envelope of a provider payload.
func dataOf(raw []byte, path string) []byte {
	r := gjson.GetBytes(raw, path)
	if !r.Exists() {
		return raw
	}
	return []byte(r.Raw)
}

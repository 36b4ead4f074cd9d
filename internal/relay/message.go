package relay

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/matheuscscp/open-finance-portal/internal/constants"
)

// Message is what the callback page sends to the window that opened it.
type Message struct {
	Type             string `json:"type"`
	Success          bool   `json:"success"`
	Code             string `json:"code,omitempty"`
	CodeVerifier     string `json:"codeVerifier,omitempty"`
	ConsentID        string `json:"consentId,omitempty"`
	Error            string `json:"error,omitempty"`
	ErrorDescription string `json:"errorDescription,omitempty"`
}

func successMessage(code, codeVerifier, consentID string) Message {
	return Message{
		Type:         constants.MessageTypeOAuthCallback,
		Success:      true,
		Code:         code,
		CodeVerifier: codeVerifier,
		ConsentID:    consentID,
	}
}

func errorMessage(err, description string) Message {
	return Message{
		Type:             constants.MessageTypeOAuthCallback,
		Error:            err,
		ErrorDescription: description,
	}
}

// State is carried in the state parameter of the client callback as
// base64-encoded JSON.
type State struct {
	CodeVerifier string `json:"code_verifier"`
	ConsentID    string `json:"consent_id"`
}

func EncodeState(s State) string {
	b, _ := json.Marshal(s)
	return base64.StdEncoding.EncodeToString(b)
}

func DecodeState(s string) (*State, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		if b, err = base64.RawURLEncoding.DecodeString(s); err != nil {
			return nil, fmt.Errorf("state is not base64: %w", err)
		}
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("state is not JSON: %w", err)
	}
	return &st, nil
}

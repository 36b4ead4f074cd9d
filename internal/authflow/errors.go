package authflow

import (
	"errors"
	"fmt"
)

var (
	ErrAuthorizationInProgress = errors.New("authorization already in progress")
	ErrTermsNotAccepted        = errors.New("terms and conditions not accepted")
	ErrNoConsentsSelected      = errors.New("no permissions selected")
	ErrUserCancelled           = errors.New("authorization window was closed")
)

type ConsentCreationError struct {
	Err error
}

func (e *ConsentCreationError) Error() string {
	return fmt.Sprintf("consent creation failed: %v", e.Err)
}

func (e *ConsentCreationError) Unwrap() error {
	return e.Err
}

type PopupBlockedError struct {
	Err error
}

func (e *PopupBlockedError) Error() string {
	return fmt.Sprintf("failed to open authorization window: %v", e.Err)
}

func (e *PopupBlockedError) Unwrap() error {
	return e.Err
}

// AuthorizationDeniedError carries the error reported by the bank on the
// callback.
type AuthorizationDeniedError struct {
	Code        string
	Description string
}

func (e *AuthorizationDeniedError) Error() string {
	return fmt.Sprintf("authorization denied: %s: %s", e.Code, e.Description)
}

type TokenExchangeError struct {
	Err error
}

func (e *TokenExchangeError) Error() string {
	return fmt.Sprintf("token exchange failed: %v", e.Err)
}

func (e *TokenExchangeError) Unwrap() error {
	return e.Err
}

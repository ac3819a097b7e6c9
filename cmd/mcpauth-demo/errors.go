package main

import "errors"

// AuthRequiredError is returned when a connect attempt is still waiting on
// a browser-based authorization flow when the command gives up.
type AuthRequiredError struct {
	AuthURL string
}

func (e *AuthRequiredError) Error() string {
	return "authorization required: open " + e.AuthURL + " to continue"
}

// AuthFailedError wraps a failure reported by the OAuth flow itself (a
// denied consent screen, a token exchange error).
type AuthFailedError struct {
	Err error
}

func (e *AuthFailedError) Error() string { return "authorization failed: " + e.Err.Error() }
func (e *AuthFailedError) Unwrap() error { return e.Err }

func isAuthRequired(err error) bool {
	var e *AuthRequiredError
	return errors.As(err, &e)
}

func isAuthFailed(err error) bool {
	var e *AuthFailedError
	return errors.As(err, &e)
}

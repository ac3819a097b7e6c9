package session

import "errors"

// Sentinel errors for the operation table in spec.md §4.D.
var (
	// ErrNotReady is returned by any read/call operation issued while phase
	// is not PhaseReady.
	ErrNotReady = errors.New("session: not ready")

	// ErrAuthenticationTimedOut fires when the 5-minute auth timeout
	// expires while phase is PhaseAuthenticating.
	ErrAuthenticationTimedOut = errors.New("session: authentication timed out")

	// ErrPopupBlocked is surfaced when the provider couldn't launch a
	// browser; AuthURL on the snapshot still carries the manual link.
	ErrPopupBlocked = errors.New("session: failed to open browser for authorization")
)

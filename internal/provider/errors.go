package provider

import "errors"

// ErrCorruptFlow is returned when an in-flight authorization attempt's PKCE
// verifier is missing from storage — the Go analogue of spec.md's
// CorruptFlow condition.
var ErrCorruptFlow = errors.New("provider: authorization flow is missing its code verifier")

// ErrNoRegistrationEndpoint is returned by EnsureClientRegistration when the
// server has no stored client and no registration endpoint to dynamically
// register against.
var ErrNoRegistrationEndpoint = errors.New("provider: no registration endpoint and no pre-registered client")

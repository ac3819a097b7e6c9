package oauth

import "strings"

// IsTokenExpired narrows IsUnauthorized: it recognizes the subset of 401
// responses that specifically indicate the access token itself expired
// (refreshing it is likely to succeed) versus a 401 caused by something a
// refresh can't fix — an insufficient_scope rejection, an invalid_grant, or
// a client that was revoked outright (invalid_client). Callers use this to decide whether a
// refresh attempt is worth making before falling through to the full
// redirect-based authorization flow.
func IsTokenExpired(err error) bool {
	if err == nil {
		return false
	}

	s := strings.ToLower(err.Error())

	for _, notExpiry := range []string{"insufficient_scope", "invalid_client", "invalid_grant"} {
		if strings.Contains(s, notExpiry) {
			return false
		}
	}

	for _, expiry := range []string{
		"token expired",
		"token has expired",
		"access token expired",
		"expired_token",
		"invalid_token",
	} {
		if strings.Contains(s, expiry) {
			return true
		}
	}

	return false
}

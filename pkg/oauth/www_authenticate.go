package oauth

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// ParseWWWAuthenticate parses a WWW-Authenticate header value of the form
//
//	Bearer realm="https://auth.example.com", scope="openid profile"
//	Bearer resource_metadata="https://mcp.example.com/.well-known/oauth-protected-resource"
//
// into an AuthChallenge.
func ParseWWWAuthenticate(header string) (*AuthChallenge, error) {
	if header == "" {
		return nil, fmt.Errorf("empty WWW-Authenticate header")
	}

	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	challenge := &AuthChallenge{Scheme: parts[0]}

	if len(parts) > 1 {
		params := parseAuthParams(parts[1])

		if realm, ok := params["realm"]; ok {
			challenge.Realm = realm
			if strings.HasPrefix(realm, "http://") || strings.HasPrefix(realm, "https://") {
				challenge.Issuer = realm
			}
		}
		if rm, ok := params["resource_metadata"]; ok {
			challenge.ResourceMetadataURL = rm
		}
		if scope, ok := params["scope"]; ok {
			challenge.Scope = scope
		}
		if errCode, ok := params["error"]; ok {
			challenge.Error = errCode
		}
		if errDesc, ok := params["error_description"]; ok {
			challenge.ErrorDescription = errDesc
		}
	}

	return challenge, nil
}

var authParamPattern = regexp.MustCompile(`(\w+)="([^"]*)"`)

// parseAuthParams extracts key="value" pairs from the parameter portion of a
// WWW-Authenticate header.
func parseAuthParams(paramStr string) map[string]string {
	params := make(map[string]string)
	for _, match := range authParamPattern.FindAllStringSubmatch(paramStr, -1) {
		params[strings.ToLower(match[1])] = match[2]
	}
	return params
}

// ChallengeFromResponse extracts the auth challenge from a 401 response's
// WWW-Authenticate header, or nil if absent.
func ChallengeFromResponse(resp *http.Response) *AuthChallenge {
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		return nil
	}
	header := resp.Header.Get("WWW-Authenticate")
	if header == "" {
		return nil
	}
	challenge, err := ParseWWWAuthenticate(header)
	if err != nil {
		return nil
	}
	return challenge
}

// ChallengeFromErrorText does a best-effort extraction of a WWW-Authenticate
// challenge from an error's text, for transports (like mark3labs/mcp-go's)
// that wrap a 401 response into an error string rather than exposing the
// underlying *http.Response. It looks for a "Bearer" challenge substring and
// parses it the same way ChallengeFromResponse parses a real header value.
func ChallengeFromErrorText(errText string) *AuthChallenge {
	idx := strings.Index(errText, "Bearer")
	if idx < 0 {
		return nil
	}
	headerPart := errText[idx:]
	if end := strings.IndexAny(headerPart, "\n\r"); end > 0 {
		headerPart = headerPart[:end]
	}
	challenge, err := ParseWWWAuthenticate(headerPart)
	if err != nil {
		return nil
	}
	return challenge
}

// IsUnauthorized does a best-effort scan of an error's text for signs it
// came from a 401 response. mark3labs/mcp-go's transport errors don't always
// expose the underlying *http.Response, so this is the fallback used when a
// typed check isn't available.
func IsUnauthorized(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "401") || strings.Contains(strings.ToLower(s), "unauthorized")
}

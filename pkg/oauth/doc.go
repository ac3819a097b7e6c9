// Package oauth implements the protocol-level pieces of OAuth 2.1 needed by an
// MCP client: PKCE generation, WWW-Authenticate parsing, authorization-server
// metadata discovery (RFC 8414, with an OpenID Connect discovery fallback),
// and authorization-code/refresh-token exchange.
//
// It has no notion of "sessions" or "servers" — callers supply an issuer URL
// and get back metadata or tokens. Higher-level state (which server is
// authenticated, where its tokens live) belongs to internal/authstore and
// internal/session.
package oauth

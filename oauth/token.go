// Package oauth implements the OAuth 2.1 authorization-code flow with PKCE
// for MCP servers: endpoint discovery, dynamic client registration, token
// exchange and refresh, and pluggable credential storage keyed by server
// URL.
package oauth

import (
	"errors"
	"time"
)

// ErrAuthorizationRequired is returned when no usable token exists for a
// server and the embedder must run the authorization flow.
var ErrAuthorizationRequired = errors.New("OAuth authorization required")

// ExpiresSoonWindow is how far before expiry a token is refreshed.
const ExpiresSoonWindow = 5 * time.Minute

// Token is an issued access token. A zero ExpiresAt means the server did not
// communicate a lifetime.
type Token struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
}

// Expired reports whether the token's lifetime has elapsed.
func (t *Token) Expired() bool {
	return !t.ExpiresAt.IsZero() && !time.Now().Before(t.ExpiresAt)
}

// ExpiresSoon reports whether the token expires within ExpiresSoonWindow.
func (t *Token) ExpiresSoon() bool {
	return !t.ExpiresAt.IsZero() && time.Until(t.ExpiresAt) < ExpiresSoonWindow
}

// Valid reports whether the token exists and has not expired.
func (t *Token) Valid() bool {
	return t != nil && t.AccessToken != "" && !t.Expired()
}

// ClientInfo is the client credential set from static configuration or
// dynamic registration (RFC 7591).
type ClientInfo struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
}

// ServerMetadata is the authorization server metadata relevant to the flow
// (RFC 8414 subset).
type ServerMetadata struct {
	Issuer                        string   `json:"issuer,omitempty"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	RegistrationEndpoint          string   `json:"registration_endpoint,omitempty"`
	ScopesSupported               []string `json:"scopes_supported,omitempty"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// PKCEParams is one authorization attempt's proof key. Method is always
// S256; the plain method is never offered.
type PKCEParams struct {
	Verifier  string `json:"verifier"`
	Challenge string `json:"challenge"`
	Method    string `json:"method"`
}

package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	defaultClientName  = "mcpwire"
	defaultRedirectURI = "http://localhost:8080/callback"
)

// Provider runs the OAuth 2.1 authorization-code flow for one MCP server
// and hands out Authorization header values to its transport. It does not
// host a redirect listener: StartAuthorizationFlow returns the URL to send
// the user to, and the embedder relays the resulting code and state back
// into CompleteAuthorizationFlow.
//
// All methods are safe for concurrent use. Token refresh is serialized so
// parallel requests against an expiring token trigger a single refresh.
type Provider struct {
	serverURL   string
	storage     Storage
	httpClient  *http.Client
	logger      *zap.Logger
	scope       string
	redirectURI string
	clientName  string
	static      *ClientInfo
	allowHTTP   bool

	mu sync.Mutex
}

// Option configures a Provider.
type Option func(*Provider)

// WithStorage replaces the default in-memory store.
func WithStorage(s Storage) Option {
	return func(p *Provider) { p.storage = s }
}

// WithHTTPClient replaces the HTTP client used for discovery, registration,
// and token endpoint requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithLogger attaches a logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// WithScope sets the space-separated scope string requested during
// authorization.
func WithScope(scope string) Option {
	return func(p *Provider) { p.scope = scope }
}

// WithRedirectURI sets the redirect the embedder's callback handler is
// listening on.
func WithRedirectURI(uri string) Option {
	return func(p *Provider) { p.redirectURI = uri }
}

// WithClientName sets the client_name sent during dynamic registration and
// the fallback client_id for servers without a registration endpoint.
func WithClientName(name string) Option {
	return func(p *Provider) { p.clientName = name }
}

// WithStaticClient supplies pre-registered credentials, skipping dynamic
// registration.
func WithStaticClient(ci *ClientInfo) Option {
	return func(p *Provider) { p.static = ci }
}

// AllowHTTP disables the TLS requirement on the server URL and on
// discovered endpoints. Test servers only.
func AllowHTTP() Option {
	return func(p *Provider) { p.allowHTTP = true }
}

// NewProvider creates a Provider for the given MCP server URL.
func NewProvider(serverURL string, opts ...Option) (*Provider, error) {
	p := &Provider{
		serverURL:   serverURL,
		storage:     NewMemoryStorage(),
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		logger:      zap.NewNop(),
		redirectURI: defaultRedirectURI,
		clientName:  defaultClientName,
	}
	for _, opt := range opts {
		opt(p)
	}
	if _, err := serverOrigin(serverURL); err != nil {
		return nil, err
	}
	if err := requireHTTPS(serverURL, p.allowHTTP); err != nil {
		return nil, err
	}
	return p, nil
}

// ServerURL returns the MCP server URL this provider authorizes for. It is
// also the RFC 8707 resource value bound into every token request.
func (p *Provider) ServerURL() string { return p.serverURL }

// Storage exposes the underlying store, mainly so embedders sharing one
// persistent store across providers can inspect it.
func (p *Provider) Storage() Storage { return p.storage }

// StartAuthorizationFlow discovers the authorization server, ensures client
// credentials, generates fresh PKCE and state values, and returns the URL
// to direct the user to.
func (p *Provider) StartAuthorizationFlow(ctx context.Context) (string, error) {
	return p.startFlow(ctx, nil)
}

// StartAuthorizationFlowFromChallenge is StartAuthorizationFlow seeded with
// the Bearer challenge of a 401 response, so discovery can follow the
// challenge's resource_metadata URL (RFC 9728) before falling back to
// well-known paths.
func (p *Provider) StartAuthorizationFlowFromChallenge(ctx context.Context, ch *BearerChallenge) (string, error) {
	return p.startFlow(ctx, ch)
}

func (p *Provider) startFlow(ctx context.Context, ch *BearerChallenge) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	md, err := p.ensureMetadata(ctx, ch)
	if err != nil {
		return "", err
	}
	ci, err := p.ensureClientInfo(ctx, md)
	if err != nil {
		return "", err
	}

	pkce, err := NewPKCE()
	if err != nil {
		return "", err
	}
	state, err := GenerateState()
	if err != nil {
		return "", err
	}
	if err := p.storage.SetPKCE(p.serverURL, pkce); err != nil {
		return "", fmt.Errorf("persist PKCE params: %w", err)
	}
	if err := p.storage.SetAuthState(p.serverURL, state); err != nil {
		return "", fmt.Errorf("persist state: %w", err)
	}

	authURL := p.oauthConfig(md, ci).AuthCodeURL(state,
		oauth2.S256ChallengeOption(pkce.Verifier),
		oauth2.SetAuthURLParam("resource", p.serverURL),
	)
	p.logger.Debug("authorization flow started",
		zap.String("server", p.serverURL),
		zap.String("authorization_endpoint", md.AuthorizationEndpoint))
	return authURL, nil
}

// CompleteAuthorizationFlow exchanges the authorization code for a token
// and persists it. The stored state nonce and PKCE verifier are both
// consumed exactly once, whether or not the exchange succeeds.
func (p *Provider) CompleteAuthorizationFlow(ctx context.Context, code, state string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	storedState, err := p.storage.AuthState(p.serverURL)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if err := p.storage.DeleteAuthState(p.serverURL); err != nil {
		return fmt.Errorf("delete state: %w", err)
	}
	pkce, err := p.storage.PKCE(p.serverURL)
	if err != nil {
		return fmt.Errorf("load PKCE params: %w", err)
	}
	defer func() { _ = p.storage.DeletePKCE(p.serverURL) }()

	if storedState == "" || state != storedState {
		return errors.New("state mismatch: possible CSRF attack")
	}
	if pkce == nil {
		return errors.New("no authorization flow in progress")
	}

	md, err := p.storage.ServerMetadata(p.serverURL)
	if err != nil {
		return fmt.Errorf("load server metadata: %w", err)
	}
	ci, err := p.storage.ClientInfo(p.serverURL)
	if err != nil {
		return fmt.Errorf("load client info: %w", err)
	}
	if md == nil || ci == nil {
		return errors.New("authorization flow was never started")
	}

	octx := context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	otok, err := p.oauthConfig(md, ci).Exchange(octx, code,
		oauth2.VerifierOption(pkce.Verifier),
		oauth2.SetAuthURLParam("resource", p.serverURL),
	)
	if err != nil {
		return fmt.Errorf("token exchange: %w", err)
	}

	tok := &Token{
		AccessToken:  otok.AccessToken,
		TokenType:    otok.Type(),
		RefreshToken: otok.RefreshToken,
		ExpiresAt:    otok.Expiry,
	}
	if scope, ok := otok.Extra("scope").(string); ok {
		tok.Scope = scope
	}
	if err := p.storage.SetToken(p.serverURL, tok); err != nil {
		return fmt.Errorf("persist token: %w", err)
	}
	p.logger.Info("authorization complete", zap.String("server", p.serverURL))
	return nil
}

// AuthorizationHeader returns the value for the Authorization header,
// refreshing the stored token first when it expires within
// ExpiresSoonWindow and a refresh token is available. When no usable token
// exists, or refresh fails, it reports ErrAuthorizationRequired; a failed
// refresh also clears the stored token so the next attempt starts clean.
func (p *Provider) AuthorizationHeader(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tok, err := p.storage.Token(p.serverURL)
	if err != nil {
		return "", fmt.Errorf("load token: %w", err)
	}
	if tok == nil || tok.AccessToken == "" {
		return "", ErrAuthorizationRequired
	}

	if tok.Expired() || tok.ExpiresSoon() {
		switch {
		case tok.RefreshToken != "":
			refreshed, err := p.refresh(ctx, tok)
			if err != nil {
				p.logger.Warn("token refresh failed",
					zap.String("server", p.serverURL), zap.Error(err))
				_ = p.storage.DeleteToken(p.serverURL)
				return "", ErrAuthorizationRequired
			}
			tok = refreshed
		case tok.Expired():
			_ = p.storage.DeleteToken(p.serverURL)
			return "", ErrAuthorizationRequired
		}
		// Expiring soon with no refresh token: still valid, keep using it.
	}

	return "Bearer " + tok.AccessToken, nil
}

// InvalidateToken drops the stored token. Transports call this when the
// server rejects a request with 401 despite a fresh-looking token.
func (p *Provider) InvalidateToken(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.storage.DeleteToken(p.serverURL)
}

// Logout removes the stored token and client registration for the server.
func (p *Provider) Logout() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.storage.DeleteToken(p.serverURL); err != nil {
		return err
	}
	return p.storage.DeleteClientInfo(p.serverURL)
}

// refresh performs a refresh_token grant. x/oauth2's TokenSource cannot
// carry the RFC 8707 resource parameter, so the POST is built by hand.
// Callers hold p.mu.
func (p *Provider) refresh(ctx context.Context, tok *Token) (*Token, error) {
	md, err := p.ensureMetadata(ctx, nil)
	if err != nil {
		return nil, err
	}
	ci, err := p.storage.ClientInfo(p.serverURL)
	if err != nil {
		return nil, fmt.Errorf("load client info: %w", err)
	}
	if ci == nil {
		return nil, errors.New("no client registration on record")
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {tok.RefreshToken},
		"resource":      {p.serverURL},
		"client_id":     {ci.ClientID},
	}
	method := tokenEndpointAuthMethod(ci)
	if method == "client_secret_post" {
		form.Set("client_secret", ci.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, md.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if method == "client_secret_basic" {
		req.SetBasicAuth(ci.ClientID, ci.ClientSecret)
	}

	p.logger.Debug("refreshing access token", zap.String("server", p.serverURL))
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token endpoint request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned HTTP %d: %s", resp.StatusCode, body)
	}

	var tr struct {
		AccessToken  string `json:"access_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int    `json:"expires_in"`
		RefreshToken string `json:"refresh_token"`
		Scope        string `json:"scope"`
	}
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, errors.New("token response missing access_token")
	}

	refreshed := &Token{
		AccessToken:  tr.AccessToken,
		TokenType:    tr.TokenType,
		RefreshToken: tr.RefreshToken,
		Scope:        tr.Scope,
	}
	if refreshed.TokenType == "" {
		refreshed.TokenType = "Bearer"
	}
	// Servers may omit the rotation fields; keep the previous values.
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = tok.RefreshToken
	}
	if refreshed.Scope == "" {
		refreshed.Scope = tok.Scope
	}
	if tr.ExpiresIn > 0 {
		refreshed.ExpiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}

	if err := p.storage.SetToken(p.serverURL, refreshed); err != nil {
		// The refreshed token still works for this process.
		p.logger.Warn("failed to persist refreshed token",
			zap.String("server", p.serverURL), zap.Error(err))
	}
	return refreshed, nil
}

// ensureMetadata returns the stored authorization server metadata,
// discovering and persisting it on first use. Callers hold p.mu.
func (p *Provider) ensureMetadata(ctx context.Context, ch *BearerChallenge) (*ServerMetadata, error) {
	md, err := p.storage.ServerMetadata(p.serverURL)
	if err != nil {
		return nil, fmt.Errorf("load server metadata: %w", err)
	}
	if md != nil {
		return md, nil
	}

	if ch != nil {
		md, err = DiscoverFromChallenge(ctx, p.httpClient, ch)
		if err != nil {
			p.logger.Debug("challenge discovery failed, falling back to well-known paths",
				zap.String("server", p.serverURL), zap.Error(err))
			md = nil
		}
	}
	if md == nil {
		md, err = DiscoverServerMetadata(ctx, p.httpClient, p.serverURL)
		if err != nil {
			return nil, err
		}
	}

	if err := requireHTTPS(md.AuthorizationEndpoint, p.allowHTTP); err != nil {
		return nil, fmt.Errorf("authorization endpoint: %w", err)
	}
	if err := requireHTTPS(md.TokenEndpoint, p.allowHTTP); err != nil {
		return nil, fmt.Errorf("token endpoint: %w", err)
	}
	if !md.SupportsS256() {
		return nil, errors.New("authorization server does not support the S256 code challenge method")
	}

	if err := p.storage.SetServerMetadata(p.serverURL, md); err != nil {
		return nil, fmt.Errorf("persist server metadata: %w", err)
	}
	p.logger.Debug("discovered authorization server",
		zap.String("server", p.serverURL),
		zap.String("token_endpoint", md.TokenEndpoint))
	return md, nil
}

// ensureClientInfo returns stored or statically configured credentials,
// registering dynamically when the server advertises an endpoint. A failed
// registration falls back to the bare client name; some servers advertise
// registration they do not actually allow. Callers hold p.mu.
func (p *Provider) ensureClientInfo(ctx context.Context, md *ServerMetadata) (*ClientInfo, error) {
	ci, err := p.storage.ClientInfo(p.serverURL)
	if err != nil {
		return nil, fmt.Errorf("load client info: %w", err)
	}
	if ci != nil {
		return ci, nil
	}

	switch {
	case p.static != nil:
		ci = p.static
	case md.RegistrationEndpoint != "":
		if err := requireHTTPS(md.RegistrationEndpoint, p.allowHTTP); err != nil {
			return nil, fmt.Errorf("registration endpoint: %w", err)
		}
		ci, err = RegisterClient(ctx, p.httpClient, md.RegistrationEndpoint, p.clientName, p.redirectURI, p.scope)
		if err != nil {
			p.logger.Warn("dynamic client registration failed, using default client id",
				zap.String("server", p.serverURL), zap.Error(err))
			ci = p.fallbackClient()
		} else {
			p.logger.Info("registered oauth client",
				zap.String("server", p.serverURL),
				zap.String("client_id", ci.ClientID))
		}
	default:
		ci = p.fallbackClient()
	}

	if err := p.storage.SetClientInfo(p.serverURL, ci); err != nil {
		return nil, fmt.Errorf("persist client info: %w", err)
	}
	return ci, nil
}

func (p *Provider) fallbackClient() *ClientInfo {
	return &ClientInfo{
		ClientID:                p.clientName,
		RedirectURIs:            []string{p.redirectURI},
		TokenEndpointAuthMethod: "none",
	}
}

func (p *Provider) oauthConfig(md *ServerMetadata, ci *ClientInfo) *oauth2.Config {
	style := oauth2.AuthStyleInParams
	if tokenEndpointAuthMethod(ci) == "client_secret_basic" {
		style = oauth2.AuthStyleInHeader
	}
	return &oauth2.Config{
		ClientID:     ci.ClientID,
		ClientSecret: ci.ClientSecret,
		RedirectURL:  p.redirectURI,
		Scopes:       strings.Fields(p.scope),
		Endpoint: oauth2.Endpoint{
			AuthURL:   md.AuthorizationEndpoint,
			TokenURL:  md.TokenEndpoint,
			AuthStyle: style,
		},
	}
}

// tokenEndpointAuthMethod resolves how the client authenticates to the
// token endpoint. RFC 8414's default for confidential clients is
// client_secret_basic; clients without a secret are public ("none").
func tokenEndpointAuthMethod(ci *ClientInfo) string {
	if ci.TokenEndpointAuthMethod != "" {
		return ci.TokenEndpointAuthMethod
	}
	if ci.ClientSecret == "" {
		return "none"
	}
	return "client_secret_basic"
}

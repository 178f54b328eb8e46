package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	discoveryTimeout = 5 * time.Second
	maxMetadataBytes = 1 << 20
)

// ResourceMetadata is OAuth protected resource metadata (RFC 9728), served
// at /.well-known/oauth-protected-resource or at the URL named by a Bearer
// challenge's resource_metadata parameter.
type ResourceMetadata struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers"`
	ScopesSupported      []string `json:"scopes_supported,omitempty"`
}

// SupportsS256 reports whether md advertises the S256 code challenge
// method. An empty list counts as support: servers predating the metadata
// field are assumed capable, and the flow only ever offers S256 anyway.
func (md *ServerMetadata) SupportsS256() bool {
	if len(md.CodeChallengeMethodsSupported) == 0 {
		return true
	}
	for _, m := range md.CodeChallengeMethodsSupported {
		if m == "S256" {
			return true
		}
	}
	return false
}

// DiscoverServerMetadata locates the authorization server responsible for
// an MCP server. It tries protected resource metadata first (RFC 9728),
// then authorization server metadata at the server's own origin (RFC 8414),
// and finally falls back to the conventional /authorize and /token paths.
// Only the last step is infallible, so an error can only come from an
// unparsable server URL. A nil client gets a private one with a short
// timeout.
func DiscoverServerMetadata(ctx context.Context, client *http.Client, serverURL string) (*ServerMetadata, error) {
	origin, err := serverOrigin(serverURL)
	if err != nil {
		return nil, err
	}
	client = discoveryClient(client)

	var rm ResourceMetadata
	if err := fetchJSON(ctx, client, origin+"/.well-known/oauth-protected-resource", &rm); err == nil {
		for _, as := range rm.AuthorizationServers {
			if md, err := fetchServerMetadata(ctx, client, as); err == nil {
				return md, nil
			}
		}
	}

	if md, err := fetchServerMetadata(ctx, client, origin); err == nil {
		return md, nil
	}

	return &ServerMetadata{
		Issuer:                origin,
		AuthorizationEndpoint: origin + "/authorize",
		TokenEndpoint:         origin + "/token",
	}, nil
}

// DiscoverFromChallenge resolves authorization server metadata through the
// resource_metadata URL of a 401 Bearer challenge (RFC 9728 section 5).
// Unlike DiscoverServerMetadata it has no fallback: callers that get an
// error here typically retry with plain discovery.
func DiscoverFromChallenge(ctx context.Context, client *http.Client, ch *BearerChallenge) (*ServerMetadata, error) {
	if ch == nil || ch.ResourceMetadata == "" {
		return nil, errors.New("challenge has no resource_metadata")
	}
	client = discoveryClient(client)

	var rm ResourceMetadata
	if err := fetchJSON(ctx, client, ch.ResourceMetadata, &rm); err != nil {
		return nil, fmt.Errorf("fetch resource metadata: %w", err)
	}
	if len(rm.AuthorizationServers) == 0 {
		return nil, errors.New("resource metadata lists no authorization_servers")
	}

	var lastErr error
	for _, as := range rm.AuthorizationServers {
		md, err := fetchServerMetadata(ctx, client, as)
		if err != nil {
			lastErr = err
			continue
		}
		return md, nil
	}
	return nil, fmt.Errorf("authorization server discovery: %w", lastErr)
}

// fetchServerMetadata fetches RFC 8414 metadata from the well-known path at
// the origin of issuerURL and validates the fields the flow cannot run
// without.
func fetchServerMetadata(ctx context.Context, client *http.Client, issuerURL string) (*ServerMetadata, error) {
	origin, err := serverOrigin(issuerURL)
	if err != nil {
		return nil, err
	}
	var md ServerMetadata
	if err := fetchJSON(ctx, client, origin+"/.well-known/oauth-authorization-server", &md); err != nil {
		return nil, err
	}
	if md.AuthorizationEndpoint == "" {
		return nil, errors.New("metadata missing authorization_endpoint")
	}
	if md.TokenEndpoint == "" {
		return nil, errors.New("metadata missing token_endpoint")
	}
	return &md, nil
}

func fetchJSON(ctx context.Context, client *http.Client, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse metadata: %w", err)
	}
	return nil
}

// serverOrigin reduces a URL to scheme://host. Discovery documents live at
// origin-level well-known paths regardless of the resource path.
func serverOrigin(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse server URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("server URL %q has no scheme or host", rawURL)
	}
	return u.Scheme + "://" + u.Host, nil
}

func discoveryClient(client *http.Client) *http.Client {
	if client != nil {
		return client
	}
	return &http.Client{Timeout: discoveryTimeout}
}

// requireHTTPS rejects plain-http URLs. The authorization flow refuses to
// send codes or tokens over cleartext; AllowHTTP on the Provider disables
// the check for test servers.
func requireHTTPS(rawURL string, allowHTTP bool) error {
	if allowHTTP {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse URL: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("refusing non-https URL %q (OAuth endpoints must use TLS)", rawURL)
	}
	return nil
}

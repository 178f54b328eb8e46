package mcp

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mcpwire/mcpwire/config"
)

// Option customizes servers built by NewServer.
type Option func(*serverOptions)

type serverOptions struct {
	logger     *zap.Logger
	auth       AuthProvider
	httpClient *http.Client
	rateLimit  float64
	rateBurst  int
}

// WithLogger sets the logger for the constructed server.
func WithLogger(l *zap.Logger) Option {
	return func(o *serverOptions) { o.logger = l }
}

// WithAuthProvider attaches an authorization provider. It is used by the
// HTTP-based transports and ignored by stdio.
func WithAuthProvider(p AuthProvider) Option {
	return func(o *serverOptions) { o.auth = p }
}

// WithHTTPClient overrides the HTTP client used by HTTP-based transports.
func WithHTTPClient(c *http.Client) Option {
	return func(o *serverOptions) { o.httpClient = c }
}

// WithRateLimit caps outgoing requests at rps with the given burst. Zero
// disables limiting. Applies to the plain and streamable HTTP transports.
func WithRateLimit(rps float64, burst int) Option {
	return func(o *serverOptions) {
		o.rateLimit = rps
		o.rateBurst = burst
	}
}

// NewServer builds the transport matching the definition's type. Durations
// in the definition are in seconds and zero values fall back to the
// transport defaults.
func NewServer(def config.ServerDef, opts ...Option) (Server, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}

	switch def.Type {
	case config.TypeStdio:
		return NewStdioServer(StdioConfig{
			Name:        def.Name,
			Command:     def.Command,
			Env:         def.Env,
			ReadTimeout: seconds(def.ReadTimeout),
			Logger:      o.logger,
		})
	case config.TypeHTTP:
		return NewHTTPServer(httpConfig(def, o))
	case config.TypeStreamableHTTP:
		return NewStreamableHTTPServer(httpConfig(def, o))
	case config.TypeSSE:
		return NewSSEServer(SSEConfig{
			Name:         def.Name,
			BaseURL:      def.BaseURL,
			Headers:      def.Headers,
			ReadTimeout:  seconds(def.ReadTimeout),
			PingInterval: seconds(def.Ping),
			MaxRetries:   def.RetryCount(0),
			RetryBackoff: seconds(def.RetryBackoff),
			Auth:         o.auth,
			HTTPClient:   o.httpClient,
			Logger:       o.logger,
		})
	default:
		return nil, fmt.Errorf("unknown server type %q", def.Type)
	}
}

func httpConfig(def config.ServerDef, o serverOptions) HTTPConfig {
	return HTTPConfig{
		Name:         def.Name,
		BaseURL:      def.BaseURL,
		Endpoint:     def.Endpoint,
		Headers:      def.Headers,
		ReadTimeout:  seconds(def.ReadTimeout),
		MaxRetries:   def.RetryCount(defaultHTTPRetries),
		RetryBackoff: seconds(def.RetryBackoff),
		Auth:         o.auth,
		HTTPClient:   o.httpClient,
		RateLimit:    o.rateLimit,
		RateBurst:    o.rateBurst,
		Logger:       o.logger,
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

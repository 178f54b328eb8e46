package mcp

import (
	"context"
	"encoding/json"
	"net/http"
)

// HTTPServer talks JSON-RPC over plain HTTP POST: one request, one
// application/json response body. Servers that answer with event streams
// need the streamable transport instead.
type HTTPServer struct {
	*httpCore
}

// NewHTTPServer builds a plain HTTP server from cfg. The connection is
// logical only; the initialize handshake runs on first use.
func NewHTTPServer(cfg HTTPConfig) (*HTTPServer, error) {
	core, err := newHTTPCore(cfg)
	if err != nil {
		return nil, err
	}
	core.accept = "application/json"
	s := &HTTPServer{httpCore: core}
	core.decode = s.decodeResponse
	return s, nil
}

func (s *HTTPServer) decodeResponse(_ context.Context, resp *http.Response, id int64) (json.RawMessage, error) {
	return s.decodeJSONBody(resp, id)
}

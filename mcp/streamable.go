package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"go.uber.org/zap"
)

// StreamableHTTPServer implements the streamable HTTP transport. Each POST
// may be answered with a single application/json body or with a short-lived
// text/event-stream carrying notifications before the final response. Event
// ids seen on those streams are replayed as Last-Event-ID on subsequent
// requests so the server can resume delivery after a drop.
type StreamableHTTPServer struct {
	*httpCore
}

// NewStreamableHTTPServer builds a streamable HTTP server from cfg. Any
// overall timeout on a caller-supplied client is stripped so event streams
// are bounded by the read timeout rather than cut mid-stream.
func NewStreamableHTTPServer(cfg HTTPConfig) (*StreamableHTTPServer, error) {
	if cfg.HTTPClient != nil {
		cfg.HTTPClient = streamHTTPClient(cfg.HTTPClient)
	}
	core, err := newHTTPCore(cfg)
	if err != nil {
		return nil, err
	}
	core.accept = "application/json, text/event-stream"
	s := &StreamableHTTPServer{httpCore: core}
	core.decode = s.decodeResponse
	return s, nil
}

// decodeResponse branches on the response content type: JSON bodies resolve
// directly, event streams are scanned until the matching response arrives.
func (s *StreamableHTTPServer) decodeResponse(ctx context.Context, resp *http.Response, id int64) (json.RawMessage, error) {
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return s.scanStream(ctx, resp, id)
	}
	return s.decodeJSONBody(resp, id)
}

// LastEventID returns the id of the most recent event seen on a response
// stream, or "" before any id-bearing event arrives.
func (s *StreamableHTTPServer) LastEventID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEventID
}

// scanStream consumes SSE events until the response for id shows up.
// Notifications on the stream are dispatched to the registered handlers as
// they arrive.
func (s *StreamableHTTPServer) scanStream(ctx context.Context, resp *http.Response, id int64) (json.RawMessage, error) {
	defer resp.Body.Close()

	sc := newSSEScanner(resp.Body)
	for {
		ev, err := sc.Next()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil, &TransportError{Message: fmt.Sprintf("stream ended without a response to request %d", id)}
			}
			return nil, &TransportError{Message: "read event stream", Err: err}
		}
		if ev.ID != "" {
			s.setLastEventID(ev.ID)
		}
		if ev.Data == "" {
			continue
		}

		var msg rpcMessage
		if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
			s.logger.Warn("skipping malformed event", zap.Error(err))
			continue
		}
		switch {
		case msg.isNotification():
			s.dispatchNotification(msg.Method, msg.Params)
		case msg.isResponse() && msg.ID == id:
			return processResponse(&msg)
		default:
			s.logger.Debug("ignoring event for another request", zap.Int64("id", msg.ID))
		}
	}
}

package mcp

import (
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"

	"github.com/mcpwire/mcpwire/oauth"
)

func TestErrorMessages(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{&ToolNotFoundError{Tool: "search"}, `tool "search" not found on any server`},
		{&AmbiguousToolError{Tool: "search", Servers: []string{"a", "b"}},
			`tool "search" is provided by multiple servers (a, b); specify a server name`},
		{&ServerNotFoundError{Server: "github"}, `server "github" not found`},
		{&ToolCallError{Tool: "search", Server: "github", Err: errors.New("boom")},
			`call tool "search" on server "github": boom`},
		{&ConnectionError{Message: "Authorization failed: HTTP 401"}, "Authorization failed: HTTP 401"},
		{&ConnectionError{Message: "connect", Err: errors.New("refused")}, "connect: refused"},
		{&ServerError{Message: "Method not found", Code: -32601}, "RPC error -32601: Method not found"},
		{&ServerError{Message: "Server error: HTTP 502", HTTPStatus: 502}, "Server error: HTTP 502"},
		{&TransportError{Message: "decode response", Err: errors.New("bad json")}, "decode response: bad json"},
		{&TransportError{Message: "Timeout waiting for response to request 3 after 5s"},
			"Timeout waiting for response to request 3 after 5s"},
	}
	for _, tc := range cases {
		if got := tc.err.Error(); got != tc.want {
			t.Errorf("Error() = %q, want %q", got, tc.want)
		}
	}
}

func TestErrorsImplementTaxonomyInterface(t *testing.T) {
	kinds := []error{
		&ToolNotFoundError{Tool: "x"},
		&AmbiguousToolError{Tool: "x"},
		&ServerNotFoundError{Server: "x"},
		&ToolCallError{Tool: "x", Server: "y", Err: errors.New("z")},
		&ConnectionError{Message: "x"},
		&ServerError{Message: "x"},
		&TransportError{Message: "x"},
	}
	for _, kind := range kinds {
		var me Error
		if !errors.As(kind, &me) {
			t.Errorf("%T does not implement the Error interface", kind)
		}
	}
}

func TestErrorUnwrapping(t *testing.T) {
	inner := errors.New("pipe closed")

	wrapped := fmt.Errorf("connect %q: %w", "github",
		&ToolCallError{Tool: "t", Server: "s", Err: &ConnectionError{Message: "lost", Err: inner}})

	if !errors.Is(wrapped, inner) {
		t.Error("expected inner error to be reachable through the chain")
	}
	var ce *ConnectionError
	if !errors.As(wrapped, &ce) || ce.Message != "lost" {
		t.Errorf("expected ConnectionError in chain, got %v", ce)
	}
}

func TestConnectionErrorCarriesChallenge(t *testing.T) {
	challenge := &oauth.BearerChallenge{ResourceMetadata: "https://api.example.com/.well-known/oauth-protected-resource"}
	err := error(&ConnectionError{Message: "Authorization failed: HTTP 401", Challenge: challenge})

	var ce *ConnectionError
	if !errors.As(err, &ce) {
		t.Fatal("expected ConnectionError")
	}
	if ce.Challenge == nil || ce.Challenge.ResourceMetadata != challenge.ResourceMetadata {
		t.Errorf("challenge not carried: %+v", ce.Challenge)
	}
}

type fakeTimeoutError struct{ timeout bool }

func (e *fakeTimeoutError) Error() string   { return "fake net error" }
func (e *fakeTimeoutError) Timeout() bool   { return e.timeout }
func (e *fakeTimeoutError) Temporary() bool { return false }

func TestRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transport error", &TransportError{Message: "write frame"}, true},
		{"server error 5xx", &ServerError{Message: "Server error: HTTP 503", HTTPStatus: 503}, true},
		{"server error 4xx", &ServerError{Message: "Client error: HTTP 404", HTTPStatus: 404}, false},
		{"rpc error", &ServerError{Message: "invalid params", Code: CodeInvalidParams}, false},
		{"connection error", &ConnectionError{Message: "Authorization failed: HTTP 401"}, false},
		{"connection error wrapping EOF", &ConnectionError{Message: "lost", Err: io.EOF}, false},
		{"wrapped transport error", fmt.Errorf("op: %w", &TransportError{Message: "timeout"}), true},
		{"connection reset", syscall.ECONNRESET, true},
		{"eof", io.EOF, true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"net timeout", &fakeTimeoutError{timeout: true}, true},
		{"net non-timeout", &fakeTimeoutError{timeout: false}, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := retryable(tc.err); got != tc.want {
				t.Errorf("retryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

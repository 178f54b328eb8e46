// Package config holds MCP server definitions: the records handed to the
// transport factory, the JSON/YAML definition file loader, and an optional
// on-disk tool catalog.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Server definition types.
const (
	TypeStdio          = "stdio"
	TypeSSE            = "sse"
	TypeHTTP           = "http"
	TypeStreamableHTTP = "streamable_http"
)

// KnownType reports whether t names a supported transport.
func KnownType(t string) bool {
	switch t {
	case TypeStdio, TypeSSE, TypeHTTP, TypeStreamableHTTP:
		return true
	}
	return false
}

// Command is an argv vector. Definition files may write it either as a
// single string, split on whitespace, or as an explicit array.
type Command []string

func (c *Command) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = strings.Fields(s)
		return nil
	}
	var parts []string
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("command must be a string or an array of strings")
	}
	*c = parts
	return nil
}

// ServerDef is one server entry. Durations are in seconds, matching the
// definition file syntax; zero values are filled by Normalize.
type ServerDef struct {
	Name    string  `json:"name,omitempty"`
	Type    string  `json:"type"`
	Command Command `json:"command,omitempty"`

	Env map[string]string `json:"env,omitempty"`

	BaseURL  string            `json:"base_url,omitempty"`
	Endpoint string            `json:"endpoint,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`

	ReadTimeout  float64 `json:"read_timeout,omitempty"`
	Ping         float64 `json:"ping,omitempty"`
	Retries      *int    `json:"retries,omitempty"`
	RetryBackoff float64 `json:"retry_backoff,omitempty"`
}

// Normalize fills per-type defaults. index names otherwise anonymous
// servers by their position in the definition list.
func (d *ServerDef) Normalize(index int) {
	if d.Name == "" {
		d.Name = fmt.Sprintf("%s-%d", d.Type, index)
	}
	switch d.Type {
	case TypeSSE:
		if d.ReadTimeout == 0 {
			d.ReadTimeout = 30
		}
		if d.Ping == 0 {
			d.Ping = 10
		}
		if d.Retries == nil {
			d.Retries = intPtr(0)
		}
		if d.RetryBackoff == 0 {
			d.RetryBackoff = 1
		}
	case TypeHTTP, TypeStreamableHTTP:
		if d.Endpoint == "" {
			d.Endpoint = "/rpc"
		}
		if d.ReadTimeout == 0 {
			d.ReadTimeout = 30
		}
		if d.Retries == nil {
			d.Retries = intPtr(3)
		}
		if d.RetryBackoff == 0 {
			d.RetryBackoff = 1
		}
	}
}

// Validate checks the fields the factory cannot work without.
func (d *ServerDef) Validate() error {
	if d.Type == "" {
		return fmt.Errorf("server %q: missing type", d.Name)
	}
	if !KnownType(d.Type) {
		return fmt.Errorf("server %q: unknown type %q", d.Name, d.Type)
	}
	switch d.Type {
	case TypeStdio:
		if len(d.Command) == 0 {
			return fmt.Errorf("server %q: stdio requires a command", d.Name)
		}
	default:
		if d.BaseURL == "" {
			return fmt.Errorf("server %q: %s requires base_url", d.Name, d.Type)
		}
		u, err := url.Parse(d.BaseURL)
		if err != nil {
			return fmt.Errorf("server %q: invalid base_url: %w", d.Name, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("server %q: base_url must be http or https, got %q", d.Name, u.Scheme)
		}
	}
	return nil
}

// RetryCount resolves the retry knob, tolerating unnormalized defs.
func (d *ServerDef) RetryCount(fallback int) int {
	if d.Retries != nil {
		return *d.Retries
	}
	return fallback
}

func intPtr(v int) *int { return &v }

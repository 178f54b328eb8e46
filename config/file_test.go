package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParse_JSONArray(t *testing.T) {
	doc := `[
		{"name": "files", "type": "stdio", "command": "npx -y server-files"},
		{"type": "http", "base_url": "http://localhost:9000"}
	]`

	defs, err := Parse([]byte(doc), FormatJSON, nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("parsed %d defs, want 2", len(defs))
	}
	if defs[0].Name != "files" || defs[0].Type != TypeStdio {
		t.Errorf("def 0 = %+v", defs[0])
	}
	if len(defs[0].Command) != 3 || defs[0].Command[0] != "npx" {
		t.Errorf("command = %v", defs[0].Command)
	}
	// The anonymous entry gets a positional name and normalized defaults.
	if defs[1].Name != "http-1" {
		t.Errorf("def 1 name = %q", defs[1].Name)
	}
	if defs[1].Endpoint != "/rpc" || defs[1].ReadTimeout != 30 {
		t.Errorf("def 1 defaults = %+v", defs[1])
	}
}

func TestParse_JSONSingleObject(t *testing.T) {
	doc := `{"name": "solo", "type": "sse", "base_url": "http://localhost:9000/sse"}`

	defs, err := Parse([]byte(doc), FormatJSON, nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(defs) != 1 || defs[0].Name != "solo" || defs[0].Type != TypeSSE {
		t.Errorf("defs = %+v", defs)
	}
	if defs[0].Ping != 10 {
		t.Errorf("ping default = %v", defs[0].Ping)
	}
}

func TestParse_YAML(t *testing.T) {
	doc := `- name: files
  type: stdio
  command: npx -y server-files
  env:
    API_KEY: abc
- name: api
  type: streamable_http
  base_url: http://localhost:9000
  read_timeout: 15
`

	defs, err := Parse([]byte(doc), FormatYAML, nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("parsed %d defs, want 2", len(defs))
	}
	if defs[0].Env["API_KEY"] != "abc" {
		t.Errorf("env = %v", defs[0].Env)
	}
	if len(defs[0].Command) != 3 {
		t.Errorf("command = %v", defs[0].Command)
	}
	if defs[1].Type != TypeStreamableHTTP || defs[1].ReadTimeout != 15 {
		t.Errorf("def 1 = %+v", defs[1])
	}
}

func TestParse_YAMLCommandArray(t *testing.T) {
	doc := `name: files
type: stdio
command: [python, -m, server]
`

	defs, err := Parse([]byte(doc), FormatYAML, nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(defs) != 1 || len(defs[0].Command) != 3 || defs[0].Command[0] != "python" {
		t.Errorf("defs = %+v", defs)
	}
}

func TestParse_ExpandsEnvReferences(t *testing.T) {
	t.Setenv("MCPWIRE_TEST_TOKEN", "s3cret")

	doc := `{
		"name": "api",
		"type": "http",
		"base_url": "http://localhost:9000",
		"headers": {"Authorization": "Bearer ${MCPWIRE_TEST_TOKEN}", "X-Unset": "${MCPWIRE_TEST_UNSET}", "X-Bare": "$NOT_EXPANDED"}
	}`

	defs, err := Parse([]byte(doc), FormatJSON, nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	h := defs[0].Headers
	if h["Authorization"] != "Bearer s3cret" {
		t.Errorf("Authorization = %q", h["Authorization"])
	}
	if h["X-Unset"] != "" {
		t.Errorf("unset variable expanded to %q", h["X-Unset"])
	}
	if h["X-Bare"] != "$NOT_EXPANDED" {
		t.Errorf("bare dollar reference rewritten to %q", h["X-Bare"])
	}
}

func TestParse_SkipsUnknownTypes(t *testing.T) {
	doc := `[
		{"name": "future", "type": "websocket", "base_url": "ws://host"},
		{"name": "files", "type": "stdio", "command": "srv"}
	]`

	defs, err := Parse([]byte(doc), FormatJSON, nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(defs) != 1 || defs[0].Name != "files" {
		t.Errorf("defs = %+v", defs)
	}
}

func TestParse_Errors(t *testing.T) {
	if _, err := Parse([]byte(`null`), FormatJSON, nil); err == nil || !strings.Contains(err.Error(), "definition file is empty") {
		t.Errorf("null doc error = %v", err)
	}
	if _, err := Parse([]byte(`{invalid`), FormatJSON, nil); err == nil || !strings.Contains(err.Error(), "parse definition file") {
		t.Errorf("bad syntax error = %v", err)
	}
	if _, err := Parse([]byte(`[1, 2]`), FormatJSON, nil); err == nil || !strings.Contains(err.Error(), "not an object") {
		t.Errorf("non-object entry error = %v", err)
	}
	if _, err := Parse([]byte(`"hello"`), FormatJSON, nil); err == nil || !strings.Contains(err.Error(), "object or an array") {
		t.Errorf("scalar doc error = %v", err)
	}
	// Known type but invalid definition fails the load.
	if _, err := Parse([]byte(`{"name": "x", "type": "stdio"}`), FormatJSON, nil); err == nil || !strings.Contains(err.Error(), "stdio requires a command") {
		t.Errorf("invalid def error = %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "servers.json")
	if err := os.WriteFile(jsonPath, []byte(`[{"name": "a", "type": "stdio", "command": "srv"}]`), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	defs, err := LoadFile(jsonPath, nil)
	if err != nil {
		t.Fatalf("LoadFile json failed: %v", err)
	}
	if len(defs) != 1 || defs[0].Name != "a" {
		t.Errorf("json defs = %+v", defs)
	}

	yamlPath := filepath.Join(dir, "servers.yaml")
	yamlDoc := "- name: b\n  type: http\n  base_url: http://localhost:9000\n"
	if err := os.WriteFile(yamlPath, []byte(yamlDoc), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	defs, err = LoadFile(yamlPath, nil)
	if err != nil {
		t.Fatalf("LoadFile yaml failed: %v", err)
	}
	if len(defs) != 1 || defs[0].Name != "b" {
		t.Errorf("yaml defs = %+v", defs)
	}

	if _, err := LoadFile(filepath.Join(dir, "missing.json"), nil); err == nil || !strings.Contains(err.Error(), "read definition file") {
		t.Errorf("missing file error = %v", err)
	}
}

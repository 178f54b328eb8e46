// Package mcptest wires the scripted fake server into client tests.
package mcptest

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/mcpwire/mcpwire/config"
	"github.com/mcpwire/mcpwire/internal/mcptest/fakeserver"
)

// FakeServerConfig is an alias for fakeserver.Config for convenience.
type FakeServerConfig = fakeserver.Config

// Tool is an alias for fakeserver.Tool for convenience.
type Tool = fakeserver.Tool

// RPCError is an alias for fakeserver.RPCError for convenience.
type RPCError = fakeserver.RPCError

// StdioServerDef returns a stdio server definition whose command re-executes
// the test binary as a fake server running the given script. Test packages
// using it must expose the helper entry point:
//
//	func TestHelperProcess(t *testing.T) { mcptest.RunHelperProcess(t) }
func StdioServerDef(t *testing.T, name string, cfg FakeServerConfig) config.ServerDef {
	t.Helper()

	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal fake server config: %v", err)
	}
	return config.ServerDef{
		Name:    name,
		Type:    config.TypeStdio,
		Command: config.Command{os.Args[0], "-test.run=TestHelperProcess", "--"},
		Env: map[string]string{
			"GO_WANT_HELPER_PROCESS": "1",
			"FAKE_MCP_CFG":           string(cfgJSON),
		},
		ReadTimeout: 5,
	}
}

// RunHelperProcess implements the fake server when the test binary is
// re-executed as a child process. It does nothing in a normal test run.
func RunHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	cfgJSON := os.Getenv("FAKE_MCP_CFG")
	if cfgJSON == "" {
		os.Exit(2)
	}

	var cfg fakeserver.Config
	if err := json.Unmarshal([]byte(cfgJSON), &cfg); err != nil {
		os.Exit(2)
	}

	if err := fakeserver.Serve(context.Background(), os.Stdin, os.Stdout, cfg); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

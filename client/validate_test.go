package client

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/mcpwire/mcpwire/mcp"
)

var citySchema = json.RawMessage(`{
	"type": "object",
	"properties": {"city": {"type": "string"}},
	"required": ["city"],
	"additionalProperties": false
}`)

func TestSchemaCache_Validate(t *testing.T) {
	sc := newSchemaCache()
	tl := mcp.Tool{Name: "get_weather", Server: "alpha", InputSchema: citySchema}

	if err := sc.validate(tl, map[string]any{"city": "berlin"}); err != nil {
		t.Fatalf("conforming args: %v", err)
	}

	err := sc.validate(tl, map[string]any{"city": 42})
	if err == nil || !strings.Contains(err.Error(), `arguments for tool "get_weather" do not match its schema`) {
		t.Fatalf("wrong type = %v", err)
	}

	if err := sc.validate(tl, nil); err == nil {
		t.Fatal("expected nil args to fail the required check")
	}

	// No schema means anything goes.
	free := mcp.Tool{Name: "free_form", Server: "alpha"}
	if err := sc.validate(free, map[string]any{"whatever": true}); err != nil {
		t.Fatalf("schemaless tool: %v", err)
	}
}

func TestSchemaCache_InvalidSchema(t *testing.T) {
	sc := newSchemaCache()
	tl := mcp.Tool{Name: "broken", Server: "alpha", InputSchema: json.RawMessage(`{"not json`)}

	err := sc.validate(tl, map[string]any{})
	if err == nil || !strings.Contains(err.Error(), `tool "broken" has an invalid input schema`) {
		t.Fatalf("invalid schema = %v", err)
	}
}

func TestSchemaCache_RecompilesOnSchemaChange(t *testing.T) {
	sc := newSchemaCache()
	stringSchema := json.RawMessage(`{"type":"object","properties":{"a":{"type":"string"}},"required":["a"]}`)
	numberSchema := json.RawMessage(`{"type":"object","properties":{"a":{"type":"number"}},"required":["a"]}`)

	tl := mcp.Tool{Name: "convert", Server: "alpha", InputSchema: stringSchema}
	if err := sc.validate(tl, map[string]any{"a": "text"}); err != nil {
		t.Fatalf("string schema: %v", err)
	}
	if err := sc.validate(tl, map[string]any{"a": 1}); err == nil {
		t.Fatal("expected a number to fail the string schema")
	}

	// The server now advertises a different schema under the same name.
	tl.InputSchema = numberSchema
	if err := sc.validate(tl, map[string]any{"a": 1}); err != nil {
		t.Fatalf("number schema after change: %v", err)
	}
}

func TestClient_SchemaValidation(t *testing.T) {
	ctx := testContext(t)
	alpha := newFakeServer("alpha",
		mcp.Tool{Name: "get_weather", InputSchema: citySchema},
		tool("free_form"))
	c, err := NewFromServers([]mcp.Server{alpha}, WithSchemaValidation())
	if err != nil {
		t.Fatalf("NewFromServers: %v", err)
	}
	defer c.Close()

	_, err = c.CallTool(ctx, "get_weather", map[string]any{"city": 42})
	if err == nil || !strings.Contains(err.Error(), "do not match its schema") {
		t.Fatalf("invalid args = %v", err)
	}
	if calls := alpha.callNames(); len(calls) != 0 {
		t.Fatalf("server called with invalid args: %v", calls)
	}

	_, err = c.CallTool(ctx, "get_weather", nil)
	if err == nil || !strings.Contains(err.Error(), "do not match its schema") {
		t.Fatalf("missing required arg = %v", err)
	}

	res, err := c.CallTool(ctx, "get_weather", map[string]any{"city": "berlin"})
	if err != nil {
		t.Fatalf("valid args: %v", err)
	}
	if got := res.Text(); got != "alpha:get_weather" {
		t.Fatalf("result = %q", got)
	}

	if _, err := c.CallTool(ctx, "free_form", map[string]any{"anything": true}); err != nil {
		t.Fatalf("schemaless tool: %v", err)
	}
}

func TestClient_SchemaValidationAppliesToStreaming(t *testing.T) {
	ctx := testContext(t)
	alpha := newFakeServer("alpha", mcp.Tool{Name: "get_weather", InputSchema: citySchema})
	c, err := NewFromServers([]mcp.Server{alpha}, WithSchemaValidation())
	if err != nil {
		t.Fatalf("NewFromServers: %v", err)
	}
	defer c.Close()

	_, err = c.CallToolStreaming(ctx, "get_weather", map[string]any{"city": 42})
	if err == nil || !strings.Contains(err.Error(), "do not match its schema") {
		t.Fatalf("invalid args = %v", err)
	}
}

func TestClient_SchemaValidationSkipsUncatalogedTool(t *testing.T) {
	ctx := testContext(t)
	alpha := newFakeServer("alpha", mcp.Tool{Name: "get_weather", InputSchema: citySchema})
	c, err := NewFromServers([]mcp.Server{alpha}, WithSchemaValidation())
	if err != nil {
		t.Fatalf("NewFromServers: %v", err)
	}
	defer c.Close()

	// Pinned calls may target tools the catalog does not list; with no
	// schema on record there is nothing to enforce.
	if _, err := c.CallTool(ctx, "undocumented", map[string]any{"city": 42}, WithServer("alpha")); err != nil {
		t.Fatalf("uncataloged tool: %v", err)
	}
}

func TestClient_ValidationOffByDefault(t *testing.T) {
	ctx := testContext(t)
	alpha := newFakeServer("alpha", mcp.Tool{Name: "get_weather", InputSchema: citySchema})
	c := mustClient(t, alpha)

	if _, err := c.CallTool(ctx, "get_weather", map[string]any{"city": 42}); err != nil {
		t.Fatalf("validation unexpectedly enforced: %v", err)
	}
}

package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/mcpwire/mcpwire/mcp"
)

// schemaCache compiles tool input schemas on first use and recompiles only
// when a server starts advertising a different schema for the same tool.
type schemaCache struct {
	mu       sync.Mutex
	compiled map[string]*compiledSchema
}

type compiledSchema struct {
	raw    string
	schema *jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{compiled: make(map[string]*compiledSchema)}
}

// validate checks args against the tool's input schema. Tools without a
// schema accept anything.
func (sc *schemaCache) validate(tool mcp.Tool, args map[string]any) error {
	if len(tool.InputSchema) == 0 {
		return nil
	}

	schema, err := sc.schemaFor(tool)
	if err != nil {
		return err
	}

	// Round-trip through JSON so values arrive in their wire types.
	if args == nil {
		args = map[string]any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("arguments for tool %q do not match its schema: %w", tool.Name, err)
	}
	return nil
}

func (sc *schemaCache) schemaFor(tool mcp.Tool) (*jsonschema.Schema, error) {
	key := tool.Server + "\x00" + tool.Name
	raw := string(tool.InputSchema)

	sc.mu.Lock()
	defer sc.mu.Unlock()
	if c, ok := sc.compiled[key]; ok && c.raw == raw {
		return c.schema, nil
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(tool.InputSchema))
	if err != nil {
		return nil, fmt.Errorf("tool %q has an invalid input schema: %w", tool.Name, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("tool %q has an invalid input schema: %w", tool.Name, err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("tool %q has an invalid input schema: %w", tool.Name, err)
	}

	sc.compiled[key] = &compiledSchema{raw: raw, schema: schema}
	return schema, nil
}

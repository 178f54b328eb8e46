package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"
)

const maxDefinitionFileSize = 1 << 20

// Format selects the definition file syntax.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

var envPattern = regexp.MustCompile(`\$\{[A-Za-z_][A-Za-z0-9_]*\}`)

// ExpandEnv replaces ${VAR} references with values from the environment.
// Unset variables expand to the empty string. Bare $VAR is left alone so
// command strings with shell-ish arguments survive.
func ExpandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(m []byte) []byte {
		return []byte(os.Getenv(string(m[2 : len(m)-1])))
	})
}

// LoadFile reads a server-definition file. The format follows the file
// extension: .yaml and .yml parse as YAML, everything else as JSON.
func LoadFile(path string, logger *zap.Logger) ([]ServerDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition file: %w", err)
	}
	if len(data) > maxDefinitionFileSize {
		return nil, fmt.Errorf("definition file %s exceeds %d bytes", path, maxDefinitionFileSize)
	}
	format := FormatJSON
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = FormatYAML
	}
	return Parse(data, format, logger)
}

// Parse decodes a definition document holding one server object or an
// array of them. ${VAR} references are expanded first. Entries with an
// unknown type are skipped with a warning rather than failing the load, so
// one file can serve clients of different vintages.
func Parse(data []byte, format Format, logger *zap.Logger) ([]ServerDef, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	data = ExpandEnv(data)

	entries, err := decodeEntries(data, format)
	if err != nil {
		return nil, err
	}

	defs := make([]ServerDef, 0, len(entries))
	for i, entry := range entries {
		raw, err := json.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("server entry %d: %w", i, err)
		}
		var def ServerDef
		if err := json.Unmarshal(raw, &def); err != nil {
			return nil, fmt.Errorf("server entry %d: %w", i, err)
		}
		if !KnownType(def.Type) {
			logger.Warn("skipping server definition with unknown type",
				zap.String("type", def.Type),
				zap.String("name", def.Name))
			continue
		}
		def.Normalize(len(defs))
		if err := def.Validate(); err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// decodeEntries parses the document into generic maps. koanf wants a map
// at the top level, so the document is wrapped under a "servers" key
// first; that also normalizes the one-object and array shapes.
func decodeEntries(data []byte, format Format) ([]map[string]any, error) {
	k := koanf.New(".")

	var (
		wrapped []byte
		parser  koanf.Parser
	)
	switch format {
	case FormatYAML:
		wrapped = wrapYAML(data)
		parser = kyaml.Parser()
	default:
		wrapped = wrapJSON(data)
		parser = kjson.Parser()
	}
	if err := k.Load(rawbytes.Provider(wrapped), parser); err != nil {
		return nil, fmt.Errorf("parse definition file: %w", err)
	}

	switch v := k.Get("servers").(type) {
	case nil:
		return nil, errors.New("definition file is empty")
	case map[string]any:
		return []map[string]any{v}, nil
	case []any:
		out := make([]map[string]any, 0, len(v))
		for i, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("server entry %d is not an object", i)
			}
			out = append(out, m)
		}
		return out, nil
	default:
		return nil, errors.New("definition file must hold an object or an array of objects")
	}
}

func wrapJSON(data []byte) []byte {
	var b bytes.Buffer
	b.WriteString(`{"servers":`)
	b.Write(data)
	b.WriteString("}")
	return b.Bytes()
}

// wrapYAML nests the whole document two spaces under a servers: key.
// Uniform indentation preserves YAML structure; a leading document marker
// would not survive it and is dropped.
func wrapYAML(data []byte) []byte {
	text := strings.TrimPrefix(string(data), "---\n")
	var b strings.Builder
	b.WriteString("servers:\n")
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			b.WriteString("\n")
			continue
		}
		b.WriteString("  ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	return []byte(b.String())
}

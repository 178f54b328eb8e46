package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tiktoken-go/tokenizer"
)

const toolCacheVersion = 1

// ToolCache is an on-disk catalog of discovered tools with precomputed
// token counts, so embedders can budget LLM context before connecting to
// any server. Entries are keyed by server name and refreshed after each
// successful tools/list.
type ToolCache struct {
	path  string
	cache toolCacheFile
	mu    sync.RWMutex
}

type toolCacheFile struct {
	Version int                        `json:"version"`
	Servers map[string]serverToolEntry `json:"servers"`
}

type serverToolEntry struct {
	Tools     []CachedTool `json:"tools"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// CachedTool is one catalog entry.
type CachedTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	TokenCount  int             `json:"tokenCount"`
}

// CachedToolInput is the update payload; token counts are computed here.
type CachedToolInput struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// NewToolCache creates or loads the catalog at
// ~/.config/mcpwire/toolcache.json.
func NewToolCache() (*ToolCache, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	return NewToolCacheAt(filepath.Join(home, ".config", "mcpwire", "toolcache.json")), nil
}

// NewToolCacheAt creates or loads a catalog at a specific path.
func NewToolCacheAt(path string) *ToolCache {
	tc := &ToolCache{
		path: path,
		cache: toolCacheFile{
			Version: toolCacheVersion,
			Servers: make(map[string]serverToolEntry),
		},
	}
	tc.load()
	return tc
}

// Update replaces a server's catalog entry and persists the file.
func (tc *ToolCache) Update(server string, tools []CachedToolInput) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	cached := make([]CachedTool, len(tools))
	for i, t := range tools {
		cached[i] = CachedTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
			TokenCount:  CountToolTokens(t.Name, t.Description, t.InputSchema),
		}
	}
	tc.cache.Servers[server] = serverToolEntry{Tools: cached, UpdatedAt: time.Now()}
	return tc.save()
}

// Get returns the cached tools for a server, if any.
func (tc *ToolCache) Get(server string) ([]CachedTool, bool) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	entry, ok := tc.cache.Servers[server]
	if !ok {
		return nil, false
	}
	return entry.Tools, true
}

// Delete removes a server's entry.
func (tc *ToolCache) Delete(server string) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if _, ok := tc.cache.Servers[server]; !ok {
		return nil
	}
	delete(tc.cache.Servers, server)
	return tc.save()
}

// load tolerates a missing, corrupt, or stale-versioned file by starting
// empty; the catalog is a cache, never a source of truth.
func (tc *ToolCache) load() {
	data, err := os.ReadFile(tc.path)
	if err != nil {
		return
	}
	var file toolCacheFile
	if err := json.Unmarshal(data, &file); err != nil {
		return
	}
	if file.Version != toolCacheVersion {
		return
	}
	if file.Servers == nil {
		file.Servers = make(map[string]serverToolEntry)
	}
	tc.cache = file
}

func (tc *ToolCache) save() error {
	if err := os.MkdirAll(filepath.Dir(tc.path), 0o700); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	data, err := json.MarshalIndent(tc.cache, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tool cache: %w", err)
	}

	tmp := tc.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp cache: %w", err)
	}
	if err := os.Rename(tmp, tc.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename cache: %w", err)
	}
	return nil
}

// CountToolTokens measures a tool definition with the cl100k_base
// vocabulary, the encoding most chat models price against. Tokenizer
// failures fall back to the usual four-characters-per-token estimate.
func CountToolTokens(name, description string, schema json.RawMessage) int {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return estimateTokens(name, description, schema)
	}
	total := countOrEstimate(codec, name) + countOrEstimate(codec, description)
	if len(schema) > 0 {
		total += countOrEstimate(codec, string(schema))
	}
	return total
}

func countOrEstimate(codec tokenizer.Codec, text string) int {
	tokens, _, err := codec.Encode(text)
	if err != nil {
		return len(text) / 4
	}
	return len(tokens)
}

func estimateTokens(name, desc string, schema json.RawMessage) int {
	return (len(name) + len(desc) + len(schema)) / 4
}

package oauth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	credentialsDir     = ".config/mcpwire"
	credentialsFile    = "credentials.json"
	credentialsVersion = 1
)

// FileStorage persists tokens, client registrations, and discovered
// metadata to a JSON file under the user's home directory. PKCE and state
// entries are deliberately kept in memory only: they are one-shot values
// scoped to a single process, and writing verifiers to disk would widen
// their exposure for no benefit.
type FileStorage struct {
	*MemoryStorage

	path string
	mu   sync.Mutex
}

type fileRecord struct {
	Token    *Token          `json:"token,omitempty"`
	Client   *ClientInfo     `json:"client,omitempty"`
	Metadata *ServerMetadata `json:"metadata,omitempty"`
}

type fileFormat struct {
	Version int                    `json:"version"`
	Servers map[string]*fileRecord `json:"servers"`
}

// NewFileStorage creates a store at ~/.config/mcpwire/credentials.json.
func NewFileStorage() (*FileStorage, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	return NewFileStorageAt(filepath.Join(home, credentialsDir, credentialsFile)), nil
}

// NewFileStorageAt creates a store backed by a specific file path.
func NewFileStorageAt(path string) *FileStorage {
	return &FileStorage{MemoryStorage: NewMemoryStorage(), path: path}
}

func (s *FileStorage) Token(serverURL string) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	if rec, ok := doc.Servers[serverURL]; ok {
		return rec.Token, nil
	}
	return nil, nil
}

func (s *FileStorage) SetToken(serverURL string, tok *Token) error {
	return s.update(serverURL, func(rec *fileRecord) { rec.Token = tok })
}

func (s *FileStorage) DeleteToken(serverURL string) error {
	return s.update(serverURL, func(rec *fileRecord) { rec.Token = nil })
}

func (s *FileStorage) ClientInfo(serverURL string) (*ClientInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	if rec, ok := doc.Servers[serverURL]; ok {
		return rec.Client, nil
	}
	return nil, nil
}

func (s *FileStorage) SetClientInfo(serverURL string, ci *ClientInfo) error {
	return s.update(serverURL, func(rec *fileRecord) { rec.Client = ci })
}

func (s *FileStorage) DeleteClientInfo(serverURL string) error {
	return s.update(serverURL, func(rec *fileRecord) { rec.Client = nil })
}

func (s *FileStorage) ServerMetadata(serverURL string) (*ServerMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	if rec, ok := doc.Servers[serverURL]; ok {
		return rec.Metadata, nil
	}
	return nil, nil
}

func (s *FileStorage) SetServerMetadata(serverURL string, md *ServerMetadata) error {
	return s.update(serverURL, func(rec *fileRecord) { rec.Metadata = md })
}

func (s *FileStorage) DeleteServerMetadata(serverURL string) error {
	return s.update(serverURL, func(rec *fileRecord) { rec.Metadata = nil })
}

func (s *FileStorage) update(serverURL string, fn func(*fileRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	rec, ok := doc.Servers[serverURL]
	if !ok {
		rec = &fileRecord{}
		doc.Servers[serverURL] = rec
	}
	fn(rec)
	if rec.Token == nil && rec.Client == nil && rec.Metadata == nil {
		delete(doc.Servers, serverURL)
	}
	return s.save(doc)
}

// load reads the file fresh on every operation so multiple processes
// sharing the file observe each other's writes. Caller holds s.mu.
func (s *FileStorage) load() (*fileFormat, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &fileFormat{Version: credentialsVersion, Servers: map[string]*fileRecord{}}, nil
		}
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	var doc fileFormat
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	if doc.Version != credentialsVersion {
		return nil, fmt.Errorf("credentials file version %d not supported", doc.Version)
	}
	if doc.Servers == nil {
		doc.Servers = map[string]*fileRecord{}
	}
	return &doc, nil
}

// save writes atomically via a temp file so a crash mid-write never leaves
// a truncated credentials file. Caller holds s.mu.
func (s *FileStorage) save(doc *fileFormat) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename credentials: %w", err)
	}
	return nil
}

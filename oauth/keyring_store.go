package oauth

import (
	"encoding/json"
	"fmt"

	"github.com/zalando/go-keyring"
)

const keyringService = "mcpwire"

// KeyringStorage keeps tokens, client registrations, and discovered
// metadata in the operating system keychain. Like FileStorage it holds the
// one-shot PKCE and state entries in memory only.
type KeyringStorage struct {
	*MemoryStorage
}

// NewKeyringStorage probes the system keychain and returns a store backed
// by it. It fails when no keyring backend is available (headless Linux
// without a secret service, for example), letting callers fall back to
// FileStorage.
func NewKeyringStorage() (*KeyringStorage, error) {
	if _, err := keyring.Get(keyringService, "availability-probe"); err != nil && err != keyring.ErrNotFound {
		return nil, fmt.Errorf("keyring not available: %w", err)
	}
	return &KeyringStorage{MemoryStorage: NewMemoryStorage()}, nil
}

func (s *KeyringStorage) Token(serverURL string) (*Token, error) {
	var tok Token
	ok, err := s.get("token", serverURL, &tok)
	if err != nil || !ok {
		return nil, err
	}
	return &tok, nil
}

func (s *KeyringStorage) SetToken(serverURL string, tok *Token) error {
	return s.set("token", serverURL, tok)
}

func (s *KeyringStorage) DeleteToken(serverURL string) error {
	return s.delete("token", serverURL)
}

func (s *KeyringStorage) ClientInfo(serverURL string) (*ClientInfo, error) {
	var ci ClientInfo
	ok, err := s.get("client", serverURL, &ci)
	if err != nil || !ok {
		return nil, err
	}
	return &ci, nil
}

func (s *KeyringStorage) SetClientInfo(serverURL string, ci *ClientInfo) error {
	return s.set("client", serverURL, ci)
}

func (s *KeyringStorage) DeleteClientInfo(serverURL string) error {
	return s.delete("client", serverURL)
}

func (s *KeyringStorage) ServerMetadata(serverURL string) (*ServerMetadata, error) {
	var md ServerMetadata
	ok, err := s.get("metadata", serverURL, &md)
	if err != nil || !ok {
		return nil, err
	}
	return &md, nil
}

func (s *KeyringStorage) SetServerMetadata(serverURL string, md *ServerMetadata) error {
	return s.set("metadata", serverURL, md)
}

func (s *KeyringStorage) DeleteServerMetadata(serverURL string) error {
	return s.delete("metadata", serverURL)
}

func keyringKey(kind, serverURL string) string {
	return kind + "|" + serverURL
}

func (s *KeyringStorage) get(kind, serverURL string, out any) (bool, error) {
	data, err := keyring.Get(keyringService, keyringKey(kind, serverURL))
	if err != nil {
		if err == keyring.ErrNotFound {
			return false, nil
		}
		return false, fmt.Errorf("keyring get: %w", err)
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return false, fmt.Errorf("parse keyring entry: %w", err)
	}
	return true, nil
}

func (s *KeyringStorage) set(kind, serverURL string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal keyring entry: %w", err)
	}
	if err := keyring.Set(keyringService, keyringKey(kind, serverURL), string(data)); err != nil {
		return fmt.Errorf("keyring set: %w", err)
	}
	return nil
}

func (s *KeyringStorage) delete(kind, serverURL string) error {
	if err := keyring.Delete(keyringService, keyringKey(kind, serverURL)); err != nil && err != keyring.ErrNotFound {
		return fmt.Errorf("keyring delete: %w", err)
	}
	return nil
}

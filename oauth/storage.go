package oauth

import "sync"

// TokenStore persists issued tokens, keyed by server URL. Lookups of an
// absent entry return (nil, nil).
type TokenStore interface {
	Token(serverURL string) (*Token, error)
	SetToken(serverURL string, tok *Token) error
	DeleteToken(serverURL string) error
}

// ClientInfoStore persists client credentials, keyed by server URL.
type ClientInfoStore interface {
	ClientInfo(serverURL string) (*ClientInfo, error)
	SetClientInfo(serverURL string, ci *ClientInfo) error
	DeleteClientInfo(serverURL string) error
}

// MetadataStore caches discovered authorization server metadata, keyed by
// server URL.
type MetadataStore interface {
	ServerMetadata(serverURL string) (*ServerMetadata, error)
	SetServerMetadata(serverURL string, md *ServerMetadata) error
	DeleteServerMetadata(serverURL string) error
}

// FlowStateStore holds the one-shot PKCE parameters and CSRF state nonce of
// an in-flight authorization attempt. Entries are written when a flow
// starts and deleted exactly once when it completes, successfully or not.
type FlowStateStore interface {
	PKCE(serverURL string) (*PKCEParams, error)
	SetPKCE(serverURL string, p *PKCEParams) error
	DeletePKCE(serverURL string) error

	AuthState(serverURL string) (string, error)
	SetAuthState(serverURL string, state string) error
	DeleteAuthState(serverURL string) error
}

// Storage is the full pluggable persistence contract. All implementations
// must be safe for concurrent use.
type Storage interface {
	TokenStore
	ClientInfoStore
	MetadataStore
	FlowStateStore
}

// MemoryStorage is the default process-local Storage.
type MemoryStorage struct {
	mu      sync.RWMutex
	records map[string]*memoryRecord
}

type memoryRecord struct {
	token    *Token
	client   *ClientInfo
	metadata *ServerMetadata
	pkce     *PKCEParams
	state    string
	hasState bool
}

// NewMemoryStorage returns an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{records: make(map[string]*memoryRecord)}
}

func (s *MemoryStorage) record(serverURL string) *memoryRecord {
	rec, ok := s.records[serverURL]
	if !ok {
		rec = &memoryRecord{}
		s.records[serverURL] = rec
	}
	return rec
}

func (s *MemoryStorage) Token(serverURL string) (*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.records[serverURL]; ok {
		return rec.token, nil
	}
	return nil, nil
}

func (s *MemoryStorage) SetToken(serverURL string, tok *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(serverURL).token = tok
	return nil
}

func (s *MemoryStorage) DeleteToken(serverURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[serverURL]; ok {
		rec.token = nil
	}
	return nil
}

func (s *MemoryStorage) ClientInfo(serverURL string) (*ClientInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.records[serverURL]; ok {
		return rec.client, nil
	}
	return nil, nil
}

func (s *MemoryStorage) SetClientInfo(serverURL string, ci *ClientInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(serverURL).client = ci
	return nil
}

func (s *MemoryStorage) DeleteClientInfo(serverURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[serverURL]; ok {
		rec.client = nil
	}
	return nil
}

func (s *MemoryStorage) ServerMetadata(serverURL string) (*ServerMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.records[serverURL]; ok {
		return rec.metadata, nil
	}
	return nil, nil
}

func (s *MemoryStorage) SetServerMetadata(serverURL string, md *ServerMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(serverURL).metadata = md
	return nil
}

func (s *MemoryStorage) DeleteServerMetadata(serverURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[serverURL]; ok {
		rec.metadata = nil
	}
	return nil
}

func (s *MemoryStorage) PKCE(serverURL string) (*PKCEParams, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.records[serverURL]; ok {
		return rec.pkce, nil
	}
	return nil, nil
}

func (s *MemoryStorage) SetPKCE(serverURL string, p *PKCEParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(serverURL).pkce = p
	return nil
}

func (s *MemoryStorage) DeletePKCE(serverURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[serverURL]; ok {
		rec.pkce = nil
	}
	return nil
}

func (s *MemoryStorage) AuthState(serverURL string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.records[serverURL]; ok && rec.hasState {
		return rec.state, nil
	}
	return "", nil
}

func (s *MemoryStorage) SetAuthState(serverURL string, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record(serverURL)
	rec.state = state
	rec.hasState = true
	return nil
}

func (s *MemoryStorage) DeleteAuthState(serverURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[serverURL]; ok {
		rec.state = ""
		rec.hasState = false
	}
	return nil
}

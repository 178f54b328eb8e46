package oauth

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFileStorage_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	s := NewFileStorageAt(path)
	const url = "https://mcp.example/api"

	tok := &Token{
		AccessToken:  "at",
		TokenType:    "Bearer",
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(time.Hour).UTC().Truncate(time.Second),
	}
	if err := s.SetToken(url, tok); err != nil {
		t.Fatalf("SetToken failed: %v", err)
	}
	if err := s.SetClientInfo(url, &ClientInfo{ClientID: "client-1"}); err != nil {
		t.Fatalf("SetClientInfo failed: %v", err)
	}
	if err := s.SetServerMetadata(url, &ServerMetadata{AuthorizationEndpoint: "https://as.example/authorize", TokenEndpoint: "https://as.example/token"}); err != nil {
		t.Fatalf("SetServerMetadata failed: %v", err)
	}

	// A second store at the same path sees the same data, the way two
	// processes sharing the credentials file would.
	other := NewFileStorageAt(path)
	got, err := other.Token(url)
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if got == nil || got.AccessToken != "at" || got.RefreshToken != "rt" || !got.ExpiresAt.Equal(tok.ExpiresAt) {
		t.Errorf("token = %+v", got)
	}
	ci, _ := other.ClientInfo(url)
	if ci == nil || ci.ClientID != "client-1" {
		t.Errorf("client info = %+v", ci)
	}
	md, _ := other.ServerMetadata(url)
	if md == nil || md.TokenEndpoint != "https://as.example/token" {
		t.Errorf("metadata = %+v", md)
	}

	if err := s.DeleteToken(url); err != nil {
		t.Fatalf("DeleteToken failed: %v", err)
	}
	if got, _ := other.Token(url); got != nil {
		t.Errorf("token survived delete: %+v", got)
	}
}

func TestFileStorage_FilePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	s := NewFileStorageAt(path)

	if err := s.SetToken("https://mcp.example", &Token{AccessToken: "secret"}); err != nil {
		t.Fatalf("SetToken failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o600 {
		t.Errorf("file mode = %o, want 600", got)
	}
}

func TestFileStorage_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	s := NewFileStorageAt(path)
	if _, err := s.Token("https://mcp.example"); err == nil || !strings.Contains(err.Error(), "parse credentials") {
		t.Errorf("corrupt file error = %v", err)
	}
}

func TestFileStorage_VersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	if err := os.WriteFile(path, []byte(`{"version":99,"servers":{}}`), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	s := NewFileStorageAt(path)
	if _, err := s.Token("https://mcp.example"); err == nil || !strings.Contains(err.Error(), "version 99 not supported") {
		t.Errorf("version mismatch error = %v", err)
	}
}

func TestFileStorage_PKCEStaysOffDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	s := NewFileStorageAt(path)
	const url = "https://mcp.example/api"

	if err := s.SetToken(url, &Token{AccessToken: "at"}); err != nil {
		t.Fatalf("SetToken failed: %v", err)
	}
	if err := s.SetPKCE(url, &PKCEParams{Verifier: "super-secret-verifier", Challenge: "c", Method: "S256"}); err != nil {
		t.Fatalf("SetPKCE failed: %v", err)
	}
	if err := s.SetAuthState(url, "csrf-nonce-value"); err != nil {
		t.Fatalf("SetAuthState failed: %v", err)
	}

	// The one-shot flow values stay in memory.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if strings.Contains(string(data), "super-secret-verifier") || strings.Contains(string(data), "csrf-nonce-value") {
		t.Error("flow secrets written to disk")
	}

	// But they still read back within the process.
	if p, _ := s.PKCE(url); p == nil || p.Verifier != "super-secret-verifier" {
		t.Errorf("PKCE = %+v", p)
	}
	if st, _ := s.AuthState(url); st != "csrf-nonce-value" {
		t.Errorf("AuthState = %q", st)
	}
}

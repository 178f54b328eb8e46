package oauth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"
)

// NewPKCE generates a fresh verifier/challenge pair. Only the S256 method
// is produced; plain is not supported.
func NewPKCE() (*PKCEParams, error) {
	verifier := oauth2.GenerateVerifier()
	return &PKCEParams{
		Verifier:  verifier,
		Challenge: oauth2.S256ChallengeFromVerifier(verifier),
		Method:    "S256",
	}, nil
}

// GenerateState returns a 32-byte random nonce for CSRF binding of the
// authorization redirect.
func GenerateState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

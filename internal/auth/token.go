// Package auth provides agent token generation, hashing, and comparison
// utilities used by both the edge server and CLI admin commands.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// TokenPrefix marks a2rok agent tokens so they are recognisable in configs.
const TokenPrefix = "a2r_"

// GenerateToken returns a cryptographically random, URL-safe agent token.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return TokenPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// GeneratePepper returns a random server-side secret mixed into token hashes.
func GeneratePepper() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// HashToken returns a deterministic SHA-256 hex digest of token + pepper.
func HashToken(token, pepper string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token) + ":" + pepper))
	return hex.EncodeToString(sum[:])
}

// ConstantTimeHashEquals compares two hex hash strings in constant time.
func ConstantTimeHashEquals(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

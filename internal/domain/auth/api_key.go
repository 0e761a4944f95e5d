// Package auth verifies admin API keys against configured hashes.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/alexedwards/argon2id"
)

// ErrInvalidKey is returned when an API key does not match any configured hash.
var ErrInvalidKey = errors.New("invalid api key")

// ErrUnknownHashType is returned when a stored hash has an unrecognized format.
var ErrUnknownHashType = errors.New("unknown hash type")

// Verifier checks presented admin keys against a fixed set of stored hashes.
// Plaintext keys from the environment are accepted too, compared in constant
// time, so a bare AGENTGATE_ADMIN_API_KEY works without pre-hashing.
type Verifier struct {
	stored []string
}

// NewVerifier creates a verifier over the configured key material. Entries may
// be Argon2id PHC hashes, sha256-prefixed or bare hex digests, or plaintext.
func NewVerifier(stored []string) *Verifier {
	keys := make([]string, 0, len(stored))
	for _, s := range stored {
		if s = strings.TrimSpace(s); s != "" {
			keys = append(keys, s)
		}
	}
	return &Verifier{stored: keys}
}

// Verify reports whether the raw key matches any configured entry.
func (v *Verifier) Verify(rawKey string) bool {
	if rawKey == "" {
		return false
	}
	for _, stored := range v.stored {
		if match, err := VerifyKey(rawKey, stored); err == nil && match {
			return true
		}
	}
	return false
}

// HashKey returns the SHA-256 hex hash of the raw key.
func HashKey(rawKey string) string {
	hash := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(hash[:])
}

// argon2idParams follows the OWASP minimum for Argon2id.
var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashKeyArgon2id returns an Argon2id hash of the raw key in PHC format
// ($argon2id$v=19$m=47104,t=1,p=1$<salt>$<hash>).
func HashKeyArgon2id(rawKey string) (string, error) {
	return argon2id.CreateHash(rawKey, argon2idParams)
}

// DetectHashType identifies the stored hash format: "argon2id" for PHC,
// "sha256" for prefixed or bare 64-char hex, "plaintext" otherwise.
func DetectHashType(storedHash string) string {
	if strings.HasPrefix(storedHash, "$argon2id$") {
		return "argon2id"
	}
	if strings.HasPrefix(storedHash, "sha256:") {
		return "sha256"
	}
	if len(storedHash) == 64 && isHexString(storedHash) {
		return "sha256"
	}
	return "plaintext"
}

func isHexString(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// VerifyKey verifies a raw key against one stored entry. All comparisons are
// constant time over the hashed material.
func VerifyKey(rawKey, storedHash string) (bool, error) {
	switch DetectHashType(storedHash) {
	case "argon2id":
		return safeArgon2idCompare(rawKey, storedHash)
	case "sha256":
		expected := strings.TrimPrefix(storedHash, "sha256:")
		computed := HashKey(rawKey)
		return subtle.ConstantTimeCompare([]byte(computed), []byte(expected)) == 1, nil
	default:
		// Plaintext: hash both sides before comparing to keep equal work per
		// candidate regardless of lengths.
		computed := HashKey(rawKey)
		expected := HashKey(storedHash)
		return subtle.ConstantTimeCompare([]byte(computed), []byte(expected)) == 1, nil
	}
}

// safeArgon2idCompare converts argon2id panics on malformed PHC strings into
// errors so Verify never panics on bad config.
func safeArgon2idCompare(rawKey, storedHash string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(rawKey, storedHash)
}

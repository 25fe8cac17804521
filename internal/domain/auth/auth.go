// Package auth implements the API-key authenticator collaborator.
// Authentication runs before the scan gate so unauthenticated traffic
// never spends scan cycles.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/alexedwards/argon2id"
	"github.com/cespare/xxhash/v2"
)

// KeyHeader is the explicit OnGarde API-key header. It is consumed at the
// proxy boundary and never forwarded upstream.
const KeyHeader = "X-OnGarde-Key"

// BearerPrefix marks an OnGarde key carried in the Authorization header.
// Provider keys (Bearer sk-...) pass through to the upstream untouched.
const BearerPrefix = "Bearer ong-"

// ErrUnauthorized is returned when no valid OnGarde key accompanies the
// request. The transport maps it to HTTP 401.
var ErrUnauthorized = errors.New("auth: invalid or missing api key")

// Authenticator resolves a request to a user id.
type Authenticator interface {
	// Authenticate returns the user id for the request or ErrUnauthorized.
	Authenticate(r *http.Request) (string, error)
}

// Key is one configured API key. Hash is either an argon2id PHC string or
// a sha256:<hex> / bare-hex digest (the fast path for config-seeded keys).
type Key struct {
	UserID string
	Hash   string
}

// APIKeyAuthenticator validates OnGarde keys against a static key set.
// With no keys configured it degrades to anonymous mode: every request is
// accepted under the "anonymous" user id, which keeps single-operator
// deployments working without an auth file.
type APIKeyAuthenticator struct {
	keys []Key
}

// NewAPIKeyAuthenticator builds an authenticator over the configured keys.
func NewAPIKeyAuthenticator(keys []Key) *APIKeyAuthenticator {
	return &APIKeyAuthenticator{keys: keys}
}

// Authenticate extracts the OnGarde key from X-OnGarde-Key or an
// Authorization bearer with the ong- prefix and verifies it against the
// key set.
func (a *APIKeyAuthenticator) Authenticate(r *http.Request) (string, error) {
	if len(a.keys) == 0 {
		return "anonymous", nil
	}

	raw := extractKey(r)
	if raw == "" {
		return "", ErrUnauthorized
	}

	for _, key := range a.keys {
		match, err := verifyKey(raw, key.Hash)
		if err != nil {
			continue
		}
		if match {
			return key.UserID, nil
		}
	}
	return "", ErrUnauthorized
}

// extractKey pulls the raw OnGarde key off the request, or "".
func extractKey(r *http.Request) string {
	if k := r.Header.Get(KeyHeader); k != "" {
		return k
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, BearerPrefix) {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// HashKey returns the sha256:<hex> form used for config-seeded keys.
func HashKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// HashKeyArgon2id returns an argon2id PHC hash with OWASP-minimum
// parameters.
func HashKeyArgon2id(rawKey string) (string, error) {
	return argon2id.CreateHash(rawKey, &argon2id.Params{
		Memory:      47 * 1024,
		Iterations:  1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	})
}

// Fingerprint returns a short stable identifier for a key, safe for logs.
func Fingerprint(rawKey string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(rawKey))
}

// verifyKey checks a raw key against a stored hash, supporting argon2id
// PHC strings and sha256 digests (prefixed or bare hex).
func verifyKey(rawKey, storedHash string) (bool, error) {
	switch {
	case strings.HasPrefix(storedHash, "$argon2id$"):
		return safeArgon2idCompare(rawKey, storedHash)

	case strings.HasPrefix(storedHash, "sha256:"), isHex64(storedHash):
		expected := strings.TrimPrefix(storedHash, "sha256:")
		sum := sha256.Sum256([]byte(rawKey))
		computed := hex.EncodeToString(sum[:])
		return subtle.ConstantTimeCompare([]byte(computed), []byte(expected)) == 1, nil

	default:
		return false, fmt.Errorf("auth: unknown hash format")
	}
}

// safeArgon2idCompare converts argon2id panics on malformed hashes into
// errors so a bad config entry cannot take down a request.
func safeArgon2idCompare(rawKey, storedHash string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("auth: invalid argon2id hash: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(rawKey, storedHash)
}

func isHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

var _ Authenticator = (*APIKeyAuthenticator)(nil)

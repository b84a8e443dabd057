package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id cost parameters for API-key hashing. The keyring is tiny and
// verification happens once per token exchange, so the cost can stay high
// enough to make offline brute force of a leaked keyring impractical.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// HashAPIKey hashes an API key with Argon2id for keyring storage. The
// result is "salt$hash", both parts base64; feed it to Credential.KeyHash.
func HashAPIKey(apiKey string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(apiKey), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return fmt.Sprintf("%s$%s",
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(hash),
	), nil
}

// VerifyAPIKey checks an API key against a stored "salt$hash" value in
// constant time.
func VerifyAPIKey(apiKey, encoded string) (bool, error) {
	salt, expected, err := decodeHash(encoded)
	if err != nil {
		return false, err
	}

	computed := argon2.IDKey([]byte(apiKey), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return subtle.ConstantTimeCompare(expected, computed) == 1, nil
}

// DummyVerify burns an Argon2id hash with the real cost parameters. The
// token exchange calls it when the presented user_id is not in the keyring,
// so response timing does not reveal which user ids are provisioned.
func DummyVerify() {
	argon2.IDKey([]byte("dummy"), make([]byte, saltLen), argonTime, argonMemory, argonThreads, argonKeyLen)
}

// decodeHash splits and decodes a stored "salt$hash" value.
func decodeHash(encoded string) (salt, hash []byte, err error) {
	parts := strings.SplitN(encoded, "$", 2)
	if len(parts) != 2 {
		return nil, nil, fmt.Errorf("auth: invalid hash format")
	}

	salt, err = base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, nil, fmt.Errorf("auth: decode salt: %w", err)
	}

	hash, err = base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, nil, fmt.Errorf("auth: decode hash: %w", err)
	}

	return salt, hash, nil
}

package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/crypto/argon2"
)

const hashSaltLabel = "codecanvas/extension-token-hash/v1"

// HashParams tunes the argon2id cost.
type HashParams struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
	KeyLen  uint32
}

// DefaultHashParams follows the OWASP argon2id baseline.
var DefaultHashParams = HashParams{Time: 2, Memory: 19 * 1024, Threads: 1, KeyLen: 32}

// TokenHasher derives the stored lookup key of a token. The output is
// deterministic so records can be found by hash; the salt is a pepper
// derived from the signing secret and never stored next to the hashes.
type TokenHasher struct {
	salt   []byte
	params HashParams
}

// NewTokenHasher builds a hasher keyed by secret.
func NewTokenHasher(secret []byte, params HashParams) *TokenHasher {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(hashSaltLabel))
	if params.KeyLen == 0 {
		params.KeyLen = DefaultHashParams.KeyLen
	}
	if params.Threads == 0 {
		params.Threads = 1
	}
	return &TokenHasher{salt: mac.Sum(nil), params: params}
}

// Hash returns the hex encoded argon2id digest of token.
func (h *TokenHasher) Hash(token string) string {
	key := argon2.IDKey([]byte(token), h.salt, h.params.Time, h.params.Memory, h.params.Threads, h.params.KeyLen)
	return hex.EncodeToString(key)
}

// Matches compares token against a stored hash in constant time.
func (h *TokenHasher) Matches(token, hash string) bool {
	return subtle.ConstantTimeCompare([]byte(h.Hash(token)), []byte(hash)) == 1
}

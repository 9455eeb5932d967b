package credentials

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Hasher turns a raw agent token into the one-way hash stored in credentials.key_hash
type Hasher interface {
	Hash(token string) string
}

// NewHasher returns a SHA-256 hasher, keyed with HMAC when pepper is set
func NewHasher(pepper string) Hasher {
	if pepper == "" {
		return sha256Hasher{}
	}
	return hmacHasher{key: []byte(pepper)}
}

type sha256Hasher struct{}

func (sha256Hasher) Hash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

type hmacHasher struct {
	key []byte
}

func (h hmacHasher) Hash(token string) string {
	mac := hmac.New(sha256.New, h.key)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

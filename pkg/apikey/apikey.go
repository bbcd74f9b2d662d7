package apikey

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Prefix marks keys issued for service-to-service publishing.
const Prefix = "nk_live"

// GenerateKey creates a new API key with the given prefix.
// Format: {prefix}_{48_random_hex_chars}
func GenerateKey(prefix, secret string) (key string, hash string, err error) {
	bytes := make([]byte, 24)
	if _, err := rand.Read(bytes); err != nil {
		return "", "", err
	}
	fullKey := fmt.Sprintf("%s_%s", prefix, hex.EncodeToString(bytes))
	return fullKey, HashKey(fullKey, secret), nil
}

// HashKey hashes the full API key for storage using HMAC-SHA256.
func HashKey(key, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether key hashes to storedHash, in constant time.
func Verify(key, secret, storedHash string) bool {
	if key == "" || storedHash == "" {
		return false
	}
	want, err := hex.DecodeString(storedHash)
	if err != nil {
		return false
	}
	got, _ := hex.DecodeString(HashKey(key, secret))
	return hmac.Equal(got, want)
}

// ValidateKeyFormat checks if the key matches the expected format prefix.
func ValidateKeyFormat(key, expectedPrefix string) bool {
	return strings.HasPrefix(key, expectedPrefix+"_")
}

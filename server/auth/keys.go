// Package auth issues and verifies API keys.
//
// Keys look like {key_id}.{secret}, where key_id carries a tl_ prefix.
// The key_id half is public and indexable; only an HMAC of the secret
// half is stored, so a leaked database cannot be replayed against the
// API.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

var pepper []byte

func init() {
	v := os.Getenv("API_KEY_PEPPER")
	if v == "" {
		// Startup must not silently mint unverifiable keys; dev gets a
		// loud default instead.
		fmt.Println("WARNING: API_KEY_PEPPER not set. Using insecure default for local dev ONLY.")
		v = "insecure_default_pepper_for_dev_mode_only"
	}
	pepper = []byte(v)
}

// Mint generates a fresh key. plaintext is shown to the caller exactly
// once; keyID and hash are what gets persisted.
func Mint() (plaintext, keyID, hash string, err error) {
	idBytes := make([]byte, 6)
	if _, err = rand.Read(idBytes); err != nil {
		return "", "", "", err
	}
	secretBytes := make([]byte, 24)
	if _, err = rand.Read(secretBytes); err != nil {
		return "", "", "", err
	}

	keyID = "tl_" + hex.EncodeToString(idBytes)
	secret := hex.EncodeToString(secretBytes)
	return keyID + "." + secret, keyID, Sign(secret), nil
}

// Sign computes the stored HMAC for a key secret.
func Sign(secret string) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(secret))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether secret matches the stored hash, in constant time.
func Verify(hash, secret string) bool {
	return hmac.Equal([]byte(hash), []byte(Sign(secret)))
}

// SplitKey breaks a presented key into its id and secret halves.
func SplitKey(token string) (keyID, secret string, err error) {
	keyID, secret, ok := strings.Cut(token, ".")
	if !ok || !strings.HasPrefix(keyID, "tl_") || len(keyID) == 3 || secret == "" {
		return "", "", errors.New("malformed api key")
	}
	return keyID, secret, nil
}

// RandomToken returns n random bytes hex-encoded. Used for monitor ping
// tokens, webhook secrets and invite tokens.
func RandomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"
	"regexp"
)

const (
	// SubIDAlphabet is the character set of subscription ids.
	SubIDAlphabet = "abcdefghijklmnopqrstuvwxyz123456789"
	// CredentialAlphabet is used for generated socks/http accounts.
	CredentialAlphabet = "abcdefghijkmnpqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	shadowsocksKeyLen = 32
)

var validBase64 = regexp.MustCompile(`^[A-Za-z0-9+/]+=*$`)

// GenerateShadowsocksKey returns a base64 32-byte key suitable for 2022-blake3-aes-256-gcm.
func GenerateShadowsocksKey() (string, error) {
	key := make([]byte, shadowsocksKeyLen)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate random bytes for shadowsocks key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// IsValidShadowsocksKey checks that key is standard base64 of exactly 32 bytes.
func IsValidShadowsocksKey(key string) bool {
	// 32 bytes encode to 44 characters.
	if len(key) != 44 || !validBase64.MatchString(key) {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(key)
	return err == nil && len(raw) == shadowsocksKeyLen
}

// RandomString draws n characters uniformly from alphabet.
func RandomString(alphabet string, n int) (string, error) {
	if alphabet == "" {
		return "", fmt.Errorf("empty alphabet")
	}
	max := big.NewInt(int64(len(alphabet)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to draw random index: %w", err)
		}
		out[i] = alphabet[idx.Int64()]
	}
	return string(out), nil
}

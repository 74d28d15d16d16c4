// Package encryption protects OAuth tokens at rest and provides the random
// values used by the OAuth flow (state tokens, PKCE verifiers) plus webhook
// signature checks.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
)

// ErrCrypto is returned for every envelope that cannot be decrypted.
var ErrCrypto = errors.New("crypto error")

const (
	keySize   = 32
	tagSize   = 16
	separator = ":"
)

// Vault encrypts and decrypts token envelopes with AES-256-GCM.
// An envelope is hex(nonce):hex(tag):hex(ciphertext).
type Vault struct {
	aead      cipher.AEAD
	ephemeral bool
}

// New creates a vault from a 64 character hex key. When keyHex is empty the
// vault uses a random key that only lives as long as the process.
func New(keyHex string, logger *zap.Logger) (*Vault, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		key       []byte
		ephemeral bool
	)

	keyHex = strings.TrimSpace(keyHex)
	if keyHex == "" {
		key = make([]byte, keySize)
		if _, err := io.ReadFull(rand.Reader, key); err != nil {
			return nil, fmt.Errorf("failed to generate session key: %w", err)
		}

		ephemeral = true

		logger.Warn("ENCRYPTION_KEY not set: using a random session key, tokens encrypted now cannot be decrypted after a restart")
	} else {
		decoded, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("ENCRYPTION_KEY must be hex encoded: %w", err)
		}

		if len(decoded) != keySize {
			return nil, fmt.Errorf("ENCRYPTION_KEY must decode to %d bytes, got %d", keySize, len(decoded))
		}

		key = decoded
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCMWithTagSize(block, tagSize)
	if err != nil {
		return nil, err
	}

	return &Vault{aead: gcm, ephemeral: ephemeral}, nil
}

// Ephemeral reports whether the vault runs on a per-process random key.
func (v *Vault) Ephemeral() bool {
	return v.ephemeral
}

// Encrypt seals plaintext with a fresh random nonce.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := v.aead.Seal(nil, nonce, []byte(plaintext), nil)
	ciphertext, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return strings.Join([]string{
		hex.EncodeToString(nonce),
		hex.EncodeToString(tag),
		hex.EncodeToString(ciphertext),
	}, separator), nil
}

// Decrypt opens an envelope produced by Encrypt. Malformed envelopes and
// envelopes failing authentication return ErrCrypto.
func (v *Vault) Decrypt(envelope string) (string, error) {
	parts := strings.Split(envelope, separator)
	if len(parts) != 3 {
		return "", fmt.Errorf("%w: expected 3 envelope parts, got %d", ErrCrypto, len(parts))
	}

	nonce, err := hex.DecodeString(parts[0])
	if err != nil || len(nonce) != v.aead.NonceSize() {
		return "", fmt.Errorf("%w: invalid nonce", ErrCrypto)
	}

	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return "", fmt.Errorf("%w: invalid auth tag", ErrCrypto)
	}

	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext", ErrCrypto)
	}

	plaintext, err := v.aead.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrCrypto)
	}

	return string(plaintext), nil
}

// GenerateState returns a random opaque OAuth state value.
func GenerateState() (string, error) {
	b := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}

	return hex.EncodeToString(b), nil
}

// GenerateCodeVerifier returns a PKCE code verifier (43 url-safe characters).
func GenerateCodeVerifier() (string, error) {
	b := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(b), nil
}

// CodeChallenge derives the S256 PKCE challenge of a verifier.
func CodeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifySignature checks an HMAC-SHA256 signature of payload. The signature
// may be base64 (Shopify style) or hex encoded.
func VerifySignature(payload []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := mac.Sum(nil)

	if got, err := base64.StdEncoding.DecodeString(signature); err == nil && hmac.Equal(got, expected) {
		return true
	}

	if got, err := hex.DecodeString(signature); err == nil && hmac.Equal(got, expected) {
		return true
	}

	return false
}

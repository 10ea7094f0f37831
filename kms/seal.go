package kms

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ruteri/master-key-backup/interfaces"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	sealPrefix = "mk1"
	sealInfo   = "secret-sealing-v1"
)

// ErrSealedWithOtherKey is returned when a value was sealed under a different
// master key, typically one retired by a rotation whose re-encryption pass has
// not run yet.
var ErrSealedWithOtherKey = errors.New("secret sealed with a different master key")

func sealingAEAD(key interfaces.MasterKey) (cipher.AEAD, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	subkey := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, []byte(sealInfo)), subkey); err != nil {
		return nil, fmt.Errorf("failed to derive sealing key: %w", err)
	}
	defer Wipe(subkey)
	return chacha20poly1305.NewX(subkey)
}

// SealSecret encrypts a downstream secret value under a subkey of the master
// key. The result is "mk1:<fingerprint>:<base64 nonce||ciphertext>".
func SealSecret(key interfaces.MasterKey, plaintext []byte) (string, error) {
	aead, err := sealingAEAD(key)
	if err != nil {
		return "", err
	}

	fingerprint := key.Fingerprint()
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, []byte(fingerprint))
	return strings.Join([]string{sealPrefix, fingerprint, base64.RawURLEncoding.EncodeToString(sealed)}, ":"), nil
}

// SealedFingerprint returns the fingerprint of the key a value was sealed with.
func SealedFingerprint(sealed string) (string, error) {
	parts := strings.Split(sealed, ":")
	if len(parts) != 3 || parts[0] != sealPrefix {
		return "", fmt.Errorf("%w: malformed sealed value", interfaces.ErrChecksumMismatch)
	}
	return parts[1], nil
}

// OpenSecret decrypts a value produced by SealSecret.
func OpenSecret(key interfaces.MasterKey, sealed string) ([]byte, error) {
	fingerprint, err := SealedFingerprint(sealed)
	if err != nil {
		return nil, err
	}
	if fingerprint != key.Fingerprint() {
		return nil, fmt.Errorf("%w: sealed with %s, active key is %s", ErrSealedWithOtherKey, fingerprint, key.Fingerprint())
	}

	raw, err := base64.RawURLEncoding.DecodeString(sealed[strings.LastIndex(sealed, ":")+1:])
	if err != nil {
		return nil, fmt.Errorf("%w: malformed sealed value: %v", interfaces.ErrChecksumMismatch, err)
	}

	aead, err := sealingAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(raw) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: sealed value too short", interfaces.ErrChecksumMismatch)
	}
	plaintext, err := aead.Open(nil, raw[:aead.NonceSize()], raw[aead.NonceSize():], []byte(fingerprint))
	if err != nil {
		return nil, interfaces.ErrAuthentication
	}
	return plaintext, nil
}

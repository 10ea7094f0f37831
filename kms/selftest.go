package kms

import (
	"bytes"
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	"github.com/ruteri/master-key-backup/interfaces"
	"golang.org/x/crypto/chacha20poly1305"
)

const canaryLabel = "master-key-self-test"

// SelfTest confirms a freshly decoded or reconstructed key is usable before it
// may replace the active key. When expectedFingerprint is not empty the key must
// also match it.
func SelfTest(key interfaces.MasterKey, expectedFingerprint string) error {
	if err := key.Validate(); err != nil {
		return fmt.Errorf("%w: %w", interfaces.ErrSelfTestFailed, err)
	}

	if expectedFingerprint != "" &&
		subtle.ConstantTimeCompare([]byte(key.Fingerprint()), []byte(expectedFingerprint)) != 1 {
		return fmt.Errorf("%w: fingerprint %s does not match expected %s",
			interfaces.ErrSelfTestFailed, key.Fingerprint(), expectedFingerprint)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrSelfTestFailed, err)
	}

	canary := make([]byte, 32)
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(canary); err != nil {
		return fmt.Errorf("failed to generate canary: %w", err)
	}
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, canary, []byte(canaryLabel))
	opened, err := aead.Open(nil, nonce, sealed, []byte(canaryLabel))
	if err != nil || !bytes.Equal(opened, canary) {
		return fmt.Errorf("%w: canary round trip failed", interfaces.ErrSelfTestFailed)
	}
	return nil
}

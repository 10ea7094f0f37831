package interfaces

import (
	"context"
	"errors"
)

// KeyProvider is the "get current key" side of the key store contract.
type KeyProvider interface {
	Load() (MasterKey, error)
}

// RotationListener is notified after a new master key has been committed so that
// ciphertexts protected by the old key can be migrated. The key store does not
// perform that migration itself.
type RotationListener interface {
	MasterKeyRotated(ctx context.Context, oldKey, newKey MasterKey) error
}

// RotationListenerFunc adapts a function to RotationListener.
type RotationListenerFunc func(ctx context.Context, oldKey, newKey MasterKey) error

// MasterKeyRotated calls f.
func (f RotationListenerFunc) MasterKeyRotated(ctx context.Context, oldKey, newKey MasterKey) error {
	return f(ctx, oldKey, newKey)
}

// ProviderKind enumerates the closed set of secret provider variants.
type ProviderKind string

const (
	// FileProvider keeps secrets in a local JSON file sealed with the master key.
	FileProvider ProviderKind = "file"
	// VaultProvider keeps secrets in a HashiCorp Vault KV v2 mount.
	VaultProvider ProviderKind = "vault"
)

// Provider is the capability interface of a downstream secret store.
type Provider interface {
	// Name is the configured instance name.
	Name() string

	// Kind is the variant this provider belongs to.
	Kind() ProviderKind

	// Fetch returns the current value of a secret.
	Fetch(ctx context.Context, secretID string) (string, error)

	// Rotate replaces a secret with newValue.
	Rotate(ctx context.Context, secretID, newValue string) error

	// Validate checks that the provider is reachable and usable.
	Validate(ctx context.Context) error
}

// ErrUnknownProvider is returned for provider kinds outside the closed set.
var ErrUnknownProvider = errors.New("unknown provider kind")

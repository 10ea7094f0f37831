package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/master-key-backup/interfaces"
)

// VaultProvider keeps secrets in a HashiCorp Vault KV v2 mount, one secret per
// path with the value under the "value" field.
type VaultProvider struct {
	name   string
	client *api.Client
	mount  string
	prefix string
	log    *slog.Logger
}

// NewVaultProvider creates a provider for address. An empty token leaves the
// client to pick up VAULT_TOKEN itself.
func NewVaultProvider(name, address, mount, prefix, token string, log *slog.Logger) (*VaultProvider, error) {
	config := api.DefaultConfig()
	if address != "" {
		config.Address = address
	}
	config.Timeout = 30 * time.Second

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}
	if mount == "" {
		mount = "secret"
	}

	return &VaultProvider{
		name:   name,
		client: client,
		mount:  strings.Trim(mount, "/"),
		prefix: strings.Trim(prefix, "/"),
		log:    log,
	}, nil
}

func (p *VaultProvider) Name() string                  { return p.name }
func (p *VaultProvider) Kind() interfaces.ProviderKind { return interfaces.VaultProvider }

func (p *VaultProvider) kv() *api.KVv2 {
	return p.client.KVv2(p.mount)
}

func (p *VaultProvider) secretPath(secretID string) string {
	if p.prefix == "" {
		return secretID
	}
	return p.prefix + "/" + secretID
}

// Fetch reads the latest version of secretID.
func (p *VaultProvider) Fetch(ctx context.Context, secretID string) (string, error) {
	secret, err := p.kv().Get(ctx, p.secretPath(secretID))
	if err != nil {
		if errors.Is(err, api.ErrSecretNotFound) {
			return "", fmt.Errorf("%w: secret %q in provider %s", interfaces.ErrContentNotFound, secretID, p.name)
		}
		return "", fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	value, ok := secret.Data["value"].(string)
	if !ok {
		return "", fmt.Errorf("%w: secret %q has no string value", interfaces.ErrContentNotFound, secretID)
	}
	return value, nil
}

// Rotate writes newValue as a new version of secretID.
func (p *VaultProvider) Rotate(ctx context.Context, secretID, newValue string) error {
	_, err := p.kv().Put(ctx, p.secretPath(secretID), map[string]interface{}{"value": newValue})
	if err != nil {
		p.log.Error("Failed to write secret to Vault",
			slog.String("provider", p.name),
			slog.String("secret", secretID),
			"err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	p.log.Info("updated secret",
		slog.String("provider", p.name),
		slog.String("secret", secretID))
	return nil
}

// Validate checks that Vault is initialized, unsealed and accepts the token.
func (p *VaultProvider) Validate(ctx context.Context) error {
	health, err := p.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if !health.Initialized || health.Sealed {
		return fmt.Errorf("%w: vault is sealed or uninitialized", interfaces.ErrBackendUnavailable)
	}
	if _, err := p.client.Auth().Token().LookupSelfWithContext(ctx); err != nil {
		return fmt.Errorf("%w: token rejected: %v", interfaces.ErrPermission, err)
	}
	return nil
}

package provider

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/ruteri/master-key-backup/interfaces"
)

// Config describes one configured provider instance.
type Config struct {
	Name string                  `yaml:"name"`
	Kind interfaces.ProviderKind `yaml:"kind"`

	// Path is the secrets file of a file provider.
	Path string `yaml:"path,omitempty"`

	// Vault settings.
	Address  string `yaml:"address,omitempty"`
	Mount    string `yaml:"mount,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
	TokenEnv string `yaml:"token_env,omitempty"`

	Password PasswordPolicy `yaml:"password"`
}

// Kinds lists the supported provider kinds.
func Kinds() []interfaces.ProviderKind {
	return []interfaces.ProviderKind{interfaces.FileProvider, interfaces.VaultProvider}
}

// Check validates a provider configuration without contacting anything.
func (c Config) Check() error {
	if c.Name == "" {
		return fmt.Errorf("%w: provider without a name", interfaces.ErrUsage)
	}
	if !slices.Contains(Kinds(), c.Kind) {
		return fmt.Errorf("%w: %q for provider %s", interfaces.ErrUnknownProvider, c.Kind, c.Name)
	}
	if c.Kind == interfaces.FileProvider && c.Path == "" {
		return fmt.Errorf("%w: file provider %s needs a path", interfaces.ErrUsage, c.Name)
	}
	if c.Password.Length != 0 {
		return c.Password.Check()
	}
	return nil
}

// PasswordPolicy returns the configured policy or the default one.
func (c Config) PasswordPolicy() PasswordPolicy {
	if c.Password.Length == 0 {
		return DefaultPasswordPolicy()
	}
	return c.Password
}

// New builds the provider described by cfg.
func New(cfg Config, keys interfaces.KeyProvider, log *slog.Logger) (interfaces.Provider, error) {
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case interfaces.FileProvider:
		return NewFileProvider(cfg.Name, cfg.Path, keys, log)
	case interfaces.VaultProvider:
		tokenEnv := cfg.TokenEnv
		if tokenEnv == "" {
			tokenEnv = "VAULT_TOKEN"
		}
		return NewVaultProvider(cfg.Name, cfg.Address, cfg.Mount, cfg.Prefix, os.Getenv(tokenEnv), log)
	default:
		return nil, fmt.Errorf("%w: %q", interfaces.ErrUnknownProvider, cfg.Kind)
	}
}

// Registry holds the configured providers by name.
type Registry struct {
	providers map[string]interfaces.Provider
	configs   map[string]Config
	order     []string
}

// NewRegistry builds every configured provider. Names must be unique.
func NewRegistry(configs []Config, keys interfaces.KeyProvider, log *slog.Logger) (*Registry, error) {
	r := &Registry{
		providers: make(map[string]interfaces.Provider, len(configs)),
		configs:   make(map[string]Config, len(configs)),
	}
	for _, cfg := range configs {
		if _, dup := r.providers[cfg.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate provider name %q", interfaces.ErrUsage, cfg.Name)
		}
		p, err := New(cfg, keys, log)
		if err != nil {
			return nil, err
		}
		r.providers[cfg.Name] = p
		r.configs[cfg.Name] = cfg
		r.order = append(r.order, cfg.Name)
	}
	return r, nil
}

// Get returns the provider called name.
func (r *Registry) Get(name string) (interfaces.Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: no provider named %q", interfaces.ErrUsage, name)
	}
	return p, nil
}

// All returns providers in configuration order.
func (r *Registry) All() []interfaces.Provider {
	out := make([]interfaces.Provider, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.providers[name])
	}
	return out
}

// RotationListeners returns the providers that reseal their values when the
// master key rotates.
func (r *Registry) RotationListeners() []interfaces.RotationListener {
	var out []interfaces.RotationListener
	for _, p := range r.All() {
		if l, ok := p.(interfaces.RotationListener); ok {
			out = append(out, l)
		}
	}
	return out
}

// ValidateAll checks every provider and returns the failures by name.
func (r *Registry) ValidateAll(ctx context.Context) map[string]error {
	failures := map[string]error{}
	for _, name := range r.order {
		if err := r.providers[name].Validate(ctx); err != nil {
			failures[name] = err
		}
	}
	return failures
}

// RotateSecret generates a new value for secretID under the provider's
// password policy, stores it and reads it back.
func (r *Registry) RotateSecret(ctx context.Context, name, secretID string) error {
	p, err := r.Get(name)
	if err != nil {
		return err
	}
	policy := r.configs[name].PasswordPolicy()

	value, err := policy.Generate()
	if err != nil {
		return err
	}
	if err := p.Rotate(ctx, secretID, value); err != nil {
		return err
	}
	stored, err := p.Fetch(ctx, secretID)
	if err != nil {
		return fmt.Errorf("failed to read back rotated secret: %w", err)
	}
	if stored != value {
		return fmt.Errorf("%w: provider %s returned a different value for %s", interfaces.ErrChecksumMismatch, name, secretID)
	}
	return nil
}

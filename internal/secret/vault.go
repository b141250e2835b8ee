package secret

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	vault "github.com/hashicorp/vault/api"
)

// VaultProvider reads secrets from HashiCorp Vault via AppRole or cert
// auth, renewing its own token in the background.
type VaultProvider struct {
	client *vault.Client
	logger *slog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// VaultConfig holds Vault connection and auth settings.
type VaultConfig struct {
	Address    string `yaml:"address"`
	AuthMethod string `yaml:"auth_method"` // "approle" or "cert"
	RoleID     string `yaml:"role_id"`
	SecretID   string `yaml:"secret_id"`
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// NewVaultProvider creates and authenticates a Vault-backed provider.
func NewVaultProvider(cfg VaultConfig, logger *slog.Logger) (*VaultProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	vConfig := vault.DefaultConfig()
	vConfig.Address = cfg.Address

	if cfg.ClientCert != "" || cfg.ClientKey != "" || cfg.CACert != "" {
		tlsConfig := &vault.TLSConfig{
			ClientCert: cfg.ClientCert,
			ClientKey:  cfg.ClientKey,
			CACert:     cfg.CACert,
		}
		if err := vConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("configure tls: %w", err)
		}
	}

	client, err := vault.NewClient(vConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}

	var auth *vault.Secret
	switch cfg.AuthMethod {
	case "cert":
		auth, err = client.Logical().Write("auth/cert/login", nil)
	case "approle", "":
		if cfg.RoleID == "" {
			return nil, fmt.Errorf("vault approle auth requires role_id")
		}
		auth, err = client.Logical().Write("auth/approle/login", map[string]interface{}{
			"role_id":   cfg.RoleID,
			"secret_id": cfg.SecretID,
		})
	default:
		return nil, fmt.Errorf("unknown vault auth method %q", cfg.AuthMethod)
	}
	if err != nil {
		return nil, fmt.Errorf("vault login: %w", err)
	}
	if auth == nil || auth.Auth == nil {
		return nil, fmt.Errorf("vault login returned no auth info")
	}
	client.SetToken(auth.Auth.ClientToken)

	p := &VaultProvider{
		client: client,
		logger: logger,
		stopCh: make(chan struct{}),
	}
	p.wg.Add(1)
	go p.renewToken(auth.Auth)

	return p, nil
}

// Get reads "path/to/secret#key" from Vault; #key defaults to "value".
// KV v2 data wrappers are unwrapped transparently.
func (p *VaultProvider) Get(ctx context.Context, path string) (string, error) {
	secretPath := path
	key := "value"
	if idx := strings.LastIndex(path, "#"); idx != -1 {
		secretPath = path[:idx]
		key = path[idx+1:]
	}

	secret, err := p.client.Logical().ReadWithContext(ctx, secretPath)
	if err != nil {
		return "", fmt.Errorf("read vault secret %q: %w", secretPath, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("secret %q not found", secretPath)
	}

	data := secret.Data
	if v, ok := data["data"]; ok {
		if nested, ok := v.(map[string]interface{}); ok {
			data = nested
		}
	}

	val, ok := data[key]
	if !ok {
		return "", fmt.Errorf("key %q not found in secret %q", key, secretPath)
	}
	return fmt.Sprintf("%v", val), nil
}

// Close stops the token renewer.
func (p *VaultProvider) Close() error {
	close(p.stopCh)
	p.wg.Wait()
	return nil
}

func (p *VaultProvider) renewToken(auth *vault.SecretAuth) {
	defer p.wg.Done()

	if !auth.Renewable {
		return
	}

	watcher, err := p.client.NewLifetimeWatcher(&vault.LifetimeWatcherInput{
		Secret: &vault.Secret{Auth: auth},
	})
	if err != nil {
		p.logger.Warn("vault lifetime watcher failed", "error", err)
		return
	}

	go watcher.Start()
	defer watcher.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case err := <-watcher.DoneCh():
			if err != nil {
				p.logger.Warn("vault token renewal stopped", "error", err)
			}
			return
		case <-watcher.RenewCh():
		}
	}
}

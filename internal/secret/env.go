package secret

import (
	"context"
	"fmt"
	"os"
)

// EnvProvider reads secrets from environment variables.
type EnvProvider struct{}

// NewEnvProvider creates an environment-variable secret provider.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{}
}

// Get returns the value of the named environment variable.
func (p *EnvProvider) Get(_ context.Context, path string) (string, error) {
	val, ok := os.LookupEnv(path)
	if !ok {
		return "", fmt.Errorf("environment variable %q not set", path)
	}
	return val, nil
}

// Close is a no-op.
func (p *EnvProvider) Close() error { return nil }

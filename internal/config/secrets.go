package config

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const keyringService = "qapilot"

// Secret names stored in the keyring.
const (
	SecretAnthropicAPIKey = "anthropic-api-key"
	SecretGitHubToken     = "github-token"
)

// KnownSecrets lists the names `qapilot secrets set` accepts.
var KnownSecrets = []string{SecretAnthropicAPIKey, SecretGitHubToken}

// SecretStore reads and writes named secrets. Get returns "" and no error
// for a secret that was never stored.
type SecretStore interface {
	Get(name string) (string, error)
	Set(name, value string) error
}

// Keyring stores secrets in the OS keyring.
type Keyring struct {
	Service string
}

func NewKeyring() *Keyring {
	return &Keyring{Service: keyringService}
}

func (k *Keyring) Get(name string) (string, error) {
	v, err := keyring.Get(k.Service, name)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s from keyring: %w", name, err)
	}
	return v, nil
}

func (k *Keyring) Set(name, value string) error {
	if err := keyring.Set(k.Service, name, value); err != nil {
		return fmt.Errorf("failed to save %s to keyring: %w", name, err)
	}
	return nil
}

// fillSecrets consults the store for secrets still unset. A keyring that is
// unavailable (headless CI) is treated as empty.
func (c *Config) fillSecrets(store SecretStore) {
	if c.Oracle.APIKey == "" {
		if v, err := store.Get(SecretAnthropicAPIKey); err == nil {
			c.Oracle.APIKey = v
		}
	}
	if c.GitHub.Token == "" {
		if v, err := store.Get(SecretGitHubToken); err == nil {
			c.GitHub.Token = v
		}
	}
}

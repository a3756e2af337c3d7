package config

import (
	"fmt"

	"github.com/hashicorp/vault/api"
)

// secretManager wraps the Vault API client. Services never touch it
// directly; Load consults it when VAULT_ADDR is set and merges the result
// into viper.
type secretManager struct {
	client *api.Client
}

func newSecretManager(address, token string) (*secretManager, error) {
	cfg := api.DefaultConfig()
	cfg.Address = address

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault client initialization failed: %w", err)
	}
	client.SetToken(token)

	return &secretManager{client: client}, nil
}

// GetKV2 reads from a KV v2 backend and returns the inner "data" map,
// unwrapping the v2 envelope automatically.
func (s *secretManager) GetKV2(path string) (map[string]interface{}, error) {
	secret, err := s.client.Logical().Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret at %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no data found at %s", path)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected data format at %s", path)
	}
	return data, nil
}

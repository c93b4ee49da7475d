// Package vault loads exchange credentials from HashiCorp Vault when
// configured, falling back to environment-provided keys otherwise.
package vault

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hashicorp/vault/api"
)

// Credentials are the exchange API keys stored in Vault
type Credentials struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	IsTestnet bool   `json:"is_testnet"`
}

// Client wraps the HashiCorp Vault client
type Client struct {
	client *api.Client
}

// NewClient creates a new Vault client. Empty address means Vault is not in
// use and the caller should stay with environment credentials.
func NewClient(address, token string) (*Client, error) {
	if address == "" {
		return nil, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(token)

	return &Client{client: client}, nil
}

// FetchCredentials reads the exchange keys from the KV v2 mount at
// secret/data/binance-futures-fleet.
func (c *Client) FetchCredentials(ctx context.Context) (*Credentials, error) {
	secret, err := c.client.Logical().ReadWithContext(ctx, "secret/data/binance-futures-fleet")
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no credentials found in vault")
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected vault secret format")
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode vault secret: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, fmt.Errorf("failed to decode vault secret: %w", err)
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		return nil, fmt.Errorf("vault secret is missing api_key or secret_key")
	}
	return &creds, nil
}

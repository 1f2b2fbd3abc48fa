package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// VaultConfig points the Vault source at one KV v2 path holding all
// application secrets as fields.
type VaultConfig struct {
	Address string
	Token   string
	// Mount is the secrets engine mount, "secret" when empty.
	Mount string
	// Path is the location under the mount, "issuedex" when empty.
	Path string

	Timeout time.Duration
}

// vaultSource fetches the secret document over the KV v2 read API. The
// document is fetched per lookup, not cached, so a rotated credential
// is picked up on the next resolve.
type vaultSource struct {
	cfg    *VaultConfig
	client *http.Client
}

func newVaultSource(cfg *VaultConfig) (*vaultSource, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("vault address required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("vault token required")
	}
	if cfg.Mount == "" {
		cfg.Mount = "secret"
	}
	if cfg.Path == "" {
		cfg.Path = "issuedex"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &vaultSource{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

func (v *vaultSource) Name() string { return "vault" }

func (v *vaultSource) Lookup(ctx context.Context, key Key) (string, bool, error) {
	url := fmt.Sprintf("%s/v1/%s/data/%s",
		strings.TrimSuffix(v.cfg.Address, "/"), v.cfg.Mount, v.cfg.Path)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Vault-Token", v.cfg.Token)

	resp, err := v.client.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("vault request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", false, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", false, fmt.Errorf("vault status %d: %s", resp.StatusCode, body)
	}

	var doc struct {
		Data struct {
			Data map[string]string `json:"data"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", false, fmt.Errorf("decode vault response: %w", err)
	}
	val, ok := doc.Data.Data[string(key)]
	return val, ok, nil
}

// Package secrets resolves credentials the config file deliberately
// leaves blank. Sources are consulted in order: process environment,
// then an optional secrets file, then an optional Vault path. The
// chain is read-only; rotating a secret happens in the backing store,
// not through this package.
package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Key names a credential the application knows how to resolve.
type Key string

const (
	KeyGitHubToken     Key = "github_token"
	KeyEmbeddingAPIKey Key = "embedding_api_key"
	KeyDatabaseURL     Key = "database_url"
)

// Source is one place a secret may live. Lookup reports false when the
// source does not hold the key; errors are reserved for the source
// itself being unreachable or malformed.
type Source interface {
	Lookup(ctx context.Context, key Key) (string, bool, error)
	Name() string
}

// Config selects which sources join the chain. The environment source
// is always first and needs no configuration.
type Config struct {
	// File points at a JSON secrets file. Empty disables the source.
	File string
	// Vault enables the Vault source when non-nil.
	Vault *VaultConfig
}

// Resolver walks a chain of sources until one holds the key.
type Resolver struct {
	sources []Source
	logger  *slog.Logger
}

// NewResolver builds the chain from cfg. The environment source is
// always present, so a nil-config resolver still works.
func NewResolver(cfg Config, logger *slog.Logger) (*Resolver, error) {
	sources := []Source{envSource{}}
	if cfg.File != "" {
		fs, err := newFileSource(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("secrets file: %w", err)
		}
		sources = append(sources, fs)
	}
	if cfg.Vault != nil {
		vs, err := newVaultSource(cfg.Vault)
		if err != nil {
			return nil, fmt.Errorf("vault source: %w", err)
		}
		sources = append(sources, vs)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{sources: sources, logger: logger}, nil
}

// Resolve returns the first value any source holds for key.
func (r *Resolver) Resolve(ctx context.Context, key Key) (string, error) {
	for _, src := range r.sources {
		val, ok, err := src.Lookup(ctx, key)
		if err != nil {
			r.logger.Warn("secret source failed",
				"source", src.Name(), "key", string(key), "error", err)
			continue
		}
		if ok && val != "" {
			return val, nil
		}
	}
	return "", fmt.Errorf("secret %s not found in any source", key)
}

// ResolveOrDefault returns def when no source holds the key.
func (r *Resolver) ResolveOrDefault(ctx context.Context, key Key, def string) string {
	val, err := r.Resolve(ctx, key)
	if err != nil {
		return def
	}
	return val
}

// envSource reads ISSUEDEX_<KEY> from the process environment, falling
// back to the bare uppercased key.
type envSource struct{}

func (envSource) Name() string { return "env" }

func (envSource) Lookup(ctx context.Context, key Key) (string, bool, error) {
	upper := strings.ToUpper(string(key))
	if val := os.Getenv("ISSUEDEX_" + upper); val != "" {
		return val, true, nil
	}
	if val := os.Getenv(upper); val != "" {
		return val, true, nil
	}
	return "", false, nil
}

package wasm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/reactivegraph/plugind/pkg/plugins"
	"github.com/reactivegraph/plugind/pkg/semver"
)

// declarationRecord is what plugin_declaration returns.
type declarationRecord struct {
	CompilerVersion string `json:"compiler_version" validate:"required"`
	APIVersion      string `json:"api_version" validate:"required"`
	Name            string `json:"name" validate:"required"`
	Version         string `json:"version" validate:"required"`
	Description     string `json:"description"`
}

type dependencyRecord struct {
	Name    string `json:"name" validate:"required"`
	Version string `json:"version" validate:"required"`
}

type providerRecord struct {
	Kind  string `json:"kind" validate:"required"`
	Name  string `json:"name" validate:"required"`
	Value any    `json:"value,omitempty"`
}

// contextRecord is the input of plugin_set_context.
type contextRecord struct {
	PluginID string         `json:"plugin_id"`
	Config   map[string]any `json:"config,omitempty"`
}

var validate = validator.New()

// validateDeclaration checks the handshake record before anything else in
// the module is trusted. Compatibility is judged later by the container.
func validateDeclaration(rec *declarationRecord) error {
	if err := validate.Struct(rec); err != nil {
		return fmt.Errorf("invalid plugin declaration: %w", err)
	}
	if _, err := semver.ParseVersion(rec.Version); err != nil {
		return fmt.Errorf("invalid plugin version %q: %w", rec.Version, err)
	}
	return nil
}

func toDependencies(recs []dependencyRecord) ([]plugins.Dependency, error) {
	deps := make([]plugins.Dependency, 0, len(recs))
	for _, r := range recs {
		if err := validate.Struct(r); err != nil {
			return nil, fmt.Errorf("invalid dependency: %w", err)
		}
		if _, err := semver.ParseRequirement(r.Version); err != nil {
			return nil, fmt.Errorf("invalid requirement %q for %s: %w", r.Version, r.Name, err)
		}
		deps = append(deps, plugins.Dependency{Name: r.Name, Version: r.Version})
	}
	return deps, nil
}

func toProviders(recs []providerRecord) (plugins.ProviderSet, error) {
	set := make(plugins.ProviderSet, 0, len(recs))
	for _, r := range recs {
		if err := validate.Struct(r); err != nil {
			return nil, fmt.Errorf("invalid provider: %w", err)
		}
		set = append(set, plugins.Provider{
			Kind:  plugins.ProviderKind(r.Kind),
			Name:  r.Name,
			Value: r.Value,
		})
	}
	if err := set.Validate(); err != nil {
		return nil, err
	}
	return set, nil
}

// verifyChecksum compares the module bytes against a pinned sha256 digest.
func verifyChecksum(module []byte, expected string) error {
	hash := sha256.Sum256(module)
	computed := hex.EncodeToString(hash[:])
	if computed != expected {
		return fmt.Errorf("WASM module checksum mismatch: expected %s, got %s", expected, computed)
	}
	return nil
}

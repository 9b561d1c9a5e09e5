package plugins

import (
	"context"
	"fmt"
	"strings"
)

// Dependency names another plugin and the versions of it that satisfy.
type Dependency struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`
}

func (d Dependency) String() string {
	return d.Name + ":" + d.Version
}

// Metadata describes a plugin as it reports itself.
type Metadata struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`
}

// Declaration is the handshake record an artifact exports. It is read right
// after the library is opened, before anything else in the artifact is used.
type Declaration struct {
	// CompilerVersion is the toolchain tag the artifact was built with.
	CompilerVersion string
	// APIVersion is the plugin API version the artifact was built against.
	APIVersion string

	Name        string
	Version     string
	Description string

	// Register constructs the plugin instance.
	Register func(ctx context.Context) (Plugin, error)
	// Dependencies lists the plugins that must be active first.
	Dependencies func(ctx context.Context) ([]Dependency, error)
}

// Plugin is a constructed plugin instance.
type Plugin interface {
	Metadata() Metadata
	SetContext(ctx context.Context, pc Context) error
	// RemoveContext drops the host facade handed over by SetContext.
	RemoveContext(ctx context.Context) error
	Activate(ctx context.Context) error
	Deactivate(ctx context.Context) error
	Providers(ctx context.Context) (ProviderSet, error)
}

// Lifecycle is implemented by plugins that want host lifecycle callbacks.
type Lifecycle interface {
	Init(ctx context.Context) error
	PostInit(ctx context.Context) error
	PreShutdown(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Loader opens plugin artifacts.
type Loader interface {
	Load(ctx context.Context, path string) (Library, error)
	// Accepts reports whether the loader handles the artifact at path.
	Accepts(path string) bool
}

// Library is an opened artifact.
type Library interface {
	Declaration(ctx context.Context) (*Declaration, error)
	// CompilerVersion is the toolchain tag this host requires of artifacts
	// of this kind.
	CompilerVersion() string
	Close(ctx context.Context) error
}

// ShortName strips prefix from a declared plugin name.
func ShortName(name, prefix string) string {
	if prefix == "" {
		return name
	}
	return strings.TrimPrefix(name, prefix)
}

// NameVersion formats "short:version".
func NameVersion(name, version, prefix string) string {
	return fmt.Sprintf("%s:%s", ShortName(name, prefix), version)
}

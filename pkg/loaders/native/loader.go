// Package native loads plugins built with "go build -buildmode=plugin".
//
// A native artifact exports a PluginDeclaration symbol holding either a
// plugins.Declaration value or a func() *plugins.Declaration. The Go runtime
// cannot unload a shared object, so Close only drops the host's reference;
// a redeployed build is opened from its own timestamped path.
package native

import (
	"context"
	"fmt"
	"path/filepath"
	"plugin"
	"runtime"
	"strings"

	"github.com/rs/zerolog"

	"github.com/reactivegraph/plugind/pkg/plugins"
)

const (
	// Extension is the artifact extension this loader accepts.
	Extension = ".so"

	// DeclarationSymbol is the exported symbol read on load.
	DeclarationSymbol = "PluginDeclaration"
)

// Loader opens Go plugin shared objects.
type Loader struct {
	logger zerolog.Logger
	open   func(path string) (symbolTable, error)
}

// symbolTable is the part of *plugin.Plugin the loader uses.
type symbolTable interface {
	Lookup(name string) (plugin.Symbol, error)
}

func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "native-loader").Logger(),
		open: func(path string) (symbolTable, error) {
			p, err := plugin.Open(path)
			if err != nil {
				return nil, err
			}
			return p, nil
		},
	}
}

func (l *Loader) Accepts(path string) bool {
	return strings.EqualFold(filepath.Ext(path), Extension)
}

func (l *Loader) Load(ctx context.Context, path string) (plugins.Library, error) {
	p, err := l.open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open plugin %s: %w", path, err)
	}
	sym, err := p.Lookup(DeclarationSymbol)
	if err != nil {
		return nil, fmt.Errorf("plugin %s has no %s symbol: %w", path, DeclarationSymbol, err)
	}
	l.logger.Debug().Str("artifact", filepath.Base(path)).Msg("opened shared object")
	return &Library{path: path, symbol: sym}, nil
}

// Library is an opened shared object.
type Library struct {
	path   string
	symbol plugin.Symbol
}

// CompilerVersion is the Go toolchain this host was built with; a shared
// object from any other toolchain cannot be used safely.
func (l *Library) CompilerVersion() string {
	return runtime.Version()
}

func (l *Library) Declaration(ctx context.Context) (*plugins.Declaration, error) {
	if l.symbol == nil {
		return nil, fmt.Errorf("plugin %s is closed", l.path)
	}
	return declarationFromSymbol(l.symbol)
}

func (l *Library) Close(ctx context.Context) error {
	l.symbol = nil
	return nil
}

// declarationFromSymbol accepts the shapes a plugin may export. Looking up
// an exported variable yields a pointer to it.
func declarationFromSymbol(sym plugin.Symbol) (*plugins.Declaration, error) {
	var decl *plugins.Declaration
	switch v := sym.(type) {
	case *plugins.Declaration:
		decl = v
	case **plugins.Declaration:
		if v != nil {
			decl = *v
		}
	case func() *plugins.Declaration:
		decl = v()
	case *func() *plugins.Declaration:
		if v != nil && *v != nil {
			decl = (*v)()
		}
	default:
		return nil, fmt.Errorf("%s has unexpected type %T", DeclarationSymbol, sym)
	}
	if decl == nil {
		return nil, fmt.Errorf("%s is nil", DeclarationSymbol)
	}
	if decl.Register == nil {
		return nil, fmt.Errorf("%s has no Register function", DeclarationSymbol)
	}
	return decl, nil
}

// Package loaders chooses an artifact loader by file extension.
package loaders

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/reactivegraph/plugind/pkg/loaders/native"
	"github.com/reactivegraph/plugind/pkg/loaders/wasm"
	"github.com/reactivegraph/plugind/pkg/plugins"
)

// MultiLoader hands each artifact to the first loader that accepts it.
type MultiLoader struct {
	loaders []plugins.Loader
}

func NewMultiLoader(loaders ...plugins.Loader) *MultiLoader {
	return &MultiLoader{loaders: loaders}
}

// NewDefault returns a loader for both .wasm and .so artifacts.
func NewDefault(wasmCfg *wasm.Config, logger zerolog.Logger) *MultiLoader {
	return NewMultiLoader(
		wasm.NewLoader(wasmCfg, logger),
		native.NewLoader(logger),
	)
}

func (m *MultiLoader) Accepts(path string) bool {
	return m.pick(path) != nil
}

func (m *MultiLoader) Load(ctx context.Context, path string) (plugins.Library, error) {
	l := m.pick(path)
	if l == nil {
		return nil, fmt.Errorf("no loader accepts %s artifacts", filepath.Ext(path))
	}
	return l.Load(ctx, path)
}

func (m *MultiLoader) pick(path string) plugins.Loader {
	for _, l := range m.loaders {
		if l.Accepts(path) {
			return l
		}
	}
	return nil
}

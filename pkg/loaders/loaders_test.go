package loaders

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/reactivegraph/plugind/pkg/plugins"
)

type extLoader struct {
	ext   string
	calls []string
}

func (l *extLoader) Accepts(path string) bool { return filepath.Ext(path) == l.ext }

func (l *extLoader) Load(_ context.Context, path string) (plugins.Library, error) {
	l.calls = append(l.calls, path)
	return nil, nil
}

func TestMultiLoaderDispatch(t *testing.T) {
	ctx := context.Background()
	a := &extLoader{ext: ".a"}
	b := &extLoader{ext: ".b"}
	m := NewMultiLoader(a, b)

	if _, err := m.Load(ctx, "x.1.b"); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, err := m.Load(ctx, "y.1.a"); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(a.calls) != 1 || a.calls[0] != "y.1.a" {
		t.Errorf("Unexpected calls on a: %v", a.calls)
	}
	if len(b.calls) != 1 || b.calls[0] != "x.1.b" {
		t.Errorf("Unexpected calls on b: %v", b.calls)
	}

	if m.Accepts("z.c") {
		t.Error("Expected .c to be rejected")
	}
	if _, err := m.Load(ctx, "z.c"); err == nil {
		t.Error("Expected error for unknown extension")
	}
}

func TestDefaultAcceptsBothKinds(t *testing.T) {
	m := NewDefault(nil, zerolog.Nop())
	for _, path := range []string{"flow.1.wasm", "flow.1.so"} {
		if !m.Accepts(path) {
			t.Errorf("Expected %s to be accepted", path)
		}
	}
	if m.Accepts("flow.1.dll") {
		t.Error("Expected .dll to be rejected")
	}
}

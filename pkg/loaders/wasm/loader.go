package wasm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/reactivegraph/plugind/pkg/plugins"
)

const (
	// Extension is the artifact extension this loader accepts.
	Extension = ".wasm"

	// ABIVersion is the compiler tag a module must declare. It names the
	// export and memory convention, not the toolchain that produced it.
	ABIVersion = "wasm32-plugind-1"

	hostModule = "env"
)

// Config contains configuration for the WASM host.
type Config struct {
	// Timeout bounds each call into a module.
	Timeout time.Duration

	// MemoryLimitPages is the maximum memory limit in pages (64KB each).
	// Default is 256 pages (16MB).
	MemoryLimitPages uint32

	// Checksums pins sha256 digests of artifacts, keyed by stem.
	Checksums map[string]string
}

// Loader opens .wasm plugin artifacts, one wazero runtime per artifact.
type Loader struct {
	cfg    Config
	logger zerolog.Logger
}

// NewLoader creates a WASM loader. A nil config selects the defaults.
func NewLoader(cfg *Config, logger zerolog.Logger) *Loader {
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MemoryLimitPages == 0 {
		c.MemoryLimitPages = 256
	}
	return &Loader{
		cfg:    c,
		logger: logger.With().Str("component", "wasm-loader").Logger(),
	}
}

// Accepts reports whether path is a .wasm artifact.
func (l *Loader) Accepts(path string) bool {
	return strings.EqualFold(filepath.Ext(path), Extension)
}

// Load reads and instantiates the module at path.
func (l *Loader) Load(ctx context.Context, path string) (plugins.Library, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read WASM module: %w", err)
	}
	if sum, ok := l.cfg.Checksums[plugins.ArtifactStem(path)]; ok {
		if err := verifyChecksum(data, sum); err != nil {
			return nil, err
		}
	}
	return l.LoadBytes(ctx, path, data)
}

// LoadBytes instantiates an in-memory module; name is only used for logging.
func (l *Loader) LoadBytes(ctx context.Context, name string, data []byte) (*Library, error) {
	lib := &Library{
		name:   name,
		logger: l.logger.With().Str("artifact", filepath.Base(name)).Logger(),
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(l.cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	builder := runtime.NewHostModuleBuilder(hostModule)
	registerHostFunctions(builder, lib)
	if _, err := builder.Instantiate(ctx); err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	// Reactor modules export _initialize instead of _start.
	module, err := runtime.InstantiateWithConfig(ctx, data,
		wazero.NewModuleConfig().WithStartFunctions("_initialize"))
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASM module: %w", err)
	}

	bridge, err := NewBridge(module, l.cfg.Timeout)
	if err != nil {
		_ = module.Close(ctx)
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("failed to create WASM bridge: %w", err)
	}

	lib.runtime = runtime
	lib.module = module
	lib.bridge = bridge
	return lib, nil
}

// registerHostFunctions exports the functions a plugin module may import
// from "env".
func registerHostFunctions(builder wazero.HostModuleBuilder, lib *Library) {
	// host_log(level, msg_ptr, msg_len)
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, level, msgPtr, msgLen uint32) {
			msg, ok := read(mod, msgPtr, msgLen)
			if !ok {
				return
			}
			logger := lib.pluginLogger()
			logger.WithLevel(logLevel(level)).Msg(string(msg))
		}).
		Export("host_log")

	// host_emit(type_ptr, type_len, data_ptr, data_len) -> 0 on success
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, typePtr, typeLen, dataPtr, dataLen uint32) uint32 {
			eventType, ok := read(mod, typePtr, typeLen)
			if !ok {
				return 1
			}
			var data map[string]any
			if dataLen > 0 {
				raw, ok := read(mod, dataPtr, dataLen)
				if !ok {
					return 1
				}
				if err := json.Unmarshal(raw, &data); err != nil {
					return 1
				}
			}
			pc := lib.context()
			if pc == nil {
				return 1
			}
			pc.Emit(ctx, string(eventType), data)
			return 0
		}).
		Export("host_emit")
}

// read copies a range out of the caller's exported memory.
func read(mod api.Module, ptr, size uint32) ([]byte, bool) {
	mem := mod.ExportedMemory("memory")
	if mem == nil {
		return nil, false
	}
	return mem.Read(ptr, size)
}

func logLevel(level uint32) zerolog.Level {
	switch level {
	case 0:
		return zerolog.TraceLevel
	case 1:
		return zerolog.DebugLevel
	case 2:
		return zerolog.InfoLevel
	case 3:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}

// Library is an instantiated WASM plugin module.
type Library struct {
	name    string
	runtime wazero.Runtime
	module  api.Module
	bridge  *Bridge
	logger  zerolog.Logger

	mu     sync.Mutex
	pc     plugins.Context
	closed bool
}

// CompilerVersion is the ABI tag modules must declare.
func (l *Library) CompilerVersion() string {
	return ABIVersion
}

// Declaration calls plugin_declaration and binds the result to this module.
func (l *Library) Declaration(ctx context.Context) (*plugins.Declaration, error) {
	var rec declarationRecord
	if err := l.bridge.Call(ctx, exportDeclaration, nil, &rec); err != nil {
		return nil, err
	}
	if err := validateDeclaration(&rec); err != nil {
		return nil, err
	}

	meta := plugins.Metadata{
		Name:        rec.Name,
		Version:     rec.Version,
		Description: rec.Description,
	}
	return &plugins.Declaration{
		CompilerVersion: rec.CompilerVersion,
		APIVersion:      rec.APIVersion,
		Name:            rec.Name,
		Version:         rec.Version,
		Description:     rec.Description,
		Register: func(ctx context.Context) (plugins.Plugin, error) {
			return &modulePlugin{lib: l, meta: meta}, nil
		},
		Dependencies: func(ctx context.Context) ([]plugins.Dependency, error) {
			var recs []dependencyRecord
			if err := l.bridge.Call(ctx, exportDependencies, nil, &recs); err != nil {
				return nil, err
			}
			return toDependencies(recs)
		},
	}, nil
}

// Close tears down the module and its runtime. Closing twice is a no-op.
func (l *Library) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.pc = nil

	if l.module != nil {
		if err := l.module.Close(ctx); err != nil {
			return fmt.Errorf("failed to close WASM module: %w", err)
		}
	}
	if l.runtime != nil {
		if err := l.runtime.Close(ctx); err != nil {
			return fmt.Errorf("failed to close WASM runtime: %w", err)
		}
	}
	return nil
}

func (l *Library) setContext(pc plugins.Context) {
	l.mu.Lock()
	l.pc = pc
	l.mu.Unlock()
}

func (l *Library) context() plugins.Context {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pc
}

// pluginLogger prefers the logger of the host facade once one is attached.
func (l *Library) pluginLogger() zerolog.Logger {
	if pc := l.context(); pc != nil {
		return pc.Logger()
	}
	return l.logger
}

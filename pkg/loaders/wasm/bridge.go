package wasm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero/api"
)

// Export names a plugin module provides. Everything below exportActivate is
// optional.
const (
	exportMalloc       = "malloc"
	exportFree         = "free"
	exportDeclaration  = "plugin_declaration"
	exportDependencies = "plugin_dependencies"
	exportProviders    = "plugin_providers"
	exportSetContext   = "plugin_set_context"
	exportActivate     = "plugin_activate"
	exportDeactivate   = "plugin_deactivate"

	exportRemoveContext = "plugin_remove_context"
	exportInit          = "plugin_init"
	exportPostInit      = "plugin_post_init"
	exportPreShutdown   = "plugin_pre_shutdown"
	exportShutdown      = "plugin_shutdown"
)

// Bridge calls plugin exports with JSON in and JSON out.
//
// Every plugin export has the signature fn(input_ptr: u32, input_len: u32) -> u64
// where the result packs (output_ptr << 32) | output_len. Output memory is
// allocated by the module with malloc and released by the host with free.
type Bridge struct {
	// module is the instantiated plugin module.
	module api.Module

	// memory is the module's linear memory.
	memory api.Memory

	malloc api.Function
	free   api.Function

	// exports holds every plugin export the module provides, keyed by name.
	exports map[string]api.Function

	// timeout bounds each call into the module.
	timeout time.Duration

	// mu serializes calls; a module instance is not reentrant.
	mu sync.Mutex
}

// NewBridge checks the module's exports and binds them.
func NewBridge(module api.Module, timeout time.Duration) (*Bridge, error) {
	b := &Bridge{
		module:  module,
		timeout: timeout,
		exports: make(map[string]api.Function),
	}

	// Memory() hands back a typed nil when nothing is exported.
	b.memory = module.ExportedMemory("memory")
	if b.memory == nil {
		return nil, fmt.Errorf("WASM module does not export memory")
	}

	b.malloc = module.ExportedFunction(exportMalloc)
	if b.malloc == nil {
		return nil, fmt.Errorf("WASM module does not export malloc function")
	}
	b.free = module.ExportedFunction(exportFree)
	if b.free == nil {
		return nil, fmt.Errorf("WASM module does not export free function")
	}

	for _, name := range requiredExports() {
		fn := module.ExportedFunction(name)
		if fn == nil {
			return nil, fmt.Errorf("WASM module does not export %s function", name)
		}
		b.exports[name] = fn
	}
	for _, name := range optionalExports() {
		if fn := module.ExportedFunction(name); fn != nil {
			b.exports[name] = fn
		}
	}

	return b, nil
}

func requiredExports() []string {
	return []string{
		exportDeclaration,
		exportDependencies,
		exportProviders,
		exportSetContext,
		exportActivate,
		exportDeactivate,
	}
}

func optionalExports() []string {
	return []string{
		exportRemoveContext,
		exportInit,
		exportPostInit,
		exportPreShutdown,
		exportShutdown,
	}
}

// Has reports whether the module provides the export.
func (b *Bridge) Has(name string) bool {
	_, ok := b.exports[name]
	return ok
}

// Call invokes an export, marshalling in as its input (nil for none) and
// decoding the output into out (nil to discard). Empty output leaves out
// untouched. A response of the form
// {"error": "..."} is returned as an error.
func (b *Bridge) Call(ctx context.Context, name string, in, out any) error {
	fn, ok := b.exports[name]
	if !ok {
		return fmt.Errorf("WASM module does not export %s function", name)
	}

	var input []byte
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal %s input: %w", name, err)
		}
		input = data
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	output, err := b.callWASMFunction(ctx, fn, input)
	if err != nil {
		return fmt.Errorf("%s failed: %w", name, err)
	}
	if err := responseError(output); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	if out == nil || len(output) == 0 {
		return nil
	}
	if err := json.Unmarshal(output, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s response: %w", name, err)
	}
	return nil
}

// responseError extracts an {"error": "..."} payload, if any.
func responseError(output []byte) error {
	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(output, &resp); err == nil && resp.Error != "" {
		return fmt.Errorf("plugin error: %s", resp.Error)
	}
	return nil
}

// callWASMFunction writes input into module memory, calls fn and copies the
// packed result out.
func (b *Bridge) callWASMFunction(ctx context.Context, fn api.Function, input []byte) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var inputPtr, inputLen uint32
	if len(input) > 0 {
		ptr, err := b.allocate(ctx, uint32(len(input)))
		if err != nil {
			return nil, fmt.Errorf("failed to allocate WASM memory: %w", err)
		}
		defer func() { _ = b.deallocate(ctx, ptr) }()

		inputPtr = ptr
		inputLen = uint32(len(input))

		if !b.memory.Write(inputPtr, input) {
			return nil, fmt.Errorf("failed to write input to WASM memory")
		}
	}

	results, err := fn.Call(ctx, uint64(inputPtr), uint64(inputLen))
	if err != nil {
		return nil, fmt.Errorf("WASM function call failed: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("WASM function returned no results")
	}

	outputPtr, outputLen := unpack(results[0])
	if outputLen == 0 {
		return nil, nil
	}

	view, ok := b.memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("failed to read output from WASM memory")
	}
	// Read returns a view into linear memory; free may reuse it.
	output := make([]byte, len(view))
	copy(output, view)

	_ = b.deallocate(ctx, outputPtr)

	return output, nil
}

func (b *Bridge) allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := b.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("malloc returned no results")
	}
	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, fmt.Errorf("malloc returned null pointer")
	}
	return ptr, nil
}

func (b *Bridge) deallocate(ctx context.Context, ptr uint32) error {
	if _, err := b.free.Call(ctx, uint64(ptr)); err != nil {
		return fmt.Errorf("free failed: %w", err)
	}
	return nil
}

// pack is the inverse of unpack.
func pack(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

func unpack(packed uint64) (ptr, length uint32) {
	return uint32(packed >> 32), uint32(packed & 0xFFFFFFFF)
}

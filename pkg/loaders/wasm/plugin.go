package wasm

import (
	"context"

	"github.com/reactivegraph/plugind/pkg/plugins"
)

// modulePlugin drives a plugin instance that lives inside a WASM module.
type modulePlugin struct {
	lib  *Library
	meta plugins.Metadata
}

var (
	_ plugins.Plugin    = (*modulePlugin)(nil)
	_ plugins.Lifecycle = (*modulePlugin)(nil)
)

func (p *modulePlugin) Metadata() plugins.Metadata {
	return p.meta
}

func (p *modulePlugin) SetContext(ctx context.Context, pc plugins.Context) error {
	rec := contextRecord{PluginID: pc.PluginID(), Config: pc.Config()}
	p.lib.setContext(pc)
	if err := p.lib.bridge.Call(ctx, exportSetContext, rec, nil); err != nil {
		p.lib.setContext(nil)
		return err
	}
	return nil
}

func (p *modulePlugin) RemoveContext(ctx context.Context) error {
	defer p.lib.setContext(nil)
	return p.optional(ctx, exportRemoveContext)
}

func (p *modulePlugin) Activate(ctx context.Context) error {
	return p.lib.bridge.Call(ctx, exportActivate, nil, nil)
}

func (p *modulePlugin) Deactivate(ctx context.Context) error {
	return p.lib.bridge.Call(ctx, exportDeactivate, nil, nil)
}

func (p *modulePlugin) Providers(ctx context.Context) (plugins.ProviderSet, error) {
	var recs []providerRecord
	if err := p.lib.bridge.Call(ctx, exportProviders, nil, &recs); err != nil {
		return nil, err
	}
	return toProviders(recs)
}

func (p *modulePlugin) Init(ctx context.Context) error {
	return p.optional(ctx, exportInit)
}

func (p *modulePlugin) PostInit(ctx context.Context) error {
	return p.optional(ctx, exportPostInit)
}

func (p *modulePlugin) PreShutdown(ctx context.Context) error {
	return p.optional(ctx, exportPreShutdown)
}

func (p *modulePlugin) Shutdown(ctx context.Context) error {
	return p.optional(ctx, exportShutdown)
}

// optional calls an export the module is free to omit.
func (p *modulePlugin) optional(ctx context.Context, name string) error {
	if !p.lib.bridge.Has(name) {
		return nil
	}
	return p.lib.bridge.Call(ctx, name, nil, nil)
}

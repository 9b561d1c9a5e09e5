package config

import (
	"time"

	"github.com/reactivegraph/plugind/pkg/loaders/wasm"
	"github.com/reactivegraph/plugind/pkg/plugins"
	"github.com/reactivegraph/plugind/pkg/stores"
	"github.com/reactivegraph/plugind/pkg/telemetry"
)

// Layout returns the deploy and install directories.
func (c *Config) Layout() plugins.Layout {
	return plugins.Layout{
		InstallDir: c.Plugins.InstallDir(),
		DeployDir:  c.Plugins.DeployDir(),
	}
}

func (c *Config) ResolverConfig() plugins.ResolverConfig {
	return plugins.ResolverConfig{
		Disabled:         c.Plugins.Disabled,
		MaxIterations:    c.Plugins.MaxIterations,
		ShutdownRetries:  c.Plugins.ShutdownRetries,
		ShutdownInterval: duration(c.Plugins.ShutdownInterval),
	}
}

// StaticPolicy returns the allow and deny lists. A nil EnabledPlugins
// leaves the allow-list unset.
func (c *Config) StaticPolicy() plugins.StaticPolicy {
	return plugins.StaticPolicy{
		Enabled: c.Plugins.EnabledPlugins,
		Deny:    c.Plugins.DisabledPlugins,
	}
}

func (c *Config) WASMConfig() *wasm.Config {
	return &wasm.Config{
		Timeout:          duration(c.Plugins.WASM.Timeout),
		MemoryLimitPages: c.Plugins.WASM.MemoryLimitPages,
		Checksums:        c.Plugins.WASM.Checksums,
	}
}

func (c *Config) DeployDebounce() time.Duration {
	return duration(c.Plugins.DeployDebounce)
}

func (c *Config) StoreConfig() stores.Config {
	return stores.Config{Path: c.Store.Path}
}

func (c *Config) HistoryRetention() time.Duration {
	return duration(c.Store.HistoryRetention)
}

// TelemetryConfig expands the file settings over telemetry.DefaultConfig.
func (c *Config) TelemetryConfig(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	if version != "" {
		tc.ServiceVersion = version
	}
	t := c.Telemetry
	if t.Environment != "" {
		tc.Environment = t.Environment
	}
	tc.Logging.Level = t.LogLevel
	tc.Logging.Format = t.LogFormat
	if t.LogOutput != "" {
		tc.Logging.Output = t.LogOutput
	}
	if t.LogFormat == "json" {
		tc.Logging.TimeFormat = "unix"
	}

	tc.Tracing.Enabled = t.TracingExporter != "none"
	tc.Tracing.Exporter = t.TracingExporter
	tc.Tracing.Endpoint = t.TracingEndpoint
	tc.Tracing.SamplingRate = t.SamplingRate

	tc.Metrics.Enabled = t.MetricsEnabled
	tc.Metrics.Path = t.MetricsPath
	tc.Metrics.ListenAddress = t.MetricsListen

	tc.Events.Enabled = t.EventsEnabled
	return tc
}

package config

import (
	"github.com/reactivegraph/plugind/pkg/plugins"
)

const (
	DefaultDirectory      = "plugins"
	DefaultStorePath      = "plugind.db"
	DefaultAdminListen    = "127.0.0.1:31415"
	DefaultDeployDebounce = "500ms"
	DefaultWASMTimeout    = "30s"
	DefaultWASMPages      = 256
)

// Default returns the configuration used when no file is given. Files are
// decoded on top of it, so absent keys keep these values.
func Default() *Config {
	return &Config{
		Plugins: PluginsConfig{
			Directory:        DefaultDirectory,
			NamePrefix:       plugins.DefaultNamePrefix,
			HotDeploy:        true,
			DeployDebounce:   DefaultDeployDebounce,
			MaxIterations:    plugins.DefaultMaxIterations,
			ShutdownRetries:  plugins.DefaultShutdownRetries,
			ShutdownInterval: plugins.DefaultShutdownInterval.String(),
			WASM: WASMConfig{
				Timeout:          DefaultWASMTimeout,
				MemoryLimitPages: DefaultWASMPages,
			},
		},
		Store: StoreConfig{
			Enabled: true,
			Path:    DefaultStorePath,
		},
		Telemetry: TelemetryConfig{
			Environment:     "development",
			LogLevel:        "info",
			LogFormat:       "console",
			LogOutput:       "stderr",
			TracingExporter: "none",
			SamplingRate:    1.0,
			MetricsEnabled:  true,
			MetricsPath:     "/metrics",
			EventsEnabled:   true,
		},
		Admin: AdminConfig{
			Enabled: true,
			Listen:  DefaultAdminListen,
		},
	}
}

// applyDefaults fills values a file explicitly emptied.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Plugins.Directory == "" {
		c.Plugins.Directory = d.Plugins.Directory
	}
	if c.Plugins.NamePrefix == "" {
		c.Plugins.NamePrefix = d.Plugins.NamePrefix
	}
	if c.Plugins.DeployDebounce == "" {
		c.Plugins.DeployDebounce = d.Plugins.DeployDebounce
	}
	if c.Plugins.ShutdownInterval == "" {
		c.Plugins.ShutdownInterval = d.Plugins.ShutdownInterval
	}
	if c.Plugins.WASM.Timeout == "" {
		c.Plugins.WASM.Timeout = d.Plugins.WASM.Timeout
	}
	if c.Plugins.WASM.MemoryLimitPages == 0 {
		c.Plugins.WASM.MemoryLimitPages = d.Plugins.WASM.MemoryLimitPages
	}
	if c.Telemetry.LogLevel == "" {
		c.Telemetry.LogLevel = d.Telemetry.LogLevel
	}
	if c.Telemetry.LogFormat == "" {
		c.Telemetry.LogFormat = d.Telemetry.LogFormat
	}
	if c.Telemetry.TracingExporter == "" {
		c.Telemetry.TracingExporter = d.Telemetry.TracingExporter
	}
	if c.Telemetry.MetricsEnabled && c.Telemetry.MetricsPath == "" {
		c.Telemetry.MetricsPath = d.Telemetry.MetricsPath
	}
	if c.Admin.Enabled && c.Admin.Listen == "" {
		c.Admin.Listen = d.Admin.Listen
	}
}

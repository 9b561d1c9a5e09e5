package config

import (
	"path/filepath"
	"time"
)

// Config is the daemon configuration.
type Config struct {
	Plugins   PluginsConfig   `json:"plugins" yaml:"plugins" toml:"plugins"`
	Store     StoreConfig     `json:"store" yaml:"store" toml:"store"`
	Policy    PolicyConfig    `json:"policy" yaml:"policy" toml:"policy"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry" toml:"telemetry"`
	Admin     AdminConfig     `json:"admin" yaml:"admin" toml:"admin"`
}

// PluginsConfig configures the plugin directories, the resolver and the
// static disabled-plugin lists.
type PluginsConfig struct {
	// Directory holds the deploy/ and installed/ subdirectories.
	Directory string `json:"directory" yaml:"directory" toml:"directory" validate:"required"`

	// Disabled turns the resolver into a no-op.
	Disabled bool `json:"disabled" yaml:"disabled" toml:"disabled"`

	// EnabledPlugins is an allow-list of names or short names. When set,
	// DisabledPlugins is ignored.
	EnabledPlugins []string `json:"enabled_plugins,omitempty" yaml:"enabled_plugins,omitempty" toml:"enabled_plugins,omitempty" validate:"omitempty,dive,required"`

	// DisabledPlugins is a deny-list of stems, names or short names.
	DisabledPlugins []string `json:"disabled_plugins,omitempty" yaml:"disabled_plugins,omitempty" toml:"disabled_plugins,omitempty" validate:"omitempty,dive,required"`

	// NamePrefix is stripped from declared names to form short names.
	NamePrefix string `json:"name_prefix" yaml:"name_prefix" toml:"name_prefix"`

	// HotDeploy watches deploy/ for new artifacts.
	HotDeploy      bool   `json:"hot_deploy" yaml:"hot_deploy" toml:"hot_deploy"`
	DeployDebounce string `json:"deploy_debounce" yaml:"deploy_debounce" toml:"deploy_debounce" validate:"omitempty,duration"`

	MaxIterations    int    `json:"max_iterations" yaml:"max_iterations" toml:"max_iterations" validate:"gte=0"`
	ShutdownRetries  int    `json:"shutdown_retries" yaml:"shutdown_retries" toml:"shutdown_retries" validate:"gte=0"`
	ShutdownInterval string `json:"shutdown_interval" yaml:"shutdown_interval" toml:"shutdown_interval" validate:"omitempty,duration"`

	WASM WASMConfig `json:"wasm" yaml:"wasm" toml:"wasm"`

	// Settings holds each plugin's own configuration, keyed by stem.
	Settings map[string]map[string]any `json:"settings,omitempty" yaml:"settings,omitempty" toml:"settings,omitempty"`
}

// WASMConfig configures the WebAssembly loader.
type WASMConfig struct {
	Timeout          string `json:"timeout" yaml:"timeout" toml:"timeout" validate:"omitempty,duration"`
	MemoryLimitPages uint32 `json:"memory_limit_pages" yaml:"memory_limit_pages" toml:"memory_limit_pages" validate:"lte=65536"`

	// Checksums pins sha256 digests of artifacts, keyed by stem.
	Checksums map[string]string `json:"checksums,omitempty" yaml:"checksums,omitempty" toml:"checksums,omitempty" validate:"omitempty,dive,keys,required,endkeys,len=64,hexadecimal"`
}

// StoreConfig configures the SQLite inventory and transition history.
type StoreConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Path    string `json:"path" yaml:"path" toml:"path" validate:"required_if=Enabled true"`

	// HistoryRetention prunes transitions older than this at startup.
	// Empty keeps everything.
	HistoryRetention string `json:"history_retention" yaml:"history_retention" toml:"history_retention" validate:"omitempty,duration"`
}

// PolicyConfig configures the Rego disabled-plugin policies.
type PolicyConfig struct {
	Paths    []string `json:"paths,omitempty" yaml:"paths,omitempty" toml:"paths,omitempty" validate:"omitempty,dive,required"`
	Builtins []string `json:"builtins,omitempty" yaml:"builtins,omitempty" toml:"builtins,omitempty" validate:"omitempty,dive,oneof=prerelease unversioned"`
	Watch    bool     `json:"watch" yaml:"watch" toml:"watch"`
}

// TelemetryConfig is the file form of telemetry.Config.
type TelemetryConfig struct {
	Environment string `json:"environment" yaml:"environment" toml:"environment"`

	LogLevel  string `json:"log_level" yaml:"log_level" toml:"log_level" validate:"oneof=trace debug info warn error fatal"`
	LogFormat string `json:"log_format" yaml:"log_format" toml:"log_format" validate:"oneof=console json"`
	LogOutput string `json:"log_output" yaml:"log_output" toml:"log_output"`

	TracingExporter string  `json:"tracing_exporter" yaml:"tracing_exporter" toml:"tracing_exporter" validate:"oneof=none stdout otlp"`
	TracingEndpoint string  `json:"tracing_endpoint" yaml:"tracing_endpoint" toml:"tracing_endpoint" validate:"required_if=TracingExporter otlp"`
	SamplingRate    float64 `json:"sampling_rate" yaml:"sampling_rate" toml:"sampling_rate" validate:"gte=0,lte=1"`

	MetricsEnabled bool   `json:"metrics_enabled" yaml:"metrics_enabled" toml:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path" yaml:"metrics_path" toml:"metrics_path" validate:"omitempty,startswith=/"`
	MetricsListen  string `json:"metrics_listen" yaml:"metrics_listen" toml:"metrics_listen" validate:"omitempty,hostname_port"`

	EventsEnabled bool `json:"events_enabled" yaml:"events_enabled" toml:"events_enabled"`
}

// AdminConfig configures the HTTP admin API served by plugind run.
type AdminConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Listen  string `json:"listen" yaml:"listen" toml:"listen" validate:"omitempty,hostname_port"`
}

// DeployDir is where new artifacts are dropped.
func (p PluginsConfig) DeployDir() string { return filepath.Join(p.Directory, "deploy") }

// InstallDir is where loaded artifacts live.
func (p PluginsConfig) InstallDir() string { return filepath.Join(p.Directory, "installed") }

// duration parses a value that already passed validation.
func duration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

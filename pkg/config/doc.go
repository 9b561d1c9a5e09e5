// Package config loads the daemon configuration.
//
// A file is chosen by extension and decoded on top of Default:
//
//   - .yaml/.yml with gopkg.in/yaml.v3 (unknown keys rejected)
//   - .toml with github.com/pelletier/go-toml/v2 (unknown keys rejected)
//   - .json with encoding/json (unknown keys rejected)
//   - .cue unified with the built-in #Config schema, then decoded
//
// Defaults are re-applied for keys a file explicitly emptied, and the result
// is validated with github.com/go-playground/validator/v10 struct tags plus
// a few cross-field rules. Errors come back as ValidationErrors carrying the
// file, and for CUE and TOML the line and column.
//
// Durations are strings ("500ms", "30s") so that every format can express
// them; accessors such as DeployDebounce return time.Duration values.
//
// Example (YAML):
//
//	plugins:
//	  directory: /var/lib/plugind/plugins
//	  disabled_plugins: [legacy]
//	  settings:
//	    flow:
//	      interval: 5
//	store:
//	  path: /var/lib/plugind/plugind.db
//	policy:
//	  paths: [/etc/plugind/policies]
//	  builtins: [prerelease]
//	  watch: true
//	admin:
//	  listen: 127.0.0.1:31415
//
// ResolvePath honours the PLUGIND_CONFIG environment variable.
package config

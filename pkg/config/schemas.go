package config

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// ConfigSchema is the definition CUE configuration files are unified with.
const ConfigSchema = "#Config"

// SchemaRegistry manages CUE schemas for validation. A cue.Context is not
// safe for concurrent use, so every operation holds mu.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.Mutex
}

// NewSchemaRegistry creates a new schema registry with the built-in schema.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	if err := sr.RegisterSchema(builtinSchema); err != nil {
		panic(fmt.Sprintf("built-in config schema: %v", err))
	}

	return sr
}

// RegisterSchema compiles CUE source and registers each top-level
// definition under its name (e.g. "#Config").
func (sr *SchemaRegistry) RegisterSchema(src string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(src, cue.Filename("schema.cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema: %w", err)
	}

	iter, err := val.Fields(cue.Definitions(true))
	if err != nil {
		return fmt.Errorf("failed to list schema definitions: %w", err)
	}
	for iter.Next() {
		if iter.Selector().IsDefinition() {
			sr.schemas[iter.Selector().String()] = iter.Value()
		}
	}
	return nil
}

// GetSchema retrieves a schema by definition name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Unify compiles src and unifies it with the named schema. The result is
// validated to be concrete. The compiled source is returned alongside so
// errors can be traced back to it.
func (sr *SchemaRegistry) Unify(schemaName, src, filename string) (unified, source cue.Value, err error) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	schema, ok := sr.schemas[schemaName]
	if !ok {
		return cue.Value{}, cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}

	source = sr.ctx.CompileString(src, cue.Filename(filename))
	if err := source.Err(); err != nil {
		return cue.Value{}, cue.Value{}, err
	}

	unified = schema.Unify(source)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, source, err
	}
	return unified, source, nil
}

const builtinSchema = `
#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#HostPort: =~"^[^:]*:[0-9]+$"

#Config: {
	plugins?:   #Plugins
	store?:     #Store
	policy?:    #Policy
	telemetry?: #Telemetry
	admin?:     #Admin
}

#Plugins: {
	directory?:         string & !=""
	disabled?:          bool
	enabled_plugins?:   [...string]
	disabled_plugins?:  [...string]
	name_prefix?:       string
	hot_deploy?:        bool
	deploy_debounce?:   #Duration
	max_iterations?:    int & >=0
	shutdown_retries?:  int & >=0
	shutdown_interval?: #Duration
	wasm?: {
		timeout?:            #Duration
		memory_limit_pages?: int & >=1 & <=65536
		checksums?: [string]: =~"^[0-9a-f]{64}$"
	}
	settings?: [string]: {...}
}

#Store: {
	enabled?:           bool
	path?:              string
	history_retention?: #Duration
}

#Policy: {
	paths?:    [...string]
	builtins?: [...("prerelease" | "unversioned")]
	watch?:    bool
}

#Telemetry: {
	environment?:      string
	log_level?:        "trace" | "debug" | "info" | "warn" | "error" | "fatal"
	log_format?:       "console" | "json"
	log_output?:       string
	tracing_exporter?: "none" | "stdout" | "otlp"
	tracing_endpoint?: string
	sampling_rate?:    number & >=0 & <=1
	metrics_enabled?:  bool
	metrics_path?:     =~"^/"
	metrics_listen?:   #HostPort
	events_enabled?:   bool
}

#Admin: {
	enabled?: bool
	listen?:  #HostPort
}
`

package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
)

// SchemaConfig is the name of the built-in schema of the scheduler
// configuration.
const SchemaConfig = "config"

// SchemaRegistry manages CUE schemas for validation. Every schema defines
// one definition named after its registration key, for example #config.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry holding the built-in schemas. Values
// validated against it must come from ctx.
func NewSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema(SchemaConfig, builtinConfigSchema); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema compiles schema and registers the definition #name it
// declares.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	def := val.LookupPath(cue.MakePath(cue.Def(name)))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not declare #%s", name, name)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema definition by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Validate unifies val with the named schema. Closed definitions reject
// unknown fields.
func (sr *SchemaRegistry) Validate(schemaName string, val cue.Value) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}
	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return err
	}
	return nil
}

// ValidateData encodes a Go value and validates it against the named schema.
func (sr *SchemaRegistry) ValidateData(schemaName string, data interface{}) error {
	val := sr.ctx.Encode(data)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	return sr.Validate(schemaName, val)
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinConfigSchema = `
#duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#port: {
	name: string & =~"^[a-z][a-z0-9_]*$"
	port?: int & >=0 & <=65535
}

#config: {
	service?: {
		name?:      string & =~"^[a-z0-9][a-z0-9-]*$"
		role?:      string & !="*" & !=""
		principal?: string & !=""
	}

	nodes?: int & >=1

	daemon?: {
		cpus?:        number & >0
		mem?:         number & >0
		disk?:        number & >0
		disk_type?:   "root" | "path" | "mount"
		volume_path?: string & !=""
		ports?: [...#port]
		command?: string & !=""
		env?: {[string]: string}
	}

	cluster_task?: {
		cpus?: number & >0
		mem?:  number & >0
		commands?: {[=~"^(snapshot|upload|download|restore)$"]: string}
	}

	executor?: {
		shutdown_timeout?: #duration
		grace_period?:     #duration
		ssh?: {...}
	}

	store?: {
		kind?:         "memory" | "sqlite" | "etcd"
		path?:         string
		endpoints?:    [...string]
		dial_timeout?: #duration
	}

	placement?: {
		policies?: [...string]
		watch?:    bool
	}

	telemetry?: {...}
}
`

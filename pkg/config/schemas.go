package config

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
)

// SchemaRegistry manages named CUE definitions used to validate documents.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

func newSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}

	if err := sr.RegisterSchema("project", "#Project", builtinProjectSchema); err != nil {
		panic(err)
	}
	if err := sr.RegisterSchema("inventory", "#Inventory", builtinInventorySchema); err != nil {
		panic(err)
	}

	return sr
}

// RegisterSchema compiles source and registers the definition def under name.
func (sr *SchemaRegistry) RegisterSchema(name, def, source string) error {
	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	schema := val.LookupPath(cue.ParsePath(def))
	if !schema.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, def)
	}
	if err := schema.Err(); err != nil {
		return fmt.Errorf("schema %s is invalid: %w", name, err)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.schemas[name] = schema
	return nil
}

// GetSchema retrieves a schema definition by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates an arbitrary Go value against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(schemaName string, data any) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	if err := schema.Unify(dataVal).Validate(cue.Concrete(true)); err != nil {
		return convertCUEErrors(err)
	}
	return nil
}

const builtinProjectSchema = `
#Project: {
	name?:           string
	concurrency:     int & >=1 & <=10000 | *100
	"inventory-file": string | *"inventory.yaml"
	"rerun-file":    string | *".skein/rerun.json"
	"save-rerun":    bool | *true
	"journal-file"?: string
	"policy-paths"?: [...string]
	"disabled-policies"?: [...string]
	"watch-policies": bool | *false
	"tasks-dir":     string | *"tasks"
	"plans-dir":     string | *"plans"

	log: {
		level:   "trace" | "debug" | *"info" | "warn" | "error" | "fatal"
		format:  *"console" | "json"
		output?: string
	}

	metrics: {
		"listen-address"?: string
	}

	tracing: {
		exporter:        *"none" | "stdout" | "otlp"
		endpoint?:       string
		"sampling-rate": number & >=0 & <=1 | *1.0
	}
}
`

const builtinInventorySchema = `
#Duration: int & >=0

#TransportConfig: {
	user?:              string
	password?:          string
	port?:              int & >0 & <65536
	"private-key"?:     string
	"host-key-check"?:  bool
	"known-hosts"?:     string
	"connect-timeout"?: #Duration
	"run-as"?:          string
	"sudo-password"?:   string
	tmpdir?:            string
	interpreters?: {[string]: string}
	...
}

#Config: {
	transport?: "ssh" | "local"
	ssh?:       #TransportConfig
	local?:     #TransportConfig
}

#TargetEntry: string | {
	uri?:      string
	name?:     string
	alias?:    string | [...string]
	config?:   #Config
	vars?:     {...}
	facts?:    {...}
	features?: [...string]
}

#Group: {
	name:      string & =~"^[a-z0-9_][a-z0-9_-]*$"
	targets?:  [...#TargetEntry]
	groups?:   [...{...}]
	config?:   #Config
	vars?:     {...}
	facts?:    {...}
	features?: [...string]
}

#Inventory: {
	version?:  2
	name?:     "all"
	targets?:  [...#TargetEntry]
	groups?:   [...#Group]
	config?:   #Config
	vars?:     {...}
	facts?:    {...}
	features?: [...string]
}
`

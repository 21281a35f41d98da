package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Loader reads configuration files. Files ending in .cue are evaluated with
// CUE, everything else is decoded as YAML (a superset of JSON). Both are
// checked against the built-in CUE schema, laid over Default and validated
// with struct tags.
type Loader struct {
	ctx       *cue.Context
	schemas   *SchemaRegistry
	validator *validator.Validate
}

// NewLoader creates a loader.
func NewLoader() *Loader {
	ctx := cuecontext.New()
	return &Loader{
		ctx:       ctx,
		schemas:   NewSchemaRegistry(ctx),
		validator: validator.New(),
	}
}

// Schemas returns the schema registry of the loader.
func (l *Loader) Schemas() *SchemaRegistry {
	return l.schemas
}

// Load reads, validates and returns the configuration at path.
func (l *Loader) Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if strings.EqualFold(filepath.Ext(path), ".cue") {
		return l.ParseCUE(path, content)
	}
	return l.ParseYAML(path, content)
}

// ParseYAML parses YAML or JSON configuration content.
func (l *Loader) ParseYAML(source string, content []byte) (*Config, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return nil, &LoadError{Source: source, Errors: []ValidationError{{File: source, Message: err.Error()}}}
	}
	if raw == nil {
		raw = map[string]interface{}{}
	}

	val := l.ctx.Encode(raw)
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to encode config %s: %w", source, err)
	}
	if err := l.schemas.Validate(SchemaConfig, val); err != nil {
		return nil, &LoadError{Source: source, Errors: convertCUEErrors(err)}
	}
	return l.decode(source, content)
}

// ParseCUE evaluates CUE configuration content.
func (l *Loader) ParseCUE(source string, content []byte) (*Config, error) {
	val := l.ctx.CompileBytes(content, cue.Filename(source))
	if err := val.Err(); err != nil {
		return nil, &LoadError{Source: source, Errors: convertCUEErrors(err)}
	}
	if err := l.schemas.Validate(SchemaConfig, val); err != nil {
		return nil, &LoadError{Source: source, Errors: convertCUEErrors(err)}
	}

	// JSON is YAML, so the exported value decodes through the same path and
	// durations keep their string form.
	data, err := val.MarshalJSON()
	if err != nil {
		return nil, &LoadError{Source: source, Errors: convertCUEErrors(err)}
	}
	return l.decode(source, data)
}

// decode lays content over the defaults and validates the result.
func (l *Loader) decode(source string, content []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, &LoadError{Source: source, Errors: []ValidationError{{File: source, Message: err.Error()}}}
	}
	if err := l.Validate(cfg); err != nil {
		return nil, &LoadError{Source: source, Errors: []ValidationError{{Message: err.Error()}}}
	}
	return cfg, nil
}

// Validate checks a decoded configuration with its struct tags.
func (l *Loader) Validate(cfg *Config) error {
	if err := l.validator.Struct(cfg); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if cfg.Telemetry != nil {
		if err := cfg.Telemetry.Validate(); err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
	}
	return nil
}

// convertCUEErrors converts CUE errors to ValidationErrors.
func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range errors.Errors(err) {
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: errors.Details(e, nil),
		}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}

// Load reads the configuration at path with a fresh Loader.
func Load(path string) (*Config, error) {
	return NewLoader().Load(path)
}

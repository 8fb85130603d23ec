package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Format is a configuration file format.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatCUE  Format = "cue"
)

// FormatFromPath infers the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".cue":
		return FormatCUE, nil
	default:
		return "", fmt.Errorf("unsupported configuration format for %s (expected .yaml, .yml, .json or .cue)", path)
	}
}

// Parser decodes configuration documents and validates them against CUE
// schemas and struct tags.
type Parser struct {
	ctx       *cue.Context
	schemas   *SchemaRegistry
	validator *validator.Validate
}

// NewParser creates a parser with the built-in schemas registered.
func NewParser() *Parser {
	ctx := cuecontext.New()
	return &Parser{
		ctx:       ctx,
		schemas:   newSchemaRegistry(ctx),
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Schemas returns the schema registry.
func (p *Parser) Schemas() *SchemaRegistry {
	return p.schemas
}

// Validator returns the struct validator so callers can register custom tags.
func (p *Parser) Validator() *validator.Validate {
	return p.validator
}

// DecodeFile reads path and decodes it into out. When schema is non-empty the
// document is validated against the named schema first.
func (p *Parser) DecodeFile(path, schema string, out any) error {
	format, err := FormatFromPath(path)
	if err != nil {
		return err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	return p.Decode(content, format, path, schema, out)
}

// Decode decodes content of the given format into out. filename is used in
// error positions only.
func (p *Parser) Decode(content []byte, format Format, filename, schema string, out any) error {
	val, err := p.compile(content, format, filename)
	if err != nil {
		return err
	}

	if schema != "" {
		def, ok := p.schemas.GetSchema(schema)
		if !ok {
			return fmt.Errorf("schema %s not found", schema)
		}
		val = def.Unify(val)
	}

	if err := val.Validate(cue.Concrete(true)); err != nil {
		return convertCUEErrors(err)
	}

	data, err := val.MarshalJSON()
	if err != nil {
		return convertCUEErrors(err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", filename, err)
	}

	return p.ValidateStruct(filename, out)
}

// ValidateStruct runs struct-tag validation and converts failures into
// ValidationErrors. Non-struct values are accepted as-is.
func (p *Parser) ValidateStruct(filename string, v any) error {
	err := p.validator.Struct(v)
	if err == nil {
		return nil
	}

	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	errs := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		errs = append(errs, ValidationError{
			File:    filename,
			Path:    fe.Namespace(),
			Message: fmt.Sprintf("failed on the '%s' rule (value %v)", fe.Tag(), fe.Value()),
		})
	}
	return errs
}

// compile turns any supported format into a CUE value so every format goes
// through the same schema unification.
func (p *Parser) compile(content []byte, format Format, filename string) (cue.Value, error) {
	switch format {
	case FormatCUE, FormatJSON:
		// JSON is a subset of CUE, so both compile directly and keep integer kinds.
		if format == FormatJSON && !json.Valid(content) {
			return cue.Value{}, ValidationErrors{{File: filename, Message: "invalid JSON document"}}
		}
		val := p.ctx.CompileBytes(content, cue.Filename(filename))
		if err := val.Err(); err != nil {
			return cue.Value{}, convertCUEErrors(err)
		}
		return val, nil

	case FormatYAML:
		var doc any
		if err := yaml.Unmarshal(content, &doc); err != nil {
			return cue.Value{}, ValidationErrors{{File: filename, Message: err.Error()}}
		}
		if doc == nil {
			doc = map[string]any{}
		}
		return p.encode(doc, filename)

	default:
		return cue.Value{}, fmt.Errorf("unsupported format %q", format)
	}
}

func (p *Parser) encode(doc any, filename string) (cue.Value, error) {
	val := p.ctx.Encode(doc)
	if err := val.Err(); err != nil {
		return cue.Value{}, ValidationErrors{{File: filename, Message: fmt.Sprintf("failed to encode document: %v", err)}}
	}
	return val, nil
}

// convertCUEErrors converts CUE errors to ValidationErrors with positions.
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: cueerrors.Details(e, nil),
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
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

package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/converge/pkg/engine"
)

// Format is a manifest encoding.
type Format string

const (
	FormatYAML     Format = "yaml"
	FormatJSON     Format = "json"
	FormatTOML     Format = "toml"
	FormatCUE      Format = "cue"
	FormatStarlark Format = "starlark"
)

// FormatOf maps a file name to its format by extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".toml":
		return FormatTOML, nil
	case ".cue":
		return FormatCUE, nil
	case ".star", ".starlark":
		return FormatStarlark, nil
	default:
		return "", fmt.Errorf("unsupported manifest extension %q", filepath.Ext(path))
	}
}

// manifestKeys are the top-level fields of a manifest. Other Starlark globals
// are script variables.
var manifestKeys = []string{"target", "settings", "policies", "resources"}

type sourcePos struct {
	File string
	Line int
}

// document is a decoded manifest before validation.
type document struct {
	fields    map[string]interface{}
	positions []sourcePos
}

func (d *document) position(i int) sourcePos {
	if i < len(d.positions) {
		return d.positions[i]
	}
	return sourcePos{}
}

// Loader reads manifests in any supported format.
type Loader struct {
	schemas  *SchemaRegistry
	cue      *CUEParser
	starlark *StarlarkEvaluator
	validate *validator.Validate
	vars     map[string]interface{}
	logger   zerolog.Logger
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLogger sets the logger used for Starlark print output and load events.
func WithLogger(logger zerolog.Logger) LoaderOption {
	return func(l *Loader) { l.logger = logger }
}

// WithVars predeclares vars as the Starlark global "vars".
func WithVars(vars map[string]interface{}) LoaderOption {
	return func(l *Loader) { l.vars = vars }
}

// WithStarlarkTimeout bounds Starlark manifest execution.
func WithStarlarkTimeout(timeout time.Duration) LoaderOption {
	return func(l *Loader) { l.starlark.timeout = timeout }
}

// NewLoader creates a manifest loader.
func NewLoader(opts ...LoaderOption) *Loader {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	l := &Loader{
		schemas:  NewSchemaRegistry(),
		cue:      NewCUEParser(),
		validate: v,
		logger:   zerolog.Nop(),
	}
	l.starlark = NewStarlarkEvaluator(30*time.Second, l.logger)
	for _, opt := range opts {
		opt(l)
	}
	l.starlark.logger = l.logger
	return l
}

// Load reads the manifest at path. A directory is loaded as a CUE package.
func Load(ctx context.Context, path string) (*Manifest, error) {
	return NewLoader().Load(ctx, path)
}

// Load reads, validates and converts the manifest at path. Problems found in
// the document are returned as ValidationErrors.
func (l *Loader) Load(ctx context.Context, path string) (*Manifest, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat manifest: %w", err)
	}
	if info.IsDir() {
		doc, err := l.cue.LoadDirectory(path)
		if err != nil {
			return nil, withFile(err, path)
		}
		return l.build(path, doc)
	}

	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return l.LoadBytes(ctx, path, format, data)
}

// LoadBytes parses data in the given format. name is reported in errors.
func (l *Loader) LoadBytes(ctx context.Context, name string, format Format, data []byte) (*Manifest, error) {
	var (
		doc *document
		err error
	)
	switch format {
	case FormatYAML:
		doc, err = decodeYAML(name, data)
	case FormatJSON:
		doc, err = decodeJSON(data)
	case FormatTOML:
		doc, err = decodeTOML(data)
	case FormatCUE:
		doc, err = l.cue.ParseBytes(name, data)
	case FormatStarlark:
		doc, err = l.evalStarlark(ctx, name, data)
	default:
		return nil, fmt.Errorf("unsupported manifest format %q", format)
	}
	if err != nil {
		return nil, withFile(err, name)
	}

	l.logger.Debug().
		Str("manifest", name).
		Str("format", string(format)).
		Msg("manifest decoded")
	return l.build(name, doc)
}

func decodeYAML(name string, data []byte) (*document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	doc := &document{}
	if root.Kind == 0 {
		return doc, nil
	}
	if err := root.Decode(&doc.fields); err != nil {
		return nil, fmt.Errorf("failed to decode YAML: %w", err)
	}

	top := &root
	if top.Kind == yaml.DocumentNode && len(top.Content) > 0 {
		top = top.Content[0]
	}
	if top.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(top.Content); i += 2 {
			if top.Content[i].Value != "resources" || top.Content[i+1].Kind != yaml.SequenceNode {
				continue
			}
			for _, item := range top.Content[i+1].Content {
				doc.positions = append(doc.positions, sourcePos{File: name, Line: item.Line})
			}
		}
	}
	return doc, nil
}

func decodeJSON(data []byte) (*document, error) {
	doc := &document{}
	if err := json.Unmarshal(data, &doc.fields); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return doc, nil
}

func decodeTOML(data []byte) (*document, error) {
	doc := &document{}
	if _, err := toml.Decode(string(data), &doc.fields); err != nil {
		return nil, fmt.Errorf("failed to parse TOML: %w", err)
	}
	return doc, nil
}

func (l *Loader) evalStarlark(ctx context.Context, name string, data []byte) (*document, error) {
	input := map[string]interface{}{}
	if l.vars != nil {
		input["vars"] = l.vars
	}
	result, err := l.starlark.Evaluate(ctx, filepath.Base(name), string(data), input)
	if err != nil {
		return nil, err
	}

	doc := &document{fields: make(map[string]interface{})}
	for _, key := range manifestKeys {
		if v, ok := result.Globals[key]; ok {
			doc.fields[key] = v
		}
	}
	if resources, ok := doc.fields["resources"].([]interface{}); ok {
		doc.positions = make([]sourcePos, len(resources))
		for i := range resources {
			doc.positions[i] = sourcePos{File: name, Line: result.Lines[i]}
		}
	}
	return doc, nil
}

// build validates a decoded document and converts it to a Manifest.
func (l *Loader) build(name string, doc *document) (*Manifest, error) {
	if len(doc.fields) == 0 {
		return nil, ValidationErrors{{File: name, Message: "manifest is empty", Severity: "error"}}
	}

	raw, err := json.Marshal(doc.fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}

	if errs := l.schemas.ValidateJSON("manifest", raw); len(errs) > 0 {
		return nil, locate(errs, name, doc)
	}

	m := &Manifest{Settings: engine.DefaultConfig(), Source: name}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(m); err != nil {
		return nil, ValidationErrors{{File: name, Message: err.Error(), Severity: "error"}}
	}
	for i := range m.Resources {
		m.Resources[i].Line = doc.position(i).Line
	}

	var errs ValidationErrors
	if err := l.validate.Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return nil, fmt.Errorf("failed to validate manifest: %w", err)
		}
		for _, fe := range verrs {
			errs = append(errs, ValidationError{
				File:     name,
				Path:     strings.TrimPrefix(fe.Namespace(), "Manifest."),
				Message:  fmt.Sprintf("failed on the %q rule", fe.Tag()),
				Severity: "error",
			})
		}
	}
	if err := m.Settings.Validate(); err != nil {
		errs = append(errs, ValidationError{File: name, Path: "settings", Message: err.Error(), Severity: "error"})
	}
	if _, err := m.Descriptors(); err != nil {
		var derrs ValidationErrors
		if !errors.As(err, &derrs) {
			return nil, err
		}
		errs = append(errs, derrs...)
	}
	if len(errs) > 0 {
		return nil, locate(errs, name, doc)
	}
	return m, nil
}

// locate points errors at the file and, for resource paths, at the line of
// the entry.
func locate(errs ValidationErrors, name string, doc *document) ValidationErrors {
	out := make(ValidationErrors, len(errs))
	for i, e := range errs {
		e.File, e.Line, e.Column = name, 0, 0
		if idx, ok := resourceIndex(e.Path); ok {
			pos := doc.position(idx)
			if pos.File != "" {
				e.File = pos.File
			}
			e.Line = pos.Line
		}
		out[i] = e
	}
	return out
}

// resourceIndex extracts n from a "resources[n]..." path.
func resourceIndex(path string) (int, bool) {
	rest, ok := strings.CutPrefix(path, "resources[")
	if !ok {
		return 0, false
	}
	n, _, ok := strings.Cut(rest, "]")
	if !ok {
		return 0, false
	}
	idx, err := strconv.Atoi(n)
	return idx, err == nil
}

// withFile attaches name to ValidationErrors that carry no file.
func withFile(err error, name string) error {
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := make(ValidationErrors, len(verrs))
	for i, e := range verrs {
		if e.File == "" {
			e.File = name
		}
		out[i] = e
	}
	return out
}

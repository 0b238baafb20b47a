package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with the built-in manifest
// schema.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	if err := sr.RegisterSchema("manifest", "#Manifest", builtinManifestSchema); err != nil {
		panic(err)
	}

	return sr
}

// RegisterSchema compiles src and registers its definition (e.g. "#Manifest")
// under name.
func (sr *SchemaRegistry) RegisterSchema(name, definition, src string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(src, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, definition)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ListSchemas returns all registered schema names, sorted.
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

// ValidateJSON checks a JSON document against a named schema. It returns
// nil when the document conforms.
func (sr *SchemaRegistry) ValidateJSON(schemaName string, data []byte) ValidationErrors {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return ValidationErrors{{Message: fmt.Sprintf("schema %s not found", schemaName), Severity: "error"}}
	}

	sr.mu.Lock()
	doc := sr.ctx.CompileBytes(data)
	sr.mu.Unlock()
	if err := doc.Err(); err != nil {
		return convertCUEErrors(err)
	}

	if err := schema.Unify(doc).Validate(cue.Concrete(true)); err != nil {
		return convertCUEErrors(err)
	}
	return nil
}

// convertCUEErrors converts CUE errors to ValidationErrors. List indices in
// paths are rendered as [n].
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors

	for _, e := range errors.Errors(err) {
		ve := ValidationError{
			Path:     formatPath(e.Path()),
			Message:  strings.TrimSpace(errors.Details(e, nil)),
			Severity: "error",
		}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}

	return out
}

// formatPath renders a CUE error path relative to the manifest, dropping the
// schema definition it was unified with.
func formatPath(path []string) string {
	if len(path) > 0 && strings.HasPrefix(path[0], "#") {
		path = path[1:]
	}
	var b strings.Builder
	for _, p := range path {
		if _, err := strconv.Atoi(p); err == nil {
			fmt.Fprintf(&b, "[%s]", p)
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(p)
	}
	return b.String()
}

const builtinManifestSchema = `
#Kind: "user_exists" | "ssh_key_installed" | "ssh_directive_set" | "directory_owned" | "package_installed" | "hostname_set"

#Resource: {
	kind:   #Kind
	key?:   string
	value?: bool | string | [...string]
}

#Target: {
	local?:                    bool
	host?:                     string
	user?:                     string
	port?:                     int & >=1 & <=65535
	identity_file?:            string
	password_env?:             string
	agent?:                    bool
	known_hosts?:              string
	insecure_ignore_host_key?: bool
	sudo?:                     bool
	sudo_password_env?:        string
	proxy_jump?:               string
}

#Settings: {
	sshd_config_path?:     string & =~"^/"
	ssh_service?:          string
	service_action?:       "restart" | "reload"
	validate_command?:     string
	default_shell?:        string & =~"^/"
	package_manager?:      "" | "dnf" | "yum" | "apt-get" | "zypper"
	authorized_keys_file?: string
}

#Manifest: {
	target?:   #Target
	settings?: #Settings
	policies?: [...string]
	resources: [...#Resource]
}
`

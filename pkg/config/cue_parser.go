package config

import (
	"fmt"
	"os"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
)

// CUEParser evaluates CUE manifests, either a single file or a directory
// holding one CUE package.
type CUEParser struct {
	ctx *cue.Context
	mu  sync.Mutex
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	return &CUEParser{
		ctx: cuecontext.New(),
	}
}

// ParseBytes evaluates CUE source. filename is used in error positions.
func (cp *CUEParser) ParseBytes(filename string, data []byte) (*document, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	val := cp.ctx.CompileBytes(data, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}
	return cp.extract(val)
}

// ParseFile evaluates a single CUE file.
func (cp *CUEParser) ParseFile(path string) (*document, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return cp.ParseBytes(path, content)
}

// LoadDirectory evaluates the CUE package in dir.
func (cp *CUEParser) LoadDirectory(dir string) (*document, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	buildInstances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(buildInstances) == 0 {
		return nil, ValidationErrors{{File: dir, Message: "no CUE files found", Severity: "error"}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return nil, convertCUEErrors(inst.Err)
	}

	val := cp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}
	return cp.extract(val)
}

// extract exports a fully evaluated value and the position of each
// resources entry.
func (cp *CUEParser) extract(val cue.Value) (*document, error) {
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, convertCUEErrors(err)
	}

	var doc map[string]interface{}
	if err := val.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}

	out := &document{fields: doc}
	resources := val.LookupPath(cue.ParsePath("resources"))
	if resources.Kind() == cue.ListKind {
		iter, err := resources.List()
		if err != nil {
			return nil, convertCUEErrors(err)
		}
		for iter.Next() {
			pos := iter.Value().Pos()
			out.positions = append(out.positions, sourcePos{File: pos.Filename(), Line: pos.Line()})
		}
	}
	return out, nil
}

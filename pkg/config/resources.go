package config

import (
	"fmt"

	"github.com/openfroyo/converge/pkg/engine"
)

// Descriptor converts the entry to an engine descriptor.
func (r ResourceConfig) Descriptor() (engine.ResourceDescriptor, error) {
	kind := engine.Kind(r.Kind)
	key := r.Key
	if kind == engine.KindHostnameSet && key == "" {
		key = "hostname"
	}

	value, err := r.desiredValue(kind)
	if err != nil {
		return engine.ResourceDescriptor{}, err
	}
	return engine.NewDescriptor(kind, key, value)
}

func (r ResourceConfig) desiredValue(kind engine.Kind) (engine.Value, error) {
	switch v := r.Value.(type) {
	case nil:
		if kind == engine.KindUserExists || kind == engine.KindPackageInstalled {
			return engine.Bool(true), nil
		}
		return engine.Value{}, fmt.Errorf("%s/%s: value is required", kind, r.Key)
	case bool:
		return engine.Bool(v), nil
	case string:
		if kind == engine.KindPackageInstalled {
			switch v {
			case "present", "installed":
				return engine.Bool(true), nil
			case "absent", "removed":
				return engine.Bool(false), nil
			}
			return engine.Value{}, fmt.Errorf("%s/%s: state must be present or absent, got %q", kind, r.Key, v)
		}
		return engine.String(v), nil
	case []string:
		return engine.List(v...), nil
	case []interface{}:
		items := make([]string, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return engine.Value{}, fmt.Errorf("%s/%s: list items must be strings, got %T", kind, r.Key, item)
			}
			items[i] = s
		}
		return engine.List(items...), nil
	default:
		return engine.Value{}, fmt.Errorf("%s/%s: value must be a bool, a string or a list of strings, got %T", kind, r.Key, r.Value)
	}
}

// Descriptors converts every resource in file order. Invalid entries and
// duplicate identities are all reported together.
func (m *Manifest) Descriptors() ([]engine.ResourceDescriptor, error) {
	var errs ValidationErrors
	out := make([]engine.ResourceDescriptor, 0, len(m.Resources))
	seen := make(map[string]int, len(m.Resources))

	for i, rc := range m.Resources {
		d, err := rc.Descriptor()
		if err != nil {
			errs = append(errs, m.resourceError(i, err.Error()))
			continue
		}
		if first, dup := seen[d.ID()]; dup {
			errs = append(errs, m.resourceError(i, fmt.Sprintf("duplicate resource %s (first declared %s)", d.ID(), m.where(first))))
			continue
		}
		seen[d.ID()] = i
		out = append(out, d)
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return out, nil
}

func (m *Manifest) resourceError(i int, msg string) ValidationError {
	return ValidationError{
		File:     m.Source,
		Line:     m.Resources[i].Line,
		Path:     fmt.Sprintf("resources[%d]", i),
		Message:  msg,
		Severity: "error",
	}
}

func (m *Manifest) where(i int) string {
	if line := m.Resources[i].Line; line > 0 {
		return fmt.Sprintf("at line %d", line)
	}
	return fmt.Sprintf("as resources[%d]", i)
}

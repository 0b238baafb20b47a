package engine

import (
	"fmt"
	"strings"
)

// Reconcile compares desired and observed state. It is a pure function: it
// performs no I/O and its result depends only on its arguments.
func Reconcile(d ResourceDescriptor, o ObservedState) Decision {
	if o.Unmet != "" {
		return Unreconcilable("%s: %s", d.ID(), o.Unmet)
	}

	desired := d.Desired()
	switch d.Kind() {
	case KindUserExists:
		if o.Present {
			return Satisfied()
		}
		return NeedsAction("create user %s", d.Key())

	case KindSSHKeyInstalled:
		missing := missingKeys(desired.Items(), o.Value.Items())
		if len(missing) == 0 {
			return Satisfied()
		}
		labels := make([]string, len(missing))
		for i, k := range missing {
			labels[i] = keyFingerprint(k)
		}
		return NeedsAction("install %d key(s) for %s: %s", len(missing), d.Key(), strings.Join(labels, ", "))

	case KindSSHDirectiveSet:
		want := directiveValue(desired)
		if !o.Present {
			return NeedsAction("set %s %s (currently unset)", d.Key(), want)
		}
		if directiveEqual(desired, o.Value) {
			return Satisfied()
		}
		return NeedsAction("change %s from %q to %q", d.Key(), directiveValue(o.Value), want)

	case KindDirectoryOwned:
		user, group := SplitOwner(desired.Str)
		want := user + ":" + group
		if !o.Present {
			return NeedsAction("create %s owned by %s", d.Key(), want)
		}
		if o.Value.Str == want {
			return Satisfied()
		}
		return NeedsAction("change owner of %s to %s recursively (currently %s)", d.Key(), want, o.Value.Str)

	case KindPackageInstalled:
		if desired.Bool == o.Present {
			return Satisfied()
		}
		if desired.Bool {
			return NeedsAction("install package %s", d.Key())
		}
		return NeedsAction("remove package %s", d.Key())

	case KindHostnameSet:
		if o.Present && o.Value.Str == desired.Str {
			return Satisfied()
		}
		return NeedsAction("change hostname from %q to %q", o.Value.Str, desired.Str)
	}

	return Unreconcilable("%s: unsupported kind", d.ID())
}

// directiveValue renders a directive value as it appears in the file.
func directiveValue(v Value) string {
	return strings.Join(v.Items(), " ")
}

// directiveEqual compares directive values. List values compare as unordered
// sets of words; string values compare exactly.
func directiveEqual(desired, observed Value) bool {
	if desired.Type == ValueList {
		return List(desired.Items()...).Equal(List(strings.Fields(directiveValue(observed))...))
	}
	return desired.Equal(String(directiveValue(observed)))
}

// String renders the decision for logs.
func (d Decision) String() string {
	if d.Description == "" {
		return string(d.Type)
	}
	return fmt.Sprintf("%s: %s", d.Type, d.Description)
}

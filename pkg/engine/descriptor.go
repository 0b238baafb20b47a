package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
)

var (
	accountNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_.-]{0,31}$`)
	directivePattern   = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]*$`)
	packageNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9+._:-]*$`)
)

// ResourceDescriptor declares the desired state of one resource. It is
// immutable: fields are unexported and accessors return copies. Identity is
// the (Kind, Key) pair.
type ResourceDescriptor struct {
	kind    Kind
	key     string
	desired Value
}

// NewDescriptor builds and validates a descriptor.
func NewDescriptor(kind Kind, key string, desired Value) (ResourceDescriptor, error) {
	d := newDescriptor(kind, key, desired)
	if err := d.Validate(); err != nil {
		return ResourceDescriptor{}, err
	}
	return d, nil
}

func newDescriptor(kind Kind, key string, desired Value) ResourceDescriptor {
	return ResourceDescriptor{
		kind:    kind,
		key:     strings.TrimSpace(key),
		desired: desired.clone(),
	}
}

// UserExists declares that the account name exists.
func UserExists(name string) ResourceDescriptor {
	return newDescriptor(KindUserExists, name, Bool(true))
}

// SSHKeyInstalled declares that every key is present in the account's authorized_keys.
func SSHKeyInstalled(user string, keys ...string) ResourceDescriptor {
	if len(keys) == 1 {
		return newDescriptor(KindSSHKeyInstalled, user, String(keys[0]))
	}
	return newDescriptor(KindSSHKeyInstalled, user, List(keys...))
}

// SSHDirectiveSet declares that the SSH daemon directive has value.
func SSHDirectiveSet(directive, value string) ResourceDescriptor {
	return newDescriptor(KindSSHDirectiveSet, directive, String(value))
}

// DirectoryOwned declares that dir exists and is recursively owned by owner,
// given as "user" or "user:group".
func DirectoryOwned(dir, owner string) ResourceDescriptor {
	return newDescriptor(KindDirectoryOwned, dir, String(owner))
}

// PackageInstalled declares that the package is installed.
func PackageInstalled(name string) ResourceDescriptor {
	return newDescriptor(KindPackageInstalled, name, Bool(true))
}

// PackageAbsent declares that the package is not installed.
func PackageAbsent(name string) ResourceDescriptor {
	return newDescriptor(KindPackageInstalled, name, Bool(false))
}

// HostnameSet declares the host name.
func HostnameSet(name string) ResourceDescriptor {
	return newDescriptor(KindHostnameSet, "hostname", String(name))
}

// Kind returns the resource kind.
func (d ResourceDescriptor) Kind() Kind { return d.kind }

// Key returns the resource key.
func (d ResourceDescriptor) Key() string { return d.key }

// Desired returns a copy of the desired value.
func (d ResourceDescriptor) Desired() Value { return d.desired.clone() }

// ID returns the identity in kind/key form.
func (d ResourceDescriptor) ID() string {
	return string(d.kind) + "/" + d.key
}

// String implements fmt.Stringer.
func (d ResourceDescriptor) String() string {
	return fmt.Sprintf("%s=%s", d.ID(), d.desired)
}

// Validate checks the key and desired value against the rules of the kind.
func (d ResourceDescriptor) Validate() error {
	if err := d.kind.Validate(); err != nil {
		return err
	}
	if d.key == "" {
		return fmt.Errorf("%s: key is required", d.kind)
	}
	if strings.ContainsAny(d.key, "\n\r\x00") {
		return fmt.Errorf("%s: key %q contains control characters", d.kind, d.key)
	}

	switch d.kind {
	case KindUserExists:
		if !accountNamePattern.MatchString(d.key) {
			return fmt.Errorf("%s: invalid account name %q", d.ID(), d.key)
		}
		if d.desired.kind() != ValueBool || !d.desired.Bool {
			return fmt.Errorf("%s: desired value must be true", d.ID())
		}

	case KindSSHKeyInstalled:
		if !accountNamePattern.MatchString(d.key) {
			return fmt.Errorf("%s: invalid account name %q", d.ID(), d.key)
		}
		keys := d.desired.Items()
		if d.desired.kind() == ValueBool || len(keys) == 0 {
			return fmt.Errorf("%s: at least one public key is required", d.ID())
		}
		for _, k := range keys {
			if _, err := NormalizeAuthorizedKey(k); err != nil {
				return fmt.Errorf("%s: invalid public key: %w", d.ID(), err)
			}
		}

	case KindSSHDirectiveSet:
		if !directivePattern.MatchString(d.key) {
			return fmt.Errorf("%s: invalid directive keyword %q", d.ID(), d.key)
		}
		if strings.EqualFold(d.key, "Match") {
			return fmt.Errorf("%s: Match blocks cannot be managed as a directive", d.ID())
		}
		items := d.desired.Items()
		if d.desired.kind() == ValueBool || len(items) == 0 {
			return fmt.Errorf("%s: directive value is required", d.ID())
		}
		for _, item := range items {
			if strings.ContainsAny(item, "\n\r") {
				return fmt.Errorf("%s: directive value contains a line break", d.ID())
			}
		}

	case KindDirectoryOwned:
		if !path.IsAbs(d.key) || path.Clean(d.key) != d.key {
			return fmt.Errorf("%s: path must be absolute and clean", d.ID())
		}
		if d.desired.kind() != ValueString {
			return fmt.Errorf("%s: owner must be a string", d.ID())
		}
		user, group := SplitOwner(d.desired.Str)
		if !accountNamePattern.MatchString(user) || !accountNamePattern.MatchString(group) {
			return fmt.Errorf("%s: invalid owner %q", d.ID(), d.desired.Str)
		}

	case KindPackageInstalled:
		if !packageNamePattern.MatchString(d.key) {
			return fmt.Errorf("%s: invalid package name %q", d.ID(), d.key)
		}
		if d.desired.kind() != ValueBool {
			return fmt.Errorf("%s: desired value must be true or false", d.ID())
		}

	case KindHostnameSet:
		if d.desired.kind() != ValueString || d.desired.Str == "" {
			return fmt.Errorf("%s: host name is required", d.ID())
		}
		if strings.ContainsAny(d.desired.Str, " \t\n\r/") {
			return fmt.Errorf("%s: invalid host name %q", d.ID(), d.desired.Str)
		}
	}
	return nil
}

// SplitOwner splits "user:group" into its parts. A bare user implies a group
// of the same name.
func SplitOwner(owner string) (user, group string) {
	if u, g, ok := strings.Cut(owner, ":"); ok {
		return u, g
	}
	return owner, owner
}

// ValidateDescriptors validates every descriptor and rejects duplicate
// identities. All problems are reported together.
func ValidateDescriptors(descriptors []ResourceDescriptor) error {
	var errs []error
	seen := make(map[string]int, len(descriptors))
	for i, d := range descriptors {
		if err := d.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("resource %d: %w", i, err))
			continue
		}
		if first, dup := seen[d.ID()]; dup {
			errs = append(errs, fmt.Errorf("resource %d: duplicate identity %s (first declared at %d)", i, d.ID(), first))
			continue
		}
		seen[d.ID()] = i
	}
	return errors.Join(errs...)
}

type descriptorJSON struct {
	Kind    Kind   `json:"kind"`
	Key     string `json:"key"`
	Desired Value  `json:"desired"`
}

// MarshalJSON implements json.Marshaler.
func (d ResourceDescriptor) MarshalJSON() ([]byte, error) {
	return json.Marshal(descriptorJSON{Kind: d.kind, Key: d.key, Desired: d.desired})
}

// UnmarshalJSON implements json.Unmarshaler. The decoded descriptor is validated.
func (d *ResourceDescriptor) UnmarshalJSON(data []byte) error {
	var raw descriptorJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := NewDescriptor(raw.Kind, raw.Key, raw.Desired)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

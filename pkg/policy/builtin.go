package policy

// GetBuiltinPolicies returns the policies every manifest is checked against.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		sshdHardeningPolicy(),
		sshKeyAlgorithmsPolicy(),
		hostnamePolicy(),
		directoryOwnershipPolicy(),
	}
}

func sshdHardeningPolicy() Policy {
	return Policy{
		Name:        "sshd-hardening",
		Description: "Denies SSH daemon directives that re-enable root or password logins",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package converge.builtin.sshd

import rego.v1

deny contains violation if {
	some r in input.resources
	r.kind == "ssh_directive_set"
	lower(r.key) == "permitrootlogin"
	lower(trim_space(r.value)) == "yes"
	violation := {
		"resource": r.id,
		"message": "PermitRootLogin must not be yes",
		"remediation": "use prohibit-password or no",
	}
}

deny contains violation if {
	some r in input.resources
	r.kind == "ssh_directive_set"
	lower(r.key) == "passwordauthentication"
	lower(trim_space(r.value)) == "yes"
	violation := {
		"resource": r.id,
		"message": "PasswordAuthentication must not be yes",
		"remediation": "install keys with ssh_key_installed and set PasswordAuthentication no",
	}
}`,
	}
}

func sshKeyAlgorithmsPolicy() Policy {
	return Policy{
		Name:        "ssh-key-algorithms",
		Description: "Denies DSA public keys, which OpenSSH no longer accepts",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package converge.builtin.keys

import rego.v1

deny contains violation if {
	some r in input.resources
	r.kind == "ssh_key_installed"
	some key in r.items
	regex.match("(^|\\s)ssh-dss\\s", key)
	violation := {
		"resource": r.id,
		"message": "DSA keys are not allowed",
		"remediation": "replace the key with an ed25519 or ecdsa key",
	}
}`,
	}
}

func hostnamePolicy() Policy {
	return Policy{
		Name:        "hostname-rfc1123",
		Description: "Requires host names to be valid RFC 1123 names",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package converge.builtin.hostname

import rego.v1

label := "[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?"

deny contains violation if {
	some r in input.resources
	r.kind == "hostname_set"
	not regex.match(sprintf("^%s(\\.%s)*$", [label, label]), r.value)
	violation := {
		"resource": r.id,
		"message": sprintf("%q is not a valid RFC 1123 host name", [r.value]),
	}
}

deny contains violation if {
	some r in input.resources
	r.kind == "hostname_set"
	count(r.value) > 253
	violation := {
		"resource": r.id,
		"message": "host name exceeds 253 characters",
	}
}`,
	}
}

func directoryOwnershipPolicy() Policy {
	return Policy{
		Name:        "directory-ownership",
		Description: "Restricts recursive ownership changes to absolute paths below the root directory",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package converge.builtin.directory

import rego.v1

system_dirs := {"/bin", "/boot", "/dev", "/etc", "/lib", "/lib64", "/proc", "/sbin", "/sys", "/usr", "/var"}

deny contains violation if {
	some r in input.resources
	r.kind == "directory_owned"
	not startswith(r.key, "/")
	violation := {
		"resource": r.id,
		"message": "directory path must be absolute",
	}
}

deny contains violation if {
	some r in input.resources
	r.kind == "directory_owned"
	r.key == "/"
	violation := {
		"resource": r.id,
		"message": "refusing to change ownership of the root directory",
	}
}

deny contains violation if {
	some r in input.resources
	r.kind == "directory_owned"
	r.key in system_dirs
	violation := {
		"resource": r.id,
		"message": sprintf("recursive ownership change of system directory %s", [r.key]),
		"severity": "warning",
	}
}`,
	}
}

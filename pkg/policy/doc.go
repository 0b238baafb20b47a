// Package policy runs Open Policy Agent checks over a manifest before it is
// applied.
//
// Every policy is a Rego v1 module with a deny set. The engine evaluates each
// enabled policy once per manifest with an Input document:
//
//	{
//	  "operation": "apply",
//	  "target": "deploy@web1",
//	  "settings": {"sshd_config_path": "/etc/ssh/sshd_config", ...},
//	  "resources": [
//	    {"id": "ssh_directive_set/PermitRootLogin", "kind": "ssh_directive_set",
//	     "key": "PermitRootLogin", "value": "no", "items": ["no"], "index": 0}
//	  ]
//	}
//
// A deny entry is either a message string or an object with message and
// optional resource, severity and remediation fields. Entries without a
// severity take the policy's. Violations of severity error or critical make
// the result not allowed.
//
// # Built-in policies
//
//   - sshd-hardening: PermitRootLogin yes and PasswordAuthentication yes
//   - ssh-key-algorithms: DSA (ssh-dss) keys
//   - hostname-rfc1123: host names that are not valid RFC 1123 names
//   - directory-ownership: relative paths and "/"; system directories warn
//
// # User policies
//
// LoadPolicies reads .rego files and JSON policy definitions from files or
// directories. A .rego file is named after its file and its leading comment
// block is the description; a "# severity: warning" line overrides the
// default severity of error:
//
//	# Only the ops team may be created on bastions.
//	# severity: warning
//	package site.users
//
//	import rego.v1
//
//	deny contains msg if {
//	    some r in input.resources
//	    r.kind == "user_exists"
//	    not startswith(r.key, "ops-")
//	    msg := sprintf("unexpected account %s", [r.key])
//	}
package policy

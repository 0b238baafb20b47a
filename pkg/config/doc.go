// Package config loads converge manifests.
//
// A manifest names the target host, optional engine settings, optional
// policy files and the ordered list of resources to converge. It can be
// written in YAML, JSON, TOML, CUE or Starlark; the format is chosen by file
// extension, and a directory is loaded as a CUE package.
//
//	target:
//	  host: web1          # ~/.ssh/config alias or hostname
//	  sudo: true
//	settings:
//	  package_manager: apt-get
//	resources:
//	  - kind: user_exists
//	    key: alice
//	  - kind: ssh_directive_set
//	    key: PasswordAuthentication
//	    value: "no"
//	  - kind: hostname_set
//	    value: web1
//
// Every format is decoded to the same document and checked against the
// built-in CUE schema (see SchemaRegistry), then against struct tags with
// validator, and finally converted to engine descriptors. All problems are
// returned together as ValidationErrors, with the line of the offending
// resource when the format reports one (YAML, CUE and Starlark).
//
// Starlark manifests define the globals target, settings, policies and
// resources. The helpers user, ssh_keys, directive, directory, package and
// hostname build resource entries:
//
//	def admin(name, *keys):
//	    return [user(name), ssh_keys(name, *keys)]
//
//	resources = admin("alice", ALICE_KEY) + [
//	    directive("PermitRootLogin", "no"),
//	    package("telnet", installed = False),
//	]
package config

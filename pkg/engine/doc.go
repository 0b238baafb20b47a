// Package engine converges a single host to a declared list of resources.
//
// # Overview
//
// A run walks an ordered list of ResourceDescriptor values once. For each
// resource the engine goes through four steps:
//
//  1. Probe - read the current state from the host (Probe)
//  2. Reconcile - compare desired and observed state (Reconcile)
//  3. Act - apply the minimal change, when one is needed (Executor)
//  4. Record - append a ChangeRecord to the run's Report (Driver)
//
// The first failure aborts the run and the remaining resources are recorded
// as skipped. Running the same list twice against an unchanged host yields a
// second report in which every record is unchanged.
//
// # Resource Kinds
//
//   - user_exists: a local account (key: user name)
//   - ssh_key_installed: public keys in the user's authorized_keys (key: user name)
//   - ssh_directive_set: a global directive in sshd_config (key: keyword)
//   - directory_owned: a directory recursively owned by user[:group] (key: absolute path)
//   - package_installed: a system package installed or absent (key: package name)
//   - hostname_set: the host name (key: "hostname")
//
// Ordering is the caller's contract. The engine infers no dependencies: a key
// for an account that does not exist at probe time is unreconcilable, so
// user_exists must come before ssh_key_installed for the same user.
//
// # Transport
//
// The engine only needs a Transport that runs shell commands and returns their
// stdout, stderr and exit status. Transports that also implement FileUploader
// receive file content directly; the others get a base64 shell pipeline.
//
// # File Edits
//
// Files are never edited in place. New content is built in memory, written to
// a hidden sibling, given mode 0600 and its final owner, optionally validated,
// and renamed over the target. Any failure before the rename removes the
// sibling and leaves the target untouched. The SSH daemon is restarted only
// after the executor has actually replaced its configuration.
//
// # Error Classification
//
//   - probe: the host could not be read; the caller may retry the run
//   - action: a command failed while changing the host; never retried
//   - unreconcilable: a precondition is missing; the operator must fix the list
//
// Every failure becomes a failed ChangeRecord whose error text includes the
// failing command's stderr.
//
// # Testing
//
// Package enginetest provides FakeHost, an in-memory Transport that interprets
// the commands this package emits.
package engine

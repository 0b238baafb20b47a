package engine

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

const (
	testKeyA = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIAKeRIhBZAXAnffOtiHo85Fn8C0HLJELkvbDNlH8QUH3 alice@laptop"
	testKeyB = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIKoV/O5wPeQmeADFyntPnMb5Z97Q5AJm4Tu91/eZwzFu alice@desktop"
)

func TestValueEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b Value
		want bool
	}{
		{"bools", Bool(true), Bool(true), true},
		{"different bools", Bool(true), Bool(false), false},
		{"strings", String("no"), String("no"), true},
		{"string case", String("no"), String("No"), false},
		{"zero is empty string", Value{}, String(""), true},
		{"lists ignore order", List("a", "b"), List("b", "a"), true},
		{"lists count duplicates", List("a", "a", "b"), List("a", "b", "b"), false},
		{"list length", List("a"), List("a", "b"), false},
		{"mixed types", String("true"), Bool(true), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Equal(tt.b); got != tt.want {
				t.Errorf("%v.Equal(%v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestDescriptorIsImmutable(t *testing.T) {
	keys := []string{testKeyA, testKeyB}
	d := SSHKeyInstalled("alice", keys...)
	keys[0] = "tampered"

	desired := d.Desired()
	desired.List[1] = "tampered"

	if got := d.Desired().List; got[0] != testKeyA || got[1] != testKeyB {
		t.Errorf("descriptor changed through caller slices: %v", got)
	}
}

func TestDescriptorValidate(t *testing.T) {
	tests := []struct {
		name    string
		kind    Kind
		key     string
		desired Value
		wantErr bool
	}{
		{"user", KindUserExists, "projects", Bool(true), false},
		{"user false", KindUserExists, "projects", Bool(false), true},
		{"user uppercase", KindUserExists, "Projects", Bool(true), true},
		{"key string", KindSSHKeyInstalled, "alice", String(testKeyA), false},
		{"key list", KindSSHKeyInstalled, "alice", List(testKeyA, testKeyB), false},
		{"key empty", KindSSHKeyInstalled, "alice", List(), true},
		{"key garbage", KindSSHKeyInstalled, "alice", String("ssh-rsa nope"), true},
		{"directive", KindSSHDirectiveSet, "PermitRootLogin", String("no"), false},
		{"directive list", KindSSHDirectiveSet, "AllowUsers", List("alice", "bob"), false},
		{"directive bad keyword", KindSSHDirectiveSet, "Permit Root", String("no"), true},
		{"directive newline", KindSSHDirectiveSet, "Banner", String("a\nb"), true},
		{"directive empty", KindSSHDirectiveSet, "Port", String(""), true},
		{"directive match", KindSSHDirectiveSet, "Match", String("User bob"), true},
		{"directive match lowercase", KindSSHDirectiveSet, "match", String("Group admins"), true},
		{"directory", KindDirectoryOwned, "/srv/projects", String("projects"), false},
		{"directory group", KindDirectoryOwned, "/srv/projects", String("projects:www"), false},
		{"directory relative", KindDirectoryOwned, "srv/projects", String("projects"), true},
		{"directory unclean", KindDirectoryOwned, "/srv/../etc", String("projects"), true},
		{"directory bad owner", KindDirectoryOwned, "/srv/projects", String("a b"), true},
		{"package", KindPackageInstalled, "openssh-server", Bool(true), false},
		{"package absent", KindPackageInstalled, "telnet", Bool(false), false},
		{"package string", KindPackageInstalled, "git", String("yes"), true},
		{"package injection", KindPackageInstalled, "git;reboot", Bool(true), true},
		{"hostname", KindHostnameSet, "hostname", String("forge"), false},
		{"hostname space", KindHostnameSet, "hostname", String("my forge"), true},
		{"unknown kind", Kind("service_running"), "sshd", Bool(true), true},
		{"empty key", KindUserExists, "  ", Bool(true), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDescriptor(tt.kind, tt.key, tt.desired)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewDescriptor() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateDescriptorsReportsAll(t *testing.T) {
	err := ValidateDescriptors([]ResourceDescriptor{
		UserExists("bob"),
		UserExists("BAD"),
		UserExists("bob"),
		HostnameSet("forge"),
	})
	if err == nil {
		t.Fatal("ValidateDescriptors() error = nil")
	}
	msg := err.Error()
	if !strings.Contains(msg, "resource 1") || !strings.Contains(msg, "duplicate identity user_exists/bob") {
		t.Errorf("error = %q, want both problems", msg)
	}
}

func TestDescriptorJSON(t *testing.T) {
	d := DirectoryOwned("/srv/projects", "projects:www")
	data, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var decoded ResourceDescriptor
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded.ID() != d.ID() || !decoded.Desired().Equal(d.Desired()) {
		t.Errorf("decoded %v, want %v", decoded, d)
	}

	bad := []byte(`{"kind":"directory_owned","key":"relative","desired":{"type":"string","str":"root"}}`)
	if err := json.Unmarshal(bad, &decoded); err == nil {
		t.Error("Unmarshal() accepted an invalid descriptor")
	}
}

func TestRunStateTransitions(t *testing.T) {
	tests := []struct {
		from, to RunState
		want     bool
	}{
		{RunStatePending, RunStateRunning, true},
		{RunStatePending, RunStateCompleted, false},
		{RunStateRunning, RunStateCompleted, true},
		{RunStateRunning, RunStateAborted, true},
		{RunStateCompleted, RunStateRunning, false},
		{RunStateAborted, RunStatePending, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestCommandErrorKeepsStderr(t *testing.T) {
	stderr := "  useradd: cannot lock /etc/passwd\n\n"
	err := commandError(ErrorKindAction, "failed to create user", "useradd -m 'bob'",
		CommandResult{ExitCode: 1, Stderr: stderr})

	if err.Stderr != stderr {
		t.Errorf("Stderr = %q, want %q", err.Stderr, stderr)
	}
	want := `[action] failed to create user: command "useradd -m 'bob'" exited with code 1: useradd: cannot lock /etc/passwd`
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorClassification(t *testing.T) {
	actionErr := commandError(ErrorKindAction, "failed to create user", "useradd -m 'bob'",
		CommandResult{ExitCode: 1, Stderr: "useradd: cannot lock /etc/passwd\n"}).WithResource(UserExists("bob"))
	probeErr := NewProbeError("failed to run \"hostname\"", errors.New("EOF"))
	wrapped := errors.Join(errors.New("context"), probeErr)

	tests := []struct {
		name      string
		err       error
		kind      ErrorKind
		retryable bool
		contains  string
	}{
		{"action", actionErr, ErrorKindAction, false, "useradd: cannot lock /etc/passwd"},
		{"probe", probeErr, ErrorKindProbe, true, "EOF"},
		{"wrapped probe", wrapped, ErrorKindProbe, true, "EOF"},
		{"unreconcilable", NewUnreconcilableError("user bob does not exist"), ErrorKindUnreconcilable, false, "bob"},
		{"plain", errors.New("boom"), "", false, "boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.kind {
				t.Errorf("KindOf() = %q, want %q", got, tt.kind)
			}
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
			if !strings.Contains(tt.err.Error(), tt.contains) {
				t.Errorf("Error() = %q, want it to contain %q", tt.err.Error(), tt.contains)
			}
		})
	}

	if !strings.Contains(actionErr.Error(), "resource=user_exists/bob") {
		t.Errorf("Error() = %q, want resource identity", actionErr.Error())
	}
}

func TestReportSucceeded(t *testing.T) {
	r := &Report{State: RunStateCompleted, Records: []ChangeRecord{
		{Kind: KindUserExists, Key: "bob", Outcome: OutcomeChanged},
		{Kind: KindHostnameSet, Key: "hostname", Outcome: OutcomeUnchanged},
	}}
	if !r.Succeeded() {
		t.Error("Succeeded() = false for a clean completed run")
	}

	r.State = RunStateAborted
	if r.Succeeded() {
		t.Error("Succeeded() = true for an aborted run")
	}
}

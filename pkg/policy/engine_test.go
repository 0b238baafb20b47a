package policy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
)

const (
	keyEd25519 = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIAKeRIhBZAXAnffOtiHo85Fn8C0HLJELkvbDNlH8QUH3 alice@laptop"
	keyDSA     = "ssh-dss AAAAB3NzaC1kc3MAAACBAP1/U4EddRIpUt9KnC7s5Of2EbdSPO9EAMMeP4C2USZpRV1AIlH7WT2NWPq/xfW6MPbLm1Vs14E7 old@host"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return eng
}

func evaluate(t *testing.T, eng *Engine, ds ...engine.ResourceDescriptor) *Result {
	t.Helper()
	result, err := eng.Evaluate(context.Background(), NewInput("apply", "web1", engine.DefaultConfig(), ds))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	return result
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	var names []string
	for _, p := range eng.ListPolicies() {
		if !p.Builtin || !p.Enabled {
			t.Errorf("policy %s: builtin=%v enabled=%v", p.Name, p.Builtin, p.Enabled)
		}
		names = append(names, p.Name)
	}
	want := "directory-ownership,hostname-rfc1123,ssh-key-algorithms,sshd-hardening"
	if got := strings.Join(names, ","); got != want {
		t.Errorf("ListPolicies() = %s, want %s", got, want)
	}
}

func TestBuiltinPolicies(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name         string
		resource     engine.ResourceDescriptor
		wantPolicy   string
		wantSeverity Severity
	}{
		{name: "root login", resource: engine.SSHDirectiveSet("PermitRootLogin", "yes"), wantPolicy: "sshd-hardening", wantSeverity: SeverityError},
		{name: "root login any case", resource: engine.SSHDirectiveSet("permitrootlogin", "YES"), wantPolicy: "sshd-hardening", wantSeverity: SeverityError},
		{name: "root login without password", resource: engine.SSHDirectiveSet("PermitRootLogin", "prohibit-password")},
		{name: "password authentication", resource: engine.SSHDirectiveSet("PasswordAuthentication", "yes"), wantPolicy: "sshd-hardening", wantSeverity: SeverityError},
		{name: "password authentication off", resource: engine.SSHDirectiveSet("PasswordAuthentication", "no")},
		{name: "unrelated directive", resource: engine.SSHDirectiveSet("X11Forwarding", "yes")},
		{name: "dsa key", resource: engine.SSHKeyInstalled("bob", keyEd25519, keyDSA), wantPolicy: "ssh-key-algorithms", wantSeverity: SeverityError},
		{name: "dsa key with options", resource: engine.SSHKeyInstalled("bob", `no-pty `+keyDSA), wantPolicy: "ssh-key-algorithms", wantSeverity: SeverityError},
		{name: "ed25519 key", resource: engine.SSHKeyInstalled("bob", keyEd25519)},
		{name: "valid hostname", resource: engine.HostnameSet("web-01.example.com")},
		{name: "underscore hostname", resource: engine.HostnameSet("web_01"), wantPolicy: "hostname-rfc1123", wantSeverity: SeverityError},
		{name: "leading hyphen", resource: engine.HostnameSet("-web"), wantPolicy: "hostname-rfc1123", wantSeverity: SeverityError},
		{name: "long label", resource: engine.HostnameSet(strings.Repeat("a", 64)), wantPolicy: "hostname-rfc1123", wantSeverity: SeverityError},
		{name: "application directory", resource: engine.DirectoryOwned("/srv/app", "app")},
		{name: "root directory", resource: engine.DirectoryOwned("/", "app"), wantPolicy: "directory-ownership", wantSeverity: SeverityError},
		{name: "relative directory", resource: engine.DirectoryOwned("srv/app", "app"), wantPolicy: "directory-ownership", wantSeverity: SeverityError},
		{name: "system directory", resource: engine.DirectoryOwned("/etc", "app"), wantPolicy: "directory-ownership", wantSeverity: SeverityWarning},
		{name: "package", resource: engine.PackageInstalled("telnet")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := evaluate(t, eng, tt.resource)

			if tt.wantPolicy == "" {
				if len(result.Violations) != 0 || !result.Allowed {
					t.Fatalf("expected no violations, got %v", result.Violations)
				}
				return
			}

			if len(result.Violations) != 1 {
				t.Fatalf("expected 1 violation, got %v", result.Violations)
			}
			v := result.Violations[0]
			if v.Policy != tt.wantPolicy || v.Severity != tt.wantSeverity {
				t.Errorf("violation = %+v, want policy %s severity %s", v, tt.wantPolicy, tt.wantSeverity)
			}
			if v.Resource != tt.resource.ID() {
				t.Errorf("Resource = %q, want %q", v.Resource, tt.resource.ID())
			}
			if result.Allowed != !tt.wantSeverity.Blocking() {
				t.Errorf("Allowed = %v for severity %s", result.Allowed, tt.wantSeverity)
			}
		})
	}
}

func TestEvaluateMultipleViolations(t *testing.T) {
	eng := newTestEngine(t)

	result := evaluate(t, eng,
		engine.UserExists("alice"),
		engine.SSHDirectiveSet("PermitRootLogin", "yes"),
		engine.SSHDirectiveSet("PasswordAuthentication", "yes"),
		engine.DirectoryOwned("/var", "alice"),
	)

	if result.Allowed {
		t.Error("expected result to be denied")
	}
	if len(result.EvaluatedPolicies) != 4 {
		t.Errorf("EvaluatedPolicies = %v", result.EvaluatedPolicies)
	}
	if got := len(result.Blocking()); got != 2 {
		t.Errorf("Blocking() = %d violations, want 2", got)
	}
	if got := len(result.Warnings()); got != 1 {
		t.Errorf("Warnings() = %d violations, want 1", got)
	}
	// sorted by policy name
	if result.Violations[0].Policy != "directory-ownership" {
		t.Errorf("first violation = %+v", result.Violations[0])
	}

	var denied *DeniedError
	if err := result.Err(); !errors.As(err, &denied) {
		t.Fatalf("Err() = %v, want *DeniedError", err)
	}
	if len(denied.Violations) != 2 || !strings.Contains(denied.Error(), "PermitRootLogin must not be yes") {
		t.Errorf("unexpected error: %v", denied)
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	root := engine.SSHDirectiveSet("PermitRootLogin", "yes")

	if err := eng.DisablePolicy("sshd-hardening"); err != nil {
		t.Fatalf("DisablePolicy: %v", err)
	}
	if result := evaluate(t, eng, root); !result.Allowed || len(result.EvaluatedPolicies) != 3 {
		t.Errorf("disabled policy still evaluated: %+v", result)
	}
	p, err := eng.GetPolicy("sshd-hardening")
	if err != nil || p.Enabled {
		t.Errorf("GetPolicy = %+v, %v", p, err)
	}

	if err := eng.EnablePolicy("sshd-hardening"); err != nil {
		t.Fatalf("EnablePolicy: %v", err)
	}
	if result := evaluate(t, eng, root); result.Allowed {
		t.Error("expected re-enabled policy to deny")
	}

	if err := eng.DisablePolicy("no-such-policy"); err == nil {
		t.Error("expected error for unknown policy")
	}
	if _, err := eng.GetPolicy("no-such-policy"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestAddPolicy(t *testing.T) {
	eng := newTestEngine(t)

	err := eng.AddPolicy(context.Background(), Policy{
		Name:    "package-denylist",
		Enabled: true,
		Rego: `package site.packages

import rego.v1

denied := {"telnet", "rsh"}

deny contains msg if {
	some r in input.resources
	r.kind == "package_installed"
	r.value == true
	r.key in denied
	msg := sprintf("%s must not be installed", [r.key])
}`,
	})
	if err != nil {
		t.Fatalf("AddPolicy: %v", err)
	}

	result := evaluate(t, eng, engine.PackageInstalled("telnet"), engine.PackageAbsent("rsh"))
	if len(result.Violations) != 1 {
		t.Fatalf("expected 1 violation, got %v", result.Violations)
	}
	v := result.Violations[0]
	if v.Message != "telnet must not be installed" || v.Severity != SeverityWarning || v.Resource != "" {
		t.Errorf("unexpected violation: %+v", v)
	}
	if !result.Allowed {
		t.Error("warning severity must not block")
	}
}

func TestAddPolicyErrors(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name   string
		policy Policy
	}{
		{name: "syntax error", policy: Policy{Name: "broken", Rego: "package broken\n\ndeny contains msg if {"}},
		{name: "pre-v1 syntax", policy: Policy{Name: "legacy", Rego: "package legacy\n\ndeny[msg] { msg := \"x\" }"}},
		{name: "bad severity", policy: Policy{Name: "sev", Severity: "fatal", Rego: "package sev\n"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := eng.AddPolicy(context.Background(), tt.policy); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestEvaluateRuntimeError(t *testing.T) {
	eng := newTestEngine(t)

	// Two values for a complete rule is a conflict at evaluation time.
	err := eng.AddPolicy(context.Background(), Policy{
		Name:     "conflict",
		Severity: SeverityInfo,
		Enabled:  true,
		Rego: `package site.conflict

import rego.v1

kind := r.kind if {
	some r in input.resources
}

deny contains kind if {
	kind
}`,
	})
	if err != nil {
		t.Fatalf("AddPolicy: %v", err)
	}

	result := evaluate(t, eng, engine.UserExists("alice"), engine.PackageInstalled("git"))
	if result.Allowed || len(result.Errors) != 1 || !strings.Contains(result.Errors[0], "conflict") {
		t.Errorf("expected evaluation error to deny, got %+v", result)
	}
	if err := result.Err(); err == nil {
		t.Error("expected Err() to report the failed policy")
	}
}

func TestNewInput(t *testing.T) {
	in := NewInput("plan", "web1", engine.DefaultConfig(), []engine.ResourceDescriptor{
		engine.PackageAbsent("telnet"),
		engine.SSHKeyInstalled("alice", keyEd25519),
		engine.DirectoryOwned("/srv", "alice"),
	})

	if in.Operation != "plan" || in.Target != "web1" || len(in.Resources) != 3 {
		t.Fatalf("unexpected input: %+v", in)
	}
	if r := in.Resources[0]; r.Value != false || len(r.Items) != 0 || r.ID != "package_installed/telnet" {
		t.Errorf("bool resource = %+v", r)
	}
	if r := in.Resources[1]; r.Value != keyEd25519 || len(r.Items) != 1 || r.Index != 1 {
		t.Errorf("string resource = %+v", r)
	}
	if r := in.Resources[2]; r.Kind != "directory_owned" || r.Key != "/srv" || r.Value != "alice" {
		t.Errorf("directory resource = %+v", r)
	}
}

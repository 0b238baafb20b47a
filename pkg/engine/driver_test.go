package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/engine/enginetest"
)

const (
	keyLaptop  = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIAKeRIhBZAXAnffOtiHo85Fn8C0HLJELkvbDNlH8QUH3 alice@laptop"
	keyDesktop = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIKoV/O5wPeQmeADFyntPnMb5Z97Q5AJm4Tu91/eZwzFu alice@desktop"
	keyCI      = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIPkOC1myHZshrkYLhCCLweb0YGyRayj59yziOtwHFkbq bob@ci"

	sshdConfigPath = "/etc/ssh/sshd_config"
)

const stockSSHDConfig = `# Stock configuration
Port 22
#PermitRootLogin prohibit-password
PermitRootLogin yes
PasswordAuthentication yes
Subsystem sftp /usr/libexec/openssh/sftp-server
`

func newHost() *enginetest.FakeHost {
	h := enginetest.NewFakeHost()
	h.WriteFile(sshdConfigPath, stockSSHDConfig, 0o600, "root")
	return h
}

func newDriver(t *testing.T, transport engine.Transport, opts ...engine.Option) *engine.Driver {
	t.Helper()
	d, err := engine.NewDriver(transport, engine.DefaultConfig(), opts...)
	if err != nil {
		t.Fatalf("NewDriver() error = %v", err)
	}
	return d
}

func run(t *testing.T, d *engine.Driver, ds ...engine.ResourceDescriptor) *engine.Report {
	t.Helper()
	report, err := d.Run(context.Background(), ds)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	return report
}

func outcomes(r *engine.Report) []engine.Outcome {
	out := make([]engine.Outcome, len(r.Records))
	for i, rec := range r.Records {
		out[i] = rec.Outcome
	}
	return out
}

func expectOutcomes(t *testing.T, r *engine.Report, want ...engine.Outcome) {
	t.Helper()
	got := outcomes(r)
	if len(got) != len(want) {
		t.Fatalf("got %d records %v, want %v", len(got), got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("record %d (%s): outcome = %s, want %s (error: %s)", i, r.Records[i].ID(), got[i], want[i], r.Records[i].Error)
		}
	}
}

func provisioning() []engine.ResourceDescriptor {
	return []engine.ResourceDescriptor{
		engine.PackageInstalled("git"),
		engine.SSHDirectiveSet("PermitRootLogin", "no"),
		engine.SSHDirectiveSet("PasswordAuthentication", "no"),
		engine.UserExists("projects"),
		engine.SSHKeyInstalled("projects", keyLaptop, keyDesktop),
		engine.DirectoryOwned("/srv/projects", "projects"),
		engine.HostnameSet("forge"),
	}
}

func TestRunIsIdempotent(t *testing.T) {
	host := newHost()
	d := newDriver(t, host)

	first := run(t, d, provisioning()...)
	if first.State != engine.RunStateCompleted || !first.Succeeded() {
		t.Fatalf("first run state = %s, reason %q", first.State, first.Reason)
	}
	for _, rec := range first.Records {
		if rec.Outcome != engine.OutcomeChanged {
			t.Errorf("first run: %s outcome = %s, want changed", rec.ID(), rec.Outcome)
		}
		if rec.Description == "" {
			t.Errorf("first run: %s has no description", rec.ID())
		}
	}

	second := run(t, d, provisioning()...)
	if !second.Succeeded() {
		t.Fatalf("second run state = %s, reason %q", second.State, second.Reason)
	}
	for _, rec := range second.Records {
		if rec.Outcome != engine.OutcomeUnchanged {
			t.Errorf("second run: %s outcome = %s, want unchanged", rec.ID(), rec.Outcome)
		}
	}

	if got := host.ServiceActions("sshd"); len(got) != 2 {
		t.Errorf("sshd actions = %v, want one restart per changed directive", got)
	}
	if !host.HasPackage("git") {
		t.Error("git not installed")
	}
	if host.Hostname() != "forge" {
		t.Errorf("hostname = %q, want forge", host.Hostname())
	}
	if first.RunID == second.RunID {
		t.Error("runs share an ID")
	}
}

func TestRunHostState(t *testing.T) {
	host := newHost()
	run(t, newDriver(t, host), provisioning()...)

	cfg, _ := host.File(sshdConfigPath)
	if cfg.Mode != 0o600 || cfg.Owner != "root" || cfg.Group != "root" {
		t.Errorf("sshd_config mode/owner = %o %s:%s, want 600 root:root", cfg.Mode, cfg.Owner, cfg.Group)
	}

	sshDir, ok := host.File("/home/projects/.ssh")
	if !ok || !sshDir.Dir || sshDir.Mode != 0o700 || sshDir.Owner != "projects" {
		t.Errorf(".ssh = %+v, want 0700 directory owned by projects", sshDir)
	}

	keys, ok := host.File("/home/projects/.ssh/authorized_keys")
	if !ok {
		t.Fatal("authorized_keys not created")
	}
	if keys.Mode != 0o600 || keys.Owner != "projects" || keys.Group != "projects" {
		t.Errorf("authorized_keys mode/owner = %o %s:%s", keys.Mode, keys.Owner, keys.Group)
	}
	if keys.Data != keyLaptop+"\n"+keyDesktop+"\n" {
		t.Errorf("authorized_keys = %q", keys.Data)
	}

	for _, p := range host.Paths("/srv/projects") {
		f, _ := host.File(p)
		if f.Owner != "projects" || f.Group != "projects" {
			t.Errorf("%s owned by %s:%s", p, f.Owner, f.Group)
		}
	}
}

func TestDirectiveOverwrite(t *testing.T) {
	host := enginetest.NewFakeHost()
	host.WriteFile(sshdConfigPath, `# Authentication
#PermitRootLogin prohibit-password
PermitRootLogin yes
MaxAuthTries 6
PermitRootLogin without-password

Match User backup
    ForceCommand internal-sftp
`, 0o644, "root")

	report := run(t, newDriver(t, host), engine.SSHDirectiveSet("PermitRootLogin", "no"))
	expectOutcomes(t, report, engine.OutcomeChanged)

	want := `# Authentication
#PermitRootLogin prohibit-password
PermitRootLogin no
MaxAuthTries 6

Match User backup
    ForceCommand internal-sftp
`
	got, _ := host.File(sshdConfigPath)
	if got.Data != want {
		t.Errorf("sshd_config =\n%s\nwant\n%s", got.Data, want)
	}
	if got.Mode != 0o600 {
		t.Errorf("mode = %o, want 600", got.Mode)
	}
}

func TestDirectiveListValue(t *testing.T) {
	host := newHost()
	host.WriteFile(sshdConfigPath, "AllowUsers bob alice\n", 0o600, "root")

	d, err := engine.NewDescriptor(engine.KindSSHDirectiveSet, "AllowUsers", engine.List("alice", "bob"))
	if err != nil {
		t.Fatalf("NewDescriptor() error = %v", err)
	}
	report := run(t, newDriver(t, host), d)
	expectOutcomes(t, report, engine.OutcomeUnchanged)
	if got := host.ServiceActions("sshd"); len(got) != 0 {
		t.Errorf("sshd actions = %v, want none", got)
	}
}

func TestAtomicWriteInterrupted(t *testing.T) {
	tests := []struct {
		name        string
		failCleanup bool
	}{
		{name: "rename fails"},
		{name: "rename and cleanup fail", failCleanup: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := newHost()
			host.FailOn("mv -f", engine.CommandResult{ExitCode: 1, Stderr: "mv: interrupted\n"})
			if tt.failCleanup {
				host.FailOn("rm -f", engine.CommandResult{ExitCode: 1, Stderr: "rm: interrupted\n"})
			}

			report := run(t, newDriver(t, host), engine.SSHDirectiveSet("PermitRootLogin", "no"))
			expectOutcomes(t, report, engine.OutcomeFailed)
			if report.State != engine.RunStateAborted {
				t.Errorf("state = %s, want aborted", report.State)
			}
			if !strings.Contains(report.Records[0].Error, "mv: interrupted") {
				t.Errorf("error = %q, want command stderr", report.Records[0].Error)
			}

			cfg, _ := host.File(sshdConfigPath)
			if cfg.Data != stockSSHDConfig {
				t.Errorf("target changed to %q", cfg.Data)
			}

			paths := host.Paths("/etc/ssh")
			if !tt.failCleanup && len(paths) != 2 {
				t.Errorf("paths = %v, want temporary file removed", paths)
			}
			if len(host.ServiceActions("sshd")) != 0 {
				t.Error("sshd restarted after a failed write")
			}
		})
	}
}

func TestPermissionsIgnoreUmask(t *testing.T) {
	for _, mask := range []uint32{0, 0o002, 0o022, 0o077} {
		for _, name := range []string{"command", "uploader"} {
			host := enginetest.NewFakeHost()
			host.SetUmask(mask)
			host.AddUser("alice")

			var transport engine.Transport = host
			if name == "uploader" {
				transport = host.Uploader()
			}
			report := run(t, newDriver(t, transport),
				engine.SSHDirectiveSet("PermitRootLogin", "no"),
				engine.SSHKeyInstalled("alice", keyLaptop),
			)
			if !report.Succeeded() {
				t.Fatalf("umask %03o %s: run aborted: %s", mask, name, report.Reason)
			}

			for _, p := range []string{sshdConfigPath, "/home/alice/.ssh/authorized_keys"} {
				f, ok := host.File(p)
				if !ok {
					t.Fatalf("umask %03o %s: %s missing", mask, name, p)
				}
				if f.Mode != 0o600 {
					t.Errorf("umask %03o %s: %s mode = %o, want 600", mask, name, p, f.Mode)
				}
			}
		}
	}
}

func TestUploaderIsUsed(t *testing.T) {
	host := newHost()
	report := run(t, newDriver(t, host.Uploader()), engine.SSHDirectiveSet("PermitRootLogin", "no"))
	expectOutcomes(t, report, engine.OutcomeChanged)

	uploaded := false
	for _, cmd := range host.Commands() {
		if strings.HasPrefix(cmd, "printf") {
			t.Errorf("base64 pipeline used with an uploader: %s", cmd)
		}
		if strings.HasPrefix(cmd, "upload /etc/ssh/.sshd_config.converge-") {
			uploaded = true
		}
	}
	if !uploaded {
		t.Error("content was not uploaded to a temporary sibling")
	}
}

func TestUserBeforeKeyOrdering(t *testing.T) {
	t.Run("user first", func(t *testing.T) {
		host := newHost()
		report := run(t, newDriver(t, host),
			engine.UserExists("alice"),
			engine.SSHKeyInstalled("alice", keyLaptop),
		)
		expectOutcomes(t, report, engine.OutcomeChanged, engine.OutcomeChanged)
	})

	t.Run("key first", func(t *testing.T) {
		host := newHost()
		report := run(t, newDriver(t, host),
			engine.SSHKeyInstalled("alice", keyLaptop),
			engine.UserExists("alice"),
		)
		expectOutcomes(t, report, engine.OutcomeFailed, engine.OutcomeSkipped)
		if !errors.Is(report.Records[0].Err, engine.ErrUnreconcilable) {
			t.Errorf("error = %v, want unreconcilable", report.Records[0].Err)
		}
		if !strings.Contains(report.Records[0].Error, "user alice does not exist") {
			t.Errorf("error = %q", report.Records[0].Error)
		}
		if host.HasUser("alice") {
			t.Error("skipped user_exists was applied")
		}
	})
}

func TestAbortOnFailure(t *testing.T) {
	host := newHost()
	host.FailOn("useradd", engine.CommandResult{ExitCode: 1, Stderr: "useradd: cannot lock /etc/passwd; try again later.\n"})

	report := run(t, newDriver(t, host),
		engine.HostnameSet("forge"),
		engine.UserExists("bob"),
		engine.PackageInstalled("git"),
	)
	expectOutcomes(t, report, engine.OutcomeChanged, engine.OutcomeFailed, engine.OutcomeSkipped)

	if report.State != engine.RunStateAborted || report.Succeeded() {
		t.Errorf("state = %s, want aborted", report.State)
	}
	failed := report.Records[1]
	if !errors.Is(failed.Err, engine.ErrAction) {
		t.Errorf("error kind = %s, want action", engine.KindOf(failed.Err))
	}
	if !strings.Contains(failed.Error, "useradd: cannot lock /etc/passwd; try again later.") {
		t.Errorf("error = %q, want stderr verbatim", failed.Error)
	}
	if !strings.Contains(report.Reason, "user_exists/bob") {
		t.Errorf("reason = %q", report.Reason)
	}
	if host.HasPackage("git") {
		t.Error("resource after the failure was applied")
	}
}

func TestProbeFailureIsRetryable(t *testing.T) {
	host := newHost()
	host.ErrorOn("getent", errors.New("connection reset by peer"))

	report := run(t, newDriver(t, host), engine.UserExists("bob"), engine.HostnameSet("forge"))
	expectOutcomes(t, report, engine.OutcomeFailed, engine.OutcomeSkipped)
	if !engine.IsRetryable(report.Records[0].Err) {
		t.Errorf("error = %v, want retryable probe error", report.Records[0].Err)
	}
	if !strings.Contains(report.Records[0].Error, "connection reset by peer") {
		t.Errorf("error = %q", report.Records[0].Error)
	}
}

func TestRestartOnlyOnChange(t *testing.T) {
	host := newHost()
	host.WriteFile(sshdConfigPath, "PermitRootLogin no\n", 0o600, "root")
	d := newDriver(t, host)

	run(t, d, engine.SSHDirectiveSet("PermitRootLogin", "no"))
	if got := host.ServiceActions("sshd"); len(got) != 0 {
		t.Fatalf("sshd actions = %v, want none for a converged directive", got)
	}

	run(t, d, engine.SSHDirectiveSet("MaxAuthTries", "3"))
	if got := host.ServiceActions("sshd"); len(got) != 1 || got[0] != "restart" {
		t.Fatalf("sshd actions = %v, want [restart]", got)
	}
}

func TestRestartFailure(t *testing.T) {
	host := newHost()
	host.FailOn("systemctl", engine.CommandResult{ExitCode: 1, Stderr: "Job for sshd.service failed.\n"})

	report := run(t, newDriver(t, host), engine.SSHDirectiveSet("PermitRootLogin", "no"))
	expectOutcomes(t, report, engine.OutcomeFailed)
	if !strings.Contains(report.Records[0].Error, "Job for sshd.service failed.") {
		t.Errorf("error = %q", report.Records[0].Error)
	}
}

func TestValidationRejectsCandidate(t *testing.T) {
	host := newHost()
	host.SetValidator(func(content string) error {
		if strings.Contains(content, "PermitRootLogin no") {
			return errors.New("/etc/ssh/sshd_config line 4: unsupported option")
		}
		return nil
	})

	report := run(t, newDriver(t, host), engine.SSHDirectiveSet("PermitRootLogin", "no"))
	expectOutcomes(t, report, engine.OutcomeFailed)
	if !strings.Contains(report.Records[0].Error, "unsupported option") {
		t.Errorf("error = %q", report.Records[0].Error)
	}
	if cfg, _ := host.File(sshdConfigPath); cfg.Data != stockSSHDConfig {
		t.Error("rejected candidate replaced the target")
	}
	if paths := host.Paths("/etc/ssh"); len(paths) != 2 {
		t.Errorf("paths = %v, want temporary file removed", paths)
	}
}

func TestKeysPreserveExisting(t *testing.T) {
	host := newHost()
	host.AddUser("alice")
	host.Mkdir("/home/alice/.ssh", 0o700, "alice")
	existing := "# managed elsewhere\n" + keyCI + "\nno-pty " + keyLaptop
	host.WriteFile("/home/alice/.ssh/authorized_keys", existing, 0o644, "alice")

	report := run(t, newDriver(t, host), engine.SSHKeyInstalled("alice", keyLaptop, keyDesktop))
	expectOutcomes(t, report, engine.OutcomeChanged)

	f, _ := host.File("/home/alice/.ssh/authorized_keys")
	if want := existing + "\n" + keyDesktop + "\n"; f.Data != want {
		t.Errorf("authorized_keys = %q, want %q", f.Data, want)
	}
	if f.Mode != 0o600 {
		t.Errorf("mode = %o, want 600", f.Mode)
	}
}

func TestDirectoryOwnership(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(h *enginetest.FakeHost)
		owner   string
		want    engine.Outcome
		wantErr engine.ErrorKind
	}{
		{
			name:  "foreign file below",
			owner: "app",
			setup: func(h *enginetest.FakeHost) {
				h.AddUser("app")
				h.Mkdir("/srv/app", 0o755, "app")
				h.WriteFile("/srv/app/cache/data", "x", 0o644, "root")
			},
			want: engine.OutcomeChanged,
		},
		{
			name:  "already owned",
			owner: "app:app",
			setup: func(h *enginetest.FakeHost) {
				h.AddUser("app")
				h.Mkdir("/srv/app", 0o755, "app")
			},
			want: engine.OutcomeUnchanged,
		},
		{
			name:  "separate group",
			owner: "app:www",
			setup: func(h *enginetest.FakeHost) {
				h.AddUser("app")
				h.AddGroup("www")
			},
			want: engine.OutcomeChanged,
		},
		{
			name:    "missing group",
			owner:   "app:www",
			setup:   func(h *enginetest.FakeHost) { h.AddUser("app") },
			want:    engine.OutcomeFailed,
			wantErr: engine.ErrorKindUnreconcilable,
		},
		{
			name:    "missing user",
			owner:   "app",
			setup:   func(h *enginetest.FakeHost) {},
			want:    engine.OutcomeFailed,
			wantErr: engine.ErrorKindUnreconcilable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := newHost()
			tt.setup(host)

			report := run(t, newDriver(t, host), engine.DirectoryOwned("/srv/app", tt.owner))
			expectOutcomes(t, report, tt.want)
			if tt.wantErr != "" {
				if got := engine.KindOf(report.Records[0].Err); got != tt.wantErr {
					t.Errorf("error kind = %q, want %q", got, tt.wantErr)
				}
				return
			}

			user, group := engine.SplitOwner(tt.owner)
			for _, p := range host.Paths("/srv/app") {
				f, _ := host.File(p)
				if f.Owner != user || f.Group != group {
					t.Errorf("%s owned by %s:%s, want %s:%s", p, f.Owner, f.Group, user, group)
				}
			}
		})
	}
}

func TestPackages(t *testing.T) {
	tests := []struct {
		name     string
		managers []string
		desc     engine.ResourceDescriptor
		before   bool
		want     engine.Outcome
		command  string
	}{
		{"dnf install", []string{"dnf", "yum"}, engine.PackageInstalled("git"), false, engine.OutcomeChanged, "dnf install -y 'git'"},
		{"apt install", []string{"apt-get"}, engine.PackageInstalled("git"), false, engine.OutcomeChanged, "DEBIAN_FRONTEND=noninteractive apt-get install -y 'git'"},
		{"zypper remove", []string{"zypper"}, engine.PackageAbsent("telnet"), true, engine.OutcomeChanged, "zypper --non-interactive remove 'telnet'"},
		{"apt installed", []string{"apt-get"}, engine.PackageInstalled("git"), true, engine.OutcomeUnchanged, ""},
		{"yum absent", []string{"yum"}, engine.PackageAbsent("telnet"), false, engine.OutcomeUnchanged, ""},
		{"no manager", nil, engine.PackageInstalled("git"), false, engine.OutcomeFailed, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := newHost()
			host.SetPackageManagers(tt.managers...)
			if tt.before {
				host.InstallPackage(tt.desc.Key())
			}

			report := run(t, newDriver(t, host), tt.desc)
			expectOutcomes(t, report, tt.want)

			if tt.command != "" {
				found := false
				for _, cmd := range host.Commands() {
					found = found || cmd == tt.command
				}
				if !found {
					t.Errorf("command %q not issued; got %v", tt.command, host.Commands())
				}
				if host.HasPackage(tt.desc.Key()) != tt.desc.Desired().Bool {
					t.Errorf("package state did not converge")
				}
			}
		})
	}
}

type recordingObserver struct {
	engine.NopObserver
	started  int
	finished []engine.ChangeRecord
	report   *engine.Report
	onFinish func()
}

func (o *recordingObserver) ResourceStarted(context.Context, string, engine.ResourceDescriptor) {
	o.started++
}

func (o *recordingObserver) ResourceFinished(_ context.Context, _ string, rec engine.ChangeRecord) {
	o.finished = append(o.finished, rec)
	if o.onFinish != nil {
		o.onFinish()
	}
}

func (o *recordingObserver) RunFinished(_ context.Context, r *engine.Report) {
	o.report = r
}

func TestCancellationBetweenResources(t *testing.T) {
	host := newHost()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	obs := &recordingObserver{onFinish: cancel}
	d := newDriver(t, host, engine.WithObserver(obs), engine.WithRunID("run-1"))

	report, err := d.Run(ctx, []engine.ResourceDescriptor{
		engine.HostnameSet("forge"),
		engine.UserExists("bob"),
		engine.PackageInstalled("git"),
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	expectOutcomes(t, report, engine.OutcomeChanged, engine.OutcomeSkipped, engine.OutcomeSkipped)
	if report.State != engine.RunStateAborted || d.State() != engine.RunStateAborted {
		t.Errorf("state = %s, want aborted", report.State)
	}
	if !strings.Contains(report.Reason, "cancelled") {
		t.Errorf("reason = %q", report.Reason)
	}
	if report.RunID != "run-1" {
		t.Errorf("run ID = %q", report.RunID)
	}
	if obs.started != 1 || len(obs.finished) != 3 || obs.report != report {
		t.Errorf("observer saw %d starts, %d finishes", obs.started, len(obs.finished))
	}
	if host.HasUser("bob") {
		t.Error("resource after cancellation was applied")
	}
}

func TestRunRejectsInvalidDescriptors(t *testing.T) {
	host := newHost()
	d := newDriver(t, host)

	tests := []struct {
		name string
		ds   []engine.ResourceDescriptor
	}{
		{"bad user", []engine.ResourceDescriptor{engine.UserExists("Not Valid")}},
		{"duplicate", []engine.ResourceDescriptor{engine.UserExists("bob"), engine.UserExists("bob")}},
		{"bad key", []engine.ResourceDescriptor{engine.SSHKeyInstalled("bob", "ssh-ed25519 garbage")}},
		{"match block", []engine.ResourceDescriptor{
			engine.SSHDirectiveSet("Match", "User bob"),
			engine.SSHDirectiveSet("PermitRootLogin", "no"),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, err := d.Run(context.Background(), tt.ds)
			if err == nil {
				t.Fatal("Run() error = nil, want validation error")
			}
			if report != nil {
				t.Error("report returned for invalid descriptors")
			}
			if len(host.Commands()) != 0 {
				t.Errorf("host was probed: %v", host.Commands())
			}
		})
	}
}

func TestNewDriverRejectsInvalidConfig(t *testing.T) {
	cfg := engine.DefaultConfig()
	cfg.ServiceAction = "kill"
	if _, err := engine.NewDriver(newHost(), cfg); err == nil {
		t.Fatal("NewDriver() error = nil, want invalid service action")
	}
	if _, err := engine.NewDriver(nil, engine.DefaultConfig()); err == nil {
		t.Fatal("NewDriver(nil) error = nil")
	}
}

func TestPlan(t *testing.T) {
	host := newHost()
	d := newDriver(t, host)

	plan, err := d.Plan(context.Background(), []engine.ResourceDescriptor{
		engine.UserExists("alice"),
		engine.SSHKeyInstalled("alice", keyLaptop),
		engine.DirectoryOwned("/srv/alice", "alice"),
		engine.SSHDirectiveSet("Port", "22"),
	})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}

	want := []engine.DecisionType{
		engine.DecisionNeedsAction,
		engine.DecisionNeedsAction,
		engine.DecisionNeedsAction,
		engine.DecisionSatisfied,
	}
	for i, c := range plan.Changes {
		if c.Decision.Type != want[i] {
			t.Errorf("%s: decision = %s, want %s", c.Descriptor.ID(), c.Decision, want[i])
		}
	}
	if !strings.Contains(plan.Changes[1].Decision.Description, "after user_exists/alice") {
		t.Errorf("key decision = %q", plan.Changes[1].Decision.Description)
	}
	if len(plan.Pending()) != 3 {
		t.Errorf("pending = %d, want 3", len(plan.Pending()))
	}
	if host.HasUser("alice") {
		t.Error("plan mutated the host")
	}
}

func TestPlanReversedOrderIsUnreconcilable(t *testing.T) {
	d := newDriver(t, newHost())
	plan, err := d.Plan(context.Background(), []engine.ResourceDescriptor{
		engine.SSHKeyInstalled("alice", keyLaptop),
		engine.UserExists("alice"),
	})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if plan.Changes[0].Decision.Type != engine.DecisionUnreconcilable {
		t.Errorf("decision = %s, want unreconcilable", plan.Changes[0].Decision)
	}
}

func TestPlanStopsAtProbeError(t *testing.T) {
	host := newHost()
	host.FailOn("cat", engine.CommandResult{ExitCode: 1, Stderr: "cat: /etc/ssh/sshd_config: Permission denied"})

	plan, err := newDriver(t, host).Plan(context.Background(), []engine.ResourceDescriptor{
		engine.HostnameSet("forge"),
		engine.SSHDirectiveSet("Port", "22"),
		engine.UserExists("alice"),
	})
	if !errors.Is(err, engine.ErrProbe) {
		t.Fatalf("Plan() error = %v, want probe error", err)
	}
	if len(plan.Changes) != 1 {
		t.Errorf("planned %d changes before the failure, want 1", len(plan.Changes))
	}
}

func TestReadFile(t *testing.T) {
	h := newHost()

	content, exists, err := engine.ReadFile(context.Background(), h, sshdConfigPath)
	if err != nil || !exists || content != stockSSHDConfig {
		t.Fatalf("ReadFile(existing) = %q, %v, %v", content, exists, err)
	}

	content, exists, err = engine.ReadFile(context.Background(), h, "/etc/ssh/absent")
	if err != nil || exists || content != "" {
		t.Fatalf("ReadFile(missing) = %q, %v, %v", content, exists, err)
	}
}

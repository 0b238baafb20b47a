package config

import (
	"strings"
	"testing"

	"github.com/openfroyo/converge/pkg/engine"
)

func TestResourceDescriptor(t *testing.T) {
	tests := []struct {
		name    string
		rc      ResourceConfig
		want    engine.ResourceDescriptor
		wantErr string
	}{
		{
			name: "user defaults to present",
			rc:   ResourceConfig{Kind: "user_exists", Key: "alice"},
			want: engine.UserExists("alice"),
		},
		{
			name: "package defaults to installed",
			rc:   ResourceConfig{Kind: "package_installed", Key: "git"},
			want: engine.PackageInstalled("git"),
		},
		{
			name: "package state words",
			rc:   ResourceConfig{Kind: "package_installed", Key: "telnet", Value: "removed"},
			want: engine.PackageAbsent("telnet"),
		},
		{
			name: "hostname key defaults",
			rc:   ResourceConfig{Kind: "hostname_set", Value: "web1"},
			want: engine.HostnameSet("web1"),
		},
		{
			name: "typed key list",
			rc:   ResourceConfig{Kind: "ssh_key_installed", Key: "alice", Value: []string{keyLaptop, keyDesktop}},
			want: engine.SSHKeyInstalled("alice", keyLaptop, keyDesktop),
		},
		{
			name:    "directive needs a value",
			rc:      ResourceConfig{Kind: "ssh_directive_set", Key: "Port"},
			wantErr: "value is required",
		},
		{
			name:    "list of numbers",
			rc:      ResourceConfig{Kind: "ssh_key_installed", Key: "alice", Value: []interface{}{1.0}},
			wantErr: "list items must be strings",
		},
		{
			name:    "number",
			rc:      ResourceConfig{Kind: "ssh_directive_set", Key: "Port", Value: 22.0},
			wantErr: "must be a bool, a string or a list",
		},
		{
			name:    "unknown kind",
			rc:      ResourceConfig{Kind: "cron_job", Key: "backup", Value: "daily"},
			wantErr: "cron_job",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.rc.Descriptor()
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error = %v, want it to contain %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Descriptor: %v", err)
			}
			if got.ID() != tt.want.ID() || !got.Desired().Equal(tt.want.Desired()) {
				t.Errorf("Descriptor() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestManifestDescriptorsDuplicateWithoutLines(t *testing.T) {
	m := &Manifest{
		Source: "site.json",
		Resources: []ResourceConfig{
			{Kind: "user_exists", Key: "alice"},
			{Kind: "user_exists", Key: "alice"},
		},
	}

	_, err := m.Descriptors()
	verrs, ok := err.(ValidationErrors)
	if !ok || len(verrs) != 1 {
		t.Fatalf("expected one ValidationError, got %v", err)
	}
	if verrs[0].Path != "resources[1]" || !strings.Contains(verrs[0].Message, "as resources[0]") {
		t.Errorf("unexpected error: %+v", verrs[0])
	}
}

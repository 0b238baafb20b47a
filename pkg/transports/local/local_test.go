package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/converge/pkg/engine"
)

func TestExecute(t *testing.T) {
	tr := New()

	tests := []struct {
		name    string
		command string
		want    engine.CommandResult
	}{
		{
			name:    "stdout is verbatim",
			command: `printf 'a\n\n'`,
			want:    engine.CommandResult{Stdout: "a\n\n"},
		},
		{
			name:    "exit status is a result",
			command: "echo oops >&2; exit 3",
			want:    engine.CommandResult{Stderr: "oops\n", ExitCode: 3},
		},
		{
			name:    "unknown command",
			command: "exit 127",
			want:    engine.CommandResult{ExitCode: 127},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tr.Execute(context.Background(), tt.command)
			if err != nil {
				t.Fatalf("Execute(%q): %v", tt.command, err)
			}
			if got != tt.want {
				t.Errorf("Execute(%q) = %+v, want %+v", tt.command, got, tt.want)
			}
		})
	}
}

func TestExecuteCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := New().Execute(ctx, "sleep 5"); err == nil {
		t.Fatal("expected error for interrupted command")
	}
}

func TestExecuteMissingShell(t *testing.T) {
	tr := New(WithShell("/nonexistent/sh"))
	if _, err := tr.Execute(context.Background(), "true"); err == nil {
		t.Fatal("expected error when the shell cannot be started")
	}
}

func TestUpload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "candidate")
	if err := os.WriteFile(path, []byte("old content, longer\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := New().Upload(context.Background(), path, []byte("new\n")); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "new\n" {
		t.Errorf("content = %q, want %q", got, "new\n")
	}
}

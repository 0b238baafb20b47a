package ssh

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gssh "github.com/gliderlabs/ssh"
	"github.com/pkg/sftp"

	"github.com/openfroyo/converge/pkg/engine"
)

const (
	testUser     = "deploy"
	testPassword = "correct horse"
)

// startTestServer runs an SSH server on a loopback port that authenticates
// testUser/testPassword, answers commands with handler and serves SFTP from
// the local filesystem.
func startTestServer(t *testing.T, handler gssh.Handler) *Config {
	t.Helper()

	srv := &gssh.Server{
		Handler: handler,
		PasswordHandler: func(ctx gssh.Context, password string) bool {
			return ctx.User() == testUser && password == testPassword
		},
		SubsystemHandlers: map[string]gssh.SubsystemHandler{
			"sftp": func(s gssh.Session) {
				server, err := sftp.NewServer(s)
				if err != nil {
					return
				}
				_ = server.Serve()
			},
		},
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })

	config := DefaultConfig("127.0.0.1", testUser)
	config.Port = ln.Addr().(*net.TCPAddr).Port
	config.AuthMethod = AuthMethodPassword
	config.Password = testPassword
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 5 * time.Second
	return config
}

// commandHandler answers a few fixed commands the way a shell would.
func commandHandler(s gssh.Session) {
	cmd := s.RawCommand()
	switch {
	case cmd == "true":
		_ = s.Exit(0)
	case cmd == "cat /etc/motd":
		_, _ = io.WriteString(s, "welcome\n\n")
		_ = s.Exit(0)
	case cmd == "test -e /missing":
		_ = s.Exit(1)
	case cmd == "sleep 60":
		select {
		case <-s.Context().Done():
		case <-time.After(5 * time.Second):
		}
		_ = s.Exit(0)
	case strings.HasPrefix(cmd, "sudo "):
		stdin, _ := io.ReadAll(s)
		_, _ = io.WriteString(s, cmd)
		_, _ = io.WriteString(s.Stderr(), string(stdin))
		_ = s.Exit(0)
	default:
		fmt.Fprintf(s.Stderr(), "sh: %s: not found\n", cmd)
		_ = s.Exit(127)
	}
}

func connect(t *testing.T, config *Config) *Client {
	t.Helper()

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestClientConnect(t *testing.T) {
	config := startTestServer(t, commandHandler)
	client := connect(t, config)

	if !client.IsConnected() {
		t.Fatal("expected client to be connected")
	}
	info := client.Info()
	if info.User != testUser || info.Port != config.Port || info.ViaProxy {
		t.Errorf("unexpected connection info: %+v", info)
	}
	if info.ConnectedAt.IsZero() {
		t.Error("expected ConnectedAt to be set")
	}

	// A second Connect reuses the live connection.
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if got := client.Info().ConnectedAt; !got.Equal(info.ConnectedAt) {
		t.Errorf("expected connection to be reused, ConnectedAt changed from %v to %v", info.ConnectedAt, got)
	}
}

func TestClientConnectWrongPassword(t *testing.T) {
	config := startTestServer(t, commandHandler)
	config.Password = "wrong"

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	err = client.Connect(context.Background())
	if err == nil {
		t.Fatal("expected authentication failure")
	}
	terr, ok := err.(*TransportError)
	if !ok {
		t.Fatalf("expected *TransportError, got %T", err)
	}
	if !terr.IsAuthError {
		t.Errorf("expected auth error, got %v", terr)
	}
}

func TestClientHealthCheckAndClose(t *testing.T) {
	config := startTestServer(t, commandHandler)
	client := connect(t, config)

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if client.IsConnected() {
		t.Error("expected client to be disconnected")
	}
	if err := client.HealthCheck(context.Background()); err == nil {
		t.Error("expected health check to fail after close")
	}
	if _, err := client.Execute(context.Background(), "true"); err == nil {
		t.Error("expected Execute to fail after close")
	}
	// Closing twice is harmless.
	if err := client.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestClientExecute(t *testing.T) {
	config := startTestServer(t, commandHandler)
	client := connect(t, config)

	tests := []struct {
		name    string
		command string
		want    engine.CommandResult
	}{
		{
			name:    "output is verbatim",
			command: "cat /etc/motd",
			want:    engine.CommandResult{Stdout: "welcome\n\n"},
		},
		{
			name:    "non-zero exit is a result",
			command: "test -e /missing",
			want:    engine.CommandResult{ExitCode: 1},
		},
		{
			name:    "stderr is captured",
			command: "frobnicate",
			want:    engine.CommandResult{Stderr: "sh: frobnicate: not found\n", ExitCode: 127},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := client.Execute(context.Background(), tt.command)
			if err != nil {
				t.Fatalf("Execute(%q): %v", tt.command, err)
			}
			if got != tt.want {
				t.Errorf("Execute(%q) = %+v, want %+v", tt.command, got, tt.want)
			}
		})
	}
}

func TestClientExecuteCancelled(t *testing.T) {
	config := startTestServer(t, commandHandler)
	client := connect(t, config)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Execute(ctx, "sleep 60")
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Execute returned after %v, expected prompt cancellation", elapsed)
	}
}

func TestClientExecuteSudo(t *testing.T) {
	tests := []struct {
		name        string
		password    string
		wantCommand string
		wantStdin   string
	}{
		{
			name:        "passwordless",
			wantCommand: "sudo -n sh -c 'id -u'",
		},
		{
			name:        "password on stdin",
			password:    "s3cret",
			wantCommand: "sudo -S -p '' sh -c 'id -u'",
			wantStdin:   "s3cret\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := startTestServer(t, commandHandler)
			config.Sudo = true
			config.SudoPassword = tt.password
			client := connect(t, config)

			got, err := client.Execute(context.Background(), "id -u")
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if got.Stdout != tt.wantCommand {
				t.Errorf("server ran %q, want %q", got.Stdout, tt.wantCommand)
			}
			if got.Stderr != tt.wantStdin {
				t.Errorf("server read stdin %q, want %q", got.Stderr, tt.wantStdin)
			}
		})
	}
}

func TestClientUpload(t *testing.T) {
	config := startTestServer(t, commandHandler)
	client := connect(t, config)

	path := filepath.Join(t.TempDir(), ".authorized_keys.converge-1234abcd")
	data := []byte("ssh-ed25519 AAAA laptop\n")

	if err := os.WriteFile(path, []byte("stale content that is longer than the upload\n"), 0600); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	if err := client.Upload(context.Background(), path, data); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	onDisk, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read uploaded file: %v", err)
	}
	if string(onDisk) != string(data) {
		t.Errorf("uploaded content = %q, want %q", onDisk, data)
	}

	if err := client.Upload(context.Background(), filepath.Join(t.TempDir(), "missing", "file"), data); err == nil {
		t.Error("expected error uploading into a missing directory")
	}
}

func TestClientTransportCapabilities(t *testing.T) {
	tests := []struct {
		name         string
		sudo         bool
		wantUploader bool
	}{
		{name: "direct login uploads through sftp", wantUploader: true},
		{name: "sudo hides the uploader", sudo: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig("example.com", testUser)
			config.AuthMethod = AuthMethodPassword
			config.Password = testPassword
			config.Sudo = tt.sudo

			client, err := NewClient(config)
			if err != nil {
				t.Fatalf("NewClient: %v", err)
			}
			_, ok := client.Transport().(engine.FileUploader)
			if ok != tt.wantUploader {
				t.Errorf("Transport() implements FileUploader = %v, want %v", ok, tt.wantUploader)
			}
		})
	}
}

func TestSudoWrapQuoting(t *testing.T) {
	got := sudoWrap("printf '%s' x > /etc/hostname", false)
	want := `sudo -n sh -c 'printf '\''%s'\'' x > /etc/hostname'`
	if got != want {
		t.Errorf("sudoWrap = %q, want %q", got, want)
	}
}

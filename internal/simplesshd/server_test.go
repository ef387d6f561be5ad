package simplesshd

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/rectcircle/sftpxfer/internal/logging"
)

func serve(t *testing.T, cfg Config) (*Server, string) {
	t.Helper()
	cfg.Log = logging.ForTests()
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })
	return srv, l.Addr().String()
}

func dial(addr, user, password string, hostKey ssh.PublicKey) (*ssh.Client, error) {
	return ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: ssh.FixedHostKey(hostKey),
	})
}

func TestPasswordAuth(t *testing.T) {
	srv, addr := serve(t, Config{Username: "esp32", Password: "secret", Root: t.TempDir()})
	tests := []struct {
		name     string
		user     string
		password string
		wantErr  bool
	}{
		{name: "accepted", user: "esp32", password: "secret"},
		{name: "wrong password", user: "esp32", password: "nope", wantErr: true},
		{name: "wrong user", user: "root", password: "secret", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := dial(addr, tt.user, tt.password, srv.PublicKey())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Dial() error = %v, wantErr %v", err, tt.wantErr)
			}
			if client != nil {
				client.Close()
			}
		})
	}
}

func TestSFTPSubsystem(t *testing.T) {
	root := t.TempDir()
	os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hello world"), 0644)
	srv, addr := serve(t, Config{Username: "esp32", Password: "secret", Root: root})

	client, err := dial(addr, "esp32", "secret", srv.PublicKey())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer client.Close()
	sc, err := sftp.NewClient(client)
	if err != nil {
		t.Fatalf("sftp.NewClient() error = %v", err)
	}
	defer sc.Close()

	f, err := sc.Open("hello.txt")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		t.Fatalf("read error = %v", err)
	}
	f.Close()
	if buf.String() != "hello world" {
		t.Errorf("content = %q, want %q", buf.String(), "hello world")
	}
}

func TestOnlySFTPIsServed(t *testing.T) {
	srv, addr := serve(t, Config{})
	client, err := dial(addr, "anyone", "", srv.PublicKey())
	if err != nil {
		t.Fatalf("Dial() without credentials error = %v", err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	defer session.Close()
	if err := session.Shell(); err == nil {
		t.Errorf("Shell() succeeded on an sftp only server")
	}

	if _, err := client.Dial("tcp", "127.0.0.1:1"); err == nil {
		t.Errorf("direct-tcpip channel accepted")
	}
}

func TestHostKeyPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "ssh_host_ed25519_key")
	first, err := NewServer(Config{HostKeyPath: path, Log: logging.ForTests()})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	second, err := NewServer(Config{HostKeyPath: path, Log: logging.ForTests()})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	if !bytes.Equal(first.PublicKey().Marshal(), second.PublicKey().Marshal()) {
		t.Errorf("host key changed between runs")
	}
	if first.PublicKey().Type() != ssh.KeyAlgoED25519 {
		t.Errorf("host key type = %s, want %s", first.PublicKey().Type(), ssh.KeyAlgoED25519)
	}

	ephemeral, _ := NewServer(Config{Log: logging.ForTests()})
	if bytes.Equal(first.PublicKey().Marshal(), ephemeral.PublicKey().Marshal()) {
		t.Errorf("ephemeral key equals the persisted one")
	}
}

func TestCloseStopsServe(t *testing.T) {
	srv, err := NewServer(Config{Log: logging.ForTests()})
	if err != nil {
		t.Fatal(err)
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(l) }()
	// wait for the listener to be tracked
	client, err := dial(l.Addr().String(), "u", "", srv.PublicKey())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer client.Close()

	if err := srv.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("Serve() after Close = %v, want nil", err)
	}
}

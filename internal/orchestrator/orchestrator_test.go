package orchestrator

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/rectcircle/sftpxfer/internal/config"
	"github.com/rectcircle/sftpxfer/internal/link"
	"github.com/rectcircle/sftpxfer/internal/logging"
	"github.com/rectcircle/sftpxfer/internal/sftpclient"
	"github.com/rectcircle/sftpxfer/internal/simplesshd"
	"github.com/rectcircle/sftpxfer/internal/storage"
	"github.com/rectcircle/sftpxfer/internal/variable"
)

func startServer(t *testing.T) (addr, root string) {
	t.Helper()
	root = t.TempDir()
	srv, err := simplesshd.NewServer(simplesshd.Config{
		Username: "esp32",
		Password: "secret",
		Root:     root,
		Log:      logging.ForTests(),
	})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })
	return l.Addr().String(), root
}

func defaultPlan() Plan {
	cfg := config.Default()
	return PlanFromConfig(cfg)
}

func newTestOrchestrator(addr string, store *storage.Storage, slept *[]time.Duration) *Orchestrator {
	log := logging.ForTests()
	return &Orchestrator{
		Client: sftpclient.Config{
			Address:        addr,
			Username:       "esp32",
			Credential:     sftpclient.PasswordAuth{Password: "secret"},
			ConnectTimeout: 5 * time.Second,
		},
		Plan:             defaultPlan(),
		Connector:        &sftpclient.Connector{Log: log},
		Transfer:         sftpclient.NewEngine(store, log),
		Storage:          store,
		LinkUp:           link.Always,
		LinkPollInterval: time.Millisecond,
		Sleep: func(ctx context.Context, d time.Duration) error {
			*slept = append(*slept, d)
			return nil
		},
		Log: log,
	}
}

func TestRunHelloWorld(t *testing.T) {
	addr, root := startServer(t)
	store := storage.NewMemory()
	if err := store.WriteFile("/spiffs/upload.txt", []byte("hello world")); err != nil {
		t.Fatal(err)
	}
	var slept []time.Duration

	report, err := newTestOrchestrator(addr, store, &slept).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if err := report.Err(); err != nil {
		t.Errorf("Report.Err() = %v", err)
	}
	if report.Uploaded != 11 || report.Downloaded != 11 {
		t.Errorf("Report = %+v, want 11 bytes each way", report)
	}

	remote, err := os.ReadFile(filepath.Join(root, variable.DefaultUploadRemote))
	if err != nil {
		t.Fatalf("remote file: %v", err)
	}
	if string(remote) != "hello world" {
		t.Errorf("remote content = %q, want %q", remote, "hello world")
	}
	got, err := store.ReadFile(variable.DefaultDownloadLocal)
	if err != nil {
		t.Fatalf("downloaded file: %v", err)
	}
	if string(got) != "hello world" {
		t.Errorf("downloaded content = %q, want %q", got, "hello world")
	}

	if diff := cmp.Diff([]time.Duration{variable.DefaultPhaseDelay}, slept); diff != "" {
		t.Errorf("phase delay mismatch (-want +got):\n%s", diff)
	}
	var names []string
	for _, e := range report.Listing {
		names = append(names, e.Name)
	}
	if diff := cmp.Diff([]string{"downloaded.txt", "upload.txt"}, names); diff != "" {
		t.Errorf("listing mismatch (-want +got):\n%s", diff)
	}
}

func TestRunContinuesAfterTransferFailure(t *testing.T) {
	addr, _ := startServer(t)
	store := storage.NewMemory()
	store.WriteFile("/spiffs/other.txt", nil)
	var slept []time.Duration

	report, err := newTestOrchestrator(addr, store, &slept).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !errors.Is(report.UploadErr, sftpclient.ErrLocalOpen) {
		t.Errorf("UploadErr = %v, want %v", report.UploadErr, sftpclient.ErrLocalOpen)
	}
	if !errors.Is(report.DownloadErr, sftpclient.ErrRemoteOpen) {
		t.Errorf("DownloadErr = %v, want %v", report.DownloadErr, sftpclient.ErrRemoteOpen)
	}
	if len(slept) != 1 {
		t.Errorf("phase delay ran %d times, want 1", len(slept))
	}
	if report.Listing == nil {
		t.Errorf("listing skipped after transfer failures")
	}
}

type failingConnector struct {
	calls int
}

func (f *failingConnector) ConnectWithRetry(ctx context.Context, cfg sftpclient.Config) (*sftpclient.Connection, error) {
	f.calls++
	return nil, &sftpclient.OpError{Op: "connect", Kind: sftpclient.ErrTransport, Path: cfg.Address, Err: errors.New("no route to host")}
}

func TestRunStopsOnConnectFailure(t *testing.T) {
	store := storage.NewMemory()
	store.WriteFile("/spiffs/upload.txt", []byte("hello world"))
	var slept []time.Duration
	o := newTestOrchestrator("192.0.2.1:14022", store, &slept)
	connector := &failingConnector{}
	o.Connector = connector

	report, err := o.Run(context.Background())
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("Run() error = %v, want %v", err, ErrConnectFailed)
	}
	if !errors.Is(err, sftpclient.ErrTransport) {
		t.Errorf("Run() error = %v, want cause %v", err, sftpclient.ErrTransport)
	}
	if connector.calls != 1 {
		t.Errorf("connect attempts = %d, want 1", connector.calls)
	}
	if len(slept) != 0 || report.Listing != nil {
		t.Errorf("run continued after connect failure: slept %v, listing %v", slept, report.Listing)
	}
}

func TestRunWaitsForLink(t *testing.T) {
	store := storage.NewMemory()
	var slept []time.Duration
	o := newTestOrchestrator("192.0.2.1:14022", store, &slept)
	o.Connector = &failingConnector{}
	checks := 0
	o.LinkUp = func() (bool, error) {
		checks++
		return checks >= 3, nil
	}
	if _, err := o.Run(context.Background()); !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("Run() error = %v, want %v", err, ErrConnectFailed)
	}
	if checks != 3 {
		t.Errorf("link checks = %d, want 3", checks)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o.LinkUp = func() (bool, error) { return false, nil }
	if _, err := o.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want %v", err, context.Canceled)
	}
}

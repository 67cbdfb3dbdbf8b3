package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"edgeprov/internal/api"
	"edgeprov/internal/certengine"
	"edgeprov/internal/config"
)

// pickPort finds a free TCP port for testing.
func pickPort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("pick port: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.StateDir = t.TempDir()
	cfg.Server.ShutdownTimeout = 2 * time.Second
	return cfg
}

func newServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	srv, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv
}

// start runs srv in the background and returns a stop function that
// cancels it and returns Run's error.
func start(t *testing.T, srv *Server) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()
	return func() error {
		cancel()
		select {
		case err := <-errCh:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("server did not shut down")
			return nil
		}
	}
}

func unixClient(path string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", path)
			},
		},
	}
}

// TestServer_UnixSocket verifies the API is served on the socket with the
// configured mode, and that the socket is removed on shutdown.
func TestServer_UnixSocket(t *testing.T) {
	cfg := testConfig(t)
	sock := filepath.Join(cfg.StateDir, "edgeprov.sock")
	cfg.Server.Socket = sock
	cfg.Server.SocketMode = "0600"

	srv := newServer(t, cfg)
	if _, err := srv.Engine().BootstrapAll(); err != nil {
		t.Fatalf("BootstrapAll: %v", err)
	}
	stop := start(t, srv)

	client := unixClient(sock)
	waitForHTTP(t, client, "http://edgeprov/api/status")

	fi, err := os.Stat(sock)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Errorf("socket mode = %o, want 600", fi.Mode().Perm())
	}

	resp, err := client.Get("http://edgeprov/api/status")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var status api.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(status.Domains) != len(certengine.DefaultProfiles()) {
		t.Errorf("got %d domains", len(status.Domains))
	}

	if err := stop(); err != nil {
		t.Errorf("server error: %v", err)
	}
	if _, err := os.Stat(sock); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("socket should be removed on shutdown, stat err = %v", err)
	}
}

// TestServer_IssueOverSocket runs a CSR issuance round trip over the socket.
func TestServer_IssueOverSocket(t *testing.T) {
	cfg := testConfig(t)
	sock := filepath.Join(cfg.StateDir, "edgeprov.sock")
	cfg.Server.Socket = sock

	srv := newServer(t, cfg)
	if _, err := srv.Engine().Bootstrap("cluster"); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	stop := start(t, srv)
	defer stop()

	client := unixClient(sock)
	waitForHTTP(t, client, "http://edgeprov/api/status")

	kp, err := certengine.GenerateKeyPair(certengine.Ed25519)
	if err != nil {
		t.Fatal(err)
	}
	csrPEM, err := certengine.BuildCSR(certengine.CSRParams{
		SubjectKey: kp,
		Subject:    certengine.Name{{Type: "CN", Value: "node-1"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	resp, err := client.Post("http://edgeprov/api/domains/cluster/csr?format=pem",
		"application/x-pem-file", strings.NewReader(csrPEM))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body: %s", resp.StatusCode, body)
	}
	info, err := certengine.ParseCertificate(string(body))
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	if info.Subject.Name.CommonName() != "node-1" {
		t.Errorf("CN = %q", info.Subject.Name.CommonName())
	}
}

// TestServer_StaleSocketRemoved verifies a socket file left behind by a
// crashed process does not prevent startup.
func TestServer_StaleSocketRemoved(t *testing.T) {
	cfg := testConfig(t)
	sock := filepath.Join(cfg.StateDir, "edgeprov.sock")
	cfg.Server.Socket = sock

	l, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	l.(*net.UnixListener).SetUnlinkOnClose(false)
	l.Close()
	if _, err := os.Stat(sock); err != nil {
		t.Fatalf("stale socket should exist: %v", err)
	}

	stop := start(t, newServer(t, cfg))
	waitForHTTP(t, unixClient(sock), "http://edgeprov/api/status")
	if err := stop(); err != nil {
		t.Errorf("server error: %v", err)
	}
}

func TestServer_SocketInUse(t *testing.T) {
	cfg := testConfig(t)
	sock := filepath.Join(cfg.StateDir, "edgeprov.sock")
	cfg.Server.Socket = sock

	l, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	err = newServer(t, cfg).Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "in use") {
		t.Errorf("Run error = %v, want socket in use", err)
	}
}

func TestServer_NotASocket(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(cfg.StateDir, "regular")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.Server.Socket = path
	if err := newServer(t, cfg).Run(context.Background()); err == nil {
		t.Error("expected error for non-socket path")
	}
}

// TestServer_TCPWithMetrics serves on TCP only and checks the metrics
// endpoint reports domain state.
func TestServer_TCPWithMetrics(t *testing.T) {
	cfg := testConfig(t)
	addr := pickPort(t)
	cfg.Server.Addr = addr
	cfg.Metrics.Enabled = true

	srv := newServer(t, cfg)
	if _, err := srv.Engine().Bootstrap("factory"); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	stop := start(t, srv)

	waitForHTTP(t, http.DefaultClient, "http://"+addr+"/api/status")

	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	want := `edgeprov_domain_state{domain="factory",state="ready"} 1`
	if !strings.Contains(string(body), want) {
		t.Errorf("metrics missing %q", want)
	}

	if err := stop(); err != nil {
		t.Errorf("server error: %v", err)
	}
}

func TestServer_NoListeners(t *testing.T) {
	err := newServer(t, testConfig(t)).Run(context.Background())
	if !errors.Is(err, ErrNoListeners) {
		t.Errorf("Run error = %v, want ErrNoListeners", err)
	}
}

func TestServer_BadAuthFile(t *testing.T) {
	cfg := testConfig(t)
	if err := os.WriteFile(cfg.AuthFile(), []byte("{"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Error("expected error for corrupt auth file")
	}
}

// --- Helpers ---

func waitForHTTP(t *testing.T, client *http.Client, url string) {
	t.Helper()
	for i := 0; i < 50; i++ {
		resp, err := client.Get(url)
		if err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("server at %s did not become ready", url)
}

package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"edgeprov/internal/certengine"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoad_Defaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	require.Equal(t, "./state", c.StateDir)
	require.Equal(t, "0660", c.Server.SocketMode)
	require.Equal(t, 10*time.Second, c.Server.ReadHeaderTimeout)
	require.Equal(t, int64(64<<10), c.Server.MaxBodyBytes)
	require.Equal(t, "info", c.Log.Level)
	require.Equal(t, "text", c.Log.Format)
	require.Len(t, c.Domains, 4)
	require.Equal(t, filepath.Join("./state", "auth.json"), c.AuthFile())
}

func TestLoad_YAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "edgeprov.yaml", `
state_dir: /secure
server:
  socket: /dev/shm/edgeprov.sock
  socket_mode: "0777"
  read_header_timeout: 3s
log:
  level: debug
  format: json
auth:
  file: /etc/edgeprov/auth.json
metrics:
  enabled: true
domains:
  - name: factory
    algorithm: p384
    subject:
      O: Acme
      C: "NO"
    server_sans:
      - type: dns
        value: factory.local
  - name: cloud
    mode: csr
`)

	c, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "/secure", c.StateDir)
	require.Equal(t, "/dev/shm/edgeprov.sock", c.Server.Socket)
	require.Equal(t, 3*time.Second, c.Server.ReadHeaderTimeout)
	mode, err := c.Server.FileMode()
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o777), mode)
	require.Equal(t, "/etc/edgeprov/auth.json", c.AuthFile())
	require.True(t, c.Metrics.Enabled)
	require.True(t, c.Server.TrustProxy)

	require.Len(t, c.Domains, 2)
	require.Equal(t, certengine.ECDSAP384, c.Domains[0].Algorithm)
	require.Equal(t, certengine.ModeCA, c.Domains[0].Mode)
	require.Equal(t, "Acme", c.Domains[0].Subject["O"])
	require.Len(t, c.Domains[0].ServerSANs, 1)
	require.Equal(t, certengine.ModeCSR, c.Domains[1].Mode)
	require.Equal(t, certengine.DefaultIssueValidityDays, c.Domains[1].IssueValidityDays)
}

func TestLoad_EmptyFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "empty.yaml", "")
	c, err := Load(path)
	require.NoError(t, err)
	require.Len(t, c.Domains, 4)
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	path := writeFile(t, t.TempDir(), "bad.yaml", "stat_dir: /typo\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"socket mode":      "server:\n  socket_mode: \"999\"\n",
		"log level":        "log:\n  level: loud\n",
		"log format":       "log:\n  format: xml\n",
		"duplicate domain": "domains:\n  - name: a\n  - name: a\n",
		"bad domain":       "domains:\n  - name: a\n    mode: relay\n",
		"bad algorithm":    "domains:\n  - name: a\n    algorithm: rsa2048\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "c.yaml", content)
			_, err := Load(path)
			require.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeFile(t, t.TempDir(), "c.yaml", "state_dir: /from-file\nlog:\n  level: info\n")

	t.Setenv("EDGEPROV_STATE_DIR", "/from-env")
	t.Setenv("EDGEPROV_LOG_LEVEL", "WARN")
	t.Setenv("EDGEPROV_ADDR", "127.0.0.1:9000")
	t.Setenv("EDGEPROV_SHUTDOWN_TIMEOUT", "30s")
	t.Setenv("EDGEPROV_METRICS_ENABLED", "true")
	t.Setenv("EDGEPROV_TRUST_PROXY", "1")
	t.Setenv("EDGEPROV_MAX_BODY_BYTES", "not-a-number")

	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/from-env", c.StateDir)
	require.Equal(t, "warn", c.Log.Level)
	require.Equal(t, "127.0.0.1:9000", c.Server.Addr)
	require.Equal(t, 30*time.Second, c.Server.ShutdownTimeout)
	require.True(t, c.Metrics.Enabled)
	require.Equal(t, int64(64<<10), c.Server.MaxBodyBytes, "unparsable values are ignored")
}

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	envFile := writeFile(t, dir, ".env", "EDGEPROV_TEST_DOTENV=from-file\nEDGEPROV_TEST_KEEP=from-file\n")
	t.Setenv("EDGEPROV_TEST_KEEP", "from-env")
	t.Cleanup(func() { os.Unsetenv("EDGEPROV_TEST_DOTENV") })

	require.NoError(t, LoadEnvFiles(filepath.Join(dir, "missing.env"), envFile, ""))
	require.Equal(t, "from-file", os.Getenv("EDGEPROV_TEST_DOTENV"))
	require.Equal(t, "from-env", os.Getenv("EDGEPROV_TEST_KEEP"))
}

func TestLogConfig_NewLogger(t *testing.T) {
	var buf bytes.Buffer
	LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf).Info("hidden")
	require.Empty(t, buf.String())

	LogConfig{Level: "debug", Format: "json"}.NewLogger(&buf).Debug("shown", "k", "v")
	require.True(t, strings.HasPrefix(buf.String(), "{"))
	require.Contains(t, buf.String(), `"k":"v"`)

	buf.Reset()
	LogConfig{Level: "info", Format: "text"}.NewLogger(&buf).Info("plain")
	require.Contains(t, buf.String(), "msg=plain")
}

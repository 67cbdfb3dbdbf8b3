package cli

import (
	"bytes"
	"crypto/x509"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"software.sslmate.com/src/go-pkcs12"

	"edgeprov/internal/auth"
	"edgeprov/internal/certengine"
	"edgeprov/internal/version"
)

// run executes the command line with args and returns stdout.
func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(t, "", args...)
	require.NoError(t, err, "edgeprov %s", strings.Join(args, " "))
	return out
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

// makeCA creates a root key and certificate under dir.
func makeCA(t *testing.T, dir string) (keyPath, certPath string) {
	t.Helper()
	keyPath = filepath.Join(dir, "ca.key")
	certPath = filepath.Join(dir, "ca.crt")
	mustRun(t, "root", "--subject", "CN=Test Root,O=Acme,C=NO", "--key-out", keyPath, "-o", certPath)
	return keyPath, certPath
}

func TestVersion(t *testing.T) {
	out := mustRun(t, "version")
	require.Equal(t, version.String()+"\n", out)
}

func TestRoot(t *testing.T) {
	dir := t.TempDir()
	keyPath, certPath := makeCA(t, dir)

	fi, err := os.Stat(keyPath)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	info, err := certengine.ParseCertificate(readFile(t, certPath))
	require.NoError(t, err)
	require.True(t, info.IsCA())
	require.Equal(t, "Test Root", info.Subject.Fields["CN"])
	require.Equal(t, "NO", info.Subject.Fields["C"])
	require.True(t, info.CheckSignatureFrom(info.PublicKey))

	// Reusing the key produces a certificate for the same key.
	again := mustRun(t, "root", "--subject", "CN=Test Root", "--key", keyPath)
	info2, err := certengine.ParseCertificate(again)
	require.NoError(t, err)
	require.True(t, info2.PublicKey.SamePublicKey(info.PublicKey))
}

func TestRoot_Errors(t *testing.T) {
	_, err := run(t, "", "root", "--subject", "CN=x")
	require.ErrorContains(t, err, "--key or --key-out")

	_, err = run(t, "", "root", "--subject", "bogus", "--key-out", filepath.Join(t.TempDir(), "k"))
	require.ErrorContains(t, err, "TYPE=value")

	_, err = run(t, "", "root", "--subject", "CN=x", "--alg", "rsa", "--key-out", filepath.Join(t.TempDir(), "k"))
	require.Error(t, err)
}

func TestLeafAndVerify(t *testing.T) {
	dir := t.TempDir()
	caKey, caCert := makeCA(t, dir)
	leafKey := filepath.Join(dir, "leaf.key")
	leafCert := filepath.Join(dir, "leaf.crt")

	mustRun(t, "leaf",
		"--ca-key", caKey, "--ca-cert", caCert,
		"--subject", "CN=device-0001",
		"--san", "dns:device-0001.local", "--san", "10.0.0.7",
		"--alg", "p256",
		"--key-out", leafKey, "-o", leafCert)

	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM([]byte(readFile(t, caCert))))
	cert, err := loadX509(leafCert)
	require.NoError(t, err)
	_, err = cert.Verify(x509.VerifyOptions{Roots: pool, DNSName: "device-0001.local"})
	require.NoError(t, err)
	require.Len(t, cert.IPAddresses, 1)
	require.Equal(t, "10.0.0.7", cert.IPAddresses[0].String())

	out := mustRun(t, "verify", "--ca-cert", caCert, leafCert)
	require.Contains(t, out, "OK")

	// A different CA does not verify.
	_, otherCert := makeCA(t, t.TempDir())
	_, err = run(t, "", "verify", "--ca-cert", otherCert, leafCert)
	require.ErrorContains(t, err, "verification failed")

	_, err = run(t, "", "verify", leafCert)
	require.ErrorContains(t, err, "--pub or --ca-cert")
}

func TestCSRSignAndInspect(t *testing.T) {
	dir := t.TempDir()
	caKey, caCert := makeCA(t, dir)
	csrPath := filepath.Join(dir, "dev.csr")

	mustRun(t, "csr", "--subject", "CN=device-0002,O=Acme",
		"--san", "dns:device-0002.local",
		"--key-out", filepath.Join(dir, "dev.key"), "-o", csrPath)

	out := mustRun(t, "verify", csrPath)
	require.Contains(t, out, "OK")

	var csrOut inspectOutput
	require.NoError(t, json.Unmarshal([]byte(mustRun(t, "inspect", csrPath)), &csrOut))
	require.Equal(t, "csr", csrOut.Type)
	require.Equal(t, "device-0002", csrOut.Subject.Fields["CN"])
	require.NotNil(t, csrOut.Extensions.SubjectAltName)

	certPEM := mustRun(t, "sign-csr", "--ca-key", caKey, "--ca-cert", caCert, "--days", "30", csrPath)
	certPath := filepath.Join(dir, "dev.crt")
	require.NoError(t, os.WriteFile(certPath, []byte(certPEM), 0o644))

	var certOut inspectOutput
	require.NoError(t, json.Unmarshal([]byte(mustRun(t, "inspect", certPath)), &certOut))
	require.Equal(t, "certificate", certOut.Type)
	require.Equal(t, "device-0002", certOut.Subject.Fields["CN"])
	require.Equal(t, "Test Root", certOut.Issuer.Fields["CN"])
	require.NotNil(t, certOut.SelfSigned)
	require.False(t, *certOut.SelfSigned)
	require.NotNil(t, certOut.Extensions.ExtendedKeyUsage)
	require.Nil(t, certOut.Extensions.SubjectAltName, "requested extensions are not copied")

	// CSR from stdin.
	stdinOut, err := run(t, readFile(t, csrPath), "sign-csr", "--ca-key", caKey, "--ca-cert", caCert, "-")
	require.NoError(t, err)
	require.Contains(t, stdinOut, "BEGIN CERTIFICATE")
}

func TestExportP12(t *testing.T) {
	dir := t.TempDir()
	caKey, caCert := makeCA(t, dir)
	leafKey := filepath.Join(dir, "leaf.key")
	leafCert := filepath.Join(dir, "leaf.crt")
	mustRun(t, "leaf", "--ca-key", caKey, "--ca-cert", caCert, "--subject", "CN=device-p12",
		"--key-out", leafKey, "-o", leafCert)

	p12 := filepath.Join(dir, "device.p12")
	mustRun(t, "export-p12", "--key", leafKey, "--cert", leafCert, "--ca-cert", caCert,
		"--password", "s3cret", "-o", p12)

	data, err := os.ReadFile(p12)
	require.NoError(t, err)
	key, cert, chain, err := pkcs12.DecodeChain(data, "s3cret")
	require.NoError(t, err)
	require.NotNil(t, key)
	require.Equal(t, "device-p12", cert.Subject.CommonName)
	require.Len(t, chain, 1)
	require.Equal(t, "Test Root", chain[0].Subject.CommonName)

	// Mismatched key and certificate.
	_, err = run(t, "", "export-p12", "--key", caKey, "--cert", leafCert, "-o", filepath.Join(dir, "bad.p12"))
	require.ErrorContains(t, err, "does not match")
}

func TestBootstrapStatusAndInstall(t *testing.T) {
	state := t.TempDir()

	out := mustRun(t, "--state-dir", state, "bootstrap", "factory")
	require.Contains(t, out, "factory (ca): ready, created rootca.priv.key")

	out = mustRun(t, "--state-dir", state, "bootstrap", "factory")
	require.Contains(t, out, "nothing to do")

	mustRun(t, "--state-dir", state, "bootstrap")
	out = mustRun(t, "--state-dir", state, "status")
	require.Contains(t, out, "cloud")
	require.Contains(t, out, "initialized")
	require.Contains(t, out, "issued=0")

	// Sign the cloud CSR with the factory root and install it.
	engine, err := certengine.New(state, certengine.DefaultProfiles())
	require.NoError(t, err)
	csrPEM, err := engine.Store().LoadCSR("cloud", certengine.ClientName)
	require.NoError(t, err)
	csrPath := filepath.Join(t.TempDir(), "cloud.csr")
	require.NoError(t, os.WriteFile(csrPath, []byte(csrPEM), 0o644))

	caKey, _ := engine.Store().KeyPaths("factory", certengine.RootName)
	caCert := engine.Store().CertPath("factory", certengine.RootName)
	certPEM := mustRun(t, "sign-csr", "--ca-key", caKey, "--ca-cert", caCert, csrPath)

	out, err = run(t, certPEM, "--state-dir", state, "install-cert", "cloud", "-")
	require.NoError(t, err)
	require.Contains(t, out, "cloud: client certificate installed, ready")

	_, err = run(t, "", "--state-dir", state, "bootstrap", "nope")
	require.ErrorIs(t, err, certengine.ErrUnknownDomain)
}

func TestAuthCommands(t *testing.T) {
	state := t.TempDir()

	out, err := run(t, "pw-one\n", "--state-dir", state, "auth", "set-user", "station-1", "--password-stdin")
	require.NoError(t, err)
	require.Contains(t, out, "station-1")

	_, err = run(t, "pw-two", "--state-dir", state, "auth", "set-user", "station-2", "--password-stdin")
	require.NoError(t, err)

	require.Equal(t, "station-1\nstation-2\n", mustRun(t, "--state-dir", state, "auth", "list"))

	store, err := auth.NewStore(filepath.Join(state, "auth.json"))
	require.NoError(t, err)
	require.True(t, store.Verify("station-1", "pw-one"))
	require.True(t, store.Verify("station-2", "pw-two"))

	mustRun(t, "--state-dir", state, "auth", "remove-user", "station-1")
	_, err = run(t, "", "--state-dir", state, "auth", "remove-user", "station-1")
	require.ErrorContains(t, err, "no such user")
}

func TestConfigFileAndEnvFile(t *testing.T) {
	dir := t.TempDir()
	state := filepath.Join(dir, "from-config")
	cfgPath := filepath.Join(dir, "edgeprov.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
state_dir: `+state+`
domains:
  - name: lab
    subject: {O: Lab}
`), 0o644))

	out := mustRun(t, "--config", cfgPath, "bootstrap")
	require.Contains(t, out, "lab (ca): ready")
	_, err := os.Stat(filepath.Join(state, "lab"))
	require.NoError(t, err)

	_, err = run(t, "", "--config", filepath.Join(dir, "missing.yaml"), "status")
	require.Error(t, err)

	envPath := filepath.Join(dir, "bad.env")
	require.NoError(t, os.WriteFile(envPath, []byte("EDGEPROV_LOG_FORMAT=xml\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("EDGEPROV_LOG_FORMAT") })
	_, err = run(t, "", "--env-file", envPath, "--state-dir", t.TempDir(), "status")
	require.ErrorContains(t, err, "log.format")
}

func TestParseSANs(t *testing.T) {
	got, err := parseSANs([]string{"dns:a.example", "IP:10.1.2.3", "::1", "b.example", "email:ops@example.com"})
	require.NoError(t, err)
	require.Equal(t, []certengine.GeneralName{
		{Type: "dns", Value: "a.example"},
		{Type: "ip", Value: "10.1.2.3"},
		{Type: "ip", Value: "::1"},
		{Type: "dns", Value: "b.example"},
		{Type: "email", Value: "ops@example.com"},
	}, got)

	_, err = parseSANs([]string{"ip:not-an-ip"})
	require.Error(t, err)
}

func TestParseSubject(t *testing.T) {
	n, err := parseSubject(`CN=Acme\, Inc Root, o=Acme`)
	require.NoError(t, err)
	require.Equal(t, "Acme, Inc Root", n.CommonName())
	require.Equal(t, "Acme", n.Get("O"))

	_, err = parseSubject("CN=a,CN=b")
	require.Error(t, err)
	_, err = parseSubject("")
	require.Error(t, err)
}

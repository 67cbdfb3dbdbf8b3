package certengine

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// On-disk layout within the state directory, one namespace per domain:
//
//   <stateDir>/
//     <domain>/
//       keys/
//         <name>.priv.key   (0600)
//         <name>.pub.key    (0644)
//       ssl/
//         <name>.crt        (0644)
//         <name>.csr        (0644)
//       issued/
//         <identity>.crt    (0644)
//
// Every file is created only if absent. Existing material is never
// overwritten by the load-or-create helpers.

const (
	keysDirName   = "keys"
	sslDirName    = "ssl"
	issuedDirName = "issued"

	privKeySuffix = ".priv.key"
	pubKeySuffix  = ".pub.key"
	certSuffix    = ".crt"
	csrSuffix     = ".csr"

	dirPerms     = 0700
	keyFilePerms = 0600
	certPerms    = 0644
)

// Store reads and writes PEM material below a state directory.
type Store struct {
	dir string // root state directory
}

// NewStore creates a Store rooted at dir, creating the directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, dirPerms); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the root state directory.
func (s *Store) Dir() string { return s.dir }

// DomainDir returns the directory holding a domain's material.
func (s *Store) DomainDir(domain string) string {
	return filepath.Join(s.dir, domain)
}

// KeyPaths returns the private and public key paths of a named key.
func (s *Store) KeyPaths(domain, name string) (privPath, pubPath string) {
	dir := filepath.Join(s.dir, domain, keysDirName)
	return filepath.Join(dir, name+privKeySuffix), filepath.Join(dir, name+pubKeySuffix)
}

// CertPath returns the path of a named certificate.
func (s *Store) CertPath(domain, name string) string {
	return filepath.Join(s.dir, domain, sslDirName, name+certSuffix)
}

// CSRPath returns the path of a named CSR.
func (s *Store) CSRPath(domain, name string) string {
	return filepath.Join(s.dir, domain, sslDirName, name+csrSuffix)
}

// IssuedPath returns the path of a certificate issued from a device CSR.
func (s *Store) IssuedPath(domain, identity string) string {
	return filepath.Join(s.dir, domain, issuedDirName, EscapeIdentity(identity)+certSuffix)
}

// --- Keys ---

// LoadOrCreateKeyPair loads a named key pair, generating and saving one of
// algorithm alg when no private key exists. A missing public key file is
// re-derived from the private key. The bool result reports whether a new
// key was generated.
func (s *Store) LoadOrCreateKeyPair(domain, name string, alg Algorithm) (*KeyPair, bool, error) {
	privPath, pubPath := s.KeyPaths(domain, name)

	var kp *KeyPair
	created := false
	if fileExists(privPath) {
		data, err := os.ReadFile(privPath)
		if err != nil {
			return nil, false, fmt.Errorf("read %s: %w", privPath, err)
		}
		if kp, err = ParsePrivateKeyPEM(string(data)); err != nil {
			return nil, false, fmt.Errorf("load key %s/%s: %w", domain, name, err)
		}
	} else {
		var err error
		if kp, err = GenerateKeyPair(alg); err != nil {
			return nil, false, fmt.Errorf("generate key %s/%s: %w", domain, name, err)
		}
		privPEM, err := kp.PrivateKeyPEM()
		if err != nil {
			return nil, false, err
		}
		if err := writeFileAtomic(privPath, []byte(privPEM), keyFilePerms); err != nil {
			return nil, false, fmt.Errorf("save key %s/%s: %w", domain, name, err)
		}
		created = true
	}

	if fileExists(pubPath) && !created {
		data, err := os.ReadFile(pubPath)
		if err != nil {
			return nil, false, fmt.Errorf("read %s: %w", pubPath, err)
		}
		pub, err := ParsePublicKeyPEM(string(data))
		if err != nil {
			return nil, false, fmt.Errorf("load public key %s/%s: %w", domain, name, err)
		}
		if !pub.SamePublicKey(kp) {
			return nil, false, fmt.Errorf("key %s/%s: public key file does not match private key", domain, name)
		}
		return kp, false, nil
	}

	pubPEM, err := kp.PublicKeyPEM()
	if err != nil {
		return nil, false, err
	}
	if err := writeFileAtomic(pubPath, []byte(pubPEM), certPerms); err != nil {
		return nil, false, fmt.Errorf("save public key %s/%s: %w", domain, name, err)
	}
	return kp, created, nil
}

// LoadKeyPair loads a named key pair. Returns nil, nil if it does not exist.
func (s *Store) LoadKeyPair(domain, name string) (*KeyPair, error) {
	privPath, _ := s.KeyPaths(domain, name)
	data, err := os.ReadFile(privPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", privPath, err)
	}
	kp, err := ParsePrivateKeyPEM(string(data))
	if err != nil {
		return nil, fmt.Errorf("load key %s/%s: %w", domain, name, err)
	}
	return kp, nil
}

// LoadPublicKeyPEM returns the public key file of a named key, or "" if
// it does not exist.
func (s *Store) LoadPublicKeyPEM(domain, name string) (string, error) {
	_, pubPath := s.KeyPaths(domain, name)
	return readOptional(pubPath)
}

// --- Certificates and CSRs ---

// LoadOrCreateCert returns the named certificate, calling create and saving
// its result when none exists yet. The bool result reports creation.
func (s *Store) LoadOrCreateCert(domain, name string, create func() (string, error)) (string, bool, error) {
	return loadOrCreate(s.CertPath(domain, name), create)
}

// LoadOrCreateCSR is LoadOrCreateCert for CSRs.
func (s *Store) LoadOrCreateCSR(domain, name string, create func() (string, error)) (string, bool, error) {
	return loadOrCreate(s.CSRPath(domain, name), create)
}

// LoadCert returns the named certificate PEM, or "" if it does not exist.
func (s *Store) LoadCert(domain, name string) (string, error) {
	return readOptional(s.CertPath(domain, name))
}

// LoadCSR returns the named CSR PEM, or "" if it does not exist.
func (s *Store) LoadCSR(domain, name string) (string, error) {
	return readOptional(s.CSRPath(domain, name))
}

// HasCert reports whether the named certificate exists.
func (s *Store) HasCert(domain, name string) bool {
	return fileExists(s.CertPath(domain, name))
}

// HasCSR reports whether the named CSR exists.
func (s *Store) HasCSR(domain, name string) bool {
	return fileExists(s.CSRPath(domain, name))
}

// --- Issued certificates ---

// SaveIssued stores a certificate issued for a device identity.
func (s *Store) SaveIssued(domain, identity, certPEM string) error {
	return writeFileAtomic(s.IssuedPath(domain, identity), []byte(certPEM), certPerms)
}

// LoadIssued returns the certificate issued for identity, or "".
func (s *Store) LoadIssued(domain, identity string) (string, error) {
	return readOptional(s.IssuedPath(domain, identity))
}

// ListIssued returns the identities with an issued certificate, sorted.
// File names that do not decode are skipped. Returns an empty slice (not nil) if there are none.
func (s *Store) ListIssued(domain string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, domain, issuedDirName))
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read issued directory: %w", err)
	}
	out := []string{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), certSuffix) {
			continue
		}
		id, err := UnescapeIdentity(strings.TrimSuffix(e.Name(), certSuffix))
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// EscapeIdentity turns a certificate CN into a file name. Bytes outside
// [A-Za-z0-9._-] and a leading '.' are written as %XX, so distinct CNs
// never share a file. The empty CN maps to "%".
func EscapeIdentity(identity string) string {
	if identity == "" {
		return "%"
	}
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(identity); i++ {
		c := identity[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			b.WriteByte(c)
		case c == '.' && i > 0:
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0x0f])
		}
	}
	return b.String()
}

// UnescapeIdentity reverses EscapeIdentity.
func UnescapeIdentity(name string) (string, error) {
	if name == "%" {
		return "", nil
	}
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		if name[i] != '%' {
			out = append(out, name[i])
			continue
		}
		if i+2 >= len(name) {
			return "", fmt.Errorf("bad identity file name %q", name)
		}
		hi, ok1 := unhex(name[i+1])
		lo, ok2 := unhex(name[i+2])
		if !ok1 || !ok2 {
			return "", fmt.Errorf("bad identity file name %q", name)
		}
		out = append(out, hi<<4|lo)
		i += 2
	}
	return string(out), nil
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// --- File helpers ---

func loadOrCreate(path string, create func() (string, error)) (string, bool, error) {
	existing, err := readOptional(path)
	if err != nil {
		return "", false, err
	}
	if existing != "" {
		return existing, false, nil
	}
	pemText, err := create()
	if err != nil {
		return "", false, err
	}
	if err := writeFileAtomic(path, []byte(pemText), certPerms); err != nil {
		return "", false, err
	}
	return pemText, true, nil
}

func readOptional(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

// writeFileAtomic writes data to a temporary file in the target directory,
// syncs it, then renames it into place so readers never see a partial file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPerms); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("fsync %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpPath, err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("chmod %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", tmpPath, path, err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

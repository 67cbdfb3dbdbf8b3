// Package auth provides optional HTTP Basic Auth for the provisioning API.
// Provisioner accounts live in a JSON file with argon2id-hashed passwords.
// Auth is enforced as soon as the file holds at least one user.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
)

const (
	// Argon2id parameters (OWASP recommended).
	argonMemory      = 64 * 1024 // 64 MB
	argonIterations  = 3
	argonParallelism = 4
	argonSaltLen     = 16
	argonKeyLen      = 32
)

// ErrInvalidUsername is returned for empty usernames or ones containing ':'.
var ErrInvalidUsername = errors.New("invalid username")

// Credentials is the on-disk form of the credentials file.
type Credentials struct {
	// Users maps a username to an argon2id hash in PHC string format:
	// $argon2id$v=19$m=65536,t=3,p=4$<salt>$<hash>
	Users map[string]string `json:"users"`
}

// Store manages provisioner credentials on disk.
type Store struct {
	mu    sync.RWMutex
	path  string
	creds Credentials
}

// NewStore creates a store backed by path, loading existing credentials.
// A missing file is not an error; it means auth is disabled.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("load auth: %w", err)
	}
	return s, nil
}

// Path returns the credentials file path.
func (s *Store) Path() string { return s.path }

// IsEnabled reports whether any user is configured.
func (s *Store) IsEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.creds.Users) > 0
}

// Users returns the configured usernames, sorted.
func (s *Store) Users() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.creds.Users))
	for u := range s.creds.Users {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Verify checks a username and password. It returns true when auth is
// disabled.
func (s *Store) Verify(username, password string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.creds.Users) == 0 {
		return true
	}
	hash, ok := s.creds.Users[username]
	if !ok {
		// Burn the same time as a real check.
		verifyArgon2id(dummyHash, password)
		return false
	}
	return verifyArgon2id(hash, password)
}

// SetUser adds a user or replaces its password, and persists the change.
func (s *Store) SetUser(username, password string) error {
	if username == "" || strings.Contains(username, ":") {
		return fmt.Errorf("%w: %q", ErrInvalidUsername, username)
	}
	if password == "" {
		return errors.New("password must not be empty")
	}
	hash, err := hashArgon2id(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.creds.Users == nil {
		s.creds.Users = make(map[string]string)
	}
	s.creds.Users[username] = hash
	return s.save()
}

// RemoveUser deletes a user. It reports whether the user existed.
func (s *Store) RemoveUser(username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.creds.Users[username]; !ok {
		return false, nil
	}
	delete(s.creds.Users, username)
	return true, s.save()
}

// Require wraps next with Basic Auth checking. When auth is disabled the
// request passes through. onDenied writes the rejection response.
func (s *Store) Require(realm string, next http.Handler, onDenied http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.IsEnabled() {
			next.ServeHTTP(w, r)
			return
		}
		username, password, ok := r.BasicAuth()
		if !ok || !s.Verify(username, password) {
			w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", realm))
			onDenied(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// load reads credentials from disk. A missing file is not an error.
func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.creds = Credentials{}
		return nil
	}
	if err != nil {
		return err
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(s.path), err)
	}
	s.creds = creds
	return nil
}

// save writes the current credentials to disk atomically.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.creds, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal auth: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".auth-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// --- Argon2id password hashing ---

// dummyHash is verified against when the username is unknown.
const dummyHash = "$argon2id$v=19$m=65536,t=3,p=4$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

// hashArgon2id produces a PHC-format string:
// $argon2id$v=19$m=65536,t=3,p=4$<base64-salt>$<base64-hash>
func hashArgon2id(password string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(password), salt, argonIterations, argonMemory, argonParallelism, argonKeyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		argonMemory, argonIterations, argonParallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// verifyArgon2id parses a PHC-format hash and compares it against a password.
func verifyArgon2id(encoded, password string) bool {
	parts := strings.Split(encoded, "$")
	// Expected: ["", "argon2id", "v=19", "m=...,t=...,p=...", salt, hash]
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}

	var memory, iterations uint32
	var parallelism uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); err != nil {
		return false
	}
	if memory == 0 || iterations == 0 || parallelism == 0 {
		return false
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(expected) == 0 {
		return false
	}

	hash := argon2.IDKey([]byte(password), salt, iterations, memory, parallelism, uint32(len(expected)))
	return subtle.ConstantTimeCompare(hash, expected) == 1
}

package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func newStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "auth.json")
	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s, path
}

func TestNewStore_MissingFile(t *testing.T) {
	s, _ := newStore(t)
	if s.IsEnabled() {
		t.Error("new store should not have auth enabled")
	}
	if len(s.Users()) != 0 {
		t.Errorf("Users() = %v, want none", s.Users())
	}
}

func TestNewStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewStore(path); err == nil {
		t.Fatal("expected error for corrupt credentials file")
	}
}

func TestStore_SetUserAndVerify(t *testing.T) {
	s, _ := newStore(t)

	if err := s.SetUser("station-1", "password123"); err != nil {
		t.Fatalf("SetUser: %v", err)
	}
	if !s.IsEnabled() {
		t.Error("auth should be enabled after SetUser()")
	}

	// Correct credentials.
	if !s.Verify("station-1", "password123") {
		t.Error("Verify should return true for correct credentials")
	}
	// Wrong password.
	if s.Verify("station-1", "wrong") {
		t.Error("Verify should return false for wrong password")
	}
	// Unknown username.
	if s.Verify("other", "password123") {
		t.Error("Verify should return false for unknown username")
	}
}

func TestStore_MultipleUsers(t *testing.T) {
	s, _ := newStore(t)
	for _, u := range []string{"b", "a"} {
		if err := s.SetUser(u, "pw-"+u); err != nil {
			t.Fatalf("SetUser(%s): %v", u, err)
		}
	}
	if got := s.Users(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Users() = %v, want [a b]", got)
	}
	if !s.Verify("a", "pw-a") || !s.Verify("b", "pw-b") {
		t.Error("each user should verify with its own password")
	}
	if s.Verify("a", "pw-b") {
		t.Error("passwords must not be shared between users")
	}
}

func TestStore_SetUserRejectsBadInput(t *testing.T) {
	s, _ := newStore(t)
	if err := s.SetUser("", "pw"); !errors.Is(err, ErrInvalidUsername) {
		t.Errorf("empty username error = %v", err)
	}
	if err := s.SetUser("a:b", "pw"); !errors.Is(err, ErrInvalidUsername) {
		t.Errorf("colon username error = %v", err)
	}
	if err := s.SetUser("a", ""); err == nil {
		t.Error("expected error for empty password")
	}
}

func TestStore_RemoveUser(t *testing.T) {
	s, _ := newStore(t)
	if err := s.SetUser("admin", "pw"); err != nil {
		t.Fatalf("SetUser: %v", err)
	}

	removed, err := s.RemoveUser("admin")
	if err != nil || !removed {
		t.Fatalf("RemoveUser = %v, %v", removed, err)
	}
	if s.IsEnabled() {
		t.Error("auth should be disabled once the last user is removed")
	}
	// With auth disabled, Verify should return true for anything.
	if !s.Verify("anyone", "anything") {
		t.Error("Verify should return true when auth is disabled")
	}

	removed, err = s.RemoveUser("admin")
	if err != nil || removed {
		t.Errorf("second RemoveUser = %v, %v", removed, err)
	}
}

func TestStore_PersistsToDisk(t *testing.T) {
	s1, path := newStore(t)
	if err := s1.SetUser("user", "pass"); err != nil {
		t.Fatalf("SetUser: %v", err)
	}

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("credentials file should exist after SetUser(): %v", err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Errorf("credentials file mode = %o, want 600", fi.Mode().Perm())
	}

	// Load from disk in a new store.
	s2, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore (reload): %v", err)
	}
	if !s2.IsEnabled() {
		t.Error("reloaded store should have auth enabled")
	}
	if !s2.Verify("user", "pass") {
		t.Error("reloaded store should verify correct credentials")
	}
	if s2.Verify("user", "wrong") {
		t.Error("reloaded store should reject wrong password")
	}
}

func TestStore_UpdatePassword(t *testing.T) {
	s, _ := newStore(t)
	if err := s.SetUser("admin", "old"); err != nil {
		t.Fatalf("SetUser: %v", err)
	}
	if err := s.SetUser("admin", "new"); err != nil {
		t.Fatalf("SetUser (update): %v", err)
	}
	if s.Verify("admin", "old") {
		t.Error("old password should no longer work")
	}
	if !s.Verify("admin", "new") {
		t.Error("new password should work")
	}
}

func TestRequire(t *testing.T) {
	s, _ := newStore(t)
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	denied := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}
	h := s.Require("edgeprov", ok, denied)

	// Disabled: everything passes.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("disabled auth: status = %d", rec.Code)
	}

	if err := s.SetUser("station", "secret"); err != nil {
		t.Fatal(err)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no credentials: status = %d, want 401", rec.Code)
	}
	if got := rec.Header().Get("WWW-Authenticate"); got != `Basic realm="edgeprov"` {
		t.Errorf("WWW-Authenticate = %q", got)
	}

	req := httptest.NewRequest("POST", "/", nil)
	req.SetBasicAuth("station", "secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("valid credentials: status = %d", rec.Code)
	}
}

func TestVerifyArgon2id_Malformed(t *testing.T) {
	for _, enc := range []string{
		"",
		"plain",
		"$bcrypt$v=19$m=1,t=1,p=1$AAAA$AAAA",
		"$argon2id$v=19$m=x,t=1,p=1$AAAA$AAAA",
		"$argon2id$v=19$m=0,t=0,p=0$AAAA$AAAA",
		"$argon2id$v=19$m=8,t=1,p=1$!!!$AAAA",
	} {
		if verifyArgon2id(enc, "pw") {
			t.Errorf("verifyArgon2id(%q) = true", enc)
		}
	}
}

package auth

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"pkt.systems/cdpreplay/internal/appconfig"
)

const (
	secretA = "JBSWY3DPEHPK3PXP"
	secretB = "KRSXG5DSNFXGOIDB"
)

func newStore(t *testing.T, path string, seeds []appconfig.SeedUser) *Store {
	t.Helper()
	store, err := NewStore(path, seeds, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestStoreRejectsInvalidUsername(t *testing.T) {
	store := newStore(t, filepath.Join(t.TempDir(), "users.json"), nil)
	if err := store.AddUser(User{Username: "Alice", PasswordHash: "hash", TOTPSecret: "secret"}); err == nil {
		t.Fatalf("expected invalid username error")
	}
}

func TestStoreRejectsInvalidSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	if _, err := NewStore(path, []appconfig.SeedUser{{Username: "BadUser", PasswordHash: "h", TOTPSecret: "s"}}, nil); err == nil {
		t.Fatalf("expected error for invalid seed user")
	}
	if _, err := NewStore(path, []appconfig.SeedUser{{Username: "ok", PasswordHash: "h", TOTPSecret: "s", Role: "root"}}, nil); err == nil {
		t.Fatalf("expected error for unknown seed role")
	}
}

func TestStoreSeedsDefaultAdmin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	store := newStore(t, path, []appconfig.SeedUser{{Username: "admin", PasswordHash: mustHash(t, "pw"), TOTPSecret: secretA}})
	user, err := store.Authenticate("admin", "pw", mustTOTP(t, secretA))
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if user.Role != RoleAdmin {
		t.Fatalf("expected admin role, got %q", user.Role)
	}
	// Seeds only apply to a missing file.
	again := newStore(t, path, []appconfig.SeedUser{{Username: "other", PasswordHash: "h", TOTPSecret: secretB}})
	if users := again.Users(); len(users) != 1 || users[0].Username != "admin" {
		t.Fatalf("unexpected users %+v", users)
	}
}

func TestAuthenticateErrors(t *testing.T) {
	store := newStore(t, filepath.Join(t.TempDir(), "users.json"), nil)
	if err := store.AddUser(User{Username: "alice", PasswordHash: mustHash(t, "pw"), TOTPSecret: secretA, Role: RoleViewer}); err != nil {
		t.Fatalf("add user: %v", err)
	}
	if _, err := store.Authenticate("alice", "wrong", mustTOTP(t, secretA)); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, err := store.Authenticate("nobody", "pw", mustTOTP(t, secretA)); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials for unknown user, got %v", err)
	}
	if _, err := store.Authenticate("alice", "pw", "000000x"); !errors.Is(err, ErrInvalidTOTP) {
		t.Fatalf("expected invalid totp, got %v", err)
	}
	if err := store.AddUser(User{Username: "alice", PasswordHash: "h", TOTPSecret: "s"}); !errors.Is(err, ErrUserExists) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestRoles(t *testing.T) {
	tests := []struct {
		have, need Role
		want       bool
	}{
		{RoleAdmin, RoleOperator, true},
		{RoleOperator, RoleOperator, true},
		{RoleViewer, RoleOperator, false},
		{RoleViewer, RoleViewer, true},
		{RoleOperator, RoleAdmin, false},
	}
	for _, tc := range tests {
		if got := tc.have.Allows(tc.need); got != tc.want {
			t.Fatalf("%s allows %s = %v", tc.have, tc.need, got)
		}
	}
	if r, err := ParseRole(" Operator "); err != nil || r != RoleOperator {
		t.Fatalf("ParseRole = %q, %v", r, err)
	}
}

func TestStoreSetRole(t *testing.T) {
	store := newStore(t, filepath.Join(t.TempDir(), "users.json"), nil)
	if err := store.AddUser(User{Username: "alice", PasswordHash: "h", TOTPSecret: secretA, Role: RoleViewer}); err != nil {
		t.Fatalf("add user: %v", err)
	}
	if err := store.SetRole("alice", RoleOperator); err != nil {
		t.Fatalf("set role: %v", err)
	}
	user, err := store.Lookup("alice")
	if err != nil || user.Role != RoleOperator {
		t.Fatalf("lookup = %+v, %v", user, err)
	}
	if err := store.SetRole("ghost", RoleOperator); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStoreReloadsPasswordChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	writer := newStore(t, path, nil)
	if err := writer.AddUser(User{Username: "alice", PasswordHash: mustHash(t, "old-pass"), TOTPSecret: secretA}); err != nil {
		t.Fatalf("add user: %v", err)
	}
	reader := newStore(t, path, nil)
	if _, err := reader.Authenticate("alice", "old-pass", mustTOTP(t, secretA)); err != nil {
		t.Fatalf("authenticate old password: %v", err)
	}
	if err := writer.SetPassword("alice", "new-pass"); err != nil {
		t.Fatalf("set password: %v", err)
	}
	if _, err := reader.Authenticate("alice", "new-pass", mustTOTP(t, secretA)); err != nil {
		t.Fatalf("authenticate new password: %v", err)
	}
	if _, err := reader.Authenticate("alice", "old-pass", mustTOTP(t, secretA)); err == nil {
		t.Fatalf("expected old password to fail after refresh")
	}
}

func TestStoreReloadsUserAddDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	writer := newStore(t, path, nil)
	reader := newStore(t, path, nil)
	if err := writer.AddUser(User{Username: "bob", PasswordHash: mustHash(t, "pass"), TOTPSecret: secretA}); err != nil {
		t.Fatalf("add user: %v", err)
	}
	if _, err := reader.Authenticate("bob", "pass", mustTOTP(t, secretA)); err != nil {
		t.Fatalf("authenticate new user: %v", err)
	}
	if err := writer.DeleteUser("bob"); err != nil {
		t.Fatalf("delete user: %v", err)
	}
	if _, err := reader.Authenticate("bob", "pass", mustTOTP(t, secretA)); err == nil {
		t.Fatalf("expected deleted user login to fail")
	}
}

func TestStoreReloadsTOTPChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	writer := newStore(t, path, nil)
	if err := writer.AddUser(User{Username: "alice", PasswordHash: mustHash(t, "pass"), TOTPSecret: secretA}); err != nil {
		t.Fatalf("add user: %v", err)
	}
	reader := newStore(t, path, nil)
	if err := writer.SetTOTP("alice", secretB); err != nil {
		t.Fatalf("set totp: %v", err)
	}
	if _, err := reader.Authenticate("alice", "pass", mustTOTP(t, secretB)); err != nil {
		t.Fatalf("authenticate rotated totp: %v", err)
	}
	if _, err := reader.Authenticate("alice", "pass", mustTOTP(t, secretA)); !errors.Is(err, ErrInvalidTOTP) {
		t.Fatalf("expected old totp to fail after refresh, got %v", err)
	}
}

func mustHash(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	return string(hash)
}

func mustTOTP(t *testing.T, secret string) string {
	t.Helper()
	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		t.Fatalf("generate totp: %v", err)
	}
	return code
}

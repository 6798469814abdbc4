// Package auth keeps the operator accounts of the control API.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"pkt.systems/cdpreplay/internal/appconfig"
	"pkt.systems/cdpreplay/schema"
	"pkt.systems/pslog"
)

var (
	// ErrInvalidCredentials is returned for a wrong user or password.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidTOTP is returned for a wrong one-time code.
	ErrInvalidTOTP = errors.New("invalid totp")
	// ErrUserNotFound is returned when the account does not exist.
	ErrUserNotFound = errors.New("user not found")
	// ErrUserExists is returned when adding a duplicate account.
	ErrUserExists = errors.New("user already exists")
)

// Role controls what an operator may do through the control API.
type Role string

const (
	// RoleViewer may list tabs, recordings and history.
	RoleViewer Role = "viewer"
	// RoleOperator may also start and abort runs and edit recordings.
	RoleOperator Role = "operator"
	// RoleAdmin may do everything.
	RoleAdmin Role = "admin"
)

// ParseRole validates a role name. Empty means admin so seeded accounts
// keep full access.
func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case "", RoleAdmin:
		return RoleAdmin, nil
	case RoleOperator:
		return RoleOperator, nil
	case RoleViewer:
		return RoleViewer, nil
	}
	return "", fmt.Errorf("unknown role %q", raw)
}

// Allows reports whether r grants at least the access of need.
func (r Role) Allows(need Role) bool {
	return roleRank(r) >= roleRank(need)
}

func roleRank(r Role) int {
	switch r {
	case RoleAdmin, "":
		return 3
	case RoleOperator:
		return 2
	case RoleViewer:
		return 1
	}
	return 0
}

// User is one stored operator account.
type User struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"`
	TOTPSecret   string `json:"totp_secret"`
	Role         Role   `json:"role,omitempty"`
}

// Store keeps operator accounts in a JSON file. External edits are picked
// up on the next call.
type Store struct {
	path      string
	mu        sync.RWMutex
	users     map[string]User
	fileState fileState
	log       pslog.Logger
}

// NewStore loads the user file, creating it from seeds when missing.
func NewStore(path string, seeds []appconfig.SeedUser, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("user file path is required")
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	store := &Store{
		path:  path,
		users: make(map[string]User),
		log:   logger.With("user_file", path),
	}
	if err := store.seed(seeds); err != nil {
		return nil, err
	}
	if err := store.loadFromDisk(); err != nil {
		return nil, err
	}
	return store, nil
}

// Authenticate verifies password and TOTP and returns the account.
func (s *Store) Authenticate(username, password, totpCode string) (User, error) {
	user, err := s.lookup(username)
	if err != nil {
		return User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		s.log.Debug("auth password rejected", "user", username)
		return User{}, ErrInvalidCredentials
	}
	if !totp.Validate(strings.TrimSpace(totpCode), user.TOTPSecret) {
		s.log.Debug("auth totp rejected", "user", username)
		return User{}, ErrInvalidTOTP
	}
	return user, nil
}

// Lookup returns the current record of an account.
func (s *Store) Lookup(username string) (User, error) {
	return s.lookup(username)
}

func (s *Store) lookup(username string) (User, error) {
	if err := s.refreshIfNeeded(); err != nil {
		return User{}, err
	}
	normalized, err := validateUsername(username)
	if err != nil {
		return User{}, err
	}
	s.mu.RLock()
	user, ok := s.users[normalized]
	s.mu.RUnlock()
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

// Users returns the accounts sorted by name.
func (s *Store) Users() []User {
	if err := s.refreshIfNeeded(); err != nil {
		s.log.Warn("auth store refresh failed", "err", err)
	}
	s.mu.RLock()
	users := make([]User, 0, len(s.users))
	for _, user := range s.users {
		users = append(users, user)
	}
	s.mu.RUnlock()
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users
}

// AddUser inserts a new account.
func (s *Store) AddUser(user User) error {
	username, err := validateUsername(user.Username)
	if err != nil {
		return err
	}
	if user.PasswordHash == "" || user.TOTPSecret == "" {
		return errors.New("password hash and totp secret are required")
	}
	role, err := ParseRole(string(user.Role))
	if err != nil {
		return err
	}
	user.Username = username
	user.Role = role
	return s.mutate("auth user added", username, func(users map[string]User) error {
		if _, ok := users[username]; ok {
			return ErrUserExists
		}
		users[username] = user
		return nil
	})
}

// SetPassword hashes and stores a new password.
func (s *Store) SetPassword(username, password string) error {
	if strings.TrimSpace(password) == "" {
		return errors.New("password is required")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	return s.update("auth password updated", username, func(u *User) { u.PasswordHash = hash })
}

// SetTOTP replaces the TOTP secret.
func (s *Store) SetTOTP(username, secret string) error {
	if strings.TrimSpace(secret) == "" {
		return errors.New("totp secret is required")
	}
	return s.update("auth totp updated", username, func(u *User) { u.TOTPSecret = secret })
}

// SetRole changes an account's role.
func (s *Store) SetRole(username string, role Role) error {
	parsed, err := ParseRole(string(role))
	if err != nil {
		return err
	}
	return s.update("auth role updated", username, func(u *User) { u.Role = parsed })
}

// DeleteUser removes an account.
func (s *Store) DeleteUser(username string) error {
	normalized, err := validateUsername(username)
	if err != nil {
		return err
	}
	return s.mutate("auth user deleted", normalized, func(users map[string]User) error {
		if _, ok := users[normalized]; !ok {
			return ErrUserNotFound
		}
		delete(users, normalized)
		return nil
	})
}

func (s *Store) update(msg, username string, apply func(*User)) error {
	normalized, err := validateUsername(username)
	if err != nil {
		return err
	}
	return s.mutate(msg, normalized, func(users map[string]User) error {
		user, ok := users[normalized]
		if !ok {
			return ErrUserNotFound
		}
		apply(&user)
		users[normalized] = user
		return nil
	})
}

func (s *Store) mutate(msg, username string, apply func(map[string]User) error) error {
	if err := s.refreshIfNeeded(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[string]User, len(s.users))
	for k, v := range s.users {
		next[k] = v
	}
	if err := apply(next); err != nil {
		return err
	}
	if err := s.writeLocked(next); err != nil {
		s.log.Warn(msg+" failed", "user", username, "err", err)
		return err
	}
	s.users = next
	s.log.Info(msg, "user", username)
	return nil
}

// HashPassword returns a bcrypt hash of password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (s *Store) seed(seeds []appconfig.SeedUser) error {
	if _, err := os.Stat(s.path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	users := make(map[string]User, len(seeds))
	for _, seed := range seeds {
		name, err := validateUsername(seed.Username)
		if err != nil {
			return err
		}
		role, err := ParseRole(seed.Role)
		if err != nil {
			return fmt.Errorf("seed user %s: %w", name, err)
		}
		users[name] = User{
			Username:     name,
			PasswordHash: seed.PasswordHash,
			TOTPSecret:   seed.TOTPSecret,
			Role:         role,
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeLocked(users); err != nil {
		s.log.Warn("auth store init failed", "err", err)
		return err
	}
	s.log.Info("auth store initialized", "users", len(users))
	return nil
}

func validateUsername(username string) (string, error) {
	if err := schema.ValidateUserID(schema.UserID(username)); err != nil {
		return "", fmt.Errorf("invalid username %q", username)
	}
	return username, nil
}

func (s *Store) writeLocked(users map[string]User) error {
	list := make([]User, 0, len(users))
	for _, user := range users {
		list = append(list, user)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Username < list[j].Username })
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "users-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chmod(tmp.Name(), 0o600)
	}
	if err == nil {
		err = os.Rename(tmp.Name(), s.path)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if info, statErr := os.Stat(s.path); statErr == nil {
		s.fileState = fileStateFromInfo(info)
	}
	return nil
}

type fileState struct {
	modTime time.Time
	size    int64
	inode   uint64
}

func fileStateFromInfo(info os.FileInfo) fileState {
	state := fileState{modTime: info.ModTime(), size: info.Size()}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		state.inode = stat.Ino
	}
	return state
}

func (s *Store) refreshIfNeeded() error {
	info, err := os.Stat(s.path)
	if err != nil {
		s.log.Warn("auth store stat failed", "err", err)
		return err
	}
	s.mu.RLock()
	same := s.fileState == fileStateFromInfo(info)
	s.mu.RUnlock()
	if same {
		return nil
	}
	return s.loadFromDisk()
}

func (s *Store) loadFromDisk() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return err
	}
	var list []User
	if err := json.Unmarshal(data, &list); err != nil {
		s.log.Warn("auth store load failed", "err", err)
		return err
	}
	next := make(map[string]User, len(list))
	for _, user := range list {
		if _, err := validateUsername(user.Username); err != nil {
			return err
		}
		role, err := ParseRole(string(user.Role))
		if err != nil {
			return fmt.Errorf("user %s: %w", user.Username, err)
		}
		user.Role = role
		next[user.Username] = user
	}
	s.mu.Lock()
	s.users = next
	s.fileState = fileStateFromInfo(info)
	s.mu.Unlock()
	s.log.Debug("auth store load ok", "users", len(next))
	return nil
}

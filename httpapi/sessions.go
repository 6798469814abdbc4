package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/cdpreplay/internal/logx"
	"pkt.systems/cdpreplay/internal/persist"
	"pkt.systems/cdpreplay/schema"
)

const sessionsFileVersion = 2

// operatorSession is one login. Its context ends on logout, expiry or
// account removal, which also ends the streams opened under it.
type operatorSession struct {
	id      string
	user    schema.UserID
	expires time.Time
	ctx     context.Context
	cancel  context.CancelFunc
}

func (o operatorSession) expired(now time.Time) bool {
	return !now.Before(o.expires)
}

// sessionStore keys sessions by a digest of the cookie token, so the
// sessions file never holds a token that could be replayed.
type sessionStore struct {
	ttl  time.Duration
	path string

	mu       sync.Mutex
	parent   context.Context
	byDigest map[string]operatorSession
}

func newSessionStore(ttl time.Duration, path string) *sessionStore {
	s := &sessionStore{
		ttl:      ttl,
		path:     strings.TrimSpace(path),
		parent:   context.Background(),
		byDigest: make(map[string]operatorSession),
	}
	if err := s.restore(); err != nil {
		logx.Ctx(context.Background()).Warn("session store restore failed", "path", s.path, "err", err)
	}
	return s
}

func tokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func newToken(size int) string {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// start builds a session whose context derives from the current parent.
func (s *sessionStore) start(user schema.UserID, id string, expires time.Time) operatorSession {
	s.mu.Lock()
	parent := s.parent
	s.mu.Unlock()
	ctx, cancel := context.WithCancel(parent)
	return operatorSession{id: id, user: user, expires: expires, ctx: ctx, cancel: cancel}
}

// open logs user in and returns the cookie token.
func (s *sessionStore) open(user schema.UserID) (string, operatorSession) {
	token := newToken(32)
	sess := s.start(user, newToken(9), time.Now().Add(s.ttl))
	s.mu.Lock()
	s.byDigest[tokenDigest(token)] = sess
	s.mu.Unlock()
	s.save()
	logx.WithUser(context.Background(), user).Info("session opened", "http_session", sess.id, "expires", sess.expires.Format(time.RFC3339))
	return token, sess
}

// lookup returns the live session for token. Expired sessions are ended on
// sight.
func (s *sessionStore) lookup(token string) (operatorSession, bool) {
	if token == "" {
		return operatorSession{}, false
	}
	key := tokenDigest(token)
	s.mu.Lock()
	sess, ok := s.byDigest[key]
	if !ok || !sess.expired(time.Now()) {
		s.mu.Unlock()
		return sess, ok
	}
	delete(s.byDigest, key)
	s.mu.Unlock()
	sess.cancel()
	logx.WithUser(context.Background(), sess.user).Info("session ended", "http_session", sess.id, "reason", "expired")
	s.save()
	return operatorSession{}, false
}

// revoke ends the session behind token.
func (s *sessionStore) revoke(token string) {
	key := tokenDigest(token)
	s.drop("logout", func(digest string, _ operatorSession) bool { return digest == key })
}

// revokeUser ends every session of user and reports how many ended.
func (s *sessionStore) revokeUser(user schema.UserID) int {
	return s.drop("account removed", func(_ string, sess operatorSession) bool { return sess.user == user })
}

func (s *sessionStore) drop(reason string, match func(string, operatorSession) bool) int {
	var ended []operatorSession
	s.mu.Lock()
	for digest, sess := range s.byDigest {
		if match(digest, sess) {
			delete(s.byDigest, digest)
			ended = append(ended, sess)
		}
	}
	s.mu.Unlock()
	for _, sess := range ended {
		sess.cancel()
		logx.WithUser(context.Background(), sess.user).Info("session ended", "http_session", sess.id, "reason", reason)
	}
	if len(ended) > 0 {
		s.save()
	}
	return len(ended)
}

// rebase moves every session under ctx, so sessions end with the server.
func (s *sessionStore) rebase(ctx context.Context) {
	if ctx == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parent = ctx
	for digest, sess := range s.byDigest {
		sess.cancel()
		sess.ctx, sess.cancel = context.WithCancel(ctx)
		s.byDigest[digest] = sess
	}
}

type sessionsFile struct {
	Version  int             `json:"version"`
	Sessions []storedSession `json:"sessions"`
}

type storedSession struct {
	Digest  string        `json:"digest"`
	ID      string        `json:"id"`
	User    schema.UserID `json:"user"`
	Expires time.Time     `json:"expires"`
}

func (s *sessionStore) restore() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var file sessionsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	now := time.Now()
	live := make(map[string]operatorSession, len(file.Sessions))
	for _, rec := range file.Sessions {
		if rec.Digest == "" || rec.User == "" || !now.Before(rec.Expires) {
			continue
		}
		live[rec.Digest] = s.start(rec.User, rec.ID, rec.Expires)
	}
	s.mu.Lock()
	s.byDigest = live
	s.mu.Unlock()
	if len(live) != len(file.Sessions) || file.Version != sessionsFileVersion {
		s.save()
	}
	logx.Ctx(context.Background()).Info("session store restored", "sessions", len(live))
	return nil
}

func (s *sessionStore) save() {
	if s.path == "" {
		return
	}
	file := sessionsFile{Version: sessionsFileVersion}
	s.mu.Lock()
	for digest, sess := range s.byDigest {
		file.Sessions = append(file.Sessions, storedSession{Digest: digest, ID: sess.id, User: sess.user, Expires: sess.expires.UTC()})
	}
	s.mu.Unlock()
	sort.Slice(file.Sessions, func(i, j int) bool { return file.Sessions[i].Expires.Before(file.Sessions[j].Expires) })
	data, err := json.MarshalIndent(file, "", "  ")
	if err == nil {
		err = persist.WriteFileAtomic(s.path, data)
	}
	if err != nil {
		logx.Ctx(context.Background()).Warn("session store save failed", "path", s.path, "err", err)
	}
}

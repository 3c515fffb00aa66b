package auth

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	SessionDuration = 8 * time.Hour
	SessionCookie   = "shellgate_session"
	BcryptCost      = 12
)

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Principal is the operator identity a session token resolves to. It is a
// snapshot captured at login: a role change takes effect at the next login,
// while deleting the user revokes the sessions outright.
type Principal struct {
	UserID   uint
	Username string
	Role     string
}

type sessionEntry struct {
	principal Principal
	expiresAt time.Time
}

// SessionStore holds live web sessions in memory, keyed by token. Entries
// carry the principal so request handling never touches the user table.
// Expiry is sliding: every successful lookup pushes it out by the ttl, so an
// operator mid-session is not cut off at a fixed deadline.
type SessionStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string]sessionEntry
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		ttl:      SessionDuration,
		sessions: make(map[string]sessionEntry),
	}
}

func (s *SessionStore) Create(p Principal) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	token := hex.EncodeToString(b)
	s.mu.Lock()
	s.sessions[token] = sessionEntry{
		principal: p,
		expiresAt: time.Now().Add(s.ttl),
	}
	s.mu.Unlock()
	return token, nil
}

// Lookup resolves a token to its principal, sliding the expiry forward on a
// hit and dropping the entry on an expired one.
func (s *SessionStore) Lookup(token string) (Principal, bool) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[token]
	if !ok {
		return Principal{}, false
	}
	if now.After(entry.expiresAt) {
		delete(s.sessions, token)
		return Principal{}, false
	}
	entry.expiresAt = now.Add(s.ttl)
	s.sessions[token] = entry
	return entry.principal, true
}

func (s *SessionStore) Revoke(token string) {
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
}

// RevokeUser drops every session belonging to one user. Called when the
// account is deleted.
func (s *SessionStore) RevokeUser(userID uint) {
	s.mu.Lock()
	for token, entry := range s.sessions {
		if entry.principal.UserID == userID {
			delete(s.sessions, token)
		}
	}
	s.mu.Unlock()
}

// Sweep removes entries whose sliding window has lapsed; main runs it on a
// schedule so abandoned sessions do not accumulate.
func (s *SessionStore) Sweep() {
	now := time.Now()
	s.mu.Lock()
	for token, entry := range s.sessions {
		if now.After(entry.expiresAt) {
			delete(s.sessions, token)
		}
	}
	s.mu.Unlock()
}

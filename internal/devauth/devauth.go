// Package devauth provides the bundled, in-memory token verification
// pulsekit's rpc:init method falls back to when a server is wired without
// its own AuthFunc — enough to exercise the authentication handshake in
// development and in tests without requiring a real identity provider.
package devauth

import (
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// Credential is one bundled user: an identifier plus a bcrypt digest of
// its token.
type Credential struct {
	UserID       string
	TokenDigest  string
}

// Store holds a small in-memory set of token digests, checked with
// bcrypt.CompareHashAndPassword the same way auth.CheckPassword does for
// buffalo session logins.
type Store struct {
	mu    sync.RWMutex
	byID  map[string]string // userID -> token digest
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{byID: make(map[string]string)}
}

// Register stores the bcrypt digest of the caller-chosen token for
// userID, replacing any digest already on file. The plaintext token is not
// kept.
func (s *Store) Register(userID, token string) error {
	digest, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[userID] = string(digest)
	return nil
}

// Verify implements the rpc:init token check: given a userID and a
// presented token, it reports whether the token matches the digest on
// file. A missing userID or tampered token both fail closed.
func (s *Store) Verify(userID, token string) bool {
	s.mu.RLock()
	digest, ok := s.byID[userID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(token)) == nil
}

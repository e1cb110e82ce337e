// Package authsvc is a lightweight stand-in for the external authentication
// service the relay treats as an out-of-scope collaborator: it only needs
// to expose verifyToken and getUser to the relay server. This
// implementation issues bearer tokens as chacha20poly1305-sealed envelopes
// over an Argon2id password store, plus a bcrypt-hashed recovery code for
// the operator password-reset path, in the shape the relay's own
// deployment tooling can drive without depending on a real login service.
package authsvc

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrUserExists is returned by Register when the username is taken.
	ErrUserExists = errors.New("authsvc: user already exists")
	// ErrInvalidCredentials is returned on a failed login.
	ErrInvalidCredentials = errors.New("authsvc: invalid username or password")
	// ErrNoRecoveryCode is returned when a recovery login is attempted
	// against an account that never had one set.
	ErrNoRecoveryCode = errors.New("authsvc: no recovery code set")
)

type account struct {
	userID       string
	passwordHash []byte
	salt         []byte
	recoveryHash []byte // bcrypt, nil until SetRecoveryCode is called
	enabled      bool
}

type tokenClaims struct {
	UserID  string `json:"u"`
	Expires int64  `json:"e"`
}

// Argon2id cost parameters.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// Service is the relay-facing auth service stand-in. It satisfies the two
// operations the relay requires of an external auth service:
// verifyToken(token) -> userId|null and getUser(userId) -> exists-bool.
type Service struct {
	mu            sync.RWMutex
	accounts      map[string]*account // keyed by username
	usersByID     map[string]string   // userID -> username, for getUser
	revoked       map[string]struct{} // sealed token -> revoked
	aead          cipher.AEAD
	tokenDuration time.Duration
}

// New creates an auth service with a fresh random token-sealing key and a
// 24-hour token lifetime.
func New() (*Service, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("authsvc: generate seal key: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("authsvc: init aead: %w", err)
	}
	return &Service{
		accounts:      make(map[string]*account),
		usersByID:     make(map[string]string),
		revoked:       make(map[string]struct{}),
		aead:          aead,
		tokenDuration: 24 * time.Hour,
	}, nil
}

// Register creates a new account. userID is the opaque identifier the
// issued tokens will resolve to; it need not equal username.
func (s *Service) Register(username, password, userID string) error {
	if username == "" || password == "" || userID == "" {
		return errors.New("authsvc: username, password and userID are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[username]; exists {
		return ErrUserExists
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("authsvc: generate salt: %w", err)
	}

	s.accounts[username] = &account{
		userID:       userID,
		passwordHash: hashPassword(password, salt),
		salt:         salt,
		enabled:      true,
	}
	s.usersByID[userID] = username
	return nil
}

// SetRecoveryCode stores a bcrypt-hashed backup credential for username,
// usable through LoginWithRecoveryCode if the primary password is lost.
// Unlike the Argon2id-hashed primary password, the recovery code is a
// short operator-distributed string, so bcrypt's built-in work factor
// (not a separately tuned salt/cost pair) is enough.
func (s *Service) SetRecoveryCode(username, code string) error {
	if code == "" {
		return errors.New("authsvc: recovery code must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, exists := s.accounts[username]
	if !exists {
		return ErrInvalidCredentials
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("authsvc: hash recovery code: %w", err)
	}
	acc.recoveryHash = hash
	return nil
}

// LoginWithRecoveryCode issues a bearer token from a backup credential
// instead of the primary password, for the operator password-reset flow.
func (s *Service) LoginWithRecoveryCode(username, code string) (string, error) {
	s.mu.RLock()
	acc, exists := s.accounts[username]
	s.mu.RUnlock()

	if !exists || !acc.enabled {
		return "", ErrInvalidCredentials
	}
	if acc.recoveryHash == nil {
		return "", ErrNoRecoveryCode
	}
	if err := bcrypt.CompareHashAndPassword(acc.recoveryHash, []byte(code)); err != nil {
		return "", ErrInvalidCredentials
	}
	return s.issueToken(acc.userID)
}

// Login verifies a username/password pair and issues a bearer token.
func (s *Service) Login(username, password string) (string, error) {
	s.mu.RLock()
	acc, exists := s.accounts[username]
	s.mu.RUnlock()

	if !exists || !acc.enabled {
		return "", ErrInvalidCredentials
	}

	computed := hashPassword(password, acc.salt)
	if subtle.ConstantTimeCompare(computed, acc.passwordHash) != 1 {
		return "", ErrInvalidCredentials
	}

	return s.issueToken(acc.userID)
}

// issueToken seals a {userID, expiry} envelope with chacha20poly1305 and
// returns it base64-encoded; the token is self-describing, so VerifyToken
// needs no server-side lookup table beyond the revocation set.
func (s *Service) issueToken(userID string) (string, error) {
	claims, err := json.Marshal(tokenClaims{
		UserID:  userID,
		Expires: time.Now().Add(s.tokenDuration).Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("authsvc: encode token claims: %w", err)
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("authsvc: generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, claims, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// VerifyToken resolves a bearer token to a userId, or reports that it is
// not valid. This is the external interface ConnectionAdmission calls on
// every `/ws/relay` upgrade.
func (s *Service) VerifyToken(token string) (userID string, ok bool) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", false
	}
	nonceSize := s.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", false
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", false
	}

	var claims tokenClaims
	if err := json.Unmarshal(plaintext, &claims); err != nil {
		return "", false
	}
	if time.Now().After(time.Unix(claims.Expires, 0)) {
		return "", false
	}

	s.mu.RLock()
	_, revoked := s.revoked[token]
	s.mu.RUnlock()
	if revoked {
		return "", false
	}
	return claims.UserID, true
}

// GetUser reports whether a userId resolved from VerifyToken still maps to
// a known, enabled account.
func (s *Service) GetUser(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	username, exists := s.usersByID[userID]
	if !exists {
		return false
	}
	acc, exists := s.accounts[username]
	return exists && acc.enabled
}

// Revoke invalidates a previously issued token before its natural expiry.
func (s *Service) Revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[token] = struct{}{}
}

func hashPassword(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

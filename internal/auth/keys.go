package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

const (
	keyAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	keyLength   = 40

	defaultKeyExpire = 30 * 24 * time.Hour
)

// Key is a stored credential record. Only the salted digest of the raw key
// is ever persisted; the raw key is returned to the caller exactly once.
type Key struct {
	Digest    string     `json:"-"`
	UserID    string     `json:"user_id"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the key is past its expiry at the given instant.
// A nil expiry never expires.
func (k Key) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// KeyStore persists key records. Lookups must exclude expired rows; expired
// keys are reaped lazily, not proactively.
type KeyStore interface {
	Insert(ctx context.Context, k Key) error
	FindValid(ctx context.Context, digest string, now time.Time) (Key, error)
	DeleteByDigest(ctx context.Context, digest string) error
}

// KeyService issues, resolves and revokes API authentication keys and
// answers permission queries for a presented key.
type KeyService struct {
	store  KeyStore
	users  UserDirectory
	secret []byte
	expire time.Duration
	now    func() time.Time
}

// KeyOption configures KeyService behavior.
type KeyOption func(*KeyService)

// WithKeyExpire overrides the default key lifetime.
func WithKeyExpire(d time.Duration) KeyOption {
	return func(s *KeyService) {
		if d > 0 {
			s.expire = d
		}
	}
}

// WithKeyClock overrides the time source (useful for tests).
func WithKeyClock(fn func() time.Time) KeyOption {
	return func(s *KeyService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewKeyService constructs a key service. The secret salts every digest and
// must be identical across all processes sharing the key store.
func NewKeyService(store KeyStore, users UserDirectory, secret string, opts ...KeyOption) (*KeyService, error) {
	if store == nil {
		return nil, errors.New("key store is required")
	}
	if users == nil {
		return nil, errors.New("user directory is required")
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("key secret is required")
	}
	svc := &KeyService{
		store:  store,
		users:  users,
		secret: []byte(secret),
		expire: defaultKeyExpire,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// HashKey returns the hex digest stored for (and looked up by) a raw key.
func (s *KeyService) HashKey(raw string) string {
	h := sha256.New()
	h.Write(s.secret)
	h.Write([]byte(raw))
	return hex.EncodeToString(h.Sum(nil))
}

// Issue generates a fresh key for the user and stores its digest. The raw
// key is returned once and is not retrievable afterwards. A nil expiry
// defaults to now + the configured lifetime; to issue a never-expiring key
// pass an explicit far-future time via the store directly.
func (s *KeyService) Issue(ctx context.Context, userID string, expiresAt *time.Time) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	raw, err := randomKey(keyLength)
	if err != nil {
		return "", err
	}
	now := s.now().UTC()
	if expiresAt == nil {
		t := now.Add(s.expire)
		expiresAt = &t
	}
	k := Key{
		Digest:    s.HashKey(raw),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}
	if err := s.store.Insert(ctx, k); err != nil {
		return "", err
	}
	return raw, nil
}

// Resolve maps a presented raw key to its owning user. Absent, malformed
// and expired keys are indistinguishable: all return ErrNotFound.
func (s *KeyService) Resolve(ctx context.Context, raw string) (User, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return User{}, ErrNotFound
	}
	k, err := s.store.FindValid(ctx, s.HashKey(raw), s.now().UTC())
	if err != nil {
		return User{}, ErrNotFound
	}
	user, err := s.users.GetUser(ctx, k.UserID)
	if err != nil {
		return User{}, ErrNotFound
	}
	return user, nil
}

// Revoke deletes the stored record for the presented key.
func (s *KeyService) Revoke(ctx context.Context, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ErrNotFound
	}
	return s.store.DeleteByDigest(ctx, s.HashKey(raw))
}

// Principal resolves a raw key to a principal with preloaded permissions.
func (s *KeyService) Principal(ctx context.Context, raw string) (Principal, error) {
	user, err := s.Resolve(ctx, raw)
	if err != nil {
		return Principal{}, err
	}
	perms, err := s.users.UserPermissions(ctx, user.ID)
	if err != nil {
		return Principal{}, err
	}
	return NewPrincipal(user, perms), nil
}

// HasPermission reports whether the key grants the permission. Every
// failure mode degrades to false: callers cannot distinguish a wrong key
// from an expired one or a storage fault.
func (s *KeyService) HasPermission(ctx context.Context, raw, perm string) bool {
	principal, err := s.Principal(ctx, raw)
	if err != nil {
		return false
	}
	return principal.HasPermission(perm)
}

// Login verifies the password for the named user and issues a key.
func (s *KeyService) Login(ctx context.Context, name, password string) (User, string, error) {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" || password == "" {
		return User{}, "", ErrUnauthorized
	}
	user, err := s.users.FindUserByName(ctx, name)
	if err != nil {
		return User{}, "", ErrUnauthorized
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return User{}, "", ErrUnauthorized
	}
	raw, err := s.Issue(ctx, user.ID, nil)
	if err != nil {
		return User{}, "", err
	}
	return user, raw, nil
}

func randomKey(length int) (string, error) {
	max := big.NewInt(int64(len(keyAlphabet)))
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate key: %w", err)
		}
		out[i] = keyAlphabet[n.Int64()]
	}
	return string(out), nil
}

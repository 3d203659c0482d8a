package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestKeyService(t *testing.T, opts ...KeyOption) (*KeyService, *MemStore) {
	t.Helper()
	users := NewMemStore()
	svc, err := NewKeyService(NewMemKeyStore(), users, "test-secret", opts...)
	if err != nil {
		t.Fatalf("NewKeyService: %v", err)
	}
	return svc, users
}

func TestIssueAndResolveRoundTrip(t *testing.T) {
	svc, users := newTestKeyService(t)
	ctx := context.Background()

	u, err := users.CreateUser(ctx, "alice", "x", false)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	raw, err := svc.Issue(ctx, u.ID, nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if len(raw) < 30 {
		t.Fatalf("key too short: %d chars", len(raw))
	}

	got, err := svc.Resolve(ctx, raw)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.ID != u.ID {
		t.Fatalf("resolved wrong user: %s != %s", got.ID, u.ID)
	}

	// A random string of the same length must not resolve.
	other, _ := randomKey(len(raw))
	if _, err := svc.Resolve(ctx, other); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown key, got %v", err)
	}
}

func TestKeyExpiryMonotonic(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	svc, users := newTestKeyService(t, WithKeyClock(func() time.Time { return *clock }))
	ctx := context.Background()

	u, _ := users.CreateUser(ctx, "bob", "x", false)
	expires := now.Add(time.Hour)
	raw, err := svc.Issue(ctx, u.ID, &expires)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	// Any check before the expiry instant succeeds.
	later := now.Add(59 * time.Minute)
	clock = &later
	if _, err := svc.Resolve(ctx, raw); err != nil {
		t.Fatalf("Resolve before expiry: %v", err)
	}

	// At and after the expiry instant the key is gone.
	at := expires
	clock = &at
	if _, err := svc.Resolve(ctx, raw); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound at expiry, got %v", err)
	}
}

func TestIssueDefaultsExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemKeyStore()
	users := NewMemStore()
	svc, err := NewKeyService(store, users, "test-secret",
		WithKeyExpire(2*time.Hour),
		WithKeyClock(func() time.Time { return now }),
	)
	if err != nil {
		t.Fatalf("NewKeyService: %v", err)
	}
	ctx := context.Background()
	u, _ := users.CreateUser(ctx, "carol", "x", false)
	raw, err := svc.Issue(ctx, u.ID, nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	k, err := store.FindValid(ctx, svc.HashKey(raw), now)
	if err != nil {
		t.Fatalf("FindValid: %v", err)
	}
	if k.ExpiresAt == nil || !k.ExpiresAt.Equal(now.Add(2*time.Hour)) {
		t.Fatalf("unexpected expiry: %v", k.ExpiresAt)
	}
}

func TestRevoke(t *testing.T) {
	svc, users := newTestKeyService(t)
	ctx := context.Background()
	u, _ := users.CreateUser(ctx, "dave", "x", false)
	raw, _ := svc.Issue(ctx, u.ID, nil)

	if err := svc.Revoke(ctx, raw); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := svc.Resolve(ctx, raw); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after revoke, got %v", err)
	}
	if err := svc.Revoke(ctx, raw); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double revoke, got %v", err)
	}
}

func TestHasPermissionNeverErrors(t *testing.T) {
	svc, users := newTestKeyService(t)
	ctx := context.Background()

	if svc.HasPermission(ctx, "", "tickets.read") {
		t.Fatal("empty key must not grant permissions")
	}
	if svc.HasPermission(ctx, "garbage", "tickets.read") {
		t.Fatal("unknown key must not grant permissions")
	}

	u, _ := users.CreateUser(ctx, "erin", "x", false)
	raw, _ := svc.Issue(ctx, u.ID, nil)
	if svc.HasPermission(ctx, raw, "tickets.read") {
		t.Fatal("user without grants must be denied")
	}
	if err := users.GrantUserPermission(ctx, u.ID, "tickets.read"); err != nil {
		t.Fatalf("GrantUserPermission: %v", err)
	}
	if !svc.HasPermission(ctx, raw, "tickets.read") {
		t.Fatal("granted permission was denied")
	}
}

func TestLogin(t *testing.T) {
	svc, users := newTestKeyService(t)
	ctx := context.Background()

	hash, err := HashPassword("hunter22")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	u, err := users.CreateUser(ctx, "frank", hash, false)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	got, raw, err := svc.Login(ctx, "Frank", "hunter22")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if got.ID != u.ID || raw == "" {
		t.Fatalf("unexpected login result: %+v key=%q", got, raw)
	}

	if _, _, err := svc.Login(ctx, "frank", "wrong"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, _, err := svc.Login(ctx, "nobody", "hunter22"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for unknown user, got %v", err)
	}
}

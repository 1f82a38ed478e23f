package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/pgprobe/pgprobe/internal/config"
	"github.com/pgprobe/pgprobe/internal/model"
)

func newTestAuth(t *testing.T) (*Auth, *config.Store) {
	t.Helper()

	store, err := config.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewAuth(store, "test-secret", time.Hour, logger), store
}

func seedAdmin(t *testing.T, store *config.Store, email, password string) *model.Admin {
	t.Helper()
	admin := &model.Admin{
		Email:        email,
		PasswordHash: config.HashSecret(password),
		Name:         "Test Admin",
		IsActive:     true,
	}
	if err := store.CreateAdmin(context.Background(), admin); err != nil {
		t.Fatalf("CreateAdmin: %v", err)
	}
	return admin
}

func TestLoginAndValidateToken(t *testing.T) {
	auth, store := newTestAuth(t)
	seedAdmin(t, store, "ops@example.com", "hunter2")

	token, admin, err := auth.Login(context.Background(), "ops@example.com", "hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if admin.Email != "ops@example.com" {
		t.Errorf("admin email = %q", admin.Email)
	}

	claims, err := auth.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.Email != "ops@example.com" {
		t.Errorf("claims email = %q", claims.Email)
	}
	if claims.Issuer != "pgprobe" {
		t.Errorf("issuer = %q", claims.Issuer)
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	auth, store := newTestAuth(t)
	seedAdmin(t, store, "ops@example.com", "hunter2")

	if _, _, err := auth.Login(context.Background(), "ops@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("err = %v, want ErrInvalidCredentials", err)
	}
	if _, _, err := auth.Login(context.Background(), "nobody@example.com", "hunter2"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown email: err = %v, want ErrInvalidCredentials", err)
	}
}

func TestLoginRejectsInactiveAdmin(t *testing.T) {
	auth, store := newTestAuth(t)
	admin := &model.Admin{
		Email:        "old@example.com",
		PasswordHash: config.HashSecret("hunter2"),
		IsActive:     false,
	}
	if err := store.CreateAdmin(context.Background(), admin); err != nil {
		t.Fatal(err)
	}

	if _, _, err := auth.Login(context.Background(), "old@example.com", "hunter2"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestValidateTokenRejectsTampering(t *testing.T) {
	auth, store := newTestAuth(t)
	admin := seedAdmin(t, store, "ops@example.com", "hunter2")

	token, err := auth.IssueToken(admin)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	if _, err := auth.ValidateToken(token + "x"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("tampered token: err = %v, want ErrInvalidToken", err)
	}

	other := NewAuth(store, "other-secret", time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := other.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("wrong secret: err = %v, want ErrInvalidToken", err)
	}
}

func TestExpiredToken(t *testing.T) {
	auth, store := newTestAuth(t)
	admin := seedAdmin(t, store, "ops@example.com", "hunter2")

	short := NewAuth(store, "test-secret", -time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	token, err := short.IssueToken(admin)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := auth.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expired token: err = %v, want ErrInvalidToken", err)
	}
}

func TestGenerateAndValidateAPIKey(t *testing.T) {
	auth, _ := newTestAuth(t)
	ctx := context.Background()

	raw, key, err := auth.GenerateAPIKey(ctx, "ci", nil)
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}
	if !strings.HasPrefix(raw, "pgp_") {
		t.Errorf("raw key = %q, want pgp_ prefix", raw)
	}
	if !strings.HasPrefix(raw, key.KeyPrefix) {
		t.Errorf("stored prefix %q does not match raw key", key.KeyPrefix)
	}

	got, err := auth.ValidateAPIKey(ctx, raw)
	if err != nil {
		t.Fatalf("ValidateAPIKey: %v", err)
	}
	if got.ID != key.ID {
		t.Errorf("key ID = %d, want %d", got.ID, key.ID)
	}
}

func TestValidateAPIKeyRejections(t *testing.T) {
	auth, store := newTestAuth(t)
	ctx := context.Background()

	if _, err := auth.ValidateAPIKey(ctx, "pgp_unknown"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("unknown key: err = %v, want ErrInvalidAPIKey", err)
	}

	raw, key, err := auth.GenerateAPIKey(ctx, "revoked", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.RevokeAPIKey(ctx, key.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := auth.ValidateAPIKey(ctx, raw); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("revoked key: err = %v, want ErrInvalidAPIKey", err)
	}

	past := time.Now().Add(-time.Hour)
	raw, _, err = auth.GenerateAPIKey(ctx, "expired", &past)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := auth.ValidateAPIKey(ctx, raw); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("expired key: err = %v, want ErrInvalidAPIKey", err)
	}
}

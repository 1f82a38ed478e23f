// Package service holds business logic between the HTTP layer and the store.
package service

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pgprobe/pgprobe/internal/config"
	"github.com/pgprobe/pgprobe/internal/model"
)

var (
	// ErrInvalidCredentials is returned for a bad email/password pair.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidToken is returned for an expired or malformed session token.
	ErrInvalidToken = errors.New("invalid token")
	// ErrInvalidAPIKey is returned for an unknown, revoked, or expired key.
	ErrInvalidAPIKey = errors.New("invalid api key")
)

// keyPrefixLen is how many characters of a raw key are stored for display.
const keyPrefixLen = 12

// Claims is the JWT payload for admin sessions.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Auth authenticates admins (JWT sessions) and API keys.
type Auth struct {
	store     *config.Store
	jwtSecret []byte
	jwtExpiry time.Duration
	logger    *slog.Logger
}

// NewAuth creates an Auth service.
func NewAuth(store *config.Store, jwtSecret string, jwtExpiry time.Duration, logger *slog.Logger) *Auth {
	return &Auth{
		store:     store,
		jwtSecret: []byte(jwtSecret),
		jwtExpiry: jwtExpiry,
		logger:    logger,
	}
}

// Login verifies an admin's credentials and returns a signed session token.
func (a *Auth) Login(ctx context.Context, email, password string) (string, *model.Admin, error) {
	admin, err := a.store.GetAdminByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return "", nil, ErrInvalidCredentials
		}
		return "", nil, err
	}

	hash := config.HashSecret(password)
	if subtle.ConstantTimeCompare([]byte(hash), []byte(admin.PasswordHash)) != 1 {
		return "", nil, ErrInvalidCredentials
	}
	if !admin.IsActive {
		return "", nil, ErrInvalidCredentials
	}

	if err := a.store.UpdateAdminLastLogin(ctx, admin.ID); err != nil {
		a.logger.Warn("failed to record admin login", "email", email, "error", err)
	}

	token, err := a.IssueToken(admin)
	if err != nil {
		return "", nil, err
	}
	return token, admin, nil
}

// IssueToken signs a session JWT for the given admin.
func (a *Auth) IssueToken(admin *model.Admin) (string, error) {
	now := time.Now()
	claims := Claims{
		Email: admin.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(admin.ID, 10),
			Issuer:    "pgprobe",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.jwtExpiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and verifies a session JWT.
func (a *Auth) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.jwtSecret, nil
	}, jwt.WithIssuer("pgprobe"))
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// GenerateAPIKey creates a new API key and returns the raw key exactly once;
// only its hash is stored.
func (a *Auth) GenerateAPIKey(ctx context.Context, label string, expiresAt *time.Time) (string, *model.APIKey, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generate key material: %w", err)
	}
	raw := "pgp_" + hex.EncodeToString(buf)

	key := &model.APIKey{
		KeyHash:   config.HashSecret(raw),
		KeyPrefix: raw[:keyPrefixLen],
		Label:     label,
		IsActive:  true,
		ExpiresAt: expiresAt,
	}
	if err := a.store.CreateAPIKey(ctx, key); err != nil {
		return "", nil, err
	}
	return raw, key, nil
}

// ValidateAPIKey checks a raw key against the store and records its use.
func (a *Auth) ValidateAPIKey(ctx context.Context, raw string) (*model.APIKey, error) {
	key, err := a.store.GetAPIKeyByHash(ctx, config.HashSecret(raw))
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return nil, ErrInvalidAPIKey
		}
		return nil, err
	}

	if !key.IsActive {
		return nil, ErrInvalidAPIKey
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	if err := a.store.UpdateAPIKeyLastUsed(ctx, key.ID); err != nil {
		a.logger.Warn("failed to record api key use", "key_id", key.ID, "error", err)
	}
	return key, nil
}

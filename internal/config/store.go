package config

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/pgprobe/pgprobe/internal/model"
)

// Settings keys used for continuous-writes coordination. The store row is
// the single coordination point, so a restarted probe can tell whether a
// writer was running and resume it.
const (
	SettingWriterRunning = "writer.running"
	SettingLastWritten   = "writer.last_written"
	SettingInstanceID    = "instance_id"
	SettingLastObserved  = "heartbeat.last_observed"
)

// Store manages pgprobe's internal state backed by SQLite. It persists
// relations, admin accounts, API keys, and the writer coordination settings.
type Store struct {
	db *sqlx.DB
}

// NewStore creates a new config store. Pass empty string for in-memory.
func NewStore(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == "" {
		dsn = ":memory:?_journal_mode=WAL"
	} else {
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dsn = filepath.Join(dataDir, "pgprobe.db") + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open config database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate config database: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Relation CRUD
// ---------------------------------------------------------------------------

// CreateRelation inserts a new relation databag. The ID, CreatedAt, and
// UpdatedAt fields on rel are populated after a successful insert.
func (s *Store) CreateRelation(ctx context.Context, rel *model.Relation) error {
	now := time.Now().UTC()
	rel.CreatedAt = now
	rel.UpdatedAt = now

	const q = `INSERT INTO relations
		(name, alias, database_name, username, password, endpoints, read_only_endpoints, extra_user_roles,
		 created_at, updated_at)
		VALUES
		(:name, :alias, :database_name, :username, :password, :endpoints, :read_only_endpoints, :extra_user_roles,
		 :created_at, :updated_at)`

	result, err := s.db.NamedExecContext(ctx, q, rel)
	if err != nil {
		return fmt.Errorf("insert relation: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get relation id: %w", err)
	}
	rel.ID = id
	return nil
}

// GetRelationByName returns a relation by its unique endpoint name.
func (s *Store) GetRelationByName(ctx context.Context, name string) (*model.Relation, error) {
	var rel model.Relation
	if err := s.db.GetContext(ctx, &rel, "SELECT * FROM relations WHERE name = ?", name); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get relation by name: %w", err)
	}
	return &rel, nil
}

// ListRelations returns all stored relation databags.
func (s *Store) ListRelations(ctx context.Context) ([]model.Relation, error) {
	var rels []model.Relation
	if err := s.db.SelectContext(ctx, &rels, "SELECT * FROM relations ORDER BY name"); err != nil {
		return nil, fmt.Errorf("list relations: %w", err)
	}
	return rels, nil
}

// UpdateRelation updates an existing relation databag by name. The UpdatedAt
// field on rel is refreshed automatically.
func (s *Store) UpdateRelation(ctx context.Context, rel *model.Relation) error {
	rel.UpdatedAt = time.Now().UTC()

	const q = `UPDATE relations SET
		alias = :alias, database_name = :database_name, username = :username, password = :password,
		endpoints = :endpoints, read_only_endpoints = :read_only_endpoints,
		extra_user_roles = :extra_user_roles, updated_at = :updated_at
		WHERE name = :name`

	result, err := s.db.NamedExecContext(ctx, q, rel)
	if err != nil {
		return fmt.Errorf("update relation: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update relation rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRelation removes a relation databag by name (relation-broken).
func (s *Store) DeleteRelation(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM relations WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("delete relation: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete relation rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertRelation creates the relation if its name is unknown, otherwise
// updates it in place. Used when loading relations from the YAML config.
func (s *Store) UpsertRelation(ctx context.Context, rel *model.Relation) error {
	existing, err := s.GetRelationByName(ctx, rel.Name)
	if err == ErrNotFound {
		return s.CreateRelation(ctx, rel)
	}
	if err != nil {
		return err
	}
	rel.ID = existing.ID
	rel.CreatedAt = existing.CreatedAt
	return s.UpdateRelation(ctx, rel)
}

// ---------------------------------------------------------------------------
// Admin CRUD
// ---------------------------------------------------------------------------

// CreateAdmin inserts a new admin account. The ID, CreatedAt, and UpdatedAt
// fields are populated after a successful insert.
func (s *Store) CreateAdmin(ctx context.Context, admin *model.Admin) error {
	now := time.Now().UTC()
	admin.CreatedAt = now
	admin.UpdatedAt = now

	const q = `INSERT INTO admins
		(email, password_hash, name, is_active, created_at, updated_at)
		VALUES
		(:email, :password_hash, :name, :is_active, :created_at, :updated_at)`

	result, err := s.db.NamedExecContext(ctx, q, admin)
	if err != nil {
		return fmt.Errorf("insert admin: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get admin id: %w", err)
	}
	admin.ID = id
	return nil
}

// GetAdminByEmail returns an admin by email address.
func (s *Store) GetAdminByEmail(ctx context.Context, email string) (*model.Admin, error) {
	var admin model.Admin
	if err := s.db.GetContext(ctx, &admin, "SELECT * FROM admins WHERE email = ?", email); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get admin by email: %w", err)
	}
	return &admin, nil
}

// ListAdmins returns all admin accounts.
func (s *Store) ListAdmins(ctx context.Context) ([]model.Admin, error) {
	var admins []model.Admin
	if err := s.db.SelectContext(ctx, &admins, "SELECT * FROM admins ORDER BY email"); err != nil {
		return nil, fmt.Errorf("list admins: %w", err)
	}
	return admins, nil
}

// HasAnyAdmin reports whether at least one admin account exists. Used for
// first-run detection on serve.
func (s *Store) HasAnyAdmin(ctx context.Context) (bool, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM admins"); err != nil {
		return false, fmt.Errorf("count admins: %w", err)
	}
	return count > 0, nil
}

// UpdateAdminLastLogin sets the last_login_at timestamp for an admin.
func (s *Store) UpdateAdminLastLogin(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		"UPDATE admins SET last_login_at = ?, updated_at = ? WHERE id = ?", now, now, id)
	if err != nil {
		return fmt.Errorf("update admin last login: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update admin last login rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// API Key management
// ---------------------------------------------------------------------------

// CreateAPIKey inserts a new API key record. The key_hash must already be set
// (use HashSecret). The ID and CreatedAt fields are populated after insert.
func (s *Store) CreateAPIKey(ctx context.Context, key *model.APIKey) error {
	key.CreatedAt = time.Now().UTC()

	const q = `INSERT INTO api_keys
		(key_hash, key_prefix, label, is_active, expires_at, created_at)
		VALUES
		(:key_hash, :key_prefix, :label, :is_active, :expires_at, :created_at)`

	result, err := s.db.NamedExecContext(ctx, q, key)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get api key id: %w", err)
	}
	key.ID = id
	return nil
}

// GetAPIKeyByHash looks up an API key by its SHA-256 hash.
func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*model.APIKey, error) {
	var key model.APIKey
	if err := s.db.GetContext(ctx, &key, "SELECT * FROM api_keys WHERE key_hash = ?", hash); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get api key by hash: %w", err)
	}
	return &key, nil
}

// ListAPIKeys returns all API keys.
func (s *Store) ListAPIKeys(ctx context.Context) ([]model.APIKey, error) {
	var keys []model.APIKey
	if err := s.db.SelectContext(ctx, &keys, "SELECT * FROM api_keys ORDER BY created_at DESC"); err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return keys, nil
}

// RevokeAPIKey marks an API key as inactive by ID.
func (s *Store) RevokeAPIKey(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE api_keys SET is_active = 0 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke api key rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateAPIKeyLastUsed sets the last_used timestamp for an API key.
func (s *Store) UpdateAPIKeyLastUsed(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		"UPDATE api_keys SET last_used = ? WHERE id = ?", now, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update api key last used rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Settings
// ---------------------------------------------------------------------------

// GetSetting returns the value for a settings key, or ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	if err := s.db.GetContext(ctx, &value, "SELECT value FROM settings WHERE key = ?", key); err != nil {
		if err == sql.ErrNoRows {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

// SetSetting stores a settings key/value pair, replacing any existing value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value)
	if err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

// DeleteSetting removes a settings key. Deleting an absent key is a no-op.
func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM settings WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete setting: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Writer coordination
// ---------------------------------------------------------------------------

// SetWriterRunning records whether the continuous-writes loop is active.
func (s *Store) SetWriterRunning(ctx context.Context, running bool) error {
	v := "0"
	if running {
		v = "1"
	}
	return s.SetSetting(ctx, SettingWriterRunning, v)
}

// WriterRunning reports whether the store says a writer was active. A missing
// key means no writer has ever been started.
func (s *Store) WriterRunning(ctx context.Context) (bool, error) {
	v, err := s.GetSetting(ctx, SettingWriterRunning)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == "1", nil
}

// SetLastWritten persists the last value the writer committed.
func (s *Store) SetLastWritten(ctx context.Context, value int64) error {
	return s.SetSetting(ctx, SettingLastWritten, strconv.FormatInt(value, 10))
}

// LastWritten returns the last committed writer value, or -1 when unknown.
func (s *Store) LastWritten(ctx context.Context) (int64, error) {
	v, err := s.GetSetting(ctx, SettingLastWritten)
	if err == ErrNotFound {
		return -1, nil
	}
	if err != nil {
		return -1, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return -1, fmt.Errorf("parse last written value: %w", err)
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Utility
// ---------------------------------------------------------------------------

// HashSecret returns the hex-encoded SHA-256 hash of a raw API key or
// password string.
func HashSecret(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

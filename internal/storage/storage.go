// Package storage persists suppression counts, the whitelist and settings
// in a local SQLite database.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // CGO-free SQLite

	"github.com/Rorqualx/popguard-go/internal/types"
)

// Settings keys.
const (
	SettingEnabled = "guard.enabled"
)

// Store is the durable key-value layer. All methods are safe for
// concurrent use; every write is a single statement so concurrent callers
// never lose updates.
type Store struct {
	db     *sql.DB
	closed atomic.Bool
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	// WAL + busy timeout to avoid "database is locked"
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; SQLite serializes writes anyway and this keeps
	// in-memory databases on a single connection.
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	log.Debug().Str("path", path).Msg("Storage opened")
	return &Store{db: db}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS suppressions(
	  domain     TEXT    PRIMARY KEY,
	  count      INTEGER NOT NULL CHECK (count >= 0),
	  updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS whitelist(
	  domain   TEXT    PRIMARY KEY,
	  added_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS settings(
	  key   TEXT PRIMARY KEY,
	  value TEXT NOT NULL
	);
	`)
	if err != nil {
		return fmt.Errorf("failed to create database tables: %w", err)
	}
	return nil
}

// Close closes the database. Safe to call multiple times.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func (s *Store) check(op, key string) error {
	if s.closed.Load() {
		return types.NewStorageError(op, key, types.ErrStorageClosed)
	}
	return nil
}

// IncrementSuppression adds one to the domain's counter, creating it at 1,
// and returns the new value.
func (s *Store) IncrementSuppression(ctx context.Context, domain string) (int64, error) {
	if err := s.check("increment", domain); err != nil {
		return 0, err
	}
	var count int64
	err := s.db.QueryRowContext(ctx, `
	INSERT INTO suppressions(domain, count, updated_at) VALUES(?, 1, ?)
	ON CONFLICT(domain) DO UPDATE SET count = count + 1, updated_at = excluded.updated_at
	RETURNING count`, domain, time.Now().UnixMilli()).Scan(&count)
	if err != nil {
		return 0, types.NewStorageError("increment", domain, err)
	}
	return count, nil
}

// Suppressions returns the domain's counter, or 0 if it has none.
func (s *Store) Suppressions(ctx context.Context, domain string) (int64, error) {
	if err := s.check("read", domain); err != nil {
		return 0, err
	}
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT count FROM suppressions WHERE domain = ?`, domain).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, types.NewStorageError("read", domain, err)
	}
	return count, nil
}

// AddWhitelist inserts domain. It reports false if the domain was already present.
func (s *Store) AddWhitelist(ctx context.Context, domain string, at time.Time) (bool, error) {
	if err := s.check("whitelist.add", domain); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO whitelist(domain, added_at) VALUES(?, ?) ON CONFLICT(domain) DO NOTHING`,
		domain, at.UnixMilli())
	if err != nil {
		return false, types.NewStorageError("whitelist.add", domain, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, types.NewStorageError("whitelist.add", domain, err)
	}
	return n == 1, nil
}

// RemoveWhitelist deletes domain. It reports false if it was not present.
func (s *Store) RemoveWhitelist(ctx context.Context, domain string) (bool, error) {
	if err := s.check("whitelist.remove", domain); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM whitelist WHERE domain = ?`, domain)
	if err != nil {
		return false, types.NewStorageError("whitelist.remove", domain, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, types.NewStorageError("whitelist.remove", domain, err)
	}
	return n == 1, nil
}

// Whitelisted reports whether domain is in the whitelist.
func (s *Store) Whitelisted(ctx context.Context, domain string) (bool, error) {
	if err := s.check("whitelist.contains", domain); err != nil {
		return false, err
	}
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM whitelist WHERE domain = ?`, domain).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, types.NewStorageError("whitelist.contains", domain, err)
	}
	return true, nil
}

// Whitelist returns all entries ordered by domain.
func (s *Store) Whitelist(ctx context.Context) ([]types.WhitelistEntry, error) {
	if err := s.check("whitelist.list", ""); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT domain, added_at FROM whitelist ORDER BY domain`)
	if err != nil {
		return nil, types.NewStorageError("whitelist.list", "", err)
	}
	defer rows.Close()

	entries := make([]types.WhitelistEntry, 0)
	for rows.Next() {
		var e types.WhitelistEntry
		var addedAt int64
		if err := rows.Scan(&e.Domain, &addedAt); err != nil {
			return nil, types.NewStorageError("whitelist.list", "", err)
		}
		e.AddedAt = time.UnixMilli(addedAt).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewStorageError("whitelist.list", "", err)
	}
	return entries, nil
}

// Setting returns the stored value for key and whether it was set.
func (s *Store) Setting(ctx context.Context, key string) (string, bool, error) {
	if err := s.check("settings.get", key); err != nil {
		return "", false, err
	}
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, types.NewStorageError("settings.get", key, err)
	}
	return value, true, nil
}

// SetSetting stores value under key.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	if err := s.check("settings.set", key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(key, value) VALUES(?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return types.NewStorageError("settings.set", key, err)
	}
	return nil
}

// Enabled returns the persisted guard preference. A fresh database is disabled.
func (s *Store) Enabled(ctx context.Context) (bool, error) {
	v, ok, err := s.Setting(ctx, SettingEnabled)
	if err != nil || !ok {
		return false, err
	}
	return v == "true", nil
}

// SetEnabled persists the guard preference.
func (s *Store) SetEnabled(ctx context.Context, enabled bool) error {
	v := "false"
	if enabled {
		v = "true"
	}
	return s.SetSetting(ctx, SettingEnabled, v)
}

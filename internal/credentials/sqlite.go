package credentials

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const settingsSchema = `CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`

// SQLiteStore keeps credentials as rows of a key/value table.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and if needed creates) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("creating directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	// A single connection keeps ":memory:" databases alive and serializes writes.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, settingsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating settings table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Load(ctx context.Context) (Credentials, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM settings WHERE key IN (?, ?, ?)`,
		KeyFromNumber, KeyAccountSID, KeyAuthToken)
	if err != nil {
		return Credentials{}, fmt.Errorf("loading settings: %w", err)
	}
	defer rows.Close()

	var c Credentials
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return Credentials{}, fmt.Errorf("scanning setting: %w", err)
		}
		switch key {
		case KeyFromNumber:
			c.FromNumber = value
		case KeyAccountSID:
			c.AccountSID = value
		case KeyAuthToken:
			c.AuthToken = value
		}
	}
	return c, rows.Err()
}

func (s *SQLiteStore) Save(ctx context.Context, c Credentials) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for key, value := range map[string]string{
		KeyFromNumber: c.FromNumber,
		KeyAccountSID: c.AccountSID,
		KeyAuthToken:  c.AuthToken,
	} {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO settings (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			key, value); err != nil {
			return fmt.Errorf("saving %s: %w", key, err)
		}
	}
	return tx.Commit()
}

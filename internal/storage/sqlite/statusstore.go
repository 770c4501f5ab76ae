// Package sqlite provides a StatusStore backed by a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tinywideclouds/go-pushlink-service/pkg/registration"
)

const defaultBusyTimeout = 5 * time.Second

const schema = `
CREATE TABLE IF NOT EXISTS pushlink_settings (
    device_key TEXT NOT NULL,
    key        TEXT NOT NULL,
    value      TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (device_key, key)
)`

// StatusStore keeps one row per setting, scoped by device key.
type StatusStore struct {
	db        *sql.DB
	deviceKey string
}

// Open opens (or creates) the database at path and applies the schema.
func Open(ctx context.Context, path, deviceKey string) (*StatusStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open store: %w", err)
	}
	// A single connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", int(defaultBusyTimeout.Milliseconds())),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: apply pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}

	return &StatusStore{db: db, deviceKey: deviceKey}, nil
}

// Close releases the database handle.
func (s *StatusStore) Close() error {
	return s.db.Close()
}

// Read implements registration.StatusStore.
func (s *StatusStore) Read(ctx context.Context) (registration.Settings, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM pushlink_settings WHERE device_key = ?`, s.deviceKey)
	if err != nil {
		return registration.Settings{}, fmt.Errorf("sqlite: load settings: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return registration.Settings{}, fmt.Errorf("sqlite: scan settings row: %w", err)
		}
		values[key] = value
	}
	if err := rows.Err(); err != nil {
		return registration.Settings{}, fmt.Errorf("sqlite: iterate settings rows: %w", err)
	}

	return registration.SettingsFromValues(values)
}

// Write implements registration.StatusStore. All keys of the delta are
// upserted in one transaction.
func (s *StatusStore) Write(ctx context.Context, delta registration.Delta) error {
	values := delta.Values()
	if len(values) == 0 {
		return nil
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
            INSERT INTO pushlink_settings (device_key, key, value, updated_at)
            VALUES (?, ?, ?, CURRENT_TIMESTAMP)
            ON CONFLICT(device_key, key) DO UPDATE SET
                value = excluded.value,
                updated_at = CURRENT_TIMESTAMP
        `)
		if err != nil {
			return fmt.Errorf("sqlite: prepare save settings: %w", err)
		}
		defer stmt.Close()

		for key, value := range values {
			if _, err := stmt.ExecContext(ctx, s.deviceKey, key, value); err != nil {
				return fmt.Errorf("sqlite: exec save setting %q: %w", key, err)
			}
		}
		return nil
	})
}

func (s *StatusStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("sqlite: rollback failed after %v: %w", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}

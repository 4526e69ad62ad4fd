package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	db         *sql.DB
	passphrase string
}

// New opens ircotr.db in dataDir, creating it if needed.
func New(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return Open(filepath.Join(dataDir, "ircotr.db"))
}

// Open opens the database at path.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &DB{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// SetPassphrase enables sealing of private keys written from now on, and
// is needed to read keys that were sealed.
func (d *DB) SetPassphrase(passphrase string) {
	d.passphrase = passphrase
}

func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS otr_private_keys (
			account TEXT PRIMARY KEY,
			key_data BLOB NOT NULL,
			sealed INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS otr_fingerprints (
			account TEXT NOT NULL,
			peer TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			verified INTEGER NOT NULL DEFAULT 0,
			first_seen INTEGER NOT NULL,
			last_seen INTEGER NOT NULL,
			PRIMARY KEY (account, peer, fingerprint)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_otr_fingerprints_account ON otr_fingerprints(account)`,

		`CREATE TABLE IF NOT EXISTS otr_peer_policy (
			account TEXT NOT NULL,
			peer TEXT NOT NULL,
			policy TEXT NOT NULL,
			PRIMARY KEY (account, peer)
		)`,

		`CREATE TABLE IF NOT EXISTS app_state (
			key TEXT PRIMARY KEY,
			value TEXT
		)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	// Databases created before sealing was supported lack the column.
	if _, err := d.db.Exec(`ALTER TABLE otr_private_keys ADD COLUMN sealed INTEGER NOT NULL DEFAULT 0`); err != nil {
		if !strings.Contains(strings.ToLower(err.Error()), "duplicate column name") {
			return fmt.Errorf("failed to ensure sealed column: %w", err)
		}
	}

	return nil
}

func (d *DB) SetAppState(key, value string) error {
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO app_state (key, value)
		VALUES (?, ?)
	`, key, value)
	return err
}

// GetAppState returns "" when key is unset.
func (d *DB) GetAppState(key string) (string, error) {
	var value sql.NullString
	err := d.db.QueryRow("SELECT value FROM app_state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value.String, err
}

func (d *DB) DeleteAppState(key string) error {
	_, err := d.db.Exec("DELETE FROM app_state WHERE key = ?", key)
	return err
}

func (d *DB) Vacuum() error {
	_, err := d.db.Exec("VACUUM")
	return err
}

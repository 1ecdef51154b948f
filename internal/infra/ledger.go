package infra

import (
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/eliteGoblin/focusd/buddy/internal/domain"
)

// Ensure sqlcipher driver is registered.
var _ = sqlcipher.ErrBusy

const (
	ledgerDBName  = "children.db"
	ledgerKeyName = "ledger.key"
	ledgerKeySize = 32 // 256-bit SQLCipher key
)

// EncryptedLedger implements domain.Ledger on a SQLCipher database.
// One row per (owner, role); a respawn replaces the owner's previous row.
type EncryptedLedger struct {
	db     *sql.DB
	dbPath string
}

// NewEncryptedLedger opens (or creates) the ledger in dataDir.
func NewEncryptedLedger(dataDir string, key []byte) (*EncryptedLedger, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, ledgerDBName)
	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, hex.EncodeToString(key))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	// A wrong key only surfaces on first access.
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to ledger: %w", err)
	}

	l := &EncryptedLedger{db: db, dbPath: dbPath}
	if err := l.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return l, nil
}

// OpenLedger opens the ledger in dataDir, creating its key on first use.
func OpenLedger(dataDir string) (*EncryptedLedger, error) {
	key, err := ledgerKey(dataDir)
	if err != nil {
		return nil, err
	}
	return NewEncryptedLedger(dataDir, key)
}

// ledgerKey loads the base64 key file from dataDir. When none exists a
// random key is written to a temp file and linked into place, so runs
// starting together agree on one key and never see a partial file.
func ledgerKey(dataDir string) ([]byte, error) {
	path := filepath.Join(dataDir, ledgerKeyName)
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		key, err := publishKey(dataDir, path)
		if err == nil {
			return key, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, err
		}
	}

	encoded, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	key, err := base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to decode key: %w", err)
	}
	if len(key) != ledgerKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(key), ledgerKeySize)
	}
	return key, nil
}

// publishKey generates a key and links it to path. It returns an error
// matching fs.ErrExist when another run got there first.
func publishKey(dataDir, path string) ([]byte, error) {
	key := make([]byte, ledgerKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}

	tmp, err := os.CreateTemp(dataDir, ledgerKeyName+".*")
	if err != nil {
		return nil, fmt.Errorf("failed to create key file: %w", err)
	}
	defer os.Remove(tmp.Name())

	_, werr := tmp.WriteString(base64.StdEncoding.EncodeToString(key))
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return nil, fmt.Errorf("failed to write key file: %w", werr)
	}
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	if err := os.Link(tmp.Name(), path); err != nil {
		return nil, err
	}
	return key, nil
}

func (l *EncryptedLedger) createTables() error {
	_, err := l.db.Exec(`
	CREATE TABLE IF NOT EXISTS children (
		owner_pid INTEGER NOT NULL,
		owner_started INTEGER NOT NULL,
		role TEXT NOT NULL,
		pid INTEGER NOT NULL,
		command TEXT NOT NULL,
		run_id TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		PRIMARY KEY (owner_pid, role)
	);`)
	return err
}

// Record stores a child under its owner and role.
func (l *EncryptedLedger) Record(e domain.LedgerEntry) error {
	_, err := l.db.Exec(`
		INSERT OR REPLACE INTO children (owner_pid, owner_started, role, pid, command, run_id, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.OwnerPID, e.OwnerStarted, string(e.Role), e.PID, e.Command, e.RunID, e.StartedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("record %s: %w", e.Role, err)
	}
	return nil
}

// Forget removes an owner's entry for a role. Missing entries are ignored.
func (l *EncryptedLedger) Forget(ownerPID int, role domain.Role) error {
	_, err := l.db.Exec(`DELETE FROM children WHERE owner_pid = ? AND role = ?`, ownerPID, string(role))
	return err
}

// Entries returns all entries ordered by owner and role.
func (l *EncryptedLedger) Entries() ([]domain.LedgerEntry, error) {
	rows, err := l.db.Query(`
		SELECT owner_pid, owner_started, role, pid, command, run_id, started_at
		FROM children ORDER BY owner_pid, role`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.LedgerEntry
	for rows.Next() {
		var (
			role    string
			e       domain.LedgerEntry
			started int64
		)
		if err := rows.Scan(&e.OwnerPID, &e.OwnerStarted, &role, &e.PID, &e.Command, &e.RunID, &started); err != nil {
			return nil, err
		}
		e.Role = domain.Role(role)
		e.StartedAt = time.Unix(started, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Path returns the database file path.
func (l *EncryptedLedger) Path() string {
	return l.dbPath
}

// Close releases the database connection.
func (l *EncryptedLedger) Close() error {
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}

// Ensure EncryptedLedger implements domain.Ledger.
var _ domain.Ledger = (*EncryptedLedger)(nil)

// Package storage provides the local SQLite state store.
//
// Everything here stays on the device: PIN records, lockout state, the
// stealth flag, and the offline send queue spill. None of it is ever
// synced to the remote platform.
package storage

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/opd-ai/veilchat/vault"
)

// Store is a SQLite-backed implementation of the local state store.
type Store struct {
	db   *sql.DB
	path string

	mu sync.Mutex
}

// Open opens (creating if needed) the local state database at path. Use
// ":memory:" for an ephemeral store in tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Open",
		"path":     path,
	}).Debug("Local state store opened")

	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pin_records (
		slot       TEXT PRIMARY KEY,
		salt       BLOB NOT NULL,
		hash       BLOB NOT NULL,
		iterations INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS lockout (
		id              INTEGER PRIMARY KEY CHECK (id = 1),
		failed_attempts INTEGER NOT NULL,
		locked_until    INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS flags (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS outbox (
		id         TEXT PRIMARY KEY,
		chat_id    TEXT NOT NULL,
		payload    BLOB NOT NULL,
		attempts   INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SavePinRecord stores or replaces the record in the given slot.
func (s *Store) SavePinRecord(slot string, rec *vault.PinRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO pin_records (slot, salt, hash, iterations) VALUES (?, ?, ?, ?)
		 ON CONFLICT(slot) DO UPDATE SET salt=excluded.salt, hash=excluded.hash, iterations=excluded.iterations`,
		slot, rec.Salt, rec.Hash, rec.Iterations,
	)
	if err != nil {
		return fmt.Errorf("failed to save pin record: %w", err)
	}
	return nil
}

// LoadPinRecord returns the record in the given slot, or (nil, nil) when
// the slot is empty.
func (s *Store) LoadPinRecord(slot string) (*vault.PinRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := &vault.PinRecord{}
	err := s.db.QueryRow(
		`SELECT salt, hash, iterations FROM pin_records WHERE slot = ?`, slot,
	).Scan(&rec.Salt, &rec.Hash, &rec.Iterations)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pin record: %w", err)
	}
	return rec, nil
}

// SaveLockout persists the lockout state.
func (s *Store) SaveLockout(ls vault.LockoutState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var until int64
	if !ls.LockedUntil.IsZero() {
		until = ls.LockedUntil.UnixMilli()
	}
	_, err := s.db.Exec(
		`INSERT INTO lockout (id, failed_attempts, locked_until) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET failed_attempts=excluded.failed_attempts, locked_until=excluded.locked_until`,
		ls.FailedAttempts, until,
	)
	if err != nil {
		return fmt.Errorf("failed to save lockout state: %w", err)
	}
	return nil
}

// LoadLockout returns the persisted lockout state, zero-valued when none
// has been saved yet.
func (s *Store) LoadLockout() (vault.LockoutState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ls vault.LockoutState
	var until int64
	err := s.db.QueryRow(`SELECT failed_attempts, locked_until FROM lockout WHERE id = 1`).
		Scan(&ls.FailedAttempts, &until)
	if err == sql.ErrNoRows {
		return vault.LockoutState{}, nil
	}
	if err != nil {
		return vault.LockoutState{}, fmt.Errorf("failed to load lockout state: %w", err)
	}
	if until > 0 {
		ls.LockedUntil = time.UnixMilli(until)
	}
	return ls, nil
}

// DeletePinRecords removes all PIN records and lockout state.
func (s *Store) DeletePinRecords() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM pin_records`); err != nil {
		return fmt.Errorf("failed to delete pin records: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM lockout`); err != nil {
		return fmt.Errorf("failed to delete lockout state: %w", err)
	}
	return nil
}

// SetFlag stores a named string flag.
func (s *Store) SetFlag(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO flags (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("failed to set flag %q: %w", key, err)
	}
	return nil
}

// GetFlag returns a named flag, or the empty string when unset.
func (s *Store) GetFlag(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var value string
	err := s.db.QueryRow(`SELECT value FROM flags WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get flag %q: %w", key, err)
	}
	return value, nil
}

// OutboxItem is a queued outgoing send that survives a restart. The
// payload is the serialized request body; for encrypted chats it contains
// ciphertext only.
type OutboxItem struct {
	ID        string
	ChatID    string
	Payload   []byte
	Attempts  int
	CreatedAt time.Time
}

// EnqueueOutbox appends an item to the persisted send queue.
func (s *Store) EnqueueOutbox(item OutboxItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO outbox (id, chat_id, payload, attempts, created_at) VALUES (?, ?, ?, ?, ?)`,
		item.ID, item.ChatID, item.Payload, item.Attempts, item.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox item: %w", err)
	}
	return nil
}

// LoadOutbox returns all queued items in creation order.
func (s *Store) LoadOutbox() ([]OutboxItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT id, chat_id, payload, attempts, created_at FROM outbox ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to load outbox: %w", err)
	}
	defer rows.Close()

	var items []OutboxItem
	for rows.Next() {
		var item OutboxItem
		var created int64
		if err := rows.Scan(&item.ID, &item.ChatID, &item.Payload, &item.Attempts, &created); err != nil {
			return nil, fmt.Errorf("failed to scan outbox item: %w", err)
		}
		item.CreatedAt = time.UnixMilli(created)
		items = append(items, item)
	}
	return items, rows.Err()
}

// UpdateOutboxAttempts records a delivery attempt against a queued item.
func (s *Store) UpdateOutboxAttempts(id string, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE outbox SET attempts = ? WHERE id = ?`, attempts, id)
	if err != nil {
		return fmt.Errorf("failed to update outbox attempts: %w", err)
	}
	return nil
}

// DeleteOutbox removes a queued item after delivery or permanent failure.
func (s *Store) DeleteOutbox(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM outbox WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete outbox item: %w", err)
	}
	return nil
}

// Wipe removes every row from every table. Used when the vault is reset
// through the external sign-in fallback.
func (s *Store) Wipe() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"pin_records", "lockout", "flags", "outbox"} {
		if _, err := s.db.Exec(`DELETE FROM ` + table); err != nil {
			return fmt.Errorf("failed to wipe table %s: %w", table, err)
		}
	}
	logrus.WithField("function", "Wipe").Warn("Local state store wiped")
	return nil
}

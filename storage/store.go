package storage

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"github.com/oklog/ulid/v2"
)

// --- Monotonic ULID Generator ---

var (
	ulidGenerator = struct {
		sync.Mutex
		*ulid.MonotonicEntropy
	}{
		MonotonicEntropy: ulid.Monotonic(rand.Reader, 0),
	}
)

// NewULID generates a new, monotonic ULID in a thread-safe manner.
func NewULID() ulid.ULID {
	ulidGenerator.Lock()
	defer ulidGenerator.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), &ulidGenerator)
	if err != nil {
		return ulid.MustNew(ulid.Timestamp(time.Now()), nil)
	}
	return id
}

// Store is the durable tier: a single keyed store with two namespaces, the
// result cache and the pending-write journal.
type Store interface {
	// GetEntry returns the persisted entry for key. A row that fails to
	// parse is dropped and logged; the lookup reports a miss.
	GetEntry(key string) (CacheEntry, bool, error)
	// PutEntries upserts a batch of entries in one transaction.
	PutEntries(entries map[string]CacheEntry) error
	// ClearEntries drops the whole result-cache namespace.
	ClearEntries() error

	// MergePendingWrites merges journal rows in one transaction,
	// deduplicating against rows already present.
	MergePendingWrites(hints map[string]PendingWrite) error
	// PendingWrites returns up to limit journal rows in request order.
	PendingWrites(limit int) ([]PendingWrite, error)
	// ClearPendingWrites drops the journal namespace.
	ClearPendingWrites() error

	// Lifecycle
	Sync() error
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	pool *sqlitex.Pool
}

// NewSQLiteStore opens (or creates) the database at path and initializes the
// schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	// Open connection pool with 10 connections
	// URI format enables WAL mode and other pragmas
	uri := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	pool, err := sqlitex.Open(uri, 0, 10)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite pool: %w", err)
	}

	slog.Info("sqlite opened", slog.String("path", path))

	store := &SQLiteStore{pool: pool}

	if err := store.initSchema(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database tables if they don't exist.
func (s *SQLiteStore) initSchema() error {
	conn := s.pool.Get(nil)
	if conn == nil {
		return fmt.Errorf("failed to get connection from pool")
	}
	defer s.pool.Put(conn)

	err := sqlitex.ExecScript(conn, `
		CREATE TABLE IF NOT EXISTS result_cache (
			canonical_key TEXT PRIMARY KEY,
			value REAL NOT NULL,
			inserted_at_unix INTEGER NOT NULL,
			expires_at_unix INTEGER NOT NULL,
			kind TEXT NOT NULL
		) WITHOUT ROWID;

		CREATE TABLE IF NOT EXISTS pending_write_queue (
			canonical_key TEXT PRIMARY KEY,
			id_ulid BLOB NOT NULL,
			requested_at_unix INTEGER NOT NULL
		) WITHOUT ROWID;

		CREATE INDEX IF NOT EXISTS idx_pending_write_queue_ulid ON pending_write_queue(id_ulid);
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// Close safely closes the SQLite connection pool.
func (s *SQLiteStore) Close() error {
	slog.Info("closing sqlite")
	return s.pool.Close()
}

// Sync is a no-op for SQLite WAL mode - writes are already durable.
func (s *SQLiteStore) Sync() error {
	slog.Info("sqlite sync (no-op in WAL mode)")
	return nil
}

// GetEntry returns the persisted cache entry for key.
func (s *SQLiteStore) GetEntry(key string) (CacheEntry, bool, error) {
	conn := s.pool.Get(nil)
	if conn == nil {
		return CacheEntry{}, false, fmt.Errorf("failed to get connection from pool")
	}
	defer s.pool.Put(conn)

	stmt := conn.Prep(`SELECT value, inserted_at_unix, expires_at_unix, kind FROM result_cache WHERE canonical_key = ?`)
	defer stmt.Reset()
	stmt.BindText(1, key)

	hasRow, err := stmt.Step()
	if err != nil {
		return CacheEntry{}, false, fmt.Errorf("failed to get entry: %w", err)
	}
	if !hasRow {
		return CacheEntry{}, false, nil
	}

	entry := CacheEntry{
		Value:      stmt.ColumnFloat(0),
		InsertedAt: time.Unix(stmt.ColumnInt64(1), 0).UTC(),
		Kind:       EntryKind(stmt.ColumnText(3)),
	}
	if exp := stmt.ColumnInt64(2); exp > 0 {
		entry.ExpiresAt = time.Unix(exp, 0).UTC()
	}

	// A row with an unrecognized kind is corrupt: drop it, log, and report a
	// miss so processing continues on the memory tier and the backend.
	if !entry.Kind.valid() {
		slog.Warn("dropping corrupt persisted cache entry",
			slog.String("key", key),
			slog.String("kind", string(entry.Kind)))
		if err := s.deleteEntry(conn, key); err != nil {
			slog.Warn("failed to drop corrupt entry", slog.Any("error", err))
		}
		return CacheEntry{}, false, nil
	}

	return entry, true, nil
}

func (s *SQLiteStore) deleteEntry(conn *sqlite.Conn, key string) error {
	stmt := conn.Prep(`DELETE FROM result_cache WHERE canonical_key = ?`)
	defer stmt.Reset()
	stmt.BindText(1, key)

	_, err := stmt.Step()
	if err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}

	return nil
}

// PutEntries upserts a batch of entries in one transaction.
func (s *SQLiteStore) PutEntries(entries map[string]CacheEntry) error {
	if len(entries) == 0 {
		return nil
	}

	conn := s.pool.Get(nil)
	if conn == nil {
		return fmt.Errorf("failed to get connection from pool")
	}
	defer s.pool.Put(conn)

	var err error
	defer sqlitex.Save(conn)(&err)

	for key, entry := range entries {
		var expires int64
		if !entry.ExpiresAt.IsZero() {
			expires = entry.ExpiresAt.UTC().Unix()
		}

		stmt := conn.Prep(`
			INSERT INTO result_cache (canonical_key, value, inserted_at_unix, expires_at_unix, kind)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(canonical_key) DO UPDATE SET
				value = excluded.value,
				inserted_at_unix = excluded.inserted_at_unix,
				expires_at_unix = excluded.expires_at_unix,
				kind = excluded.kind
		`)
		stmt.BindText(1, key)
		stmt.BindFloat(2, entry.Value)
		stmt.BindInt64(3, entry.InsertedAt.UTC().Unix())
		stmt.BindInt64(4, expires)
		stmt.BindText(5, string(entry.Kind))

		_, err = stmt.Step()
		stmt.Reset()
		if err != nil {
			return fmt.Errorf("failed to upsert entry: %w", err)
		}
	}

	return nil
}

// ClearEntries drops the whole result-cache namespace.
func (s *SQLiteStore) ClearEntries() error {
	conn := s.pool.Get(nil)
	if conn == nil {
		return fmt.Errorf("failed to get connection from pool")
	}
	defer s.pool.Put(conn)

	stmt := conn.Prep(`DELETE FROM result_cache`)
	defer stmt.Reset()

	_, err := stmt.Step()
	if err != nil {
		return fmt.Errorf("failed to clear entries: %w", err)
	}

	return nil
}

// MergePendingWrites merges journal rows, keeping the earliest row for each
// key already present.
func (s *SQLiteStore) MergePendingWrites(hints map[string]PendingWrite) error {
	if len(hints) == 0 {
		return nil
	}

	conn := s.pool.Get(nil)
	if conn == nil {
		return fmt.Errorf("failed to get connection from pool")
	}
	defer s.pool.Put(conn)

	var err error
	defer sqlitex.Save(conn)(&err)

	for key, hint := range hints {
		stmt := conn.Prep(`INSERT OR IGNORE INTO pending_write_queue (canonical_key, id_ulid, requested_at_unix) VALUES (?, ?, ?)`)
		stmt.BindText(1, key)
		stmt.BindBytes(2, hint.ID[:])
		stmt.BindInt64(3, hint.RequestedAt.UTC().Unix())

		_, err = stmt.Step()
		stmt.Reset()
		if err != nil {
			return fmt.Errorf("failed to merge pending write: %w", err)
		}
	}

	return nil
}

// PendingWrites returns up to limit journal rows in request order.
func (s *SQLiteStore) PendingWrites(limit int) ([]PendingWrite, error) {
	conn := s.pool.Get(nil)
	if conn == nil {
		return nil, fmt.Errorf("failed to get connection from pool")
	}
	defer s.pool.Put(conn)

	stmt := conn.Prep(`SELECT canonical_key, id_ulid, requested_at_unix FROM pending_write_queue ORDER BY id_ulid LIMIT ?`)
	defer stmt.Reset()
	stmt.BindInt64(1, int64(limit))

	var rows []PendingWrite
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, fmt.Errorf("failed to read pending writes: %w", err)
		}
		if !hasRow {
			break
		}

		row := PendingWrite{
			Key:         stmt.ColumnText(0),
			RequestedAt: time.Unix(stmt.ColumnInt64(2), 0).UTC(),
		}

		idLen := stmt.ColumnLen(1)
		if idLen != len(row.ID) {
			// Corrupt journal rows are dropped on the next clear; skip here.
			slog.Warn("skipping pending write with malformed id",
				slog.String("key", row.Key),
				slog.Int("id_len", idLen))
			continue
		}
		idBytes := make([]byte, idLen)
		stmt.ColumnBytes(1, idBytes)
		copy(row.ID[:], idBytes)

		rows = append(rows, row)
	}

	return rows, nil
}

// ClearPendingWrites drops the journal namespace.
func (s *SQLiteStore) ClearPendingWrites() error {
	conn := s.pool.Get(nil)
	if conn == nil {
		return fmt.Errorf("failed to get connection from pool")
	}
	defer s.pool.Put(conn)

	stmt := conn.Prep(`DELETE FROM pending_write_queue`)
	defer stmt.Reset()

	_, err := stmt.Step()
	if err != nil {
		return fmt.Errorf("failed to clear pending writes: %w", err)
	}

	return nil
}

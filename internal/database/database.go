package database

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/c.mueller/logbook-sync/internal/models"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// DB wraps the database connection
type DB struct {
	conn *sql.DB
}

// New creates a new database connection and initializes the schema
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer at a time; sqlite serializes anyway and this avoids SQLITE_BUSY.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// initSchema creates the database schema. Timestamps are unix milliseconds.
func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		extern_id TEXT NOT NULL UNIQUE,
		piece TEXT NOT NULL,
		composer TEXT NOT NULL DEFAULT '',
		minutes INTEGER NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		practiced_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		deleted BOOLEAN NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_entries_updated_at ON entries(updated_at);
	CREATE INDEX IF NOT EXISTS idx_entries_practiced_at ON entries(practiced_at);

	CREATE TABLE IF NOT EXISTS sync_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL,
		trigger_name TEXT NOT NULL,
		priority INTEGER NOT NULL,
		full_sync BOOLEAN NOT NULL DEFAULT 0,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL,
		pushed INTEGER NOT NULL DEFAULT 0,
		acks INTEGER NOT NULL DEFAULT 0,
		expected INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_sync_runs_started_at ON sync_runs(started_at);

	CREATE TABLE IF NOT EXISTS sync_state (
		name TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

const entryColumns = "id, extern_id, piece, composer, minutes, notes, practiced_at, created_at, updated_at, deleted"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*models.Entry, error) {
	var e models.Entry
	var practicedAt, createdAt, updatedAt int64
	if err := row.Scan(&e.ID, &e.ExternID, &e.Piece, &e.Composer, &e.Minutes, &e.Notes,
		&practicedAt, &createdAt, &updatedAt, &e.Deleted); err != nil {
		return nil, err
	}
	e.PracticedAt = time.UnixMilli(practicedAt).UTC()
	e.CreatedAt = time.UnixMilli(createdAt).UTC()
	e.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &e, nil
}

// CreateEntry creates a new logbook entry. An empty extern ID gets a fresh UUID.
func (db *DB) CreateEntry(input models.CreateEntryInput) (*models.Entry, error) {
	externID := input.ExternID
	if externID == "" {
		externID = uuid.NewString()
	}

	now := time.Now()
	practicedAt := now
	if input.PracticedAt != nil {
		practicedAt = *input.PracticedAt
	}

	result, err := db.conn.Exec(
		`INSERT INTO entries (extern_id, piece, composer, minutes, notes, practiced_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		externID, input.Piece, input.Composer, input.Minutes, input.Notes,
		practicedAt.UnixMilli(), now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get last insert id: %w", err)
	}

	return db.GetEntry(int(id))
}

// GetEntry retrieves an entry by ID, tombstones included
func (db *DB) GetEntry(id int) (*models.Entry, error) {
	entry, err := scanEntry(db.conn.QueryRow(
		"SELECT "+entryColumns+" FROM entries WHERE id = ?", id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entry: %w", err)
	}
	return entry, nil
}

// GetEntryByExternID retrieves an entry by its cluster-wide ID, tombstones included
func (db *DB) GetEntryByExternID(externID string) (*models.Entry, error) {
	entry, err := scanEntry(db.conn.QueryRow(
		"SELECT "+entryColumns+" FROM entries WHERE extern_id = ?", externID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entry by extern id: %w", err)
	}
	return entry, nil
}

// ListEntries retrieves all live entries, most recent practice first
func (db *DB) ListEntries() ([]models.Entry, error) {
	return db.queryEntries(
		"SELECT " + entryColumns + " FROM entries WHERE deleted = 0 ORDER BY practiced_at DESC",
	)
}

// ListEntriesUpdatedSince returns entries, tombstones included, changed after since
func (db *DB) ListEntriesUpdatedSince(since time.Time) ([]models.Entry, error) {
	return db.queryEntries(
		"SELECT "+entryColumns+" FROM entries WHERE updated_at > ? ORDER BY updated_at ASC",
		since.UnixMilli(),
	)
}

func (db *DB) queryEntries(query string, args ...any) ([]models.Entry, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	var entries []models.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, *entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entries: %w", err)
	}

	return entries, nil
}

// CountEntries returns the number of live entries
func (db *DB) CountEntries() (int, error) {
	var count int
	if err := db.conn.QueryRow("SELECT COUNT(*) FROM entries WHERE deleted = 0").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	return count, nil
}

// UpdateEntry updates a live entry. Returns nil if it does not exist.
func (db *DB) UpdateEntry(id int, input models.UpdateEntryInput) (*models.Entry, error) {
	existing, err := db.GetEntry(id)
	if err != nil {
		return nil, err
	}
	if existing == nil || existing.Deleted {
		return nil, nil
	}

	// Build dynamic update query
	var updates []string
	var args []any

	if input.Piece != nil {
		updates = append(updates, "piece = ?")
		args = append(args, *input.Piece)
	}
	if input.Composer != nil {
		updates = append(updates, "composer = ?")
		args = append(args, *input.Composer)
	}
	if input.Minutes != nil {
		updates = append(updates, "minutes = ?")
		args = append(args, *input.Minutes)
	}
	if input.Notes != nil {
		updates = append(updates, "notes = ?")
		args = append(args, *input.Notes)
	}
	if input.PracticedAt != nil {
		updates = append(updates, "practiced_at = ?")
		args = append(args, input.PracticedAt.UnixMilli())
	}

	if len(updates) == 0 {
		return existing, nil
	}

	updates = append(updates, "updated_at = ?")
	args = append(args, nextUpdatedAt(existing.UpdatedAt), id)

	query := "UPDATE entries SET " + strings.Join(updates, ", ") + " WHERE id = ?"
	if _, err := db.conn.Exec(query, args...); err != nil {
		return nil, fmt.Errorf("failed to update entry: %w", err)
	}

	return db.GetEntry(id)
}

// DeleteEntry tombstones an entry so the deletion can be synced
func (db *DB) DeleteEntry(id int) error {
	existing, err := db.GetEntry(id)
	if err != nil {
		return err
	}
	if existing == nil || existing.Deleted {
		return sql.ErrNoRows
	}

	_, err = db.conn.Exec(
		"UPDATE entries SET deleted = 1, updated_at = ? WHERE id = ?",
		nextUpdatedAt(existing.UpdatedAt), id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}

	return nil
}

// UpsertEntry applies an entry received from a peer. The newer updated_at
// wins; ties keep the local row. Reports whether the row changed.
func (db *DB) UpsertEntry(e models.Entry) (bool, error) {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = e.UpdatedAt
	}

	result, err := db.conn.Exec(
		`INSERT INTO entries (extern_id, piece, composer, minutes, notes, practiced_at, created_at, updated_at, deleted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(extern_id) DO UPDATE SET
			piece = excluded.piece,
			composer = excluded.composer,
			minutes = excluded.minutes,
			notes = excluded.notes,
			practiced_at = excluded.practiced_at,
			updated_at = excluded.updated_at,
			deleted = excluded.deleted
		 WHERE excluded.updated_at > entries.updated_at`,
		e.ExternID, e.Piece, e.Composer, e.Minutes, e.Notes,
		e.PracticedAt.UnixMilli(), createdAt.UnixMilli(), e.UpdatedAt.UnixMilli(), e.Deleted,
	)
	if err != nil {
		return false, fmt.Errorf("failed to upsert entry %s: %w", e.ExternID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows > 0, nil
}

// nextUpdatedAt returns now in milliseconds, bumped past prev so that two
// edits within the same millisecond still order correctly.
func nextUpdatedAt(prev time.Time) int64 {
	now := time.Now().UnixMilli()
	if now <= prev.UnixMilli() {
		now = prev.UnixMilli() + 1
	}
	return now
}

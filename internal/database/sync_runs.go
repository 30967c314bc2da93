package database

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/c.mueller/logbook-sync/internal/models"
)

const cursorKey = "sync_cursor"

// RecordSyncRun stores the outcome of one sync processor call
func (db *DB) RecordSyncRun(run models.SyncRun) (int, error) {
	result, err := db.conn.Exec(
		`INSERT INTO sync_runs (event_id, trigger_name, priority, full_sync, started_at, finished_at, pushed, acks, expected, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.EventID, run.Trigger, run.Priority, run.Full,
		run.StartedAt.UnixMilli(), run.FinishedAt.UnixMilli(),
		run.Pushed, run.Acks, run.Expected, run.Error,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to record sync run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert id: %w", err)
	}
	return int(id), nil
}

// ListSyncRuns returns the most recent sync runs, newest first
func (db *DB) ListSyncRuns(limit int) ([]models.SyncRun, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := db.conn.Query(
		`SELECT id, event_id, trigger_name, priority, full_sync, started_at, finished_at, pushed, acks, expected, error
		 FROM sync_runs ORDER BY started_at DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync runs: %w", err)
	}
	defer rows.Close()

	var runs []models.SyncRun
	for rows.Next() {
		var r models.SyncRun
		var startedAt, finishedAt int64
		if err := rows.Scan(&r.ID, &r.EventID, &r.Trigger, &r.Priority, &r.Full,
			&startedAt, &finishedAt, &r.Pushed, &r.Acks, &r.Expected, &r.Error); err != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", err)
		}
		r.StartedAt = time.UnixMilli(startedAt).UTC()
		r.FinishedAt = time.UnixMilli(finishedAt).UTC()
		runs = append(runs, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync runs: %w", err)
	}

	return runs, nil
}

// PruneSyncRuns deletes sync runs that started before the cutoff
func (db *DB) PruneSyncRuns(before time.Time) (int64, error) {
	result, err := db.conn.Exec("DELETE FROM sync_runs WHERE started_at < ?", before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune sync runs: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

// GetSyncCursor returns the time of the last successful sync, zero if none
func (db *DB) GetSyncCursor() (time.Time, error) {
	var value string
	err := db.conn.QueryRow("SELECT value FROM sync_state WHERE name = ?", cursorKey).Scan(&value)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get sync cursor: %w", err)
	}

	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid sync cursor %q: %w", value, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// SetSyncCursor stores the time of the last successful sync
func (db *DB) SetSyncCursor(t time.Time) error {
	_, err := db.conn.Exec(
		`INSERT INTO sync_state (name, value) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET value = excluded.value`,
		cursorKey, strconv.FormatInt(t.UnixMilli(), 10),
	)
	if err != nil {
		return fmt.Errorf("failed to set sync cursor: %w", err)
	}
	return nil
}

// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package historian

import (
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rob-gra/go-pnio/diag"
)

// ChunkWriter is the persistence boundary. The historian appends day-grouped
// chunks and queries ranges; a columnar time-series store is a second
// implementation of the same interface.
type ChunkWriter interface {
	WriteChunk(tag uint32, samples []Sample) error
	QueryRange(tag uint32, start, end int64) ([]Sample, error)
	// Prune drop data older than the retention horizon for a tag.
	Prune(tag uint32, olderThanNs int64) error
	Close() error
}

// SQLiteStore persists samples in a WAL-mode SQLite database, grouped by
// day for cheap retention pruning.
type SQLiteStore struct {
	db *sql.DB
}

const nsPerDay = int64(24 * time.Hour)

// NewSQLiteStore open (and create) the store at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, diag.Wrap("historian.open", err)
	}
	for _, stmt := range []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA synchronous=NORMAL`,
		`CREATE TABLE IF NOT EXISTS samples (
			day INTEGER NOT NULL,
			tag INTEGER NOT NULL,
			ts INTEGER NOT NULL,
			value REAL NOT NULL,
			quality INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS samples_tag_ts ON samples (tag, ts)`,
		`CREATE INDEX IF NOT EXISTS samples_day ON samples (day)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, diag.Wrap("historian.open", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

var _ ChunkWriter = (*SQLiteStore)(nil)

// WriteChunk append one tag's samples inside a transaction.
func (sf *SQLiteStore) WriteChunk(tag uint32, samples []Sample) error {
	if len(samples) == 0 {
		return nil
	}
	tx, err := sf.db.Begin()
	if err != nil {
		return diag.Wrap("historian.write", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO samples (day, tag, ts, value, quality) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return diag.Wrap("historian.write", err)
	}
	defer stmt.Close()
	for _, s := range samples {
		if _, err := stmt.Exec(s.T/nsPerDay, tag, s.T, s.V, s.Q); err != nil {
			tx.Rollback()
			return diag.Wrap("historian.write", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return diag.Wrap("historian.write", err)
	}
	return nil
}

// QueryRange read one tag's samples with start <= ts <= end, ordered.
func (sf *SQLiteStore) QueryRange(tag uint32, start, end int64) ([]Sample, error) {
	rows, err := sf.db.Query(
		`SELECT ts, value, quality FROM samples WHERE tag = ? AND ts >= ? AND ts <= ? ORDER BY ts`,
		tag, start, end)
	if err != nil {
		return nil, diag.Wrap("historian.query", err)
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		s := Sample{TagID: tag}
		if err := rows.Scan(&s.T, &s.V, &s.Q); err != nil {
			return nil, diag.Wrap("historian.query", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, diag.Wrap("historian.query", err)
	}
	return out, nil
}

// Prune drop whole days older than the horizon.
func (sf *SQLiteStore) Prune(tag uint32, olderThanNs int64) error {
	_, err := sf.db.Exec(`DELETE FROM samples WHERE tag = ? AND day < ?`, tag, olderThanNs/nsPerDay)
	if err != nil {
		return diag.Wrap("historian.prune", err)
	}
	return nil
}

// Close close the database.
func (sf *SQLiteStore) Close() error {
	return sf.db.Close()
}

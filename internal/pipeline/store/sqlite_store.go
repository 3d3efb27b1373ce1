// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ManuGH/mediaforge/internal/persistence/sqlite"
	"github.com/ManuGH/mediaforge/internal/pipeline/model"
)

const schemaVersion = 1

// SqliteStore keeps each job as a JSON document next to the columns that
// ListJobs filters on.
type SqliteStore struct {
	DB *sql.DB

	// writeMu serializes read-modify-write cycles; WAL allows one writer.
	writeMu sync.Mutex
}

// NewSqliteStore opens (or creates) the job database at dbPath.
func NewSqliteStore(dbPath string) (*SqliteStore, error) {
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}
	s := &SqliteStore{DB: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("job store: migration failed: %w", err)
	}
	problems, err := sqlite.QuickCheck(context.Background(), db)
	if err != nil || len(problems) > 0 {
		_ = db.Close()
		return nil, fmt.Errorf("job store: integrity check failed: %v %v", err, problems)
	}
	return s, nil
}

func (s *SqliteStore) migrate() error {
	var currentVersion int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS media_jobs (
		job_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL,
		settlement TEXT NOT NULL,
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL,
		data_json BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_media_jobs_status ON media_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_media_jobs_settlement ON media_jobs(settlement);
	CREATE INDEX IF NOT EXISTS idx_media_jobs_user ON media_jobs(user_id, created_at_ms);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SqliteStore) Close() error { return s.DB.Close() }

func (s *SqliteStore) Ping(ctx context.Context) error { return s.DB.PingContext(ctx) }

func (s *SqliteStore) CreateJob(ctx context.Context, j *model.MediaJob) error {
	buf, err := json.Marshal(j)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO media_jobs (job_id, user_id, status, settlement, created_at_ms, updated_at_ms, data_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO NOTHING`,
		j.ID, j.UserID, string(j.Status), string(j.Settlement), s2ms(j.CreatedAtUnix), s2ms(j.UpdatedAtUnix), buf)
	if err != nil {
		return err
	}
	// ON CONFLICT DO NOTHING reports zero rows for an existing id.
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrExists
	}
	return nil
}

func (s *SqliteStore) GetJob(ctx context.Context, id string) (*model.MediaJob, error) {
	return scanJob(s.DB.QueryRowContext(ctx, "SELECT data_json FROM media_jobs WHERE job_id = ?", id))
}

func (s *SqliteStore) UpdateJob(ctx context.Context, id string, fn func(*model.MediaJob) error) (*model.MediaJob, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := scanJob(tx.QueryRowContext(ctx, "SELECT data_json FROM media_jobs WHERE job_id = ?", id))
	if err != nil {
		return nil, err
	}
	if err := fn(rec); err != nil {
		return nil, err
	}
	rec.UpdatedAtUnix = time.Now().Unix()

	buf, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE media_jobs SET status = ?, settlement = ?, updated_at_ms = ?, data_json = ?
		WHERE job_id = ?`,
		string(rec.Status), string(rec.Settlement), s2ms(rec.UpdatedAtUnix), buf, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *SqliteStore) ListJobs(ctx context.Context, filter JobFilter) ([]*model.MediaJob, error) {
	var (
		where []string
		args  []any
	)
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if len(filter.Settlements) > 0 {
		where = append(where, "settlement IN ("+placeholders(len(filter.Settlements))+")")
		for _, st := range filter.Settlements {
			args = append(args, string(st))
		}
	}
	query := "SELECT data_json FROM media_jobs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at_ms ASC, job_id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.MediaJob
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SqliteStore) DeleteJob(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.DB.ExecContext(ctx, "DELETE FROM media_jobs WHERE job_id = ?", id)
	return err
}

func scanJob(scanner interface{ Scan(dest ...any) error }) (*model.MediaJob, error) {
	var buf []byte
	if err := scanner.Scan(&buf); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var rec model.MediaJob
	if err := json.Unmarshal(buf, &rec); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &rec, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func s2ms(s int64) int64 { return s * 1000 }

package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"scribe/internal/domain"
	"scribe/internal/ports"
)

const schema = `
CREATE TABLE IF NOT EXISTS scribe_jobs (
	jobName       TEXT PRIMARY KEY,
	mediaId       TEXT NOT NULL,
	patientId     TEXT NOT NULL,
	appointmentId TEXT NOT NULL DEFAULT '',
	stage         TEXT NOT NULL DEFAULT 'uploaded',
	status        TEXT NOT NULL DEFAULT 'ok',
	detail        TEXT NOT NULL DEFAULT '',
	transcript    TEXT NOT NULL DEFAULT '',
	synthesis     TEXT NOT NULL DEFAULT '',
	createdAt     REAL NOT NULL,
	updatedAt     REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS scribe_jobs_created ON scribe_jobs(createdAt DESC);
`

// SQLiteStore keeps the job ledger in a local SQLite file.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the ledger at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps :memory: databases shared across calls.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveJob inserts a new job. A job name is written once; saving it again
// returns ErrJobExists and leaves the row unchanged.
func (s *SQLiteStore) SaveJob(ctx context.Context, job domain.ScribeJob) error {
	if job.JobName == "" {
		return ErrEmptyJobName
	}
	now := unixSeconds(s.now())
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO scribe_jobs (jobName, mediaId, patientId, appointmentId, createdAt, updatedAt)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(jobName) DO NOTHING
	`, job.JobName, job.MediaID, job.PatientID, job.AppointmentID, now, now)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrJobExists, job.JobName)
	}
	return nil
}

func (s *SQLiteStore) RecordStage(ctx context.Context, jobName, stage, status, detail string) error {
	return s.update(ctx, jobName, `stage = ?, status = ?, detail = ?`, stage, status, detail)
}

func (s *SQLiteStore) SaveTranscript(ctx context.Context, jobName, transcript string) error {
	return s.update(ctx, jobName, `transcript = ?`, transcript)
}

func (s *SQLiteStore) SaveSynthesis(ctx context.Context, jobName, synthesis string) error {
	return s.update(ctx, jobName, `synthesis = ?`, synthesis)
}

func (s *SQLiteStore) update(ctx context.Context, jobName, set string, args ...any) error {
	args = append(args, unixSeconds(s.now()), jobName)
	res, err := s.db.ExecContext(ctx, `UPDATE scribe_jobs SET `+set+`, updatedAt = ? WHERE jobName = ?`, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobName)
	}
	return nil
}

const selectColumns = `jobName, mediaId, patientId, appointmentId, stage, status, detail, transcript, synthesis, createdAt, updatedAt`

func (s *SQLiteStore) GetJob(ctx context.Context, jobName string) (ports.JobRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM scribe_jobs WHERE jobName = ?`, jobName)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ports.JobRecord{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobName)
	}
	return record, err
}

// ListJobs returns the most recent jobs first.
func (s *SQLiteStore) ListJobs(ctx context.Context, limit int) ([]ports.JobRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM scribe_jobs ORDER BY createdAt DESC, jobName ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var records []ports.JobRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (ports.JobRecord, error) {
	var r ports.JobRecord
	var createdAt, updatedAt float64
	err := row.Scan(&r.Job.JobName, &r.Job.MediaID, &r.Job.PatientID, &r.Job.AppointmentID,
		&r.Stage, &r.Status, &r.Detail, &r.Transcript, &r.Synthesis, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("scan job: %w", err)
	}
	r.CreatedAt = timeFromUnix(createdAt)
	r.UpdatedAt = timeFromUnix(updatedAt)
	return r, nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func timeFromUnix(ts float64) time.Time {
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(frac*1e9))
}

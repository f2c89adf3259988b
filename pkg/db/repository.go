// Package db archives flash job records in SQLite.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruuf/ruuf/pkg/errors"
	_ "modernc.org/sqlite"
)

// Repository provides database operations for flash jobs
type Repository struct {
	db *sql.DB
}

// NewRepository opens dbPath and creates the schema.
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}

	slog.Info("database_create_schema", "db_path", dbPath)
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

const columns = `id, job_id, device_id, device_path, image_path, family, scheme, state,
		       error_kind, error_message, device_destroyed, bytes_written, source_sha256, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*FlashJob, error) {
	var j FlashJob
	var family, scheme, errorKind, errorMessage, sha sql.NullString
	err := s.Scan(
		&j.ID, &j.JobID, &j.DeviceID, &j.DevicePath, &j.ImagePath, &family, &scheme, &j.State,
		&errorKind, &errorMessage, &j.DeviceDestroyed, &j.BytesWritten, &sha, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}

	// Handle nullable fields
	j.Family = family.String
	j.Scheme = scheme.String
	j.ErrorKind = errorKind.String
	j.ErrorMessage = errorMessage.String
	j.SourceSHA256 = sha.String
	return &j, nil
}

// Create inserts a new job record
func (r *Repository) Create(j *FlashJob) error {
	slog.Info("database_create_job", "job_id", j.JobID, "device", j.DevicePath, "state", j.State)

	query := `
		INSERT INTO flash_jobs (job_id, device_id, device_path, image_path, family, scheme, state,
		                        error_kind, error_message, device_destroyed, bytes_written, source_sha256)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.Exec(query,
		j.JobID, j.DeviceID, j.DevicePath, j.ImagePath, j.Family, j.Scheme, j.State,
		j.ErrorKind, j.ErrorMessage, j.DeviceDestroyed, j.BytesWritten, j.SourceSHA256)
	if err != nil {
		slog.Error("database_insert_failed", "job_id", j.JobID, "error", err)
		return errors.Wrap(err, "failed to insert job")
	}

	id, err := result.LastInsertId()
	if err != nil {
		slog.Error("database_last_insert_id_failed", "job_id", j.JobID, "error", err)
		return errors.Wrap(err, "failed to get last insert id")
	}
	j.ID = id

	slog.Info("database_job_created", "job_id", j.JobID, "id", j.ID)
	return nil
}

// GetByJobID retrieves a job by its uuid. A missing job is (nil, nil).
func (r *Repository) GetByJobID(jobID string) (*FlashJob, error) {
	slog.Debug("database_query_job", "job_id", jobID)

	j, err := scanJob(r.db.QueryRow(`SELECT `+columns+` FROM flash_jobs WHERE job_id = ?`, jobID))
	if err == sql.ErrNoRows {
		slog.Info("database_job_not_found", "job_id", jobID)
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "job_id", jobID, "error", err)
		return nil, errors.Wrap(err, "failed to query job")
	}
	return j, nil
}

// Update rewrites every mutable column of an existing record
func (r *Repository) Update(j *FlashJob) error {
	slog.Info("database_update_job", "job_id", j.JobID, "state", j.State)

	query := `
		UPDATE flash_jobs
		SET family = ?, scheme = ?, state = ?, error_kind = ?, error_message = ?,
		    device_destroyed = ?, bytes_written = ?, source_sha256 = ?, updated_at = CURRENT_TIMESTAMP
		WHERE job_id = ?
	`
	result, err := r.db.Exec(query,
		j.Family, j.Scheme, j.State, j.ErrorKind, j.ErrorMessage,
		j.DeviceDestroyed, j.BytesWritten, j.SourceSHA256, j.JobID)
	if err != nil {
		slog.Error("database_update_failed", "job_id", j.JobID, "error", err)
		return errors.Wrap(err, "failed to update job")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		slog.Error("database_rows_affected_failed", "job_id", j.JobID, "error", err)
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		slog.Error("database_job_not_found_for_update", "job_id", j.JobID)
		return fmt.Errorf("job not found: %s", j.JobID)
	}
	return nil
}

// UpdateState updates only the state column
func (r *Repository) UpdateState(jobID, state string) error {
	slog.Debug("database_update_state", "job_id", jobID, "state", state)

	_, err := r.db.Exec(`UPDATE flash_jobs SET state = ?, updated_at = CURRENT_TIMESTAMP WHERE job_id = ?`, state, jobID)
	if err != nil {
		slog.Error("database_state_update_failed", "job_id", jobID, "state", state, "error", err)
		return errors.Wrap(err, "failed to update state")
	}
	return nil
}

// List returns up to limit jobs, newest first. limit <= 0 returns all.
func (r *Repository) List(limit int) ([]*FlashJob, error) {
	slog.Info("database_list_jobs", "limit", limit)

	query := `SELECT ` + columns + ` FROM flash_jobs ORDER BY created_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.db.Query(query, args...)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	var jobs []*FlashJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		slog.Error("database_rows_error", "error", err)
		return nil, errors.Wrap(err, "rows error")
	}

	slog.Info("database_list_complete", "job_count", len(jobs))
	return jobs, nil
}

// Delete deletes a job by its uuid
func (r *Repository) Delete(jobID string) error {
	slog.Info("database_delete_job", "job_id", jobID)

	if _, err := r.db.Exec(`DELETE FROM flash_jobs WHERE job_id = ?`, jobID); err != nil {
		slog.Error("database_delete_failed", "job_id", jobID, "error", err)
		return errors.Wrap(err, "failed to delete job")
	}
	return nil
}

// Prune deletes terminal records last updated before cutoff and returns
// how many went.
func (r *Repository) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	slog.Info("database_prune_jobs", "before", cutoff.UTC().Format(time.DateTime))

	result, err := r.db.ExecContext(ctx,
		`DELETE FROM flash_jobs WHERE state IN ('done', 'failed') AND updated_at < ?`,
		cutoff.UTC().Format(time.DateTime))
	if err != nil {
		slog.Error("database_prune_failed", "error", err)
		return 0, errors.Wrap(err, "failed to prune jobs")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}

	slog.Info("database_prune_complete", "deleted", n)
	return n, nil
}

package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/gophdrop/internal/common"
	"github.com/dmitrijs2005/gophdrop/internal/dbx"
	"github.com/dmitrijs2005/gophdrop/internal/server/models"
	"github.com/google/uuid"
)

type SQLRepository struct {
	db   dbx.DBTX
	bind dbx.Binder
}

var _ Repository = (*SQLRepository)(nil)

func NewSQLRepository(db dbx.DBTX, bind dbx.Binder) *SQLRepository {
	return &SQLRepository{db: db, bind: bind}
}

func (r *SQLRepository) Create(ctx context.Context, job *models.EraseJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = models.JobQueued
	}
	now := time.Now().UTC()
	job.CreatedAt, job.UpdatedAt = now, now

	query := `INSERT INTO erase_jobs (id, target_path, status, attempts, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, r.bind(query),
		job.ID, job.TargetPath, string(job.Status), job.Attempts, job.Error, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *SQLRepository) Get(ctx context.Context, id string) (*models.EraseJob, error) {
	query := `SELECT id, target_path, status, attempts, error, created_at, updated_at
		FROM erase_jobs WHERE id = ?`

	job, err := scanJob(r.db.QueryRowContext(ctx, r.bind(query), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return job, nil
}

func (r *SQLRepository) MarkRunning(ctx context.Context, id string) error {
	query := `UPDATE erase_jobs SET status = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND status = ?`
	res, err := r.db.ExecContext(ctx, r.bind(query),
		string(models.JobRunning), time.Now().UTC(), id, string(models.JobQueued))
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return expectOne(res)
}

func (r *SQLRepository) Finish(ctx context.Context, id string, status models.JobStatus, errText string) error {
	query := `UPDATE erase_jobs SET status = ?, error = ?, updated_at = ? WHERE id = ?`
	res, err := r.db.ExecContext(ctx, r.bind(query), string(status), errText, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return expectOne(res)
}

func (r *SQLRepository) Requeue(ctx context.Context, id string, from models.JobStatus) error {
	query := `UPDATE erase_jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
	res, err := r.db.ExecContext(ctx, r.bind(query),
		string(models.JobQueued), time.Now().UTC(), id, string(from))
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return expectOne(res)
}

func (r *SQLRepository) ListByStatus(ctx context.Context, statuses ...models.JobStatus) ([]*models.EraseJob, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(statuses))
	for _, s := range statuses {
		args = append(args, string(s))
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	query := `SELECT id, target_path, status, attempts, error, created_at, updated_at
		FROM erase_jobs WHERE status IN (` + placeholders + `) ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, r.bind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select jobs: %w", err)
	}
	defer rows.Close()

	var result []*models.EraseJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*models.EraseJob, error) {
	var (
		job    models.EraseJob
		status string
	)
	if err := row.Scan(&job.ID, &job.TargetPath, &status, &job.Attempts, &job.Error, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, err
	}
	job.Status = models.JobStatus(status)
	return &job, nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

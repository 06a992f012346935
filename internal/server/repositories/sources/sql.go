package sources

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

// SQLRepository implements Repository for any driver dbx.BinderFor knows.
type SQLRepository struct {
	db   dbx.DBTX
	bind dbx.Binder
}

var _ Repository = (*SQLRepository)(nil)

// NewSQLRepository constructs a repository bound to the given DBTX.
func NewSQLRepository(db dbx.DBTX, bind dbx.Binder) *SQLRepository {
	return &SQLRepository{db: db, bind: bind}
}

func (r *SQLRepository) Create(ctx context.Context, s *models.Source) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.LastUpdated.IsZero() {
		s.LastUpdated = time.Now().UTC()
	}

	query := `INSERT INTO sources (id, filesystem_id, journalist_designation, flagged, last_updated)
		VALUES (?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, r.bind(query),
		s.ID, s.FilesystemID, s.JournalistDesignation, s.Flagged, s.LastUpdated)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *SQLRepository) GetByFilesystemID(ctx context.Context, filesystemID string) (*models.Source, error) {
	query := `SELECT id, filesystem_id, journalist_designation, flagged, last_updated
		FROM sources WHERE filesystem_id = ?`

	s := &models.Source{}
	err := r.db.QueryRowContext(ctx, r.bind(query), filesystemID).
		Scan(&s.ID, &s.FilesystemID, &s.JournalistDesignation, &s.Flagged, &s.LastUpdated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return s, nil
}

func (r *SQLRepository) SetFlagged(ctx context.Context, sourceID string, flagged bool) error {
	query := `UPDATE sources SET flagged = ? WHERE id = ?`
	res, err := r.db.ExecContext(ctx, r.bind(query), flagged, sourceID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return expectOne(res)
}

// DeleteCascade deletes children explicitly instead of relying on ON DELETE
// CASCADE, which SQLite only honors with foreign_keys enabled.
func (r *SQLRepository) DeleteCascade(ctx context.Context, sourceID string) error {
	for _, query := range []string{
		`DELETE FROM replies WHERE source_id = ?`,
		`DELETE FROM submissions WHERE source_id = ?`,
	} {
		if _, err := r.db.ExecContext(ctx, r.bind(query), sourceID); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
	}

	res, err := r.db.ExecContext(ctx, r.bind(`DELETE FROM sources WHERE id = ?`), sourceID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return expectOne(res)
}

func (r *SQLRepository) AddSubmission(ctx context.Context, s *models.Submission) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	query := `INSERT INTO submissions (id, source_id, filename, size, checksum, downloaded)
		VALUES (?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, r.bind(query),
		s.ID, s.SourceID, s.Filename, s.Size, s.Checksum, s.Downloaded)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return r.touch(ctx, s.SourceID)
}

func (r *SQLRepository) ListSubmissions(ctx context.Context, sourceID string) ([]*models.Submission, error) {
	query := `SELECT id, source_id, filename, size, checksum, downloaded
		FROM submissions WHERE source_id = ? ORDER BY filename`

	rows, err := r.db.QueryContext(ctx, r.bind(query), sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to select submissions: %w", err)
	}
	defer rows.Close()

	var result []*models.Submission
	for rows.Next() {
		var s models.Submission
		if err := rows.Scan(&s.ID, &s.SourceID, &s.Filename, &s.Size, &s.Checksum, &s.Downloaded); err != nil {
			return nil, err
		}
		result = append(result, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *SQLRepository) DeleteSubmissions(ctx context.Context, sourceID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	args := make([]any, 0, len(ids)+1)
	args = append(args, sourceID)
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	query := `DELETE FROM submissions WHERE source_id = ? AND id IN (` + placeholders + `)`

	if _, err := r.db.ExecContext(ctx, r.bind(query), args...); err != nil {
		return fmt.Errorf("failed to delete submissions: %w", err)
	}
	return r.touch(ctx, sourceID)
}

func (r *SQLRepository) MarkDownloaded(ctx context.Context, ids []string) error {
	return r.SetDownloaded(ctx, ids, true)
}

func (r *SQLRepository) SetDownloaded(ctx context.Context, ids []string, downloaded bool) error {
	if len(ids) == 0 {
		return nil
	}

	args := make([]any, 0, len(ids)+1)
	args = append(args, downloaded)
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	query := `UPDATE submissions SET downloaded = ? WHERE id IN (` + placeholders + `)`

	if _, err := r.db.ExecContext(ctx, r.bind(query), args...); err != nil {
		return fmt.Errorf("failed to update downloaded: %w", err)
	}
	return nil
}

func (r *SQLRepository) AddReply(ctx context.Context, reply *models.Reply) error {
	if reply.ID == "" {
		reply.ID = uuid.NewString()
	}
	query := `INSERT INTO replies (id, source_id, journalist_id, filename, size, checksum)
		VALUES (?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, r.bind(query),
		reply.ID, reply.SourceID, reply.JournalistID, reply.Filename, reply.Size, reply.Checksum)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return r.touch(ctx, reply.SourceID)
}

func (r *SQLRepository) ListReplies(ctx context.Context, sourceID string) ([]*models.Reply, error) {
	query := `SELECT id, source_id, journalist_id, filename, size, checksum
		FROM replies WHERE source_id = ? ORDER BY filename`

	rows, err := r.db.QueryContext(ctx, r.bind(query), sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to select replies: %w", err)
	}
	defer rows.Close()

	var result []*models.Reply
	for rows.Next() {
		var rp models.Reply
		if err := rows.Scan(&rp.ID, &rp.SourceID, &rp.JournalistID, &rp.Filename, &rp.Size, &rp.Checksum); err != nil {
			return nil, err
		}
		result = append(result, &rp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *SQLRepository) touch(ctx context.Context, sourceID string) error {
	query := `UPDATE sources SET last_updated = ? WHERE id = ?`
	res, err := r.db.ExecContext(ctx, r.bind(query), time.Now().UTC(), sourceID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return expectOne(res)
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	switch n {
	case 1:
		return nil
	case 0:
		return common.ErrorNotFound
	default:
		return fmt.Errorf("unexpected rows affected: %d", n)
	}
}

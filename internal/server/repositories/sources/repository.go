// Package sources is the Record Store for sources and the submissions and
// replies they own.
package sources

import (
	"context"

	"github.com/dmitrijs2005/gophdrop/internal/server/models"
)

// Repository is bound to a dbx.DBTX; run DeleteCascade and read-then-mark
// sequences on a transaction handle so they commit as one unit.
type Repository interface {
	Create(ctx context.Context, source *models.Source) error
	GetByFilesystemID(ctx context.Context, filesystemID string) (*models.Source, error)
	SetFlagged(ctx context.Context, sourceID string, flagged bool) error

	// DeleteCascade removes the source row with all of its submissions and
	// replies. Returns common.ErrorNotFound when the source does not exist.
	DeleteCascade(ctx context.Context, sourceID string) error

	AddSubmission(ctx context.Context, submission *models.Submission) error
	ListSubmissions(ctx context.Context, sourceID string) ([]*models.Submission, error)
	// DeleteSubmissions removes the given submission rows of one source.
	// Ids that belong to another source are left alone.
	DeleteSubmissions(ctx context.Context, sourceID string, ids []string) error

	// MarkDownloaded sets downloaded=true; already-downloaded rows are left
	// as they are.
	MarkDownloaded(ctx context.Context, ids []string) error
	SetDownloaded(ctx context.Context, ids []string, downloaded bool) error

	AddReply(ctx context.Context, reply *models.Reply) error
	ListReplies(ctx context.Context, sourceID string) ([]*models.Reply, error)
}

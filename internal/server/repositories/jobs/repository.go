// Package jobs persists erase job handles; it is the status sink polled by
// callers of the erase queue.
package jobs

import (
	"context"

	"github.com/dmitrijs2005/gophdrop/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, job *models.EraseJob) error
	Get(ctx context.Context, id string) (*models.EraseJob, error)

	// MarkRunning moves a queued job to running and bumps its attempt
	// counter. Returns common.ErrorNotFound if the job is in any other state,
	// so a duplicate delivery cannot run it twice.
	MarkRunning(ctx context.Context, id string) error
	Finish(ctx context.Context, id string, status models.JobStatus, errText string) error

	// Requeue moves a job from the given status back to queued; used for
	// operator retries (from failed) and crash recovery (from running).
	Requeue(ctx context.Context, id string, from models.JobStatus) error
	ListByStatus(ctx context.Context, statuses ...models.JobStatus) ([]*models.EraseJob, error)
}

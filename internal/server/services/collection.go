package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophdrop/internal/common"
	"github.com/dmitrijs2005/gophdrop/internal/dbx"
	"github.com/dmitrijs2005/gophdrop/internal/lockx"
	"github.com/dmitrijs2005/gophdrop/internal/logging"
	"github.com/dmitrijs2005/gophdrop/internal/server/keystore"
	"github.com/dmitrijs2005/gophdrop/internal/server/models"
	"github.com/dmitrijs2005/gophdrop/internal/server/repositories/repomanager"
	"github.com/sethvargo/go-retry"
)

// KeyFailurePolicy decides what DeleteCollection does when the keypair
// cannot be removed.
type KeyFailurePolicy string

const (
	// KeyFailureProceed removes records first and reports a key failure as
	// common.ErrPartialFailure alongside the erase job.
	KeyFailureProceed KeyFailurePolicy = "proceed"
	// KeyFailureBlock removes the key inside the record transaction; a key
	// failure rolls the records back, so the whole call can be retried.
	KeyFailureBlock KeyFailurePolicy = "block"
)

// ParseKeyFailurePolicy accepts "proceed", "block" or "" (proceed).
func ParseKeyFailurePolicy(s string) (KeyFailurePolicy, error) {
	switch KeyFailurePolicy(s) {
	case "", KeyFailureProceed:
		return KeyFailureProceed, nil
	case KeyFailureBlock:
		return KeyFailureBlock, nil
	}
	return "", fmt.Errorf("unknown key failure policy %q", s)
}

// EraseQueue is the async handoff for directory wipes.
type EraseQueue interface {
	Enqueue(ctx context.Context, target string) (*models.EraseJob, error)
	Status(ctx context.Context, id string) (*models.EraseJob, error)
	Await(ctx context.Context, id string, timeout time.Duration) (*models.EraseJob, error)
	Retry(ctx context.Context, id string) (*models.EraseJob, error)
}

// BlobLocator maps a source, or one of its blobs, to an erase target.
type BlobLocator interface {
	Path(fsid string) string
	BlobPath(fsid, name string) string
}

type collectionMetrics interface {
	KeyDeleteFailed()
}

type CollectionOptions struct {
	Policy           KeyFailurePolicy
	KeyDeleteRetries uint64
	KeyRetryBase     time.Duration
	Metrics          collectionMetrics
}

// CollectionService deletes a source's records, keypair and blobs as one
// logical operation.
type CollectionService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	keys        keystore.KeyStore
	blobs       BlobLocator
	queue       EraseQueue
	locks       *lockx.Keyed
	log         logging.Logger
	opts        CollectionOptions
}

func NewCollectionService(db *sql.DB, rm repomanager.RepositoryManager, keys keystore.KeyStore,
	blobs BlobLocator, queue EraseQueue, locks *lockx.Keyed, log logging.Logger, opts CollectionOptions,
) *CollectionService {
	if opts.Policy == "" {
		opts.Policy = KeyFailureProceed
	}
	if opts.KeyRetryBase <= 0 {
		opts.KeyRetryBase = 50 * time.Millisecond
	}
	return &CollectionService{
		db:          db,
		repomanager: rm,
		keys:        keys,
		blobs:       blobs,
		queue:       queue,
		locks:       locks,
		log:         log.With("module", "collection"),
		opts:        opts,
	}
}

// DeleteCollection makes the source undiscoverable and schedules the wipe
// of its blobs. Records and key are removed synchronously; the returned job
// tracks the wipe.
//
// Errors are distinguishable with errors.Is:
//   - common.ErrorNotFound: no such source, nothing changed.
//   - common.ErrRecordStore alone: records could not be removed, nothing changed.
//   - common.ErrKeyStore without ErrPartialFailure: block policy, nothing changed.
//   - common.ErrPartialFailure: records are gone; the job (if non-nil) is
//     queued but the keypair or the job handoff failed.
//
// Under the block policy the key is removed inside the record transaction,
// after the rows are gone and before commit. A commit that fails after that
// point leaves a source without a key; it is reported as
// common.ErrRecordStore together with common.ErrKeyStore.
func (s *CollectionService) DeleteCollection(ctx context.Context, fsid string) (*models.EraseJob, error) {
	s.locks.Lock(fsid)
	defer s.locks.Unlock(fsid)

	log := s.log.With("filesystem_id", fsid)

	src, err := s.repomanager.Sources(s.db).GetByFilesystemID(ctx, fsid)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, fmt.Errorf("source %s: %w", fsid, common.ErrorNotFound)
		}
		return nil, fmt.Errorf("%w: resolve source: %v", common.ErrRecordStore, err)
	}

	block := s.opts.Policy == KeyFailureBlock
	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.repomanager.Sources(tx).DeleteCascade(ctx, src.ID); err != nil {
			return err
		}
		if block {
			if err := s.deleteKey(ctx, fsid); err != nil {
				return fmt.Errorf("%w: %v", common.ErrKeyStore, err)
			}
		}
		return nil
	})
	switch {
	case err == nil:
	case errors.Is(err, common.ErrKeyStore):
		s.keyDeleteFailed()
		log.Error(ctx, "keypair deletion failed, collection left intact", "error", err)
		return nil, err
	case errors.Is(err, common.ErrorNotFound):
		return nil, fmt.Errorf("source %s: %w", fsid, common.ErrorNotFound)
	case block && errors.Is(err, dbx.ErrCommit):
		log.Error(ctx, "record commit failed after keypair was removed", "error", err)
		return nil, fmt.Errorf("%w: %w: keypair already removed: %v", common.ErrRecordStore, common.ErrKeyStore, err)
	default:
		log.Error(ctx, "record deletion failed", "error", err)
		return nil, fmt.Errorf("%w: %v", common.ErrRecordStore, err)
	}

	var keyErr error
	if !block {
		if err := s.deleteKey(ctx, fsid); err != nil {
			keyErr = err
			s.keyDeleteFailed()
			log.Error(ctx, "keypair deletion failed after records were removed", "error", err)
		}
	}

	job, err := s.queue.Enqueue(ctx, s.blobs.Path(fsid))
	if err != nil {
		log.Error(ctx, "erase job handoff failed", "error", err)
		return job, errors.Join(
			fmt.Errorf("%w: enqueue erase: %v", common.ErrPartialFailure, err),
			wrapKeyErr(keyErr))
	}
	log.Info(ctx, "collection deleted", "job_id", job.ID)

	if keyErr != nil {
		return job, wrapKeyErr(keyErr)
	}
	return job, nil
}

// DeleteSubmissions removes the named documents of one source and schedules
// a wipe of each blob. The source, its keypair and its other documents stay.
// The returned jobs follow the order of the source's submissions.
//
// Every filename must belong to the source (common.ErrInvalidSelection
// otherwise, nothing changed). Rows are removed in one transaction; a failed
// handoff after that is common.ErrPartialFailure with the jobs that were
// queued.
func (s *CollectionService) DeleteSubmissions(ctx context.Context, fsid string, filenames []string) ([]*models.EraseJob, error) {
	if len(filenames) == 0 {
		return nil, fmt.Errorf("%w: no submissions selected", common.ErrInvalidSelection)
	}

	s.locks.Lock(fsid)
	defer s.locks.Unlock(fsid)

	log := s.log.With("filesystem_id", fsid)

	var picked []*models.Submission
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Sources(tx)
		src, err := repo.GetByFilesystemID(ctx, fsid)
		if err != nil {
			return err
		}
		subs, err := repo.ListSubmissions(ctx, src.ID)
		if err != nil {
			return err
		}
		picked, err = pickByName(subs, filenames)
		if err != nil {
			return err
		}
		ids := make([]string, len(picked))
		for i, sub := range picked {
			ids[i] = sub.ID
		}
		return repo.DeleteSubmissions(ctx, src.ID, ids)
	})
	if err != nil {
		switch {
		case errors.Is(err, common.ErrorNotFound):
			return nil, fmt.Errorf("source %s: %w", fsid, common.ErrorNotFound)
		case errors.Is(err, common.ErrInvalidSelection):
			return nil, err
		}
		log.Error(ctx, "submission deletion failed", "error", err)
		return nil, fmt.Errorf("%w: %v", common.ErrRecordStore, err)
	}

	jobs := make([]*models.EraseJob, 0, len(picked))
	var errs []error
	for _, sub := range picked {
		job, err := s.queue.Enqueue(ctx, s.blobs.BlobPath(fsid, sub.Filename))
		if err != nil {
			log.Error(ctx, "erase job handoff failed", "filename", sub.Filename, "error", err)
			errs = append(errs, fmt.Errorf("%w: enqueue erase of %s: %v", common.ErrPartialFailure, sub.Filename, err))
			continue
		}
		jobs = append(jobs, job)
	}
	log.Info(ctx, "submissions deleted", "count", len(picked), "queued", len(jobs))
	return jobs, errors.Join(errs...)
}

func (s *CollectionService) keyDeleteFailed() {
	if s.opts.Metrics != nil {
		s.opts.Metrics.KeyDeleteFailed()
	}
}

func wrapKeyErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w: %v", common.ErrPartialFailure, common.ErrKeyStore, err)
}

// deleteKey retries transient keystore failures; an absent key counts as
// removed.
func (s *CollectionService) deleteKey(ctx context.Context, fsid string) error {
	b := retry.WithMaxRetries(s.opts.KeyDeleteRetries, retry.NewExponential(s.opts.KeyRetryBase))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := s.keys.Delete(ctx, fsid)
		if err == nil || errors.Is(err, common.ErrorNotFound) {
			return nil
		}
		return retry.RetryableError(err)
	})
}

// JobStatus returns the erase job.
func (s *CollectionService) JobStatus(ctx context.Context, id string) (*models.EraseJob, error) {
	return s.queue.Status(ctx, id)
}

// AwaitJob blocks until the job is terminal or timeout elapses.
func (s *CollectionService) AwaitJob(ctx context.Context, id string, timeout time.Duration) (*models.EraseJob, error) {
	return s.queue.Await(ctx, id, timeout)
}

// RetryJob requeues a failed erase job.
func (s *CollectionService) RetryJob(ctx context.Context, id string) (*models.EraseJob, error) {
	job, err := s.queue.Retry(ctx, id)
	if err != nil {
		return job, err
	}
	s.log.Info(ctx, "erase job requeued", "job_id", id)
	return job, nil
}

package jobs

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/gophdrop/internal/common"
	"github.com/dmitrijs2005/gophdrop/internal/dbx"
	"github.com/dmitrijs2005/gophdrop/internal/server/dbtest"
	"github.com/dmitrijs2005/gophdrop/internal/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepo(t *testing.T) *SQLRepository {
	t.Helper()
	return NewSQLRepository(dbtest.OpenSQLite(t), dbx.BinderFor("sqlite"))
}

func TestSQLRepository_CreateGet(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	job := &models.EraseJob{TargetPath: "/store/fs1"}
	require.NoError(t, r.Create(ctx, job))
	require.NotEmpty(t, job.ID)
	assert.Equal(t, models.JobQueued, job.Status)

	got, err := r.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "/store/fs1", got.TargetPath)
	assert.Equal(t, models.JobQueued, got.Status)
	assert.Zero(t, got.Attempts)

	_, err = r.Get(ctx, "missing")
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestSQLRepository_Lifecycle(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	job := &models.EraseJob{TargetPath: "/store/fs1"}
	require.NoError(t, r.Create(ctx, job))

	require.NoError(t, r.MarkRunning(ctx, job.ID))
	// a second delivery must not run it again
	assert.ErrorIs(t, r.MarkRunning(ctx, job.ID), common.ErrorNotFound)

	require.NoError(t, r.Finish(ctx, job.ID, models.JobFailed, "disk gone"))
	got, err := r.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Equal(t, "disk gone", got.Error)
	assert.Equal(t, 1, got.Attempts)

	// failed jobs cannot be picked up without a requeue
	assert.ErrorIs(t, r.MarkRunning(ctx, job.ID), common.ErrorNotFound)
	assert.ErrorIs(t, r.Requeue(ctx, job.ID, models.JobRunning), common.ErrorNotFound)
	require.NoError(t, r.Requeue(ctx, job.ID, models.JobFailed))

	require.NoError(t, r.MarkRunning(ctx, job.ID))
	require.NoError(t, r.Finish(ctx, job.ID, models.JobSucceeded, ""))

	got, err = r.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobSucceeded, got.Status)
	assert.Equal(t, 2, got.Attempts)

	assert.ErrorIs(t, r.Finish(ctx, "missing", models.JobFailed, "x"), common.ErrorNotFound)
}

func TestSQLRepository_ListByStatus(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	a := &models.EraseJob{TargetPath: "a"}
	b := &models.EraseJob{TargetPath: "b"}
	c := &models.EraseJob{TargetPath: "c"}
	for _, j := range []*models.EraseJob{a, b, c} {
		require.NoError(t, r.Create(ctx, j))
	}
	require.NoError(t, r.MarkRunning(ctx, b.ID))
	require.NoError(t, r.MarkRunning(ctx, c.ID))
	require.NoError(t, r.Finish(ctx, c.ID, models.JobSucceeded, ""))

	got, err := r.ListByStatus(ctx, models.JobQueued, models.JobRunning)
	require.NoError(t, err)
	ids := []string{}
	for _, j := range got {
		ids = append(ids, j.ID)
	}
	assert.ElementsMatch(t, []string{a.ID, b.ID}, ids)

	none, err := r.ListByStatus(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestSQLRepository_MarkRunning_PostgresShape(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	r := NewSQLRepository(db, dbx.BinderFor("pgx"))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE erase_jobs SET status = $1, attempts = attempts + 1, updated_at = $2`)).
		WithArgs("running", sqlmock.AnyArg(), "j1", "queued").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, r.MarkRunning(context.Background(), "j1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLRepository_Create_DBError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	r := NewSQLRepository(db, dbx.BinderFor("pgx"))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO erase_jobs`)).WillReturnError(errors.New("down"))

	err = r.Create(context.Background(), &models.EraseJob{TargetPath: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db error")
}

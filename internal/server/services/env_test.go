package services

import (
	"context"
	"database/sql"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophdrop/internal/cryptox"
	"github.com/dmitrijs2005/gophdrop/internal/dbx"
	"github.com/dmitrijs2005/gophdrop/internal/lockx"
	"github.com/dmitrijs2005/gophdrop/internal/logging"
	"github.com/dmitrijs2005/gophdrop/internal/server/blobstore"
	"github.com/dmitrijs2005/gophdrop/internal/server/dbtest"
	"github.com/dmitrijs2005/gophdrop/internal/server/erasure"
	"github.com/dmitrijs2005/gophdrop/internal/server/keystore"
	"github.com/dmitrijs2005/gophdrop/internal/server/models"
	"github.com/dmitrijs2005/gophdrop/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/gophdrop/internal/server/repositories/sources"
	"github.com/stretchr/testify/require"
)

// testEnv wires real components over a temp dir and a migrated SQLite file.
type testEnv struct {
	db         *sql.DB
	rm         *repomanager.SQLRepositoryManager
	blobs      *blobstore.DiskStore
	keys       *keystore.FileKeyStore
	queue      *erasure.Queue
	locks      *lockx.Keyed
	journalist *cryptox.Keypair
	intake     *IntakeService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := dbtest.OpenSQLite(t)
	rm, err := repomanager.NewSQLRepositoryManager(repomanager.DriverSQLite)
	require.NoError(t, err)

	base := t.TempDir()
	blobs, err := blobstore.NewDiskStore(filepath.Join(base, "store"))
	require.NoError(t, err)
	shredder := erasure.NewShredder(1)
	keys, err := keystore.NewFileKeyStore(filepath.Join(base, "keys"), shredder)
	require.NoError(t, err)

	queue := erasure.NewQueue(rm.Jobs(db), shredder, logging.NewNop(), erasure.Options{Workers: 2, PollInterval: 5 * time.Millisecond})
	queue.Start(context.Background())
	t.Cleanup(func() { _ = queue.Stop() })

	journalist, err := cryptox.GenerateKeypair()
	require.NoError(t, err)

	locks := &lockx.Keyed{}
	intake, err := NewIntakeService(db, rm, keys, blobs, locks, logging.NewNop(), journalist.PublicKey)
	require.NoError(t, err)

	return &testEnv{
		db: db, rm: rm, blobs: blobs, keys: keys, queue: queue,
		locks: locks, journalist: journalist, intake: intake,
	}
}

func (e *testEnv) collection(opts CollectionOptions) *CollectionService {
	return e.collectionWith(e.rm, e.keys, opts)
}

func (e *testEnv) collectionWith(rm repomanager.RepositoryManager, keys keystore.KeyStore, opts CollectionOptions) *CollectionService {
	return NewCollectionService(e.db, rm, keys, e.blobs, e.queue, e.locks, logging.NewNop(), opts)
}

func (e *testEnv) export(blobs blobstore.Store, m exportMetrics) *ExportService {
	if blobs == nil {
		blobs = e.blobs
	}
	return NewExportService(e.db, e.rm, blobs, e.locks, logging.NewNop(), m)
}

// seed creates a source with the given number of submissions and replies
// and returns it with the submission filenames in order.
func (e *testEnv) seed(t *testing.T, designation string, submissions, replies int) (*models.Source, []string) {
	t.Helper()
	ctx := context.Background()

	src, err := e.intake.CreateSource(ctx, designation)
	require.NoError(t, err)

	var names []string
	for i := 0; i < submissions; i++ {
		sub, err := e.intake.Submit(ctx, src.FilesystemID, strings.NewReader(designation+" document"))
		require.NoError(t, err)
		names = append(names, sub.Filename)
	}
	for i := 0; i < replies; i++ {
		_, err := e.intake.Reply(ctx, src.FilesystemID, "journalist-1", strings.NewReader("thanks"))
		require.NoError(t, err)
	}
	return src, names
}

func (e *testEnv) submissions(t *testing.T, src *models.Source) []*models.Submission {
	t.Helper()
	subs, err := e.rm.Sources(e.db).ListSubmissions(context.Background(), src.ID)
	require.NoError(t, err)
	return subs
}

func (e *testEnv) downloaded(t *testing.T, src *models.Source) map[string]bool {
	t.Helper()
	out := map[string]bool{}
	for _, s := range e.submissions(t, src) {
		out[s.Filename] = s.Downloaded
	}
	return out
}

func (e *testEnv) count(t *testing.T, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, e.db.QueryRow(query, args...).Scan(&n))
	return n
}

// failingKeys fails Delete a fixed number of times.
type failingKeys struct {
	keystore.KeyStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *failingKeys) Delete(ctx context.Context, fsid string) error {
	f.mu.Lock()
	f.calls++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return io.ErrUnexpectedEOF
	}
	return f.KeyStore.Delete(ctx, fsid)
}

// failingDeleteRM makes DeleteCascade fail.
type failingDeleteRM struct {
	*repomanager.SQLRepositoryManager
	err error
}

func (f *failingDeleteRM) Sources(db dbx.DBTX) sources.Repository {
	return &failingDeleteRepo{Repository: f.SQLRepositoryManager.Sources(db), err: f.err}
}

type failingDeleteRepo struct {
	sources.Repository
	err error
}

func (f *failingDeleteRepo) DeleteCascade(context.Context, string) error { return f.err }

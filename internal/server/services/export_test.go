package services

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/dmitrijs2005/gophdrop/internal/common"
	"github.com/dmitrijs2005/gophdrop/internal/server/blobstore"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func zipEntries(t *testing.T, b []byte) []string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(b), int64(len(b)))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
		assert.Equal(t, zip.Store, f.Method)
	}
	sort.Strings(names)
	return names
}

func TestBuildArchive_Explicit(t *testing.T) {
	env := newTestEnv(t)
	src, names := env.seed(t, "Loud Owl", 3, 0)
	exp := env.export(nil, nil)

	var buf bytes.Buffer
	res, err := exp.BuildArchive(context.Background(), Explicit(src.FilesystemID, names[0], names[1]), &buf)
	require.NoError(t, err)

	want := []string{"Loud Owl/" + names[0], "Loud Owl/" + names[1]}
	assert.Equal(t, want, zipEntries(t, buf.Bytes()))
	assert.NotContains(t, zipEntries(t, buf.Bytes()), "Loud Owl/"+names[2])
	assert.Empty(t, res.Marked)

	for _, d := range env.downloaded(t, src) {
		assert.False(t, d, "explicit export never changes read-state")
	}
}

func TestBuildArchive_ContentMatchesBlob(t *testing.T) {
	env := newTestEnv(t)
	src, names := env.seed(t, "Exact", 1, 0)
	exp := env.export(nil, nil)

	var buf bytes.Buffer
	_, err := exp.BuildArchive(context.Background(), Explicit(src.FilesystemID, names[0]), &buf)
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	rc, err := zr.File[0].Open()
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)

	want, err := os.ReadFile(filepath.Join(env.blobs.Path(src.FilesystemID), names[0]))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestBuildArchive_UnreadAll(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, aNames := env.seed(t, "Source A", 3, 1)
	b, bNames := env.seed(t, "Source B", 3, 0)
	require.NoError(t, env.intake.SetDownloaded(ctx, a.FilesystemID, []string{aNames[2]}, true))

	exp := env.export(nil, nil)
	var buf bytes.Buffer
	res, err := exp.BuildArchive(ctx, UnreadAll(a.FilesystemID, b.FilesystemID), &buf)
	require.NoError(t, err)

	want := []string{
		"unread/Source A/" + aNames[0],
		"unread/Source A/" + aNames[1],
		"unread/Source B/" + bNames[0],
		"unread/Source B/" + bNames[1],
		"unread/Source B/" + bNames[2],
	}
	sort.Strings(want)
	assert.Equal(t, want, zipEntries(t, buf.Bytes()))
	assert.Len(t, res.Marked, 5)

	for _, d := range env.downloaded(t, a) {
		assert.True(t, d)
	}
	for _, d := range env.downloaded(t, b) {
		assert.True(t, d)
	}

	// nothing left unread: an empty but valid archive
	buf.Reset()
	res, err = exp.BuildArchive(ctx, UnreadAll(a.FilesystemID), &buf)
	require.NoError(t, err)
	assert.Empty(t, res.Entries)
	assert.Empty(t, zipEntries(t, buf.Bytes()))
}

func TestBuildArchive_DownloadAll(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b, names := env.seed(t, "Source B", 3, 0)
	require.NoError(t, env.intake.SetDownloaded(ctx, b.FilesystemID, []string{names[0]}, true))
	before := env.downloaded(t, b)

	var buf bytes.Buffer
	res, err := env.export(nil, nil).BuildArchive(ctx, DownloadAll(b.FilesystemID), &buf)
	require.NoError(t, err)

	want := []string{"all/Source B/" + names[0], "all/Source B/" + names[1], "all/Source B/" + names[2]}
	assert.Equal(t, want, zipEntries(t, buf.Bytes()))
	assert.Empty(t, res.Marked)
	assert.Equal(t, before, env.downloaded(t, b))
}

func TestBuildArchive_InvalidSelection(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.seed(t, "A", 1, 0)
	_, bNames := env.seed(t, "B", 1, 0)
	spy := &spyStore{Store: env.blobs}
	exp := env.export(spy, nil)
	ctx := context.Background()

	cases := map[string]Selection{
		"foreign submission": Explicit(a.FilesystemID, bNames[0]),
		"no filenames":       Explicit(a.FilesystemID),
		"no sources":         UnreadAll(),
		"two explicit":       {Policy: PolicyExplicit, Sources: []string{a.FilesystemID, "x"}, Filenames: []string{"f"}},
		"unknown policy":     {Policy: "some", Sources: []string{a.FilesystemID}},
		"unsafe id":          DownloadAll("../etc"),
	}
	for name, sel := range cases {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			_, err := exp.BuildArchive(ctx, sel, &buf)
			require.ErrorIs(t, err, common.ErrInvalidSelection)
			assert.Zero(t, buf.Len())
		})
	}
	assert.Zero(t, spy.opens, "rejected before any blob I/O")

	_, err := exp.BuildArchive(ctx, DownloadAll(a.FilesystemID, "missing"), io.Discard)
	assert.ErrorIs(t, err, common.ErrorNotFound)
	assert.Zero(t, spy.opens)
}

func TestBuildArchive_ReadFailureMarksNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, aNames := env.seed(t, "A", 3, 0)
	b, _ := env.seed(t, "B", 2, 0)

	metrics := &archiveMetrics{}
	failing := &spyStore{Store: env.blobs, failOn: aNames[1]}
	_, err := env.export(failing, metrics).BuildArchive(ctx, UnreadAll(a.FilesystemID, b.FilesystemID), io.Discard)
	require.ErrorIs(t, err, common.ErrIOFailure)

	for _, d := range env.downloaded(t, a) {
		assert.False(t, d)
	}
	for _, d := range env.downloaded(t, b) {
		assert.False(t, d)
	}
	assert.Equal(t, []bool{false}, metrics.results)
}

func TestBuildArchive_ChecksumMismatch(t *testing.T) {
	env := newTestEnv(t)
	a, names := env.seed(t, "A", 1, 0)
	p := filepath.Join(env.blobs.Path(a.FilesystemID), names[0])
	require.NoError(t, os.WriteFile(p, []byte("tampered"), 0o600))

	_, err := env.export(nil, nil).BuildArchive(context.Background(), UnreadAll(a.FilesystemID), io.Discard)
	require.ErrorIs(t, err, common.ErrIOFailure)
	for _, d := range env.downloaded(t, a) {
		assert.False(t, d)
	}
}

func TestBuildArchive_WriterFailure(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.seed(t, "A", 2, 0)

	_, err := env.export(nil, nil).BuildArchive(context.Background(), UnreadAll(a.FilesystemID), failingWriter{})
	require.ErrorIs(t, err, common.ErrIOFailure)
	for _, d := range env.downloaded(t, a) {
		assert.False(t, d)
	}
}

func TestBuildArchive_FlushFailureMarksNothing(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.seed(t, "A", 2, 0)

	bw := bufio.NewWriterSize(failingWriter{}, 1<<20)
	_, err := env.export(nil, nil).BuildArchive(context.Background(), UnreadAll(a.FilesystemID), bw)
	require.ErrorIs(t, err, common.ErrIOFailure)
	for _, d := range env.downloaded(t, a) {
		assert.False(t, d)
	}
}

func TestBuildArchive_CanceledMarksNothing(t *testing.T) {
	env := newTestEnv(t)
	a, names := env.seed(t, "A", 3, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancelling := &spyStore{Store: env.blobs, onOpen: func(name string) {
		if name == names[1] {
			cancel()
		}
	}}
	_, err := env.export(cancelling, nil).BuildArchive(ctx, UnreadAll(a.FilesystemID), io.Discard)
	require.ErrorIs(t, err, context.Canceled)
	for _, d := range env.downloaded(t, a) {
		assert.False(t, d)
	}
}

func TestBuildArchive_Metrics(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.seed(t, "A", 2, 0)
	m := &archiveMetrics{}

	res, err := env.export(nil, m).BuildArchive(context.Background(), DownloadAll(a.FilesystemID), io.Discard)
	require.NoError(t, err)
	assert.Equal(t, []bool{true}, m.results)
	assert.Equal(t, res.Bytes, m.bytes)
	assert.Equal(t, []string{"all"}, m.policies)
}

// spyStore counts opens and can fail or hook a specific blob.
type spyStore struct {
	blobstore.Store
	mu     sync.Mutex
	opens  int
	failOn string
	onOpen func(name string)
}

func (s *spyStore) Open(ctx context.Context, fsid, name string) (io.ReadCloser, error) {
	s.mu.Lock()
	s.opens++
	s.mu.Unlock()
	if s.onOpen != nil {
		s.onOpen(name)
	}
	rc, err := s.Store.Open(ctx, fsid, name)
	if err != nil || name != s.failOn {
		return rc, err
	}
	return &halfReader{rc: rc}, nil
}

// halfReader returns a few bytes and then an I/O error.
type halfReader struct {
	rc   io.ReadCloser
	done bool
}

func (h *halfReader) Read(p []byte) (int, error) {
	if h.done {
		return 0, errors.New("read: input/output error")
	}
	h.done = true
	if len(p) > 8 {
		p = p[:8]
	}
	return h.rc.Read(p)
}

func (h *halfReader) Close() error { return h.rc.Close() }

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

type archiveMetrics struct {
	results  []bool
	policies []string
	bytes    int64
}

func (m *archiveMetrics) ArchiveBuilt(policy string, ok bool, n int64) {
	m.results = append(m.results, ok)
	m.policies = append(m.policies, policy)
	m.bytes += n
}

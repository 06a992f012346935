package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/dmitrijs2005/gophdrop/internal/common"
	"github.com/dmitrijs2005/gophdrop/internal/cryptox"
	"github.com/dmitrijs2005/gophdrop/internal/dbx"
	"github.com/dmitrijs2005/gophdrop/internal/lockx"
	"github.com/dmitrijs2005/gophdrop/internal/logging"
	"github.com/dmitrijs2005/gophdrop/internal/server/blobstore"
	"github.com/dmitrijs2005/gophdrop/internal/server/models"
	"github.com/dmitrijs2005/gophdrop/internal/server/repositories/repomanager"
	"github.com/klauspost/compress/zip"
)

// Policy selects which submissions an archive includes.
type Policy string

const (
	PolicyExplicit    Policy = "explicit"
	PolicyUnreadAll   Policy = "unread"
	PolicyDownloadAll Policy = "all"
)

// Namespace is the top-level archive directory for the policy.
func (p Policy) Namespace() string {
	switch p {
	case PolicyUnreadAll:
		return common.NamespaceUnread
	case PolicyDownloadAll:
		return common.NamespaceAll
	default:
		return common.NamespaceExplicit
	}
}

// Selection describes one export request. Build it with Explicit,
// UnreadAll or DownloadAll.
type Selection struct {
	Policy Policy
	// Sources are filesystem identifiers.
	Sources []string
	// Filenames is only used by PolicyExplicit.
	Filenames []string
}

// Explicit selects the named submissions of one source.
func Explicit(fsid string, filenames ...string) Selection {
	return Selection{Policy: PolicyExplicit, Sources: []string{fsid}, Filenames: filenames}
}

// UnreadAll selects every not-yet-downloaded submission of each source.
func UnreadAll(fsids ...string) Selection {
	return Selection{Policy: PolicyUnreadAll, Sources: fsids}
}

// DownloadAll selects every submission of each source.
func DownloadAll(fsids ...string) Selection {
	return Selection{Policy: PolicyDownloadAll, Sources: fsids}
}

func (s Selection) validate() error {
	if len(s.Sources) == 0 {
		return fmt.Errorf("%w: no sources", common.ErrInvalidSelection)
	}
	for _, fsid := range s.Sources {
		if !common.IsPathSafe(fsid) {
			return fmt.Errorf("%w: bad source id %q", common.ErrInvalidSelection, fsid)
		}
	}
	switch s.Policy {
	case PolicyExplicit:
		if len(s.Sources) != 1 {
			return fmt.Errorf("%w: explicit selection takes exactly one source", common.ErrInvalidSelection)
		}
		if len(s.Filenames) == 0 {
			return fmt.Errorf("%w: no submissions", common.ErrInvalidSelection)
		}
	case PolicyUnreadAll, PolicyDownloadAll:
		if len(s.Filenames) != 0 {
			return fmt.Errorf("%w: filenames only apply to explicit selections", common.ErrInvalidSelection)
		}
	default:
		return fmt.Errorf("%w: unknown policy %q", common.ErrInvalidSelection, s.Policy)
	}
	return nil
}

// ArchiveResult describes a finished archive.
type ArchiveResult struct {
	// Entries are the archive paths in write order.
	Entries []string
	// Bytes counts blob bytes, excluding zip framing.
	Bytes int64
	// Marked lists submission IDs flipped to downloaded.
	Marked []string
}

type exportItem struct {
	fsid       string
	entry      string
	submission *models.Submission
}

type exportMetrics interface {
	ArchiveBuilt(policy string, ok bool, bytes int64)
}

// ExportService streams selected submissions into a zip archive.
type ExportService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	blobs       blobstore.Store
	locks       *lockx.Keyed
	log         logging.Logger
	metrics     exportMetrics
}

func NewExportService(db *sql.DB, rm repomanager.RepositoryManager, blobs blobstore.Store,
	locks *lockx.Keyed, log logging.Logger, metrics exportMetrics,
) *ExportService {
	return &ExportService{
		db:          db,
		repomanager: rm,
		blobs:       blobs,
		locks:       locks,
		log:         log.With("module", "export"),
		metrics:     metrics,
	}
}

// BuildArchive writes the selection to w as a zip with entries at
// <namespace>/<journalistDesignation>/<filename>. The selection is fully
// resolved before any blob is read. Only UnreadAll marks submissions
// downloaded, and only after the archive was closed without error; any
// failure or cancellation leaves read-state untouched.
func (s *ExportService) BuildArchive(ctx context.Context, sel Selection, w io.Writer) (*ArchiveResult, error) {
	res, err := s.buildArchive(ctx, sel, w)
	if s.metrics != nil {
		var n int64
		if res != nil {
			n = res.Bytes
		}
		s.metrics.ArchiveBuilt(string(sel.Policy), err == nil, n)
	}
	return res, err
}

func (s *ExportService) buildArchive(ctx context.Context, sel Selection, w io.Writer) (*ArchiveResult, error) {
	if err := sel.validate(); err != nil {
		return nil, err
	}
	fsids := dedupe(sel.Sources)

	unlock := s.locks.LockAll(fsids)
	defer unlock()

	items, err := s.resolve(ctx, sel, fsids)
	if err != nil {
		return nil, err
	}

	res := &ArchiveResult{}
	zw := zip.NewWriter(w)
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := s.appendBlob(ctx, zw, it)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.log.Error(ctx, "archive build aborted", "policy", sel.Policy, "entry", it.entry, "error", err)
			return nil, err
		}
		res.Entries = append(res.Entries, it.entry)
		res.Bytes += n
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("%w: finish archive: %v", common.ErrIOFailure, err)
	}
	// buffered writers must have handed everything on before anything is marked
	if f, ok := w.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			return nil, fmt.Errorf("%w: flush archive: %v", common.ErrIOFailure, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if sel.Policy == PolicyUnreadAll && len(items) > 0 {
		ids := make([]string, 0, len(items))
		for _, it := range items {
			ids = append(ids, it.submission.ID)
		}
		err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
			return s.repomanager.Sources(tx).MarkDownloaded(ctx, ids)
		})
		if err != nil {
			return nil, fmt.Errorf("%w: mark downloaded: %v", common.ErrRecordStore, err)
		}
		res.Marked = ids
	}

	s.log.Info(ctx, "archive built", "policy", sel.Policy, "entries", len(res.Entries), "bytes", res.Bytes)
	return res, nil
}

// resolve turns the selection into an ordered list of archive entries.
// Sources keep their selection order; submissions are ordered by filename.
func (s *ExportService) resolve(ctx context.Context, sel Selection, fsids []string) ([]exportItem, error) {
	repo := s.repomanager.Sources(s.db)
	ns := sel.Policy.Namespace()

	var items []exportItem
	for _, fsid := range fsids {
		src, err := repo.GetByFilesystemID(ctx, fsid)
		if err != nil {
			if errors.Is(err, common.ErrorNotFound) {
				return nil, fmt.Errorf("source %s: %w", fsid, common.ErrorNotFound)
			}
			return nil, fmt.Errorf("%w: resolve source: %v", common.ErrRecordStore, err)
		}
		subs, err := repo.ListSubmissions(ctx, src.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: list submissions: %v", common.ErrRecordStore, err)
		}

		var picked []*models.Submission
		switch sel.Policy {
		case PolicyExplicit:
			picked, err = pickByName(subs, sel.Filenames)
			if err != nil {
				return nil, err
			}
		case PolicyUnreadAll:
			for _, sub := range subs {
				if !sub.Downloaded {
					picked = append(picked, sub)
				}
			}
		case PolicyDownloadAll:
			picked = subs
		}

		dir := archiveDirName(src.JournalistDesignation)
		for _, sub := range picked {
			items = append(items, exportItem{
				fsid:       fsid,
				entry:      path.Join(ns, dir, sub.Filename),
				submission: sub,
			})
		}
	}
	return items, nil
}

func pickByName(subs []*models.Submission, names []string) ([]*models.Submission, error) {
	byName := make(map[string]*models.Submission, len(subs))
	for _, sub := range subs {
		byName[sub.Filename] = sub
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		if _, ok := byName[n]; !ok {
			return nil, fmt.Errorf("%w: submission %q does not belong to source", common.ErrInvalidSelection, n)
		}
		want[n] = true
	}
	var out []*models.Submission
	for _, sub := range subs {
		if want[sub.Filename] {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *ExportService) appendBlob(ctx context.Context, zw *zip.Writer, it exportItem) (int64, error) {
	rc, err := s.blobs.Open(ctx, it.fsid, it.submission.Filename)
	if err != nil {
		return 0, fmt.Errorf("%w: open %s: %v", common.ErrIOFailure, it.entry, err)
	}
	defer rc.Close()

	// Blobs are already encrypted and compressed; store them as is.
	fw, err := zw.CreateHeader(&zip.FileHeader{Name: it.entry, Method: zip.Store})
	if err != nil {
		return 0, fmt.Errorf("%w: create entry %s: %v", common.ErrIOFailure, it.entry, err)
	}

	h := cryptox.NewChecksum()
	n, err := io.Copy(io.MultiWriter(fw, h), &ctxReader{ctx: ctx, r: rc})
	if err != nil {
		return n, fmt.Errorf("%w: copy %s: %v", common.ErrIOFailure, it.entry, err)
	}
	if want := it.submission.Checksum; want != "" && cryptox.ChecksumHex(h) != want {
		return n, fmt.Errorf("%w: checksum mismatch for %s", common.ErrIOFailure, it.entry)
	}
	return n, nil
}

// archiveDirName keeps a designation to a single path element.
func archiveDirName(designation string) string {
	d := strings.NewReplacer("/", "_", "\\", "_").Replace(strings.TrimSpace(designation))
	if d == "" || d == "." || d == ".." {
		return "unknown"
	}
	return d
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// ctxReader stops a copy as soon as ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

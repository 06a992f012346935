package services

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/dmitrijs2005/gophdrop/internal/common"
	"github.com/dmitrijs2005/gophdrop/internal/cryptox"
	"github.com/dmitrijs2005/gophdrop/internal/dbx"
	"github.com/dmitrijs2005/gophdrop/internal/lockx"
	"github.com/dmitrijs2005/gophdrop/internal/logging"
	"github.com/dmitrijs2005/gophdrop/internal/server/blobstore"
	"github.com/dmitrijs2005/gophdrop/internal/server/keystore"
	"github.com/dmitrijs2005/gophdrop/internal/server/models"
	"github.com/dmitrijs2005/gophdrop/internal/server/repositories/repomanager"
	"github.com/klauspost/compress/gzip"
)

// filesystemIDBytes is the entropy of a generated filesystem id.
const filesystemIDBytes = 32

// IntakeService creates sources and stores what they send and receive.
type IntakeService struct {
	db            *sql.DB
	repomanager   repomanager.RepositoryManager
	keys          keystore.KeyStore
	blobs         blobstore.Store
	locks         *lockx.Keyed
	log           logging.Logger
	journalistKey string
}

// NewIntakeService validates journalistKey, the age public key every
// submission is encrypted to.
func NewIntakeService(db *sql.DB, rm repomanager.RepositoryManager, keys keystore.KeyStore,
	blobs blobstore.Store, locks *lockx.Keyed, log logging.Logger, journalistKey string,
) (*IntakeService, error) {
	if _, err := cryptox.ParsePublicKey(journalistKey); err != nil {
		return nil, fmt.Errorf("journalist key: %w", err)
	}
	return &IntakeService{
		db:            db,
		repomanager:   rm,
		keys:          keys,
		blobs:         blobs,
		locks:         locks,
		log:           log.With("module", "intake"),
		journalistKey: journalistKey,
	}, nil
}

// CreateSource registers a new source with a random filesystem id and a
// fresh keypair.
func (s *IntakeService) CreateSource(ctx context.Context, designation string) (*models.Source, error) {
	designation = strings.TrimSpace(designation)
	if designation == "" {
		return nil, fmt.Errorf("%w: empty designation", common.ErrInvalidSelection)
	}
	fsid, err := common.MakeRandHexString(filesystemIDBytes)
	if err != nil {
		return nil, err
	}

	if _, err := s.keys.Generate(ctx, fsid); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrKeyStore, err)
	}

	src := &models.Source{FilesystemID: fsid, JournalistDesignation: designation}
	if err := s.repomanager.Sources(s.db).Create(ctx, src); err != nil {
		if kerr := s.keys.Delete(ctx, fsid); kerr != nil {
			s.log.Error(ctx, "orphaned keypair after failed source insert", "filesystem_id", fsid, "error", kerr)
		}
		return nil, fmt.Errorf("%w: %v", common.ErrRecordStore, err)
	}

	s.log.Info(ctx, "source created", "source_id", src.ID)
	return src, nil
}

// Submit gzips plaintext, encrypts it to the journalist key and stores it as
// the source's next document.
func (s *IntakeService) Submit(ctx context.Context, fsid string, plaintext io.Reader) (*models.Submission, error) {
	s.locks.Lock(fsid)
	defer s.locks.Unlock(fsid)

	src, n, err := s.nextInteraction(ctx, fsid)
	if err != nil {
		return nil, err
	}
	name := fmt.Sprintf("%d-%s-doc.gz.age", n, slug(src.JournalistDesignation))

	size, sum, err := s.store(ctx, fsid, name, plaintext, true, s.journalistKey)
	if err != nil {
		return nil, err
	}

	sub := &models.Submission{SourceID: src.ID, Filename: name, Size: size, Checksum: sum}
	if err := s.repomanager.Sources(s.db).AddSubmission(ctx, sub); err != nil {
		s.log.Error(ctx, "submission row not written, blob is orphaned", "filesystem_id", fsid, "filename", name, "error", err)
		return nil, fmt.Errorf("%w: %v", common.ErrRecordStore, err)
	}
	return sub, nil
}

// Reply stores a staff message encrypted to both the source and the
// journalist key.
func (s *IntakeService) Reply(ctx context.Context, fsid, journalistID string, plaintext io.Reader) (*models.Reply, error) {
	s.locks.Lock(fsid)
	defer s.locks.Unlock(fsid)

	src, n, err := s.nextInteraction(ctx, fsid)
	if err != nil {
		return nil, err
	}
	sourceKey, err := s.keys.PublicKey(ctx, fsid)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrKeyStore, err)
	}
	name := fmt.Sprintf("%d-%s-reply.age", n, slug(src.JournalistDesignation))

	size, sum, err := s.store(ctx, fsid, name, plaintext, false, sourceKey, s.journalistKey)
	if err != nil {
		return nil, err
	}

	reply := &models.Reply{SourceID: src.ID, JournalistID: journalistID, Filename: name, Size: size, Checksum: sum}
	if err := s.repomanager.Sources(s.db).AddReply(ctx, reply); err != nil {
		s.log.Error(ctx, "reply row not written, blob is orphaned", "filesystem_id", fsid, "filename", name, "error", err)
		return nil, fmt.Errorf("%w: %v", common.ErrRecordStore, err)
	}
	return reply, nil
}

// SetDownloaded is the explicit admin toggle for read-state.
func (s *IntakeService) SetDownloaded(ctx context.Context, fsid string, filenames []string, downloaded bool) error {
	s.locks.Lock(fsid)
	defer s.locks.Unlock(fsid)

	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Sources(tx)
		src, err := repo.GetByFilesystemID(ctx, fsid)
		if err != nil {
			return err
		}
		subs, err := repo.ListSubmissions(ctx, src.ID)
		if err != nil {
			return err
		}
		picked, err := pickByName(subs, filenames)
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(picked))
		for _, sub := range picked {
			ids = append(ids, sub.ID)
		}
		return repo.SetDownloaded(ctx, ids, downloaded)
	})
}

// SetFlagged marks a source for attention.
func (s *IntakeService) SetFlagged(ctx context.Context, fsid string, flagged bool) error {
	s.locks.Lock(fsid)
	defer s.locks.Unlock(fsid)

	repo := s.repomanager.Sources(s.db)
	src, err := repo.GetByFilesystemID(ctx, fsid)
	if err != nil {
		return err
	}
	return repo.SetFlagged(ctx, src.ID, flagged)
}

// nextInteraction returns the source and the sequence number of its next
// document; submissions and replies share one counter.
func (s *IntakeService) nextInteraction(ctx context.Context, fsid string) (*models.Source, int, error) {
	repo := s.repomanager.Sources(s.db)
	src, err := repo.GetByFilesystemID(ctx, fsid)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, 0, fmt.Errorf("source %s: %w", fsid, common.ErrorNotFound)
		}
		return nil, 0, fmt.Errorf("%w: %v", common.ErrRecordStore, err)
	}
	subs, err := repo.ListSubmissions(ctx, src.ID)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", common.ErrRecordStore, err)
	}
	replies, err := repo.ListReplies(ctx, src.ID)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", common.ErrRecordStore, err)
	}
	return src, len(subs) + len(replies) + 1, nil
}

// store encrypts plaintext (gzipped first when compress is set) and writes
// it to the blob store, returning the ciphertext size and checksum.
func (s *IntakeService) store(ctx context.Context, fsid, name string, plaintext io.Reader, compress bool, keys ...string) (int64, string, error) {
	var buf bytes.Buffer
	enc, err := cryptox.Encrypt(&buf, keys...)
	if err != nil {
		return 0, "", err
	}

	var sink io.WriteCloser = enc
	if compress {
		sink = gzip.NewWriter(enc)
	}
	if _, err := io.Copy(sink, plaintext); err != nil {
		return 0, "", fmt.Errorf("%w: read upload: %v", common.ErrIOFailure, err)
	}
	if err := sink.Close(); err != nil {
		return 0, "", fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}
	if compress {
		if err := enc.Close(); err != nil {
			return 0, "", fmt.Errorf("%w: %v", common.ErrIOFailure, err)
		}
	}

	sum, _, err := cryptox.Checksum(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return 0, "", err
	}
	n, err := s.blobs.Put(ctx, fsid, name, &buf)
	if err != nil {
		return 0, "", err
	}
	return n, sum, nil
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func slug(designation string) string {
	sl := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(designation), "-"), "-")
	if sl == "" {
		return "source"
	}
	return sl
}

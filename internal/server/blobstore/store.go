// Package blobstore stores the encrypted submission and reply files of each
// source, addressed by (filesystem id, filename).
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dmitrijs2005/gophdrop/internal/common"
)

// Store is the encrypted blob store. Open returns common.ErrorNotFound for
// a missing blob.
type Store interface {
	Open(ctx context.Context, fsid, name string) (io.ReadCloser, error)
	Put(ctx context.Context, fsid, name string, r io.Reader) (int64, error)
	// Path is the erase target holding every blob of fsid.
	Path(fsid string) string
	// BlobPath is the erase target of a single blob.
	BlobPath(fsid, name string) string
}

// ErrUnsafeName rejects identifiers that would escape the source's
// directory or prefix.
var ErrUnsafeName = errors.New("unsafe blob name")

func checkNames(names ...string) error {
	for _, n := range names {
		if !common.IsPathSafe(n) {
			return fmt.Errorf("%w: %q", ErrUnsafeName, n)
		}
	}
	return nil
}

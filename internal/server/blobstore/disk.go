package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dmitrijs2005/gophdrop/internal/common"
	"github.com/dmitrijs2005/gophdrop/internal/filex"
)

// DiskStore lays blobs out as <root>/<fsid>/<name>.
type DiskStore struct {
	root string
}

var _ Store = (*DiskStore)(nil)

func NewDiskStore(root string) (*DiskStore, error) {
	abs, err := filex.EnsureDir(root, 0o700)
	if err != nil {
		return nil, err
	}
	return &DiskStore{root: abs}, nil
}

func (d *DiskStore) Path(fsid string) string {
	return filepath.Join(d.root, fsid)
}

func (d *DiskStore) BlobPath(fsid, name string) string {
	return filepath.Join(d.root, fsid, name)
}

func (d *DiskStore) Open(ctx context.Context, fsid, name string) (io.ReadCloser, error) {
	if err := checkNames(fsid, name); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(d.root, fsid, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: open %s/%s: %v", common.ErrIOFailure, fsid, name, err)
	}
	return f, nil
}

func (d *DiskStore) Put(ctx context.Context, fsid, name string, r io.Reader) (int64, error) {
	if err := checkNames(fsid, name); err != nil {
		return 0, err
	}
	dir, err := filex.EnsureDir(d.Path(fsid), 0o700)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}
	n, err := filex.WriteAtomic(filepath.Join(dir, name), r, 0o600)
	if err != nil {
		return n, fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}
	return n, nil
}

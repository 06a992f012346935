// Package keystore holds the per-source age keypairs, addressed by the
// source's filesystem identifier.
package keystore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dmitrijs2005/gophdrop/internal/common"
	"github.com/dmitrijs2005/gophdrop/internal/cryptox"
	"github.com/dmitrijs2005/gophdrop/internal/filex"
	"github.com/dmitrijs2005/gophdrop/internal/server/erasure"
)

// KeyStore stores exactly one keypair per source.
type KeyStore interface {
	// Generate creates the keypair for fsid and returns its public key. It
	// fails if one already exists.
	Generate(ctx context.Context, fsid string) (string, error)
	PublicKey(ctx context.Context, fsid string) (string, error)
	// Identity returns the private key; callers must not log or persist it.
	Identity(ctx context.Context, fsid string) (string, error)
	// Delete removes the keypair. Returns common.ErrorNotFound if there is
	// none.
	Delete(ctx context.Context, fsid string) error
}

// ErrInvalidID rejects identifiers that cannot name a key file.
var ErrInvalidID = errors.New("invalid filesystem id")

const keySuffix = ".key"

// FileKeyStore keeps each identity in <dir>/<fsid>.key with mode 0600.
type FileKeyStore struct {
	dir    string
	eraser erasure.Eraser
}

var _ KeyStore = (*FileKeyStore)(nil)

// NewFileKeyStore creates dir if needed. Deleted key files are destroyed
// with eraser.
func NewFileKeyStore(dir string, eraser erasure.Eraser) (*FileKeyStore, error) {
	abs, err := filex.EnsureDir(dir, 0o700)
	if err != nil {
		return nil, err
	}
	return &FileKeyStore{dir: abs, eraser: eraser}, nil
}

func (k *FileKeyStore) path(fsid string) (string, error) {
	if !common.IsPathSafe(fsid) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, fsid)
	}
	return filepath.Join(k.dir, fsid+keySuffix), nil
}

func (k *FileKeyStore) Generate(ctx context.Context, fsid string) (string, error) {
	p, err := k.path(fsid)
	if err != nil {
		return "", err
	}
	kp, err := cryptox.GenerateKeypair()
	if err != nil {
		return "", err
	}

	// O_EXCL keeps an existing keypair from being replaced.
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("create key %s: %w", fsid, err)
	}
	if _, err := f.WriteString(kp.PrivateKey + "\n"); err != nil {
		_ = f.Close()
		_ = os.Remove(p)
		return "", fmt.Errorf("write key %s: %w", fsid, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(p)
		return "", fmt.Errorf("sync key %s: %w", fsid, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close key %s: %w", fsid, err)
	}
	return kp.PublicKey, nil
}

func (k *FileKeyStore) Identity(ctx context.Context, fsid string) (string, error) {
	p, err := k.path(fsid)
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return "", common.ErrorNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read key %s: %w", fsid, err)
	}
	defer common.WipeByteArray(b)

	priv := strings.TrimSpace(string(b))
	if _, err := cryptox.ParsePrivateKey(priv); err != nil {
		return "", fmt.Errorf("key %s: %w", fsid, err)
	}
	return priv, nil
}

func (k *FileKeyStore) PublicKey(ctx context.Context, fsid string) (string, error) {
	priv, err := k.Identity(ctx, fsid)
	if err != nil {
		return "", err
	}
	id, err := cryptox.ParsePrivateKey(priv)
	if err != nil {
		return "", err
	}
	return id.Recipient().String(), nil
}

func (k *FileKeyStore) Delete(ctx context.Context, fsid string) error {
	p, err := k.path(fsid)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return common.ErrorNotFound
		}
		return fmt.Errorf("stat key %s: %w", fsid, err)
	}
	if err := k.eraser.Erase(ctx, p); err != nil {
		return fmt.Errorf("erase key %s: %w", fsid, err)
	}
	return nil
}

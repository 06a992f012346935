// Package erasure implements secure erase of source directories and the
// asynchronous job queue that runs it off the request path.
package erasure

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dmitrijs2005/gophdrop/internal/common"
	"golang.org/x/crypto/chacha20"
)

// Eraser irreversibly removes everything at target. An absent target is
// success.
type Eraser interface {
	Erase(ctx context.Context, target string) error
}

const (
	DefaultPasses = 3
	shredBlock    = 64 * 1024
)

// Shredder overwrites every regular file under a tree with ChaCha20
// keystream passes and a final zero pass before unlinking it. Symlinks are
// removed without being followed.
type Shredder struct {
	Passes int
}

var _ Eraser = (*Shredder)(nil)

func NewShredder(passes int) *Shredder {
	if passes <= 0 {
		passes = DefaultPasses
	}
	return &Shredder{Passes: passes}
}

func (s *Shredder) Erase(ctx context.Context, target string) error {
	fi, err := os.Lstat(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: stat %s: %v", common.ErrIOFailure, target, err)
	}
	if !fi.IsDir() {
		return s.removeEntry(target, fi.Mode())
	}

	type node struct {
		path string
		mode fs.FileMode
	}
	var nodes []node
	err = filepath.WalkDir(target, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		nodes = append(nodes, node{path: path, mode: d.Type()})
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: walk %s: %v", common.ErrIOFailure, target, err)
	}

	// Walk order is parents first; reverse it so directories are empty by
	// the time they are removed.
	for i := len(nodes) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.removeEntry(nodes[i].path, nodes[i].mode); err != nil {
			return err
		}
	}
	return nil
}

func (s *Shredder) removeEntry(path string, mode fs.FileMode) error {
	var err error
	switch {
	case mode.IsRegular():
		err = s.shredFile(path)
	case mode.IsDir():
		err = os.Remove(path)
	default:
		// symlinks, sockets, fifos: nothing to overwrite
		err = os.Remove(path)
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: erase %s: %v", common.ErrIOFailure, path, err)
	}
	return nil
}

func (s *Shredder) shredFile(path string) error {
	if err := os.Chmod(path, 0o600); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	size := fi.Size()

	for pass := 0; pass <= s.Passes; pass++ {
		zero := pass == s.Passes
		if err := overwrite(f, size, zero); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	// Rename before unlinking so the original name does not linger in the
	// directory entry.
	renamed := filepath.Join(filepath.Dir(path), hex.EncodeToString(common.GenerateRandByteArray(12)))
	if err := os.Rename(path, renamed); err != nil {
		return err
	}
	return os.Remove(renamed)
}

func overwrite(f *os.File, size int64, zero bool) error {
	var stream *chacha20.Cipher
	if !zero {
		key := common.GenerateRandByteArray(chacha20.KeySize)
		nonce := common.GenerateRandByteArray(chacha20.NonceSize)
		var err error
		stream, err = chacha20.NewUnauthenticatedCipher(key, nonce)
		common.WipeByteArray(key)
		if err != nil {
			return err
		}
	}

	buf := make([]byte, shredBlock)
	for off := int64(0); off < size; {
		n := int64(len(buf))
		if rem := size - off; rem < n {
			n = rem
		}
		chunk := buf[:n]
		clear(chunk)
		if stream != nil {
			stream.XORKeyStream(chunk, chunk)
		}
		if _, err := f.WriteAt(chunk, off); err != nil {
			return err
		}
		off += n
	}
	return f.Sync()
}

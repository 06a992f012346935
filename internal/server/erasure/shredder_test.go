package erasure

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/dmitrijs2005/gophdrop/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "nested", "deeper"), 0o700))
	for name, body := range map[string]string{
		"1-doc.gz.age":            "ciphertext one",
		"2-doc.gz.age":            "ciphertext two, somewhat longer than the first",
		"nested/3-reply.age":      "reply",
		"nested/deeper/empty.age": "",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(body), 0o400))
	}
}

func TestShredder_RemovesTree(t *testing.T) {
	root := filepath.Join(t.TempDir(), "fs1")
	writeTree(t, root)

	s := NewShredder(2)
	require.NoError(t, s.Erase(context.Background(), root))

	_, err := os.Stat(root)
	assert.True(t, os.IsNotExist(err))
	// nothing renamed left behind in the parent
	entries, err := os.ReadDir(filepath.Dir(root))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestShredder_AbsentTargetTwice(t *testing.T) {
	root := filepath.Join(t.TempDir(), "gone")
	s := NewShredder(1)

	require.NoError(t, s.Erase(context.Background(), root))
	require.NoError(t, s.Erase(context.Background(), root))
}

func TestShredder_DoesNotFollowSymlinks(t *testing.T) {
	base := t.TempDir()
	outside := filepath.Join(base, "outside.txt")
	require.NoError(t, os.WriteFile(outside, []byte("keep me"), 0o600))

	root := filepath.Join(base, "fs1")
	require.NoError(t, os.MkdirAll(root, 0o700))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "link")))

	require.NoError(t, NewShredder(1).Erase(context.Background(), root))

	b, err := os.ReadFile(outside)
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(b))
	_, err = os.Stat(root)
	assert.True(t, os.IsNotExist(err))
}

func TestShredder_SingleFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(p, []byte("AGE-SECRET-KEY-1..."), 0o600))

	require.NoError(t, NewShredder(0).Erase(context.Background(), p))
	_, err := os.Stat(p)
	assert.True(t, os.IsNotExist(err))
}

func TestShredder_OverwritesBeforeUnlink(t *testing.T) {
	p := filepath.Join(t.TempDir(), "doc")
	require.NoError(t, os.WriteFile(p, []byte("secret bytes"), 0o600))

	f, err := os.OpenFile(p, os.O_WRONLY, 0)
	require.NoError(t, err)
	require.NoError(t, overwrite(f, 12, false))
	require.NoError(t, f.Close())

	b, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Len(t, b, 12)
	assert.NotEqual(t, "secret bytes", string(b))

	f, err = os.OpenFile(p, os.O_WRONLY, 0)
	require.NoError(t, err)
	require.NoError(t, overwrite(f, 12, true))
	require.NoError(t, f.Close())

	b, err = os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 12), b)
}

func TestShredder_CanceledContext(t *testing.T) {
	root := filepath.Join(t.TempDir(), "fs1")
	writeTree(t, root)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewShredder(1).Erase(ctx, root)
	require.ErrorIs(t, err, context.Canceled)
	_, statErr := os.Stat(root)
	assert.NoError(t, statErr)
}

func TestShredder_IOFailureIsReported(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	root := filepath.Join(t.TempDir(), "fs1")
	writeTree(t, root)
	require.NoError(t, os.Chmod(root, 0o500))
	t.Cleanup(func() { _ = os.Chmod(root, 0o700) })

	err := NewShredder(1).Erase(context.Background(), root)
	require.ErrorIs(t, err, common.ErrIOFailure)
}

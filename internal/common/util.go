package common

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
)

// MakeRandHexString returns size random bytes encoded as hex, so the result
// is 2*size characters long. Filesystem identifiers are built with it.
func MakeRandHexString(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// GenerateRandByteArray returns size bytes from crypto/rand. It panics if the
// system randomness source fails, which leaves nothing sensible to do.
func GenerateRandByteArray(size int) []byte {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

// WipeByteArray overwrites b with zeros. Nil is a no-op.
func WipeByteArray(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

var pathSafe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// IsPathSafe reports whether s can be used as a single path element: no
// separators, no leading dot, no "..".
func IsPathSafe(s string) bool {
	return len(s) <= 255 && pathSafe.MatchString(s) && s != "." && s != ".."
}

// Package cryptox wraps the primitives gophdrop stores and verifies data
// with: age X25519 keypairs for per-source and journalist keys, and BLAKE3
// digests for blob integrity.
package cryptox

import (
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"filippo.io/age"
	"github.com/zeebo/blake3"
)

// Keypair is an age X25519 identity in its text encodings.
type Keypair struct {
	// PrivateKey is in AGE-SECRET-KEY-1... form. Never log it.
	PrivateKey string
	// PublicKey is in age1... form.
	PublicKey string
}

// GenerateKeypair creates a fresh X25519 keypair.
func GenerateKeypair() (*Keypair, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age keypair: %w", err)
	}
	return &Keypair{
		PrivateKey: identity.String(),
		PublicKey:  identity.Recipient().String(),
	}, nil
}

// ParsePublicKey validates an age1... public key.
func ParsePublicKey(publicKey string) (*age.X25519Recipient, error) {
	r, err := age.ParseX25519Recipient(publicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid age public key: %w", err)
	}
	return r, nil
}

// ParsePrivateKey validates an AGE-SECRET-KEY-1... private key.
func ParsePrivateKey(privateKey string) (*age.X25519Identity, error) {
	id, err := age.ParseX25519Identity(privateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid age private key: %w", err)
	}
	return id, nil
}

// Encrypt returns a writer that encrypts everything written to it for the
// given public keys and forwards the ciphertext to dst. The caller must
// Close the writer to flush the final chunk.
func Encrypt(dst io.Writer, publicKeys ...string) (io.WriteCloser, error) {
	if len(publicKeys) == 0 {
		return nil, fmt.Errorf("at least one recipient is required")
	}

	recipients := make([]age.Recipient, 0, len(publicKeys))
	for _, key := range publicKeys {
		r, err := ParsePublicKey(key)
		if err != nil {
			return nil, err
		}
		recipients = append(recipients, r)
	}

	w, err := age.Encrypt(dst, recipients...)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	return w, nil
}

// Decrypt returns a reader yielding the plaintext of src.
func Decrypt(src io.Reader, privateKey string) (io.Reader, error) {
	id, err := ParsePrivateKey(privateKey)
	if err != nil {
		return nil, err
	}
	r, err := age.Decrypt(src, id)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return r, nil
}

// NewChecksum returns a BLAKE3-256 hasher; finish it with ChecksumHex.
func NewChecksum() hash.Hash {
	return blake3.New()
}

// ChecksumHex renders the digest accumulated in h as lowercase hex.
func ChecksumHex(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// Checksum hashes everything read from r.
func Checksum(r io.Reader) (string, int64, error) {
	h := NewChecksum()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return ChecksumHex(h), n, nil
}

// Package codec implements the encrypted artifact format shared by backup,
// restore and verification:
//
//	[salt:64][iv:16][ciphertext:N][tag:16]
//
// The key is PBKDF2-HMAC-SHA256 of the job's password hash over the salt.
// The cipher is AES-256-GCM with a 16-byte IV and no additional data, so
// artifacts are interchangeable with other aes-256-gcm implementations that
// accept a 16-byte IV.
package codec

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	SaltSize   = 64
	IVSize     = 16
	TagSize    = 16
	HeaderSize = SaltSize + IVSize
	MinSize    = HeaderSize + TagSize

	KeySize    = 32
	Iterations = 100000
)

var (
	// ErrAuthenticationFailed means the tag did not match: the password is
	// wrong or the artifact was modified.
	ErrAuthenticationFailed = errors.New("authentication failed: wrong password or corrupted data")

	// ErrTruncated means the input is too short to hold header and tag.
	ErrTruncated = errors.New("encrypted data is truncated")

	ErrClosed = errors.New("encrypt writer is closed")
)

func deriveKey(passwordHash string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passwordHash), salt, Iterations, KeySize, sha256.New)
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generate random bytes: %w", err)
	}
	return b, nil
}

// CheckFormat reports whether size can hold an encrypted artifact.
func CheckFormat(size int64) error {
	if size < MinSize {
		return fmt.Errorf("%w: %d bytes, need at least %d", ErrTruncated, size, MinSize)
	}
	return nil
}

package codec

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
)

const chunkSize = 64 * 1024

// EncryptWriter encrypts everything written to it into dst. The header is
// written by NewEncryptWriter and the tag by Close. Close does not close dst.
type EncryptWriter struct {
	dst    io.Writer
	s      *gcmStream
	buf    []byte
	closed bool
	err    error
}

// NewEncryptWriter derives a fresh key and IV and writes the salt and IV to
// dst before returning.
func NewEncryptWriter(dst io.Writer, passwordHash string) (*EncryptWriter, error) {
	salt, err := randomBytes(SaltSize)
	if err != nil {
		return nil, err
	}
	iv, err := randomBytes(IVSize)
	if err != nil {
		return nil, err
	}
	s, err := newGCMStream(deriveKey(passwordHash, salt), iv)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	header := make([]byte, 0, HeaderSize)
	header = append(header, salt...)
	header = append(header, iv...)
	if _, err := dst.Write(header); err != nil {
		return nil, fmt.Errorf("write encryption header: %w", err)
	}
	return &EncryptWriter{dst: dst, s: s, buf: make([]byte, chunkSize)}, nil
}

func (w *EncryptWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrClosed
	}
	if w.err != nil {
		return 0, w.err
	}
	written := 0
	for len(p) > 0 {
		n := min(len(p), len(w.buf))
		if w.s.length+uint64(n) > maxPlaintext {
			w.err = errTooLarge
			return written, w.err
		}
		w.s.xor(w.buf[:n], p[:n])
		w.s.hash(w.buf[:n])
		if _, err := w.dst.Write(w.buf[:n]); err != nil {
			w.err = fmt.Errorf("write ciphertext: %w", err)
			return written, w.err
		}
		written += n
		p = p[n:]
	}
	return written, nil
}

// Close signals that all plaintext has been written and appends the tag.
// Calling Close again is a no-op.
func (w *EncryptWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.err != nil {
		return w.err
	}
	tag := w.s.sum()
	if _, err := w.dst.Write(tag[:]); err != nil {
		return fmt.Errorf("write auth tag: %w", err)
	}
	return nil
}

// DecryptReader yields the plaintext of an encrypted stream. The last
// TagSize bytes of the source are held back as the tag and checked at EOF.
// On a mismatch the final chunk is withheld and ErrAuthenticationFailed is
// returned; plaintext read before that point must be discarded.
type DecryptReader struct {
	src     io.Reader
	s       *gcmStream
	buf     []byte
	held    int
	out     []byte
	pending []byte
	err     error
}

// NewDecryptReader reads the header from src and prepares the cipher.
func NewDecryptReader(src io.Reader, passwordHash string) (*DecryptReader, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(src, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncated
		}
		return nil, fmt.Errorf("read encryption header: %w", err)
	}
	salt, iv := header[:SaltSize], header[SaltSize:]
	s, err := newGCMStream(deriveKey(passwordHash, salt), iv)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return &DecryptReader{
		src: src,
		s:   s,
		buf: make([]byte, TagSize+chunkSize),
		out: make([]byte, TagSize+chunkSize),
	}, nil
}

func (r *DecryptReader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if err := r.fill(); err != nil {
			r.err = err
		}
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

func (r *DecryptReader) fill() error {
	n, err := r.src.Read(r.buf[r.held:])
	total := r.held + n
	if err != nil {
		if errors.Is(err, io.EOF) {
			return r.finish(r.buf[:total])
		}
		return fmt.Errorf("read ciphertext: %w", err)
	}
	if total <= TagSize {
		r.held = total
		return nil
	}

	body := r.buf[:total-TagSize]
	r.s.hash(body)
	r.s.xor(r.out[:len(body)], body)
	r.pending = r.out[:len(body)]
	r.held = copy(r.buf, r.buf[total-TagSize:total])
	return nil
}

func (r *DecryptReader) finish(data []byte) error {
	if len(data) < TagSize {
		return ErrTruncated
	}
	body, tag := data[:len(data)-TagSize], data[len(data)-TagSize:]
	r.s.hash(body)
	want := r.s.sum()
	if subtle.ConstantTimeCompare(want[:], tag) != 1 {
		return ErrAuthenticationFailed
	}
	r.s.xor(r.out[:len(body)], body)
	r.pending = r.out[:len(body)]
	return io.EOF
}

package codec

import (
	"bufio"
	"fmt"
	"io"
	"os"
)

// EncryptFile writes the encrypted form of src to dst.
func EncryptFile(src, dst, passwordHash string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	err = encryptTo(out, in, passwordHash)
	if cerr := out.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close %s: %w", dst, cerr)
	}
	if err != nil {
		os.Remove(dst)
		return err
	}
	return nil
}

func encryptTo(out io.Writer, in io.Reader, passwordHash string) error {
	bw := bufio.NewWriterSize(out, chunkSize)
	w, err := NewEncryptWriter(bw, passwordHash)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, in); err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush encrypted output: %w", err)
	}
	return nil
}

// DecryptFile writes the plaintext of src to dst. On any error, including a
// failed authentication, dst is removed so no unauthenticated plaintext is
// left behind.
func DecryptFile(src, dst, passwordHash string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	err = decryptTo(out, in, passwordHash)
	if cerr := out.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close %s: %w", dst, cerr)
	}
	if err != nil {
		os.Remove(dst)
		return err
	}
	return nil
}

func decryptTo(out io.Writer, in io.Reader, passwordHash string) error {
	r, err := NewDecryptReader(bufio.NewReaderSize(in, chunkSize), passwordHash)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		return err
	}
	return nil
}

// CheckFile performs the structural check of an encrypted artifact without
// decrypting it: the file must be large enough and its header readable.
func CheckFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := CheckFormat(info.Size()); err != nil {
		return err
	}
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		return fmt.Errorf("read encryption header: %w", err)
	}
	return nil
}

package verify

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/pgzip"

	"github.com/edvin/dbvault/internal/model"
	"github.com/edvin/dbvault/internal/pipeline"
)

func passed(name, msg string) model.Check {
	ok := true
	return model.Check{Name: name, Passed: &ok, Message: msg}
}

func failed(name, errMsg string) model.Check {
	ok := false
	return model.Check{Name: name, Passed: &ok, Error: errMsg}
}

func skipped(name, note string) model.Check {
	return model.Check{Name: name, Skipped: true, Note: note}
}

func fileExistence(path string) model.Check {
	f, err := os.Open(path)
	if err != nil {
		return failed(CheckFileExistence, "File not found or not accessible")
	}
	f.Close()
	return passed(CheckFileExistence, "File exists and is accessible")
}

func fileSize(path string, expected int64) model.Check {
	info, err := os.Stat(path)
	if err != nil {
		return failed(CheckFileSize, err.Error())
	}
	size := info.Size()
	msg := "File size: " + humanize.IBytes(uint64(size))
	if expected > 0 {
		diff := math.Abs(float64(size-expected)) / float64(expected) * 100
		msg += fmt.Sprintf(" (expected: %s, diff: %.2f%%)", humanize.IBytes(uint64(expected)), diff)
	}

	var c model.Check
	if size > 0 {
		c = passed(CheckFileSize, msg)
	} else {
		c = failed(CheckFileSize, "File is empty")
		c.Message = msg
	}
	c.ActualSize = size
	c.ExpectedSize = expected
	return c
}

// checksum compares the artifact's digest with the stored one. When none
// is stored the digest is returned so it can be recorded.
func checksum(path, algorithm, expected string) (model.Check, *model.Checksum) {
	if algorithm == "" {
		algorithm = pipeline.ChecksumAlgorithm
	}
	if !strings.EqualFold(algorithm, pipeline.ChecksumAlgorithm) {
		c := failed(CheckChecksum, fmt.Sprintf("unsupported checksum algorithm %q", algorithm))
		c.Algorithm = algorithm
		return c, nil
	}

	actual, err := sha256File(path)
	if err != nil {
		return failed(CheckChecksum, err.Error()), nil
	}

	if expected == "" {
		c := passed(CheckChecksum, "No checksum stored, checksum recorded")
		c.Algorithm = pipeline.ChecksumAlgorithm
		c.ActualChecksum = actual
		return c, &model.Checksum{Algorithm: pipeline.ChecksumAlgorithm, Value: actual}
	}

	var c model.Check
	if strings.EqualFold(actual, expected) {
		c = passed(CheckChecksum, "Checksum matches")
	} else {
		c = failed(CheckChecksum, "Checksum mismatch")
		c.Message = "Checksum mismatch"
	}
	c.Algorithm = pipeline.ChecksumAlgorithm
	c.ExpectedChecksum = expected
	c.ActualChecksum = actual
	return c, nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open backup: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("read backup: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

var gzipMagic = []byte{0x1f, 0x8b}

// compression checks the gzip magic and decompresses the whole stream. The
// output is discarded, or written to keep when keep is set.
func compression(path, keep string) model.Check {
	f, err := os.Open(path)
	if err != nil {
		return failed(CheckCompression, fmt.Sprintf("Compression verification failed: %v", err))
	}
	defer f.Close()

	br := bufio.NewReader(f)
	magic, err := br.Peek(len(gzipMagic))
	if err != nil || magic[0] != gzipMagic[0] || magic[1] != gzipMagic[1] {
		return failed(CheckCompression, "Invalid gzip header")
	}

	zr, err := pgzip.NewReader(br)
	if err != nil {
		return failed(CheckCompression, fmt.Sprintf("Compression verification failed: %v", err))
	}
	defer zr.Close()

	var out io.Writer = io.Discard
	if keep != "" {
		kf, err := os.Create(keep)
		if err != nil {
			return failed(CheckCompression, fmt.Sprintf("Compression verification failed: %v", err))
		}
		defer kf.Close()
		out = kf
	}

	n, err := io.Copy(out, zr)
	if err != nil {
		if keep != "" {
			os.Remove(keep)
		}
		return failed(CheckCompression, fmt.Sprintf("Compression verification failed: %v", err))
	}

	c := passed(CheckCompression, "Compression valid, decompressed size: "+humanize.IBytes(uint64(n)))
	c.DecompressedSize = n
	return c
}

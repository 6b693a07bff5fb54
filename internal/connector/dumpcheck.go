package connector

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
)

const inspectWindow = 8 << 10

// inspectDump checks that a text dump starts with one of the headers and ends
// with the footer its tool writes after a complete run.
func inspectDump(path string, headers []string, footer string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open dump: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat dump: %w", err)
	}
	if info.Size() == 0 {
		return "", errors.New("dump is empty")
	}

	head := make([]byte, min(info.Size(), inspectWindow))
	if _, err := io.ReadFull(f, head); err != nil {
		return "", fmt.Errorf("read dump header: %w", err)
	}
	found := false
	for _, h := range headers {
		if bytes.Contains(head, []byte(h)) {
			found = true
			break
		}
	}
	if !found {
		return "", fmt.Errorf("dump header not found (expected %q)", headers[0])
	}

	tailSize := min(info.Size(), inspectWindow)
	tail := make([]byte, tailSize)
	if _, err := f.ReadAt(tail, info.Size()-tailSize); err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read dump trailer: %w", err)
	}
	if !bytes.Contains(tail, []byte(footer)) {
		return "", fmt.Errorf("dump is incomplete: %q not found", footer)
	}

	return fmt.Sprintf("Dump structure valid (%s)", humanize.IBytes(uint64(info.Size()))), nil
}

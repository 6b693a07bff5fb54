package connector

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// stderrLimit bounds how much client output is kept for error messages.
const stderrLimit = 4 << 10

type commandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// runner starts external client tools.
type runner struct {
	command commandFunc
}

func newRunner(command commandFunc) runner {
	return runner{command: command}
}

// invocation is one run of a client tool.
type invocation struct {
	name   string
	args   []string
	env    []string
	stdin  io.Reader
	stdout io.Writer
}

// run executes inv and waits for it. The process is killed when ctx ends. A
// failing run returns an error carrying the tail of the tool's stderr.
func (r runner) run(ctx context.Context, inv invocation) error {
	cmd := r.command(ctx, inv.name, inv.args...)
	if len(inv.env) > 0 {
		cmd.Env = append(os.Environ(), inv.env...)
	}
	cmd.Stdin = inv.stdin
	cmd.Stdout = inv.stdout
	stderr := &tailBuffer{max: stderrLimit}
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", inv.name, ctx.Err())
		}
		if msg := stderr.String(); msg != "" {
			return fmt.Errorf("%s failed: %s: %w", inv.name, msg, err)
		}
		return fmt.Errorf("%s failed: %w", inv.name, err)
	}
	return nil
}

// dumpToFile runs inv with its stdout redirected into a new file at path. The
// file is removed when the run fails.
func (r runner) dumpToFile(ctx context.Context, inv invocation, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create dump file: %w", err)
	}
	inv.stdout = f
	err = r.run(ctx, inv)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close dump file: %w", cerr)
	}
	if err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

// restoreFromFile runs inv with the file at path as stdin.
func (r runner) restoreFromFile(ctx context.Context, inv invocation, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open dump file: %w", err)
	}
	defer f.Close()
	inv.stdin = f
	return r.run(ctx, inv)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(string(b.buf))
}

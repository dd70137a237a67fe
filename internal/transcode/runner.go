// SPDX-License-Identifier: MIT

package transcode

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"
)

// Runner abstracts the transcoder subprocess for testing.
type Runner interface {
	// Run executes the transcoder with args and returns captured
	// stdout and stderr (both truncated). A non-zero exit or timeout
	// is returned as an error.
	Run(ctx context.Context, args []string) (stdout, stderr string, err error)
}

// stderrCap bounds the diagnostic text carried in build failures.
const stderrCap = 4096

// tailBuffer keeps the last capacity bytes written. Transcoder error
// text appears at the end of the stream.
type tailBuffer struct {
	mu  sync.Mutex
	cap int
	buf []byte
}

func newTailBuffer(capacity int) *tailBuffer {
	return &tailBuffer{cap: capacity}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.cap {
		b.buf = b.buf[len(b.buf)-b.cap:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// ExecRunner runs the configured transcoder binary.
type ExecRunner struct {
	Bin string
}

// NewExecRunner resolves the transcoder binary, falling back to PATH
// lookup when bin is empty.
func NewExecRunner(bin string) (*ExecRunner, error) {
	if bin == "" {
		resolved, err := exec.LookPath("ffmpeg")
		if err != nil {
			return nil, fmt.Errorf("transcoder binary not found: %w", err)
		}
		bin = resolved
	}
	return &ExecRunner{Bin: bin}, nil
}

func (r *ExecRunner) Run(ctx context.Context, args []string) (string, string, error) {
	cmd := exec.CommandContext(ctx, r.Bin, args...) // #nosec G204 -- args are engine-assembled
	stdout := newTailBuffer(stderrCap)
	stderr := newTailBuffer(stderrCap)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Force-kill promptly once the deadline cancels the context.
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return stdout.String(), stderr.String(), fmt.Errorf("transcoder timed out: %w", ctxErr)
	}
	if err != nil {
		return stdout.String(), stderr.String(), fmt.Errorf("transcoder failed: %w", err)
	}
	return stdout.String(), stderr.String(), nil
}

// Package ytdlp runs the external extraction tool as a child process.
package ytdlp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

var (
	ErrToolMissing = errors.New("extraction tool not found")
	ErrTimeout     = errors.New("extraction tool timed out")
	ErrStart       = errors.New("extraction tool failed to start")
)

const (
	maxStderrBytes = 64 * 1024
	maxStdoutBytes = 32 * 1024 * 1024
)

// Result is what a finished invocation produced. A nonzero ExitCode is not
// an error at this layer; callers classify it from Stderr.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   string
	Elapsed  time.Duration
}

// Runner executes one invocation of the extraction tool with the given
// arguments. The context bounds the invocation; when it expires the process
// is killed and ErrTimeout is returned.
type Runner interface {
	Run(ctx context.Context, args []string) (Result, error)
}

// ExecRunner runs the tool at its current path. The path can move when
// Refresh finds the tool somewhere else, e.g. installed after startup.
type ExecRunner struct {
	mu   sync.RWMutex
	path string
}

func NewExecRunner(path string) *ExecRunner {
	return &ExecRunner{path: path}
}

// Path returns the executable the next invocation will run.
func (r *ExecRunner) Path() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.path
}

// Refresh resolves configured again and points the runner at the result.
// On failure the previous path is kept and ErrToolMissing is returned.
func (r *ExecRunner) Refresh(configured string) error {
	resolved, err := ResolveTool(configured)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if resolved != r.path {
		log.Infof("Extraction tool resolved to %s", resolved)
		r.path = resolved
	}
	return nil
}

func (r *ExecRunner) Run(ctx context.Context, args []string) (Result, error) {
	path := r.Path()
	cmd := exec.CommandContext(ctx, path, args...)
	// Give the killed process a moment to release its pipes.
	cmd.WaitDelay = 5 * time.Second

	stdout := &limitedBuffer{limit: maxStdoutBytes}
	stderr := &limitedBuffer{limit: maxStderrBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:  stdout.Bytes(),
		Stderr:  strings.TrimSpace(stderr.String()),
		Elapsed: time.Since(start),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		res.ExitCode = -1
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return res, fmt.Errorf("%w after %s", ErrTimeout, res.Elapsed.Round(time.Millisecond))
		}
		return res, ctxErr
	}

	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		log.WithFields(log.Fields{
			"exitCode": res.ExitCode,
			"elapsed":  res.Elapsed.Round(time.Millisecond),
		}).Debugf("%s exited with nonzero status", path)
		return res, nil
	}

	res.ExitCode = -1
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return res, fmt.Errorf("%w: %s", ErrToolMissing, path)
	}
	return res, fmt.Errorf("%w: %v", ErrStart, err)
}

// limitedBuffer keeps the first limit bytes written and silently drops the rest.
type limitedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if remain := b.limit - b.buf.Len(); remain > 0 {
		if len(p) > remain {
			b.buf.Write(p[:remain])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func (b *limitedBuffer) String() string {
	return string(b.Bytes())
}

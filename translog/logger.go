// Package translog writes the per-transfer log line format spec.md §6
// mandates. It exists alongside the ambient log/slog logger because
// slog's key=value and JSON handlers cannot produce this specific
// bracketed positional format; this is a deliberate, narrowly-scoped
// stdlib writer, not a rejection of the ecosystem logging story.
package translog

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// Op identifies which half of a transfer a log line describes.
type Op string

// Result is the outcome of one Op.
type Result string

const (
	OpPull Op = "PULL"
	OpPush Op = "PUSH"

	ResultSuccess Result = "SUCCESS"
	ResultError   Result = "ERROR"

	timestampFormat = "2006-01-02 15:04:05"
)

// Logger serializes one "[timestamp] [src] [dst] [thread_id] [op]
// [result] [details]" line per call to Log, grounded on
// original_source/src/utils.c's log_message: a single formatted write,
// guarded by a mutex so concurrent workers' lines never interleave
// mid-line.
type Logger struct {
	mu sync.Mutex
	w  io.Writer
}

// New wraps w. w is typically an *os.File opened in append mode by the
// caller; Logger does not own its lifetime.
func New(w io.Writer) *Logger {
	return &Logger{w: w}
}

// Log writes one formatted line. src and dst are "<dir>@<host>:<port>"
// endpoint strings; threadID identifies the worker goroutine that
// executed the transfer (see engine.WorkerID).
func (l *Logger) Log(src, dst string, threadID int, op Op, result Result, details string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	fmt.Fprintf(l.w, "[%s] [%s] [%s] [%d] [%s] [%s] [%s]\n",
		time.Now().Format(timestampFormat), src, dst, threadID, op, result, details)
}

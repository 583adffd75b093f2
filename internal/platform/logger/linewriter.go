package logger

import (
	"bytes"
	"log/slog"
	"sync"
)

// LineWriter is an io.Writer that emits one debug record per non-empty line
// written to it. It is meant for the stdout/stderr of child processes, which
// arrive in arbitrary fragments.
type LineWriter struct {
	log *slog.Logger
	msg string

	mu      sync.Mutex
	partial []byte
	tail    []string
	keep    int
}

// NewLineWriter returns a LineWriter logging each line under msg with the
// given logger. The last keep lines are retained for Tail.
func NewLineWriter(log *slog.Logger, msg string, keep int) *LineWriter {
	return &LineWriter{log: log, msg: msg, keep: keep}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	total := len(p)
	data := append(w.partial, p...)
	for {
		idx := bytes.IndexAny(data, "\r\n")
		if idx == -1 {
			break
		}
		w.emit(data[:idx])
		data = data[idx+1:]
	}
	w.partial = append([]byte(nil), data...)
	return total, nil
}

// Flush emits any buffered partial line.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		w.emit(w.partial)
		w.partial = nil
	}
}

// Tail returns the most recent lines, oldest first.
func (w *LineWriter) Tail() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.tail...)
}

// emit must be called with w.mu held.
func (w *LineWriter) emit(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	s := string(line)
	w.log.Debug(w.msg, slog.String("line", s))
	if w.keep <= 0 {
		return
	}
	w.tail = append(w.tail, s)
	if len(w.tail) > w.keep {
		w.tail = w.tail[len(w.tail)-w.keep:]
	}
}

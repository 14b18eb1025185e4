// Package logwriter provides the append-only framed log that executions
// stream their child output into. Each line is prefixed with its kind so the
// transcript can be replayed with stdout, stderr and worker annotations
// distinguished.
package logwriter

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Line kinds.
const (
	KindStdout = "stdout"
	KindStderr = "stderr"
	KindSystem = "system"
)

// Writer appends framed lines to a per-execution log file and keeps byte and
// line accounting for the execution row.
type Writer struct {
	mu    sync.Mutex
	file  *os.File
	buf   *bufio.Writer
	path  string
	bytes int64
	lines int64
}

// Open creates (or truncates) the log file for an execution.
func Open(dir, executionID string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	path := filepath.Join(dir, executionID+".log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return &Writer{
		file: file,
		buf:  bufio.NewWriter(file),
		path: path,
	}, nil
}

// Path returns the log file path.
func (w *Writer) Path() string { return w.path }

// WriteLine appends one framed line of the given kind. Trailing newlines in
// the input are stripped; the frame always ends with exactly one.
func (w *Writer) WriteLine(kind, line string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buf == nil {
		return fmt.Errorf("log writer is closed")
	}

	line = strings.TrimRight(line, "\r\n")
	n, err := fmt.Fprintf(w.buf, "%s|%s\n", kind, line)
	if err != nil {
		return fmt.Errorf("failed to write log line: %w", err)
	}
	w.bytes += int64(n)
	w.lines++
	return nil
}

// Counts returns the bytes and lines written so far.
func (w *Writer) Counts() (bytes, lines int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bytes, w.lines
}

// Close flushes buffered lines and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buf == nil {
		return nil
	}
	flushErr := w.buf.Flush()
	closeErr := w.file.Close()
	w.buf = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

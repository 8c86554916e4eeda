// Package applog implements the append-only, newline-delimited JSON logs
// that back stream.jsonl, stdin.jsonl, and control.jsonl: one writer, many
// non-blocking tailers, each with its own independent read offset.
package applog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Writer appends JSON-encoded records to a single file, one per line.
type Writer struct {
	f     *os.File
	fsync bool
}

// Open opens path for appending, creating it if necessary. When fsync is
// true every Append calls f.Sync(), trading latency for durability.
func Open(path string, fsync bool) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &Writer{f: f, fsync: fsync}, nil
}

// Append marshals v to JSON, writes it as one line, and flushes.
func (w *Writer) Append(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.f.Write(data); err != nil {
		return fmt.Errorf("append: %w", err)
	}
	if w.fsync {
		return w.f.Sync()
	}
	return nil
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	return w.f.Close()
}

// Tailer reads new complete lines appended to a log since the last poll.
// It never blocks; callers that want to wait for more data sleep between
// Poll calls. A Tailer is not safe for concurrent use.
type Tailer struct {
	path   string
	offset int64
}

// NewTailer creates a tailer starting at byte offset 0, so the first Poll
// reads every record already in the file exactly once.
func NewTailer(path string) *Tailer {
	return &Tailer{path: path}
}

// Offset returns the tailer's current byte offset.
func (t *Tailer) Offset() int64 { return t.offset }

// Poll reads from the tailer's offset to EOF, passes each complete,
// non-empty line to decode, and advances the offset
// only past consumed, complete lines — a trailing partial line is left for
// the next Poll. A line that fails to unmarshal is reported via onBadLine
// and skipped; it never aborts the poll. It is not an error for path not
// to exist yet (the writer may not have created it): Poll returns (0, nil).
func (t *Tailer) Poll(decode func(line []byte) error, onBadLine func(line []byte, err error)) (int, error) {
	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open %s: %w", t.path, err)
	}
	defer f.Close()

	if _, err := f.Seek(t.offset, 0); err != nil {
		return 0, fmt.Errorf("seek %s: %w", t.path, err)
	}

	// Read the whole remainder in one shot and split on '\n' by hand —
	// a bufio.Scanner would treat a partial trailing line at EOF as a
	// final token, which would violate the "re-read the partial line next
	// poll" rule. Session logs are append-only and bounded by the chunk
	// cap, so reading the full remainder into memory is fine in practice.
	rest, err := io.ReadAll(f)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", t.path, err)
	}

	var consumed int64
	var n int
	for {
		idx := bytes.IndexByte(rest, '\n')
		if idx < 0 {
			break // partial trailing line; leave it for the next poll
		}
		line := rest[:idx]
		rest = rest[idx+1:]
		consumed += int64(idx) + 1

		if len(line) == 0 {
			continue
		}
		if err := decode(line); err != nil {
			if onBadLine != nil {
				onBadLine(line, err)
			}
			continue
		}
		n++
	}

	t.offset += consumed
	return n, nil
}

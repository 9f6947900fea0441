package storage

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// ExportFormat selects the serialization of a log export.
type ExportFormat string

const (
	// ExportRaw is the log file exactly as stored on disk.
	ExportRaw ExportFormat = "raw"
	// ExportJSONL is one JSON-encoded record per line.
	ExportJSONL ExportFormat = "jsonl"
)

// ParseExportFormat maps a query value onto a format; empty means raw.
func ParseExportFormat(s string) (ExportFormat, error) {
	switch ExportFormat(strings.ToLower(strings.TrimSpace(s))) {
	case "", ExportRaw:
		return ExportRaw, nil
	case ExportJSONL, "json":
		return ExportJSONL, nil
	}
	return "", fmt.Errorf("unsupported export format: %s", s)
}

// Filename is the deterministic download name for the format.
func (f ExportFormat) Filename() string {
	if f == ExportJSONL {
		return "printer-telemetry.jsonl"
	}
	return "printer-telemetry.log"
}

// ContentType is the MIME type served for the format.
func (f ExportFormat) ContentType() string {
	if f == ExportJSONL {
		return "application/x-ndjson"
	}
	return "application/octet-stream"
}

// ExportStream is an export pinned to the records committed when it was
// opened. It holds its own read handle and must be closed.
type ExportStream struct {
	f      *os.File
	size   int64
	format ExportFormat
}

// OpenExport validates the format and opens a read handle on the committed
// prefix. It fails with ErrClosed once the log has been closed, before
// anything has been written anywhere.
func (l *FileLog) OpenExport(format ExportFormat) (*ExportStream, error) {
	if format != ExportRaw && format != ExportJSONL {
		return nil, fmt.Errorf("unsupported export format: %s", format)
	}
	f, size, err := l.openReader()
	if err != nil {
		return nil, err
	}
	return &ExportStream{f: f, size: size, format: format}, nil
}

// Format returns the serialization the stream writes.
func (s *ExportStream) Format() ExportFormat { return s.format }

// WriteTo writes the pinned records to w.
func (s *ExportStream) WriteTo(w io.Writer) (int64, error) {
	section := io.NewSectionReader(s.f, 0, s.size)
	if s.format == ExportRaw {
		n, err := io.Copy(w, section)
		if err != nil {
			return n, fmt.Errorf("exporting log: %w", err)
		}
		return n, nil
	}

	cw := &countingWriter{w: w}
	enc := json.NewEncoder(cw)
	for rec, err := range decodeFrames(section) {
		if err != nil {
			return cw.n, err
		}
		if err := enc.Encode(rec); err != nil {
			return cw.n, fmt.Errorf("exporting record %d: %w", rec.Seq, err)
		}
	}
	return cw.n, nil
}

// Close releases the read handle.
func (s *ExportStream) Close() error {
	return s.f.Close()
}

// Export writes every committed record to w. The write lock is held only
// long enough to read the committed size.
func (l *FileLog) Export(w io.Writer, format ExportFormat) (int64, error) {
	stream, err := l.OpenExport(format)
	if err != nil {
		return 0, err
	}
	defer stream.Close()
	return stream.WriteTo(w)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

package storage

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sync"

	"github.com/printer-dashboard/relay/internal/models"
	"github.com/vmihailenco/msgpack/v5"
)

// frame layout: [8 bytes seq][4 bytes payload len][4 bytes crc32c][payload]
const (
	frameHeaderLen = 16
	maxPayloadLen  = 16 << 20
)

var (
	// ErrClosed is returned by operations on a closed log.
	ErrClosed = errors.New("log closed")
	// ErrCorrupt is returned by OpenFileLog when a frame before the last one
	// is invalid. Such damage is never repaired by truncation.
	ErrCorrupt = errors.New("log corrupt")
	// ErrBroken is returned once a failed append could not be rolled back.
	// The file must be reopened, which truncates the torn tail.
	ErrBroken = errors.New("log unusable until reopened")

	crcTable = crc32.MakeTable(crc32.Castagnoli)
)

// Log is the durable, append-only record store used by the relay.
type Log interface {
	Append(rec models.LogRecord) (models.LogRecord, error)
	Records() iter.Seq2[models.LogRecord, error]
	Len() uint64
	SizeBytes() int64
	Close() error
}

// logFile is the subset of *os.File the log writes through.
type logFile interface {
	io.WriterAt
	Sync() error
	Truncate(size int64) error
	Close() error
}

// Options tune a FileLog.
type Options struct {
	// NoSync skips fsync after each append. Only for tests and benchmarks.
	NoSync bool
}

// FileLog implements Log on a single local file. Appends are serialised by
// an internal mutex; readers use their own file handle and only observe the
// prefix that was committed when they started.
type FileLog struct {
	mu        sync.Mutex
	path      string
	file      logFile
	size      int64
	lastSeq   uint64
	count     uint64
	recovered int64
	noSync    bool
	broken    error
	closed    bool
}

// OpenFileLog opens or creates the log at path. An invalid final frame is
// treated as a torn write and truncated; an invalid frame followed by more
// data fails with ErrCorrupt and leaves the file untouched.
func OpenFileLog(path string, opts Options) (*FileLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}

	l := &FileLog{
		path:   path,
		file:   f,
		noSync: opts.NoSync,
	}
	if err := l.scan(f); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

func (l *FileLog) scan(f *os.File) error {
	stat, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat log file: %w", err)
	}

	r := bufio.NewReader(io.NewSectionReader(f, 0, stat.Size()))
	var offset int64
	for {
		seq, payload, err := readFrame(r)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil || seq <= l.lastSeq {
			if !tornAt(f, offset, stat.Size()) {
				if err == nil {
					err = fmt.Errorf("log frame %d: sequence does not follow %d", seq, l.lastSeq)
				}
				return fmt.Errorf("%w at offset %d: %w", ErrCorrupt, offset, err)
			}
			break
		}
		offset += int64(frameHeaderLen + len(payload))
		l.lastSeq = seq
		l.count++
	}

	if offset < stat.Size() {
		if err := f.Truncate(offset); err != nil {
			return fmt.Errorf("truncating torn log tail: %w", err)
		}
		if err := f.Sync(); err != nil {
			return fmt.Errorf("syncing truncated log: %w", err)
		}
		l.recovered = stat.Size() - offset
	}
	l.size = offset
	return nil
}

// tornAt reports whether the invalid frame at offset can only be the
// remains of an interrupted final append: its declared extent reaches the
// end of the file, or everything from offset on is zero fill.
func tornAt(f io.ReaderAt, offset, size int64) bool {
	if size-offset < frameHeaderLen {
		return true
	}
	var hdr [frameHeaderLen]byte
	if _, err := f.ReadAt(hdr[:], offset); err != nil {
		return false
	}
	length := int64(binary.BigEndian.Uint32(hdr[8:12]))
	if offset+frameHeaderLen+length >= size {
		return true
	}

	buf := make([]byte, 32*1024)
	r := io.NewSectionReader(f, offset, size-offset)
	for {
		n, err := r.Read(buf)
		for _, b := range buf[:n] {
			if b != 0 {
				return false
			}
		}
		if errors.Is(err, io.EOF) {
			return true
		}
		if err != nil {
			return false
		}
	}
}

// Append assigns the next sequence number to rec and persists it. It
// returns only after the frame is written and, unless NoSync is set,
// fsynced. On failure the file is cut back to its previous length.
func (l *FileLog) Append(rec models.LogRecord) (models.LogRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return models.LogRecord{}, ErrClosed
	}
	if l.broken != nil {
		return models.LogRecord{}, fmt.Errorf("%w: %v", ErrBroken, l.broken)
	}

	rec.Seq = l.lastSeq + 1
	payload, err := msgpack.Marshal(&rec)
	if err != nil {
		return models.LogRecord{}, fmt.Errorf("encoding record %d: %w", rec.Seq, err)
	}
	if len(payload) > maxPayloadLen {
		return models.LogRecord{}, fmt.Errorf("record %d too large: %d bytes", rec.Seq, len(payload))
	}

	frame := make([]byte, frameHeaderLen+len(payload))
	binary.BigEndian.PutUint64(frame[0:8], rec.Seq)
	binary.BigEndian.PutUint32(frame[8:12], uint32(len(payload)))
	binary.BigEndian.PutUint32(frame[12:16], crc32.Checksum(payload, crcTable))
	copy(frame[frameHeaderLen:], payload)

	if _, err := l.file.WriteAt(frame, l.size); err != nil {
		l.rollbackLocked()
		return models.LogRecord{}, fmt.Errorf("writing record %d: %w", rec.Seq, err)
	}
	if !l.noSync {
		if err := l.file.Sync(); err != nil {
			l.rollbackLocked()
			return models.LogRecord{}, fmt.Errorf("syncing record %d: %w", rec.Seq, err)
		}
	}

	l.size += int64(len(frame))
	l.lastSeq = rec.Seq
	l.count++
	return rec, nil
}

func (l *FileLog) rollbackLocked() {
	if err := l.file.Truncate(l.size); err != nil {
		l.broken = err
	}
}

// Records returns a lazy iterator over every committed record. Each range
// over the result reopens the file, so the sequence can be restarted.
func (l *FileLog) Records() iter.Seq2[models.LogRecord, error] {
	return func(yield func(models.LogRecord, error) bool) {
		f, size, err := l.openReader()
		if err != nil {
			yield(models.LogRecord{}, err)
			return
		}
		defer f.Close()

		for rec, err := range decodeFrames(io.NewSectionReader(f, 0, size)) {
			if !yield(rec, err) || err != nil {
				return
			}
		}
	}
}

// openReader returns an independent handle and the committed size.
func (l *FileLog) openReader() (*os.File, int64, error) {
	l.mu.Lock()
	size, closed := l.size, l.closed
	l.mu.Unlock()

	if closed {
		return nil, 0, ErrClosed
	}
	f, err := os.Open(l.path)
	if err != nil {
		return nil, 0, fmt.Errorf("opening log for read: %w", err)
	}
	return f, size, nil
}

// Len returns the number of committed records.
func (l *FileLog) Len() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// SizeBytes returns the committed size of the log file.
func (l *FileLog) SizeBytes() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// LastSeq returns the sequence number of the newest record, 0 if empty.
func (l *FileLog) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// Recovered returns how many bytes of torn tail were dropped on open.
func (l *FileLog) Recovered() int64 {
	return l.recovered
}

// Path returns the log file location.
func (l *FileLog) Path() string {
	return l.path
}

// Close flushes and closes the log. Calling Close twice is a no-op.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	var syncErr error
	if l.broken == nil {
		syncErr = l.file.Sync()
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("closing log: %w", err)
	}
	if syncErr != nil {
		return fmt.Errorf("syncing log: %w", syncErr)
	}
	return nil
}

// ReadRecords decodes a raw log stream, such as a raw export, into records.
func ReadRecords(r io.Reader) ([]models.LogRecord, error) {
	var out []models.LogRecord
	for rec, err := range decodeFrames(r) {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func decodeFrames(r io.Reader) iter.Seq2[models.LogRecord, error] {
	return func(yield func(models.LogRecord, error) bool) {
		br := bufio.NewReader(r)
		for {
			seq, payload, err := readFrame(br)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(models.LogRecord{}, err)
				return
			}

			var rec models.LogRecord
			if err := msgpack.Unmarshal(payload, &rec); err != nil {
				yield(models.LogRecord{}, fmt.Errorf("corrupt log record %d: %w", seq, err))
				return
			}
			if rec.Seq != seq {
				yield(models.LogRecord{}, fmt.Errorf("corrupt log record %d: header/body sequence mismatch", seq))
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// readFrame reads one frame. It returns io.EOF only at a clean frame boundary.
func readFrame(r *bufio.Reader) (uint64, []byte, error) {
	var hdr [frameHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil, io.EOF
		}
		return 0, nil, fmt.Errorf("log frame header: %w", err)
	}

	seq := binary.BigEndian.Uint64(hdr[0:8])
	length := binary.BigEndian.Uint32(hdr[8:12])
	sum := binary.BigEndian.Uint32(hdr[12:16])
	if length > maxPayloadLen {
		return 0, nil, fmt.Errorf("log frame %d: length %d exceeds limit", seq, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("log frame %d body: %w", seq, err)
	}
	if crc32.Checksum(payload, crcTable) != sum {
		return 0, nil, fmt.Errorf("log frame %d: checksum mismatch", seq)
	}
	return seq, payload, nil
}

// Package archive persists query records evicted from the bounded history
// ring into snappy-compressed, length-prefixed JSON segment files, so a
// capped in-memory history does not mean losing records entirely.
package archive

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/snappy"
	"go.uber.org/zap"

	"github.com/querywatch/querywatch/internal/config"
	"github.com/querywatch/querywatch/pkg/types"
)

const segmentPrefix = "archive_"
const segmentSuffix = ".seg"

// queueDepth bounds the records awaiting the background writer. Eviction
// bursts beyond this are dropped rather than back-pressured onto the
// caller.
const queueDepth = 1024

// Archiver appends evicted executions to segment files, rotating when a
// segment exceeds the configured size. Append is a non-blocking enqueue;
// a background writer goroutine performs all encoding and disk I/O, so
// the caller (the history ring's eviction callback, invoked on the query
// hot path) never touches the filesystem. Write errors are logged and the
// record dropped, since archiving is a best-effort extension of the
// bounded history.
type Archiver struct {
	mu     sync.Mutex
	closed bool
	queue  chan types.QueryExecution
	done   chan struct{}
	logger *zap.Logger

	// Segment state below is owned by the writer goroutine; Close reads
	// it only after the goroutine has exited.
	dir       string
	maxSize   int64
	segment   *os.File
	segmentID uint64
	offset    int64
}

// New creates an archiver, creating the directory if needed, resuming
// after the highest existing segment, and starting the writer goroutine.
func New(cfg config.ArchiveConfig, logger *zap.Logger) (*Archiver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	a := &Archiver{
		queue:   make(chan types.QueryExecution, queueDepth),
		done:    make(chan struct{}),
		logger:  logger,
		dir:     cfg.Dir,
		maxSize: cfg.MaxSegmentSize,
	}

	if err := a.findLastSegment(); err != nil {
		return nil, err
	}
	if err := a.openSegment(); err != nil {
		return nil, err
	}

	go a.drain()
	return a, nil
}

// findLastSegment scans the directory for existing segments and positions
// the next segment id after the highest one found.
func (a *Archiver) findLastSegment() error {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return fmt.Errorf("failed to read archive directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		var id uint64
		if _, err := fmt.Sscanf(entry.Name(), segmentPrefix+"%d"+segmentSuffix, &id); err != nil {
			continue
		}
		if id >= a.segmentID {
			a.segmentID = id + 1
		}
	}
	return nil
}

// openSegment opens the current segment file for appending.
func (a *Archiver) openSegment() error {
	path := a.segmentPath(a.segmentID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open archive segment: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat archive segment: %w", err)
	}
	a.segment = f
	a.offset = info.Size()
	return nil
}

func (a *Archiver) segmentPath(id uint64) string {
	return filepath.Join(a.dir, fmt.Sprintf("%s%08d%s", segmentPrefix, id, segmentSuffix))
}

// Append enqueues one record for the background writer. It never blocks:
// a full queue or a closed archiver drops the record with a log line.
func (a *Archiver) Append(exec types.QueryExecution) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	select {
	case a.queue <- exec:
	default:
		a.logger.Warn("archive queue full, dropping record", zap.String("execution_id", exec.ID))
	}
}

// drain is the writer goroutine: it consumes the queue until Close and
// performs all segment I/O.
func (a *Archiver) drain() {
	defer close(a.done)
	for exec := range a.queue {
		a.write(exec)
	}
}

// write persists one record: a 4-byte big-endian length followed by a
// snappy block of the record's JSON encoding. Writer goroutine only.
func (a *Archiver) write(exec types.QueryExecution) {
	if a.segment == nil {
		return
	}

	data, err := json.Marshal(exec)
	if err != nil {
		a.logger.Warn("archive: failed to encode record", zap.String("execution_id", exec.ID), zap.Error(err))
		return
	}
	block := snappy.Encode(nil, data)

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(block)))

	if _, err := a.segment.Write(header[:]); err != nil {
		a.logger.Warn("archive: write failed", zap.Error(err))
		return
	}
	if _, err := a.segment.Write(block); err != nil {
		a.logger.Warn("archive: write failed", zap.Error(err))
		return
	}
	a.offset += int64(len(header) + len(block))

	if a.offset >= a.maxSize {
		a.rotate()
	}
}

// rotate closes the current segment and opens the next one. Writer
// goroutine only.
func (a *Archiver) rotate() {
	if err := a.segment.Close(); err != nil {
		a.logger.Warn("archive: failed to close segment", zap.Error(err))
	}
	a.segmentID++
	if err := a.openSegment(); err != nil {
		a.logger.Error("archive: failed to rotate segment", zap.Error(err))
		a.segment = nil
	}
}

// Close drains queued records, then flushes and closes the open segment.
// Appends after Close are dropped silently.
func (a *Archiver) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	<-a.done

	if a.segment == nil {
		return nil
	}
	if err := a.segment.Sync(); err != nil {
		a.segment.Close()
		return fmt.Errorf("failed to sync archive segment: %w", err)
	}
	return a.segment.Close()
}

// ReadSegment decodes all records from a segment file.
func ReadSegment(path string) ([]types.QueryExecution, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive segment: %w", err)
	}
	defer f.Close()

	var out []types.QueryExecution
	var header [4]byte
	for {
		if _, err := io.ReadFull(f, header[:]); err != nil {
			if err == io.EOF {
				return out, nil
			}
			return out, fmt.Errorf("failed to read record header: %w", err)
		}
		block := make([]byte, binary.BigEndian.Uint32(header[:]))
		if _, err := io.ReadFull(f, block); err != nil {
			return out, fmt.Errorf("failed to read record block: %w", err)
		}
		data, err := snappy.Decode(nil, block)
		if err != nil {
			return out, fmt.Errorf("failed to decompress record: %w", err)
		}
		var exec types.QueryExecution
		if err := json.Unmarshal(data, &exec); err != nil {
			return out, fmt.Errorf("failed to decode record: %w", err)
		}
		out = append(out, exec)
	}
}

// Package metalog implements the append-only metadata log: one record per
// flush epoch enumerating (object_id → location, low_key) tuples. The log is
// replayed forward on open to rebuild the object mapping and tree indexes;
// the first record with a bad checksum terminates replay and everything at
// or after it is discarded.
package metalog

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"expvar"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/INLOpen/melange/core"
	"github.com/INLOpen/melange/sys"
)

// Entry is one tuple in a record. A location with SlabID ==
// core.TombstoneSlabID marks the object as deleted.
type Entry struct {
	ObjectID core.ObjectID
	Location core.Location
	LowKey   []byte
}

// Record is one epoch's worth of relocations, appended atomically: a record
// is either fully present (checksum valid) or discarded on recovery.
type Record struct {
	Epoch   core.Epoch
	Entries []Entry
}

// Options holds configuration for the metadata log.
type Options struct {
	Dir    string
	Logger *slog.Logger

	RecordsWritten *expvar.Int
	BytesWritten   *expvar.Int
}

// Log is the single-writer metadata log. Only the flush pipeline appends.
type Log struct {
	path string
	mu   sync.Mutex

	file   sys.FileHandle
	writer *bufio.Writer
	offset int64

	logger *slog.Logger

	metricsRecordsWritten *expvar.Int
	metricsBytesWritten   *expvar.Int

	testingOnlyInjectAppendError error
	testingOnlyInjectSyncError   error
}

// Open creates or opens the metadata log inside dir, replaying any existing
// records. A torn or corrupt tail is truncated away; everything before it is
// returned committed, in append order.
func Open(opts Options) (*Log, []Record, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "metalog")
	} else {
		opts.Logger = opts.Logger.With("component", "metalog")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("metalog.open %s: %w", opts.Dir, err)
	}

	path := filepath.Join(opts.Dir, core.MetaLogFileName)
	file, err := sys.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("metalog.open %s: %w", path, err)
	}

	l := &Log{
		path:                  path,
		file:                  file,
		logger:                opts.Logger,
		metricsRecordsWritten: opts.RecordsWritten,
		metricsBytesWritten:   opts.BytesWritten,
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("metalog.open %s: %w", path, err)
	}

	var records []Record
	if info.Size() == 0 {
		if err := l.writeHeader(); err != nil {
			file.Close()
			return nil, nil, err
		}
	} else {
		records, err = l.replay(info.Size())
		if err != nil {
			file.Close()
			return nil, nil, err
		}
	}

	if _, err := file.Seek(l.offset, io.SeekStart); err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("metalog.open seek %s: %w", path, err)
	}
	l.writer = bufio.NewWriter(file)
	return l, records, nil
}

func headerSize() int {
	var h core.FileHeader
	return h.Size()
}

func (l *Log) writeHeader() error {
	header := core.NewFileHeader(core.MetaLogMagicNumber, core.CompressionNone)
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, &header); err != nil {
		return fmt.Errorf("metalog.write header: %w", err)
	}
	if _, err := l.file.WriteAt(buf.Bytes(), 0); err != nil {
		return fmt.Errorf("metalog.write header: %w", err)
	}
	l.offset = int64(buf.Len())
	return nil
}

// replay scans the log forward, collecting records until the first bad
// checksum or truncated record, then truncates the file at that point.
func (l *Log) replay(size int64) ([]Record, error) {
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("metalog.replay seek: %w", err)
	}
	reader := bufio.NewReader(l.file)

	var header core.FileHeader
	if err := binary.Read(reader, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("metalog.replay header: %w", err)
	}
	if header.Magic != core.MetaLogMagicNumber {
		return nil, fmt.Errorf("metalog.replay: bad magic %#x: %w", header.Magic, core.ErrCorruption)
	}
	if header.Version != core.FormatVersion {
		return nil, fmt.Errorf("metalog.replay: unsupported version %d: %w", header.Version, core.ErrCorruption)
	}

	offset := int64(headerSize())
	var records []Record
	for offset < size {
		rec, n, err := readRecord(reader)
		if err != nil {
			l.logger.Warn("metadata log replay stopped at torn or corrupt record",
				"offset", offset, "error", err)
			break
		}
		records = append(records, rec)
		offset += n
	}

	if offset < size {
		if err := l.file.Truncate(offset); err != nil {
			return nil, fmt.Errorf("metalog.replay truncate: %w", err)
		}
		l.logger.Info("truncated metadata log tail", "new_size", offset, "old_size", size)
	}
	l.offset = offset
	return records, nil
}

// readRecord decodes one record, returning its on-disk length. Any decode
// failure, including a short read, is reported so the caller can stop
// replay; the caller distinguishes nothing further.
func readRecord(r io.Reader) (Record, int64, error) {
	fixed := make([]byte, 4+8+4)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return Record{}, 0, err
	}
	if magic := binary.LittleEndian.Uint32(fixed[0:4]); magic != core.MetaRecordMagicNumber {
		return Record{}, 0, fmt.Errorf("bad record magic %#x: %w", magic, core.ErrCorruption)
	}

	crc := crc32.NewIEEE()
	crc.Write(fixed)

	rec := Record{Epoch: core.Epoch(binary.LittleEndian.Uint64(fixed[4:12]))}
	count := binary.LittleEndian.Uint32(fixed[12:16])
	n := int64(len(fixed))

	for i := uint32(0); i < count; i++ {
		head := make([]byte, 8+4+4+4)
		if _, err := io.ReadFull(r, head); err != nil {
			return Record{}, 0, err
		}
		crc.Write(head)
		n += int64(len(head))

		entry := Entry{
			ObjectID: core.ObjectID(binary.LittleEndian.Uint64(head[0:8])),
			Location: core.Location{
				SlabID: binary.LittleEndian.Uint32(head[8:12]),
				Slot:   binary.LittleEndian.Uint32(head[12:16]),
			},
		}
		lowKeyLen := binary.LittleEndian.Uint32(head[16:20])
		if lowKeyLen > 0 {
			entry.LowKey = make([]byte, lowKeyLen)
			if _, err := io.ReadFull(r, entry.LowKey); err != nil {
				return Record{}, 0, err
			}
			crc.Write(entry.LowKey)
			n += int64(lowKeyLen)
		}
		rec.Entries = append(rec.Entries, entry)
	}

	sumBytes := make([]byte, core.ChecksumSize)
	if _, err := io.ReadFull(r, sumBytes); err != nil {
		return Record{}, 0, err
	}
	n += core.ChecksumSize
	if want, got := binary.LittleEndian.Uint32(sumBytes), crc.Sum32(); want != got {
		return Record{}, 0, fmt.Errorf("record checksum %#x != %#x: %w", got, want, core.ErrCorruption)
	}
	return rec, n, nil
}

// Append encodes and writes one record. The bytes reach the OS buffer
// before Append returns; durability requires Sync.
func (l *Log) Append(rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.testingOnlyInjectAppendError != nil {
		return l.testingOnlyInjectAppendError
	}

	buf := encodeRecord(rec)
	if _, err := l.writer.Write(buf); err != nil {
		return fmt.Errorf("metalog.append: %w", err)
	}
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("metalog.append flush: %w", err)
	}
	l.offset += int64(len(buf))

	if l.metricsRecordsWritten != nil {
		l.metricsRecordsWritten.Add(1)
	}
	if l.metricsBytesWritten != nil {
		l.metricsBytesWritten.Add(int64(len(buf)))
	}
	return nil
}

func encodeRecord(rec Record) []byte {
	buf := new(bytes.Buffer)
	fixed := make([]byte, 16)
	binary.LittleEndian.PutUint32(fixed[0:4], core.MetaRecordMagicNumber)
	binary.LittleEndian.PutUint64(fixed[4:12], uint64(rec.Epoch))
	binary.LittleEndian.PutUint32(fixed[12:16], uint32(len(rec.Entries)))
	buf.Write(fixed)

	for _, entry := range rec.Entries {
		head := make([]byte, 20)
		binary.LittleEndian.PutUint64(head[0:8], uint64(entry.ObjectID))
		binary.LittleEndian.PutUint32(head[8:12], entry.Location.SlabID)
		binary.LittleEndian.PutUint32(head[12:16], entry.Location.Slot)
		binary.LittleEndian.PutUint32(head[16:20], uint32(len(entry.LowKey)))
		buf.Write(head)
		buf.Write(entry.LowKey)
	}

	sum := crc32.ChecksumIEEE(buf.Bytes())
	sumBytes := make([]byte, core.ChecksumSize)
	binary.LittleEndian.PutUint32(sumBytes, sum)
	buf.Write(sumBytes)
	return buf.Bytes()
}

// Sync fsyncs the log file.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.testingOnlyInjectSyncError != nil {
		return l.testingOnlyInjectSyncError
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("metalog.sync: %w", err)
	}
	return nil
}

// Close flushes and closes the log file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writer != nil {
		if err := l.writer.Flush(); err != nil {
			return fmt.Errorf("metalog.close flush: %w", err)
		}
	}
	return l.file.Close()
}

// SetTestingOnlyInjectAppendError forces the next Appends to fail. Used to
// exercise flush poisoning.
func (l *Log) SetTestingOnlyInjectAppendError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.testingOnlyInjectAppendError = err
}

// SetTestingOnlyInjectSyncError forces the next Syncs to fail.
func (l *Log) SetTestingOnlyInjectSyncError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.testingOnlyInjectSyncError = err
}

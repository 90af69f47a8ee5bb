// Package logstore keeps per-item plugin output in in-memory ring buffers and
// NDJSON files. Rotated files are gzip-compressed.
package logstore

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

const (
	maxLines     = 10000
	maxBytes     = 5 * 1024 * 1024  // 5MB in-memory ring buffer
	maxFileBytes = 10 * 1024 * 1024 // 10MB per log file before rotation
	maxLineBytes = 64 * 1024        // longer output lines are split
)

// Log sources identify where a log entry originated.
const (
	SourcePlugin = "plugin" // plugin process stdout/stderr
	SourceSystem = "system" // panel-side lifecycle events
)

// Streams.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// LogEntry is one log line of an item.
type LogEntry struct {
	Timestamp time.Time `json:"ts"`
	Stream    string    `json:"stream"`
	Line      string    `json:"line"`
	Source    string    `json:"source"`
	ItemID    string    `json:"item_id"`
	Plugin    string    `json:"plugin,omitempty"`
}

func (e LogEntry) size() int {
	return len(e.Line) + len(e.Stream) + 100 // approximate overhead
}

// Store manages logs for all items.
type Store struct {
	mu      sync.RWMutex
	logs    map[string]*ItemLog
	logsDir string
}

// NewStore creates a new log store, creating logsDir if needed.
func NewStore(logsDir string) *Store {
	os.MkdirAll(logsDir, 0700)
	return &Store{
		logs:    make(map[string]*ItemLog),
		logsDir: logsDir,
	}
}

func (s *Store) path(itemID string) string {
	return filepath.Join(s.logsDir, itemID+".ndjson")
}

// GetOrCreate returns the log for the given item, creating it if needed.
func (s *Store) GetOrCreate(itemID, pluginName string) *ItemLog {
	s.mu.RLock()
	il, ok := s.logs[itemID]
	s.mu.RUnlock()
	if ok {
		return il
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring write lock
	if il, ok := s.logs[itemID]; ok {
		return il
	}

	il = newItemLog(itemID, pluginName, s.path(itemID))
	s.logs[itemID] = il
	return il
}

// Get returns the log for the given item, or nil if not found.
func (s *Store) Get(itemID string) *ItemLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logs[itemID]
}

// ReadFile reads persisted entries of an item, including the rotated file.
// It works for items this process has not opened.
func (s *Store) ReadFile(itemID string) ([]LogEntry, error) {
	var entries []LogEntry

	if f, err := os.Open(s.path(itemID) + ".1.gz"); err == nil {
		zr, err := gzip.NewReader(f)
		if err == nil {
			entries = decodeEntries(zr, entries)
			zr.Close()
		}
		f.Close()
	}

	f, err := os.Open(s.path(itemID))
	if err != nil {
		if os.IsNotExist(err) && entries != nil {
			return entries, nil
		}
		return entries, err
	}
	defer f.Close()
	return decodeEntries(f, entries), nil
}

func decodeEntries(r io.Reader, out []LogEntry) []LogEntry {
	dec := json.NewDecoder(r)
	for {
		var e LogEntry
		if err := dec.Decode(&e); err != nil {
			return out
		}
		out = append(out, e)
	}
}

// Remove closes the log for an item and removes its files from disk.
func (s *Store) Remove(itemID string) {
	s.mu.Lock()
	il, ok := s.logs[itemID]
	if ok {
		delete(s.logs, itemID)
	}
	s.mu.Unlock()

	if ok {
		il.Close()
	}
	os.Remove(s.path(itemID))
	os.Remove(s.path(itemID) + ".1.gz")
}

// ItemLog is a per-item ring buffer with disk persistence.
type ItemLog struct {
	mu     sync.Mutex
	itemID string
	plugin string

	// Ring buffer
	entries    []LogEntry
	head       int
	count      int
	totalBytes int

	// File persistence
	filePath  string
	file      *os.File
	fileBytes int64
}

func newItemLog(itemID, pluginName, filePath string) *ItemLog {
	il := &ItemLog{
		itemID:   itemID,
		plugin:   pluginName,
		entries:  make([]LogEntry, maxLines),
		filePath: filePath,
	}

	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err == nil {
		il.file = f
		info, _ := f.Stat()
		if info != nil {
			il.fileBytes = info.Size()
		}
	}

	return il
}

// Append adds a log entry to the ring buffer and persists it.
func (il *ItemLog) Append(stream, line, source string) {
	entry := LogEntry{
		Timestamp: time.Now(),
		Stream:    stream,
		Line:      line,
		Source:    source,
		ItemID:    il.itemID,
		Plugin:    il.plugin,
	}

	il.mu.Lock()
	defer il.mu.Unlock()

	entrySize := entry.size()

	// Evict entries if over byte cap
	for il.count > 0 && il.totalBytes+entrySize > maxBytes {
		il.evictOldest()
	}
	if il.count >= maxLines {
		il.evictOldest()
	}

	idx := (il.head + il.count) % maxLines
	il.entries[idx] = entry
	il.count++
	il.totalBytes += entrySize

	if il.file != nil {
		data, err := json.Marshal(entry)
		if err == nil {
			data = append(data, '\n')
			n, err := il.file.Write(data)
			if err == nil {
				il.fileBytes += int64(n)
				if il.fileBytes > maxFileBytes {
					il.rotate()
				}
			}
		}
	}
}

func (il *ItemLog) evictOldest() {
	il.totalBytes -= il.entries[il.head].size()
	il.entries[il.head] = LogEntry{}
	il.head = (il.head + 1) % maxLines
	il.count--
}

// rotate compresses the current file into <file>.1.gz, replacing any
// previous rotation, and starts a new file.
func (il *ItemLog) rotate() {
	if il.file != nil {
		il.file.Close()
		il.file = nil
	}
	if err := compressFile(il.filePath, il.filePath+".1.gz"); err == nil {
		os.Remove(il.filePath)
	} else {
		os.Rename(il.filePath, il.filePath+".1")
	}
	f, err := os.OpenFile(il.filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err == nil {
		il.file = f
		il.fileBytes = 0
	}
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	zw, _ := gzip.NewWriterLevel(out, gzip.BestSpeed)
	if _, err := io.Copy(zw, in); err != nil {
		zw.Close()
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// Read returns buffered entries filtered by since time, limited to last tail entries.
// If tail <= 0, all matching entries are returned.
func (il *ItemLog) Read(since time.Time, tail int) []LogEntry {
	il.mu.Lock()
	defer il.mu.Unlock()

	var result []LogEntry
	for i := 0; i < il.count; i++ {
		e := il.entries[(il.head+i)%maxLines]
		if !since.IsZero() && !e.Timestamp.After(since) {
			continue
		}
		result = append(result, e)
	}

	if tail > 0 && len(result) > tail {
		result = result[len(result)-tail:]
	}
	return result
}

// Writer returns an io.Writer that appends each line written to it as a
// plugin entry on stream. Partial lines are held until the newline arrives
// or the buffered text exceeds the line limit. Flush the returned writer to
// emit a trailing partial line.
func (il *ItemLog) Writer(stream string) *LineWriter {
	return &LineWriter{log: il, stream: stream}
}

// LineWriter splits a byte stream into log entries.
type LineWriter struct {
	mu     sync.Mutex
	log    *ItemLog
	stream string
	buf    []byte
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	for len(w.buf) > maxLineBytes {
		w.emit(w.buf[:maxLineBytes])
		w.buf = w.buf[maxLineBytes:]
	}
	if len(w.buf) == 0 {
		w.buf = nil
	}
	return len(p), nil
}

// Flush emits any buffered partial line.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *LineWriter) emit(line []byte) {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	w.log.Append(w.stream, string(line), SourcePlugin)
}

// Close closes the file handle.
func (il *ItemLog) Close() {
	il.mu.Lock()
	defer il.mu.Unlock()
	if il.file != nil {
		il.file.Close()
		il.file = nil
	}
}

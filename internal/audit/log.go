package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/litmajor/mtaa-elders/internal/ethics"
)

// GenesisHash is the prev_hash of the first entry in a log.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// Log is an append-only JSONL export of ethics reviews. Every entry carries
// the SHA-256 of the line written before it, so edits break the chain.
type Log struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	tail    string
	entries int
}

// Open creates path, or reopens it and continues its chain.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}
	tail, n, err := chainTail(path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	return &Log{path: path, file: f, tail: tail, entries: n}, nil
}

// chainTail hashes the final line of an existing log and counts its lines.
func chainTail(path string) (string, int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return GenesisHash, 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("audit: read %s: %w", path, err)
	}
	data = bytes.TrimRight(data, "\n")
	if len(data) == 0 {
		return GenesisHash, 0, nil
	}
	lines := bytes.Split(data, []byte("\n"))
	return HashLine(lines[len(lines)-1]), len(lines), nil
}

// Path returns the file the log appends to.
func (l *Log) Path() string { return l.path }

// Entries returns the number of lines in the log, including those present
// before Open.
func (l *Log) Entries() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries
}

// Write appends an ethics audit record. It satisfies ethics.AuditSink.
func (l *Log) Write(rec ethics.AuditRecord) error {
	return l.Record(EntryFrom(rec))
}

// Record links entry to the chain, appends it and syncs. An empty timestamp
// is set to now.
func (l *Log) Record(entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(TimestampFormat)
	}
	entry.PrevHash = l.tail

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: encode %s: %w", entry.ReviewID, err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("audit: sync: %w", err)
	}

	l.tail = HashLine(line)
	l.entries++
	return nil
}

// Close closes the file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// HashLine returns "sha256:<hex>" of line.
func HashLine(line []byte) string {
	sum := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Package buffer is the durable local store for audit entries. Entries are
// appended to one newline-delimited JSON segment file per (source, UTC day)
// and survive process crashes once Add returns.
package buffer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/toolaudit/internal/domain"
)

// ErrInvalidName is returned for sources or segment names that cannot be
// mapped to a file inside the buffer directory.
var ErrInvalidName = errors.New("buffer: invalid segment name") //nolint:gochecknoglobals // sentinel error

const (
	segmentExt = ".jsonl"
	dayLayout  = "2006-01-02"
)

// Option configures a Buffer.
type Option func(*Buffer)

// WithClock overrides the clock used to pick the current day's segment.
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) { b.now = now }
}

// Buffer owns the segment files under one directory. Appends and prefix
// removals on the same segment are serialized by a per-segment lock, so a
// drain never discards an entry appended after it read the segment.
type Buffer struct {
	dir string
	now func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Buffer rooted at dir. Call Init before first use.
func New(dir string, opts ...Option) *Buffer {
	b := &Buffer{
		dir:   dir,
		now:   time.Now,
		locks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Dir returns the buffer directory.
func (b *Buffer) Dir() string { return b.dir }

// Init ensures the buffer directory exists. Safe to call repeatedly.
func (b *Buffer) Init(_ context.Context) error {
	if err := os.MkdirAll(b.dir, 0o750); err != nil {
		return fmt.Errorf("buffer.Buffer.Init: %w", err)
	}
	return nil
}

// SegmentName returns the logical segment name for source on day.
func SegmentName(source string, day time.Time) string {
	return source + "-" + day.UTC().Format(dayLayout)
}

// Add appends entry to today's segment for entry.Source and fsyncs it.
func (b *Buffer) Add(ctx context.Context, entry *domain.AuditLogEntry) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("buffer.Buffer.Add: %w", err)
	}
	if err := validSource(entry.Source); err != nil {
		return fmt.Errorf("buffer.Buffer.Add: %w", err)
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("buffer.Buffer.Add: marshal: %w", err)
	}
	line = append(line, '\n')

	name := SegmentName(entry.Source, b.now())
	unlock := b.lock(name)
	defer unlock()

	if err := os.MkdirAll(b.dir, 0o750); err != nil {
		return fmt.Errorf("buffer.Buffer.Add: mkdir: %w", err)
	}

	f, err := os.OpenFile(b.path(name), os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o640) //nolint:gosec // path built from validated name
	if err != nil {
		return fmt.Errorf("buffer.Buffer.Add: open %s: %w", name, err)
	}

	// A crash can leave a torn last line without its newline. Terminate it so
	// this entry starts on a line of its own.
	torn, err := endsMidLine(f)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("buffer.Buffer.Add: inspect %s: %w", name, err)
	}
	if torn {
		line = append([]byte{'\n'}, line...)
	}

	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("buffer.Buffer.Add: write %s: %w", name, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("buffer.Buffer.Add: sync %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("buffer.Buffer.Add: close %s: %w", name, err)
	}

	return nil
}

func endsMidLine(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return false, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return false, err
	}
	return last[0] != '\n', nil
}

// Read returns today's entries for source in write order.
func (b *Buffer) Read(ctx context.Context, source string) ([]*domain.AuditLogEntry, error) {
	if err := validSource(source); err != nil {
		return nil, fmt.Errorf("buffer.Buffer.Read: %w", err)
	}
	return b.ReadSegment(ctx, SegmentName(source, b.now()))
}

// ReadSegment returns the entries of the named segment in write order. A
// missing segment yields no entries and no error. Lines that do not decode
// (a torn write after a crash) are skipped.
func (b *Buffer) ReadSegment(ctx context.Context, name string) ([]*domain.AuditLogEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("buffer.Buffer.ReadSegment: %w", err)
	}
	if err := validName(name); err != nil {
		return nil, fmt.Errorf("buffer.Buffer.ReadSegment: %w", err)
	}

	data, err := os.ReadFile(b.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return []*domain.AuditLogEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("buffer.Buffer.ReadSegment: %s: %w", name, err)
	}

	entries := make([]*domain.AuditLogEntry, 0, bytes.Count(data, []byte{'\n'}))
	for i, line := range splitLines(data) {
		e, err := decodeEntry(line)
		if err != nil {
			log.Warn().Err(err).Str("segment", name).Int("line", i+1).Msg("buffer: skipping undecodable entry")
			continue
		}
		entries = append(entries, e)
	}

	return entries, nil
}

// ClearShipped removes the first count entries of the named segment. When no
// decodable entries remain the segment file is deleted, otherwise the
// remaining suffix is written to a temporary file and renamed over the
// segment. A count of 0 only deletes a segment that holds nothing decodable.
func (b *Buffer) ClearShipped(ctx context.Context, name string, count int) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("buffer.Buffer.ClearShipped: %w", err)
	}
	if err := validName(name); err != nil {
		return fmt.Errorf("buffer.Buffer.ClearShipped: %w", err)
	}
	if count < 0 {
		return nil
	}

	unlock := b.lock(name)
	defer unlock()

	path := b.path(name)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("buffer.Buffer.ClearShipped: read %s: %w", name, err)
	}

	rest := dropEntries(data, count)
	if !hasEntries(rest) {
		if len(bytes.TrimSpace(rest)) > 0 {
			log.Warn().Str("segment", name).Int("bytes", len(rest)).Msg("buffer: removing undecodable remainder")
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("buffer.Buffer.ClearShipped: remove %s: %w", name, err)
		}
		return nil
	}
	if count == 0 {
		return nil
	}

	if err := writeFileAtomic(path, rest); err != nil {
		return fmt.Errorf("buffer.Buffer.ClearShipped: rewrite %s: %w", name, err)
	}

	return nil
}

// Stats maps every segment on disk to its entry count.
func (b *Buffer) Stats(ctx context.Context) (map[string]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("buffer.Buffer.Stats: %w", err)
	}

	stats := make(map[string]int)
	dirEntries, err := os.ReadDir(b.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return stats, nil
	}
	if err != nil {
		return nil, fmt.Errorf("buffer.Buffer.Stats: %w", err)
	}

	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), segmentExt) {
			continue
		}
		name := strings.TrimSuffix(de.Name(), segmentExt)

		data, err := os.ReadFile(filepath.Join(b.dir, de.Name()))
		if errors.Is(err, fs.ErrNotExist) {
			// Removed by a concurrent drain.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("buffer.Buffer.Stats: %s: %w", name, err)
		}

		n := 0
		for _, line := range splitLines(data) {
			if _, err := decodeEntry(line); err == nil {
				n++
			}
		}
		stats[name] = n
	}

	return stats, nil
}

func (b *Buffer) path(name string) string {
	return filepath.Join(b.dir, name+segmentExt)
}

func (b *Buffer) lock(name string) func() {
	b.mu.Lock()
	l, ok := b.locks[name]
	if !ok {
		l = &sync.Mutex{}
		b.locks[name] = l
	}
	b.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// splitLines returns the non-blank lines of data.
func splitLines(data []byte) [][]byte {
	var lines [][]byte
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// dropEntries returns data without its first count decodable entries.
// Undecodable lines in the dropped prefix are discarded with it.
func dropEntries(data []byte, count int) []byte {
	rest := data
	dropped := 0
	for dropped < count && len(rest) > 0 {
		line := rest
		next := len(rest)
		if i := bytes.IndexByte(rest, '\n'); i >= 0 {
			line = rest[:i]
			next = i + 1
		}
		rest = rest[next:]
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if _, err := decodeEntry(line); err == nil {
			dropped++
		}
	}
	return rest
}

func hasEntries(data []byte) bool {
	for _, line := range splitLines(data) {
		if _, err := decodeEntry(line); err == nil {
			return true
		}
	}
	return false
}

// decodeEntry is the single definition of a readable line, shared by
// ReadSegment, Stats and dropEntries so their counts always agree.
func decodeEntry(line []byte) (*domain.AuditLogEntry, error) {
	var e domain.AuditLogEntry
	if err := json.Unmarshal(line, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640) //nolint:gosec // path built from validated name
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func validSource(source string) error {
	if source == "" {
		return fmt.Errorf("%w: empty source", ErrInvalidName)
	}
	return validName(source)
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Package archive manages chart images after generation: promoting them
// into the serving directory, filing date-partitioned archive copies, and
// resolving download requests against a strict filename allow-list.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"
)

var (
	// ErrNotFound means the requested image exists in neither the serving
	// directory nor today's archive partition.
	ErrNotFound = errors.New("image not found")
	// ErrBadName means the requested filename failed validation. Raised
	// before any filesystem access.
	ErrBadName = errors.New("invalid image filename")
	// ErrArchive wraps filesystem faults while promoting or filing images.
	ErrArchive = errors.New("archive operation failed")
)

// imageName is the only shape of filename the store will serve. No path
// separators, no dots outside the extension, image extensions only.
var imageName = regexp.MustCompile(`(?i)^[\w-]+\.(png|jpg|jpeg)$`)

// ValidName reports whether name is acceptable for retrieval.
func ValidName(name string) bool {
	return imageName.MatchString(name)
}

// Entry is one archived image as reported by List.
type Entry struct {
	Date       string    `json:"date"`
	Filename   string    `json:"filename"`
	Size       int64     `json:"size"`
	ArchivedAt time.Time `json:"archived_at"`
}

// Index records archive entries for listing. Implemented by the sqlite
// store; a nil index falls back to walking the filesystem.
type Index interface {
	RecordArchiveEntry(ctx context.Context, e Entry) error
	ListArchiveEntries(ctx context.Context) ([]Entry, error)
}

// Store owns the serving and archive directories.
type Store struct {
	servingDir string
	archiveDir string
	index      Index
	now        func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithIndex attaches a persistent index used by List.
func WithIndex(idx Index) Option {
	return func(s *Store) { s.index = idx }
}

// WithClock substitutes the date source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store rooted at the given directories, creating them if
// needed.
func New(servingDir, archiveDir string, opts ...Option) (*Store, error) {
	s := &Store{
		servingDir: servingDir,
		archiveDir: archiveDir,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, dir := range []string{servingDir, archiveDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: creating %s: %v", ErrArchive, dir, err)
		}
	}
	return s, nil
}

// partition is the directory name for an archive date.
func partition(t time.Time) string {
	return t.Format("2006-01-02")
}

// Promote moves a generated image from the sandbox into the serving
// directory, replacing any previous image with the same name. Rename is
// tried first; a copy handles cross-device moves.
func (s *Store) Promote(srcPath, name string) error {
	if !ValidName(name) {
		return fmt.Errorf("%w: %q", ErrBadName, name)
	}
	dst := filepath.Join(s.servingDir, name)
	if err := os.Rename(srcPath, dst); err == nil {
		return nil
	}
	if err := copyFile(srcPath, dst); err != nil {
		return fmt.Errorf("%w: promoting %s: %v", ErrArchive, name, err)
	}
	os.Remove(srcPath)
	return nil
}

// Archive files a copy of a serving image under today's date partition.
// Re-archiving the same name on the same day overwrites the earlier copy.
func (s *Store) Archive(ctx context.Context, name string) error {
	if !ValidName(name) {
		return fmt.Errorf("%w: %q", ErrBadName, name)
	}
	src := filepath.Join(s.servingDir, name)
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("%w: source %s missing from serving area", ErrArchive, name)
	}

	day := partition(s.now())
	dir := filepath.Join(s.archiveDir, day)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: creating partition %s: %v", ErrArchive, day, err)
	}
	if err := copyFile(src, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("%w: filing %s: %v", ErrArchive, name, err)
	}

	if s.index != nil {
		entry := Entry{Date: day, Filename: name, Size: info.Size(), ArchivedAt: s.now().UTC()}
		if err := s.index.RecordArchiveEntry(ctx, entry); err != nil {
			// Filesystem copy already succeeded; the index is best-effort.
			slog.Warn("recording archive entry failed", "filename", name, "error", err)
		}
	}
	return nil
}

// Retrieve resolves name to an absolute path, checking the serving
// directory first and today's archive partition second. The filename is
// validated before any filesystem access.
func (s *Store) Retrieve(name string) (string, error) {
	if !ValidName(name) {
		return "", fmt.Errorf("%w: %q", ErrBadName, name)
	}
	serving := filepath.Join(s.servingDir, name)
	if _, err := os.Stat(serving); err == nil {
		return serving, nil
	}
	archived := filepath.Join(s.archiveDir, partition(s.now()), name)
	if _, err := os.Stat(archived); err == nil {
		return archived, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

// ClearServing removes every image currently being served. Archived copies
// are untouched.
func (s *Store) ClearServing() error {
	entries, err := os.ReadDir(s.servingDir)
	if err != nil {
		return fmt.Errorf("%w: listing serving directory: %v", ErrArchive, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(s.servingDir, entry.Name())); err != nil {
			return fmt.Errorf("%w: removing %s: %v", ErrArchive, entry.Name(), err)
		}
	}
	return nil
}

// List returns archived images newest-first, by date then filename. The
// index is consulted when attached; otherwise the archive tree is walked.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	if s.index != nil {
		return s.index.ListArchiveEntries(ctx)
	}
	return s.listFromDisk()
}

func (s *Store) listFromDisk() ([]Entry, error) {
	days, err := os.ReadDir(s.archiveDir)
	if err != nil {
		return nil, fmt.Errorf("%w: listing archive: %v", ErrArchive, err)
	}

	var entries []Entry
	for _, day := range days {
		if !day.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(s.archiveDir, day.Name()))
		if err != nil {
			return nil, fmt.Errorf("%w: listing partition %s: %v", ErrArchive, day.Name(), err)
		}
		for _, f := range files {
			if f.IsDir() || !ValidName(f.Name()) {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			entries = append(entries, Entry{
				Date:       day.Name(),
				Filename:   f.Name(),
				Size:       info.Size(),
				ArchivedAt: info.ModTime().UTC(),
			})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Date != entries[j].Date {
			return entries[i].Date > entries[j].Date
		}
		return entries[i].Filename < entries[j].Filename
	})
	return entries, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

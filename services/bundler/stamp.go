package bundler

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// StampFileName is written to the add-in root while targets compile so
	// that the add-in's build script can embed the build time.
	StampFileName = "compilation_timestamp.txt"

	stampLayout   = "2006-01-02T15:04:05.000000Z07:00"
	compactLayout = "20060102150405"
)

// FormatStamp renders t as RFC 3339 in UTC with microsecond precision.
func FormatStamp(t time.Time) string {
	return t.UTC().Format(stampLayout)
}

// ParseStamp parses the content of a stamp file.
func ParseStamp(s string) (time.Time, error) {
	return time.Parse(stampLayout, strings.TrimSpace(s))
}

// CompactTimestamp renders t as YYYYMMDDhhmmss in UTC for entry names.
func CompactTimestamp(t time.Time) string {
	return t.UTC().Format(compactLayout)
}

// Stamp is the timestamp file of one run. It exists from BeginStamp until
// the first Release.
type Stamp struct {
	path     string
	released bool
}

// BeginStamp writes the stamp file under root.
func BeginStamp(root string, t time.Time) (*Stamp, error) {
	path := filepath.Join(root, StampFileName)
	if err := os.WriteFile(path, []byte(FormatStamp(t)), 0o644); err != nil {
		return nil, fmt.Errorf("%w: write %s: %w", ErrFileSystem, StampFileName, err)
	}
	return &Stamp{path: path}, nil
}

// Path returns the stamp file location.
func (s *Stamp) Path() string { return s.path }

// Release removes the stamp file. Only the first call does any work. A file
// already removed by someone else is not an error.
func (s *Stamp) Release() error {
	if s == nil || s.released {
		return nil
	}
	s.released = true
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: remove %s: %w", ErrFileSystem, StampFileName, err)
	}
	return nil
}

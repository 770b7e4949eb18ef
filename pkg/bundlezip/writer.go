package bundlezip

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"
)

// EntryMode is the unix mode recorded for every entry.
const EntryMode os.FileMode = 0o755

// ErrFinalized is returned by operations on a writer that was already
// committed or aborted.
var ErrFinalized = errors.New("bundle writer already finalized")

// dosEpoch is 1980-01-01 00:00 in MS-DOS date format. Entries carry this
// fixed modification time so identical inputs produce identical archives.
const dosEpoch = 1<<5 | 1

// Writer streams entries into a temporary zip file that is moved onto the
// destination by Commit. The destination is never observed half-written.
type Writer struct {
	dest    string
	tmp     *os.File
	zw      *zip.Writer
	entries []string
	seen    map[string]struct{}
	sealed  bool
	done    bool
}

// Create opens a temporary file next to dest. The parent directory of dest
// must exist.
func Create(dest string) (*Writer, error) {
	if dest == "" {
		return nil, errors.New("bundle destination is required")
	}
	dir := filepath.Dir(dest)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create temporary bundle: %w", err)
	}
	return &Writer{
		dest: dest,
		tmp:  tmp,
		zw:   zip.NewWriter(tmp),
		seen: make(map[string]struct{}),
	}, nil
}

// Dest returns the final bundle path.
func (w *Writer) Dest() string { return w.dest }

// TempPath returns the path of the file being written.
func (w *Writer) TempPath() string { return w.tmp.Name() }

// Entries returns entry names in the order they were added.
func (w *Writer) Entries() []string {
	out := make([]string, len(w.entries))
	copy(out, w.entries)
	return out
}

// Add compresses r into a new entry. Names must be unique within the bundle.
func (w *Writer) Add(name string, r io.Reader) (int64, error) {
	if w.done || w.sealed {
		return 0, ErrFinalized
	}
	if name == "" {
		return 0, errors.New("entry name is required")
	}
	if _, dup := w.seen[name]; dup {
		return 0, fmt.Errorf("duplicate entry %q", name)
	}

	hdr := &zip.FileHeader{
		Name:         name,
		Method:       zip.Deflate,
		ModifiedDate: dosEpoch,
	}
	hdr.SetMode(EntryMode)

	ew, err := w.zw.CreateHeader(hdr)
	if err != nil {
		return 0, fmt.Errorf("start entry %q: %w", name, err)
	}
	n, err := io.Copy(ew, r)
	if err != nil {
		return n, fmt.Errorf("write entry %q: %w", name, err)
	}
	w.seen[name] = struct{}{}
	w.entries = append(w.entries, name)
	return n, nil
}

// AddBytes is Add for an in-memory payload.
func (w *Writer) AddBytes(name string, data []byte) error {
	_, err := w.Add(name, bytes.NewReader(data))
	return err
}

// Seal writes the central directory and flushes the temporary file to disk
// without moving it into place. The finished archive can be read from
// TempPath until Commit or Abort.
func (w *Writer) Seal() error {
	if w.done || w.sealed {
		return ErrFinalized
	}
	w.sealed = true

	if err := w.zw.Close(); err != nil {
		w.Abort()
		return fmt.Errorf("close archive: %w", err)
	}
	if err := w.tmp.Sync(); err != nil {
		w.Abort()
		return fmt.Errorf("sync archive: %w", err)
	}
	if err := w.tmp.Chmod(0o644); err != nil {
		w.Abort()
		return fmt.Errorf("chmod archive: %w", err)
	}
	if err := w.tmp.Close(); err != nil {
		w.Abort()
		return fmt.Errorf("close archive file: %w", err)
	}
	return nil
}

// Commit seals the archive if needed and renames it onto the destination.
// It may be called once.
func (w *Writer) Commit() error {
	if w.done {
		return ErrFinalized
	}
	if !w.sealed {
		if err := w.Seal(); err != nil {
			return err
		}
	}
	w.done = true
	if err := os.Rename(w.tmp.Name(), w.dest); err != nil {
		os.Remove(w.tmp.Name())
		return fmt.Errorf("move archive into place: %w", err)
	}
	return nil
}

// Abort discards the temporary file. It is safe to call after Commit, in
// which case it does nothing.
func (w *Writer) Abort() {
	if w == nil || w.done {
		return
	}
	w.done = true
	w.tmp.Close()
	os.Remove(w.tmp.Name())
}

package bundlezip

import (
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zip"
)

// Entry is one file read back from a bundle.
type Entry struct {
	Name string
	Mode os.FileMode
	Data []byte
}

// ReadAll opens a bundle and returns its entries in archive order.
func ReadAll(path string) ([]Entry, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	defer zr.Close()

	entries := make([]Entry, 0, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open entry %q: %w", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read entry %q: %w", f.Name, err)
		}
		entries = append(entries, Entry{Name: f.Name, Mode: f.Mode(), Data: data})
	}
	return entries, nil
}

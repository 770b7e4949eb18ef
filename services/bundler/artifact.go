package bundler

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"addinbundle/pkg/targets"
	"addinbundle/pkg/toolchain"
)

// Artifact is a compiled binary collected for the bundle.
type Artifact struct {
	Target     targets.Target
	SourcePath string
	EntryName  string
	Size       int64
	SHA256     string
	BLAKE3     string
	Duration   time.Duration
}

// ArtifactPath returns where the toolchain leaves the binary for t:
// <root>/target/<triple>/<release|debug>/<prefix><pkg>.<ext>.
func ArtifactPath(root string, t targets.Target, pkg string, release bool) string {
	return filepath.Join(root, "target", t.Triple, toolchain.Profile(release), t.FileName(pkg))
}

// Locate checks that the binary for t exists. There is no fallback search.
func Locate(root string, t targets.Target, pkg string, release bool) (string, error) {
	path := ArtifactPath(root, t, pkg, release)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrArtifactMissing, path)
		}
		return "", fmt.Errorf("%w: stat %s: %w", ErrFileSystem, path, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s is not a regular file", ErrArtifactMissing, path)
	}
	return path, nil
}

// EntryName returns the archive name of the binary for t:
// <prefix><pkg>.<archos>.<stamp>.<ext>.
func EntryName(t targets.Target, pkg, stamp string) string {
	return fmt.Sprintf("%s.%s.%s.%s", t.FileStem(pkg), t.ArchOS, stamp, t.Ext)
}

package targets

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	// DefaultPackage is the crate name of the add-in as declared in Cargo.toml.
	DefaultPackage = "common_addin"

	// DefaultBundle is the bundle name written into the descriptor root.
	DefaultBundle = "CommonAddin"
)

// ErrInvalidCatalog is returned when a catalog fails validation.
var ErrInvalidCatalog = errors.New("invalid target catalog")

var safeName = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.+-]*$`)

// Target describes one platform the add-in is compiled for.
type Target struct {
	Toolchain string `yaml:"toolchain"`
	Triple    string `yaml:"triple"`
	Arch      string `yaml:"arch"`
	OS        string `yaml:"os"`
	ArchOS    string `yaml:"archos"`
	Ext       string `yaml:"ext"`
	Prefix    string `yaml:"prefix,omitempty"`
}

// FileStem returns the package name as the toolchain spells it for this
// target, e.g. "libcommon_addin" on Linux.
func (t Target) FileStem(pkg string) string {
	return t.Prefix + pkg
}

// FileName returns the name of the binary the toolchain produces.
func (t Target) FileName(pkg string) string {
	return t.FileStem(pkg) + "." + t.Ext
}

// Catalog is the ordered set of targets built into one bundle.
type Catalog struct {
	Package string   `yaml:"package"`
	Bundle  string   `yaml:"bundle"`
	Targets []Target `yaml:"targets"`
}

var defaultTargets = [...]Target{
	{Toolchain: "cargo", Triple: "i686-pc-windows-msvc", Arch: "i386", OS: "Windows", ArchOS: "win32", Ext: "dll"},
	{Toolchain: "cargo", Triple: "x86_64-pc-windows-msvc", Arch: "x86_64", OS: "Windows", ArchOS: "win64", Ext: "dll"},
	{Toolchain: "cross", Triple: "i686-unknown-linux-gnu", Arch: "i386", OS: "Linux", ArchOS: "linux32", Ext: "so", Prefix: "lib"},
	{Toolchain: "cross", Triple: "x86_64-unknown-linux-gnu", Arch: "x86_64", OS: "Linux", ArchOS: "linux64", Ext: "so", Prefix: "lib"},
}

// Default returns the built-in catalog. Each call returns a fresh copy.
func Default() Catalog {
	list := make([]Target, len(defaultTargets))
	copy(list, defaultTargets[:])
	return Catalog{
		Package: DefaultPackage,
		Bundle:  DefaultBundle,
		Targets: list,
	}
}

// Validate checks that the catalog can produce a well-formed bundle: every
// field is set and file-name safe, and archos tags and triples are unique so
// that entry names cannot collide.
func (c Catalog) Validate() error {
	if !safeName.MatchString(c.Package) {
		return fmt.Errorf("%w: package %q", ErrInvalidCatalog, c.Package)
	}
	if strings.TrimSpace(c.Bundle) == "" {
		return fmt.Errorf("%w: bundle name is required", ErrInvalidCatalog)
	}
	if len(c.Targets) == 0 {
		return fmt.Errorf("%w: no targets", ErrInvalidCatalog)
	}

	archos := make(map[string]struct{}, len(c.Targets))
	triples := make(map[string]struct{}, len(c.Targets))
	for i, t := range c.Targets {
		if err := t.validate(); err != nil {
			return fmt.Errorf("%w: target %d: %v", ErrInvalidCatalog, i+1, err)
		}
		if _, dup := archos[t.ArchOS]; dup {
			return fmt.Errorf("%w: duplicate archos %q", ErrInvalidCatalog, t.ArchOS)
		}
		archos[t.ArchOS] = struct{}{}
		if _, dup := triples[t.Triple]; dup {
			return fmt.Errorf("%w: duplicate triple %q", ErrInvalidCatalog, t.Triple)
		}
		triples[t.Triple] = struct{}{}
	}
	return nil
}

func (t Target) validate() error {
	required := []struct {
		field string
		value string
	}{
		{"toolchain", t.Toolchain},
		{"triple", t.Triple},
		{"arch", t.Arch},
		{"os", t.OS},
		{"archos", t.ArchOS},
		{"ext", t.Ext},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("%s is required", r.field)
		}
	}
	for _, v := range []string{t.Triple, t.ArchOS, t.Ext} {
		if !safeName.MatchString(v) {
			return fmt.Errorf("%q is not a valid file name component", v)
		}
	}
	if strings.Contains(t.Ext, ".") {
		return fmt.Errorf("ext %q must not contain a dot", t.Ext)
	}
	if t.Prefix != "" && !safeName.MatchString(t.Prefix) {
		return fmt.Errorf("prefix %q is not a valid file name component", t.Prefix)
	}
	return nil
}

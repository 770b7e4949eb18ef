package bundler

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
	"lukechampine.com/blake3"
)

// Report is the machine-readable summary of a successful run.
type Report struct {
	RunID      string            `yaml:"run_id"`
	Bundle     string            `yaml:"bundle"`
	Name       string            `yaml:"name"`
	Package    string            `yaml:"package"`
	Release    bool              `yaml:"release"`
	BuiltAt    time.Time         `yaml:"built_at"`
	Size       int64             `yaml:"size"`
	SHA256     string            `yaml:"sha256"`
	Signature  string            `yaml:"signature,omitempty"`
	Components []ReportComponent `yaml:"components"`
}

// ReportComponent describes one archived binary.
type ReportComponent struct {
	ArchOS         string  `yaml:"archos"`
	OS             string  `yaml:"os"`
	Arch           string  `yaml:"arch"`
	Triple         string  `yaml:"triple"`
	Toolchain      string  `yaml:"toolchain"`
	Entry          string  `yaml:"entry"`
	Size           int64   `yaml:"size"`
	SHA256         string  `yaml:"sha256"`
	BLAKE3         string  `yaml:"blake3"`
	CompileSeconds float64 `yaml:"compile_seconds"`
}

// NewReport summarises res.
func NewReport(res *Result) Report {
	r := Report{
		RunID:     res.RunID,
		Bundle:    res.Output,
		Name:      res.Name,
		Package:   res.Package,
		Release:   res.Release,
		BuiltAt:   res.Timestamp,
		Size:      res.Size,
		SHA256:    res.SHA256,
		Signature: res.SignaturePath,
	}
	for _, a := range res.Artifacts {
		r.Components = append(r.Components, ReportComponent{
			ArchOS:         a.Target.ArchOS,
			OS:             a.Target.OS,
			Arch:           a.Target.Arch,
			Triple:         a.Target.Triple,
			Toolchain:      a.Target.Toolchain,
			Entry:          a.EntryName,
			Size:           a.Size,
			SHA256:         a.SHA256,
			BLAKE3:         a.BLAKE3,
			CompileSeconds: a.Duration.Seconds(),
		})
	}
	return r
}

// WriteReport writes r as YAML.
func WriteReport(path string, r Report) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("%w: write report: %w", ErrFileSystem, err)
	}
	return nil
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func blake3Hex(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

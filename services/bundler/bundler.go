package bundler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"addinbundle/pkg/bundlezip"
	"addinbundle/pkg/fslock"
	"addinbundle/pkg/targets"
	"addinbundle/pkg/telemetry"
	"addinbundle/pkg/toolchain"
)

const (
	serviceName  = "addinbundle"
	manifestFile = "Cargo.toml"
	lockFile     = ".addinbundle.lock"
)

// Result describes a finished bundle.
type Result struct {
	RunID         string
	Output        string
	Name          string
	Package       string
	Release       bool
	Timestamp     time.Time
	Stamp         string
	Artifacts     []Artifact
	Components    []Component
	Entries       []string
	Size          int64
	SHA256        string
	SignaturePath string
	ReportPath    string
}

// Build compiles every catalog target in order, archives the binaries and
// the descriptor into cfg.Output, and cleans up the timestamp file. Any
// failure aborts the run: the stamp file is removed and cfg.Output is left
// as it was.
func Build(ctx context.Context, cfg BuildConfig) (res *Result, err error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tracer := telemetry.Tracer("addinbundle/bundler")
	ctx, span := tracer.Start(ctx, "bundle.build", trace.WithAttributes(
		attribute.String("run_id", cfg.RunID),
		attribute.String("output", cfg.Output),
		attribute.Bool("release", cfg.Release),
		attribute.Int("targets", len(cfg.Catalog.Targets)),
	))
	defer span.End()

	defer func() {
		var size int64
		if res != nil {
			size = res.Size
		}
		cfg.Metrics.ObserveRun(cfg.Now(), size, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			cfg.Logger.Printf("ERROR run %s failed: %v", cfg.RunID, err)
			fail(cfg.Stdout, "Bundle %s not written", cfg.Output)
		}
	}()

	targetDir := filepath.Join(cfg.AddinRoot, "target")
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", ErrFileSystem, targetDir, err)
	}
	lock, err := fslock.Acquire(filepath.Join(targetDir, lockFile))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFileSystem, err)
	}
	defer lock.Release()

	now := cfg.Now().UTC()
	r := &run{
		cfg:      cfg,
		tracer:   tracer,
		manifest: filepath.Join(cfg.AddinRoot, manifestFile),
		stamp:    CompactTimestamp(now),
	}
	cfg.Logger.Printf("INFO run %s: building %d targets of %s into %s", cfg.RunID, len(cfg.Catalog.Targets), cfg.AddinRoot, cfg.Output)

	if err := os.MkdirAll(filepath.Dir(cfg.Output), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create output dir: %w", ErrFileSystem, err)
	}
	r.bundle, err = bundlezip.Create(cfg.Output)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFileSystem, err)
	}
	defer r.bundle.Abort()

	stamp, err := BeginStamp(cfg.AddinRoot, now)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := stamp.Release(); rerr != nil {
			cfg.Logger.Printf("WARN %v", rerr)
		}
	}()

	desc := NewDescriptor(cfg.Catalog.Bundle)
	artifacts := make([]Artifact, 0, len(cfg.Catalog.Targets))
	for i, t := range cfg.Catalog.Targets {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("run cancelled before target %s: %w", t.ArchOS, err)
		}
		a, err := r.buildTarget(ctx, i, t)
		if err != nil {
			return nil, fmt.Errorf("target %s: %w", t.ArchOS, err)
		}
		if err := desc.Add(Component{OS: t.OS, Arch: t.Arch, Path: a.EntryName, ArchOS: t.ArchOS}); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFinalize, err)
		}
		artifacts = append(artifacts, a)
	}

	xml, err := desc.Seal()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFinalize, err)
	}
	if err := stamp.Release(); err != nil {
		return nil, err
	}
	if err := r.bundle.AddBytes(DescriptorName, xml); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFinalize, err)
	}
	entries := r.bundle.Entries()
	if err := r.bundle.Seal(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFinalize, err)
	}

	data, err := os.ReadFile(r.bundle.TempPath())
	if err != nil {
		return nil, fmt.Errorf("%w: read bundle: %w", ErrFinalize, err)
	}
	res = &Result{
		RunID:      cfg.RunID,
		Output:     cfg.Output,
		Name:       cfg.Catalog.Bundle,
		Package:    cfg.Catalog.Package,
		Release:    cfg.Release,
		Timestamp:  now,
		Stamp:      r.stamp,
		Artifacts:  artifacts,
		Components: desc.Components(),
		Entries:    entries,
		Size:       int64(len(data)),
		SHA256:     sha256Hex(data),
	}

	// The signature and report land before the bundle does and are removed
	// again if the bundle never reaches cfg.Output.
	var written []string
	defer func() {
		if err != nil {
			for _, p := range written {
				os.Remove(p)
			}
		}
	}()
	if cfg.Signer != nil {
		sigPath := cfg.Output + SignatureSuffix
		if err := cfg.Signer.WriteSignature(data, sigPath); err != nil {
			return nil, fmt.Errorf("%w: sign bundle: %w", ErrFinalize, err)
		}
		written = append(written, sigPath)
		res.SignaturePath = sigPath
		cfg.Logger.Printf("INFO run %s: signature written to %s", cfg.RunID, sigPath)
	}
	if cfg.ReportPath != "" {
		if err := WriteReport(cfg.ReportPath, NewReport(res)); err != nil {
			return nil, err
		}
		written = append(written, cfg.ReportPath)
		res.ReportPath = cfg.ReportPath
	}

	if err := r.bundle.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFinalize, err)
	}

	span.SetAttributes(attribute.Int64("bundle.size", res.Size), attribute.String("bundle.sha256", res.SHA256))
	done(cfg.Stdout, "Wrote %s (%d entries, %d bytes)", cfg.Output, len(entries), res.Size)
	cfg.Logger.Printf("INFO run %s: bundle %s sha256=%s", cfg.RunID, cfg.Output, res.SHA256)
	return res, nil
}

type run struct {
	cfg      BuildConfig
	tracer   trace.Tracer
	manifest string
	stamp    string
	bundle   *bundlezip.Writer
}

func (r *run) buildTarget(ctx context.Context, i int, t targets.Target) (a Artifact, err error) {
	ctx, span := r.tracer.Start(ctx, "bundle.target", trace.WithAttributes(
		attribute.String("archos", t.ArchOS),
		attribute.String("triple", t.Triple),
		attribute.String("toolchain", t.Toolchain),
	))
	defer span.End()

	var elapsed time.Duration
	defer func() {
		r.cfg.Metrics.ObserveTarget(t.ArchOS, elapsed, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	step(r.cfg.Stdout, "Building %s (%s) [%d/%d]", t.ArchOS, t.Triple, i+1, len(r.cfg.Catalog.Targets))
	inv := toolchain.NewInvocation(t, r.manifest, r.cfg.Release)
	r.cfg.Logger.Printf("INFO run %s: %s", r.cfg.RunID, inv)

	start := time.Now()
	_, err = toolchain.Build(ctx, r.cfg.Runner, t, r.manifest, r.cfg.Release)
	elapsed = time.Since(start)
	if err != nil {
		return Artifact{}, err
	}

	pkg := r.cfg.Catalog.Package
	path, err := Locate(r.cfg.AddinRoot, t, pkg, r.cfg.Release)
	if err != nil {
		return Artifact{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: read %s: %w", ErrFileSystem, path, err)
	}

	a = Artifact{
		Target:     t,
		SourcePath: path,
		EntryName:  EntryName(t, pkg, r.stamp),
		Size:       int64(len(data)),
		SHA256:     sha256Hex(data),
		BLAKE3:     blake3Hex(data),
		Duration:   elapsed,
	}
	if err := r.archive(a.EntryName, data); err != nil {
		return Artifact{}, err
	}
	r.cfg.Logger.Printf("INFO run %s: archived %s (%d bytes, %s)", r.cfg.RunID, a.EntryName, a.Size, elapsed.Round(time.Millisecond))
	return a, nil
}

func (r *run) archive(name string, data []byte) error {
	var src io.Reader = bytes.NewReader(data)
	if r.cfg.Progress {
		bar := progressbar.NewOptions64(int64(len(data)),
			progressbar.OptionSetWriter(r.cfg.Stdout),
			progressbar.OptionSetDescription("   "+name),
			progressbar.OptionShowBytes(true),
			progressbar.OptionClearOnFinish(),
		)
		defer bar.Finish()
		src = io.TeeReader(src, bar)
	}
	if _, err := r.bundle.Add(name, src); err != nil {
		return fmt.Errorf("%w: %w", ErrFileSystem, err)
	}
	return nil
}

func (cfg *BuildConfig) normalize() error {
	if cfg.AddinRoot == "" {
		return fmt.Errorf("%w: add-in root is required", ErrInvalidConfig)
	}
	if cfg.Output == "" {
		return fmt.Errorf("%w: output path is required", ErrInvalidConfig)
	}
	root, err := filepath.Abs(cfg.AddinRoot)
	if err != nil {
		return fmt.Errorf("%w: add-in root: %w", ErrInvalidConfig, err)
	}
	cfg.AddinRoot = root
	out, err := filepath.Abs(cfg.Output)
	if err != nil {
		return fmt.Errorf("%w: output path: %w", ErrInvalidConfig, err)
	}
	cfg.Output = out

	info, err := os.Stat(filepath.Join(root, manifestFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s not found in %s", ErrInvalidConfig, manifestFile, root)
		}
		return fmt.Errorf("%w: stat %s: %w", ErrInvalidConfig, manifestFile, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrInvalidConfig, manifestFile)
	}
	if info, err := os.Stat(out); err == nil && info.IsDir() {
		return fmt.Errorf("%w: output %s is a directory", ErrInvalidConfig, out)
	}

	if len(cfg.Catalog.Targets) == 0 {
		cfg.Catalog = targets.Default()
	}
	if err := cfg.Catalog.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if cfg.Signer != nil && !cfg.Signer.CanSign() {
		return fmt.Errorf("%w: signer has no private key", ErrInvalidConfig)
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewLogger(serviceName, "text", os.Stderr)
	}
	if cfg.Runner == nil {
		cfg.Runner = &toolchain.ExecRunner{Stdout: cfg.Stdout, Stderr: os.Stderr, Dir: root}
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	return nil
}

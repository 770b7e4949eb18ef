package bundler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"addinbundle/pkg/bundlezip"
	"addinbundle/pkg/metrics"
	"addinbundle/pkg/targets"
	"addinbundle/pkg/toolchain"
)

var buildTime = time.Date(2024, 1, 2, 3, 4, 5, 123456000, time.UTC)

const wantDescriptor = "<?xml version=\"1.0\" encoding=\"UTF-8\" ?>\n" +
	"<bundle xmlns=\"http://v8.1c.ru/8.2/addin/bundle\" name=\"CommonAddin\">\n" +
	"\t<component os=\"Windows\" path=\"common_addin.win32.20240102030405.dll\" type=\"native\" arch=\"i386\" />\n" +
	"\t<component os=\"Windows\" path=\"common_addin.win64.20240102030405.dll\" type=\"native\" arch=\"x86_64\" />\n" +
	"\t<component os=\"Linux\" path=\"libcommon_addin.linux32.20240102030405.so\" type=\"native\" arch=\"i386\" />\n" +
	"\t<component os=\"Linux\" path=\"libcommon_addin.linux64.20240102030405.so\" type=\"native\" arch=\"x86_64\" />\n" +
	"</bundle>\n"

// fakeRunner stands in for cargo/cross: it records each invocation, notes
// whether the stamp file was present and drops a binary where the real
// toolchain would.
type fakeRunner struct {
	root     string
	catalog  targets.Catalog
	fail     string // triple that exits non-zero
	noOutput string // triple that exits zero without producing a binary
	onRun    func(toolchain.Invocation)

	calls  []toolchain.Invocation
	stamps []string
}

func (f *fakeRunner) Run(_ context.Context, inv toolchain.Invocation) (*toolchain.Result, error) {
	f.calls = append(f.calls, inv)
	stamp, err := os.ReadFile(filepath.Join(f.root, StampFileName))
	if err != nil {
		f.stamps = append(f.stamps, "")
	} else {
		f.stamps = append(f.stamps, string(stamp))
	}
	if f.onRun != nil {
		f.onRun(inv)
	}
	if inv.Triple == f.fail {
		return &toolchain.Result{ExitCode: 101, Output: "error: linking with `cc` failed"}, nil
	}
	if inv.Triple == f.noOutput {
		return &toolchain.Result{}, nil
	}
	for _, t := range f.catalog.Targets {
		if t.Triple != inv.Triple {
			continue
		}
		path := ArtifactPath(f.root, t, f.catalog.Package, inv.Release)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, []byte("binary:"+t.Triple), 0o644); err != nil {
			return nil, err
		}
	}
	return &toolchain.Result{}, nil
}

func newAddin(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "Cargo.toml"), []byte("[package]\nname = \"common_addin\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return root
}

func newConfig(root, out string, runner toolchain.Runner) BuildConfig {
	return BuildConfig{
		AddinRoot: root,
		Output:    out,
		Release:   true,
		Runner:    runner,
		RunID:     "run-1",
		Now:       func() time.Time { return buildTime },
		Stdout:    io.Discard,
		Logger:    log.New(io.Discard, "", 0),
	}
}

func TestBuildFourTargets(t *testing.T) {
	root := newAddin(t)
	out := filepath.Join(t.TempDir(), "dist", "addin.zip")
	runner := &fakeRunner{root: root, catalog: targets.Default()}

	res, err := Build(context.Background(), newConfig(root, out, runner))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	entries, err := bundlezip.ReadAll(out)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
		if e.Mode.Perm() != 0o755 {
			t.Fatalf("entry %s mode = %v", e.Name, e.Mode.Perm())
		}
	}
	want := []string{
		"common_addin.win32.20240102030405.dll",
		"common_addin.win64.20240102030405.dll",
		"libcommon_addin.linux32.20240102030405.so",
		"libcommon_addin.linux64.20240102030405.so",
		"manifest.xml",
	}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("entries = %v, want %v", names, want)
	}
	if !reflect.DeepEqual(res.Entries, want) {
		t.Fatalf("Result.Entries = %v", res.Entries)
	}
	if got := string(entries[4].Data); got != wantDescriptor {
		t.Fatalf("descriptor =\n%s\nwant\n%s", got, wantDescriptor)
	}
	if got := string(entries[2].Data); got != "binary:i686-unknown-linux-gnu" {
		t.Fatalf("linux32 payload = %q", got)
	}

	if len(runner.calls) != 4 {
		t.Fatalf("toolchain calls = %d, want 4", len(runner.calls))
	}
	manifest := filepath.Join(mustAbs(t, root), "Cargo.toml")
	for i, inv := range runner.calls {
		tgt := targets.Default().Targets[i]
		wantArgs := []string{"build", "--manifest-path", manifest, "--target", tgt.Triple, "--release"}
		if inv.Command != tgt.Toolchain || !reflect.DeepEqual(inv.Args(), wantArgs) {
			t.Fatalf("call %d = %s, want %s %v", i, inv, tgt.Toolchain, wantArgs)
		}
		if runner.stamps[i] != "2024-01-02T03:04:05.123456Z" {
			t.Fatalf("stamp during call %d = %q", i, runner.stamps[i])
		}
	}
	if _, err := os.Stat(filepath.Join(root, StampFileName)); !os.IsNotExist(err) {
		t.Fatalf("stamp file left after success: %v", err)
	}
	if res.Size == 0 || len(res.SHA256) != 64 || res.Stamp != "20240102030405" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(res.Components) != 4 {
		t.Fatalf("components = %d, want 4", len(res.Components))
	}
}

func mustAbs(t *testing.T, p string) string {
	t.Helper()
	abs, err := filepath.Abs(p)
	if err != nil {
		t.Fatal(err)
	}
	return abs
}

func TestBuildDeterministic(t *testing.T) {
	root := newAddin(t)
	dir := t.TempDir()

	var outputs [][]byte
	for _, name := range []string{"a.zip", "b.zip"} {
		out := filepath.Join(dir, name)
		runner := &fakeRunner{root: root, catalog: targets.Default()}
		if _, err := Build(context.Background(), newConfig(root, out, runner)); err != nil {
			t.Fatalf("Build(%s) error = %v", name, err)
		}
		data, err := os.ReadFile(out)
		if err != nil {
			t.Fatal(err)
		}
		outputs = append(outputs, data)
	}
	if !bytes.Equal(outputs[0], outputs[1]) {
		t.Fatal("bundles differ for identical inputs and clock")
	}
}

func TestBuildFailureAborts(t *testing.T) {
	tests := []struct {
		name     string
		existing bool
	}{
		{"no previous bundle", false},
		{"previous bundle untouched", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := newAddin(t)
			outDir := t.TempDir()
			out := filepath.Join(outDir, "addin.zip")
			if tt.existing {
				if err := os.WriteFile(out, []byte("previous"), 0o644); err != nil {
					t.Fatal(err)
				}
			}
			runner := &fakeRunner{root: root, catalog: targets.Default(), fail: "i686-unknown-linux-gnu"}

			_, err := Build(context.Background(), newConfig(root, out, runner))
			if !errors.Is(err, ErrToolchain) {
				t.Fatalf("Build() error = %v, want ErrToolchain", err)
			}
			if !strings.Contains(err.Error(), "target linux32") || !strings.Contains(err.Error(), "exit code 101") {
				t.Fatalf("error lacks target context: %v", err)
			}
			if len(runner.calls) != 3 {
				t.Fatalf("toolchain calls = %d, want 3", len(runner.calls))
			}
			if _, err := os.Stat(filepath.Join(root, StampFileName)); !os.IsNotExist(err) {
				t.Fatalf("stamp file left after failure: %v", err)
			}

			data, err := os.ReadFile(out)
			if tt.existing {
				if err != nil || string(data) != "previous" {
					t.Fatalf("previous bundle changed: %q, %v", data, err)
				}
			} else if !os.IsNotExist(err) {
				t.Fatalf("destination created on failure: %v", err)
			}

			files, _ := os.ReadDir(outDir)
			for _, f := range files {
				if strings.HasSuffix(f.Name(), ".tmp") {
					t.Fatalf("temporary bundle left behind: %s", f.Name())
				}
			}
		})
	}
}

func TestBuildMissingArtifact(t *testing.T) {
	root := newAddin(t)
	out := filepath.Join(t.TempDir(), "addin.zip")
	runner := &fakeRunner{root: root, catalog: targets.Default(), noOutput: "x86_64-pc-windows-msvc"}

	_, err := Build(context.Background(), newConfig(root, out, runner))
	if !errors.Is(err, ErrArtifactMissing) {
		t.Fatalf("Build() error = %v, want ErrArtifactMissing", err)
	}
	if len(runner.calls) != 2 {
		t.Fatalf("toolchain calls = %d, want 2", len(runner.calls))
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatalf("destination created: %v", err)
	}
}

func TestBuildDebugProfile(t *testing.T) {
	root := newAddin(t)
	out := filepath.Join(t.TempDir(), "addin.zip")
	runner := &fakeRunner{root: root, catalog: targets.Default()}
	cfg := newConfig(root, out, runner)
	cfg.Release = false

	if _, err := Build(context.Background(), cfg); err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	for _, inv := range runner.calls {
		if inv.Release {
			t.Fatalf("release flag passed in debug mode: %s", inv)
		}
	}
	if _, err := os.Stat(filepath.Join(root, "target", "x86_64-pc-windows-msvc", "debug", "common_addin.dll")); err != nil {
		t.Fatalf("debug artifact not where expected: %v", err)
	}
}

func TestBuildInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(t *testing.T, cfg *BuildConfig)
	}{
		{"no root", func(t *testing.T, cfg *BuildConfig) { cfg.AddinRoot = "" }},
		{"no output", func(t *testing.T, cfg *BuildConfig) { cfg.Output = "" }},
		{"no Cargo.toml", func(t *testing.T, cfg *BuildConfig) { cfg.AddinRoot = t.TempDir() }},
		{"output is a directory", func(t *testing.T, cfg *BuildConfig) { cfg.Output = t.TempDir() }},
		{"bad catalog", func(t *testing.T, cfg *BuildConfig) {
			c := targets.Default()
			c.Targets[1].ArchOS = c.Targets[0].ArchOS
			cfg.Catalog = c
		}},
		{"verify-only signer", func(t *testing.T, cfg *BuildConfig) {
			verifier, err := NewSigner("", newTestSigner(t).PublicKeyBase64())
			if err != nil {
				t.Fatal(err)
			}
			cfg.Signer = verifier
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := newAddin(t)
			runner := &fakeRunner{root: root, catalog: targets.Default()}
			cfg := newConfig(root, filepath.Join(t.TempDir(), "addin.zip"), runner)
			tt.mutate(t, &cfg)
			if _, err := Build(context.Background(), cfg); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("Build() error = %v, want ErrInvalidConfig", err)
			}
			if len(runner.calls) != 0 {
				t.Fatal("toolchain invoked for invalid config")
			}
		})
	}
}

func TestBuildSideFileFailureKeepsDestination(t *testing.T) {
	root := newAddin(t)
	dir := t.TempDir()
	out := filepath.Join(dir, "addin.zip")
	if err := os.WriteFile(out, []byte("previous"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := newConfig(root, out, &fakeRunner{root: root, catalog: targets.Default()})
	cfg.Signer = newTestSigner(t)
	cfg.ReportPath = filepath.Join(dir, "missing", "report.yaml")
	if _, err := Build(context.Background(), cfg); err == nil {
		t.Fatal("Build() succeeded with an unwritable report path")
	}

	got, err := os.ReadFile(out)
	if err != nil || string(got) != "previous" {
		t.Fatalf("destination replaced: %q, %v", got, err)
	}
	if _, err := os.Stat(out + SignatureSuffix); !os.IsNotExist(err) {
		t.Fatalf("signature left behind: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, StampFileName)); !os.IsNotExist(err) {
		t.Fatalf("stamp file left behind: %v", err)
	}
	leftovers, _ := filepath.Glob(filepath.Join(dir, ".addin.zip.*.tmp"))
	if len(leftovers) != 0 {
		t.Fatalf("temporary files left behind: %v", leftovers)
	}
}

func TestBuildCancelled(t *testing.T) {
	root := newAddin(t)
	out := filepath.Join(t.TempDir(), "addin.zip")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner := &fakeRunner{root: root, catalog: targets.Default()}
	runner.onRun = func(toolchain.Invocation) { cancel() }

	_, err := Build(ctx, newConfig(root, out, runner))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Build() error = %v, want context.Canceled", err)
	}
	if len(runner.calls) != 1 {
		t.Fatalf("toolchain calls = %d, want 1", len(runner.calls))
	}
	if _, err := os.Stat(filepath.Join(root, StampFileName)); !os.IsNotExist(err) {
		t.Fatalf("stamp file left after cancel: %v", err)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatalf("destination created: %v", err)
	}
}

func TestBuildCustomCatalog(t *testing.T) {
	root := newAddin(t)
	out := filepath.Join(t.TempDir(), "addin.zip")
	catalog := targets.Catalog{
		Package: "my_addin",
		Bundle:  "MyAddin",
		Targets: []targets.Target{
			{Toolchain: "cross", Triple: "aarch64-unknown-linux-gnu", Arch: "arm64", OS: "Linux", ArchOS: "linuxarm64", Ext: "so", Prefix: "lib"},
		},
	}
	runner := &fakeRunner{root: root, catalog: catalog}
	cfg := newConfig(root, out, runner)
	cfg.Catalog = catalog

	res, err := Build(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	want := []string{"libmy_addin.linuxarm64.20240102030405.so", "manifest.xml"}
	if !reflect.DeepEqual(res.Entries, want) {
		t.Fatalf("entries = %v, want %v", res.Entries, want)
	}
}

func TestBuildRecordsMetrics(t *testing.T) {
	root := newAddin(t)
	rec := metrics.NewRecorder()
	runner := &fakeRunner{root: root, catalog: targets.Default(), fail: "x86_64-unknown-linux-gnu"}
	cfg := newConfig(root, filepath.Join(t.TempDir(), "addin.zip"), runner)
	cfg.Metrics = rec

	if _, err := Build(context.Background(), cfg); err == nil {
		t.Fatal("Build() succeeded")
	}

	path := filepath.Join(t.TempDir(), "addinbundle.prom")
	if err := rec.WriteTextfile(path); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		`addinbundle_runs_total{result="failure"} 1`,
		`addinbundle_targets_total{archos="linux32",result="success"} 1`,
		`addinbundle_targets_total{archos="linux64",result="failure"} 1`,
	} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("metrics missing %q:\n%s", want, data)
		}
	}
}

func TestBuildConsoleOutput(t *testing.T) {
	root := newAddin(t)
	var stdout bytes.Buffer
	runner := &fakeRunner{root: root, catalog: targets.Default()}
	cfg := newConfig(root, filepath.Join(t.TempDir(), "addin.zip"), runner)
	cfg.Stdout = &stdout

	if _, err := Build(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Building win32 (i686-pc-windows-msvc) [1/4]", "Building linux64", "5 entries"} {
		if !strings.Contains(stdout.String(), want) {
			t.Fatalf("stdout missing %q:\n%s", want, stdout.String())
		}
	}
}

package bundler

import (
	"io"
	"log"
	"time"

	"addinbundle/pkg/metrics"
	"addinbundle/pkg/targets"
	"addinbundle/pkg/toolchain"
)

// BuildConfig configures a bundle run.
type BuildConfig struct {
	AddinRoot string
	Output    string
	Release   bool

	// Catalog defaults to targets.Default() when it has no targets.
	Catalog targets.Catalog
	// Runner defaults to a toolchain.ExecRunner streaming to Stdout.
	Runner toolchain.Runner

	Signer     *Signer
	ReportPath string
	Metrics    *metrics.Recorder
	Logger     *log.Logger
	RunID      string
	Progress   bool
	Now        func() time.Time
	Stdout     io.Writer
}

// VerifyConfig configures bundle verification.
type VerifyConfig struct {
	BundlePath string
	// SignaturePath defaults to BundlePath + ".sig".
	SignaturePath    string
	RequireSignature bool
	Signer           *Signer
	Stdout           io.Writer
}

// PublishConfig configures delivery of a finished bundle.
type PublishConfig struct {
	Result *Result

	Store      ObjectStore
	Location   string // s3://bucket/prefix
	PresignTTL time.Duration

	Events  EventPublisher
	Subject string

	Logger *log.Logger
	Stdout io.Writer
}

package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"addinbundle/pkg/bus"
	"addinbundle/pkg/metrics"
	gos3 "addinbundle/pkg/s3"
	"addinbundle/pkg/targets"
	"addinbundle/pkg/telemetry"
	"addinbundle/services/bundler"
	"addinbundle/services/bundler/internal/config"
)

const serviceName = "addinbundle"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type buildOptions struct {
	addin       string
	out         string
	release     bool
	targetsFile string
	pkg         string
	bundleName  string
	sign        bool
	report      string
	publish     string
	metricsFile string
	logFormat   string
	noProgress  bool
}

func newRootCommand() *cobra.Command {
	var opts buildOptions

	cmd := &cobra.Command{
		Use:           "addinbundle",
		Short:         "Build a native add-in for every target and pack it into a zip bundle",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.addin, "addin", "a", "", "Path to the add-in project (directory containing Cargo.toml)")
	flags.StringVarP(&opts.out, "out", "o", "", "Destination bundle file (.zip)")
	flags.BoolVarP(&opts.release, "release", "r", false, "Build with --release")
	flags.StringVar(&opts.targetsFile, "targets", "", "Target catalog YAML (env ADDINBUNDLE_TARGETS)")
	flags.StringVar(&opts.pkg, "package", "", "Override the package name from the target catalog")
	flags.StringVar(&opts.bundleName, "bundle-name", "", "Override the bundle name written to manifest.xml")
	flags.BoolVar(&opts.sign, "sign", false, "Write a detached signature using AGE_SECRET_KEY (env ADDINBUNDLE_SIGN)")
	flags.StringVar(&opts.report, "report", "", "Write a YAML build report (env ADDINBUNDLE_REPORT)")
	flags.StringVar(&opts.publish, "publish", "", "Upload the bundle to s3://bucket/prefix (env ADDINBUNDLE_PUBLISH)")
	flags.StringVar(&opts.metricsFile, "metrics-file", "", "Write Prometheus textfile metrics (env ADDINBUNDLE_METRICS_FILE)")
	flags.StringVar(&opts.logFormat, "log-format", "", "Log format: text or json (env ADDINBUNDLE_LOG_FORMAT)")
	flags.BoolVar(&opts.noProgress, "no-progress", false, "Disable the archiving progress bar")
	_ = cmd.MarkFlagRequired("addin")
	_ = cmd.MarkFlagRequired("out")

	cmd.AddCommand(newVerifyCommand())
	cmd.AddCommand(newTargetsCommand())
	return cmd
}

func runBuild(cmd *cobra.Command, opts buildOptions) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := applyFlags(cmd, opts, &cfg); err != nil {
		return err
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return fmt.Errorf("invalid log format %q", cfg.LogFormat)
	}

	logger := telemetry.NewLogger(serviceName, cfg.LogFormat, cmd.ErrOrStderr())
	shutdown, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Printf("WARN telemetry shutdown: %v", err)
		}
	}()

	catalog, source, err := targets.Resolve(cfg.TargetsFile)
	if err != nil {
		return err
	}
	if opts.pkg != "" {
		catalog.Package = opts.pkg
	}
	if opts.bundleName != "" {
		catalog.Bundle = opts.bundleName
	}
	logger.Printf("INFO target catalog: %s (%d targets)", source, len(catalog.Targets))

	var signer *bundler.Signer
	if cfg.Sign {
		signer, err = bundler.NewSignerFromEnv()
		if err != nil {
			return fmt.Errorf("signer: %w", err)
		}
	}

	recorder := metrics.NewRecorder()
	stdout := cmd.OutOrStdout()
	res, buildErr := bundler.Build(ctx, bundler.BuildConfig{
		AddinRoot:  opts.addin,
		Output:     opts.out,
		Release:    opts.release,
		Catalog:    catalog,
		Signer:     signer,
		ReportPath: cfg.ReportPath,
		Metrics:    recorder,
		Logger:     logger,
		Progress:   !opts.noProgress && isTerminal(stdout),
		Stdout:     stdout,
	})
	flushMetrics(ctx, recorder, cfg.Metrics, logger)
	if buildErr != nil {
		return buildErr
	}

	if cfg.Publish.Location == "" && cfg.Events.URL == "" {
		return nil
	}
	return publish(ctx, res, cfg, logger, stdout)
}

func applyFlags(cmd *cobra.Command, opts buildOptions, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("targets") {
		cfg.TargetsFile = opts.targetsFile
	}
	if flags.Changed("sign") {
		cfg.Sign = opts.sign
	}
	if flags.Changed("report") {
		cfg.ReportPath = opts.report
	}
	if flags.Changed("publish") {
		if opts.publish != "" {
			if _, _, err := gos3.ParseURL(opts.publish); err != nil {
				return fmt.Errorf("invalid --publish: %w", err)
			}
		}
		cfg.Publish.Location = opts.publish
	}
	if flags.Changed("metrics-file") {
		cfg.Metrics.Textfile = opts.metricsFile
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = opts.logFormat
	}
	return nil
}

func publish(ctx context.Context, res *bundler.Result, cfg config.Config, logger *log.Logger, stdout io.Writer) error {
	pc := bundler.PublishConfig{
		Result:     res,
		Location:   cfg.Publish.Location,
		PresignTTL: cfg.Publish.PresignTTL,
		Subject:    cfg.Events.Subject,
		Logger:     logger,
		Stdout:     stdout,
	}
	if cfg.Publish.Location != "" {
		store, err := gos3.NewClientFromEnv(ctx)
		if err != nil {
			return fmt.Errorf("s3 client: %w", err)
		}
		pc.Store = store
	}
	if cfg.Events.URL != "" {
		b, err := bus.New(cfg.Events.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer b.Close()
		pc.Events = b
	}
	_, err := bundler.Publish(ctx, pc)
	return err
}

func flushMetrics(ctx context.Context, rec *metrics.Recorder, cfg config.MetricsConfig, logger *log.Logger) {
	if cfg.Textfile != "" {
		if err := rec.WriteTextfile(cfg.Textfile); err != nil {
			logger.Printf("WARN %v", err)
		}
	}
	if cfg.PushgatewayURL != "" {
		if err := rec.Push(ctx, cfg.PushgatewayURL, cfg.Job); err != nil {
			logger.Printf("WARN %v", err)
		}
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func newVerifyCommand() *cobra.Command {
	var (
		bundleFile       string
		signatureFile    string
		requireSignature bool
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check that a bundle is complete and, if signed, authentic",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var signer *bundler.Signer
			if os.Getenv("AGE_SECRET_KEY") != "" || os.Getenv("AGE_PUBLIC_KEY") != "" {
				s, err := bundler.NewSignerFromEnv()
				if err != nil {
					return fmt.Errorf("signer: %w", err)
				}
				signer = s
			}
			_, err := bundler.Verify(bundler.VerifyConfig{
				BundlePath:       bundleFile,
				SignaturePath:    signatureFile,
				RequireSignature: requireSignature,
				Signer:           signer,
				Stdout:           cmd.OutOrStdout(),
			})
			return err
		},
	}

	cmd.Flags().StringVar(&bundleFile, "file", "", "Path to the bundle zip")
	cmd.Flags().StringVar(&signatureFile, "signature", "", "Detached signature (default <file>.sig)")
	cmd.Flags().BoolVar(&requireSignature, "require-signature", false, "Fail when the bundle is not signed")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newTargetsCommand() *cobra.Command {
	var targetsFile string

	cmd := &cobra.Command{
		Use:   "targets",
		Short: "Print the effective target catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("targets") {
				targetsFile = os.Getenv("ADDINBUNDLE_TARGETS")
			}
			catalog, source, err := targets.Resolve(targetsFile)
			if err != nil {
				return err
			}
			data, err := catalog.Marshal()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# source: %s\n%s", source, data)
			return nil
		},
	}

	cmd.Flags().StringVar(&targetsFile, "targets", "", "Target catalog YAML (env ADDINBUNDLE_TARGETS)")
	return cmd
}

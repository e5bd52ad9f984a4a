package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"csvload/internal/config"
	"csvload/internal/loader"
	"csvload/internal/metrics"
	"csvload/internal/metrics/datadog"
	"csvload/internal/storage"

	// register all backends with the storage factory; the config decides
	// which one a run uses.
	_ "csvload/internal/storage/all"

	"github.com/joho/godotenv"
)

// appDeps are the side-effecting collaborators of runMain, injectable in
// tests.
type appDeps struct {
	loadConfig  func(path string) (*config.Ingestion, error)
	openSession func(ctx context.Context, cfg storage.Config) (storage.Session, error)
	initMetrics func(ctx context.Context, backendName string) (func(), error)
}

func defaultDeps() appDeps {
	return appDeps{
		loadConfig:  config.Load,
		openSession: storage.New,
		initMetrics: initMetrics,
	}
}

func main() {
	// .env is optional; real environment variables win when there is none.
	_ = godotenv.Load()

	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr, defaultDeps()))
}

// runMain is the testable body of main. It returns the process exit code:
// 2 for usage errors, 1 for failed runs, 0 on success.
func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	fs := flag.NewFlagSet("csvload", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		cfgPath           string
		csvPath           string
		table             string
		schema            string
		dryRun            bool
		validateOnly      bool
		metricsBackendFlg string
	)
	fs.StringVar(&cfgPath, "config", "", "ingestion config JSON path")
	fs.StringVar(&csvPath, "csv", "", "input file path (overrides config)")
	fs.StringVar(&table, "table", "", "target table (overrides config)")
	fs.StringVar(&schema, "schema", "", "target schema (overrides config)")
	fs.BoolVar(&dryRun, "dry-run", false, "analyze and report without writing to the database")
	fs.BoolVar(&validateOnly, "validate", false, "validate the configuration and exit")
	fs.StringVar(&metricsBackendFlg, "metrics-backend", "", "metrics backend to use (datadog, none)")
	verbose := fs.Bool("v", false, "enable verbose logs")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(cfgPath) == "" {
		fmt.Fprintln(stderr, "usage: csvload -config path/to/ingestion.json [-csv file] [-table name] [-dry-run]")
		return 2
	}

	cfg, err := deps.loadConfig(cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}

	// Flag overrides for quick one-off loads.
	if csvPath != "" {
		cfg.Path = csvPath
	}
	if table != "" {
		cfg.Table = table
	}
	if schema != "" {
		cfg.Schema = schema
	}

	issues := cfg.Validate()
	for _, iss := range issues {
		fmt.Fprintln(stderr, iss)
	}
	if config.HasErrors(issues) {
		fmt.Fprintf(stderr, "configuration is invalid: %s\n", cfgPath)
		return 1
	}
	if validateOnly {
		fmt.Fprintf(stdout, "configuration is valid: %s\n", cfgPath)
		return 0
	}

	// Decide metrics backend: flag, then env, then none.
	backendName := metricsBackendFlg
	if backendName == "" {
		backendName = os.Getenv("METRICS_BACKEND")
	}
	cleanup, err := deps.initMetrics(ctx, backendName)
	if err != nil {
		fmt.Fprintf(stderr, "init metrics: %v\n", err)
		return 1
	}
	defer cleanup()

	sess, err := deps.openSession(ctx, storage.Config{
		Kind: cfg.Storage.Kind,
		DSN:  os.ExpandEnv(cfg.Storage.DSN),
	})
	if err != nil {
		fmt.Fprintf(stderr, "open storage: %v\n", err)
		return 1
	}
	defer sess.Close()

	l := loader.New(sess, cfg)
	if *verbose {
		l.Events = &loader.LogSink{}
	}

	rep, runErr := l.Run(ctx, dryRun)
	if rep != nil {
		if dryRun && rep.DDL != "" {
			fmt.Fprintln(stdout, rep.DDL)
			fmt.Fprintln(stdout)
		}
		fmt.Fprint(stdout, rep.Render())
	}
	if runErr != nil {
		fmt.Fprintf(stderr, "run: %v\n", runErr)
		return 1
	}
	return 0
}

// metricsBackend is what initMetrics needs from a constructed backend.
type metricsBackend interface {
	metrics.Backend
	Close() error
}

// Seams for initMetrics tests.
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		return datadog.NewBackend(ctx, opts)
	}
	setMetricsBackend = func(b metrics.Backend) { metrics.SetBackend(b) }
	logPrintf         = log.Printf
)

// initMetrics wires the named metrics backend into the metrics package and
// returns a cleanup that flushes and stops it. The cleanup is always
// non-nil and safe to call.
func initMetrics(ctx context.Context, backendName string) (func(), error) {
	switch backendName {
	case "", "none":
		return func() {}, nil
	case "datadog":
		b, err := newDatadogBackend(ctx, datadog.Options{
			JobName:    "csvload",
			Tags:       datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS")),
			FlushEvery: 60 * time.Second,
		})
		if err != nil {
			return func() {}, fmt.Errorf("init datadog backend: %w", err)
		}
		setMetricsBackend(b)
		return func() {
			if cerr := b.Close(); cerr != nil {
				logPrintf("metrics: datadog close error: %v", cerr)
			}
		}, nil
	default:
		return func() {}, fmt.Errorf("unknown metrics backend %q (none|datadog)", backendName)
	}
}

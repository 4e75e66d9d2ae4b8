package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/raaihank/bias-sentinel/internal/app"
	"github.com/raaihank/bias-sentinel/internal/config"
	"github.com/raaihank/bias-sentinel/internal/logger"
	"github.com/raaihank/bias-sentinel/internal/scan"
)

var version = "0.1.0"

type rootOptions struct {
	configPath string
	logLevel   string
}

type fileOptions struct {
	format      string
	output      string
	batchSize   int
	workers     int
	flaggedOnly bool
	useBackends bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "bias-scan",
		Short:         "Scan text corpora for biased phrasing",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "config file path (default: ./config.yaml)")
	pf.StringVar(&opts.logLevel, "log-level", "", "override the configured log level")

	cmd.AddCommand(newFileCommand(opts), newTextCommand(opts))
	return cmd
}

func newFileCommand(root *rootOptions) *cobra.Command {
	opts := &fileOptions{}

	cmd := &cobra.Command{
		Use:   "file <path>",
		Short: "Scan a CSV, JSON lines or Parquet file",
		Example: "  bias-scan file corpus.csv --output results.jsonl\n" +
			"  bias-scan file corpus.parquet --workers 8 --flagged-only",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFile(cmd.Context(), root, opts, args[0], cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.format, "format", "", "input format: csv, jsonl or parquet (default: from extension)")
	f.StringVarP(&opts.output, "output", "o", "", "write per-record results as JSON lines to this file ('-' for stdout)")
	f.IntVar(&opts.batchSize, "batch-size", 0, "records per batch (default: from config)")
	f.IntVar(&opts.workers, "workers", 0, "worker goroutines (default: from config)")
	f.BoolVar(&opts.flaggedOnly, "flagged-only", false, "only write flagged and invalid records")
	f.BoolVar(&opts.useBackends, "use-backends", false, "use the configured Redis cache and incident database")
	return cmd
}

func newTextCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "text <text>...",
		Short: "Analyze the given text and print the result as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, log, err := setup(root)
			if err != nil {
				return err
			}
			defer log.Sync()

			services, err := app.Build(ctx, cfg, log, app.Options{SkipCache: true, SkipStorage: true})
			if err != nil {
				return err
			}
			defer services.Close()

			out, err := services.Moderator.Correct(ctx, strings.Join(args, " "), "cli")
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}

func setup(root *rootOptions) (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(root.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Logging.Level
	if root.logLevel != "" {
		level = root.logLevel
	}
	log, err := logger.New(logger.Config{Level: level, Format: cfg.Logging.Format})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, log, nil
}

func runFile(ctx context.Context, root *rootOptions, opts *fileOptions, path string, stdout io.Writer) error {
	cfg, log, err := setup(root)
	if err != nil {
		return err
	}
	defer log.Sync()

	var format scan.FileFormat
	if opts.format != "" {
		f, ok := scan.ParseFormat(opts.format)
		if !ok {
			return fmt.Errorf("unknown format %q", opts.format)
		}
		format = f
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	services, err := app.Build(ctx, cfg, log, app.Options{
		SkipCache:   !opts.useBackends,
		SkipStorage: !opts.useBackends,
	})
	if err != nil {
		return err
	}
	defer services.Close()

	var out io.Writer
	switch opts.output {
	case "":
	case "-":
		out = stdout
	default:
		file, err := os.Create(opts.output)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer file.Close()
		out = file
	}

	scanCfg := scan.Config{
		BatchSize:      cfg.Scan.BatchSize,
		WorkerCount:    cfg.Scan.WorkerCount,
		ProgressReport: cfg.Scan.ProgressReport,
		FlaggedOnly:    opts.flaggedOnly,
	}
	if opts.batchSize > 0 {
		scanCfg.BatchSize = opts.batchSize
	}
	if opts.workers > 0 {
		scanCfg.WorkerCount = opts.workers
	}

	scanner := scan.NewScanner(services.Moderator, scanCfg, log.WithComponent("scan").Logger)
	summary, err := scanner.ScanFile(ctx, path, format, out)
	if summary != nil && opts.output != "-" {
		printSummary(stdout, summary)
	}
	if err != nil {
		log.Error("Scan failed", zap.Error(err))
		return err
	}
	return nil
}

func printSummary(w io.Writer, s *scan.Summary) {
	fmt.Fprintf(w, "records:  %d\n", s.Records)
	fmt.Fprintf(w, "flagged:  %d\n", s.Flagged)
	fmt.Fprintf(w, "clean:    %d\n", s.Clean)
	fmt.Fprintf(w, "invalid:  %d\n", s.Invalid)
	fmt.Fprintf(w, "duration: %s\n", s.Duration)
	cats := make([]string, 0, len(s.Categories))
	for cat := range s.Categories {
		cats = append(cats, cat)
	}
	sort.Strings(cats)
	for _, cat := range cats {
		fmt.Fprintf(w, "  %-20s %d\n", cat, s.Categories[cat])
	}
}

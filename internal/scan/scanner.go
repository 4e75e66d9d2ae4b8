// Package scan runs the bias analyzer over CSV, JSON lines and Parquet
// corpora with a pool of workers.
package scan

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/bias-sentinel/internal/moderation"
)

// maxLineBytes bounds a single JSON line
const maxLineBytes = 8 << 20

// Corrector is the part of the moderator the scanner needs
type Corrector interface {
	Correct(ctx context.Context, text, source string) (*moderation.Outcome, error)
}

// Scanner processes corpus files
type Scanner struct {
	corrector Corrector
	config    Config
	logger    *zap.Logger
}

// NewScanner creates a scanner. Non-positive sizes fall back to 500 records
// per batch and 4 workers.
func NewScanner(corrector Corrector, config Config, logger *zap.Logger) *Scanner {
	if config.BatchSize <= 0 {
		config.BatchSize = 500
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 4
	}
	return &Scanner{
		corrector: corrector,
		config:    config,
		logger:    logger,
	}
}

// ScanFile scans path and writes one JSON line per result to out, which may
// be nil. An empty format is detected from the file extension. On
// cancellation the partial summary is returned with ctx's error.
func (s *Scanner) ScanFile(ctx context.Context, path string, format FileFormat, out io.Writer) (*Summary, error) {
	if format == "" {
		format = DetectFileFormat(path)
	}

	reader, err := openReader(path, format, maxLineBytes)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	s.logger.Info("Starting scan",
		zap.String("file", path),
		zap.String("format", string(format)),
		zap.Int("batch_size", s.config.BatchSize),
		zap.Int("workers", s.config.WorkerCount))

	start := time.Now()
	summary := &Summary{Categories: make(map[string]int64)}

	var enc *json.Encoder
	var buf *bufio.Writer
	if out != nil {
		buf = bufio.NewWriter(out)
		enc = json.NewEncoder(buf)
	}

	source := "scan:" + filepath.Base(path)
	nextReport := int64(s.config.ProgressReport)

	err = s.run(ctx, reader, source, summary, func(res Result) error {
		if enc == nil || (s.config.FlaggedOnly && !res.HasBias && res.Error == "") {
			return nil
		}
		return enc.Encode(res)
	}, func() {
		if nextReport > 0 && summary.Records >= nextReport {
			s.reportProgress(summary, start)
			for nextReport <= summary.Records {
				nextReport += int64(s.config.ProgressReport)
			}
		}
	})

	if buf != nil {
		if flushErr := buf.Flush(); flushErr != nil && err == nil {
			err = fmt.Errorf("failed to write results: %w", flushErr)
		}
	}
	summary.Duration = time.Since(start)

	s.logger.Info("Scan completed",
		zap.Int64("records", summary.Records),
		zap.Int64("flagged", summary.Flagged),
		zap.Int64("clean", summary.Clean),
		zap.Int64("invalid", summary.Invalid),
		zap.Duration("duration", summary.Duration),
		zap.Error(err))

	return summary, err
}

func (s *Scanner) run(ctx context.Context, reader recordReader, source string, summary *Summary, emit func(Result) error, progress func()) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, eof, err := s.readBatch(reader)
		if err != nil {
			return err
		}

		for _, res := range s.processBatch(ctx, batch, source) {
			summary.Records++
			switch {
			case res.Error != "":
				summary.Invalid++
				summary.addError(res.ID, res.Error)
			case res.HasBias:
				summary.Flagged++
				for _, cat := range res.Categories {
					summary.Categories[cat]++
				}
			default:
				summary.Clean++
			}
			if err := emit(res); err != nil {
				return fmt.Errorf("failed to write result: %w", err)
			}
		}
		progress()

		if eof {
			return ctx.Err()
		}
	}
}

// slot is one input row. Rows that cannot be scanned carry their reason so
// they are written back in input order with the rest of the batch.
type slot struct {
	record Record
	reject string
}

// readBatch collects up to BatchSize rows, valid or not
func (s *Scanner) readBatch(reader recordReader) ([]slot, bool, error) {
	batch := make([]slot, 0, s.config.BatchSize)
	for len(batch) < s.config.BatchSize {
		rec, err := reader.Next()
		if err == io.EOF {
			return batch, true, nil
		}

		var rowErr *RowError
		switch {
		case errors.As(err, &rowErr):
			batch = append(batch, s.rejectRow(rowErr.ID, rowErr.Err.Error()))
			continue
		case err != nil:
			return nil, false, err
		}

		if strings.TrimSpace(rec.Text) == "" {
			batch = append(batch, s.rejectRow(rec.ID, "empty text"))
			continue
		}
		batch = append(batch, slot{record: rec})
	}
	return batch, false, nil
}

func (s *Scanner) rejectRow(id, reason string) slot {
	s.logger.Debug("Invalid record", zap.String("id", id), zap.String("reason", reason))
	return slot{record: Record{ID: id}, reject: reason}
}

// processBatch fans the valid rows of the batch out to the worker pool.
// Results keep the input order.
func (s *Scanner) processBatch(ctx context.Context, batch []slot, source string) []Result {
	results := make([]Result, len(batch))
	pending := make([]int, 0, len(batch))
	for i, sl := range batch {
		if sl.reject != "" {
			results[i] = Result{ID: sl.record.ID, Error: sl.reject}
			continue
		}
		pending = append(pending, i)
	}
	if len(pending) == 0 {
		return results
	}

	workers := s.config.WorkerCount
	if workers > len(pending) {
		workers = len(pending)
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i] = s.scanRecord(ctx, batch[i].record, source)
			}
		}()
	}

	for _, i := range pending {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	return results
}

func (s *Scanner) scanRecord(ctx context.Context, rec Record, source string) Result {
	res := Result{ID: rec.ID}
	if err := ctx.Err(); err != nil {
		res.Error = err.Error()
		return res
	}

	out, err := s.corrector.Correct(ctx, rec.Text, source)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	res.HasBias = out.Result.HasBias
	if res.HasBias {
		res.Categories = out.Result.Categories
		res.FoundBiases = out.Result.FoundBiases
		res.Severity = out.Result.Severity
		res.CorrectedText = out.Corrected
	}
	res.InclusiveTerms = out.InclusiveTerms
	return res
}

func (s *Scanner) reportProgress(summary *Summary, start time.Time) {
	elapsed := time.Since(start)
	s.logger.Info("Scan progress",
		zap.Int64("records", summary.Records),
		zap.Int64("flagged", summary.Flagged),
		zap.Int64("invalid", summary.Invalid),
		zap.Float64("rate_per_sec", float64(summary.Records)/elapsed.Seconds()),
		zap.Duration("elapsed", elapsed))
}

func (s *Summary) addError(id, reason string) {
	if len(s.Errors) < maxReportedErrors {
		s.Errors = append(s.Errors, fmt.Sprintf("%s: %s", id, reason))
	}
}

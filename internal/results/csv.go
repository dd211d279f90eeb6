package results

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// csvHeader is the fixed result schema. Consumers rely on both the column
// order and the row order matching grid enumeration order.
var csvHeader = []string{
	"instances",
	"decode_concurrency",
	"prompt_concurrency",
	"concurrency",
	"throughput_tps",
	"total_tokens",
	"elapsed_s",
	"errors",
}

// CSVSink is an append-only result writer. Every Append flushes and fsyncs,
// so a killed sweep loses at most the in-flight cell.
type CSVSink struct {
	file   *os.File
	writer *csv.Writer
	path   string
}

// NewCSVSink creates the run's result file under root/kind, named by the
// sweep start timestamp so no two runs ever share a file, and writes the
// header row immediately.
func NewCSVSink(root, kind string, startedAt time.Time) (*CSVSink, error) {
	dir := filepath.Join(root, kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create results directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%s_%s.csv", kind, startedAt.Format("20060102_150405")))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create results file: %w", err)
	}

	sink := &CSVSink{
		file:   file,
		writer: csv.NewWriter(file),
		path:   path,
	}
	if err := sink.writeRow(csvHeader); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	return sink, nil
}

// Path returns the result file location.
func (s *CSVSink) Path() string {
	return s.path
}

// Append writes one record and durably flushes it before returning.
func (s *CSVSink) Append(record MetricRecord) error {
	row := []string{
		strconv.Itoa(record.Instances),
		strconv.Itoa(record.DecodeConcurrency),
		strconv.Itoa(record.PromptConcurrency),
		strconv.Itoa(record.Concurrency),
		strconv.FormatFloat(record.ThroughputTPS, 'f', 1, 64),
		strconv.Itoa(record.TotalTokens),
		strconv.FormatFloat(record.ElapsedS, 'f', 2, 64),
		strconv.Itoa(record.Errors),
	}
	if err := s.writeRow(row); err != nil {
		return fmt.Errorf("failed to append result row: %w", err)
	}
	return nil
}

func (s *CSVSink) writeRow(row []string) error {
	if err := s.writer.Write(row); err != nil {
		return err
	}
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		return err
	}
	return s.file.Sync()
}

// Close closes the underlying file.
func (s *CSVSink) Close() error {
	s.writer.Flush()
	return s.file.Close()
}

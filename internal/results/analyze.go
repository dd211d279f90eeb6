package results

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
)

// ReadRecords parses a result CSV back into records. The header row is
// validated against the fixed schema; malformed data rows are an error
// rather than silently skipped, since the sink never writes partial rows.
func ReadRecords(path string) ([]MetricRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header from %s: %w", path, err)
	}
	if len(header) != len(csvHeader) {
		return nil, fmt.Errorf("%s: unexpected column count %d", path, len(header))
	}
	for i, name := range csvHeader {
		if header[i] != name {
			return nil, fmt.Errorf("%s: unexpected column %q, want %q", path, header[i], name)
		}
	}

	var records []MetricRecord
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read row from %s: %w", path, err)
		}
		record, err := parseRow(row)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		records = append(records, record)
	}
	return records, nil
}

func parseRow(row []string) (MetricRecord, error) {
	var record MetricRecord
	var err error

	intFields := []struct {
		dst  *int
		idx  int
		name string
	}{
		{&record.Instances, 0, "instances"},
		{&record.DecodeConcurrency, 1, "decode_concurrency"},
		{&record.PromptConcurrency, 2, "prompt_concurrency"},
		{&record.Concurrency, 3, "concurrency"},
		{&record.TotalTokens, 5, "total_tokens"},
		{&record.Errors, 7, "errors"},
	}
	for _, f := range intFields {
		*f.dst, err = strconv.Atoi(row[f.idx])
		if err != nil {
			return record, fmt.Errorf("bad %s value %q", f.name, row[f.idx])
		}
	}

	record.ThroughputTPS, err = strconv.ParseFloat(row[4], 64)
	if err != nil {
		return record, fmt.Errorf("bad throughput_tps value %q", row[4])
	}
	record.ElapsedS, err = strconv.ParseFloat(row[6], 64)
	if err != nil {
		return record, fmt.Errorf("bad elapsed_s value %q", row[6])
	}
	return record, nil
}

// Best returns the record with the highest throughput, or false when the
// slice is empty.
func Best(records []MetricRecord) (MetricRecord, bool) {
	if len(records) == 0 {
		return MetricRecord{}, false
	}
	best := records[0]
	for _, record := range records[1:] {
		if record.ThroughputTPS > best.ThroughputTPS {
			best = record
		}
	}
	return best, true
}

package benchmark

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/accelbench/accelbench/pkg/models"
)

// CSVHeader is the flat-file column layout
var CSVHeader = []string{"Model", "Tokens Per Second", "Total Tokens", "Duration (s)", "Timestamp", "Status"}

// WriteCSV writes results in the flat-file format. Rates and durations are
// written at full precision so they read back unchanged.
func WriteCSV(w io.Writer, results []models.Result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for _, r := range results {
		record := []string{
			r.Model,
			strconv.FormatFloat(r.TokensPerSecond, 'f', -1, 64),
			strconv.Itoa(r.TotalTokens),
			strconv.FormatFloat(r.DurationSeconds, 'f', -1, 64),
			r.Timestamp.UTC().Format(time.RFC3339),
			r.Status(),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// ReadCSV reads results written by WriteCSV. The flat file carries no error
// text, so failed rows get a generic message. Rows have no identity either:
// importing the same file twice stores every row twice.
func ReadCSV(r io.Reader) ([]models.Result, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = len(CSVHeader)

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if strings.Join(header, ",") != strings.Join(CSVHeader, ",") {
		return nil, fmt.Errorf("unexpected header %q", strings.Join(header, ","))
	}

	var results []models.Result
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		res, err := parseRecord(record)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func parseRecord(record []string) (models.Result, error) {
	tps, err := strconv.ParseFloat(record[1], 64)
	if err != nil {
		return models.Result{}, fmt.Errorf("invalid tokens per second %q", record[1])
	}
	tokens, err := strconv.Atoi(record[2])
	if err != nil {
		return models.Result{}, fmt.Errorf("invalid total tokens %q", record[2])
	}
	dur, err := strconv.ParseFloat(record[3], 64)
	if err != nil {
		return models.Result{}, fmt.Errorf("invalid duration %q", record[3])
	}
	ts, err := time.Parse(time.RFC3339, record[4])
	if err != nil {
		return models.Result{}, fmt.Errorf("invalid timestamp %q", record[4])
	}

	var success bool
	switch record[5] {
	case "Success":
		success = true
	case "Failed":
	default:
		return models.Result{}, fmt.Errorf("invalid status %q", record[5])
	}

	return models.NewResult(record[0], models.ParsedMetrics{
		TokensPerSecond: tps,
		TotalTokens:     tokens,
		DurationSeconds: dur,
		Success:         success,
	}, ts), nil
}

// WriteCSVFile writes results to path, creating parent directories
func WriteCSVFile(path string, results []models.Result) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := WriteCSV(f, results); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadCSVFile reads results from path
func ReadCSVFile(path string) ([]models.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCSV(f)
}

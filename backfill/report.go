package backfill

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/goliatone/go-ingest/core"
)

// CSVReportWriter writes row errors to <Dir>/<jobID>-errors.csv with the
// original columns followed by row and error.
type CSVReportWriter struct {
	Dir string
}

func (w CSVReportWriter) WriteReport(
	_ context.Context,
	job core.BackfillJob,
	header []string,
	errs []core.BackfillError,
) (string, error) {
	if len(errs) == 0 {
		return "", nil
	}
	dir := strings.TrimSpace(w.Dir)
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("backfill: create report dir: %w", err)
	}
	path := filepath.Join(dir, ReportFileName(job.ID))
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("backfill: create report: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	columns := append(append([]string(nil), header...), "row", "error")
	if err := writer.Write(columns); err != nil {
		return "", err
	}
	for _, rowErr := range errs {
		line := make([]string, 0, len(columns))
		for _, name := range header {
			line = append(line, rowErr.Data[name])
		}
		line = append(line, strconv.Itoa(rowErr.Row), rowErr.Error)
		if err := writer.Write(line); err != nil {
			return "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return "", err
	}
	return path, nil
}

func ReportFileName(jobID string) string {
	return strings.TrimSpace(jobID) + "-errors.csv"
}

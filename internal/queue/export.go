package queue

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Export formats
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// ExportedJob is one row of a job history export
type ExportedJob struct {
	Queue        string          `json:"queue"`
	ID           string          `json:"id"`
	Status       string          `json:"status"`
	AttemptsMade int             `json:"attemptsMade"`
	Data         json.RawMessage `json:"data"`
	ReturnValue  json.RawMessage `json:"returnvalue,omitempty"`
	FailedReason string          `json:"failedReason,omitempty"`
	CreatedAt    time.Time       `json:"timestamp"`
	ProcessedOn  *time.Time      `json:"processedOn,omitempty"`
	FinishedOn   *time.Time      `json:"finishedOn,omitempty"`
}

// CollectProcessedJobs gathers completed and failed jobs from every queue
func CollectProcessedJobs(ctx context.Context, queues []*Queue) ([]ExportedJob, error) {
	var rows []ExportedJob
	for _, q := range queues {
		completed, err := q.Completed(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list completed jobs of %s: %w", q.Name(), err)
		}
		failed, err := q.Failed(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list failed jobs of %s: %w", q.Name(), err)
		}

		for _, j := range completed {
			rows = append(rows, exportRow(q.Name(), "completed", j))
		}
		for _, j := range failed {
			rows = append(rows, exportRow(q.Name(), "failed", j))
		}
	}
	return rows, nil
}

func exportRow(queue, status string, j *Job) ExportedJob {
	return ExportedJob{
		Queue:        queue,
		ID:           j.ID,
		Status:       status,
		AttemptsMade: j.AttemptsMade,
		Data:         j.Data,
		ReturnValue:  j.ReturnValue,
		FailedReason: j.FailedReason,
		CreatedAt:    j.CreatedAt,
		ProcessedOn:  j.ProcessedOn,
		FinishedOn:   j.FinishedOn,
	}
}

// ExportProcessedJobs writes the processed job history of queues to a
// timestamped file under dir and returns its path
func ExportProcessedJobs(ctx context.Context, queues []*Queue, dir, format string) (string, error) {
	if format != FormatJSON && format != FormatCSV {
		return "", fmt.Errorf("unsupported export format %q", format)
	}

	rows, err := CollectProcessedJobs(ctx, queues)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create export directory: %w", err)
	}

	name := fmt.Sprintf("processed_jobs_%s.%s", time.Now().UTC().Format("20060102T150405.000Z"), format)
	path := filepath.Join(dir, name)

	f, err := os.Create(path) // #nosec G304 - dir comes from configuration
	if err != nil {
		return "", fmt.Errorf("failed to create export file: %w", err)
	}
	defer f.Close()

	if format == FormatJSON {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		if rows == nil {
			rows = []ExportedJob{}
		}
		if err := enc.Encode(rows); err != nil {
			return "", fmt.Errorf("failed to write export: %w", err)
		}
		return path, nil
	}

	if err := WriteCSV(f, rows); err != nil {
		return "", err
	}
	return path, nil
}

// WriteCSV renders rows with a header line
func WriteCSV(out io.Writer, rows []ExportedJob) error {
	w := csv.NewWriter(out)
	header := []string{"queue", "id", "status", "attemptsMade", "failedReason", "returnvalue", "data", "timestamp", "processedOn", "finishedOn"}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}

	for _, r := range rows {
		record := []string{
			r.Queue,
			r.ID,
			r.Status,
			strconv.Itoa(r.AttemptsMade),
			r.FailedReason,
			string(r.ReturnValue),
			string(r.Data),
			r.CreatedAt.Format(time.RFC3339),
			formatTime(r.ProcessedOn),
			formatTime(r.FinishedOn),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("failed to write export: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

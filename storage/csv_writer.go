package storage

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"antique-scraper/models"
)

// CSVWriter writes collected records to a CSV file before they are stored.
// It is safe for concurrent use.
type CSVWriter struct {
	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
}

// NewCSVWriter creates (or truncates) the CSV file at the given path and
// writes the header row. Intermediate directories are created automatically.
func NewCSVWriter(path string) (*CSVWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("csv: create output dir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("csv: create file %q: %w", path, err)
	}

	w := csv.NewWriter(f)
	if err := w.Write([]string{
		"id", "url", "title", "price", "location", "posted_at", "asset_count", "attributes",
	}); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("csv: write header: %w", err)
	}
	w.Flush()

	return &CSVWriter{file: f, writer: w}, nil
}

// WriteRecords appends one row per record. A missing price is left empty.
func (c *CSVWriter) WriteRecords(records []*models.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range records {
		price := ""
		if r.Price != nil {
			price = strconv.FormatFloat(*r.Price, 'f', 2, 64)
		}
		attrs, err := json.Marshal(r.Attributes)
		if err != nil {
			return fmt.Errorf("csv: encode attributes of %s: %w", r.URL, err)
		}
		row := []string{
			r.ID,
			r.URL,
			r.Title,
			price,
			r.Location,
			r.PostedAt.Format(time.RFC3339),
			strconv.Itoa(len(r.AssetURLs)),
			string(attrs),
		}
		if err := c.writer.Write(row); err != nil {
			return fmt.Errorf("csv: write row: %w", err)
		}
	}

	c.writer.Flush()
	return c.writer.Error()
}

// Close flushes and closes the underlying file.
func (c *CSVWriter) Close() error {
	c.writer.Flush()
	return c.file.Close()
}

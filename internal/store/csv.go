// Package store persists averaged records to a CSV file and a SQLite history.
package store

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"github.com/sweeney/climate-sensor/internal/acquire"
)

// CSVTimeLayout is the timestamp layout of the first column.
const CSVTimeLayout = "02.01.2006 15:04:00"

// CSV appends one row per record: timestamp, then humidity and temperature
// per sensor, separated by ';'. The file is opened for every write so it can be
// rotated or copied away between records.
type CSV struct {
	path string
}

// NewCSV returns a CSV sink writing to path.
func NewCSV(path string) *CSV {
	return &CSV{path: path}
}

// Path returns the file path.
func (c *CSV) Path() string {
	return c.path
}

// Write appends rec.
func (c *CSV) Write(ctx context.Context, rec acquire.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f, err := os.OpenFile(c.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("csv open: %w", err)
	}

	w := csv.NewWriter(f)
	w.Comma = ';'
	if err := w.Write(CSVRow(rec)); err != nil {
		_ = f.Close()
		return fmt.Errorf("csv write: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return fmt.Errorf("csv flush: %w", err)
	}
	return f.Close()
}

// CSVRow renders rec as CSV fields. Sensors without a valid sample get empty
// cells.
func CSVRow(rec acquire.Record) []string {
	row := make([]string, 0, 1+2*len(rec.Sensors))
	row = append(row, rec.Timestamp.Local().Format(CSVTimeLayout))
	for _, m := range rec.Sensors {
		row = append(row, formatValue(m.Humidity), formatValue(m.Temperature))
	}
	return row
}

func formatValue(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 2, 64)
}

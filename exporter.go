package skalman

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Exporter defines an export interface.
type Exporter interface {
	Write(Gaussian) error
	Close() error
}

// CSVExporter writes beliefs as CSV rows of mean, +2σ and -2σ per state component.
type CSVExporter struct {
	delimiter string
	hdlr      *os.File
}

// Close closes the file.
func (e CSVExporter) Close() (err error) {
	err = e.WriteRawLn(fmt.Sprintf("# Closing date (UTC): %s", time.Now().UTC()))
	if err != nil {
		return
	}
	return e.hdlr.Close()
}

// Write writes the belief to the CSV file.
func (e CSVExporter) Write(g Gaussian) error {
	r := g.Dim()
	vals := make([]string, r*3)
	for i := 0; i < r*3; i += 3 {
		mean := g.Mean.AtVec(i / 3)
		bound := 2 * math.Sqrt(g.Covar.At(i/3, i/3))
		vals[i] = fmt.Sprintf("%f", mean)
		vals[i+1] = fmt.Sprintf("%f", mean+bound)
		vals[i+2] = fmt.Sprintf("%f", mean-bound)
	}
	_, err := e.hdlr.WriteString(strings.Join(vals, e.delimiter) + "\n")
	return err
}

// WriteSequence writes the smoothed beliefs of the sequence, or the filtered
// ones when it has not been smoothed.
func (e CSVExporter) WriteSequence(seq *Sequence) error {
	beliefs := seq.Filtered
	if seq.IsSmoothed() {
		beliefs = seq.Smoothed
	}
	if len(beliefs) == 0 {
		return ErrNotFiltered
	}
	for _, g := range beliefs {
		if err := e.Write(g); err != nil {
			return err
		}
	}
	return nil
}

// WriteRawLn writes a raw line to the CSV file.
func (e CSVExporter) WriteRawLn(s string) error {
	_, err := e.hdlr.WriteString(s + "\n")
	return err
}

// NewCSVExporter initializes a new CSV export.
func NewCSVExporter(headers []string, dir, filename string) (e *CSVExporter, err error) {
	f, err := os.Create(filepath.Join(dir, filename))
	if err != nil {
		return
	}
	delimiter := ","
	// Header
	hdr := make([]string, len(headers)*3)
	for i := 0; i < len(headers)*3; i += 3 {
		hdr[i] = headers[i/3]
		hdr[i+1] = hdr[i] + "+2s"
		hdr[i+2] = hdr[i] + "-2s"
	}
	if _, err = f.WriteString(fmt.Sprintf("# Creation date (UTC): %s\n%s\n", time.Now().UTC(), strings.Join(hdr, delimiter))); err != nil {
		f.Close()
		return nil, err
	}
	e = &CSVExporter{delimiter, f}
	return
}

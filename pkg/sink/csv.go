package sink

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/carverauto/fleetreconcile/pkg/models"
	"github.com/carverauto/fleetreconcile/pkg/report"
)

// CSV appends one row per device as results arrive, so an interrupted run
// still leaves a usable export.
type CSV struct {
	mu     sync.Mutex
	w      *csv.Writer
	closer io.Closer
}

// NewCSV writes the header to w.
func NewCSV(w io.Writer) (*CSV, error) {
	cw := csv.NewWriter(w)

	if err := cw.Write(report.CSVHeader()); err != nil {
		return nil, fmt.Errorf("failed to write csv header: %w", err)
	}

	cw.Flush()

	if err := cw.Error(); err != nil {
		return nil, fmt.Errorf("failed to write csv header: %w", err)
	}

	s := &CSV{w: cw}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}

	return s, nil
}

// CreateCSV creates (or truncates) path and writes the header.
func CreateCSV(path string) (*CSV, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create export file: %w", err)
	}

	s, err := NewCSV(f)
	if err != nil {
		_ = f.Close()

		return nil, err
	}

	return s, nil
}

func (s *CSV) Write(_ context.Context, result *models.DeviceReconciliationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.w.Write(report.CSVRecord(result)); err != nil {
		return err
	}

	s.w.Flush()

	return s.w.Error()
}

func (s *CSV) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.w.Flush()

	if s.closer == nil {
		return s.w.Error()
	}

	return s.closer.Close()
}

package adapter

import (
	"fmt"
	"os"

	m "ilcov.dev/pkg/ilcov/internal/model"
	"ilcov.dev/pkg/ilcov/internal/report"
)

// ReportStore abstracts coverage report persistence for the commands.
type ReportStore interface {
	Load(path m.Path) (*report.Document, error)
	Save(path m.Path, doc *report.Document) error
}

// FileReportStore reads and writes the report file under the same named
// lock the merge path takes.
type FileReportStore struct{}

// NewReportStore creates a new FileReportStore.
func NewReportStore() *FileReportStore {
	return &FileReportStore{}
}

// Load reads the report document at path.
func (s *FileReportStore) Load(path m.Path) (*report.Document, error) {
	release, err := report.NewNamedLock(string(path)).Acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	f, err := os.Open(string(path))
	if err != nil {
		return nil, fmt.Errorf("open coverage report: %w", err)
	}

	defer func() {
		_ = f.Close()
	}()

	return report.Decode(f)
}

// Save writes the report document to path, replacing any previous content.
func (s *FileReportStore) Save(path m.Path, doc *report.Document) error {
	release, err := report.NewNamedLock(string(path)).Acquire()
	if err != nil {
		return err
	}
	defer release()

	f, err := os.OpenFile(string(path), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open coverage report: %w", err)
	}

	defer func() {
		_ = f.Close()
	}()

	return report.Encode(f, doc)
}

// Package recorder accumulates sequence-point hits in-process and flushes
// them into the persisted coverage report.
package recorder

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	m "ilcov.dev/pkg/ilcov/internal/model"
	"ilcov.dev/pkg/ilcov/internal/report"
)

// Recorder owns the process-wide hit table. All mutation and every flush
// snapshot is serialized by one mutex; there are no pure readers.
type Recorder struct {
	mu         sync.Mutex
	hits       m.HitTable
	reportPath string
	startTime  time.Time

	// out receives the one-line flush statistics. Defaults to stdout.
	out io.Writer
}

// New builds a recorder flushing into the report at reportPath.
func New(reportPath string) *Recorder {
	return &Recorder{
		hits:       make(m.HitTable),
		reportPath: reportPath,
		startTime:  time.Now(),
		out:        os.Stdout,
	}
}

// Visit records one execution of the given sequence point. Calls with an
// empty module id are ignored. Safe for concurrent callers.
func (r *Recorder) Visit(moduleID string, pointID int) {
	if moduleID == "" {
		return
	}

	r.mu.Lock()
	r.hits.Visit(moduleID, pointID)
	r.mu.Unlock()
}

// Flush merges all accumulated hits into the report file. When the table is
// empty it returns with zero observable effect: no file is opened and
// nothing is printed. Otherwise the table is snapshot and cleared under the
// lock, so hits arriving during the merge accumulate in a fresh generation.
func (r *Recorder) Flush() error {
	r.mu.Lock()

	if r.hits.Empty() {
		r.mu.Unlock()

		return nil
	}

	snapshot := r.hits
	r.hits = make(m.HitTable)
	start := r.startTime
	r.mu.Unlock()

	measure := time.Now()
	began := time.Now()

	f, err := os.OpenFile(r.reportPath, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open coverage report: %w", err)
	}

	defer func() {
		_ = f.Close()
	}()

	lock := report.NewNamedLock(r.reportPath)
	if err := report.Merge(lock, f, snapshot, start, measure); err != nil {
		return err
	}

	fmt.Fprintf(r.out, "Coverage statistics flushing took %v seconds\n", time.Since(began).Seconds())

	return nil
}

// Close flushes any remaining hits. It is the normal-exit half of the
// lifecycle; InstallExitHooks covers signal-driven teardown.
func (r *Recorder) Close() error {
	return r.Flush()
}

// InstallExitHooks registers a best-effort flush on SIGINT/SIGTERM, for
// hosts whose termination path might otherwise drop the last generation of
// hits. The handler only flushes; shutting the process down stays the
// host's job. The returned stop function detaches the handler.
func (r *Recorder) InstallExitHooks() (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})

	go func() {
		for {
			select {
			case sig := <-ch:
				if err := r.Flush(); err != nil {
					slog.Error("flush on signal failed", "signal", sig, "error", err)
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(ch)
		close(done)
	}
}

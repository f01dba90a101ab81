package instrument

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ilcov.dev/pkg/ilcov/internal/cil"
	"ilcov.dev/pkg/ilcov/internal/filter"
	"ilcov.dev/pkg/ilcov/internal/report"
	"ilcov.dev/pkg/ilcov/internal/sign"
)

// Workflow instruments a set of assemblies in parallel and seeds the
// coverage report with the skeleton entries for everything instrumented.
type Workflow struct {
	cfg     Config
	threads int
}

// NewWorkflow builds a workflow. threads caps the number of assemblies
// instrumented concurrently; zero or less means one per CPU.
func NewWorkflow(cfg Config, threads int) *Workflow {
	if threads < 1 {
		threads = runtime.NumCPU()
	}

	return &Workflow{cfg: cfg, threads: threads}
}

// Run instruments every input. A failing assembly is abandoned without a
// committed output, but the remaining inputs still run to completion; the
// accumulated errors come back joined. The recorder binary and the
// dependency manifests are committed once after all assemblies finished,
// then the report skeleton is created or extended under the cross-process
// lock.
func (w *Workflow) Run(inputs []string) error {
	if len(inputs) == 0 {
		return fmt.Errorf("no assemblies to instrument")
	}

	if err := os.MkdirAll(w.cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	assemblies := make([]*cil.Assembly, len(inputs))
	allow := make([]string, 0, len(inputs))

	for i, path := range inputs {
		asm, err := cil.ReadFile(path)
		if err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}

		assemblies[i] = asm
		allow = append(allow, asm.Identity.Name)
	}

	cfg := w.cfg
	cfg.AllowNames = allow

	if cfg.Oracle == nil {
		cfg.Oracle = filter.All{}
	}

	if cfg.Rewriter == nil {
		cfg.Rewriter = sign.NewRewriter(nil)
	}

	// One recorder serves the whole run; the visitors only read its
	// identity.
	recorder, err := prepareRecorder(cfg)
	if err != nil {
		return fmt.Errorf("prepare recorder: %w", err)
	}

	cfg.recorder = recorder

	var (
		mu       sync.Mutex
		skeleton []*report.Module
		failures []error
	)

	var group errgroup.Group
	group.SetLimit(w.threads)

	for i := range inputs {
		group.Go(func() error {
			mods, err := NewVisitor(cfg, inputs[i]).Run(assemblies[i])

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				slog.Error("assembly skipped", "path", inputs[i], "error", err)
				failures = append(failures, err)

				return nil
			}

			skeleton = append(skeleton, mods...)

			return nil
		})
	}

	_ = group.Wait()

	if err := commitRecorder(cfg, recorder, filepath.Ext(inputs[0])); err != nil {
		failures = append(failures, err)
	}

	if err := seedReport(cfg.ReportPath, skeleton); err != nil {
		failures = append(failures, err)
	}

	return errors.Join(failures...)
}

// seedReport adds the freshly minted module skeletons to the report,
// creating the document when no report exists yet. Runs under the same
// named lock the merge path takes.
func seedReport(path string, modules []*report.Module) error {
	if len(modules) == 0 {
		return nil
	}

	release, err := report.NewNamedLock(path).Acquire()
	if err != nil {
		return err
	}
	defer release()

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open coverage report: %w", err)
	}

	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	var doc *report.Document
	if info.Size() == 0 {
		doc = report.NewDocument(time.Now())
	} else {
		doc, err = report.Decode(f)
		if err != nil {
			return err
		}
	}

	for _, mod := range modules {
		if doc.FindModule(mod.ID) == nil {
			doc.Modules = append(doc.Modules, mod)
		}
	}

	if err := f.Truncate(0); err != nil {
		return err
	}

	if _, err := f.Seek(0, 0); err != nil {
		return err
	}

	return report.Encode(f, doc)
}

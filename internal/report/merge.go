package report

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	m "ilcov.dev/pkg/ilcov/internal/model"
)

// Stream is the writable, seekable report storage the merge engine patches.
// *os.File satisfies it.
type Stream interface {
	io.ReadWriteSeeker
	Truncate(size int64) error
}

// Merge reconciles a hit-table snapshot into the report held by stream,
// serialized against every other writer of the same report through lock.
//
// The correlation between hit-table point ids and seqpnt elements is
// positional: per method in document order, that method's seqpnt elements
// reversed, then concatenated across methods, enumerated 0-based. The ids
// were assigned the same way at instrumentation time, so the two
// enumerations must match exactly.
func Merge(lock *NamedLock, stream Stream, hits m.HitTable, start, measure time.Time) error {
	release, err := lock.Acquire()
	if err != nil {
		return fmt.Errorf("acquire report lock: %w", err)
	}
	defer release()

	if _, err := stream.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek report: %w", err)
	}

	doc, err := Decode(stream)
	if err != nil {
		return err
	}

	doc.StartTime = reconcile(doc.StartTime, start, earlier)
	doc.MeasureTime = reconcile(doc.MeasureTime, measure, later)

	for _, mod := range doc.Modules {
		points, ok := hits[mod.ID]
		if !ok {
			continue
		}

		applyModuleHits(mod, points)
	}

	if err := stream.Truncate(0); err != nil {
		return fmt.Errorf("truncate report: %w", err)
	}

	if _, err := stream.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind report: %w", err)
	}

	return Encode(stream, doc)
}

// applyModuleHits adds the module's hit counts onto its seqpnt elements
// following the reversed-per-method enumeration.
func applyModuleHits(mod *Module, points map[int]int) {
	counter := 0

	for _, method := range mod.Methods {
		for i := len(method.Points) - 1; i >= 0; i-- {
			if count, ok := points[counter]; ok {
				sp := method.Points[i]
				sp.VisitCount = strconv.Itoa(sp.Visits() + count)
			}

			counter++
		}
	}

	slog.Debug("merged module hits", "module", mod.ID, "points", len(points))
}

// reconcile picks between the stored and the in-memory timestamp. An
// unreadable stored value loses to the caller's.
func reconcile(stored string, mine time.Time, pick func(a, b time.Time) time.Time) string {
	parsed, err := time.Parse(TimeLayout, stored)
	if err != nil {
		return mine.Format(TimeLayout)
	}

	return pick(parsed, mine).Format(TimeLayout)
}

func earlier(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}

	return b
}

func later(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}

	return b
}

package report

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	m "ilcov.dev/pkg/ilcov/internal/model"
)

const fixtureModuleID = "f6e3edb3-1e14-45d0-9f4e-9bb0df0f0b39"

func openStream(t *testing.T, doc *Document) (*os.File, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "coverage.xml")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	require.NoError(t, Encode(f, doc))

	t.Cleanup(func() { f.Close() })

	return f, path
}

func singleMethodSkeleton(points int, start time.Time) *Document {
	doc := NewDocument(start)
	mod := doc.AddModule(fixtureModuleID, "app")

	method := &Method{Name: "Run", Sig: "void Run()"}
	for i := range points {
		method.Points = append(method.Points, &Point{Line: int32(10 + i), Col: 5})
	}

	mod.Methods = append(mod.Methods, method)

	return doc
}

func mergeInto(t *testing.T, f *os.File, path string, hits m.HitTable, start, measure time.Time) *Document {
	t.Helper()

	require.NoError(t, Merge(NewNamedLock(path), f, hits, start, measure))

	_, err := f.Seek(0, 0)
	require.NoError(t, err)

	doc, err := Decode(f)
	require.NoError(t, err)

	return doc
}

func TestMerge(t *testing.T) {
	start := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

	t.Run("empty hit table is byte-stable", func(t *testing.T) {
		doc := singleMethodSkeleton(3, start)

		var before bytes.Buffer
		require.NoError(t, Encode(&before, doc))

		f, path := openStream(t, doc)
		require.NoError(t, Merge(NewNamedLock(path), f, m.HitTable{}, start, start))

		after, err := os.ReadFile(path)
		require.NoError(t, err)
		require.Equal(t, before.String(), string(after))
	})

	t.Run("k visits increase visitcount by exactly k", func(t *testing.T) {
		doc := singleMethodSkeleton(2, start)
		doc.Modules[0].Methods[0].Points[1].VisitCount = "7"

		f, path := openStream(t, doc)

		// Point id 0 enumerates the reversed method, so it lands on
		// the last document-order element.
		hits := m.HitTable{fixtureModuleID: {0: 5}}
		merged := mergeInto(t, f, path, hits, start, start)

		points := merged.Modules[0].Methods[0].Points
		require.Equal(t, "12", points[1].VisitCount)
		require.Empty(t, points[0].VisitCount)
	})

	t.Run("timestamps reconcile to min start and max measure", func(t *testing.T) {
		doc := singleMethodSkeleton(1, start)
		f, path := openStream(t, doc)

		older := start.Add(-time.Hour)
		newer := start.Add(2 * time.Hour)

		merged := mergeInto(t, f, path, m.HitTable{}, older, newer)
		require.Equal(t, older.Format(TimeLayout), merged.StartTime)
		require.Equal(t, newer.Format(TimeLayout), merged.MeasureTime)

		// The stored extremes win against a narrower caller window.
		_, err := f.Seek(0, 0)
		require.NoError(t, err)
		merged = mergeInto(t, f, path, m.HitTable{}, start, start)
		require.Equal(t, older.Format(TimeLayout), merged.StartTime)
		require.Equal(t, newer.Format(TimeLayout), merged.MeasureTime)
	})

	t.Run("unknown module id changes nothing", func(t *testing.T) {
		doc := singleMethodSkeleton(2, start)
		f, path := openStream(t, doc)

		merged := mergeInto(t, f, path, m.HitTable{"no-such-module": {0: 99}}, start, start)

		for _, sp := range merged.Modules[0].Methods[0].Points {
			require.Empty(t, sp.VisitCount)
		}
	})

	t.Run("malformed and negative stored counts read as zero", func(t *testing.T) {
		doc := singleMethodSkeleton(2, start)
		doc.Modules[0].Methods[0].Points[0].VisitCount = "banana"
		doc.Modules[0].Methods[0].Points[1].VisitCount = "-4"

		f, path := openStream(t, doc)

		hits := m.HitTable{fixtureModuleID: {0: 3, 1: 3}}
		merged := mergeInto(t, f, path, hits, start, start)

		points := merged.Modules[0].Methods[0].Points
		require.Equal(t, "3", points[0].VisitCount)
		require.Equal(t, "3", points[1].VisitCount)
	})
}

// TestMergeReversedCorrelationFixture pins the reversed-per-method
// enumeration with a ten-point single-method module: priors of 1 on the
// first six elements, hits 1..10 on point ids 0..9.
func TestMergeReversedCorrelationFixture(t *testing.T) {
	start := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

	doc := singleMethodSkeleton(10, start)
	for i := range 6 {
		doc.Modules[0].Methods[0].Points[i].VisitCount = "1"
	}

	f, path := openStream(t, doc)

	hits := m.HitTable{fixtureModuleID: {}}
	for id := range 10 {
		hits[fixtureModuleID][id] = id + 1
	}

	merged := mergeInto(t, f, path, hits, start, start)

	want := []string{"11", "10", "9", "8", "7", "6", "4", "3", "2", "1"}

	got := make([]string, 0, 10)
	for _, sp := range merged.Modules[0].Methods[0].Points {
		got = append(got, sp.VisitCount)
	}

	require.Equal(t, want, got)
}

// TestMergeCrossMethodEnumeration checks that point ids keep counting
// across method boundaries, each method contributing its own reversed run.
func TestMergeCrossMethodEnumeration(t *testing.T) {
	start := time.Now().UTC()

	doc := NewDocument(start)
	mod := doc.AddModule("mod-2", "app")
	mod.Methods = append(mod.Methods,
		&Method{Name: "A", Points: []*Point{{Line: 1}, {Line: 2}}},
		&Method{Name: "B", Points: []*Point{{Line: 3}}},
	)

	f, path := openStream(t, doc)

	// Counter 0,1 cover method A reversed; counter 2 is method B.
	hits := m.HitTable{"mod-2": {0: 10, 1: 20, 2: 30}}
	merged := mergeInto(t, f, path, hits, start, start)

	a := merged.Modules[0].Methods[0].Points
	b := merged.Modules[0].Methods[1].Points
	require.Equal(t, "20", a[0].VisitCount)
	require.Equal(t, "10", a[1].VisitCount)
	require.Equal(t, "30", b[0].VisitCount)
}

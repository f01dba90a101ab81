package adapter

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ilcov.dev/pkg/ilcov/internal/cil"
	m "ilcov.dev/pkg/ilcov/internal/model"
	"ilcov.dev/pkg/ilcov/internal/report"
)

func writeAssembly(t *testing.T, path string) {
	t.Helper()

	asm := &cil.Assembly{
		Identity: cil.AssemblyIdentity{Name: "Fixture", Version: "1.0.0.0"},
		Modules:  []*cil.Module{{ID: "fixture-id", Name: "Fixture.dll"}},
	}
	require.NoError(t, cil.WriteFile(path, asm))
}

func TestCollectAssemblies(t *testing.T) {
	fs := NewLocalBinaryFSAdapter()
	dir := t.TempDir()

	writeAssembly(t, filepath.Join(dir, "App.dll"))
	writeAssembly(t, filepath.Join(dir, "Lib.dll"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello"), 0o644))

	// Nested binaries stay out of a one-level scan.
	nested := filepath.Join(dir, "sub")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	writeAssembly(t, filepath.Join(nested, "Deep.dll"))

	t.Run("directory scan", func(t *testing.T) {
		found, err := fs.CollectAssemblies([]m.Path{m.Path(dir)})
		require.NoError(t, err)
		require.Equal(t, []m.Path{
			m.Path(filepath.Join(dir, "App.dll")),
			m.Path(filepath.Join(dir, "Lib.dll")),
		}, found)
	})

	t.Run("explicit file", func(t *testing.T) {
		found, err := fs.CollectAssemblies([]m.Path{m.Path(filepath.Join(nested, "Deep.dll"))})
		require.NoError(t, err)
		require.Len(t, found, 1)
	})

	t.Run("explicit non-container file", func(t *testing.T) {
		_, err := fs.CollectAssemblies([]m.Path{m.Path(filepath.Join(dir, "notes.txt"))})
		require.ErrorContains(t, err, "not a container binary")
	})

	t.Run("missing path", func(t *testing.T) {
		_, err := fs.CollectAssemblies([]m.Path{m.Path(filepath.Join(dir, "absent"))})
		require.Error(t, err)
	})
}

func TestDetectAssembly(t *testing.T) {
	fs := NewLocalBinaryFSAdapter()
	dir := t.TempDir()

	binPath := filepath.Join(dir, "App.dll")
	writeAssembly(t, binPath)

	ok, err := fs.DetectAssembly(m.Path(binPath))
	require.NoError(t, err)
	require.True(t, ok)

	textPath := filepath.Join(dir, "short")
	require.NoError(t, os.WriteFile(textPath, []byte("xy"), 0o644))

	ok, err = fs.DetectAssembly(m.Path(textPath))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFileReportStoreRoundTrip(t *testing.T) {
	store := NewReportStore()
	path := m.Path(filepath.Join(t.TempDir(), "coverage.xml"))

	doc := report.NewDocument(time.Now())
	doc.AddModule("mod-1", "App.dll")

	require.NoError(t, store.Save(path, doc))

	loaded, err := store.Load(path)
	require.NoError(t, err)
	require.Len(t, loaded.Modules, 1)
	require.Equal(t, "mod-1", loaded.Modules[0].ID)

	_, err = store.Load(m.Path(filepath.Join(t.TempDir(), "missing.xml")))
	require.Error(t, err)
}

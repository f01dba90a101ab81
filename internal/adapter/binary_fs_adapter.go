// Package adapter contains filesystem and persistence adapters for the
// ilcov CLI.
package adapter

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"ilcov.dev/pkg/ilcov/internal/cil"
	m "ilcov.dev/pkg/ilcov/internal/model"
)

// FilepathWalkFunc mirrors the callback shape used by filepath.Walk. It is
// defined here to avoid leaking the standard-library type directly into
// command logic.
type FilepathWalkFunc func(path string, info os.FileInfo, err error) error

// BinaryFSAdapter abstracts the filesystem operations the CLI relies on
// when collecting candidate binaries. It hides direct `os` access so the
// command logic can be tested against a controlled tree.
type BinaryFSAdapter interface {
	// Walk traverses the provided root path. When recursive is false the
	// implementation limits itself to the root directory (no sub-dirs).
	Walk(root m.Path, recursive bool, fn FilepathWalkFunc) error

	// DetectAssembly reports whether the file at path is a container
	// binary this toolchain can instrument.
	DetectAssembly(path m.Path) (bool, error)

	// FileInfo returns metadata for a path so callers can distinguish
	// files from directories.
	FileInfo(path m.Path) (os.FileInfo, error)

	// CollectAssemblies expands the given paths into the sorted list of
	// container binaries they denote: files are sniffed directly,
	// directories are scanned one level deep.
	CollectAssemblies(paths []m.Path) ([]m.Path, error)
}

// LocalBinaryFSAdapter is the disk-backed implementation.
type LocalBinaryFSAdapter struct{}

// NewLocalBinaryFSAdapter constructs a LocalBinaryFSAdapter ready to be
// wired into the commands.
func NewLocalBinaryFSAdapter() *LocalBinaryFSAdapter {
	return &LocalBinaryFSAdapter{}
}

// Walk iterates over files under root, optionally descending into
// subdirectories.
func (a *LocalBinaryFSAdapter) Walk(root m.Path, recursive bool, fn FilepathWalkFunc) error {
	rootStr := string(root)

	return filepath.Walk(rootStr, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return fn(path, info, err)
		}

		if info.IsDir() && !recursive && path != rootStr {
			return filepath.SkipDir
		}

		return fn(path, info, nil)
	})
}

// DetectAssembly sniffs the container magic.
func (a *LocalBinaryFSAdapter) DetectAssembly(path m.Path) (bool, error) {
	return cil.SniffFile(string(path))
}

// FileInfo returns os.FileInfo metadata for the given path.
func (a *LocalBinaryFSAdapter) FileInfo(path m.Path) (os.FileInfo, error) {
	return os.Stat(string(path))
}

// CollectAssemblies expands files and directories into container binaries.
func (a *LocalBinaryFSAdapter) CollectAssemblies(paths []m.Path) ([]m.Path, error) {
	found := []m.Path{}

	for _, path := range paths {
		info, err := a.FileInfo(path)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}

		if !info.IsDir() {
			ok, err := a.DetectAssembly(path)
			if err != nil {
				return nil, err
			}

			if !ok {
				return nil, fmt.Errorf("%s is not a container binary", path)
			}

			found = append(found, path)

			continue
		}

		err = a.Walk(path, false, func(p string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}

			if info.IsDir() {
				return nil
			}

			ok, sniffErr := a.DetectAssembly(m.Path(p))
			if sniffErr != nil {
				return sniffErr
			}

			if ok {
				found = append(found, m.Path(p))
			}

			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	sort.Slice(found, func(i, j int) bool { return found[i] < found[j] })

	return found, nil
}

package instrument

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"ilcov.dev/pkg/ilcov/internal/cil"
)

// mergeDepsManifests registers the recorder in every *.deps.json runtime
// dependency manifest found in dir, so hosts that resolve binaries through
// the manifest can load the recorder next to the instrumented code. Keys
// already present are left untouched.
func mergeDepsManifests(dir string, recorder cil.AssemblyIdentity) error {
	manifests, err := filepath.Glob(filepath.Join(dir, "*.deps.json"))
	if err != nil {
		return fmt.Errorf("scan dependency manifests: %w", err)
	}

	for _, path := range manifests {
		if err := mergeDepsManifest(path, recorder); err != nil {
			return err
		}
	}

	return nil
}

func mergeDepsManifest(path string, recorder cil.AssemblyIdentity) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read dependency manifest: %w", err)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse dependency manifest %s: %w", path, err)
	}

	version := recorder.Version
	if version == "" {
		version = "1.0.0.0"
	}

	key := recorder.Name + "/" + version
	changed := false

	targets := map[string]map[string]json.RawMessage{}
	if body, ok := doc["targets"]; ok {
		if err := json.Unmarshal(body, &targets); err != nil {
			return fmt.Errorf("parse dependency manifest %s: targets: %w", path, err)
		}
	}

	runtimeEntry, err := json.Marshal(map[string]any{
		"runtime": map[string]any{recorder.Name + ".dll": map[string]any{}},
	})
	if err != nil {
		return err
	}

	for _, entries := range targets {
		if _, ok := entries[key]; ok {
			continue
		}

		entries[key] = runtimeEntry
		changed = true
	}

	libraries := map[string]json.RawMessage{}
	if body, ok := doc["libraries"]; ok {
		if err := json.Unmarshal(body, &libraries); err != nil {
			return fmt.Errorf("parse dependency manifest %s: libraries: %w", path, err)
		}
	}

	if _, ok := libraries[key]; !ok {
		descriptor, err := json.Marshal(map[string]any{
			"type":        "reference",
			"serviceable": false,
			"sha512":      "",
		})
		if err != nil {
			return err
		}

		libraries[key] = descriptor
		changed = true
	}

	if !changed {
		return nil
	}

	if doc["targets"], err = json.Marshal(targets); err != nil {
		return err
	}

	if doc["libraries"], err = json.Marshal(libraries); err != nil {
		return err
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, append(out, '\n'), 0o644); err != nil {
		return fmt.Errorf("write dependency manifest: %w", err)
	}

	slog.Debug("merged recorder into dependency manifest", "path", path, "entry", key)

	return nil
}

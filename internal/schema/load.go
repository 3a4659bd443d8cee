package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileExt is the extension of schema source files. The file name without
// the extension is the schema_ref.
const FileExt = ".cue"

// RefFromPath returns the schema_ref for a schema file path.
func RefFromPath(path string) (string, bool) {
	base := filepath.Base(path)
	if filepath.Ext(base) != FileExt || strings.HasPrefix(base, ".") {
		return "", false
	}
	return strings.TrimSuffix(base, FileExt), true
}

// LoadDir publishes every schema file directly under dir and returns the
// refs it loaded, sorted. It stops at the first error.
func (r *Registry) LoadDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read schema dir: %w", err)
	}

	var refs []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ref, ok := RefFromPath(entry.Name())
		if !ok {
			continue
		}
		if err := r.LoadFile(filepath.Join(dir, entry.Name())); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}

	sort.Strings(refs)
	return refs, nil
}

// LoadFile publishes a single schema file under the ref derived from its name.
func (r *Registry) LoadFile(path string) error {
	ref, ok := RefFromPath(path)
	if !ok {
		return fmt.Errorf("not a schema file: %s", path)
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read schema %s: %w", ref, err)
	}
	return r.Publish(ref, string(src))
}

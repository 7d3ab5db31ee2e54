package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"nnbackend/internal/common/fsutil"
	"nnbackend/pkg/types"
)

// LoadDir scans a directory for *.gguf files. ID and Name are the filename;
// Path is absolute and Version is the file's size/mtime stamp.
func LoadDir(dir string) ([]types.Model, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []types.Model
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".gguf") {
			continue
		}
		m := types.Model{ID: name, Name: name, Path: filepath.Join(abs, name)}
		if fi, err := e.Info(); err == nil {
			m.SizeBytes = fi.Size()
			m.Version = versionOf(fi)
		}
		models = append(models, m)
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

// Find resolves a model by filename (with or without the .gguf suffix) in dir.
func Find(dir, name string) (types.Model, bool) {
	models, err := LoadDir(dir)
	if err != nil {
		return types.Model{}, false
	}
	for _, m := range models {
		if m.ID == name || strings.TrimSuffix(strings.ToLower(m.ID), ".gguf") == strings.ToLower(name) {
			return m, true
		}
	}
	return types.Model{}, false
}

func versionOf(fi os.FileInfo) string {
	return fmt.Sprintf("size_%d_mtime_%d", fi.Size(), fi.ModTime().Unix())
}

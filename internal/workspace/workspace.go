// Package workspace confines every file operation to a single root
// directory. All other packages must route paths through Resolve before
// touching the filesystem.
package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var ErrOutOfBounds = errors.New("path escapes workspace root")

type Entry struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

type Workspace struct {
	root string
}

func New(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	abs = filepath.Clean(abs)
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	return &Workspace{root: abs}, nil
}

func (w *Workspace) Root() string {
	return w.root
}

// Resolve maps a workspace-relative path to an absolute one, rejecting
// anything that lands outside the root after normalization. An empty
// relative path resolves to the root itself.
func (w *Workspace) Resolve(rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if rel == "" || rel == "." {
		return w.root, nil
	}
	if filepath.IsAbs(rel) || strings.Contains(rel, "\x00") {
		return "", ErrOutOfBounds
	}
	abs := filepath.Clean(filepath.Join(w.root, filepath.FromSlash(rel)))
	if abs != w.root && !strings.HasPrefix(abs, w.root+string(filepath.Separator)) {
		return "", ErrOutOfBounds
	}
	return abs, nil
}

func (w *Workspace) Read(rel string) (string, error) {
	abs, err := w.Resolve(rel)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ReadOrEmpty treats a missing or directory path as empty content so diff
// computation never hard-fails on files that do not exist yet.
func (w *Workspace) ReadOrEmpty(rel string) (string, error) {
	abs, err := w.Resolve(rel)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		return "", nil
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", nil
	}
	return string(data), nil
}

// Write stores content at rel, creating parent directories as needed.
// The write goes through a temp file and rename so readers never see a
// half-written file.
func (w *Workspace) Write(rel, content string) error {
	abs, err := w.Resolve(rel)
	if err != nil {
		return err
	}
	if abs == w.root {
		return ErrOutOfBounds
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	return atomicWrite(abs, []byte(content))
}

func (w *Workspace) Mkdir(rel string) error {
	abs, err := w.Resolve(rel)
	if err != nil {
		return err
	}
	return os.MkdirAll(abs, 0o755)
}

// Remove deletes rel recursively. A missing path is not an error.
func (w *Workspace) Remove(rel string) error {
	abs, err := w.Resolve(rel)
	if err != nil {
		return err
	}
	if abs == w.root {
		return ErrOutOfBounds
	}
	return os.RemoveAll(abs)
}

func (w *Workspace) Exists(rel string) bool {
	abs, err := w.Resolve(rel)
	if err != nil {
		return false
	}
	_, err = os.Stat(abs)
	return err == nil
}

// List returns the direct children of rel, directories first. The version
// trail's .git directory is not part of the browsable tree.
func (w *Workspace) List(rel string) ([]Entry, error) {
	abs, err := w.Resolve(rel)
	if err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(abs)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.Name() == ".git" {
			continue
		}
		var size int64
		if info, err := de.Info(); err == nil {
			size = info.Size()
		}
		childAbs := filepath.Join(abs, de.Name())
		relPath, err := filepath.Rel(w.root, childAbs)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			Name:  de.Name(),
			Path:  filepath.ToSlash(relPath),
			IsDir: de.IsDir(),
			Size:  size,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	defer os.Remove(name)
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(name, path)
}

package module

import (
	"io/fs"
	"strings"
)

// Source provides module source text by identity path.
type Source interface {
	ReadSource(path string) ([]byte, error)
	HasSource(path string) bool
}

// FSSource serves modules from an fs.FS. Identity "/a/b.js" maps to the
// fs path "a/b.js".
type FSSource struct {
	FS fs.FS
}

// NewFSSource wraps fsys.
func NewFSSource(fsys fs.FS) *FSSource {
	return &FSSource{FS: fsys}
}

func (s *FSSource) ReadSource(p string) ([]byte, error) {
	return fs.ReadFile(s.FS, fsPath(p))
}

func (s *FSSource) HasSource(p string) bool {
	info, err := fs.Stat(s.FS, fsPath(p))
	return err == nil && !info.IsDir()
}

func fsPath(p string) string {
	p = strings.TrimPrefix(string(Canonical(p)), "/")
	if p == "" {
		return "."
	}
	return p
}

// MapSource serves modules from memory. Keys are identity paths such as
// "/app/main.js".
type MapSource map[string]string

func (m MapSource) ReadSource(p string) ([]byte, error) {
	src, ok := m[string(Canonical(p))]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: p, Err: fs.ErrNotExist}
	}
	return []byte(src), nil
}

func (m MapSource) HasSource(p string) bool {
	_, ok := m[string(Canonical(p))]
	return ok
}

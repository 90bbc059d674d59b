package hostfunc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

var (
	ErrPermission = errors.New("permission denied")
	ErrNotFound   = errors.New("not found")
	ErrTooLarge   = errors.New("file too large")
)

// DefaultMaxFileSize bounds reads and writes through FS.
const DefaultMaxFileSize = 10 << 20

// MountMode defines the permission level for a mount point.
type MountMode int

const (
	// MountReadOnly allows only read operations. Module sources are
	// normally mounted this way.
	MountReadOnly MountMode = iota
	// MountReadWrite allows writing existing files.
	MountReadWrite
	// MountReadWriteCreate also allows creating files and directories.
	MountReadWriteCreate
)

func (m MountMode) String() string {
	switch m {
	case MountReadOnly:
		return "ro"
	case MountReadWrite:
		return "rw"
	case MountReadWriteCreate:
		return "rwc"
	default:
		return "unknown"
	}
}

// ParseMountMode accepts "ro", "rw" and "rwc".
func ParseMountMode(s string) (MountMode, error) {
	switch s {
	case "", "ro":
		return MountReadOnly, nil
	case "rw":
		return MountReadWrite, nil
	case "rwc":
		return MountReadWriteCreate, nil
	default:
		return 0, fmt.Errorf("invalid mount mode %q", s)
	}
}

// Mount maps a virtual path seen by scripts to a host directory.
type Mount struct {
	VirtualPath string
	HostPath    string
	Mode        MountMode
}

// FS exposes host directories to scripts through mounts. It is both the
// module source for a session (module identities are virtual paths) and a
// set of host functions registered as fs_read, fs_write and so on.
type FS struct {
	mounts      []Mount
	maxFileSize int64
}

type FSOption func(*FS)

func WithMaxFileSize(size int64) FSOption {
	return func(f *FS) {
		if size > 0 {
			f.maxFileSize = size
		}
	}
}

// NewFS creates an FS. Mounts whose host path cannot be made absolute are
// skipped. Longer virtual paths take precedence over shorter ones.
func NewFS(mounts []Mount, opts ...FSOption) *FS {
	f := &FS{maxFileSize: DefaultMaxFileSize}
	for _, opt := range opts {
		opt(f)
	}

	for _, m := range mounts {
		hp, err := filepath.Abs(m.HostPath)
		if err != nil {
			continue
		}
		f.mounts = append(f.mounts, Mount{
			VirtualPath: cleanVirtual(m.VirtualPath),
			HostPath:    hp,
			Mode:        m.Mode,
		})
	}
	sort.SliceStable(f.mounts, func(i, j int) bool {
		return len(f.mounts[i].VirtualPath) > len(f.mounts[j].VirtualPath)
	})
	return f
}

// Mounts returns the normalized mounts.
func (f *FS) Mounts() []Mount {
	out := make([]Mount, len(f.mounts))
	copy(out, f.mounts)
	return out
}

// Register adds the FS host functions to r. Write operations are only
// registered if at least one mount allows them.
func (f *FS) Register(r *Registry) {
	r.Register("fs_read", f.Read)
	r.Register("fs_exists", f.Exists)
	r.Register("fs_list", f.List)
	r.Register("fs_stat", f.Stat)
	for _, m := range f.mounts {
		if m.Mode != MountReadOnly {
			r.Register("fs_write", f.Write)
			r.Register("fs_mkdir", f.Mkdir)
			r.Register("fs_remove", f.Remove)
			return
		}
	}
}

// ReadSource reads a module source by virtual path.
func (f *FS) ReadSource(p string) ([]byte, error) {
	hostPath, _, err := f.resolve(p)
	if err != nil {
		return nil, err
	}
	return f.readFile(hostPath, p)
}

// HasSource reports whether p names a regular file inside a mount.
func (f *FS) HasSource(p string) bool {
	hostPath, _, err := f.resolve(p)
	if err != nil {
		return false
	}
	info, err := os.Stat(hostPath)
	return err == nil && info.Mode().IsRegular()
}

func (f *FS) Read(ctx context.Context, args map[string]any) (any, error) {
	p, err := stringArg(args, "path")
	if err != nil {
		return nil, err
	}
	hostPath, _, err := f.resolve(p)
	if err != nil {
		return nil, err
	}
	data, err := f.readFile(hostPath, p)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (f *FS) Write(ctx context.Context, args map[string]any) (any, error) {
	p, err := stringArg(args, "path")
	if err != nil {
		return nil, err
	}
	content, err := stringArg(args, "content")
	if err != nil {
		return nil, err
	}
	if int64(len(content)) > f.maxFileSize {
		return nil, fmt.Errorf("%w: %s", ErrTooLarge, p)
	}

	hostPath, m, err := f.resolve(p)
	if err != nil {
		return nil, err
	}
	if m.Mode == MountReadOnly {
		return nil, fmt.Errorf("%w: read-only mount %s", ErrPermission, m.VirtualPath)
	}
	if _, statErr := os.Stat(hostPath); errors.Is(statErr, fs.ErrNotExist) && m.Mode != MountReadWriteCreate {
		return nil, fmt.Errorf("%w: cannot create %s", ErrPermission, p)
	}

	if err := os.WriteFile(hostPath, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", p, err)
	}
	return "ok", nil
}

func (f *FS) List(ctx context.Context, args map[string]any) (any, error) {
	p, err := stringArg(args, "path")
	if err != nil {
		return nil, err
	}
	hostPath, _, err := f.resolve(p)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(hostPath)
	if err != nil {
		return nil, notFound(p, err)
	}

	result := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		item := map[string]any{
			"name":   entry.Name(),
			"is_dir": entry.IsDir(),
		}
		if info, err := entry.Info(); err == nil {
			item["size"] = info.Size()
		}
		result = append(result, item)
	}
	return result, nil
}

// Exists reports false, not an error, for paths outside every mount.
func (f *FS) Exists(ctx context.Context, args map[string]any) (any, error) {
	p, err := stringArg(args, "path")
	if err != nil {
		return nil, err
	}
	hostPath, _, err := f.resolve(p)
	if err != nil {
		return false, nil
	}
	_, err = os.Stat(hostPath)
	return err == nil, nil
}

func (f *FS) Mkdir(ctx context.Context, args map[string]any) (any, error) {
	p, err := stringArg(args, "path")
	if err != nil {
		return nil, err
	}
	hostPath, m, err := f.resolve(p)
	if err != nil {
		return nil, err
	}
	if m.Mode != MountReadWriteCreate {
		return nil, fmt.Errorf("%w: cannot create directories in %s", ErrPermission, m.VirtualPath)
	}
	if err := os.MkdirAll(hostPath, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", p, err)
	}
	return "ok", nil
}

func (f *FS) Remove(ctx context.Context, args map[string]any) (any, error) {
	p, err := stringArg(args, "path")
	if err != nil {
		return nil, err
	}
	hostPath, m, err := f.resolve(p)
	if err != nil {
		return nil, err
	}
	if m.Mode == MountReadOnly {
		return nil, fmt.Errorf("%w: read-only mount %s", ErrPermission, m.VirtualPath)
	}
	if hostPath == m.HostPath {
		return nil, fmt.Errorf("%w: cannot remove mount root %s", ErrPermission, m.VirtualPath)
	}
	if err := os.Remove(hostPath); err != nil {
		return nil, notFound(p, err)
	}
	return "ok", nil
}

func (f *FS) Stat(ctx context.Context, args map[string]any) (any, error) {
	p, err := stringArg(args, "path")
	if err != nil {
		return nil, err
	}
	hostPath, _, err := f.resolve(p)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(hostPath)
	if err != nil {
		return nil, notFound(p, err)
	}
	return map[string]any{
		"name":     info.Name(),
		"size":     info.Size(),
		"is_dir":   info.IsDir(),
		"mod_time": info.ModTime().Unix(),
	}, nil
}

// resolve maps a virtual path to a host path inside its mount.
func (f *FS) resolve(virtualPath string) (string, Mount, error) {
	vp := cleanVirtual(virtualPath)
	for _, m := range f.mounts {
		if vp != m.VirtualPath && m.VirtualPath != "/" && !strings.HasPrefix(vp, m.VirtualPath+"/") {
			continue
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(vp, m.VirtualPath), "/")
		hostPath := filepath.Join(m.HostPath, filepath.FromSlash(rel))

		within, err := filepath.Rel(m.HostPath, hostPath)
		if err != nil || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) {
			return "", Mount{}, fmt.Errorf("%w: path escapes mount %s", ErrPermission, m.VirtualPath)
		}
		return hostPath, m, nil
	}
	return "", Mount{}, fmt.Errorf("%w: %s is not in any mount", ErrPermission, vp)
}

func (f *FS) readFile(hostPath, virtualPath string) ([]byte, error) {
	file, err := os.Open(hostPath)
	if err != nil {
		return nil, notFound(virtualPath, err)
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, f.maxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", virtualPath, err)
	}
	if int64(len(data)) > f.maxFileSize {
		return nil, fmt.Errorf("%w: %s", ErrTooLarge, virtualPath)
	}
	return data, nil
}

func notFound(virtualPath string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, virtualPath)
	}
	return fmt.Errorf("%s: %w", virtualPath, err)
}

func cleanVirtual(p string) string {
	return path.Clean("/" + strings.TrimPrefix(filepath.ToSlash(p), "/"))
}

// Package fstools implements the path-confined filesystem operations that
// agent tools perform on behalf of a session.
package fstools

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultMaxSize caps file reads and writes.
const DefaultMaxSize = 1 << 20

var (
	ErrOutsideRoot = errors.New("path escapes the workspace root")
	ErrTooLarge    = errors.New("file exceeds maximum size")
)

// Entry is one directory listing row.
type Entry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size"`
}

// Root confines file access to one directory tree. Symlinks that point
// outside the tree are refused by the underlying os.Root.
type Root struct {
	dir     string
	maxSize int
}

// NewRoot returns a Root for dir, which must exist.
func NewRoot(dir string) (*Root, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve root %q: %w", dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %q is not a directory", abs)
	}
	return &Root{dir: abs, maxSize: DefaultMaxSize}, nil
}

// Dir returns the absolute root directory.
func (r *Root) Dir() string { return r.dir }

// rel maps p, absolute or relative to the root, to a root-relative path.
func (r *Root) rel(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("file path is required")
	}
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("file path contains null byte")
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(r.dir, p)
	}
	rel, err := filepath.Rel(r.dir, filepath.Clean(p))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, p)
	}
	return rel, nil
}

func (r *Root) open() (*os.Root, error) {
	root, err := os.OpenRoot(r.dir)
	if err != nil {
		return nil, fmt.Errorf("open root: %w", err)
	}
	return root, nil
}

// ReadFile returns the text of p. line (1-based) and limit select a window
// of lines when non-nil.
func (r *Root) ReadFile(p string, line, limit *int) (string, error) {
	rel, err := r.rel(p)
	if err != nil {
		return "", err
	}
	root, err := r.open()
	if err != nil {
		return "", err
	}
	defer root.Close()

	f, err := root.Open(rel)
	if err != nil {
		return "", confine(err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, int64(r.maxSize)+1))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", rel, err)
	}
	if len(data) > r.maxSize {
		return "", fmt.Errorf("%w: %s (%d bytes max)", ErrTooLarge, rel, r.maxSize)
	}
	return ApplyLineLimit(string(data), line, limit), nil
}

// WriteFile replaces p with content, creating parent directories.
func (r *Root) WriteFile(p, content string) error {
	if len(content) > r.maxSize {
		return fmt.Errorf("%w: %d bytes max", ErrTooLarge, r.maxSize)
	}
	rel, err := r.rel(p)
	if err != nil {
		return err
	}
	if rel == "." {
		return fmt.Errorf("cannot write to the root directory")
	}
	root, err := r.open()
	if err != nil {
		return err
	}
	defer root.Close()

	if err := mkdirAll(root, filepath.Dir(rel)); err != nil {
		return err
	}
	f, err := root.OpenFile(rel, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return confine(err)
	}
	if _, err := io.WriteString(f, content); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", rel, err)
	}
	return f.Close()
}

func mkdirAll(root *os.Root, dir string) error {
	if dir == "." || dir == "" {
		return nil
	}
	if err := mkdirAll(root, filepath.Dir(dir)); err != nil {
		return err
	}
	if err := root.Mkdir(dir, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
		return confine(err)
	}
	return nil
}

// List returns the entries of directory p sorted by name.
func (r *Root) List(p string) ([]Entry, error) {
	if p == "" {
		p = "."
	}
	rel, err := r.rel(p)
	if err != nil {
		return nil, err
	}
	root, err := r.open()
	if err != nil {
		return nil, err
	}
	defer root.Close()

	d, err := root.Open(rel)
	if err != nil {
		return nil, confine(err)
	}
	defer d.Close()

	infos, err := d.Readdir(-1)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", rel, err)
	}
	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, Entry{Name: info.Name(), IsDir: info.IsDir(), Size: info.Size()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// confine reports os.Root escape refusals as ErrOutsideRoot.
func confine(err error) error {
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) && strings.Contains(pathErr.Err.Error(), "escapes") {
		return fmt.Errorf("%w: %s", ErrOutsideRoot, pathErr.Path)
	}
	return err
}

// ApplyLineLimit returns the window of content starting at 1-based line and
// spanning limit lines. Nil arguments mean the start and the rest of the file.
func ApplyLineLimit(content string, line, limit *int) string {
	if line == nil && limit == nil {
		return content
	}
	lines := strings.SplitAfter(content, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	start := 0
	if line != nil && *line > 1 {
		start = *line - 1
	}
	if start >= len(lines) {
		return ""
	}
	end := len(lines)
	if limit != nil && *limit >= 0 && start+*limit < end {
		end = start + *limit
	}
	return strings.Join(lines[start:end], "")
}

package remotetest

import (
	"bytes"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// Files is an in-memory remote file tree shared by the file channels of
// fake transports.
type Files struct {
	mu     sync.Mutex
	nodes  map[string]*node
	denied map[string]bool
}

type node struct {
	dir  bool
	data []byte
	mod  time.Time
}

// NewFiles creates a tree containing only "/".
func NewFiles() *Files {
	return &Files{
		nodes:  map[string]*node{"/": {dir: true, mod: time.Now()}},
		denied: make(map[string]bool),
	}
}

// WriteFile creates a file and its parent directories.
func (f *Files) WriteFile(p, data string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = path.Clean(p)
	for dir := path.Dir(p); dir != "/"; dir = path.Dir(dir) {
		if _, ok := f.nodes[dir]; !ok {
			f.nodes[dir] = &node{dir: true, mod: time.Now()}
		}
	}
	f.nodes[p] = &node{data: []byte(data), mod: time.Now()}
}

// ReadFile returns the content of a file and whether it exists.
func (f *Files) ReadFile(p string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[path.Clean(p)]
	if !ok || n.dir {
		return "", false
	}
	return string(n.data), true
}

// Deny makes every access to p fail with a permission error.
func (f *Files) Deny(p string) {
	f.mu.Lock()
	f.denied[path.Clean(p)] = true
	f.mu.Unlock()
}

func (f *Files) session() *FileSession {
	return &FileSession{files: f}
}

func (f *Files) check(op, p string) (string, error) {
	p = path.Clean(p)
	if f.denied[p] {
		return p, &fs.PathError{Op: op, Path: p, Err: fs.ErrPermission}
	}
	return p, nil
}

// FileSession is one open file channel.
type FileSession struct {
	files *Files

	mu     sync.Mutex
	closed bool
}

func (s *FileSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *FileSession) Stat(p string) (os.FileInfo, error) {
	f := s.files
	f.mu.Lock()
	defer f.mu.Unlock()
	p, err := f.check("stat", p)
	if err != nil {
		return nil, err
	}
	n, ok := f.nodes[p]
	if !ok {
		return nil, &fs.PathError{Op: "stat", Path: p, Err: fs.ErrNotExist}
	}
	return info{name: path.Base(p), n: n}, nil
}

func (s *FileSession) ReadDir(p string) ([]os.FileInfo, error) {
	f := s.files
	f.mu.Lock()
	defer f.mu.Unlock()
	p, err := f.check("readdir", p)
	if err != nil {
		return nil, err
	}
	n, ok := f.nodes[p]
	if !ok || !n.dir {
		return nil, &fs.PathError{Op: "readdir", Path: p, Err: fs.ErrNotExist}
	}
	var out []os.FileInfo
	for name, child := range f.nodes {
		if name != p && path.Dir(name) == p {
			out = append(out, info{name: path.Base(name), n: child})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

func (s *FileSession) Open(p string) (io.ReadCloser, error) {
	f := s.files
	f.mu.Lock()
	defer f.mu.Unlock()
	p, err := f.check("open", p)
	if err != nil {
		return nil, err
	}
	n, ok := f.nodes[p]
	if !ok || n.dir {
		return nil, &fs.PathError{Op: "open", Path: p, Err: fs.ErrNotExist}
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), n.data...))), nil
}

func (s *FileSession) Create(p string) (io.WriteCloser, error) {
	f := s.files
	f.mu.Lock()
	defer f.mu.Unlock()
	p, err := f.check("create", p)
	if err != nil {
		return nil, err
	}
	if parent, ok := f.nodes[path.Dir(p)]; !ok || !parent.dir {
		return nil, &fs.PathError{Op: "create", Path: p, Err: fs.ErrNotExist}
	}
	return &writer{files: f, path: p}, nil
}

func (s *FileSession) Remove(p string) error {
	f := s.files
	f.mu.Lock()
	defer f.mu.Unlock()
	p, err := f.check("remove", p)
	if err != nil {
		return err
	}
	n, ok := f.nodes[p]
	if !ok || n.dir {
		return &fs.PathError{Op: "remove", Path: p, Err: fs.ErrNotExist}
	}
	delete(f.nodes, p)
	return nil
}

func (s *FileSession) RemoveDirectory(p string) error {
	f := s.files
	f.mu.Lock()
	defer f.mu.Unlock()
	p, err := f.check("rmdir", p)
	if err != nil {
		return err
	}
	n, ok := f.nodes[p]
	if !ok || !n.dir {
		return &fs.PathError{Op: "rmdir", Path: p, Err: fs.ErrNotExist}
	}
	for name := range f.nodes {
		if name != p && strings.HasPrefix(name, p+"/") {
			return &fs.PathError{Op: "rmdir", Path: p, Err: fs.ErrExist}
		}
	}
	delete(f.nodes, p)
	return nil
}

func (s *FileSession) Rename(oldpath, newpath string) error {
	f := s.files
	f.mu.Lock()
	defer f.mu.Unlock()
	oldpath, err := f.check("rename", oldpath)
	if err != nil {
		return err
	}
	newpath, err = f.check("rename", newpath)
	if err != nil {
		return err
	}
	n, ok := f.nodes[oldpath]
	if !ok {
		return &fs.PathError{Op: "rename", Path: oldpath, Err: fs.ErrNotExist}
	}
	delete(f.nodes, oldpath)
	f.nodes[newpath] = n
	return nil
}

func (s *FileSession) Mkdir(p string) error {
	f := s.files
	f.mu.Lock()
	defer f.mu.Unlock()
	p, err := f.check("mkdir", p)
	if err != nil {
		return err
	}
	if _, ok := f.nodes[p]; ok {
		return &fs.PathError{Op: "mkdir", Path: p, Err: fs.ErrExist}
	}
	if parent, ok := f.nodes[path.Dir(p)]; !ok || !parent.dir {
		return &fs.PathError{Op: "mkdir", Path: p, Err: fs.ErrNotExist}
	}
	f.nodes[p] = &node{dir: true, mod: time.Now()}
	return nil
}

func (s *FileSession) Getwd() (string, error) {
	if s.isClosed() {
		return "", ErrBroken
	}
	return "/", nil
}

func (s *FileSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

type writer struct {
	files *Files
	path  string
	buf   bytes.Buffer
}

func (w *writer) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *writer) Close() error {
	w.files.mu.Lock()
	w.files.nodes[w.path] = &node{data: w.buf.Bytes(), mod: time.Now()}
	w.files.mu.Unlock()
	return nil
}

type info struct {
	name string
	n    *node
}

func (i info) Name() string       { return i.name }
func (i info) Size() int64        { return int64(len(i.n.data)) }
func (i info) ModTime() time.Time { return i.n.mod }
func (i info) IsDir() bool        { return i.n.dir }
func (i info) Sys() any           { return nil }

func (i info) Mode() fs.FileMode {
	if i.n.dir {
		return fs.ModeDir | 0o755
	}
	return 0o644
}

package sysfs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
)

// MockAccess is an in-memory Access. Every mutating or hardware touching call is
// appended to Calls so tests can assert on ordering.
type MockAccess struct {
	mu sync.Mutex

	Root   bool
	Files  map[string]string
	Dirs   map[string]bool
	Links  map[string]string
	Config map[string]*MockConfigSpace

	// Errors injects a failure for "<op> <path>", e.g. "write /sys/bus/pci/devices/0000:03:00.0/reset".
	Errors map[string]error

	// OnWrite runs after a successful Write, letting tests emulate kernel side effects.
	OnWrite func(m *MockAccess, path, value string)

	Calls []string
}

var _ Access = (*MockAccess)(nil)

func NewMockAccess() *MockAccess {
	return &MockAccess{
		Root:   true,
		Files:  map[string]string{},
		Dirs:   map[string]bool{"/": true},
		Links:  map[string]string{},
		Config: map[string]*MockConfigSpace{},
		Errors: map[string]error{},
	}
}

// AddFile registers a file and all of its parent directories.
func (m *MockAccess) AddFile(path, contents string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Files[path] = contents
	m.addDirLocked(filepath.Dir(path))
}

func (m *MockAccess) AddDir(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addDirLocked(path)
}

// AddLink registers a symlink resolved by RealPath and followed by Exists.
func (m *MockAccess) AddLink(path, target string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Links[path] = target
	m.addDirLocked(filepath.Dir(path))
}

func (m *MockAccess) RemoveLink(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Links, path)
}

func (m *MockAccess) AddConfigSpace(path string) *MockConfigSpace {
	m.mu.Lock()
	defer m.mu.Unlock()
	space := &MockConfigSpace{owner: m, path: path}
	m.Config[path] = space
	m.Files[path] = ""
	m.addDirLocked(filepath.Dir(path))
	return space
}

func (m *MockAccess) addDirLocked(path string) {
	for path != "/" && path != "." && path != "" {
		m.Dirs[path] = true
		path = filepath.Dir(path)
	}
}

// CallLog returns a copy of the recorded calls.
func (m *MockAccess) CallLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Calls...)
}

func (m *MockAccess) record(op, path, value string) {
	if value == "" {
		m.Calls = append(m.Calls, fmt.Sprintf("%s %s", op, path))
		return
	}
	m.Calls = append(m.Calls, fmt.Sprintf("%s %s %s", op, path, value))
}

func (m *MockAccess) injected(op, path string) error {
	if err, ok := m.Errors[op+" "+path]; ok {
		return &os.PathError{Op: op, Path: path, Err: err}
	}
	return nil
}

func (m *MockAccess) resolveLocked(path string) string {
	// resolve symlinked path prefixes, bounded to avoid loops
	for i := 0; i < 16; i++ {
		resolved := false
		prefix := path
		for prefix != "/" && prefix != "." {
			if target, ok := m.Links[prefix]; ok {
				if !filepath.IsAbs(target) {
					target = filepath.Join(filepath.Dir(prefix), target)
				}
				path = filepath.Join(target, strings.TrimPrefix(path, prefix))
				resolved = true
				break
			}
			prefix = filepath.Dir(prefix)
		}
		if !resolved {
			return path
		}
	}
	return path
}

func (m *MockAccess) Read(path string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("read", path); err != nil {
		return "", err
	}
	contents, ok := m.Files[m.resolveLocked(path)]
	if !ok {
		return "", &os.PathError{Op: "read", Path: path, Err: syscall.ENOENT}
	}
	return strings.TrimSpace(contents), nil
}

func (m *MockAccess) Write(path, value string) error {
	m.mu.Lock()
	m.record("write", path, value)
	if err := m.injected("write", path); err != nil {
		m.mu.Unlock()
		return err
	}
	resolved := m.resolveLocked(path)
	if _, ok := m.Files[resolved]; !ok {
		m.mu.Unlock()
		return &os.PathError{Op: "write", Path: path, Err: syscall.ENOENT}
	}
	m.Files[resolved] = value
	hook := m.OnWrite
	m.mu.Unlock()

	if hook != nil {
		hook(m, path, value)
	}
	return nil
}

func (m *MockAccess) ListDirectory(path string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("list", path); err != nil {
		return nil, err
	}
	dir := m.resolveLocked(path)
	if !m.Dirs[dir] {
		return nil, &os.PathError{Op: "open", Path: path, Err: syscall.ENOENT}
	}

	seen := map[string]bool{}
	collect := func(candidate string) {
		if filepath.Dir(candidate) == dir {
			seen[filepath.Base(candidate)] = true
		}
	}
	for p := range m.Files {
		collect(p)
	}
	for p := range m.Dirs {
		collect(p)
	}
	for p := range m.Links {
		collect(p)
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MockAccess) RealPath(path string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("realpath", path); err != nil {
		return "", err
	}
	resolved := m.resolveLocked(path)
	if !m.existsLocked(resolved) {
		return "", &os.PathError{Op: "lstat", Path: path, Err: syscall.ENOENT}
	}
	return resolved, nil
}

func (m *MockAccess) ScanDirEntries(pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, err
	}

	var matches []string
	seen := map[string]bool{}
	match := func(p string) {
		if ok, _ := filepath.Match(pattern, p); ok && !seen[p] {
			seen[p] = true
			matches = append(matches, p)
		}
	}
	for p := range m.Files {
		match(p)
	}
	for p := range m.Dirs {
		match(p)
	}
	for p := range m.Links {
		match(p)
	}
	sort.Strings(matches)
	return matches, nil
}

func (m *MockAccess) existsLocked(resolved string) bool {
	if _, ok := m.Files[resolved]; ok {
		return true
	}
	return m.Dirs[resolved]
}

func (m *MockAccess) Exists(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.existsLocked(m.resolveLocked(path))
}

func (m *MockAccess) BindDevice(driverDir, bdf string) error {
	return m.Write(filepath.Join(driverDir, bindFile), bdf)
}

func (m *MockAccess) UnbindDevice(driverDir, bdf string) error {
	return m.Write(filepath.Join(driverDir, unbindFile), bdf)
}

func (m *MockAccess) IsRootUser() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Root
}

func (m *MockAccess) OpenConfigSpace(path string) (ConfigSpace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("open", path, "")
	if err := m.injected("open", path); err != nil {
		return nil, err
	}
	space, ok := m.Config[m.resolveLocked(path)]
	if !ok {
		return nil, &os.PathError{Op: "open", Path: path, Err: syscall.ENOENT}
	}
	return space, nil
}

// MockConfigSpace is a 4KiB extended configuration space backed by memory.
type MockConfigSpace struct {
	owner *MockAccess
	path  string

	Registers [4096]byte
	// FailWriteAt injects a pwrite failure at the given offset.
	FailWriteAt map[int64]error
	// FailWrite, when set, fails a pwrite whenever it returns an error.
	FailWrite func(offset int64, value byte) error
	Writes    []MockRegisterWrite
	Closed    bool
}

type MockRegisterWrite struct {
	Offset int64
	Value  byte
}

func (c *MockConfigSpace) ReadByteAt(offset int64) (byte, error) {
	c.owner.mu.Lock()
	defer c.owner.mu.Unlock()
	if offset < 0 || offset >= int64(len(c.Registers)) {
		return 0, &os.PathError{Op: "pread", Path: c.path, Err: syscall.EINVAL}
	}
	return c.Registers[offset], nil
}

func (c *MockConfigSpace) WriteByteAt(offset int64, value byte) error {
	c.owner.mu.Lock()
	defer c.owner.mu.Unlock()
	c.owner.record("pwrite", fmt.Sprintf("%s@0x%02x", c.path, offset), fmt.Sprintf("0x%02x", value))
	if err, ok := c.FailWriteAt[offset]; ok {
		return &os.PathError{Op: "pwrite", Path: c.path, Err: err}
	}
	if c.FailWrite != nil {
		if err := c.FailWrite(offset, value); err != nil {
			return &os.PathError{Op: "pwrite", Path: c.path, Err: err}
		}
	}
	if offset < 0 || offset >= int64(len(c.Registers)) {
		return &os.PathError{Op: "pwrite", Path: c.path, Err: syscall.EINVAL}
	}
	c.Registers[offset] = value
	c.Writes = append(c.Writes, MockRegisterWrite{Offset: offset, Value: value})
	return nil
}

func (c *MockConfigSpace) Close() error {
	c.owner.mu.Lock()
	defer c.owner.mu.Unlock()
	c.owner.record("close", c.path, "")
	c.Closed = true
	return nil
}

// OpenFile opens a mock file for reading. Opening and closing are recorded in Calls.
func (m *MockAccess) OpenFile(path string) (*MockFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("open", path, "")
	if err := m.injected("open", path); err != nil {
		return nil, err
	}
	resolved := m.resolveLocked(path)
	if _, ok := m.Files[resolved]; !ok {
		return nil, &os.PathError{Op: "open", Path: path, Err: syscall.ENOENT}
	}
	return &MockFile{owner: m, path: path, resolved: resolved}, nil
}

// MockFile reads the current contents of a MockAccess file.
type MockFile struct {
	owner    *MockAccess
	path     string
	resolved string
	Closed   bool
}

func (f *MockFile) ReadAt(p []byte, off int64) (int, error) {
	f.owner.mu.Lock()
	defer f.owner.mu.Unlock()
	if f.Closed {
		return 0, os.ErrClosed
	}
	contents := f.owner.Files[f.resolved]
	if off >= int64(len(contents)) {
		return 0, io.EOF
	}
	n := copy(p, contents[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *MockFile) Close() error {
	f.owner.mu.Lock()
	defer f.owner.mu.Unlock()
	f.owner.record("close", f.path, "")
	f.Closed = true
	return nil
}

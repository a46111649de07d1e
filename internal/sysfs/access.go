package sysfs

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	bindFile   = "bind"
	unbindFile = "unbind"
)

// Access is the path based view of sysfs-like control files used by the reset path.
// Implementations keep the *os.PathError / syscall.Errno chain on failure.
type Access interface {
	Read(path string) (string, error)
	Write(path, value string) error
	ListDirectory(path string) ([]string, error)
	RealPath(path string) (string, error)
	ScanDirEntries(pattern string) ([]string, error)
	Exists(path string) bool
	BindDevice(driverDir, bdf string) error
	UnbindDevice(driverDir, bdf string) error
	IsRootUser() bool
	OpenConfigSpace(path string) (ConfigSpace, error)
}

// ConfigSpace is byte level access to a PCI function's configuration space.
type ConfigSpace interface {
	ReadByteAt(offset int64) (byte, error)
	WriteByteAt(offset int64, value byte) error
	Close() error
}

var _ Access = (*access)(nil)

type access struct{}

// NewAccess returns the host implementation.
func NewAccess() Access {
	return &access{}
}

func (a *access) Read(path string) (string, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(contents)), nil
}

func (a *access) Write(path, value string) error {
	// sysfs attributes must be written with a single write(2) and never truncated or created.
	file, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}

	_, writeErr := file.WriteString(value)
	closeErr := file.Close()
	if writeErr != nil {
		return writeErr
	}
	return closeErr
}

func (a *access) ListDirectory(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names, nil
}

func (a *access) RealPath(path string) (string, error) {
	return filepath.EvalSymlinks(path)
}

func (a *access) ScanDirEntries(pattern string) ([]string, error) {
	return filepath.Glob(pattern)
}

func (a *access) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (a *access) BindDevice(driverDir, bdf string) error {
	return a.Write(filepath.Join(driverDir, bindFile), bdf)
}

func (a *access) UnbindDevice(driverDir, bdf string) error {
	return a.Write(filepath.Join(driverDir, unbindFile), bdf)
}

package sysfs

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

func (a *access) IsRootUser() bool {
	return unix.Geteuid() == 0
}

func (a *access) OpenConfigSpace(path string) (ConfigSpace, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}
	return &configSpace{fd: fd, path: path}, nil
}

type configSpace struct {
	fd   int
	path string
}

func (c *configSpace) ReadByteAt(offset int64) (byte, error) {
	buf := make([]byte, 1)
	n, err := unix.Pread(c.fd, buf, offset)
	if err != nil {
		return 0, &os.PathError{Op: "pread", Path: c.path, Err: err}
	}
	if n != 1 {
		return 0, &os.PathError{Op: "pread", Path: c.path, Err: io.ErrUnexpectedEOF}
	}
	return buf[0], nil
}

func (c *configSpace) WriteByteAt(offset int64, value byte) error {
	n, err := unix.Pwrite(c.fd, []byte{value}, offset)
	if err != nil {
		return &os.PathError{Op: "pwrite", Path: c.path, Err: err}
	}
	if n != 1 {
		return &os.PathError{Op: "pwrite", Path: c.path, Err: io.ErrShortWrite}
	}
	return nil
}

func (c *configSpace) Close() error {
	return unix.Close(c.fd)
}

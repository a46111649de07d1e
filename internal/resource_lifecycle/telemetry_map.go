package resource_lifecycle

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// mappedHandle is a read-only shared mapping of a telemetry register file.
type mappedHandle struct {
	file *os.File
	data []byte
}

func mapFile(path string) (Handle, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	// some attributes report a zero size, those are read through the descriptor
	if info.Size() == 0 {
		return &mappedHandle{file: file}, nil
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		_ = file.Close()
		return nil, &os.PathError{Op: "mmap", Path: path, Err: err}
	}

	return &mappedHandle{file: file, data: data}, nil
}

func (m *mappedHandle) ReadAt(p []byte, off int64) (int, error) {
	if m.data == nil {
		return m.file.ReadAt(p, off)
	}
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *mappedHandle) Close() error {
	var unmapErr error
	if m.data != nil {
		unmapErr = unix.Munmap(m.data)
		m.data = nil
	}
	closeErr := m.file.Close()
	if unmapErr != nil {
		return unmapErr
	}
	return closeErr
}

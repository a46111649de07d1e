package process_scanner

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

const zombieState = "Z"

// Procfs is the process view the scanner works against.
type Procfs interface {
	ListProcesses() ([]int, error)
	FileDescriptors(pid int) ([]int, error)
	// FileName resolves an open descriptor to the path it refers to.
	FileName(pid, fd int) (string, error)
	FDInfo(pid, fd int) (string, error)
	Kill(pid int) error
	IsAlive(pid int) bool
	// CloseFd closes a descriptor of the calling process.
	CloseFd(fd int) error
	MyPid() int
}

type hostProcfs struct {
	root string
	fs   procfs.FS
}

var _ Procfs = (*hostProcfs)(nil)

func NewProcfs(root string) (Procfs, error) {
	fs, err := procfs.NewFS(root)
	if err != nil {
		return nil, err
	}

	return &hostProcfs{root: root, fs: fs}, nil
}

func (p *hostProcfs) ListProcesses() ([]int, error) {
	procs, err := p.fs.AllProcs()
	if err != nil {
		return nil, err
	}

	pids := make([]int, 0, len(procs))
	for _, proc := range procs {
		pids = append(pids, proc.PID)
	}
	return pids, nil
}

func (p *hostProcfs) FileDescriptors(pid int) ([]int, error) {
	proc, err := p.fs.Proc(pid)
	if err != nil {
		return nil, err
	}

	raw, err := proc.FileDescriptors()
	if err != nil {
		return nil, err
	}

	fds := make([]int, 0, len(raw))
	for _, fd := range raw {
		fds = append(fds, int(fd))
	}
	return fds, nil
}

func (p *hostProcfs) FileName(pid, fd int) (string, error) {
	return os.Readlink(filepath.Join(p.root, strconv.Itoa(pid), "fd", strconv.Itoa(fd)))
}

func (p *hostProcfs) FDInfo(pid, fd int) (string, error) {
	contents, err := os.ReadFile(filepath.Join(p.root, strconv.Itoa(pid), "fdinfo", strconv.Itoa(fd)))
	if err != nil {
		return "", err
	}
	return string(contents), nil
}

func (p *hostProcfs) Kill(pid int) error {
	return unix.Kill(pid, unix.SIGKILL)
}

func (p *hostProcfs) IsAlive(pid int) bool {
	proc, err := p.fs.Proc(pid)
	if err != nil {
		return false
	}

	stat, err := proc.Stat()
	if err != nil {
		return false
	}
	return stat.State != zombieState
}

func (p *hostProcfs) CloseFd(fd int) error {
	return unix.Close(fd)
}

func (p *hostProcfs) MyPid() int {
	return os.Getpid()
}

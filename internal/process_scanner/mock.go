package process_scanner

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"syscall"
	"time"

	"k8s.io/utils/clock"
)

// MockProcess is a process known to MockProcfs.
type MockProcess struct {
	Fds    map[int]string
	FdInfo map[int]string
	// IgnoreKill keeps the process alive after Kill.
	IgnoreKill bool
	// ExitAt ends the process once the mock clock reaches it. Zero means never.
	ExitAt time.Time

	exited bool
}

// MockProcfs is an in-memory Procfs. Errors are injected by key:
// "list", "fds <pid>", "name <pid> <fd>", "fdinfo <pid> <fd>", "kill <pid>", "close <fd>".
type MockProcfs struct {
	mu sync.Mutex

	Self      int
	Processes map[int]*MockProcess
	Clock     clock.PassiveClock
	Errors    map[string]error
	Calls     []string
}

var _ Procfs = (*MockProcfs)(nil)

func NewMockProcfs(self int, c clock.PassiveClock) *MockProcfs {
	return &MockProcfs{
		Self:      self,
		Processes: map[int]*MockProcess{self: {Fds: map[int]string{}}},
		Clock:     c,
		Errors:    map[string]error{},
	}
}

// AddProcess registers pid holding the given descriptors.
func (m *MockProcfs) AddProcess(pid int, fds map[int]string) *MockProcess {
	m.mu.Lock()
	defer m.mu.Unlock()
	proc := &MockProcess{Fds: fds, FdInfo: map[int]string{}}
	if proc.Fds == nil {
		proc.Fds = map[int]string{}
	}
	m.Processes[pid] = proc
	return proc
}

func (m *MockProcfs) CallLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Calls...)
}

func (m *MockProcfs) injected(key string) error {
	if err, ok := m.Errors[key]; ok {
		return err
	}
	return nil
}

func (m *MockProcfs) aliveLocked(pid int) (*MockProcess, bool) {
	proc, ok := m.Processes[pid]
	if !ok || proc.exited {
		return nil, false
	}
	if !proc.ExitAt.IsZero() && m.Clock != nil && !m.Clock.Now().Before(proc.ExitAt) {
		proc.exited = true
		return nil, false
	}
	return proc, true
}

func (m *MockProcfs) ListProcesses() ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, "list")
	if err := m.injected("list"); err != nil {
		return nil, err
	}

	var pids []int
	for pid := range m.Processes {
		if _, ok := m.aliveLocked(pid); ok {
			pids = append(pids, pid)
		}
	}
	sort.Ints(pids)
	return pids, nil
}

func (m *MockProcfs) FileDescriptors(pid int) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(fmt.Sprintf("fds %d", pid)); err != nil {
		return nil, err
	}
	proc, ok := m.aliveLocked(pid)
	if !ok {
		return nil, &os.PathError{Op: "open", Path: fmt.Sprintf("/proc/%d/fd", pid), Err: syscall.ENOENT}
	}

	fds := make([]int, 0, len(proc.Fds))
	for fd := range proc.Fds {
		fds = append(fds, fd)
	}
	sort.Ints(fds)
	return fds, nil
}

func (m *MockProcfs) FileName(pid, fd int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(fmt.Sprintf("name %d %d", pid, fd)); err != nil {
		return "", err
	}
	proc, ok := m.aliveLocked(pid)
	if !ok {
		return "", syscall.ENOENT
	}
	name, ok := proc.Fds[fd]
	if !ok {
		return "", syscall.ENOENT
	}
	return name, nil
}

func (m *MockProcfs) FDInfo(pid, fd int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(fmt.Sprintf("fdinfo %d %d", pid, fd)); err != nil {
		return "", err
	}
	proc, ok := m.aliveLocked(pid)
	if !ok {
		return "", syscall.ENOENT
	}
	info, ok := proc.FdInfo[fd]
	if !ok {
		return "", syscall.ENOENT
	}
	return info, nil
}

func (m *MockProcfs) Kill(pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, fmt.Sprintf("kill %d", pid))
	if err := m.injected(fmt.Sprintf("kill %d", pid)); err != nil {
		return err
	}
	proc, ok := m.aliveLocked(pid)
	if !ok {
		return syscall.ESRCH
	}
	if !proc.IgnoreKill {
		proc.exited = true
	}
	return nil
}

func (m *MockProcfs) IsAlive(pid int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.aliveLocked(pid)
	return ok
}

func (m *MockProcfs) CloseFd(fd int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, fmt.Sprintf("close %d", fd))
	if err := m.injected(fmt.Sprintf("close %d", fd)); err != nil {
		return err
	}
	if self, ok := m.Processes[m.Self]; ok {
		delete(self.Fds, fd)
	}
	return nil
}

func (m *MockProcfs) MyPid() int {
	return m.Self
}

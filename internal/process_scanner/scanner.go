package process_scanner

import (
	"context"
	"fmt"
	"sort"

	"github.com/furiosa-ai/furiosa-device-reset/internal/device"
	"github.com/furiosa-ai/furiosa-device-reset/internal/outcome"
	"github.com/rs/zerolog"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/sets"
)

// ProcessRecord is a process holding the device open. It is rebuilt on every scan.
type ProcessRecord struct {
	Pid                 int
	OpenFileDescriptors sets.Set[int]
}

type Scanner struct {
	procfs Procfs
}

func NewScanner(procfs Procfs) *Scanner {
	return &Scanner{procfs: procfs}
}

func (s *Scanner) MyPid() int {
	return s.procfs.MyPid()
}

// ListHolders returns every process with a descriptor resolving to one of the
// device nodes, sorted by pid. Only a failure to list processes is fatal; a
// process or descriptor that vanishes during the scan is skipped.
func (s *Scanner) ListHolders(ctx context.Context, d *device.Device) ([]ProcessRecord, error) {
	logger := zerolog.Ctx(ctx)

	pids, err := s.procfs.ListProcesses()
	if err != nil {
		return nil, outcome.New(outcome.IoFailure, "list processes", err)
	}

	nodes := sets.New[string](d.NodePaths...)
	var holders []ProcessRecord
	for _, pid := range pids {
		fds, err := s.procfs.FileDescriptors(pid)
		if err != nil {
			logger.Debug().Err(err).Int("pid", pid).Msg("skipping process")
			continue
		}

		open := sets.New[int]()
		for _, fd := range fds {
			name, err := s.procfs.FileName(pid, fd)
			if err != nil {
				continue
			}
			if nodes.Has(name) {
				open.Insert(fd)
			}
		}

		if open.Len() > 0 {
			holders = append(holders, ProcessRecord{Pid: pid, OpenFileDescriptors: open})
		}
	}

	sort.Slice(holders, func(i, j int) bool { return holders[i].Pid < holders[j].Pid })
	return holders, nil
}

// SplitOwn separates the calling process's record from the others.
func (s *Scanner) SplitOwn(holders []ProcessRecord) (own *ProcessRecord, others []ProcessRecord) {
	self := s.procfs.MyPid()
	for i := range holders {
		if holders[i].Pid == self {
			own = &holders[i]
			continue
		}
		others = append(others, holders[i])
	}
	return own, others
}

// Kill sends SIGKILL. The calling process is never killed.
func (s *Scanner) Kill(pid int) error {
	if pid == s.procfs.MyPid() {
		return outcome.Newf(outcome.InvalidArgument, "kill", "refusing to kill own process %d", pid)
	}
	if err := s.procfs.Kill(pid); err != nil {
		return outcome.New(outcome.IoFailure, fmt.Sprintf("kill %d", pid), err)
	}
	return nil
}

func (s *Scanner) IsAlive(pid int) bool {
	return s.procfs.IsAlive(pid)
}

// CloseOwn closes the calling process's descriptors on the device.
func (s *Scanner) CloseOwn(own *ProcessRecord) error {
	if own == nil {
		return nil
	}

	var errs []error
	for _, fd := range sets.List(own.OpenFileDescriptors) {
		if err := s.procfs.CloseFd(fd); err != nil {
			errs = append(errs, fmt.Errorf("couldn't close fd %d: %w", fd, err))
		}
	}
	if agg := utilerrors.NewAggregate(errs); agg != nil {
		return outcome.New(outcome.IoFailure, "close own descriptors", agg)
	}
	return nil
}

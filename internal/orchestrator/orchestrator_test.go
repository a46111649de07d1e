package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/furiosa-ai/furiosa-device-reset/internal/device"
	"github.com/furiosa-ai/furiosa-device-reset/internal/hw_reset"
	"github.com/furiosa-ai/furiosa-device-reset/internal/observability"
	"github.com/furiosa-ai/furiosa-device-reset/internal/outcome"
	"github.com/furiosa-ai/furiosa-device-reset/internal/process_scanner"
	"github.com/furiosa-ai/furiosa-device-reset/internal/reset_strategy"
	"github.com/furiosa-ai/furiosa-device-reset/internal/resource_lifecycle"
	"github.com/furiosa-ai/furiosa-device-reset/internal/sysfs"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

const (
	testBDF    = "0000:03:00.0"
	busLink    = "/sys/bus/pci/devices/" + testBDF
	rootPort   = "/sys/devices/pci0000:00/0000:00:01.0"
	switchPort = rootPort + "/0000:01:00.0/0000:02:01.0"
	gpuReal    = switchPort + "/" + testBDF
	driverDir  = "/sys/bus/pci/drivers/xe"
	cardNode   = "/dev/dri/card0"
	renderNode = "/dev/dri/renderD128"
	selfPid    = 100

	unbindCall = "write " + driverDir + "/unbind " + testBDF
	bindCall   = "write " + driverDir + "/bind " + testBDF
)

var triggerCalls = map[reset_strategy.Type]string{
	reset_strategy.FunctionLevel: "write " + busLink + "/reset 1",
	reset_strategy.Warm:          "write " + gpuReal + "/remove 1",
	reset_strategy.Cold:          "write /sys/bus/pci/slots/5/power 0",
}

type recordingSubsystem struct {
	domain   resource_lifecycle.Domain
	initDone bool
	initErr  error
	events   *[]string
}

func (r *recordingSubsystem) Domain() resource_lifecycle.Domain { return r.domain }

func (r *recordingSubsystem) Init() error {
	*r.events = append(*r.events, "init "+string(r.domain))
	if r.initErr != nil {
		return r.initErr
	}
	r.initDone = true
	return nil
}

func (r *recordingSubsystem) IsInitDone() bool { return r.initDone }

func (r *recordingSubsystem) ReleaseHandles() {
	*r.events = append(*r.events, "release "+string(r.domain))
	r.initDone = false
}

func (r *recordingSubsystem) Snapshot() (map[string]string, error) { return nil, nil }

type fixture struct {
	access       *sysfs.MockAccess
	procfs       *process_scanner.MockProcfs
	clock        *testingclock.FakeClock
	metrics      *observability.Metrics
	device       *device.Device
	subsystems   map[resource_lifecycle.Domain]*recordingSubsystem
	events       []string
	orchestrator *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		access:     sysfs.NewMockAccess(),
		clock:      testingclock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		metrics:    observability.NewMetrics(),
		subsystems: map[resource_lifecycle.Domain]*recordingSubsystem{},
	}
	f.procfs = process_scanner.NewMockProcfs(selfPid, f.clock)
	f.procfs.Processes[selfPid].Fds[7] = renderNode

	m := f.access
	m.AddDir(gpuReal)
	m.AddLink(busLink, gpuReal)
	m.AddFile(gpuReal+"/reset", "")
	m.AddFile(gpuReal+"/remove", "")
	m.AddFile(switchPort+"/rescan", "")
	m.AddFile(driverDir+"/bind", "")
	m.AddFile(driverDir+"/unbind", "")
	m.AddLink(gpuReal+"/driver", driverDir)
	m.AddFile("/sys/bus/pci/slots/5/address", "0000:03:00")
	m.AddFile("/sys/bus/pci/slots/5/power", "1")
	space := m.AddConfigSpace(switchPort + "/config")
	space.Registers[0x34] = 0x40
	space.Registers[0x40] = 0x10
	space.Registers[0x58] = 0x20

	m.OnWrite = func(m *sysfs.MockAccess, path, value string) {
		switch {
		case strings.HasSuffix(path, "/unbind"):
			m.RemoveLink(gpuReal + "/driver")
			f.events = append(f.events, fmt.Sprintf("unbind own-fds=%d", len(f.procfs.Processes[selfPid].Fds)))
		case strings.HasSuffix(path, "/bind"):
			m.AddLink(gpuReal+"/driver", driverDir)
			f.events = append(f.events, "bind")
		case strings.HasSuffix(path, "/remove"):
			m.RemoveLink(busLink)
			f.events = append(f.events, "remove")
		case strings.HasSuffix(path, "/rescan"):
			m.AddLink(busLink, gpuReal)
			f.events = append(f.events, "rescan")
		case strings.HasSuffix(path, "/reset"):
			f.events = append(f.events, "flr")
		case strings.HasSuffix(path, "/power"):
			f.events = append(f.events, "power "+value)
		}
	}

	var subsystems []resource_lifecycle.Subsystem
	for _, domain := range resource_lifecycle.ReleaseOrder {
		s := &recordingSubsystem{domain: domain, events: &f.events}
		f.subsystems[domain] = s
		subsystems = append(subsystems, s)
	}
	lifecycle := resource_lifecycle.NewManager(subsystems...)
	// engine and telemetry were used before the reset, the others never were
	for _, domain := range []resource_lifecycle.Domain{resource_lifecycle.Engine, resource_lifecycle.Telemetry} {
		require.NoError(t, lifecycle.Access(domain, func(resource_lifecycle.Subsystem) error { return nil }))
	}
	f.events = nil

	bdf, err := device.ParseBDF(testBDF)
	require.NoError(t, err)
	f.device = &device.Device{
		BDF:        bdf,
		SysfsPath:  busLink,
		DriverName: "xe",
		NodePaths:  []string{cardNode, renderNode},
		Lifecycle:  lifecycle,
	}

	executor := hw_reset.NewExecutor(f.access, f.clock, hw_reset.Config{
		SysfsRoot:         "/sys",
		SettleDelay:       10 * time.Second,
		SlotPowerDelay:    100 * time.Millisecond,
		MemoryRepairDelay: 10 * time.Minute,
		RepairPendingFile: "memory_repair_pending",
	})
	f.orchestrator = New(f.access, process_scanner.NewScanner(f.procfs), executor, f.clock, f.metrics, Config{
		ResetTimeout: 10 * time.Second,
		PollInterval: time.Millisecond,
	})
	return f
}

func (f *fixture) reset(force bool, resetType reset_strategy.Type) error {
	ctx := zerolog.Nop().WithContext(context.Background())
	return f.orchestrator.ResetExt(ctx, f.device, Request{Force: force, Type: resetType})
}

func (f *fixture) count(event string) int {
	n := 0
	for _, e := range f.events {
		if e == event {
			n++
		}
	}
	return n
}

func indexOf(calls []string, call string) int {
	for i, c := range calls {
		if c == call {
			return i
		}
	}
	return -1
}

func counterValue(t *testing.T, f *fixture, labels ...string) float64 {
	pb := &dto.Metric{}
	require.NoError(t, f.metrics.ResetsTotal.WithLabelValues(labels...).Write(pb))
	return pb.GetCounter().GetValue()
}

var releaseAndReinit = []string{"release engine", "release telemetry", "init engine", "init telemetry"}

func TestResetRequiresRoot(t *testing.T) {
	for _, resetType := range []reset_strategy.Type{reset_strategy.Default, reset_strategy.FunctionLevel, reset_strategy.Warm, reset_strategy.Cold} {
		for _, force := range []bool{false, true} {
			t.Run(fmt.Sprintf("%s force=%t", resetType, force), func(t *testing.T) {
				f := newFixture(t)
				f.access.Root = false
				f.procfs.AddProcess(200, map[int]string{3: cardNode})

				err := f.reset(force, resetType)
				assert.Equal(t, outcome.PermissionDenied, outcome.KindOf(err))
				assert.Empty(t, f.access.CallLog())
				assert.Empty(t, f.procfs.CallLog())
				assert.Empty(t, f.events)
				assert.Equal(t, resource_lifecycle.Initialized, f.device.Lifecycle.State(resource_lifecycle.Engine))
			})
		}
	}
}

func TestResetRejectsUnsupportedType(t *testing.T) {
	f := newFixture(t)
	f.device.Integrated = true

	err := f.reset(true, reset_strategy.Cold)
	assert.Equal(t, outcome.InvalidArgument, outcome.KindOf(err))
	assert.Empty(t, f.access.CallLog())
	assert.Empty(t, f.procfs.CallLog())
	assert.Empty(t, f.events)
}

func TestResetBusyWithoutForce(t *testing.T) {
	f := newFixture(t)
	f.procfs.AddProcess(200, map[int]string{3: cardNode})

	err := f.reset(false, reset_strategy.Default)
	assert.Equal(t, outcome.Busy, outcome.KindOf(err))
	assert.Empty(t, f.access.CallLog())
	assert.Equal(t, []string{"list"}, f.procfs.CallLog())
	assert.Equal(t, releaseAndReinit, f.events)
	assert.True(t, f.procfs.IsAlive(200))
	assert.Equal(t, float64(1), counterValue(t, f, "default", "busy"))
}

func TestResetFunctionLevel(t *testing.T) {
	f := newFixture(t)
	f.procfs.AddProcess(200, map[int]string{3: cardNode, 4: renderNode})

	require.NoError(t, f.reset(true, reset_strategy.FunctionLevel))

	assert.Equal(t, []string{
		"release engine",
		"release telemetry",
		"unbind own-fds=0",
		"flr",
		"bind",
		"init engine",
		"init telemetry",
	}, f.events)
	assert.Equal(t, []string{"list", "kill 200", "close 7", "list"}, f.procfs.CallLog())
	assert.Equal(t, resource_lifecycle.Initialized, f.device.Lifecycle.State(resource_lifecycle.Engine))
	assert.Equal(t, resource_lifecycle.Uninitialized, f.device.Lifecycle.State(resource_lifecycle.Memory))
	assert.Equal(t, float64(1), counterValue(t, f, "flr", "success"))
}

func TestResetHolderExitsWithinTimeout(t *testing.T) {
	f := newFixture(t)
	holder := f.procfs.AddProcess(200, map[int]string{3: cardNode, 4: renderNode})
	holder.IgnoreKill = true
	holder.ExitAt = f.clock.Now().Add(3000 * time.Millisecond)
	start := f.clock.Now()

	require.NoError(t, f.reset(true, reset_strategy.Warm))

	// three settle delays in the trigger and one after rescan
	assert.Equal(t, 3000*time.Millisecond+40*time.Second, f.clock.Since(start))
	assert.Equal(t, 1, f.count("init engine"))
	assert.Equal(t, 1, f.count("init telemetry"))
	assert.Equal(t, 0, f.count("init memory"))
	assert.Equal(t, []string{
		"release engine",
		"release telemetry",
		"unbind own-fds=0",
		"remove",
		"rescan",
		"bind",
		"init engine",
		"init telemetry",
	}, f.events)
}

func TestResetTimeout(t *testing.T) {
	f := newFixture(t)
	holder := f.procfs.AddProcess(200, map[int]string{3: cardNode})
	holder.IgnoreKill = true
	start := f.clock.Now()

	err := f.reset(true, reset_strategy.Warm)
	assert.Equal(t, outcome.Busy, outcome.KindOf(err))

	assert.Equal(t, []string{unbindCall, bindCall}, f.access.CallLog())
	assert.Equal(t, []string{
		"release engine",
		"release telemetry",
		"unbind own-fds=0",
		"bind",
		"init engine",
		"init telemetry",
	}, f.events)
	elapsed := f.clock.Since(start)
	assert.Greater(t, elapsed, 10*time.Second)
	assert.LessOrEqual(t, elapsed, 10*time.Second+time.Millisecond)
	assert.Equal(t, "xe", device.ReadDriverName(f.access, busLink))
}

func TestResetOrderingOnEveryPath(t *testing.T) {
	for resetType, trigger := range triggerCalls {
		for _, timeout := range []bool{false, true} {
			t.Run(fmt.Sprintf("%s timeout=%t", resetType, timeout), func(t *testing.T) {
				f := newFixture(t)
				holder := f.procfs.AddProcess(200, map[int]string{3: cardNode})
				holder.IgnoreKill = true
				if !timeout {
					holder.ExitAt = f.clock.Now().Add(time.Second)
				}

				err := f.reset(true, resetType)
				calls := f.access.CallLog()
				unbind := indexOf(calls, unbindCall)
				bind := indexOf(calls, bindCall)
				triggered := indexOf(calls, trigger)

				require.GreaterOrEqual(t, unbind, 0)
				require.Greater(t, bind, unbind)
				if timeout {
					assert.Equal(t, outcome.Busy, outcome.KindOf(err))
					assert.Equal(t, -1, triggered)
				} else {
					require.NoError(t, err)
					assert.Greater(t, triggered, unbind)
					assert.Greater(t, bind, triggered)
				}
				assert.Equal(t, 1, f.count("init engine"))
				assert.Equal(t, "xe", device.ReadDriverName(f.access, busLink))
			})
		}
	}
}

func TestColdResetWithoutSlot(t *testing.T) {
	f := newFixture(t)
	f.access.AddFile("/sys/bus/pci/slots/5/address", "0000:07:00")

	err := f.reset(false, reset_strategy.Cold)
	assert.Equal(t, outcome.DeviceLost, outcome.KindOf(err))
	for _, call := range f.access.CallLog() {
		assert.NotContains(t, call, "/power")
	}
	assert.Equal(t, releaseAndReinit[:2], f.events[:2])
	assert.Equal(t, []string{"unbind own-fds=0", "bind"}, f.events[2:4])
	assert.Equal(t, releaseAndReinit[2:], f.events[4:])
}

func TestResetIsNotReentrant(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.device.TryLockReset())

	err := f.reset(true, reset_strategy.FunctionLevel)
	assert.Equal(t, outcome.Busy, outcome.KindOf(err))
	assert.Empty(t, f.access.CallLog())
	assert.Empty(t, f.events)

	f.device.UnlockReset()
	assert.NoError(t, f.reset(true, reset_strategy.FunctionLevel))
}

func TestResetKillsLateOpeners(t *testing.T) {
	f := newFixture(t)
	hook := f.access.OnWrite
	f.access.OnWrite = func(m *sysfs.MockAccess, path, value string) {
		hook(m, path, value)
		if strings.HasSuffix(path, "/unbind") {
			f.procfs.AddProcess(500, map[int]string{9: cardNode})
		}
	}

	require.NoError(t, f.reset(false, reset_strategy.FunctionLevel))
	assert.Equal(t, []string{"list", "close 7", "list", "kill 500"}, f.procfs.CallLog())
	assert.False(t, f.procfs.IsAlive(500))
}

func TestResetLateScanFailure(t *testing.T) {
	f := newFixture(t)
	hook := f.access.OnWrite
	f.access.OnWrite = func(m *sysfs.MockAccess, path, value string) {
		hook(m, path, value)
		if strings.HasSuffix(path, "/unbind") {
			f.procfs.Errors["list"] = syscall.EIO
		}
	}

	err := f.reset(true, reset_strategy.FunctionLevel)
	assert.Equal(t, outcome.IoFailure, outcome.KindOf(err))
	assert.Equal(t, []string{unbindCall, bindCall}, f.access.CallLog())
	assert.Equal(t, 1, f.count("init engine"))
}

func TestResetScanFailureTouchesNoHardware(t *testing.T) {
	f := newFixture(t)
	f.procfs.Errors["list"] = syscall.EIO

	err := f.reset(true, reset_strategy.Warm)
	assert.Equal(t, outcome.IoFailure, outcome.KindOf(err))
	errno, ok := outcome.Errno(err)
	assert.True(t, ok)
	assert.Equal(t, syscall.EIO, errno)
	assert.Empty(t, f.access.CallLog())
	assert.Equal(t, releaseAndReinit, f.events)
}

func TestResetKillFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	holder := f.procfs.AddProcess(200, map[int]string{3: cardNode})
	holder.ExitAt = f.clock.Now().Add(time.Second)
	f.procfs.Errors["kill 200"] = syscall.EPERM

	require.NoError(t, f.reset(true, reset_strategy.FunctionLevel))

	pb := &dto.Metric{}
	require.NoError(t, f.metrics.HolderProcessesKilled.Write(pb))
	assert.Equal(t, float64(0), pb.GetCounter().GetValue())
}

func TestResetTriggerFailureRebinds(t *testing.T) {
	f := newFixture(t)
	f.access.Errors["write "+busLink+"/reset"] = syscall.EIO

	err := f.reset(false, reset_strategy.FunctionLevel)
	assert.Equal(t, outcome.IoFailure, outcome.KindOf(err))
	assert.Equal(t, []string{unbindCall, "write " + busLink + "/reset 1", bindCall}, f.access.CallLog())
	assert.Equal(t, "xe", device.ReadDriverName(f.access, busLink))
	assert.Equal(t, 1, f.count("init telemetry"))
}

func TestReinitFailureKeepsSuccess(t *testing.T) {
	f := newFixture(t)
	f.subsystems[resource_lifecycle.Telemetry].initErr = syscall.ENODEV

	require.NoError(t, f.reset(false, reset_strategy.FunctionLevel))
	assert.Equal(t, resource_lifecycle.Initialized, f.device.Lifecycle.State(resource_lifecycle.Engine))
	assert.Equal(t, resource_lifecycle.Uninitialized, f.device.Lifecycle.State(resource_lifecycle.Telemetry))

	pb := &dto.Metric{}
	require.NoError(t, f.metrics.SubsystemReinitFailures.WithLabelValues("telemetry").Write(pb))
	assert.Equal(t, float64(1), pb.GetCounter().GetValue())
}

func TestLegacyResetUsesTopology(t *testing.T) {
	f := newFixture(t)
	f.device.Integrated = true

	require.NoError(t, f.orchestrator.Reset(context.Background(), f.device, false))
	assert.Contains(t, f.events, "flr")
	assert.NotContains(t, f.events, "remove")
}

package reset_cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/furiosa-ai/furiosa-device-reset/internal/config"
	"github.com/furiosa-ai/furiosa-device-reset/internal/outcome"
	"github.com/furiosa-ai/furiosa-device-reset/internal/process_scanner"
	"github.com/furiosa-ai/furiosa-device-reset/internal/resource_lifecycle"
	"github.com/furiosa-ai/furiosa-device-reset/internal/sysfs"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

const (
	expectedHelpOutput = `Reset DRM GPU devices such as xe cards

Usage:
  furiosa-device-reset [command]

Examples:
furiosa-device-reset reset 0000:03:00.0 --force

Available Commands:
  completion  Generate the autocompletion script for the specified shell
  help        Help about any command
  holders     Show processes holding a device open
  list        List discovered devices
  reset       Reset a device given by index or bdf
  state       Show whether a device needs a reset
  watch       Watch for wedged devices and optionally reset them

Flags:
      --config string   path to the configuration file (default "/etc/furiosa-device-reset/config.yaml")
  -h, --help            help for furiosa-device-reset

Use "furiosa-device-reset [command] --help" for more information about a command.
`

	testIntegrated  = "0000:00:02.0"
	testDiscrete    = "0000:03:00.0"
	testPCI         = "/sys/bus/pci/devices/"
	testDriverDir   = "/sys/bus/pci/drivers/xe"
	testWedged      = "/run/furiosa/wedged"
	testTemperature = testPCI + testIntegrated + "/hwmon/hwmon0/temp1_input"
	selfPid         = 100
	holderPid       = 200
)

type testHost struct {
	access     *sysfs.MockAccess
	procfs     *process_scanner.MockProcfs
	clock      *testingclock.FakeClock
	configPath string
}

func newTestHost(t *testing.T) *testHost {
	h := &testHost{
		access: sysfs.NewMockAccess(),
		clock:  testingclock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
	h.procfs = process_scanner.NewMockProcfs(selfPid, h.clock)

	h.access.AddDir(testPCI + testIntegrated + "/drm/card0")
	h.access.AddDir(testPCI + testIntegrated + "/drm/renderD128")
	h.access.AddFile(testPCI+testIntegrated+"/reset", "")
	h.access.AddFile(testDriverDir+"/bind", "")
	h.access.AddFile(testDriverDir+"/unbind", "")
	h.access.AddLink(testPCI+testIntegrated+"/driver", testDriverDir)
	h.access.AddDir(testPCI + testDiscrete)

	h.configPath = filepath.Join(t.TempDir(), "config.yaml")
	conf := `initMode: pci
devices:
  - "` + testIntegrated + `"
  - "` + testDiscrete + `"
resetTimeout: 1s
processPollInterval: 1ms
wedgedFile: ` + testWedged + `
`
	require.NoError(t, os.WriteFile(h.configPath, []byte(conf), 0o644))

	return h
}

func (h *testHost) environment() environment {
	return environment{
		newAccess: func() sysfs.Access { return h.access },
		newProcfs: func(string) (process_scanner.Procfs, error) { return h.procfs, nil },
		clock:     h.clock,
		open: func(path string) (resource_lifecycle.Handle, error) {
			file, err := h.access.OpenFile(path)
			if err != nil {
				return nil, err
			}
			return file, nil
		},
	}
}

// newWatcher builds a wedged watcher over the host the way the watch command does.
func (h *testHost) newWatcher(t *testing.T, ctx context.Context, autoReset bool) (*wedgedWatcher, *session) {
	opts := &rootOptions{env: h.environment(), configPath: h.configPath}
	conf, err := config.GetConfig(h.configPath)
	require.NoError(t, err)

	s, err := opts.open(ctx, conf)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	w, err := newWedgedWatcher(opts, s, autoReset)
	require.NoError(t, err)
	return w, s
}

func (h *testHost) execute(args ...string) (string, error) {
	cmd := newResetCommand(h.environment())

	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs(append(args, "--config", h.configPath))

	err := cmd.Execute()
	return out.String(), err
}

func (h *testHost) holdIntegrated() *process_scanner.MockProcess {
	return h.procfs.AddProcess(holderPid, map[int]string{3: "/dev/dri/renderD128"})
}

func TestResetCommandHelp(t *testing.T) {
	cmd := NewResetCommand()

	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"-h"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, strings.TrimSpace(expectedHelpOutput), strings.TrimSpace(buf.String()))
}

func TestListCommand(t *testing.T) {
	h := newTestHost(t)

	output, err := h.execute("list")
	require.NoError(t, err)
	assert.Equal(t, "0 "+testIntegrated+" driver=xe integrated=true\n1 "+testDiscrete+" driver=- integrated=false\n", output)
}

func TestResetCommand(t *testing.T) {
	tests := []struct {
		description    string
		args           []string
		setup          func(h *testHost)
		expectedKind   outcome.Kind
		expectedOutput string
		expectedCalls  []string
	}{
		{
			description:    "test default reset of an integrated device by index",
			args:           []string{"reset", "0"},
			expectedKind:   outcome.Success,
			expectedOutput: testIntegrated + " success\n",
			expectedCalls: []string{
				"write " + testDriverDir + "/unbind " + testIntegrated,
				"write " + testPCI + testIntegrated + "/reset 1",
			},
		},
		{
			description:    "test explicit flr by bdf",
			args:           []string{"reset", testIntegrated, "--type", "flr"},
			expectedKind:   outcome.Success,
			expectedOutput: testIntegrated + " success\n",
			expectedCalls: []string{
				"write " + testDriverDir + "/unbind " + testIntegrated,
				"write " + testPCI + testIntegrated + "/reset 1",
			},
		},
		{
			description:  "test unknown device",
			args:         []string{"reset", "7"},
			expectedKind: outcome.InvalidArgument,
		},
		{
			description:  "test unknown reset type",
			args:         []string{"reset", "0", "--type", "hard"},
			expectedKind: outcome.InvalidArgument,
		},
		{
			description:    "test warm reset of an integrated device",
			args:           []string{"reset", "0", "--type", "warm"},
			expectedKind:   outcome.InvalidArgument,
			expectedOutput: testIntegrated + " invalid-argument\n",
		},
		{
			description: "test reset without root",
			args:        []string{"reset", "0"},
			setup: func(h *testHost) {
				h.access.Root = false
			},
			expectedKind:   outcome.PermissionDenied,
			expectedOutput: testIntegrated + " permission-denied\n",
		},
		{
			description: "test held device without force",
			args:        []string{"reset", "0"},
			setup: func(h *testHost) {
				h.holdIntegrated()
			},
			expectedKind:   outcome.Busy,
			expectedOutput: testIntegrated + " busy\n",
		},
		{
			description: "test held device with force",
			args:        []string{"reset", "0", "--force"},
			setup: func(h *testHost) {
				h.holdIntegrated()
			},
			expectedKind:   outcome.Success,
			expectedOutput: testIntegrated + " success\n",
			expectedCalls: []string{
				"write " + testDriverDir + "/unbind " + testIntegrated,
				"write " + testPCI + testIntegrated + "/reset 1",
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.description, func(t *testing.T) {
			h := newTestHost(t)
			if tc.setup != nil {
				tc.setup(h)
			}

			output, err := h.execute(tc.args...)
			assert.Equal(t, tc.expectedKind, outcome.KindOf(err))
			assert.Equal(t, tc.expectedOutput, output)
			assert.Equal(t, tc.expectedCalls, h.access.CallLog())
		})
	}
}

func TestResetCommandKillsHolderWithForce(t *testing.T) {
	h := newTestHost(t)
	h.holdIntegrated()

	_, err := h.execute("reset", "0", "--force")
	require.NoError(t, err)
	assert.Contains(t, h.procfs.CallLog(), "kill 200")
}

func TestResetCommandWritesMetrics(t *testing.T) {
	h := newTestHost(t)
	textfile := filepath.Join(t.TempDir(), "reset.prom")

	_, err := h.execute("reset", "0", "--metrics-textfile", textfile)
	require.NoError(t, err)

	contents, err := os.ReadFile(textfile)
	require.NoError(t, err)
	assert.Contains(t, string(contents), `furiosa_device_reset_resets_total{outcome="success",type="default"} 1`)
}

func TestHoldersCommand(t *testing.T) {
	h := newTestHost(t)
	holder := h.holdIntegrated()
	holder.FdInfo[3] = "drm-client-id:\t4\ndrm-total-vram0:\t2 MiB\ndrm-shared-vram0:\t4 KiB\ndrm-engine-render:\t10 ns\ndrm-engine-copy:\t0 ns\n"
	h.procfs.AddProcess(300, map[int]string{1: "/dev/null"})

	output, err := h.execute("holders", testIntegrated)
	require.NoError(t, err)
	assert.Equal(t, "200 memory=2097152 shared=4096 engines=render\n", output)
}

func TestStateCommand(t *testing.T) {
	tests := []struct {
		description    string
		setup          func(h *testHost)
		expectedOutput string
	}{
		{
			description:    "test healthy device",
			expectedOutput: testIntegrated + " wedged=false repair_pending=false\n",
		},
		{
			description: "test wedged device with pending repair",
			setup: func(h *testHost) {
				h.access.AddFile(testWedged, testDiscrete+"\n"+testIntegrated+"\n")
				h.access.AddFile(testPCI+testIntegrated+"/memory_repair_pending", "1")
			},
			expectedOutput: testIntegrated + " wedged=true repair_pending=true\n",
		},
		{
			description: "test device with monitoring readings",
			setup: func(h *testHost) {
				h.access.AddFile(testTemperature, "45000\n")
				h.access.AddFile(testPCI+testIntegrated+"/hwmon/hwmon0/power1_input", "12000000\n")
			},
			expectedOutput: testIntegrated + " wedged=false repair_pending=false\n" +
				"temperature hwmon/hwmon0/temp1_input=45000\n" +
				"power hwmon/hwmon0/power1_input=12000000\n",
		},
	}

	for _, tc := range tests {
		t.Run(tc.description, func(t *testing.T) {
			h := newTestHost(t)
			if tc.setup != nil {
				tc.setup(h)
			}

			output, err := h.execute("state", "0")
			require.NoError(t, err)
			assert.Equal(t, tc.expectedOutput, output)
		})
	}
}

func TestWedgedWatcher(t *testing.T) {
	tests := []struct {
		description    string
		autoReset      bool
		expectedResets int
	}{
		{
			description:    "test report only",
			autoReset:      false,
			expectedResets: 0,
		},
		{
			description:    "test auto reset once per report",
			autoReset:      true,
			expectedResets: 2,
		},
	}

	resetCall := "write " + testPCI + testIntegrated + "/reset 1"
	countResets := func(calls []string) int {
		count := 0
		for _, call := range calls {
			if call == resetCall {
				count++
			}
		}
		return count
	}

	for _, tc := range tests {
		t.Run(tc.description, func(t *testing.T) {
			h := newTestHost(t)
			ctx := zerolog.Nop().WithContext(context.Background())

			w, _ := h.newWatcher(t, ctx, tc.autoReset)

			w.check(ctx)
			h.access.AddFile(testWedged, testIntegrated+"\n")
			w.check(ctx)
			// still listed, already handled
			w.check(ctx)
			h.access.AddFile(testWedged, "")
			w.check(ctx)
			h.access.AddFile(testWedged, testIntegrated+"\n")
			w.check(ctx)

			assert.Equal(t, tc.expectedResets, countResets(h.access.CallLog()))
		})
	}
}

func TestWedgedWatcherReopensMonitoringAfterReset(t *testing.T) {
	h := newTestHost(t)
	h.access.AddFile(testTemperature, "45000\n")
	h.access.AddFile(testWedged, testIntegrated+"\n")
	ctx := zerolog.Nop().WithContext(context.Background())

	w, s := h.newWatcher(t, ctx, true)
	w.check(ctx)
	w.check(ctx)

	assert.Equal(t, []string{
		"open " + testTemperature,
		"close " + testTemperature,
		"write " + testDriverDir + "/unbind " + testIntegrated,
		"write " + testPCI + testIntegrated + "/reset 1",
		"open " + testTemperature,
	}, h.access.CallLog())

	d, err := s.arena.Get(0)
	require.NoError(t, err)
	assert.Equal(t, resource_lifecycle.Initialized, d.Lifecycle.State(resource_lifecycle.Temperature))

	snapshot, err := d.Lifecycle.Snapshot(resource_lifecycle.Temperature)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"hwmon/hwmon0/temp1_input": "45000"}, snapshot)
}

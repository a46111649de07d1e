package hw_reset

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/furiosa-ai/furiosa-device-reset/internal/device"
	"github.com/furiosa-ai/furiosa-device-reset/internal/outcome"
	"github.com/furiosa-ai/furiosa-device-reset/internal/reset_strategy"
	"github.com/furiosa-ai/furiosa-device-reset/internal/sysfs"
	"github.com/rs/zerolog"
	"k8s.io/utils/clock"
)

const (
	resetFile   = "reset"
	removeFile  = "remove"
	rescanFile  = "rescan"
	configFile  = "config"
	powerFile   = "power"
	addressFile = "address"

	powerOff = "0"
	powerOn  = "1"
	trigger  = "1"
)

// Addressing picks which port a warm reset removes and whose bridge it resets.
type Addressing int

const (
	// AddressingUpstreamPort resets the bridge directly above the gpu function.
	AddressingUpstreamPort Addressing = iota
	// AddressingCardBus climbs CardBusDepth levels to the card's own switch first.
	AddressingCardBus
)

func ParseAddressing(name string) (Addressing, error) {
	switch name {
	case "upstream-port", "":
		return AddressingUpstreamPort, nil
	case "card-bus":
		return AddressingCardBus, nil
	default:
		return AddressingUpstreamPort, fmt.Errorf("unknown warm reset addressing %q", name)
	}
}

type Config struct {
	SysfsRoot         string
	SettleDelay       time.Duration
	SlotPowerDelay    time.Duration
	MemoryRepairDelay time.Duration
	Addressing        Addressing
	CardBusDepth      int
	RepairPendingFile string
}

// Target is the device topology captured by Detach, while the device is still present.
type Target struct {
	Device   *device.Device
	Protocol reset_strategy.Protocol
	// Node is the real sysfs dir a warm reset removes.
	Node string
	// Bridge is the real sysfs dir of the port above Node.
	Bridge        string
	Driver        string
	RepairPending bool
}

// Executor runs the hardware side of a reset. It never rolls back on its own.
type Executor struct {
	access sysfs.Access
	clock  clock.Clock
	config Config
}

func NewExecutor(access sysfs.Access, clk clock.Clock, config Config) *Executor {
	return &Executor{access: access, clock: clk, config: config}
}

// Detach resolves the topology and unbinds the driver. A nil Target means nothing changed.
func (e *Executor) Detach(ctx context.Context, d *device.Device, protocol reset_strategy.Protocol) (*Target, error) {
	logger := zerolog.Ctx(ctx)

	t := &Target{Device: d, Protocol: protocol}
	if protocol != reset_strategy.ProtocolFunctionLevel {
		if err := e.resolveTopology(t); err != nil {
			return nil, err
		}
	}

	if protocol == reset_strategy.ProtocolWarm {
		pending, err := device.IsRepairPending(e.access, d, e.config.RepairPendingFile)
		if err != nil {
			return nil, outcome.New(outcome.IoFailure, "read repair pending", err)
		}
		t.RepairPending = pending
	}

	t.Driver = device.ReadDriverName(e.access, d.SysfsPath)
	if t.Driver == "" {
		t.Driver = d.DriverName
		logger.Debug().Str("bdf", d.String()).Msg("device is already unbound")
		return t, nil
	}

	if err := e.access.UnbindDevice(e.driverDir(t.Driver), d.BDF.String()); err != nil {
		return t, outcome.New(outcome.IoFailure, "unbind", err)
	}
	logger.Debug().Str("bdf", d.String()).Str("driver", t.Driver).Msg("unbound device")

	return t, nil
}

// Trigger runs the electrical part of the protocol. It must follow Detach.
func (e *Executor) Trigger(ctx context.Context, t *Target) error {
	switch t.Protocol {
	case reset_strategy.ProtocolFunctionLevel:
		return e.functionLevelReset(ctx, t)
	case reset_strategy.ProtocolWarm:
		return e.warmReset(ctx, t)
	case reset_strategy.ProtocolCold:
		return e.coldReset(ctx, t)
	default:
		return outcome.Newf(outcome.InvalidArgument, "trigger", "unsupported protocol %d", t.Protocol)
	}
}

// Reattach brings a detached device back: rescan the bridge when the device
// node is gone, then bind the driver if the kernel didn't.
func (e *Executor) Reattach(ctx context.Context, t *Target) error {
	logger := zerolog.Ctx(ctx)
	d := t.Device

	if t.Bridge != "" && !e.access.Exists(d.SysfsPath) {
		if err := e.access.Write(filepath.Join(t.Bridge, rescanFile), trigger); err != nil {
			return outcome.New(outcome.IoFailure, "rescan", err)
		}
		logger.Debug().Str("bridge", t.Bridge).Msg("rescanning bridge")
		e.clock.Sleep(e.config.SettleDelay)

		if !e.access.Exists(d.SysfsPath) {
			return outcome.Newf(outcome.DeviceLost, "rescan", "device %s did not come back after rescan", d)
		}
	}

	if t.Driver == "" || device.ReadDriverName(e.access, d.SysfsPath) != "" {
		return nil
	}

	if err := e.access.BindDevice(e.driverDir(t.Driver), d.BDF.String()); err != nil {
		return outcome.New(outcome.IoFailure, "bind", err)
	}
	logger.Debug().Str("bdf", d.String()).Str("driver", t.Driver).Msg("bound device")

	return nil
}

func (e *Executor) functionLevelReset(ctx context.Context, t *Target) error {
	if err := e.access.Write(filepath.Join(t.Device.SysfsPath, resetFile), trigger); err != nil {
		return outcome.New(outcome.IoFailure, "function level reset", err)
	}
	zerolog.Ctx(ctx).Debug().Str("bdf", t.Device.String()).Msg("function level reset done")
	return nil
}

func (e *Executor) warmReset(ctx context.Context, t *Target) error {
	logger := zerolog.Ctx(ctx)

	cfg, err := e.access.OpenConfigSpace(filepath.Join(t.Bridge, configFile))
	if err != nil {
		return outcome.New(outcome.IoFailure, "open bridge config", err)
	}
	defer cfg.Close()

	if err := e.access.Write(filepath.Join(t.Node, removeFile), trigger); err != nil {
		return outcome.New(outcome.IoFailure, "remove", err)
	}
	logger.Debug().Str("node", t.Node).Msg("removed device node")
	// let the kernel finish saving config space of the removed functions
	e.clock.Sleep(e.config.SettleDelay)

	capability, err := findExpressCapability(cfg)
	if err != nil {
		return err
	}
	if err := clearBits(cfg, capability+pciExpSlotControl, pciExpSlotControlHPIE); err != nil {
		return err
	}
	logger.Debug().Str("bridge", t.Bridge).Msg("disabled hotplug interrupt")
	e.clock.Sleep(e.config.SettleDelay)

	if err := setBits(cfg, pciBridgeControl, pciBridgeControlSBR); err != nil {
		return err
	}
	e.clock.Sleep(e.config.SettleDelay)
	if err := clearBits(cfg, pciBridgeControl, pciBridgeControlSBR); err != nil {
		// the link stays down while SBR is set, so no rescan could bring the device back
		if retryErr := clearBits(cfg, pciBridgeControl, pciBridgeControlSBR); retryErr != nil {
			logger.Err(retryErr).Str("bridge", t.Bridge).Msg("couldn't release secondary bus reset")
		}
		return err
	}
	logger.Debug().Str("bridge", t.Bridge).Msg("toggled secondary bus reset")

	if t.RepairPending {
		logger.Info().Str("bdf", t.Device.String()).Dur("delay", e.config.MemoryRepairDelay).Msg("waiting for memory repair")
		e.clock.Sleep(e.config.MemoryRepairDelay)
	}

	return nil
}

func (e *Executor) coldReset(ctx context.Context, t *Target) error {
	logger := zerolog.Ctx(ctx)

	slot, err := e.findSlot(t)
	if err != nil {
		return err
	}

	power := filepath.Join(slot, powerFile)
	if err := e.access.Write(power, powerOff); err != nil {
		return outcome.New(outcome.IoFailure, "slot power off", err)
	}
	e.clock.Sleep(e.config.SlotPowerDelay)
	if err := e.access.Write(power, powerOn); err != nil {
		return outcome.New(outcome.IoFailure, "slot power on", err)
	}
	logger.Debug().Str("slot", slot).Msg("power cycled slot")

	return nil
}

// findSlot returns the hotplug slot holding Node. A slot's address is the
// bus and device number of the port plugged into it, without the function.
func (e *Executor) findSlot(t *Target) (string, error) {
	port, err := device.ParseBDF(filepath.Base(t.Node))
	if err != nil {
		return "", outcome.New(outcome.DeviceLost, "find slot", err)
	}

	slotsDir := filepath.Join(e.config.SysfsRoot, "bus", "pci", "slots")
	slots, err := e.access.ListDirectory(slotsDir)
	if err != nil {
		return "", outcome.Newf(outcome.DeviceLost, "find slot", "couldn't list %s: %v", slotsDir, err)
	}

	for _, slot := range slots {
		address, err := e.access.Read(filepath.Join(slotsDir, slot, addressFile))
		if err != nil {
			continue
		}
		if strings.EqualFold(address, port.SlotAddress()) {
			return filepath.Join(slotsDir, slot), nil
		}
	}

	return "", outcome.Newf(outcome.DeviceLost, "find slot", "no hotplug slot at %s", port.SlotAddress())
}

func (e *Executor) resolveTopology(t *Target) error {
	realPath, err := e.access.RealPath(t.Device.SysfsPath)
	if err != nil {
		return outcome.New(outcome.IoFailure, "resolve device path", err)
	}

	levels := 0
	if e.config.Addressing == AddressingCardBus {
		levels = e.config.CardBusDepth
	}

	node := realPath
	for i := 0; i < levels; i++ {
		node = filepath.Dir(node)
	}
	bridge := filepath.Dir(node)

	if !device.IsValidBDF(filepath.Base(node)) || !device.IsValidBDF(filepath.Base(bridge)) {
		return outcome.Newf(outcome.DeviceLost, "resolve bridge", "no pci bridge above %s", node)
	}

	t.Node = node
	t.Bridge = bridge
	return nil
}

func (e *Executor) driverDir(driver string) string {
	return filepath.Join(e.config.SysfsRoot, "bus", "pci", "drivers", driver)
}

package hw_reset

import (
	"fmt"

	"github.com/furiosa-ai/furiosa-device-reset/internal/outcome"
	"github.com/furiosa-ai/furiosa-device-reset/internal/sysfs"
)

const (
	pciCapabilityList     = 0x34
	pciCapabilityMask     = 0xfc
	pciCapabilityIDExp    = 0x10
	pciCapabilityMinStart = 0x40
	pciCapabilityMaxWalk  = 48

	pciExpSlotControl     = 0x18
	pciExpSlotControlHPIE = 0x20

	pciBridgeControl    = 0x3e
	pciBridgeControlSBR = 0x40
)

// findExpressCapability walks the capability list to the PCI Express capability.
func findExpressCapability(cfg sysfs.ConfigSpace) (int64, error) {
	ptr, err := cfg.ReadByteAt(pciCapabilityList)
	if err != nil {
		return 0, outcome.New(outcome.IoFailure, "read capability list", err)
	}

	pos := int64(ptr & pciCapabilityMask)
	for i := 0; i < pciCapabilityMaxWalk && pos >= pciCapabilityMinStart; i++ {
		id, err := cfg.ReadByteAt(pos)
		if err != nil {
			return 0, outcome.New(outcome.IoFailure, "read capability id", err)
		}
		if id == pciCapabilityIDExp {
			return pos, nil
		}

		next, err := cfg.ReadByteAt(pos + 1)
		if err != nil {
			return 0, outcome.New(outcome.IoFailure, "read capability next", err)
		}
		pos = int64(next & pciCapabilityMask)
	}

	return 0, outcome.Newf(outcome.DeviceLost, "find pcie capability", "bridge has no pci express capability")
}

// clearBits does a read-modify-write of one configuration byte.
func clearBits(cfg sysfs.ConfigSpace, offset int64, mask byte) error {
	return modify(cfg, offset, func(v byte) byte { return v &^ mask })
}

func setBits(cfg sysfs.ConfigSpace, offset int64, mask byte) error {
	return modify(cfg, offset, func(v byte) byte { return v | mask })
}

func modify(cfg sysfs.ConfigSpace, offset int64, fn func(byte) byte) error {
	value, err := cfg.ReadByteAt(offset)
	if err != nil {
		return outcome.New(outcome.IoFailure, fmt.Sprintf("read config 0x%02x", offset), err)
	}
	if err := cfg.WriteByteAt(offset, fn(value)); err != nil {
		return outcome.New(outcome.IoFailure, fmt.Sprintf("write config 0x%02x", offset), err)
	}
	return nil
}

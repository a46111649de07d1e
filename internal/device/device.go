package device

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/furiosa-ai/furiosa-device-reset/internal/resource_lifecycle"
)

// InitMode selects how devices are found. It is resolved once at start and passed
// explicitly to everything that needs it.
type InitMode int

const (
	// InitModeDRM enumerates /sys/class/drm card nodes.
	InitModeDRM InitMode = iota
	// InitModePCI builds devices from an explicit BDF list.
	InitModePCI
)

const (
	initModeDRMStr = "drm"
	initModePCIStr = "pci"
)

func ParseInitMode(mode string) (InitMode, error) {
	switch mode {
	case initModeDRMStr, "":
		return InitModeDRM, nil
	case initModePCIStr:
		return InitModePCI, nil
	default:
		return InitModeDRM, fmt.Errorf("unknown init mode %q", mode)
	}
}

func (m InitMode) String() string {
	if m == InitModePCI {
		return initModePCIStr
	}
	return initModeDRMStr
}

// Index is a stable position in an Arena.
type Index int

// Device is a root GPU PCI function together with the monitoring state it owns.
type Device struct {
	Index      Index
	BDF        BDF
	SysfsPath  string
	DriverName string
	NodePaths  []string
	Integrated bool

	Lifecycle *resource_lifecycle.Manager

	resetMu sync.Mutex
}

// TryLockReset claims the device for one reset. It never blocks.
func (d *Device) TryLockReset() bool {
	return d.resetMu.TryLock()
}

func (d *Device) UnlockReset() {
	d.resetMu.Unlock()
}

func (d *Device) String() string {
	return d.BDF.String()
}

// Arena owns every device for the lifetime of the process.
type Arena struct {
	devices []*Device
}

func NewArena() *Arena {
	return &Arena{}
}

func (a *Arena) Add(d *Device) Index {
	d.Index = Index(len(a.devices))
	a.devices = append(a.devices, d)
	return d.Index
}

func (a *Arena) Get(index Index) (*Device, error) {
	if index < 0 || int(index) >= len(a.devices) {
		return nil, fmt.Errorf("device index %d out of range", index)
	}
	return a.devices[index], nil
}

// Lookup resolves an arena index or a BDF.
func (a *Arena) Lookup(ref string) (*Device, error) {
	if index, err := strconv.Atoi(ref); err == nil {
		return a.Get(Index(index))
	}

	bdf, err := ParseBDF(ref)
	if err != nil {
		return nil, fmt.Errorf("%s is neither a device index nor a bdf", ref)
	}
	for _, d := range a.devices {
		if d.BDF == bdf {
			return d, nil
		}
	}
	return nil, fmt.Errorf("couldn't find device %s", ref)
}

func (a *Arena) Devices() []*Device {
	return a.devices
}

func (a *Arena) Len() int {
	return len(a.devices)
}

// Close destroys the monitoring state of every device.
func (a *Arena) Close() {
	for _, d := range a.devices {
		if d.Lifecycle != nil {
			d.Lifecycle.Close()
		}
	}
}

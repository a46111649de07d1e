package device

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/furiosa-ai/furiosa-device-reset/internal/resource_lifecycle"
	"github.com/furiosa-ai/furiosa-device-reset/internal/sysfs"
	"github.com/rs/zerolog"
)

const (
	devDRIDir       = "/dev/dri"
	cardPrefix      = "card"
	renderPrefix    = "renderD"
	pciSlotNameKey  = "PCI_SLOT_NAME"
	integratedBusID = "00"
)

type DiscoverOptions struct {
	Mode           InitMode
	SysfsRoot      string
	Devices        []string
	Integrated     []string
	HandlePatterns map[resource_lifecycle.Domain][]string
	// Open opens monitoring files, nil uses the host files.
	Open resource_lifecycle.Opener
}

// Discover builds the device arena for the given init mode.
func Discover(ctx context.Context, access sysfs.Access, opts DiscoverOptions) (*Arena, error) {
	logger := zerolog.Ctx(ctx)

	var bdfs []string
	var err error
	switch opts.Mode {
	case InitModeDRM:
		bdfs, err = listDRMDevices(access, opts.SysfsRoot)
		if err != nil {
			return nil, err
		}
	case InitModePCI:
		bdfs = opts.Devices
	default:
		return nil, fmt.Errorf("unsupported init mode %d", opts.Mode)
	}

	integrated := map[string]bool{}
	for _, bdf := range opts.Integrated {
		integrated[strings.ToLower(bdf)] = true
	}

	arena := NewArena()
	for _, raw := range bdfs {
		bdf, err := ParseBDF(raw)
		if err != nil {
			return nil, err
		}

		d, err := newDevice(access, opts.SysfsRoot, bdf)
		if err != nil {
			return nil, err
		}
		d.Integrated = integrated[bdf.String()] || bdf.Bus == integratedBusID
		d.Lifecycle = resource_lifecycle.NewManager(resource_lifecycle.NewSysfsSubsystems(access, d.SysfsPath, opts.HandlePatterns, opts.Open)...)

		arena.Add(d)
		logger.Debug().Str("bdf", bdf.String()).Str("driver", d.DriverName).Bool("integrated", d.Integrated).Msg("discovered device")
	}

	return arena, nil
}

// IsCardDevice returns true for card0, card1, ... but not connectors such as card0-DP-1.
func IsCardDevice(name string) bool {
	if !strings.HasPrefix(name, cardPrefix) {
		return false
	}
	_, err := strconv.Atoi(strings.TrimPrefix(name, cardPrefix))
	return err == nil && len(name) > len(cardPrefix)
}

func listDRMDevices(access sysfs.Access, sysfsRoot string) ([]string, error) {
	drmDir := filepath.Join(sysfsRoot, "class", "drm")
	entries, err := access.ListDirectory(drmDir)
	if err != nil {
		return nil, fmt.Errorf("couldn't list %s: %w", drmDir, err)
	}

	var cards []string
	for _, entry := range entries {
		if IsCardDevice(entry) {
			cards = append(cards, entry)
		}
	}
	sort.Slice(cards, func(i, j int) bool {
		left, _ := strconv.Atoi(strings.TrimPrefix(cards[i], cardPrefix))
		right, _ := strconv.Atoi(strings.TrimPrefix(cards[j], cardPrefix))
		return left < right
	})

	seen := map[string]bool{}
	var bdfs []string
	for _, card := range cards {
		uevent, err := access.Read(filepath.Join(drmDir, card, "device", "uevent"))
		if err != nil {
			// platform devices without a pci parent have no uevent slot name
			continue
		}
		slot := parseSlotName(uevent)
		if slot == "" || seen[slot] {
			continue
		}
		seen[slot] = true
		bdfs = append(bdfs, slot)
	}

	return bdfs, nil
}

func parseSlotName(uevent string) string {
	for _, line := range strings.Split(uevent, "\n") {
		parts := strings.SplitN(strings.TrimSpace(line), "=", 2)
		if len(parts) == 2 && parts[0] == pciSlotNameKey {
			return strings.ToLower(parts[1])
		}
	}
	return ""
}

func newDevice(access sysfs.Access, sysfsRoot string, bdf BDF) (*Device, error) {
	sysfsPath := filepath.Join(sysfsRoot, "bus", "pci", "devices", bdf.String())
	if !access.Exists(sysfsPath) {
		return nil, fmt.Errorf("couldn't find pci device %s", sysfsPath)
	}

	d := &Device{
		BDF:        bdf,
		SysfsPath:  sysfsPath,
		DriverName: ReadDriverName(access, sysfsPath),
	}

	entries, err := access.ListDirectory(filepath.Join(sysfsPath, "drm"))
	if err == nil {
		for _, entry := range entries {
			if IsCardDevice(entry) || strings.HasPrefix(entry, renderPrefix) {
				d.NodePaths = append(d.NodePaths, filepath.Join(devDRIDir, entry))
			}
		}
	}

	return d, nil
}

// ReadDriverName returns the basename of the device's driver link, or "" when unbound.
func ReadDriverName(access sysfs.Access, sysfsPath string) string {
	target, err := access.RealPath(filepath.Join(sysfsPath, "driver"))
	if err != nil {
		return ""
	}
	return filepath.Base(target)
}

package resource_lifecycle

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/furiosa-ai/furiosa-device-reset/internal/sysfs"
)

type Domain string

const (
	Engine      Domain = "engine"
	RAS         Domain = "ras"
	Memory      Domain = "memory"
	Temperature Domain = "temperature"
	Power       Domain = "power"
	Diagnostics Domain = "diagnostics"
	Firmware    Domain = "firmware"
	Telemetry   Domain = "telemetry"
)

// ReleaseOrder releases the domains least likely to hold hardware mapped memory first.
// Reinit walks the same order.
var ReleaseOrder = []Domain{Engine, RAS, Memory, Temperature, Power, Diagnostics, Firmware, Telemetry}

func IsKnownDomain(name string) bool {
	for _, d := range ReleaseOrder {
		if string(d) == name {
			return true
		}
	}
	return false
}

// DefaultHandlePatterns lists, per domain, the files a context keeps open.
// Patterns are globs relative to the device sysfs directory.
var DefaultHandlePatterns = map[Domain][]string{
	Engine:      {"drm/card*/engine/*/class"},
	RAS:         {"aer_dev_correctable", "aer_dev_nonfatal", "aer_dev_fatal"},
	Memory:      {"mem_info_vram_total", "mem_info_vram_used"},
	Temperature: {"hwmon/hwmon*/temp*_input"},
	Power:       {"hwmon/hwmon*/energy*_input", "hwmon/hwmon*/power*_input"},
	Diagnostics: {"current_link_speed", "current_link_width"},
	Firmware:    {"vbios_version", "fw_version/*"},
	Telemetry:   {"*/intel_pmt/telem*/telem"},
}

// Subsystem is the handle context of one monitoring domain.
type Subsystem interface {
	Domain() Domain
	Init() error
	IsInitDone() bool
	ReleaseHandles()
	Snapshot() (map[string]string, error)
}

// Handle is an open monitoring file.
type Handle interface {
	io.ReaderAt
	io.Closer
}

type Opener func(path string) (Handle, error)

func openFile(path string) (Handle, error) {
	return os.Open(path)
}

var _ Subsystem = (*HandleContext)(nil)

// HandleContext keeps the files matching its patterns open between Init and ReleaseHandles.
type HandleContext struct {
	domain     Domain
	access     sysfs.Access
	devicePath string
	patterns   []string
	open       Opener

	paths    []string
	handles  []Handle
	initDone bool
}

func NewHandleContext(domain Domain, access sysfs.Access, devicePath string, patterns []string, open Opener) *HandleContext {
	return &HandleContext{
		domain:     domain,
		access:     access,
		devicePath: devicePath,
		patterns:   patterns,
		open:       open,
	}
}

// NewSysfsSubsystems builds one context per domain in release order. Domains missing
// from patterns fall back to DefaultHandlePatterns. A nil open keeps files open
// with os.Open and maps telemetry files.
func NewSysfsSubsystems(access sysfs.Access, devicePath string, patterns map[Domain][]string, open Opener) []Subsystem {
	var subsystems []Subsystem
	for _, domain := range ReleaseOrder {
		domainPatterns, ok := patterns[domain]
		if !ok {
			domainPatterns = DefaultHandlePatterns[domain]
		}

		domainOpen := open
		if domainOpen == nil {
			domainOpen = openFile
			if domain == Telemetry {
				domainOpen = mapFile
			}
		}
		subsystems = append(subsystems, NewHandleContext(domain, access, devicePath, domainPatterns, domainOpen))
	}
	return subsystems
}

func (h *HandleContext) Domain() Domain {
	return h.domain
}

func (h *HandleContext) Init() error {
	if h.initDone {
		return nil
	}

	var paths []string
	var handles []Handle
	for _, pattern := range h.patterns {
		matches, err := h.access.ScanDirEntries(filepath.Join(h.devicePath, pattern))
		if err != nil {
			closeAll(handles)
			return err
		}

		for _, match := range matches {
			handle, err := h.open(match)
			if err != nil {
				closeAll(handles)
				return fmt.Errorf("couldn't open %s: %w", match, err)
			}
			paths = append(paths, match)
			handles = append(handles, handle)
		}
	}

	h.paths = paths
	h.handles = handles
	h.initDone = true
	return nil
}

func (h *HandleContext) IsInitDone() bool {
	return h.initDone
}

func (h *HandleContext) ReleaseHandles() {
	closeAll(h.handles)
	h.handles = nil
	h.paths = nil
	h.initDone = false
}

// Snapshot re-reads every open handle from offset zero.
func (h *HandleContext) Snapshot() (map[string]string, error) {
	if !h.initDone {
		return nil, fmt.Errorf("%s handles are not initialized", h.domain)
	}

	result := make(map[string]string, len(h.handles))
	buf := make([]byte, 4096)
	for i, handle := range h.handles {
		n, err := handle.ReadAt(buf, 0)
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("couldn't read %s: %w", h.paths[i], err)
		}
		rel, relErr := filepath.Rel(h.devicePath, h.paths[i])
		if relErr != nil {
			rel = h.paths[i]
		}
		result[rel] = strings.TrimSpace(string(buf[:n]))
	}
	return result, nil
}

func closeAll(handles []Handle) {
	for _, handle := range handles {
		_ = handle.Close()
	}
}

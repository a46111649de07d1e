package device

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/furiosa-ai/furiosa-device-reset/internal/sysfs"
)

// State lists the conditions that call for a reset.
type State struct {
	Wedged        bool
	RepairPending bool
}

// ReadState reports whether the device is listed in the wedged file and whether
// its repair-pending attribute is set. Missing files mean the condition is absent.
func ReadState(access sysfs.Access, d *Device, wedgedFile, repairPendingFile string) (State, error) {
	wedged, err := IsWedged(access, d, wedgedFile)
	if err != nil {
		return State{}, err
	}

	repairPending, err := IsRepairPending(access, d, repairPendingFile)
	if err != nil {
		return State{}, err
	}

	return State{Wedged: wedged, RepairPending: repairPending}, nil
}

func IsWedged(access sysfs.Access, d *Device, wedgedFile string) (bool, error) {
	contents, err := access.Read(wedgedFile)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, err
	}

	for _, line := range strings.Split(contents, "\n") {
		if strings.EqualFold(strings.TrimSpace(line), d.BDF.String()) {
			return true, nil
		}
	}
	return false, nil
}

// IsRepairPending reads <device>/<repairPendingFile>, relative to the device sysfs dir.
func IsRepairPending(access sysfs.Access, d *Device, repairPendingFile string) (bool, error) {
	contents, err := access.Read(filepath.Join(d.SysfsPath, repairPendingFile))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, err
	}

	return contents == "1", nil
}

package process_scanner

import (
	"bufio"
	"context"
	"strconv"
	"strings"

	"github.com/furiosa-ai/furiosa-device-reset/internal/device"
	"github.com/rs/zerolog"
	"k8s.io/apimachinery/pkg/util/sets"
)

const (
	drmClientIDKey      = "drm-client-id"
	drmTotalVRAMPrefix  = "drm-total-vram"
	drmSharedVRAMPrefix = "drm-shared-vram"
	drmEnginePrefix     = "drm-engine-"
	drmCapacityPrefix   = "drm-engine-capacity-"

	kiB = 1024
	miB = 1024 * kiB
	giB = 1024 * miB
)

// ProcessState is the device usage of one holder, read from its drm fdinfo.
type ProcessState struct {
	Pid         int
	MemoryBytes uint64
	SharedBytes uint64
	Engines     []string
}

// ProcessStates reports usage for every holder of the device. A descriptor
// whose fdinfo can't be read contributes nothing.
func (s *Scanner) ProcessStates(ctx context.Context, d *device.Device) ([]ProcessState, error) {
	logger := zerolog.Ctx(ctx)

	holders, err := s.ListHolders(ctx, d)
	if err != nil {
		return nil, err
	}

	states := make([]ProcessState, 0, len(holders))
	for _, holder := range holders {
		state := ProcessState{Pid: holder.Pid}
		clients := sets.New[string]()
		engines := sets.New[string]()

		for _, fd := range sets.List(holder.OpenFileDescriptors) {
			info, err := s.procfs.FDInfo(holder.Pid, fd)
			if err != nil {
				logger.Debug().Err(err).Int("pid", holder.Pid).Int("fd", fd).Msg("couldn't read fdinfo")
				continue
			}

			usage := parseFDInfo(info)
			for _, unit := range usage.unknownUnits {
				logger.Debug().Int("pid", holder.Pid).Int("fd", fd).Str("unit", unit).Msg("ignoring memory value with unknown unit")
			}
			// dup'ed descriptors share a drm client, count it once
			if usage.clientID != "" {
				if clients.Has(usage.clientID) {
					continue
				}
				clients.Insert(usage.clientID)
			}

			state.MemoryBytes += usage.memory
			state.SharedBytes += usage.shared
			engines.Insert(usage.engines...)
		}

		state.Engines = sets.List(engines)
		states = append(states, state)
	}

	return states, nil
}

type fdUsage struct {
	clientID string
	memory   uint64
	shared   uint64
	engines  []string
	// unknownUnits lists memory units that were not counted
	unknownUnits []string
}

// parseFDInfo reads lines such as "drm-total-vram0:\t120 MiB" and "drm-engine-render:\t9000 ns".
func parseFDInfo(info string) fdUsage {
	var usage fdUsage

	scanner := bufio.NewScanner(strings.NewReader(info))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		fields := strings.Fields(value)
		if len(fields) == 0 {
			continue
		}

		if key == drmClientIDKey {
			usage.clientID = fields[0]
			continue
		}

		amount, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			continue
		}
		unit := ""
		if len(fields) > 1 {
			unit = fields[1]
		}

		switch {
		case strings.HasPrefix(key, drmTotalVRAMPrefix), strings.HasPrefix(key, drmSharedVRAMPrefix):
			size, ok := unitBytes(unit)
			if !ok {
				usage.unknownUnits = append(usage.unknownUnits, unit)
				continue
			}
			if strings.HasPrefix(key, drmTotalVRAMPrefix) {
				usage.memory += amount * size
			} else {
				usage.shared += amount * size
			}
		case strings.HasPrefix(key, drmCapacityPrefix):
		case strings.HasPrefix(key, drmEnginePrefix):
			if amount > 0 {
				usage.engines = append(usage.engines, strings.TrimPrefix(key, drmEnginePrefix))
			}
		}
	}

	return usage
}

func unitBytes(unit string) (uint64, bool) {
	switch unit {
	case "":
		return 1, true
	case "KiB":
		return kiB, true
	case "MiB":
		return miB, true
	case "GiB":
		return giB, true
	default:
		return 0, false
	}
}

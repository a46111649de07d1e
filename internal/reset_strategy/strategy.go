package reset_strategy

import (
	"strings"

	"github.com/furiosa-ai/furiosa-device-reset/internal/device"
	"github.com/furiosa-ai/furiosa-device-reset/internal/outcome"
)

// Type is the reset requested by the caller.
type Type int

const (
	Default Type = iota
	FunctionLevel
	Warm
	Cold
)

// Protocol is the hardware sequence actually run.
type Protocol int

const (
	ProtocolFunctionLevel Protocol = iota
	ProtocolWarm
	ProtocolCold
)

var typeNames = map[Type]string{
	Default:       "default",
	FunctionLevel: "flr",
	Warm:          "warm",
	Cold:          "cold",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "unsupported"
}

func (p Protocol) String() string {
	switch p {
	case ProtocolFunctionLevel:
		return "flr"
	case ProtocolWarm:
		return "warm"
	case ProtocolCold:
		return "cold"
	default:
		return "unsupported"
	}
}

// ParseType accepts default, flr, warm and cold.
func ParseType(name string) (Type, error) {
	for t, typeName := range typeNames {
		if strings.EqualFold(name, typeName) {
			return t, nil
		}
	}
	return Default, outcome.Newf(outcome.InvalidArgument, "parse reset type", "unknown reset type %q", name)
}

// Select resolves the protocol for the device. Default means FLR on integrated
// devices, whose bus segment is shared with platform firmware, and warm otherwise.
func Select(d *device.Device, t Type) (Protocol, error) {
	switch t {
	case Default:
		if d.Integrated {
			return ProtocolFunctionLevel, nil
		}
		return ProtocolWarm, nil
	case FunctionLevel:
		return ProtocolFunctionLevel, nil
	case Warm:
		if d.Integrated {
			return 0, outcome.Newf(outcome.InvalidArgument, "select reset", "warm reset is not supported on integrated device %s", d)
		}
		return ProtocolWarm, nil
	case Cold:
		if d.Integrated {
			return 0, outcome.Newf(outcome.InvalidArgument, "select reset", "cold reset is not supported on integrated device %s", d)
		}
		return ProtocolCold, nil
	default:
		return 0, outcome.Newf(outcome.InvalidArgument, "select reset", "unsupported reset type %d", t)
	}
}

package device

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	bdfPattern        = `^(?P<domain>[0-9a-fA-F]{4}):(?P<bus>[0-9a-fA-F]{2}):(?P<device>[0-9a-fA-F]{2})\.(?P<function>[0-7])$`
	subExpKeyDomain   = "domain"
	subExpKeyBus      = "bus"
	subExpKeyDevice   = "device"
	subExpKeyFunction = "function"
)

var (
	bdfRegExp = regexp.MustCompile(bdfPattern)
)

// BDF is a parsed PCI address, e.g. 0000:03:00.0.
type BDF struct {
	Domain   string
	Bus      string
	Device   string
	Function string
}

func IsValidBDF(bdf string) bool {
	return bdfRegExp.MatchString(bdf)
}

func ParseBDF(bdf string) (BDF, error) {
	if !bdfRegExp.MatchString(bdf) {
		return BDF{}, fmt.Errorf("couldn't parse the given string %s with bdf regex pattern: %s", bdf, bdfPattern)
	}

	matches := bdfRegExp.FindStringSubmatch(bdf)
	subExps := bdfRegExp.SubexpNames()

	namedMatches := map[string]string{}
	for i, match := range matches {
		subExp := subExps[i]
		if subExp == "" {
			continue
		}
		namedMatches[subExp] = strings.ToLower(match)
	}

	return BDF{
		Domain:   namedMatches[subExpKeyDomain],
		Bus:      namedMatches[subExpKeyBus],
		Device:   namedMatches[subExpKeyDevice],
		Function: namedMatches[subExpKeyFunction],
	}, nil
}

func (b BDF) String() string {
	return fmt.Sprintf("%s:%s:%s.%s", b.Domain, b.Bus, b.Device, b.Function)
}

// SlotAddress is the address a PCI hotplug slot reports, the BDF without its function.
func (b BDF) SlotAddress() string {
	return fmt.Sprintf("%s:%s:%s", b.Domain, b.Bus, b.Device)
}

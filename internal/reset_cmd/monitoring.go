package reset_cmd

import (
	"context"

	"github.com/furiosa-ai/furiosa-device-reset/internal/device"
	"github.com/furiosa-ai/furiosa-device-reset/internal/resource_lifecycle"
	"github.com/rs/zerolog"
	"k8s.io/apimachinery/pkg/util/sets"
)

// monitoredDomains are the subsystems sampled by state and watch.
var monitoredDomains = []resource_lifecycle.Domain{
	resource_lifecycle.Temperature,
	resource_lifecycle.Power,
	resource_lifecycle.Telemetry,
}

type domainSample struct {
	domain resource_lifecycle.Domain
	values map[string]string
}

// keys returns the sampled file names in order.
func (s domainSample) keys() []string {
	return sets.List(sets.KeySet(s.values))
}

// sampleMonitoring reads every monitored domain of d through its lifecycle,
// opening the handle contexts on first use. Unreadable domains are skipped.
func sampleMonitoring(ctx context.Context, d *device.Device) []domainSample {
	logger := zerolog.Ctx(ctx)

	var samples []domainSample
	for _, domain := range monitoredDomains {
		values, err := d.Lifecycle.Snapshot(domain)
		if err != nil {
			logger.Debug().Err(err).Str("bdf", d.String()).Str("subsystem", string(domain)).Msg("couldn't sample subsystem")
			continue
		}
		if len(values) == 0 {
			continue
		}
		samples = append(samples, domainSample{domain: domain, values: values})
	}
	return samples
}

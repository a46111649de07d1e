package resource_lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/furiosa-ai/furiosa-device-reset/internal/outcome"
	"github.com/rs/zerolog"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
)

// State is the lifecycle of one subsystem handle context.
type State int

const (
	Uninitialized State = iota
	Initialized
	ReleasedPendingReinit
)

func (s State) String() string {
	switch s {
	case Initialized:
		return "initialized"
	case ReleasedPendingReinit:
		return "released-pending-reinit"
	default:
		return "uninitialized"
	}
}

// ErrReleased is returned by Access while a reset holds the contexts released.
var ErrReleased = errors.New("subsystem handles are released for device reset")

// SubsystemError is one failed reinit step.
type SubsystemError struct {
	Domain Domain
	Err    error
}

func (e *SubsystemError) Error() string {
	return fmt.Sprintf("couldn't reinitialize %s: %v", e.Domain, e.Err)
}

func (e *SubsystemError) Unwrap() error {
	return e.Err
}

// Manager is the only writer of subsystem lifecycle state for one device.
type Manager struct {
	mu         sync.Mutex
	subsystems map[Domain]Subsystem
	states     map[Domain]State
	released   bool
}

func NewManager(subsystems ...Subsystem) *Manager {
	m := &Manager{
		subsystems: make(map[Domain]Subsystem, len(subsystems)),
		states:     make(map[Domain]State, len(subsystems)),
	}
	for _, s := range subsystems {
		m.subsystems[s.Domain()] = s
		m.states[s.Domain()] = Uninitialized
	}
	return m
}

// Access runs fn with the domain's context, initializing it on first use.
// It fails with ErrReleased between Release and Reinit.
func (m *Manager) Access(domain Domain, fn func(Subsystem) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.released {
		return ErrReleased
	}

	s, ok := m.subsystems[domain]
	if !ok {
		return fmt.Errorf("unknown subsystem %s", domain)
	}

	if m.states[domain] != Initialized || !s.IsInitDone() {
		if err := s.Init(); err != nil {
			return err
		}
		m.states[domain] = Initialized
	}

	return fn(s)
}

// Snapshot reads the current values of the domain's open files.
func (m *Manager) Snapshot(domain Domain) (map[string]string, error) {
	var snapshot map[string]string
	err := m.Access(domain, func(s Subsystem) error {
		var err error
		snapshot, err = s.Snapshot()
		return err
	})
	return snapshot, err
}

func (m *Manager) State(domain Domain) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[domain]
}

// Release closes the handles of every initialized context in ReleaseOrder.
// A second call before Reinit releases nothing.
func (m *Manager) Release(ctx context.Context) {
	logger := zerolog.Ctx(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.released = true
	for _, domain := range ReleaseOrder {
		s, ok := m.subsystems[domain]
		if !ok {
			continue
		}
		if m.states[domain] == ReleasedPendingReinit {
			continue
		}
		if !s.IsInitDone() {
			m.states[domain] = Uninitialized
			continue
		}

		s.ReleaseHandles()
		m.states[domain] = ReleasedPendingReinit
		logger.Debug().Str("subsystem", string(domain)).Msg("released subsystem handles")
	}
}

// Reinit initializes, in ReleaseOrder, only the contexts released by Release.
// All contexts are attempted; failures are aggregated into an IoFailure.
func (m *Manager) Reinit(ctx context.Context) error {
	logger := zerolog.Ctx(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, domain := range ReleaseOrder {
		if m.states[domain] != ReleasedPendingReinit {
			continue
		}

		if err := m.subsystems[domain].Init(); err != nil {
			logger.Warn().Err(err).Str("subsystem", string(domain)).Msg("couldn't reinitialize subsystem")
			m.states[domain] = Uninitialized
			errs = append(errs, &SubsystemError{Domain: domain, Err: err})
			continue
		}

		m.states[domain] = Initialized
		logger.Debug().Str("subsystem", string(domain)).Msg("reinitialized subsystem handles")
	}
	m.released = false

	if agg := utilerrors.NewAggregate(errs); agg != nil {
		return outcome.New(outcome.IoFailure, "reinit", agg)
	}
	return nil
}

// FailedDomains extracts the domains of a Reinit error.
func FailedDomains(err error) []Domain {
	var agg utilerrors.Aggregate
	if !errors.As(err, &agg) {
		return nil
	}

	var domains []Domain
	for _, e := range agg.Errors() {
		var subsystemErr *SubsystemError
		if errors.As(e, &subsystemErr) {
			domains = append(domains, subsystemErr.Domain)
		}
	}
	return domains
}

// Close destroys every context. The manager must not be used afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, domain := range ReleaseOrder {
		s, ok := m.subsystems[domain]
		if !ok {
			continue
		}
		if s.IsInitDone() {
			s.ReleaseHandles()
		}
		m.states[domain] = Uninitialized
	}
	m.released = true
}

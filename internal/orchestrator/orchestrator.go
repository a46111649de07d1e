package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/furiosa-ai/furiosa-device-reset/internal/device"
	"github.com/furiosa-ai/furiosa-device-reset/internal/hw_reset"
	"github.com/furiosa-ai/furiosa-device-reset/internal/observability"
	"github.com/furiosa-ai/furiosa-device-reset/internal/outcome"
	"github.com/furiosa-ai/furiosa-device-reset/internal/process_scanner"
	"github.com/furiosa-ai/furiosa-device-reset/internal/reset_strategy"
	"github.com/furiosa-ai/furiosa-device-reset/internal/resource_lifecycle"
	"github.com/furiosa-ai/furiosa-device-reset/internal/sysfs"
	"github.com/rs/zerolog"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"
)

type Config struct {
	ResetTimeout time.Duration
	PollInterval time.Duration
}

// Request is one reset call.
type Request struct {
	Force bool
	Type  reset_strategy.Type
}

// Orchestrator sequences a reset: permission check, resource release, holder
// cleanup, detach, bounded wait, trigger, reattach and resource reinit.
type Orchestrator struct {
	access   sysfs.Access
	scanner  *process_scanner.Scanner
	executor *hw_reset.Executor
	clock    clock.Clock
	metrics  *observability.Metrics
	config   Config
}

func New(access sysfs.Access, scanner *process_scanner.Scanner, executor *hw_reset.Executor, clk clock.Clock, metrics *observability.Metrics, config Config) *Orchestrator {
	return &Orchestrator{
		access:   access,
		scanner:  scanner,
		executor: executor,
		clock:    clk,
		metrics:  metrics,
		config:   config,
	}
}

// Reset resets the device with the protocol its topology calls for.
func (o *Orchestrator) Reset(ctx context.Context, d *device.Device, force bool) error {
	return o.ResetExt(ctx, d, Request{Force: force, Type: reset_strategy.Default})
}

// ResetExt resets the device with an explicit reset type. The returned error
// carries an outcome.Kind; nil is Success. On any failure after the driver was
// unbound the device is bound again before returning, and monitoring state is
// rebuilt on every path that released it.
func (o *Orchestrator) ResetExt(ctx context.Context, d *device.Device, req Request) (err error) {
	logger := zerolog.Ctx(ctx).With().Str("bdf", d.String()).Str("type", req.Type.String()).Logger()
	ctx = logger.WithContext(ctx)

	start := o.clock.Now()
	defer func() {
		o.metrics.ObserveReset(req.Type.String(), outcome.KindOf(err).String(), o.clock.Since(start))
		if err != nil {
			logger.Err(err).Msg(fmt.Sprintf("reset finished with %s", outcome.KindOf(err)))
		} else {
			logger.Info().Dur("elapsed", o.clock.Since(start)).Msg("reset finished")
		}
	}()

	if !o.access.IsRootUser() {
		return outcome.Newf(outcome.PermissionDenied, "permission check", "resetting %s requires root", d)
	}

	protocol, err := reset_strategy.Select(d, req.Type)
	if err != nil {
		return err
	}

	if !d.TryLockReset() {
		return outcome.Newf(outcome.Busy, "lock device", "another reset of %s is in progress", d)
	}
	defer d.UnlockReset()

	d.Lifecycle.Release(ctx)
	defer o.reinit(ctx, d)

	logger.Debug().Str("protocol", protocol.String()).Bool("force", req.Force).Msg("resetting device")
	return o.run(ctx, d, protocol, req.Force)
}

func (o *Orchestrator) run(ctx context.Context, d *device.Device, protocol reset_strategy.Protocol, force bool) error {
	holders, err := o.scanner.ListHolders(ctx, d)
	if err != nil {
		return err
	}

	own, others := o.scanner.SplitOwn(holders)
	if len(others) > 0 && !force {
		return outcome.Newf(outcome.Busy, "process cleanup", "%s is held open by %d processes", d, len(others))
	}

	waiting := sets.New[int]()
	for _, holder := range others {
		o.kill(ctx, holder.Pid)
		waiting.Insert(holder.Pid)
	}

	// own descriptors must be closed before unbind or the kernel keeps a reference
	if err := o.scanner.CloseOwn(own); err != nil {
		return err
	}

	target, err := o.executor.Detach(ctx, d, protocol)
	if target == nil {
		return err
	}
	if err != nil {
		return o.rollback(ctx, target, err)
	}

	// the device is detached now, anyone who opened it since the first scan goes regardless of force
	late, err := o.scanner.ListHolders(ctx, d)
	if err != nil {
		return o.rollback(ctx, target, err)
	}
	_, lateOthers := o.scanner.SplitOwn(late)
	for _, holder := range lateOthers {
		if waiting.Has(holder.Pid) {
			continue
		}
		zerolog.Ctx(ctx).Warn().Int("pid", holder.Pid).Msg("process opened the device during reset")
		o.kill(ctx, holder.Pid)
		waiting.Insert(holder.Pid)
	}

	if err := o.waitForExit(ctx, sets.List(waiting)); err != nil {
		return o.rollback(ctx, target, err)
	}

	if err := o.executor.Trigger(ctx, target); err != nil {
		return o.rollback(ctx, target, err)
	}

	return o.executor.Reattach(ctx, target)
}

// kill is best effort, the wait afterwards decides.
func (o *Orchestrator) kill(ctx context.Context, pid int) {
	logger := zerolog.Ctx(ctx)

	if err := o.scanner.Kill(pid); err != nil {
		logger.Warn().Err(err).Int("pid", pid).Msg("couldn't kill holder process")
		return
	}
	o.metrics.HolderProcessesKilled.Inc()
	logger.Info().Int("pid", pid).Msg("killed holder process")
}

// waitForExit polls every pid until it exits or ResetTimeout passes since the wait began.
func (o *Orchestrator) waitForExit(ctx context.Context, pids []int) error {
	if len(pids) == 0 {
		return nil
	}

	start := o.clock.Now()
	defer func() {
		o.metrics.ProcessWaitDuration.Observe(o.clock.Since(start).Seconds())
	}()

	for _, pid := range pids {
		for o.scanner.IsAlive(pid) {
			if o.clock.Since(start) > o.config.ResetTimeout {
				return outcome.Newf(outcome.Busy, "process wait", "process %d still holds the device after %s", pid, o.config.ResetTimeout)
			}
			o.clock.Sleep(o.config.PollInterval)
		}
		zerolog.Ctx(ctx).Debug().Int("pid", pid).Msg("holder process exited")
	}

	return nil
}

// rollback reattaches the device and returns the cause.
func (o *Orchestrator) rollback(ctx context.Context, target *hw_reset.Target, cause error) error {
	if err := o.executor.Reattach(ctx, target); err != nil {
		zerolog.Ctx(ctx).Err(err).Msg("couldn't restore the device binding after a failed reset")
	}
	return cause
}

// reinit failures leave monitoring degraded but never fail the reset itself.
func (o *Orchestrator) reinit(ctx context.Context, d *device.Device) {
	err := d.Lifecycle.Reinit(ctx)
	if err == nil {
		return
	}

	for _, domain := range resource_lifecycle.FailedDomains(err) {
		o.metrics.SubsystemReinitFailures.WithLabelValues(string(domain)).Inc()
	}
	zerolog.Ctx(ctx).Warn().Err(err).Msg("monitoring state was only partially restored")
}

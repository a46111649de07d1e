package reset_cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/furiosa-ai/furiosa-device-reset/internal/config"
	"github.com/furiosa-ai/furiosa-device-reset/internal/device"
	"github.com/furiosa-ai/furiosa-device-reset/internal/observability"
	"github.com/furiosa-ai/furiosa-device-reset/internal/orchestrator"
	"github.com/furiosa-ai/furiosa-device-reset/internal/outcome"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/util/sets"
)

const watchSubject = "watch_loop"

func newWatchCommand(opts *rootOptions) *cobra.Command {
	var autoReset bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch for wedged devices and optionally reset them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for {
				restart, err := watch(cmd, opts, autoReset)
				if err != nil || !restart {
					return err
				}
			}
		},
	}

	cmd.Flags().BoolVar(&autoReset, "auto-reset", false, "force reset devices once they are reported wedged")

	return cmd
}

// watch runs the event loop until a signal arrives. It returns restart when the
// configuration changed and the loop should start over with the new one.
func watch(cmd *cobra.Command, opts *rootOptions, autoReset bool) (bool, error) {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// the config directory must exist so the watcher can follow config updates
	confUpdateChan := make(chan fsnotify.Event, 1)
	conf, err := config.GetConfigWithWatcher(ctx, confUpdateChan, opts.configPath)
	if err != nil {
		logger := newLogger(cmd.ErrOrStderr(), watchSubject, false)
		logger.Err(err).Msg("couldn't parse configuration")
		return false, outcome.New(outcome.InvalidArgument, "load config", err)
	}

	logger := newLogger(cmd.ErrOrStderr(), watchSubject, conf.DebugMode)
	ctx = logger.WithContext(ctx)

	wedgedChan := make(chan fsnotify.Event, 1)
	if err := config.WatchFiles(ctx, wedgedChan, conf.WedgedFile); err != nil {
		logger.Err(err).Msg(fmt.Sprintf("couldn't watch the path %s", conf.WedgedFile))
		return false, err
	}

	//os signal listener
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	defer signal.Stop(sigChan)

	s, err := opts.open(ctx, conf)
	if err != nil {
		return false, err
	}
	defer s.Close()

	w, err := newWedgedWatcher(opts, s, autoReset)
	if err != nil {
		return false, err
	}

	logger.Info().Int("devices", s.arena.Len()).Bool("auto_reset", autoReset).Msg("start event loop")
	w.check(ctx)

	for {
		select {
		case <-wedgedChan:
			w.check(ctx)
		case event := <-confUpdateChan:
			logger.Info().Msg(fmt.Sprintf("configuration file %s has been changed, restarting watch loop", event.Name))
			return true, nil
		case sig := <-sigChan:
			logger.Info().Msg(fmt.Sprintf("signal %d received.", sig))
			return false, nil
		case <-ctx.Done():
			return false, nil
		}
	}
}

// wedgedWatcher resets devices reported wedged, once per report.
type wedgedWatcher struct {
	session   *session
	orch      *orchestrator.Orchestrator
	autoReset bool
	// handled holds devices already dealt with that are still listed as wedged
	handled sets.Set[string]
}

func newWedgedWatcher(opts *rootOptions, s *session, autoReset bool) (*wedgedWatcher, error) {
	orch, err := newOrchestrator(opts, s, observability.NewMetrics())
	if err != nil {
		return nil, err
	}

	return &wedgedWatcher{
		session:   s,
		orch:      orch,
		autoReset: autoReset,
		handled:   sets.New[string](),
	}, nil
}

func (w *wedgedWatcher) check(ctx context.Context) {
	logger := zerolog.Ctx(ctx)

	for _, d := range w.session.arena.Devices() {
		bdf := d.BDF.String()

		// keeps the monitoring handles open, a reset releases and reopens them
		for _, sample := range sampleMonitoring(ctx, d) {
			logger.Debug().Str("bdf", bdf).Str("subsystem", string(sample.domain)).Interface("values", sample.values).Msg("sampled subsystem")
		}

		wedged, err := device.IsWedged(w.session.access, d, w.session.conf.WedgedFile)
		if err != nil {
			logger.Err(err).Str("bdf", bdf).Msg("couldn't read wedged state")
			continue
		}
		if !wedged {
			w.handled.Delete(bdf)
			continue
		}
		if w.handled.Has(bdf) {
			continue
		}
		w.handled.Insert(bdf)

		if !w.autoReset {
			logger.Warn().Str("bdf", bdf).Msg("device is wedged")
			continue
		}

		logger.Warn().Str("bdf", bdf).Msg("device is wedged, resetting")
		if err := w.orch.Reset(ctx, d, true); err != nil {
			logger.Err(err).Str("bdf", bdf).Msg("couldn't reset wedged device")
		}
	}
}

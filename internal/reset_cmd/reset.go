package reset_cmd

import (
	"context"
	"fmt"

	"github.com/furiosa-ai/furiosa-device-reset/internal/hw_reset"
	"github.com/furiosa-ai/furiosa-device-reset/internal/observability"
	"github.com/furiosa-ai/furiosa-device-reset/internal/orchestrator"
	"github.com/furiosa-ai/furiosa-device-reset/internal/outcome"
	"github.com/furiosa-ai/furiosa-device-reset/internal/reset_strategy"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type resetOptions struct {
	force           bool
	resetType       string
	metricsTextfile string
}

func newResetDeviceCommand(opts *rootOptions) *cobra.Command {
	resetOpts := &resetOptions{}

	cmd := &cobra.Command{
		Use:   "reset <device>",
		Short: "Reset a device given by index or bdf",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, conf, err := opts.start(cmd, "reset")
			if err != nil {
				return err
			}

			s, err := opts.open(ctx, conf)
			if err != nil {
				return err
			}
			defer s.Close()

			return runReset(ctx, cmd, opts, s, args[0], resetOpts)
		},
	}

	cmd.Flags().BoolVar(&resetOpts.force, "force", false, "kill processes holding the device")
	cmd.Flags().StringVar(&resetOpts.resetType, "type", reset_strategy.Default.String(), "reset type: default, flr, warm or cold")
	cmd.Flags().StringVar(&resetOpts.metricsTextfile, "metrics-textfile", "", "write reset metrics to this node exporter textfile")

	return cmd
}

// newOrchestrator wires the reset pipeline for one session.
func newOrchestrator(opts *rootOptions, s *session, metrics *observability.Metrics) (*orchestrator.Orchestrator, error) {
	executorConfig, err := s.conf.ExecutorConfig()
	if err != nil {
		return nil, outcome.New(outcome.InvalidArgument, "load config", err)
	}

	executor := hw_reset.NewExecutor(s.access, opts.env.clock, executorConfig)
	return orchestrator.New(s.access, s.scanner, executor, opts.env.clock, metrics, s.conf.OrchestratorConfig()), nil
}

func runReset(ctx context.Context, cmd *cobra.Command, opts *rootOptions, s *session, ref string, resetOpts *resetOptions) error {
	logger := zerolog.Ctx(ctx)

	resetType, err := reset_strategy.ParseType(resetOpts.resetType)
	if err != nil {
		return err
	}

	d, err := s.lookup(ref)
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics()
	orch, err := newOrchestrator(opts, s, metrics)
	if err != nil {
		return err
	}

	resetErr := orch.ResetExt(ctx, d, orchestrator.Request{Force: resetOpts.force, Type: resetType})

	if resetOpts.metricsTextfile != "" {
		if err := metrics.WriteTextfile(resetOpts.metricsTextfile); err != nil {
			logger.Err(err).Msg(fmt.Sprintf("couldn't write metrics to %s", resetOpts.metricsTextfile))
		}
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", d, outcome.KindOf(resetErr))
	return resetErr
}

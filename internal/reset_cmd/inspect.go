package reset_cmd

import (
	"fmt"
	"strings"

	"github.com/furiosa-ai/furiosa-device-reset/internal/device"
	"github.com/furiosa-ai/furiosa-device-reset/internal/outcome"
	"github.com/spf13/cobra"
)

func newListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List discovered devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, conf, err := opts.start(cmd, "list")
			if err != nil {
				return err
			}

			s, err := opts.open(ctx, conf)
			if err != nil {
				return err
			}
			defer s.Close()

			out := cmd.OutOrStdout()
			for _, d := range s.arena.Devices() {
				driver := device.ReadDriverName(s.access, d.SysfsPath)
				if driver == "" {
					driver = "-"
				}
				_, _ = fmt.Fprintf(out, "%d %s driver=%s integrated=%t\n", d.Index, d.BDF, driver, d.Integrated)
			}
			return nil
		},
	}
}

func newHoldersCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "holders <device>",
		Short: "Show processes holding a device open",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, conf, err := opts.start(cmd, "holders")
			if err != nil {
				return err
			}

			s, err := opts.open(ctx, conf)
			if err != nil {
				return err
			}
			defer s.Close()

			d, err := s.lookup(args[0])
			if err != nil {
				return err
			}

			states, err := s.scanner.ProcessStates(ctx, d)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, state := range states {
				engines := "-"
				if len(state.Engines) > 0 {
					engines = strings.Join(state.Engines, ",")
				}
				_, _ = fmt.Fprintf(out, "%d memory=%d shared=%d engines=%s\n", state.Pid, state.MemoryBytes, state.SharedBytes, engines)
			}
			return nil
		},
	}
}

func newStateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "state <device>",
		Short: "Show whether a device needs a reset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, conf, err := opts.start(cmd, "state")
			if err != nil {
				return err
			}

			s, err := opts.open(ctx, conf)
			if err != nil {
				return err
			}
			defer s.Close()

			d, err := s.lookup(args[0])
			if err != nil {
				return err
			}

			state, err := device.ReadState(s.access, d, conf.WedgedFile, conf.RepairPendingFile)
			if err != nil {
				return outcome.New(outcome.IoFailure, "read state", err)
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "%s wedged=%t repair_pending=%t\n", d, state.Wedged, state.RepairPending)
			for _, sample := range sampleMonitoring(ctx, d) {
				for _, key := range sample.keys() {
					_, _ = fmt.Fprintf(out, "%s %s=%s\n", sample.domain, key, sample.values[key])
				}
			}
			return nil
		},
	}
}

package reset_cmd

import (
	"context"
	"io"

	"github.com/furiosa-ai/furiosa-device-reset/internal/config"
	"github.com/furiosa-ai/furiosa-device-reset/internal/device"
	"github.com/furiosa-ai/furiosa-device-reset/internal/outcome"
	"github.com/furiosa-ai/furiosa-device-reset/internal/process_scanner"
	"github.com/furiosa-ai/furiosa-device-reset/internal/resource_lifecycle"
	"github.com/furiosa-ai/furiosa-device-reset/internal/sysfs"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"
)

const (
	cmdUse     = "furiosa-device-reset"
	cmdShort   = "Reset DRM GPU devices such as xe cards"
	cmdExample = "furiosa-device-reset reset 0000:03:00.0 --force"

	configFlag = "config"
)

// environment is the host side every subcommand runs against.
type environment struct {
	newAccess func() sysfs.Access
	newProcfs func(root string) (process_scanner.Procfs, error)
	clock     clock.Clock
	// open opens monitoring files, nil opens them on the host
	open resource_lifecycle.Opener
}

func hostEnvironment() environment {
	return environment{
		newAccess: sysfs.NewAccess,
		newProcfs: process_scanner.NewProcfs,
		clock:     clock.RealClock{},
	}
}

type rootOptions struct {
	env        environment
	configPath string
}

// session is what one command invocation works with.
type session struct {
	conf    *config.Config
	access  sysfs.Access
	arena   *device.Arena
	scanner *process_scanner.Scanner
}

func (s *session) Close() {
	s.arena.Close()
}

// lookup resolves a device argument, an arena index or a bdf.
func (s *session) lookup(ref string) (*device.Device, error) {
	d, err := s.arena.Lookup(ref)
	if err != nil {
		return nil, outcome.New(outcome.InvalidArgument, "lookup device", err)
	}
	return d, nil
}

func NewResetCommand() *cobra.Command {
	return newResetCommand(hostEnvironment())
}

func newResetCommand(env environment) *cobra.Command {
	opts := &rootOptions{env: env}

	rootCmd := &cobra.Command{
		Use:          cmdUse,
		Short:        cmdShort,
		Example:      cmdExample,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, configFlag, config.DefaultConfigPath, "path to the configuration file")

	rootCmd.AddCommand(
		newResetDeviceCommand(opts),
		newListCommand(opts),
		newHoldersCommand(opts),
		newStateCommand(opts),
		newWatchCommand(opts),
	)

	return rootCmd
}

func newLogger(out io.Writer, subject string, debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("subject", subject).Logger()
}

// start loads the configuration and attaches a logger for subject to the command context.
func (o *rootOptions) start(cmd *cobra.Command, subject string) (context.Context, *config.Config, error) {
	conf, err := config.GetConfig(o.configPath)
	if err != nil {
		logger := newLogger(cmd.ErrOrStderr(), subject, false)
		logger.Err(err).Msg("couldn't parse configuration")
		return nil, nil, outcome.New(outcome.InvalidArgument, "load config", err)
	}

	logger := newLogger(cmd.ErrOrStderr(), subject, conf.DebugMode)
	return logger.WithContext(cmd.Context()), conf, nil
}

// open discovers the devices described by conf.
func (o *rootOptions) open(ctx context.Context, conf *config.Config) (*session, error) {
	logger := zerolog.Ctx(ctx)

	opts, err := conf.DiscoverOptions()
	if err != nil {
		return nil, outcome.New(outcome.InvalidArgument, "load config", err)
	}
	opts.Open = o.env.open

	access := o.env.newAccess()
	arena, err := device.Discover(ctx, access, opts)
	if err != nil {
		logger.Err(err).Msg("couldn't discover devices")
		return nil, outcome.New(outcome.IoFailure, "discover devices", err)
	}

	procfs, err := o.env.newProcfs(conf.ProcfsRoot)
	if err != nil {
		arena.Close()
		logger.Err(err).Msg("couldn't open procfs")
		return nil, outcome.New(outcome.IoFailure, "open procfs", err)
	}

	return &session{
		conf:    conf,
		access:  access,
		arena:   arena,
		scanner: process_scanner.NewScanner(procfs),
	}, nil
}

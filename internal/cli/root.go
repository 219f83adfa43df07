// Package cli is the caststream command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"go2tv.app/caststream/internal/adapters/go2tv"
	"go2tv.app/caststream/internal/beam"
	"go2tv.app/caststream/internal/buildinfo"
	"go2tv.app/caststream/internal/config"
	"go2tv.app/caststream/internal/discovery"
	"go2tv.app/caststream/internal/domain"
	"go2tv.app/caststream/internal/lifecycle"
	"go2tv.app/caststream/internal/mcpserver"
)

const (
	deviceListTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Manager is everything the commands need from the cast layer.
type Manager interface {
	mcpserver.Caster
	PlayAndWait(ctx context.Context, req domain.CastRequest) (*domain.CastResult, error)
	Close(ctx context.Context) error
}

type Options struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	// NewManager builds the cast layer once flags and config are resolved.
	NewManager func(cfg config.Config, logger *slog.Logger) Manager
}

type app struct {
	opts Options

	configPath string
	device     string
	logLevel   string

	cfg    config.Config
	logger *slog.Logger
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), lifecycle.TerminationSignals()...)
	defer stop()

	root := NewRootCommand(Options{})
	if err := root.ExecuteContext(ctx); err != nil {
		printError(os.Stderr, err)
		return 1
	}
	return 0
}

func NewRootCommand(opts Options) *cobra.Command {
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.NewManager == nil {
		opts.NewManager = newManager
	}
	a := &app{opts: opts}

	root := &cobra.Command{
		Use:   buildinfo.Name,
		Short: "Control Chromecast devices from the command line",
		Long: `caststream finds Google Cast receivers on the local network and plays
local files or URLs on them. It can also serve its controls to an MCP client.

Use "caststream [command] --help" for more information about a command.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}
	root.SetIn(opts.Stdin)
	root.SetOut(opts.Stdout)
	root.SetErr(opts.Stderr)

	flags := root.PersistentFlags()
	flags.StringVarP(&a.device, "device", "d", "", "device name or IP address (default: first device found)")
	flags.StringVar(&a.configPath, "config", "", "config file (default: $"+config.EnvConfigPath+" or ~/.config/caststream/caststream.ini)")
	flags.StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error (default: $"+config.EnvLogLevel+" or info)")

	root.AddCommand(
		a.playCommand(),
		a.playURLCommand(),
		a.controlCommand("pause", "Pause playback", "pause"),
		a.controlCommand("continue", "Resume paused playback", "play"),
		a.controlCommand("stop", "Stop playback", "stop"),
		a.statusCommand(),
		a.setVolumeCommand(),
		a.volumeCommand("volup", "Raise the volume by 0.1", "+"),
		a.volumeCommand("voldown", "Lower the volume by 0.1", "-"),
		a.volumeCommand("mute", "Set the volume to 0", "mute"),
		a.deviceListCommand(),
		a.mcpCommand(),
		a.doctorCommand(),
		a.versionCommand(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	path, err := config.ResolvePath(a.configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = a.logLevel
	}

	a.cfg = cfg
	a.logger = newLogger(a.opts.Stderr, parseLogLevel(cfg.Logging.Level, a.opts.Stderr))
	a.logger.Debug("config_loaded", slog.String("path", cfg.Path), slog.String("version", buildinfo.Version))
	return nil
}

func newManager(cfg config.Config, logger *slog.Logger) Manager {
	bundle := go2tv.NewBundle(logger)
	finder := discovery.NewService(cfg.Discovery, logger)
	return beam.NewManager(finder, bundle.CastFactory, bundle.ServerFactory, beam.Settings{
		MediaPort:         cfg.Media.Port,
		Transcoder:        cfg.Media.Transcoder,
		SubtitlesLanguage: cfg.Media.SubtitlesLanguage,
	}, logger)
}

// withManager builds the cast layer for one command and tears it down after.
func (a *app) withManager(ctx context.Context, fn func(Manager) error) error {
	m := a.opts.NewManager(a.cfg, a.logger)
	err := fn(m)

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if closeErr := m.Close(closeCtx); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

func printError(w io.Writer, err error) {
	var de *domain.Error
	if errors.As(err, &de) {
		fmt.Fprintf(w, "Error: %s\n", de.Message)
		for _, fix := range de.SuggestedFixes {
			fmt.Fprintf(w, "  hint: %s\n", fix)
		}
		return
	}
	fmt.Fprintf(w, "Error: %v\n", err)
}

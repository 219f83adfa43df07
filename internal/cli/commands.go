package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"go2tv.app/caststream/internal/buildinfo"
	"go2tv.app/caststream/internal/diagnostics"
	"go2tv.app/caststream/internal/domain"
	"go2tv.app/caststream/internal/mcpserver"
)

func (a *app) playCommand() *cobra.Command {
	var (
		req        domain.CastRequest
		transcoder string
		port       int
	)
	cmd := &cobra.Command{
		Use:   "play FILE",
		Short: "Play a local media file and wait until it ends",
		Long: `Serve a local file to the device and play it. The command returns when
playback ends; interrupting it stops playback on the device.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("transcoder") {
				transcoder = strings.ToLower(strings.TrimSpace(transcoder))
				if transcoder != "ffmpeg" && transcoder != "avconv" {
					return domain.NewError(domain.CodeInvalidArgument, fmt.Sprintf("unknown transcoder %q: expected ffmpeg or avconv", transcoder))
				}
				a.cfg.Media.Transcoder = transcoder
			}
			if cmd.Flags().Changed("port") {
				if port < 0 || port > 65535 {
					return domain.NewError(domain.CodeInvalidArgument, fmt.Sprintf("invalid port %d", port))
				}
				a.cfg.Media.Port = port
			}
			req.Source = args[0]
			return a.playAndWait(cmd, req)
		},
	}
	cmd.Flags().BoolVar(&req.Transcode, "transcode", false, "transcode to MP4 with ffmpeg or avconv")
	cmd.Flags().StringVar(&transcoder, "transcoder", "", "preferred transcoder: ffmpeg or avconv")
	cmd.Flags().IntVar(&port, "port", 0, "local media server port (default: a free port)")
	cmd.Flags().StringVar(&req.SubtitlesPath, "subtitles", "", "subtitle file (.srt or .vtt)")
	cmd.Flags().StringVar(&req.SubtitlesLanguage, "subtitles-language", "", "subtitle language tag (default from config, en-US)")
	return cmd
}

func (a *app) playURLCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "playurl URL",
		Short: "Play a remote URL and wait until it ends",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.playAndWait(cmd, domain.CastRequest{Source: args[0]})
		},
	}
}

func (a *app) playAndWait(cmd *cobra.Command, req domain.CastRequest) error {
	req.TargetDevice = a.device
	ctx := cmd.Context()
	return a.withManager(ctx, func(m Manager) error {
		result, err := m.PlayAndWait(ctx, req)
		if err != nil {
			return err
		}
		for _, warning := range result.Warnings {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", warning)
		}
		if ctx.Err() != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "Stopped %s on %s\n", req.Source, result.Device)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Finished %s on %s\n", req.Source, result.Device)
		return nil
	})
}

func (a *app) controlCommand(use, short, action string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withManager(cmd.Context(), func(m Manager) error {
				return m.Control(cmd.Context(), domain.ControlRequest{TargetDevice: a.device, Action: action})
			})
		},
	}
}

func (a *app) statusCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show what the device is doing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withManager(cmd.Context(), func(m Manager) error {
				status, err := m.Status(cmd.Context(), a.device)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, status)
				}
				printStatus(cmd, status)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the status as JSON")
	return cmd
}

func printStatus(cmd *cobra.Command, status *domain.StatusResult) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Device:   %s (%s)\n", status.Device, status.Address)
	if status.StatusText != "" {
		fmt.Fprintf(out, "App:      %s\n", status.StatusText)
	}
	state := "idle"
	if !status.Idle {
		state = strings.ToLower(status.PlayerState)
		if state == "" {
			state = "busy"
		}
	}
	fmt.Fprintf(out, "State:    %s\n", state)
	if status.ContentID != "" {
		fmt.Fprintf(out, "Media:    %s at %.1fs\n", status.ContentID, status.CurrentTime)
	}
	if status.Volume != nil {
		muted := ""
		if status.Muted {
			muted = " (muted)"
		}
		fmt.Fprintf(out, "Volume:   %.2f%s\n", *status.Volume, muted)
	}
}

func (a *app) setVolumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "setvol LEVEL",
		Short: "Set the volume: 0..1, + or -",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.setVolume(cmd, args[0])
		},
	}
}

func (a *app) volumeCommand(use, short, level string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.setVolume(cmd, level)
		},
	}
}

func (a *app) setVolume(cmd *cobra.Command, level string) error {
	return a.withManager(cmd.Context(), func(m Manager) error {
		return m.SetVolume(cmd.Context(), domain.VolumeRequest{TargetDevice: a.device, Level: level})
	})
}

func (a *app) deviceListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "devicelist",
		Short: "List cast devices on the network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withManager(cmd.Context(), func(m Manager) error {
				devices, err := m.ListDevices(cmd.Context(), deviceListTimeout)
				if err != nil {
					return err
				}
				if len(devices) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No devices found")
					return nil
				}
				for _, dev := range devices {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", dev.Address, dev.Name)
				}
				return nil
			})
		},
	}
}

func (a *app) mcpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve cast tools to an MCP client over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a.logger.Info("mcp_server_start", slog.String("version", buildinfo.Version))
			return a.withManager(ctx, func(m Manager) error {
				srv := mcpserver.New(cmd.InOrStdin(), cmd.OutOrStdout(), mcpserver.Config{
					ServerName:    buildinfo.Name,
					ServerVersion: buildinfo.Version,
					Logger:        a.logger,
					Caster:        m,
				})
				err := srv.Run(ctx)
				if err != nil {
					a.logger.Warn("mcp_server_stopping", slog.String("reason", err.Error()))
				} else {
					a.logger.Info("mcp_server_stopping", slog.String("reason", "clean_eof"))
				}
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
}

type doctorReport struct {
	Name         string                       `json:"name"`
	Version      string                       `json:"version"`
	ConfigPath   string                       `json:"config_path"`
	Discovery    doctorDiscovery              `json:"discovery"`
	Media        doctorMedia                  `json:"media"`
	Dependencies diagnostics.DependencyReport `json:"dependencies"`
}

type doctorDiscovery struct {
	MDNS      bool   `json:"mdns"`
	SSDP      bool   `json:"ssdp"`
	Timeout   string `json:"timeout"`
	CacheFile string `json:"cache_file"`
}

type doctorMedia struct {
	Port              int    `json:"port"`
	Transcoder        string `json:"transcoder,omitempty"`
	SubtitlesLanguage string `json:"subtitles_language"`
}

func (a *app) doctorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Report transcoder availability and the configuration in effect",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return writeJSON(cmd, doctorReport{
				Name:       buildinfo.Name,
				Version:    buildinfo.Version,
				ConfigPath: a.cfg.Path,
				Discovery: doctorDiscovery{
					MDNS:      a.cfg.Discovery.MDNS,
					SSDP:      a.cfg.Discovery.SSDP,
					Timeout:   a.cfg.Discovery.Timeout.String(),
					CacheFile: a.cfg.Discovery.CacheFile,
				},
				Media: doctorMedia{
					Port:              a.cfg.Media.Port,
					Transcoder:        a.cfg.Media.Transcoder,
					SubtitlesLanguage: a.cfg.Media.SubtitlesLanguage,
				},
				Dependencies: diagnostics.DetectDependencies(a.cfg.Media.Transcoder),
			})
		},
	}
}

func (a *app) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), buildinfo.Version)
			return nil
		},
	}
}

func writeJSON(cmd *cobra.Command, v any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// Package castsession drives the media player application on a cast
// receiver: launching it, loading media, transport control, status and
// volume. Every operation opens its own control channel and closes it
// before returning.
package castsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"go2tv.app/caststream/internal/castchannel"
	"go2tv.app/caststream/internal/domain"
)

const (
	NamespaceConnection = "urn:x-cast:com.google.cast.tp.connection"
	NamespaceHeartbeat  = "urn:x-cast:com.google.cast.tp.heartbeat"
	NamespaceReceiver   = "urn:x-cast:com.google.cast.receiver"
	NamespaceMedia      = "urn:x-cast:com.google.cast.media"

	// MediaPlayerAppID identifies the default media receiver application.
	MediaPlayerAppID = "CC1AD845"
	ReceiverID       = "receiver-0"
	DefaultSourceID  = "sender-0"

	DefaultSubtitleLanguage = "en-US"
	readyToCastText         = "Ready To Cast"
	volumeStep              = 0.1
	defaultPollInterval     = 2 * time.Second
)

type Options struct {
	Port         int
	Dial         castchannel.DialFunc
	SourceID     string
	PollInterval time.Duration
	Logger       *slog.Logger
}

type Controller struct {
	address      string
	port         int
	dial         castchannel.DialFunc
	sourceID     string
	pollInterval time.Duration
	logger       *slog.Logger
}

func New(address string, opts Options) *Controller {
	if opts.SourceID == "" {
		opts.SourceID = DefaultSourceID
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	return &Controller{
		address:      address,
		port:         opts.Port,
		dial:         opts.Dial,
		sourceID:     opts.SourceID,
		pollInterval: opts.PollInterval,
		logger:       opts.Logger.With(slog.String("device", address)),
	}
}

func (c *Controller) Address() string {
	return c.address
}

// run executes op on a fresh session and always closes its channel.
func (c *Controller) run(ctx context.Context, name string, op func(*session) error) error {
	channel := castchannel.New(c.address, castchannel.Options{
		Port:     c.port,
		Dial:     c.dial,
		SourceID: c.sourceID,
		Logger:   c.logger,
	})
	s := newSession(channel, c.logger)
	defer s.close()

	started := time.Now()
	err := op(s)
	if err != nil {
		c.logger.Debug("cast_operation_failed", slog.String("operation", name), slog.String("error", err.Error()))
		return c.wrap(ctx, name, err)
	}
	c.logger.Debug("cast_operation_done", slog.String("operation", name), slog.Duration("elapsed", time.Since(started)))
	return nil
}

func (c *Controller) wrap(ctx context.Context, name string, err error) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", name, ctxErr)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &domain.Error{
			Code:           domain.CodeDeviceUnreachable,
			Message:        fmt.Sprintf("%s: %v", name, err),
			SuggestedFixes: []string{"Check that the device is powered on and reachable on port 8009."},
			Details:        map[string]any{"address": c.address},
		}
	}
	return fmt.Errorf("%s: %w", name, err)
}

type LoadRequest struct {
	ContentURL       string
	ContentType      string
	SubtitleURL      string
	SubtitleLanguage string
}

// Load launches the media player if needed, loads the content and waits
// until the player reports PLAYING, BUFFERING or IDLE.
func (c *Controller) Load(ctx context.Context, req LoadRequest) error {
	return c.run(ctx, "load", func(s *session) error {
		if err := s.connect(ctx, ReceiverID); err != nil {
			return err
		}
		if _, err := s.getReceiverStatus(); err != nil {
			return err
		}

		if s.receiver == nil {
			c.logger.Info("cast_app_launch", slog.String("app_id", MediaPlayerAppID))
			if _, err := s.sendWithResponse(NamespaceReceiver, map[string]any{
				"type":  TypeLaunch,
				"appId": MediaPlayerAppID,
			}); err != nil {
				return err
			}
			if s.receiver == nil {
				return &domain.Error{
					Code:           domain.CodeLaunchFailure,
					Message:        "the media player application did not start on the device",
					SuggestedFixes: []string{"Stop any other cast session on the device and retry."},
					Details:        map[string]any{"app_id": MediaPlayerAppID},
				}
			}
		}

		if err := s.connectToApp(ctx); err != nil {
			return err
		}

		resp, err := s.sendWithResponse(NamespaceMedia, loadPayload(s.receiver.SessionID, req))
		if err != nil {
			return err
		}
		if resp == nil {
			return nil
		}
		switch resp.Type() {
		case TypeLoadFailed, TypeLoadCancelled, TypeInvalidRequest:
			return &domain.Error{
				Code:    domain.CodeLoadFailure,
				Message: fmt.Sprintf("device rejected the media with %s", resp.Type()),
				SuggestedFixes: []string{
					"Check that the content type is supported by the receiver.",
					"Try again with transcoding enabled.",
				},
				Details: map[string]any{"content_url": req.ContentURL, "content_type": req.ContentType},
			}
		case TypeMediaStatus:
			return c.waitForPlayback(ctx, s)
		}
		return nil
	})
}

func (c *Controller) waitForPlayback(ctx context.Context, s *session) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if _, err := s.getMediaStatus(); err != nil {
			return err
		}
		if s.media == nil {
			continue
		}
		switch s.media.PlayerState {
		case PlayerPlaying, PlayerIdle, PlayerBuffering:
			c.logger.Info("cast_media_loaded", slog.String("player_state", string(s.media.PlayerState)))
			return nil
		}
	}
}

func loadPayload(sessionID string, req LoadRequest) map[string]any {
	media := map[string]any{
		"contentId":   req.ContentURL,
		"streamType":  "buffered",
		"contentType": req.ContentType,
	}
	payload := map[string]any{
		"type":        TypeLoad,
		"sessionId":   sessionID,
		"media":       media,
		"autoplay":    true,
		"currentTime": 0,
		"customData": map[string]any{
			"payload": map[string]any{"title:": ""},
		},
	}

	if req.SubtitleURL != "" {
		lang := req.SubtitleLanguage
		if lang == "" {
			lang = DefaultSubtitleLanguage
		}
		media["tracks"] = []map[string]any{{
			"trackId":          1,
			"type":             "TEXT",
			"trackContentId":   req.SubtitleURL,
			"trackContentType": "text/vtt",
			"name":             lang,
			"language":         lang,
			"subtype":          "SUBTITLES",
		}}
		media["textTrackStyle"] = map[string]any{
			"backgroundColor": "#FFFFFF00",
			"foregroundColor": "#FFFFFFFF",
			"edgeType":        "OUTLINE",
			"edgeColor":       "#000000FF",
		}
		payload["activeTrackIds"] = []int{1}
	}
	return payload
}

// Control sends a media command such as PAUSE to the running media player.
// With no media player running it does nothing.
func (c *Controller) Control(ctx context.Context, command string, params map[string]any) error {
	return c.run(ctx, strings.ToLower(command), func(s *session) error {
		if err := s.connect(ctx, ReceiverID); err != nil {
			return err
		}
		if _, err := s.getReceiverStatus(); err != nil {
			return err
		}
		if s.receiver == nil {
			c.logger.Info("cast_no_media_app", slog.String("command", command))
			return nil
		}

		if err := s.connectToApp(ctx); err != nil {
			return err
		}
		if _, err := s.getMediaStatus(); err != nil {
			return err
		}

		mediaSessionID := 1
		if s.media != nil {
			mediaSessionID = s.media.MediaSessionID
		}
		data := map[string]any{"type": command, "mediaSessionId": mediaSessionID}
		for k, v := range params {
			data[k] = v
		}
		_, err := s.sendWithResponse(NamespaceMedia, data)
		return err
	})
}

func (c *Controller) Pause(ctx context.Context) error {
	return c.Control(ctx, "PAUSE", nil)
}

func (c *Controller) Play(ctx context.Context) error {
	return c.Control(ctx, "PLAY", nil)
}

func (c *Controller) Stop(ctx context.Context) error {
	return c.Control(ctx, "STOP", nil)
}

// Status is a snapshot of the receiver and, when the media player is
// running, its media session.
type Status struct {
	Host         string
	LocalAddr    string
	Receiver     *Application
	Media        *MediaStatus
	Volume       *VolumeStatus
	Applications []Application
}

// Idle reports whether nothing is playing.
func (s Status) Idle() bool {
	if s.Media == nil {
		return s.Receiver == nil || s.Receiver.StatusText == readyToCastText
	}
	return s.Media.PlayerState == PlayerIdle
}

// LocalIP is the address of the local interface the device was reached
// through.
func (s Status) LocalIP() string {
	host, _, err := net.SplitHostPort(s.LocalAddr)
	if err != nil {
		return s.LocalAddr
	}
	return host
}

func (c *Controller) Status(ctx context.Context) (Status, error) {
	var status Status
	err := c.run(ctx, "status", func(s *session) error {
		if err := s.connect(ctx, ReceiverID); err != nil {
			return err
		}
		if _, err := s.getReceiverStatus(); err != nil {
			return err
		}
		if s.receiver != nil {
			if err := s.connectToApp(ctx); err != nil {
				return err
			}
			if _, err := s.getMediaStatus(); err != nil {
				return err
			}
		}

		status = Status{
			Host:         c.address,
			LocalAddr:    s.channel.LocalAddr(),
			Receiver:     s.receiver,
			Media:        s.media,
			Volume:       s.volume,
			Applications: s.applications,
		}
		return nil
	})
	return status, err
}

func (c *Controller) IsIdle(ctx context.Context) (bool, error) {
	status, err := c.Status(ctx)
	if err != nil {
		return false, err
	}
	return status.Idle(), nil
}

// SetVolume accepts "+" or "-" for a relative step of 0.1, or an absolute
// level. The result is not clamped to [0, 1].
func (c *Controller) SetVolume(ctx context.Context, level string) error {
	return c.run(ctx, "set_volume", func(s *session) error {
		if err := s.connect(ctx, ReceiverID); err != nil {
			return err
		}

		var target float64
		switch level {
		case "+", "-":
			if _, err := s.getReceiverStatus(); err != nil {
				return err
			}
			if s.volume == nil {
				return &domain.Error{
					Code:    domain.CodeVolumeUnknown,
					Message: "the device did not report its current volume",
				}
			}
			if level == "+" {
				target = s.volume.Level + volumeStep
			} else {
				target = s.volume.Level - volumeStep
			}
		default:
			v, err := strconv.ParseFloat(level, 64)
			if err != nil {
				return &domain.Error{
					Code:    domain.CodeInvalidArgument,
					Message: fmt.Sprintf("invalid volume %q: expected +, - or a number", level),
				}
			}
			target = v
		}

		c.logger.Info("cast_set_volume", slog.Float64("level", target))
		_, err := s.sendWithResponse(NamespaceReceiver, map[string]any{
			"type":   TypeSetVolume,
			"volume": map[string]any{"muted": false, "level": target},
		})
		return err
	})
}

func (c *Controller) VolumeUp(ctx context.Context) error {
	return c.SetVolume(ctx, "+")
}

func (c *Controller) VolumeDown(ctx context.Context) error {
	return c.SetVolume(ctx, "-")
}

// Mute sets the level to zero.
func (c *Controller) Mute(ctx context.Context) error {
	return c.SetVolume(ctx, "0")
}

// Volume returns the current level, or nil if the device did not report one.
func (c *Controller) Volume(ctx context.Context) (*float64, error) {
	status, err := c.Status(ctx)
	if err != nil {
		return nil, err
	}
	if status.Volume == nil {
		return nil, nil
	}
	level := status.Volume.Level
	return &level, nil
}

// Package beam orchestrates a cast end to end: it resolves the device,
// prepares the media (local server, transcoding, subtitles), loads it and
// keeps track of casts that outlive the call that started them.
package beam

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go2tv.app/go2tv/v2/utils"

	"go2tv.app/caststream/internal/adapters"
	"go2tv.app/caststream/internal/castsession"
	"go2tv.app/caststream/internal/diagnostics"
	"go2tv.app/caststream/internal/domain"
)

const (
	defaultIdlePollInterval  = time.Second
	defaultStopTimeout       = 10 * time.Second
	maxIdleCheckFailures     = 5
	defaultListTimeout       = 10 * time.Second
	defaultIdleCleanupAfter  = 2 * time.Minute
	defaultMaxCastAge        = 24 * time.Hour
	defaultCleanupSweepEvery = 15 * time.Second
	defaultSweepCallTimeout  = 10 * time.Second

	defaultRetryAttempts    = 3
	defaultRetryBaseBackoff = 120 * time.Millisecond
	defaultRetryMaxBackoff  = 800 * time.Millisecond
)

// DeviceFinder resolves device names to addresses.
type DeviceFinder interface {
	FindDevice(ctx context.Context, name string) (domain.DeviceRecord, error)
	ListDevices(ctx context.Context, timeout time.Duration) ([]domain.DeviceRecord, error)
}

type Settings struct {
	// MediaPort is the local media server port; 0 picks a free one.
	MediaPort         int
	Transcoder        string
	SubtitlesLanguage string
}

type Manager struct {
	finder        DeviceFinder
	castFactory   adapters.CastFactory
	serverFactory adapters.MediaServerFactory
	settings      Settings
	logger        *slog.Logger

	findTranscoder        func(preferred string) (diagnostics.Transcoder, error)
	fallbackListenAddress func(deviceURL string) (string, error)
	freePort              func(ip string) (int, error)
	prepareURLMedia       func(ctx context.Context, sourceURL string) (any, string, error)
	headClient            *retryablehttp.Client

	idlePollEvery     time.Duration
	idleCleanupAfter  time.Duration
	maxCastAge        time.Duration
	cleanupSweepEvery time.Duration
	now               func() time.Time

	retryAttempts    int
	retryBaseBackoff time.Duration
	retryMaxBackoff  time.Duration

	cleanupLoopCancel context.CancelFunc
	cleanupLoopDone   chan struct{}
	closeOnce         sync.Once
	closeErr          error

	mu             sync.Mutex
	castsByID      map[string]*trackedCast
	castByAddress  map[string]string
	cleanupStarted bool
	closed         bool
}

// trackedCast is a cast whose media server must stay up after Cast returns.
type trackedCast struct {
	ID          string
	Device      domain.DeviceRecord
	MediaURL    string
	ContentType string
	Transcoding bool
	Warnings    []string

	controller   adapters.CastController
	server       adapters.MediaServer
	sourceCloser io.Closer

	stateMu   sync.Mutex
	createdAt time.Time
	idleSince time.Time

	closeOnce sync.Once
}

func NewManager(finder DeviceFinder, castFactory adapters.CastFactory, serverFactory adapters.MediaServerFactory, settings Settings, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With(slog.String("component", "beam"))
	if settings.SubtitlesLanguage == "" {
		settings.SubtitlesLanguage = castsession.DefaultSubtitleLanguage
	}

	return &Manager{
		finder:                finder,
		castFactory:           castFactory,
		serverFactory:         serverFactory,
		settings:              settings,
		logger:                logger,
		findTranscoder:        diagnostics.FindTranscoder,
		fallbackListenAddress: utils.URLtoListenIPandPort,
		freePort:              freeTCPPort,
		prepareURLMedia:       utils.PrepareURLMedia,
		headClient:            newHeadClient(logger),
		idlePollEvery:         defaultIdlePollInterval,
		idleCleanupAfter:      defaultIdleCleanupAfter,
		maxCastAge:            defaultMaxCastAge,
		cleanupSweepEvery:     defaultCleanupSweepEvery,
		now:                   time.Now,
		retryAttempts:         defaultRetryAttempts,
		retryBaseBackoff:      defaultRetryBaseBackoff,
		retryMaxBackoff:       defaultRetryMaxBackoff,
		castsByID:             map[string]*trackedCast{},
		castByAddress:         map[string]string{},
	}
}

// Cast starts playback and returns once the device accepted the media. Any
// local media server stays up until the cast is stopped or swept.
func (m *Manager) Cast(ctx context.Context, req domain.CastRequest) (*domain.CastResult, error) {
	cast, err := m.startCast(ctx, req)
	if err != nil {
		return nil, err
	}

	replaced, stored := m.storeCast(cast)
	if !stored {
		_ = shutdownCast(context.Background(), cast, true)
		return nil, toolError(domain.CodeInternalError, "cast manager is shutting down")
	}
	if replaced != nil {
		_ = shutdownCast(ctx, replaced, false)
	}
	m.ensureCleanupLoop()

	return castResult(cast), nil
}

// PlayAndWait casts and blocks until the device is idle again. Cancelling
// ctx stops playback on the device before returning.
func (m *Manager) PlayAndWait(ctx context.Context, req domain.CastRequest) (*domain.CastResult, error) {
	cast, err := m.startCast(ctx, req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = shutdownCast(context.Background(), cast, false)
	}()

	m.logger.Info("cast_waiting_for_idle", slog.String("device", cast.Device.Name))
	waitErr := m.waitForIdle(ctx, cast.controller)
	if ctx.Err() != nil {
		m.logger.Info("cast_interrupted", slog.String("device", cast.Device.Name))
		stopCtx, cancel := context.WithTimeout(context.Background(), defaultStopTimeout)
		defer cancel()
		if err := cast.controller.Stop(stopCtx); err != nil {
			return castResult(cast), fmt.Errorf("stop after interrupt: %w", err)
		}
		return castResult(cast), nil
	}
	if waitErr != nil {
		return castResult(cast), waitErr
	}
	m.logger.Info("cast_finished", slog.String("device", cast.Device.Name))
	return castResult(cast), nil
}

func (m *Manager) startCast(ctx context.Context, req domain.CastRequest) (*trackedCast, error) {
	if m.finder == nil || m.castFactory == nil {
		return nil, toolError(domain.CodeInternalError, "cast manager is not configured")
	}
	if m.isClosed() {
		return nil, toolError(domain.CodeInternalError, "cast manager is shutting down")
	}

	device, err := m.finder.FindDevice(ctx, req.TargetDevice)
	if err != nil {
		return nil, err
	}
	m.logger.Info("cast_device", slog.String("name", device.Name), slog.String("address", device.Address))

	controller := m.castFactory.NewController(device.Address)
	prepared, err := m.preparePlayback(ctx, req, device, controller)
	if err != nil {
		return nil, err
	}

	language := strings.TrimSpace(req.SubtitlesLanguage)
	if language == "" {
		language = m.settings.SubtitlesLanguage
	}
	load := castsession.LoadRequest{
		ContentURL:       prepared.mediaURL,
		ContentType:      prepared.mediaType,
		SubtitleURL:      prepared.subtitleURL,
		SubtitleLanguage: language,
	}

	m.logger.Info("cast_loading", slog.String("media_url", load.ContentURL), slog.String("content_type", load.ContentType))
	err = m.withRetry(ctx, "load", func() error {
		return controller.Load(ctx, load)
	})
	if err != nil {
		cleanupPrepared(prepared)
		return nil, err
	}

	now := m.now()
	return &trackedCast{
		ID:           newCastID(),
		Device:       device,
		MediaURL:     prepared.mediaURL,
		ContentType:  prepared.mediaType,
		Transcoding:  prepared.transcoding,
		Warnings:     prepared.warnings,
		controller:   controller,
		server:       prepared.httpServer,
		sourceCloser: prepared.sourceCloser,
		createdAt:    now,
	}, nil
}

func (m *Manager) waitForIdle(ctx context.Context, controller adapters.CastController) error {
	failures := 0
	for {
		if err := waitForBackoff(ctx, m.idlePollEvery); err != nil {
			return err
		}

		idle, err := controller.IsIdle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			m.logger.Warn("cast_idle_check_failed", slog.Int("failures", failures), slog.String("error", err.Error()))
			if failures >= maxIdleCheckFailures {
				return err
			}
			continue
		}
		failures = 0
		if idle {
			return nil
		}
	}
}

// Control sends pause, play or stop to the device.
func (m *Manager) Control(ctx context.Context, req domain.ControlRequest) error {
	device, controller, err := m.controllerFor(ctx, req.TargetDevice)
	if err != nil {
		return err
	}

	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case "pause":
		return controller.Pause(ctx)
	case "play", "continue", "resume":
		return controller.Play(ctx)
	case "stop":
		if err := controller.Stop(ctx); err != nil {
			return err
		}
		if cast := m.takeCast(domain.StopRequest{TargetDevice: device.Address}); cast != nil {
			_ = shutdownCast(ctx, cast, false)
		}
		return nil
	default:
		return toolError(domain.CodeInvalidArgument, fmt.Sprintf("unknown playback action %q: expected pause, play or stop", req.Action))
	}
}

func (m *Manager) Status(ctx context.Context, target string) (*domain.StatusResult, error) {
	device, controller, err := m.controllerFor(ctx, target)
	if err != nil {
		return nil, err
	}

	status, err := controller.Status(ctx)
	if err != nil {
		return nil, err
	}
	return statusResult(device, status), nil
}

// SetVolume accepts "+", "-", "mute" or an absolute level.
func (m *Manager) SetVolume(ctx context.Context, req domain.VolumeRequest) error {
	level := strings.ToLower(strings.TrimSpace(req.Level))
	if level == "" {
		return toolError(domain.CodeInvalidArgument, "volume level is required")
	}
	if level == "mute" {
		level = "0"
	}

	_, controller, err := m.controllerFor(ctx, req.TargetDevice)
	if err != nil {
		return err
	}
	return controller.SetVolume(ctx, level)
}

// StopCast stops a tracked cast, or the media on the named device when no
// cast is tracked for it.
func (m *Manager) StopCast(ctx context.Context, req domain.StopRequest) (*domain.StopResult, error) {
	if req.CastID == "" && req.TargetDevice == "" {
		return nil, toolError(domain.CodeInvalidArgument, "either cast_id or target_device is required")
	}

	if cast := m.takeCast(req); cast != nil {
		if err := shutdownCast(ctx, cast, true); err != nil {
			return nil, toolError(domain.CodeProtocolError, err.Error())
		}
		return &domain.StopResult{OK: true, StoppedCastID: cast.ID, Device: cast.Device.Name}, nil
	}
	if req.TargetDevice == "" {
		return nil, toolError(domain.CodeCastNotFound, fmt.Sprintf("no active cast with id %q", req.CastID))
	}

	device, controller, err := m.controllerFor(ctx, req.TargetDevice)
	if err != nil {
		return nil, err
	}
	if err := controller.Stop(ctx); err != nil {
		return nil, err
	}
	return &domain.StopResult{OK: true, Device: device.Name}, nil
}

func (m *Manager) ListDevices(ctx context.Context, timeout time.Duration) ([]domain.DeviceRecord, error) {
	if m.finder == nil {
		return nil, toolError(domain.CodeInternalError, "device discovery is not configured")
	}
	if timeout <= 0 {
		timeout = defaultListTimeout
	}
	return m.finder.ListDevices(ctx, timeout)
}

func (m *Manager) controllerFor(ctx context.Context, target string) (domain.DeviceRecord, adapters.CastController, error) {
	if m.finder == nil || m.castFactory == nil {
		return domain.DeviceRecord{}, nil, toolError(domain.CodeInternalError, "cast manager is not configured")
	}
	device, err := m.finder.FindDevice(ctx, target)
	if err != nil {
		return domain.DeviceRecord{}, nil, err
	}
	return device, m.castFactory.NewController(device.Address), nil
}

func castResult(cast *trackedCast) *domain.CastResult {
	warnings := cast.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	return &domain.CastResult{
		OK:          true,
		CastID:      cast.ID,
		Device:      cast.Device.Name,
		Address:     cast.Device.Address,
		MediaURL:    cast.MediaURL,
		ContentType: cast.ContentType,
		Transcoding: cast.Transcoding,
		Warnings:    warnings,
	}
}

func statusResult(device domain.DeviceRecord, status castsession.Status) *domain.StatusResult {
	out := &domain.StatusResult{
		Device:       device.Name,
		Address:      device.Address,
		LocalAddress: status.LocalIP(),
		Idle:         status.Idle(),
		Applications: make([]string, 0, len(status.Applications)),
	}
	for _, app := range status.Applications {
		name := app.DisplayName
		if name == "" {
			name = app.AppID
		}
		out.Applications = append(out.Applications, name)
	}
	if status.Receiver != nil {
		out.AppID = status.Receiver.AppID
		out.StatusText = status.Receiver.StatusText
	}
	if status.Media != nil {
		out.PlayerState = string(status.Media.PlayerState)
		out.CurrentTime = status.Media.CurrentTime
		if status.Media.Media != nil {
			out.ContentID = status.Media.Media.ContentID
		}
	}
	if status.Volume != nil {
		level := status.Volume.Level
		out.Volume = &level
		out.Muted = status.Volume.Muted
	}
	return out
}

func (m *Manager) withRetry(ctx context.Context, operation string, call func() error) error {
	if call == nil {
		return errors.New("retry call is nil")
	}

	attempts := m.retryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	baseBackoff := m.retryBaseBackoff
	if baseBackoff < 0 {
		baseBackoff = 0
	}
	maxBackoff := m.retryMaxBackoff
	if maxBackoff < baseBackoff {
		maxBackoff = baseBackoff
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := call()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt >= attempts || !isTransientNetworkError(err) {
			break
		}

		backoff := backoffForAttempt(baseBackoff, maxBackoff, attempt)
		m.logger.Warn("retrying",
			slog.String("operation", operation),
			slog.Int("attempt", attempt+1),
			slog.Int("attempts", attempts),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)
		if waitErr := waitForBackoff(ctx, backoff); waitErr != nil {
			return waitErr
		}
	}
	return lastErr
}

func backoffForAttempt(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	backoff := base
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if max > 0 && backoff >= max {
			return max
		}
	}
	if max > 0 && backoff > max {
		return max
	}
	return backoff
}

func waitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// isTransientNetworkError also matches on message text because device
// errors arrive wrapped in *domain.Error.
func isTransientNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if domain.HasCode(err, domain.CodeLaunchFailure) || domain.HasCode(err, domain.CodeLoadFailure) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"temporar",
		"connection reset",
		"connection refused",
		"broken pipe",
		"unexpected eof",
		"network is unreachable",
		"no route to host",
		"tls handshake",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

package beam

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/h2non/filetype"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/saintfish/chardet"
	"go2tv.app/go2tv/v2/utils"

	"go2tv.app/caststream/internal/adapters"
	"go2tv.app/caststream/internal/castchannel"
	"go2tv.app/caststream/internal/domain"
)

const (
	defaultContentType = "video/mp4"
	hlsContentType     = "application/vnd.apple.mpegurl"
	maxSourceRedirects = 9
)

type preparedPlayback struct {
	mediaURL     string
	mediaType    string
	subtitleURL  string
	transcoding  bool
	warnings     []string
	httpServer   adapters.MediaServer
	sourceCloser io.Closer
}

func (m *Manager) preparePlayback(ctx context.Context, req domain.CastRequest, device domain.DeviceRecord, controller adapters.CastController) (*preparedPlayback, error) {
	source := strings.TrimSpace(req.Source)
	if source == "" {
		return nil, toolError(domain.CodeInvalidArgument, "source is empty")
	}

	if parsed, err := url.Parse(source); err == nil && parsed.Scheme != "" && parsed.Host != "" {
		return m.prepareURLPlayback(ctx, req, device, controller)
	}
	return m.prepareFilePlayback(ctx, req, device, controller)
}

func (m *Manager) prepareFilePlayback(ctx context.Context, req domain.CastRequest, device domain.DeviceRecord, controller adapters.CastController) (*preparedPlayback, error) {
	source, err := validateLocalFilePath(req.Source)
	if err != nil {
		return nil, err
	}

	mediaType := detectFileMediaType(source)
	warnings := []string{}

	var tcOpts *utils.TranscodeOptions
	if req.Transcode {
		transcoder, err := m.findTranscoder(m.settings.Transcoder)
		if err != nil {
			return nil, transcoderNotFound()
		}
		tcOpts = &utils.TranscodeOptions{
			FFmpegPath:   transcoder.Path,
			SubsPath:     validatedSubtitlePath(req.SubtitlesPath),
			SubtitleSize: utils.SubtitleSizeMedium,
		}
		mediaType = defaultContentType
		m.logger.Info("cast_transcoding", slog.String("transcoder", transcoder.Command))
	}

	listenAddr, server, err := m.newMediaServer(ctx, device, controller)
	if err != nil {
		return nil, err
	}

	route := mediaRouteFor(source)
	server.AddHandler(route, nil, tcOpts, source)

	prepared := &preparedPlayback{
		mediaURL:    "http://" + listenAddr + route,
		mediaType:   mediaType,
		transcoding: tcOpts != nil,
		httpServer:  server,
	}
	subtitleURL, subtitleWarnings, err := m.addSubtitleSidecar(server, listenAddr, req.SubtitlesPath, prepared.transcoding)
	if err != nil {
		cleanupPrepared(prepared)
		return nil, err
	}
	prepared.subtitleURL = subtitleURL
	prepared.warnings = append(warnings, subtitleWarnings...)

	if err := startMediaServer(server); err != nil {
		cleanupPrepared(prepared)
		return nil, toolError(domain.CodeProtocolError, fmt.Sprintf("failed to start media server: %v", err))
	}
	m.logger.Info("media_serving", slog.String("listen", listenAddr), slog.String("route", route), slog.String("content_type", mediaType))
	return prepared, nil
}

// prepareURLPlayback hands the source URL to the device directly unless it
// must be transcoded or needs a subtitle sidecar, which require a local
// media server.
func (m *Manager) prepareURLPlayback(ctx context.Context, req domain.CastRequest, device domain.DeviceRecord, controller adapters.CastController) (*preparedPlayback, error) {
	sourceURL := strings.TrimSpace(req.Source)
	parsed, err := url.Parse(sourceURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, toolError(domain.CodeUnsupportedMedia, fmt.Sprintf("unsupported URL scheme in %q: expected http or https", sourceURL))
	}

	warnings := []string{}
	if utils.IsHLSStream(sourceURL, "") {
		if req.Transcode {
			warnings = append(warnings, "transcoding is not supported for HLS sources; casting the stream directly")
		}
		return &preparedPlayback{
			mediaURL:  sourceURL,
			mediaType: hlsContentType,
			warnings:  warnings,
		}, nil
	}

	mediaType, err := m.probeSource(ctx, sourceURL)
	if err != nil {
		return nil, err
	}

	if !req.Transcode && strings.TrimSpace(req.SubtitlesPath) == "" {
		return &preparedPlayback{
			mediaURL:  sourceURL,
			mediaType: mediaType,
			warnings:  warnings,
		}, nil
	}

	prepared := &preparedPlayback{
		mediaURL:  sourceURL,
		mediaType: mediaType,
	}
	var tcOpts *utils.TranscodeOptions
	var media any
	if req.Transcode {
		transcoder, err := m.findTranscoder(m.settings.Transcoder)
		if err != nil {
			return nil, transcoderNotFound()
		}
		err = m.withRetry(ctx, "prepare_url_media", func() error {
			var callErr error
			media, _, callErr = m.prepareURLMedia(ctx, sourceURL)
			return callErr
		})
		if err != nil {
			return nil, toolError(domain.CodeSourceUnavailable, fmt.Sprintf("failed to stream source URL: %v", err))
		}
		prepared.sourceCloser = asCloser(media)
		tcOpts = &utils.TranscodeOptions{
			FFmpegPath:   transcoder.Path,
			SubsPath:     validatedSubtitlePath(req.SubtitlesPath),
			SubtitleSize: utils.SubtitleSizeMedium,
		}
		prepared.mediaType = defaultContentType
		prepared.transcoding = true
	}

	listenAddr, server, err := m.newMediaServer(ctx, device, controller)
	if err != nil {
		cleanupPrepared(prepared)
		return nil, err
	}
	prepared.httpServer = server

	if tcOpts != nil {
		route := mediaRouteFor(sourceURL)
		server.AddHandler(route, nil, tcOpts, media)
		prepared.mediaURL = "http://" + listenAddr + route
	}

	subtitleURL, subtitleWarnings, err := m.addSubtitleSidecar(server, listenAddr, req.SubtitlesPath, prepared.transcoding)
	if err != nil {
		cleanupPrepared(prepared)
		return nil, err
	}
	prepared.subtitleURL = subtitleURL
	prepared.warnings = append(warnings, subtitleWarnings...)

	if err := startMediaServer(server); err != nil {
		cleanupPrepared(prepared)
		return nil, toolError(domain.CodeProtocolError, fmt.Sprintf("failed to start media server: %v", err))
	}
	return prepared, nil
}

// probeSource follows redirects with HEAD requests and returns the content
// type of the final response.
func (m *Manager) probeSource(ctx context.Context, sourceURL string) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodHead, sourceURL, nil)
	if err != nil {
		return "", toolError(domain.CodeInvalidArgument, fmt.Sprintf("invalid source URL: %v", err))
	}

	resp, err := m.headClient.Do(req)
	if err != nil {
		return "", toolError(domain.CodeSourceUnavailable, fmt.Sprintf("source URL is not reachable: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", toolError(domain.CodeSourceUnavailable, fmt.Sprintf("source URL answered %s", resp.Status))
	}

	contentType := strings.TrimSpace(resp.Header.Get("Content-Type"))
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mediaType
	}
	if contentType == "" {
		contentType = defaultContentType
	}
	return contentType, nil
}

func newHeadClient(logger *slog.Logger) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.Logger = logger
	client.RetryMax = 2
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.HTTPClient.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
		if len(via) > maxSourceRedirects {
			// Matches the retry policy's redirect pattern so it is not retried.
			return fmt.Errorf("stopped after %d redirects", maxSourceRedirects)
		}
		return nil
	}
	return client
}

// newMediaServer binds to the interface the device reaches us through.
func (m *Manager) newMediaServer(ctx context.Context, device domain.DeviceRecord, controller adapters.CastController) (string, adapters.MediaServer, error) {
	if m.serverFactory == nil {
		return "", nil, toolError(domain.CodeInternalError, "media server factory is not configured")
	}
	listenAddr, err := m.listenAddress(ctx, device, controller)
	if err != nil {
		return "", nil, toolError(domain.CodeProtocolError, fmt.Sprintf("failed to select media listen address: %v", err))
	}
	return listenAddr, m.serverFactory.New(listenAddr), nil
}

func (m *Manager) listenAddress(ctx context.Context, device domain.DeviceRecord, controller adapters.CastController) (string, error) {
	ip := ""
	if status, err := controller.Status(ctx); err == nil {
		ip = status.LocalIP()
	} else {
		m.logger.Debug("local_address_from_status_failed", slog.String("error", err.Error()))
	}

	if ip == "" {
		deviceURL := "http://" + net.JoinHostPort(device.Address, strconv.Itoa(castchannel.ControlPort))
		fallback, err := m.fallbackListenAddress(deviceURL)
		if err != nil {
			return "", err
		}
		if m.settings.MediaPort == 0 {
			return fallback, nil
		}
		if ip, _, err = net.SplitHostPort(fallback); err != nil {
			return "", err
		}
	}

	port := m.settings.MediaPort
	if port == 0 {
		var err error
		if port, err = m.freePort(ip); err != nil {
			return "", err
		}
	}
	return net.JoinHostPort(ip, strconv.Itoa(port)), nil
}

func freeTCPPort(ip string) (int, error) {
	listener, err := net.Listen("tcp", net.JoinHostPort(ip, "0"))
	if err != nil {
		return 0, err
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// addSubtitleSidecar serves WebVTT subtitles next to the media. Transcoded
// media carries its subtitles burned in.
func (m *Manager) addSubtitleSidecar(server adapters.MediaServer, listenAddr, subtitlesPath string, transcoding bool) (string, []string, error) {
	warnings := []string{}
	if strings.TrimSpace(subtitlesPath) == "" || transcoding {
		return "", warnings, nil
	}

	subtitlesPath, err := validateLocalFilePath(subtitlesPath)
	if err != nil {
		return "", warnings, err
	}

	data, err := os.ReadFile(subtitlesPath)
	if err != nil {
		return "", warnings, toolError(domain.CodeFileNotReadable, fmt.Sprintf("unable to read subtitles: %v", err))
	}
	if warning := encodingWarning(data); warning != "" {
		warnings = append(warnings, warning)
	}

	route := "/subs-" + randomToken(8) + ".vtt"
	switch strings.ToLower(filepath.Ext(subtitlesPath)) {
	case ".srt":
		webvttData, err := utils.ConvertSRTtoWebVTT(subtitlesPath)
		if err != nil {
			warnings = append(warnings, "failed to convert SRT subtitles to WebVTT")
			return "", warnings, nil
		}
		server.AddHandler(route, nil, nil, webvttData)
	case ".vtt":
		server.AddHandler(route, nil, nil, subtitlesPath)
	default:
		warnings = append(warnings, "unsupported subtitle format; expected .srt or .vtt")
		return "", warnings, nil
	}
	return "http://" + listenAddr + route, warnings, nil
}

// encodingWarning flags subtitles receivers will render as mojibake.
func encodingWarning(data []byte) string {
	if utf8.Valid(data) {
		return ""
	}
	charset := "unknown"
	if result, err := chardet.NewTextDetector().DetectBest(data); err == nil && result.Charset != "" {
		charset = result.Charset
	}
	return fmt.Sprintf("subtitles are not UTF-8 (detected %s); characters may display incorrectly", charset)
}

// detectFileMediaType sniffs the file, then falls back to its extension.
// Anything that is not audio or video is cast as MP4.
func detectFileMediaType(source string) string {
	if kind, err := filetype.MatchFile(source); err == nil && isPlayable(kind.MIME.Value) {
		return kind.MIME.Value
	}
	if mediaType, err := utils.GetMimeDetailsFromPath(source); err == nil && isPlayable(mediaType) {
		return mediaType
	}
	if ext := mediaExt(source); ext != "" {
		if guessed, _, err := mime.ParseMediaType(mime.TypeByExtension(ext)); err == nil && isPlayable(guessed) {
			return guessed
		}
	}
	return defaultContentType
}

func isPlayable(mediaType string) bool {
	return strings.HasPrefix(mediaType, "video/") || strings.HasPrefix(mediaType, "audio/")
}

func mediaRouteFor(source string) string {
	ext := mediaExt(source)
	if ext == "" {
		ext = ".bin"
	}
	return "/media-" + randomToken(8) + ext
}

func mediaExt(source string) string {
	if parsed, err := url.Parse(source); err == nil && parsed.Path != "" {
		ext := strings.ToLower(path.Ext(parsed.Path))
		if isSafeExt(ext) {
			return ext
		}
	}

	ext := strings.ToLower(filepath.Ext(source))
	if isSafeExt(ext) {
		return ext
	}
	return ""
}

func isSafeExt(ext string) bool {
	if ext == "" || len(ext) > 16 || !strings.HasPrefix(ext, ".") {
		return false
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

func validateLocalFilePath(pathValue string) (string, error) {
	pathValue = strings.TrimSpace(pathValue)
	abs, err := filepath.Abs(pathValue)
	if err != nil {
		return "", toolError(domain.CodeFileNotReadable, fmt.Sprintf("invalid path %q: %v", pathValue, err))
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", toolError(domain.CodeFileNotFound, fmt.Sprintf("file not found: %s", pathValue))
		}
		return "", toolError(domain.CodeFileNotReadable, fmt.Sprintf("unable to read file: %v", err))
	}
	if info.IsDir() {
		return "", toolError(domain.CodeFileNotReadable, fmt.Sprintf("%s is a directory", pathValue))
	}

	f, err := os.Open(abs)
	if err != nil {
		return "", toolError(domain.CodeFileNotReadable, fmt.Sprintf("unable to read file: %v", err))
	}
	_ = f.Close()
	return abs, nil
}

func validatedSubtitlePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

func startMediaServer(server adapters.MediaServer) error {
	serverStarted := make(chan error, 1)
	go server.StartServing(serverStarted)
	return <-serverStarted
}

func cleanupPrepared(p *preparedPlayback) {
	if p == nil {
		return
	}
	if p.httpServer != nil {
		p.httpServer.StopServer()
	}
	if p.sourceCloser != nil {
		_ = p.sourceCloser.Close()
	}
}

func asCloser(v any) io.Closer {
	if c, ok := v.(io.Closer); ok {
		return c
	}
	return nil
}

func transcoderNotFound() error {
	return toolError(domain.CodeTranscoderNotFound, "no transcoder found: install ffmpeg or avconv",
		"Install ffmpeg and make sure it is on PATH.",
		"Cast without transcoding if the receiver supports the media format.",
	)
}

func toolError(code, message string, fixes ...string) *domain.Error {
	return domain.NewError(code, message, fixes...)
}

func newCastID() string {
	return "cast_" + randomToken(8)
}

func randomToken(bytesLen int) string {
	if bytesLen <= 0 {
		bytesLen = 8
	}
	buf := make([]byte, bytesLen)
	if _, err := rand.Read(buf); err != nil {
		return "fallback"
	}
	return hex.EncodeToString(buf)
}

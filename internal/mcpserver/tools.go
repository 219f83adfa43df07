package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go2tv.app/caststream/internal/domain"
)

const (
	toolListDevices     = "list_devices"
	toolCastMedia       = "cast_media"
	toolControlPlayback = "control_playback"
	toolGetStatus       = "get_status"
	toolSetVolume       = "set_volume"
	toolStopCasting     = "stop_casting"

	defaultDiscoveryTimeoutMS = 10000
	minDiscoveryTimeoutMS     = 100
)

func (s *Server) listDevices(ctx context.Context, raw json.RawMessage) (toolCallResult, callLog, error) {
	var args struct {
		TimeoutMS *int `json:"timeout_ms,omitempty"`
	}
	if err := decodeStrict(raw, &args); err != nil {
		return toolCallResult{}, callLog{}, errInvalidParams
	}
	timeoutMS := defaultDiscoveryTimeoutMS
	if args.TimeoutMS != nil {
		if *args.TimeoutMS < minDiscoveryTimeoutMS {
			return toolCallResult{}, callLog{}, errInvalidParams
		}
		timeoutMS = *args.TimeoutMS
	}

	devices, err := s.caster.ListDevices(ctx, time.Duration(timeoutMS)*time.Millisecond)
	if err != nil {
		return toolCallResult{}, callLog{}, err
	}
	if devices == nil {
		devices = []domain.DeviceRecord{}
	}

	text := fmt.Sprintf("Discovered %d device(s).", len(devices))
	for i, dev := range devices {
		text += fmt.Sprintf("\n%d. id=%s name=%s address=%s", i+1, dev.ID, dev.Name, dev.Address)
	}
	return textResult(text, map[string]any{"count": len(devices), "devices": devices}), callLog{}, nil
}

func (s *Server) castMedia(ctx context.Context, raw json.RawMessage) (toolCallResult, callLog, error) {
	var args struct {
		Source            string `json:"source"`
		TargetDevice      string `json:"target_device"`
		Transcode         bool   `json:"transcode"`
		SubtitlesPath     string `json:"subtitles_path"`
		SubtitlesLanguage string `json:"subtitles_language"`
	}
	if err := decodeStrict(raw, &args); err != nil {
		return toolCallResult{}, callLog{}, errInvalidParams
	}
	req := domain.CastRequest{
		Source:            strings.TrimSpace(args.Source),
		TargetDevice:      strings.TrimSpace(args.TargetDevice),
		Transcode:         args.Transcode,
		SubtitlesPath:     strings.TrimSpace(args.SubtitlesPath),
		SubtitlesLanguage: strings.TrimSpace(args.SubtitlesLanguage),
	}
	logged := callLog{device: req.TargetDevice}
	if req.Source == "" {
		return toolCallResult{}, logged, errInvalidParams
	}

	result, err := s.caster.Cast(ctx, req)
	if err != nil {
		return toolCallResult{}, logged, err
	}
	logged = callLog{device: result.Device, castID: result.CastID}
	text := fmt.Sprintf("Casting to %s (cast %s): %s as %s.", result.Device, result.CastID, result.MediaURL, result.ContentType)
	return textResult(text, result), logged, nil
}

func (s *Server) controlPlayback(ctx context.Context, raw json.RawMessage) (toolCallResult, callLog, error) {
	var args struct {
		TargetDevice string `json:"target_device"`
		Action       string `json:"action"`
	}
	if err := decodeStrict(raw, &args); err != nil {
		return toolCallResult{}, callLog{}, errInvalidParams
	}
	req := domain.ControlRequest{
		TargetDevice: strings.TrimSpace(args.TargetDevice),
		Action:       strings.ToLower(strings.TrimSpace(args.Action)),
	}
	logged := callLog{device: req.TargetDevice}
	if req.Action == "" {
		return toolCallResult{}, logged, errInvalidParams
	}

	if err := s.caster.Control(ctx, req); err != nil {
		return toolCallResult{}, logged, err
	}
	return textResult(fmt.Sprintf("Sent %s.", req.Action), map[string]any{"ok": true, "action": req.Action}), logged, nil
}

func (s *Server) getStatus(ctx context.Context, raw json.RawMessage) (toolCallResult, callLog, error) {
	var args struct {
		TargetDevice string `json:"target_device"`
	}
	if err := decodeStrict(raw, &args); err != nil {
		return toolCallResult{}, callLog{}, errInvalidParams
	}
	logged := callLog{device: strings.TrimSpace(args.TargetDevice)}

	status, err := s.caster.Status(ctx, logged.device)
	if err != nil {
		return toolCallResult{}, logged, err
	}
	logged.device = status.Device
	return textResult(formatStatus(status), status), logged, nil
}

func (s *Server) setVolume(ctx context.Context, raw json.RawMessage) (toolCallResult, callLog, error) {
	var args struct {
		TargetDevice string          `json:"target_device"`
		Level        json.RawMessage `json:"level"`
	}
	if err := decodeStrict(raw, &args); err != nil {
		return toolCallResult{}, callLog{}, errInvalidParams
	}
	logged := callLog{device: strings.TrimSpace(args.TargetDevice)}
	level, ok := volumeLevel(args.Level)
	if !ok {
		return toolCallResult{}, logged, errInvalidParams
	}

	if err := s.caster.SetVolume(ctx, domain.VolumeRequest{TargetDevice: logged.device, Level: level}); err != nil {
		return toolCallResult{}, logged, err
	}
	return textResult(fmt.Sprintf("Volume set to %s.", level), map[string]any{"ok": true, "level": level}), logged, nil
}

// volumeLevel accepts the level as a JSON number or string.
func volumeLevel(raw json.RawMessage) (string, bool) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		text = strings.TrimSpace(text)
		return text, text != ""
	}
	var number float64
	if err := json.Unmarshal(raw, &number); err == nil {
		return strconv.FormatFloat(number, 'f', -1, 64), true
	}
	return "", false
}

func (s *Server) stopCasting(ctx context.Context, raw json.RawMessage) (toolCallResult, callLog, error) {
	var args struct {
		TargetDevice string `json:"target_device"`
		CastID       string `json:"cast_id"`
	}
	if err := decodeStrict(raw, &args); err != nil {
		return toolCallResult{}, callLog{}, errInvalidParams
	}
	req := domain.StopRequest{
		TargetDevice: strings.TrimSpace(args.TargetDevice),
		CastID:       strings.TrimSpace(args.CastID),
	}
	logged := callLog{device: req.TargetDevice, castID: req.CastID}
	if req.TargetDevice == "" && req.CastID == "" {
		return toolCallResult{}, logged, errInvalidParams
	}

	result, err := s.caster.StopCast(ctx, req)
	if err != nil {
		return toolCallResult{}, logged, err
	}
	logged = callLog{device: result.Device, castID: result.StoppedCastID}
	text := fmt.Sprintf("Stopped playback on %s.", result.Device)
	if result.StoppedCastID != "" {
		text = fmt.Sprintf("Stopped cast %s on %s.", result.StoppedCastID, result.Device)
	}
	return textResult(text, result), logged, nil
}

func formatStatus(status *domain.StatusResult) string {
	var out strings.Builder
	fmt.Fprintf(&out, "%s (%s): ", status.Device, status.Address)
	switch {
	case status.Idle:
		out.WriteString("idle")
	case status.PlayerState != "":
		fmt.Fprintf(&out, "%s %s at %.1fs", strings.ToLower(status.PlayerState), status.ContentID, status.CurrentTime)
	default:
		out.WriteString(status.StatusText)
	}
	if status.Volume != nil {
		fmt.Fprintf(&out, ", volume %.2f", *status.Volume)
		if status.Muted {
			out.WriteString(" (muted)")
		}
	}
	return out.String()
}

func stringProperty(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func staticTools() []tool {
	target := stringProperty("Device name, id or IP address from list_devices. When omitted the first device that answers discovery is used.")
	return []tool{
		{
			Name:        toolListDevices,
			Description: "Discover Chromecast and other Google Cast receivers on the local network. Call this first to find a target_device.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"timeout_ms": map[string]any{
						"type":        "integer",
						"minimum":     minDiscoveryTimeoutMS,
						"default":     defaultDiscoveryTimeoutMS,
						"description": "Discovery budget in milliseconds.",
					},
				},
				"additionalProperties": false,
			},
		},
		{
			Name:        toolCastMedia,
			Description: "Play a local media file or an HTTP(S) URL on a cast device. Local files are served from this machine. Returns a cast_id for stop_casting.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"source":        stringProperty("Local file path or http(s) URL of the media."),
					"target_device": target,
					"transcode": map[string]any{
						"type":        "boolean",
						"default":     false,
						"description": "Transcode to MP4 with ffmpeg or avconv for formats the receiver cannot play.",
					},
					"subtitles_path":     stringProperty("Optional local .srt or .vtt subtitle file."),
					"subtitles_language": stringProperty("BCP 47 language tag for the subtitle track, e.g. en-US."),
				},
				"required":             []string{"source"},
				"additionalProperties": false,
			},
		},
		{
			Name:        toolControlPlayback,
			Description: "Pause, resume or stop the media playing on a cast device.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"target_device": target,
					"action": map[string]any{
						"type": "string",
						"enum": []string{"pause", "play", "stop"},
					},
				},
				"required":             []string{"action"},
				"additionalProperties": false,
			},
		},
		{
			Name:        toolGetStatus,
			Description: "Report what a cast device is doing: running app, player state, position and volume.",
			InputSchema: map[string]any{
				"type":                 "object",
				"properties":           map[string]any{"target_device": target},
				"additionalProperties": false,
			},
		},
		{
			Name:        toolSetVolume,
			Description: "Set the device volume. Level is an absolute value between 0 and 1, '+' or '-' for a 0.1 step, or 'mute'.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"target_device": target,
					"level": map[string]any{
						"type":        []string{"string", "number"},
						"description": "0..1, '+', '-' or 'mute'.",
					},
				},
				"required":             []string{"level"},
				"additionalProperties": false,
			},
		},
		{
			Name:        toolStopCasting,
			Description: "Stop playback and release the local media server of a cast.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"target_device": target,
					"cast_id":       stringProperty("Cast id returned by cast_media."),
				},
				"anyOf": []map[string]any{
					{"required": []string{"target_device"}},
					{"required": []string{"cast_id"}},
				},
				"additionalProperties": false,
			},
		},
	}
}

// Package mcpserver exposes cast operations as Model Context Protocol tools
// over stdio.
package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"go2tv.app/caststream/internal/domain"
)

// Caster is the cast surface the tools drive.
type Caster interface {
	ListDevices(ctx context.Context, timeout time.Duration) ([]domain.DeviceRecord, error)
	Cast(ctx context.Context, req domain.CastRequest) (*domain.CastResult, error)
	Control(ctx context.Context, req domain.ControlRequest) error
	Status(ctx context.Context, target string) (*domain.StatusResult, error)
	SetVolume(ctx context.Context, req domain.VolumeRequest) error
	StopCast(ctx context.Context, req domain.StopRequest) (*domain.StopResult, error)
}

type Config struct {
	ServerName    string
	ServerVersion string
	Logger        *slog.Logger
	Caster        Caster
}

type Server struct {
	wire          *wire
	serverName    string
	serverVersion string
	logger        *slog.Logger
	caster        Caster
	tools         []tool
	handlers      map[string]toolHandler
}

// callLog carries the fields logged for a tool call.
type callLog struct {
	device string
	castID string
}

type toolHandler func(ctx context.Context, args json.RawMessage) (toolCallResult, callLog, error)

// errInvalidParams turns into a JSON-RPC invalid params error rather than a
// tool error result.
var errInvalidParams = errors.New("invalid params")

func New(in io.Reader, out io.Writer, cfg Config) *Server {
	if cfg.ServerName == "" {
		cfg.ServerName = "caststream"
	}
	if cfg.ServerVersion == "" {
		cfg.ServerVersion = "dev"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	s := &Server{
		wire:          newWire(in, out),
		serverName:    cfg.ServerName,
		serverVersion: cfg.ServerVersion,
		logger:        cfg.Logger.With(slog.String("component", "mcpserver")),
		caster:        cfg.Caster,
		tools:         staticTools(),
	}
	s.handlers = map[string]toolHandler{
		toolListDevices:     s.listDevices,
		toolCastMedia:       s.castMedia,
		toolControlPlayback: s.controlPlayback,
		toolGetStatus:       s.getStatus,
		toolSetVolume:       s.setVolume,
		toolStopCasting:     s.stopCasting,
	}
	return s
}

// Run serves requests until the input ends or ctx is done.
func (s *Server) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			s.logger.Info("mcp_context_done", slog.String("reason", err.Error()))
			return err
		}

		payload, err := s.wire.read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Info("mcp_stream_eof")
				return nil
			}
			s.logger.Error("mcp_read_error", slog.String("error", err.Error()))
			return err
		}
		s.logger.Debug("mcp_message_received", slog.Int("bytes", len(payload)), slog.String("mode", s.wire.mode.String()))

		if err := s.handle(ctx, payload); err != nil {
			s.logger.Error("mcp_handle_error", slog.String("error", err.Error()))
			return err
		}
	}
}

func (s *Server) handle(ctx context.Context, payload []byte) error {
	startedAt := time.Now()

	var req request
	if err := json.Unmarshal(payload, &req); err != nil {
		s.logCall("parse", callLog{}, startedAt, "-32700")
		return s.sendError(nil, codeParseError, "parse error")
	}
	// Notifications carry no id and get no answer.
	if len(req.ID) == 0 {
		return nil
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		s.logCall(req.Method, callLog{}, startedAt, "-32600")
		return s.sendError(req.ID, codeInvalidRequest, "invalid request")
	}

	switch req.Method {
	case "initialize":
		s.logCall(req.Method, callLog{}, startedAt, "")
		return s.sendResult(req.ID, initializeResult{
			ProtocolVersion: protocolVersion,
			Capabilities:    map[string]any{"tools": map[string]any{"listChanged": false}},
			ServerInfo:      map[string]string{"name": s.serverName, "version": s.serverVersion},
			Instructions:    "Call list_devices to find a cast device, then cast_media to play a file or URL on it.",
		})
	case "ping":
		return s.sendResult(req.ID, map[string]any{})
	case "tools/list":
		s.logCall(req.Method, callLog{}, startedAt, "")
		return s.sendResult(req.ID, toolsListResult{Tools: s.tools})
	case "tools/call":
		return s.handleToolCall(ctx, req.ID, req.Params)
	default:
		s.logCall(req.Method, callLog{}, startedAt, "-32601")
		return s.sendError(req.ID, codeMethodNotFound, "method not found")
	}
}

func (s *Server) handleToolCall(ctx context.Context, id, rawParams json.RawMessage) error {
	startedAt := time.Now()

	params, err := decodeToolCallParams(rawParams)
	if err != nil {
		s.logCall("tools/call", callLog{}, startedAt, "-32602")
		return s.sendError(id, codeInvalidParams, "invalid params")
	}

	handler, ok := s.handlers[params.Name]
	if !ok {
		s.logCall(params.Name, callLog{}, startedAt, "TOOL_NOT_FOUND")
		return s.sendResult(id, toolErrorResult(&domain.Error{Code: "TOOL_NOT_FOUND", Message: "unknown tool: " + params.Name}))
	}
	if s.caster == nil {
		s.logCall(params.Name, callLog{}, startedAt, domain.CodeInternalError)
		return s.sendResult(id, toolErrorResult(domain.NewError(domain.CodeInternalError, "cast manager is not configured")))
	}

	result, logged, err := handler(ctx, params.Arguments)
	switch {
	case errors.Is(err, errInvalidParams):
		s.logCall(params.Name, logged, startedAt, "-32602")
		return s.sendError(id, codeInvalidParams, "invalid params")
	case err != nil:
		toolErr := asToolError(err)
		s.logCall(params.Name, logged, startedAt, toolErr.Code)
		return s.sendResult(id, toolErrorResult(toolErr))
	}
	s.logCall(params.Name, logged, startedAt, "")
	return s.sendResult(id, result)
}

// decodeToolCallParams also accepts arguments placed next to "name" by
// clients that do not nest them.
func decodeToolCallParams(raw json.RawMessage) (toolsCallParams, error) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(raw, &payload); err != nil {
		return toolsCallParams{}, err
	}

	var name string
	if err := json.Unmarshal(payload["name"], &name); err != nil {
		return toolsCallParams{}, fmt.Errorf("missing tool name")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return toolsCallParams{}, fmt.Errorf("missing tool name")
	}

	arguments, ok := payload["arguments"]
	if !ok {
		flattened := map[string]json.RawMessage{}
		for key, value := range payload {
			if key != "name" && key != "_meta" {
				flattened[key] = value
			}
		}
		if len(flattened) > 0 {
			normalized, err := json.Marshal(flattened)
			if err != nil {
				return toolsCallParams{}, err
			}
			arguments = normalized
		}
	}
	if trimmed := bytes.TrimSpace(arguments); len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		arguments = json.RawMessage("{}")
	}

	return toolsCallParams{Name: name, Arguments: arguments}, nil
}

func decodeStrict(raw json.RawMessage, out any) error {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return err
	}
	var trailing any
	if err := decoder.Decode(&trailing); err != io.EOF {
		return fmt.Errorf("invalid JSON payload")
	}
	return nil
}

func asToolError(err error) *domain.Error {
	var de *domain.Error
	if errors.As(err, &de) && de != nil && strings.TrimSpace(de.Code) != "" {
		return de
	}
	return domain.NewError(domain.CodeInternalError, err.Error())
}

func toolErrorResult(err *domain.Error) toolCallResult {
	return toolCallResult{
		Content:           []toolContent{{Type: "text", Text: err.Error()}},
		StructuredContent: map[string]any{"error": err},
		IsError:           true,
	}
}

func (s *Server) logCall(method string, logged callLog, startedAt time.Time, errorCode string) {
	level := slog.LevelInfo
	if errorCode != "" {
		level = slog.LevelError
	}
	s.logger.Log(context.Background(), level, "mcp_call",
		slog.String("method", strings.TrimSpace(method)),
		slog.String("device", logged.device),
		slog.String("cast_id", logged.castID),
		slog.Int64("duration_ms", time.Since(startedAt).Milliseconds()),
		slog.String("error_code", errorCode),
	)
}

func (s *Server) sendResult(id json.RawMessage, result any) error {
	return s.send(response{JSONRPC: jsonRPCVersion, ID: id, Result: result})
}

func (s *Server) sendError(id json.RawMessage, code int, message string) error {
	return s.send(response{JSONRPC: jsonRPCVersion, ID: id, Error: &responseError{Code: code, Message: message}})
}

func (s *Server) send(resp response) error {
	encoded, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	s.logger.Debug("mcp_send", slog.Int("bytes", len(encoded)))
	return s.wire.write(encoded)
}

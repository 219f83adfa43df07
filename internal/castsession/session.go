package castsession

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"go2tv.app/caststream/internal/castchannel"
)

// maxUnansweredPings bounds a blocking wait: after this many consecutive
// heartbeats without the awaited response, the wait gives up.
const maxUnansweredPings = 30

type pendingRequest struct {
	namespace string
	kind      string
	response  Message
}

// session is the state of one high-level operation. It is never shared
// between goroutines and never outlives the operation that created it.
type session struct {
	channel       *castchannel.Channel
	logger        *slog.Logger
	nextRequestID int
	pending       map[int]*pendingRequest

	receiver     *Application
	media        *MediaStatus
	volume       *VolumeStatus
	applications []Application
}

func newSession(channel *castchannel.Channel, logger *slog.Logger) *session {
	return &session{
		channel:       channel,
		logger:        logger,
		nextRequestID: 1,
		pending:       map[int]*pendingRequest{},
	}
}

func (s *session) close() {
	if err := s.channel.Close(); err != nil {
		s.logger.Debug("cast_channel_close_failed", slog.String("error", err.Error()))
	}
}

// connect opens the channel if needed and addresses subsequent messages to
// destinationID. One socket serves every destination of the operation.
func (s *session) connect(ctx context.Context, destinationID string) error {
	if err := s.channel.Open(ctx); err != nil {
		return err
	}
	s.channel.SetDestination(destinationID)
	return s.channel.WriteFrame(NamespaceConnection, map[string]any{
		"type":   TypeConnect,
		"origin": map[string]any{},
	})
}

// sendWithResponse stamps data with a fresh request id, sends it and waits
// for the matching response. A nil message with a nil error means the
// device kept heartbeating without answering.
func (s *session) sendWithResponse(namespace string, data map[string]any) (Message, error) {
	s.nextRequestID++
	id := s.nextRequestID
	data["requestId"] = id

	kind, _ := data["type"].(string)
	s.pending[id] = &pendingRequest{namespace: namespace, kind: kind}
	defer delete(s.pending, id)

	if err := s.channel.WriteFrame(namespace, data); err != nil {
		return nil, err
	}
	return s.awaitResponse(id)
}

func (s *session) awaitResponse(requestID int) (Message, error) {
	pings := 0
	for {
		if req := s.pending[requestID]; req != nil && req.response != nil {
			return req.response, nil
		}
		if pings >= maxUnansweredPings {
			req := s.pending[requestID]
			attrs := []any{slog.Int("request_id", requestID), slog.Int("pings", pings)}
			if req != nil {
				attrs = append(attrs, slog.String("request_type", req.kind), slog.String("namespace", req.namespace))
			}
			s.logger.Warn("cast_response_timeout", attrs...)
			return nil, nil
		}

		in, err := s.channel.ReadFrame()
		if err != nil {
			return nil, err
		}
		msg, err := ParseMessage(in.Payload)
		if err != nil {
			s.logger.Debug("cast_message_undecodable", slog.String("namespace", in.Namespace), slog.String("error", err.Error()))
			continue
		}

		if _, ok := msg.(Ping); ok {
			pings++
		} else {
			pings = 0
		}
		if err := s.dispatch(msg); err != nil {
			return nil, err
		}
	}
}

// dispatch applies msg to the cached state, then resolves the pending
// request it answers, if any.
func (s *session) dispatch(msg Message) error {
	switch m := msg.(type) {
	case Ping:
		if err := s.channel.WriteFrame(NamespaceHeartbeat, map[string]any{"type": TypePong}); err != nil {
			return errors.Wrap(err, "reply to heartbeat")
		}
	case *ReceiverStatusMessage:
		s.applyReceiverStatus(m)
	case *MediaStatusMessage:
		s.applyMediaStatus(m)
	}

	id, ok := msg.RequestID()
	if !ok {
		return nil
	}
	if req, found := s.pending[id]; found {
		req.response = msg
		return nil
	}
	if id != 0 {
		s.logger.Debug("cast_response_unmatched", slog.Int("request_id", id), slog.String("type", msg.Type()))
	}
	return nil
}

func (s *session) applyReceiverStatus(m *ReceiverStatusMessage) {
	s.receiver = nil
	s.applications = m.Applications
	for i := range m.Applications {
		if m.Applications[i].AppID == MediaPlayerAppID {
			app := m.Applications[i]
			s.receiver = &app
		}
	}
	if m.Volume != nil {
		vol := *m.Volume
		s.volume = &vol
	}
}

func (s *session) applyMediaStatus(m *MediaStatusMessage) {
	s.media = nil
	if len(m.Status) > 0 {
		status := m.Status[0]
		s.media = &status
	}
}

func (s *session) getReceiverStatus() (Message, error) {
	return s.sendWithResponse(NamespaceReceiver, map[string]any{"type": TypeGetStatus})
}

func (s *session) getMediaStatus() (Message, error) {
	return s.sendWithResponse(NamespaceMedia, map[string]any{"type": TypeGetStatus})
}

// connectToApp addresses the running media player. It must only be called
// once the receiver status is known to be present.
func (s *session) connectToApp(ctx context.Context) error {
	return s.connect(ctx, s.receiver.TransportID)
}

package castsession

import (
	"encoding/json"

	"github.com/buger/jsonparser"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
)

const (
	TypePing           = "PING"
	TypePong           = "PONG"
	TypeConnect        = "CONNECT"
	TypeGetStatus      = "GET_STATUS"
	TypeLaunch         = "LAUNCH"
	TypeLoad           = "LOAD"
	TypeSetVolume      = "SET_VOLUME"
	TypeReceiverStatus = "RECEIVER_STATUS"
	TypeMediaStatus    = "MEDIA_STATUS"
	TypeLoadFailed     = "LOAD_FAILED"
	TypeLoadCancelled  = "LOAD_CANCELLED"
	TypeInvalidRequest = "INVALID_REQUEST"
	TypeLaunchError    = "LAUNCH_ERROR"
)

// Message is one decoded inbound payload. The concrete type is one of
// Ping, *ReceiverStatusMessage, *MediaStatusMessage or *Generic.
type Message interface {
	Type() string
	// RequestID returns the correlation id and whether the payload carried one.
	RequestID() (int, bool)
	Raw() []byte
}

type envelope struct {
	kind         string
	requestID    int
	hasRequestID bool
	raw          []byte
}

func (e envelope) Type() string           { return e.kind }
func (e envelope) RequestID() (int, bool) { return e.requestID, e.hasRequestID }
func (e envelope) Raw() []byte            { return e.raw }

type Ping struct {
	envelope
}

type ReceiverStatusMessage struct {
	envelope
	Applications []Application
	Volume       *VolumeStatus
}

type MediaStatusMessage struct {
	envelope
	Status []MediaStatus
}

// Generic carries any payload without a dedicated variant, such as
// LOAD_FAILED or LAUNCH_ERROR responses.
type Generic struct {
	envelope
	Fields map[string]any
}

type PlayerState string

const (
	PlayerIdle      PlayerState = "IDLE"
	PlayerBuffering PlayerState = "BUFFERING"
	PlayerPlaying   PlayerState = "PLAYING"
	PlayerPaused    PlayerState = "PAUSED"
)

type Application struct {
	AppID       string `mapstructure:"appId" json:"appId"`
	DisplayName string `mapstructure:"displayName" json:"displayName,omitempty"`
	SessionID   string `mapstructure:"sessionId" json:"sessionId,omitempty"`
	TransportID string `mapstructure:"transportId" json:"transportId,omitempty"`
	StatusText  string `mapstructure:"statusText" json:"statusText,omitempty"`
}

type VolumeStatus struct {
	Level float64 `mapstructure:"level" json:"level"`
	Muted bool    `mapstructure:"muted" json:"muted"`
}

type MediaInfo struct {
	ContentID   string  `mapstructure:"contentId" json:"contentId"`
	ContentType string  `mapstructure:"contentType" json:"contentType,omitempty"`
	StreamType  string  `mapstructure:"streamType" json:"streamType,omitempty"`
	Duration    float64 `mapstructure:"duration" json:"duration,omitempty"`
}

type MediaStatus struct {
	MediaSessionID int           `mapstructure:"mediaSessionId" json:"mediaSessionId"`
	PlayerState    PlayerState   `mapstructure:"playerState" json:"playerState"`
	IdleReason     string        `mapstructure:"idleReason" json:"idleReason,omitempty"`
	CurrentTime    float64       `mapstructure:"currentTime" json:"currentTime"`
	PlaybackRate   float64       `mapstructure:"playbackRate" json:"playbackRate,omitempty"`
	Media          *MediaInfo    `mapstructure:"media" json:"media,omitempty"`
	Volume         *VolumeStatus `mapstructure:"volume" json:"volume,omitempty"`
}

type receiverStatusBody struct {
	Applications []Application `mapstructure:"applications"`
	Volume       *VolumeStatus `mapstructure:"volume"`
}

// ParseMessage discriminates a payload on its "type" field, falling back to
// "responseType", and decodes the matching variant.
func ParseMessage(payload []byte) (Message, error) {
	env := envelope{raw: payload}

	kind, err := jsonparser.GetString(payload, "type")
	if err != nil || kind == "" {
		kind, _ = jsonparser.GetString(payload, "responseType")
	}
	env.kind = kind

	if id, err := jsonparser.GetInt(payload, "requestId"); err == nil {
		env.requestID = int(id)
		env.hasRequestID = true
	}

	switch kind {
	case TypePing:
		return Ping{envelope: env}, nil

	case TypeReceiverStatus:
		msg := &ReceiverStatusMessage{envelope: env}
		status, dataType, _, err := jsonparser.Get(payload, "status")
		if err != nil || dataType != jsonparser.Object {
			return msg, nil
		}
		var body receiverStatusBody
		if err := decodeInto(status, &body); err != nil {
			return nil, errors.Wrap(err, "decode receiver status")
		}
		msg.Applications = body.Applications
		msg.Volume = body.Volume
		return msg, nil

	case TypeMediaStatus:
		msg := &MediaStatusMessage{envelope: env}
		status, dataType, _, err := jsonparser.Get(payload, "status")
		if err != nil || dataType != jsonparser.Array {
			return msg, nil
		}
		if err := decodeInto(status, &msg.Status); err != nil {
			return nil, errors.Wrap(err, "decode media status")
		}
		return msg, nil

	default:
		fields := map[string]any{}
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, errors.Wrap(err, "decode payload")
		}
		return &Generic{envelope: env, Fields: fields}, nil
	}
}

func decodeInto(raw []byte, out any) error {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(generic)
}

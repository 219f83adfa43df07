package adapters

import (
	"context"

	"go2tv.app/go2tv/v2/soapcalls"
	"go2tv.app/go2tv/v2/utils"

	"go2tv.app/caststream/internal/castsession"
)

// CastController drives one receiver. Each call opens and closes its own
// control channel.
type CastController interface {
	Load(ctx context.Context, req castsession.LoadRequest) error
	Control(ctx context.Context, command string, params map[string]any) error
	Pause(ctx context.Context) error
	Play(ctx context.Context) error
	Stop(ctx context.Context) error
	Status(ctx context.Context) (castsession.Status, error)
	IsIdle(ctx context.Context) (bool, error)
	SetVolume(ctx context.Context, level string) error
}

// CastFactory creates a CastController bound to a device address.
type CastFactory interface {
	NewController(address string) CastController
}

// MediaServer serves local media to the receiver over HTTP.
type MediaServer interface {
	AddHandler(path string, payload *soapcalls.TVPayload, transcode *utils.TranscodeOptions, media any)
	StartServing(serverStarted chan<- error)
	StopServer()
}

// MediaServerFactory creates a MediaServer listening on addr.
type MediaServerFactory interface {
	New(addr string) MediaServer
}

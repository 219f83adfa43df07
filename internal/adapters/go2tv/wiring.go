package go2tv

import (
	"log/slog"

	"go2tv.app/go2tv/v2/httphandlers"

	"go2tv.app/caststream/internal/adapters"
	"go2tv.app/caststream/internal/castchannel"
	"go2tv.app/caststream/internal/castsession"
)

// Bundle wires the go2tv media server and the cast session controller.
type Bundle struct {
	CastFactory   adapters.CastFactory
	ServerFactory adapters.MediaServerFactory
}

func NewBundle(logger *slog.Logger) Bundle {
	return Bundle{
		CastFactory:   CastFactory{Logger: logger},
		ServerFactory: StreamServerFactory{},
	}
}

type CastFactory struct {
	Logger *slog.Logger
	// Dial overrides the TLS dialer, mainly for tests.
	Dial castchannel.DialFunc
}

func (f CastFactory) NewController(address string) adapters.CastController {
	logger := f.Logger
	if logger != nil {
		logger = logger.With(slog.String("component", "castsession"))
	}
	return castsession.New(address, castsession.Options{Logger: logger, Dial: f.Dial})
}

type StreamServerFactory struct{}

func (StreamServerFactory) New(addr string) adapters.MediaServer {
	return httphandlers.NewServer(addr)
}

var (
	_ adapters.CastFactory        = CastFactory{}
	_ adapters.MediaServerFactory = StreamServerFactory{}
	_ adapters.CastController     = (*castsession.Controller)(nil)
)

// Package castchannel owns the encrypted control connection to one device.
package castchannel

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"go2tv.app/caststream/internal/castwire"
)

const (
	// ControlPort is the TLS control port every cast receiver listens on.
	ControlPort = 8009

	readChunkSize  = 2048
	defaultTimeout = 10 * time.Second
)

// DialFunc opens the raw connection to addr ("host:port").
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// Inbound is one frame received from the device. Payload always holds valid
// JSON; a malformed payload is replaced by an empty object.
type Inbound struct {
	SourceID      string
	DestinationID string
	Namespace     string
	Payload       []byte
}

type Channel struct {
	host   string
	port   int
	dial   DialFunc
	logger *slog.Logger

	conn          net.Conn
	stopWatch     func() bool
	sourceID      string
	destinationID string
}

type Options struct {
	Port     int
	Dial     DialFunc
	SourceID string
	Logger   *slog.Logger
}

func New(host string, opts Options) *Channel {
	if opts.Port <= 0 {
		opts.Port = ControlPort
	}
	if opts.Dial == nil {
		opts.Dial = DialTLS
	}
	if opts.SourceID == "" {
		opts.SourceID = "sender-0"
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	return &Channel{
		host:     host,
		port:     opts.Port,
		dial:     opts.Dial,
		logger:   opts.Logger,
		sourceID: opts.SourceID,
	}
}

// DialTLS connects with TLS. Receivers present self-signed certificates, so
// the chain is not verified.
func DialTLS(ctx context.Context, addr string) (net.Conn, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: defaultTimeout},
		Config: &tls.Config{
			// #nosec G402 -- cast receivers use self-signed device certificates.
			InsecureSkipVerify: true,
		},
	}
	return dialer.DialContext(ctx, "tcp", addr)
}

// Open connects if the channel is not already open. Cancelling ctx later
// interrupts blocked reads and writes on the connection.
func (c *Channel) Open(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}

	addr := net.JoinHostPort(c.host, strconv.Itoa(c.port))
	conn, err := c.dial(ctx, addr)
	if err != nil {
		return errors.Wrapf(err, "dial %s", addr)
	}
	c.conn = conn
	// A cancelled context unblocks pending reads by expiring the deadline.
	c.stopWatch = context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	c.logger.Debug("cast_channel_open", slog.String("remote", addr), slog.String("local", conn.LocalAddr().String()))
	return nil
}

// IsOpen reports whether a connection is held.
func (c *Channel) IsOpen() bool {
	return c.conn != nil
}

// Close is safe on an unopened or already closed channel.
func (c *Channel) Close() error {
	if c.conn == nil {
		return nil
	}
	if c.stopWatch != nil {
		c.stopWatch()
		c.stopWatch = nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.logger.Debug("cast_channel_closed")
	return err
}

func (c *Channel) SetDestination(id string) {
	c.destinationID = id
}

func (c *Channel) Destination() string {
	return c.destinationID
}

// LocalAddr returns the local end of the socket ("ip:port"), or "" when closed.
func (c *Channel) LocalAddr() string {
	if c.conn == nil {
		return ""
	}
	return c.conn.LocalAddr().String()
}

// ReadFrame blocks until one complete frame has arrived.
func (c *Channel) ReadFrame() (Inbound, error) {
	if c.conn == nil {
		return Inbound{}, errors.New("castchannel: read on closed channel")
	}

	header := make([]byte, castwire.HeaderSize)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return Inbound{}, errors.Wrap(err, "read frame length")
	}
	length, err := castwire.FrameLength(header)
	if err != nil {
		return Inbound{}, err
	}

	body := make([]byte, 0, length)
	chunk := make([]byte, readChunkSize)
	for len(body) < length {
		want := length - len(body)
		if want > readChunkSize {
			want = readChunkSize
		}
		n, err := c.conn.Read(chunk[:want])
		body = append(body, chunk[:n]...)
		if err != nil && len(body) < length {
			return Inbound{}, errors.Wrap(err, "read frame body")
		}
	}

	msg, err := castwire.Decode(body)
	if err != nil {
		return Inbound{}, errors.Wrap(err, "decode frame")
	}

	payload := []byte(msg.Payload)
	if !json.Valid(payload) {
		c.logger.Debug("cast_payload_malformed", slog.String("namespace", msg.Namespace), slog.Int("bytes", len(payload)))
		payload = []byte("{}")
	}

	return Inbound{
		SourceID:      msg.SourceID,
		DestinationID: msg.DestinationID,
		Namespace:     msg.Namespace,
		Payload:       payload,
	}, nil
}

// WriteFrame marshals payload to JSON and sends it to the current destination.
func (c *Channel) WriteFrame(namespace string, payload any) error {
	if c.conn == nil {
		return errors.New("castchannel: write on closed channel")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal payload")
	}

	frame := castwire.Encode(c.sourceID, c.destinationID, namespace, string(data))
	if _, err := c.conn.Write(frame); err != nil {
		return errors.Wrapf(err, "write frame to %s", namespace)
	}
	return nil
}

// Package castwire encodes and decodes the single message shape spoken on the
// cast control channel: six fields in a fixed order behind a 4-byte length.
package castwire

import (
	"encoding/binary"

	"github.com/gogo/protobuf/proto"
	"github.com/pkg/errors"
)

const (
	wireTypeInt    = 0
	wireTypeString = 2

	fieldProtocolVersion = 1
	fieldSourceID        = 2
	fieldDestinationID   = 3
	fieldNamespace       = 4
	fieldPayloadType     = 5
	fieldPayload         = 6

	// HeaderSize is the length prefix in front of every frame.
	HeaderSize = 4
)

var ErrTruncated = errors.New("castwire: truncated message")

// Message is one decoded control message.
type Message struct {
	ProtocolVersion int
	SourceID        string
	DestinationID   string
	Namespace       string
	PayloadType     int
	Payload         string
}

// Encode returns the length-prefixed frame for a JSON payload. Protocol
// version and payload type are always 0.
func Encode(sourceID, destinationID, namespace, payload string) []byte {
	body := make([]byte, 0, 16+len(sourceID)+len(destinationID)+len(namespace)+len(payload))
	body = appendIntField(body, fieldProtocolVersion, 0)
	body = appendStringField(body, fieldSourceID, sourceID)
	body = appendStringField(body, fieldDestinationID, destinationID)
	body = appendStringField(body, fieldNamespace, namespace)
	body = appendIntField(body, fieldPayloadType, 0)
	body = appendStringField(body, fieldPayload, payload)

	return EncodeFrame(body)
}

// EncodeFrame prefixes body with its big-endian length.
func EncodeFrame(body []byte) []byte {
	frame := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint32(frame[:HeaderSize], uint32(len(body)))
	copy(frame[HeaderSize:], body)
	return frame
}

// FrameLength reads the length prefix of a frame header.
func FrameLength(header []byte) (int, error) {
	if len(header) < HeaderSize {
		return 0, ErrTruncated
	}
	return int(binary.BigEndian.Uint32(header[:HeaderSize])), nil
}

// Decode parses a message body (without the length prefix). Fields are read
// in the order Encode writes them; tags are not used for dispatch.
func Decode(body []byte) (Message, error) {
	var (
		msg Message
		err error
		r   = reader{buf: body}
	)

	if msg.ProtocolVersion, err = r.intField(); err != nil {
		return Message{}, errors.Wrap(err, "protocol version")
	}
	if msg.SourceID, err = r.stringField(); err != nil {
		return Message{}, errors.Wrap(err, "source id")
	}
	if msg.DestinationID, err = r.stringField(); err != nil {
		return Message{}, errors.Wrap(err, "destination id")
	}
	if msg.Namespace, err = r.stringField(); err != nil {
		return Message{}, errors.Wrap(err, "namespace")
	}
	if msg.PayloadType, err = r.intField(); err != nil {
		return Message{}, errors.Wrap(err, "payload type")
	}
	if msg.Payload, err = r.stringField(); err != nil {
		return Message{}, errors.Wrap(err, "payload")
	}

	return msg, nil
}

// DecodeFrame strips the length prefix and decodes the body.
func DecodeFrame(frame []byte) (Message, error) {
	n, err := FrameLength(frame)
	if err != nil {
		return Message{}, err
	}
	if len(frame)-HeaderSize < n {
		return Message{}, ErrTruncated
	}
	return Decode(frame[HeaderSize : HeaderSize+n])
}

func fieldHeader(fieldNumber, wireType int) byte {
	return byte(fieldNumber<<3 | wireType)
}

// appendIntField writes a single unsigned byte, not a general varint.
func appendIntField(b []byte, fieldNumber int, value byte) []byte {
	return append(b, fieldHeader(fieldNumber, wireTypeInt), value)
}

func appendStringField(b []byte, fieldNumber int, value string) []byte {
	b = append(b, fieldHeader(fieldNumber, wireTypeString))
	b = append(b, EncodeVarint(uint64(len(value)))...)
	return append(b, value...)
}

// EncodeVarint splits v into 7-bit groups, high bit set on all but the last.
func EncodeVarint(v uint64) []byte {
	return proto.EncodeVarint(v)
}

// DecodeVarint returns the value and the number of bytes consumed, or n == 0
// when buf does not hold a complete varint.
func DecodeVarint(buf []byte) (uint64, int) {
	return proto.DecodeVarint(buf)
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) header(wantWireType int) error {
	if r.pos >= len(r.buf) {
		return ErrTruncated
	}
	tag := r.buf[r.pos]
	r.pos++
	if int(tag&0x7) != wantWireType {
		return errors.Errorf("castwire: wire type %d, want %d", tag&0x7, wantWireType)
	}
	return nil
}

func (r *reader) intField() (int, error) {
	if err := r.header(wireTypeInt); err != nil {
		return 0, err
	}
	if r.pos >= len(r.buf) {
		return 0, ErrTruncated
	}
	v := int(r.buf[r.pos])
	r.pos++
	return v, nil
}

func (r *reader) stringField() (string, error) {
	if err := r.header(wireTypeString); err != nil {
		return "", err
	}
	length, n := DecodeVarint(r.buf[r.pos:])
	if n == 0 {
		return "", ErrTruncated
	}
	r.pos += n
	if uint64(len(r.buf)-r.pos) < length {
		return "", ErrTruncated
	}
	end := r.pos + int(length)
	s := string(r.buf[r.pos:end])
	r.pos = end
	return s, nil
}

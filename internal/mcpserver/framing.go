package mcpserver

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

type wireMode int

const (
	modeUnset wireMode = iota
	modeFramed
	modeJSONLine
)

func (m wireMode) String() string {
	switch m {
	case modeFramed:
		return "framed"
	case modeJSONLine:
		return "jsonline"
	default:
		return "unset"
	}
}

// wire reads Content-Length framed or newline delimited JSON-RPC messages
// and answers in whichever style the first message used.
type wire struct {
	r    *bufio.Reader
	w    *bufio.Writer
	mode wireMode
}

func newWire(in io.Reader, out io.Writer) *wire {
	return &wire{r: bufio.NewReader(in), w: bufio.NewWriter(out)}
}

// read returns the next message body. The first message fixes the reply
// mode.
func (c *wire) read() ([]byte, error) {
	line, err := c.nextNonBlankLine()
	if err != nil {
		return nil, err
	}

	var (
		payload []byte
		mode    wireMode
	)
	if trimmed := strings.TrimSpace(line); strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		payload, err = c.readJSONLines(line)
		mode = modeJSONLine
	} else {
		payload, err = c.readFramed(line)
		mode = modeFramed
	}
	if err != nil {
		return nil, err
	}
	if c.mode == modeUnset {
		c.mode = mode
	}
	return payload, nil
}

func (c *wire) nextNonBlankLine() (string, error) {
	for {
		line, err := c.r.ReadString('\n')
		if strings.TrimSpace(line) != "" {
			if err != nil && err != io.EOF {
				return "", err
			}
			return line, nil
		}
		if err != nil {
			return "", err
		}
	}
}

// readJSONLines accumulates lines until they form one JSON value, which
// tolerates pretty printed input.
func (c *wire) readJSONLines(first string) ([]byte, error) {
	buf := bytes.NewBufferString(first)
	for {
		if body := bytes.TrimSpace(buf.Bytes()); json.Valid(body) {
			return body, nil
		}
		line, err := c.r.ReadString('\n')
		buf.WriteString(line)
		if err != nil {
			if err == io.EOF {
				if body := bytes.TrimSpace(buf.Bytes()); json.Valid(body) {
					return body, nil
				}
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

func (c *wire) readFramed(first string) ([]byte, error) {
	length := -1
	for line := first; ; {
		header := strings.TrimSpace(line)
		if header == "" {
			break
		}
		if key, value, ok := strings.Cut(header, ":"); ok && strings.EqualFold(strings.TrimSpace(key), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 {
				return nil, fmt.Errorf("invalid Content-Length %q", value)
			}
			length = n
		}

		var err error
		if line, err = c.r.ReadString('\n'); err != nil {
			if err == io.EOF {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
	if length < 0 {
		return nil, fmt.Errorf("missing Content-Length header")
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (c *wire) write(payload []byte) error {
	if c.mode == modeJSONLine {
		if _, err := c.w.Write(payload); err != nil {
			return err
		}
		if err := c.w.WriteByte('\n'); err != nil {
			return err
		}
		return c.w.Flush()
	}

	if _, err := fmt.Fprintf(c.w, "Content-Length: %d\r\n\r\n", len(payload)); err != nil {
		return err
	}
	if _, err := c.w.Write(payload); err != nil {
		return err
	}
	return c.w.Flush()
}

package castsession

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"go2tv.app/caststream/internal/castwire"
)

// fakeDevice is a loopback stand-in for a cast receiver. It speaks the
// framed protocol in plain TCP and answers a small set of requests.
type fakeDevice struct {
	t        *testing.T
	listener net.Listener

	mu              sync.Mutex
	appRunning      bool
	launchSucceeds  bool
	volume          *float64
	playerState     string
	pingsBefore     int
	silentTypes     map[string]bool
	loadResponse    string
	received        []receivedFrame
	connections     int
	mediaStatusPoll int
}

type receivedFrame struct {
	destination string
	namespace   string
	payload     map[string]any
}

func newFakeDevice(t *testing.T) *fakeDevice {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	d := &fakeDevice{
		t:              t,
		listener:       ln,
		launchSucceeds: true,
		playerState:    "IDLE",
		silentTypes:    map[string]bool{},
		loadResponse:   TypeMediaStatus,
	}
	t.Cleanup(func() { _ = ln.Close() })
	go d.serve()
	return d
}

func (d *fakeDevice) controller() *Controller {
	_, portText, _ := net.SplitHostPort(d.listener.Addr().String())
	port, _ := strconv.Atoi(portText)
	return New("127.0.0.1", Options{
		Port: port,
		Dial: func(ctx context.Context, addr string) (net.Conn, error) {
			var dialer net.Dialer
			return dialer.DialContext(ctx, "tcp", addr)
		},
		PollInterval: 10 * time.Millisecond,
	})
}

func (d *fakeDevice) serve() {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			return
		}
		d.mu.Lock()
		d.connections++
		d.mu.Unlock()
		go d.handle(conn)
	}
}

func (d *fakeDevice) handle(conn net.Conn) {
	defer conn.Close()
	for {
		header := make([]byte, castwire.HeaderSize)
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		n, err := castwire.FrameLength(header)
		if err != nil {
			return
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}
		msg, err := castwire.Decode(body)
		if err != nil {
			return
		}
		payload := map[string]any{}
		_ = json.Unmarshal([]byte(msg.Payload), &payload)

		d.mu.Lock()
		d.received = append(d.received, receivedFrame{
			destination: msg.DestinationID,
			namespace:   msg.Namespace,
			payload:     payload,
		})
		replies := d.respond(msg.Namespace, payload)
		d.mu.Unlock()

		for _, r := range replies {
			data, _ := json.Marshal(r.payload)
			if _, err := conn.Write(castwire.Encode(msg.DestinationID, msg.SourceID, r.namespace, string(data))); err != nil {
				return
			}
		}
	}
}

type reply struct {
	namespace string
	payload   map[string]any
}

func (d *fakeDevice) respond(namespace string, payload map[string]any) []reply {
	kind, _ := payload["type"].(string)
	if kind == TypeConnect || kind == TypePong {
		return nil
	}

	var out []reply
	pings := d.pingsBefore
	if d.silentTypes[kind] {
		pings = maxUnansweredPings + 5
	}
	for i := 0; i < pings; i++ {
		out = append(out, reply{NamespaceHeartbeat, map[string]any{"type": TypePing}})
	}
	if d.silentTypes[kind] {
		return out
	}

	id := payload["requestId"]
	switch {
	case namespace == NamespaceReceiver && kind == TypeGetStatus:
		out = append(out, reply{NamespaceReceiver, d.receiverStatus(id)})
	case kind == TypeLaunch:
		if d.launchSucceeds {
			d.appRunning = true
		}
		out = append(out, reply{NamespaceReceiver, d.receiverStatus(id)})
	case kind == TypeSetVolume:
		vol, _ := payload["volume"].(map[string]any)
		if level, ok := vol["level"].(float64); ok {
			d.volume = &level
		}
		out = append(out, reply{NamespaceReceiver, d.receiverStatus(id)})
	case namespace == NamespaceMedia && kind == TypeGetStatus:
		d.mediaStatusPoll++
		if d.mediaStatusPoll > 1 && d.playerState == "LOADING" {
			d.playerState = "PLAYING"
		}
		out = append(out, reply{NamespaceMedia, d.mediaStatus(id)})
	case kind == TypeLoad:
		if d.loadResponse != TypeMediaStatus {
			out = append(out, reply{NamespaceMedia, map[string]any{"type": d.loadResponse, "requestId": id}})
			break
		}
		d.playerState = "LOADING"
		out = append(out, reply{NamespaceMedia, d.mediaStatus(id)})
	default:
		if kind == "PAUSE" {
			d.playerState = "PAUSED"
		}
		if kind == "STOP" {
			d.playerState = "IDLE"
		}
		out = append(out, reply{NamespaceMedia, d.mediaStatus(id)})
	}
	return out
}

func (d *fakeDevice) receiverStatus(id any) map[string]any {
	apps := []any{map[string]any{"appId": "E8C28D3C", "displayName": "Backdrop", "statusText": ""}}
	if d.appRunning {
		apps = append(apps, map[string]any{
			"appId":       MediaPlayerAppID,
			"displayName": "Default Media Receiver",
			"sessionId":   "session-1",
			"transportId": "web-5",
			"statusText":  "Ready To Cast",
		})
	}
	status := map[string]any{"applications": apps}
	if d.volume != nil {
		status["volume"] = map[string]any{"level": *d.volume, "muted": false}
	}
	return map[string]any{"type": TypeReceiverStatus, "requestId": id, "status": status}
}

func (d *fakeDevice) mediaStatus(id any) map[string]any {
	return map[string]any{
		"type":      TypeMediaStatus,
		"requestId": id,
		"status": []any{map[string]any{
			"mediaSessionId": 7,
			"playerState":    d.playerState,
			"currentTime":    12.5,
			"media":          map[string]any{"contentId": "http://10.0.0.2/a.mp4", "contentType": "video/mp4"},
		}},
	}
}

func (d *fakeDevice) framesOfType(kind string) []receivedFrame {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []receivedFrame
	for _, f := range d.received {
		if f.payload["type"] == kind {
			out = append(out, f)
		}
	}
	return out
}

func (d *fakeDevice) configure(fn func(*fakeDevice)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d)
}

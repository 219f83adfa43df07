package castsession

import (
	"log/slog"
	"testing"
)

func TestParseMessageDiscriminates(t *testing.T) {
	cases := []struct {
		name     string
		payload  string
		wantType string
		wantID   int
		hasID    bool
	}{
		{name: "ping", payload: `{"type":"PING"}`, wantType: TypePing},
		{name: "receiver status", payload: `{"type":"RECEIVER_STATUS","requestId":4,"status":{}}`, wantType: TypeReceiverStatus, wantID: 4, hasID: true},
		{name: "media status", payload: `{"type":"MEDIA_STATUS","requestId":0,"status":[]}`, wantType: TypeMediaStatus, hasID: true},
		{name: "response type fallback", payload: `{"responseType":"GET_APP_AVAILABILITY","requestId":9}`, wantType: "GET_APP_AVAILABILITY", wantID: 9, hasID: true},
		{name: "untyped", payload: `{}`, wantType: ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := ParseMessage([]byte(tc.payload))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if msg.Type() != tc.wantType {
				t.Fatalf("type = %q, want %q", msg.Type(), tc.wantType)
			}
			id, ok := msg.RequestID()
			if ok != tc.hasID || id != tc.wantID {
				t.Fatalf("request id = (%d, %v), want (%d, %v)", id, ok, tc.wantID, tc.hasID)
			}
		})
	}
}

func TestParseMessageVariants(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"type":"PING"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, ok := msg.(Ping); !ok {
		t.Fatalf("expected Ping, got %T", msg)
	}

	msg, err = ParseMessage([]byte(`{"type":"LOAD_FAILED","requestId":3,"reason":"INVALID_PARAMS"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	generic, ok := msg.(*Generic)
	if !ok {
		t.Fatalf("expected *Generic, got %T", msg)
	}
	if generic.Fields["reason"] != "INVALID_PARAMS" {
		t.Fatalf("unexpected fields %#v", generic.Fields)
	}

	msg, err = ParseMessage([]byte(`{"type":"MEDIA_STATUS","status":[
		{"mediaSessionId":3,"playerState":"PAUSED","currentTime":41.5,"media":{"contentId":"http://a/b.mp4","duration":120}},
		{"mediaSessionId":4,"playerState":"PLAYING"}]}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	media := msg.(*MediaStatusMessage)
	if len(media.Status) != 2 || media.Status[0].MediaSessionID != 3 || media.Status[0].PlayerState != PlayerPaused {
		t.Fatalf("unexpected media status %#v", media.Status)
	}
	if media.Status[0].Media == nil || media.Status[0].Media.Duration != 120 {
		t.Fatalf("unexpected media info %#v", media.Status[0].Media)
	}
}

func TestReceiverStatusSelectsMediaPlayer(t *testing.T) {
	s := newSession(nil, slog.New(slog.DiscardHandler))

	withApp := `{"type":"RECEIVER_STATUS","requestId":0,"status":{
		"applications":[
			{"appId":"E8C28D3C","displayName":"Backdrop","transportId":"web-1"},
			{"appId":"CC1AD845","displayName":"Default Media Receiver","sessionId":"abc","transportId":"web-2","statusText":"Ready To Cast"}
		],
		"volume":{"level":0.25,"muted":false}}}`
	s.applyReceiverStatus(mustReceiverStatus(t, withApp))

	if s.receiver == nil || s.receiver.TransportID != "web-2" || s.receiver.SessionID != "abc" {
		t.Fatalf("unexpected receiver status %#v", s.receiver)
	}
	if len(s.applications) != 2 {
		t.Fatalf("expected 2 applications, got %d", len(s.applications))
	}
	if s.volume == nil || s.volume.Level != 0.25 {
		t.Fatalf("unexpected volume %#v", s.volume)
	}

	withoutApp := `{"type":"RECEIVER_STATUS","status":{"applications":[{"appId":"E8C28D3C","displayName":"Backdrop"}]}}`
	s.applyReceiverStatus(mustReceiverStatus(t, withoutApp))

	if s.receiver != nil {
		t.Fatalf("receiver status should be cleared, got %#v", s.receiver)
	}
	if len(s.applications) != 1 || s.applications[0].AppID != "E8C28D3C" {
		t.Fatalf("applications should still be cached, got %#v", s.applications)
	}
	if s.volume == nil || s.volume.Level != 0.25 {
		t.Fatal("volume should persist when absent from a later status")
	}
}

func TestMediaStatusReplacedWholesale(t *testing.T) {
	s := newSession(nil, slog.New(slog.DiscardHandler))

	first, _ := ParseMessage([]byte(`{"type":"MEDIA_STATUS","status":[{"mediaSessionId":1,"playerState":"PLAYING","currentTime":5}]}`))
	s.applyMediaStatus(first.(*MediaStatusMessage))
	if s.media == nil || s.media.CurrentTime != 5 {
		t.Fatalf("unexpected media status %#v", s.media)
	}

	second, _ := ParseMessage([]byte(`{"type":"MEDIA_STATUS","status":[{"mediaSessionId":1,"playerState":"PAUSED"}]}`))
	s.applyMediaStatus(second.(*MediaStatusMessage))
	if s.media.PlayerState != PlayerPaused || s.media.CurrentTime != 0 {
		t.Fatalf("media status must not be merged, got %#v", s.media)
	}

	empty, _ := ParseMessage([]byte(`{"type":"MEDIA_STATUS","status":[]}`))
	s.applyMediaStatus(empty.(*MediaStatusMessage))
	if s.media != nil {
		t.Fatalf("empty status array should clear media status, got %#v", s.media)
	}
}

func mustReceiverStatus(t *testing.T, payload string) *ReceiverStatusMessage {
	t.Helper()
	msg, err := ParseMessage([]byte(payload))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	rs, ok := msg.(*ReceiverStatusMessage)
	if !ok {
		t.Fatalf("expected *ReceiverStatusMessage, got %T", msg)
	}
	return rs
}

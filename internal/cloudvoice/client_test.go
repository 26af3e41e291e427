package cloudvoice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/voicebridge/internal/relay"
)

// cloudServer is a scripted cloud endpoint. It records the first two client
// messages and then writes the scripted replies.
type cloudServer struct {
	server   *httptest.Server
	auth     chan string
	received chan message
	start    chan startMessage
}

func newCloudServer(t *testing.T, replies []string) *cloudServer {
	t.Helper()
	cs := &cloudServer{
		auth:     make(chan string, 1),
		received: make(chan message, 16),
		start:    make(chan startMessage, 1),
	}
	upgrader := websocket.Upgrader{}
	cs.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer reject" {
			http.Error(w, "bad token", http.StatusUnauthorized)
			return
		}
		cs.auth <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var start startMessage
		_ = json.Unmarshal(data, &start)
		cs.start <- start

		for _, reply := range replies {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(reply)); err != nil {
				return
			}
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg message
			_ = json.Unmarshal(data, &msg)
			cs.received <- msg
		}
	}))
	t.Cleanup(cs.server.Close)
	return cs
}

func (cs *cloudServer) url() string {
	return "ws" + strings.TrimPrefix(cs.server.URL, "http")
}

func TestNewDialerValidation(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"empty", "", true},
		{"http scheme", "http://example.com", true},
		{"ws", "ws://example.com/voice", false},
		{"wss", "wss://example.com/voice", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDialer(Config{URL: tt.url})
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewDialer() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDialSendsStartAndAudio(t *testing.T) {
	cs := newCloudServer(t, nil)
	d, err := NewDialer(Config{URL: cs.url(), Token: "secret-token"})
	if err != nil {
		t.Fatalf("NewDialer() error = %v", err)
	}

	leg, err := d.Dial(context.Background(), relay.CallInfo{
		CallID:          "out-1",
		Direction:       "outbound",
		CallerIDNumber:  "+15550001111",
		Mode:            "sales",
		ScheduledCallID: "out-1",
		Codec:           "L16",
		SampleRate:      8000,
	})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer leg.Close()

	if got := <-cs.auth; got != "Bearer secret-token" {
		t.Errorf("authorization = %q", got)
	}
	start := <-cs.start
	if start.Type != "start" || start.CallID != "out-1" || start.ScheduledCallID != "out-1" {
		t.Errorf("unexpected start message: %+v", start)
	}
	if start.InputSampleRate != 16000 || start.OutputSampleRate != 24000 || start.SampleRate != 8000 {
		t.Errorf("unexpected rates: %+v", start)
	}

	pcm := []byte{1, 2, 3, 4}
	if err := leg.SendAudio(context.Background(), pcm); err != nil {
		t.Fatalf("SendAudio() error = %v", err)
	}
	select {
	case msg := <-cs.received:
		if msg.Type != "audio" || msg.Data != base64.StdEncoding.EncodeToString(pcm) {
			t.Errorf("unexpected audio message: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server received no audio")
	}
}

func TestNextDecodesMessages(t *testing.T) {
	audio := base64.StdEncoding.EncodeToString([]byte{9, 8, 7, 6})
	cs := newCloudServer(t, []string{
		`{"type":"ping"}`,
		`not json`,
		`{"type":"audio","data":"` + audio + `"}`,
		`{"type":"text","text":"hello"}`,
		`{"type":"interrupted"}`,
		`{"type":"error","message":"quota"}`,
	})
	d, _ := NewDialer(Config{URL: cs.url()})
	leg, err := d.Dial(context.Background(), relay.CallInfo{CallID: "c1"})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer leg.Close()

	want := []relay.CloudEvent{
		{Kind: relay.CloudAudio, Audio: []byte{9, 8, 7, 6}},
		{Kind: relay.CloudText, Text: "hello"},
		{Kind: relay.CloudInterrupted},
		{Kind: relay.CloudError, Text: "quota"},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i, w := range want {
		ev, err := leg.Next(ctx)
		if err != nil {
			t.Fatalf("Next() #%d error = %v", i, err)
		}
		if ev.Kind != w.Kind || ev.Text != w.Text || string(ev.Audio) != string(w.Audio) {
			t.Fatalf("Next() #%d = %+v, want %+v", i, ev, w)
		}
	}
}

func TestDialRejected(t *testing.T) {
	cs := newCloudServer(t, nil)
	d, _ := NewDialer(Config{URL: cs.url(), Token: "reject"})
	_, err := d.Dial(context.Background(), relay.CallInfo{CallID: "c1"})
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("Dial() error = %v, want status 401", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	cs := newCloudServer(t, nil)
	d, _ := NewDialer(Config{URL: cs.url()})
	leg, err := d.Dial(context.Background(), relay.CallInfo{CallID: "c1"})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if err := leg.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := leg.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if err := leg.SendAudio(context.Background(), []byte{1}); !errors.Is(err, ErrClosed) {
		t.Fatalf("SendAudio() after close error = %v, want ErrClosed", err)
	}
	if _, err := leg.Next(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Next() after close error = %v, want ErrClosed", err)
	}
}

package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pocketpaw/pocketpaw/gateway/internal/domain/entity"
	"github.com/pocketpaw/pocketpaw/gateway/internal/infrastructure/bus"
)

func testAdapter(t *testing.T) (*Adapter, *bus.Bus, *httptest.Server) {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	b := bus.New(logger, 16)

	a := NewAdapter("127.0.0.1", 0, b, logger)
	ctx, cancel := context.WithCancel(context.Background())
	go a.hub.Run(ctx)
	go a.forwardOutbound(ctx)
	go a.forwardSystem(ctx)

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		b.Close()
	})
	return a, b, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var msg WSMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return msg
}

func sendFrame(t *testing.T, conn *websocket.Conn, msg WSMessage) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestAdapter_ChatFramePublishesInbound(t *testing.T) {
	_, b, srv := testAdapter(t)
	conn := dial(t, srv, "session_id=alpha&user_id=u1")

	sendFrame(t, conn, WSMessage{Type: MessageTypeChat, Content: "hello there"})

	select {
	case msg := <-b.ConsumeInbound():
		if msg.Session.Channel != ChannelName || msg.Session.ChatID != "alpha" {
			t.Errorf("session = %v", msg.Session)
		}
		if msg.Content != "hello there" {
			t.Errorf("content = %q", msg.Content)
		}
		if msg.SenderID != "u1" {
			t.Errorf("sender = %q", msg.SenderID)
		}
		if msg.TraceID == "" {
			t.Error("trace id missing")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("inbound message never arrived")
	}
}

func TestAdapter_OutboundStreamReachesClient(t *testing.T) {
	a, b, srv := testAdapter(t)
	conn := dial(t, srv, "session_id=alpha")
	waitForClients(t, a, 1)

	session := entity.SessionKey{Channel: ChannelName, ChatID: "alpha"}
	b.PublishOutbound(entity.OutboundMessage{Session: session, Content: "chunk-1", IsStreamChunk: true})
	b.PublishOutbound(entity.OutboundMessage{Session: session, IsStreamEnd: true})

	first := readFrame(t, conn)
	if first.Type != MessageTypeStream || first.Content != "chunk-1" {
		t.Errorf("first frame = %+v", first)
	}
	second := readFrame(t, conn)
	if second.Type != MessageTypeStreamEnd {
		t.Errorf("second frame = %+v", second)
	}
}

func TestAdapter_SystemErrorBecomesErrorFrame(t *testing.T) {
	a, b, srv := testAdapter(t)
	conn := dial(t, srv, "session_id=alpha")
	waitForClients(t, a, 1)

	session := entity.SessionKey{Channel: ChannelName, ChatID: "alpha"}
	b.PublishSystem(entity.SystemEvent{
		Session: session,
		Type:    entity.SystemEventError,
		Payload: map[string]any{"error": "backend exploded"},
	})

	frame := readFrame(t, conn)
	if frame.Type != MessageTypeError {
		t.Errorf("frame type = %q", frame.Type)
	}
	if frame.Content != "backend exploded" {
		t.Errorf("content = %q", frame.Content)
	}
}

func TestAdapter_OtherChannelTrafficIgnored(t *testing.T) {
	a, b, srv := testAdapter(t)
	conn := dial(t, srv, "session_id=alpha")
	waitForClients(t, a, 1)

	b.PublishOutbound(entity.OutboundMessage{
		Session: entity.SessionKey{Channel: "telegram", ChatID: "alpha"},
		Content: "not for you",
	})
	b.PublishOutbound(entity.OutboundMessage{
		Session: entity.SessionKey{Channel: ChannelName, ChatID: "alpha"},
		Content: "for you",
	})

	frame := readFrame(t, conn)
	if frame.Content != "for you" {
		t.Errorf("frame = %+v", frame)
	}
}

func TestAdapter_PingPong(t *testing.T) {
	_, _, srv := testAdapter(t)
	conn := dial(t, srv, "session_id=alpha")

	sendFrame(t, conn, WSMessage{Type: MessageTypePing})
	frame := readFrame(t, conn)
	if frame.Type != MessageTypePong {
		t.Errorf("frame type = %q", frame.Type)
	}
}

func TestAdapter_SystemEventForwardsPayload(t *testing.T) {
	a, b, srv := testAdapter(t)
	conn := dial(t, srv, "session_id=alpha")
	waitForClients(t, a, 1)

	session := entity.SessionKey{Channel: ChannelName, ChatID: "alpha"}
	b.PublishSystem(entity.SystemEvent{
		Session: session,
		Type:    entity.SystemEventToolStart,
		Payload: map[string]any{"tool": "web_search"},
	})

	frame := readFrame(t, conn)
	if frame.Type != MessageTypeSystem || frame.Event != string(entity.SystemEventToolStart) {
		t.Errorf("frame = %+v", frame)
	}
	if frame.Payload["tool"] != "web_search" {
		t.Errorf("payload = %v", frame.Payload)
	}
}

// waitForClients blocks until the hub has registered the expected
// number of clients; registration races the first bus publish otherwise.
func waitForClients(t *testing.T, a *Adapter, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for a.hub.ClientCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("hub never reached %d clients", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

package ws

import (
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"wschat/internal/auth"
	"wschat/internal/config"
	"wschat/internal/core"
	"wschat/internal/protocol"
)

func TestRouteBetweenConnectedUsers(t *testing.T) {
	t.Parallel()

	baseURL := startTestServer(t, nil)

	alice := connectClient(t, baseURL, "10")
	defer alice.Close()
	bob := connectClient(t, baseURL, "20")
	defer bob.Close()

	writePayload(t, alice, protocol.MessagePayload{
		Type:       protocol.TypeText,
		Sender:     10,
		Recipients: []uint64{20},
		Text:       "hello bob",
	})

	got := readUntil(t, bob, func(p protocol.MessagePayload) bool {
		return p.Type == protocol.TypeText && p.Text == "hello bob"
	})
	if got.Sender != 10 {
		t.Fatalf("unexpected sender: %#v", got)
	}
}

func TestOfflineRecipientGetsQueuedMessagesOnConnect(t *testing.T) {
	t.Parallel()

	baseURL := startTestServer(t, nil)

	alice := connectClient(t, baseURL, "10")
	defer alice.Close()

	writePayload(t, alice, protocol.MessagePayload{
		Type:       protocol.TypeText,
		Sender:     10,
		Recipients: []uint64{20},
		Text:       "while you were out",
	})

	// Give the server a beat to park the payload before 20 connects.
	time.Sleep(50 * time.Millisecond)

	bob := connectClient(t, baseURL, "20")
	defer bob.Close()

	readUntil(t, bob, func(p protocol.MessagePayload) bool {
		return p.Text == "while you were out"
	})
}

func TestConnectWithoutIDClosed(t *testing.T) {
	t.Parallel()

	baseURL := startTestServer(t, nil)
	expectCloseOnConnect(t, baseURL+"/chat?token=x", protocol.CloseInvalidQueryParams, "Id required")
}

func TestConnectWithInvalidIDClosed(t *testing.T) {
	t.Parallel()

	baseURL := startTestServer(t, nil)
	expectCloseOnConnect(t, baseURL+"/chat?id=abc", protocol.CloseInvalidQueryParams, "Passed invalid id: id=abc")
}

func TestConnectUnauthorizedClosed(t *testing.T) {
	t.Parallel()

	baseURL := startTestServer(t, func(cfg *config.Settings) {
		cfg.Auth = config.AuthSettings{Type: "bearer", Token: "sekret"}
	})
	expectCloseOnConnect(t, baseURL+"/chat?id=10", protocol.CloseUnauthorized, "Unauthorized")
}

func TestInvalidPayloadClosed(t *testing.T) {
	t.Parallel()

	baseURL := startTestServer(t, nil)
	alice := connectClient(t, baseURL, "10")
	defer alice.Close()

	_ = alice.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := alice.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	code, reason := readClose(t, alice)
	if code != protocol.CloseInvalidPayload {
		t.Fatalf("close code %d, want %d", code, protocol.CloseInvalidPayload)
	}
	if !strings.Contains(reason, "Invalid payload") {
		t.Fatalf("close reason %q", reason)
	}
}

func TestClientPingAnsweredWithPong(t *testing.T) {
	t.Parallel()

	baseURL := startTestServer(t, nil)
	alice := connectClient(t, baseURL, "10")
	defer alice.Close()

	pong := make(chan string, 1)
	alice.SetPongHandler(func(appData string) error {
		select {
		case pong <- appData:
		default:
		}
		return nil
	})
	go func() {
		for {
			if _, _, err := alice.ReadMessage(); err != nil {
				return
			}
		}
	}()

	_ = alice.WriteControl(websocket.PingMessage, []byte("."), time.Now().Add(2*time.Second))

	select {
	case <-pong:
	case <-time.After(4 * time.Second):
		t.Fatal("no pong answered the ping")
	}
}

func startTestServer(t *testing.T, mutate func(*config.Settings)) string {
	t.Helper()

	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	authn, err := auth.FromConfig(cfg.Auth)
	if err != nil {
		t.Fatalf("auth from config: %v", err)
	}
	chat, err := core.NewChatServer(cfg, authn, nil)
	if err != nil {
		t.Fatalf("new chat server: %v", err)
	}
	t.Cleanup(chat.Stop)

	return startServerWith(t, chat, cfg)
}

func startServerWith(t *testing.T, chat *core.ChatServer, cfg config.Settings) string {
	t.Helper()

	h, err := NewHandler(chat, cfg)
	if err != nil {
		t.Fatalf("new ws handler: %v", err)
	}
	e := echo.New()
	h.Register(e)
	httpServer := httptest.NewServer(e)
	t.Cleanup(httpServer.Close)

	return "ws" + strings.TrimPrefix(httpServer.URL, "http")
}

func connectClient(t *testing.T, baseWSURL, id string) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(baseWSURL+"/chat?id="+id, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	return conn
}

func writePayload(t *testing.T, conn *websocket.Conn, p protocol.MessagePayload) {
	t.Helper()
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteJSON(p); err != nil {
		t.Fatalf("write json: %v", err)
	}
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(protocol.MessagePayload) bool) protocol.MessagePayload {
	t.Helper()
	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		var p protocol.MessagePayload
		err := conn.ReadJSON(&p)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			t.Fatalf("read json: %v", err)
		}
		if match(p) {
			return p
		}
	}
	t.Fatal("timed out waiting for matching payload")
	return protocol.MessagePayload{}
}

func readClose(t *testing.T, conn *websocket.Conn) (int, string) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(4 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			return closeErr.Code, closeErr.Text
		}
		t.Fatalf("expected close frame, got: %v", err)
	}
}

func expectCloseOnConnect(t *testing.T, url string, wantCode int, wantReason string) {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close()

	code, reason := readClose(t, conn)
	if code != wantCode {
		t.Fatalf("close code %d, want %d", code, wantCode)
	}
	if !strings.Contains(reason, wantReason) {
		t.Fatalf("close reason %q should contain %q", reason, wantReason)
	}
}

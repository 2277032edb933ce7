// Package ws owns the websocket transport: upgrading requests on the
// configured endpoint and pumping frames between gorilla connections
// and the routing core.
package ws

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"wschat/internal/config"
	"wschat/internal/core"
	"wschat/internal/protocol"
)

// Handler upgrades HTTP requests and serves websocket connections.
type Handler struct {
	chat           *core.ChatServer
	endpoint       string
	maxMessageSize int64
	upgrader       websocket.Upgrader
}

// NewHandler creates a websocket handler bound to the chat core.
func NewHandler(chat *core.ChatServer, cfg config.Settings) (*Handler, error) {
	maxSize, err := cfg.MaxMessageBytes()
	if err != nil {
		return nil, err
	}
	return &Handler{
		chat:           chat,
		endpoint:       cfg.Server.Endpoint,
		maxMessageSize: maxSize,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}, nil
}

// Register binds the websocket route on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET(h.endpoint, h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	conn := newConn(ws)
	go conn.writeLoop()

	if !h.chat.HandleOpen(conn, c.Request()) {
		// A close frame was already written; just drop the socket.
		conn.Close()
		return nil
	}
	h.serveConn(conn)
	return nil
}

func (h *Handler) serveConn(conn *Conn) {
	defer conn.Close()

	ws := conn.ws
	ws.SetReadLimit(h.maxMessageSize)
	ws.SetPongHandler(func(appData string) error {
		h.chat.HandleFrame(conn, protocol.OpPong, []byte(appData))
		return nil
	})

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			h.closeConn(conn, err)
			return
		}
		switch msgType {
		case websocket.TextMessage:
			h.chat.HandleFrame(conn, protocol.OpText, data)
		case websocket.BinaryMessage:
			h.chat.HandleFrame(conn, protocol.OpBinary, data)
		}
	}
}

func (h *Handler) closeConn(conn *Conn, err error) {
	if errors.Is(err, websocket.ErrReadLimit) {
		conn.SendClose(protocol.CloseMessageTooBig,
			"Message too big. Maximum size: "+humanize.Bytes(uint64(h.maxMessageSize)))
		h.chat.HandleClose(conn, protocol.CloseMessageTooBig, err.Error())
		return
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		h.chat.HandleClose(conn, closeErr.Code, closeErr.Text)
		return
	}
	h.chat.HandleError(conn, err)
	h.chat.HandleClose(conn, websocket.CloseAbnormalClosure, err.Error())
}

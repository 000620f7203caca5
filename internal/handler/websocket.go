package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"linkbridge/internal/auth"
	"linkbridge/internal/hub"
	"linkbridge/internal/linking"
)

const linkStatusEvent = "link-status"

// StatusNotifier pushes linking status changes to the user's websocket
// connections.
type StatusNotifier struct {
	Hub    *hub.Hub
	Logger *zap.Logger
}

func (n StatusNotifier) PublishStatus(userID string, st linking.Status) {
	if err := n.Hub.Publish(userID, hub.Event{Type: linkStatusEvent, Data: st}); err != nil {
		n.Logger.Warn("publish link status failed", zap.String("user_id", userID), zap.Error(err))
	}
}

type WebSocketHandler struct {
	Hub          *hub.Hub
	TokenConfig  auth.TokenConfig
	AllowedRoles []string
}

type clientMessage struct {
	Type string `json:"type"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	sendBuffer = 32
	pongWait   = 60 * time.Second
	writeWait  = 10 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var errSlowSubscriber = errors.New("websocket subscriber is not keeping up")

// wsWriter queues outgoing messages for a single pump goroutine, so Write
// never blocks on the network. A full queue fails the write and the hub drops
// the connection.
type wsWriter struct {
	conn   *websocket.Conn
	send   chan []byte
	closed chan struct{}
	once   sync.Once
}

func newWSWriter(conn *websocket.Conn) *wsWriter {
	return &wsWriter{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
	}
}

func (w *wsWriter) Write(message []byte) error {
	select {
	case <-w.closed:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case w.send <- message:
		return nil
	default:
		return errSlowSubscriber
	}
}

func (w *wsWriter) Close() error {
	w.once.Do(func() { close(w.closed) })
	if w.conn == nil {
		return nil
	}
	return w.conn.Close()
}

// pump owns every write to the connection until Close.
func (w *wsWriter) pump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.closed:
			return
		case message := <-w.send:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				_ = w.Close()
				return
			}
		case <-ticker.C:
			if err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = w.Close()
				return
			}
		}
	}
}

func (h *WebSocketHandler) Serve(c *gin.Context) {
	tokenString := c.Query("token")
	if tokenString == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	claims, err := auth.VerifyToken(tokenString, h.TokenConfig)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	if !claims.HasAnyRole(h.AllowedRoles) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Account linking is not permitted for this user"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	writer := newWSWriter(ws)
	conn := &hub.Connection{UserID: claims.UserID, Writer: writer}
	h.Hub.Register(conn)
	defer func() {
		h.Hub.Unregister(conn)
		_ = writer.Close()
	}()
	go writer.pump()

	ws.SetReadLimit(4 * 1024)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	ready, _ := json.Marshal(hub.Event{Type: "ready"})
	_ = writer.Write(ready)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			out, _ := json.Marshal(hub.Event{Type: "pong"})
			_ = writer.Write(out)
		}
	}
}

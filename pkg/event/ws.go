package event

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	// sendBuffer bounds the per-client queue; events beyond it are dropped
	// so one slow subscriber cannot stall the emitting goroutine.
	sendBuffer = 64

	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 5 * time.Second
	readLimit    = 4096
)

// WSMessage is the JSON frame sent to websocket subscribers.
type WSMessage struct {
	Event string         `json:"event"`          // Event name (e.g., "chat.chunk")
	Data  map[string]any `json:"data,omitempty"` // Event-specific data
	TS    int64          `json:"ts"`             // Timestamp (Unix ms)
}

// WSHandler upgrades HTTP requests to websocket connections and forwards
// emitter events to them.
type WSHandler struct {
	emitter  *Emitter
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a websocket handler for the given emitter.
// A nil emitter means the process-global one.
func NewWSHandler(emitter *Emitter, logger *slog.Logger) *WSHandler {
	if emitter == nil {
		emitter = Global()
	}
	return &WSHandler{
		emitter: emitter,
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handle is the gin handler for websocket subscriptions.
// Query params:
//   - events: comma-separated event names to subscribe (empty = all)
//
// Example: /api/v1/events/ws?events=chat.chunk,chat.completed
func (h *WSHandler) Handle(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	filter := parseEventFilter(c.Query("events"))
	sendCh := make(chan WSMessage, sendBuffer)

	unsubscribe := h.emitter.OnAny(func(ev Event) {
		if filter != nil && !filter[ev.EventName()] {
			return
		}
		msg := WSMessage{
			Event: ev.EventName(),
			Data:  eventToData(ev),
			TS:    time.Now().UnixMilli(),
		}
		select {
		case sendCh <- msg:
		default:
			h.logger.Debug("Dropped event for slow websocket client", "event", ev.EventName())
		}
	})
	defer unsubscribe()

	h.logger.Debug("Websocket subscriber connected", "remote", conn.RemoteAddr().String())

	// The read pump only services pongs and detects the peer going away.
	done := make(chan struct{})
	go readPump(conn, done)

	h.writePump(c, conn, sendCh, done)
	h.logger.Debug("Websocket subscriber disconnected", "remote", conn.RemoteAddr().String())
}

func parseEventFilter(param string) map[string]bool {
	if param == "" {
		return nil
	}
	filter := make(map[string]bool)
	for _, name := range strings.Split(param, ",") {
		if name = strings.TrimSpace(name); name != "" {
			filter[name] = true
		}
	}
	return filter
}

func readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the single writer on the connection; no other goroutine may
// call conn write methods.
func (h *WSHandler) writePump(c *gin.Context, conn *websocket.Conn, sendCh <-chan WSMessage, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-done:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg := <-sendCh:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}

// eventToData flattens an event struct into the generic frame payload.
func eventToData(ev Event) map[string]any {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

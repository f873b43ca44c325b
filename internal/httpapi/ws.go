package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"beagle-sidecar/internal/events"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const writeTimeout = 5 * time.Second

// EventStream pushes inbound events over a websocket as they arrive — a
// push-mode mirror of GET /events for local UIs that don't want to poll.
// Streaming does not drain the poll queue; both surfaces see every event.
type EventStream struct {
	queue    *events.Queue
	upgrader websocket.Upgrader
}

// NewEventStream creates a websocket handler bound to the event queue.
func NewEventStream(queue *events.Queue) *EventStream {
	return &EventStream{
		queue: queue,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds websocket routes on an Echo router.
func (h *EventStream) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and streams events until disconnect.
func (h *EventStream) HandleWebSocket(c echo.Context) error {
	remoteAddr := c.RealIP()
	slog.Debug("ws upgrade request", "remote", remoteAddr)

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("ws upgrade failed", "remote", remoteAddr, "err", err)
		return nil
	}
	h.serveConn(conn, remoteAddr)
	return nil
}

func (h *EventStream) serveConn(conn *websocket.Conn, remoteAddr string) {
	defer conn.Close()

	sub, cancel := h.queue.Subscribe(64)
	defer cancel()

	// Drain the client's side of the socket so close frames and pings are
	// processed; the stream is one-way otherwise.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	slog.Debug("ws event stream open", "remote", remoteAddr)
	for {
		select {
		case <-done:
			slog.Debug("ws event stream closed by client", "remote", remoteAddr)
			return
		case msg := <-sub:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				slog.Debug("ws write failed", "remote", remoteAddr, "err", err)
				return
			}
		}
	}
}
